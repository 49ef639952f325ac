// Package directory resolves broker metadata: the queue behind a service and
// the state of a conversation endpoint.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/ssbtransport/faults"
	"pkt.systems/ssbtransport/internal/broker"
	"pkt.systems/ssbtransport/internal/clock"
	"pkt.systems/ssbtransport/internal/loggingutil"
	"pkt.systems/ssbtransport/internal/retry"
)

// Options configures a Resolver.
type Options struct {
	Logger pslog.Logger
	Clock  clock.Clock
	// Retry re-runs lookups that failed transiently. Nil looks up once.
	Retry *retry.Policy
}

// Resolver answers metadata queries against a broker connection.
type Resolver struct {
	logger pslog.Logger
	clock  clock.Clock
	retry  *retry.Policy
}

// New constructs a Resolver.
func New(opts Options) *Resolver {
	return &Resolver{
		logger: loggingutil.WithSubsystem(opts.Logger, "transport.directory"),
		clock:  clock.Or(opts.Clock),
		retry:  opts.Retry,
	}
}

// ResolveService returns the queue backing the service called name.
func (r *Resolver) ResolveService(ctx context.Context, cmds broker.Commands, name string, timeout time.Duration) (broker.ServiceInfo, error) {
	const op = "directory.resolve_service"
	if cmds == nil {
		return broker.ServiceInfo{}, faults.New(faults.KindInvalidOperation, op, "no connection")
	}
	deadline := clock.NewDeadline(r.clock, timeout)
	lookupCtx, cancel := boundedContext(ctx, timeout)
	defer cancel()

	info, err := retry.Value(lookupCtx, r.retry, op, func(ctx context.Context) (broker.ServiceInfo, error) {
		return cmds.LookupService(ctx, name)
	})
	switch {
	case err == nil:
		r.logger.Trace("directory.service.resolved", "service", info.ServiceName, "queue", info.QueueName)
		return info, nil
	case errors.Is(err, broker.ErrServiceNotFound):
		return broker.ServiceInfo{}, faults.Wrap(faults.KindNotFound, op, fmt.Sprintf("service %q", name), err)
	case ctx.Err() != nil:
		return broker.ServiceInfo{}, ctx.Err()
	}
	r.logger.Debug("directory.service.error", "service", name, "error", err)
	return broker.ServiceInfo{}, faults.Reclassify(op, timeout, deadline.Expired() || errors.Is(err, context.DeadlineExceeded), err)
}

// LookupConversation returns the endpoint metadata of handle. Conversations
// that cannot be resumed for sending fail with faults.KindInvalidState.
func (r *Resolver) LookupConversation(ctx context.Context, cmds broker.Commands, handle uuid.UUID) (broker.ConversationInfo, error) {
	const op = "directory.lookup_conversation"
	if cmds == nil {
		return broker.ConversationInfo{}, faults.New(faults.KindInvalidOperation, op, "no connection")
	}
	info, err := retry.Value(ctx, r.retry, op, func(ctx context.Context) (broker.ConversationInfo, error) {
		return cmds.LookupConversation(ctx, handle)
	})
	switch {
	case err == nil:
	case errors.Is(err, broker.ErrConversationNotFound):
		return broker.ConversationInfo{}, faults.Wrap(faults.KindNotFound, op, fmt.Sprintf("conversation %s", handle), err)
	case ctx.Err() != nil:
		return broker.ConversationInfo{}, ctx.Err()
	default:
		return broker.ConversationInfo{}, faults.Wrap(faults.KindCommunication, op, "", err)
	}
	if !info.State.Resumable() {
		return info, faults.New(faults.KindInvalidState, op,
			fmt.Sprintf("conversation %s is %s (%s)", handle, info.State, info.State.Description()))
	}
	r.logger.Trace("directory.conversation.resolved",
		"conversation", handle.String(),
		"group", info.ConversationGroupID.String(),
		"state", string(info.State),
	)
	return info, nil
}

func boundedContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout == clock.Forever {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
