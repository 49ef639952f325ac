// Package sender begins, resumes and ends conversations and sends messages
// on them.
package sender

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"pkt.systems/pslog"

	"pkt.systems/ssbtransport/faults"
	"pkt.systems/ssbtransport/internal/broker"
	"pkt.systems/ssbtransport/internal/clock"
	"pkt.systems/ssbtransport/internal/directory"
	"pkt.systems/ssbtransport/internal/instrument"
	"pkt.systems/ssbtransport/internal/loggingutil"
	"pkt.systems/ssbtransport/internal/sqlconn"
)

// DefaultCloseTimeout bounds the END CONVERSATION issued by Close.
const DefaultCloseTimeout = 2 * time.Minute

// State is the lifecycle position of a Sender.
type State int

const (
	StateCreated State = iota
	StateOpened
	StateClosed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOpened:
		return "opened"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Opener opens exclusive broker connections.
type Opener interface {
	Open(ctx context.Context, dsn string) (*sqlconn.Handle, error)
}

// Options configures a Sender.
type Options struct {
	Logger    pslog.Logger
	Clock     clock.Clock
	Recorder  *instrument.Recorder
	Directory *directory.Resolver

	// Opener and DSN supply the connection unless UseConnection is called
	// before Open.
	Opener Opener
	DSN    string

	// Source is the initiating service, Target the service addressed.
	Source     string
	Target     string
	Contract   string
	Encryption bool
	// EndConversationOnClose makes Close end explicitly begun or opened
	// conversations too. Implicitly begun ones are always ended.
	EndConversationOnClose bool
	CloseTimeout           time.Duration
}

// Sender sends on one conversation at a time.
type Sender struct {
	logger       pslog.Logger
	clock        clock.Clock
	recorder     *instrument.Recorder
	directory    *directory.Resolver
	opener       Opener
	dsn          string
	source       string
	target       string
	contract     string
	encryption   bool
	closeTimeout time.Duration

	mu           sync.Mutex
	state        State
	cmds         broker.Commands
	handle       *sqlconn.Handle
	conversation *broker.ConversationInfo
	endOnClose   bool
	// endExplicit is what BeginConversation and OpenConversation apply.
	endExplicit bool
}

// New constructs a Sender. The contract must be a plain identifier.
func New(opts Options) (*Sender, error) {
	contract := opts.Contract
	if contract == "" {
		contract = broker.ContractDefault
	}
	if err := broker.ValidateIdentifier("contract", contract); err != nil {
		return nil, faults.Wrap(faults.KindConfig, "sender.new", "", err)
	}
	s := &Sender{
		logger:       loggingutil.WithSubsystem(opts.Logger, "transport.sender").With("target", opts.Target),
		clock:        clock.Or(opts.Clock),
		recorder:     instrument.Or(opts.Recorder),
		directory:    opts.Directory,
		opener:       opts.Opener,
		dsn:          opts.DSN,
		source:       opts.Source,
		target:       opts.Target,
		contract:     contract,
		encryption:   opts.Encryption,
		closeTimeout: opts.CloseTimeout,
		endOnClose:   opts.EndConversationOnClose,
		endExplicit:  opts.EndConversationOnClose,
	}
	if s.directory == nil {
		s.directory = directory.New(directory.Options{Logger: opts.Logger, Clock: opts.Clock})
	}
	if s.closeTimeout <= 0 {
		s.closeTimeout = DefaultCloseTimeout
	}
	return s, nil
}

// State returns the lifecycle state.
func (s *Sender) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UseConnection makes the sender run its commands on cmds, typically a
// receiver's transaction. The sender never finishes or closes a borrowed
// connection.
func (s *Sender) UseConnection(cmds broker.Commands) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return faults.New(faults.KindInvalidOperation, "sender.use_connection", "cannot set the connection of a "+s.state.String()+" sender")
	}
	s.cmds = cmds
	return nil
}

// Open acquires a connection unless one was set with UseConnection.
func (s *Sender) Open(ctx context.Context) error {
	const op = "sender.open"
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateOpened:
		return nil
	case StateCreated:
	default:
		return faults.New(faults.KindInvalidOperation, op, "sender is "+s.state.String())
	}
	if s.cmds == nil {
		if s.opener == nil {
			return faults.New(faults.KindInvalidOperation, op, "no connection set")
		}
		h, err := s.opener.Open(ctx, s.dsn)
		if err != nil {
			return err
		}
		s.handle = h
		s.cmds = h.Conn()
	}
	s.state = StateOpened
	return nil
}

func (s *Sender) openedLocked(op string) error {
	if s.state != StateOpened {
		return faults.New(faults.KindInvalidOperation, op, "sender is "+s.state.String())
	}
	if s.cmds == nil {
		return faults.New(faults.KindInvalidOperation, op, "no connection set")
	}
	return nil
}

// Conversation returns the active conversation.
func (s *Sender) Conversation() (broker.ConversationInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversation == nil {
		return broker.ConversationInfo{}, false
	}
	return *s.conversation, true
}

// ConversationHandle returns the handle of the active conversation.
func (s *Sender) ConversationHandle() (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversation == nil {
		return uuid.Nil, faults.New(faults.KindInvalidOperation, "sender.conversation_handle",
			"there is no active conversation; send a message or call BeginConversation or OpenConversation")
	}
	return s.conversation.ConversationHandle, nil
}

// ConversationGroupID returns the group of the active conversation.
func (s *Sender) ConversationGroupID() (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversation == nil {
		return uuid.Nil, faults.New(faults.KindInvalidOperation, "sender.conversation_group", "conversation group id has no value")
	}
	return s.conversation.ConversationGroupID, nil
}

// SetEndConversationOnClose changes whether Close ends the active
// conversation and any conversation begun or opened afterwards.
func (s *Sender) SetEndConversationOnClose(end bool) {
	s.mu.Lock()
	s.endOnClose = end
	s.endExplicit = end
	s.mu.Unlock()
}

// BeginConversation starts a dialog from the source to the target service.
// A non-nil group places it in that conversation group. Close ends it only
// when EndConversationOnClose is set.
func (s *Sender) BeginConversation(ctx context.Context, group uuid.UUID, timeout time.Duration) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openedLocked("sender.begin_conversation"); err != nil {
		return uuid.Nil, err
	}
	s.endOnClose = s.endExplicit
	return s.beginLocked(ctx, group, timeout)
}

func (s *Sender) beginLocked(ctx context.Context, group uuid.UUID, timeout time.Duration) (handle uuid.UUID, err error) {
	const op = "sender.begin_conversation"
	ctx, finish := s.recorder.Start(ctx, op, attribute.String("ssbtransport.service", s.target))
	defer func() { finish(err) }()

	deadline := clock.NewDeadline(s.clock, timeout)
	opCtx, cancel := boundedContext(ctx, timeout)
	defer cancel()
	handle, err = s.cmds.BeginDialog(opCtx, broker.DialogSpec{
		FromService:  s.source,
		ToService:    s.target,
		Contract:     s.contract,
		Encryption:   s.encryption,
		RelatedGroup: group,
	})
	if err != nil {
		if ctx.Err() != nil {
			return uuid.Nil, ctx.Err()
		}
		if errors.Is(err, broker.ErrServiceNotFound) {
			return uuid.Nil, faults.Wrap(faults.KindNotFound, op, fmt.Sprintf("service %q", s.source), err)
		}
		return uuid.Nil, faults.Reclassify(op, timeout, deadline.Expired() || errors.Is(err, context.DeadlineExceeded),
			fmt.Errorf("beginning a conversation to service %s: %w", s.target, err))
	}
	info, err := s.directory.LookupConversation(opCtx, s.cmds, handle)
	if err != nil {
		return uuid.Nil, err
	}
	s.conversation = &info
	s.logger.Debug("sender.conversation.begun", "conversation", handle.String(), "group", info.ConversationGroupID.String())
	return handle, nil
}

// OpenConversation resumes the conversation handle. It fails unless the
// conversation can still carry messages.
func (s *Sender) OpenConversation(ctx context.Context, handle uuid.UUID, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openedLocked("sender.open_conversation"); err != nil {
		return err
	}
	opCtx, cancel := boundedContext(ctx, timeout)
	defer cancel()
	info, err := s.directory.LookupConversation(opCtx, s.cmds, handle)
	if err != nil {
		return err
	}
	s.conversation = &info
	s.endOnClose = s.endExplicit
	return nil
}

// Send sends body on the active conversation as messageType, DEFAULT when
// empty. Without an active conversation one is begun and ended on Close.
func (s *Sender) Send(ctx context.Context, body []byte, timeout time.Duration, messageType string) (err error) {
	const op = "sender.send"
	if messageType == "" {
		messageType = broker.MessageTypeDefault
	}
	if err := broker.ValidateIdentifier("message type", messageType); err != nil {
		return faults.Wrap(faults.KindInvalidOperation, op, "", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openedLocked(op); err != nil {
		return err
	}
	deadline := clock.NewDeadline(s.clock, timeout)
	if s.conversation == nil {
		if _, err := s.beginLocked(ctx, uuid.Nil, deadline.Remaining()); err != nil {
			return err
		}
		s.endOnClose = true
	}
	handle := s.conversation.ConversationHandle

	ctx, finish := s.recorder.Start(ctx, op,
		attribute.String("ssbtransport.service", s.target),
		attribute.String("ssbtransport.message_type", messageType),
	)
	defer func() { finish(err) }()
	sendCtx, cancel := boundedContext(ctx, deadline.Remaining())
	defer cancel()
	err = s.cmds.Send(sendCtx, handle, messageType, body)
	if err == nil {
		s.recorder.MessageSent(ctx, s.target, messageType, len(body))
		s.logger.Trace("sender.sent", "conversation", handle.String(), "type", messageType, "bytes", len(body))
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if broker.ErrorNumber(err) == broker.ErrNumberConversationDisabled {
		payload, found, perr := s.cmds.ConversationError(sendCtx, handle)
		if perr == nil && found {
			return faults.BrokerError(op, payload.Code, payload.Description)
		}
	}
	return faults.Reclassify(op, timeout, deadline.Expired() || errors.Is(err, context.DeadlineExceeded),
		fmt.Errorf("sending on conversation %s: %w", handle, err))
}

// EndConversation ends the active conversation. A further Send begins a new
// one.
func (s *Sender) EndConversation(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endLocked(ctx, broker.EndOptions{}, timeout)
}

// EndConversationWithError ends the active conversation and sends code and
// description to the far side as a broker error message.
func (s *Sender) EndConversationWithError(ctx context.Context, code int, description string, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endLocked(ctx, broker.EndOptions{WithError: true, ErrorCode: code, Description: description}, timeout)
}

func (s *Sender) endLocked(ctx context.Context, opts broker.EndOptions, timeout time.Duration) error {
	const op = "sender.end_conversation"
	if err := s.openedLocked(op); err != nil {
		return err
	}
	if s.conversation == nil {
		return faults.New(faults.KindInvalidOperation, op, "there is no active conversation")
	}
	handle := s.conversation.ConversationHandle
	deadline := clock.NewDeadline(s.clock, timeout)
	endCtx, cancel := boundedContext(ctx, timeout)
	defer cancel()
	if err := s.cmds.EndConversation(endCtx, handle, opts); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return faults.Reclassify(op, timeout, deadline.Expired() || errors.Is(err, context.DeadlineExceeded),
			fmt.Errorf("ending conversation %s: %w", handle, err))
	}
	s.conversation = nil
	s.logger.Debug("sender.conversation.ended", "conversation", handle.String(), "with_error", opts.WithError)
	return nil
}

// SetConversationTimer arms the dialog timer of handle to fire after d. A d
// of zero or less clears it.
func (s *Sender) SetConversationTimer(ctx context.Context, handle uuid.UUID, d time.Duration) error {
	const op = "sender.set_timer"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openedLocked(op); err != nil {
		return err
	}
	if err := s.cmds.SetConversationTimer(ctx, handle, broker.TimerSeconds(d)); err != nil {
		return faults.Wrap(faults.KindCommunication, op, "", err)
	}
	return nil
}

// Close ends a conversation the sender began implicitly and releases an
// owned connection. Closing twice is a no-op.
func (s *Sender) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateAborted {
		return nil
	}
	var errs []error
	if s.state == StateOpened && s.endOnClose && s.conversation != nil {
		if err := s.endLocked(ctx, broker.EndOptions{}, s.closeTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	s.state = StateClosed
	if err := s.releaseLocked(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Abort releases an owned connection without ending the conversation.
func (s *Sender) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateAborted {
		return
	}
	s.state = StateAborted
	if err := s.releaseLocked(); err != nil {
		s.logger.Debug("sender.abort.release_failed", "error", err)
	}
}

func (s *Sender) releaseLocked() error {
	s.conversation = nil
	s.cmds = nil
	if s.handle == nil {
		return nil
	}
	h := s.handle
	s.handle = nil
	return h.Release()
}

func boundedContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout == clock.Forever {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
