// Package instrument records transport throughput through OpenTelemetry and
// keeps process-wide totals the CLI can print without a metrics backend.
package instrument

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/ssbtransport/internal/loggingutil"
)

const scope = "pkt.systems/ssbtransport/transport"

// Metric names.
const (
	MetricMessagesSent     = "ssbtransport.messages.sent"
	MetricBytesSent        = "ssbtransport.bytes.sent"
	MetricMessagesReceived = "ssbtransport.messages.received"
	MetricBytesReceived    = "ssbtransport.bytes.received"
	MetricLockContention   = "ssbtransport.grouplock.contention"
	MetricGroupsAcquired   = "ssbtransport.grouplock.acquired"
)

// Totals is a point-in-time copy of the process counters.
type Totals struct {
	MessagesSent     int64 `yaml:"messages_sent" json:"messages_sent"`
	BytesSent        int64 `yaml:"bytes_sent" json:"bytes_sent"`
	MessagesReceived int64 `yaml:"messages_received" json:"messages_received"`
	BytesReceived    int64 `yaml:"bytes_received" json:"bytes_received"`
	LockContention   int64 `yaml:"lock_contention" json:"lock_contention"`
	GroupsAcquired   int64 `yaml:"groups_acquired" json:"groups_acquired"`
}

// Recorder counts messages, bytes and lock activity.
type Recorder struct {
	tracer trace.Tracer

	messagesSent     metric.Int64Counter
	bytesSent        metric.Int64Counter
	messagesReceived metric.Int64Counter
	bytesReceived    metric.Int64Counter
	lockContention   metric.Int64Counter
	groupsAcquired   metric.Int64Counter

	totals struct {
		messagesSent     atomic.Int64
		bytesSent        atomic.Int64
		messagesReceived atomic.Int64
		bytesReceived    atomic.Int64
		lockContention   atomic.Int64
		groupsAcquired   atomic.Int64
	}
}

var (
	processOnce sync.Once
	process     *Recorder
)

// Process returns the recorder shared by every transport component of the
// process. Its instruments follow the global meter provider, so providers
// installed after the first call still receive the measurements.
func Process() *Recorder {
	processOnce.Do(func() {
		process = New(nil, nil, nil)
	})
	return process
}

// Or returns r, or the process recorder when r is nil.
func Or(r *Recorder) *Recorder {
	if r != nil {
		return r
	}
	return Process()
}

// New builds a Recorder on mp and tp. Nil providers use the global ones.
func New(mp metric.MeterProvider, tp trace.TracerProvider, logger pslog.Logger) *Recorder {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	logger = loggingutil.WithSubsystem(logger, "transport.instrument")
	meter := mp.Meter(scope)
	r := &Recorder{tracer: tp.Tracer(scope)}
	r.messagesSent = counter(meter, logger, MetricMessagesSent, "Messages sent on conversations", "{message}")
	r.bytesSent = counter(meter, logger, MetricBytesSent, "Message body bytes sent", "By")
	r.messagesReceived = counter(meter, logger, MetricMessagesReceived, "Messages received from conversation groups", "{message}")
	r.bytesReceived = counter(meter, logger, MetricBytesReceived, "Message body bytes received", "By")
	r.lockContention = counter(meter, logger, MetricLockContention, "Conversation group lock attempts lost to another receiver", "{attempt}")
	r.groupsAcquired = counter(meter, logger, MetricGroupsAcquired, "Conversation groups locked by a receiver", "{group}")
	return r
}

func counter(meter metric.Meter, logger pslog.Logger, name, description, unit string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit(unit))
	logMetricInitError(logger, name, err)
	return c
}

// MessageSent records one sent message of size bytes.
func (r *Recorder) MessageSent(ctx context.Context, service, messageType string, size int) {
	if r == nil {
		return
	}
	r.totals.messagesSent.Add(1)
	r.totals.bytesSent.Add(int64(size))
	attrs := metric.WithAttributes(
		attribute.String("ssbtransport.service", service),
		attribute.String("ssbtransport.message_type", messageType),
	)
	ctx = metricContext(ctx)
	if r.messagesSent != nil {
		r.messagesSent.Add(ctx, 1, attrs)
	}
	if r.bytesSent != nil {
		r.bytesSent.Add(ctx, int64(size), attrs)
	}
}

// MessageReceived records one received message of size bytes.
func (r *Recorder) MessageReceived(ctx context.Context, queue, messageType string, size int) {
	if r == nil {
		return
	}
	r.totals.messagesReceived.Add(1)
	r.totals.bytesReceived.Add(int64(size))
	attrs := metric.WithAttributes(
		attribute.String("ssbtransport.queue", queue),
		attribute.String("ssbtransport.message_type", messageType),
	)
	ctx = metricContext(ctx)
	if r.messagesReceived != nil {
		r.messagesReceived.Add(ctx, 1, attrs)
	}
	if r.bytesReceived != nil {
		r.bytesReceived.Add(ctx, int64(size), attrs)
	}
}

// LockContended records a lost non-blocking group lock attempt.
func (r *Recorder) LockContended(ctx context.Context, queue string) {
	if r == nil {
		return
	}
	r.totals.lockContention.Add(1)
	if r.lockContention != nil {
		r.lockContention.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("ssbtransport.queue", queue)))
	}
}

// GroupAcquired records a conversation group lock taken in mode
// ("targeted" or "open").
func (r *Recorder) GroupAcquired(ctx context.Context, queue, mode string) {
	if r == nil {
		return
	}
	r.totals.groupsAcquired.Add(1)
	if r.groupsAcquired != nil {
		r.groupsAcquired.Add(metricContext(ctx), 1, metric.WithAttributes(
			attribute.String("ssbtransport.queue", queue),
			attribute.String("ssbtransport.grouplock.mode", mode),
		))
	}
}

// Totals returns the counters accumulated by r.
func (r *Recorder) Totals() Totals {
	if r == nil {
		return Totals{}
	}
	return Totals{
		MessagesSent:     r.totals.messagesSent.Load(),
		BytesSent:        r.totals.bytesSent.Load(),
		MessagesReceived: r.totals.messagesReceived.Load(),
		BytesReceived:    r.totals.bytesReceived.Load(),
		LockContention:   r.totals.lockContention.Load(),
		GroupsAcquired:   r.totals.groupsAcquired.Load(),
	}
}

// Start opens an internal span named ssbtransport.<op>. The returned finish
// function records err on the span and ends it.
func (r *Recorder) Start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	ctx = metricContext(ctx)
	if r == nil || r.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := r.tracer.Start(ctx, "ssbtransport."+op, trace.WithSpanKind(trace.SpanKindInternal))
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, op+"_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
