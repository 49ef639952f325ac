package ssbtransport

import (
	"fmt"
	"strings"
	"time"

	"pkt.systems/ssbtransport/faults"
	"pkt.systems/ssbtransport/internal/broker"
	"pkt.systems/ssbtransport/internal/cmdrun"
	"pkt.systems/ssbtransport/internal/sqlconn"
)

const (
	// DefaultContract is the contract dialogs are begun on when none is configured.
	DefaultContract = broker.ContractDefault
	// DefaultOpenTimeout bounds listener open, service resolution and group acquisition.
	DefaultOpenTimeout = 2 * time.Minute
	// DefaultCloseTimeout bounds the END CONVERSATION issued when sessions close.
	DefaultCloseTimeout = 2 * time.Minute
	// DefaultSendTimeout bounds a single send, including an implicit BEGIN DIALOG.
	DefaultSendTimeout = time.Minute
	// DefaultAcceptTimeout is how long Listener.Accept waits for a conversation group.
	DefaultAcceptTimeout = 10 * time.Minute
	// DefaultSessionLinger is how long an input session waits for further
	// messages after the batch that opened it is drained. Zero closes the
	// session as soon as the queue has nothing more for the group.
	DefaultSessionLinger = time.Duration(0)
	// DefaultMaxMessageSize caps the body of a received message.
	DefaultMaxMessageSize = int64(64 << 10)
	// DefaultMaxSessions bounds the sessions Listener.Serve runs concurrently.
	DefaultMaxSessions = 16
	// DefaultContentionBackoff is slept after losing a conversation group to another receiver.
	DefaultContentionBackoff = 25 * time.Millisecond
	// DefaultDetachedTxTimeout rolls back a taken transaction nobody finished.
	DefaultDetachedTxTimeout = 5 * time.Minute
	// DefaultDrainTimeout bounds how long a cancelled broker wait may take to unwind.
	DefaultDrainTimeout = cmdrun.DefaultDrainTimeout
	// DefaultDSNCacheCapacity bounds the validated data source name cache.
	DefaultDSNCacheCapacity = sqlconn.DefaultCacheCapacity
	// DefaultRetryMaxAttempts describes how many transient backend errors are retried.
	DefaultRetryMaxAttempts = 3
	// DefaultRetryBaseDelay configures the base delay between retries.
	DefaultRetryBaseDelay = 50 * time.Millisecond
	// DefaultRetryMaxDelay caps the exponential backoff between retries.
	DefaultRetryMaxDelay = 2 * time.Second
)

// Config captures the tunables for an Engine.
type Config struct {
	// DSN is the SQL Server data source name. It must enable asynchronous
	// processing and multiple active result sets. mem://name selects a
	// registered in-process broker.
	DSN string
	// Contract is the contract dialogs are begun on.
	Contract string
	// Encryption requests dialog encryption on BEGIN DIALOG.
	Encryption bool
	// EndConversationOnClose makes output sessions end the conversation they
	// used when closed, including explicitly begun ones.
	EndConversationOnClose bool

	OpenTimeout   time.Duration
	CloseTimeout  time.Duration
	SendTimeout   time.Duration
	AcceptTimeout time.Duration
	SessionLinger time.Duration

	// MaxMessageSize caps received bodies; larger messages fail the session.
	MaxMessageSize int64
	// MaxSessions bounds concurrent sessions in Listener.Serve.
	MaxSessions int
	// ContentionBackoff is slept between open-mode lock attempts.
	ContentionBackoff time.Duration
	// DetachedTxTimeout bounds the life of a taken receive transaction.
	DetachedTxTimeout time.Duration
	// DrainTimeout bounds the unwinding of a cancelled broker wait.
	DrainTimeout time.Duration
	// DSNCacheCapacity bounds the validated data source name cache.
	DSNCacheCapacity int

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https:// or host:port).
	OTLPEndpoint string
	// MetricsListen is the Prometheus scrape endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
}

// Validate fills defaults and rejects values the transport cannot use.
// Failures are faults.KindConfig errors.
func (c *Config) Validate() error {
	const op = "config.validate"
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		return faults.New(faults.KindConfig, op, "dsn is required")
	}
	if _, err := sqlconn.Normalize(c.DSN); err != nil {
		return err
	}
	c.Contract = strings.TrimSpace(c.Contract)
	if c.Contract == "" {
		c.Contract = DefaultContract
	}
	if err := broker.ValidateIdentifier("contract", c.Contract); err != nil {
		return faults.Wrap(faults.KindConfig, op, "", err)
	}
	durations := []struct {
		name  string
		value *time.Duration
		def   time.Duration
	}{
		{"open timeout", &c.OpenTimeout, DefaultOpenTimeout},
		{"close timeout", &c.CloseTimeout, DefaultCloseTimeout},
		{"send timeout", &c.SendTimeout, DefaultSendTimeout},
		{"accept timeout", &c.AcceptTimeout, DefaultAcceptTimeout},
		{"detached tx timeout", &c.DetachedTxTimeout, DefaultDetachedTxTimeout},
		{"drain timeout", &c.DrainTimeout, DefaultDrainTimeout},
		{"retry base delay", &c.RetryBaseDelay, DefaultRetryBaseDelay},
		{"retry max delay", &c.RetryMaxDelay, DefaultRetryMaxDelay},
	}
	for _, d := range durations {
		if *d.value < 0 {
			return faults.New(faults.KindConfig, op, fmt.Sprintf("%s must be >= 0", d.name))
		}
		if *d.value == 0 {
			*d.value = d.def
		}
	}
	if c.SessionLinger < 0 {
		return faults.New(faults.KindConfig, op, "session linger must be >= 0")
	}
	if c.ContentionBackoff < 0 {
		return faults.New(faults.KindConfig, op, "contention backoff must be >= 0")
	}
	if c.ContentionBackoff == 0 {
		c.ContentionBackoff = DefaultContentionBackoff
	}
	if c.MaxMessageSize < 0 {
		return faults.New(faults.KindConfig, op, "max message size must be >= 0")
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.MaxSessions < 0 {
		return faults.New(faults.KindConfig, op, "max sessions must be >= 0")
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.DSNCacheCapacity <= 0 {
		c.DSNCacheCapacity = DefaultDSNCacheCapacity
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = DefaultRetryMaxAttempts
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return faults.New(faults.KindConfig, op, "retry max delay must be >= retry base delay")
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return faults.New(faults.KindConfig, op, "profiling metrics require metrics-listen")
	}
	return nil
}
