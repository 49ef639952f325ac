package ssbtransport

import (
	"context"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/ssbtransport/faults"
	"pkt.systems/ssbtransport/internal/broker"
	"pkt.systems/ssbtransport/internal/receiver"
	"pkt.systems/ssbtransport/internal/sender"
	"pkt.systems/ssbtransport/internal/uuidv7"
)

// Broker model types shared with callers.
type (
	ServiceInfo         = broker.ServiceInfo
	ConversationInfo    = broker.ConversationInfo
	ConversationContext = broker.ConversationContext
	ConversationState   = broker.State
	// Commands runs broker commands inside a session's transaction.
	Commands = broker.Commands
	// Tx is a receive transaction taken over from an input session.
	Tx = broker.Tx
)

// SessionKind tells the Session variants apart.
type SessionKind int

const (
	SessionInput SessionKind = iota + 1
	SessionOutput
)

func (k SessionKind) String() string {
	switch k {
	case SessionInput:
		return "input"
	case SessionOutput:
		return "output"
	default:
		return "unknown"
	}
}

// Session is implemented by *InputSession and *OutputSession.
type Session interface {
	Kind() SessionKind
	ID() uuid.UUID
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Abort()
}

var (
	_ Session = (*InputSession)(nil)
	_ Session = (*OutputSession)(nil)
)

// MessageKind classifies received messages.
type MessageKind int

const (
	// MessageData carries an application body.
	MessageData MessageKind = iota
	// MessageTimer reports that a conversation timer fired. It has no body.
	MessageTimer
)

// Message is one message received on an input session.
type Message struct {
	Conversation ConversationContext
	// ServiceName is the service the message was addressed to.
	ServiceName string
	Body        []byte
	kind        MessageKind
}

// Kind reports whether m carries data or a timer notification.
func (m *Message) Kind() MessageKind {
	return m.kind
}

// InputSession is one locked conversation group on a listener. Everything it
// does runs in the transaction holding the group lock; Close commits it and
// Abort rolls it back, returning unconsumed messages to the queue.
type InputSession struct {
	id       uuid.UUID
	listener *Listener
	recv     *receiver.Receiver
	logger   pslog.Logger
}

func newInputSession(l *Listener, r *receiver.Receiver) *InputSession {
	id := uuidv7.New()
	return &InputSession{
		id:       id,
		listener: l,
		recv:     r,
		logger:   l.logger.With("session", id.String(), "group", r.GroupID().String()),
	}
}

// Kind returns SessionInput.
func (s *InputSession) Kind() SessionKind { return SessionInput }

// ID identifies the session in logs.
func (s *InputSession) ID() uuid.UUID { return s.id }

// GroupID returns the locked conversation group.
func (s *InputSession) GroupID() uuid.UUID { return s.recv.GroupID() }

// Service returns the service the session receives for.
func (s *InputSession) Service() ServiceInfo { return s.listener.Info() }

// Open makes the session ready to receive. Accept returns opened sessions.
func (s *InputSession) Open(ctx context.Context) error {
	return s.recv.Open(ctx)
}

// Receive returns the next message of the group, waiting up to the
// configured session linger. It returns nil when the group has no further
// messages. An end-dialog message ends the conversation locally and also
// yields nil.
func (s *InputSession) Receive(ctx context.Context, dst []byte) (*Message, error) {
	cfg := s.listener.engine.cfg
	m, err := s.recv.Receive(ctx, cfg.SessionLinger, dst)
	if err != nil || m == nil {
		return nil, err
	}
	switch m.Conversation.MessageTypeName {
	case broker.MessageTypeEndDialog:
		s.logger.Debug("session.end_dialog", "conversation", m.Conversation.ConversationHandle.String())
		if err := s.recv.EndConversation(ctx, m.Conversation.ConversationHandle, cfg.CloseTimeout); err != nil {
			return nil, err
		}
		return nil, nil
	case broker.MessageTypeDialogTimer:
		return &Message{Conversation: m.Conversation, ServiceName: m.ServiceName, kind: MessageTimer}, nil
	}
	return &Message{Conversation: m.Conversation, ServiceName: m.ServiceName, Body: m.Body, kind: MessageData}, nil
}

// EndConversation ends handle when the session commits.
func (s *InputSession) EndConversation(ctx context.Context, handle uuid.UUID) error {
	return s.recv.EndConversation(ctx, handle, s.listener.engine.cfg.CloseTimeout)
}

// EndConversationWithError ends handle and reports code and description to
// the far side.
func (s *InputSession) EndConversationWithError(ctx context.Context, handle uuid.UUID, code int, description string) error {
	return s.recv.EndConversationWithError(ctx, handle, code, description, s.listener.engine.cfg.CloseTimeout)
}

// SetConversationTimer arms the dialog timer of handle, or clears it when d
// is zero or less. The timer message arrives on this service's queue as a
// MessageTimer.
func (s *InputSession) SetConversationTimer(ctx context.Context, handle uuid.UUID, d time.Duration) error {
	return s.recv.SetConversationTimer(ctx, handle, d)
}

// Transaction exposes the session's transaction for application work that
// must commit or roll back together with the received messages.
func (s *InputSession) Transaction() Commands {
	return s.recv.Transaction()
}

// TakeTransaction detaches the session's transaction; see
// Config.DetachedTxTimeout. The session no longer commits on Close.
func (s *InputSession) TakeTransaction() Tx {
	return s.recv.TakeTransaction()
}

// OnClose registers fn to run inside the transaction when the session
// closes. A failing hook rolls the transaction back.
func (s *InputSession) OnClose(fn func(ctx context.Context, cmds Commands) error) {
	if fn == nil {
		return
	}
	s.recv.OnClose(receiver.CloseHook(fn))
}

// Reply returns an output session that sends on the conversation handle
// inside this session's transaction. Replies are delivered only when this
// session commits.
func (s *InputSession) Reply(ctx context.Context, handle uuid.UUID) (*OutputSession, error) {
	const op = "session.reply"
	e := s.listener.engine
	cmds := s.recv.Transaction()
	if cmds == nil {
		return nil, faults.New(faults.KindInvalidOperation, op, "session has no transaction")
	}
	info, err := e.directory.LookupConversation(ctx, cmds, handle)
	if err != nil {
		return nil, err
	}
	out, err := e.newOutputSession(Address{Source: info.ServiceName, Target: info.TargetServiceName})
	if err != nil {
		return nil, err
	}
	if err := out.sender.UseConnection(cmds); err != nil {
		return nil, err
	}
	if err := out.Open(ctx); err != nil {
		return nil, err
	}
	if err := out.OpenConversation(ctx, handle); err != nil {
		out.Abort()
		return nil, err
	}
	return out, nil
}

// Close runs the close hooks and commits the session's transaction.
func (s *InputSession) Close(ctx context.Context) error {
	err := s.recv.Close(ctx)
	s.listener.sessionDone(s)
	return err
}

// Abort rolls the session's transaction back.
func (s *InputSession) Abort() {
	s.recv.Abort()
	s.listener.sessionDone(s)
}

// OutputSession sends messages from a source service to a target service.
type OutputSession struct {
	id     uuid.UUID
	addr   Address
	engine *Engine
	sender *sender.Sender
}

// Kind returns SessionOutput.
func (s *OutputSession) Kind() SessionKind { return SessionOutput }

// ID identifies the session in logs.
func (s *OutputSession) ID() uuid.UUID { return s.id }

// Address returns the source and target services.
func (s *OutputSession) Address() Address { return s.addr }

// Open acquires the session's connection.
func (s *OutputSession) Open(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.engine.cfg.OpenTimeout)
	defer cancel()
	return s.sender.Open(ctx)
}

// BeginConversation starts a conversation, in group when not uuid.Nil.
func (s *OutputSession) BeginConversation(ctx context.Context, group uuid.UUID) (uuid.UUID, error) {
	return s.sender.BeginConversation(ctx, group, s.engine.cfg.OpenTimeout)
}

// OpenConversation resumes an existing conversation.
func (s *OutputSession) OpenConversation(ctx context.Context, handle uuid.UUID) error {
	return s.sender.OpenConversation(ctx, handle, s.engine.cfg.OpenTimeout)
}

// Send sends body as a DEFAULT message, beginning a conversation when none
// is active.
func (s *OutputSession) Send(ctx context.Context, body []byte) error {
	return s.SendType(ctx, body, broker.MessageTypeDefault)
}

// SendType sends body as messageType.
func (s *OutputSession) SendType(ctx context.Context, body []byte, messageType string) error {
	return s.sender.Send(ctx, body, s.engine.cfg.SendTimeout, messageType)
}

// ConversationHandle returns the active conversation.
func (s *OutputSession) ConversationHandle() (uuid.UUID, error) {
	return s.sender.ConversationHandle()
}

// ConversationGroupID returns the group of the active conversation.
func (s *OutputSession) ConversationGroupID() (uuid.UUID, error) {
	return s.sender.ConversationGroupID()
}

// Conversation returns the metadata of the active conversation.
func (s *OutputSession) Conversation() (ConversationInfo, bool) {
	return s.sender.Conversation()
}

// EndConversation ends the active conversation.
func (s *OutputSession) EndConversation(ctx context.Context) error {
	return s.sender.EndConversation(ctx, s.engine.cfg.CloseTimeout)
}

// EndConversationWithError ends the active conversation with an error the
// far side receives as a faults.KindProtocol failure.
func (s *OutputSession) EndConversationWithError(ctx context.Context, code int, description string) error {
	return s.sender.EndConversationWithError(ctx, code, description, s.engine.cfg.CloseTimeout)
}

// SetConversationTimer arms the timer of the active conversation, or clears
// it when d is zero or less. The timer message arrives on the source
// service's queue.
func (s *OutputSession) SetConversationTimer(ctx context.Context, d time.Duration) error {
	handle, err := s.sender.ConversationHandle()
	if err != nil {
		return err
	}
	return s.sender.SetConversationTimer(ctx, handle, d)
}

// SetEndConversationOnClose changes whether Close ends the conversation.
func (s *OutputSession) SetEndConversationOnClose(end bool) {
	s.sender.SetEndConversationOnClose(end)
}

// Close ends an implicitly begun conversation and releases the connection.
func (s *OutputSession) Close(ctx context.Context) error {
	return s.sender.Close(ctx)
}

// Abort releases the connection without ending the conversation.
func (s *OutputSession) Abort() {
	s.sender.Abort()
}
