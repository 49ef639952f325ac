// Package ssbtransport is a durable, session-oriented message transport over
// SQL Server Service Broker. Applications send messages on conversations
// between two broker services and receive them grouped by conversation
// group, with every group owned by exactly one receiver at a time across all
// processes sharing the database.
//
// # Engine
//
// An Engine holds the connection provider, instrumentation and optional
// telemetry endpoints. The data source name must enable asynchronous
// processing and multiple active result sets:
//
//	eng, err := ssbtransport.NewEngine(ssbtransport.Config{
//	    DSN: "server=db;database=orders;user id=app;password=...;async=true;mars=true",
//	})
//	if err != nil { log.Fatal(err) }
//	defer eng.Close(context.Background())
//
// # Sending
//
// Addresses name the initiating and the target service:
//
//	addr, _ := ssbtransport.ParseAddress("net.ssb:source=client:target=orders")
//	out, _ := eng.Dial(addr)
//	if err := out.Open(ctx); err != nil { ... }
//	if err := out.Send(ctx, []byte("hello")); err != nil { ... }
//	_ = out.Close(ctx) // ends the implicitly begun conversation
//
// A conversation started with BeginConversation stays open after Close so a
// later session can resume it with OpenConversation.
//
// # Receiving
//
// A Listener hands out one InputSession per locked conversation group. All
// work of a session, including replies and application commands run through
// Transaction, commits on Close and rolls back on Abort:
//
//	l, _ := eng.Listen("orders")
//	if err := l.Open(ctx); err != nil { ... }
//	err := l.Serve(ctx, ssbtransport.HandleMessages(func(ctx context.Context, s *ssbtransport.InputSession, m *ssbtransport.Message) error {
//	    if m.Kind() == ssbtransport.MessageTimer {
//	        return nil
//	    }
//	    reply, err := s.Reply(ctx, m.Conversation.ConversationHandle)
//	    if err != nil { return err }
//	    return reply.Send(ctx, []byte("ack"))
//	}))
//
// Closing the listener cancels pending broker waits; Serve returns once
// running sessions finished.
//
// # Errors
//
// Failures are *faults.Error values classified by kind; match them with
// errors.Is against faults.ErrTimeout, faults.ErrProtocol and the other
// sentinels. Error messages delivered by the broker on a conversation
// surface as faults.KindProtocol carrying the broker's code and description.
//
// # Testing
//
// A mem://name data source name selects an in-process broker registered
// under name, which emulates queues, dialogs, conversation groups,
// application locks, savepoints and dialog timers.
package ssbtransport
