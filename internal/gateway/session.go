// Package gateway implements the Session Gateway (C10): the client-facing
// TCP/TLS and WebSocket/WSS listeners that frame packets with
// internal/wire's codec, map each connection to a Session, and forward
// decoded packets into the mesh.
//
// Grounded on the teacher's internal/handler/ws/delivery.go (an
// upgrade-then-pump-loop HTTP handler bridging a socket to an internal
// mailbox) and internal/domain/registry/connect.go (a single-writer send
// channel per connection with bounded backpressure) — generalized here from
// one user-identity-per-stream to one client Session that may rebind across
// reconnects.
package gateway

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playhouse/playhouse/internal/idgen"
	"github.com/playhouse/playhouse/internal/stage"
	"github.com/playhouse/playhouse/internal/wire"
)

// Router is implemented by whatever bridges the gateway to the mesh
// (normally a thin adapter over internal/mesh.Communicator + internal/
// dispatch.ApiSender-style calls). Kept as an interface so this package
// never imports internal/mesh, matching the dependency-inversion shape
// internal/actor.Replier already established for the auth gate.
type Router interface {
	// RouteInbound forwards a decoded client packet into the mesh on
	// behalf of sess. Implementations reply (via sess.Send) for requests
	// they can answer synchronously, or forward into the mesh for
	// everything else.
	RouteInbound(ctx context.Context, sess *Session, p wire.Packet)
	// Disconnected notifies the mesh-side binding that sess's transport
	// went down, so the owning stage can run OnConnectionChanged(false,
	// reason).
	Disconnected(sess *Session, reason stage.DisconnectReason)
}

// Session is the gateway's view of one client connection: exactly the
// fields spec.md §3 lists (socket, send/receive buffering, a sequence
// counter, a heartbeat deadline, and a binding once authenticated).
type Session struct {
	ID        int64
	conn      io.ReadWriteCloser
	seq       idgen.MsgSeq
	logger    *slog.Logger
	router    Router
	heartbeat time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool

	mu        sync.RWMutex
	accountID string
	serverID  string
	stageID   int64

	lastRecv atomic.Int64 // unix nanos
}

func newSession(id int64, conn io.ReadWriteCloser, router Router, heartbeat time.Duration, logger *slog.Logger) *Session {
	s := &Session{ID: id, conn: conn, router: router, heartbeat: heartbeat, logger: logger}
	s.lastRecv.Store(time.Now().UnixNano())
	return s
}

// NewSession constructs a Session directly, for callers outside this
// package that need to drive one without a Gateway listener — notably
// internal/dispatch's router tests.
func NewSession(id int64, conn io.ReadWriteCloser, router Router, heartbeat time.Duration, logger *slog.Logger) *Session {
	return newSession(id, conn, router, heartbeat, logger)
}

// Bind records the stage binding produced once authentication (and a
// stage Join) succeeds, per spec.md §4.7.
func (s *Session) Bind(accountID, serverID string, stageID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountID = accountID
	s.serverID = serverID
	s.stageID = stageID
}

func (s *Session) Binding() (accountID, serverID string, stageID int64, bound bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accountID, s.serverID, s.stageID, s.accountID != ""
}

// NextSeq allocates the next client-originated msgSeq for a push this
// session's transport layer needs to tag (heartbeats, pings).
func (s *Session) NextSeq() uint16 { return s.seq.Next() }

// Send serializes p as a server->client frame and writes it, single-writer
// per session per spec.md §5.
func (s *Session) Send(p wire.Packet) error {
	buf, err := wire.EncodeServerFrame(p)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return io.ErrClosedPipe
	}
	_, err = s.conn.Write(buf)
	return err
}

// Close closes the underlying transport. Idempotent.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

func (s *Session) touch() { s.lastRecv.Store(time.Now().UnixNano()) }

func (s *Session) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastRecv.Load()))
}

// pump reads frames off conn until it errs, closes, or goes idle past
// heartbeat*3 (spec.md §4.9), dispatching each decoded packet to router and
// answering @Heart@Beat@ pushes inline without bothering the router.
func (s *Session) pump(ctx context.Context, reason func(err error) stage.DisconnectReason) stage.DisconnectReason {
	r := bufio.NewReaderSize(s.conn, 64*1024)
	buf := make([]byte, 0, 64*1024)
	readErrCh := make(chan error, 1)
	chunk := make([]byte, 64*1024)

	go func() {
		for {
			n, err := r.Read(chunk)
			if n > 0 {
				buf = append(buf, chunk[:n]...)
			}
			if err != nil {
				readErrCh <- err
				return
			}
			for {
				p, consumed, derr := wire.DecodeClientFrame(buf)
				if derr != nil {
					readErrCh <- derr
					return
				}
				if consumed == 0 {
					break
				}
				buf = buf[consumed:]
				s.touch()
				s.handlePacket(ctx, p)
			}
		}
	}()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return stage.DisconnectClosed
		case err := <-readErrCh:
			return reason(err)
		case <-ticker.C:
			if s.idleFor() > s.heartbeat*3 {
				return stage.DisconnectTimeout
			}
		}
	}
}

func (s *Session) handlePacket(ctx context.Context, p wire.Packet) {
	if p.MsgID == wire.MsgIDHeartbeat {
		_ = s.Send(wire.Packet{MsgID: wire.MsgIDHeartbeat, MsgSeq: p.MsgSeq})
		return
	}
	s.router.RouteInbound(ctx, s, p)
}
