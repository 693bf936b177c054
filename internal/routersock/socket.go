// Package routersock implements the router-to-router transport: a
// 3-frame multipart send/receive protocol over TCP, with one writer
// goroutine and one reader goroutine per peer connection to preserve
// in-order per-peer delivery, bounded send channels as the high-water
// mark, and a circuit breaker around dial/send so a flaky peer fails fast
// instead of piling up blocked writers.
//
// Grounded on the teacher's registry.connect (internal/domain/registry/
// connect.go): a pooled, context-scoped send channel with a bounded-wait
// backpressure strategy. Here the same shape backs one peer connection
// instead of one client session.
package routersock

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/playhouse/playhouse/internal/perr"
	"github.com/sony/gobreaker"
)

// Options configures a Socket.
type Options struct {
	SendHWM      int           // bounded send channel capacity per peer
	RecvHWM      int           // defaulted but not used: inbound frames go straight to the Handler
	Keepalive    bool          // TCP keepalive on outbound/inbound sockets
	LingerMillis int           // not applied to connections; the OS default linger is used
	DialTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendHWM <= 0 {
		o.SendHWM = 100000
	}
	if o.RecvHWM <= 0 {
		o.RecvHWM = 100000
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	return o
}

// Handler receives frames read off any peer connection.
type Handler func(from string, f Frame)

// Socket is the single router endpoint a server binds: it accepts inbound
// peer connections and maintains outbound connections to peers the
// Communicator has told it about.
type Socket struct {
	opts    Options
	logger  *slog.Logger
	handler Handler

	mu    sync.RWMutex
	peers map[string]*peerConn // keyed by peer NID

	listener net.Listener
	wg       sync.WaitGroup
	closeCh  chan struct{}
	closeOnce sync.Once
}

func New(opts Options, logger *slog.Logger, handler Handler) *Socket {
	return &Socket{
		opts:    opts.withDefaults(),
		logger:  logger,
		handler: handler,
		peers:   make(map[string]*peerConn),
		closeCh: make(chan struct{}),
	}
}

// Bind starts accepting inbound connections on addr.
func (s *Socket) Bind(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return perr.Wrap(perr.SystemError, "router socket bind failed", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

func (s *Socket) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
				s.logger.Warn("router socket accept error", "err", err)
				return
			}
		}
		s.applyKeepalive(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.readLoop(conn)
		}()
	}
}

func (s *Socket) applyKeepalive(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok && s.opts.Keepalive {
		_ = tc.SetKeepAlive(true)
	}
}

// Connect establishes (or reuses) an outbound connection to the peer at
// endpoint, tracked by nid. Safe to call repeatedly; a live connection is
// reused.
func (s *Socket) Connect(nid, endpoint string) error {
	s.mu.Lock()
	if _, ok := s.peers[nid]; ok {
		s.mu.Unlock()
		return nil
	}
	pc := newPeerConn(nid, endpoint, s.opts)
	s.peers[nid] = pc
	s.mu.Unlock()

	if err := pc.dialAndRun(s); err != nil {
		s.mu.Lock()
		if s.peers[nid] == pc {
			delete(s.peers, nid)
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect tears down the connection to nid, if any.
func (s *Socket) Disconnect(nid string) {
	s.mu.Lock()
	pc, ok := s.peers[nid]
	if ok {
		delete(s.peers, nid)
	}
	s.mu.Unlock()

	if ok {
		pc.close()
	}
}

// Send enqueues a frame for delivery to destNID. Returns
// perr.ServerNotFound if no connection to destNID exists, and
// a perr.SystemError wrapping "BufferOverflow" if the peer's bounded send
// channel stays full until ctx is done.
func (s *Socket) Send(ctx context.Context, destNID string, f Frame) error {
	s.mu.RLock()
	pc, ok := s.peers[destNID]
	s.mu.RUnlock()
	if !ok {
		return perr.New(perr.ServerNotFound, fmt.Sprintf("no router connection to %s", destNID))
	}
	return pc.send(ctx, f)
}

// Close tears down every peer connection and stops accepting new ones.
func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.mu.Lock()
		peers := make([]*peerConn, 0, len(s.peers))
		for _, pc := range s.peers {
			peers = append(peers, pc)
		}
		s.peers = make(map[string]*peerConn)
		s.mu.Unlock()

		for _, pc := range peers {
			pc.close()
		}
		s.wg.Wait()
	})
}

func (s *Socket) readLoop(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReaderSize(conn, 64*1024)
	for {
		f, err := readFrame(r)
		if err != nil {
			select {
			case <-s.closeCh:
			default:
				s.logger.Debug("router socket read loop ended", "err", err)
			}
			return
		}
		s.handler(f.Header.SourceNID, f)
	}
}

// peerConn is one outbound connection to a peer: a writer goroutine drains
// sendCh, gated by a circuit breaker so a peer that is down (refusing
// connections, or timing out on write) fails fast rather than blocking
// every subsequent Send behind a dead socket.
type peerConn struct {
	nid      string
	endpoint string
	opts     Options

	sendCh  chan Frame
	breaker *gobreaker.CircuitBreaker

	mu     sync.Mutex
	conn   net.Conn
	closed bool
	doneCh chan struct{}
}

func newPeerConn(nid, endpoint string, opts Options) *peerConn {
	pc := &peerConn{
		nid:      nid,
		endpoint: endpoint,
		opts:     opts,
		sendCh:   make(chan Frame, opts.SendHWM),
		doneCh:   make(chan struct{}),
	}
	pc.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "routersock-peer-" + nid,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return pc
}

func (pc *peerConn) dialAndRun(s *Socket) error {
	_, err := pc.breaker.Execute(func() (any, error) {
		conn, err := net.DialTimeout("tcp", pc.endpoint, pc.opts.DialTimeout)
		if err != nil {
			return nil, err
		}
		s.applyKeepalive(conn)

		pc.mu.Lock()
		pc.conn = conn
		pc.mu.Unlock()

		s.wg.Add(2)
		go func() { defer s.wg.Done(); pc.writeLoop() }()
		go func() { defer s.wg.Done(); s.readLoop(conn) }()
		return nil, nil
	})
	if err != nil {
		return perr.Wrap(perr.ServerNotFound, "router socket connect failed", err)
	}
	return nil
}

func (pc *peerConn) writeLoop() {
	w := bufio.NewWriterSize(pc.conn, 64*1024)
	for {
		select {
		case <-pc.doneCh:
			return
		case f := <-pc.sendCh:
			if err := writeFrame(w, f); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

// send enforces the HWM: a bounded wait on ctx, returning BufferOverflow
// (wrapped as perr.SystemError) if the channel stays saturated for the
// entire wait, per spec.md §4.3.
func (pc *peerConn) send(ctx context.Context, f Frame) error {
	select {
	case pc.sendCh <- f:
		return nil
	default:
	}

	select {
	case pc.sendCh <- f:
		return nil
	case <-ctx.Done():
		return perr.Wrap(perr.SystemError, "BufferOverflow", ctx.Err())
	case <-pc.doneCh:
		return perr.New(perr.ServerNotFound, "peer connection closed")
	}
}

func (pc *peerConn) close() {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return
	}
	pc.closed = true
	conn := pc.conn
	pc.mu.Unlock()

	close(pc.doneCh)
	if conn != nil {
		_ = conn.Close()
	}
}
