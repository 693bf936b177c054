package gateway

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/playhouse/playhouse/internal/idgen"
	"github.com/playhouse/playhouse/internal/stage"
)

// Config holds the Session Gateway's listener options, per spec.md §6:
// tcpPort/tlsPort/wsPort/wssPort plus the heartbeat factor.
type Config struct {
	TCPAddr               string
	TLSAddr               string
	WSAddr                string
	WSSAddr               string
	TLSConfig             *tls.Config
	HeartbeatIntervalMs   int
	HeartbeatTTLFactor    int // not read by the gateway; a session closes after 3 heartbeat intervals of silence
	WSPath                string
}

func (c Config) heartbeat() time.Duration {
	ms := c.HeartbeatIntervalMs
	if ms <= 0 {
		ms = 10_000
	}
	return time.Duration(ms) * time.Millisecond
}

func (c Config) wsPath() string {
	if c.WSPath == "" {
		return "/ws"
	}
	return c.WSPath
}

// Gateway owns every listener accepting client connections for one process,
// per spec.md §4.9.
type Gateway struct {
	cfg      Config
	router   Router
	sessions *idgen.SessionIdGenerator
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	listeners []net.Listener
	httpSrv   []*http.Server

	wg sync.WaitGroup
}

func New(cfg Config, router Router, logger *slog.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		router:   router,
		sessions: idgen.NewSessionIDGenerator(),
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Run starts every configured listener and blocks until ctx is cancelled or
// a listener fails fatally.
func (g *Gateway) Run(ctx context.Context) error {
	if g.cfg.TCPAddr != "" {
		if err := g.serveTCP(ctx, g.cfg.TCPAddr, nil); err != nil {
			return err
		}
	}
	if g.cfg.TLSAddr != "" && g.cfg.TLSConfig != nil {
		if err := g.serveTCP(ctx, g.cfg.TLSAddr, g.cfg.TLSConfig); err != nil {
			return err
		}
	}
	if g.cfg.WSAddr != "" {
		if err := g.serveHTTP(ctx, g.cfg.WSAddr, nil); err != nil {
			return err
		}
	}
	if g.cfg.WSSAddr != "" && g.cfg.TLSConfig != nil {
		if err := g.serveHTTP(ctx, g.cfg.WSSAddr, g.cfg.TLSConfig); err != nil {
			return err
		}
	}

	<-ctx.Done()
	g.shutdown()
	g.wg.Wait()
	return nil
}

func (g *Gateway) serveTCP(ctx context.Context, addr string, tlsCfg *tls.Config) error {
	var ln net.Listener
	var err error
	if tlsCfg != nil {
		ln, err = tls.Listen("tcp", addr, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.listeners = append(g.listeners, ln)
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			g.wg.Add(1)
			go func() {
				defer g.wg.Done()
				g.acceptConn(ctx, conn)
			}()
		}
	}()
	return nil
}

func (g *Gateway) serveHTTP(ctx context.Context, addr string, tlsCfg *tls.Config) error {
	mux := chi.NewRouter()
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Get("/readyz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Get(g.cfg.wsPath(), func(w http.ResponseWriter, r *http.Request) {
		ws, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.logger.Error("gateway: ws upgrade failed", "err", err)
			return
		}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.acceptConn(ctx, newWSConn(ws))
		}()
	})

	srv := &http.Server{Addr: addr, Handler: mux, TLSConfig: tlsCfg}
	g.mu.Lock()
	g.httpSrv = append(g.httpSrv, srv)
	g.mu.Unlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := srv.Serve(ln); err != nil && ctx.Err() == nil {
			g.logger.Error("gateway: http server stopped", "addr", addr, "err", err)
		}
	}()
	return nil
}

// acceptConn wraps conn in a Session and pumps it until disconnect,
// notifying the Router so the bound stage can run OnConnectionChanged.
func (g *Gateway) acceptConn(ctx context.Context, conn interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
}) {
	sess := newSession(g.sessions.Next(), conn, g.router, g.cfg.heartbeat(), g.logger)
	defer sess.Close()

	reason := sess.pump(ctx, func(err error) stage.DisconnectReason {
		if err != nil {
			g.logger.Debug("gateway: session read loop ended", "session_id", sess.ID, "err", err)
		}
		return stage.DisconnectClosed
	})
	g.router.Disconnected(sess, reason)
}

func (g *Gateway) shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ln := range g.listeners {
		_ = ln.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range g.httpSrv {
		_ = srv.Shutdown(ctx)
	}
}
