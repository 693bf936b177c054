package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/playhouse/playhouse/internal/config"
	"github.com/playhouse/playhouse/internal/dispatch"
	"github.com/playhouse/playhouse/internal/discovery"
	"github.com/playhouse/playhouse/internal/gateway"
	"github.com/playhouse/playhouse/internal/mesh"
	"github.com/playhouse/playhouse/internal/obs"
	"github.com/playhouse/playhouse/internal/registrar"
	"github.com/playhouse/playhouse/internal/relay"
	"github.com/playhouse/playhouse/internal/reqcache"
	"github.com/playhouse/playhouse/internal/routersock"
	"github.com/playhouse/playhouse/internal/stage"
	"github.com/playhouse/playhouse/internal/top"
)

// Bootstrap carries the hooks an embedding game registers before Run:
// stage type factories and Api msgId handlers, per spec.md's "explicit
// factory/registry tables built at bootstrap" (S3's pluggable-controllers
// redesign flag). The core module never registers game content itself.
type Bootstrap struct {
	RegisterStages      func(*stage.Registry)
	RegisterAPIHandlers func(*dispatch.ApiDispatcher)
}

// ProvideBackend builds the discovery.Backend selected by cfg: a Consul
// catalog watch, a remote Registrar over gRPC, or (absent both) a
// zero-result CallbackBackend a single-process dev setup can live with.
func ProvideBackend(cfg *config.Config) (discovery.Backend, error) {
	switch {
	case cfg.ConsulAddr != "":
		ccfg := consulapi.DefaultConfig()
		ccfg.Address = cfg.ConsulAddr
		return discovery.NewConsulBackend(ccfg, cfg.ServerID)
	case cfg.RegistrarDSN != "":
		return registrar.DialBackend(cfg.RegistrarDSN, cfg.NID())
	default:
		return discovery.NewCallbackBackend(func(context.Context) ([]discovery.ServerInfo, error) {
			return nil, nil
		}), nil
	}
}

// NewApp wires every C1-C18 module into an fx.App for one playhouse
// process, following the teacher's cmd/fx.go shape: fx.Provide builds the
// dependency graph, fx.Invoke/fx.Lifecycle starts and stops the long-running
// pieces (mesh Run, Gateway Run, discovery Controller Run).
func NewApp(cfg *config.Config, logger *slog.Logger, prov *obs.Provider, bs Bootstrap) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			func() *slog.Logger { return logger },
			func() *obs.Provider { return prov },
			func() Bootstrap { return bs },
			ProvideBackend,
			provideCenter,
			provideController,
			provideSocket,
			provideReqCache,
			provideCommunicator,
			provideRegistry,
			providePlayDispatcher,
			provideApiDispatcher,
			provideSystemDispatcher,
			provideGatewayRouter,
			provideGateway,
			provideRelay,
		),
		fx.Invoke(registerStagesAndHandlers),
		fx.Invoke(registerDispatchers),
		fx.Invoke(runController),
		fx.Invoke(runCommunicator),
		fx.Invoke(runGateway),
		fx.Invoke(runRelay),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger}
		}),
	)
}

func provideCenter(cfg *config.Config) *discovery.Center {
	return discovery.NewCenter(30 * time.Second)
}

func provideController(backend discovery.Backend, center *discovery.Center, logger *slog.Logger) *discovery.Controller {
	return discovery.NewController(backend, center, logger, 5*time.Second)
}

// handlerBox breaks the Socket<->Communicator construction cycle: the
// Socket needs a Handler at construction time, but the only Handler that
// makes sense is the Communicator's, which itself needs the already-built
// Socket. provideSocket wires the box in; provideCommunicator fills it in
// once the Communicator exists.
type handlerBox struct{ fn routersock.Handler }

func (b *handlerBox) dispatch(from string, f routersock.Frame) {
	if b.fn != nil {
		b.fn(from, f)
	}
}

func provideSocket(cfg *config.Config, logger *slog.Logger) (*routersock.Socket, *handlerBox) {
	opts := routersock.Options{
		SendHWM:   cfg.SendHwm,
		RecvHWM:   cfg.RecvHwm,
		Keepalive: cfg.TCPKeepalive,
	}
	box := &handlerBox{}
	return routersock.New(opts, logger, box.dispatch), box
}

func provideReqCache() *reqcache.Cache { return reqcache.New() }

func provideCommunicator(cfg *config.Config, socket *routersock.Socket, box *handlerBox, center *discovery.Center, reqs *reqcache.Cache, logger *slog.Logger) (*mesh.Communicator, error) {
	comm, err := mesh.NewCommunicator(cfg.NID(), socket, center, reqs, logger)
	if err != nil {
		return nil, err
	}
	box.fn = comm.HandleInbound
	return comm, nil
}

func provideRegistry(cfg *config.Config, logger *slog.Logger) *stage.Registry {
	pool := stage.NewPool(0, 1024)
	return stage.NewRegistry(cfg.ServerID, pool, logger)
}

func providePlayDispatcher(cfg *config.Config, registry *stage.Registry, comm *mesh.Communicator, logger *slog.Logger) *dispatch.PlayDispatcher {
	return dispatch.NewPlayDispatcher(cfg.NID(), registry, comm, logger)
}

func provideApiDispatcher(cfg *config.Config, comm *mesh.Communicator, reqs *reqcache.Cache, logger *slog.Logger) *dispatch.ApiDispatcher {
	return dispatch.NewApiDispatcher(cfg.NID(), comm, reqs, logger)
}

func provideSystemDispatcher(cfg *config.Config, registry *stage.Registry, comm *mesh.Communicator, logger *slog.Logger) *dispatch.SystemDispatcher {
	return dispatch.NewSystemDispatcher(cfg.NID(), registry, comm, logger)
}

func provideGatewayRouter(cfg *config.Config, registry *stage.Registry, logger *slog.Logger) *dispatch.GatewayRouter {
	return dispatch.NewGatewayRouter(cfg.NID(), registry, logger)
}

func provideGateway(cfg *config.Config, router *dispatch.GatewayRouter, logger *slog.Logger) (*gateway.Gateway, error) {
	var tlsCfg *tls.Config
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("cmd: loading TLS keypair: %w", err)
		}
		tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	gcfg := gateway.Config{
		TLSConfig:           tlsCfg,
		HeartbeatIntervalMs: int(cfg.HeartbeatIntervalMs),
		HeartbeatTTLFactor:  cfg.SessionHeartbeatTTLFactor,
	}
	// bindEndpoint is the router socket's own address (spec.md §6); the
	// client-facing gateway listens on the same host across its four
	// independently-optional ports.
	host := gatewayHost(cfg.BindEndpoint)
	if cfg.TCPPort != 0 {
		gcfg.TCPAddr = fmt.Sprintf("%s:%d", host, cfg.TCPPort)
	}
	if cfg.TLSPort != 0 {
		gcfg.TLSAddr = fmt.Sprintf("%s:%d", host, cfg.TLSPort)
	}
	if cfg.WSPort != 0 {
		gcfg.WSAddr = fmt.Sprintf("%s:%d", host, cfg.WSPort)
	}
	if cfg.WSSPort != 0 {
		gcfg.WSSAddr = fmt.Sprintf("%s:%d", host, cfg.WSSPort)
	}
	return gateway.New(gcfg, router, logger), nil
}

func provideRelay(cfg *config.Config, logger *slog.Logger) (*relay.Relay, error) {
	return relay.New(relay.Config{AMQPURL: cfg.AMQPRelayURL}, logger)
}

func registerStagesAndHandlers(bs Bootstrap, registry *stage.Registry, api *dispatch.ApiDispatcher) {
	if bs.RegisterStages != nil {
		bs.RegisterStages(registry)
	}
	if bs.RegisterAPIHandlers != nil {
		bs.RegisterAPIHandlers(api)
	}
}

func registerDispatchers(cfg *config.Config, comm *mesh.Communicator, play *dispatch.PlayDispatcher, api *dispatch.ApiDispatcher, sys *dispatch.SystemDispatcher) {
	comm.RegisterDispatcher(mesh.TopicSystem, sys)
	switch cfg.ServiceType {
	case config.ServiceTypeAPI:
		comm.RegisterDispatcher(mesh.TopicAPI, api)
	default:
		comm.RegisterDispatcher(mesh.TopicPlay, play)
	}
}

func runController(lc fx.Lifecycle, controller *discovery.Controller) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go controller.Run(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			controller.Stop()
			return nil
		},
	})
}

func runCommunicator(lc fx.Lifecycle, cfg *config.Config, socket *routersock.Socket, comm *mesh.Communicator) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if cfg.BindEndpoint != "" {
				if err := socket.Bind(cfg.BindEndpoint); err != nil {
					return fmt.Errorf("cmd: binding router socket: %w", err)
				}
			}
			go func() {
				if err := comm.Run(context.Background()); err != nil {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return comm.Close()
		},
	})
}

// gatewayHost extracts just the host portion of bindEndpoint (which may
// carry its own port for the router socket) so the client-facing gateway
// binds the same interface on its own, independently configured ports.
func gatewayHost(bindEndpoint string) string {
	if bindEndpoint == "" {
		return "0.0.0.0"
	}
	if idx := strings.LastIndexByte(bindEndpoint, ':'); idx >= 0 {
		return bindEndpoint[:idx]
	}
	return bindEndpoint
}

func runGateway(lc fx.Lifecycle, cfg *config.Config, gw *gateway.Gateway, logger *slog.Logger) {
	if cfg.ServiceType != config.ServiceTypePlay {
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := gw.Run(runCtx); err != nil {
					logger.Error("gateway stopped", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
}

func runRelay(lc fx.Lifecycle, cfg *config.Config, r *relay.Relay, center *discovery.Center, registry *stage.Registry) {
	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go r.WatchServers(runCtx, center)
			r.AttachStages(registry)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return r.Close()
		},
	})
}

// NewTopDashboard builds the mesh-top terminal dashboard over the same
// Center/Registry a "server" command would construct, for the standalone
// "mesh-top" CLI command.
func NewTopDashboard(center *discovery.Center, registry *stage.Registry) *top.Dashboard {
	return top.NewDashboard(top.RegistrySnapshot{Center: center, Registry: registry}, time.Second)
}
