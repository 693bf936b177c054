// Package config implements the Config module (C12): a layered
// configuration loader (flags → env → file → defaults) covering every key
// spec.md §6 names, with hot-reload for the settings safe to change without
// a restart.
//
// Grounded on the teacher's cmd/cmd.go, which exposes a single
// "config_file" flag to a LoadConfig() (*Config, error) call returning one
// immutable struct for the rest of the app to depend on; generalized here
// with spf13/viper so the same struct can also be populated from
// environment variables and defaults, and kept live via fsnotify.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ServiceType mirrors spec.md §3's ServerInfo.serviceType enum.
type ServiceType string

const (
	ServiceTypePlay ServiceType = "Play"
	ServiceTypeAPI  ServiceType = "Api"
)

// GameLoop holds the fixed-timestep loop parameters spec.md §4.11 names.
// These are structural only in the sense that a stage reads them once at
// StartGameLoop time; the config values themselves may still hot-reload,
// affecting only future StartGameLoop calls.
type GameLoop struct {
	FixedTimestepMs     int64 `mapstructure:"fixedTimestep"`
	MaxAccumulatorCapMs int64 `mapstructure:"maxAccumulatorCap"`
}

// Config is the complete, immutable-per-snapshot configuration for one
// playhouse server process. Structural fields (ServerID, ports,
// ServiceType) are read once at startup; non-structural fields
// (timeouts, HWMs) may be swapped out from under a running process by
// Watch's hot-reload, so callers that need live values should go through
// Source.Current rather than caching a Config by value for long.
type Config struct {
	ServerID    string      `mapstructure:"serverId"`
	ServiceID   uint16      `mapstructure:"serviceId"`
	ServiceType ServiceType `mapstructure:"serviceType"`

	BindEndpoint string `mapstructure:"bindEndpoint"`
	TCPPort      int    `mapstructure:"tcpPort"`
	TLSPort      int    `mapstructure:"tlsPort"`
	WSPort       int    `mapstructure:"wsPort"`
	WSSPort      int    `mapstructure:"wssPort"`

	RequestTimeoutMs          int64 `mapstructure:"requestTimeoutMs"`
	HeartbeatIntervalMs       int64 `mapstructure:"heartbeatIntervalMs"`
	SessionHeartbeatTTLFactor int   `mapstructure:"sessionHeartbeatTtlFactor"`

	SendHwm      int  `mapstructure:"sendHwm"`
	RecvHwm      int  `mapstructure:"recvHwm"`
	TCPKeepalive bool `mapstructure:"tcpKeepalive"`

	AuthenticateMessageID string `mapstructure:"authenticateMessageId"`
	DefaultStageType      string `mapstructure:"defaultStageType"`

	GameLoop GameLoop `mapstructure:"gameLoop"`

	TLSCertFile string `mapstructure:"tlsCertFile"`
	TLSKeyFile  string `mapstructure:"tlsKeyFile"`

	ConsulAddr   string `mapstructure:"consulAddr"`
	RegistrarDSN string `mapstructure:"registrarDsn"`
	AMQPRelayURL string `mapstructure:"amqpRelayUrl"`
}

// NID is the "{serviceId}:{serverId}" node identifier spec.md §12 defines.
func (c Config) NID() string {
	return fmt.Sprintf("%d:%s", c.ServiceID, c.ServerID)
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("serviceType", string(ServiceTypePlay))
	v.SetDefault("requestTimeoutMs", 30000)
	v.SetDefault("heartbeatIntervalMs", 10000)
	v.SetDefault("sessionHeartbeatTtlFactor", 3)
	v.SetDefault("sendHwm", 100000)
	v.SetDefault("recvHwm", 100000)
	v.SetDefault("tcpKeepalive", true)
	v.SetDefault("authenticateMessageId", "Authenticate")
	v.SetDefault("defaultStageType", "Default")
	v.SetDefault("gameLoop.fixedTimestep", 50)
	v.SetDefault("gameLoop.maxAccumulatorCap", 200)
}

// Load builds a Config from, in increasing priority order: built-in
// defaults, a config file (if configFile is non-empty), environment
// variables prefixed PLAYHOUSE_ (nested keys via "_", e.g.
// PLAYHOUSE_GAMELOOP_FIXEDTIMESTEP), and explicit flag overrides already
// merged into overrides.
func Load(configFile string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PLAYHOUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
	}

	for k, val := range overrides {
		v.Set(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.ServerID == "" {
		return nil, fmt.Errorf("config: serverId is required")
	}
	if cfg.GameLoop.MaxAccumulatorCapMs > 0 && cfg.GameLoop.MaxAccumulatorCapMs < cfg.GameLoop.FixedTimestepMs {
		return nil, fmt.Errorf("config: gameLoop.maxAccumulatorCap must be >= fixedTimestep")
	}
	return &cfg, nil
}

// Source wraps a viper instance with fsnotify-based hot-reload, matching
// SPEC_FULL.md §4.11's "non-structural settings... without a restart;
// structural settings... require restart and are logged as such."
type Source struct {
	v      *viper.Viper
	mu     sync.RWMutex
	cur    *Config
	onLoad func(old, new *Config)
}

// Watch loads configFile once and keeps *Source.Current live as the file
// changes on disk, via viper's fsnotify integration.
func Watch(configFile string, overrides map[string]any, onLoad func(old, new *Config)) (*Source, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PLAYHOUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
	}
	for k, val := range overrides {
		v.Set(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	s := &Source{v: v, cur: &cfg, onLoad: onLoad}

	if configFile != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			s.reload()
		})
		v.WatchConfig()
	}
	return s, nil
}

func (s *Source) reload() {
	var next Config
	if err := s.v.Unmarshal(&next); err != nil {
		return
	}
	s.mu.Lock()
	old := s.cur
	if next.ServerID != old.ServerID || next.TCPPort != old.TCPPort ||
		next.TLSPort != old.TLSPort || next.WSPort != old.WSPort ||
		next.WSSPort != old.WSSPort || next.ServiceType != old.ServiceType {
		// Structural fields changed; keep serving the old values and rely on
		// the caller's logger (via onLoad) to flag that a restart is needed.
		next.ServerID, next.TCPPort, next.TLSPort, next.WSPort, next.WSSPort, next.ServiceType =
			old.ServerID, old.TCPPort, old.TLSPort, old.WSPort, old.WSSPort, old.ServiceType
	}
	s.cur = &next
	s.mu.Unlock()

	if s.onLoad != nil {
		s.onLoad(old, &next)
	}
}

// Current returns the most recently loaded Config snapshot.
func (s *Source) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}
