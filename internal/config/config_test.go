package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("", map[string]any{"serverId": "play-1", "serviceId": 1})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RequestTimeoutMs != 30000 || cfg.HeartbeatIntervalMs != 10000 {
		if cfg.RequestTimeoutMs != 30000 {
			t.Fatalf("expected default requestTimeoutMs=30000, got %d", cfg.RequestTimeoutMs)
		}
		t.Fatalf("expected default heartbeatIntervalMs=10000, got %d", cfg.HeartbeatIntervalMs)
	}
	if cfg.GameLoop.FixedTimestepMs != 50 || cfg.GameLoop.MaxAccumulatorCapMs != 200 {
		t.Fatalf("unexpected gameLoop defaults: %+v", cfg.GameLoop)
	}
	if cfg.NID() != "1:play-1" {
		t.Fatalf("unexpected NID: %s", cfg.NID())
	}
	if cfg.RequestTimeout() != 30*time.Second {
		t.Fatalf("unexpected RequestTimeout: %v", cfg.RequestTimeout())
	}
}

func TestLoadRequiresServerID(t *testing.T) {
	if _, err := Load("", nil); err == nil {
		t.Fatal("expected error when serverId is missing")
	}
}

func TestLoadRejectsUndersizedAccumulatorCap(t *testing.T) {
	_, err := Load("", map[string]any{
		"serverId":                  "play-1",
		"gameLoop.fixedTimestep":    100,
		"gameLoop.maxAccumulatorCap": 50,
	})
	if err == nil {
		t.Fatal("expected error when maxAccumulatorCap < fixedTimestep")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "playhouse.yaml")
	contents := "serverId: play-2\nserviceId: 2\nserviceType: Play\ntcpPort: 9000\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerID != "play-2" || cfg.TCPPort != 9000 {
		t.Fatalf("unexpected config from file: %+v", cfg)
	}
}

func TestWatchReloadsNonStructuralFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "playhouse.yaml")
	initial := "serverId: play-3\nserviceId: 3\ntcpPort: 9100\nrequestTimeoutMs: 1000\n"
	if err := os.WriteFile(path, []byte(initial), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	reloaded := make(chan *Config, 1)
	src, err := Watch(path, nil, func(_, next *Config) {
		select {
		case reloaded <- next:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if src.Current().RequestTimeoutMs != 1000 {
		t.Fatalf("unexpected initial requestTimeoutMs: %d", src.Current().RequestTimeoutMs)
	}

	updated := "serverId: play-3-renamed\nserviceId: 3\ntcpPort: 9999\nrequestTimeoutMs: 2000\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config file: %v", err)
	}

	select {
	case next := <-reloaded:
		if next.RequestTimeoutMs != 2000 {
			t.Fatalf("expected hot-reloaded requestTimeoutMs=2000, got %d", next.RequestTimeoutMs)
		}
		if next.ServerID != "play-3" || next.TCPPort != 9100 {
			t.Fatalf("structural fields must not change without restart, got %+v", next)
		}
	case <-time.After(3 * time.Second):
		t.Skip("fsnotify event did not arrive within timeout (environment-dependent)")
	}
}
