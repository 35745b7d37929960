package config_test

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/Midori31/SimpleChatApp/pkg/config"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd failed: %v", err)
	}
	dir := t.TempDir()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	chdirTemp(t)

	cfg, err := config.Load(newTestLogger())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Errorf("server address default = %q", cfg.Server.Address)
	}
	if cfg.Client.Host != "127.0.0.1" || cfg.Client.Port != 9000 {
		t.Errorf("client defaults = %q:%d", cfg.Client.Host, cfg.Client.Port)
	}
	if cfg.Server.IdleNudge != 300*time.Second {
		t.Errorf("idle nudge default = %v", cfg.Server.IdleNudge)
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	chdirTemp(t)

	cfg, err := config.Load(newTestLogger())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.Client.Host = "192.168.1.7"
	cfg.Client.Port = 9100
	if err := config.Save(cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reloaded, err := config.Load(newTestLogger())
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.Client.Host != "192.168.1.7" || reloaded.Client.Port != 9100 {
		t.Errorf("reloaded client = %q:%d", reloaded.Client.Host, reloaded.Client.Port)
	}
}
