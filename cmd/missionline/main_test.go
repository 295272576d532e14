package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"

	"missionline/internal/config"
)

func TestRedactMasksSecrets(t *testing.T) {
	cfg := config.Default()
	cfg.Secrets.Webhook = "hook"
	cfg.Apify.Token = "apify"
	cfg.Events.Webhooks = []config.WebhookConfig{{URL: "http://sink", Secret: "sink-secret"}}

	masked := redact(*cfg)
	if masked.Secrets.Webhook != "***" || masked.Apify.Token != "***" {
		t.Fatalf("secrets not masked: %+v", masked.Secrets)
	}
	if masked.Secrets.JWT != "" {
		t.Fatalf("empty secret should stay empty, got %q", masked.Secrets.JWT)
	}
	if masked.Events.Webhooks[0].Secret != "***" {
		t.Fatalf("webhook secret not masked")
	}
	if cfg.Events.Webhooks[0].Secret != "sink-secret" {
		t.Fatalf("redact mutated the source config")
	}
}

func TestLoadConfigResolvesWorkspace(t *testing.T) {
	dir := t.TempDir()
	viper.Set("workspace", dir)
	viper.Set("config", "")
	t.Cleanup(viper.Reset)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if cfg.Store.Workspace != dir {
		t.Fatalf("expected store workspace %s, got %s", dir, cfg.Store.Workspace)
	}

	data := "missions:\n  eligible_role: Creator\nstore:\n  driver: sqlite\n  workspace: data\n"
	if err := os.WriteFile(config.Path(dir), []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err = loadConfig()
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if cfg.Missions.EligibleRole != "Creator" {
		t.Fatalf("expected eligible role from file, got %s", cfg.Missions.EligibleRole)
	}
	if cfg.Store.Workspace != filepath.Join(dir, "data") {
		t.Fatalf("expected relative workspace resolved, got %s", cfg.Store.Workspace)
	}
}
