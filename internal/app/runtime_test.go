package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"missionline/internal/apify"
	"missionline/internal/config"
	"missionline/internal/delay"
	"missionline/internal/discord"
	"missionline/internal/ports"
	"missionline/internal/repo"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Workspace = t.TempDir()
	cfg.Service.Listen = "127.0.0.1:0"
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenDefaultsToNopAdapters(t *testing.T) {
	svc, err := Open(context.Background(), testConfig(t), quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer svc.Close()
	if _, ok := svc.Engine.Scheduler.(ports.NopScheduler); !ok {
		t.Fatalf("expected nop scheduler, got %T", svc.Engine.Scheduler)
	}
	if _, ok := svc.Engine.Announcer.(ports.NopAnnouncer); !ok {
		t.Fatalf("expected nop announcer, got %T", svc.Engine.Announcer)
	}
	if svc.Queue != nil {
		t.Fatalf("expected no redis queue")
	}
	if len(svc.Publishers) != 0 {
		t.Fatalf("expected no publishers, got %d", len(svc.Publishers))
	}
	if _, err := svc.Engine.Repo.ListMissions(context.Background(), repo.MissionFilters{Limit: 10}); err != nil {
		t.Fatalf("store not migrated: %v", err)
	}
}

func TestOpenWiresConfiguredAdapters(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Driver = "qstash"
	cfg.Scheduler.QStash.Token = "qstash-token"
	cfg.Apify.Token = "apify-token"
	cfg.Discord.Token = "bot-token"
	cfg.Discord.ForumChannelID = "forum-1"
	cfg.Events.Webhooks = []config.WebhookConfig{{URL: "http://127.0.0.1:1/events"}}

	svc, err := Open(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer svc.Close()
	if _, ok := svc.Engine.Scheduler.(*delay.QStash); !ok {
		t.Fatalf("expected qstash scheduler, got %T", svc.Engine.Scheduler)
	}
	if _, ok := svc.Engine.Scraper.(*apify.Client); !ok {
		t.Fatalf("expected apify scraper, got %T", svc.Engine.Scraper)
	}
	if _, ok := svc.Engine.Datasets.(*apify.Client); !ok {
		t.Fatalf("expected apify datasets, got %T", svc.Engine.Datasets)
	}
	if _, ok := svc.Engine.Announcer.(*discord.Client); !ok {
		t.Fatalf("expected discord announcer, got %T", svc.Engine.Announcer)
	}
	if len(svc.Publishers) != 1 {
		t.Fatalf("expected one webhook publisher, got %d", len(svc.Publishers))
	}
}

func TestOpenRejectsBadAdapterConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Discord.Token = "bot-token"
	if _, err := Open(context.Background(), cfg, quietLogger()); err == nil {
		t.Fatalf("expected error for discord without forum channel")
	}
}

func TestRuntimeServesAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Service.GRPCListen = "127.0.0.1:0"
	rt, err := NewRuntime(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	var resp *http.Response
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err = http.Get("http://" + rt.HTTPAddr() + "/api/health")
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}

	conn, err := grpc.NewClient(rt.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc dial: %v", err)
	}
	defer conn.Close()
	checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer checkCancel()
	hc, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("grpc health: %v", err)
	}
	if hc.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("grpc status %v", hc.Status)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("runtime did not stop")
	}
}
