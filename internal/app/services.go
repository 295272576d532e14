// Package app assembles the engine and its adapters from configuration and
// runs the long-lived processes behind missionline serve.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"missionline/internal/apify"
	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/delay"
	"missionline/internal/discord"
	"missionline/internal/engine"
	"missionline/internal/events"
	"missionline/internal/migrate"
)

// Services is the engine plus every adapter built from config. CLI commands
// use it directly; Runtime wraps it with the servers and workers.
type Services struct {
	Config     *config.Config
	Store      db.Store
	Engine     engine.Engine
	Queue      *delay.RedisQueue
	Publishers []events.Publisher
	Logger     *slog.Logger

	closers []func() error
}

// Open connects the store, applies migrations and wires the adapters
// selected by cfg. Adapters whose credentials are missing stay as no-ops.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Services, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	store, err := db.Open(ctx, db.Config{
		Driver:    cfg.Store.Driver,
		Workspace: cfg.Store.Workspace,
		DSN:       cfg.Store.DSN,
		MaxConns:  cfg.Store.MaxConns,
	})
	if err != nil {
		return nil, err
	}
	s := &Services{Config: cfg, Store: store, Logger: logger}
	s.closers = append(s.closers, store.Close)
	if err := migrate.Migrate(store); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	e := engine.New(store, cfg)
	e.Logger = logger
	e.Tasks = engine.NewTaskGroup(logger)
	if err := s.wireScheduler(ctx, &e); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.wireScraper(&e); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.wireAnnouncer(&e); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.wirePublishers(); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.Engine = e
	return s, nil
}

func (s *Services) wireScheduler(ctx context.Context, e *engine.Engine) error {
	sc := s.Config.Scheduler
	switch sc.Driver {
	case "", "none":
		s.Logger.Warn("no scheduler configured; delayed callbacks are logged and dropped",
			"module", "app",
			"operation", "wire_scheduler",
			"outcome", "nop",
		)
		return nil
	case "qstash":
		q, err := delay.NewQStash(delay.QStashConfig{
			Token:   sc.QStash.Token,
			BaseURL: sc.QStash.BaseURL,
			Logger:  s.Logger,
		})
		if err != nil {
			return err
		}
		e.Scheduler = q
		return nil
	case "redis":
		client, err := delay.Connect(ctx, sc.Redis.URL)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, client.Close)
		s.Queue = &delay.RedisQueue{
			Store:  delay.RedisStore{Client: client},
			Key:    sc.Redis.Key,
			Logger: s.Logger,
		}
		e.Scheduler = s.Queue
		return nil
	default:
		return fmt.Errorf("unknown scheduler driver %q", sc.Driver)
	}
}

func (s *Services) wireScraper(e *engine.Engine) error {
	ac := s.Config.Apify
	if ac.Token == "" {
		return nil
	}
	client, err := apify.New(apify.Config{
		Token:          ac.Token,
		BaseURL:        ac.BaseURL,
		Actors:         ac.Actors,
		MemoryMB:       ac.MemoryMB,
		TimeoutSeconds: ac.TimeoutSeconds,
		Logger:         s.Logger,
	})
	if err != nil {
		return err
	}
	e.Scraper = client
	e.Datasets = client
	return nil
}

func (s *Services) wireAnnouncer(e *engine.Engine) error {
	dc := s.Config.Discord
	if dc.Token == "" {
		return nil
	}
	client, err := discord.New(discord.Config{
		Token:          dc.Token,
		BaseURL:        dc.BaseURL,
		ForumChannelID: dc.ForumChannelID,
		Tags:           dc.Tags,
		TestMode:       s.Config.TestMode,
		Logger:         s.Logger,
	})
	if err != nil {
		return err
	}
	e.Announcer = client
	return nil
}

func (s *Services) wirePublishers() error {
	ec := s.Config.Events
	if len(ec.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(ec.Kafka.Brokers, ec.Kafka.Topic)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, kp.Close)
		s.Publishers = append(s.Publishers, kp)
	}
	s.Publishers = append(s.Publishers, events.WebhookPublishers(ec.Webhooks)...)
	return nil
}

// Close waits for background engine tasks and releases connections in
// reverse order of acquisition.
func (s *Services) Close() error {
	if s.Engine.Tasks != nil {
		s.Engine.Tasks.Wait()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
