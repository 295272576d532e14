package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"missionline/internal/app"
	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/engine/auth"
	"missionline/internal/migrate"
	"missionline/internal/repo"
)

func serveCmd() *cobra.Command {
	var listen, grpcListen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, callback endpoints and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Service.Listen = listen
			}
			if grpcListen != "" {
				cfg.Service.GRPCListen = grpcListen
			}
			rt, err := app.NewRuntime(cmd.Context(), cfg, newLogger(true))
			if err != nil {
				return err
			}
			fmt.Printf("Serving Missionline API on http://%s%s (OpenAPI at %s/openapi.json, docs at %s/docs)\n",
				rt.HTTPAddr(), cfg.Service.BasePath, cfg.Service.BasePath, cfg.Service.BasePath)
			return rt.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides service.listen)")
	cmd.Flags().StringVar(&grpcListen, "grpc-listen", "", "gRPC health address (overrides service.grpc_listen)")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := db.Open(cmd.Context(), db.Config{
				Driver:    cfg.Store.Driver,
				Workspace: cfg.Store.Workspace,
				DSN:       cfg.Store.DSN,
				MaxConns:  cfg.Store.MaxConns,
			})
			if err != nil {
				return err
			}
			defer store.Close()
			if err := migrate.Migrate(store); err != nil {
				return err
			}
			v, err := migrate.Version(store)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"driver": store.Dialect, "version": v})
			}
			fmt.Printf("%s schema at version %d\n", store.Dialect, v)
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Manage missionline.yml",
		Long:  "Config holds mission windows, tracking limits, shared secrets and the credentials for the scheduler, scraper, chat and event sinks. ${VAR} references expand from the environment.",
	}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	c.AddCommand(configValidateCmd())
	return c
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o600); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			masked := redact(*cfg)
			if viper.GetBool("json") {
				return printJSON(masked)
			}
			out, err := yaml.Marshal(masked)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.FromFile(configPath())
			if viper.GetBool("json") {
				var msg string
				if err != nil {
					msg = err.Error()
				}
				return printJSON(map[string]any{"ok": err == nil, "error": msg})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func redact(cfg config.Config) config.Config {
	mask := func(s *string) {
		if *s != "" {
			*s = "***"
		}
	}
	mask(&cfg.Secrets.Webhook)
	mask(&cfg.Secrets.JWT)
	mask(&cfg.Callbacks.SigningKey)
	mask(&cfg.Callbacks.NextSigningKey)
	mask(&cfg.Apify.Token)
	mask(&cfg.Scheduler.QStash.Token)
	mask(&cfg.Discord.Token)
	mask(&cfg.Store.DSN)
	mask(&cfg.Scheduler.Redis.URL)
	hooks := make([]config.WebhookConfig, len(cfg.Events.Webhooks))
	for i, h := range cfg.Events.Webhooks {
		mask(&h.Secret)
		hooks[i] = h
	}
	cfg.Events.Webhooks = hooks
	return cfg
}

func trackCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "track",
		Short: "Drive metric tracking by hand",
	}
	run := &cobra.Command{
		Use:   "run <mission-id>",
		Short: "Run one tracking cycle now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				res, err := svc.Engine.RunCycle(ctx, args[0], nil)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("cycle %s (scrape count %d)\n", res.Outcome, res.Count)
				if res.NextDelay != "" {
					fmt.Println("next cycle in", res.NextDelay)
				}
				for _, j := range res.Jobs {
					fmt.Printf("  %s: %d links, run %s\n", j.Platform, j.Links, j.RunID)
				}
				return nil
			})
		},
	}
	t.AddCommand(run)
	return t
}

func phaseCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "phase",
		Short: "Apply mission phase transitions",
	}
	var phase string
	fire := &cobra.Command{
		Use:   "fire <mission-id> [phase]",
		Short: "Apply a phase transition as if its callback arrived",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				phase = args[1]
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				res, err := svc.Engine.HandlePhase(ctx, engine.PhaseRequest{
					MissionID: args[0],
					Phase:     domain.Phase(strings.ToUpper(phase)),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if !res.Applied {
					fmt.Printf("%s ignored; mission is %s\n", res.Phase, res.Status)
					return nil
				}
				fmt.Printf("%s applied; mission is %s\n", res.Phase, res.Status)
				return nil
			})
		},
	}
	fire.Flags().StringVar(&phase, "phase", string(domain.PhaseEnrollmentClosed), "ENROLLMENT_CLOSED or SUBMISSION_CLOSED")
	p.AddCommand(fire)
	return p
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the chat gateway and operators",
	}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyListCmd())
	k.AddCommand(apiKeyDeleteCmd())
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var actor, name string
	var perms []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			if len(perms) == 0 {
				return fmt.Errorf("--permission required")
			}
			for _, p := range perms {
				if !auth.ValidPermission(p) {
					return fmt.Errorf("unknown permission %q (known: %s)", p, strings.Join(auth.KnownPermissions, ", "))
				}
			}
			secret, err := newAPIKeySecret()
			if err != nil {
				return err
			}
			key := repo.APIKey{
				ID:          uuid.NewString(),
				ActorID:     actor,
				Name:        name,
				KeyHash:     repo.HashAPIKey(secret),
				Permissions: perms,
				CreatedAt:   time.Now().UTC(),
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				if err := svc.Engine.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": secret, "permissions": key.Permissions})
				}
				fmt.Printf("api key %s for %s\n%s\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "label")
	cmd.Flags().StringSliceVar(&perms, "permission", nil, "permission to grant (repeatable)")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				keys, err := svc.Engine.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Permissions", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, strings.Join(k.Permissions, ","), k.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				err := svc.Engine.Repo.DeleteAPIKey(ctx, args[0])
				if errors.Is(err, repo.ErrNotFound) {
					return fmt.Errorf("api key %s not found", args[0])
				}
				return err
			})
		},
	}
	return cmd
}

func eventsCmd() *cobra.Command {
	ev := &cobra.Command{
		Use:   "events",
		Short: "Inspect the event log",
	}
	var n int
	var missionID, evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				items, err := svc.Engine.Repo.LatestEvents(ctx, n, missionID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Mission", "Entity", "Actor", "Published"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.MissionID, e.EntityKind + ":" + e.EntityID, e.ActorID, e.PublishedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&missionID, "mission", "", "mission id filter")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	ev.AddCommand(tail)
	return ev
}

func newAPIKeySecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "ml_" + hex.EncodeToString(b), nil
}
