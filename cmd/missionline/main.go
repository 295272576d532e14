package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionline/internal/app"
	"missionline/internal/config"
	"missionline/internal/db"
)

var rootCmd = &cobra.Command{
	Use:   "missionline",
	Short: "Missionline mission engine",
	Long: `Missionline runs promotional missions end to end.
- Mission: a brief with a reward. It opens for enrollment, closes enrollment, then closes submissions.
- Contributors: community members who enroll and submit TikTok or Instagram links before the deadline.
- Tracking: once submissions exist the engine scrapes their metrics on a backoff schedule until the scrape budget is spent.
- Callbacks: phase changes and tracking cycles arrive as delayed HTTP callbacks from the scheduler.
- Event log: every state change is journalled and relayed to Kafka or webhooks.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MISSIONLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/missionline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier recorded on events")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(trackCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(eventsCmd())
}

// --- helpers ---

func configPath() string {
	if p := strings.TrimSpace(viper.GetString("config")); p != "" {
		return p
	}
	return config.Path(viper.GetString("workspace"))
}

// loadConfig reads the config file, falling back to defaults when the
// workspace has none. A relative sqlite workspace resolves against the
// CLI workspace.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if p := strings.TrimSpace(viper.GetString("config")); p != "" {
		cfg, err = config.FromFile(p)
	} else {
		cfg, err = config.LoadOrDefault(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	ws := cfg.Store.Workspace
	if ws == "" || !filepath.IsAbs(ws) {
		cfg.Store.Workspace = filepath.Join(viper.GetString("workspace"), ws)
	}
	return cfg, nil
}

// newLogger writes JSON for the long-running server and text for one-shot
// commands.
func newLogger(jsonLogs bool) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if jsonLogs {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func withServices(ctx context.Context, fn func(context.Context, *app.Services) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, err := app.Open(ctx, cfg, newLogger(false))
	if err != nil {
		return err
	}
	runErr := fn(ctx, svc)
	if err := svc.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func printJSONOrValue(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}
