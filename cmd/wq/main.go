package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"workqueue/internal/app"
	"workqueue/internal/config"
	"workqueue/internal/domain"
	"workqueue/internal/engine"
	"workqueue/internal/engine/auth"
	"workqueue/internal/query"
)

var rootCmd = &cobra.Command{
	Use:   "wq",
	Short: "KYC onboarding work queue",
	Long: `wq runs the onboarding review queue: every submitted case becomes a work item
that moves New -> Assigned -> InProgress -> (PendingApproval -> Approved) -> Completed,
with high-risk cases gated on compliance approval and completed cases scheduled
for periodic refresh.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WORKQUEUE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	for _, key := range []string{"server.addr", "database.driver", "database.dsn", "auth.jwt_secret"} {
		_ = viper.BindEnv(key)
	}
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.StringP("config", "c", "", "config file (default <workspace>/workqueue.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("driver", "", "database driver (sqlite, postgres)")
	flags.String("dsn", "", "database DSN or sqlite file path")
	_ = viper.BindPFlag("workspace", flags.Lookup("workspace"))
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("json", flags.Lookup("json"))
	_ = viper.BindPFlag("log-level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("database.driver", flags.Lookup("driver"))
	_ = viper.BindPFlag("database.dsn", flags.Lookup("dsn"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(configCmd())
}

func newLogger(jsonOutput bool) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// loadConfig reads the config file and applies flag and environment
// overrides on top.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if cfg.Database.Workspace == "" || cfg.Database.Workspace == "." {
		cfg.Database.Workspace = viper.GetString("workspace")
	}
	if v := viper.GetString("server.addr"); v != "" {
		cfg.Server.Addr = v
	}
	if v := viper.GetString("database.driver"); v != "" {
		cfg.Database.Driver = v
	}
	if v := viper.GetString("database.dsn"); v != "" {
		cfg.Database.DSN = v
	}
	if v := viper.GetString("auth.jwt_secret"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, jsonLogs bool, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg, newLogger(jsonLogs))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	var runRelay bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				handler, err := a.Handler()
				if err != nil {
					return err
				}
				if runRelay {
					go func() {
						if err := a.Relay.Run(ctx); err != nil {
							a.Logger.Error("relay stopped", "err", err)
						}
					}()
				}
				srv := &http.Server{Addr: a.Config.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving work queue API", "addr", a.Config.Server.Addr, "driver", a.Config.Database.Driver, "relay", runRelay)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	cmd.Flags().BoolVar(&runRelay, "relay", true, "run the outbox relay in-process")
	return cmd
}

func relayCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish outbox events to the configured sinks",
		Long:  "Run a single relay per database: events are published in order and retried until every sink accepts them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), !once, func(ctx context.Context, a *app.App) error {
				if once {
					n, err := a.Relay.Drain(ctx)
					if viper.GetBool("json") {
						return printJSON(map[string]any{"published": n, "error": errString(err)})
					}
					fmt.Printf("published %d events\n", n)
					return err
				}
				a.Logger.Info("relay started", "sinks", a.Events.Sinks())
				return a.Relay.Run(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "drain pending events and exit")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				if viper.GetBool("json") {
					return printJSON(a.Migrations)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Source", "State", "Applied"})
				for _, m := range a.Migrations {
					applied := ""
					if !m.AppliedAt.IsZero() {
						applied = m.AppliedAt.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{m.Source.Version, filepath.Base(m.Source.Path), m.State, applied})
				}
				tw.Render()
				fmt.Printf("%s schema is up to date\n", a.Config.Database.Driver)
				return nil
			})
		},
	}
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Inspect and open work items",
	}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemHistoryCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var (
		opts           engine.CreateOptions
		risk, priority string
		due            string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a work item for a submitted case",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.RiskLevel = domain.RiskLevel(risk)
			opts.Priority = domain.Priority(priority)
			if due != "" {
				t, err := time.Parse(time.DateOnly, due)
				if err != nil {
					return fmt.Errorf("--due must be YYYY-MM-DD: %w", err)
				}
				opts.DueDate = &t
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				w, err := a.Engine.Create(ctx, auth.System(), opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("created %s (%s)\n", w.HumanNumber, w.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ApplicationID, "application-id", "", "onboarding application id")
	cmd.Flags().StringVar(&opts.ApplicantName, "applicant", "", "applicant name")
	cmd.Flags().StringVar(&opts.Country, "country", "", "ISO country code")
	cmd.Flags().StringVar(&risk, "risk", string(domain.RiskUnknown), "risk level")
	cmd.Flags().StringVar(&priority, "priority", string(domain.PriorityNormal), "priority")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("application-id")
	return cmd
}

func itemListCmd() *cobra.Command {
	var (
		opts    query.ListOptions
		overdue bool
		view    string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("overdue") {
				opts.IsOverdue = &overdue
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				var (
					page query.Page
					err  error
				)
				switch view {
				case "", "all":
					page, err = a.Query.List(ctx, opts)
				case "pending-approvals":
					page, err = a.Query.PendingApprovals(ctx, opts.RiskLevel, opts.Page, opts.PageSize)
				case "due-for-refresh":
					page, err = a.Query.DueForRefresh(ctx, nil, opts.Page, opts.PageSize)
				default:
					return fmt.Errorf("unknown view %q", view)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				renderItems(page)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&opts.AssignedTo, "assigned-to", "", "assignee filter")
	cmd.Flags().StringVar(&opts.RiskLevel, "risk", "", "risk level filter (minimum level for pending-approvals)")
	cmd.Flags().StringVar(&opts.Country, "country", "", "country filter")
	cmd.Flags().BoolVar(&overdue, "overdue", false, "only overdue (or, with =false, only on-time) items")
	cmd.Flags().IntVar(&opts.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", query.DefaultPageSize, "page size")
	cmd.Flags().StringVar(&view, "view", "all", "all, pending-approvals or due-for-refresh")
	return cmd
}

func renderItems(page query.Page) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Number", "Application", "Status", "Risk", "Assignee", "Due", "Version"})
	for _, w := range page.Items {
		due := ""
		if w.DueDate != nil {
			due = w.DueDate.Format(time.DateOnly)
		}
		tw.AppendRow(table.Row{w.HumanNumber, w.ApplicationID, w.Status, w.RiskLevel, w.AssigneeID(), due, w.Version})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "", fmt.Sprintf("page %d", page.Page), fmt.Sprintf("%d total", page.Total)})
	tw.Render()
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				w, err := a.Query.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRows([]table.Row{
					{"Number", w.HumanNumber},
					{"ID", w.ID},
					{"Application", w.ApplicationID},
					{"Applicant", w.ApplicantName},
					{"Country", w.Country},
					{"Status", w.Status},
					{"Risk", w.RiskLevel},
					{"Requires approval", w.RequiresApproval},
					{"Assignee", w.AssigneeID()},
					{"Refreshes", w.RefreshCount},
					{"Next refresh", formatTime(w.NextRefreshAt)},
					{"Version", w.Version},
				})
				tw.Render()
				return nil
			})
		},
	}
}

func itemHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the status history of a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				entries, err := a.Query.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Action", "From", "To", "By", "Notes"})
				for _, h := range entries {
					tw.AppendRow(table.Row{h.Timestamp.Format(time.RFC3339), h.Action, h.FromStatus, h.ToStatus, h.PerformedBy, h.Notes})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret != "" {
				cfg.Auth.JWTSecret = "********"
			}
			if cfg.Peers.Token != "" {
				cfg.Peers.Token = "********"
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default workqueue.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.DateOnly)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
