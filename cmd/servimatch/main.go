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
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"servimatch/internal/app"
	"servimatch/internal/config"
	"servimatch/internal/db"
	"servimatch/internal/migrate"
	"servimatch/internal/repo"
	"servimatch/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "servimatch",
	Short: "Servimatch CLI",
	Long: `Servimatch matches explorers who need a local service with associated
service providers (AS).
- Request: an explorer posts a need with an urgency; it expires on its own if nobody is picked.
- Interest: an AS bids on an active request; the explorer accepts exactly one.
- Connection: the pair created by an acceptance (or directly); it owns a chat room.
- Confirmation: both sides confirm completion; the second confirmation completes the service.
- Review obligation: the explorer owes a review within the review window; overdue reviews block new requests and role switches.
- Role: a user is acting as client or provider; switching is refused while work or reviews are pending.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
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
	viper.SetEnvPrefix("SERVIMATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "policy file (default <workspace>/servimatch.yml)")
	flags.Bool("json", false, "output JSON")
	flags.StringP("user", "u", "", "user acting on the marketplace")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json, text)")
	flags.String("jwt-secret", "", "HS256 secret for bearer tokens (env SERVIMATCH_JWT_SECRET)")
	for _, name := range []string{"workspace", "config", "json", "user", "log-level", "log-format", "jwt-secret"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(interestCmd())
	rootCmd.AddCommand(connectionCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
}

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch viper.GetString("log-format") {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json", "":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", viper.GetString("log-format"))
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := migrate.Version(ctx, a.DB)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"schema_version": v, "database": db.Path(viper.GetString("workspace"))})
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Policy configuration"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default servimatch.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.LoadConfig(appOptions(nil))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			redacted := *c
			if redacted.Chat.Token != "" {
				redacted.Chat.Token = "<redacted>"
			}
			redacted.Notifications.Webhooks = append([]config.WebhookConfig(nil), c.Notifications.Webhooks...)
			for i := range redacted.Notifications.Webhooks {
				if redacted.Notifications.Webhooks[i].Secret != "" {
					redacted.Notifications.Webhooks[i].Secret = "<redacted>"
				}
			}
			out, err := yaml.Marshal(redacted)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	cfg.AddCommand(initCmd, showCmd)
	return cfg
}

func serveCmd() *cobra.Command {
	var (
		addr, basePath string
		devAuth        bool
		noWorkers      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, sweep scheduler and notification dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a, err := app.Open(ctx, appOptions(logger))
			if err != nil {
				return err
			}
			defer a.Close()

			authCfg := server.AuthConfig{
				JWTSecret:      viper.GetString("jwt-secret"),
				AllowDevHeader: devAuth,
				Logger:         logger.With("component", "auth"),
			}
			if authCfg.JWTSecret == "" && !devAuth {
				return fmt.Errorf("SERVIMATCH_JWT_SECRET is required unless --dev-auth is set")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Logger:   logger.With("component", "http"),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("serving servimatch API", "addr", addr, "base_path", basePath, "openapi", basePath+"/openapi.json", "docs", "/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if !noWorkers {
				g.Go(func() error { return a.Scheduler.Run(gctx) })
				g.Go(func() error { return a.Dispatcher.Run(gctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devAuth, "dev-auth", false, "trust the X-User-Id header (local development only)")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve the API without background sweeps and delivery")
	return cmd
}

func sweepCmd() *cobra.Command {
	sweep := &cobra.Command{Use: "sweep", Short: "Run background sweeps once"}
	sweep.AddCommand(&cobra.Command{
		Use:   "requests",
		Short: "Expire requests past their urgency horizon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Scheduler.ExpireRequests(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})
	sweep.AddCommand(&cobra.Command{
		Use:   "obligations",
		Short: "Flag overdue reviews and send due reminders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Scheduler.SweepObligations(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})
	sweep.AddCommand(&cobra.Command{
		Use:   "notifications",
		Short: "Deliver pending notifications to every sink",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Dispatcher.RunNow(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})
	sweep.AddCommand(&cobra.Command{
		Use:   "all",
		Short: "Run the request and obligation sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				exp, obl, err := a.Scheduler.RunNow(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"requests": exp, "obligations": obl})
			})
		},
	})
	return sweep
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --user; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := currentUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, err := a.Engine.CreateAPIKey(ctx, userID, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "user_id": key.UserID, "key": key.Key})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys (of --user when set)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListAPIKeys(ctx, viper.GetString("user"))
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, k := range items {
					rows = append(rows, table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				return printList(items, table.Row{"ID", "User", "Name", "Created"}, rows)
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	keys.AddCommand(create, list, revoke)
	return keys
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --user (needs SERVIMATCH_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := currentUser()
			if err != nil {
				return err
			}
			token, err := server.SignToken(viper.GetString("jwt-secret"), userID, ttl, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 means no expiry")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every state change and every notification, newest first.",
	}
	var (
		n                                          int
		evtType, entityKind, entityID, recipientID string
	)
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.LatestEvents(ctx, repo.EventFilters{
					Type:        evtType,
					EntityKind:  entityKind,
					EntityID:    entityID,
					RecipientID: recipientID,
					Limit:       n,
				})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, e := range items {
					rows = append(rows, table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.RecipientID})
				}
				return printList(items, table.Row{"ID", "TS", "Type", "Entity", "Actor", "Recipient"}, rows)
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	tail.Flags().StringVar(&recipientID, "recipient", "", "only notifications addressed to this user")
	log.AddCommand(tail)
	return log
}

// --- helpers ---

func appOptions(logger *slog.Logger) app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Logger:     logger,
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, appOptions(logger))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func currentUser() (string, error) {
	userID := strings.TrimSpace(viper.GetString("user"))
	if userID == "" {
		return "", fmt.Errorf("--user (or SERVIMATCH_USER) is required")
	}
	return userID, nil
}

// printJSONOrTable renders one record as a field/value table. Nested values
// are shown as compact JSON.
func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		fmt.Println(string(b))
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Field", "Value"})
	for _, k := range keys {
		var s string
		if err := json.Unmarshal(fields[k], &s); err != nil {
			s = string(fields[k])
		}
		tw.AppendRow(table.Row{k, s})
	}
	tw.SetStyle(table.StyleLight)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printList renders rows as a table, or v as JSON with --json.
func printList(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.SetStyle(table.StyleLight)
	tw.Render()
	return nil
}

func optionalInt64(cmd *cobra.Command, name string, v int64) *int64 {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &v
}

func deref[T any](p *T) any {
	if p == nil {
		return ""
	}
	return *p
}
