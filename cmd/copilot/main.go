package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/zxc5118690/Sales-Copilot/internal/app"
	"github.com/zxc5118690/Sales-Copilot/internal/config"
	"github.com/zxc5118690/Sales-Copilot/internal/db"
	"github.com/zxc5118690/Sales-Copilot/internal/domain"
	"github.com/zxc5118690/Sales-Copilot/internal/engine"
	"github.com/zxc5118690/Sales-Copilot/internal/repo"
	"github.com/zxc5118690/Sales-Copilot/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "copilot",
	Short: "Sales Copilot CLI",
	Long: `Sales Copilot keeps a B2B pipeline for equipment vendors honest.
- Signals: market observations (hiring, capex, NPI...) with a source URL, found by the radar or added by hand.
- Pain profiles: persona pains generated only from signals you pick; every claim cites its evidence.
- Interactions: outbound and inbound touches; they move the pipeline forward automatically.
- BANT: a 0-100 qualification score with a grade that can promote an account to QUALIFIED.
- Outreach: drafts that a human approves or rejects before anything is sent.
- Event log: every change, view with 'copilot log tail'.`,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("COPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("llm-base-url", "", "OpenAI-compatible base URL")
	flags.String("llm-api-key", "", "LLM API key; empty uses fallback copy")
	flags.String("llm-model", "gpt-4o-mini", "chat model name")
	flags.Int("llm-rpm", 60, "LLM requests per minute")
	flags.String("tavily-api-key", "", "Tavily search API key for the signal radar")
	flags.String("redis-addr", "", "Redis address for stage-change notifications")
	flags.String("otlp-endpoint", "", "OTLP gRPC endpoint for traces")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "llm-base-url", "llm-api-key", "llm-model", "llm-rpm", "tavily-api-key", "redis-addr", "otlp-endpoint"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(contactCmd())
	rootCmd.AddCommand(signalCmd())
	rootCmd.AddCommand(interactionCmd())
	rootCmd.AddCommand(bantCmd())
	rootCmd.AddCommand(painCmd())
	rootCmd.AddCommand(outreachCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage copilot.yml",
		Long:  "copilot.yml holds scoring weights, stage probabilities, recommendations, radar keywords, roles and webhooks. Without the file the built-in defaults apply.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default copilot.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := effectiveConfig()
			if err != nil {
				return err
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
		Short: "Validate copilot.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"valid": true, "max_total": cfg.MaxTotal()})
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func effectiveConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
		Long:  "Every mutation appends an event in the same transaction. Use tail to read recent events or follow new ones.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var follow bool
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.Limit = n
				evts, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				// newest first from the store; print oldest first
				for i, j := 0, len(evts)-1; i < j; i, j = i+1, j-1 {
					evts[i], evts[j] = evts[j], evts[i]
				}
				if err := printEvents(evts); err != nil {
					return err
				}
				if !follow {
					return nil
				}
				cursor, err := e.Repo.LatestEventID(ctx)
				if err != nil {
					return err
				}
				return e.TailEvents(ctx, cursor, time.Second, func(batch []domain.Event) error {
					var keep []domain.Event
					for _, evt := range batch {
						if f.Type != "" && evt.Type != f.Type {
							continue
						}
						if f.AccountID != 0 && (evt.AccountID == nil || *evt.AccountID != f.AccountID) {
							continue
						}
						keep = append(keep, evt)
					}
					return printEvents(keep)
				})
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().Int64Var(&f.AccountID, "account", 0, "account id filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func printEvents(evts []domain.Event) error {
	if viper.GetBool("json") {
		enc := json.NewEncoder(os.Stdout)
		for _, evt := range evts {
			if err := enc.Encode(evt); err != nil {
				return err
			}
		}
		return nil
	}
	for _, evt := range evts {
		fmt.Printf("%d %s %-26s %s:%s by %s %s\n", evt.ID, evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID, evt.Payload)
	}
	return nil
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys (secrets are never shown)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Actor", "Name", "Roles", "Created")
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, strings.Join(k.Roles, ","), k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "only keys of this actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				missing, err := e.RevokeAPIKey(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]bool{"deleted": !missing, "already_missing": missing})
				}
				if missing {
					fmt.Println("API key", args[0], "was already gone")
					return nil
				}
				fmt.Println("Revoked API key", args[0])
				return nil
			})
		},
	}
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	var roles []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for an actor",
		Long:  "The secret is printed once; only its hash is stored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issued, err := e.CreateAPIKey(ctx, actor, name, roles, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": issued.Key.ID, "actor_id": issued.Key.ActorID, "roles": issued.Key.Roles, "secret": issued.Secret})
				}
				fmt.Printf("API key %s for %s (%s)\n", issued.Key.ID, issued.Key.ActorID, strings.Join(issued.Key.Roles, ","))
				fmt.Println("Secret (store it now, it is not shown again):", issued.Secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "label")
	cmd.Flags().StringArrayVar(&roles, "role", []string{"rep"}, "role (repeatable)")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := app.Open(cmd.Context(), settings())
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = ac.Close(ctx)
			}()
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: viper.GetBool("allow-legacy-actor"),
				DevLogin:               viper.GetBool("dev-login"),
				Logger:                 ac.Log,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("COPILOT_JWT_SECRET is required unless --allow-legacy-actor is set")
			}
			addr := viper.GetString("addr")
			basePath := viper.GetString("base-path")
			fmt.Printf("Serving Sales Copilot API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs, metrics at /metrics)\n", addr, basePath, basePath, basePath)
			return server.Serve(cmd.Context(), addr, server.Config{
				Engine:                ac.Engine,
				BasePath:              basePath,
				Auth:                  authCfg,
				GenerationConcurrency: viper.GetInt("generation-concurrency"),
			})
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().String("base-path", "/api/v1", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().Bool("allow-legacy-actor", false, "accept X-Actor-Id without credentials (local use)")
	cmd.Flags().Bool("dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().Int("generation-concurrency", 4, "max in-flight pain/outreach generations")
	for _, name := range []string{"addr", "base-path", "jwt-secret", "allow-legacy-actor", "dev-login", "generation-concurrency"} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

// --- helpers ---

func settings() app.Settings {
	return app.Settings{
		Workspace:    viper.GetString("workspace"),
		LogLevel:     viper.GetString("log-level"),
		LLMBaseURL:   viper.GetString("llm-base-url"),
		LLMAPIKey:    viper.GetString("llm-api-key"),
		LLMModel:     viper.GetString("llm-model"),
		LLMRPM:       viper.GetInt("llm-rpm"),
		TavilyAPIKey: viper.GetString("tavily-api-key"),
		RedisAddr:    viper.GetString("redis-addr"),
		OTLPEndpoint: viper.GetString("otlp-endpoint"),
	}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ac, err := app.Open(ctx, settings())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ac.Close(closeCtx)
	}()
	return fn(ctx, ac.Engine)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
