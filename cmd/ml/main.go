package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

	"matchline/internal/app"
	"matchline/internal/config"
	"matchline/internal/db"
	"matchline/internal/domain"
	"matchline/internal/engine"
	"matchline/internal/migrate"
	"matchline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "Matchline CLI",
	Long: `Matchline automates profile outreach with a safety monitor in the loop.
How it fits together:
- Workspace: the directory holding matchline.yml (profile, criteria, limits) and .matchline/ (database, audit log).
- Candidates: profiles the driver opens one at a time; each gets a fingerprint so nobody is ever contacted twice.
- Decision gate: advisor, rubric, or hybrid scoring turns a candidate into SEND, SKIP, or DEFER; any evaluation failure fails closed to SKIP.
- Safety monitor: cancellation, dedup, daily/weekly quotas, and pacing are checked in that order before anything leaves the machine.
- Shadow runs: 'ml run --shadow' decides and logs but never sends; use it to calibrate thresholds against a fixture.
- Event log: every observation, verdict, refusal, and send lands in the audit log; view with 'ml log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("MATCHLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(seenCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var name string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a workspace",
		Long:  "Writes a starter matchline.yml, creates the .matchline state directory, and prepares the database.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("Initialized %s and %s\n", cfgPath, db.Path(workspace))
			fmt.Println("Edit matchline.yml (criteria, message, limits) before the first run.")
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "me", "profile name for the starter config")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing matchline.yml")
	return cmd
}

func runCmd() *cobra.Command {
	var shadow bool
	var maxCandidates int
	var fixture string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one outreach run",
		Long: `Opens candidates one at a time, evaluates each against the configured
criteria, and messages the ones that pass. The safety monitor authorizes
every step. Ctrl-C stops the run at the next state transition.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Load(app.Options{
				Workspace:     viper.GetString("workspace"),
				FixturePath:   fixture,
				PlannerAPIKey: os.Getenv("MATCHLINE_PLANNER_API_KEY"),
				AdvisorAPIKey: os.Getenv("MATCHLINE_ADVISOR_API_KEY"),
			})
			if err != nil {
				return err
			}
			defer a.Close()
			run, runErr := a.Engine.ExecuteRun(cmd.Context(), engine.RunOptions{
				Shadow:        shadow,
				MaxCandidates: maxCandidates,
			})
			if viper.GetBool("json") {
				if err := printJSON(run); err != nil {
					return err
				}
			} else {
				printRunSummary(run)
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&shadow, "shadow", false, "evaluate and log decisions without sending")
	cmd.Flags().IntVar(&maxCandidates, "max", 0, "cap candidates for this run (default from config)")
	cmd.Flags().StringVar(&fixture, "fixture", "", "replay candidates from a JSON fixture instead of the executor")
	return cmd
}

func printRunSummary(run domain.Run) {
	fmt.Printf("Run %s: %s", run.ID, run.Status)
	if run.StopReason != "" {
		fmt.Printf(" (%s)", run.StopReason)
	}
	fmt.Println()
	if run.Shadow {
		fmt.Println("Shadow run: sends were suppressed.")
	}
	fmt.Printf("  processed: %d\n", run.Processed)
	fmt.Printf("  sent:      %d\n", run.Sent)
	fmt.Printf("  skipped:   %d\n", run.Skipped)
	fmt.Printf("  deferred:  %d\n", run.Deferred)
	fmt.Printf("  failed:    %d\n", run.Failed)
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workspace status",
		Long:  "The scoreboard: latest run, quota headroom, last send, and the cancellation flag.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				if st.Run != nil {
					r := st.Run
					fmt.Printf("Latest run: %s %s", r.ID, r.Status)
					if r.StopReason != "" {
						fmt.Printf(" (%s)", r.StopReason)
					}
					fmt.Printf(" sent=%d skipped=%d failed=%d\n", r.Sent, r.Skipped, r.Failed)
				} else {
					fmt.Println("Latest run: none")
				}
				for _, q := range st.Quotas {
					limit := "unlimited"
					if q.Limit > 0 {
						limit = fmt.Sprint(q.Limit)
					}
					fmt.Printf("Quota %s: %d of %s\n", q.Period, q.Used, limit)
				}
				if st.LastSendAt != "" {
					fmt.Println("Last send:", st.LastSendAt)
				} else {
					fmt.Println("Last send: never")
				}
				fmt.Println("Cancelled:", st.Cancelled)
				return nil
			})
		},
	}
	return cmd
}

func cancelCmd() *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Raise or clear the cancellation flag",
		Long: `The flag lives in the shared safety store, so every run against this
workspace notices it at its next state transition. It stays up until
cleared with --clear.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if clear {
					if err := e.ClearCancel(ctx); err != nil {
						return err
					}
					fmt.Println("Cancellation flag cleared.")
					return nil
				}
				if err := e.Cancel(ctx); err != nil {
					return err
				}
				fmt.Println("Cancellation flag set; in-flight runs stop at the next transition.")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "clear the flag instead of setting it")
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Run history"}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, err := e.Repo.ListRuns(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Mode", "Shadow", "Sent", "Skipped", "Failed", "Started"})
				for _, r := range runs {
					tw.AppendRow(table.Row{short(r.ID), r.Status, r.Mode, r.Shadow, r.Sent, r.Skipped, r.Failed, r.StartedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of runs")
	return cmd
}

func runsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one run with its event breakdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.Repo.GetRun(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				b, _ := json.MarshalIndent(run, "", "  ")
				fmt.Println(string(b))
				counts, err := e.Repo.CountEventsByType(ctx, run.ID)
				if err != nil {
					return err
				}
				if len(counts) == 0 {
					return nil
				}
				types := make([]string, 0, len(counts))
				for t := range counts {
					types = append(types, t)
				}
				sort.Strings(types)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Event", "Count"})
				for _, t := range types {
					tw.AppendRow(table.Row{t, counts[t]})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit log",
		Long:  "Every observation, verdict, refusal, and send lands here. The log is the source of truth for what the bot did and why.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, runID, fingerprint string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.Repo.LatestEvents(ctx, n, runID, evtType, fingerprint)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Run", "Fingerprint", "Outcome", "Reason"})
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, short(evt.RunID), short(evt.Fingerprint), evt.Outcome, evt.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "fingerprint filter")
	return cmd
}

func seenCmd() *cobra.Command {
	seen := &cobra.Command{
		Use:   "seen",
		Short: "Dedup ledger",
		Long:  "Fingerprints of every candidate ever observed. A fingerprint with sent=true is never messaged again, shadow or not.",
	}
	seen.AddCommand(seenListCmd())
	return seen
}

func seenListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List seen candidates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				records, err := e.Store.ListSeen(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Fingerprint", "First seen", "Sent", "Sent at"})
				for _, rec := range records {
					sentAt := ""
					if rec.SentAt != nil {
						sentAt = *rec.SentAt
					}
					tw.AppendRow(table.Row{short(rec.Fingerprint), rec.FirstSeenAt, rec.Sent, sentAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of records")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Control-plane API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, token, err := e.CreateAPIKey(ctx, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"id":         key.ID,
						"name":       key.Name,
						"created_at": key.CreatedAt,
						"token":      token,
					})
				}
				fmt.Printf("Created API key %s", key.ID)
				if key.Name != "" {
					fmt.Printf(" (%s)", key.Name)
				}
				fmt.Println()
				fmt.Println("Token (shown once, only its hash is stored):")
				fmt.Println(" ", token)
				fmt.Println("Pass it in the X-Api-Key header.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteAPIKey(ctx, id); err != nil {
					return err
				}
				fmt.Println("Deleted", id)
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "matchline.yml is the rulebook: who you are, what a good match looks like, what the message says, and how hard the safety limits bite.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			data, err := os.ReadFile(config.Path(workspace))
			if err != nil {
				return err
			}
			fmt.Print(string(data))
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
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
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

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the control-plane API",
		Long: `Read-only HTTP API over the workspace plus cancel, Swagger UI at /docs,
Prometheus metrics at /metrics. Runs start only from the CLI; the API
observes them. Bearer auth needs MATCHLINE_JWT_SECRET; without it only
API keys (ml apikey create) are accepted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.LoadControl(app.Options{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			if addr == "" {
				addr = "127.0.0.1:8787"
			}
			if basePath == "" {
				basePath = a.Config.Server.BasePath
			}
			if basePath == "" {
				basePath = "/v0"
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret: os.Getenv("MATCHLINE_JWT_SECRET"),
					Logger:    a.Logger,
				},
			})
			if err != nil {
				return err
			}
			if d := server.NewWebhookDispatcher(a.Engine, a.Logger); d != nil {
				go d.Run(cmd.Context())
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Matchline API on http://%s%s (docs at /docs, metrics at /metrics)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

// withEngine loads the control-plane context for one command. Run commands
// go through app.Load instead, which also wires the driver and the gate.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := app.LoadControl(app.Options{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// short truncates ids and fingerprints for table display.
func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
