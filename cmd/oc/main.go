package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opencawt/internal/beacon"
	"opencawt/internal/config"
	"opencawt/internal/db"
	"opencawt/internal/domain"
	"opencawt/internal/engine"
	"opencawt/internal/migrate"
	"opencawt/internal/repo"
	"opencawt/internal/seal"
	"opencawt/internal/server"
	"opencawt/internal/supervisor"
	"opencawt/internal/treasury"
	"opencawt/internal/verify"
)

var rootCmd = &cobra.Command{
	Use:   "oc",
	Short: "OpenCawt CLI",
	Long: `OpenCawt runs deadline-driven court sessions between agents.
A case is drafted, filed with an on-chain fee, argued stage by stage in
front of a deterministically selected jury, voted on, and sealed as an
immutable on-chain record. This CLI manages the court workspace: it
initialises the database, registers agents, serves the HTTP API, and
inspects or verifies cases.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OPENCAWT")
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
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(sealCmd())
	rootCmd.AddCommand(tickCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialise a court workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
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
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %s\n", cfgPath)
			}
			fmt.Printf("workspace ready at %s\n", workspace)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the court API server and supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
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
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			eng := buildEngine(conn, cfg)
			sealer := seal.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:           cfg.Auth.JWTSecret,
				HeliusWebhookSecret: cfg.Auth.HeliusWebhookSecret,
				TimestampSkew:       cfg.TimestampSkew(),
			}
			if env := os.Getenv("OPENCAWT_JWT_SECRET"); env != "" {
				authCfg.JWTSecret = env
			}
			if env := os.Getenv("OPENCAWT_HELIUS_WEBHOOK_SECRET"); env != "" {
				authCfg.HeliusWebhookSecret = env
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("an operator JWT secret is required: set auth.jwt_secret or OPENCAWT_JWT_SECRET")
			}
			handler, err := server.New(server.Config{
				Engine:   eng,
				Sealer:   sealer,
				Verifier: verify.New(sealer),
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			supervisor.New(eng, sealer).Start(ctx)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving OpenCawt API on http://%s%s (OpenAPI at /openapi.json)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api", "API base path")
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Manage agents"}
	agent.AddCommand(agentAddCmd())
	agent.AddCommand(agentListCmd())
	return agent
}

func agentAddCmd() *cobra.Command {
	var displayName string
	var jurorEligible bool
	cmd := &cobra.Command{
		Use:   "add <agent-id>",
		Short: "Register an agent and print its signing secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret, err := randomSecret()
				if err != nil {
					return err
				}
				a := domain.Agent{
					ID:            args[0],
					DisplayName:   displayName,
					Secret:        secret,
					JurorEligible: jurorEligible,
					Active:        true,
					CreatedAt:     time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAgent(ctx, a); err != nil {
					return fmt.Errorf("register agent %s: %w", a.ID, err)
				}
				fmt.Printf("agent %s registered\n", a.ID)
				fmt.Printf("secret: %s\n", secret)
				fmt.Println("store the secret now; it is not shown again")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&displayName, "name", "", "display name")
	cmd.Flags().BoolVar(&jurorEligible, "juror", false, "eligible for jury duty")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Juror", "Active", "Created"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.DisplayName, a.JurorEligible, a.Active, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{Use: "case", Short: "Inspect cases"}
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseTranscriptCmd())
	return c
}

func caseListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCases(ctx, repo.CaseFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Prosecution", "Defence", "Votes", "Created"})
				for _, c := range items {
					defence := ""
					if c.DefenceAgentID != nil {
						defence = *c.DefenceAgentID
					}
					tw.AppendRow(table.Row{c.ID, c.Status, c.ProsecutionAgentID, defence,
						fmt.Sprintf("%d/%d", c.VotesCast, c.PanelSize), c.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func caseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case with its session and seats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"case": c}
				if session, err := e.Repo.GetSession(ctx, c.ID); err == nil {
					out["session"] = session
				}
				if seats, err := e.Repo.ListSeats(ctx, c.ID); err == nil && len(seats) > 0 {
					out["seats"] = seats
				}
				if rec, err := e.Repo.GetSeal(ctx, c.ID); err == nil {
					out["seal"] = rec
				}
				return printJSON(out)
			})
		},
	}
}

func caseTranscriptCmd() *cobra.Command {
	var afterSeq int64
	cmd := &cobra.Command{
		Use:   "transcript <case-id>",
		Short: "Print a case transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Log.Read(ctx, args[0], afterSeq, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Stage", "Type", "Actor", "Message"})
				for _, ev := range events {
					actor := ev.ActorRole
					if ev.ActorAgentID != nil {
						actor = *ev.ActorAgentID
					}
					tw.AppendRow(table.Row{ev.SeqNo, ev.Stage, ev.EventType, actor, ev.MessageText})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&afterSeq, "after-seq", 0, "start after this sequence number")
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <case-id>",
		Short: "Re-derive the seal hashes for a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, conn *sql.DB, cfg *config.Config) error {
				report, err := verify.New(seal.New(conn, cfg)).Verify(ctx, args[0])
				if err != nil {
					return err
				}
				if err := printJSON(report); err != nil {
					return err
				}
				if !report.OK {
					return fmt.Errorf("case %s failed verification", args[0])
				}
				return nil
			})
		},
	}
}

func sealCmd() *cobra.Command {
	c := &cobra.Command{Use: "seal", Short: "Drive the seal pipeline"}
	c.AddCommand(&cobra.Command{
		Use:   "run <case-id>",
		Short: "Seal a closed case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, conn *sql.DB, cfg *config.Config) error {
				return seal.New(conn, cfg).Run(ctx, args[0])
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "retry <case-id>",
		Short: "Retry a failed seal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, conn *sql.DB, cfg *config.Config) error {
				return seal.New(conn, cfg).Retry(ctx, args[0])
			})
		},
	})
	return c
}

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one supervisor scan (deadlines, readiness, seals)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, conn *sql.DB, cfg *config.Config) error {
				eng := buildEngine(conn, cfg)
				supervisor.New(eng, seal.New(conn, cfg)).Tick(ctx)
				return nil
			})
		},
	}
}

// buildEngine wires the engine's external collaborators from config. With
// no RPC or beacon endpoint configured the stub rails are used, which keeps
// a dev workspace self-contained.
func buildEngine(conn *sql.DB, cfg *config.Config) engine.Engine {
	eng := engine.New(conn, cfg)
	if cfg.Treasury.RPCURL != "" {
		eng.Treasury = treasury.NewClient(cfg.Treasury.RPCURL)
	} else {
		eng.Treasury = treasury.Stub{
			TreasuryAddress: cfg.Court.TreasuryAddress,
			Lamports:        cfg.Court.FilingFeeLamports,
		}
	}
	if cfg.Beacon.URL != "" {
		eng.Beacon = beacon.NewClient(cfg.Beacon.URL, cfg.Beacon.MaxAttempts)
	}
	return eng
}

func withWorkspace(ctx context.Context, fn func(context.Context, *sql.DB, *config.Config) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, conn, cfg)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withWorkspace(ctx, func(ctx context.Context, conn *sql.DB, cfg *config.Config) error {
		return fn(ctx, buildEngine(conn, cfg))
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withWorkspace(ctx, func(ctx context.Context, conn *sql.DB, _ *config.Config) error {
		return fn(ctx, repo.Repo{DB: conn})
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
