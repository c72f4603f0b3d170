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
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"roadready/internal/app"
	"roadready/internal/db"
	"roadready/internal/domain"
	"roadready/internal/engine"
	"roadready/internal/flow"
	"roadready/internal/repo"
	"roadready/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rr",
	Short: "RoadReady CLI",
	Long: `RoadReady runs the driver-applicant onboarding portal.
Core concepts:
- Workspace: the .roadready directory holding the SQLite database, next to roadready.yml.
- Flow: the ordered stages an applicant moves through. Flatbed applicants get one extra stage at the end.
- Applicant stages are submitted from the wizard; admin stages (drive test, training, drug test) are recorded with 'rr applicant result'.
- Sessions: an applicant resumes with a token that slides forward on every use and dies on logout, completion or termination.
- Event log: every change is recorded, view with 'rr log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogger()
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
	viper.SetEnvPrefix("ROADREADY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/roadready.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier recorded on events")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func setupLogger() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(flowCmd())
	rootCmd.AddCommand(applicantCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(adminKeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var opts app.InitOptions
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create roadready.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := app.Init(cmd.Context(), viper.GetString("workspace"), opts)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			if res.ConfigWritten {
				fmt.Println("wrote", res.ConfigPath)
			} else {
				fmt.Println("kept existing", res.ConfigPath)
			}
			fmt.Printf("database %s (%d migrations applied)\n", res.DBPath, len(res.Migrations))
			if res.SecretWritten {
				fmt.Printf("stored a generated %s in %s\n", app.JWTSecretKey, app.EnvFile)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.PortalName, "portal-name", "", "portal name shown in the API title")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing roadready.yml")
	cmd.Flags().BoolVar(&opts.WriteSecret, "write-secret", false, "generate "+app.JWTSecretKey+" into the workspace .env")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect roadready.yml",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func flowCmd() *cobra.Command {
	f := &cobra.Command{Use: "flow", Short: "Onboarding stage flow"}
	var flatbed bool
	show := &cobra.Command{
		Use:   "show",
		Short: "List the stages for the given eligibility",
		RunE: func(cmd *cobra.Command, args []string) error {
			stages := flow.ResolveFlow(flow.Options{NeedsExtraStage: flatbed})
			if viper.GetBool("json") {
				return printJSON(stages.Keys())
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"#", "Stage", "Label", "Owner"})
			for i, s := range stages {
				tw.AppendRow(table.Row{i + 1, s.String(), s.Label(), s.Owner()})
			}
			tw.Render()
			return nil
		},
	}
	show.Flags().BoolVar(&flatbed, "flatbed", false, "include flatbed training")
	f.AddCommand(show)
	return f
}

func applicantCmd() *cobra.Command {
	a := &cobra.Command{Use: "applicant", Short: "Manage applicants"}
	a.AddCommand(applicantListCmd())
	a.AddCommand(applicantShowCmd())
	a.AddCommand(applicantCreateCmd())
	a.AddCommand(applicantSubmitCmd())
	a.AddCommand(applicantResultCmd())
	a.AddCommand(applicantEligibilityCmd())
	a.AddCommand(applicantTerminateCmd())
	return a
}

func applicantListCmd() *cobra.Command {
	var completed, terminated string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List applicants",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.ApplicantFilters{Limit: limit}
			var err error
			if f.Completed, err = optionalBool("completed", completed); err != nil {
				return err
			}
			if f.Terminated, err = optionalBool("terminated", terminated); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListApplicants(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Stage", "Flatbed", "Status", "Resume By"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Status.CurrentStage, a.NeedsFlatbed, applicantState(a), a.ResumeDeadline.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&completed, "completed", "", "filter by completion (true/false)")
	cmd.Flags().StringVar(&terminated, "terminated", "", "filter by termination (true/false)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max applicants")
	return cmd
}

func applicantShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "show <id>",
		Aliases: []string{"progress"},
		Short:   "Show an applicant's progress",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Progress(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("%s (%s) %s\n", p.Applicant.Name, p.Applicant.ID, applicantState(p.Applicant))
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Owner", "Reached", "Done", "Current"})
				for _, st := range p.Stages {
					tw.AppendRow(table.Row{st.Stage, st.Owner, st.Reached, st.Completed, st.Current})
				}
				tw.Render()
				for _, r := range p.Results {
					fmt.Printf("result %s passed=%t by %s at %s %s\n", r.Stage, r.Passed, r.RecordedBy, r.RecordedAt.Format(time.RFC3339), r.Notes)
				}
				return nil
			})
		},
	}
}

func applicantCreateCmd() *cobra.Command {
	var opts engine.StartOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start an application on behalf of an applicant",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.StartApplication(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"applicant":    st.Applicant,
					"resume_token": st.Token,
					"expires_at":   st.Session.ExpiresAt,
				})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "applicant name")
	cmd.Flags().StringVar(&opts.Email, "email", "", "contact email")
	cmd.Flags().StringVar(&opts.CargoType, "cargo-type", "", "cargo type (flatbed adds flatbed training)")
	cmd.Flags().BoolVar(&opts.NeedsFlatbed, "flatbed", false, "needs flatbed training")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func applicantSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <id> <stage>",
		Short: "Complete an applicant-owned stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := flow.ParseStage(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SubmitStage(ctx, args[0], stage, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func applicantResultCmd() *cobra.Command {
	var passed bool
	var notes string
	cmd := &cobra.Command{
		Use:   "result <id> <stage>",
		Short: "Record the outcome of an admin-owned stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := flow.ParseStage(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, a, err := e.RecordResult(ctx, engine.ResultOptions{
					ApplicantID: args[0],
					Stage:       stage,
					Passed:      passed,
					Notes:       notes,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"result": res, "applicant": a})
			})
		},
	}
	cmd.Flags().BoolVar(&passed, "passed", false, "the applicant passed the stage")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	return cmd
}

func applicantEligibilityCmd() *cobra.Command {
	var flatbed bool
	cmd := &cobra.Command{
		Use:   "eligibility <id>",
		Short: "Set whether the applicant needs flatbed training",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SetEligibility(ctx, args[0], flatbed, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().BoolVar(&flatbed, "flatbed", false, "needs flatbed training")
	return cmd
}

func applicantTerminateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "terminate <id>",
		Short: "Terminate an application and revoke its sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Terminate(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the event")
	return cmd
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Applicant sessions"}
	s.AddCommand(&cobra.Command{
		Use:   "open <applicant-id>",
		Short: "Open or reuse a session for an applicant; prints the resume token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sess, tok, err := e.OpenSession(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"applicant_id": args[0], "session_id": sess.ID, "expires_at": sess.ExpiresAt, "resume_token": tok})
			})
		},
	})
	s.AddCommand(&cobra.Command{
		Use:   "revoke <applicant-id>",
		Short: "Revoke every session of an applicant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.RevokeSessions(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"applicant_id": args[0], "revoked": n})
			})
		},
	})
	return s
}

func adminKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "admin-key", Short: "API keys for admin routes"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an admin key for --actor-id; the raw key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, raw, err := e.CreateAdminKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": raw})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	k.AddCommand(create)

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List admin keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor-id")
			if all {
				actor = ""
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAdminKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.ActorID, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "list keys of every actor")
	k.AddCommand(list)

	k.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an admin key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAdminKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	})
	return k
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that happened: applications started, stages completed, results recorded, sessions resumed or rejected.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, applicantID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, 0, applicantID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Applicant", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.ApplicantID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&applicantID, "applicant", "", "applicant id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devAuth, legacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			secret, err := app.JWTSecret(workspace)
			if err != nil {
				return err
			}
			if secret == "" {
				return fmt.Errorf("%s is required for bearer auth; set it or run rr init --write-secret", app.JWTSecretKey)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			e, conn, err := app.Open(ctx, workspace, viper.GetString("config"))
			if err != nil {
				return err
			}
			defer conn.Close()
			logger := slog.Default()
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, AllowLegacyActorHeader: legacyActor, Logger: logger},
				DevAuth:  devAuth,
			})
			if err != nil {
				return err
			}
			if devAuth {
				logger.Warn("dev login enabled; anyone can mint admin tokens", "path", basePath+"/auth/dev/login")
			}
			server.StartWebhooks(ctx, e, logger)
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving RoadReady API", "addr", addr, "base_path", basePath, "openapi", basePath+"/openapi.json", "docs", "/docs")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devAuth, "dev-auth", false, "expose POST /auth/dev/login (never in production)")
	cmd.Flags().BoolVar(&legacyActor, "allow-legacy-actor-header", false, "accept X-Actor-Id without credentials on admin routes")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, conn, err := app.Open(ctx, viper.GetString("workspace"), viper.GetString("config"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, e.Repo)
	})
}

func applicantState(a domain.Applicant) string {
	switch {
	case a.Terminated:
		return "terminated"
	case a.Status.Completed:
		return "completed"
	default:
		return "in progress"
	}
}

func optionalBool(name, raw string) (*bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return nil, nil
	case "true", "yes", "1":
		v := true
		return &v, nil
	case "false", "no", "0":
		v := false
		return &v, nil
	default:
		return nil, fmt.Errorf("--%s must be true or false", name)
	}
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
