package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/metrics"
	"caseline/internal/migrate"
	"caseline/internal/repo"
	"caseline/internal/server"
	"caseline/internal/templates"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Caseline CLI",
	Long: `Caseline tracks the lifecycle of legal cases as ordered phases.
- Workspace: your .caseline directory holding the database.
- Templates: each case type has an ordered phase template (intake, treatment, demand, ...).
- Timeline: one per case; phases move PENDING -> ACTIVE -> COMPLETED or SKIPPED, one active at a time.
- Activity log: append-only audit trail of every transition and note.`,
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
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "user identifier recorded on activities")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(timelineCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(templatesCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func timelineCmd() *cobra.Command {
	tl := &cobra.Command{
		Use:   "timeline",
		Short: "Manage case timelines",
		Long:  "A timeline is the ordered phase sequence of one case. Initialize it from a case type template, then complete, skip, or reposition phases as the case moves.",
	}
	tl.AddCommand(timelineInitCmd())
	tl.AddCommand(timelineShowCmd())
	tl.AddCommand(timelineSetPhaseCmd())
	tl.AddCommand(timelineCompleteCmd())
	tl.AddCommand(timelineSkipCmd())
	return tl
}

func timelineInitCmd() *cobra.Command {
	var caseType string
	cmd := &cobra.Command{
		Use:   "init <case-id>",
		Short: "Initialize a case timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.Initialize(ctx, args[0], caseType, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printTimeline(t)
			})
		},
	}
	cmd.Flags().StringVar(&caseType, "case-type", "", "case type (see 'cl templates list')")
	_ = cmd.MarkFlagRequired("case-type")
	return cmd
}

func timelineShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.GetTimeline(ctx, args[0])
				if err != nil {
					return err
				}
				return printTimeline(t)
			})
		},
	}
	return cmd
}

func timelineSetPhaseCmd() *cobra.Command {
	var target int
	var note string
	cmd := &cobra.Command{
		Use:   "set-phase <case-id>",
		Short: "Move the current phase pointer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.UpdateCurrentPhase(ctx, args[0], target, note, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printTimeline(t)
			})
		},
	}
	cmd.Flags().IntVar(&target, "to", 0, "target phase order")
	cmd.Flags().StringVar(&note, "note", "", "note recorded on the activity entry")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func timelineCompleteCmd() *cobra.Command {
	var phase int
	var note string
	cmd := &cobra.Command{
		Use:   "complete <case-id>",
		Short: "Complete the active phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				order := phase
				if !cmd.Flags().Changed("phase") {
					t, err := e.GetTimeline(ctx, args[0])
					if err != nil {
						return err
					}
					order = t.CurrentPhaseOrder
				}
				t, err := e.CompletePhase(ctx, args[0], order, note, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printTimeline(t)
			})
		},
	}
	cmd.Flags().IntVar(&phase, "phase", 0, "phase order (defaults to the current phase)")
	cmd.Flags().StringVar(&note, "note", "", "note recorded on the activity entry")
	return cmd
}

func timelineSkipCmd() *cobra.Command {
	var phase int
	var reason string
	cmd := &cobra.Command{
		Use:   "skip <case-id>",
		Short: "Skip the active phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				order := phase
				if !cmd.Flags().Changed("phase") {
					t, err := e.GetTimeline(ctx, args[0])
					if err != nil {
						return err
					}
					order = t.CurrentPhaseOrder
				}
				t, err := e.SkipPhase(ctx, args[0], order, reason, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printTimeline(t)
			})
		},
	}
	cmd.Flags().IntVar(&phase, "phase", 0, "phase order (defaults to the current phase)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the activity entry")
	return cmd
}

func activityCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "activity",
		Short: "Case activity log",
		Long:  "The append-only diary of a case: phase transitions, notes, and anything else worth remembering. Entries are never modified or deleted.",
	}
	a.AddCommand(activityAddCmd())
	a.AddCommand(activityListCmd())
	return a
}

func activityAddCmd() *cobra.Command {
	var activityType, description, refID, refType string
	cmd := &cobra.Command{
		Use:   "add <case-id>",
		Short: "Record an activity entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				userID := viper.GetString("user-id")
				entry, err := e.RecordActivity(ctx, engine.RecordActivityOptions{
					CaseID:        args[0],
					ActivityType:  activityType,
					ReferenceID:   optionalString(refID),
					ReferenceType: optionalString(refType),
					Description:   description,
					UserID:        optionalString(userID),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&activityType, "type", "", "activity type (legacy codes N, U, D are accepted)")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&refID, "reference-id", "", "related entity id")
	cmd.Flags().StringVar(&refType, "reference-type", "", "related entity type")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func activityListCmd() *cobra.Command {
	var f repo.ActivityFilters
	cmd := &cobra.Command{
		Use:   "list <case-id>",
		Short: "List case activities (newest first)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.CaseID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.ListActivities(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Created", "Type", "Ref", "User", "Description"})
				for _, a := range items {
					ref := ""
					if a.ReferenceID != nil {
						ref = *a.ReferenceID
					}
					user := ""
					if a.UserID != nil {
						user = *a.UserID
					}
					tw.AppendRow(table.Row{a.CreatedAt, a.ActivityType, ref, user, a.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ActivityType, "type", "", "activity type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum entries")
	return cmd
}

func templatesCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "templates",
		Short: "Phase templates per case type",
		Long:  "Templates define the ordered phases each case type goes through. Import replaces the whole catalog atomically; running timelines keep their original phase set.",
	}
	t.AddCommand(templatesListCmd())
	t.AddCommand(templatesShowCmd())
	t.AddCommand(templatesImportCmd())
	t.AddCommand(templatesExportCmd())
	return t
}

func templatesListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List case types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSONOrTable(e.Registry.CaseTypes())
			})
		},
	}
	return cmd
}

func templatesShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <case-type>",
		Short: "Show the phase template of a case type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				phases, err := e.Registry.Get(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(phases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Order", "Name", "Expected days"})
				for _, p := range phases {
					days := ""
					if p.ExpectedDurationDays != nil {
						days = fmt.Sprint(*p.ExpectedDurationDays)
					}
					tw.AppendRow(table.Row{p.Order, p.Name, days})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func templatesImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a template catalog from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.ImportCatalog(ctx, data); err != nil {
					return err
				}
				return printJSONOrTable(e.Registry.CaseTypes())
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML catalog")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func templatesExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the active catalog as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				data, err := e.Registry.Catalog().ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	}
	return cmd
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{Use: "case", Short: "Case administration"}
	c.AddCommand(caseStatusCmd())
	c.AddCommand(caseDeleteCmd())
	return c
}

func caseStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <case-id>",
		Short: "Show case progress and activity counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.GetTimeline(ctx, args[0])
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountActivitiesByType(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{
					"case_id":             t.CaseID,
					"case_type":           t.CaseType,
					"current_phase_order": t.CurrentPhaseOrder,
					"terminal":            t.Terminal(),
					"activity_counts":     counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Case: %s (%s)\n", t.CaseID, t.CaseType)
				if cur := t.Phase(t.CurrentPhaseOrder); cur != nil {
					fmt.Printf("Current phase: %d %s [%s]\n", cur.Order, cur.Name, cur.State)
				}
				if t.Terminal() {
					fmt.Println("Timeline is terminal.")
				}
				fmt.Println("Activities:")
				for typ, c := range counts {
					fmt.Printf("  %s: %d\n", typ, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func caseDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <case-id>",
		Short: "Delete a case timeline and its activity log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.DeleteCase(ctx, args[0])
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	a := &cobra.Command{Use: "apikey", Short: "API key management"}
	a.AddCommand(apikeyCreateCmd())
	a.AddCommand(apikeyListCmd())
	return a
}

func apikeyCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key := uuid.New().String()
				k := domain.APIKey{
					ID:        uuid.New().String(),
					UserID:    userID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": k.ID, "user_id": k.UserID, "key": key})
				}
				fmt.Printf("API key for %s: %s\n", userID, key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
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
			registry, err := templates.NewRegistry(templates.Default())
			if err != nil {
				return err
			}
			e := engine.New(conn, registry)
			e.Metrics = metrics.NewCollector()
			if err := e.LoadCatalog(cmd.Context()); err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:             os.Getenv("CASELINE_JWT_SECRET"),
				AllowLegacyUserHeader: viper.GetBool("allow-legacy-user-header"),
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CASELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Metrics: e.Metrics})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Caseline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().Bool("allow-legacy-user-header", false, "accept the deprecated X-User-Id header")
	_ = viper.BindPFlag("allow-legacy-user-header", cmd.Flags().Lookup("allow-legacy-user-header"))
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	registry, err := templates.NewRegistry(templates.Default())
	if err != nil {
		return err
	}
	e := engine.New(conn, registry)
	if err := e.LoadCatalog(ctx); err != nil {
		return err
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printTimeline(t domain.Timeline) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	fmt.Printf("Case: %s (%s)\n", t.CaseID, t.CaseType)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Order", "Name", "State"})
	for _, p := range t.Phases {
		marker := ""
		if p.Order == t.CurrentPhaseOrder {
			marker = " *"
		}
		tw.AppendRow(table.Row{p.Order, p.Name, string(p.State) + marker})
	}
	tw.Render()
	if t.Terminal() {
		fmt.Println("Timeline is terminal: all phases are closed.")
	}
	return nil
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

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
