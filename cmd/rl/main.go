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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reliefline/internal/config"
	"reliefline/internal/db"
	"reliefline/internal/domain"
	"reliefline/internal/engine"
	"reliefline/internal/migrate"
	"reliefline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Reliefline CLI",
	Long: `Reliefline matches emergency help requests with nearby volunteers.
- Workspace: a .reliefline directory holding the SQLite database; scoring
  weights can be tuned in reliefline.yml next to it.
- Actors: victims post help requests, volunteers claim and work them.
- Requests: pending -> in_progress (claim) -> fulfilled; victims can cancel
  pending requests, and an in_progress request can be released back to pending.
- Suggestions: ranked pending requests for a volunteer, scored by distance,
  urgency, skill match, and recency.
- Event log: diary of registrations, claims, and status changes ('rl log tail').`,
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
	viper.SetEnvPrefix("RELIEFLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(suggestCmd())
	rootCmd.AddCommand(mapCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorCmd() *cobra.Command {
	actor := &cobra.Command{
		Use:   "actor",
		Short: "Manage actors",
		Long:  "Actors are victims (they post help requests) or volunteers (they claim and work them). Volunteers carry skills and a location used for matching.",
	}
	actor.AddCommand(actorCreateCmd())
	actor.AddCommand(actorShowCmd())
	actor.AddCommand(actorUpdateCmd())
	return actor
}

func actorCreateCmd() *cobra.Command {
	var name, role, phone string
	var lat, lon float64
	var skills []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.RegisterActorOptions{
				Name:   name,
				Role:   role,
				Phone:  phone,
				Skills: skills,
			}
			if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
				opts.Location = &domain.Location{Latitude: lat, Longitude: lon}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RegisterActor(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "", "victim or volunteer")
	cmd.Flags().StringVar(&phone, "phone", "", "contact phone")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude")
	cmd.Flags().StringArrayVar(&skills, "skill", []string{}, "volunteer skill tag (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func actorShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show an actor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := viper.GetString("actor-id")
			if len(args) == 1 {
				id = args[0]
			}
			if id == "" {
				return fmt.Errorf("actor id required (argument or --actor-id)")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetActor(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func actorUpdateCmd() *cobra.Command {
	var name, phone string
	var lat, lon float64
	var skills []string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update the current actor profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ProfileUpdateOptions{ActorID: requiredActor()}
			if opts.ActorID == "" {
				return fmt.Errorf("--actor-id required")
			}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("phone") {
				opts.Phone = &phone
			}
			if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
				opts.Location = &domain.Location{Latitude: lat, Longitude: lon}
			}
			if cmd.Flags().Changed("skill") {
				opts.Skills = &skills
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.UpdateProfile(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&phone, "phone", "", "contact phone")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude")
	cmd.Flags().StringArrayVar(&skills, "skill", []string{}, "volunteer skill tag (repeatable, replaces existing)")
	return cmd
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{
		Use:   "request",
		Short: "Manage help requests",
		Long:  "Help requests flow pending -> in_progress -> fulfilled. Victims cancel pending requests; the assigned volunteer or the victim can release an in_progress request back to pending.",
	}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestStatusCmd("cancel", "Cancel a pending request", domain.StatusCancelled))
	req.AddCommand(requestStatusCmd("fulfill", "Mark an in_progress request fulfilled", domain.StatusFulfilled))
	req.AddCommand(requestStatusCmd("release", "Release an in_progress request back to pending", domain.StatusPending))
	return req
}

func requestCreateCmd() *cobra.Command {
	var reqType, description, urgency string
	var lat, lon float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a help request",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.CreateRequestOptions{
				VictimID:    requiredActor(),
				Type:        reqType,
				Description: description,
				Urgency:     urgency,
			}
			if opts.VictimID == "" {
				return fmt.Errorf("--actor-id required")
			}
			if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
				opts.Location = &domain.Location{Latitude: lat, Longitude: lon}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.CreateRequest(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&reqType, "type", "", "request type (food, water, shelter, transport, medical, other)")
	cmd.Flags().StringVar(&description, "description", "", "what is needed")
	cmd.Flags().StringVar(&urgency, "urgency", domain.UrgencyMedium, "low, medium or high")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude (defaults to profile location)")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude (defaults to profile location)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func requestListCmd() *cobra.Command {
	var f engine.ListFilters
	var maxKm float64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := requiredActor()
			if actorID == "" {
				return fmt.Errorf("--actor-id required")
			}
			if cmd.Flags().Changed("max-distance") {
				f.MaxDistanceKm = &maxKm
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reqs, err := e.ListRequests(ctx, actorID, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reqs)
				}
				renderRequestTable(reqs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.Urgency, "urgency", "", "urgency filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().Float64Var(&maxKm, "max-distance", 0, "max distance in km")
	return cmd
}

func requestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := requiredActor()
			if actorID == "" {
				return fmt.Errorf("--actor-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.GetRequest(ctx, args[0], actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func requestStatusCmd(use, short, status string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := requiredActor()
			if actorID == "" {
				return fmt.Errorf("--actor-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.SetStatus(ctx, args[0], actorID, status)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func claimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := requiredActor()
			if actorID == "" {
				return fmt.Errorf("--actor-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.Claim(ctx, args[0], actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func suggestCmd() *cobra.Command {
	var f engine.SuggestFilters
	var maxKm float64
	var limit int
	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "Ranked pending requests for the current volunteer",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := requiredActor()
			if actorID == "" {
				return fmt.Errorf("--actor-id required")
			}
			if cmd.Flags().Changed("max-distance") {
				f.MaxDistanceKm = &maxKm
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Suggest(ctx, actorID, f)
				if err != nil {
					return err
				}
				n := limit
				if n <= 0 {
					n = e.Config.Suggest.DefaultLimit
				}
				if n > 0 && len(items) > n {
					items = items[:n]
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Score", "Dist (km)", "Type", "Urgency", "Description", "ID", "Reasons"})
				for _, s := range items {
					tw.AppendRow(table.Row{
						s.Score, s.DistanceKm, s.Request.Type, s.Request.Urgency,
						s.Request.Description, s.Request.ID, strings.Join(s.Reasons, "; "),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.Urgency, "urgency", "", "urgency filter")
	cmd.Flags().Float64Var(&maxKm, "max-distance", 0, "max distance in km")
	cmd.Flags().IntVar(&limit, "limit", 0, "max suggestions (default from config)")
	return cmd
}

func mapCmd() *cobra.Command {
	var f engine.ListFilters
	var maxKm float64
	cmd := &cobra.Command{
		Use:   "map",
		Short: "Pending requests with distances for map rendering",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := requiredActor()
			if actorID == "" {
				return fmt.Errorf("--actor-id required")
			}
			if cmd.Flags().Changed("max-distance") {
				f.MaxDistanceKm = &maxKm
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reqs, err := e.MapData(ctx, actorID, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reqs)
				}
				renderRequestTable(reqs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.Urgency, "urgency", "", "urgency filter")
	cmd.Flags().Float64Var(&maxKm, "max-distance", 0, "max distance in km")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect scoring config",
		Long:  "Scoring weights live in reliefline.yml in the workspace. Missing file means built-in defaults.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
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

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: registrations, claims, and status changes.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.ListEvents(ctx, n, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("RELIEFLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("RELIEFLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Reliefline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (dev only)")
	return cmd
}

// --- helpers ---

func requiredActor() string {
	return strings.TrimSpace(viper.GetString("actor-id"))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
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
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func renderRequestTable(reqs []domain.Request) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Type", "Urgency", "Status", "Dist (km)", "Description"})
	for _, r := range reqs {
		dist := ""
		if r.DistanceKm != nil {
			dist = fmt.Sprintf("%.2f", *r.DistanceKm)
		}
		tw.AppendRow(table.Row{r.ID, r.Type, r.Urgency, r.Status, dist, r.Description})
	}
	tw.Render()
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
