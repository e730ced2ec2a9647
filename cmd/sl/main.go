package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
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

	"github.com/BenPearsey/vaportal-sub001/internal/app"
	"github.com/BenPearsey/vaportal-sub001/internal/catalog"
	"github.com/BenPearsey/vaportal-sub001/internal/docstore"
	"github.com/BenPearsey/vaportal-sub001/internal/domain"
	"github.com/BenPearsey/vaportal-sub001/internal/engine"
	"github.com/BenPearsey/vaportal-sub001/internal/engine/auth"
	"github.com/BenPearsey/vaportal-sub001/internal/repo"
	"github.com/BenPearsey/vaportal-sub001/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Salesline CLI",
	Long: `Salesline drives the compliance checklist of each sale.
- Template: a versioned product checklist of weighted stages and tasks, imported from YAML.
- Checklist: one per sale, instantiated from the active template of the sale's product.
- Items: one per task; repeatable tasks (mvtr, quitclaim) are added as bundles on demand.
- Roles: admins act on every sale, agents and clients only on their own; each sees only the tasks visible to them.
- Progress: stage-weighted share of done items, cached on the checklist after every change.
- Event log: audit trail of every checklist change, view with 'sl log tail'.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SALESLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-admin", "acting user id")
	rootCmd.PersistentFlags().String("kind", "admin", "acting user kind (admin, agent, client)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
	_ = viper.BindPFlag("kind", rootCmd.PersistentFlags().Lookup("kind"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(saleCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(checklistCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create salesline.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			wrote, err := app.Init(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			if wrote {
				fmt.Printf("wrote %s\n", filepath.Join(workspace, "salesline.yml"))
			}
			fmt.Println("workspace ready")
			return nil
		},
	}
}

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "template", Short: "Manage checklist templates"}
	cmd.AddCommand(templateImportCmd())
	cmd.AddCommand(templateListCmd())
	cmd.AddCommand(templateShowCmd())
	return cmd
}

func templateImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import templates from a catalog YAML file",
		Long:  "Versions already present are skipped; templates are immutable once imported.",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := catalog.ParseFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := catalog.Catalog{DB: e.DB, UoW: e.UoW}.Import(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				for _, t := range res.Created {
					fmt.Printf("imported %s v%d (%s)\n", t.Product, t.Version, t.ID)
				}
				for _, s := range res.Skipped {
					fmt.Printf("skipped %s (already imported)\n", s)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "catalog YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func templateListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := catalog.Catalog{DB: e.DB}.List(ctx, domain.TemplateStatus(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Product", "Version", "Title", "Status"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Product, t.Version, t.Title, t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (draft, active, archived)")
	return cmd
}

func templateShowCmd() *cobra.Command {
	var product string
	cmd := &cobra.Command{
		Use:   "show [template-id]",
		Short: "Show a template's stages and tasks",
		Long:  "Show a template by id, or the active template a sale product resolves to with --product.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (product != "") {
				return fmt.Errorf("pass either a template id or --product")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c := catalog.Catalog{DB: e.DB}
				var (
					tpl domain.Template
					err error
				)
				if product != "" {
					tpl, err = c.Active(ctx, product)
				} else {
					tpl, err = c.Get(ctx, args[0])
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tpl)
				}
				fmt.Printf("%s  %s v%d (%s)\n", tpl.ID, tpl.Product, tpl.Version, tpl.Status)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Weight", "Task", "Visibility", "Action", "Review", "Repeat"})
				for _, st := range tpl.Stages {
					for _, task := range st.Tasks {
						tw.AppendRow(table.Row{st.Key, st.Weight, task.Key, task.Visibility, task.ActionType, task.RequiresReview, task.RepeatGroup})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&product, "product", "", "resolve the active template for a sale product")
	return cmd
}

func saleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sale", Short: "Mirror CRM sales"}
	cmd.AddCommand(saleUpsertCmd())
	return cmd
}

func saleUpsertCmd() *cobra.Command {
	var s domain.Sale
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update a sale",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sale, err := e.SyncSale(ctx, caller(), s)
				if err != nil {
					return err
				}
				return printJSONOrTable(sale)
			})
		},
	}
	cmd.Flags().StringVar(&s.ID, "id", "", "sale id")
	cmd.Flags().StringVar(&s.Product, "product", "", "product name")
	cmd.Flags().StringVar(&s.Status, "status", "Open", "CRM status")
	cmd.Flags().StringVar(&s.AgentID, "agent", "", "owning agent user id")
	cmd.Flags().StringVar(&s.ClientID, "client", "", "client user id")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("product")
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Mirror users"}
	cmd.AddCommand(userAddCmd())
	return cmd
}

func userAddCmd() *cobra.Command {
	var id, kind, name, email string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or update a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.SyncUser(ctx, caller(), domain.User{ID: id, Kind: domain.Role(kind), Name: name, Email: email})
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id")
	cmd.Flags().StringVar(&kind, "user-kind", "", "admin, agent or client")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("user-kind")
	return cmd
}

func checklistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checklist",
		Aliases: []string{"cl"},
		Short:   "Work a sale's checklist",
	}
	cmd.AddCommand(checklistEnsureCmd())
	cmd.AddCommand(checklistShowCmd())
	cmd.AddCommand(checklistStateCmd())
	cmd.AddCommand(checklistUploadCmd())
	cmd.AddCommand(checklistReviewCmd())
	cmd.AddCommand(checklistRepeatCmd())
	cmd.AddCommand(checklistRecalcCmd())
	cmd.AddCommand(checklistArchiveCmd())
	return cmd
}

func checklistEnsureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure <sale-id>",
		Short: "Create the sale's checklist if missing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Ensure(ctx, caller(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Created {
					fmt.Printf("created checklist %s with %d items\n", res.Checklist.ID, res.Items)
				} else {
					fmt.Printf("checklist %s already exists (%d%%)\n", res.Checklist.ID, res.Checklist.ProgressCached)
				}
				return nil
			})
		},
	}
}

func checklistShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <sale-id>",
		Short: "Show the checklist as the acting user sees it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sum, err := e.Summary(ctx, caller(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				if !sum.Exists {
					fmt.Printf("sale %s has no checklist\n", sum.SaleID)
					return nil
				}
				fmt.Printf("%s v%d  progress %d%%  status %s\n", sum.Template.Title, sum.Template.Version, sum.Progress, sum.Checklist.Status)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Item", "Task", "State", "Due", "Links"})
				for _, st := range sum.Stages {
					stage := fmt.Sprintf("%s (%d/%d, w%d)", st.Label, st.Done, st.Total, st.Weight)
					for _, it := range st.Items {
						tw.AppendRow(itemRow(stage, it, ""))
						for _, c := range it.Children {
							tw.AppendRow(itemRow(stage, c, "  └ "))
						}
					}
				}
				tw.Render()
				return nil
			})
		},
	}
}

func itemRow(stage string, it engine.ItemView, prefix string) table.Row {
	state := string(it.UIState)
	if it.ClientActionRequired {
		state += " !"
	}
	due := ""
	if it.DueAt != nil {
		due = (*it.DueAt)[:10]
	}
	return table.Row{stage, it.ID, prefix + it.Label, state, due, len(it.Links)}
}

func checklistStateCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "state <sale-id> <item-id> <state>",
		Short: "Set an item's state (admin)",
		Long:  "State accepts UI names (todo, pending_review, approved, rejected, complete, na) or stored names (not_started, in_progress, blocked, ...).",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.UpdateState(ctx, caller(), engine.UpdateStateInput{
					SaleID: args[0],
					ItemID: args[1],
					State:  args[2],
					Note:   optionalString(note),
				})
				if err != nil {
					return err
				}
				return printMutation(res)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note stored on the item")
	return cmd
}

func checklistUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <sale-id> <item-id> <file>...",
		Short: "Attach evidence files to an item (agent or client)",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var files []docstore.File
			for _, p := range args[2:] {
				data, err := os.ReadFile(p)
				if err != nil {
					return err
				}
				files = append(files, docstore.File{
					Name:        filepath.Base(p),
					ContentType: mime.TypeByExtension(filepath.Ext(p)),
					Data:        data,
				})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Upload(ctx, caller(), engine.UploadInput{SaleID: args[0], ItemID: args[1], Files: files})
				if err != nil {
					return err
				}
				return printMutation(res)
			})
		},
	}
}

func checklistReviewCmd() *cobra.Command {
	var decision, note string
	var version int
	cmd := &cobra.Command{
		Use:   "review <sale-id> <item-id> <link-id>",
		Short: "Approve or reject an uploaded document (admin)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Review(ctx, caller(), engine.ReviewInput{
					SaleID:          args[0],
					ItemID:          args[1],
					LinkID:          args[2],
					Decision:        decision,
					Note:            optionalString(note),
					ExpectedVersion: version,
				})
				if err != nil {
					return err
				}
				return printMutation(res)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approved or rejected")
	cmd.Flags().StringVar(&note, "note", "", "review note")
	cmd.Flags().IntVar(&version, "expected-version", 0, "fail if the link changed since this version")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func checklistRepeatCmd() *cobra.Command {
	var group, label string
	cmd := &cobra.Command{
		Use:   "repeat <sale-id> <stage-id>",
		Short: "Add a repeat group bundle to a stage (admin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AddRepeatable(ctx, caller(), engine.AddRepeatableInput{
					SaleID:  args[0],
					StageID: args[1],
					Group:   group,
					Label:   label,
				})
				if err != nil {
					return err
				}
				return printMutation(res)
			})
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "repeat group (mvtr, quitclaim)")
	cmd.Flags().StringVar(&label, "label", "", "bundle label; defaults to GROUP #n")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

func checklistRecalcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recalc <sale-id>",
		Short: "Recompute cached progress (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Recalc(ctx, caller(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("progress %d%% -> %d%% (%s)\n", res.Before, res.After, res.Checklist.Status)
				return nil
			})
		},
	}
}

func checklistArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <sale-id>",
		Short: "Archive the checklist (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cl, err := e.Archive(ctx, caller(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(cl)
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Audit trail of checklist changes: creation, state changes, uploads, reviews, repeat bundles.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var events []domain.Event
				var err error
				if f.SaleID != "" {
					events, err = e.Events(ctx, caller(), f.SaleID, n, 0, f)
				} else {
					if caller().Kind != domain.RoleAdmin {
						return auth.ForbiddenError{Reason: "only admins may read the global log"}
					}
					events, err = e.Repo.LatestEventsFrom(ctx, n, 0, f)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Sale", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.SaleID, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.SaleID, "sale", "", "sale id")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the acting user",
		Long:  "Signs an HS256 token with SALESLINE_JWT_SECRET carrying --user-id as sub and --kind as kind.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := caller()
			if c.Kind == "" {
				return fmt.Errorf("--kind must be admin, agent or client")
			}
			token, err := server.SignToken(viper.GetString("jwt_secret"), c.UserID, c.Kind, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 for none")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devHeaders bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := app.OpenWorkspace(cmd.Context(), viper.GetString("workspace"), app.Options{})
			if err != nil {
				return err
			}
			defer ws.Close()
			authCfg := server.AuthConfig{
				JWTSecret:          viper.GetString("jwt_secret"),
				AllowLegacyHeaders: devHeaders,
				Logger:             ws.Logger,
			}
			if authCfg.JWTSecret == "" && !devHeaders {
				return fmt.Errorf("SALESLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Auth: authCfg})
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
			ws.Logger.Info("serving salesline api", "addr", addr, "base_path", basePath, "docs", "/docs")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devHeaders, "dev-headers", false, "accept X-User-Id/X-User-Kind without a token (development only)")
	return cmd
}

// --- helpers ---

func caller() auth.Caller {
	kind, _ := domain.ParseRole(strings.ToLower(viper.GetString("kind")))
	return auth.Caller{UserID: viper.GetString("user-id"), Kind: kind}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := app.OpenWorkspace(ctx, viper.GetString("workspace"), app.Options{})
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

func printMutation(res engine.MutationResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	if res.Item != nil {
		fmt.Printf("item %s -> %s (v%d)\n", res.Item.ID, res.Item.State, res.Item.Version)
	}
	for _, l := range res.Links {
		fmt.Printf("  link %s document %s %s (v%d)\n", l.ID, l.DocumentID, l.ReviewState, l.Version)
	}
	fmt.Printf("progress %d%% (%s)\n", res.Checklist.ProgressCached, res.Checklist.Status)
	for _, s := range res.Signals {
		fmt.Printf("  signal %s\n", s.Type)
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
