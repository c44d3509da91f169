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

	"flowdesk/internal/cache"
	"flowdesk/internal/config"
	"flowdesk/internal/db"
	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
	"flowdesk/internal/migrate"
	"flowdesk/internal/repo"
	"flowdesk/internal/scanner"
	"flowdesk/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fd",
	Short: "Flowdesk CLI",
	Long: `Flowdesk moves repair-shop work through pipeline boards.
- Pipelines: named boards (sales, reception) made of ordered stages.
- Items: leads, service files and trays; each sits in at most one stage per pipeline.
- Moves: every stage change is validated, audited and may stamp the item.
- Scan: time rules (callback due, courier aging, unclaimed packages) run on a
  schedule or on board access and move items automatically.
- Invoicing: a service file locks when invoiced; cancellation needs a reason
  and an elevated actor.`,
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
	viper.SetEnvPrefix("FLOWDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(moveCmd())
	rootCmd.AddCommand(leadCmd())
	rootCmd.AddCommand(fileCmd())
	rootCmd.AddCommand(trayCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(invoiceCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				fmt.Println("database ready")
				return nil
			})
		},
	}
}

func pipelineCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "pipeline", Short: "Manage pipelines"}
	cmd.AddCommand(pipelineListCmd())
	cmd.AddCommand(pipelineCreateCmd())
	cmd.AddCommand(pipelineShowCmd())
	return cmd
}

func pipelineListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPipelines(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Active", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Active, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func pipelineCreateCmd() *cobra.Command {
	var stages []string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a pipeline with ordered stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p := domain.Pipeline{
					ID:        uuid.NewString(),
					Name:      args[0],
					Active:    true,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertPipeline(ctx, p); err != nil {
					return err
				}
				for i, name := range stages {
					s := domain.Stage{
						ID:         uuid.NewString(),
						PipelineID: p.ID,
						Name:       name,
						Position:   i,
						Active:     true,
					}
					if err := r.InsertStage(ctx, s); err != nil {
						return err
					}
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringSliceVar(&stages, "stage", nil, "stage name, repeatable, in board order")
	return cmd
}

func pipelineShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <pipeline-id>",
		Short: "Show a pipeline and its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetPipeline(ctx, args[0])
				if err != nil {
					return err
				}
				stages, err := r.ListStages(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"pipeline": p, "stages": stages})
				}
				fmt.Printf("%s (%s)\n", p.Name, p.ID)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Pos", "Stage", "ID", "Active"})
				for _, s := range stages {
					tw.AppendRow(table.Row{s.Position, s.Name, s.ID, s.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func boardCmd() *cobra.Command {
	var filter, variant string
	var check bool
	cmd := &cobra.Command{
		Use:   "board <pipeline-id>",
		Short: "Print a pipeline board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if check {
					sc := scanner.New(e)
					if _, err := sc.OnAccess(ctx, args[0]); err != nil {
						fmt.Fprintln(os.Stderr, "on-access scan:", err)
					}
				}
				entry, err := e.Board(ctx, cache.Key{PipelineID: args[0], Filter: filter, Variant: variant})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entry)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Kind", "Item", "Title", "Entered"})
				for _, row := range entry.Rows {
					tw.AppendRow(table.Row{row.StageName, row.Item.Kind, row.Item.ID, row.Title, row.EnteredAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "title substring filter")
	cmd.Flags().StringVar(&variant, "variant", "", "board variant")
	cmd.Flags().BoolVar(&check, "check", false, "run the on-access rule pass first")
	return cmd
}

func moveCmd() *cobra.Command {
	var kind, itemID, pipelineID, stageID, at string
	cmd := &cobra.Command{
		Use:   "move",
		Short: "Move an item to a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" || itemID == "" || pipelineID == "" || stageID == "" {
				return fmt.Errorf("--kind, --item, --pipeline and --stage required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.MoveOptions{
					Item:       domain.ItemRef{Kind: domain.ItemKind(kind), ID: itemID},
					PipelineID: pipelineID,
					StageID:    stageID,
					ActorID:    viper.GetString("actor-id"),
				}
				if at != "" {
					ts, err := time.Parse(time.RFC3339, at)
					if err != nil {
						return fmt.Errorf("--at must be RFC3339: %w", err)
					}
					opts.At = &ts
				}
				p, err := e.Move(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "item kind: lead, service_file or tray")
	cmd.Flags().StringVar(&itemID, "item", "", "item id")
	cmd.Flags().StringVar(&pipelineID, "pipeline", "", "pipeline id")
	cmd.Flags().StringVar(&stageID, "stage", "", "target stage id")
	cmd.Flags().StringVar(&at, "at", "", "transition timestamp (RFC3339), defaults to now")
	return cmd
}

func leadCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "lead", Short: "Manage leads"}
	cmd.AddCommand(leadCreateCmd())
	return cmd
}

func leadCreateCmd() *cobra.Command {
	var phone, callback string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				l := domain.Lead{
					ID:           uuid.NewString(),
					Name:         args[0],
					Phone:        phone,
					CallbackDate: optionalString(callback),
					CreatedAt:    time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertLead(ctx, l); err != nil {
					return err
				}
				return printJSON(l)
			})
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&callback, "callback", "", "callback date (RFC3339)")
	return cmd
}

func fileCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "file", Short: "Manage service files"}
	cmd.AddCommand(fileCreateCmd())
	return cmd
}

func fileCreateCmd() *cobra.Command {
	var leadID string
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a service file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f := domain.ServiceFile{
					ID:        uuid.NewString(),
					LeadID:    optionalString(leadID),
					Title:     args[0],
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertServiceFile(ctx, f); err != nil {
					return err
				}
				return printJSON(f)
			})
		},
	}
	cmd.Flags().StringVar(&leadID, "lead", "", "originating lead id")
	return cmd
}

func trayCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tray", Short: "Manage trays"}
	cmd.AddCommand(trayCreateCmd())
	cmd.AddCommand(trayAddItemCmd())
	return cmd
}

func trayCreateCmd() *cobra.Command {
	var fileID string
	cmd := &cobra.Command{
		Use:   "create <label>",
		Short: "Create a tray",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t := domain.Tray{
					ID:            uuid.NewString(),
					ServiceFileID: optionalString(fileID),
					Label:         args[0],
					CreatedAt:     time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertTray(ctx, t); err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&fileID, "file", "", "owning service file id")
	return cmd
}

func trayAddItemCmd() *cobra.Command {
	var qty int
	var unit, discount int64
	cmd := &cobra.Command{
		Use:   "add-item <tray-id> <description>",
		Short: "Add a work line to a tray",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				it := domain.TrayItem{
					ID:            uuid.NewString(),
					TrayID:        args[0],
					Description:   args[1],
					Quantity:      qty,
					UnitPriceBani: unit,
					DiscountBani:  discount,
				}
				if err := r.InsertTrayItem(ctx, it); err != nil {
					return err
				}
				return printJSON(it)
			})
		},
	}
	cmd.Flags().IntVar(&qty, "qty", 1, "quantity")
	cmd.Flags().Int64Var(&unit, "unit-price", 0, "unit price in bani")
	cmd.Flags().Int64Var(&discount, "discount", 0, "discount in bani")
	return cmd
}

func scanCmd() *cobra.Command {
	var rule, pipelineID string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run the time-trigger rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sc := scanner.New(e)
				var (
					sum scanner.Summary
					err error
				)
				switch {
				case pipelineID != "":
					sum, err = sc.OnAccess(ctx, pipelineID)
				case rule != "":
					sum, err = sc.SweepRule(ctx, rule)
				default:
					sum, err = sc.Sweep(ctx)
				}
				if err != nil {
					return err
				}
				return printJSON(sum)
			})
		},
	}
	cmd.Flags().StringVar(&rule, "rule", "", "run a single rule by name")
	cmd.Flags().StringVar(&pipelineID, "pipeline", "", "run the on-access pass for one pipeline")
	return cmd
}

func invoiceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "invoice", Short: "Invoice service files"}
	cmd.AddCommand(invoiceCreateCmd())
	cmd.AddCommand(invoiceCancelCmd())
	return cmd
}

func invoiceCreateCmd() *cobra.Command {
	var customer, cif, address, payment, notes string
	cmd := &cobra.Command{
		Use:   "create <service-file-id>",
		Short: "Invoice and lock a service file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Invoice(ctx, args[0], domain.BillingData{
					CustomerName: customer,
					CustomerCIF:  cif,
					Address:      address,
					PaymentKind:  payment,
					Notes:        notes,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&customer, "customer", "", "customer name")
	cmd.Flags().StringVar(&cif, "cif", "", "customer fiscal code")
	cmd.Flags().StringVar(&address, "address", "", "billing address")
	cmd.Flags().StringVar(&payment, "payment", "", "payment kind")
	cmd.Flags().StringVar(&notes, "notes", "", "invoice notes")
	return cmd
}

func invoiceCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <service-file-id>",
		Short: "Cancel an invoice and unlock the file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.CancelInvoice(ctx, args[0], reason, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <service-file-id>",
		Short: "Move an invoiced file and its items to the archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ArchiveAndRelease(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, itemKind, itemID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, repo.EventFilters{
					ItemKind: itemKind,
					ItemID:   itemID,
					Type:     evtType,
					Limit:    n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Item", "Actor", "Message"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.TS, evt.Type, evt.ItemKind + ":" + evt.ItemID, evt.ActorID, evt.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&itemKind, "item-kind", "", "item kind filter")
	cmd.Flags().StringVar(&itemID, "item-id", "", "item id filter")
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
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if secret := os.Getenv("FLOWDESK_JWT_SECRET"); secret != "" {
				cfg.Auth.JWTSecret = secret
			}
			if cfg.Auth.JWTSecret == "" && !cfg.Auth.AllowActorHeader {
				return fmt.Errorf("FLOWDESK_JWT_SECRET is required unless allow_actor_header is set")
			}
			e := engine.New(conn, cfg)
			sc := scanner.New(e)
			handler, err := server.New(server.Config{
				Engine:   e,
				Scanner:  sc,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:        cfg.Auth.JWTSecret,
					AllowActorHeader: cfg.Auth.AllowActorHeader,
					ScanSecret:       cfg.Scanner.Secret,
				},
				SweepInterval: cfg.Scanner.SweepInterval,
				BaseContext:   cmd.Context(),
			})
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
			fmt.Printf("Serving Flowdesk API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

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
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
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
