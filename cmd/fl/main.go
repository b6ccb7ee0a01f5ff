package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldline/internal/app"
	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/files"
	"fieldline/internal/logistics"
	"fieldline/internal/migrate"
	"fieldline/internal/repo"
	"fieldline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Fieldline CLI",
	Long: `Fieldline tracks field production work orders from assignment to payment.
Core concepts:
- Workspace: your .fieldline directory with only the database; project configs are stored in the DB and imported explicitly.
- Project: one construction project owning zones, activities, tasks, and statements.
- Providers: subcontracted crews that execute tasks and get paid through statements.
- Tariffs: contracted unit costs per (provider, billable item); an activity's sale price is what the client pays.
- Tasks: planned work quantities that flow assigned -> in_execution -> approved on the board.
- Statements: approved tasks land on a provider's draft payment statement; drafts are issued, then paid.
- Stock: material consumption recorded against tasks in execution, reconciled against logistics deliveries.
- Event log: diary of changes, view with 'fl log tail'.`,
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
	viper.SetEnvPrefix("FIELDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(providerCmd())
	rootCmd.AddCommand(zoneCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(tariffCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(statementCmd())
	rootCmd.AddCommand(stockCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
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
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			p, err := e.InitProject(cmd.Context(), id, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			if err := e.Repo.UpsertProjectConfig(cmd.Context(), id, cfg); err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "FIELDLINE_DEFAULT_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set FIELDLINE_DEFAULT_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
		Long:  "Config is the rulebook (stored in DB): statement code prefix, board position gap, stock balance enforcement, catalog units, and export endpoints. Import from fieldline.yml if desired.",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	cfg.AddCommand(projectConfigInitCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func projectConfigInitCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default fieldline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				projectID = viper.GetString("project")
			}
			if projectID == "" {
				return fmt.Errorf("--id or --project required")
			}
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "id", "", "project id")
	return cmd
}

func statusCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long:  "See the scoreboard for your project: task counts per board column and overall project state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID = strings.TrimSpace(projectID)
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByState(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"project_id":  p.ID,
						"status":      p.Status,
						"task_counts": counts,
					})
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				fmt.Println("Tasks:")
				for _, state := range []string{domain.TaskAssigned, domain.TaskInExecution, domain.TaskApproved} {
					fmt.Printf("  %s: %d\n", state, counts[state])
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	return cmd
}

func providerCmd() *cobra.Command {
	prov := &cobra.Command{
		Use:   "provider",
		Short: "Manage providers",
		Long:  "Providers are the subcontracted crews. Tasks are billed to exactly one provider at the unit cost contracted in its tariff.",
	}
	prov.AddCommand(providerCreateCmd())
	prov.AddCommand(providerListCmd())
	prov.AddCommand(providerDeleteCmd())
	return prov
}

func providerCreateCmd() *cobra.Command {
	var name, taxID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProvider(ctx, name, taxID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "provider name")
	cmd.Flags().StringVar(&taxID, "tax-id", "", "tax identifier")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func providerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProviders(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func providerDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteProvider(ctx, args[0])
			})
		},
	}
	return cmd
}

func zoneCmd() *cobra.Command {
	zone := &cobra.Command{
		Use:   "zone",
		Short: "Manage zones and segments",
		Long:  "Zones split the site geographically; segments subdivide a zone. Every task is located in exactly one zone.",
	}
	zone.AddCommand(zoneCreateCmd())
	zone.AddCommand(zoneListCmd())
	zone.AddCommand(segmentCmd())
	return zone
}

func zoneCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create zone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				z, err := e.CreateZone(ctx, e.Config.Project.ID, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(z)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "zone name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func zoneListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List zones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListZones(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func segmentCmd() *cobra.Command {
	seg := &cobra.Command{Use: "segment", Short: "Manage zone segments"}
	seg.AddCommand(segmentCreateCmd())
	seg.AddCommand(segmentListCmd())
	return seg
}

func segmentCreateCmd() *cobra.Command {
	var zoneID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create segment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateSegment(ctx, zoneID, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&zoneID, "zone", "", "zone id")
	cmd.Flags().StringVar(&name, "name", "", "segment name")
	_ = cmd.MarkFlagRequired("zone")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func segmentListCmd() *cobra.Command {
	var zoneID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List segments of a zone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSegments(ctx, zoneID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&zoneID, "zone", "", "zone id")
	_ = cmd.MarkFlagRequired("zone")
	return cmd
}

func activityCmd() *cobra.Command {
	act := &cobra.Command{
		Use:   "activity",
		Short: "Manage activities",
		Long:  "Activities are the billable catalog: each carries a unit and a sale price. Sub-activities nest one level under an activity and price independently.",
	}
	act.AddCommand(activityCreateCmd())
	act.AddCommand(activityListCmd())
	act.AddCommand(activityDeleteCmd())
	act.AddCommand(subActivityCmd())
	return act
}

func activityCreateCmd() *cobra.Command {
	var name, unit, salePrice string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			price, err := parseDecimalFlag("sale-price", salePrice)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateActivity(ctx, e.Config.Project.ID, name, unit, price)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "activity name")
	cmd.Flags().StringVar(&unit, "unit", "", "measurement unit")
	cmd.Flags().StringVar(&salePrice, "sale-price", "", "sale price per unit")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("unit")
	_ = cmd.MarkFlagRequired("sale-price")
	return cmd
}

func activityListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List activities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListActivities(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Unit", "Sale price"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Unit, a.SalePrice.String()})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func activityDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteActivity(ctx, args[0])
			})
		},
	}
	return cmd
}

func subActivityCmd() *cobra.Command {
	sub := &cobra.Command{Use: "sub", Short: "Manage sub-activities"}
	sub.AddCommand(subActivityCreateCmd())
	sub.AddCommand(subActivityListCmd())
	sub.AddCommand(subActivityDeleteCmd())
	return sub
}

func subActivityCreateCmd() *cobra.Command {
	var activityID, name, unit, salePrice string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create sub-activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			price, err := parseDecimalFlag("sale-price", salePrice)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateSubActivity(ctx, activityID, name, unit, price)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&activityID, "activity", "", "parent activity id")
	cmd.Flags().StringVar(&name, "name", "", "sub-activity name")
	cmd.Flags().StringVar(&unit, "unit", "", "measurement unit")
	cmd.Flags().StringVar(&salePrice, "sale-price", "", "sale price per unit")
	_ = cmd.MarkFlagRequired("activity")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("unit")
	_ = cmd.MarkFlagRequired("sale-price")
	return cmd
}

func subActivityListCmd() *cobra.Command {
	var activityID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sub-activities of an activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSubActivities(ctx, activityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&activityID, "activity", "", "parent activity id")
	_ = cmd.MarkFlagRequired("activity")
	return cmd
}

func subActivityDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete sub-activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteSubActivity(ctx, args[0])
			})
		},
	}
	return cmd
}

func tariffCmd() *cobra.Command {
	tar := &cobra.Command{
		Use:   "tariff",
		Short: "Manage tariffs",
		Long:  "Tariffs contract a unit cost per (provider, billable item). A task cannot be created for an uncontracted pair.",
	}
	tar.AddCommand(tariffSetCmd())
	tar.AddCommand(tariffListCmd())
	tar.AddCommand(tariffResolveCmd())
	tar.AddCommand(tariffDeleteCmd())
	return tar
}

func tariffSetCmd() *cobra.Command {
	var providerID, itemID, itemKind, unitCost string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set contracted unit cost",
		RunE: func(cmd *cobra.Command, args []string) error {
			cost, err := parseDecimalFlag("unit-cost", unitCost)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SetTariff(ctx, e.Config.Project.ID, providerID, itemID, itemKind, cost, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&providerID, "provider", "", "provider id")
	cmd.Flags().StringVar(&itemID, "item", "", "activity or sub-activity id")
	cmd.Flags().StringVar(&itemKind, "kind", domain.ItemKindActivity, "item kind (activity, subactivity)")
	cmd.Flags().StringVar(&unitCost, "unit-cost", "", "contracted unit cost")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("item")
	_ = cmd.MarkFlagRequired("unit-cost")
	return cmd
}

func tariffListCmd() *cobra.Command {
	var providerID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tariffs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTariffs(ctx, e.Config.Project.ID, providerID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Provider", "Item", "Kind", "Unit cost"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.ProviderID, t.ItemID, t.ItemKind, t.UnitCost.String()})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&providerID, "provider", "", "provider filter")
	return cmd
}

func tariffResolveCmd() *cobra.Command {
	var providerID, itemID, itemKind string
	var watch bool
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve cost and price for a (provider, item) pair",
		Long:  "One-shot resolution by default. With --watch, reads \"provider item [kind]\" lines from stdin and resolves each selection after the debounce window; a newer line supersedes an unsettled one.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if watch {
					return watchTariffs(ctx, e)
				}
				if providerID == "" || itemID == "" {
					return fmt.Errorf("--provider and --item required")
				}
				price, err := e.ResolveTariff(ctx, e.Config.Project.ID, providerID, itemID, itemKind)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"unit_cost":  price.UnitCost.String(),
					"unit_price": price.UnitPrice.String(),
				})
			})
		},
	}
	cmd.Flags().StringVar(&providerID, "provider", "", "provider id")
	cmd.Flags().StringVar(&itemID, "item", "", "activity or sub-activity id")
	cmd.Flags().StringVar(&itemKind, "kind", domain.ItemKindActivity, "item kind (activity, subactivity)")
	cmd.Flags().BoolVar(&watch, "watch", false, "resolve selections read from stdin, last one wins")
	return cmd
}

func watchTariffs(ctx context.Context, e engine.Engine) error {
	sess := e.NewTariffSession()
	settle := 300 * time.Millisecond
	if e.Config.Tariffs.DebounceMS > 0 {
		settle = time.Duration(e.Config.Tariffs.DebounceMS) * time.Millisecond
	}
	fmt.Println("Reading \"provider item [kind]\" per line (Ctrl-D to quit)")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		kind := domain.ItemKindActivity
		if len(fields) > 2 {
			kind = fields[2]
		}
		sess.Lookup(ctx, e.Config.Project.ID, fields[0], fields[1], kind, func(res engine.TariffResult) {
			if res.Err != nil {
				fmt.Println("error:", res.Err)
				return
			}
			fmt.Printf("unit_cost=%s unit_price=%s\n", res.Price.UnitCost, res.Price.UnitPrice)
		})
	}
	// let the trailing lookup settle before the DB closes
	time.Sleep(settle + 100*time.Millisecond)
	return scanner.Err()
}

func tariffDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete tariff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteTariff(ctx, args[0])
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are planned work quantities assigned to a provider. They flow assigned -> in_execution -> approved; planning fields freeze once execution starts, and approval allocates the task onto the provider's draft statement.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskMoveCmd())
	task.AddCommand(taskConfirmCmd())
	task.AddCommand(taskAttachCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(boardCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var plannedQty string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := parseDecimalFlag("planned-qty", plannedQty)
			if err != nil {
				return err
			}
			opts.PlannedQty = qty
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.ProviderID, "provider", "", "provider id")
	cmd.Flags().StringVar(&opts.ActivityID, "activity", "", "activity id")
	cmd.Flags().StringVar(&opts.SubActivityID, "sub-activity", "", "sub-activity id")
	cmd.Flags().StringVar(&opts.ZoneID, "zone", "", "zone id")
	cmd.Flags().StringVar(&opts.SegmentID, "segment", "", "segment id")
	cmd.Flags().StringVar(&plannedQty, "planned-qty", "", "planned quantity")
	cmd.Flags().StringVar(&opts.AssignedAt, "assigned-at", "", "assignment timestamp (RFC3339, default now)")
	cmd.Flags().StringVar(&opts.EstCompletionAt, "est-completion-at", "", "estimated completion (RFC3339)")
	cmd.Flags().StringVar(&opts.Comment, "comment", "", "comment")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("zone")
	_ = cmd.MarkFlagRequired("planned-qty")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "State", "Provider", "Item", "Planned", "Actual", "Cost", "Statement"})
				for _, t := range tasks {
					item, _ := t.Item()
					actual := ""
					if t.ActualQty != nil {
						actual = t.ActualQty.String()
					}
					stm := ""
					if t.StatementID != nil {
						stm = *t.StatementID
					}
					tw.AppendRow(table.Row{t.ID, t.State, t.ProviderID, item, t.PlannedQty.String(), actual, t.ProjectedCost().String(), stm})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.ProviderID, "provider", "", "provider filter")
	cmd.Flags().StringVar(&f.ZoneID, "zone", "", "zone filter")
	cmd.Flags().StringVar(&f.StatementID, "statement", "", "statement filter")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var opts engine.TaskUpdateOptions
	var provider, activity, subActivity, zone, segment string
	var plannedQty, actualQty, estCompletionAt, completedAt, comment, evidenceURL string
	var startPoint, endPoint string
	var lat, lon float64
	var photoURL string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("provider") {
				opts.ProviderID = &provider
			}
			if cmd.Flags().Changed("activity") {
				opts.ActivityID = &activity
			}
			if cmd.Flags().Changed("sub-activity") {
				opts.SubActivityID = &subActivity
			}
			if cmd.Flags().Changed("zone") {
				opts.ZoneID = &zone
			}
			if cmd.Flags().Changed("segment") {
				opts.SegmentID = &segment
			}
			if cmd.Flags().Changed("planned-qty") {
				qty, err := parseDecimalFlag("planned-qty", plannedQty)
				if err != nil {
					return err
				}
				opts.PlannedQty = &qty
			}
			if cmd.Flags().Changed("actual-qty") {
				qty, err := parseDecimalFlag("actual-qty", actualQty)
				if err != nil {
					return err
				}
				opts.ActualQty = &qty
			}
			if cmd.Flags().Changed("est-completion-at") {
				opts.EstCompletionAt = &estCompletionAt
			}
			if cmd.Flags().Changed("completed-at") {
				opts.CompletedAt = &completedAt
			}
			if cmd.Flags().Changed("comment") {
				opts.Comment = &comment
			}
			if cmd.Flags().Changed("evidence-url") {
				opts.EvidenceURL = &evidenceURL
			}
			if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
				opts.Geolocation = &domain.Geolocation{Latitude: lat, Longitude: lon, PhotoURL: photoURL}
			}
			if cmd.Flags().Changed("start-point") {
				opts.StartPoint = &startPoint
			}
			if cmd.Flags().Changed("end-point") {
				opts.EndPoint = &endPoint
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
		Args: cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&provider, "provider", "", "provider id")
	cmd.Flags().StringVar(&activity, "activity", "", "activity id")
	cmd.Flags().StringVar(&subActivity, "sub-activity", "", "sub-activity id")
	cmd.Flags().StringVar(&zone, "zone", "", "zone id")
	cmd.Flags().StringVar(&segment, "segment", "", "segment id (empty clears)")
	cmd.Flags().StringVar(&plannedQty, "planned-qty", "", "planned quantity")
	cmd.Flags().StringVar(&actualQty, "actual-qty", "", "actual executed quantity")
	cmd.Flags().StringVar(&estCompletionAt, "est-completion-at", "", "estimated completion (RFC3339)")
	cmd.Flags().StringVar(&completedAt, "completed-at", "", "completion timestamp (RFC3339)")
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	cmd.Flags().StringVar(&evidenceURL, "evidence-url", "", "evidence URL")
	cmd.Flags().Float64Var(&lat, "lat", 0, "geolocation latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "geolocation longitude")
	cmd.Flags().StringVar(&photoURL, "photo-url", "", "geolocation photo URL")
	cmd.Flags().StringVar(&startPoint, "start-point", "", "linear work start point")
	cmd.Flags().StringVar(&endPoint, "end-point", "", "linear work end point")
	return cmd
}

func taskMoveCmd() *cobra.Command {
	var state string
	var index int
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Move task on the board",
		Long:  "Moves a task to a board column, optionally at a position. Moving into in_execution resets the actual quantity; moving into approved allocates the task to the provider's draft statement.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.MoveTask(ctx, args[0], state, index, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&state, "to", "", "target state (assigned, in_execution, approved)")
	cmd.Flags().IntVar(&index, "index", -1, "position within the column (-1 appends)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func taskConfirmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm <id>",
		Short: "Confirm assignment (freeze planning)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.QuickConfirm(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskAttachCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "attach <id>",
		Short: "Upload evidence file and link it to the task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			baseURL := viper.GetString("files-url")
			if baseURL == "" {
				return fmt.Errorf("FIELDLINE_FILES_URL is required for uploads")
			}
			f, err := os.Open(filePath)
			if err != nil {
				return err
			}
			defer f.Close()
			fc := files.New(baseURL, viper.GetString("files-key"))
			url, err := fc.Upload(cmd.Context(), filepath.Base(filePath), f)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
					ID:          args[0],
					EvidenceURL: &url,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to evidence file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteTask(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func boardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Show the task board",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.Board(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				states := []string{domain.TaskAssigned, domain.TaskInExecution, domain.TaskApproved}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Assigned", "In execution", "Approved"})
				rows := 0
				for _, s := range states {
					if n := len(snap.Columns[s]); n > rows {
						rows = n
					}
				}
				for i := 0; i < rows; i++ {
					row := table.Row{}
					for _, s := range states {
						cell := ""
						if i < len(snap.Columns[s]) {
							t := snap.Columns[s][i]
							cell = fmt.Sprintf("%s (%s %s)", t.ID, t.BillableQty().String(), t.ProviderID)
						}
						row = append(row, cell)
					}
					tw.AppendRow(row)
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func statementCmd() *cobra.Command {
	stm := &cobra.Command{
		Use:   "statement",
		Short: "Manage payment statements",
		Long:  "Statements collect a provider's approved tasks into one payable document. Codes are sequential per project (EP-001, EP-002, ...); drafts are mutable, issued and paid statements are not.",
	}
	stm.AddCommand(statementAllocateCmd())
	stm.AddCommand(statementAssignCmd())
	stm.AddCommand(statementListCmd())
	stm.AddCommand(statementGetCmd())
	stm.AddCommand(statementRenameCmd())
	stm.AddCommand(statementIssueCmd())
	stm.AddCommand(statementPayCmd())
	return stm
}

func statementAllocateCmd() *cobra.Command {
	var providerID, prefix string
	var forceNew bool
	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Allocate (or create) the provider's draft statement",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var s domain.PaymentStatement
				var err error
				if forceNew {
					s, err = e.CreateNextStatement(ctx, e.Config.Project.ID, providerID, prefix, viper.GetString("actor-id"))
				} else {
					s, err = e.Allocate(ctx, e.Config.Project.ID, providerID, prefix, viper.GetString("actor-id"))
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&providerID, "provider", "", "provider id")
	cmd.Flags().StringVar(&prefix, "prefix", "", "code prefix (defaults from config)")
	cmd.Flags().BoolVar(&forceNew, "new", false, "always mint the next code instead of reusing a draft")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func statementAssignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign <task-id>",
		Short: "Allocate an approved task onto its provider's draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AllocateStatement(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func statementListCmd() *cobra.Command {
	var f repo.StatementFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List statements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				items, err := e.Repo.ListStatements(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Code", "Name", "State", "Provider"})
				for _, s := range items {
					prov := ""
					if s.ProviderID != nil {
						prov = *s.ProviderID
					}
					tw.AppendRow(table.Row{s.ID, s.Code, s.Name, s.State, prov})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.ProviderID, "provider", "", "provider filter")
	return cmd
}

func statementGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get statement with its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetStatement(ctx, args[0])
				if err != nil {
					return err
				}
				tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: s.ProjectID, StatementID: s.ID})
				if err != nil {
					return err
				}
				total := decimal.Zero
				for _, t := range tasks {
					total = total.Add(t.ProjectedCost())
				}
				return printJSONOrTable(map[string]any{
					"statement":  s,
					"tasks":      tasks,
					"total_cost": total.String(),
				})
			})
		},
	}
	return cmd
}

func statementRenameCmd() *cobra.Command {
	var code, name string
	cmd := &cobra.Command{
		Use:   "rename <id>",
		Short: "Rename a draft statement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.RenameStatement(ctx, args[0], code, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "new code (must stay unique)")
	cmd.Flags().StringVar(&name, "name", "", "new display name")
	return cmd
}

func statementIssueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue <id>",
		Short: "Issue a draft statement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.IssueStatement(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func statementPayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pay <id>",
		Short: "Mark an issued statement paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.MarkStatementPaid(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func stockCmd() *cobra.Command {
	stock := &cobra.Command{
		Use:   "stock",
		Short: "Material stock",
		Long:  "Stock reconciles what logistics delivered to a provider against what its tasks consumed. Consumption is recorded per task while in execution.",
	}
	stock.AddCommand(stockMaterialsCmd())
	stock.AddCommand(stockConsumeCmd())
	stock.AddCommand(stockConsumptionsCmd())
	stock.AddCommand(stockDeleteConsumptionCmd())
	return stock
}

func stockMaterialsCmd() *cobra.Command {
	var providerID string
	cmd := &cobra.Command{
		Use:   "materials",
		Short: "Show available material balances for a provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.AvailableMaterials(ctx, e.Config.Project.ID, providerID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Code", "Name", "Unit", "Delivered", "Consumed", "Balance"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.Code, m.Name, m.Unit, m.Delivered.String(), m.Consumed.String(), m.Balance.String()})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&providerID, "provider", "", "provider id")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func stockConsumeCmd() *cobra.Command {
	var opts engine.ConsumptionOptions
	var quantity string
	cmd := &cobra.Command{
		Use:   "consume <task-id>",
		Short: "Record material consumption against a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := parseDecimalFlag("quantity", quantity)
			if err != nil {
				return err
			}
			opts.TaskID = args[0]
			opts.Quantity = qty
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.RegisterConsumption(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProductCode, "product", "", "product code")
	cmd.Flags().StringVar(&opts.ProductName, "product-name", "", "product name")
	cmd.Flags().StringVar(&quantity, "quantity", "", "consumed quantity")
	cmd.Flags().StringVar(&opts.Unit, "unit", "", "measurement unit")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("quantity")
	return cmd
}

func stockConsumptionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consumptions <task-id>",
		Short: "List consumptions of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListConsumptionsByTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func stockDeleteConsumptionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete-consumption <id>",
		Short: "Delete a consumption record (restores balance)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteConsumption(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: task moves, tariff changes, statement transitions, stock movements.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Project.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "api-key",
		Short: "Manage API keys",
		Long:  "API keys authenticate machine callers (mobile crews, logistics integrations) against the HTTP API. Only the hash is stored; the key itself is shown once at creation.",
	}
	key.AddCommand(apiKeyCreateCmd())
	key.AddCommand(apiKeyListCmd())
	key.AddCommand(apiKeyDeleteCmd())
	return key
}

func apiKeyCreateCmd() *cobra.Command {
	var subject, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject required")
			}
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			plaintext := hex.EncodeToString(raw)
			k := domain.APIKey{
				ID:        uuid.NewString(),
				Subject:   subject,
				Name:      name,
				KeyHash:   repo.HashAPIKey(plaintext),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"api_key": k, "key": plaintext})
				}
				fmt.Printf("Created key %s for %s\n", k.ID, k.Subject)
				fmt.Printf("Key (shown once): %s\n", plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "principal the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "descriptive label")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, subject)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject filter")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
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
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			wireLogistics(&e)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("FIELDLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActor,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FIELDLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartExportDispatcher(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Fieldline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor-header", false, "accept X-Actor-Id without credentials (dev only)")
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
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	wireLogistics(&e)
	return fn(ctx, e)
}

func wireLogistics(e *engine.Engine) {
	if url := viper.GetString("logistics-url"); url != "" {
		e.Deliveries = logistics.New(url, viper.GetString("logistics-key"))
	}
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
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
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

func parseDecimalFlag(name, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("--%s: invalid decimal %q", name, raw)
	}
	return d, nil
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
