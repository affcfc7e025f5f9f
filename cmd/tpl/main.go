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

	"tempoline/internal/app"
	"tempoline/internal/config"
	"tempoline/internal/db"
	"tempoline/internal/engine"
	"tempoline/internal/migrate"
	"tempoline/internal/repo"
	"tempoline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tpl",
	Short: "Tempoline CLI",
	Long: `Tempoline keeps the dates of a product hierarchy consistent.
Core concepts:
- Workspace: your .tempoline directory holding only the database; config is stored in the DB and imported explicitly.
- Product: the top of the hierarchy; it may own sub-products, and each owns value chains.
- Value chain: an ordered body of work inside a product, made of tasks.
- Tasks: work items with an available/start/end date; they can depend on each other across chains, and a task only becomes available once every predecessor has ended.
- Assignments: a collaborator committed to a task; their tracked time derives the task's real start and end.
- Trackers: recorded work intervals; they may not overlap, run too long, or start before earlier recorded work ends.
- Derived dates: ends bubble up task -> chain -> product, and a single missing end revokes the level above.
- Event log: diary of changes, view with 'tpl log tail'.`,
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
	viper.SetEnvPrefix("TEMPOLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "org id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
}

func registerCommands() {
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(productCmd())
	rootCmd.AddCommand(chainCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(trackerCmd())
	rootCmd.AddCommand(recalcCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage orgs"}
	org.AddCommand(orgInitCmd())
	org.AddCommand(orgListCmd())
	org.AddCommand(orgConfigCmd())
	return org
}

func orgInitCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create org and seed its config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
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
			o, err := e.InitOrg(cmd.Context(), id, name, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(o)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "org id")
	cmd.Flags().StringVar(&name, "name", "", "org name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func orgListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List orgs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListOrgs(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func orgConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage org config"}
	cfg.AddCommand(orgConfigShowCmd())
	cfg.AddCommand(orgConfigImportCmd())
	cfg.AddCommand(orgConfigValidateCmd())
	return cfg
}

func orgConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show org config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func orgConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import org config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			orgID := cfg.Org.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if orgID == "" {
					orgID = e.Config.Org.ID
				}
				if err := e.Repo.UpsertOrgConfig(ctx, orgID, cfg); err != nil {
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

func orgConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
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
	}
}

func productCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "product",
		Short: "Manage products",
		Long:  "Products sit at the top of the hierarchy. A root product may own sub-products (one level deep); each product owns value chains and its dates derive from them.",
	}
	p.AddCommand(productCreateCmd())
	p.AddCommand(productListCmd())
	p.AddCommand(productShowCmd())
	p.AddCommand(productRenameCmd())
	p.AddCommand(productDeleteCmd())
	return p
}

func productCreateCmd() *cobra.Command {
	var opts engine.ProductCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a product or sub-product",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProduct(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "product id (optional, random UUID if omitted)")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent product id (makes this a sub-product)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func productListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List products",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProducts(ctx, e.Config.Org.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Parent", "Available", "Start", "End"})
				for _, p := range items {
					parent := ""
					if p.ParentID != nil {
						parent = *p.ParentID
					}
					tw.AppendRow(table.Row{p.ID, p.Name, parent, fmtTime(p.AvailableDate), fmtTime(p.StartDate), fmtTime(p.EndDate)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func productShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a product and its chains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProduct(ctx, id)
				if err != nil {
					return err
				}
				chains, err := e.Repo.ListValueChainsTx(ctx, nil, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"product": p, "chains": chains})
			})
		},
	}
}

func productRenameCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "rename <id>",
		Short: "Rename a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.RenameProduct(ctx, id, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func productDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a product and everything under it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteProduct(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
}

func chainCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "chain",
		Short: "Manage value chains",
		Long:  "Value chains group the tasks of a product. Moving a chain to another product detaches dependency edges that cross the chain boundary.",
	}
	c.AddCommand(chainCreateCmd())
	c.AddCommand(chainShowCmd())
	c.AddCommand(chainMoveCmd())
	c.AddCommand(chainDeleteCmd())
	return c
}

func chainCreateCmd() *cobra.Command {
	var opts engine.ValueChainCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a value chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.CreateValueChain(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "chain id (optional)")
	cmd.Flags().StringVar(&opts.ProductID, "product", "", "owning product id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func chainShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a chain and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Repo.GetValueChain(ctx, id)
				if err != nil {
					return err
				}
				tasks, err := e.Repo.ListTasksByChainTx(ctx, nil, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"chain": v, "tasks": tasks})
				}
				fmt.Printf("Chain: %s (%s)\n", v.Name, v.ID)
				fmt.Printf("  available=%s start=%s end=%s\n", fmtTime(v.AvailableDate), fmtTime(v.StartDate), fmtTime(v.EndDate))
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Available", "Start", "End", "Predecessors"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Name, fmtTime(t.AvailableDate), fmtTime(t.StartDate), fmtTime(t.EndDate), strings.Join(t.Predecessors, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func chainMoveCmd() *cobra.Command {
	var productID string
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Move a chain to another product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.MoveValueChain(ctx, id, productID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&productID, "to", "", "target product id")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func chainDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a chain and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteValueChain(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks carry the dates. A task becomes available once every predecessor has ended; its start and end derive from assignments when it has any.",
	}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskGetCmd())
	t.AddCommand(taskUpdateCmd())
	t.AddCommand(taskDeleteCmd())
	return t
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var deadline, available, start, end string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			var err error
			if opts.Deadline, err = parseTimeFlag(deadline); err != nil {
				return err
			}
			if opts.AvailableDate, err = parseTimeFlag(available); err != nil {
				return err
			}
			if opts.StartDate, err = parseTimeFlag(start); err != nil {
				return err
			}
			if opts.EndDate, err = parseTimeFlag(end); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional)")
	cmd.Flags().StringVar(&opts.ValueChainID, "chain", "", "owning chain id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC3339)")
	cmd.Flags().StringArrayVar(&opts.PredecessorIDs, "after", []string{}, "predecessor task id (repeatable)")
	cmd.Flags().StringArrayVar(&opts.SuccessorIDs, "before", []string{}, "successor task id (repeatable)")
	cmd.Flags().StringVar(&available, "available", "", "available date (RFC3339)")
	cmd.Flags().StringVar(&start, "start", "", "start date (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "end date (RFC3339)")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
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
}

func taskUpdateCmd() *cobra.Command {
	var opts engine.TaskUpdateOptions
	var name, deadline, available, start, end string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			var err error
			if opts.Deadline, err = parseTimeFlag(deadline); err != nil {
				return err
			}
			if opts.AvailableDate, err = parseTimeFlag(available); err != nil {
				return err
			}
			if opts.StartDate, err = parseTimeFlag(start); err != nil {
				return err
			}
			if opts.EndDate, err = parseTimeFlag(end); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC3339)")
	cmd.Flags().BoolVar(&opts.ClearDeadline, "clear-deadline", false, "remove the deadline")
	cmd.Flags().StringArrayVar(&opts.AddPredecessors, "add-after", []string{}, "add predecessor")
	cmd.Flags().StringArrayVar(&opts.RemovePredecessors, "remove-after", []string{}, "remove predecessor")
	cmd.Flags().StringArrayVar(&opts.AddSuccessors, "add-before", []string{}, "add successor")
	cmd.Flags().StringArrayVar(&opts.RemoveSuccessors, "remove-before", []string{}, "remove successor")
	cmd.Flags().StringVar(&available, "available", "", "available date (RFC3339)")
	cmd.Flags().StringVar(&start, "start", "", "start date (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "end date (RFC3339)")
	cmd.Flags().BoolVar(&opts.ClearEndDate, "clear-end", false, "reopen the task")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task, splicing its dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteTask(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
}

func assignCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "assign",
		Short: "Manage assignments",
		Long:  "Assignments tie a collaborator to a task. A task cannot end while any assignment is open, and closing the last one derives the task end from tracked work.",
	}
	a.AddCommand(assignCreateCmd())
	a.AddCommand(assignListCmd())
	a.AddCommand(assignCloseCmd())
	a.AddCommand(assignDeleteCmd())
	return a
}

func assignCreateCmd() *cobra.Command {
	var opts engine.AssignmentCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Assign a collaborator to a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAssignment(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "assignment id (optional)")
	cmd.Flags().StringVar(&opts.TaskID, "task", "", "task id")
	cmd.Flags().StringVar(&opts.CollaboratorID, "collaborator", "", "collaborator id")
	cmd.Flags().StringVar(&opts.CollaboratorName, "collaborator-name", "", "collaborator display name")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("collaborator")
	return cmd
}

func assignListCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assignments of a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAssignmentsByTaskTx(ctx, nil, taskID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func assignCloseCmd() *cobra.Command {
	var end string
	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			endAt, err := parseTimeFlag(end)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CloseAssignment(ctx, id, endAt, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&end, "end", "", "close time (RFC3339, defaults to now)")
	return cmd
}

func assignDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an assignment and its trackers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteAssignment(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
}

func trackerCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "tracker",
		Short: "Manage work trackers",
		Long:  "Trackers record when a collaborator actually worked. Intervals may not overlap, an open tracker belongs to the collaborator themself, and starting a new one auto-closes the previous.",
	}
	t.AddCommand(trackerStartCmd())
	t.AddCommand(trackerStopCmd())
	t.AddCommand(trackerUpdateCmd())
	t.AddCommand(trackerDeleteCmd())
	t.AddCommand(trackerListCmd())
	return t
}

func trackerStartCmd() *cobra.Command {
	var opts engine.TrackerStartOptions
	var start, end string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Record or start a work interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if opts.CollaboratorID == "" {
				opts.CollaboratorID = opts.ActorID
			}
			var err error
			if opts.Start, err = parseTimeFlag(start); err != nil {
				return err
			}
			if opts.End, err = parseTimeFlag(end); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.StartTracker(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "tracker id (optional)")
	cmd.Flags().StringVar(&opts.AssignmentID, "assignment", "", "assignment id")
	cmd.Flags().StringVar(&opts.CollaboratorID, "collaborator", "", "collaborator id (defaults to actor)")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason when tracking outside an assignment")
	cmd.Flags().StringVar(&start, "start", "", "start (RFC3339, defaults to now)")
	cmd.Flags().StringVar(&end, "end", "", "end (RFC3339, omit for a running tracker)")
	return cmd
}

func trackerStopCmd() *cobra.Command {
	var end string
	cmd := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a running tracker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			endAt, err := parseTimeFlag(end)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.StopTracker(ctx, id, endAt, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&end, "end", "", "end (RFC3339, defaults to now)")
	return cmd
}

func trackerUpdateCmd() *cobra.Command {
	var start, end, reason string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Adjust a recorded interval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TrackerUpdateOptions{ID: args[0], ActorID: viper.GetString("actor-id")}
			var err error
			if opts.Start, err = parseTimeFlag(start); err != nil {
				return err
			}
			if opts.End, err = parseTimeFlag(end); err != nil {
				return err
			}
			if cmd.Flags().Changed("reason") {
				opts.Reason = &reason
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTracker(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "start (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "end (RFC3339)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	return cmd
}

func trackerDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a tracker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteTracker(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
}

func trackerListCmd() *cobra.Command {
	var collaborator string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trackers of a collaborator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if collaborator == "" {
				collaborator = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTrackersByCollaboratorTx(ctx, nil, collaborator)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Assignment", "Start", "End", "Reason"})
				for _, t := range items {
					assignment := ""
					if t.AssignmentID != nil {
						assignment = *t.AssignmentID
					}
					reason := ""
					if t.Reason != nil {
						reason = *t.Reason
					}
					tw.AppendRow(table.Row{t.ID, assignment, t.Start.Format(time.RFC3339), fmtTime(t.End), reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&collaborator, "collaborator", "", "collaborator id (defaults to actor)")
	return cmd
}

func recalcCmd() *cobra.Command {
	var productID string
	var batchSize int
	cmd := &cobra.Command{
		Use:   "recalc",
		Short: "Rebuild all derived dates from tasks upward",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.Recalculate(ctx, engine.RecalcOptions{
					ProductID: productID,
					BatchSize: batchSize,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	}
	cmd.Flags().StringVar(&productID, "product", "", "limit to one root product")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "batch size (defaults from config)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: hierarchy changes, tracked work, and recalculations.",
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
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Org.ID, evtType, entityKind, entityID)
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

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyListCmd() *cobra.Command {
	var collaborator string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, collaborator)
				if err != nil {
					return err
				}
				for i := range items {
					items[i].KeyHash = ""
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&collaborator, "collaborator", "", "collaborator filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
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
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveOrgAndConfig(cmd.Context(), viper.GetString("org"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("TEMPOLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TEMPOLINE_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Tempoline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept the unauthenticated X-Actor-Id header")
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
	_, cfg, err := app.ResolveOrgAndConfig(ctx, viper.GetString("org"), viper.GetString("actor-id"), r)
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

func parseTimeFlag(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q: %w", s, err)
	}
	t = t.UTC()
	return &t, nil
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
