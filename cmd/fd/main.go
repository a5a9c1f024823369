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
	"gopkg.in/yaml.v3"

	"flowdesk/internal/alerts"
	"flowdesk/internal/app"
	"flowdesk/internal/config"
	"flowdesk/internal/db"
	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
	"flowdesk/internal/migrate"
	"flowdesk/internal/normalize"
	"flowdesk/internal/repo"
	"flowdesk/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fd",
	Short: "FlowDesk CLI",
	Long: `FlowDesk is a process and task management console.
- Workspace: a directory with a .flowdesk database and a flowdesk.yml config.
- Tasks: work items that flow pending -> in_progress -> completed, with
  blocked and returned as exceptional states. Every change is journaled.
- Flows: reusable stage templates that stamp out instances; task state rolls
  up into stage and instance progress and health.
- Alerts and metrics are derived from tasks, never stored.`,
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
	rootCmd.PersistentFlags().String("actor-name", "Local User", "actor display name")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-name", rootCmd.PersistentFlags().Lookup("actor-name"))
}

func registerCommands() {
	rootCmd.AddCommand(workspaceCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(unitCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(flowCmd())
	rootCmd.AddCommand(alertsCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(workloadCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorID() string   { return viper.GetString("actor-id") }
func actorName() string { return viper.GetString("actor-name") }

func workspaceCmd() *cobra.Command {
	ws := &cobra.Command{Use: "workspace", Short: "Manage the workspace"}
	ws.AddCommand(workspaceInitCmd())
	ws.AddCommand(configShowCmd())
	ws.AddCommand(configValidateCmd())
	return ws
}

func workspaceInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(id)), 0o644); err != nil {
					return err
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fmt.Printf("Workspace ready in %s (config: %s)\n", workspace, cfgPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "flowdesk", "workspace id")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
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

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show workspace status",
		Long:  "Task counts by status plus the health of every running flow instance.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, repo.TaskFilters{})
				if err != nil {
					return err
				}
				counts := map[domain.TaskStatus]int{}
				for _, t := range tasks {
					counts[t.Status]++
				}
				instances, err := e.ListInstances(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"taskCounts": counts,
						"instances":  instances,
					})
				}
				fmt.Println("Tasks:")
				for _, s := range []domain.TaskStatus{
					domain.StatusPending, domain.StatusInProgress, domain.StatusBlocked,
					domain.StatusCompleted, domain.StatusReturned,
				} {
					fmt.Printf("  %s: %d\n", s, counts[s])
				}
				fmt.Println("Flow instances:")
				if len(instances) == 0 {
					fmt.Println("  none")
				}
				for _, inst := range instances {
					fmt.Printf("  %s: %d%% (%s)\n", inst.Name, inst.Progress, inst.Health)
				}
				return nil
			})
		},
	}
}

func unitCmd() *cobra.Command {
	unit := &cobra.Command{Use: "unit", Short: "Manage organizational units"}
	unit.AddCommand(unitCreateCmd())
	unit.AddCommand(unitListCmd())
	unit.AddCommand(unitUpdateCmd())
	return unit
}

func unitCreateCmd() *cobra.Command {
	var name, parent, lead string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUnit(ctx, name, optionalString(parent), optionalString(lead))
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "unit name")
	cmd.Flags().StringVar(&parent, "parent", "", "parent unit id")
	cmd.Flags().StringVar(&lead, "lead", "", "lead user id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func unitListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				units, err := e.ListUnits(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(units)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Parent", "Lead"})
				for _, u := range units {
					tw.AppendRow(table.Row{u.ID, u.Name, deref(u.ParentID), deref(u.LeadID)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func unitUpdateCmd() *cobra.Command {
	var name, parent, lead string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var namePtr *string
				if cmd.Flags().Changed("name") {
					namePtr = &name
				}
				var parentPtr, leadPtr *string
				if cmd.Flags().Changed("parent") {
					parentPtr = &parent
				}
				if cmd.Flags().Changed("lead") {
					leadPtr = &lead
				}
				u, err := e.UpdateUnit(ctx, id, namePtr, parentPtr, leadPtr)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "unit name")
	cmd.Flags().StringVar(&parent, "parent", "", "parent unit id (empty clears)")
	cmd.Flags().StringVar(&lead, "lead", "", "lead user id (empty clears)")
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userCreateCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userUpdateCmd())
	return user
}

func userCreateCmd() *cobra.Command {
	var name, email, password, role, unit string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUser(ctx, engine.UserCreateOptions{
					FullName: name,
					Email:    email,
					Password: password,
					RoleKey:  role,
					UnitID:   optionalString(unit),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "full name")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&password, "password", "", "password (default from config when empty)")
	cmd.Flags().StringVar(&role, "role", "FUNCTIONARY", "role key (ADMIN, DESIGNER, FUNCTIONARY)")
	cmd.Flags().StringVar(&unit, "unit", "", "unit id")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Role", "Workload"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.FullName, u.Email, u.RoleID, u.Workload})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userUpdateCmd() *cobra.Command {
	var name, role, unit, password string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.UserUpdateOptions{ID: id}
				if cmd.Flags().Changed("name") {
					opts.FullName = &name
				}
				if cmd.Flags().Changed("role") {
					opts.RoleKey = &role
				}
				if cmd.Flags().Changed("unit") {
					opts.UnitID = &unit
				}
				if cmd.Flags().Changed("password") {
					opts.Password = &password
				}
				u, err := e.UpdateUser(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "full name")
	cmd.Flags().StringVar(&role, "role", "", "role key")
	cmd.Flags().StringVar(&unit, "unit", "", "unit id (empty clears)")
	cmd.Flags().StringVar(&password, "password", "", "new password")
	return cmd
}

func roleCmd() *cobra.Command {
	role := &cobra.Command{Use: "role", Short: "Inspect roles"}
	role.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roles, err := e.ListRoles(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(roles)
			})
		},
	})
	return role
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow pending -> in_progress -> completed; blocked and returned cover exceptions. Completing a task forces progress to 100 and is terminal for the status command.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskStatusCmd())
	task.AddCommand(taskProgressCmd())
	task.AddCommand(taskProblemCmd())
	task.AddCommand(taskResolveCmd())
	task.AddCommand(taskImportCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var title, description, owner, priority, deadline string
	var duration int
	var noRejection bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.TaskCreateOptions{
					Title:        title,
					Description:  description,
					OwnerID:      owner,
					AssignerID:   actorID(),
					Priority:     priority,
					Deadline:     deadline,
					DurationDays: duration,
					ActorID:      actorID(),
					ActorName:    actorName(),
				}
				if noRejection {
					allow := false
					opts.AllowRejection = &allow
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description (min 10 chars)")
	cmd.Flags().StringVar(&owner, "owner", "", "owner user id")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, medium, high, critical)")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC 3339)")
	cmd.Flags().IntVar(&duration, "duration-days", 0, "expected duration in days")
	cmd.Flags().BoolVar(&noRejection, "no-rejection", false, "owner cannot return the task")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("deadline")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Progress", "Deadline"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, fmt.Sprintf("%d%%", t.Progress), t.Deadline})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "owner filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.FlowInstanceID, "instance", "", "flow instance filter")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get a task with its problems, history and sub-tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskStatusCmd() *cobra.Command {
	var progress int
	cmd := &cobra.Command{
		Use:   "set-status <id> <status>",
		Short: "Change task status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var progressPtr *int
				if cmd.Flags().Changed("progress") {
					progressPtr = &progress
				}
				t, err := e.ChangeStatus(ctx, args[0], args[1], progressPtr, actorID(), actorName())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().IntVar(&progress, "progress", 0, "progress to record with the change")
	return cmd
}

func taskProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <id> <value>",
		Short: "Update task progress (0-100)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value int
			if _, err := fmt.Sscanf(args[1], "%d", &value); err != nil {
				return fmt.Errorf("progress must be an integer: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateProgress(ctx, args[0], value, actorID(), actorName())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskProblemCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "problem <task-id>",
		Short: "Report a problem on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				problem, note, err := e.ReportProblem(ctx, args[0], description, actorID(), actorName())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"problem": problem, "notification": note})
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "problem description (min 5 chars)")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func taskResolveCmd() *cobra.Command {
	var resolution string
	cmd := &cobra.Command{
		Use:   "resolve <problem-id>",
		Short: "Resolve a reported problem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				problem, err := e.ResolveProblem(ctx, args[0], resolution, actorID(), actorName())
				if err != nil {
					return err
				}
				return printJSONOrTable(problem)
			})
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", "", "resolution note")
	return cmd
}

func taskImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import tasks from a JSON export",
		Long:  "Reads loosely-typed task records, canonicalizes enum literals and timestamps, and stores them. Records without an id are skipped and reported.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var raws []normalize.RawTask
			if err := json.Unmarshal(data, &raws); err != nil {
				return fmt.Errorf("parse %s: %w", filePath, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				now := time.Now()
				imported := 0
				skipped := 0
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				for _, raw := range raws {
					t, err := normalize.Task(raw, now)
					if err != nil {
						skipped++
						continue
					}
					if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
						return fmt.Errorf("task %s: %w", t.ID, err)
					}
					for _, p := range t.Problems {
						if err := e.Repo.InsertProblem(ctx, tx, p); err != nil {
							return fmt.Errorf("problem %s: %w", p.ID, err)
						}
					}
					for _, s := range t.SubTasks {
						if err := e.Repo.InsertSubTask(ctx, tx, s); err != nil {
							return fmt.Errorf("sub-task %s: %w", s.ID, err)
						}
					}
					imported++
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"imported": imported, "skipped": skipped})
				}
				fmt.Printf("Imported %d task(s), skipped %d malformed record(s)\n", imported, skipped)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to JSON task export")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func flowCmd() *cobra.Command {
	flow := &cobra.Command{
		Use:   "flow",
		Short: "Manage flow templates and instances",
		Long:  "Templates describe ordered stages; instances stamp a template onto real work. Every stage needs at least one owned task at instantiation time.",
	}
	flow.AddCommand(flowTemplateCmd())
	flow.AddCommand(flowInstanceCmd())
	return flow
}

// templateFile is the on-disk shape accepted by `fd flow template create`.
type templateFile struct {
	Name                string `yaml:"name"`
	Description         string `yaml:"description"`
	BusinessObjective   string `yaml:"business_objective"`
	TypicalDurationDays int    `yaml:"typical_duration_days"`
	Stages              []struct {
		Name                 string `yaml:"name"`
		Description          string `yaml:"description"`
		ExpectedDurationDays int    `yaml:"expected_duration_days"`
		OwnerRole            string `yaml:"owner_role"`
		ExitCriteria         string `yaml:"exit_criteria"`
	} `yaml:"stages"`
}

func flowTemplateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Manage flow templates"}
	tpl.AddCommand(flowTemplateCreateCmd())
	tpl.AddCommand(flowTemplateListCmd())
	tpl.AddCommand(flowTemplateShowCmd())
	tpl.AddCommand(flowTemplateDeleteCmd())
	return tpl
}

func flowTemplateCreateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a flow template from a YAML definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var def templateFile
			if err := yaml.Unmarshal(data, &def); err != nil {
				return fmt.Errorf("parse %s: %w", filePath, err)
			}
			opts := engine.TemplateOptions{
				Name:                def.Name,
				Description:         def.Description,
				BusinessObjective:   def.BusinessObjective,
				TypicalDurationDays: def.TypicalDurationDays,
				ActorID:             actorID(),
			}
			for _, s := range def.Stages {
				opts.Stages = append(opts.Stages, engine.StageOptions{
					Name:                 s.Name,
					Description:          s.Description,
					ExpectedDurationDays: s.ExpectedDurationDays,
					OwnerRole:            s.OwnerRole,
					ExitCriteria:         s.ExitCriteria,
				})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTemplate(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML template definition")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func flowTemplateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List flow templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tpls, err := e.ListTemplates(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tpls)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Stages", "Duration (days)"})
				for _, t := range tpls {
					tw.AppendRow(table.Row{t.ID, t.Name, len(t.Stages), t.TypicalDurationDays})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func flowTemplateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a flow template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func flowTemplateDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a flow template (rejected while instances reference it)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteTemplate(ctx, args[0])
			})
		},
	}
}

// instanceFile is the on-disk shape accepted by `fd flow instance create`.
// Task descriptors are keyed by stage id from the template.
type instanceFile struct {
	TemplateID  string `yaml:"template_id"`
	Name        string `yaml:"name"`
	OwnerUnitID string `yaml:"owner_unit_id"`
	KickoffDate string `yaml:"kickoff_date"`
	DueDate     string `yaml:"due_date"`
	Tasks       map[string][]struct {
		Title       string `yaml:"title"`
		Description string `yaml:"description"`
		OwnerID     string `yaml:"owner_id"`
		Priority    string `yaml:"priority"`
		DueInDays   int    `yaml:"due_in_days"`
	} `yaml:"tasks"`
}

func flowInstanceCmd() *cobra.Command {
	inst := &cobra.Command{Use: "instance", Short: "Manage flow instances"}
	inst.AddCommand(flowInstanceCreateCmd())
	inst.AddCommand(flowInstanceListCmd())
	inst.AddCommand(flowInstanceShowCmd())
	inst.AddCommand(flowInstanceDeleteCmd())
	inst.AddCommand(flowInstanceRecomputeCmd())
	return inst
}

func flowInstanceCreateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Instantiate a flow template from a YAML definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var def instanceFile
			if err := yaml.Unmarshal(data, &def); err != nil {
				return fmt.Errorf("parse %s: %w", filePath, err)
			}
			opts := engine.InstantiateOptions{
				TemplateID:  def.TemplateID,
				Name:        def.Name,
				OwnerUnitID: def.OwnerUnitID,
				KickoffDate: def.KickoffDate,
				DueDate:     def.DueDate,
				Tasks:       map[string][]engine.StageTaskOptions{},
				ActorID:     actorID(),
				ActorName:   actorName(),
			}
			for stageID, descriptors := range def.Tasks {
				for _, d := range descriptors {
					opts.Tasks[stageID] = append(opts.Tasks[stageID], engine.StageTaskOptions{
						Title:       d.Title,
						Description: d.Description,
						OwnerID:     d.OwnerID,
						Priority:    d.Priority,
						DueInDays:   d.DueInDays,
					})
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.Instantiate(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML instance definition")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func flowInstanceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List flow instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				insts, err := e.ListInstances(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(insts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Progress", "Health", "Due"})
				for _, i := range insts {
					tw.AppendRow(table.Row{i.ID, i.Name, fmt.Sprintf("%d%%", i.Progress), i.Health, i.DueDate})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func flowInstanceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a flow instance with stage statuses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
}

func flowInstanceDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a flow instance and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteInstance(ctx, args[0])
			})
		},
	}
}

func flowInstanceRecomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <id>",
		Short: "Recompute stage and instance aggregates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.RecomputeAggregates(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
}

func alertsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alerts",
		Short: "Show alerts for blocked and overdue tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, repo.TaskFilters{})
				if err != nil {
					return err
				}
				notes := alerts.Notifications(tasks, time.Now())
				if viper.GetBool("json") {
					return printJSON(notes)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Severity", "Message"})
				for _, n := range notes {
					tw.AppendRow(table.Row{n.Severity, n.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show the workspace metric snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, repo.TaskFilters{})
				if err != nil {
					return err
				}
				return printJSONOrTable(alerts.Metrics(tasks, time.Now()))
			})
		},
	}
}

func workloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workload",
		Short: "Show per-owner workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, repo.TaskFilters{})
				if err != nil {
					return err
				}
				summaries := alerts.Workload(tasks, e.Config.Defaults.WorkloadCapacity, time.Now())
				if viper.GetBool("json") {
					return printJSON(summaries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"User", "Assigned", "In Progress", "Blocked", "Overdue", "Capacity"})
				for _, s := range summaries {
					tw.AppendRow(table.Row{s.UserID, s.Assigned, s.InProgress, s.Blocked, s.Overdue, s.Capacity})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
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
			cfg, err := app.ResolveConfig(workspace, "")
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if err := app.Seed(cmd.Context(), e, cfg); err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv("FLOWDESK_JWT_SECRET"),
				TokenTTL:  time.Duration(cfg.TokenTTLMinutes()) * time.Minute,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FLOWDESK_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving FlowDesk API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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
	cfg, err := app.ResolveConfig(workspace, "")
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	if err := app.Seed(ctx, e, cfg); err != nil {
		return err
	}
	return fn(ctx, e)
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
