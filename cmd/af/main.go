package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"actionflow/internal/app"
	"actionflow/internal/config"
	"actionflow/internal/db"
	"actionflow/internal/domain"
	"actionflow/internal/engine"
	"actionflow/internal/engine/auth"
	"actionflow/internal/flowstatus"
	"actionflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "af",
	Short: "ActionFlow CLI",
	Long: `ActionFlow tracks checklists that admins assign to users.
- Flow: an ordered list of sections, assigned to one user.
- Section: a group of tasks; approved once every task in it is done.
- Task: completed by the assignee; tasks that require approval wait for an admin to approve or refuse them.
- Status: draft until any task is completed, completed once every section is approved.
- Event log: every change, view with 'af log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(db.Config{Workspace: workspace}); err != nil {
			return err
		}
		return nil
	},
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
	// values already set in the environment win over the workspace .env file
	_ = godotenv.Load(filepath.Join(viper.GetString("workspace"), ".env"))
	viper.SetEnvPrefix("ACTIONFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/"+config.FileName+")")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "act as this user id or email (default: local admin)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(flowCmd())
	rootCmd.AddCommand(sectionCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in " + config.FileName + " at the workspace root. Missing keys keep their defaults.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(appOptions())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.LoadConfig(appOptions())
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
		Short: "Count flows per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				counts, err := e.FlowStatusCounts(ctx, p)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Flows"})
				total := 0
				for _, st := range []domain.FlowStatus{domain.FlowDraft, domain.FlowInProgress, domain.FlowCompleted} {
					tw.AppendRow(table.Row{st, counts[string(st)]})
					total += counts[string(st)]
				}
				tw.AppendFooter(table.Row{"Total", total})
				tw.Render()
				return nil
			})
		},
	}
}

func flowCmd() *cobra.Command {
	fl := &cobra.Command{Use: "flow", Short: "Manage action flows"}
	fl.AddCommand(flowListCmd())
	fl.AddCommand(flowShowCmd())
	fl.AddCommand(flowCreateCmd())
	fl.AddCommand(flowUpdateCmd())
	fl.AddCommand(flowDeleteCmd())
	return fl
}

func flowListCmd() *cobra.Command {
	var opts engine.ListFlowsOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				flows, err := e.ListFlows(ctx, p, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(flows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Display", "Progress", "Assignee", "Updated"})
				for _, f := range flows {
					progress := flowstatus.ComputeProgress(f)
					tw.AppendRow(table.Row{
						f.ID,
						f.Title,
						flowstatus.DetermineFlowStatus(f),
						flowstatus.FlowDisplayStatus(f),
						fmt.Sprintf("%d/%d (%d%%)", progress.CompletedTasks, progress.TotalTasks, progress.Percent),
						deref(f.AssigneeID),
						f.UpdatedAt,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "status filter (draft, in_progress, completed)")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee filter")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "max flows")
	return cmd
}

func flowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <flow-id>",
		Short: "Show a flow with its sections and tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				f, err := e.GetFlow(ctx, p, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(f)
				}
				printFlow(f, p.UserID)
				return nil
			})
		},
	}
}

func printFlow(f domain.ActionFlow, viewerID string) {
	progress := flowstatus.ComputeProgress(f)
	fmt.Printf("%s  %s\n", f.ID, f.Title)
	fmt.Printf("status: %s (%s)  progress: %d/%d (%d%%)  assignee: %s  deadline: %s\n",
		flowstatus.DetermineFlowStatus(f), flowstatus.FlowDisplayStatus(f),
		progress.CompletedTasks, progress.TotalTasks, progress.Percent,
		orDash(deref(f.AssigneeID)), orDash(deref(f.Deadline)))

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Section", "Task", "Title", "Done", "Approval", "Inputs", "Unread"})
	for _, s := range f.Sections {
		tw.AppendRow(table.Row{s.ID, "", s.Title + " [" + flowstatus.SectionDisplayStatus(s) + "]", "", "", "", ""})
		for _, t := range s.Tasks {
			approval := string(t.ApprovalStatus)
			if !t.RequiresApproval {
				approval = "-"
			}
			filled := 0
			for _, in := range t.Inputs {
				if in.Value != "" {
					filled++
				}
			}
			tw.AppendRow(table.Row{
				"",
				t.ID,
				t.Title,
				checkbox(t.Completed),
				approval,
				fmt.Sprintf("%d/%d", filled, len(t.Inputs)),
				flowstatus.UnreadMessages(t, viewerID),
			})
		}
		tw.AppendSeparator()
	}
	tw.Render()
	if pending := flowstatus.PendingApprovals(f); len(pending) > 0 {
		fmt.Printf("%d task(s) awaiting approval\n", len(pending))
	}
}

func flowCreateCmd() *cobra.Command {
	var file string
	var title, description, deadline, who string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a flow",
		Long:  "Create a flow from flags, or from a YAML template with --file (see 'af flow create --help').",
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.FlowCreateOptions
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				opts, err = parseFlowTemplate(data)
				if err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("title") {
				opts.Title = title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = description
			}
			if cmd.Flags().Changed("deadline") {
				opts.Deadline = optionalString(deadline)
			}
			if cmd.Flags().Changed("assignee-id") {
				opts.AssigneeID = optionalString(who)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				f, err := e.CreateFlow(ctx, p, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(f)
				}
				printFlow(f, p.UserID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML flow template")
	cmd.Flags().StringVar(&title, "title", "", "flow title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&who, "assignee-id", "", "assigned user id")
	return cmd
}

func flowUpdateCmd() *cobra.Command {
	var title, description, deadline, who string
	cmd := &cobra.Command{
		Use:   "update <flow-id>",
		Short: "Update flow metadata or assignee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.FlowUpdateOptions{ID: args[0]}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("deadline") {
				opts.Deadline = &deadline
			}
			if cmd.Flags().Changed("assignee-id") {
				opts.AssigneeID = &who
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				f, err := e.UpdateFlow(ctx, p, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "flow title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline, empty to clear")
	cmd.Flags().StringVar(&who, "assignee-id", "", "assigned user id, empty to unassign")
	return cmd
}

func flowDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <flow-id>",
		Short: "Delete a flow and its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				if err := e.DeleteFlow(ctx, p, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func sectionCmd() *cobra.Command {
	sec := &cobra.Command{Use: "section", Short: "Manage flow sections"}
	sec.AddCommand(sectionAddCmd())
	sec.AddCommand(sectionDeleteCmd())
	return sec
}

func sectionAddCmd() *cobra.Command {
	var spec engine.SectionSpec
	var position int
	cmd := &cobra.Command{
		Use:   "add <flow-id>",
		Short: "Append or insert a section",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pos *int
			if cmd.Flags().Changed("position") {
				pos = &position
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				f, err := e.AddSection(ctx, p, args[0], spec, pos)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&spec.ID, "id", "", "section id (generated when empty)")
	cmd.Flags().StringVar(&spec.Title, "title", "", "section title")
	cmd.Flags().StringVar(&spec.Description, "description", "", "description")
	cmd.Flags().IntVar(&position, "position", 0, "zero based insert position")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func sectionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <flow-id> <section-id>",
		Short: "Delete a section",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				f, err := e.DeleteSection(ctx, p, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Work on tasks",
		Long:  "Assignees complete tasks and fill inputs; admins approve, refuse or reset completed tasks that require approval.",
	}
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskApprovalCmd(flowstatus.ActionApprove, "Approve a completed task"))
	task.AddCommand(taskApprovalCmd(flowstatus.ActionRefuse, "Refuse a completed task"))
	task.AddCommand(taskApprovalCmd(flowstatus.ActionReset, "Reset an approval decision to pending"))
	task.AddCommand(taskInputCmd())
	task.AddCommand(taskMessageCmd())
	task.AddCommand(taskDeleteCmd())
	return task
}

func taskAddCmd() *cobra.Command {
	var (
		spec       engine.TaskSpec
		deadline   string
		noApproval bool
		textInputs []string
		fileInputs []string
	)
	cmd := &cobra.Command{
		Use:   "add <flow-id> <section-id>",
		Short: "Add a task to a section",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("deadline") {
				spec.Deadline = optionalString(deadline)
			}
			if cmd.Flags().Changed("no-approval") {
				requires := !noApproval
				spec.RequiresApproval = &requires
			}
			for _, label := range textInputs {
				spec.Inputs = append(spec.Inputs, engine.InputSpec{Kind: domain.InputText, Label: label})
			}
			for _, label := range fileInputs {
				spec.Inputs = append(spec.Inputs, engine.InputSpec{Kind: domain.InputFile, Label: label})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				_, t, err := e.AddTask(ctx, p, args[0], args[1], spec)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&spec.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&spec.Title, "title", "", "task title")
	cmd.Flags().StringVar(&spec.Description, "description", "", "description")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (YYYY-MM-DD or RFC3339)")
	cmd.Flags().BoolVar(&noApproval, "no-approval", false, "task does not need admin approval")
	cmd.Flags().StringArrayVar(&textInputs, "text-input", nil, "add a text input with this label")
	cmd.Flags().StringArrayVar(&fileInputs, "file-input", nil, "add a file input with this label")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   "complete <flow-id> <task-id>",
		Short: "Mark a task completed (or not, with --undo)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				f, err := e.SetTaskCompleted(ctx, p, args[0], args[1], !undo)
				if err != nil {
					return err
				}
				return printFlowSummary(f)
			})
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "mark the task not completed")
	return cmd
}

func taskApprovalCmd(action flowstatus.ApprovalAction, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " <flow-id> <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				f, err := e.SetApproval(ctx, p, args[0], args[1], action)
				if err != nil {
					return err
				}
				return printFlowSummary(f)
			})
		},
	}
}

func taskInputCmd() *cobra.Command {
	var file, contentType string
	cmd := &cobra.Command{
		Use:   "input <flow-id> <task-id> <input-id> [value]",
		Short: "Set a text input, or upload a file input with --file",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				var (
					f   domain.ActionFlow
					err error
				)
				if file != "" {
					fh, openErr := os.Open(file)
					if openErr != nil {
						return openErr
					}
					defer fh.Close()
					info, statErr := fh.Stat()
					if statErr != nil {
						return statErr
					}
					f, err = e.UploadInputFile(ctx, p, engine.UploadOptions{
						FlowID:      args[0],
						TaskID:      args[1],
						InputID:     args[2],
						FileName:    info.Name(),
						ContentType: contentType,
						Size:        info.Size(),
						Body:        fh,
					})
				} else {
					if len(args) < 4 {
						return fmt.Errorf("value required unless --file is given")
					}
					f, err = e.SetInputValue(ctx, p, args[0], args[1], args[2], args[3])
				}
				if err != nil {
					return err
				}
				return printFlowSummary(f)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "file to upload")
	cmd.Flags().StringVar(&contentType, "content-type", "application/octet-stream", "uploaded file content type")
	return cmd
}

func taskMessageCmd() *cobra.Command {
	var markRead bool
	cmd := &cobra.Command{
		Use:   "message <flow-id> <task-id> [text]",
		Short: "Post a message on a task, or mark its thread read",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				if markRead {
					f, err := e.MarkMessagesRead(ctx, p, args[0], args[1])
					if err != nil {
						return err
					}
					return printFlowSummary(f)
				}
				if len(args) < 3 {
					return fmt.Errorf("message text required")
				}
				_, msg, err := e.PostMessage(ctx, p, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				return printJSONOrTable(msg)
			})
		},
	}
	cmd.Flags().BoolVar(&markRead, "read", false, "mark the thread read instead of posting")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <flow-id> <task-id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				f, err := e.DeleteTask(ctx, p, args[0], args[1])
				if err != nil {
					return err
				}
				return printFlowSummary(f)
			})
		},
	}
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage users and API keys"}
	u.AddCommand(userCreateCmd())
	u.AddCommand(userListCmd())
	u.AddCommand(apiKeyCmd())
	return u
}

func userCreateCmd() *cobra.Command {
	var opts engine.UserCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				u, err := e.CreateUser(ctx, p, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "user id (generated when empty)")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Role, "role", domain.RoleUser, "role (admin or user)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func userListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				users, err := e.ListUsers(ctx, p, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Email", "Name", "Role"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Email, u.Name, u.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "api-key", Short: "Manage API keys"}

	var name string
	create := &cobra.Command{
		Use:   "create <user-id>",
		Short: "Create an API key; the key is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				key, plain, err := e.CreateAPIKey(ctx, p, args[0], name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "user_id": key.UserID, "name": key.Name, "key": plain})
				}
				fmt.Printf("%s\n(id %s, store it now: it cannot be shown again)\n", plain, key.ID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")

	list := &cobra.Command{
		Use:   "list [user-id]",
		Short: "List API keys",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := ""
			if len(args) == 1 {
				userID = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				keys, err := e.ListAPIKeys(ctx, p, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Created"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.UserID, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				if err := e.RevokeAPIKey(ctx, p, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}

	k.AddCommand(create, list, revoke)
	return k
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var flowID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				events, err := e.FlowEvents(ctx, p, flowID, n, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Flow", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.FlowID, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&flowID, "flow", "", "only events of this flow")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.Open(cmd.Context(), appOptions())
			if err != nil {
				return err
			}
			defer rt.Close()
			cfg := rt.Config
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret: cfg.Auth.JWTSecret,
				DevLogin:  cfg.Auth.DevLogin,
				TokenTTL:  time.Duration(cfg.Auth.TokenTTLMinutes) * time.Minute,
			}
			if secret := viper.GetString("jwt-secret"); secret != "" {
				authCfg.JWTSecret = secret
			}
			if authCfg.JWTSecret == "" && authCfg.DevLogin {
				return fmt.Errorf("auth.jwt_secret (or ACTIONFLOW_JWT_SECRET) is required when dev login is enabled")
			}
			handler, err := server.New(server.Config{
				Engine:    rt.Engine,
				BasePath:  basePath,
				Auth:      authCfg,
				Logger:    rt.Log,
				RateLimit: cfg.Server.RateLimit,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g, ctx := errgroup.WithContext(cmd.Context())
			if d := server.NewWebhookDispatcher(rt.Engine, rt.Log); d != nil {
				g.Go(func() error {
					d.Run(ctx)
					return nil
				})
			}
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				defer stop()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				rt.Log.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
				fmt.Printf("Serving ActionFlow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return errServerStopped
			})
			if err := g.Wait(); err != nil && !errors.Is(err, errServerStopped) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HMAC secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

// errServerStopped ends the serve group once the listener has closed.
var errServerStopped = errors.New("server stopped")

func appOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
	}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, auth.Principal) error) error {
	rt, err := app.Open(ctx, appOptions())
	if err != nil {
		return err
	}
	defer rt.Close()
	p, err := rt.Principal(ctx, viper.GetString("actor"))
	if err != nil {
		return err
	}
	return fn(ctx, rt.Engine, p)
}

func printFlowSummary(f domain.ActionFlow) error {
	if viper.GetBool("json") {
		return printJSON(f)
	}
	progress := flowstatus.ComputeProgress(f)
	fmt.Printf("%s: %s (%s), %d/%d tasks done\n", f.ID, flowstatus.DetermineFlowStatus(f), flowstatus.FlowDisplayStatus(f), progress.CompletedTasks, progress.TotalTasks)
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func checkbox(done bool) string {
	if done {
		return "[x]"
	}
	return "[ ]"
}
