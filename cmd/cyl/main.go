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
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"cycleline/internal/app"
	"cycleline/internal/config"
	"cycleline/internal/db"
	"cycleline/internal/domain"
	"cycleline/internal/engine"
	"cycleline/internal/migrate"
	"cycleline/internal/repo"
	"cycleline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cyl",
	Short: "Cycleline CLI",
	Long: `Cycleline runs multi-role testing cycles for regulatory reports.
Core concepts:
- Workspace: the .cycleline directory holding the database; workflow configs are stored in the DB and imported explicitly.
- Cycle: one testing cycle containing the reports under test.
- Phases: the ordered workflow per report (planning through finalize_test_report), instantiated lazily from the cycle's template. Phase status is always derived, never stored.
- Activities: the template-driven steps inside a phase; they flow pending -> in_progress -> completed.
- Assignments: cross-role work items routed to a user or role; they flow assigned -> acknowledged -> in_progress -> completed, with cancel and escalate as exits.
- Approvals: gate assignments carrying per-item decisions; a needs_revision round reopens the same assignment at the next revision.
- Event log: append-only diary of every change, view with 'cyl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CYCLELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "acting user identifier")
	rootCmd.PersistentFlags().String("cycle", "", "cycle id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("cycle", rootCmd.PersistentFlags().Lookup("cycle"))
}

func registerCommands() {
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(assignmentCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func cycleCmd() *cobra.Command {
	c := &cobra.Command{Use: "cycle", Short: "Manage cycles"}
	c.AddCommand(cycleCreateCmd())
	c.AddCommand(cycleListCmd())
	c.AddCommand(cycleShowCmd())
	c.AddCommand(cycleUseCmd())
	return c
}

func cycleCreateCmd() *cobra.Command {
	var id, name, configFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create cycle",
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
			if configFile != "" {
				cfg, err = config.FromFile(configFile)
				if err != nil {
					return err
				}
				cfg.Cycle.ID = id
			}
			e := engine.New(conn, cfg)
			c, err := e.InitCycle(cmd.Context(), id, name, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "cycle id")
	cmd.Flags().StringVar(&name, "name", "", "cycle name")
	cmd.Flags().StringVar(&configFile, "config", "", "workflow config YAML (defaults to the built-in template)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func cycleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCycles(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func cycleShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCycle(ctx, e.Config.Cycle.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func cycleUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current cycle for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cycleID := strings.TrimSpace(args[0])
			if cycleID == "" {
				return fmt.Errorf("cycle id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "CYCLELINE_CYCLE", cycleID); err != nil {
				return err
			}
			fmt.Printf("Set CYCLELINE_CYCLE=%s in %s/.env\n", cycleID, workspace)
			return nil
		},
	}
	return cmd
}

func reportCmd() *cobra.Command {
	rep := &cobra.Command{
		Use:   "report",
		Short: "Manage reports",
		Long:  "Reports are the regulatory reports enrolled in a cycle. Each carries tester/owner staffing that satisfies role-addressed assignments.",
	}
	rep.AddCommand(reportCreateCmd())
	rep.AddCommand(reportListCmd())
	rep.AddCommand(reportShowCmd())
	rep.AddCommand(reportStaffCmd())
	return rep
}

func reportCreateCmd() *cobra.Command {
	var opts engine.ReportCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Enroll report in the cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.CycleID == "" {
					opts.CycleID = e.Config.Cycle.ID
				}
				rep, err := e.CreateReport(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "report id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.CycleID, "cycle-id", "", "cycle id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "report name")
	cmd.Flags().StringVar(&opts.LOB, "lob", "", "line of business")
	cmd.Flags().StringVar(&opts.TesterID, "tester-id", "", "assigned tester")
	cmd.Flags().StringVar(&opts.OwnerID, "owner-id", "", "report owner")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func reportListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListReports(ctx, e.Config.Cycle.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "LOB", "Tester", "Owner"})
				for _, rep := range items {
					tw.AppendRow(table.Row{rep.ID, rep.Name, rep.LOB, rep.TesterID, rep.OwnerID})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func reportShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.Repo.GetReport(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	return cmd
}

func reportStaffCmd() *cobra.Command {
	var tester, owner string
	cmd := &cobra.Command{
		Use:   "staff <id>",
		Short: "Update report tester/owner staffing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			var testerPtr, ownerPtr *string
			if cmd.Flags().Changed("tester-id") {
				testerPtr = &tester
			}
			if cmd.Flags().Changed("owner-id") {
				ownerPtr = &owner
			}
			if testerPtr == nil && ownerPtr == nil {
				return fmt.Errorf("--tester-id or --owner-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.UpdateReportStaffing(ctx, id, testerPtr, ownerPtr); err != nil {
					return err
				}
				rep, err := e.Repo.GetReport(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	cmd.Flags().StringVar(&tester, "tester-id", "", "assigned tester (empty clears)")
	cmd.Flags().StringVar(&owner, "owner-id", "", "report owner (empty clears)")
	return cmd
}

func phaseCmd() *cobra.Command {
	ph := &cobra.Command{
		Use:   "phase",
		Short: "Manage report phases",
		Long:  "Phases are the ordered workflow steps per report. Status is derived on every read from activity and approval-gate state; start/complete only stamp the actions.",
	}
	ph.AddCommand(phaseStatusCmd())
	ph.AddCommand(phaseStartCmd())
	ph.AddCommand(phaseCompleteCmd())
	return ph
}

func phaseStatusCmd() *cobra.Command {
	var reportID string
	cmd := &cobra.Command{
		Use:   "status <phase>",
		Short: "Show derived phase status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			phaseName := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.PhaseStatus(ctx, e.Config.Cycle.ID, reportID, phaseName)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Phase: %s (%s) %d%%\n", res.Phase.PhaseName, res.Status, res.CompletionPercent)
				for _, a := range res.Activities {
					fmt.Printf("  %s: %s\n", a.ActivityName, a.State)
				}
				for _, g := range res.Gates {
					fmt.Printf("  gate %s: satisfied=%t status=%s\n", g.AssignmentType, g.Satisfied, g.Status)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reportID, "report", "", "report id")
	_ = cmd.MarkFlagRequired("report")
	return cmd
}

func phaseStartCmd() *cobra.Command {
	var reportID string
	cmd := &cobra.Command{
		Use:   "start <phase>",
		Short: "Start a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			phaseName := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.StartPhase(ctx, engine.PhaseActionOptions{
					CycleID:   e.Config.Cycle.ID,
					ReportID:  reportID,
					PhaseName: phaseName,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&reportID, "report", "", "report id")
	_ = cmd.MarkFlagRequired("report")
	return cmd
}

func phaseCompleteCmd() *cobra.Command {
	var reportID string
	cmd := &cobra.Command{
		Use:   "complete <phase>",
		Short: "Complete a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			phaseName := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CompletePhase(ctx, engine.PhaseActionOptions{
					CycleID:   e.Config.Cycle.ID,
					ReportID:  reportID,
					PhaseName: phaseName,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&reportID, "report", "", "report id")
	_ = cmd.MarkFlagRequired("report")
	return cmd
}

func activityCmd() *cobra.Command {
	act := &cobra.Command{
		Use:   "activity",
		Short: "Manage phase activities",
		Long:  "Activities flow pending -> in_progress -> completed. Reset back to pending is an admin capability; completed activities can also be stamped by external jobs.",
	}
	act.AddCommand(activityListCmd())
	act.AddCommand(activityTransitionCmd())
	act.AddCommand(activityResetCmd())
	act.AddCommand(activityJobCompleteCmd())
	return act
}

func activityOptions(e engine.Engine, reportID, phaseName, activityName string) engine.ActivityOptions {
	return engine.ActivityOptions{
		CycleID:      e.Config.Cycle.ID,
		ReportID:     reportID,
		PhaseName:    phaseName,
		ActivityName: activityName,
		ActorID:      viper.GetString("actor-id"),
	}
}

func activityListCmd() *cobra.Command {
	var reportID, phaseName string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List phase activities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.EnsurePhase(ctx, e.Config.Cycle.ID, reportID, phaseName); err != nil {
					return err
				}
				items, err := e.Repo.ListActivities(ctx, e.Config.Cycle.ID, reportID, phaseName)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Activity", "State", "Required", "Started", "Completed"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ActivityName, a.State, a.Required, a.StartedAt, a.CompletedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reportID, "report", "", "report id")
	cmd.Flags().StringVar(&phaseName, "phase", "", "phase name")
	_ = cmd.MarkFlagRequired("report")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func activityTransitionCmd() *cobra.Command {
	var reportID, phaseName, target string
	cmd := &cobra.Command{
		Use:   "transition <activity>",
		Short: "Transition activity state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			activityName := args[0]
			if target == "" {
				return fmt.Errorf("--to required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.TransitionActivity(ctx, activityOptions(e, reportID, phaseName, activityName), target)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reportID, "report", "", "report id")
	cmd.Flags().StringVar(&phaseName, "phase", "", "phase name")
	cmd.Flags().StringVar(&target, "to", "", "target state (in_progress, completed)")
	_ = cmd.MarkFlagRequired("report")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func activityResetCmd() *cobra.Command {
	var reportID, phaseName string
	cmd := &cobra.Command{
		Use:   "reset <activity>",
		Short: "Reset activity to pending (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			activityName := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ResetActivity(ctx, activityOptions(e, reportID, phaseName, activityName))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reportID, "report", "", "report id")
	cmd.Flags().StringVar(&phaseName, "phase", "", "phase name")
	_ = cmd.MarkFlagRequired("report")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func activityJobCompleteCmd() *cobra.Command {
	var reportID, phaseName, jobID string
	cmd := &cobra.Command{
		Use:   "job-complete <activity>",
		Short: "Complete activity from an external job signal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			activityName := args[0]
			if jobID == "" {
				return fmt.Errorf("--job-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CompleteActivityFromJob(ctx, activityOptions(e, reportID, phaseName, activityName), jobID)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reportID, "report", "", "report id")
	cmd.Flags().StringVar(&phaseName, "phase", "", "phase name")
	cmd.Flags().StringVar(&jobID, "job-id", "", "external job id")
	_ = cmd.MarkFlagRequired("report")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func assignmentCmd() *cobra.Command {
	as := &cobra.Command{
		Use:   "assignment",
		Short: "Manage assignments",
		Long:  "Assignments route work across roles: assigned -> acknowledged -> in_progress -> completed, with cancel and escalate as exits. One active assignment per (type, cycle, report, phase) scope.",
	}
	as.AddCommand(assignmentCreateCmd())
	as.AddCommand(assignmentListCmd())
	as.AddCommand(assignmentShowCmd())
	as.AddCommand(assignmentActionCmd("acknowledge", "Acknowledge assignment", engine.Engine.AcknowledgeAssignment))
	as.AddCommand(assignmentActionCmd("start", "Start assignment", engine.Engine.StartAssignment))
	as.AddCommand(assignmentActionCmd("complete", "Complete assignment", engine.Engine.CompleteAssignment))
	as.AddCommand(assignmentActionCmd("cancel", "Cancel assignment (creator or admin)", engine.Engine.CancelAssignment))
	as.AddCommand(assignmentActionCmd("escalate", "Escalate assignment (admin)", engine.Engine.EscalateAssignment))
	return as
}

func assignmentCreateCmd() *cobra.Command {
	var opts engine.AssignmentCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create assignment",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.CycleID == "" {
					opts.CycleID = e.Config.Cycle.ID
				}
				a, err := e.CreateAssignment(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "assignment id (optional)")
	cmd.Flags().StringVar(&opts.AssignmentType, "type", "", "assignment type from the catalog")
	cmd.Flags().StringVar(&opts.CycleID, "cycle-id", "", "cycle id")
	cmd.Flags().StringVar(&opts.ReportID, "report", "", "report id")
	cmd.Flags().StringVar(&opts.PhaseName, "phase", "", "phase name")
	cmd.Flags().StringVar(&opts.ToUser, "to-user", "", "addressee user id")
	cmd.Flags().StringVar(&opts.ToRole, "to-role", "", "addressee role")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.ContextJSON, "context-json", "", "context JSON")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (low, medium, high, critical)")
	cmd.Flags().StringVar(&opts.DueDate, "due-date", "", "due date (RFC3339)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func assignmentListCmd() *cobra.Command {
	var f repo.AssignmentFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.CycleID == "" {
					f.CycleID = e.Config.Cycle.ID
				}
				items, err := e.Repo.ListAssignments(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "To", "Report", "Phase", "Due"})
				for _, a := range items {
					to := a.ToUser
					if to == "" {
						to = "role:" + a.ToRole
					}
					tw.AppendRow(table.Row{a.ID, a.AssignmentType, a.Status, to, a.ReportID, a.PhaseName, a.DueDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.CycleID, "cycle-id", "", "cycle filter")
	cmd.Flags().StringVar(&f.ReportID, "report", "", "report filter")
	cmd.Flags().StringVar(&f.PhaseName, "phase", "", "phase filter")
	cmd.Flags().StringVar(&f.AssignmentType, "type", "", "type filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ToUser, "to-user", "", "addressee user filter")
	cmd.Flags().StringVar(&f.ToRole, "to-role", "", "addressee role filter")
	return cmd
}

func assignmentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAssignment(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func assignmentActionCmd(name, short string, run func(engine.Engine, context.Context, engine.AssignmentActionOptions) (domain.Assignment, error)) *cobra.Command {
	var expectedVersion int64
	var notes, contextUpdates string
	cmd := &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.AssignmentActionOptions{
				ID:             args[0],
				ActorID:        viper.GetString("actor-id"),
				Notes:          notes,
				ContextUpdates: contextUpdates,
			}
			if cmd.Flags().Changed("expected-version") {
				opts.ExpectedVersion = &expectedVersion
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := run(e, ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "fail if the assignment version differs")
	cmd.Flags().StringVar(&notes, "notes", "", "completion notes")
	cmd.Flags().StringVar(&contextUpdates, "context-updates-json", "", "context updates JSON (merged on complete)")
	return cmd
}

func approvalCmd() *cobra.Command {
	ap := &cobra.Command{
		Use:   "approval",
		Short: "Manage approvals",
		Long:  "Approvals are gate assignments carrying per-item decisions. All items approved resolves the assignment Approved; any rejection resolves it Rejected; needs_revision rounds reopen the same assignment at the next revision.",
	}
	ap.AddCommand(approvalSubmitCmd())
	ap.AddCommand(approvalShowCmd())
	ap.AddCommand(approvalDecideCmd())
	ap.AddCommand(approvalResubmitCmd())
	return ap
}

func approvalSubmitCmd() *cobra.Command {
	var opts engine.SubmitForApprovalOptions
	var items []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit items for approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			for _, raw := range items {
				key, desc, _ := strings.Cut(raw, "=")
				opts.Items = append(opts.Items, engine.ApprovalItemInput{Key: key, Description: desc})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.CycleID == "" {
					opts.CycleID = e.Config.Cycle.ID
				}
				ap, err := e.SubmitForApproval(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ap)
			})
		},
	}
	cmd.Flags().StringVar(&opts.AssignmentType, "type", "", "approval assignment type")
	cmd.Flags().StringVar(&opts.CycleID, "cycle-id", "", "cycle id")
	cmd.Flags().StringVar(&opts.ReportID, "report", "", "report id")
	cmd.Flags().StringVar(&opts.PhaseName, "phase", "", "phase name")
	cmd.Flags().StringVar(&opts.ToUser, "to-user", "", "reviewer user id")
	cmd.Flags().StringVar(&opts.ToRole, "to-role", "", "reviewer role")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringArrayVar(&items, "item", []string{}, "item key, optionally key=description (repeatable)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func approvalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <assignment-id>",
		Short: "Show approval state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ap, err := e.GetApproval(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(ap)
			})
		},
	}
	return cmd
}

func approvalDecideCmd() *cobra.Command {
	var decision, comments string
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "decide <assignment-id> <item-id>",
		Short: "Decide one approval item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if decision == "" {
				return fmt.Errorf("--decision required")
			}
			opts := engine.DecideOptions{
				AssignmentID: args[0],
				ItemID:       args[1],
				Decision:     decision,
				Comments:     comments,
				ActorID:      viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("expected-version") {
				opts.ExpectedVersion = &expectedVersion
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ap, err := e.Decide(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ap)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approved, rejected or needs_revision")
	cmd.Flags().StringVar(&comments, "comments", "", "reviewer comments")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "fail if the assignment version differs")
	return cmd
}

func approvalResubmitCmd() *cobra.Command {
	var comments string
	cmd := &cobra.Command{
		Use:   "resubmit <assignment-id>",
		Short: "Resubmit after needs-revision decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ap, err := e.Resubmit(ctx, engine.ResubmitOptions{
					AssignmentID: args[0],
					ActorID:      viper.GetString("actor-id"),
					Comments:     comments,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ap)
			})
		},
	}
	cmd.Flags().StringVar(&comments, "comments", "", "resubmission comments")
	return cmd
}

func roleCmd() *cobra.Command {
	r := &cobra.Command{Use: "role", Short: "Manage workflow roles"}
	r.AddCommand(roleGrantCmd())
	r.AddCommand(roleRevokeCmd())
	return r
}

func roleGrantCmd() *cobra.Command {
	var user, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant role to user (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" || role == "" {
				return fmt.Errorf("--user and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, user, role, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", "", "role name")
	return cmd
}

func roleRevokeCmd() *cobra.Command {
	var user, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke role from user (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" || role == "" {
				return fmt.Errorf("--user and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, user, role, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", "", "role name")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect cycle workflow config",
		Long:  "Config is the workflow template stored in the DB: phases, activities, approval gates, the assignment-type catalog and roles. Import from cycleline.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import workflow config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			cycleID := cfg.Cycle.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if cycleID == "" {
					cycleID = e.Config.Cycle.ID
				}
				if err := e.Repo.UpsertCycleConfig(ctx, cycleID, cfg); err != nil {
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

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
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
	return cmd
}

func configInitCmd() *cobra.Command {
	var cycleID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default workflow template to cycleline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(cycleID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&cycleID, "cycle-id", "", "cycle id to embed")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The append-only diary of everything that happened: phase starts, activity transitions, assignment routing and approval decisions.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var reportID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Cycle.ID, reportID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&reportID, "report", "", "report filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyRevokeCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var user, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create API key for a user (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				return fmt.Errorf("--user required")
			}
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := "cyl_" + hex.EncodeToString(raw)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.EnsureUser(ctx, tx, user, now); err != nil {
					return err
				}
				key := domain.APIKey{
					ID:        uuid.New().String(),
					UserID:    user,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: now,
				}
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "user_id": user, "key": secret})
				}
				fmt.Printf("API key (save it now, it is not stored): %s\n", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, user)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user filter")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
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
	var allowLegacyHeader bool
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
			_, cfg, err := app.ResolveCycleAndConfig(cmd.Context(), workspace, viper.GetString("cycle"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:             os.Getenv("CYCLELINE_JWT_SECRET"),
				AllowLegacyUserHeader: allowLegacyHeader,
				Logger:                zap.NewStdLog(logger),
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CYCLELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(cmd.Context(), server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			logger.Info("serving Cycleline API",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.String("cycle", cfg.Cycle.ID),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-user-header", false, "accept the unauthenticated X-User-Id header")
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
	_, cfg, err := app.ResolveCycleAndConfig(ctx, workspace, viper.GetString("cycle"), viper.GetString("actor-id"), r)
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
