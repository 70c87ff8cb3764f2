package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opsdeck/internal/advisor"
	"opsdeck/internal/app"
	"opsdeck/internal/db"
	"opsdeck/internal/domain"
	"opsdeck/internal/engine"
	"opsdeck/internal/migrate"
	"opsdeck/internal/repo"
	"opsdeck/internal/server"
	"opsdeck/internal/session"
)

var rootCmd = &cobra.Command{
	Use:   "opsdeck",
	Short: "OpsDeck CLI",
	Long: `OpsDeck is a tactical dashboard for project work.
- Workspace: the .opsdeck directory holding the shared database; every
  process pointed at the same workspace sees the same board and the same
  live meeting.
- Board: tasks grouped into todo / in_progress / review / done columns.
  Admins and managers manage everything; employees move their own tasks.
- Meeting: one live meeting per workspace, started by a manager or admin,
  observed by everyone through polling; stopping archives it as a session.
- Advisor: drafts tasks, estimates effort and summarizes meetings; when
  the endpoint is down you still get usable fallback content.
- Event log: journal of changes, view with 'opsdeck log tail'.`,
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
	_ = godotenv.Load()
	viper.SetEnvPrefix("OPSDECK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "acting user identifier")
	rootCmd.PersistentFlags().String("actor-name", "", "acting user display name")
	rootCmd.PersistentFlags().String("role", "", "acting user role (admin, manager, employee)")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides the active project)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-name", rootCmd.PersistentFlags().Lookup("actor-name"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(meetingCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(adviseCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := actingUser(ctx, e.Repo)
				if err != nil {
					return err
				}
				p, err := e.CreateProject(ctx, name, desc, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
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
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the working project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set the workspace's active project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetProject(ctx, projectID); err != nil {
					return err
				}
				if err := r.SetActiveProject(ctx, projectID); err != nil {
					return err
				}
				fmt.Printf("Active project is now %s\n", projectID)
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskEditCmd())
	task.AddCommand(taskMoveCmd())
	task.AddCommand(taskRmCmd())
	return task
}

func taskAddCmd() *cobra.Command {
	var title, desc, status, category, assignee, assigneeID, priority, plan string
	var criteria []string
	var hours float64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := actingUser(ctx, e.Repo)
				if err != nil {
					return err
				}
				t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					ProjectID:          e.Config.Project.ID,
					Title:              title,
					Description:        desc,
					Status:             status,
					Category:           category,
					Assignee:           assignee,
					AssigneeID:         assigneeID,
					Priority:           priority,
					AcceptanceCriteria: criteria,
					EstimatedHours:     hours,
					TechnicalPlan:      plan,
				}, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&status, "status", "", "status (todo, in_progress, review, done)")
	cmd.Flags().StringVar(&category, "category", "", "category label")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee display name")
	cmd.Flags().StringVar(&assigneeID, "assignee-id", "", "assignee user id")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, medium, high)")
	cmd.Flags().StringSliceVar(&criteria, "criterion", nil, "acceptance criterion (repeatable)")
	cmd.Flags().Float64Var(&hours, "hours", 0, "estimated hours")
	cmd.Flags().StringVar(&plan, "plan", "", "technical plan")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status, assignee, priority string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
					ProjectID: e.Config.Project.ID,
					Status:    status,
					Assignee:  assignee,
					Priority:  priority,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&assignee, "assignee", "", "filter by assignee")
	cmd.Flags().StringVar(&priority, "priority", "", "filter by priority")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskEditCmd() *cobra.Command {
	var title, desc, category, assignee, assigneeID, priority, plan string
	var criteria []string
	var hours float64
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := actingUser(ctx, e.Repo)
				if err != nil {
					return err
				}
				patch := engine.TaskPatch{}
				if cmd.Flags().Changed("title") {
					patch.Title = &title
				}
				if cmd.Flags().Changed("description") {
					patch.Description = &desc
				}
				if cmd.Flags().Changed("category") {
					patch.Category = &category
				}
				if cmd.Flags().Changed("assignee") {
					patch.Assignee = &assignee
				}
				if cmd.Flags().Changed("assignee-id") {
					patch.AssigneeID = &assigneeID
				}
				if cmd.Flags().Changed("priority") {
					patch.Priority = &priority
				}
				if cmd.Flags().Changed("criterion") {
					patch.AcceptanceCriteria = criteria
					patch.CriteriaProvided = true
				}
				if cmd.Flags().Changed("hours") {
					patch.EstimatedHours = &hours
				}
				if cmd.Flags().Changed("plan") {
					patch.TechnicalPlan = &plan
				}
				t, err := e.UpdateTask(ctx, args[0], patch, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&category, "category", "", "category label")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee display name")
	cmd.Flags().StringVar(&assigneeID, "assignee-id", "", "assignee user id")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, medium, high)")
	cmd.Flags().StringSliceVar(&criteria, "criterion", nil, "acceptance criterion (repeatable)")
	cmd.Flags().Float64Var(&hours, "hours", 0, "estimated hours")
	cmd.Flags().StringVar(&plan, "plan", "", "technical plan")
	return cmd
}

func taskMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <id> <status>",
		Short: "Move a task to another column",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := actingUser(ctx, e.Repo)
				if err != nil {
					return err
				}
				t, err := e.SetStatus(ctx, args[0], args[1], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := actingUser(ctx, e.Repo)
				if err != nil {
					return err
				}
				return e.DeleteTask(ctx, args[0], actor)
			})
		},
	}
}

func boardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "board",
		Short: "Show the task board",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				board, err := e.Board(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(board)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Status", "Title", "Assignee", "Priority", "Est (h)"})
				for _, status := range domain.Statuses {
					for _, task := range board[status] {
						t.AppendRow(table.Row{status, task.Title, task.Assignee, task.Priority, task.EstimatedHours})
					}
					t.AppendSeparator()
				}
				t.Render()
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx, p.ID)
				if err != nil {
					return err
				}
				coord := newCoordinator(e)
				meetingActive := false
				if _, err := coord.Store.Read(ctx); err == nil {
					meetingActive = true
				}
				return printJSONOrTable(map[string]any{
					"project_id":     p.ID,
					"name":           p.Name,
					"task_counts":    counts,
					"meeting_active": meetingActive,
				})
			})
		},
	}
}

func meetingCmd() *cobra.Command {
	meeting := &cobra.Command{Use: "meeting", Short: "Live meeting coordination"}
	meeting.AddCommand(meetingStartCmd())
	meeting.AddCommand(meetingJoinCmd())
	meeting.AddCommand(meetingLeaveCmd())
	meeting.AddCommand(meetingStopCmd())
	meeting.AddCommand(meetingStatusCmd())
	meeting.AddCommand(meetingWatchCmd())
	return meeting
}

func meetingStartCmd() *cobra.Command {
	var topic string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a live meeting",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := actingUser(ctx, e.Repo)
				if err != nil {
					return err
				}
				m, err := newCoordinator(e).Start(ctx, actor, topic)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "meeting topic")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func meetingJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join",
		Short: "Join the live meeting",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := actingUser(ctx, e.Repo)
				if err != nil {
					return err
				}
				m, err := newCoordinator(e).Join(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func meetingLeaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leave",
		Short: "Leave the live meeting",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := actingUser(ctx, e.Repo)
				if err != nil {
					return err
				}
				m, err := newCoordinator(e).Leave(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func meetingStopCmd() *cobra.Command {
	var transcript []string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the live meeting and archive it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := actingUser(ctx, e.Repo)
				if err != nil {
					return err
				}
				s, err := newCoordinator(e).Stop(ctx, actor, transcript)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringSliceVar(&transcript, "note", nil, "transcript entry (repeatable)")
	return cmd
}

func meetingStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the live meeting, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := newCoordinator(e).Store.Read(ctx)
				if errors.Is(err, session.ErrNoMeeting) {
					fmt.Println("no active meeting")
					return nil
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func meetingWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the live meeting record until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
				defer stop()
				coord := newCoordinator(e)
				defer coord.Close()
				coord.OnChange = func(s session.Snapshot) {
					if !s.Active {
						fmt.Println("meeting ended")
						return
					}
					fmt.Printf("meeting %q hosted by %s (%d participants)\n",
						s.Meeting.Topic, s.Meeting.HostName, len(s.Meeting.Participants))
				}
				coord.Run(ctx)
				return nil
			})
		},
	}
}

func sessionCmd() *cobra.Command {
	sess := &cobra.Command{Use: "session", Short: "Archived meeting sessions"}
	sess.AddCommand(sessionListCmd())
	sess.AddCommand(sessionShowCmd())
	sess.AddCommand(sessionSummarizeCmd())
	return sess
}

func sessionListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListMeetingSessions(ctx, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max results")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an archived session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetMeetingSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionSummarizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summarize <id>",
		Short: "Generate and attach a summary for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetMeetingSession(ctx, args[0])
				if err != nil {
					return err
				}
				summary, aerr := advisor.New(e.Config).SummarizeMeeting(ctx, s.Transcript)
				if aerr != nil && !errors.Is(aerr, advisor.ErrUnavailable) {
					return aerr
				}
				if aerr == nil {
					if err := e.Repo.SetMeetingSessionSummary(ctx, s.ID, summary.Summary, summary.ActionItems); err != nil {
						return err
					}
				} else {
					fmt.Fprintln(os.Stderr, "advisor unreachable; summary not stored")
				}
				return printJSONOrTable(summary)
			})
		},
	}
}

func adviseCmd() *cobra.Command {
	adv := &cobra.Command{Use: "advise", Short: "Ask the advisor"}
	adv.AddCommand(adviseDraftCmd())
	adv.AddCommand(adviseEstimateCmd())
	adv.AddCommand(advisePlanCmd())
	adv.AddCommand(adviseInsightsCmd())
	adv.AddCommand(adviseStandupCmd())
	adv.AddCommand(adviseCoachingCmd())
	return adv
}

func adviseDraftCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "draft <brief>",
		Short: "Draft a task from a one-line brief",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				draft, err := advisor.New(e.Config).DraftTask(ctx, strings.Join(args, " "))
				warnDegraded(err)
				return printJSONOrTable(draft)
			})
		},
	}
}

func adviseEstimateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "estimate <task-id>",
		Short: "Estimate effort for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				est, aerr := advisor.New(e.Config).EstimateEffort(ctx, t)
				warnDegraded(aerr)
				return printJSONOrTable(est)
			})
		},
	}
}

func advisePlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <task-id>",
		Short: "Draft a technical plan for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				plan, aerr := advisor.New(e.Config).TechnicalPlan(ctx, t)
				warnDegraded(aerr)
				fmt.Println(plan)
				return nil
			})
		},
	}
}

func adviseInsightsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "insights",
		Short: "Workload insights across the board",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: e.Config.Project.ID})
				if err != nil {
					return err
				}
				users, err := e.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				ins, aerr := advisor.New(e.Config).TeamInsights(ctx, tasks, users)
				warnDegraded(aerr)
				return printJSONOrTable(ins)
			})
		},
	}
}

func adviseStandupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "standup",
		Short: "Standup report for the board",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: e.Config.Project.ID})
				if err != nil {
					return err
				}
				report, aerr := advisor.New(e.Config).Standup(ctx, tasks)
				warnDegraded(aerr)
				fmt.Println(report)
				return nil
			})
		},
	}
}

func adviseCoachingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "coaching",
		Short: "Personal workload coaching",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := actingUser(ctx, e.Repo)
				if err != nil {
					return err
				}
				tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{Assignee: actor.Name})
				if err != nil {
					return err
				}
				advice, aerr := advisor.New(e.Config).Coaching(ctx, actor, tasks)
				warnDegraded(aerr)
				fmt.Println(advice)
				return nil
			})
		},
	}
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage team members"}
	user.AddCommand(userAddCmd())
	user.AddCommand(userListCmd())
	return user
}

func userAddCmd() *cobra.Command {
	var id, name, email, role, avatar string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or update a team member",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || role == "" {
				return fmt.Errorf("--name and --role required")
			}
			if !domain.ValidRole(role) {
				return fmt.Errorf("invalid role %s", role)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if id == "" {
					id = uuid.New().String()
				}
				u, err := r.UpsertUser(ctx, domain.User{ID: id, Name: name, Email: email, Role: role, Avatar: avatar})
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id (generated when omitted)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&role, "role", "", "role (admin, manager, employee)")
	cmd.Flags().StringVar(&avatar, "avatar", "", "avatar URL")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List team members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage API keys"}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyRmCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext := "odk_" + uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					UserID:    viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(plaintext),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// plaintext is shown once and never stored
				return printJSONOrTable(map[string]string{
					"id":   key.ID,
					"name": key.Name,
					"key":  plaintext,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func keyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the acting user's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
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
}

func keyRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event journal"}
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

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
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
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), viper.GetString("project"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("OPSDECK_JWT_SECRET"),
				AllowLegacyActorHeader: allowActorHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("OPSDECK_JWT_SECRET is required for bearer auth")
			}
			coord := newCoordinator(e)
			defer coord.Close()
			go coord.Run(cmd.Context())
			server.StartWebhookDispatcher(e)
			handler, err := server.New(server.Config{
				Engine:      e,
				Coordinator: coord,
				Advisor:     advisor.New(cfg),
				BasePath:    basePath,
				Auth:        authCfg,
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
			fmt.Printf("Serving OpsDeck API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept the X-Actor-Id header in place of credentials (local use only)")
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
	_, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), r)
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

func newCoordinator(e engine.Engine) *session.Coordinator {
	key := session.DefaultKey
	interval := session.DefaultPollInterval
	if e.Config != nil {
		if e.Config.Meeting.Key != "" {
			key = e.Config.Meeting.Key
		}
		if e.Config.Meeting.PollIntervalSeconds > 0 {
			interval = time.Duration(e.Config.Meeting.PollIntervalSeconds) * time.Second
		}
	}
	return session.NewCoordinator(e.DB, key, interval)
}

// actingUser resolves the --actor-id flag into a domain user, preferring
// the stored record and falling back to the flag values for ad hoc use.
func actingUser(ctx context.Context, r repo.Repo) (domain.User, error) {
	id := viper.GetString("actor-id")
	if id == "" {
		return domain.User{}, fmt.Errorf("--actor-id required")
	}
	u, err := r.GetUser(ctx, id)
	if err == nil {
		if role := viper.GetString("role"); role != "" && domain.ValidRole(role) {
			u.Role = role
		}
		return u, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	name := viper.GetString("actor-name")
	if name == "" {
		name = id
	}
	role := viper.GetString("role")
	if !domain.ValidRole(role) {
		role = domain.RoleAdmin
	}
	return domain.User{ID: id, Name: name, Role: role}, nil
}

func warnDegraded(err error) {
	if errors.Is(err, advisor.ErrUnavailable) {
		fmt.Fprintln(os.Stderr, "advisor unreachable; showing fallback content")
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
