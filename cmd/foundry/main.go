package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"foundry/internal/board"
	"foundry/internal/config"
	"foundry/internal/db"
	"foundry/internal/domain"
	"foundry/internal/migrate"
	"foundry/internal/orch"
	"foundry/internal/plan"
	"foundry/internal/registry"
	"foundry/internal/repo"
	"foundry/internal/server"
	"foundry/internal/state"
	"foundry/internal/stream"
)

var rootCmd = &cobra.Command{
	Use:   "foundry",
	Short: "Foundry task-orchestration server",
	Long: `Foundry runs an LLM-driven development pipeline: projects are created from
a decomposed plan, a per-project PM loop dispatches ready tasks over durable
streams, and registered workers execute them and report results back.`,
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
	viper.SetEnvPrefix("FOUNDRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(pmCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var ingesters int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}

			conn, err := db.Open(db.Config{Workspace: workspace, BusyTimeoutMillis: cfg.Timeouts.StoreMillis})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			r := repo.Repo{DB: conn}
			queue := stream.New(conn)
			reg := registry.New(r, cfg.Heartbeat(), cfg.LivenessCutoff())
			bus := board.New()
			manager := orch.NewManager(r, queue, reg, bus, cfg, logger)

			runCtx, stop := context.WithCancel(cmd.Context())
			defer stop()

			if ingesters <= 0 {
				ingesters = 2
			}
			for i := 0; i < ingesters; i++ {
				in := &orch.Ingester{
					Repo:     r,
					Queue:    queue,
					Registry: reg,
					Bus:      bus,
					Manager:  manager,
					Logger:   logger,
					Consumer: fmt.Sprintf("ingester-%d", i),
					Block:    cfg.ConsumeBlock(),
				}
				go func() {
					if err := in.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("ingester stopped", "err", err)
					}
				}()
				if i == 0 {
					go func() {
						if err := in.RunJanitor(runCtx, cfg.JanitorSweep(), cfg.ClaimIdle()); err != nil && !errors.Is(err, context.Canceled) {
							logger.Error("janitor stopped", "err", err)
						}
					}()
				}
			}

			// Resume loops for projects that were active at shutdown.
			projects, err := r.ListProjects(runCtx)
			if err != nil {
				return err
			}
			for _, p := range projects {
				if p.Status == domain.ProjectActive {
					if err := manager.Start(runCtx, p.ID); err != nil {
						logger.Warn("resume orchestration failed", "project", p.ID, "err", err)
					}
				}
			}

			handler, err := server.New(server.Config{
				Repo:             r,
				Queue:            queue,
				Registry:         reg,
				Manager:          manager,
				Bus:              bus,
				BasePath:         cfg.Server.BasePath,
				Auth:             server.AuthConfig{JWTSecret: os.Getenv("FOUNDRY_JWT_SECRET")},
				Logger:           logger,
				HeartbeatSeconds: cfg.Workers.HeartbeatSeconds,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				stop()
				manager.Shutdown()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides foundry.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides foundry.yml)")
	cmd.Flags().IntVar(&ingesters, "ingesters", 2, "result ingester consumers")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectPlanCmd())
	prj.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Repo", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.RepoPath, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	prj.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a project and its phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				phases, err := r.ListPhases(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"project": p, "phases": phases})
			})
		},
	})
	prj.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteProject(ctx, args[0])
			})
		},
	})
	return prj
}

func projectCreateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project from a plan file",
		Long:  "Reads a decomposed plan (phases, tasks, dependency keys) from a JSON or YAML file and persists it as a unit. Tasks without dependencies start ready, the rest waiting.",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readPlanDocument(filePath)
			if err != nil {
				return err
			}
			batch, err := plan.Build(doc)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.CreatePlan(ctx, batch)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to plan JSON or YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func projectPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <id>",
		Short: "Show a project's phases and task graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				phases, err := r.ListPhases(ctx, args[0])
				if err != nil {
					return err
				}
				tasks, err := r.ListTasks(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"phases": phases, "tasks": tasks})
				}
				byPhase := map[string][]domain.Task{}
				for _, t := range tasks {
					byPhase[t.PhaseID] = append(byPhase[t.PhaseID], t)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Phase", "Task", "Status", "Priority", "Depends on"})
				for _, ph := range phases {
					for _, t := range byPhase[ph.ID] {
						tw.AppendRow(table.Row{fmt.Sprintf("%d. %s", ph.Ordinal, ph.Name), t.Title, t.Status, t.Priority, strings.Join(t.DependsOn, ", ")})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func readPlanDocument(filePath string) (plan.Document, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return plan.Document{}, err
	}
	var doc plan.Document
	if strings.HasSuffix(filePath, ".yaml") || strings.HasSuffix(filePath, ".yml") {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return plan.Document{}, fmt.Errorf("parse plan yaml: %w", err)
		}
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return plan.Document{}, fmt.Errorf("parse plan json: %w", err)
	}
	return doc, nil
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Manage worker registration tokens"}
	var name, expires string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a single-use registration token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				var expiresAt *time.Time
				if expires != "" {
					t, err := time.Parse(time.RFC3339, expires)
					if err != nil {
						return fmt.Errorf("invalid --expires-at: %w", err)
					}
					expiresAt = &t
				}
				t, err := reg.NewRegistrationToken(ctx, name, expiresAt)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "token display name")
	create.Flags().StringVar(&expires, "expires-at", "", "expiry (RFC3339)")
	tok.AddCommand(create)
	tok.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registration tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRegistrationTokens(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created", "Used", "Revoked"})
				for _, t := range items {
					used := ""
					if t.UsedAt != nil {
						used = *t.UsedAt
					}
					tw.AppendRow(table.Row{t.ID, t.Name, t.CreatedAt, used, t.Revoked})
				}
				tw.Render()
				return nil
			})
		},
	})
	tok.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a registration token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.RevokeRegistrationToken(ctx, args[0])
			})
		},
	})
	return tok
}

func workerCmd() *cobra.Command {
	wk := &cobra.Command{Use: "worker", Short: "Inspect workers"}
	wk.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workers with derived liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				workers, err := reg.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(workers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Platform", "Status", "Task", "Last heartbeat"})
				for _, w := range workers {
					task := ""
					if w.CurrentTaskID != nil {
						task = *w.CurrentTaskID
					}
					tw.AppendRow(table.Row{w.ID, w.Name, w.Platform, w.Status, task, w.LastHeartbeat})
				}
				tw.Render()
				return nil
			})
		},
	})
	wk.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteWorker(ctx, args[0])
			})
		},
	})
	return wk
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Get a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	})
	task.AddCommand(&cobra.Command{
		Use:   "history <id>",
		Short: "Show the transition history of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				records, err := r.ListHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "From", "To", "Actor", "Reason"})
				for _, rec := range records {
					tw.AppendRow(table.Row{rec.Timestamp, rec.FromStatus, rec.ToStatus, rec.Actor, rec.Reason})
				}
				tw.Render()
				return nil
			})
		},
	})
	var status, project string
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if project == "" {
				return fmt.Errorf("--project required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var statuses []domain.TaskStatus
				if status != "" {
					statuses = append(statuses, domain.TaskStatus(status))
				}
				tasks, err := r.ListTasks(ctx, project, statuses...)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Version", "Worker"})
				for _, t := range tasks {
					worker := ""
					if t.WorkerID != nil {
						worker = *t.WorkerID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, t.Version, worker})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&project, "project", "", "project id")
	list.Flags().StringVar(&status, "status", "", "status filter")
	task.AddCommand(list)
	task.AddCommand(taskTransitionCmd())
	return task
}

func taskTransitionCmd() *cobra.Command {
	var newStatus, actor, reason string
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Apply a task state transition",
		Long:  "Operator-side transitions, e.g. moving a crashed worker's task in_progress -> rejected and rejected -> ready for redispatch. Without --expected-version the current version is used.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withManager(cmd.Context(), func(ctx context.Context, m *orch.Manager) error {
				snap, err := m.Repo.Snapshot(ctx, id)
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("expected-version") {
					expectedVersion = snap.Task.Version
				}
				mut, err := state.Apply(snap, state.Proposal{
					To:              domain.TaskStatus(newStatus),
					Actor:           actor,
					Reason:          reason,
					ExpectedVersion: expectedVersion,
				})
				if err != nil {
					return err
				}
				if err := m.Repo.ApplyMutation(ctx, mut); err != nil {
					return err
				}
				if mut.Task.Status == domain.TaskDone {
					if err := m.PromoteDependents(ctx, id); err != nil {
						return err
					}
				}
				return printJSON(map[string]any{
					"task_id":         id,
					"status":          mut.Task.Status,
					"previous_status": snap.Task.Status,
					"version":         mut.Task.Version,
				})
			})
		},
	}
	cmd.Flags().StringVar(&newStatus, "status", "", "target status")
	cmd.Flags().StringVar(&actor, "actor", "user", "actor recorded in the audit trail")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit trail")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "version the transition expects (defaults to current)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func pmCmd() *cobra.Command {
	pm := &cobra.Command{
		Use:   "pm",
		Short: "Project orchestration controls",
		Long:  "Flip a project's orchestration status and drive one-shot dispatches. The scheduling loop itself runs inside 'foundry serve'; queue-next dispatches directly against the shared store and streams.",
	}
	pm.AddCommand(&cobra.Command{
		Use:   "start <project_id>",
		Short: "Mark a project active for orchestration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				if p.Status == domain.ProjectDesign {
					return orch.ErrProjectNotReady
				}
				return r.SetProjectStatus(ctx, args[0], domain.ProjectActive)
			})
		},
	})
	pm.AddCommand(&cobra.Command{
		Use:   "pause <project_id>",
		Short: "Pause orchestration for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.SetProjectStatus(ctx, args[0], domain.ProjectPaused)
			})
		},
	})
	pm.AddCommand(&cobra.Command{
		Use:   "status <project_id>",
		Short: "Show orchestration status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m *orch.Manager) error {
				status, err := m.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(status)
			})
		},
	})
	pm.AddCommand(&cobra.Command{
		Use:   "queue-next <project_id>",
		Short: "Dispatch the next ready task once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m *orch.Manager) error {
				task, err := m.QueueNext(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"detail": "task queued", "task_id": task.ID, "title": task.Title})
			})
		},
	})
	return pm
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Transition audit trail",
	}
	var n int
	var project, taskID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail the latest task transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				records, err := r.LatestHistory(ctx, n, project, taskID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Task", "From", "To", "Actor", "Reason"})
				for _, rec := range records {
					tw.AppendRow(table.Row{rec.Timestamp, rec.TaskID, rec.FromStatus, rec.ToStatus, rec.Actor, rec.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of records")
	tail.Flags().StringVar(&project, "project", "", "project filter")
	tail.Flags().StringVar(&taskID, "task", "", "task filter")
	log.AddCommand(tail)
	return log
}

func boardCmd() *cobra.Command {
	brd := &cobra.Command{Use: "board", Short: "Board snapshot"}
	brd.AddCommand(&cobra.Command{
		Use:   "show <project_id>",
		Short: "Show per-status task counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				counts, err := r.CountTasksByStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Tasks"})
				for _, s := range domain.TaskStatuses {
					tw.AppendRow(table.Row{s, counts[s]})
				}
				tw.Render()
				return nil
			})
		},
	})
	return brd
}

// --- helpers ---

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

func withRegistry(ctx context.Context, fn func(context.Context, *registry.Registry) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		cfg, err := config.Load(viper.GetString("workspace"))
		if err != nil {
			return err
		}
		return fn(ctx, registry.New(r, cfg.Heartbeat(), cfg.LivenessCutoff()))
	})
}

// withManager builds the full orchestration stack over the workspace store.
// No loop is spawned; commands drive one-shot operations against the same
// tables and streams a running server uses.
func withManager(ctx context.Context, fn func(context.Context, *orch.Manager) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		cfg, err := config.Load(viper.GetString("workspace"))
		if err != nil {
			return err
		}
		queue := stream.New(r.DB)
		reg := registry.New(r, cfg.Heartbeat(), cfg.LivenessCutoff())
		m := orch.NewManager(r, queue, reg, board.New(), cfg, nil)
		defer m.Shutdown()
		return fn(ctx, m)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
