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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/reagent-systems/orc/internal/agent"
	"github.com/reagent-systems/orc/internal/config"
	"github.com/reagent-systems/orc/internal/domain"
	"github.com/reagent-systems/orc/internal/executor"
	"github.com/reagent-systems/orc/internal/journal"
	"github.com/reagent-systems/orc/internal/oracle"
	"github.com/reagent-systems/orc/internal/server"
	"github.com/reagent-systems/orc/internal/telemetry"
	"github.com/reagent-systems/orc/internal/workspace"
)

var rootCmd = &cobra.Command{
	Use:   "orc",
	Short: "Orc CLI",
	Long: `Orc coordinates autonomous worker agents through a shared directory tree.
Core concepts:
- Workspace: a directory with tasks/, agents/, context/, and results/; it is
  the only channel agents share. No broker, no registry, no RPC.
- Task: a JSON record that moves between tasks/pending, tasks/active,
  tasks/completed, and tasks/failed. The atomic rename out of pending is the
  claim; exactly one agent ever wins it.
- Agent: a process with a role (capability set + acceptance threshold) that
  polls pending work, judges it, and executes what it accepts.
- Context: append-only facts derived from completed tasks, available to
  later tasks in a decomposition chain.
- Self-extension: a decomposer agent that spots a task nobody can handle
  queues research -> build -> deploy work to grow a new capability, then
  re-queues the original behind it.`,
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
	_ = godotenv.Load(filepath.Join(viper.GetString("workspace"), ".env"))
	viper.SetEnvPrefix("ORC")
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
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(contextCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a workspace",
		Long:  "Creates the workspace directory tree and writes a default orc.yml if none exists.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws := viper.GetString("workspace")
			cfg, err := config.LoadOptional(ws)
			if err != nil {
				return err
			}
			store := workspace.New(filepath.Join(ws, cfg.Workspace.Root))
			if err := store.Ensure(); err != nil {
				return err
			}
			cfgPath := config.Path(ws)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			fmt.Printf("Workspace ready at %s\n", store.Root)
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workspace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *workspace.Store) error {
				counts, err := store.CountTasks()
				if err != nil {
					return err
				}
				agents, err := store.ListAgents()
				if err != nil {
					return err
				}
				out := map[string]any{
					"workspace":   store.Root,
					"task_counts": counts,
					"agents":      len(agents),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Workspace: %s\n", store.Root)
				fmt.Println("Tasks:")
				for _, p := range workspace.Partitions {
					fmt.Printf("  %s: %d\n", p, counts[p])
				}
				fmt.Printf("Agents: %d\n", len(agents))
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow pending -> active -> completed/failed. Creating one drops a JSON record into tasks/pending; any eligible agent may claim it.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var id, description, taskType, goal string
	var requirements, dependsOn []string
	var priority, maxRetries int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if description == "" {
				return fmt.Errorf("--description required")
			}
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("max-retries") {
				maxRetries = cfg.Agent.DefaultMaxRetries
			}
			if id == "" {
				id = uuid.NewString()
			}
			if goal == "" {
				goal = description
			}
			t := domain.Task{
				ID:           id,
				Description:  description,
				Type:         taskType,
				Requirements: requirements,
				Priority:     priority,
				Dependencies: dependsOn,
				Context:      domain.TaskContext{OriginalGoal: goal},
				CreatedBy:    "cli",
				MaxRetries:   maxRetries,
			}
			return withStore(func(store *workspace.Store) error {
				if err := store.Enqueue(t); err != nil {
					return err
				}
				created, _, err := store.Get(t.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id (random UUID if omitted)")
	cmd.Flags().StringVar(&description, "description", "", "what the task should accomplish")
	cmd.Flags().StringVar(&taskType, "type", "general", "task type")
	cmd.Flags().StringVar(&goal, "goal", "", "original goal (defaults to description)")
	cmd.Flags().StringArrayVar(&requirements, "require", []string{}, "required capability tag (repeatable)")
	cmd.Flags().StringArrayVar(&dependsOn, "depends-on", []string{}, "dependency task id (repeatable)")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (higher claims first)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry budget (defaults from config)")
	return cmd
}

func taskListCmd() *cobra.Command {
	var partition string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in a partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *workspace.Store) error {
				tasks, err := store.ListTasks(partition)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TYPE", "STATUS", "RETRIES", "DESCRIPTION"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Type, t.Status, fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries), truncate(t.Description, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&partition, "partition", workspace.PartitionPending, "pending, active, completed, or failed")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *workspace.Store) error {
				t, partition, err := store.Get(args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task": t, "partition": partition})
			})
		},
	}
	return cmd
}

func agentCmd() *cobra.Command {
	ag := &cobra.Command{
		Use:   "agent",
		Short: "Run and inspect agents",
	}
	ag.AddCommand(agentRunCmd())
	ag.AddCommand(agentListCmd())
	return ag
}

func agentRunCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an agent process until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws := viper.GetString("workspace")
			cfg, err := config.Load(ws)
			if err != nil {
				return err
			}
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.Telemetry.Enabled {
				shutdown, err := telemetry.Init(ctx, telemetry.Config{
					ServiceName:  "orc-agent",
					OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
				})
				if err != nil {
					return fmt.Errorf("init telemetry: %w", err)
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = shutdown(sctx)
				}()
			}

			store := workspace.New(filepath.Join(ws, cfg.Workspace.Root))
			jr, err := journal.Open(store.Root)
			if err != nil {
				log.Warn("event journal unavailable, continuing without it", zap.Error(err))
				jr = nil
			} else {
				defer jr.Close()
			}

			execs := executor.NewRegistry()
			execs.SetFallback(executor.Echo())

			a, err := agent.New(cfg, role, store, oracle.Static{}, execs, jr, log)
			if err != nil {
				return err
			}
			if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role name from orc.yml")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func agentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List published agent descriptors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *workspace.Store) error {
				agents, err := store.ListAgents()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"AGENT", "TYPE", "STATUS", "ACTIVE", "HEARTBEAT"})
				for _, a := range agents {
					tw.AppendRow(table.Row{a.AgentID, a.AgentType, a.Status, a.ActiveTaskCount, a.LastHeartbeat})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func contextCmd() *cobra.Command {
	ctxCmd := &cobra.Command{
		Use:   "context",
		Short: "Inspect accumulated context",
	}
	ctxCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List context records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *workspace.Store) error {
				records, err := store.ListContext()
				if err != nil {
					return err
				}
				return printJSONOrTable(records)
			})
		},
	})
	return ctxCmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event journal",
		Long:  "The advisory diary of claims, completions, failures, and extension chains. Coordination never depends on it.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, taskID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws := viper.GetString("workspace")
			cfg, err := config.LoadOptional(ws)
			if err != nil {
				return err
			}
			jr, err := journal.Open(filepath.Join(ws, cfg.Workspace.Root))
			if err != nil {
				return err
			}
			defer jr.Close()
			events, err := jr.Tail(cmd.Context(), n, evtType, taskID)
			if err != nil {
				return err
			}
			return printJSONOrTable(events)
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&taskID, "task-id", "", "task id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only inspection API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws := viper.GetString("workspace")
			cfg, err := config.LoadOptional(ws)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("addr") {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") {
				basePath = cfg.Server.BasePath
			}
			store := workspace.New(filepath.Join(ws, cfg.Workspace.Root))
			if err := store.Ensure(); err != nil {
				return err
			}
			jr, err := journal.Open(store.Root)
			if err != nil {
				jr = nil
			} else {
				defer jr.Close()
			}
			handler, err := server.New(server.Config{
				Store:    store,
				Journal:  jr,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: os.Getenv("ORC_JWT_SECRET")},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			fmt.Printf("Serving inspection API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
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

func withStore(fn func(*workspace.Store) error) error {
	ws := viper.GetString("workspace")
	cfg, err := config.LoadOptional(ws)
	if err != nil {
		return err
	}
	store := workspace.New(filepath.Join(ws, cfg.Workspace.Root))
	if err := store.Ensure(); err != nil {
		return err
	}
	return fn(store)
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("ORC_DEBUG") != "" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
