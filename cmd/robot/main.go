// Package main is the entry point for the robot binary.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Load or generate the persistent robot identity
//  4. Build the connection manager
//  5. Run the connect/register/serve loop until SIGINT/SIGTERM
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/robot"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	serverURL     string
	apiKey        string
	robotID       string
	name          string
	stateDir      string
	environment   string
	tenantID      string
	maxConcurrent int
	capabilities  string
	tags          string
	logLevel      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "robot",
		Short: "Robot — workflow execution agent for the orchestrator",
		Long: `Robot runs on each execution host. It maintains a persistent
WebSocket channel to the orchestrator, receives job assignments, executes
workflows, and streams progress and logs back.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverURL, "server-url", envOrDefault("ROBOT_SERVER_URL", "ws://localhost:8080"), "Orchestrator base URL (ws:// or wss://)")
	root.PersistentFlags().StringVar(&cfg.apiKey, "api-key", envOrDefault("ROBOT_API_KEY", ""), "Robot API key in <key_id>.<secret> form (required)")
	root.PersistentFlags().StringVar(&cfg.robotID, "robot-id", envOrDefault("ROBOT_ID", ""), "Robot identity override (empty = persisted or generated)")
	root.PersistentFlags().StringVar(&cfg.name, "name", envOrDefault("ROBOT_NAME", ""), "Human-facing robot name (empty = hostname)")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("ROBOT_STATE_DIR", defaultStateDir()), "Directory for robot state (robot-state.json)")
	root.PersistentFlags().StringVar(&cfg.environment, "environment", envOrDefault("ROBOT_ENVIRONMENT", "production"), "Deployment environment label")
	root.PersistentFlags().StringVar(&cfg.tenantID, "tenant", envOrDefault("ROBOT_TENANT", ""), "Tenant this robot serves (empty = unscoped)")
	root.PersistentFlags().IntVar(&cfg.maxConcurrent, "max-concurrent-jobs", envIntOrDefault("ROBOT_MAX_CONCURRENT_JOBS", 1), "Maximum jobs executed in parallel")
	root.PersistentFlags().StringVar(&cfg.capabilities, "capabilities", envOrDefault("ROBOT_CAPABILITIES", ""), "Comma-separated capability list advertised at registration")
	root.PersistentFlags().StringVar(&cfg.tags, "tags", envOrDefault("ROBOT_TAGS", ""), "Comma-separated tags")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ROBOT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("robot %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.apiKey == "" {
		return fmt.Errorf("api key is required — set --api-key or ROBOT_API_KEY")
	}

	name := cfg.name
	if name == "" {
		if host, err := os.Hostname(); err == nil {
			name = host
		} else {
			name = "robot"
		}
	}

	logger.Info("starting robot",
		zap.String("version", version),
		zap.String("server", cfg.serverURL),
		zap.String("name", name),
		zap.String("state_dir", cfg.stateDir),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr, err := robot.New(robot.Config{
		ServerURL:         cfg.serverURL,
		APIKey:            cfg.apiKey,
		RobotID:           cfg.robotID,
		Name:              name,
		StateDir:          cfg.stateDir,
		Environment:       cfg.environment,
		TenantID:          cfg.tenantID,
		MaxConcurrentJobs: cfg.maxConcurrent,
		Capabilities:      splitList(cfg.capabilities),
		Tags:              splitList(cfg.tags),
	}, &walkRunner{logger: logger.Named("runner")}, logger)
	if err != nil {
		return err
	}

	logger.Info("robot identity", zap.String("robot_id", mgr.RobotID()))

	// Run blocks until ctx is cancelled or the server orders a shutdown.
	if err := mgr.Run(ctx); err != nil {
		return err
	}

	logger.Info("robot stopped")
	return nil
}

// walkRunner is the built-in execution engine. It validates the workflow
// definition, walks its node list reporting progress, and returns a summary
// result. Node execution itself is delegated to the automation runtime that
// embeds this package with its own Runner.
type walkRunner struct {
	logger *zap.Logger
}

type workflowDoc struct {
	Nodes []struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"nodes"`
}

func (r *walkRunner) Execute(ctx context.Context, job robot.Job, rep robot.Reporter) (map[string]any, error) {
	var doc workflowDoc
	if err := json.Unmarshal(job.WorkflowJSON, &doc); err != nil {
		return nil, fmt.Errorf("invalid workflow definition: %w", err)
	}

	rep.Log(job.ID, "info", "runner", fmt.Sprintf("starting workflow %q with %d nodes", job.WorkflowName, len(doc.Nodes)))

	total := len(doc.Nodes)
	for i, node := range doc.Nodes {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		percent := float64(i) / float64(max(total, 1)) * 100
		rep.Progress(job.ID, percent, node.ID, fmt.Sprintf("visiting node %s (%s)", node.ID, node.Type))
		r.logger.Debug("visited node",
			zap.String("job_id", job.ID),
			zap.String("node_id", node.ID),
			zap.String("node_type", node.Type),
		)
	}

	rep.Progress(job.ID, 100, "", "workflow complete")
	return map[string]any{
		"nodes_visited": total,
		"completed_at":  time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// defaultStateDir returns the platform-appropriate default state directory.
// On Linux/macOS: ~/.robot
// On Windows:     %USERPROFILE%\.robot
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.robot"
	}
	return ".robot"
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return defaultVal
}
