// ============================================================================
// Beaver-MR CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running, resuming and inspecting jobs
//
// Command Structure:
//   beaver-mr                         # Root command
//   ├── run                           # Submit a job and wait for it
//   │   ├── --items, -i               # JSON file with the work items
//   │   └── --server                  # Submit to a running `serve` instead
//   ├── resume <job-id>               # Continue from the latest checkpoint
//   │   └── --dry-run                 # Only print what would run
//   ├── status [job-id]               # Jobs and their progress
//   ├── checkpoint show <job-id>      # Saved state and recomputed aggregates
//   ├── dlq list|analyze|reprocess|purge <job-id>
//   ├── serve                         # gRPC control service + metrics
//   ├── --config, -c                  # Config file (default configs/default.yaml)
//   └── --version
//
// Configuration Management:
//   YAML file with sections:
//   - job: defaults for every submitted job (commands, aggregates, limits)
//   - storage: file directory or SQLite database
//   - workspace: git worktrees or plain directories
//   - commands: shell, agent command line, log directory
//   - dlq: retry policy used by `dlq reprocess`
//   - metrics: Prometheus endpoint
//   - server: gRPC listen address
//
// Signal Handling:
//   run, resume and serve stop on SIGINT / SIGTERM. Running agents get the
//   job's grace period, then the map checkpoint is saved so the job can be
//   resumed with `beaver-mr resume <job-id>`.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-mr/internal/agent"
	"github.com/ChuLiYu/beaver-mr/internal/command"
	"github.com/ChuLiYu/beaver-mr/internal/controller"
	"github.com/ChuLiYu/beaver-mr/internal/dlq"
	"github.com/ChuLiYu/beaver-mr/internal/metrics"
	"github.com/ChuLiYu/beaver-mr/internal/storage"
	"github.com/ChuLiYu/beaver-mr/internal/storage/filestore"
	"github.com/ChuLiYu/beaver-mr/internal/storage/sqlstore"
	"github.com/ChuLiYu/beaver-mr/internal/workspace"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Job controller.JobConfig `yaml:"job"`

	Storage struct {
		Backend        string        `yaml:"backend"` // file | sqlite
		Dir            string        `yaml:"dir"`
		DSN            string        `yaml:"dsn"`
		SyncOnAppend   *bool         `yaml:"sync_on_append"`
		LockStaleAfter time.Duration `yaml:"lock_stale_after"`
		BusyTimeout    time.Duration `yaml:"busy_timeout"`
	} `yaml:"storage"`

	Workspace struct {
		Backend string `yaml:"backend"` // git | dir
		Repo    string `yaml:"repo"`
		Root    string `yaml:"root"`
		Target  string `yaml:"target"`
	} `yaml:"workspace"`

	Commands struct {
		Shell     string        `yaml:"shell"`
		Agent     []string      `yaml:"agent"`
		LogDir    string        `yaml:"log_dir"`
		WaitDelay time.Duration `yaml:"wait_delay"`
	} `yaml:"commands"`

	DLQ struct {
		Policy      dlq.RetryPolicy `yaml:"policy"`
		MaxParallel int             `yaml:"max_parallel"`
	} `yaml:"dlq"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Server struct {
		Address string `yaml:"address"`
	} `yaml:"server"`
}

const (
	backendFile   = "file"
	backendSQLite = "sqlite"
	backendGit    = "git"
	backendDir    = "dir"

	defaultStorageDir = ".beaver"
	defaultAddress    = ":50051"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver-mr",
		Short: "Beaver-MR: a resumable, parallel agent job engine",
		Long: `Beaver-MR runs one agent command per work item with:
- bounded parallelism in isolated workspaces
- checkpoints that survive crashes and interruptions
- a dead letter queue for items that keep failing
- Prometheus metrics and a gRPC control service`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildResumeCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCheckpointCommand())
	rootCmd.AddCommand(buildDLQCommand())
	rootCmd.AddCommand(buildServeCommand())

	return rootCmd
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}

// ============================================================================
// Runtime
// ============================================================================

// runtime is everything one command needs to talk to the engine
type runtime struct {
	cfg     *Config
	backend storage.Storage
	engine  *controller.Engine
	reg     *prometheus.Registry
	metrics *http.Server
}

func openRuntime(cfg *Config) (*runtime, error) {
	backend, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}

	vcs, commits, err := openWorkspace(cfg)
	if err != nil {
		backend.Close()
		return nil, err
	}

	runner := &command.Runner{
		Shell:     cfg.Commands.Shell,
		Agent:     cfg.Commands.Agent,
		LogDir:    cfg.Commands.LogDir,
		Commits:   commits,
		WaitDelay: cfg.Commands.WaitDelay,
	}

	reg := prometheus.NewRegistry()
	engine, err := controller.New(controller.Options{
		Storage: backend,
		VCS:     vcs,
		Runner:  runner,
		Metrics: metrics.NewCollector(reg),
	})
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	return &runtime{cfg: cfg, backend: backend, engine: engine, reg: reg}, nil
}

func openStorage(cfg *Config) (storage.Storage, error) {
	dir := cfg.Storage.Dir
	if dir == "" {
		dir = defaultStorageDir
	}

	switch cfg.Storage.Backend {
	case "", backendFile:
		return filestore.New(dir, filestore.Options{
			SyncOnAppend:   cfg.Storage.SyncOnAppend,
			LockStaleAfter: cfg.Storage.LockStaleAfter,
		})
	case backendSQLite:
		dsn := cfg.Storage.DSN
		if dsn == "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create storage dir: %w", err)
			}
			dsn = filepath.Join(dir, "beaver.db")
		}
		return sqlstore.Open(dsn, sqlstore.Options{
			LockStaleAfter: cfg.Storage.LockStaleAfter,
			BusyTimeout:    cfg.Storage.BusyTimeout,
		})
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// openWorkspace returns the version control for agents and, for git, the
// commit lister used to report what each agent committed
func openWorkspace(cfg *Config) (agent.VersionControl, command.CommitLister, error) {
	ws := cfg.Workspace
	backend := ws.Backend
	if backend == "" {
		backend = backendGit
		if ws.Repo == "" {
			backend = backendDir
		}
	}

	switch backend {
	case backendGit:
		repo := ws.Repo
		if repo == "" {
			repo = "."
		}
		abs, err := filepath.Abs(repo)
		if err != nil {
			return nil, nil, err
		}
		g := workspace.NewGit(abs, ws.Root)
		return g, g, nil
	case backendDir:
		root := ws.Root
		if root == "" {
			root = filepath.Join(os.TempDir(), "beaver-workspaces")
		}
		d := workspace.NewDir(root)
		d.Target = ws.Target
		return d, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown workspace backend %q", ws.Backend)
}

// serveMetrics starts the metrics endpoint when enabled
func (r *runtime) serveMetrics() {
	if !r.cfg.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(r.reg))
	r.metrics = &http.Server{
		Addr:              fmt.Sprintf(":%d", r.cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("Starting metrics server on %s\n", r.metrics.Addr)
		if err := r.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server error: %v\n", err)
		}
	}()
}

func (r *runtime) Close() error {
	if r.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.metrics.Shutdown(ctx)
	}
	return r.backend.Close()
}

// ============================================================================
// Helpers
// ============================================================================

// withRuntime loads the config, opens the runtime and closes it afterwards
func withRuntime(fn func(rt *runtime) error) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
