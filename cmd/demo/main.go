package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-mr/internal/agent"
	"github.com/ChuLiYu/beaver-mr/internal/aggregate"
	"github.com/ChuLiYu/beaver-mr/internal/command"
	"github.com/ChuLiYu/beaver-mr/internal/controller"
	"github.com/ChuLiYu/beaver-mr/internal/storage/filestore"
	"github.com/ChuLiYu/beaver-mr/internal/workspace"
	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

const demoJob types.JobID = "crash-demo"

type Config struct {
	Job struct {
		MaxParallel int `yaml:"max_parallel"`
	} `yaml:"job"`
	Storage struct {
		Dir string `yaml:"dir"`
	} `yaml:"storage"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <start|recover>")
		os.Exit(1)
	}

	mode := os.Args[1]
	cfg, err := loadConfig("configs/default.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = ".beaver"
	}

	backend, err := filestore.New(cfg.Storage.Dir, filestore.Options{})
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer backend.Close()

	engine, err := controller.New(controller.Options{
		Storage: backend,
		VCS:     workspace.NewDir(filepath.Join(cfg.Storage.Dir, "demo-workspaces")),
		Runner:  &command.Runner{},
	})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var handle *controller.JobHandle
	switch mode {
	case "start":
		if cp, _ := engine.GetCheckpoint(ctx, demoJob, ""); cp != nil && cp.Phase != types.PhaseReduce {
			fmt.Printf("\n⚠️  Found an interrupted %s job (%d/%d done)\n", demoJob, len(cp.CompletedItemIDs), cp.TotalItems)
			fmt.Printf("💡 Run 'go run cmd/demo/main.go recover' to continue it\n")
			return
		}

		items := make([]any, 200)
		for i := range items {
			ms := 50 + (i*37)%200
			items[i] = map[string]any{"task": fmt.Sprintf("job_%d", i), "ms": ms, "delay": fmt.Sprintf("%.3f", float64(ms)/1000)}
		}
		handle, err = engine.SubmitJob(ctx, items, controller.JobConfig{
			JobID:           demoJob,
			MaxParallel:     cfg.Job.MaxParallel,
			GracePeriod:     time.Second,
			CheckpointEvery: 10,
			Commands: []agent.Command{{
				Kind:     agent.CommandShell,
				Template: "sleep ${item.delay}",
			}},
			Aggregates: map[string]aggregate.Spec{
				"done":     {Kind: aggregate.KindCount},
				"total_ms": {Kind: aggregate.KindSum, Field: "item.ms"},
			},
		})
		if err != nil {
			log.Fatalf("Failed to submit job: %v", err)
		}
		fmt.Printf("✓ Submitted %d items to %s\n", len(items), demoJob)
		fmt.Printf("💡 Press Ctrl+C to interrupt; completed items are kept in the checkpoint\n\n")

	case "recover":
		res, err := engine.ResumeJob(ctx, demoJob, controller.ResumeOptions{})
		if err != nil {
			log.Fatalf("Failed to resume: %v", err)
		}
		fmt.Printf("\n📊 Recovered from %s checkpoint:\n", res.Phase)
		fmt.Printf("  Completed:   %d\n", res.Completed)
		fmt.Printf("  Outstanding: %d\n", len(res.Outstanding))
		fmt.Printf("  From DLQ:    %d\n", len(res.FromDLQ))
		handle = res.Handle

	default:
		log.Fatalf("Unknown mode %q", mode)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-handle.Done():
			report, err := handle.Wait(context.Background())
			if err != nil {
				log.Printf("Job error: %v", err)
			}
			fmt.Printf("\n📊 Final Status:\n")
			fmt.Printf("  Succeeded: %d\n", report.Succeeded)
			fmt.Printf("  Failed:    %d\n", report.Failed)
			fmt.Printf("  Pending:   %d\n", report.Pending)
			fmt.Printf("  Aggregates: %v\n", report.Aggregates)
			if report.Interrupted {
				fmt.Printf("\n⏸  Interrupted. Run 'go run cmd/demo/main.go recover' to finish the remaining items\n")
			}
			return
		case <-ticker.C:
			if cp, err := engine.GetCheckpoint(context.Background(), demoJob, types.PhaseMap); err == nil && cp != nil {
				fmt.Printf("📊 Checkpointed: %d/%d completed\n", len(cp.CompletedItemIDs), cp.TotalItems)
			}
		}
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
