// Command supervisor is the long-lived process that owns the agent's
// child, serves /health and /metrics, and runs every periodic subsystem
// described in §4.15.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/polyagent/supervisor/internal/config"
	"github.com/polyagent/supervisor/internal/errkind"
	"github.com/polyagent/supervisor/internal/logging"
	"github.com/polyagent/supervisor/internal/supervisor"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code per §6: 0 on normal shutdown, 1 on
// fatal initialization failure (missing/invalid config, port already
// bound), 2 on an unrecoverable runtime error surfaced from Run.
func run() int {
	configPath := flag.String("config", "config.json", "path to config.json")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "supervisor: config load failed:", err)
		return 1
	}

	log := logging.New(logging.Config{
		Path:   filepath.Join(cfg.Child.AgentDir, "logs", "structured.jsonl"),
		Stderr: true,
	})

	basePrompt, err := loadBasePrompt(cfg.Child.PromptFile)
	if err != nil {
		log.Fatal("failed to read prompt file", map[string]interface{}{"error": err.Error()})
		return 1
	}

	sup := supervisor.Build(log, cfg, basePrompt)

	ctx := context.Background()
	if err := sup.Run(ctx); err != nil {
		log.Error("supervisor exited with error", map[string]interface{}{"error": err.Error()})
		var classified *errkind.Error
		if errors.As(err, &classified) && classified.Kind == errkind.ConfigInvalid {
			return 1
		}
		if errors.Is(err, syscall.EADDRINUSE) {
			return 1
		}
		return 2
	}

	return 0
}

func loadBasePrompt(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
