// Command watchdog is the independently launchable monitor from §4.14: it
// never shares a process with the supervisor, so an unhandled panic in the
// supervisor itself still gets restarted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/polyagent/supervisor/internal/config"
	"github.com/polyagent/supervisor/internal/crashlog"
	"github.com/polyagent/supervisor/internal/logging"
	"github.com/polyagent/supervisor/internal/watchdog"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.json", "path to config.json")
	supervisorBinary := flag.String("supervisor-binary", "supervisor", "path to the supervisor binary to spawn")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "watchdog: config load failed:", err)
		return 1
	}

	log := logging.New(logging.Config{
		Path:   filepath.Join(cfg.Child.AgentDir, "logs", "watchdog.log"),
		Stderr: true,
	})

	crashes := crashlog.New(log, filepath.Join(cfg.Child.AgentDir, "crash-log.json"))

	spawn := func(ctx context.Context) (int, error) {
		cmd := exec.CommandContext(ctx, *supervisorBinary, "--config", *configPath)
		cmd.Dir = cfg.Child.AgentDir
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = os.Environ()
		if err := cmd.Start(); err != nil {
			return 0, err
		}
		pid := cmd.Process.Pid
		go func() { _ = cmd.Wait() }()
		return pid, nil
	}

	alert := func(msg string) {
		log.Error("watchdog alert", map[string]interface{}{"message": msg})
		fmt.Fprintln(os.Stderr, "ALERT:", msg)
	}

	w := watchdog.New(log, watchdog.Config{
		HeartbeatPath:  filepath.Join(cfg.Child.AgentDir, "heartbeat.txt"),
		StatePath:      filepath.Join(cfg.Child.AgentDir, "watchdog-state.json"),
		CheckInterval:  cfg.Watchdog.CheckInterval(),
		HeartbeatStale: cfg.Watchdog.HeartbeatStale(),
	}, crashes, spawn, alert)

	ctx := context.Background()
	if h := w.Check(); !h.Healthy {
		if err := w.HandleUnhealthy(ctx, h); err != nil {
			log.Error("initial respawn failed", map[string]interface{}{"error": err.Error()})
			return 2
		}
	}

	if err := w.Run(ctx); err != nil {
		log.Error("watchdog exited with error", map[string]interface{}{"error": err.Error()})
		return 2
	}
	return 0
}
