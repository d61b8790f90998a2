// Command quintet is the kernel's single-command runner: it takes a
// query, walks it through one Observe/Orient/Decide/Act/Verify/
// Finalize episode, and exits 0 on success or 1 on failure — the
// "single-command runner" of SPEC_FULL.md §6.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/quintet-kernel/quintet/pkg/config"
	"github.com/quintet-kernel/quintet/pkg/contracts"
	"github.com/quintet-kernel/quintet/pkg/kernelwiring"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("quintet", flag.ContinueOnError)
	fs.SetOutput(stderr)
	logPath := fs.String("log", "", "episode log path (overrides EPISODE_LOG_PATH)")
	noLog := fs.Bool("no-log", false, "disable episode logging entirely")
	verbose := fs.Bool("verbose", false, "emit debug-level logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		fmt.Fprintln(stderr, "quintet: a query string is required")
		return 1
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Load()
	episodeID := uuid.NewString()

	kernel, err := kernelwiring.Build(cfg, episodeID, *logPath, *noLog)
	if err != nil {
		fmt.Fprintf(stderr, "quintet: %v\n", err)
		return 1
	}

	episode, err := kernel.Orchestrator.Run(context.Background(), query, contracts.EpisodeMetadata{})
	if err != nil {
		fmt.Fprintf(stderr, "quintet: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, episode.Result.ConversationText)
	if *verbose {
		fmt.Fprintf(stderr, "episode_id=%s mode=%s success=%t trust_score=%.2f\n",
			episode.EpisodeID, episode.Mode, episode.Result.Success, episode.TrustScore)
	}

	if !episode.Result.Success {
		return 1
	}
	return 0
}
