package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"listing-scraper/config"
	"listing-scraper/utils"
)

type app struct {
	cfg    *config.Config
	logger *logrus.Logger
}

type command struct {
	usage string
	run   func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"supervisor":   {"run and supervise WORKER_COUNT worker processes", runSupervisor},
	"worker":       {"process scrape jobs (started by the supervisor)", runWorker},
	"enqueue":      {"[url...] queue detail pages; without urls, queue the failed-jobs file", runEnqueue},
	"transform":    {"[batch-file...] turn worker batches into the scraped store", runTransform},
	"merge":        {"[base incoming] merge the scraped store into the listing store", runMerge},
	"track-failed": {"[--with-queue] derive the failed-jobs file from the listing store", runTrackFailed},
	"retry-failed": {"move failed queue jobs back to pending", runRetryFailed},
	"migrate-ids":  {"rekey the listing store by listing id", runMigrateIDs},
	"report":       {"[--db] print a listing store health report", runReport},
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := utils.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.run(ctx, &app{cfg: cfg, logger: logger}, os.Args[2:]); err != nil {
		logger.Errorf("%s failed: %v", os.Args[1], err)
		stop()
		os.Exit(1)
	}
}

func usage() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("usage: listing-scraper <command> [args]\n\ncommands:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  %-13s %s\n", name, commands[name].usage)
	}
	fmt.Fprint(os.Stderr, b.String())
}
