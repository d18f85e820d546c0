// Command peakmap-build builds and publishes the level hierarchies of the
// configured datasets, then exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/peakmap/server/internal/app"
	"github.com/peakmap/server/internal/config"
	"github.com/peakmap/server/internal/pyramid"
	"github.com/peakmap/server/internal/service"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	exitPartial = 3
)

type options struct {
	dataset    string
	categories []string
	verify     bool
}

func main() {
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	dataset := flag.String("dataset", "", "Dataset to build (default: all configured datasets)")
	categories := flag.String("categories", "", "Comma-separated category values to build (default: all)")
	verify := flag.Bool("verify", false, "Verify level nesting after publishing")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(exitUsage)
	}
	opts := options{dataset: *dataset, verify: *verify}
	if *categories != "" {
		opts.categories = strings.Split(*categories, ",")
	}
	os.Exit(run(cfg, app.NewLogger(cfg.Logging, os.Stderr), opts))
}

func run(cfg *config.Config, logger *slog.Logger, opts options) int {
	ids := cfg.Data.DatasetIDs()
	if opts.dataset != "" {
		if _, ok := cfg.Data.Datasets[opts.dataset]; !ok {
			logger.Error("unknown dataset", "dataset", opts.dataset)
			return exitUsage
		}
		ids = []string{opts.dataset}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		logger.Error("setup failed", "error", err)
		return exitFailed
	}
	defer comps.Close()

	code := exitOK
	for _, id := range ids {
		req := service.BuildRequest{DatasetID: id, Categories: opts.categories}
		if req.Categories == nil {
			req.Categories = cfg.Data.Datasets[id].Categories
		}
		m, err := comps.Builds.Build(ctx, req)
		switch {
		case err == nil:
		case errors.Is(err, pyramid.ErrPartialCategoryFailure):
			logger.Warn("build published without some categories", "dataset", id, "error", err)
			if code == exitOK {
				code = exitPartial
			}
		default:
			logger.Error("build failed", "dataset", id, "error", err)
			code = exitFailed
			continue
		}
		fmt.Printf("%s\t%s\t%d points\t%d categories\t%s\n",
			id, m.BuildID, m.Global.Total, len(m.Categories), humanize.Bytes(uint64(m.TotalBytes())))

		if opts.verify {
			svc := comps.Registry.Get(id)
			hierarchies := append([]string{""}, slices.Sorted(maps.Keys(m.Categories))...)
			for _, cat := range hierarchies {
				if _, err := svc.Verify(ctx, cat); err != nil {
					logger.Error("nesting verification failed", "dataset", id, "hierarchy", pyramid.Label(cat), "error", err)
					code = exitFailed
				}
			}
		}
	}
	return code
}
