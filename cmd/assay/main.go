package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/23skdu/longbow-assay/internal/config"
	"github.com/23skdu/longbow-assay/internal/flightstore"
	"github.com/23skdu/longbow-assay/internal/logger"
	"github.com/23skdu/longbow-assay/internal/memo"
	"github.com/23skdu/longbow-assay/internal/model"
	"github.com/23skdu/longbow-assay/internal/monitoring"
	"github.com/23skdu/longbow-assay/internal/report"
	"github.com/23skdu/longbow-assay/internal/sweep"
	"github.com/23skdu/longbow-assay/internal/tricks"
)

const version = "0.1.0"

var (
	modelPaths  = flag.String("model", "", "Comma-separated GGUF model files; empty uses handcrafted models")
	vocab       = flag.Int("vocab", 64, "Vocabulary size of handcrafted models")
	nCtx        = flag.Int("n", 2, "Sequence length of handcrafted models")
	noise       = flag.String("noise", "0", "Comma-separated direct-path noise scales for handcrafted models")
	seeds       = flag.String("seeds", "0", "Comma-separated noise seeds for handcrafted models")
	tricksList  = flag.String("tricks", "all", "Comma-separated tricks, \"default\" or \"all\"")
	workers     = flag.Int("workers", 4, "Proofs in flight")
	cacheDir    = flag.String("cache", "", "Directory for the on-disk proof cache")
	remoteAddr  = flag.String("remote", "", "Address of a shared Arrow Flight proof cache")
	serveStore  = flag.String("serve-store", "", "Serve an Arrow Flight proof cache on this address and exit on signal")
	resultsPath = flag.String("results", "results.arrow", "Arrow IPC results table, updated in place")
	csvPath     = flag.String("csv", "", "Also write the results table as CSV")
	logLevel    = flag.String("log-level", "INFO", "DEBUG, INFO, WARN or ERROR")
	logFormat   = flag.String("log-format", "console", "console or json")
	metricsAddr = flag.String("metrics", "", "Address to serve health and Prometheus metrics")
	check       = flag.Bool("check", false, "Check each decomposition against the full matrix")
	count       = flag.Bool("count", true, "Count instructions per proof")
	bfLimit     = flag.Uint64("brute-force-limit", 1<<20, "Largest sequence count to enumerate for reference accuracy; 0 disables")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *serveStore != "" {
		if err := runStore(ctx, *serveStore); err != nil {
			logger.Log.Error("proof store failed", "error", err)
			os.Exit(1)
		}
		return
	}
	if err := run(ctx); err != nil {
		logger.Log.Error("sweep failed", "error", err)
		os.Exit(1)
	}
}

func runStore(ctx context.Context, addr string) error {
	srv := flightstore.NewServer()
	if err := srv.Start(addr); err != nil {
		return err
	}
	logger.Log.Info("proof store serving", "addr", srv.Addr())
	<-ctx.Done()
	logger.Log.Info("proof store stopping", "entries", srv.Len())
	srv.Shutdown()
	return nil
}

func run(ctx context.Context) error {
	cfg := config.DefaultSweep()
	cfg.Workers = *workers
	cfg.Tricks = *tricksList
	cfg.CacheDir = *cacheDir
	cfg.RemoteStoreAddr = *remoteAddr
	cfg.BruteForceLimit = *bfLimit
	cfg.Check = *check
	cfg.CountInstructions = *count
	if err := cfg.Validate(); err != nil {
		return err
	}

	ts, err := tricks.ParseList(cfg.Tricks)
	if err != nil {
		return err
	}
	models, err := loadModels()
	if err != nil {
		return err
	}

	cache, closeCache, err := buildCache(cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	var observer sweep.Observer
	if *metricsAddr != "" {
		hm := monitoring.NewHealthMonitor(version)
		go func() {
			if err := hm.Start(*metricsAddr); err != nil {
				logger.Log.Error("health monitor failed", "error", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = hm.Stop(sctx)
		}()
		observer = hm
	}

	runner, err := sweep.NewRunner(cfg, cache, observer)
	if err != nil {
		return err
	}
	jobs := sweep.Jobs(models, ts)
	logger.Log.Info("sweep starting", "models", len(models), "tricks", len(ts), "jobs", len(jobs), "workers", cfg.Workers)

	out, err := runner.Run(ctx, jobs)
	if err != nil {
		return err
	}
	for _, e := range out.Errors {
		logger.Log.Warn("job failed", "job", e.Job.String(), "error", e.Err)
	}

	tbl, err := report.LoadFile(*resultsPath)
	if err != nil {
		return fmt.Errorf("load results: %w", err)
	}
	tbl.Upsert(out.Rows...)
	if err := tbl.SaveFile(*resultsPath); err != nil {
		return fmt.Errorf("save results: %w", err)
	}
	if *csvPath != "" {
		f, err := os.Create(*csvPath)
		if err != nil {
			return err
		}
		if err := tbl.WriteCSV(f); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}

	for _, r := range out.Rows {
		fmt.Printf("%-32s seed=%-4d %-34s bound=%.6f dropped=%d/%d\n",
			r.Model, r.Seed, r.Tricks, r.AccuracyBound, r.Dropped, r.Total)
	}
	logger.Log.Info("results written", "path", *resultsPath, "rows", tbl.Len())
	if len(out.Errors) > 0 {
		return fmt.Errorf("%d of %d jobs failed", len(out.Errors), len(jobs))
	}
	return nil
}

// buildCache layers memory over disk over the remote store, nearest first.
func buildCache(cfg config.SweepConfig) (*memo.Cache, func(), error) {
	var opts []memo.Option
	closeFn := func() {}
	if cfg.CacheDir != "" {
		disk, err := memo.NewDiskStore(cfg.CacheDir)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, memo.WithStore("disk", disk))
	}
	if cfg.RemoteStoreAddr != "" {
		client, err := flightstore.Dial(cfg.RemoteStoreAddr, cfg.RemoteTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("dial proof store: %w", err)
		}
		opts = append(opts, memo.WithStore("flight", client))
		closeFn = func() { _ = client.Close() }
	}
	return memo.New(opts...), closeFn, nil
}

func loadModels() ([]*model.Model, error) {
	if *modelPaths != "" {
		var out []*model.Model
		for _, p := range splitList(*modelPaths) {
			m, err := model.Load(p)
			if err != nil {
				return nil, fmt.Errorf("load %s: %w", p, err)
			}
			out = append(out, m)
		}
		return out, nil
	}

	base, err := model.MaxOfN(model.DefaultMaxOfN(*vocab, *nCtx))
	if err != nil {
		return nil, err
	}
	scales, err := parseFloats(*noise)
	if err != nil {
		return nil, fmt.Errorf("noise: %w", err)
	}
	seedList, err := parseInts(*seeds)
	if err != nil {
		return nil, fmt.Errorf("seeds: %w", err)
	}
	var out []*model.Model
	for _, eps := range scales {
		for _, s := range seedList {
			m := base.Clone()
			if eps != 0 {
				m = base.WithDirectNoise(eps, rand.New(rand.NewPCG(uint64(s), 0)))
				m.Config.Name = fmt.Sprintf("%s-noise%g", base.Name(), eps)
			}
			m.Config.Seed = s
			out = append(out, m)
		}
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func parseFloats(s string) ([]float64, error) {
	var out []float64
	for _, f := range splitList(s) {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseInts(s string) ([]int64, error) {
	var out []int64
	for _, f := range splitList(s) {
		v, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
