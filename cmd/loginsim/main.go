package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"authrisk/internal/config"
	"authrisk/internal/engine"
	"authrisk/internal/logging"
	"authrisk/internal/model"
	"authrisk/internal/simulator"
)

func main() {
	var (
		scenario  = flag.String("scenario", "mixed", "normal|bot|switcher|abandonment|mixed")
		seed      = flag.Uint64("seed", uint64(time.Now().UnixNano()), "random seed for generated values")
		target    = flag.String("target", "inprocess", "inprocess or rest")
		ingestURL = flag.String("ingest-url", "http://localhost:8080", "REST ingest base url")
		apiURL    = flag.String("api-url", "http://localhost:8081", "admin API base url, empty to skip user seeding")
		pace      = flag.Duration("pace", 0, "sleep between attempts")
		asJSON    = flag.Bool("json", false, "print the report as JSON")
		logLevel  = flag.String("log-level", "warn", "debug|info|warn|error")
	)
	flag.Parse()
	logger := logging.New(os.Stderr, *logLevel).With("component", "loginsim")

	s, err := simulator.ParseScenario(*scenario)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rep simulator.Report
	switch *target {
	case "inprocess":
		rep, err = runInProcess(ctx, s, *seed, *pace, logger)
	case "rest":
		rep, err = runREST(ctx, s, *seed, *pace, *ingestURL, *apiURL, logger)
	default:
		err = fmt.Errorf("unknown target %q", *target)
	}
	if err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep)
		return
	}
	printReport(rep)
}

// runInProcess drives a private engine whose clock follows the generated
// timestamps, so results do not depend on wall time.
func runInProcess(ctx context.Context, s simulator.Scenario, seed uint64, pace time.Duration, logger *slog.Logger) (simulator.Report, error) {
	config.LoadDotEnv()
	cfg := config.DefaultConfig()
	if m, err := config.NewManager(config.PathFromEnv("")); err == nil {
		cfg = m.Get()
	}
	eng, err := engine.NewEngine(cfg, logger, nil, nil, nil)
	if err != nil {
		return simulator.Report{}, err
	}
	attempts, err := simulator.Generate(s, simulator.Options{Start: time.Now().UTC(), Seed: seed})
	if err != nil {
		return simulator.Report{}, err
	}
	var (
		mu  sync.Mutex
		now = attempts[0].Timestamp
	)
	eng.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	if err := simulator.SeedUsers(ctx, eng, simulator.SeedUserCount); err != nil {
		return simulator.Report{}, err
	}
	r := &simulator.Runner{
		Sink: eng,
		Before: func(in model.AttemptInput) {
			mu.Lock()
			now = in.Timestamp
			mu.Unlock()
		},
		Pace:   pace,
		Logger: logger,
	}
	return r.Run(ctx, s, attempts)
}

// runREST replays the scenario against a running service. Timestamps end
// at the current time, so the service's max_clock_skew has to cover the
// scenario span or earlier attempts are clamped to arrival time.
func runREST(ctx context.Context, s simulator.Scenario, seed uint64, pace time.Duration, ingestURL, apiURL string, logger *slog.Logger) (simulator.Report, error) {
	attempts, err := simulator.Generate(s, simulator.Options{Start: time.Now().UTC(), Seed: seed})
	if err != nil {
		return simulator.Report{}, err
	}
	attempts = simulator.Rebase(attempts, time.Now().UTC())
	if span := simulator.Span(attempts); span > config.DefaultConfig().Engine.MaxClockSkew {
		logger.Warn("scenario spans more than the default max_clock_skew", "span", span)
	}
	sink := simulator.NewHTTPSink(ingestURL, apiURL)
	if err := simulator.SeedUsers(ctx, sink, simulator.SeedUserCount); err != nil {
		return simulator.Report{}, err
	}
	r := &simulator.Runner{Sink: sink, Pace: pace, Logger: logger}
	return r.Run(ctx, s, attempts)
}

func printReport(rep simulator.Report) {
	fmt.Printf("scenario %s: %d sent, %d failed\n", rep.Scenario, rep.Sent, rep.Failed)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tATTEMPTS\tLAST\tMAX\tLEVEL")
	for _, u := range rep.Users {
		fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%s\n", u.Username, u.Attempts, u.LastScore, u.MaxScore, u.LastLevel)
	}
	_ = w.Flush()
}
