// runnerd is the execution daemon: it claims queued runs, drives them through
// the executor, and persists their sealed evidence traces.
//
// Subcommands:
//
//	serve    run the worker pool (default)
//	enqueue  queue a run from a JSON plan
//	replay   re-execute a sealed trace and compare fingerprints
//	verify   recompute a sealed trace's checksum
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/backoff"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/breaker"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/config"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/event"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/executor"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/observability"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/replay"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/run"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/scheduler"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/store/runstore"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/store/tracestore"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/trace"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; exposed for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 1 {
		cmd = args[1]
	}
	switch cmd {
	case "serve", "server":
		return runServe(stderr)
	case "enqueue":
		return runEnqueue(args[2:], stdout, stderr)
	case "replay":
		return runReplay(args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "usage: runnerd [serve|enqueue|replay|verify]\n")
		return 2
	}
}

// runBackend is what serve needs from a run store: scheduling plus durable
// checkpoints.
type runBackend interface {
	scheduler.RunStore
	executor.CheckpointSink
	Close() error
}

func openRunStore(ctx context.Context, cfg *config.Config) (runBackend, error) {
	if cfg.DatabaseURL != "" {
		return runstore.OpenPostgres(ctx, cfg.DatabaseURL)
	}
	return runstore.OpenSQLite(ctx, cfg.SQLitePath)
}

func openTraceStore(ctx context.Context, cfg *config.Config) (tracestore.Store, func() error, error) {
	if cfg.DatabaseURL != "" {
		s, err := tracestore.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	s, err := tracestore.OpenSQLite(ctx, cfg.TracePath())
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

func runServe(stderr io.Writer) int {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := observability.New(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "telemetry init: %v\n", err)
		return 1
	}

	runs, err := openRunStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "run store: %v\n", err)
		return 1
	}
	defer runs.Close()

	traces, closeTraces, err := openTraceStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "trace store: %v\n", err)
		return 1
	}
	defer closeTraces()

	bus := event.NewBus()
	bus.Subscribe(event.TypeRunStarted, func(event.Event) {
		provider.RunStarted(context.Background())
	})
	bus.Subscribe(event.TypeRunCompleted, func(e event.Event) {
		outcome, _ := e.Payload["outcome"].(string)
		grade, _ := e.Payload["grade"].(string)
		d, _ := e.Payload["duration_ms"].(float64)
		provider.RunFinished(context.Background(), outcome, grade,
			time.Duration(d)*time.Millisecond)
	})
	bus.Subscribe(event.TypeRunReclaimed, func(event.Event) {
		provider.RunReclaimed(context.Background())
	})

	var brkStore breaker.Store = breaker.NewMemoryStore()
	if cfg.RedisAddr != "" {
		brkStore = breaker.NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}
	brk := breaker.New(brkStore, breaker.Config{
		Threshold: cfg.BreakerThreshold,
		Window:    cfg.BreakerWindow,
		Cooldown:  cfg.BreakerCooldown,
	},
		breaker.WithOnOpen(func(action string) {
			bus.Emit(event.TypeBreakerOpened, "", map[string]any{"action_id": action})
		}),
		breaker.WithOnClose(func(action string) {
			bus.Emit(event.TypeBreakerClosed, "", map[string]any{"action_id": action})
		}),
	)

	registry := executor.NewRegistry()
	if err := registerBuiltins(registry); err != nil {
		fmt.Fprintf(stderr, "action registry: %v\n", err)
		return 1
	}

	pdp, err := loadDecisionPoint(cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "policy: %v\n", err)
		return 1
	}

	exec := executor.New(registry, brk, pdp, bus, traces, logger,
		executor.WithRetryLimit(cfg.RetryLimit),
		executor.WithStepTimeout(cfg.StepTimeout),
		executor.WithBackoff(backoff.NewExponentialWithJitter(cfg.BackoffInitial, cfg.BackoffMax)),
		executor.WithCheckpoints(runs),
	)

	pool := scheduler.NewPool(runs, exec, bus, logger,
		scheduler.WithConcurrency(cfg.Concurrency),
		scheduler.WithBatchSize(cfg.BatchSize),
		scheduler.WithPollInterval(cfg.PollInterval),
		scheduler.WithLease(cfg.ClaimLease),
		scheduler.WithHeartbeatInterval(cfg.HeartbeatInterval),
		scheduler.WithReclaimInterval(cfg.ReclaimInterval),
		scheduler.WithClaimRate(cfg.ClaimRate, cfg.Concurrency),
		scheduler.WithTraceSink(traces),
	)
	if err := pool.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "pool start: %v\n", err)
		return 1
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Error("pool shutdown", "error", err)
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", "error", err)
	}
	return 0
}

func runEnqueue(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	fs.SetOutput(stderr)
	tenant := fs.String("tenant", "default", "tenant id")
	planPath := fs.String("plan", "", "path to a JSON plan file ('-' for stdin)")
	synthetic := fs.Bool("synthetic", false, "tag the run's evidence as synthetic")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *planPath == "" {
		fmt.Fprintln(stderr, "enqueue: -plan is required")
		return 2
	}

	var (
		raw []byte
		err error
	)
	if *planPath == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(*planPath)
	}
	if err != nil {
		fmt.Fprintf(stderr, "enqueue: %v\n", err)
		return 1
	}

	var plan []run.Step
	if err := json.Unmarshal(raw, &plan); err != nil {
		fmt.Fprintf(stderr, "enqueue: plan is not valid JSON: %v\n", err)
		return 1
	}
	r, err := run.New(*tenant, plan)
	if err != nil {
		fmt.Fprintf(stderr, "enqueue: %v\n", err)
		return 1
	}
	r.Synthetic = *synthetic

	ctx := context.Background()
	store, err := openRunStore(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "enqueue: %v\n", err)
		return 1
	}
	defer store.Close()
	if err := store.Enqueue(ctx, r); err != nil {
		fmt.Fprintf(stderr, "enqueue: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, r.ID)
	return 0
}

func runReplay(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: runnerd replay <run-id>")
		return 2
	}
	ctx := context.Background()
	traces, closeTraces, err := openTraceStore(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}
	defer closeTraces()

	session, err := replay.NewEngine(traces).Replay(ctx, args[0])
	if err != nil {
		fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(session)
	if session.Status != replay.StatusComplete {
		return 1
	}
	return 0
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: runnerd verify <run-id>")
		return 2
	}
	ctx := context.Background()
	traces, closeTraces, err := openTraceStore(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	defer closeTraces()

	t, records, err := traces.LoadTrace(ctx, args[0])
	if err != nil {
		fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	if t.SealedAt == nil {
		fmt.Fprintf(stderr, "verify: trace for run %s is not sealed\n", args[0])
		return 1
	}
	checksum, err := trace.ChecksumRecords(records)
	if err != nil {
		fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	if checksum != t.Checksum {
		fmt.Fprintf(stdout, "MISMATCH stored=%s computed=%s\n", t.Checksum, checksum)
		return 1
	}
	fmt.Fprintf(stdout, "OK %s (%d records)\n", checksum, len(records))
	return 0
}
