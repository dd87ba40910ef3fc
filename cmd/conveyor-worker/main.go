// Command conveyor-worker runs one queue consumer against Redis Streams
// or NATS JetStream, with health probes, Prometheus metrics, and the
// dead letter admin API.
//
// Exit codes: 0 clean shutdown, 1 invalid configuration, 2 broker
// unreachable at startup, 3 fatal runtime error.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/carverd/conveyor"
	"github.com/carverd/conveyor/backoff"
	"github.com/carverd/conveyor/broker"
	"github.com/carverd/conveyor/broker/natsq"
	"github.com/carverd/conveyor/broker/redisq"
	"github.com/carverd/conveyor/dlq"
	"github.com/carverd/conveyor/health"
	"github.com/carverd/conveyor/job"
	"github.com/carverd/conveyor/metrics"
	"github.com/carverd/conveyor/middleware"
	"github.com/carverd/conveyor/resilience"
	"github.com/carverd/conveyor/worker"
)

const (
	exitOK = iota
	exitConfig
	exitBroker
	exitFatal
)

// startupPings is the connection retry budget before giving up at boot.
const startupPings = 5

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := conveyor.Load()
	if err != nil {
		logger.Error("configuration rejected", slog.String("error", err.Error()))
		return exitConfig
	}

	policy, err := backoff.FromConfig(cfg.MaxRetries, cfg.BackoffKind, cfg.BackoffBase(), cfg.BackoffFactor, cfg.BackoffCap(), cfg.BackoffJitter)
	if err != nil {
		logger.Error("configuration rejected", slog.String("error", err.Error()))
		return exitConfig
	}

	identity := conveyor.NewIdentity()
	logger = logger.With(slog.String("worker", identity.String()), slog.String("queue", cfg.Queue))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	forceExitOnSecondSignal(ctx, logger)

	q := broker.Queue{
		Name:              cfg.Queue,
		Group:             cfg.ConsumerGroup,
		DLQName:           cfg.DLQ,
		MaxLen:            cfg.MaxLength,
		DLQMaxLen:         cfg.DLQMaxLength,
		VisibilityTimeout: cfg.VisibilityTimeout(),
	}
	mets := metrics.New(cfg.Queue, identity.String())

	binding, store, mover, cleanup, err := buildBroker(cfg, q, identity, mets, logger)
	if err != nil {
		logger.Error("broker setup failed", slog.String("error", err.Error()))
		return exitBroker
	}
	defer cleanup()

	if err := pingWithBudget(ctx, binding, logger); err != nil {
		logger.Error("broker unreachable", slog.String("error", err.Error()))
		return exitBroker
	}

	dlqSvc := dlq.NewService(store, binding, q, dlq.WithLogger(logger))

	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		FailureThreshold:  cfg.CBFailureThreshold,
		Window:            cfg.CBWindow(),
		OpenFor:           cfg.CBOpenFor(),
		HalfOpenSuccesses: cfg.CBHalfOpenSuccess,
		OnStateChange: func(st resilience.State) {
			mets.SetCircuitState(st.String())
			logger.Warn("circuit breaker state changed", slog.String("state", st.String()))
		},
	})
	limiter := resilience.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.VisibilityTimeout()/2)

	w := worker.New(binding, q, newEchoProcessor(logger), job.DecodeRaw,
		worker.WithIdentity[job.Raw](identity.String()),
		worker.WithLogger[job.Raw](logger),
		worker.WithPolicy[job.Raw](policy),
		worker.WithBreaker[job.Raw](breaker),
		worker.WithLimiter[job.Raw](limiter),
		worker.WithDLQ[job.Raw](dlqSvc),
		worker.WithMetrics[job.Raw](mets),
		worker.WithConcurrency[job.Raw](cfg.Concurrency),
		worker.WithFetchBatch[job.Raw](cfg.FetchBatch),
		worker.WithShutdownTimeout[job.Raw](cfg.ShutdownTimeout()),
		worker.WithMiddleware[job.Raw](
			middleware.Tracing(),
			middleware.Logging(logger),
			middleware.Timeout(cfg.VisibilityTimeout()),
			middleware.Recover(logger),
		),
	)

	healthOpts := []health.Option{health.WithLogger(logger)}
	if cfg.MetricsBind == cfg.HealthBind {
		healthOpts = append(healthOpts, health.WithMetricsHandler(mets.Handler()))
	}
	srv := health.New(w, map[string]*dlq.Service{cfg.Queue: dlqSvc}, healthOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return ignoreClosed(srv.Run(gctx, cfg.HealthBind)) })
	if cfg.MetricsBind != cfg.HealthBind {
		g.Go(func() error { return ignoreClosed(serveMetrics(gctx, cfg.MetricsBind, mets, logger)) })
	}
	if mover != nil {
		g.Go(func() error {
			mover(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("fatal error", slog.String("error", err.Error()))
		return exitFatal
	}
	logger.Info("shutdown complete")
	return exitOK
}

// buildBroker wires the configured binding and its DLQ store. mover is
// non-nil when the binding needs a background scheduler goroutine.
func buildBroker(cfg conveyor.Config, q broker.Queue, identity conveyor.Identity, mets *metrics.Set, logger *slog.Logger) (broker.Binding, dlq.Store, func(context.Context), func(), error) {
	switch cfg.Broker {
	case conveyor.BrokerRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		b := redisq.New(client,
			redisq.WithLogger(logger),
			redisq.WithConsumer(identity.String()),
			redisq.WithDedupWindow(cfg.DedupWindow()),
		)
		store := redisq.NewDLQStore(client, cfg.DLQ,
			redisq.WithDLQMaxLen(cfg.DLQMaxLength),
			redisq.WithDLQTrimHook(func(n int64) { mets.DLQTrimmed.Add(float64(n)) }),
		)
		mover := func(ctx context.Context) { b.RunScheduler(ctx, q) }
		cleanup := func() { _ = client.Close() }
		return b, store, mover, cleanup, nil

	case conveyor.BrokerNATS:
		nc, err := nats.Connect(cfg.NATSURL,
			nats.Name("conveyor-"+identity.String()),
			nats.MaxReconnects(-1),
			nats.ReconnectHandler(func(*nats.Conn) { mets.Reconnects.Inc() }),
		)
		if err != nil {
			return nil, nil, nil, func() {}, fmt.Errorf("connect %s: %w", cfg.NATSURL, err)
		}
		b, err := natsq.New(nc,
			natsq.WithLogger(logger),
			natsq.WithDedupWindow(cfg.DedupWindow()),
		)
		if err != nil {
			nc.Close()
			return nil, nil, nil, func() {}, err
		}
		store := natsq.NewDLQStore(b, cfg.DLQ)
		cleanup := func() { nc.Close() }
		return b, store, nil, cleanup, nil

	default:
		return nil, nil, nil, func() {}, fmt.Errorf("%w: unknown broker %q", conveyor.ErrConfigInvalid, cfg.Broker)
	}
}

// pingWithBudget retries connectivity with exponential backoff before
// declaring the broker unreachable.
func pingWithBudget(ctx context.Context, b broker.Binding, logger *slog.Logger) error {
	delay := backoff.NewExponential(500*time.Millisecond, 2, 8*time.Second)
	var err error
	for i := 0; i < startupPings; i++ {
		if err = b.Ping(ctx); err == nil {
			return nil
		}
		logger.Warn("broker ping failed",
			slog.Int("attempt", i+1),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay.Delay(i)):
		}
	}
	return fmt.Errorf("%w: %v", conveyor.ErrBrokerUnavailable, err)
}

// serveMetrics runs the exposition endpoint on its own listener.
func serveMetrics(ctx context.Context, addr string, mets *metrics.Set, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", mets.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", slog.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// forceExitOnSecondSignal makes a second SIGINT/SIGTERM abort without
// waiting for the drain.
func forceExitOnSecondSignal(ctx context.Context, logger *slog.Logger) {
	go func() {
		<-ctx.Done()
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logger.Error("second signal received, forcing exit")
		os.Exit(exitFatal)
	}()
}

// newEchoProcessor returns the built-in processor: it logs the payload
// and succeeds. Applications embed the worker packages directly and
// register their own processors; the binary exists to run and exercise
// a deployment's queues end to end.
func newEchoProcessor(logger *slog.Logger) job.Processor[job.Raw] {
	return job.Func[job.Raw]{
		ProcessorName: "echo",
		Fn: func(_ context.Context, j job.Raw) job.Result {
			logger.Info("job received",
				slog.String("job_id", j.JobID()),
				slog.String("priority", string(j.Priority())),
				slog.Int("payload_bytes", len(j.Payload)),
			)
			return job.OK()
		},
	}
}
