// Demo event generator: drives the emit API with plausible random traffic
// so the dashboard can be exercised without the bot.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/user/trade-monitor/internal/adapter/notifier"
	"github.com/user/trade-monitor/internal/domain"
	"github.com/user/trade-monitor/internal/pkg/config"
	"github.com/user/trade-monitor/internal/usecase"
)

var blockReasons = []string{
	"VWAP check failed",
	"Direction filter (Long Only)",
	"Insufficient cash",
	"Outside trading window",
}

func main() {
	dataDir := flag.String("data-dir", "", "Override the data directory")
	eps := flag.Float64("eps", 5, "Events per second")
	duration := flag.Duration("d", 0, "How long to run (0: until interrupted)")
	symbolList := flag.String("symbols", "TSLA,AAPL,SPY", "Comma-separated symbols")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	var opts []usecase.Option
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, live tap disabled", "error", err)
		} else {
			opts = append(opts, usecase.WithNotifier(
				notifier.NewRedisNotifier(client, cfg.RedisStream, cfg.RedisStreamCap, logger, nil)))
		}
	}

	emitter := usecase.NewEmitter(cfg, logger, opts...)
	if err := emitter.Start(ctx); err != nil {
		logger.Error("failed to start emitter", "error", err)
		os.Exit(1)
	}
	defer emitter.Close()

	symbols := strings.Split(*symbolList, ",")
	prices := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		prices[sym] = 100 + rand.Float64()*50
	}

	limiter := rate.NewLimiter(rate.Limit(*eps), 1)
	logger.Info("demo emitter running", "data_dir", cfg.DataDir, "eps", *eps)

	var emitted, failed int
	for i := 0; ; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		sym := symbols[rand.Intn(len(symbols))]
		prices[sym] += rand.Float64() - 0.5
		px := prices[sym]

		_, err := emitter.Info(ctx, domain.KindData, domain.Fields{
			Symbol: sym, Price: domain.Float(px),
			Details: map[string]any{"bar_time": "now"},
		})
		emitOutcome(logger, err, &emitted, &failed)

		switch {
		case i%20 == 10:
			side := []string{"LONG", "SHORT"}[rand.Intn(2)]
			_, err = emitter.Info(ctx, domain.KindSignal, domain.Fields{
				Symbol: sym, Side: side, Price: domain.Float(px),
				Details: map[string]any{"logic": "DEMO"},
			})
			emitOutcome(logger, err, &emitted, &failed)
		case i%37 == 5:
			_, err = emitter.Warn(ctx, domain.KindBlock, domain.Fields{
				Symbol: sym, Reason: blockReasons[rand.Intn(len(blockReasons))],
			})
			emitOutcome(logger, err, &emitted, &failed)
		case i%50 == 25:
			orderID := rand.Intn(1000)
			_, err = emitter.Info(ctx, domain.KindOrder, domain.Fields{
				Symbol: sym, Side: "BUY", Price: domain.Float(px),
				Details: map[string]any{"orderId": orderID, "qty": 10},
			})
			emitOutcome(logger, err, &emitted, &failed)
			_, err = emitter.Info(ctx, domain.KindFill, domain.Fields{
				Symbol: sym, Side: "BUY", Price: domain.Float(px + 0.02),
				Details: map[string]any{"orderId": orderID, "filled": 10},
			})
			emitOutcome(logger, err, &emitted, &failed)
		case i%60 == 0:
			_, err = emitter.Info(ctx, domain.KindState, domain.Fields{
				Details: map[string]any{"connection": "up"},
			})
			emitOutcome(logger, err, &emitted, &failed)
		case i%45 == 15:
			_, err = emitter.Info(ctx, domain.KindPNL, domain.Fields{
				Symbol:  sym,
				Details: map[string]any{"realized": rand.Float64()*200 - 100},
			})
			emitOutcome(logger, err, &emitted, &failed)
		}
	}

	logger.Info("demo emitter finished", "emitted", emitted, "failed", failed)
}

func emitOutcome(logger *slog.Logger, err error, emitted, failed *int) {
	switch {
	case err == nil:
		*emitted++
	case errors.Is(err, domain.ErrSinkDegraded):
		// Persisted; journal lagging.
		*emitted++
	default:
		*failed++
		logger.Warn("emit failed", "error", err)
	}
}
