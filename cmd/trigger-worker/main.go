// Package main is the entry point for the llmtrigger worker process.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/aixtrade/llmtrigger/internal/broker"
	"github.com/aixtrade/llmtrigger/internal/buildinfo"
	"github.com/aixtrade/llmtrigger/internal/config"
	"github.com/aixtrade/llmtrigger/internal/ctxwindow"
	"github.com/aixtrade/llmtrigger/internal/engine"
	"github.com/aixtrade/llmtrigger/internal/event"
	"github.com/aixtrade/llmtrigger/internal/idempotency"
	"github.com/aixtrade/llmtrigger/internal/kv"
	"github.com/aixtrade/llmtrigger/internal/llm"
	"github.com/aixtrade/llmtrigger/internal/notify"
	"github.com/aixtrade/llmtrigger/internal/pipeline"
	"github.com/aixtrade/llmtrigger/internal/ratelimit"
	"github.com/aixtrade/llmtrigger/internal/rules"
	"github.com/aixtrade/llmtrigger/internal/telemetry"
	"github.com/aixtrade/llmtrigger/internal/triggermode"
)

// sweepInterval is how often the trigger-mode sweeper scans for
// batches whose max_wait_seconds has elapsed with no new event.
const sweepInterval = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		for k, v := range buildinfo.Info() {
			logger.Info("buildinfo", k, v)
		}
		return
	}

	logger.Info("starting llmtrigger worker", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(*configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded", "path", cfgPath, "queue", cfg.RabbitMQ.Queue, "model", cfg.OpenAI.Model)

	kvClient, err := kv.New(cfg.Redis.URL, cfg.KeyPrefix, logger)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	bus := telemetry.New()

	idem := idempotency.New(kvClient)
	ctxStore := ctxwindow.New(kvClient, cfg.Context.WindowSeconds, cfg.Context.MaxEvents)
	ruleStore := rules.New(kvClient)
	triggerMode := triggermode.New(kvClient, logger)
	traditional := engine.NewTraditional()

	var llmEngine *llm.Engine
	var openaiClient *llm.OpenAIClient
	if cfg.OpenAI.Configured() {
		openaiClient = llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)
		llmCache := llm.NewCache(kvClient)
		llmLimiter := ratelimit.New(2, 4)
		llmEngine = llm.NewEngine(openaiClient, llmCache, cfg.OpenAI.Model, llmLimiter)
	} else {
		logger.Warn("openai not configured - llm/hybrid rules will fail to route")
	}

	router := engine.NewRouter(traditional, triggerMode, llmEngineOrNil(llmEngine))

	defaultCooldown := time.Duration(cfg.Notification.DefaultCooldown) * time.Second
	limiter := notify.NewLimiter(kvClient, defaultCooldown)
	queue := notify.NewQueue(kvClient)
	dispatcher := notify.NewDispatcher(limiter, queue, logger)

	// Concrete notification channel bodies (email/telegram/wecom) are
	// out of scope; an empty registry means every task dead-letters
	// after exhausting retries, which is observable via
	// queue.ListDeadLetters.
	channels := map[string]notify.Channel{}
	worker := notify.NewWorker(queue, channels, cfg.Notification, logger)

	handler := pipeline.New(idem, ctxStore, ruleStore, router, dispatcher, bus, logger)

	consumer := broker.New(cfg.RabbitMQ, handler.Handle, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if llmEngine != nil {
		triggerMode.StartSweeper(ctx, sweepInterval, ruleStore, batchTimeoutHandler(llmEngine, triggerMode, dispatcher, logger))
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runStatusLoop(ctx, kvClient, consumer, openaiClient, logger)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		consumer.Stop()
		worker.Stop()
		triggerMode.StopSweeper()
	}()

	wg.Wait()

	var shutdownErr *multierror.Error
	close(errCh)
	for err := range errCh {
		shutdownErr = multierror.Append(shutdownErr, err)
	}
	if shutdownErr.ErrorOrNil() != nil {
		logger.Error("worker exited with errors", "error", shutdownErr)
		os.Exit(1)
	}

	logger.Info("llmtrigger worker stopped")
}

// llmEngineOrNil adapts a possibly-nil *llm.Engine to the
// engine.LLMEvaluator interface, returning a true nil interface value
// (not a non-nil interface wrapping a nil pointer) when unconfigured.
func llmEngineOrNil(e *llm.Engine) engine.LLMEvaluator {
	if e == nil {
		return nil
	}
	return e
}

// batchTimeoutHandler builds the triggermode.TimeoutHandler invoked by
// the sweeper when a batch window elapses with no new event. It runs
// the LLM engine directly over the accumulated batch and dispatches a
// notification on trigger, mirroring what Router.routeLLM does for the
// lazy per-event path.
func batchTimeoutHandler(llmEngine *llm.Engine, triggerMode *triggermode.Manager, dispatcher *notify.Dispatcher, logger *slog.Logger) triggermode.TimeoutHandler {
	return func(ctx context.Context, rule *rules.Rule, contextKey string, batch []*event.Event) {
		representative := batch[len(batch)-1]
		result := llmEngine.Evaluate(ctx, rule, representative, batch)
		if !result.ShouldTrigger {
			return
		}
		if err := dispatcher.Dispatch(ctx, representative, rule, result); err != nil {
			logger.Error("sweep: notification dispatch failed", "rule_id", rule.RuleID, "context_key", contextKey, "error", err)
		}
	}
}
