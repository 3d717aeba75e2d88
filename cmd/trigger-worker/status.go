package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/aixtrade/llmtrigger/internal/broker"
	"github.com/aixtrade/llmtrigger/internal/buildinfo"
	"github.com/aixtrade/llmtrigger/internal/kv"
	"github.com/aixtrade/llmtrigger/internal/llm"
)

// statusLogInterval is how often runStatusLoop logs a connectivity
// snapshot.
const statusLogInterval = 30 * time.Second

// Status is a point-in-time health snapshot: uptime, connectivity to
// the shared store/broker/LLM backend, and build metadata. This is
// the data a future /healthz endpoint would serve; the endpoint itself
// stays out of scope (spec.md §1), but the shape is built now.
type Status struct {
	Uptime    time.Duration     `json:"uptime"`
	Redis     bool              `json:"redis"`
	Broker    bool              `json:"broker"`
	OpenAI    bool              `json:"openai"`
	Buildinfo map[string]string `json:"buildinfo"`
}

// collectStatus pings each backing service with a short timeout and
// assembles the current Status. openaiClient may be nil when the LLM
// backend is unconfigured, in which case OpenAI is reported false.
func collectStatus(ctx context.Context, kvClient *kv.Client, consumer *broker.Consumer, openaiClient *llm.OpenAIClient) Status {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	st := Status{
		Uptime:    buildinfo.Uptime(),
		Redis:     kvClient.Ping(pingCtx) == nil,
		Broker:    consumer.Connected(),
		Buildinfo: buildinfo.Info(),
	}
	if openaiClient != nil {
		st.OpenAI = openaiClient.Ping(pingCtx) == nil
	}
	return st
}

// runStatusLoop logs a Status snapshot every statusLogInterval until
// ctx is cancelled.
func runStatusLoop(ctx context.Context, kvClient *kv.Client, consumer *broker.Consumer, openaiClient *llm.OpenAIClient, logger *slog.Logger) {
	ticker := time.NewTicker(statusLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := collectStatus(ctx, kvClient, consumer, openaiClient)
			logger.Info("status", "uptime", st.Uptime, "redis", st.Redis, "broker", st.Broker, "openai", st.OpenAI, "version", st.Buildinfo["version"])
		}
	}
}
