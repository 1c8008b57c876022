// Package observability wires structured logging and the service metric
// counters. Counters use the OpenTelemetry metric API against the global
// meter provider; without an installed SDK they are no-ops, so the core
// never depends on a collector being present.
package observability

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/ubl-labs/ubl-core"

// Metrics holds the service counters.
type Metrics struct {
	atomsAppended        metric.Int64Counter
	messagesSent         metric.Int64Counter
	effectAppendFailures metric.Int64Counter
	indexWriteFailures   metric.Int64Counter
	sseSubscribers       metric.Int64UpDownCounter
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// GetMetrics returns the process-wide metric set.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		meter := otel.Meter(meterName)
		atoms, _ := meter.Int64Counter("ubl.ledger.atoms_appended",
			metric.WithDescription("Atoms appended across all shards"))
		msgs, _ := meter.Int64Counter("ubl.room.messages_sent",
			metric.WithDescription("Messages accepted by room coordinators"))
		effectFail, _ := meter.Int64Counter("ubl.ledger.effect_append_failures",
			metric.WithDescription("Paired effect atoms that failed to append after a committed action"))
		indexFail, _ := meter.Int64Counter("ubl.index.write_failures",
			metric.WithDescription("Best-effort index store writes that failed"))
		subs, _ := meter.Int64UpDownCounter("ubl.sse.subscribers",
			metric.WithDescription("Live SSE subscribers"))
		metrics = &Metrics{
			atomsAppended:        atoms,
			messagesSent:         msgs,
			effectAppendFailures: effectFail,
			indexWriteFailures:   indexFail,
			sseSubscribers:       subs,
		}
	})
	return metrics
}

// AtomAppended records one appended atom for a tenant shard.
func (m *Metrics) AtomAppended(ctx context.Context, tenantID, kind string) {
	m.atomsAppended.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("kind", kind),
	))
}

// MessageSent records one accepted room message.
func (m *Metrics) MessageSent(ctx context.Context, tenantID, roomID string) {
	m.messagesSent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("room_id", roomID),
	))
}

// EffectAppendFailed records a paired effect append failing after its
// action committed.
func (m *Metrics) EffectAppendFailed(ctx context.Context, tenantID string) {
	m.effectAppendFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
	))
}

// IndexWriteFailed records a failed best-effort index mirror write.
func (m *Metrics) IndexWriteFailed(ctx context.Context, table string) {
	m.indexWriteFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("table", table),
	))
}

// SubscriberDelta adjusts the live SSE subscriber gauge.
func (m *Metrics) SubscriberDelta(ctx context.Context, delta int64) {
	m.sseSubscribers.Add(ctx, delta)
}

// SetupLogging installs a text slog handler at the configured level and
// returns the root logger.
func SetupLogging(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
