package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tacit/internal/agent"
	"github.com/fyrsmithlabs/tacit/internal/rules"
	"github.com/fyrsmithlabs/tacit/internal/store"
)

func newTestMetrics(t *testing.T) (*Metrics, *metric.ManualReader) {
	t.Helper()
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := &Metrics{meter: mp.Meter(instrumentationName), logger: zap.NewNop()}
	m.init()
	return m, reader
}

// sums collects the int64 sum metrics by name.
func sums(t *testing.T, reader *metric.ManualReader) (map[string]int64, map[string]bool) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	totals := make(map[string]int64)
	seen := make(map[string]bool)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			seen[m.Name] = true
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
		}
	}
	return totals, seen
}

func TestMetrics_RecordInvocation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordInvocation(ctx, "search_knowledge", 100*time.Millisecond, nil)
	m.RecordInvocation(ctx, "search_knowledge", 50*time.Millisecond, rules.ErrValidation)

	totals, seen := sums(t, reader)
	assert.Equal(t, int64(2), totals["tacit.mcp.tool.invocations_total"])
	assert.Equal(t, int64(1), totals["tacit.mcp.tool.errors_total"])
	assert.True(t, seen["tacit.mcp.tool.duration_seconds"])
}

func TestMetrics_ActiveRequests(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.IncrementActive(ctx, "rule_trail")
	m.IncrementActive(ctx, "rule_trail")
	m.DecrementActive(ctx, "rule_trail")

	totals, _ := sums(t, reader)
	assert.Equal(t, int64(1), totals["tacit.mcp.tool.active_requests"])
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil error", nil, ""},
		{"validation", fmt.Errorf("bad rule: %w", rules.ErrValidation), "validation_error"},
		{"not found", fmt.Errorf("rule 7: %w", store.ErrNotFound), "not_found"},
		{"closed proposal", store.ErrProposalClosed, "conflict"},
		{"timeout", fmt.Errorf("search: %w", context.DeadlineExceeded), "timeout"},
		{"collaborator", &agent.CollaboratorError{Op: "github", Err: errors.New("502")}, "collaborator_error"},
		{"storage", &store.PersistenceError{Op: "insert rule", Err: errors.New("disk I/O error")}, "storage_error"},
		{"generic error", errors.New("something went wrong"), "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := categorizeError(tt.err)
			if result != tt.expected {
				t.Errorf("categorizeError(%v) = %q, want %q", tt.err, result, tt.expected)
			}
		})
	}
}
