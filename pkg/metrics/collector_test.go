package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/pathfinder/pathfinder/pkg/model"
)

type stubStats struct {
	stats model.Stats
	err   error
}

func (s stubStats) Stats(ctx context.Context) (model.Stats, error) {
	return s.stats, s.err
}

func TestCollectRecordsGauges(t *testing.T) {
	c := NewCollector(stubStats{stats: model.Stats{
		CSuiteUsers:       3,
		VPUsers:           5,
		PendingDigests:    2,
		PendingReports:    1,
		UnprocessedEvents: 4,
		PendingOutbox:     6,
	}}, 0, zap.NewNop())
	c.Collect(context.Background())

	if got := testutil.ToFloat64(SeniorUsers.WithLabelValues("csuite")); got != 3 {
		t.Fatalf("expected 3 csuite users, got %v", got)
	}
	if got := testutil.ToFloat64(PendingWork.WithLabelValues("outbox")); got != 6 {
		t.Fatalf("expected 6 pending outbox rows, got %v", got)
	}

	failing := NewCollector(stubStats{err: errors.New("db down")}, 0, zap.NewNop())
	failing.Collect(context.Background())
	if got := testutil.ToFloat64(PendingWork.WithLabelValues("events")); got != 4 {
		t.Fatalf("failed collection must keep previous values, got %v", got)
	}
}
