// Package scheduler creates the periodic work rows (weekly digests and
// monthly reports) and retries raw events that were never processed. Each
// job runs under its own distributed lock so several workers can share one
// schedule.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pathfinder/pathfinder/pkg/claim"
	"github.com/pathfinder/pathfinder/pkg/config"
	"github.com/pathfinder/pathfinder/pkg/ingest"
	"github.com/pathfinder/pathfinder/pkg/model"
	"github.com/pathfinder/pathfinder/pkg/store/postgres"
)

const (
	JobWeeklyDigest  = "weekly-digest"
	JobMonthlyReport = "monthly-report"
	JobStaleEvents   = "stale-events"

	MonthLayout = "2006-01"
)

type DetectionLister interface {
	ListBetween(ctx context.Context, from, to time.Time) ([]model.Detection, error)
}

type DigestCreator interface {
	Create(ctx context.Context, digest *model.Digest) (bool, error)
}

type ReportCreator interface {
	Create(ctx context.Context, report *model.Report) (bool, error)
}

type StaleEvents interface {
	Claim(ctx context.Context, limit int) (claim.Batch[model.RawEvent], error)
	Complete(ctx context.Context, id uint64, token string, updates map[string]interface{}) error
}

type Reprocessor interface {
	Reprocess(ctx context.Context, rawEventID uint64) (ingest.Result, error)
}

type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LockFactory returns a lock named after the job. A nil factory runs every
// job unlocked.
type LockFactory func(name string, ttl time.Duration) Lock

type Scheduler struct {
	detections   DetectionLister
	digests      DigestCreator
	reports      ReportCreator
	stale        StaleEvents
	reprocessor  Reprocessor
	newLock      LockFactory
	channels     []model.Channel
	rulesVersion func() string
	cfg          config.SchedulerConfig
	logger       *zap.Logger
	now          func() time.Time
}

func NewScheduler(
	detections DetectionLister,
	digests DigestCreator,
	reports ReportCreator,
	stale StaleEvents,
	reprocessor Reprocessor,
	newLock LockFactory,
	channels []model.Channel,
	rulesVersion func() string,
	cfg config.SchedulerConfig,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.StaleBatchSize <= 0 {
		cfg.StaleBatchSize = 50
	}
	if cfg.StaleMaxAttempts <= 0 {
		cfg.StaleMaxAttempts = 5
	}
	if len(channels) == 0 {
		channels = []model.Channel{model.ChannelEmail, model.ChannelTeams}
	}
	return &Scheduler{
		detections:   detections,
		digests:      digests,
		reports:      reports,
		stale:        stale,
		reprocessor:  reprocessor,
		newLock:      newLock,
		channels:     channels,
		rulesVersion: rulesVersion,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every job once. Digest and report creation are idempotent per
// period, so running them on every tick only fills gaps.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()

	s.withLock(ctx, JobWeeklyDigest, func(ctx context.Context) error {
		_, err := s.CreateWeeklyDigests(ctx, PreviousWeekStart(now))
		return err
	})
	s.withLock(ctx, JobMonthlyReport, func(ctx context.Context) error {
		_, err := s.CreateMonthlyReport(ctx, PreviousMonth(now))
		return err
	})
	if s.stale != nil && s.reprocessor != nil {
		s.withLock(ctx, JobStaleEvents, func(ctx context.Context) error {
			_, err := s.SweepStaleEvents(ctx)
			return err
		})
	}
}

func (s *Scheduler) withLock(ctx context.Context, job string, fn func(ctx context.Context) error) {
	if s.newLock != nil {
		lock := s.newLock("scheduler:"+job, s.cfg.LockTTL)
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			s.logger.Error("failed to acquire job lock", zap.String("job", job), zap.Error(err))
			return
		}
		if !acquired {
			s.logger.Debug("job is running elsewhere", zap.String("job", job))
			return
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("failed to release job lock", zap.String("job", job), zap.Error(err))
			}
		}()
	}

	if err := fn(ctx); err != nil {
		s.logger.Error("scheduled job failed", zap.String("job", job), zap.Error(err))
	}
}

// CreateWeeklyDigests stores one digest per channel for the seven days
// starting at weekStart. It returns how many rows were new.
func (s *Scheduler) CreateWeeklyDigests(ctx context.Context, weekStart time.Time) (int, error) {
	weekStart = startOfDay(weekStart)
	weekEnd := weekStart.AddDate(0, 0, 7)

	detections, err := s.detections.ListBetween(ctx, weekStart, weekEnd)
	if err != nil {
		return 0, fmt.Errorf("load detections: %w", err)
	}
	entries := make([]model.DigestEntry, 0, len(detections))
	for _, d := range detections {
		entries = append(entries, model.DigestEntry{
			UserID:     d.UserID,
			Username:   d.Username,
			Title:      d.Title,
			Level:      string(d.SeniorityLevel),
			Kind:       string(d.Kind),
			Country:    d.Country,
			Company:    d.Company,
			DetectedAt: d.DetectedAt,
		})
	}

	created := 0
	for _, channel := range s.channels {
		payload, err := model.EncodeJSONB(model.DigestPayload{
			WeekStart:  weekStart,
			WeekEnd:    weekEnd,
			Channel:    channel,
			TotalCount: len(entries),
			Detections: entries,
		})
		if err != nil {
			return created, err
		}
		ok, err := s.digests.Create(ctx, &model.Digest{
			WeekStart: weekStart,
			WeekEnd:   weekEnd,
			Channel:   channel,
			Payload:   payload,
		})
		if err != nil {
			return created, fmt.Errorf("create %s digest: %w", channel, err)
		}
		if ok {
			created++
			s.logger.Info("weekly digest created",
				zap.String("channel", string(channel)),
				zap.Time("week_start", weekStart),
				zap.Int("total_count", len(entries)),
			)
		}
	}
	return created, nil
}

// CreateMonthlyReport stores the report row of the month starting at
// monthStart. It returns false when the month already has one.
func (s *Scheduler) CreateMonthlyReport(ctx context.Context, monthStart time.Time) (bool, error) {
	periodStart := time.Date(monthStart.Year(), monthStart.Month(), 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)

	detections, err := s.detections.ListBetween(ctx, periodStart, periodEnd)
	if err != nil {
		return false, fmt.Errorf("load detections: %w", err)
	}
	summary, err := model.EncodeJSONB(postgres.Summarize(detections))
	if err != nil {
		return false, err
	}

	report := &model.Report{
		MonthLabel:  periodStart.Format(MonthLayout),
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Summary:     summary,
	}
	if s.rulesVersion != nil {
		report.RulesVersion = s.rulesVersion()
	}
	created, err := s.reports.Create(ctx, report)
	if err != nil {
		return false, fmt.Errorf("create report %s: %w", report.MonthLabel, err)
	}
	if created {
		s.logger.Info("monthly report created",
			zap.String("month", report.MonthLabel),
			zap.Int("total", len(detections)),
		)
	}
	return created, nil
}

// SweepStaleEvents reprocesses one batch of raw events that stayed
// unprocessed past the grace period. Failures are recorded on the event by
// the pipeline and the event is picked up again by a later sweep, until it
// reaches StaleMaxAttempts.
func (s *Scheduler) SweepStaleEvents(ctx context.Context) (int, error) {
	batch, err := s.stale.Claim(ctx, s.cfg.StaleBatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim stale events: %w", err)
	}

	processed := 0
	for _, event := range batch.Rows {
		result, err := s.reprocessor.Reprocess(ctx, event.ID)
		switch {
		case err != nil && event.Attempts+1 >= s.cfg.StaleMaxAttempts:
			s.logger.Error("stale event abandoned after max attempts",
				zap.Uint64("raw_event_id", event.ID),
				zap.Int("attempts", event.Attempts+1),
				zap.Error(err),
			)
		case err != nil:
			s.logger.Warn("stale event retry failed", zap.Uint64("raw_event_id", event.ID), zap.Error(err))
		default:
			processed++
			s.logger.Info("stale event reprocessed",
				zap.Uint64("raw_event_id", event.ID),
				zap.String("status", string(result.Status)),
			)
		}
		if err := s.stale.Complete(context.WithoutCancel(ctx), event.ID, batch.Token, nil); err != nil {
			s.logger.Warn("failed to clear stale event lease", zap.Uint64("raw_event_id", event.ID), zap.Error(err))
		}
	}
	return processed, nil
}

// PreviousWeekStart is the Monday of the week before the one containing t.
func PreviousWeekStart(t time.Time) time.Time {
	day := startOfDay(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset-7)
}

// PreviousMonth is the first day of the month before the one containing t.
func PreviousMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
}

// ParseMonth parses a YYYY-MM label into the first day of that month.
func ParseMonth(label string) (time.Time, error) {
	return time.ParseInLocation(MonthLayout, label, time.UTC)
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
