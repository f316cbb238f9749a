package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pathfinder/pathfinder/pkg/dispatch"
	"github.com/pathfinder/pathfinder/pkg/ingest"
	"github.com/pathfinder/pathfinder/pkg/model"
	"github.com/pathfinder/pathfinder/pkg/scheduler"
)

type EventReprocessor interface {
	Reprocess(ctx context.Context, rawEventID uint64) (ingest.Result, error)
}

type Planner interface {
	CreateWeeklyDigests(ctx context.Context, weekStart time.Time) (int, error)
	CreateMonthlyReport(ctx context.Context, monthStart time.Time) (bool, error)
}

type BatchRunner interface {
	RunOnce(ctx context.Context) (dispatch.BatchResult, error)
}

type StatsSource interface {
	Stats(ctx context.Context) (model.Stats, error)
}

type AdminHandler struct {
	events  EventReprocessor
	planner Planner
	digests BatchRunner
	reports BatchRunner
	stats   StatsSource
	logger  *zap.Logger
	now     func() time.Time
}

func NewAdminHandler(events EventReprocessor, planner Planner, digests, reports BatchRunner, stats StatsSource, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		events:  events,
		planner: planner,
		digests: digests,
		reports: reports,
		stats:   stats,
		logger:  logger,
		now:     time.Now,
	}
}

// ProcessEvent reruns a stored raw event.
func (h *AdminHandler) ProcessEvent(c *gin.Context) {
	id, ok := parseID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusBadRequest, errorBody("invalid event id"))
		return
	}

	result, err := h.events.Reprocess(c.Request.Context(), id)
	if errors.Is(err, ingest.ErrEventNotFound) {
		c.JSON(http.StatusNotFound, errorBody("event not found"))
		return
	}
	if err != nil {
		h.logger.Error("failed to reprocess event", zap.Uint64("raw_event_id", id), zap.Error(err))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorBody("failed to process event"))
		return
	}

	c.JSON(http.StatusOK, result)
}

// SendDigests creates the digests of a week (week_start=YYYY-MM-DD, the
// previous week by default) and sends one batch of pending digests.
func (h *AdminHandler) SendDigests(c *gin.Context) {
	weekStart := scheduler.PreviousWeekStart(h.now())
	requested, err := parseDate(c.Query("week_start"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("week_start must be YYYY-MM-DD"))
		return
	}
	if requested != nil {
		if requested.Weekday() != time.Monday {
			c.JSON(http.StatusBadRequest, errorBody("week_start must be a Monday"))
			return
		}
		weekStart = *requested
	}

	ctx := c.Request.Context()
	created, err := h.planner.CreateWeeklyDigests(ctx, weekStart)
	if err != nil {
		h.logger.Error("failed to create digests", zap.Time("week_start", weekStart), zap.Error(err))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorBody("failed to create digests"))
		return
	}
	result, err := h.digests.RunOnce(ctx)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorBody("failed to dispatch digests"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"week_start": weekStart.Format(dateLayout),
		"created":    created,
		"dispatch":   result,
	})
}

// GenerateReport creates the report of a month (month=YYYY-MM, the previous
// month by default) and writes one batch of pending reports.
func (h *AdminHandler) GenerateReport(c *gin.Context) {
	month := scheduler.PreviousMonth(h.now())
	if label := c.Query("month"); label != "" {
		parsed, err := scheduler.ParseMonth(label)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody("month must be YYYY-MM"))
			return
		}
		month = parsed
	}

	ctx := c.Request.Context()
	created, err := h.planner.CreateMonthlyReport(ctx, month)
	if err != nil {
		h.logger.Error("failed to create report", zap.Time("month", month), zap.Error(err))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorBody("failed to create report"))
		return
	}
	result, err := h.reports.RunOnce(ctx)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorBody("failed to generate reports"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"month":    month.Format(scheduler.MonthLayout),
		"created":  created,
		"dispatch": result,
	})
}

func (h *AdminHandler) Stats(c *gin.Context) {
	stats, err := h.stats.Stats(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorBody("failed to load stats"))
		return
	}
	c.JSON(http.StatusOK, stats)
}
