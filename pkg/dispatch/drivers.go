package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/pathfinder/pathfinder/pkg/filestore"
	"github.com/pathfinder/pathfinder/pkg/model"
	"github.com/pathfinder/pathfinder/pkg/notifier"
	"github.com/pathfinder/pathfinder/pkg/render"
)

type DigestSender interface {
	SendDigest(ctx context.Context, payload model.DigestPayload) (*notifier.Deployment, error)
}

type DigestMarker interface {
	MarkSent(ctx context.Context, id uint64, token string, sentAt time.Time) error
}

type DigestDriver struct {
	sender DigestSender
	marker DigestMarker
	now    func() time.Time
}

func NewDigestDriver(sender DigestSender, marker DigestMarker) *DigestDriver {
	return &DigestDriver{sender: sender, marker: marker, now: time.Now}
}

func (d *DigestDriver) Deliver(ctx context.Context, digest model.Digest) (Completion, error) {
	payload, err := digest.DecodePayload()
	if err != nil {
		return nil, fmt.Errorf("decode digest %d payload: %w", digest.ID, err)
	}
	if payload.Channel == "" {
		payload.Channel = digest.Channel
	}
	deployment, err := d.sender.SendDigest(ctx, payload)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, token string) error {
		if err := d.marker.MarkSent(ctx, digest.ID, token, d.now()); err != nil {
			return fmt.Errorf("digest %d sent as deployment %q: %w", digest.ID, deploymentID(deployment), err)
		}
		return nil
	}, nil
}

func deploymentID(d *notifier.Deployment) string {
	if d == nil {
		return ""
	}
	return d.ID()
}

type DetectionLister interface {
	ListBetween(ctx context.Context, from, to time.Time) ([]model.Detection, error)
}

type ReportMarker interface {
	SetFiles(ctx context.Context, id uint64, token, fileURI, csvURI string, completedAt time.Time) error
}

// ReportDriver writes the HTML and CSV files of a month. Object keys are
// derived from the month label, so a retried row overwrites its own files.
type ReportDriver struct {
	detections DetectionLister
	files      filestore.Store
	renderer   *render.Renderer
	marker     ReportMarker
	now        func() time.Time
}

func NewReportDriver(detections DetectionLister, files filestore.Store, renderer *render.Renderer, marker ReportMarker) *ReportDriver {
	return &ReportDriver{detections: detections, files: files, renderer: renderer, marker: marker, now: time.Now}
}

func (d *ReportDriver) Deliver(ctx context.Context, report model.Report) (Completion, error) {
	summary, err := report.DecodeSummary()
	if err != nil {
		return nil, fmt.Errorf("decode report %s summary: %w", report.MonthLabel, err)
	}
	detections, err := d.detections.ListBetween(ctx, report.PeriodStart, report.PeriodEnd)
	if err != nil {
		return nil, fmt.Errorf("load detections for %s: %w", report.MonthLabel, err)
	}

	csvData, err := render.ReportCSV(detections)
	if err != nil {
		return nil, err
	}
	html, err := d.renderer.ReportHTML(report, summary, detections)
	if err != nil {
		return nil, err
	}

	base := fmt.Sprintf("%s/senior-executives-%s", report.MonthLabel, report.MonthLabel)
	csvURI, err := d.files.Put(ctx, base+".csv", csvData, "text/csv")
	if err != nil {
		return nil, err
	}
	fileURI, err := d.files.Put(ctx, base+".html", []byte(html), "text/html")
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, token string) error {
		return d.marker.SetFiles(ctx, report.ID, token, fileURI, csvURI, d.now())
	}, nil
}
