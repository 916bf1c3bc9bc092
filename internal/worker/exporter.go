package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"attendscan/internal/export"
	"attendscan/internal/metrics"
	"attendscan/internal/model"
	"attendscan/internal/queue"
	"attendscan/pkg/logger"
)

// ReportSource loads stored reports by id.
type ReportSource interface {
	GetReport(ctx context.Context, id string) (model.AttendanceReport, error)
}

// Exporter writes a CSV and an XLSX file for every generated report.
type Exporter struct {
	Reports   ReportSource
	Formatter export.Formatter
	Dir       string
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Run consumes q until ctx is done. Failed messages are logged and skipped.
func (e *Exporter) Run(ctx context.Context, q queue.Queue) error {
	log := logger.OrNop(e.Logger)
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	messages, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init: %w", err)
	}

	log.Info("worker started, waiting for messages", zap.String("dir", e.Dir))
	for msg := range messages {
		if msg.Type != queue.TypeReportGenerated {
			log.Debug("ignoring message", zap.String("type", msg.Type))
			continue
		}
		if _, err := e.Handle(ctx, string(msg.Body)); err != nil {
			log.Warn("export failed", zap.String(logger.FieldReportID, string(msg.Body)), zap.Error(err))
		}
	}
	log.Info("worker stopped")
	return nil
}

// Handle exports one report and returns the written paths.
func (e *Exporter) Handle(ctx context.Context, reportID string) ([]string, error) {
	rep, err := e.Reports.GetReport(ctx, reportID)
	if err != nil {
		return nil, fmt.Errorf("fetch report %s: %w", reportID, err)
	}

	renderers := []struct {
		ext    string
		render func(model.AttendanceReport) ([]byte, error)
	}{
		{"csv", e.Formatter.CSV},
		{"xlsx", e.Formatter.XLSX},
	}
	paths := make([]string, 0, len(renderers))
	for _, r := range renderers {
		data, err := r.render(rep)
		if err != nil {
			return paths, fmt.Errorf("render %s: %w", r.ext, err)
		}
		// Report id keeps two sessions of the same class on one day apart.
		name := fmt.Sprintf("%s_%s", rep.ID, export.Filename(rep, r.ext))
		path := filepath.Join(e.Dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return paths, fmt.Errorf("write %s: %w", path, err)
		}
		if e.Metrics != nil {
			e.Metrics.Exported(r.ext)
		}
		paths = append(paths, path)
	}
	logger.OrNop(e.Logger).Info("report exported",
		zap.String(logger.FieldReportID, rep.ID),
		zap.Strings("files", paths))
	return paths, nil
}
