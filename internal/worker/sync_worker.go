package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"vsla/internal/amqp"
	"vsla/internal/core"
	"vsla/internal/log"
	"vsla/internal/report"
	"vsla/internal/sheets"
)

// Cycles is the read side of the cycle service the worker needs.
type Cycles interface {
	List(ctx context.Context) ([]core.Cycle, error)
	ShareOutDetail(ctx context.Context, id int64) (core.ShareOutDetail, error)
}

// SyncWorker exports settled share-outs to the export directory and, when a
// spreadsheet is configured, to Google Sheets.
type SyncWorker struct {
	cycles    Cycles
	sheets    sheets.ReportWriter
	exportDir string
	now       func() time.Time
}

// NewSyncWorker builds a worker. sheets may be nil.
func NewSyncWorker(cycles Cycles, sheets sheets.ReportWriter, exportDir string) *SyncWorker {
	return &SyncWorker{
		cycles:    cycles,
		sheets:    sheets,
		exportDir: exportDir,
		now:       time.Now,
	}
}

func (w *SyncWorker) SetClock(now func() time.Time) {
	w.now = now
}

// Export is where a share-out ended up.
type Export struct {
	CycleID  int64
	Path     string
	SheetRef string
}

// HandleCycleEvent processes a single cycle event from AMQP. Only payouts
// produce an export; the rest are acknowledged after logging.
func (w *SyncWorker) HandleCycleEvent(ctx context.Context, ev *amqp.CycleEvent) error {
	slog.InfoContext(ctx, "Processing cycle event",
		"type", string(ev.Type),
		log.FieldCycleID, ev.CycleID,
		log.FieldVersion, ev.Version)

	switch ev.Type {
	case amqp.EventPaidOut:
		if _, err := w.ExportCycle(ctx, ev.CycleID); err != nil {
			return fmt.Errorf("export cycle %d: %w", ev.CycleID, err)
		}
	case amqp.EventReadyForShareOut:
		slog.InfoContext(ctx, "Cycle is ready for share-out",
			log.FieldCycleID, ev.CycleID)
	}
	return nil
}

// ExportCycle writes the cycle's share-out report. A cycle without records
// has nothing to export and fails with an invalid state error.
func (w *SyncWorker) ExportCycle(ctx context.Context, id int64) (Export, error) {
	detail, err := w.cycles.ShareOutDetail(ctx, id)
	if err != nil {
		return Export{}, fmt.Errorf("load share-out: %w", err)
	}
	if len(detail.Records) == 0 {
		return Export{}, &core.InvalidStateError{
			Operation: "export",
			Current:   string(detail.Cycle.Status),
			Required:  []string{"calculated share-out"},
		}
	}

	rep := report.Build(detail, w.now())
	out := Export{CycleID: id}
	out.Path, err = report.Save(w.exportDir, rep, report.FormatXLSX)
	if err != nil {
		return Export{}, fmt.Errorf("save report: %w", err)
	}

	if w.sheets != nil {
		out.SheetRef, err = w.sheets.WriteReport(ctx, rep)
		if err != nil {
			// The local file stands; a redelivery rewrites both.
			return out, fmt.Errorf("write report to sheets: %w", err)
		}
	}

	slog.InfoContext(ctx, "Successfully exported share-out",
		log.FieldCycleID, id,
		log.FieldOperation, log.OpExport,
		log.FieldCount, len(rep.Rows),
		"path", out.Path,
		"sheets_ref", out.SheetRef)
	return out, nil
}

// StartupSyncCheck exports completed cycles whose report file is missing.
// It recovers from payout events lost while the worker was down.
func (w *SyncWorker) StartupSyncCheck(ctx context.Context) error {
	cycles, err := w.cycles.List(ctx)
	if err != nil {
		return fmt.Errorf("list cycles for startup check: %w", err)
	}

	var missing []core.Cycle
	for _, c := range cycles {
		if c.Status != core.CycleCompleted && c.Status != core.CycleArchived {
			continue
		}
		name := report.Report{CycleID: c.ID, CycleName: c.Name}.FileName(report.FormatXLSX)
		if _, err := os.Stat(filepath.Join(w.exportDir, name)); errors.Is(err, os.ErrNotExist) {
			missing = append(missing, c)
		}
	}

	if len(missing) == 0 {
		slog.InfoContext(ctx, "No missing share-out exports found on startup")
		return nil
	}

	slog.InfoContext(ctx, "Found settled cycles without an export, processing...",
		log.FieldCount, len(missing))

	successCount := 0
	errorCount := 0
	for _, c := range missing {
		if _, err := w.ExportCycle(ctx, c.ID); err != nil {
			slog.ErrorContext(ctx, "Failed to export cycle during startup",
				log.FieldCycleID, c.ID,
				log.FieldError, err)
			errorCount++
			continue
		}
		successCount++
	}

	slog.InfoContext(ctx, "Startup sync completed",
		"total", len(missing),
		"synced", successCount,
		"errors", errorCount)
	return nil
}
