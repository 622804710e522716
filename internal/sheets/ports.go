package sheets

import (
	"context"
	"fmt"

	"vsla/internal/report"
)

// ReportWriter publishes a share-out report to a spreadsheet and returns a
// reference to the written range.
type ReportWriter interface {
	WriteReport(ctx context.Context, r report.Report) (rangeRef string, err error)
}

// Title is the worksheet name a report is written under.
func Title(r report.Report) string {
	return fmt.Sprintf("Cycle %d %s", r.CycleID, r.CycleName)
}
