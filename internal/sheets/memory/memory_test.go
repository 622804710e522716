package memory

import (
	"context"
	"testing"

	"vsla/internal/report"
)

func TestStoreReplacesSheet(t *testing.T) {
	s := New()
	r := report.Report{CycleID: 2, CycleName: "2024", Rows: []report.Row{{MemberNo: "M1"}}}

	ref, err := s.WriteReport(context.Background(), r)
	if err != nil {
		t.Fatalf("WriteReport: %v", err)
	}
	if ref != "Cycle 2 2024!A1:K3" {
		t.Errorf("unexpected ref %q", ref)
	}

	r.Rows = nil
	if _, err := s.WriteReport(context.Background(), r); err != nil {
		t.Fatalf("WriteReport: %v", err)
	}
	table, ok := s.Sheet("Cycle 2 2024")
	if !ok || len(table) != 2 {
		t.Fatalf("expected header and totals only, got %v", table)
	}
	if titles := s.Titles(); len(titles) != 1 {
		t.Fatalf("expected one sheet, got %v", titles)
	}
}
