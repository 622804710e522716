package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Share-out"

// Write renders r to w in format f.
func Write(w io.Writer, r Report, f Format) error {
	switch f {
	case FormatCSV:
		return writeCSV(w, r)
	case FormatJSON:
		return writeJSON(w, r)
	case FormatXLSX:
		return writeXLSX(w, r)
	default:
		return fmt.Errorf("unsupported export format %q", f)
	}
}

func writeCSV(w io.Writer, r Report) error {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(r.Table()); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

func writeJSON(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

// writeXLSX lays out a cycle info block followed by the share-out table.
// Money cells are numeric so the sheet can be summed by hand.
func writeXLSX(w io.Writer, r Report) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}

	info := [][]any{
		{"Cycle", r.CycleName},
		{"Period", r.StartDate + " - " + r.EndDate},
		{"Status", r.Status},
		{"Share-out date", r.ShareOutDate},
		{"Available for share-out", r.Cycle.AvailableForShareOut.InexactFloat64()},
	}
	for i, line := range info {
		if err := f.SetSheetRow(sheetName, cell(1, i+1), &line); err != nil {
			return fmt.Errorf("write cycle info: %w", err)
		}
	}

	start := len(info) + 2
	header := make([]any, len(Header))
	for i, h := range Header {
		header[i] = h
	}
	if err := f.SetSheetRow(sheetName, cell(1, start), &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, row := range r.Rows {
		values := []any{
			row.MemberNo,
			row.MemberName,
			row.SharesContributed.InexactFloat64(),
			row.WelfareContributed.InexactFloat64(),
			row.SharePercentage.InexactFloat64(),
			row.ProfitShare.InexactFloat64(),
			row.TotalPayout.InexactFloat64(),
			row.OutstandingLoanBalance.InexactFloat64(),
			row.LoanDeduction.InexactFloat64(),
			row.NetPayout.InexactFloat64(),
			row.PayoutStatus,
		}
		if err := f.SetSheetRow(sheetName, cell(1, start+1+i), &values); err != nil {
			return fmt.Errorf("write row for member %d: %w", row.MemberID, err)
		}
	}

	t := r.Totals
	totals := []any{
		"TOTAL", "",
		t.SharesContributed.InexactFloat64(),
		t.WelfareContributed.InexactFloat64(),
		t.SharePercentage.InexactFloat64(),
		t.ProfitShare.InexactFloat64(),
		t.TotalPayout.InexactFloat64(),
		t.OutstandingLoanBalance.InexactFloat64(),
		t.LoanDeduction.InexactFloat64(),
		t.NetPayout.InexactFloat64(),
	}
	totalRow := start + 1 + len(r.Rows)
	if err := f.SetSheetRow(sheetName, cell(1, totalRow), &totals); err != nil {
		return fmt.Errorf("write totals: %w", err)
	}

	if err := styleTable(f, start, totalRow); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

// styleTable bolds the header and totals lines and formats the numeric
// columns. Column 5 holds percentages, the other numeric columns money.
func styleTable(f *excelize.File, header, totals int) error {
	pctFmt := "0.000"
	styles := []struct {
		style    *excelize.Style
		from, to string
	}{
		{&excelize.Style{NumFmt: 4}, cell(3, header+1), cell(4, totals)},
		{&excelize.Style{CustomNumFmt: &pctFmt}, cell(5, header+1), cell(5, totals)},
		{&excelize.Style{NumFmt: 4}, cell(6, header+1), cell(10, totals)},
		{&excelize.Style{Font: &excelize.Font{Bold: true}}, cell(1, header), cell(len(Header), header)},
		{&excelize.Style{Font: &excelize.Font{Bold: true}}, cell(1, totals), cell(2, totals)},
		{&excelize.Style{Font: &excelize.Font{Bold: true}, NumFmt: 4}, cell(3, totals), cell(4, totals)},
		{&excelize.Style{Font: &excelize.Font{Bold: true}, CustomNumFmt: &pctFmt}, cell(5, totals), cell(5, totals)},
		{&excelize.Style{Font: &excelize.Font{Bold: true}, NumFmt: 4}, cell(6, totals), cell(10, totals)},
	}
	for _, s := range styles {
		id, err := f.NewStyle(s.style)
		if err != nil {
			return fmt.Errorf("create style: %w", err)
		}
		if err := f.SetCellStyle(sheetName, s.from, s.to, id); err != nil {
			return fmt.Errorf("apply style: %w", err)
		}
	}
	return nil
}

func cell(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col, row)
	return name
}
