// Package report renders a cycle share-out as a spreadsheet, CSV or JSON.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vsla/internal/core"

	"github.com/shopspring/decimal"
)

type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatXLSX, FormatCSV, FormatJSON:
		return f, nil
	case "":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatJSON:
		return "application/json"
	default:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
}

// Row is one member line of the share-out.
type Row struct {
	MemberID               int64           `json:"member_id"`
	MemberNo               string          `json:"member_no"`
	MemberName             string          `json:"member_name"`
	SharesContributed      decimal.Decimal `json:"shares_contributed"`
	WelfareContributed     decimal.Decimal `json:"welfare_contributed"`
	SharePercentage        decimal.Decimal `json:"share_percentage"`
	ProfitShare            decimal.Decimal `json:"profit_share"`
	TotalPayout            decimal.Decimal `json:"total_payout"`
	OutstandingLoanBalance decimal.Decimal `json:"outstanding_loan_balance"`
	LoanDeduction          decimal.Decimal `json:"loan_deduction"`
	NetPayout              decimal.Decimal `json:"net_payout"`
	PayoutStatus           string          `json:"payout_status"`
}

// Report is a cycle share-out ready to be rendered. Totals is the column sum
// of Rows.
type Report struct {
	CycleID      int64               `json:"cycle_id"`
	CycleName    string              `json:"cycle_name"`
	StartDate    string              `json:"start_date"`
	EndDate      string              `json:"end_date"`
	Status       string              `json:"status"`
	ShareOutDate string              `json:"share_out_date,omitempty"`
	SharePrice   decimal.Decimal     `json:"share_price"`
	Cycle        core.CycleTotals    `json:"cycle_totals"`
	Rows         []Row               `json:"rows"`
	Totals       core.ShareOutTotals `json:"totals"`
	GeneratedAt  time.Time           `json:"generated_at"`
}

// Build turns a share-out detail into a report.
func Build(d core.ShareOutDetail, now time.Time) Report {
	r := Report{
		CycleID:     d.Cycle.ID,
		CycleName:   d.Cycle.Name,
		StartDate:   d.Cycle.StartDate.Format(time.DateOnly),
		EndDate:     d.Cycle.EndDate.Format(time.DateOnly),
		Status:      string(d.Cycle.Status),
		SharePrice:  d.Cycle.SharePrice,
		Cycle:       d.Cycle.Totals,
		Totals:      core.TotalsOf(d.Records),
		GeneratedAt: now.UTC(),
	}
	if d.Cycle.ShareOutDate != nil {
		r.ShareOutDate = d.Cycle.ShareOutDate.Format(time.DateOnly)
	}
	for _, rec := range d.Records {
		m := d.Members[rec.MemberID]
		r.Rows = append(r.Rows, Row{
			MemberID:               rec.MemberID,
			MemberNo:               m.MemberNo,
			MemberName:             m.Name,
			SharesContributed:      rec.SharesContributed,
			WelfareContributed:     rec.WelfareContributed,
			SharePercentage:        rec.SharePercentage,
			ProfitShare:            rec.ProfitShare,
			TotalPayout:            rec.TotalPayout,
			OutstandingLoanBalance: rec.OutstandingLoanBalance,
			LoanDeduction:          rec.LoanDeduction,
			NetPayout:              rec.NetPayout,
			PayoutStatus:           string(rec.PayoutStatus),
		})
	}
	return r
}

// Header is the column header shared by every tabular format.
var Header = []string{
	"Member No", "Member", "Shares", "Welfare", "Share %", "Profit",
	"Total Payout", "Outstanding Loan", "Loan Deduction", "Net Payout", "Status",
}

// Table returns the header, one line per member and the totals line.
func (r Report) Table() [][]string {
	table := make([][]string, 0, len(r.Rows)+2)
	table = append(table, Header)
	for _, row := range r.Rows {
		table = append(table, []string{
			row.MemberNo,
			row.MemberName,
			core.FormatMoney(row.SharesContributed),
			core.FormatMoney(row.WelfareContributed),
			core.FormatPercent(row.SharePercentage),
			core.FormatMoney(row.ProfitShare),
			core.FormatMoney(row.TotalPayout),
			core.FormatMoney(row.OutstandingLoanBalance),
			core.FormatMoney(row.LoanDeduction),
			core.FormatMoney(row.NetPayout),
			row.PayoutStatus,
		})
	}
	t := r.Totals
	table = append(table, []string{
		"TOTAL",
		"",
		core.FormatMoney(t.SharesContributed),
		core.FormatMoney(t.WelfareContributed),
		core.FormatPercent(t.SharePercentage),
		core.FormatMoney(t.ProfitShare),
		core.FormatMoney(t.TotalPayout),
		core.FormatMoney(t.OutstandingLoanBalance),
		core.FormatMoney(t.LoanDeduction),
		core.FormatMoney(t.NetPayout),
		"",
	})
	return table
}

// FileName is the suggested download name of the report.
func (r Report) FileName(f Format) string {
	name := strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			return c
		default:
			return '_'
		}
	}, r.CycleName)
	return fmt.Sprintf("shareout_%d_%s.%s", r.CycleID, name, f)
}

// Save writes the report into dir and returns the file path.
func Save(dir string, r Report, f Format) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(dir, r.FileName(f))
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}
	if err := Write(file, r, f); err != nil {
		file.Close()
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close export file: %w", err)
	}
	return path, nil
}
