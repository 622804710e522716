package main

import (
	"fmt"
	"time"

	"vsla/internal/core"
	"vsla/internal/report"
	"vsla/internal/sheets"
	gsheet "vsla/internal/sheets/google"

	"github.com/spf13/cobra"
)

func newExportCmd(a *app) *cobra.Command {
	var (
		format   string
		dir      string
		toSheets bool
	)
	cmd := &cobra.Command{
		Use:   "export <cycle-id>",
		Short: "Write a cycle's share-out report to a file",
		Long: `Export renders the calculated share-out of a cycle as xlsx, csv or json
into --dir. With --sheets the report is also written to the configured Google
spreadsheet, one worksheet per cycle.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCycleID(args[0])
			if err != nil {
				return err
			}
			f, err := report.ParseFormat(format)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = a.cfg.ExportDir
			}

			var writer sheets.ReportWriter
			if toSheets {
				client, err := gsheet.NewFromConfig(cmd.Context(), a.cfg)
				if err != nil {
					return fmt.Errorf("google sheets: %w", err)
				}
				writer = client
			}

			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			detail, err := svc.Cycles.ShareOutDetail(cmd.Context(), id)
			if err != nil {
				return err
			}
			if len(detail.Records) == 0 {
				return &core.InvalidStateError{
					Operation: "export",
					Current:   string(detail.Cycle.Status),
					Required:  []string{"calculated share-out"},
				}
			}

			rep := report.Build(detail, time.Now())
			path, err := report.Save(dir, rep, f)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "wrote %s (%d members, net payout %s)\n",
				path, len(rep.Rows), core.FormatMoney(rep.Totals.NetPayout))

			if writer != nil {
				ref, err := writer.WriteReport(cmd.Context(), rep)
				if err != nil {
					return fmt.Errorf("write report to sheets: %w", err)
				}
				fmt.Fprintf(a.out, "wrote %s\n", ref)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "xlsx", "Report format: xlsx, csv or json")
	cmd.Flags().StringVar(&dir, "dir", "", "Output directory (default EXPORT_DIR)")
	cmd.Flags().BoolVar(&toSheets, "sheets", false, "Also write the report to Google Sheets")
	return cmd
}
