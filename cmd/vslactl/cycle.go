package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"vsla/internal/core"
	"vsla/internal/cycle"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type cycleOut struct {
	ID           int64            `json:"id"`
	Name         string           `json:"name"`
	StartDate    string           `json:"start_date"`
	EndDate      string           `json:"end_date"`
	Status       core.CycleStatus `json:"status"`
	Totals       core.CycleTotals `json:"totals"`
	SharePrice   decimal.Decimal  `json:"share_price"`
	ShareOutDate string           `json:"share_out_date,omitempty"`
	Version      int64            `json:"version"`
}

func newCycleOut(c core.Cycle) cycleOut {
	out := cycleOut{
		ID:         c.ID,
		Name:       c.Name,
		StartDate:  c.StartDate.Format(time.DateOnly),
		EndDate:    c.EndDate.Format(time.DateOnly),
		Status:     c.Status,
		Totals:     c.Totals,
		SharePrice: c.SharePrice,
		Version:    c.Version,
	}
	if c.ShareOutDate != nil {
		out.ShareOutDate = c.ShareOutDate.Format(time.DateOnly)
	}
	return out
}

func (a *app) printCycles(cycles ...core.Cycle) error {
	outs := make([]cycleOut, 0, len(cycles))
	for _, c := range cycles {
		outs = append(outs, newCycleOut(c))
	}
	if a.asJSON {
		if len(outs) == 1 {
			return a.printJSON(outs[0])
		}
		return a.printJSON(outs)
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTART\tEND\tSTATUS\tSHARES\tAVAILABLE\tVERSION")
	for _, c := range outs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			c.ID, c.Name, c.StartDate, c.EndDate, c.Status,
			core.FormatMoney(c.Totals.SharesContributed),
			core.FormatMoney(c.Totals.AvailableForShareOut),
			c.Version)
	}
	return tw.Flush()
}

func parseCycleID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid cycle id %q", arg)
	}
	return id, nil
}

func newCycleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Inspect savings cycles and drive their share-out",
	}
	cmd.AddCommand(
		a.cycleListCmd(),
		a.cycleCreateCmd(),
		a.cycleSummaryCmd(),
		a.cycleByIDCmd("aggregate", "Recompute the cached totals of a cycle",
			func(s *cycle.Service) cycleOp { return s.Aggregate }),
		a.cycleByIDCmd("calculate", "Calculate the share-out of a cycle past its end date",
			func(s *cycle.Service) cycleOp { return s.Calculate }),
		a.cycleByIDCmd("approve", "Approve every calculated share-out record",
			func(s *cycle.Service) cycleOp { return s.Approve }),
		a.cycleByIDCmd("payout", "Settle approved records and complete the cycle",
			func(s *cycle.Service) cycleOp { return s.ProcessPayout }),
		a.cycleByIDCmd("cancel", "Discard a calculated share-out and reopen the cycle",
			func(s *cycle.Service) cycleOp { return s.Cancel }),
		a.cycleByIDCmd("archive", "Archive a completed cycle",
			func(s *cycle.Service) cycleOp { return s.Archive }),
	)
	return cmd
}

func (a *app) cycleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cycles, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			cycles, err := svc.Cycles.List(cmd.Context())
			if err != nil {
				return err
			}
			return a.printCycles(cycles...)
		},
	}
}

func (a *app) cycleCreateCmd() *cobra.Command {
	var (
		name, start, end, notes string
		sharePrice, adminCost   string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a new savings cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cycle.CycleInput{
				Name:               name,
				SharePrice:         a.cfg.Settings.SharePrice,
				AdministrativeCost: a.cfg.Settings.AdministrativeCost,
				Notes:              notes,
			}
			var err error
			if in.StartDate, err = time.Parse(time.DateOnly, start); err != nil {
				return fmt.Errorf("--start must be a YYYY-MM-DD date")
			}
			if in.EndDate, err = time.Parse(time.DateOnly, end); err != nil {
				return fmt.Errorf("--end must be a YYYY-MM-DD date")
			}
			if sharePrice != "" {
				if in.SharePrice, err = decimal.NewFromString(sharePrice); err != nil {
					return fmt.Errorf("invalid --share-price %q", sharePrice)
				}
			}
			if adminCost != "" {
				if in.AdministrativeCost, err = decimal.NewFromString(adminCost); err != nil {
					return fmt.Errorf("invalid --admin-cost %q", adminCost)
				}
			}

			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			c, err := svc.Cycles.CreateCycle(cmd.Context(), in)
			if err != nil {
				return err
			}
			return a.printCycles(c)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Cycle name")
	cmd.Flags().StringVar(&start, "start", "", "First day of the cycle (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "Last day of the cycle (YYYY-MM-DD)")
	cmd.Flags().StringVar(&sharePrice, "share-price", "", "Share price (default from settings)")
	cmd.Flags().StringVar(&adminCost, "admin-cost", "", "Administrative cost deducted at share-out (default from settings)")
	cmd.Flags().StringVar(&notes, "notes", "", "Free text notes")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

type summaryOut struct {
	cycleOut
	Phase            core.Phase `json:"phase"`
	ParticipantCount int        `json:"participant_count"`
	EligibleAt       string     `json:"eligible_at"`
}

func (a *app) cycleSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <cycle-id>",
		Short: "Show a cycle with its derived phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCycleID(args[0])
			if err != nil {
				return err
			}
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			sum, err := svc.Cycles.Summary(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := summaryOut{
				cycleOut:         newCycleOut(sum.Cycle),
				Phase:            sum.Phase,
				ParticipantCount: sum.ParticipantCount,
				EligibleAt:       sum.EligibleAt.Format(time.DateOnly),
			}
			if a.asJSON {
				return a.printJSON(out)
			}

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "Cycle\t%d %s\n", out.ID, out.Name)
			fmt.Fprintf(tw, "Period\t%s to %s\n", out.StartDate, out.EndDate)
			fmt.Fprintf(tw, "Status\t%s\n", out.Status)
			fmt.Fprintf(tw, "Phase\t%s\n", out.Phase)
			fmt.Fprintf(tw, "Eligible at\t%s\n", out.EligibleAt)
			fmt.Fprintf(tw, "Participants\t%d\n", out.ParticipantCount)
			fmt.Fprintf(tw, "Shares\t%s\n", core.FormatMoney(out.Totals.SharesContributed))
			fmt.Fprintf(tw, "Welfare\t%s\n", core.FormatMoney(out.Totals.WelfareContributed))
			fmt.Fprintf(tw, "Penalties\t%s\n", core.FormatMoney(out.Totals.PenaltiesCollected))
			fmt.Fprintf(tw, "Loan interest\t%s\n", core.FormatMoney(out.Totals.LoanInterestEarned))
			fmt.Fprintf(tw, "Available\t%s\n", core.FormatMoney(out.Totals.AvailableForShareOut))
			return tw.Flush()
		},
	}
}

type cycleOp func(ctx context.Context, id int64) (core.Cycle, error)

// cycleByIDCmd adapts a single-cycle operation to a subcommand.
func (a *app) cycleByIDCmd(use, short string, pick func(*cycle.Service) cycleOp) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <cycle-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCycleID(args[0])
			if err != nil {
				return err
			}
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			c, err := pick(svc.Cycles)(cmd.Context(), id)
			if err != nil {
				return err
			}
			return a.printCycles(c)
		},
	}
}
