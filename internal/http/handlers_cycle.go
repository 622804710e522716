package http

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"

	"vsla/internal/core"
	"vsla/internal/cycle"
	"vsla/internal/log"
	"vsla/internal/report"

	"github.com/shopspring/decimal"
)

func (s *Server) handleListCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := s.cycles.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]cycleView, 0, len(cycles))
	for _, c := range cycles {
		out = append(out, newCycleView(c))
	}
	writeJSON(w, http.StatusOK, out)
}

type createCycleRequest struct {
	Name               string           `json:"name"`
	StartDate          string           `json:"start_date"`
	EndDate            string           `json:"end_date"`
	SharePrice         *decimal.Decimal `json:"share_price,omitempty"`
	AdministrativeCost *decimal.Decimal `json:"administrative_cost,omitempty"`
	Notes              string           `json:"notes,omitempty"`
}

func (s *Server) handleCreateCycle(w http.ResponseWriter, r *http.Request) {
	var req createCycleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	start, err := parseDay("start_date", req.StartDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	end, err := parseDay("end_date", req.EndDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	in := cycle.CycleInput{
		Name:               req.Name,
		StartDate:          start,
		EndDate:            end,
		SharePrice:         s.sharePrice,
		AdministrativeCost: s.adminCost,
		Notes:              req.Notes,
	}
	if req.SharePrice != nil {
		in.SharePrice = *req.SharePrice
	}
	if req.AdministrativeCost != nil {
		in.AdministrativeCost = *req.AdministrativeCost
	}

	c, err := s.cycles.CreateCycle(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newCycleView(c))
}

func (s *Server) summary(ctx context.Context, id int64) (core.CycleSummary, error) {
	return s.summaries.Get(ctx, strconv.FormatInt(id, 10), func(ctx context.Context) (core.CycleSummary, error) {
		return s.cycles.Summary(ctx, id)
	})
}

func (s *Server) handleCycleSummary(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sum, err := s.summary(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSummaryView(sum))
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.cycles.Aggregate(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidateSummary(id)
	writeJSON(w, http.StatusOK, newCycleView(c))
}

func (s *Server) handleParticipation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	parts, err := s.cycles.Participation(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]participationView, 0, len(parts))
	for _, p := range parts {
		out = append(out, newParticipationView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleShareOut(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	detail, err := s.cycles.ShareOutDetail(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newShareOutView(detail))
}

// cycleTransition adapts a state machine operation to a POST handler.
func (s *Server) cycleTransition(op func(context.Context, int64) (core.Cycle, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		c, err := op(r.Context(), id)
		// A failed transition may still have refreshed totals.
		s.invalidateSummary(id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newCycleView(c))
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	format, err := report.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.writeError(w, r, badRequest("%v", err))
		return
	}
	detail, err := s.cycles.ShareOutDetail(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(detail.Records) == 0 {
		s.writeError(w, r, &core.InvalidStateError{
			Operation: "export",
			Current:   string(detail.Cycle.Status),
			Required:  []string{"calculated share-out"},
		})
		return
	}

	rep := report.Build(detail, s.now())
	var buf bytes.Buffer
	if err := report.Write(&buf, rep, format); err != nil {
		s.writeError(w, r, fmt.Errorf("render export: %w", err))
		return
	}

	log.FromContext(r.Context()).InfoContext(r.Context(), "Share-out exported",
		log.FieldOperation, log.OpExport,
		log.FieldCycleID, id,
		"format", string(format),
		log.FieldCount, len(rep.Rows))
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rep.FileName(format)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
