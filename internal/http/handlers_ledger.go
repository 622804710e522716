package http

import (
	"net/http"

	"vsla/internal/core"
	"vsla/internal/ledger"
	"vsla/internal/log"
)

type createMemberRequest struct {
	Name     string `json:"name"`
	MemberNo string `json:"member_no"`
}

func (s *Server) handleCreateMember(w http.ResponseWriter, r *http.Request) {
	var req createMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := (core.Member{Name: req.Name, MemberNo: req.MemberNo}).Validate(); err != nil {
		verr := &core.ValidationError{}
		verr.Add(-1, "member", err.Error())
		s.writeError(w, r, verr)
		return
	}
	m, err := s.store.Queries().CreateMember(r.Context(), req.Name, req.MemberNo)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	log.FromContext(r.Context()).InfoContext(r.Context(), "Member registered",
		log.FieldMemberID, m.ID,
		"member_no", m.MemberNo)
	writeJSON(w, http.StatusCreated, memberView{ID: m.ID, Name: m.Name, MemberNo: m.MemberNo})
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.store.Queries().ListMembers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]memberView, 0, len(members))
	for _, m := range members {
		out = append(out, memberView{ID: m.ID, Name: m.Name, MemberNo: m.MemberNo})
	}
	writeJSON(w, http.StatusOK, out)
}

type createMeetingRequest struct {
	MeetingDate string `json:"meeting_date"`
	Notes       string `json:"notes,omitempty"`
}

func (s *Server) handleCreateMeeting(w http.ResponseWriter, r *http.Request) {
	var req createMeetingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	date, err := parseDay("meeting_date", req.MeetingDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.store.Queries().CreateMeeting(r.Context(), date, req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	log.FromContext(r.Context()).InfoContext(r.Context(), "Meeting recorded",
		log.FieldMeetingID, m.ID,
		"meeting_date", req.MeetingDate)
	writeJSON(w, http.StatusCreated, newMeetingView(m))
}

func (s *Server) handleGetMeeting(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.store.Queries().GetMeeting(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newMeetingView(m))
}

// handleListMeetings lists meetings held between the from and to dates,
// both inclusive.
func (s *Server) handleListMeetings(w http.ResponseWriter, r *http.Request) {
	from, err := parseDay("from", r.URL.Query().Get("from"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := parseDay("to", r.URL.Query().Get("to"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if to.Before(from) {
		s.writeError(w, r, badRequest("to must not be before from"))
		return
	}
	meetings, err := s.store.Queries().ListMeetingsBetween(r.Context(), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]meetingView, 0, len(meetings))
	for _, m := range meetings {
		out = append(out, newMeetingView(m))
	}
	writeJSON(w, http.StatusOK, out)
}

type submitEntriesRequest struct {
	Entries []ledger.EntryInput `json:"entries"`
}

func (s *Server) handleSubmitEntries(w http.ResponseWriter, r *http.Request) {
	meetingID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req submitEntriesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.ledger.SubmitBulk(r.Context(), meetingID, actor(r), req.Entries)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidateSummaries()
	writeJSON(w, http.StatusCreated, newEntryViews(entries))
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	meetingID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.ledger.ListByMeeting(r.Context(), meetingID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEntryViews(entries))
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.ledger.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEntryView(e))
}

func (s *Server) handleUpdateEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var changes ledger.EntryChanges
	if err := decodeJSON(w, r, &changes); err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.ledger.Update(r.Context(), id, changes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidateSummaries()
	writeJSON(w, http.StatusOK, newEntryView(e))
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ledger.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidateSummaries()
	w.WriteHeader(http.StatusNoContent)
}

type approveRequest struct {
	ApprovedBy string `json:"approved_by,omitempty"`
}

func (s *Server) handleApproveEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req approveRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	by := req.ApprovedBy
	if by == "" {
		by = actor(r)
	}
	e, err := s.ledger.Approve(r.Context(), id, by)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidateSummaries()
	writeJSON(w, http.StatusOK, newEntryView(e))
}

func (s *Server) handleRejectEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.ledger.Reject(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidateSummaries()
	writeJSON(w, http.StatusOK, newEntryView(e))
}
