package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"vsla/internal/report"
	ports "vsla/internal/sheets"
)

// Store keeps written reports in memory, one table per worksheet title.
type Store struct {
	mu     sync.Mutex
	sheets map[string][][]string
}

var _ ports.ReportWriter = (*Store)(nil)

func New() *Store {
	return &Store{sheets: make(map[string][][]string)}
}

// WriteReport replaces the worksheet of the report's cycle.
func (s *Store) WriteReport(_ context.Context, r report.Report) (string, error) {
	table := r.Table()
	title := ports.Title(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sheets[title] = table
	return fmt.Sprintf("%s!A1:K%d", title, len(table)), nil
}

// Sheet returns a copy of the table stored under title.
func (s *Store) Sheet(title string) ([][]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.sheets[title]
	if !ok {
		return nil, false
	}
	out := make([][]string, len(table))
	for i, row := range table {
		out[i] = append([]string(nil), row...)
	}
	return out, true
}

// Titles lists worksheet titles in sorted order.
func (s *Store) Titles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sheets))
	for t := range s.sheets {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
