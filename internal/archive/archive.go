// Package archive serves pre-decoded message records from a historical
// export, standing in for live search on targets where search is
// unavailable. Parsing the export format happens upstream.
package archive

import (
	"context"

	"chatsweep/internal/model"
)

const defaultPageSize = 25

// Source pages through a finite, static sequence of records.
type Source struct {
	records  []model.MessageRecord
	pageSize int
}

// NewSource creates a Source over the given records.
func NewSource(records []model.MessageRecord) *Source {
	return &Source{records: records, pageSize: defaultPageSize}
}

// SetPageSize overrides the default batch size.
func (s *Source) SetPageSize(n int) {
	if n > 0 {
		s.pageSize = n
	}
}

// NextPage returns the batch at cursor and the count of records not yet
// served before it. A cursor at or past the end yields a zero total.
func (s *Source) NextPage(_ context.Context, cursor int) ([]model.MessageRecord, int, error) {
	if cursor < 0 || cursor >= len(s.records) {
		return nil, 0, nil
	}
	end := cursor + s.pageSize
	if end > len(s.records) {
		end = len(s.records)
	}
	page := make([]model.MessageRecord, end-cursor)
	copy(page, s.records[cursor:end])
	return page, len(s.records) - cursor, nil
}

// Advance moves the cursor past a processed page. The sequence is static,
// so deletions do not shift later records.
func (s *Source) Advance(cursor, seen, _ int) int {
	return cursor + seen
}
