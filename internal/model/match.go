package model

import (
	"slices"
	"time"
)

// StatusEntry is one step of an application's progress inside a match.
type StatusEntry struct {
	Stage          string    `json:"stage"`
	Description    string    `json:"description"`
	Timestamp      time.Time `json:"timestamp"`
	ResponseNeeded bool      `json:"responseNeeded,omitempty"`
}

// Match pairs a candidate with a company, optionally for a specific job.
type Match struct {
	ID          string        `json:"id"`
	CandidateID string        `json:"candidateId"`
	CompanyID   string        `json:"companyId"`
	JobID       string        `json:"jobId,omitempty"`
	History     []StatusEntry `json:"history"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Participant is a user taking part in a match chat.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// HasParticipant reports whether userID is one side of the match.
func (m Match) HasParticipant(userID string) bool {
	return userID != "" && (m.CandidateID == userID || m.CompanyID == userID)
}

// OtherParticipant returns the id on the opposite side of userID, or "" when
// userID is not part of the match.
func (m Match) OtherParticipant(userID string) string {
	switch userID {
	case m.CandidateID:
		return m.CompanyID
	case m.CompanyID:
		return m.CandidateID
	}
	return ""
}

// SortedHistory returns a copy of the history in ascending timestamp order.
// Entries with equal timestamps keep their insertion order.
func (m Match) SortedHistory() []StatusEntry {
	h := slices.Clone(m.History)
	slices.SortStableFunc(h, func(a, b StatusEntry) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return h
}

// CurrentStage returns the latest status entry. ok is false when the match
// has no history yet.
func (m Match) CurrentStage() (entry StatusEntry, ok bool) {
	h := m.SortedHistory()
	if len(h) == 0 {
		return StatusEntry{}, false
	}
	return h[len(h)-1], true
}

// Normalize sorts the history in place so it is always exposed in order.
func (m *Match) Normalize() {
	m.History = m.SortedHistory()
}
