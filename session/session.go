package session

import (
	"sync"
	"time"
)

type Status string

const (
	StatusForming Status = "forming"
	StatusLive    Status = "live"
	StatusEnded   Status = "ended"
)

// Session is one owner's live broadcast instance. All mutation happens
// through the Registry, which serializes it on mu.
type Session struct {
	mu sync.Mutex

	ID              string
	OwnerID         string
	TargetLanguages []string
	SourceLanguage  string

	Status          Status
	BroadcasterConn string

	CreatedAt     time.Time
	LiveStartedAt time.Time
	EndedAt       time.Time

	// graceDeadline is set while the broadcaster is disconnected and the
	// session is waiting for a reconnect. Zero when no grace period is
	// pending.
	graceDeadline time.Time
	graceTimer    *time.Timer
	evictTimer    *time.Timer
}

// Snapshot is a copy of the mutable session state, safe to hand out.
type Snapshot struct {
	ID              string
	OwnerID         string
	TargetLanguages []string
	SourceLanguage  string
	Status          Status
	BroadcasterConn string
	CreatedAt       time.Time
	LiveStartedAt   time.Time
	EndedAt         time.Time
	GraceDeadline   time.Time
}

func (s *Session) snapshotLocked() Snapshot {
	langs := make([]string, len(s.TargetLanguages))
	copy(langs, s.TargetLanguages)
	return Snapshot{
		ID:              s.ID,
		OwnerID:         s.OwnerID,
		TargetLanguages: langs,
		SourceLanguage:  s.SourceLanguage,
		Status:          s.Status,
		BroadcasterConn: s.BroadcasterConn,
		CreatedAt:       s.CreatedAt,
		LiveStartedAt:   s.LiveStartedAt,
		EndedAt:         s.EndedAt,
		GraceDeadline:   s.graceDeadline,
	}
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// dedupeLanguages keeps the first occurrence of each language, preserving
// the configured order.
func dedupeLanguages(langs []string) []string {
	seen := make(map[string]bool, len(langs))
	out := make([]string, 0, len(langs))
	for _, l := range langs {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}
