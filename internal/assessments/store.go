package assessments

import (
	"sync"
	"time"

	"authrisk/internal/model"
)

// Store is a bounded in-memory ring of the most recent assessments. It
// backs the dashboard when durable storage is disabled. Once full, each
// Add overwrites the oldest entry.
type Store struct {
	mu    sync.RWMutex
	ring  []model.RiskAssessment
	start int
	n     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{ring: make([]model.RiskAssessment, limit)}
}

// at returns the i-th oldest entry. Callers hold the lock.
func (s *Store) at(i int) model.RiskAssessment {
	return s.ring[(s.start+i)%len(s.ring)]
}

func (s *Store) Add(a model.RiskAssessment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n < len(s.ring) {
		s.ring[(s.start+s.n)%len(s.ring)] = a
		s.n++
		return
	}
	s.ring[s.start] = a
	s.start = (s.start + 1) % len(s.ring)
}

// Recent returns up to limit assessments at or after since, newest first.
// A zero since means no lower bound; limit <= 0 means all.
func (s *Store) Recent(limit int, since time.Time) []model.RiskAssessment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > s.n {
		limit = s.n
	}
	out := make([]model.RiskAssessment, 0, limit)
	for i := s.n - 1; i >= 0 && len(out) < limit; i-- {
		a := s.at(i)
		if !since.IsZero() && a.Timestamp.Before(since) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// ForUser returns the newest assessments for one username, newest first.
func (s *Store) ForUser(username string, limit int) []model.RiskAssessment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.RiskAssessment
	for i := s.n - 1; i >= 0; i-- {
		if a := s.at(i); a.Username == username {
			out = append(out, a)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// Since returns assessments at or after ts, oldest first.
func (s *Store) Since(ts time.Time) []model.RiskAssessment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.RiskAssessment
	for i := 0; i < s.n; i++ {
		if a := s.at(i); !a.Timestamp.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.n
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.ring)
	s.start, s.n = 0, 0
}
