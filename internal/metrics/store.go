package metrics

import (
	"sort"
	"sync"
	"time"

	"authrisk/internal/model"
)

// Store keeps the latest EntitySummary per username, evicting the least
// recently updated entry once limit is exceeded.
type Store struct {
	mu        sync.RWMutex
	byUser    map[string]model.EntitySummary
	updatedAt map[string]time.Time
	limit     int
	now       func() time.Time
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byUser:    make(map[string]model.EntitySummary),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Update folds one assessment into the username's summary.
func (s *Store) Update(a model.RiskAssessment, distinctDevices, distinctNetworks int) {
	if a.Username == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := s.byUser[a.Username]
	sum.Username = a.Username
	sum.Attempts++
	sum.DistinctDevices = distinctDevices
	sum.DistinctNetworks = distinctNetworks
	sum.LastScore = a.FinalScore
	sum.LastLevel = a.Level
	sum.LastStep = a.Step
	if f, ok := a.Factor("flow_abandonment"); ok {
		sum.AbandonedFlow = f.Score > 0
	}
	sum.LastAttemptAt = a.Timestamp
	sum.UpdatedAt = s.now()
	s.byUser[a.Username] = sum
	s.updatedAt[a.Username] = sum.UpdatedAt
	if len(s.byUser) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(username string) (model.EntitySummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.byUser[username]
	return sum, ok
}

// GetAll returns every summary ordered by last score, highest first.
func (s *Store) GetAll() []model.EntitySummary {
	s.mu.RLock()
	out := make([]model.EntitySummary, 0, len(s.byUser))
	for _, sum := range s.byUser {
		out = append(out, sum)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastScore != out[j].LastScore {
			return out[i].LastScore > out[j].LastScore
		}
		return out[i].Username < out[j].Username
	})
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUser)
}

func (s *Store) evictOldest() {
	var oldestUser string
	var oldest time.Time
	for user, ts := range s.updatedAt {
		if oldestUser == "" || ts.Before(oldest) {
			oldestUser = user
			oldest = ts
		}
	}
	if oldestUser != "" {
		delete(s.byUser, oldestUser)
		delete(s.updatedAt, oldestUser)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUser = make(map[string]model.EntitySummary)
	s.updatedAt = make(map[string]time.Time)
}
