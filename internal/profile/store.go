package profile

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"authrisk/internal/model"
)

// Loader rebuilds an entity's history from durable storage the first
// time the entity is touched after a restart.
type Loader interface {
	AttemptsSince(ctx context.Context, username string, since time.Time) ([]model.AttemptRecord, error)
}

type Options struct {
	HistoryWindow time.Duration
	MaxAttempts   int
	IdleTTL       time.Duration
}

type entity struct {
	mu       sync.Mutex
	username string
	history  *History
	loaded   bool
	removed  bool
	lastSeen time.Time
}

// Store owns every entity history. Attempts for one entity are serialized
// through its Session; different entities proceed in parallel.
type Store struct {
	mu       sync.Mutex
	entities map[string]*entity
	loader   Loader
	opts     Options
}

func NewStore(opts Options, loader Loader) *Store {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 24 * time.Hour
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 500
	}
	return &Store{
		entities: make(map[string]*entity),
		loader:   loader,
		opts:     opts,
	}
}

func normalizeUsername(username string) string {
	return strings.TrimSpace(username)
}

func (s *Store) getOrCreate(username string) *entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entities[username]; ok {
		return e
	}
	e := &entity{
		username: username,
		history:  NewHistory(s.opts.HistoryWindow, s.opts.MaxAttempts),
	}
	s.entities[username] = e
	return e
}

// lock returns the live entity for username with its mutex held. An entity
// removed by Sweep between lookup and lock is replaced.
func (s *Store) lock(username string) *entity {
	for {
		e := s.getOrCreate(username)
		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

// Session holds one entity's lock for the duration of a scoring call, so
// the read of the profile and the append of the scored attempt are atomic
// with respect to other attempts for the same entity.
type Session struct {
	store *Store
	ent   *entity
	done  bool
}

// Begin locks the entity, creating it on first sight and loading its
// stored history when a Loader is configured. A load failure releases the
// lock and wraps model.ErrStorageUnavailable.
func (s *Store) Begin(ctx context.Context, username string, now time.Time) (*Session, error) {
	username = normalizeUsername(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username: this field is required", model.ErrInvalidInput)
	}
	e := s.lock(username)
	if !e.loaded {
		if s.loader != nil {
			recs, err := s.loader.AttemptsSince(ctx, username, now.Add(-s.opts.HistoryWindow))
			if err != nil {
				e.mu.Unlock()
				return nil, fmt.Errorf("%w: load history for %s: %v", model.ErrStorageUnavailable, username, err)
			}
			for _, r := range recs {
				e.history.Add(r)
			}
		}
		e.loaded = true
		// a registered but silent entity starts its idle clock here
		e.lastSeen = now
		if latest := e.history.Latest(); latest.After(now) {
			e.lastSeen = latest
		}
	}
	return &Session{store: s, ent: e}, nil
}

// Profile evicts records outside the history window relative to now and
// returns a snapshot of what is left.
func (sess *Session) Profile(now time.Time) *Profile {
	h := sess.ent.history
	h.Evict(now)
	return &Profile{
		Username: sess.ent.username,
		Now:      now,
		Attempts: h.Snapshot(),
	}
}

// Latest is the timestamp of the entity's newest record.
func (sess *Session) Latest() time.Time {
	return sess.ent.history.Latest()
}

func (sess *Session) Has(id string) bool {
	return sess.ent.history.Has(id)
}

// Commit appends rec and releases the entity.
func (sess *Session) Commit(rec model.AttemptRecord) {
	if sess.done {
		return
	}
	sess.ent.history.Add(rec)
	if rec.Timestamp.After(sess.ent.lastSeen) {
		sess.ent.lastSeen = rec.Timestamp
	}
	sess.release()
}

// Release unlocks the entity without appending. Safe after Commit.
func (sess *Session) Release() {
	if sess.done {
		return
	}
	sess.release()
}

func (sess *Session) release() {
	sess.done = true
	sess.ent.mu.Unlock()
}

// RecordAndFetch appends rec to the entity's history and returns the
// profile as it was before the append.
func (s *Store) RecordAndFetch(ctx context.Context, rec model.AttemptRecord) (*Profile, error) {
	sess, err := s.Begin(ctx, rec.Username, rec.Timestamp)
	if err != nil {
		return nil, err
	}
	p := sess.Profile(rec.Timestamp)
	sess.Commit(rec)
	return p, nil
}

// GetOrCreateProfile returns the current snapshot for username without
// appending anything. A first-seen entity yields the Empty profile.
func (s *Store) GetOrCreateProfile(ctx context.Context, username string, now time.Time) (*Profile, error) {
	sess, err := s.Begin(ctx, username, now)
	if err != nil {
		return nil, err
	}
	defer sess.Release()
	return sess.Profile(now), nil
}

// Usernames lists the entities currently held in memory.
func (s *Store) Usernames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entities))
	for name := range s.entities {
		out = append(out, name)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

// Sweep drops entities idle for longer than IdleTTL. Entities busy in a
// session are skipped and picked up on a later sweep.
func (s *Store) Sweep(now time.Time) int {
	if s.opts.IdleTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-s.opts.IdleTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for name, e := range s.entities {
		if !e.mu.TryLock() {
			continue
		}
		if e.lastSeen.Before(cutoff) {
			e.removed = true
			delete(s.entities, name)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

// Reset forgets every entity.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entities {
		if e.mu.TryLock() {
			e.removed = true
			e.mu.Unlock()
		}
	}
	s.entities = make(map[string]*entity)
}
