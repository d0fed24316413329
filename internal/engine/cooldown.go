package engine

import (
	"sync"
	"time"

	"authrisk/internal/model"
)

type alertMark struct {
	at    time.Time
	level model.RiskLevel
}

// AlertGate throttles high-risk warnings per username. Inside the cooldown
// a username is only logged again when its level escalates.
type AlertGate struct {
	mu    sync.Mutex
	marks map[string]alertMark
}

func NewAlertGate() *AlertGate {
	return &AlertGate{marks: make(map[string]alertMark)}
}

// Allow reports whether an alert for username at level may be emitted at
// now, recording it when it may.
func (g *AlertGate) Allow(username string, level model.RiskLevel, now time.Time, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.marks[username]; ok && now.Sub(m.at) < cooldown && level.Rank() <= m.level.Rank() {
		return false
	}
	g.marks[username] = alertMark{at: now, level: level}
	if len(g.marks) > 10000 {
		for k, m := range g.marks {
			if now.Sub(m.at) >= cooldown {
				delete(g.marks, k)
			}
		}
	}
	return true
}

func (g *AlertGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.marks)
}
