package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"authrisk/internal/model"
)

type Scenario string

const (
	Normal      Scenario = "normal"
	Bot         Scenario = "bot"
	Switcher    Scenario = "switcher"
	Abandonment Scenario = "abandonment"
	Mixed       Scenario = "mixed"
)

// Scenarios lists the runnable scenarios in menu order.
var Scenarios = []Scenario{Normal, Bot, Switcher, Abandonment, Mixed}

var ErrUnknownScenario = errors.New("unknown scenario")

func ParseScenario(s string) (Scenario, error) {
	v := Scenario(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Scenarios {
		if v == known {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownScenario, s)
}

// SeedUserCount is the size of the default user pool.
const SeedUserCount = 20

// Usernames returns user1..userN.
func Usernames(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("user%d", i+1)
	}
	return out
}

type Options struct {
	Start time.Time
	Seed  uint64
}

// Generate builds the attempt sequence for one scenario, sorted by
// timestamp. The same options always produce the same sequence.
func Generate(s Scenario, opts Options) ([]model.AttemptInput, error) {
	if opts.Start.IsZero() {
		opts.Start = time.Now().UTC()
	}
	g := &generator{rng: rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)), start: opts.Start}
	users := Usernames(SeedUserCount)

	var out []model.AttemptInput
	switch s {
	case Normal:
		out = g.normal(users[0:10], 0)
	case Bot:
		out = g.bot(users[10:13], 0)
	case Switcher:
		out = g.switcher(users[13:16], 0)
	case Abandonment:
		out = g.abandonment(users[16:20], 0)
	case Mixed:
		// phases are spaced so no entity sees another phase inside its windows
		out = append(out, g.normal(users[0:10], 0)...)
		out = append(out, g.bot(users[10:13], 10*time.Minute)...)
		out = append(out, g.switcher(users[13:16], 20*time.Minute)...)
		out = append(out, g.abandonment(users[16:20], 40*time.Minute)...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScenario, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Rebase shifts attempts so the last one lands on end, keeping the gaps.
func Rebase(attempts []model.AttemptInput, end time.Time) []model.AttemptInput {
	if len(attempts) == 0 {
		return attempts
	}
	shift := end.Sub(attempts[len(attempts)-1].Timestamp)
	out := make([]model.AttemptInput, len(attempts))
	for i, a := range attempts {
		a.Timestamp = a.Timestamp.Add(shift)
		out[i] = a
	}
	return out
}

// Span is the time between the first and last attempt.
func Span(attempts []model.AttemptInput) time.Duration {
	if len(attempts) < 2 {
		return 0
	}
	return attempts[len(attempts)-1].Timestamp.Sub(attempts[0].Timestamp)
}

type generator struct {
	rng   *rand.Rand
	start time.Time
}

func (g *generator) between(lo, hi int) float64 {
	return float64(lo + g.rng.IntN(hi-lo+1))
}

func (g *generator) at(offset time.Duration) time.Time {
	return g.start.Add(offset)
}

// normal: complete 1-2-3 flow, a pause, then a second partial session.
func (g *generator) normal(users []string, base time.Duration) []model.AttemptInput {
	offsets := []time.Duration{0, 15 * time.Second, 35 * time.Second, 275 * time.Second, 287 * time.Second}
	steps := []int{1, 2, 3, 1, 2}
	var out []model.AttemptInput
	for i, u := range users {
		stagger := time.Duration(i) * 3 * time.Second
		for k := range offsets {
			out = append(out, model.AttemptInput{
				Username:         u,
				Step:             steps[k],
				DeviceID:         "DEVICE_" + u,
				NetworkOperator:  "405854",
				LatencyMs:        g.between(120, 180),
				Fingerprint:      "FP_" + u,
				SourceAddress:    fmt.Sprintf("192.168.1.%d", i+1),
				ClientDescriptor: "Android/12",
				Success:          true,
				Timestamp:        g.at(base + stagger + offsets[k]),
			})
		}
	}
	return out
}

// bot: ten step-1 attempts half a second apart from a bot-named device.
func (g *generator) bot(users []string, base time.Duration) []model.AttemptInput {
	var out []model.AttemptInput
	for i, u := range users {
		for k := 0; k < 10; k++ {
			out = append(out, model.AttemptInput{
				Username:         u,
				Step:             model.StepAuth,
				DeviceID:         fmt.Sprintf("BOT_DEVICE_%d", i),
				NetworkOperator:  "310260",
				LatencyMs:        g.between(12, 18),
				Fingerprint:      "BOT_FP",
				SourceAddress:    "10.0.0.1",
				ClientDescriptor: "Python/3.9",
				Timestamp:        g.at(base + time.Duration(i)*time.Second + time.Duration(k)*500*time.Millisecond),
			})
		}
	}
	return out
}

// switcher: five completed logins two minutes apart, each from a new device.
func (g *generator) switcher(users []string, base time.Duration) []model.AttemptInput {
	var out []model.AttemptInput
	for i, u := range users {
		for dev := 0; dev < 5; dev++ {
			out = append(out, model.AttemptInput{
				Username:         u,
				Step:             model.StepOTPVerify,
				DeviceID:         fmt.Sprintf("DEVICE_SWITCH_%d", dev),
				NetworkOperator:  "405854",
				LatencyMs:        g.between(100, 200),
				Fingerprint:      fmt.Sprintf("FP_SWITCH_%d", dev),
				SourceAddress:    fmt.Sprintf("192.168.2.%d", dev),
				ClientDescriptor: "Android/12",
				Success:          true,
				Timestamp:        g.at(base + time.Duration(i)*5*time.Second + time.Duration(dev)*2*time.Minute),
			})
		}
	}
	return out
}

// abandonment: a failed flow stops at step 1 or 2, and a fresh step-1
// attempt arrives after the abandonment timeout.
func (g *generator) abandonment(users []string, base time.Duration) []model.AttemptInput {
	var out []model.AttemptInput
	for i, u := range users {
		lastStep := 1 + g.rng.IntN(2)
		mk := func(step int, offset time.Duration) model.AttemptInput {
			return model.AttemptInput{
				Username:         u,
				Step:             step,
				DeviceID:         "DEVICE_" + u,
				NetworkOperator:  "405854",
				LatencyMs:        g.between(100, 150),
				Fingerprint:      "FP_" + u,
				SourceAddress:    fmt.Sprintf("192.168.3.%d", i),
				ClientDescriptor: "Android/12",
				Timestamp:        g.at(base + time.Duration(i)*5*time.Second + offset),
			}
		}
		for step := 1; step <= lastStep; step++ {
			out = append(out, mk(step, time.Duration(step-1)*time.Minute))
		}
		out = append(out, mk(model.StepAuth, 7*time.Minute))
	}
	return out
}

// Sink scores one attempt: the engine itself or a remote ingest endpoint.
type Sink interface {
	LogAttempt(ctx context.Context, in model.AttemptInput) (model.RiskAssessment, error)
}

type Registrar interface {
	RegisterUser(ctx context.Context, username string) error
}

// SeedUsers registers user1..userN.
func SeedUsers(ctx context.Context, r Registrar, n int) error {
	for _, u := range Usernames(n) {
		if err := r.RegisterUser(ctx, u); err != nil {
			return fmt.Errorf("register %s: %w", u, err)
		}
	}
	return nil
}

type UserResult struct {
	Username  string          `json:"username"`
	Attempts  int             `json:"attempts"`
	LastScore float64         `json:"last_score"`
	MaxScore  float64         `json:"max_score"`
	LastLevel model.RiskLevel `json:"last_level"`
}

type Report struct {
	Scenario Scenario     `json:"scenario"`
	Sent     int          `json:"sent"`
	Failed   int          `json:"failed"`
	Users    []UserResult `json:"users"`
}

// User returns the result row for username.
func (r Report) User(username string) (UserResult, bool) {
	for _, u := range r.Users {
		if u.Username == username {
			return u, true
		}
	}
	return UserResult{}, false
}

type Runner struct {
	Sink Sink
	// Before runs ahead of each attempt; in-process runs use it to move
	// the engine clock to the attempt's timestamp.
	Before func(model.AttemptInput)
	// Pace sleeps between attempts.
	Pace   time.Duration
	Logger *slog.Logger
}

// Run sends attempts in order. Per-attempt failures are counted and
// logged; only context cancellation stops the run early.
func (r *Runner) Run(ctx context.Context, s Scenario, attempts []model.AttemptInput) (Report, error) {
	rep := Report{Scenario: s}
	byUser := map[string]*UserResult{}
	var order []string
	for _, in := range attempts {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if r.Before != nil {
			r.Before(in)
		}
		rep.Sent++
		a, err := r.Sink.LogAttempt(ctx, in)
		if err != nil {
			rep.Failed++
			if r.Logger != nil {
				r.Logger.Warn("simulated attempt failed", "username", in.Username, "step", in.Step, "error", err)
			}
			continue
		}
		u, ok := byUser[a.Username]
		if !ok {
			u = &UserResult{Username: a.Username}
			byUser[a.Username] = u
			order = append(order, a.Username)
		}
		u.Attempts++
		u.LastScore = a.FinalScore
		u.LastLevel = a.Level
		if a.FinalScore > u.MaxScore {
			u.MaxScore = a.FinalScore
		}
		if r.Logger != nil {
			r.Logger.Debug("simulated attempt scored", "username", a.Username, "step", a.Step, "score", a.FinalScore, "level", a.Level)
		}
		if r.Pace > 0 {
			select {
			case <-ctx.Done():
				return rep, ctx.Err()
			case <-time.After(r.Pace):
			}
		}
	}
	for _, name := range order {
		rep.Users = append(rep.Users, *byUser[name])
	}
	return rep, nil
}
