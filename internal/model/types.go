package model

import (
	"errors"
	"time"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrDuplicateAttempt   = errors.New("duplicate attempt id")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Flow steps of a login: auth request, OTP request, OTP verify.
const (
	StepAuth      = 1
	StepOTPSend   = 2
	StepOTPVerify = 3
	FinalStep     = StepOTPVerify
)

type RiskLevel string

const (
	LevelLow      RiskLevel = "low"
	LevelMedium   RiskLevel = "medium"
	LevelHigh     RiskLevel = "high"
	LevelCritical RiskLevel = "critical"
)

// AttemptInput is the boundary form of a login event. ID and Timestamp are
// optional; the engine fills them when empty.
type AttemptInput struct {
	ID               string    `json:"id,omitempty" validate:"omitempty,max=64"`
	Username         string    `json:"username" validate:"required,max=128"`
	Step             int       `json:"step" validate:"required,oneof=1 2 3"`
	DeviceID         string    `json:"device_id" validate:"required,max=256"`
	NetworkOperator  string    `json:"network_operator,omitempty" validate:"max=64"`
	LatencyMs        float64   `json:"latency_ms" validate:"gte=0"`
	Fingerprint      string    `json:"fingerprint,omitempty" validate:"max=256"`
	SourceAddress    string    `json:"source_address,omitempty" validate:"omitempty,ip"`
	ClientDescriptor string    `json:"client_descriptor,omitempty" validate:"max=512"`
	Success          bool      `json:"success"`
	Timestamp        time.Time `json:"timestamp,omitempty"`
	Source           string    `json:"source,omitempty" validate:"-"`
}

// AttemptRecord is one accepted login event as kept in entity history and in
// durable storage. RiskScore is set once, after scoring.
type AttemptRecord struct {
	ID               string    `json:"id"`
	Username         string    `json:"username"`
	Step             int       `json:"step"`
	DeviceID         string    `json:"device_id"`
	NetworkOperator  string    `json:"network_operator,omitempty"`
	LatencyMs        float64   `json:"latency_ms"`
	Fingerprint      string    `json:"fingerprint,omitempty"`
	SourceAddress    string    `json:"source_address,omitempty"`
	ClientDescriptor string    `json:"client_descriptor,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	Success          bool      `json:"success"`
	RiskScore        float64   `json:"risk_score"`
}

// Factor is one detector's contribution to the rule score.
type Factor struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Cap    float64 `json:"cap"`
	Reason string  `json:"reason,omitempty"`
}

type RiskAssessment struct {
	ID         string    `json:"id"`
	AttemptID  string    `json:"attempt_id"`
	Username   string    `json:"username"`
	Step       int       `json:"step"`
	DeviceID   string    `json:"device_id"`
	Timestamp  time.Time `json:"timestamp"`
	Success    bool      `json:"success"`
	FinalScore float64   `json:"final_score"`
	RuleScore  float64   `json:"rule_score"`
	ModelScore *float64  `json:"model_score"`
	Level      RiskLevel `json:"level"`
	Breakdown  []Factor  `json:"breakdown"`
}

// Factor returns the named breakdown entry.
func (a RiskAssessment) Factor(name string) (Factor, bool) {
	for _, f := range a.Breakdown {
		if f.Name == name {
			return f, true
		}
	}
	return Factor{}, false
}

// EntitySummary is the latest view of one username for the dashboard.
type EntitySummary struct {
	Username         string    `json:"username"`
	Attempts         int       `json:"attempts"`
	DistinctDevices  int       `json:"distinct_devices"`
	DistinctNetworks int       `json:"distinct_networks"`
	LastScore        float64   `json:"last_score"`
	LastLevel        RiskLevel `json:"last_level"`
	LastStep         int       `json:"last_step"`
	AbandonedFlow    bool      `json:"abandoned_flow"`
	LastAttemptAt    time.Time `json:"last_attempt_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type UserRisk struct {
	Username string  `json:"username"`
	AvgRisk  float64 `json:"avg_risk"`
	Attempts int     `json:"attempts"`
}

type UserCount struct {
	Username string `json:"username"`
	Count    int    `json:"count"`
}

// Summary aggregates recent activity for the dashboard.
type Summary struct {
	Since               time.Time   `json:"since"`
	TotalAttempts       int         `json:"total_attempts"`
	HighRiskAttempts    int         `json:"high_risk_attempts"`
	ActiveUsers         int         `json:"active_users"`
	AvgRiskScore        float64     `json:"avg_risk_score"`
	RiskyUsers          []UserRisk  `json:"risky_users"`
	DeviceSwitchers     []UserCount `json:"device_switchers"`
	HighVelocity        []UserCount `json:"high_velocity"`
	AbandonmentPatterns []UserCount `json:"abandonment_patterns"`
}
