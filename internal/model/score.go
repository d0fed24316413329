package model

import "math"

const (
	MinScore = 0.0
	MaxScore = 100.0
)

// ClampScore bounds v to [lo, hi]. NaN maps to lo.
func ClampScore(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// LevelFor maps a final score onto the dashboard risk bands.
func LevelFor(score float64) RiskLevel {
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 60:
		return LevelHigh
	case score >= 40:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Rank orders levels from low (0) to critical (3).
func (l RiskLevel) Rank() int {
	switch l {
	case LevelCritical:
		return 3
	case LevelHigh:
		return 2
	case LevelMedium:
		return 1
	}
	return 0
}
