package assessments

import (
	"sort"
	"time"

	"authrisk/internal/model"
)

const (
	highRiskThreshold = 70.0
	summaryLimit      = 10
)

// Summarize builds the dashboard summary from in-memory assessments. It
// follows the same rules as the storage queries: device switchers over the
// last 30 minutes, high velocity over the last 5, abandonment as failed
// attempts below the final step.
func Summarize(list []model.RiskAssessment, now time.Time, window time.Duration) model.Summary {
	if window <= 0 {
		window = time.Hour
	}
	since := now.Add(-window)
	sum := model.Summary{
		Since:               since,
		RiskyUsers:          make([]model.UserRisk, 0),
		DeviceSwitchers:     make([]model.UserCount, 0),
		HighVelocity:        make([]model.UserCount, 0),
		AbandonmentPatterns: make([]model.UserCount, 0),
	}

	type userAgg struct {
		total    float64
		attempts int
		devices  map[string]struct{}
		recent   int
		stalled  int
	}
	users := make(map[string]*userAgg)
	var total float64
	for _, a := range list {
		if a.Timestamp.Before(since) {
			continue
		}
		sum.TotalAttempts++
		total += a.FinalScore
		if a.FinalScore > highRiskThreshold {
			sum.HighRiskAttempts++
		}
		u := users[a.Username]
		if u == nil {
			u = &userAgg{devices: make(map[string]struct{})}
			users[a.Username] = u
		}
		u.total += a.FinalScore
		u.attempts++
		if !a.Timestamp.Before(now.Add(-30 * time.Minute)) {
			u.devices[a.DeviceID] = struct{}{}
		}
		if !a.Timestamp.Before(now.Add(-5 * time.Minute)) {
			u.recent++
		}
		if a.Step < model.FinalStep && !a.Success {
			u.stalled++
		}
	}
	sum.ActiveUsers = len(users)
	if sum.TotalAttempts > 0 {
		sum.AvgRiskScore = model.Round2(total / float64(sum.TotalAttempts))
	}

	for name, u := range users {
		sum.RiskyUsers = append(sum.RiskyUsers, model.UserRisk{
			Username: name,
			AvgRisk:  model.Round2(u.total / float64(u.attempts)),
			Attempts: u.attempts,
		})
		if len(u.devices) > 1 {
			sum.DeviceSwitchers = append(sum.DeviceSwitchers, model.UserCount{Username: name, Count: len(u.devices)})
		}
		if u.recent > 3 {
			sum.HighVelocity = append(sum.HighVelocity, model.UserCount{Username: name, Count: u.recent})
		}
		if u.stalled > 1 {
			sum.AbandonmentPatterns = append(sum.AbandonmentPatterns, model.UserCount{Username: name, Count: u.stalled})
		}
	}
	sort.Slice(sum.RiskyUsers, func(i, j int) bool {
		if sum.RiskyUsers[i].AvgRisk == sum.RiskyUsers[j].AvgRisk {
			return sum.RiskyUsers[i].Username < sum.RiskyUsers[j].Username
		}
		return sum.RiskyUsers[i].AvgRisk > sum.RiskyUsers[j].AvgRisk
	})
	sum.RiskyUsers = truncate(sum.RiskyUsers)
	sum.DeviceSwitchers = topCounts(sum.DeviceSwitchers)
	sum.HighVelocity = topCounts(sum.HighVelocity)
	sum.AbandonmentPatterns = topCounts(sum.AbandonmentPatterns)
	return sum
}

func topCounts(list []model.UserCount) []model.UserCount {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Count == list[j].Count {
			return list[i].Username < list[j].Username
		}
		return list[i].Count > list[j].Count
	})
	return truncate(list)
}

func truncate[T any](list []T) []T {
	if len(list) > summaryLimit {
		return list[:summaryLimit]
	}
	return list
}
