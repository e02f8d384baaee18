// Package rotation chooses the sender instance for the next recipient.
package rotation

import (
	"fmt"
	"math"

	"github.com/foxzi/zapflow/internal/models"
)

// Intelligent mode weights
const (
	WeightQuota    = 0.5
	WeightHealth   = 0.4
	WeightDelivery = 0.1
)

const scoreEpsilon = 1e-9

// Pick is a selected instance and the round-robin index to persist with it
type Pick struct {
	Instance  models.SenderInstance
	NextIndex int
}

// Select picks an instance for campaign c from its attached instances, in
// campaign order. Counters are read as of the tenant-local day. Selection
// has no side effects; the caller persists NextIndex together with the
// queued recipient.
func Select(c *models.Campaign, instances []models.SenderInstance, day string, eligible func(models.SenderInstance) bool) (Pick, error) {
	if len(instances) == 0 {
		return Pick{}, models.ErrNoEligibleInstance
	}

	current := make([]models.SenderInstance, len(instances))
	for i, inst := range instances {
		current[i] = inst.ForDay(day)
	}

	switch c.RotationMode {
	case models.RotationRoundRobin, "":
		return roundRobin(c, current, eligible)
	case models.RotationBalanced:
		return best(c, current, eligible, func(i models.SenderInstance) float64 {
			return -float64(i.MsgsSentToday)
		})
	case models.RotationIntelligent:
		return best(c, current, eligible, func(i models.SenderInstance) float64 {
			return IntelligentScore(i, c.DailyLimitPerInstance)
		})
	}
	return Pick{}, fmt.Errorf("unknown rotation mode %q", c.RotationMode)
}

func roundRobin(c *models.Campaign, instances []models.SenderInstance, eligible func(models.SenderInstance) bool) (Pick, error) {
	n := len(instances)
	start := c.CurrentInstanceIndex % n
	if start < 0 {
		start += n
	}
	for k := 0; k < n; k++ {
		idx := (start + k) % n
		if eligible(instances[idx]) {
			return Pick{Instance: instances[idx], NextIndex: (idx + 1) % n}, nil
		}
	}
	return Pick{}, models.ErrNoEligibleInstance
}

// best returns the eligible instance with the highest score. Ties go to
// the healthier instance, then to the lowest id.
func best(c *models.Campaign, instances []models.SenderInstance, eligible func(models.SenderInstance) bool, score func(models.SenderInstance) float64) (Pick, error) {
	var (
		winner    models.SenderInstance
		winnerVal float64
		found     bool
	)
	for _, inst := range instances {
		if !eligible(inst) {
			continue
		}
		val := score(inst)
		if !found || better(inst, val, winner, winnerVal) {
			winner, winnerVal, found = inst, val, true
		}
	}
	if !found {
		return Pick{}, models.ErrNoEligibleInstance
	}
	return Pick{Instance: winner, NextIndex: c.CurrentInstanceIndex}, nil
}

func better(a models.SenderInstance, aVal float64, b models.SenderInstance, bVal float64) bool {
	if math.Abs(aVal-bVal) > scoreEpsilon {
		return aVal > bVal
	}
	if a.HealthScore != b.HealthScore {
		return a.HealthScore > b.HealthScore
	}
	return a.ID < b.ID
}

// IntelligentScore weighs remaining quota, health and delivery evidence
func IntelligentScore(i models.SenderInstance, dailyLimit int) float64 {
	quota := 0.0
	if dailyLimit > 0 {
		quota = 1 - float64(i.MsgsSentToday)/float64(dailyLimit)
		if quota < 0 {
			quota = 0
		}
	}
	delivery := 0.5
	if i.MsgsDeliveredToday > 0 {
		delivery = 1
	}
	return WeightQuota*quota + WeightHealth*float64(i.HealthScore)/models.MaxHealthScore + WeightDelivery*delivery
}
