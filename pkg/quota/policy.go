package quota

import (
	"github.com/creovision/governor/pkg/config"
	"github.com/creovision/governor/pkg/models"
)

// Policy is the session pricing policy.
type Policy struct {
	FreeLimit          int
	ExtensionIncrement int
	ExtensionBaseCost  int64
}

// PolicyFromConfig converts the quota section of the configuration.
func PolicyFromConfig(c config.QuotaConfig) Policy {
	return Policy{
		FreeLimit:          c.FreeLimit,
		ExtensionIncrement: c.ExtensionIncrement,
		ExtensionBaseCost:  c.ExtensionBaseCost,
	}
}

// ExtensionCost is the price in credits of the next extension given how many
// paid messages have been used: base + floor(paidUsed / increment).
func ExtensionCost(paidUsed, increment int, base int64) int64 {
	if increment <= 0 {
		return base
	}
	return base + int64(paidUsed/increment)
}

// NextExtensionCost prices the next extension for s.
func (p Policy) NextExtensionCost(s *models.Session) int64 {
	return ExtensionCost(s.PaidUsed, p.ExtensionIncrement, p.ExtensionBaseCost)
}

// TotalAvailable is the number of user messages s may send.
func (p Policy) TotalAvailable(s *models.Session) int {
	return p.FreeLimit + s.PaidAvailable
}

// Remaining is the number of user messages s may still send.
func (p Policy) Remaining(s *models.Session) int {
	if r := p.TotalAvailable(s) - s.TotalUsed(); r > 0 {
		return r
	}
	return 0
}

// Stage thresholds on the session message count.
const (
	introMaxMessages   = 2
	exploreMaxMessages = 6
	ctaMaxMessages     = 8
)

// StageFor derives the conversation stage from session counters.
func (p Policy) StageFor(s *models.Session) models.Stage {
	switch {
	case s.MessageCount <= introMaxMessages:
		return models.StageIntro
	case s.MessageCount <= exploreMaxMessages:
		return models.StageExplore
	case s.MessageCount <= ctaMaxMessages:
		return models.StageCTA
	case s.FreeUsed >= p.FreeLimit && s.PaidAvailable > 0:
		return models.StageExtension
	default:
		return models.StageRedirect
	}
}
