// Package gate derives a user's recheck state from the stored check count.
package gate

import (
	"github.com/xaenox/antispam-bot/internal/models"
)

type State int

const (
	// Unseen users have no trust record yet.
	Unseen State = iota
	// ActiveMonitoring users are reclassified on every message.
	ActiveMonitoring
	// Settled users keep their last verdict and are not reclassified.
	Settled
)

func (s State) String() string {
	switch s {
	case Unseen:
		return "unseen"
	case ActiveMonitoring:
		return "active_monitoring"
	case Settled:
		return "settled"
	default:
		return "unknown"
	}
}

// ShouldClassify reports whether a message in this state warrants a fresh
// classification pass.
func (s State) ShouldClassify() bool {
	return s != Settled
}

// Evaluate maps a trust record to its state. A nil record is Unseen.
func Evaluate(rec *models.TrustRecord, threshold int) State {
	if rec == nil {
		return Unseen
	}
	if rec.CheckCount >= threshold {
		return Settled
	}
	return ActiveMonitoring
}
