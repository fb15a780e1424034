package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xaenox/antispam-bot/internal/models"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name  string
		rec   *models.TrustRecord
		want  State
		check bool
	}{
		{"no record", nil, Unseen, true},
		{"fresh record", &models.TrustRecord{CheckCount: 0}, ActiveMonitoring, true},
		{"below threshold", &models.TrustRecord{CheckCount: 2}, ActiveMonitoring, true},
		{"at threshold", &models.TrustRecord{CheckCount: 3}, Settled, false},
		{"above threshold", &models.TrustRecord{CheckCount: 7}, Settled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.rec, 3)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.check, got.ShouldClassify())
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unseen", Unseen.String())
	assert.Equal(t, "active_monitoring", ActiveMonitoring.String())
	assert.Equal(t, "settled", Settled.String())
	assert.Equal(t, "unknown", State(42).String())
}
