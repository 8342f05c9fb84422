package remediation

import (
	"testing"

	"github.com/qiniu/opsguard/internal/alerting/model"
	"github.com/stretchr/testify/assert"
)

func TestAssessRisk(t *testing.T) {
	tests := []struct {
		static     model.RiskLevel
		confidence float64
		recent     int
		want       model.RiskLevel
	}{
		{model.RiskAuto, 0.95, 0, model.RiskAuto},
		{model.RiskAuto, 0.5, 0, model.RiskConfirm},
		{model.RiskAuto, 0.95, 5, model.RiskBlock},
		{model.RiskAuto, 0.2, 0, model.RiskBlock},
		{model.RiskAuto, 0.95, 3, model.RiskConfirm},
		{model.RiskAuto, 0.5, 3, model.RiskConfirm},
		{model.RiskAuto, 0.7, 2, model.RiskAuto},
		{model.RiskAuto, 0.3, 0, model.RiskConfirm},
		{model.RiskConfirm, 0.95, 0, model.RiskConfirm},
		{model.RiskConfirm, 0.5, 0, model.RiskBlock},
		{model.RiskConfirm, 0.95, 3, model.RiskBlock},
		{model.RiskBlock, 1, 0, model.RiskBlock},
		{model.RiskLevel("bogus"), 1, 0, model.RiskBlock},
	}
	for _, tt := range tests {
		got := AssessRisk(tt.static, tt.confidence, tt.recent)
		assert.Equal(t, tt.want, got, "static=%s confidence=%.2f recent=%d", tt.static, tt.confidence, tt.recent)
	}
}

func TestAssessRisk_NeverBelowStatic(t *testing.T) {
	for _, static := range []model.RiskLevel{model.RiskAuto, model.RiskConfirm, model.RiskBlock} {
		for _, c := range []float64{0, 0.29, 0.3, 0.69, 0.7, 1} {
			for _, r := range []int{0, 2, 3, 4, 5, 50} {
				got := AssessRisk(static, c, r)
				assert.GreaterOrEqual(t, got.Rank(), static.Rank())
			}
		}
	}
}
