package remediation

import "github.com/qiniu/opsguard/internal/alerting/model"

const (
	// Diagnosis confidence below VeryLowConfidence blocks outright; below LowConfidence it raises one tier.
	VeryLowConfidence = 0.3
	LowConfidence     = 0.7

	// Recent executions on a host at or above HighFrequency block; at or above ElevatedFrequency raise one tier.
	HighFrequency     = 5
	ElevatedFrequency = 3
)

var riskByRank = []model.RiskLevel{model.RiskAuto, model.RiskConfirm, model.RiskBlock}

// AssessRisk combines the runbook's static class with diagnosis confidence and the recent
// execution count of the host. The verdict is never less severe than static.
func AssessRisk(static model.RiskLevel, confidence float64, recent int) model.RiskLevel {
	base := static.Rank()
	blockRank := model.RiskBlock.Rank()

	byConfidence := base
	switch {
	case confidence < VeryLowConfidence:
		byConfidence = blockRank
	case confidence < LowConfidence:
		byConfidence = min(base+1, blockRank)
	}

	byFrequency := base
	switch {
	case recent >= HighFrequency:
		byFrequency = blockRank
	case recent >= ElevatedFrequency:
		byFrequency = min(base+1, blockRank)
	}

	return riskByRank[max(base, byConfidence, byFrequency)]
}
