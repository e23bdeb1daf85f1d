package keyforge

import "time"

// RiskRecommendation is the action suggested by a risk assessment.
type RiskRecommendation string

const (
	RecommendRotateImmediately RiskRecommendation = "rotate_immediately"
	RecommendRotateSoon        RiskRecommendation = "rotate_soon"
	RecommendMonitor           RiskRecommendation = "monitor"
	RecommendNoAction          RiskRecommendation = "no_action"
)

// RiskInput carries the observable facts a risk score is computed from.
type RiskInput struct {
	Created    time.Time
	UsageCount int64
	Algorithm  string
	Compliant  bool
}

// RiskAssessment is the composite score for one key, with the per-factor
// breakdown that produced it.
type RiskAssessment struct {
	KeyID          string             `json:"key_id"`
	Score          int                `json:"score"`
	Factors        map[string]int     `json:"factors"`
	Recommendation RiskRecommendation `json:"recommendation"`
	AssessedAt     time.Time          `json:"assessed_at"`
}

// weakAlgorithmScores flags algorithms considered lower-strength. Absent
// algorithms score zero and contribute no factor.
var weakAlgorithmScores = map[string]int{
	"rsa-2048":    40,
	"aes-128-gcm": 30,
	"hmac-sha1":   60,
	"3des":        90,
	"des":         95,
}

const missingCompliancePenalty = 30

func ageRiskScore(age time.Duration) int {
	days := int(age / (24 * time.Hour))
	switch {
	case days >= 365:
		return 80
	case days >= 180:
		return 60
	case days >= 90:
		return 40
	case days >= 30:
		return 20
	default:
		return 0
	}
}

func usageRiskScore(count int64) int {
	switch {
	case count >= 1_000_000:
		return 70
	case count >= 100_000:
		return 50
	case count >= 10_000:
		return 30
	default:
		return 0
	}
}

// ScoreKeyRisk averages the present factor scores. Age always contributes;
// usage, algorithm weakness and the missing-compliance penalty contribute
// only when they apply, so an old key's score cannot be diluted by factors
// that carry no signal.
func ScoreKeyRisk(keyID string, input RiskInput, now time.Time) *RiskAssessment {
	factors := map[string]int{
		"age": ageRiskScore(now.Sub(input.Created)),
	}
	if s := usageRiskScore(input.UsageCount); s > 0 {
		factors["usage"] = s
	}
	if s, ok := weakAlgorithmScores[input.Algorithm]; ok {
		factors["algorithm"] = s
	}
	if !input.Compliant {
		factors["compliance"] = missingCompliancePenalty
	}

	total := 0
	for _, s := range factors {
		total += s
	}
	score := total / len(factors)

	var recommendation RiskRecommendation
	switch {
	case score >= 70:
		recommendation = RecommendRotateImmediately
	case score >= 50:
		recommendation = RecommendRotateSoon
	case score >= 30:
		recommendation = RecommendMonitor
	default:
		recommendation = RecommendNoAction
	}

	return &RiskAssessment{
		KeyID:          keyID,
		Score:          score,
		Factors:        factors,
		Recommendation: recommendation,
		AssessedAt:     now,
	}
}
