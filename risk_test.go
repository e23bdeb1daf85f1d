package keyforge

import (
	"testing"
	"time"
)

func TestAgeRiskTiers(t *testing.T) {
	tests := []struct {
		days int
		want int
	}{
		{0, 0}, {29, 0}, {30, 20}, {89, 20}, {90, 40}, {179, 40},
		{180, 60}, {364, 60}, {365, 80}, {1000, 80},
	}
	for _, tt := range tests {
		got := ageRiskScore(time.Duration(tt.days) * 24 * time.Hour)
		if got != tt.want {
			t.Errorf("ageRiskScore(%dd) = %d, want %d", tt.days, got, tt.want)
		}
	}
}

func TestUsageRiskTiers(t *testing.T) {
	tests := []struct {
		count int64
		want  int
	}{
		{0, 0}, {9999, 0}, {10000, 30}, {99999, 30},
		{100000, 50}, {999999, 50}, {1000000, 70},
	}
	for _, tt := range tests {
		if got := usageRiskScore(tt.count); got != tt.want {
			t.Errorf("usageRiskScore(%d) = %d, want %d", tt.count, got, tt.want)
		}
	}
}

func TestRiskScoreMonotonicInAge(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	input := RiskInput{Algorithm: "aes-256-gcm", Compliant: true, UsageCount: 500}

	previous := -1
	for days := 0; days <= 400; days += 10 {
		input.Created = now.Add(-time.Duration(days) * 24 * time.Hour)
		assessment := ScoreKeyRisk("k", input, now)
		if assessment.Score < previous {
			t.Fatalf("score decreased with age at %d days: %d -> %d", days, previous, assessment.Score)
		}
		previous = assessment.Score
	}
}

func TestRiskRecommendationThresholds(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		input RiskInput
		want  RiskRecommendation
	}{
		{"fresh compliant key", RiskInput{Created: now, Compliant: true, Algorithm: "aes-256-gcm"},
			RecommendNoAction},
		{"aged uncompliant", RiskInput{Created: now.Add(-100 * 24 * time.Hour), Algorithm: "aes-256-gcm"},
			RecommendMonitor},
		{"old busy weak key", RiskInput{
			Created:    now.Add(-400 * 24 * time.Hour),
			UsageCount: 2_000_000,
			Algorithm:  "rsa-2048",
		}, RecommendRotateSoon},
		{"old busy legacy cipher", RiskInput{
			Created:    now.Add(-400 * 24 * time.Hour),
			UsageCount: 2_000_000,
			Algorithm:  "3des",
			Compliant:  true,
		}, RecommendRotateImmediately},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assessment := ScoreKeyRisk("k", tt.input, now)
			if assessment.Recommendation != tt.want {
				t.Errorf("score %d -> %s, want %s", assessment.Score, assessment.Recommendation, tt.want)
			}
		})
	}
}

func TestRiskFactorsReported(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	input := RiskInput{
		Created:    now.Add(-200 * 24 * time.Hour),
		UsageCount: 50000,
		Algorithm:  "rsa-2048",
	}

	assessment := ScoreKeyRisk("k", input, now)
	for _, factor := range []string{"age", "usage", "algorithm", "compliance"} {
		if _, ok := assessment.Factors[factor]; !ok {
			t.Errorf("factor %s missing from breakdown", factor)
		}
	}
	// age 60, usage 30, algorithm 40, compliance 30 -> mean 40.
	if assessment.Score != 40 {
		t.Errorf("score = %d, want 40", assessment.Score)
	}
}
