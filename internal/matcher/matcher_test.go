package matcher

import (
	"context"
	"errors"
	"testing"

	"github.com/svarley/fbascout/internal/models"
)

type stubJudge struct {
	decision models.AIDecision
	err      error
	called   bool
}

func (s *stubJudge) JudgeMatch(_ context.Context, _ models.SupplierProduct, _ models.AmazonProduct) (models.AIDecision, error) {
	s.called = true
	return s.decision, s.err
}

func supplierFixture() models.SupplierProduct {
	return models.SupplierProduct{
		Title: "Nivea Soft Moisturising Cream 200ml",
		Brand: "Nivea",
		EAN:   "4005808104017",
	}
}

func TestValidateEANMatchIsHigh(t *testing.T) {
	m := New(nil, nil)
	amazon := models.AmazonProduct{
		ASIN:       "B000KJO8ZS",
		Title:      "NIVEA Soft Moisturizing Cream 200ml",
		EANsOnPage: []string{"4005808104017"},
	}

	v := m.Validate(context.Background(), supplierFixture(), amazon)

	if v.MatchQuality != models.MatchQualityHigh {
		t.Errorf("quality = %s, want high (confidence %v)", v.MatchQuality, v.ConfidenceScore)
	}
	if v.ConfidenceScore < 0.75 {
		t.Errorf("confidence = %v, want >= 0.75", v.ConfidenceScore)
	}
	hasEANCheck := false
	for _, c := range v.ChecksPerformed {
		if c == "EAN/GTIN" {
			hasEANCheck = true
		}
	}
	if !hasEANCheck {
		t.Errorf("ChecksPerformed = %v, want EAN/GTIN recorded", v.ChecksPerformed)
	}
}

func TestValidateEANConflictPenalised(t *testing.T) {
	m := New(nil, nil)
	amazon := models.AmazonProduct{
		Title:      "Completely Different Gadget Pro X1",
		EANsOnPage: []string{"5000000000000"},
	}

	v := m.Validate(context.Background(), supplierFixture(), amazon)

	if v.MatchQuality != models.MatchQualityLow {
		t.Errorf("quality = %s, want low", v.MatchQuality)
	}
}

func TestValidateConfidenceClampedAtZero(t *testing.T) {
	m := New(nil, nil)
	amazon := models.AmazonProduct{
		Title:      "Unrelated Garden Hose 25m",
		EANsOnPage: []string{"1111111111116"},
	}

	v := m.Validate(context.Background(), supplierFixture(), amazon)
	if v.ConfidenceScore < 0 {
		t.Errorf("confidence = %v, must not go negative", v.ConfidenceScore)
	}
}

func TestValidateMediumInvokesTieBreaker(t *testing.T) {
	cases := []struct {
		name        string
		decision    models.AIDecision
		err         error
		wantQuality models.MatchQuality
	}{
		{"promote on MATCH", models.AIDecisionMatch, nil, models.MatchQualityHigh},
		{"demote on MISMATCH", models.AIDecisionMismatch, nil, models.MatchQualityLow},
		{"unchanged on UNCERTAIN", models.AIDecisionUncertain, nil, models.MatchQualityMedium},
		{"unchanged on AI failure", "", errors.New("llm unavailable"), models.MatchQualityMedium},
	}

	// No EAN and no recognised brand: confidence is the title score plus
	// the moderate-similarity delta, landing in the medium band.
	supplier := models.SupplierProduct{
		Title: "Bluebell Soy Candle 200g Lavender",
	}
	amazon := models.AmazonProduct{
		Title: "Bluebell Soy Wax Candle 200g",
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			judge := &stubJudge{decision: tc.decision, err: tc.err}
			m := New(judge, nil)

			v := m.Validate(context.Background(), supplier, amazon)

			if !judge.called {
				t.Fatalf("tie-breaker not invoked for medium match (quality %s, confidence %v)", v.MatchQuality, v.ConfidenceScore)
			}
			if v.MatchQuality != tc.wantQuality {
				t.Errorf("quality = %s, want %s", v.MatchQuality, tc.wantQuality)
			}
			switch tc.decision {
			case models.AIDecisionMatch:
				if v.ConfidenceScore < 0.80 {
					t.Errorf("promoted confidence = %v, want >= 0.80", v.ConfidenceScore)
				}
			case models.AIDecisionMismatch:
				if v.ConfidenceScore > 0.20 {
					t.Errorf("demoted confidence = %v, want <= 0.20", v.ConfidenceScore)
				}
			}
		})
	}
}

func TestValidateHighSkipsTieBreaker(t *testing.T) {
	judge := &stubJudge{decision: models.AIDecisionMismatch}
	m := New(judge, nil)
	amazon := models.AmazonProduct{
		Title:      "NIVEA Soft Moisturizing Cream 200ml",
		EANsOnPage: []string{"4005808104017"},
	}

	v := m.Validate(context.Background(), supplierFixture(), amazon)

	if judge.called {
		t.Error("tie-breaker must not run for high-confidence matches")
	}
	if v.MatchQuality != models.MatchQualityHigh {
		t.Errorf("quality = %s, want high", v.MatchQuality)
	}
}

func TestPickBestCandidate(t *testing.T) {
	supplier := "Bluebell Soy Candle 200g"
	candidates := []string{
		"Duracell AA Batteries 8 Pack",
		"Bluebell Soy Wax Candle 200g Scented",
		"Garden Hose 25m Reinforced",
	}

	idx, score, ok := PickBestCandidate(supplier, "Bluebell", candidates)
	if idx != 1 {
		t.Fatalf("best index = %d, want 1 (score %v)", idx, score)
	}
	if !ok {
		t.Errorf("best score %v should clear the 0.25 floor", score)
	}
}

func TestPickBestCandidateBelowFloor(t *testing.T) {
	_, _, ok := PickBestCandidate("Bluebell Soy Candle 200g", "", []string{
		"Duracell AA Batteries 8 Pack",
		"Garden Hose 25m Reinforced",
	})
	if ok {
		t.Error("no candidate should clear the floor for unrelated titles")
	}
}

func TestPickBestCandidateEmpty(t *testing.T) {
	if idx, _, ok := PickBestCandidate("anything", "", nil); idx != -1 || ok {
		t.Errorf("empty candidates: idx=%d ok=%v, want -1 false", idx, ok)
	}
}

func TestParseDecision(t *testing.T) {
	cases := []struct {
		reply string
		want  models.AIDecision
	}{
		{"MATCH", models.AIDecisionMatch},
		{"The verdict is: match", models.AIDecisionMatch},
		{"MISMATCH", models.AIDecisionMismatch},
		{"I believe this is a mismatch.", models.AIDecisionMismatch},
		{"UNCERTAIN", models.AIDecisionUncertain},
		{"no idea", models.AIDecisionUncertain},
		{"", models.AIDecisionUncertain},
	}
	for _, tc := range cases {
		if got := parseDecision(tc.reply); got != tc.want {
			t.Errorf("parseDecision(%q) = %s, want %s", tc.reply, got, tc.want)
		}
	}
}
