package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/memguard/internal/classifier"
	"github.com/dativo-io/memguard/internal/memory"
)

func verdict(sev classifier.Severity) *classifier.Verdict {
	if sev == classifier.SeverityNone {
		return &classifier.Verdict{Clean: true}
	}
	return &classifier.Verdict{
		OverallSeverity: sev,
		Matches:         []classifier.Match{{Family: classifier.FamilyInstructionOverride, Severity: sev}},
	}
}

func TestDecide(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		action MediumAction
		v      *classifier.Verdict
		want   memory.TrustLevel
		reason string
	}{
		{"clean", MediumValidate, verdict(classifier.SeverityNone), memory.TrustValidated, "clean"},
		{"low", MediumValidate, verdict(classifier.SeverityLow), memory.TrustValidated, "below_threshold"},
		{"medium validate", MediumValidate, verdict(classifier.SeverityMedium), memory.TrustValidated, "below_threshold"},
		{"medium flag", MediumFlag, verdict(classifier.SeverityMedium), memory.TrustFlagged, "threat_detected"},
		{"low with flag mode", MediumFlag, verdict(classifier.SeverityLow), memory.TrustValidated, "below_threshold"},
		{"high", MediumValidate, verdict(classifier.SeverityHigh), memory.TrustFlagged, "threat_detected"},
		{"critical", MediumValidate, verdict(classifier.SeverityCritical), memory.TrustQuarantined, "unambiguous_malice"},
		{"critical flag mode", MediumFlag, verdict(classifier.SeverityCritical), memory.TrustQuarantined, "unambiguous_malice"},
		{"timeout", MediumValidate, &classifier.Verdict{
			OverallSeverity: classifier.SeverityHigh,
			TimedOut:        true,
			Matches:         []classifier.Match{{Family: classifier.FamilyMatchTimeout, Severity: classifier.SeverityHigh}},
		}, memory.TrustFlagged, "threat_detected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := NewEngine(ctx, tt.action)
			require.NoError(t, err)
			d, err := engine.Decide(ctx, tt.v)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Level)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestNewEngine_DefaultsToValidate(t *testing.T) {
	engine, err := NewEngine(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, MediumValidate, engine.MediumAction())
}

func TestNewEngine_RejectsUnknownAction(t *testing.T) {
	_, err := NewEngine(context.Background(), "quarantine")
	assert.ErrorIs(t, err, ErrUnknownMediumAction)
}

func TestParseMediumAction(t *testing.T) {
	a, err := ParseMediumAction("flag")
	require.NoError(t, err)
	assert.Equal(t, MediumFlag, a)
	a, err = ParseMediumAction("")
	require.NoError(t, err)
	assert.Equal(t, MediumValidate, a)
	_, err = ParseMediumAction("FLAG")
	assert.Error(t, err)
}
