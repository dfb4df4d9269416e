package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panelbridge/panel-backend/internal/flags"
	"github.com/panelbridge/panel-backend/internal/links/domain"
)

type fakeLinks struct {
	link        *domain.Link
	transitions []string
}

func (f *fakeLinks) Get(_ context.Context, uid string) (*domain.Link, error) {
	if f.link == nil || f.link.UID != uid {
		return nil, domain.ErrLinkNotFound
	}
	cp := *f.link
	return &cp, nil
}

func (f *fakeLinks) RecordClick(_ context.Context, _ string, country string, meta json.RawMessage) (*domain.Link, error) {
	f.link.Country = country
	f.link.ClientMeta = meta
	cp := *f.link
	return &cp, nil
}

func (f *fakeLinks) Transition(_ context.Context, _ string, from, to domain.Status) (*domain.Link, error) {
	if f.link.Status != from || !domain.CanTransition(from, to) {
		return nil, domain.ErrInvalidTransition
	}
	f.link.Status = to
	f.transitions = append(f.transitions, fmt.Sprintf("%s->%s", from, to))
	cp := *f.link
	return &cp, nil
}

type fakeFlags struct {
	appended []string
}

func (f *fakeFlags) Append(_ context.Context, _ string, reason string, _ map[string]any) (*flags.Flag, error) {
	f.appended = append(f.appended, reason)
	return &flags.Flag{Reason: reason}, nil
}

type fakeProvider struct {
	verdict  Verdict
	failures int
	calls    int
}

func (f *fakeProvider) Resolve(context.Context, string) (*Verdict, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("provider unavailable")
	}
	v := f.verdict
	return &v, nil
}

func newGate(link *domain.Link, verdict Verdict) (*Gate, *fakeLinks, *fakeFlags, *fakeProvider) {
	fl := &fakeLinks{link: link}
	ff := &fakeFlags{}
	fp := &fakeProvider{verdict: verdict}
	cfg := Config{
		AnonymizerThreshold: 0.7,
		AllowedCountries:    []string{"US", "CA"},
		RequiredConsent:     []string{"terms"},
	}
	return NewGate(cfg, fp, fl, ff), fl, ff, fp
}

func unusedLink(variant domain.Variant) *domain.Link {
	return &domain.Link{UID: "pl_1", ProjectID: "prj-1", Variant: variant, Status: domain.StatusUnused}
}

func consented() ClientContext {
	return ClientContext{IP: "203.0.113.9", UserAgent: "ua", Consents: map[string]bool{"terms": true}}
}

func TestAdmit_PassReachesQualifying(t *testing.T) {
	gate, fl, ff, _ := newGate(unusedLink(domain.VariantLive), Verdict{Country: "US"})

	res, err := gate.Admit(context.Background(), "pl_1", consented())
	require.NoError(t, err)

	assert.Equal(t, DecisionPass, res.Decision)
	assert.Equal(t, domain.StatusQualifying, res.Status)
	assert.Equal(t, []string{"UNUSED->CLICKED", "CLICKED->QUALIFYING"}, fl.transitions)
	assert.Empty(t, ff.appended)
	assert.Equal(t, "US", fl.link.Country)
	assert.NotEmpty(t, fl.link.ClientMeta)
}

func TestAdmit_MissingConsentNoStateChange(t *testing.T) {
	gate, fl, _, fp := newGate(unusedLink(domain.VariantLive), Verdict{Country: "US"})

	res, err := gate.Admit(context.Background(), "pl_1", ClientContext{IP: "203.0.113.9"})
	require.NoError(t, err)

	assert.Equal(t, DecisionConsentRequired, res.Decision)
	assert.Equal(t, []string{"terms"}, res.MissingConsent)
	assert.Equal(t, domain.StatusUnused, fl.link.Status)
	assert.Zero(t, fp.calls, "provider must not be consulted before consent")
}

func TestAdmit_LiveGeoBlocked(t *testing.T) {
	gate, fl, ff, _ := newGate(unusedLink(domain.VariantLive), Verdict{Country: "FR"})

	res, err := gate.Admit(context.Background(), "pl_1", consented())
	require.NoError(t, err)

	assert.Equal(t, DecisionGeoBlocked, res.Decision)
	assert.Equal(t, domain.StatusGeoBlocked, res.Status)
	assert.Equal(t, domain.StatusGeoBlocked, fl.link.Status)
	assert.Contains(t, ff.appended, flags.ReasonGeoViolation)
}

func TestAdmit_TestLinkGeoViolationFlaggedButPasses(t *testing.T) {
	gate, fl, ff, _ := newGate(unusedLink(domain.VariantTest), Verdict{Country: "FR"})

	res, err := gate.Admit(context.Background(), "pl_1", consented())
	require.NoError(t, err)

	assert.Equal(t, DecisionPass, res.Decision)
	assert.Equal(t, domain.StatusQualifying, fl.link.Status)
	assert.Contains(t, ff.appended, flags.ReasonGeoViolation)
	assert.NotEqual(t, domain.StatusGeoBlocked, fl.link.Status)
}

func TestAdmit_LiveAnonymizerBlocked(t *testing.T) {
	gate, fl, ff, _ := newGate(unusedLink(domain.VariantLive), Verdict{
		Country: "US", IsAnonymizingNetwork: true, Confidence: 0.95,
	})

	res, err := gate.Admit(context.Background(), "pl_1", consented())
	require.NoError(t, err)

	assert.Equal(t, DecisionAnonymizerBlocked, res.Decision)
	assert.Equal(t, domain.StatusDisqualified, fl.link.Status)
	assert.Contains(t, ff.appended, flags.ReasonAnonymizerDetected)
}

func TestAdmit_AnonymizerBelowThresholdPasses(t *testing.T) {
	gate, _, ff, _ := newGate(unusedLink(domain.VariantLive), Verdict{
		Country: "US", IsAnonymizingNetwork: true, Confidence: 0.4,
	})

	res, err := gate.Admit(context.Background(), "pl_1", consented())
	require.NoError(t, err)

	assert.Equal(t, DecisionPass, res.Decision)
	assert.Empty(t, ff.appended)
}

func TestAdmit_LinkAllowListOverridesDefault(t *testing.T) {
	link := unusedLink(domain.VariantLive)
	link.GeoAllowList = []string{"DE"}
	gate, _, _, _ := newGate(link, Verdict{Country: "DE"})

	res, err := gate.Admit(context.Background(), "pl_1", consented())
	require.NoError(t, err)
	assert.Equal(t, DecisionPass, res.Decision)
}

func TestAdmit_RepeatAdmitIsIdempotent(t *testing.T) {
	gate, fl, _, _ := newGate(unusedLink(domain.VariantLive), Verdict{Country: "US"})
	ctx := context.Background()

	_, err := gate.Admit(ctx, "pl_1", consented())
	require.NoError(t, err)
	res, err := gate.Admit(ctx, "pl_1", consented())
	require.NoError(t, err)

	assert.Equal(t, DecisionPass, res.Decision)
	assert.Equal(t, domain.StatusQualifying, res.Status)
	// No second pair of transitions.
	assert.Equal(t, []string{"UNUSED->CLICKED", "CLICKED->QUALIFYING"}, fl.transitions)
}

// A link already admitted to QUALIFYING is not yanked when a repeat admit
// resolves a verdict that now fails policy; the violation is flagged for
// audit and the session continues.
func TestAdmit_RepeatAdmitPastClickedNotBlocked(t *testing.T) {
	link := unusedLink(domain.VariantLive)
	link.Status = domain.StatusQualifying
	gate, fl, ff, _ := newGate(link, Verdict{Country: "FR"})

	res, err := gate.Admit(context.Background(), "pl_1", consented())
	require.NoError(t, err)

	assert.Equal(t, DecisionPass, res.Decision)
	assert.Equal(t, domain.StatusQualifying, res.Status)
	assert.Empty(t, fl.transitions)
	assert.Contains(t, ff.appended, flags.ReasonGeoViolation)
}

func TestAdmit_TerminalLinkReportsOutcomeWithoutResolving(t *testing.T) {
	link := unusedLink(domain.VariantLive)
	link.Status = domain.StatusGeoBlocked
	gate, _, _, fp := newGate(link, Verdict{Country: "US"})

	res, err := gate.Admit(context.Background(), "pl_1", consented())
	require.NoError(t, err)

	assert.Equal(t, DecisionGeoBlocked, res.Decision)
	assert.Zero(t, fp.calls)
}

func TestAdmit_ProviderRetriesThenFails(t *testing.T) {
	gate, fl, _, fp := newGate(unusedLink(domain.VariantLive), Verdict{Country: "US"})
	fp.failures = 10

	_, err := gate.Admit(context.Background(), "pl_1", consented())
	require.Error(t, err)
	assert.Equal(t, resolveAttempts, fp.calls)
	// Never converted into an admission decision.
	assert.Equal(t, domain.StatusUnused, fl.link.Status)
}

func TestAdmit_ProviderRecoversWithinRetries(t *testing.T) {
	gate, _, _, fp := newGate(unusedLink(domain.VariantLive), Verdict{Country: "US"})
	fp.failures = 2

	res, err := gate.Admit(context.Background(), "pl_1", consented())
	require.NoError(t, err)
	assert.Equal(t, DecisionPass, res.Decision)
}

func TestAdmit_UnknownLink(t *testing.T) {
	gate, _, _, _ := newGate(unusedLink(domain.VariantLive), Verdict{Country: "US"})

	_, err := gate.Admit(context.Background(), "pl_missing", consented())
	assert.ErrorIs(t, err, domain.ErrLinkNotFound)
}
