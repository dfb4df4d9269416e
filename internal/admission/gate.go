// Package admission guards the front door: consent capture, geographic
// restriction, and anonymizing-network detection run before any survey
// content is reachable. The gate consumes a verdict from an external
// provider; it does not implement geolocation itself.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/panelbridge/panel-backend/internal/flags"
	"github.com/panelbridge/panel-backend/internal/links/domain"
)

type Decision string

const (
	DecisionPass              Decision = "PASS"
	DecisionGeoBlocked        Decision = "GEO_BLOCKED"
	DecisionAnonymizerBlocked Decision = "ANONYMIZER_BLOCKED"
	DecisionConsentRequired   Decision = "CONSENT_REQUIRED"
)

// ClientContext is what the respondent's request carries into admission.
// Extra is collected opaquely and stored verbatim on the link for audit.
type ClientContext struct {
	IP        string
	UserAgent string
	Consents  map[string]bool
	Extra     map[string]any
}

// Verdict is the external provider's view of one IP address.
type Verdict struct {
	Country              string  `json:"country"`
	IsAnonymizingNetwork bool    `json:"is_anonymizing_network"`
	Confidence           float64 `json:"confidence"`
}

type VerdictProvider interface {
	Resolve(ctx context.Context, ip string) (*Verdict, error)
}

type LinkControl interface {
	Get(ctx context.Context, uid string) (*domain.Link, error)
	RecordClick(ctx context.Context, uid, country string, meta json.RawMessage) (*domain.Link, error)
	Transition(ctx context.Context, uid string, from, to domain.Status) (*domain.Link, error)
}

type Flagger interface {
	Append(ctx context.Context, linkUID, reason string, metadata map[string]any) (*flags.Flag, error)
}

// Config is passed in explicitly so policy is deterministic under test; the
// gate reads no ambient state.
type Config struct {
	AnonymizerThreshold float64
	AllowedCountries    []string
	RequiredConsent     []string
}

type Gate struct {
	cfg      Config
	provider VerdictProvider
	links    LinkControl
	flags    Flagger
}

func NewGate(cfg Config, provider VerdictProvider, links LinkControl, flagRepo Flagger) *Gate {
	return &Gate{cfg: cfg, provider: provider, links: links, flags: flagRepo}
}

type Result struct {
	Decision       Decision      `json:"decision"`
	Status         domain.Status `json:"status"`
	MissingConsent []string      `json:"missing_consent,omitempty"`
}

// Admit runs the full admission sequence for one inbound click. LIVE links
// block on anonymizer or geo violations; TEST links record the same flags
// but always pass. Repeat admits of an already-admitted link refresh
// metadata without re-running side effects.
func (g *Gate) Admit(ctx context.Context, uid string, cc ClientContext) (*Result, error) {
	link, err := g.links.Get(ctx, uid)
	if err != nil {
		return nil, err
	}

	// A link already parked in a terminal state just reports its outcome.
	if link.Status.Terminal() {
		return &Result{Decision: decisionFor(link.Status), Status: link.Status}, nil
	}

	if missing := g.missingConsent(cc.Consents); len(missing) > 0 {
		return &Result{
			Decision:       DecisionConsentRequired,
			Status:         link.Status,
			MissingConsent: missing,
		}, nil
	}

	verdict, err := g.resolve(ctx, cc.IP)
	if err != nil {
		// Provider trouble is never converted into an admission decision.
		return nil, fmt.Errorf("resolve client network: %w", err)
	}

	meta, err := collectMetadata(cc)
	if err != nil {
		return nil, err
	}

	if link.Status == domain.StatusUnused {
		if link, err = g.links.Transition(ctx, uid, domain.StatusUnused, domain.StatusClicked); err != nil {
			return nil, err
		}
	}
	if link, err = g.links.RecordClick(ctx, uid, verdict.Country, meta); err != nil {
		return nil, err
	}

	// Blocking transitions only apply while the link is still at the door.
	// A repeat admit of a link already admitted to QUALIFYING records the
	// violation flag for audit but does not yank the session.
	atDoor := link.Status == domain.StatusClicked

	if verdict.IsAnonymizingNetwork && verdict.Confidence >= g.cfg.AnonymizerThreshold {
		if _, err := g.flags.Append(ctx, uid, flags.ReasonAnonymizerDetected, map[string]any{
			"ip":         cc.IP,
			"confidence": verdict.Confidence,
		}); err != nil {
			return nil, err
		}
		if link.Variant == domain.VariantLive && atDoor {
			if _, err := g.links.Transition(ctx, uid, domain.StatusClicked, domain.StatusDisqualified); err != nil {
				return nil, err
			}
			return &Result{Decision: DecisionAnonymizerBlocked, Status: domain.StatusDisqualified}, nil
		}
	}

	if !g.countryAllowed(link, verdict.Country) {
		if _, err := g.flags.Append(ctx, uid, flags.ReasonGeoViolation, map[string]any{
			"country": verdict.Country,
		}); err != nil {
			return nil, err
		}
		if link.Variant == domain.VariantLive && atDoor {
			if _, err := g.links.Transition(ctx, uid, domain.StatusClicked, domain.StatusGeoBlocked); err != nil {
				return nil, err
			}
			return &Result{Decision: DecisionGeoBlocked, Status: domain.StatusGeoBlocked}, nil
		}
	}

	if link.Status == domain.StatusClicked {
		if link, err = g.links.Transition(ctx, uid, domain.StatusClicked, domain.StatusQualifying); err != nil {
			return nil, err
		}
	}

	return &Result{Decision: DecisionPass, Status: link.Status}, nil
}

func (g *Gate) missingConsent(given map[string]bool) []string {
	var missing []string
	for _, item := range g.cfg.RequiredConsent {
		if !given[item] {
			missing = append(missing, item)
		}
	}
	return missing
}

// countryAllowed applies the link-level allow-list when present, otherwise
// the gate default. An empty effective list allows everything.
func (g *Gate) countryAllowed(link *domain.Link, country string) bool {
	allow := link.GeoAllowList
	if len(allow) == 0 {
		allow = g.cfg.AllowedCountries
	}
	if len(allow) == 0 {
		return true
	}
	for _, c := range allow {
		if c == country {
			return true
		}
	}
	return false
}

const (
	resolveAttempts = 3
	resolveBackoff  = 200 * time.Millisecond
)

func (g *Gate) resolve(ctx context.Context, ip string) (*Verdict, error) {
	var err error
	var v *Verdict
	delay := resolveBackoff
	for attempt := 0; attempt < resolveAttempts; attempt++ {
		if v, err = g.provider.Resolve(ctx, ip); err == nil {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, err
}

// collectMetadata builds the opaque audit blob stored verbatim on the link.
func collectMetadata(cc ClientContext) (json.RawMessage, error) {
	blob := map[string]any{
		"ip":         cc.IP,
		"user_agent": cc.UserAgent,
		"consents":   cc.Consents,
	}
	for k, v := range cc.Extra {
		blob[k] = v
	}
	b, err := json.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("collect client metadata: %w", err)
	}
	return b, nil
}

func decisionFor(s domain.Status) Decision {
	switch s {
	case domain.StatusGeoBlocked:
		return DecisionGeoBlocked
	case domain.StatusDisqualified:
		return DecisionAnonymizerBlocked
	default:
		return DecisionPass
	}
}
