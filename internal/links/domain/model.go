package domain

import (
	"encoding/json"
	"time"
)

// Link is a single-use participation token handed to one respondent.
type Link struct {
	UID             string          `json:"uid"`
	ProjectID       string          `json:"project_id"`
	VendorID        string          `json:"vendor_id,omitempty"`
	Variant         Variant         `json:"variant"`
	Status          Status          `json:"status"`
	CurrentQuestion string          `json:"current_question,omitempty"`
	GeoAllowList    []string        `json:"geo_allow_list,omitempty"`
	Country         string          `json:"country,omitempty"`
	ClientMeta      json.RawMessage `json:"client_meta,omitempty"`
	IssuedAt        time.Time       `json:"issued_at"`
	ClickedAt       *time.Time      `json:"clicked_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	LastSeenAt      *time.Time      `json:"last_seen_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Variant controls enforcement: TEST links are flagged but never blocked
// and never touch the quota ledger.
type Variant string

const (
	VariantTest Variant = "TEST"
	VariantLive Variant = "LIVE"
)

func (v Variant) Valid() bool {
	return v == VariantTest || v == VariantLive
}

type Status string

const (
	StatusUnused       Status = "UNUSED"
	StatusClicked      Status = "CLICKED"
	StatusQualifying   Status = "QUALIFYING"
	StatusQualified    Status = "QUALIFIED"
	StatusDisqualified Status = "DISQUALIFIED"
	StatusQuotaFull    Status = "QUOTA_FULL"
	StatusGeoBlocked   Status = "GEO_BLOCKED"
	StatusCompleted    Status = "COMPLETED"
)

// transitions is the single canonical transition table. Every status change
// in the service goes through CanTransition; call sites never re-derive
// legality from ad hoc field inspection.
var transitions = map[Status][]Status{
	StatusUnused:     {StatusClicked},
	StatusClicked:    {StatusQualifying, StatusGeoBlocked, StatusDisqualified},
	StatusQualifying: {StatusQualified, StatusDisqualified, StatusQuotaFull},
	StatusQualified:  {StatusCompleted, StatusDisqualified},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusDisqualified, StatusQuotaFull, StatusGeoBlocked, StatusCompleted:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusUnused, StatusClicked, StatusQualifying, StatusQualified,
		StatusDisqualified, StatusQuotaFull, StatusGeoBlocked, StatusCompleted:
		return true
	}
	return false
}
