// Package flags stores the append-only audit trail attached to links.
// A flag never mutates link state by itself; the caller decides whether the
// flagged condition also forces a terminal transition.
package flags

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Reason codes recorded by the pipeline. Admin tooling may append free-form
// reasons as well; these are the ones the core emits.
const (
	ReasonGeoViolation       = "geo_violation"
	ReasonAnonymizerDetected = "anonymizer_detected"
	ReasonValidationMismatch = "validation_mismatch"
	ReasonValidationTimeout  = "validation_timeout"
	ReasonFlowMisconfigured  = "flow_misconfigured"
	ReasonAbandoned          = "abandoned"
)

type Flag struct {
	ID        int64           `json:"id"`
	LinkUID   string          `json:"link_uid"`
	Reason    string          `json:"reason"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type Repo struct {
	db *pgxpool.Pool
}

func NewRepo(db *pgxpool.Pool) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Append(ctx context.Context, linkUID, reason string, metadata map[string]any) (*Flag, error) {
	if linkUID == "" || reason == "" {
		return nil, fmt.Errorf("link uid and reason required")
	}

	var meta []byte
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal flag metadata: %w", err)
		}
		meta = b
	}

	const q = `
insert into flags (link_uid, reason, metadata)
values ($1, $2, $3)
returning id, link_uid, reason, metadata, created_at;
`
	var f Flag
	err := r.db.QueryRow(ctx, q, linkUID, reason, meta).
		Scan(&f.ID, &f.LinkUID, &f.Reason, &f.Metadata, &f.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append flag: %w", err)
	}
	return &f, nil
}

func (r *Repo) ListByLink(ctx context.Context, linkUID string) ([]Flag, error) {
	const q = `
select id, link_uid, reason, metadata, created_at
from flags
where link_uid = $1
order by created_at asc, id asc;
`
	rows, err := r.db.Query(ctx, q, linkUID)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	out := make([]Flag, 0, 8)
	for rows.Next() {
		var f Flag
		if err := rows.Scan(&f.ID, &f.LinkUID, &f.Reason, &f.Metadata, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
