package projects

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrVendorNotFound  = errors.New("vendor quota not found")
)

// Project lifecycle statuses.
const (
	StatusDraft    = "draft"
	StatusLive     = "live"
	StatusComplete = "complete"
)

// Project is a survey campaign. The pre-survey question flow is stored
// serialized on the row and parsed by the qualification engine.
type Project struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Status            string          `json:"status"`
	TargetCompletions int             `json:"target_completions"`
	SurveyURL         string          `json:"survey_url"`
	Flow              json.RawMessage `json:"flow,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// VendorQuota caps committed completions for one (project, vendor) pairing.
type VendorQuota struct {
	ProjectID string    `json:"project_id"`
	VendorID  string    `json:"vendor_id"`
	Ceiling   int       `json:"ceiling"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Repo struct {
	db *pgxpool.Pool
}

func NewRepo(db *pgxpool.Pool) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, name, surveyURL string, target int) (*Project, error) {
	if name == "" {
		return nil, fmt.Errorf("name required")
	}
	if target < 0 {
		return nil, fmt.Errorf("target must not be negative")
	}

	for i := 0; i < 5; i++ {
		id, err := NewPublicID("prj")
		if err != nil {
			return nil, err
		}

		const q = `
insert into projects (id, name, status, target_completions, survey_url)
values ($1, $2, $3, $4, $5)
returning id, name, status, target_completions, survey_url, flow, created_at, updated_at;
`
		var p Project
		err = r.db.QueryRow(ctx, q, id, name, StatusDraft, target, surveyURL).
			Scan(&p.ID, &p.Name, &p.Status, &p.TargetCompletions, &p.SurveyURL, &p.Flow, &p.CreatedAt, &p.UpdatedAt)
		if err == nil {
			return &p, nil
		}

		// unique violation on id → retry with a fresh one
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			continue
		}
		return nil, err
	}

	return nil, fmt.Errorf("failed to generate unique project id")
}

func (r *Repo) Get(ctx context.Context, id string) (*Project, error) {
	const q = `
select id, name, status, target_completions, survey_url, flow, created_at, updated_at
from projects
where id = $1;
`
	var p Project
	err := r.db.QueryRow(ctx, q, id).
		Scan(&p.ID, &p.Name, &p.Status, &p.TargetCompletions, &p.SurveyURL, &p.Flow, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

func (r *Repo) List(ctx context.Context) ([]Project, error) {
	const q = `
select id, name, status, target_completions, survey_url, flow, created_at, updated_at
from projects
order by created_at desc;
`
	rows, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Project, 0, 16)
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.TargetCompletions, &p.SurveyURL, &p.Flow, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repo) UpdateStatus(ctx context.Context, id, status string) (*Project, error) {
	if status != StatusDraft && status != StatusLive && status != StatusComplete {
		return nil, fmt.Errorf("invalid project status %q", status)
	}

	const q = `
update projects
set status = $2, updated_at = now()
where id = $1
returning id, name, status, target_completions, survey_url, flow, created_at, updated_at;
`
	var p Project
	err := r.db.QueryRow(ctx, q, id, status).
		Scan(&p.ID, &p.Name, &p.Status, &p.TargetCompletions, &p.SurveyURL, &p.Flow, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update project status: %w", err)
	}
	return &p, nil
}

// SetFlow replaces the serialized question flow. Validation of the flow
// definition happens in the qualification package before this is called.
func (r *Repo) SetFlow(ctx context.Context, id string, flow json.RawMessage) (*Project, error) {
	const q = `
update projects
set flow = $2, updated_at = now()
where id = $1
returning id, name, status, target_completions, survey_url, flow, created_at, updated_at;
`
	var p Project
	err := r.db.QueryRow(ctx, q, id, flow).
		Scan(&p.ID, &p.Name, &p.Status, &p.TargetCompletions, &p.SurveyURL, &p.Flow, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("set project flow: %w", err)
	}
	return &p, nil
}

func (r *Repo) UpsertVendorQuota(ctx context.Context, projectID, vendorID string, ceiling int) (*VendorQuota, error) {
	if ceiling < 0 {
		return nil, fmt.Errorf("ceiling must not be negative")
	}

	const q = `
insert into vendor_quotas (project_id, vendor_id, ceiling)
values ($1, $2, $3)
on conflict (project_id, vendor_id)
do update set ceiling = excluded.ceiling, updated_at = now()
returning project_id, vendor_id, ceiling, created_at, updated_at;
`
	var v VendorQuota
	err := r.db.QueryRow(ctx, q, projectID, vendorID, ceiling).
		Scan(&v.ProjectID, &v.VendorID, &v.Ceiling, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert vendor quota: %w", err)
	}
	return &v, nil
}

func (r *Repo) GetVendorQuota(ctx context.Context, projectID, vendorID string) (*VendorQuota, error) {
	const q = `
select project_id, vendor_id, ceiling, created_at, updated_at
from vendor_quotas
where project_id = $1 and vendor_id = $2;
`
	var v VendorQuota
	err := r.db.QueryRow(ctx, q, projectID, vendorID).
		Scan(&v.ProjectID, &v.VendorID, &v.Ceiling, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVendorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vendor quota: %w", err)
	}
	return &v, nil
}
