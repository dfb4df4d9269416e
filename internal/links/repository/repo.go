package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/panelbridge/panel-backend/internal/links/domain"
)

type Repo struct {
	db *pgxpool.Pool
}

func NewRepo(db *pgxpool.Pool) *Repo {
	return &Repo{db: db}
}

const linkColumns = `
uid, project_id, vendor_id, variant, status, current_question,
coalesce(geo_allow, '{}'), country, client_meta,
issued_at, clicked_at, completed_at, last_seen_at, updated_at`

func scanLink(row pgx.Row) (*domain.Link, error) {
	var l domain.Link
	err := row.Scan(
		&l.UID, &l.ProjectID, &l.VendorID, &l.Variant, &l.Status, &l.CurrentQuestion,
		&l.GeoAllowList, &l.Country, &l.ClientMeta,
		&l.IssuedAt, &l.ClickedAt, &l.CompletedAt, &l.LastSeenAt, &l.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan link: %w", err)
	}
	return &l, nil
}

// CreateBatch inserts issued links in one round trip.
func (r *Repo) CreateBatch(ctx context.Context, links []domain.Link) error {
	batch := &pgx.Batch{}
	const q = `
insert into links (uid, project_id, vendor_id, variant, status, geo_allow)
values ($1, $2, $3, $4, $5, $6);
`
	for _, l := range links {
		batch.Queue(q, l.UID, l.ProjectID, l.VendorID, l.Variant, l.Status, l.GeoAllowList)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()
	for range links {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert link: %w", err)
		}
	}
	return nil
}

func (r *Repo) GetByUID(ctx context.Context, uid string) (*domain.Link, error) {
	q := `select ` + linkColumns + ` from links where uid = $1;`
	return scanLink(r.db.QueryRow(ctx, q, uid))
}

// UpdateStatusCAS flips the status only if the row still holds the expected
// current status. Zero rows affected means the precondition no longer holds
// and the caller lost the race.
func (r *Repo) UpdateStatusCAS(ctx context.Context, uid string, from, to domain.Status) (*domain.Link, error) {
	q := `
update links
set status = $3,
    completed_at = case when $3 = 'COMPLETED' then now() else completed_at end,
    updated_at = now()
where uid = $1 and status = $2
returning ` + linkColumns + `;`
	l, err := scanLink(r.db.QueryRow(ctx, q, uid, from, to))
	if errors.Is(err, domain.ErrLinkNotFound) {
		// Row missing or precondition state gone; disambiguate for the caller.
		if _, getErr := r.GetByUID(ctx, uid); getErr != nil {
			return nil, getErr
		}
		return nil, domain.ErrInvalidTransition
	}
	return l, err
}

// RecordClick captures first-click time and the verbatim client metadata
// blob. Repeat clicks only refresh the country, blob, and last-seen time.
func (r *Repo) RecordClick(ctx context.Context, uid, country string, meta json.RawMessage) (*domain.Link, error) {
	q := `
update links
set clicked_at = coalesce(clicked_at, now()),
    last_seen_at = now(),
    country = $2,
    client_meta = $3,
    updated_at = now()
where uid = $1
returning ` + linkColumns + `;`
	return scanLink(r.db.QueryRow(ctx, q, uid, country, meta))
}

func (r *Repo) TouchLastSeen(ctx context.Context, uid string) error {
	ct, err := r.db.Exec(ctx, `update links set last_seen_at = now() where uid = $1;`, uid)
	if err != nil {
		return fmt.Errorf("touch link: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrLinkNotFound
	}
	return nil
}

func (r *Repo) SetCurrentQuestion(ctx context.Context, uid, questionID string) error {
	ct, err := r.db.Exec(ctx,
		`update links set current_question = $2, updated_at = now() where uid = $1;`,
		uid, questionID)
	if err != nil {
		return fmt.Errorf("set current question: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrLinkNotFound
	}
	return nil
}

func (r *Repo) ListByProject(ctx context.Context, projectID string) ([]domain.Link, error) {
	q := `select ` + linkColumns + ` from links where project_id = $1 order by issued_at asc, uid asc;`
	rows, err := r.db.Query(ctx, q, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Link, 0, 32)
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// CountByStatus reports the status breakdown for one project, for the admin
// dashboard.
func (r *Repo) CountByStatus(ctx context.Context, projectID string) (map[domain.Status]int, error) {
	const q = `select status, count(*) from links where project_id = $1 group by status;`
	rows, err := r.db.Query(ctx, q, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.Status]int, 8)
	for rows.Next() {
		var s domain.Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, rows.Err()
}
