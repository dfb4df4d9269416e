package qualification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrAnswerNotFound = errors.New("answer not found")

// Answer is one recorded submission for a (link, question) pair.
// Rechallenge marks answers given during a mid-session validation challenge
// rather than the original pass.
type Answer struct {
	ID          int64     `json:"id"`
	LinkUID     string    `json:"link_uid"`
	QuestionID  string    `json:"question_id"`
	Value       string    `json:"value"`
	Rechallenge bool      `json:"rechallenge"`
	CreatedAt   time.Time `json:"created_at"`
}

type AnswerRepo struct {
	db *pgxpool.Pool
}

func NewAnswerRepo(db *pgxpool.Pool) *AnswerRepo {
	return &AnswerRepo{db: db}
}

func (r *AnswerRepo) Record(ctx context.Context, linkUID, questionID, value string, rechallenge bool) (*Answer, error) {
	const q = `
insert into answers (link_uid, question_id, value, rechallenge)
values ($1, $2, $3, $4)
returning id, link_uid, question_id, value, rechallenge, created_at;
`
	var a Answer
	err := r.db.QueryRow(ctx, q, linkUID, questionID, value, rechallenge).
		Scan(&a.ID, &a.LinkUID, &a.QuestionID, &a.Value, &a.Rechallenge, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("record answer: %w", err)
	}
	return &a, nil
}

// Original returns the first original-pass answer for the given question.
// Challenge answers are never compared against anything but this record.
func (r *AnswerRepo) Original(ctx context.Context, linkUID, questionID string) (*Answer, error) {
	const q = `
select id, link_uid, question_id, value, rechallenge, created_at
from answers
where link_uid = $1 and question_id = $2 and rechallenge = false
order by created_at asc, id asc
limit 1;
`
	var a Answer
	err := r.db.QueryRow(ctx, q, linkUID, questionID).
		Scan(&a.ID, &a.LinkUID, &a.QuestionID, &a.Value, &a.Rechallenge, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAnswerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get original answer: %w", err)
	}
	return &a, nil
}

// AnsweredQuestionIDs lists question ids with an original-pass answer, in
// the order they were answered.
func (r *AnswerRepo) AnsweredQuestionIDs(ctx context.Context, linkUID string) ([]string, error) {
	const q = `
select question_id
from answers
where link_uid = $1 and rechallenge = false
order by created_at asc, id asc;
`
	rows, err := r.db.Query(ctx, q, linkUID)
	if err != nil {
		return nil, fmt.Errorf("list answered questions: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *AnswerRepo) CountOriginals(ctx context.Context, linkUID string) (int, error) {
	const q = `select count(*) from answers where link_uid = $1 and rechallenge = false;`
	var n int
	if err := r.db.QueryRow(ctx, q, linkUID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count answers: %w", err)
	}
	return n, nil
}

func (r *AnswerRepo) ListByLink(ctx context.Context, linkUID string) ([]Answer, error) {
	const q = `
select id, link_uid, question_id, value, rechallenge, created_at
from answers
where link_uid = $1
order by created_at asc, id asc;
`
	rows, err := r.db.Query(ctx, q, linkUID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()

	out := make([]Answer, 0, 8)
	for rows.Next() {
		var a Answer
		if err := rows.Scan(&a.ID, &a.LinkUID, &a.QuestionID, &a.Value, &a.Rechallenge, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
