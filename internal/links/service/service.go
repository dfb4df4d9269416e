// Package service owns the link lifecycle state machine. Every status
// change in the system funnels through Transition, which enforces the
// canonical transition table with a compare-and-swap on the stored status,
// releases quota held by links that die after qualification, and notifies
// lifecycle hooks.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/panelbridge/panel-backend/internal/links/domain"
	"github.com/panelbridge/panel-backend/internal/links/repository"
	"github.com/panelbridge/panel-backend/internal/quota"
)

const maxIssueBatch = 10000

type Service struct {
	repo   *repository.Repo
	ledger *quota.Ledger

	mu             sync.RWMutex
	terminalHooks  []func(uid string)
	qualifiedHooks []func(uid string)
}

func New(repo *repository.Repo, ledger *quota.Ledger) *Service {
	return &Service{repo: repo, ledger: ledger}
}

// OnTerminal registers fn to run after a link reaches any terminal status.
// Used to cancel outstanding validation timers.
func (s *Service) OnTerminal(fn func(uid string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminalHooks = append(s.terminalHooks, fn)
}

// OnQualified registers fn to run after a link reaches QUALIFIED, i.e. the
// external survey hand-off. Used to arm the validation challenge.
func (s *Service) OnQualified(fn func(uid string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qualifiedHooks = append(s.qualifiedHooks, fn)
}

// IssueLinks bulk-creates single-use links. Quota is not reserved at
// issuance; capacity is only taken when a respondent qualifies.
func (s *Service) IssueLinks(ctx context.Context, projectID, vendorID string, count int, variant domain.Variant, geoAllow []string) ([]domain.Link, error) {
	if !variant.Valid() {
		return nil, domain.ErrInvalidVariant
	}
	if count < 1 || count > maxIssueBatch {
		return nil, fmt.Errorf("count must be between 1 and %d", maxIssueBatch)
	}

	out := make([]domain.Link, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, domain.Link{
			UID:          NewToken(),
			ProjectID:    projectID,
			VendorID:     vendorID,
			Variant:      variant,
			Status:       domain.StatusUnused,
			GeoAllowList: geoAllow,
		})
	}

	if err := s.repo.CreateBatch(ctx, out); err != nil {
		return nil, err
	}

	created := make([]domain.Link, 0, count)
	for _, l := range out {
		got, err := s.repo.GetByUID(ctx, l.UID)
		if err != nil {
			return nil, err
		}
		created = append(created, *got)
	}
	return created, nil
}

// NewToken returns a fresh public link token.
func NewToken() string {
	return "pl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *Service) Get(ctx context.Context, uid string) (*domain.Link, error) {
	return s.repo.GetByUID(ctx, uid)
}

func (s *Service) ListByProject(ctx context.Context, projectID string) ([]domain.Link, error) {
	return s.repo.ListByProject(ctx, projectID)
}

func (s *Service) CountByStatus(ctx context.Context, projectID string) (map[domain.Status]int, error) {
	return s.repo.CountByStatus(ctx, projectID)
}

// RecordClick persists first-click time and the client metadata blob.
func (s *Service) RecordClick(ctx context.Context, uid, country string, meta json.RawMessage) (*domain.Link, error) {
	return s.repo.RecordClick(ctx, uid, country, meta)
}

func (s *Service) SetCurrentQuestion(ctx context.Context, uid, questionID string) error {
	return s.repo.SetCurrentQuestion(ctx, uid, questionID)
}

// Touch refreshes the respondent-activity timestamp; the reaper reads it
// when judging whether a session is still alive.
func (s *Service) Touch(ctx context.Context, uid string) error {
	return s.repo.TouchLastSeen(ctx, uid)
}

// Transition moves a link from one status to another. The move must be
// legal per the canonical table and the stored status must still equal
// from, otherwise ErrInvalidTransition.
//
// A LIVE link leaving QUALIFIED for anything but COMPLETED still holds a
// quota reservation; that capacity is released here so a disqualified or
// abandoned respondent does not strand a slot.
func (s *Service) Transition(ctx context.Context, uid string, from, to domain.Status) (*domain.Link, error) {
	if !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	link, err := s.repo.UpdateStatusCAS(ctx, uid, from, to)
	if err != nil {
		return nil, err
	}

	if from == domain.StatusQualified && to != domain.StatusCompleted && link.Variant == domain.VariantLive {
		if err := s.ledger.Release(ctx, uid); err != nil {
			// Surfaced, not swallowed: a stranded slot is a correctness bug.
			return nil, fmt.Errorf("release reservation for %s: %w", uid, err)
		}
	}

	switch {
	case to.Terminal():
		s.fire(s.snapshotHooks(&s.terminalHooks), uid)
	case to == domain.StatusQualified:
		s.fire(s.snapshotHooks(&s.qualifiedHooks), uid)
	}

	return link, nil
}

// Disqualify transitions a link from its current status to DISQUALIFIED.
func (s *Service) Disqualify(ctx context.Context, uid string) (*domain.Link, error) {
	link, err := s.repo.GetByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransition(link.Status, domain.StatusDisqualified) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, link.Status, domain.StatusDisqualified)
	}
	return s.Transition(ctx, uid, link.Status, domain.StatusDisqualified)
}

// ReportCompletion handles the external completion signal. It is
// idempotent: a link already COMPLETED reports success with no side
// effects, so duplicate callbacks never double-commit quota.
func (s *Service) ReportCompletion(ctx context.Context, uid string) (*domain.Link, error) {
	link, err := s.repo.GetByUID(ctx, uid)
	if err != nil {
		return nil, err
	}

	if link.Status == domain.StatusCompleted {
		return link, nil
	}
	if link.Status != domain.StatusQualified {
		return nil, fmt.Errorf("%w: completion reported in %s", domain.ErrInvalidTransition, link.Status)
	}

	updated, err := s.Transition(ctx, uid, domain.StatusQualified, domain.StatusCompleted)
	if err != nil {
		// Lost the race; if a concurrent callback completed first, report
		// success like any other duplicate.
		current, getErr := s.repo.GetByUID(ctx, uid)
		if getErr == nil && current.Status == domain.StatusCompleted {
			return current, nil
		}
		return nil, err
	}

	if updated.Variant == domain.VariantLive {
		if err := s.ledger.Commit(ctx, uid); err != nil {
			return nil, fmt.Errorf("commit reservation for %s: %w", uid, err)
		}
	}

	return updated, nil
}

func (s *Service) snapshotHooks(hooks *[]func(uid string)) []func(uid string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]func(uid string), len(*hooks))
	copy(out, *hooks)
	return out
}

func (s *Service) fire(hooks []func(uid string), uid string) {
	for _, fn := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("link hook panic for %s: %v", uid, r)
				}
			}()
			fn(uid)
		}()
	}
}
