// Package reaper reclaims quota capacity held by respondents who qualified
// but never came back: the external survey hand-off leaves a pending
// reservation, and someone who closes the tab would otherwise hold that
// slot forever.
package reaper

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/panelbridge/panel-backend/internal/flags"
	"github.com/panelbridge/panel-backend/internal/links/domain"
)

type LinkControl interface {
	Get(ctx context.Context, uid string) (*domain.Link, error)
	Transition(ctx context.Context, uid string, from, to domain.Status) (*domain.Link, error)
}

type Flagger interface {
	Append(ctx context.Context, linkUID, reason string, metadata map[string]any) (*flags.Flag, error)
}

type Ledger interface {
	StalePending(ctx context.Context, olderThan time.Duration) ([]string, error)
	Commit(ctx context.Context, linkUID string) error
	Release(ctx context.Context, linkUID string) error
}

type Reaper struct {
	spec       string
	pendingTTL time.Duration

	ledger Ledger
	links  LinkControl
	flags  Flagger

	cron *cron.Cron
}

func New(spec string, pendingTTL time.Duration, ledger Ledger, links LinkControl, flagRepo Flagger) *Reaper {
	return &Reaper{
		spec:       spec,
		pendingTTL: pendingTTL,
		ledger:     ledger,
		links:      links,
		flags:      flagRepo,
	}
}

func (r *Reaper) Start() error {
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(r.spec, func() { r.RunOnce(context.Background()) }); err != nil {
		return err
	}
	c.Start()
	r.cron = c
	log.Printf("reaper started (spec %q, pending ttl %s)", r.spec, r.pendingTTL)
	return nil
}

func (r *Reaper) Stop() {
	if r.cron != nil {
		r.cron.Stop()
	}
}

// RunOnce sweeps reservations older than the TTL. A link still sitting in
// QUALIFIED is treated as abandoned and disqualified; the disqualifying
// transition releases its reservation. Markers left behind for links that
// already reached a terminal state are force-released.
func (r *Reaper) RunOnce(ctx context.Context) {
	stale, err := r.ledger.StalePending(ctx, r.pendingTTL)
	if err != nil {
		log.Printf("reaper: scan pending: %v", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	var reclaimed, released int
	for _, uid := range stale {
		link, err := r.links.Get(ctx, uid)
		if errors.Is(err, domain.ErrLinkNotFound) {
			// Row is gone; drop the orphaned marker.
			if err := r.ledger.Release(ctx, uid); err != nil {
				log.Printf("reaper: release orphan %s: %v", uid, err)
			}
			released++
			continue
		}
		if err != nil {
			log.Printf("reaper: load link %s: %v", uid, err)
			continue
		}

		if link.Status != domain.StatusQualified {
			if link.Status == domain.StatusCompleted {
				// The completion's commit failed earlier; the slot is
				// counted, only the marker is stale. Releasing here would
				// stop a finished completion from counting against the
				// target.
				if err := r.ledger.Commit(ctx, uid); err != nil {
					log.Printf("reaper: commit completed %s: %v", uid, err)
				}
			} else if err := r.ledger.Release(ctx, uid); err != nil {
				// Terminal already; the marker should not have survived.
				log.Printf("reaper: release stale marker %s: %v", uid, err)
			}
			released++
			continue
		}

		if _, err := r.flags.Append(ctx, uid, flags.ReasonAbandoned, map[string]any{
			"pending_ttl": r.pendingTTL.String(),
		}); err != nil {
			log.Printf("reaper: flag %s: %v", uid, err)
		}
		if _, err := r.links.Transition(ctx, uid, domain.StatusQualified, domain.StatusDisqualified); err != nil {
			// Lost the race to a late completion; leave it alone.
			if !errors.Is(err, domain.ErrInvalidTransition) {
				log.Printf("reaper: disqualify %s: %v", uid, err)
			}
			continue
		}
		reclaimed++
	}

	log.Printf("reaper: swept %d stale reservations (%d abandoned, %d orphaned)", len(stale), reclaimed, released)
}
