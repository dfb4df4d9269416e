package reaper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/panelbridge/panel-backend/internal/flags"
	"github.com/panelbridge/panel-backend/internal/links/domain"
)

type fakeLedger struct {
	stale    []string
	commits  []string
	releases []string
}

func (f *fakeLedger) StalePending(context.Context, time.Duration) ([]string, error) {
	return f.stale, nil
}

func (f *fakeLedger) Commit(_ context.Context, uid string) error {
	f.commits = append(f.commits, uid)
	return nil
}

func (f *fakeLedger) Release(_ context.Context, uid string) error {
	f.releases = append(f.releases, uid)
	return nil
}

type fakeLinks struct {
	links       map[string]*domain.Link
	transitions []string
}

func (f *fakeLinks) Get(_ context.Context, uid string) (*domain.Link, error) {
	l, ok := f.links[uid]
	if !ok {
		return nil, domain.ErrLinkNotFound
	}
	cp := *l
	return &cp, nil
}

func (f *fakeLinks) Transition(_ context.Context, uid string, from, to domain.Status) (*domain.Link, error) {
	l := f.links[uid]
	if l.Status != from || !domain.CanTransition(from, to) {
		return nil, domain.ErrInvalidTransition
	}
	l.Status = to
	f.transitions = append(f.transitions, fmt.Sprintf("%s:%s->%s", uid, from, to))
	cp := *l
	return &cp, nil
}

type fakeFlags struct {
	appended map[string][]string
}

func (f *fakeFlags) Append(_ context.Context, uid, reason string, _ map[string]any) (*flags.Flag, error) {
	if f.appended == nil {
		f.appended = make(map[string][]string)
	}
	f.appended[uid] = append(f.appended[uid], reason)
	return &flags.Flag{LinkUID: uid, Reason: reason}, nil
}

func newReaper(stale []string, links map[string]*domain.Link) (*Reaper, *fakeLedger, *fakeLinks, *fakeFlags) {
	ld := &fakeLedger{stale: stale}
	fl := &fakeLinks{links: links}
	ff := &fakeFlags{}
	return New("0 */5 * * * *", 2*time.Hour, ld, fl, ff), ld, fl, ff
}

func TestRunOnce_AbandonedQualifiedDisqualified(t *testing.T) {
	r, ld, fl, ff := newReaper([]string{"pl_1"}, map[string]*domain.Link{
		"pl_1": {UID: "pl_1", Variant: domain.VariantLive, Status: domain.StatusQualified},
	})

	r.RunOnce(context.Background())

	assert.Equal(t, []string{"pl_1:QUALIFIED->DISQUALIFIED"}, fl.transitions)
	assert.Contains(t, ff.appended["pl_1"], flags.ReasonAbandoned)
	// The disqualifying transition itself releases the reservation; the
	// reaper must not double-touch the ledger for this link.
	assert.Empty(t, ld.releases)
	assert.Empty(t, ld.commits)
}

// A COMPLETED link whose commit failed earlier still holds its pending
// marker. The sweep must commit it (clear the marker, keep the count), not
// release the slot the completion earned.
func TestRunOnce_CompletedLinkCommitsMarker(t *testing.T) {
	r, ld, fl, _ := newReaper([]string{"pl_1"}, map[string]*domain.Link{
		"pl_1": {UID: "pl_1", Variant: domain.VariantLive, Status: domain.StatusCompleted},
	})

	r.RunOnce(context.Background())

	assert.Equal(t, []string{"pl_1"}, ld.commits)
	assert.Empty(t, ld.releases, "completed slot must stay counted")
	assert.Empty(t, fl.transitions)
}

func TestRunOnce_OtherTerminalReleasesMarker(t *testing.T) {
	r, ld, _, _ := newReaper([]string{"pl_1"}, map[string]*domain.Link{
		"pl_1": {UID: "pl_1", Variant: domain.VariantLive, Status: domain.StatusDisqualified},
	})

	r.RunOnce(context.Background())

	assert.Equal(t, []string{"pl_1"}, ld.releases)
	assert.Empty(t, ld.commits)
}

func TestRunOnce_MissingLinkReleasesOrphan(t *testing.T) {
	r, ld, _, _ := newReaper([]string{"pl_gone"}, map[string]*domain.Link{})

	r.RunOnce(context.Background())

	assert.Equal(t, []string{"pl_gone"}, ld.releases)
}

func TestRunOnce_LostRaceLeavesLinkAlone(t *testing.T) {
	links := map[string]*domain.Link{
		"pl_1": {UID: "pl_1", Variant: domain.VariantLive, Status: domain.StatusQualified},
	}
	r, ld, _, _ := newReaper([]string{"pl_1"}, links)
	// Completion lands between the status read and the CAS.
	raced := &racingLinks{fakeLinks: fakeLinks{links: links}}
	r.links = raced

	r.RunOnce(context.Background())

	assert.Equal(t, domain.StatusCompleted, links["pl_1"].Status)
	assert.Empty(t, ld.releases)
}

type racingLinks struct {
	fakeLinks
}

func (r *racingLinks) Transition(ctx context.Context, uid string, from, to domain.Status) (*domain.Link, error) {
	r.links[uid].Status = domain.StatusCompleted
	return r.fakeLinks.Transition(ctx, uid, from, to)
}
