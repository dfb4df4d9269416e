package validation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panelbridge/panel-backend/internal/flags"
	"github.com/panelbridge/panel-backend/internal/links/domain"
	"github.com/panelbridge/panel-backend/internal/qualification"
)

type fakeLinks struct {
	mu   sync.Mutex
	link domain.Link
}

func (f *fakeLinks) Get(context.Context, string) (*domain.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.link
	return &cp, nil
}

func (f *fakeLinks) Transition(_ context.Context, _ string, from, to domain.Status) (*domain.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.link.Status != from || !domain.CanTransition(from, to) {
		return nil, domain.ErrInvalidTransition
	}
	f.link.Status = to
	cp := f.link
	return &cp, nil
}

func (f *fakeLinks) status() domain.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.link.Status
}

type fakeAnswers struct {
	mu           sync.Mutex
	originals    map[string]string // question id -> value
	recorded     []qualification.Answer
	listFailures int
}

func (f *fakeAnswers) AnsweredQuestionIDs(context.Context, string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listFailures > 0 {
		f.listFailures--
		return nil, errors.New("answers unavailable")
	}
	out := make([]string, 0, len(f.originals))
	for qid := range f.originals {
		out = append(out, qid)
	}
	return out, nil
}

func (f *fakeAnswers) Original(_ context.Context, uid, qid string) (*qualification.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.originals[qid]
	if !ok {
		return nil, qualification.ErrAnswerNotFound
	}
	return &qualification.Answer{LinkUID: uid, QuestionID: qid, Value: v}, nil
}

func (f *fakeAnswers) Record(_ context.Context, uid, qid, value string, rechallenge bool) (*qualification.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := qualification.Answer{LinkUID: uid, QuestionID: qid, Value: value, Rechallenge: rechallenge}
	f.recorded = append(f.recorded, a)
	return &a, nil
}

type fakeFlags struct {
	mu       sync.Mutex
	appended []string
}

func (f *fakeFlags) Append(_ context.Context, _ string, reason string, _ map[string]any) (*flags.Flag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, reason)
	return &flags.Flag{Reason: reason}, nil
}

func (f *fakeFlags) reasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.appended...)
}

type fakeFlows struct{ flow *qualification.Flow }

func (f *fakeFlows) FlowForProject(context.Context, string) (*qualification.Flow, error) {
	return f.flow, nil
}

func testFlow(t *testing.T) *qualification.Flow {
	t.Helper()
	flow, err := qualification.ParseFlow(json.RawMessage(`{"questions": [
		{"id": "q3", "seq": 1, "prompt": "How often?", "required": true, "options": [
			{"value": "Daily", "action": "NEXT"},
			{"value": "Weekly", "action": "NEXT"}
		]}
	]}`))
	require.NoError(t, err)
	return flow
}

func setup(t *testing.T) (*Service, *fakeLinks, *fakeAnswers, *fakeFlags) {
	t.Helper()
	fl := &fakeLinks{link: domain.Link{UID: "pl_1", ProjectID: "prj-1", Variant: domain.VariantLive, Status: domain.StatusQualified}}
	fa := &fakeAnswers{originals: map[string]string{"q3": "Weekly"}}
	ff := &fakeFlags{}
	svc := NewService(Config{
		DelayMin:     5 * time.Millisecond,
		DelayMax:     5 * time.Millisecond,
		AnswerWindow: 40 * time.Millisecond,
	}, fl, fa, &fakeFlows{flow: testFlow(t)}, ff)
	return svc, fl, fa, ff
}

func waitForChallenge(t *testing.T, svc *Service, uid string) *Challenge {
	t.Helper()
	var ch *Challenge
	require.Eventually(t, func() bool {
		ch = svc.Pending(uid)
		return ch != nil
	}, time.Second, time.Millisecond)
	return ch
}

func TestChallenge_FiresWithAnsweredQuestion(t *testing.T) {
	svc, _, _, _ := setup(t)
	svc.Arm("pl_1")

	ch := waitForChallenge(t, svc, "pl_1")
	assert.Equal(t, "q3", ch.QuestionID)
	assert.Equal(t, "How often?", ch.Prompt)
	assert.Len(t, ch.Options, 2)
	assert.True(t, ch.Deadline.After(ch.IssuedAt))
}

func TestChallenge_MatchingAnswerRearms(t *testing.T) {
	svc, fl, fa, ff := setup(t)
	svc.Arm("pl_1")
	waitForChallenge(t, svc, "pl_1")

	res, err := svc.Answer(context.Background(), "pl_1", "Weekly")
	require.NoError(t, err)
	assert.True(t, res.Match)
	assert.Equal(t, domain.StatusQualified, fl.status())
	assert.Empty(t, ff.reasons())

	// The challenge answer was recorded as a rechallenge.
	require.Len(t, fa.recorded, 1)
	assert.True(t, fa.recorded[0].Rechallenge)
	assert.Equal(t, "q3", fa.recorded[0].QuestionID)

	// A fresh timer was armed and fires again.
	waitForChallenge(t, svc, "pl_1")
}

func TestChallenge_MismatchDisqualifies(t *testing.T) {
	svc, fl, _, ff := setup(t)
	svc.Arm("pl_1")
	waitForChallenge(t, svc, "pl_1")

	res, err := svc.Answer(context.Background(), "pl_1", "Daily")
	require.NoError(t, err)
	assert.False(t, res.Match)
	assert.Equal(t, domain.StatusDisqualified, fl.status())
	assert.Contains(t, ff.reasons(), flags.ReasonValidationMismatch)
}

func TestChallenge_TimeoutDisqualifies(t *testing.T) {
	svc, fl, _, ff := setup(t)
	svc.Arm("pl_1")
	waitForChallenge(t, svc, "pl_1")

	require.Eventually(t, func() bool {
		return fl.status() == domain.StatusDisqualified
	}, time.Second, time.Millisecond)
	assert.Contains(t, ff.reasons(), flags.ReasonValidationTimeout)
	assert.Nil(t, svc.Pending("pl_1"))
}

func TestChallenge_RearmsAfterTransientReadError(t *testing.T) {
	svc, _, fa, _ := setup(t)
	fa.mu.Lock()
	fa.listFailures = 2
	fa.mu.Unlock()

	svc.Arm("pl_1")

	// The first two timer fires hit the failing store; the scheduler must
	// keep re-arming until a challenge opens.
	waitForChallenge(t, svc, "pl_1")
}

func TestChallenge_CancelStopsPendingTimer(t *testing.T) {
	svc, fl, _, ff := setup(t)
	svc.Arm("pl_1")
	svc.Cancel("pl_1")

	time.Sleep(30 * time.Millisecond)
	assert.Nil(t, svc.Pending("pl_1"))
	assert.Equal(t, domain.StatusQualified, fl.status())
	assert.Empty(t, ff.reasons())
}

func TestChallenge_NotFiredForTerminalLink(t *testing.T) {
	svc, fl, _, _ := setup(t)
	fl.mu.Lock()
	fl.link.Status = domain.StatusCompleted
	fl.mu.Unlock()

	svc.Arm("pl_1")
	time.Sleep(30 * time.Millisecond)
	assert.Nil(t, svc.Pending("pl_1"))
}

func TestAnswer_NoChallengeOutstanding(t *testing.T) {
	svc, _, _, _ := setup(t)

	_, err := svc.Answer(context.Background(), "pl_1", "Weekly")
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestAnswer_SecondSubmissionRejected(t *testing.T) {
	fl := &fakeLinks{link: domain.Link{UID: "pl_1", ProjectID: "prj-1", Variant: domain.VariantLive, Status: domain.StatusQualified}}
	fa := &fakeAnswers{originals: map[string]string{"q3": "Weekly"}}
	// Long re-arm delay so the consumed challenge cannot be replaced before
	// the second submission below.
	svc := NewService(Config{
		DelayMin:     5 * time.Millisecond,
		DelayMax:     5 * time.Millisecond,
		AnswerWindow: 40 * time.Millisecond,
	}, fl, fa, &fakeFlows{flow: testFlow(t)}, &fakeFlags{})
	svc.Arm("pl_1")
	waitForChallenge(t, svc, "pl_1")
	svc.mu.Lock()
	svc.cfg.DelayMin = time.Minute
	svc.cfg.DelayMax = time.Minute
	svc.mu.Unlock()

	_, err := svc.Answer(context.Background(), "pl_1", "Weekly")
	require.NoError(t, err)

	// The first submission consumed the challenge.
	_, err = svc.Answer(context.Background(), "pl_1", "Weekly")
	assert.ErrorIs(t, err, ErrNoChallenge)
}
