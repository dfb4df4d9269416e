// Package validation runs the mid-session consistency challenge: once a
// respondent is handed off to the external survey, a previously-answered
// question is re-asked at a randomized time. A mismatched or unanswered
// challenge disqualifies the link — it catches answer automation and shared
// links.
package validation

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/panelbridge/panel-backend/internal/flags"
	"github.com/panelbridge/panel-backend/internal/links/domain"
	"github.com/panelbridge/panel-backend/internal/qualification"
)

var ErrNoChallenge = errors.New("no outstanding challenge")

type AnswerStore interface {
	AnsweredQuestionIDs(ctx context.Context, linkUID string) ([]string, error)
	Original(ctx context.Context, linkUID, questionID string) (*qualification.Answer, error)
	Record(ctx context.Context, linkUID, questionID, value string, rechallenge bool) (*qualification.Answer, error)
}

type LinkControl interface {
	Get(ctx context.Context, uid string) (*domain.Link, error)
	Transition(ctx context.Context, uid string, from, to domain.Status) (*domain.Link, error)
}

type Flagger interface {
	Append(ctx context.Context, linkUID, reason string, metadata map[string]any) (*flags.Flag, error)
}

type FlowSource interface {
	FlowForProject(ctx context.Context, projectID string) (*qualification.Flow, error)
}

type Config struct {
	DelayMin     time.Duration
	DelayMax     time.Duration
	AnswerWindow time.Duration
}

// Challenge is the outstanding re-ask for one link. Only one challenge is
// outstanding per link at a time.
type Challenge struct {
	QuestionID string                 `json:"question_id"`
	Prompt     string                 `json:"prompt"`
	Options    []qualification.Option `json:"options"`
	IssuedAt   time.Time              `json:"issued_at"`
	Deadline   time.Time              `json:"deadline"`
}

type session struct {
	delayTimer    *time.Timer
	deadlineTimer *time.Timer
	challenge     *Challenge
}

type Service struct {
	cfg     Config
	links   LinkControl
	answers AnswerStore
	flows   FlowSource
	flags   Flagger

	mu       sync.Mutex
	sessions map[string]*session
	rng      *rand.Rand
	now      func() time.Time
}

func NewService(cfg Config, links LinkControl, answers AnswerStore, flows FlowSource, flagRepo Flagger) *Service {
	return &Service{
		cfg:      cfg,
		links:    links,
		answers:  answers,
		flows:    flows,
		flags:    flagRepo,
		sessions: make(map[string]*session),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// Arm starts (or restarts) the single-shot challenge timer for a link.
// Called on the QUALIFIED hand-off and again after each matching answer.
func (s *Service) Arm(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armLocked(uid)
}

func (s *Service) armLocked(uid string) {
	if sess, ok := s.sessions[uid]; ok {
		sess.stop()
	}
	delay := s.randomDelayLocked()
	sess := &session{}
	sess.delayTimer = time.AfterFunc(delay, func() { s.fire(uid) })
	s.sessions[uid] = sess
}

// Cancel drops any timers and outstanding challenge for a link. Wired to
// the registry's terminal hook so a completed or disqualified link can
// never be challenged afterwards.
func (s *Service) Cancel(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[uid]; ok {
		sess.stop()
		delete(s.sessions, uid)
	}
}

// Pending returns the outstanding challenge for a link, if any.
func (s *Service) Pending(uid string) *Challenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[uid]
	if !ok || sess.challenge == nil {
		return nil
	}
	cp := *sess.challenge
	return &cp
}

type AnswerResult struct {
	Match  bool          `json:"match"`
	Status domain.Status `json:"status"`
}

// Answer resolves an outstanding challenge. The submitted value is compared
// only against the original answer record for the same question id. A match
// re-arms a fresh timer; a mismatch disqualifies.
func (s *Service) Answer(ctx context.Context, uid, value string) (*AnswerResult, error) {
	s.mu.Lock()
	sess, ok := s.sessions[uid]
	if !ok || sess.challenge == nil {
		s.mu.Unlock()
		return nil, ErrNoChallenge
	}
	ch := *sess.challenge
	sess.challenge = nil
	if sess.deadlineTimer != nil {
		sess.deadlineTimer.Stop()
		sess.deadlineTimer = nil
	}
	s.mu.Unlock()

	original, err := s.answers.Original(ctx, uid, ch.QuestionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.answers.Record(ctx, uid, ch.QuestionID, value, true); err != nil {
		return nil, err
	}

	if value == original.Value {
		s.Arm(uid)
		return &AnswerResult{Match: true, Status: domain.StatusQualified}, nil
	}

	if _, err := s.flags.Append(ctx, uid, flags.ReasonValidationMismatch, map[string]any{
		"question_id": ch.QuestionID,
		"expected":    original.Value,
		"got":         value,
	}); err != nil {
		return nil, err
	}
	if _, err := s.links.Transition(ctx, uid, domain.StatusQualified, domain.StatusDisqualified); err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			return nil, err
		}
	}
	return &AnswerResult{Match: false, Status: domain.StatusDisqualified}, nil
}

// fire opens a challenge when the delay timer goes off.
func (s *Service) fire(uid string) {
	ctx := context.Background()

	link, err := s.links.Get(ctx, uid)
	if err != nil || link.Status != domain.StatusQualified {
		s.Cancel(uid)
		return
	}

	answered, err := s.answers.AnsweredQuestionIDs(ctx, uid)
	if err != nil {
		// Transient read trouble must not leave the link unchallenged for
		// the rest of the session; try again after a fresh delay.
		log.Printf("challenge for %s: list answers: %v", uid, err)
		s.Arm(uid)
		return
	}
	if len(answered) == 0 {
		// Nothing to re-ask; leave the session idle.
		s.Cancel(uid)
		return
	}

	flow, err := s.flows.FlowForProject(ctx, link.ProjectID)
	if err != nil {
		log.Printf("challenge for %s: load flow: %v", uid, err)
		s.Arm(uid)
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[uid]
	if !ok {
		s.mu.Unlock()
		return
	}
	qid := answered[s.rng.Intn(len(answered))]
	q := flow.ByID(qid)
	if q == nil {
		s.mu.Unlock()
		log.Printf("challenge for %s: answered question %q no longer in flow", uid, qid)
		s.Arm(uid)
		return
	}
	now := s.now()
	sess.challenge = &Challenge{
		QuestionID: q.ID,
		Prompt:     q.Prompt,
		Options:    q.Options,
		IssuedAt:   now,
		Deadline:   now.Add(s.cfg.AnswerWindow),
	}
	sess.deadlineTimer = time.AfterFunc(s.cfg.AnswerWindow, func() { s.expire(uid, q.ID) })
	s.mu.Unlock()
}

// expire handles an unanswered challenge window.
func (s *Service) expire(uid, questionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[uid]
	if !ok || sess.challenge == nil || sess.challenge.QuestionID != questionID {
		s.mu.Unlock()
		return
	}
	sess.challenge = nil
	s.mu.Unlock()

	ctx := context.Background()
	if _, err := s.flags.Append(ctx, uid, flags.ReasonValidationTimeout, map[string]any{
		"question_id": questionID,
	}); err != nil {
		log.Printf("challenge timeout for %s: flag: %v", uid, err)
	}
	if _, err := s.links.Transition(ctx, uid, domain.StatusQualified, domain.StatusDisqualified); err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			log.Printf("challenge timeout for %s: transition: %v", uid, err)
		}
	}
}

func (s *Service) randomDelayLocked() time.Duration {
	span := s.cfg.DelayMax - s.cfg.DelayMin
	if span <= 0 {
		return s.cfg.DelayMin
	}
	return s.cfg.DelayMin + time.Duration(s.rng.Int63n(int64(span)+1))
}

func (sess *session) stop() {
	if sess.delayTimer != nil {
		sess.delayTimer.Stop()
	}
	if sess.deadlineTimer != nil {
		sess.deadlineTimer.Stop()
	}
	sess.challenge = nil
}
