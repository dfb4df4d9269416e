package qualification

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/panelbridge/panel-backend/internal/flags"
	"github.com/panelbridge/panel-backend/internal/links/domain"
	"github.com/panelbridge/panel-backend/internal/projects"
	"github.com/panelbridge/panel-backend/internal/quota"
)

var ErrOutOfOrder = errors.New("question answered out of order")

// LinkControl is the slice of the link registry the flow engine drives.
type LinkControl interface {
	Get(ctx context.Context, uid string) (*domain.Link, error)
	Transition(ctx context.Context, uid string, from, to domain.Status) (*domain.Link, error)
	SetCurrentQuestion(ctx context.Context, uid, questionID string) error
}

type AnswerStore interface {
	CountOriginals(ctx context.Context, linkUID string) (int, error)
	Record(ctx context.Context, linkUID, questionID, value string, rechallenge bool) (*Answer, error)
}

type ProjectStore interface {
	Get(ctx context.Context, id string) (*projects.Project, error)
	GetVendorQuota(ctx context.Context, projectID, vendorID string) (*projects.VendorQuota, error)
}

type Flagger interface {
	Append(ctx context.Context, linkUID, reason string, metadata map[string]any) (*flags.Flag, error)
}

type QuotaLedger interface {
	Reserve(ctx context.Context, req quota.ReserveRequest) (*quota.Reservation, error)
	Release(ctx context.Context, linkUID string) error
}

type Service struct {
	links    LinkControl
	answers  AnswerStore
	projects ProjectStore
	flags    Flagger
	ledger   QuotaLedger
}

func NewService(links LinkControl, answers AnswerStore, projectRepo ProjectStore, flagRepo Flagger, ledger QuotaLedger) *Service {
	return &Service{
		links:    links,
		answers:  answers,
		projects: projectRepo,
		flags:    flagRepo,
		ledger:   ledger,
	}
}

// FlowForProject loads and parses the project's serialized question flow.
func (s *Service) FlowForProject(ctx context.Context, projectID string) (*Flow, error) {
	p, err := s.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return ParseFlow(p.Flow)
}

// CurrentQuestion returns the question the link should answer next.
func (s *Service) CurrentQuestion(ctx context.Context, link *domain.Link) (*Question, error) {
	flow, err := s.FlowForProject(ctx, link.ProjectID)
	if err != nil {
		return nil, err
	}
	if link.CurrentQuestion == "" {
		return flow.First(), nil
	}
	q := flow.ByID(link.CurrentQuestion)
	if q == nil {
		return nil, fmt.Errorf("%w: stored current question %q", ErrFlowConfiguration, link.CurrentQuestion)
	}
	return q, nil
}

// SubmitResult is the outcome of one answer submission.
type SubmitResult struct {
	Status       domain.Status `json:"status"`
	NextQuestion *Question     `json:"next_question,omitempty"`
	Reason       *Reason       `json:"reason,omitempty"`
	// SurveyURL is set once the respondent qualifies and is handed off.
	SurveyURL string `json:"survey_url,omitempty"`
}

// SubmitAnswer records one answer and advances the flow. Qualification
// reserves a quota slot for LIVE links; exhausted capacity routes the
// respondent to QUOTA_FULL instead.
func (s *Service) SubmitAnswer(ctx context.Context, uid, questionID, value string) (*SubmitResult, error) {
	link, err := s.links.Get(ctx, uid)
	if err != nil {
		return nil, err
	}
	if link.Status != domain.StatusQualifying {
		return nil, fmt.Errorf("%w: answer submitted in %s", domain.ErrInvalidTransition, link.Status)
	}

	flow, err := s.FlowForProject(ctx, link.ProjectID)
	if err != nil {
		if errors.Is(err, ErrFlowConfiguration) {
			return s.disqualifyMisconfigured(ctx, link, err)
		}
		return nil, err
	}

	expected := link.CurrentQuestion
	if expected == "" {
		expected = flow.First().ID
	}
	if questionID != expected {
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrOutOfOrder, expected, questionID)
	}

	traversed, err := s.answers.CountOriginals(ctx, uid)
	if err != nil {
		return nil, err
	}

	step, err := flow.Step(questionID, value, traversed)
	if err != nil {
		if errors.Is(err, ErrFlowConfiguration) {
			return s.disqualifyMisconfigured(ctx, link, err)
		}
		return nil, err
	}

	if _, err := s.answers.Record(ctx, uid, questionID, value, false); err != nil {
		return nil, err
	}

	switch step.Outcome {
	case OutcomeContinue:
		if err := s.links.SetCurrentQuestion(ctx, uid, step.NextQuestionID); err != nil {
			return nil, err
		}
		return &SubmitResult{
			Status:       domain.StatusQualifying,
			NextQuestion: flow.ByID(step.NextQuestionID),
		}, nil

	case OutcomeDisqualified:
		if _, err := s.links.Transition(ctx, uid, domain.StatusQualifying, domain.StatusDisqualified); err != nil {
			return nil, err
		}
		return &SubmitResult{Status: domain.StatusDisqualified, Reason: step.Reason}, nil

	default: // OutcomeQualified
		return s.qualify(ctx, link)
	}
}

// qualify reserves capacity (LIVE only) and hands the respondent off to the
// external survey.
func (s *Service) qualify(ctx context.Context, link *domain.Link) (*SubmitResult, error) {
	project, err := s.projects.Get(ctx, link.ProjectID)
	if err != nil {
		return nil, err
	}

	if link.Variant == domain.VariantLive {
		req := quota.ReserveRequest{
			LinkUID:       link.UID,
			ProjectID:     link.ProjectID,
			ProjectTarget: project.TargetCompletions,
		}
		if link.VendorID != "" {
			vq, err := s.projects.GetVendorQuota(ctx, link.ProjectID, link.VendorID)
			switch {
			case err == nil:
				req.VendorID = link.VendorID
				req.VendorCeiling = vq.Ceiling
			case errors.Is(err, projects.ErrVendorNotFound):
				// No per-vendor ceiling configured; only the project target caps.
			default:
				return nil, err
			}
		}

		if _, err := s.ledger.Reserve(ctx, req); err != nil {
			if errors.Is(err, quota.ErrQuotaExceeded) {
				if _, terr := s.links.Transition(ctx, link.UID, domain.StatusQualifying, domain.StatusQuotaFull); terr != nil {
					return nil, terr
				}
				return &SubmitResult{Status: domain.StatusQuotaFull}, nil
			}
			return nil, err
		}
	}

	if _, err := s.links.Transition(ctx, link.UID, domain.StatusQualifying, domain.StatusQualified); err != nil {
		if link.Variant == domain.VariantLive {
			s.releaseUnlessQualified(ctx, link.UID)
		}
		return nil, err
	}

	return &SubmitResult{
		Status:    domain.StatusQualified,
		SurveyURL: project.SurveyURL,
	}, nil
}

// releaseUnlessQualified compensates a reservation after a failed
// QUALIFYING→QUALIFIED transition. Losing the CAS to a concurrent
// submission means the link did reach QUALIFIED and the per-link
// reservation now belongs to that winner; releasing it here would hand the
// winner's slot back and let the project finish over target. Capacity is
// only returned when the link verifiably failed to qualify; when the
// status cannot be read the reservation is left for the reaper.
func (s *Service) releaseUnlessQualified(ctx context.Context, uid string) {
	cur, err := s.links.Get(ctx, uid)
	if err != nil {
		log.Printf("recheck %s after failed qualification: %v", uid, err)
		return
	}
	if cur.Status == domain.StatusQualified || cur.Status == domain.StatusCompleted {
		return
	}
	if relErr := s.ledger.Release(ctx, uid); relErr != nil {
		log.Printf("release after failed qualification of %s: %v", uid, relErr)
	}
}

// disqualifyMisconfigured handles flow configuration defects: the
// respondent is disqualified defensively with a distinct reason and the
// defect is flagged for the administrators.
func (s *Service) disqualifyMisconfigured(ctx context.Context, link *domain.Link, cause error) (*SubmitResult, error) {
	log.Printf("flow configuration error on project %s link %s: %v", link.ProjectID, link.UID, cause)

	if _, err := s.flags.Append(ctx, link.UID, flags.ReasonFlowMisconfigured, map[string]any{
		"project_id": link.ProjectID,
		"error":      cause.Error(),
	}); err != nil {
		return nil, err
	}

	if _, err := s.links.Transition(ctx, link.UID, domain.StatusQualifying, domain.StatusDisqualified); err != nil {
		return nil, err
	}

	return &SubmitResult{
		Status: domain.StatusDisqualified,
		Reason: &Reason{Code: ReasonFlowMisconfigured},
	}, nil
}
