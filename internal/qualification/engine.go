package qualification

import (
	"fmt"
)

type Outcome string

const (
	OutcomeContinue     Outcome = "CONTINUE"
	OutcomeQualified    Outcome = "QUALIFIED"
	OutcomeDisqualified Outcome = "DISQUALIFIED"
)

// Reason identifies what ended a flow evaluation.
type Reason struct {
	Code        string `json:"code"`
	QuestionID  string `json:"question_id,omitempty"`
	OptionValue string `json:"option_value,omitempty"`
}

const (
	ReasonDisqualifyingAnswer = "disqualifying_answer"
	ReasonEndDisqualify       = "end_disqualify"
	ReasonFlowMisconfigured   = "flow_misconfigured"
)

type StepResult struct {
	Outcome Outcome
	// NextQuestionID is set only for OutcomeContinue.
	NextQuestionID string
	// Reason is set only for OutcomeDisqualified.
	Reason *Reason
}

// Step evaluates one submitted answer. traversed is the number of answers
// already recorded for this link during the original pass; exceeding the
// flow's traversal cap is a configuration defect, surfaced as
// ErrFlowConfiguration so the caller can disqualify defensively with a
// distinct reason rather than blame the respondent.
func (f *Flow) Step(questionID, value string, traversed int) (StepResult, error) {
	if traversed >= f.TraversalCap() {
		return StepResult{}, fmt.Errorf("%w: traversal cap %d exceeded", ErrFlowConfiguration, f.TraversalCap())
	}

	q := f.ByID(questionID)
	if q == nil {
		return StepResult{}, fmt.Errorf("%w: %q", ErrUnknownQuestion, questionID)
	}

	if value == "" {
		if q.Required {
			return StepResult{}, fmt.Errorf("%w: question %q", ErrAnswerRequired, q.ID)
		}
		// Optional question skipped: fall through to the next in sequence.
		return f.advance(q), nil
	}

	var opt *Option
	for i := range q.Options {
		if q.Options[i].Value == value {
			opt = &q.Options[i]
			break
		}
	}
	if opt == nil {
		return StepResult{}, fmt.Errorf("%w: question %q value %q", ErrUnknownOption, q.ID, value)
	}

	if opt.Disqualifying || opt.Action == ActionEndDisqualify {
		code := ReasonEndDisqualify
		if opt.Disqualifying {
			code = ReasonDisqualifyingAnswer
		}
		return StepResult{
			Outcome: OutcomeDisqualified,
			Reason:  &Reason{Code: code, QuestionID: q.ID, OptionValue: opt.Value},
		}, nil
	}

	switch opt.Action {
	case ActionEndSuccess:
		return StepResult{Outcome: OutcomeQualified}, nil
	case ActionSkipTo:
		target := f.ByID(opt.SkipTo)
		if target == nil {
			return StepResult{}, fmt.Errorf("%w: skip target %q missing", ErrFlowConfiguration, opt.SkipTo)
		}
		return StepResult{Outcome: OutcomeContinue, NextQuestionID: target.ID}, nil
	default: // ActionNext
		return f.advance(q), nil
	}
}

// advance moves to the next question in sequence order; walking off the end
// of the flow is implicit qualification.
func (f *Flow) advance(q *Question) StepResult {
	next := f.nextAfter(q.ID)
	if next == nil {
		return StepResult{Outcome: OutcomeQualified}
	}
	return StepResult{Outcome: OutcomeContinue, NextQuestionID: next.ID}
}
