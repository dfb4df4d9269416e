package respondent

import (
	"github.com/panelbridge/panel-backend/internal/links/domain"
	"github.com/panelbridge/panel-backend/internal/qualification"
	"github.com/panelbridge/panel-backend/internal/validation"
)

// Respondents only ever see a small vocabulary of outcomes; internal error
// detail never leaves the service.
const (
	outcomeActive        = "active"
	outcomeCompleted     = "completed"
	outcomeQuotaFull     = "quota_full"
	outcomeGeoRestricted = "geo_restricted"
	outcomeDisqualified  = "disqualified"
	outcomeInvalidLink   = "invalid_link"
)

func outcomeFor(s domain.Status) string {
	switch s {
	case domain.StatusCompleted:
		return outcomeCompleted
	case domain.StatusQuotaFull:
		return outcomeQuotaFull
	case domain.StatusGeoBlocked:
		return outcomeGeoRestricted
	case domain.StatusDisqualified:
		return outcomeDisqualified
	default:
		return outcomeActive
	}
}

// optionView hides flow actions and disqualifying markers from respondents.
type optionView struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

type questionView struct {
	ID       string       `json:"id"`
	Prompt   string       `json:"prompt"`
	Required bool         `json:"required"`
	Options  []optionView `json:"options"`
}

func viewQuestion(q *qualification.Question) *questionView {
	if q == nil {
		return nil
	}
	opts := make([]optionView, 0, len(q.Options))
	for _, o := range q.Options {
		opts = append(opts, optionView{Value: o.Value, Label: o.Label})
	}
	return &questionView{ID: q.ID, Prompt: q.Prompt, Required: q.Required, Options: opts}
}

type challengeView struct {
	QuestionID string       `json:"question_id"`
	Prompt     string       `json:"prompt"`
	Options    []optionView `json:"options"`
	Deadline   string       `json:"deadline"`
}

func viewChallenge(ch *validation.Challenge) *challengeView {
	if ch == nil {
		return nil
	}
	opts := make([]optionView, 0, len(ch.Options))
	for _, o := range ch.Options {
		opts = append(opts, optionView{Value: o.Value, Label: o.Label})
	}
	return &challengeView{
		QuestionID: ch.QuestionID,
		Prompt:     ch.Prompt,
		Options:    opts,
		Deadline:   ch.Deadline.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

type admitReq struct {
	Consents map[string]bool `json:"consents"`
	Metadata map[string]any  `json:"metadata"`
}

type answerReq struct {
	QuestionID string `json:"question_id"`
	Value      string `json:"value"`
}

type challengeAnswerReq struct {
	Value string `json:"value"`
}
