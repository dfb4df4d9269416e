// Package respondent exposes the participant-facing flow: admission,
// pre-survey answers, the mid-session challenge, and completion reporting.
package respondent

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/panelbridge/panel-backend/internal/admission"
	"github.com/panelbridge/panel-backend/internal/links/domain"
	"github.com/panelbridge/panel-backend/internal/qualification"
	"github.com/panelbridge/panel-backend/internal/validation"
)

type LinkService interface {
	Get(ctx context.Context, uid string) (*domain.Link, error)
	Touch(ctx context.Context, uid string) error
	ReportCompletion(ctx context.Context, uid string) (*domain.Link, error)
}

type AdmissionGate interface {
	Admit(ctx context.Context, uid string, cc admission.ClientContext) (*admission.Result, error)
}

type QualificationService interface {
	CurrentQuestion(ctx context.Context, link *domain.Link) (*qualification.Question, error)
	SubmitAnswer(ctx context.Context, uid, questionID, value string) (*qualification.SubmitResult, error)
}

type ChallengeService interface {
	Pending(uid string) *validation.Challenge
	Answer(ctx context.Context, uid, value string) (*validation.AnswerResult, error)
}

type Handler struct {
	links LinkService
	gate  AdmissionGate
	qual  QualificationService
	val   ChallengeService
}

func New(links LinkService, gate AdmissionGate, qual QualificationService, val ChallengeService) *Handler {
	return &Handler{links: links, gate: gate, qual: qual, val: val}
}

func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("/:token", h.status)
	rg.POST("/:token/admit", h.admit)
	rg.POST("/:token/answers", h.submitAnswer)
	rg.GET("/:token/challenge", h.getChallenge)
	rg.POST("/:token/challenge", h.answerChallenge)
	rg.POST("/:token/complete", h.complete)
}

func (h *Handler) status(c *gin.Context) {
	link, err := h.links.Get(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.fail(c, err)
		return
	}

	if !link.Status.Terminal() {
		// Status polls count as respondent activity; best effort.
		if err := h.links.Touch(c.Request.Context(), link.UID); err != nil {
			log.Printf("touch %s: %v", link.UID, err)
		}
	}

	resp := gin.H{"ok": true, "status": link.Status, "outcome": outcomeFor(link.Status)}
	if link.Status == domain.StatusQualifying {
		if q, err := h.qual.CurrentQuestion(c.Request.Context(), link); err == nil {
			resp["question"] = viewQuestion(q)
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) admit(c *gin.Context) {
	var req admitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid body"})
		return
	}

	cc := admission.ClientContext{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Consents:  req.Consents,
		Extra:     req.Metadata,
	}

	res, err := h.gate.Admit(c.Request.Context(), c.Param("token"), cc)
	if err != nil {
		h.fail(c, err)
		return
	}

	switch res.Decision {
	case admission.DecisionConsentRequired:
		c.JSON(http.StatusBadRequest, gin.H{
			"ok":              false,
			"error":           "required consent missing",
			"missing_consent": res.MissingConsent,
		})
	case admission.DecisionPass:
		resp := gin.H{"ok": true, "status": res.Status, "outcome": outcomeFor(res.Status)}
		if res.Status == domain.StatusQualifying {
			link, err := h.links.Get(c.Request.Context(), c.Param("token"))
			if err == nil {
				if q, qerr := h.qual.CurrentQuestion(c.Request.Context(), link); qerr == nil {
					resp["question"] = viewQuestion(q)
				}
			}
		}
		c.JSON(http.StatusOK, resp)
	default:
		c.JSON(http.StatusOK, gin.H{"ok": true, "status": res.Status, "outcome": outcomeFor(res.Status)})
	}
}

func (h *Handler) submitAnswer(c *gin.Context) {
	var req answerReq
	if err := c.ShouldBindJSON(&req); err != nil || req.QuestionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid body"})
		return
	}

	res, err := h.qual.SubmitAnswer(c.Request.Context(), c.Param("token"), req.QuestionID, req.Value)
	if err != nil {
		switch {
		case errors.Is(err, qualification.ErrAnswerRequired):
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "an answer is required for this question"})
		case errors.Is(err, qualification.ErrUnknownOption),
			errors.Is(err, qualification.ErrUnknownQuestion),
			errors.Is(err, qualification.ErrOutOfOrder):
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid answer submission"})
		default:
			h.fail(c, err)
		}
		return
	}

	resp := gin.H{"ok": true, "status": res.Status, "outcome": outcomeFor(res.Status)}
	if res.NextQuestion != nil {
		resp["question"] = viewQuestion(res.NextQuestion)
	}
	if res.SurveyURL != "" {
		resp["survey_url"] = res.SurveyURL
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getChallenge(c *gin.Context) {
	token := c.Param("token")
	if _, err := h.links.Get(c.Request.Context(), token); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "challenge": viewChallenge(h.val.Pending(token))})
}

func (h *Handler) answerChallenge(c *gin.Context) {
	var req challengeAnswerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid body"})
		return
	}

	res, err := h.val.Answer(c.Request.Context(), c.Param("token"), req.Value)
	if err != nil {
		if errors.Is(err, validation.ErrNoChallenge) {
			c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "no outstanding challenge"})
			return
		}
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"match":   res.Match,
		"status":  res.Status,
		"outcome": outcomeFor(res.Status),
	})
}

func (h *Handler) complete(c *gin.Context) {
	link, err := h.links.ReportCompletion(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": link.Status, "outcome": outcomeFor(link.Status)})
}

// fail maps internal errors onto the respondent-safe vocabulary.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrLinkNotFound):
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "outcome": outcomeInvalidLink})
	case errors.Is(err, domain.ErrInvalidTransition):
		// The link is past this step; report where it actually is.
		if link, getErr := h.links.Get(c.Request.Context(), c.Param("token")); getErr == nil {
			c.JSON(http.StatusConflict, gin.H{"ok": false, "status": link.Status, "outcome": outcomeFor(link.Status)})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"ok": false, "outcome": outcomeInvalidLink})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "temporarily unavailable"})
	}
}
