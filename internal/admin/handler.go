// Package admin exposes the partner-facing management API: project setup,
// qualification flow authoring, vendor quotas, link issuance, and the
// per-link audit view.
package admin

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/panelbridge/panel-backend/internal/flags"
	"github.com/panelbridge/panel-backend/internal/links/domain"
	"github.com/panelbridge/panel-backend/internal/projects"
	"github.com/panelbridge/panel-backend/internal/qualification"
	"github.com/panelbridge/panel-backend/internal/quota"
)

// LinkService is the slice of the link registry the admin surface uses.
type LinkService interface {
	IssueLinks(ctx context.Context, projectID, vendorID string, count int, variant domain.Variant, geoAllow []string) ([]domain.Link, error)
	ListByProject(ctx context.Context, projectID string) ([]domain.Link, error)
	CountByStatus(ctx context.Context, projectID string) (map[domain.Status]int, error)
	Get(ctx context.Context, uid string) (*domain.Link, error)
	Disqualify(ctx context.Context, uid string) (*domain.Link, error)
}

type Handler struct {
	projects *projects.Repo
	links    LinkService
	answers  *qualification.AnswerRepo
	flags    *flags.Repo
	ledger   *quota.Ledger
}

func New(p *projects.Repo, links LinkService, answers *qualification.AnswerRepo, flagRepo *flags.Repo, ledger *quota.Ledger) *Handler {
	return &Handler{projects: p, links: links, answers: answers, flags: flagRepo, ledger: ledger}
}

func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/projects", h.createProject)
	rg.GET("/projects", h.listProjects)
	rg.GET("/projects/:id", h.getProject)
	rg.PATCH("/projects/:id/status", h.updateStatus)
	rg.PUT("/projects/:id/flow", h.setFlow)
	rg.PUT("/projects/:id/vendors/:vendor", h.setVendorQuota)
	rg.POST("/projects/:id/links", h.issueLinks)
	rg.GET("/projects/:id/links", h.listLinks)
	rg.GET("/links/:uid", h.getLink)
	rg.POST("/links/:uid/flags", h.flagLink)
	rg.POST("/links/:uid/disqualify", h.disqualifyLink)
}

type createProjectReq struct {
	Name      string `json:"name" binding:"required"`
	SurveyURL string `json:"survey_url" binding:"required"`
	Target    int    `json:"target" binding:"required,gt=0"`
}

func (h *Handler) createProject(c *gin.Context) {
	var req createProjectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	p, err := h.projects.Create(c.Request.Context(), req.Name, req.SurveyURL, req.Target)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "project": p})
}

func (h *Handler) listProjects(c *gin.Context) {
	list, err := h.projects.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "projects": list})
}

func (h *Handler) getProject(c *gin.Context) {
	ctx := c.Request.Context()
	p, err := h.projects.Get(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := gin.H{"ok": true, "project": p}
	if counts, err := h.links.CountByStatus(ctx, p.ID); err == nil {
		resp["link_counts"] = counts
	}
	if reserved, _, err := h.ledger.Counts(ctx, p.ID, ""); err == nil {
		resp["reserved_completions"] = reserved
	}
	c.JSON(http.StatusOK, resp)
}

type statusReq struct {
	Status string `json:"status" binding:"required"`
}

func (h *Handler) updateStatus(c *gin.Context) {
	var req statusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	switch req.Status {
	case projects.StatusDraft, projects.StatusLive, projects.StatusComplete:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "unknown project status"})
		return
	}
	p, err := h.projects.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "project": p})
}

// setFlow validates the flow definition before it is stored so a broken
// flow is caught at authoring time, not on the first respondent.
func (h *Handler) setFlow(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil || len(raw) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid body"})
		return
	}
	if _, err := qualification.ParseFlow(raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	p, err := h.projects.SetFlow(c.Request.Context(), c.Param("id"), raw)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "project": p})
}

type vendorQuotaReq struct {
	Ceiling int `json:"ceiling" binding:"required,gt=0"`
}

func (h *Handler) setVendorQuota(c *gin.Context) {
	var req vendorQuotaReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	vq, err := h.projects.UpsertVendorQuota(c.Request.Context(), c.Param("id"), c.Param("vendor"), req.Ceiling)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "vendor_quota": vq})
}

type issueLinksReq struct {
	VendorID string   `json:"vendor_id"`
	Count    int      `json:"count" binding:"required,gt=0"`
	Variant  string   `json:"variant"`
	GeoAllow []string `json:"geo_allow"`
}

func (h *Handler) issueLinks(c *gin.Context) {
	var req issueLinksReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	variant := domain.VariantLive
	if req.Variant != "" {
		variant = domain.Variant(req.Variant)
	}

	ctx := c.Request.Context()
	if _, err := h.projects.Get(ctx, c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}

	issued, err := h.links.IssueLinks(ctx, c.Param("id"), req.VendorID, req.Count, variant, req.GeoAllow)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidVariant) {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "variant must be TEST or LIVE"})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "count": len(issued), "links": issued})
}

func (h *Handler) listLinks(c *gin.Context) {
	list, err := h.links.ListByProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "links": list})
}

// getLink is the audit view: the link row plus its flags and answer trail.
func (h *Handler) getLink(c *gin.Context) {
	ctx := c.Request.Context()
	link, err := h.links.Get(ctx, c.Param("uid"))
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := gin.H{"ok": true, "link": link}
	if fl, err := h.flags.ListByLink(ctx, link.UID); err == nil {
		resp["flags"] = fl
	}
	if ans, err := h.answers.ListByLink(ctx, link.UID); err == nil {
		resp["answers"] = ans
	}
	c.JSON(http.StatusOK, resp)
}

type flagReq struct {
	Reason   string         `json:"reason" binding:"required"`
	Metadata map[string]any `json:"metadata"`
}

func (h *Handler) flagLink(c *gin.Context) {
	var req flagReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	if _, err := h.links.Get(c.Request.Context(), c.Param("uid")); err != nil {
		h.fail(c, err)
		return
	}
	f, err := h.flags.Append(c.Request.Context(), c.Param("uid"), req.Reason, req.Metadata)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "flag": f})
}

// disqualifyLink lets an administrator pull a fraudulent respondent out of
// the flow; the transition releases any quota the link still holds.
func (h *Handler) disqualifyLink(c *gin.Context) {
	link, err := h.links.Disqualify(c.Request.Context(), c.Param("uid"))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			c.JSON(http.StatusConflict, gin.H{"ok": false, "error": "link is not in a disqualifiable state"})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "link": link})
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, projects.ErrProjectNotFound), errors.Is(err, domain.ErrLinkNotFound):
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "internal error"})
	}
}
