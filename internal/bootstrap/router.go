package bootstrap

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/panelbridge/panel-backend/config"
	"github.com/panelbridge/panel-backend/internal/admin"
	"github.com/panelbridge/panel-backend/internal/admission"
	httpapi "github.com/panelbridge/panel-backend/internal/api/http"
	"github.com/panelbridge/panel-backend/internal/flags"
	linkservice "github.com/panelbridge/panel-backend/internal/links/service"
	"github.com/panelbridge/panel-backend/internal/middleware"
	"github.com/panelbridge/panel-backend/internal/projects"
	"github.com/panelbridge/panel-backend/internal/qualification"
	"github.com/panelbridge/panel-backend/internal/quota"
	"github.com/panelbridge/panel-backend/internal/respondent"
	"github.com/panelbridge/panel-backend/internal/validation"
)

type RouterDeps struct {
	ServiceName string
	Cfg         *config.Config
	DB          *pgxpool.Pool
	Redis       *redis.Client

	Projects *projects.Repo
	Answers  *qualification.AnswerRepo
	Flags    *flags.Repo
	Ledger   *quota.Ledger
	Links    *linkservice.Service
	Gate     *admission.Gate
	Qual     *qualification.Service
	Val      *validation.Service
}

func BuildRouter(dep RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     dep.Cfg.Server.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposeHeaders:    []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	healthHandler := httpapi.NewHealthHandler(dep.ServiceName, dep.Cfg.App.Version, dep.DB, dep.Redis)
	healthHandler.RegisterRoutes(r)

	api := r.Group("/api/v1")

	adminGroup := api.Group("/")
	adminGroup.Use(middleware.APIKey(dep.Cfg.Server.AdminAPIKey))
	admin.New(dep.Projects, dep.Links, dep.Answers, dep.Flags, dep.Ledger).Register(adminGroup)

	respondentGroup := api.Group("/r")
	respondentGroup.Use(middleware.RateLimit(dep.Cfg.Server.RateLimitRPS, dep.Cfg.Server.RateLimitBurst))
	respondent.New(dep.Links, dep.Gate, dep.Qual, dep.Val).Register(respondentGroup)

	return r
}
