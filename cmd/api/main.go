package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/panelbridge/panel-backend/config"
	"github.com/panelbridge/panel-backend/internal/admission"
	"github.com/panelbridge/panel-backend/internal/bootstrap"
	"github.com/panelbridge/panel-backend/internal/flags"
	linkrepo "github.com/panelbridge/panel-backend/internal/links/repository"
	linkservice "github.com/panelbridge/panel-backend/internal/links/service"
	"github.com/panelbridge/panel-backend/internal/projects"
	"github.com/panelbridge/panel-backend/internal/qualification"
	"github.com/panelbridge/panel-backend/internal/quota"
	"github.com/panelbridge/panel-backend/internal/reaper"
	"github.com/panelbridge/panel-backend/internal/validation"
)

const serviceName = "panel-backend"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	bootstrap.SetGinMode(cfg.App.Environment)

	ctx := context.Background()

	db, err := bootstrap.OpenDB(ctx, &cfg.Database, bootstrap.DBOptions{MaxConns: 25})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	rdb, err := bootstrap.OpenRedis(ctx, &cfg.Redis)
	if err != nil {
		log.Fatalf("open redis: %v", err)
	}
	defer rdb.Close()

	projectRepo := projects.NewRepo(db)
	answerRepo := qualification.NewAnswerRepo(db)
	flagRepo := flags.NewRepo(db)
	ledger := quota.NewLedger(rdb)

	linkSvc := linkservice.New(linkrepo.NewRepo(db), ledger)

	var provider admission.VerdictProvider
	if cfg.Admission.ProviderURL != "" {
		provider = admission.NewHTTPProvider(cfg.Admission.ProviderURL, cfg.Admission.ProviderTimeout)
	} else {
		provider = admission.NewStaticProvider()
		log.Println("GEO_PROVIDER_URL not set; admitting all countries with no anonymizer detection")
	}
	gate := admission.NewGate(admission.Config{
		AnonymizerThreshold: cfg.Admission.AnonymizerThreshold,
		AllowedCountries:    cfg.Admission.AllowedCountries,
		RequiredConsent:     cfg.Admission.RequiredConsent,
	}, provider, linkSvc, flagRepo)

	qualSvc := qualification.NewService(linkSvc, answerRepo, projectRepo, flagRepo, ledger)

	valSvc := validation.NewService(validation.Config{
		DelayMin:     cfg.Validation.DelayMin,
		DelayMax:     cfg.Validation.DelayMax,
		AnswerWindow: cfg.Validation.AnswerWindow,
	}, linkSvc, answerRepo, qualSvc, flagRepo)

	// Lifecycle hooks: arm the challenge on hand-off, cancel it the moment
	// a link goes terminal.
	linkSvc.OnQualified(valSvc.Arm)
	linkSvc.OnTerminal(valSvc.Cancel)

	sweeper := reaper.New(cfg.Reaper.Spec, cfg.Reaper.PendingTTL, ledger, linkSvc, flagRepo)
	if err := sweeper.Start(); err != nil {
		log.Fatalf("start reaper: %v", err)
	}
	defer sweeper.Stop()

	router := bootstrap.BuildRouter(bootstrap.RouterDeps{
		ServiceName: serviceName,
		Cfg:         cfg,
		DB:          db,
		Redis:       rdb,
		Projects:    projectRepo,
		Answers:     answerRepo,
		Flags:       flagRepo,
		Ledger:      ledger,
		Links:       linkSvc,
		Gate:        gate,
		Qual:        qualSvc,
		Val:         valSvc,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		log.Printf("%s listening on :%s", serviceName, cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
