package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/yungbote/claimspipe/internal/audit"
	"github.com/yungbote/claimspipe/internal/db"
	"github.com/yungbote/claimspipe/internal/docstore"
	"github.com/yungbote/claimspipe/internal/extract"
	"github.com/yungbote/claimspipe/internal/handlers"
	"github.com/yungbote/claimspipe/internal/logger"
	"github.com/yungbote/claimspipe/internal/pipeline"
	"github.com/yungbote/claimspipe/internal/repos"
	"github.com/yungbote/claimspipe/internal/route"
	"github.com/yungbote/claimspipe/internal/rules"
	"github.com/yungbote/claimspipe/internal/score"
	"github.com/yungbote/claimspipe/internal/server"
	"github.com/yungbote/claimspipe/internal/services"
	"github.com/yungbote/claimspipe/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Env
	log.Info("Loading environment variables from main...")
	rulesPath := utils.GetEnv("RULES_PATH", "configs/rules.yaml", log)
	blobBackend := utils.GetEnv("BLOB_BACKEND", "disk", log)
	blobDir := utils.GetEnv("BLOB_DIR", "data/documents", log)
	extractTimeout := utils.GetEnvAsInt("EXTRACT_TIMEOUT_SECONDS", 30, log)
	maxAttempts := utils.GetEnvAsInt("STAGE_MAX_ATTEMPTS", 3, log)
	workerConcurrency := utils.GetEnvAsInt("WORKER_CONCURRENCY", 4, log)

	// DB
	dbService, err := db.New(log)
	if err != nil {
		log.Error("DB init failed", "error", err)
		os.Exit(1)
	}
	if err = dbService.AutoMigrateAll(); err != nil {
		log.Error("DB auto migration failed", "error", err)
		os.Exit(1)
	}
	theDB := dbService.DB()

	// Rules artifact: the pipeline must not start on a broken rule set.
	ruleSet, err := rules.Load(rulesPath)
	if err != nil {
		log.Error("Rules artifact rejected", "path", rulesPath, "error", err)
		os.Exit(1)
	}
	log.Info("Rules loaded", "path", rulesPath, "version", ruleSet.Version)

	// Repos
	log.Info("Setting up Repos from main...")
	documentRepo := repos.NewDocumentRepo(theDB, log)
	claimRepo := repos.NewClaimRepo(theDB, log)
	fieldRepo := repos.NewExtractedFieldRepo(theDB, log)
	scoreRepo := repos.NewScoreResultRepo(theDB, log)
	runRepo := repos.NewPipelineRunRepo(theDB, dbService.Dialect(), log)
	reassignmentRepo := repos.NewReassignmentRepo(theDB, log)
	auditRepo := repos.NewAuditEventRepo(theDB, log)

	// Blob backend
	var blobs docstore.BlobStore
	switch strings.ToLower(blobBackend) {
	case "gcs":
		blobs, err = docstore.NewGCSBlobStore(log)
	default:
		blobs, err = docstore.NewDiskBlobStore(blobDir, log)
	}
	if err != nil {
		log.Error("Blob store init failed", "backend", blobBackend, "error", err)
		os.Exit(1)
	}

	// Services
	log.Info("Setting up Services from main...")
	store := docstore.NewStore(theDB, log, blobs, documentRepo)
	extractor := extract.NewBoundedExtractor(
		extract.NewLocalExtractor(log),
		time.Duration(extractTimeout)*time.Second,
		10,
		log,
	)
	scorer := score.NewScorer(ruleSet)
	table := route.NewTable(ruleSet)
	auditRec := audit.NewRecorder(theDB, log, auditRepo)

	coordCfg := pipeline.DefaultConfig()
	coordCfg.MaxAttempts = maxAttempts
	coordCfg.MaxConcurrent = int64(workerConcurrency)
	coordinator := pipeline.NewCoordinator(
		theDB,
		log,
		claimRepo,
		documentRepo,
		fieldRepo,
		scoreRepo,
		runRepo,
		store,
		extractor,
		scorer,
		table,
		auditRec,
		coordCfg,
	)
	coordinator.StartWorker(context.Background())
	claimService := services.NewClaimService(theDB, log, claimRepo, documentRepo, fieldRepo, scoreRepo, reassignmentRepo, auditRec)

	// Handlers
	log.Info("Setting up handlers from main...")
	claimHandler := handlers.NewClaimHandler(log, claimService, store, coordinator, auditRec)
	healthHandler := handlers.NewHealthHandler(log, coordinator)

	// Router
	log.Info("Setting up router from main...")
	origins := strings.Split(utils.GetEnv("CORS_ALLOW_ORIGINS", "http://localhost:3000", log), ",")
	router := server.NewRouter(server.RouterConfig{
		ClaimHandler:  claimHandler,
		HealthHandler: healthHandler,
		AllowOrigins:  origins,
		Mode:          logMode,
	})

	port := utils.GetEnv("PORT", "8080", log)
	fmt.Printf("Server listening on :%s\n", port)
	if err := router.Run(":" + port); err != nil {
		log.Warn("Server failed", "error", err)
	}
}
