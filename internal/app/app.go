package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/anvilworks/ragserver/internal/data/db"
	"github.com/anvilworks/ragserver/internal/handlers"
	"github.com/anvilworks/ragserver/internal/observability"
	"github.com/anvilworks/ragserver/internal/platform/logger"
	"github.com/anvilworks/ragserver/internal/platform/openai"
	"github.com/anvilworks/ragserver/internal/platform/qdrant"
	"github.com/anvilworks/ragserver/internal/platform/rediskv"
	"github.com/anvilworks/ragserver/internal/repos"
	"github.com/anvilworks/ragserver/internal/server"
	"github.com/anvilworks/ragserver/internal/services"
)

const presenceCacheTTL = 30 * time.Second

type App struct {
	Log      *logger.Logger
	Cfg      Config
	Router   *gin.Engine
	Rag      *services.RagService
	Training *services.TrainingCoordinator
	Sessions *services.SessionStore

	kv     rediskv.Store
	cancel context.CancelFunc
}

func New() (*App, error) {
	cfg := LoadConfig()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	metrics := observability.Init()

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	kv, err := rediskv.NewStore(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init redis: %w", err)
	}

	vec, err := qdrant.NewVectorStore(log, qdrant.LoadConfig())
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init qdrant: %w", err)
	}

	aiClient, err := openai.NewClient(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init openai: %w", err)
	}

	docRepo := repos.NewTrainingDocumentRepo(theDB, log)
	keywordRepo := repos.NewKeywordDocumentRepo(theDB, log)
	turnRepo := repos.NewConversationTurnRepo(theDB, log)

	embedder := embeddingProvider{client: aiClient}
	completion := completionProvider{client: aiClient}
	rel := relationalStore{docs: docRepo, turns: turnRepo}

	breaker := services.NewCircuitBreaker(log, metrics)
	variationCache := services.NewTTLCache[[]string]("query_variations", 0, 0, metrics)
	responseCache := services.NewTTLCache[services.ResponseEntry]("responses", 0, 0, metrics)
	presenceCache := services.NewTTLCache[bool]("data_presence", presenceCacheTTL, 0, metrics)

	sessions := services.NewSessionStore(log, kv)
	retrieval := services.NewRetrievalEngine(
		log, breaker, embedder, completion, vec, keywordRepo, variationCache,
		services.RetrievalConfig{TopK: cfg.TopK},
	)
	training := services.NewTrainingCoordinator(
		log, breaker, embedder, vec, keywordRepo, rel, presenceCache, metrics,
	)
	rag := services.NewRagService(
		log, sessions, retrieval, completion, rel, breaker,
		responseCache, presenceCache, metrics,
	)

	chatHandler := handlers.NewChatHandler(log, rag)
	trainingHandler := handlers.NewTrainingHandler(log, training)
	sessionHandler := handlers.NewSessionHandler(log, rag)

	router := server.NewRouter(server.RouterConfig{
		ChatHandler:     chatHandler,
		TrainingHandler: trainingHandler,
		SessionHandler:  sessionHandler,
		Metrics:         metrics,
		AllowOrigins:    cfg.AllowOrigins,
	})

	return &App{
		Log:      log,
		Cfg:      cfg,
		Router:   router,
		Rag:      rag,
		Training: training,
		Sessions: sessions,
		kv:       kv,
	}, nil
}

func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.Sessions.StartSweeper(ctx)
}

func (a *App) Run() error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	a.Log.Info("server listening", "port", a.Cfg.Port)
	return a.Router.Run(":" + a.Cfg.Port)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Rag != nil {
		a.Rag.WaitBackground()
	}
	if a.kv != nil {
		_ = a.kv.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
