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

	"scentchat/internal/api"
	"scentchat/internal/config"
	"scentchat/internal/redis"
	"scentchat/internal/service/ai"
	"scentchat/internal/service/assistant"
	"scentchat/internal/service/history"
	"scentchat/internal/service/profile"
	"scentchat/internal/storage"
	"scentchat/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	cfg, err := config.Load(os.Getenv("SCENTCHAT_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("SCENTCHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache, err = redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer cache.Close()
	}
	var sessions storage.SessionStore = storage.NewSQLSessionStore(db, dbType)
	if cache != nil {
		sessions = storage.NewCachedSessionStore(sessions, cache)
	}
	profiles := storage.NewProfileStore(db, dbType)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chatModel, err := ai.NewChatModel(ctx, cfg.Chat.Provider, cfg.Chat.Model, cfg)
	if err != nil {
		log.Fatalf("init chat model: %v", err)
	}

	strategies := []profile.Strategy{}
	if cfg.Analysis.Provider != "" {
		analysisModel, err := ai.NewChatModel(ctx, cfg.Analysis.Provider, cfg.Analysis.Model, cfg)
		if err != nil {
			log.Fatalf("init analysis model: %v", err)
		}
		strategies = append(strategies, profile.NewLLMStrategy(analysisModel))
	}
	strategies = append(strategies, profile.NewKeywordStrategy())
	scheduler := worker.NewScheduler(cfg.Analysis, profile.NewExtractor(strategies...), profiles)

	deps := assistant.Deps{
		Sessions:   sessions,
		Profiles:   profiles,
		Completion: ai.NewCompletionClient(chatModel, cfg.Chat.Temperature, cfg.Chat.MaxTokens),
		Scheduler:  scheduler,
		Estimator:  history.NewEstimator(cfg.Chat.Model),
	}
	if cfg.Vision.Provider != "" {
		visionModel, err := ai.NewChatModel(ctx, cfg.Vision.Provider, cfg.Vision.Model, cfg)
		if err != nil {
			log.Fatalf("init vision model: %v", err)
		}
		deps.Vision = ai.NewVisionAnalyzer(visionModel, cfg.Vision.MaxTokens)
	}
	assistantService := assistant.NewService(cfg.Chat, deps)

	stopSweeper := assistantService.StartSessionSweeper(ctx, cfg.Sessions.SweepInterval(), cfg.Sessions.IdleTimeout())

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	api.NewHandler(assistantService, cache).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.BasicConfig.ServerAddress,
		Handler: router,
	}
	go func() {
		log.Printf("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	stopSweeper()
	scheduler.Stop()
}
