package main

import (
	"context"
	"log"
	"os"

	"ragbot/internal/admission"
	"ragbot/internal/api"
	"ragbot/internal/config"
	"ragbot/internal/gateway"
	"ragbot/internal/pipeline"
	"ragbot/internal/queue"
	"ragbot/internal/ratelimit"
	"ragbot/internal/redis"
	"ragbot/internal/service/ai"
	"ragbot/internal/service/chat"
	"ragbot/internal/service/rag"
	"ragbot/internal/storage"
	"ragbot/internal/vector"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.Load(os.Getenv("RAGBOT_ENV_FILE"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := storage.Open(cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, cfg.Database.Driver); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	rdb, err := redis.NewClient(cfg)
	if err != nil {
		log.Fatalf("create redis client: %v", err)
	}
	defer rdb.Close()

	chatService := chat.NewService(db, cfg.Database.Driver)
	jobQueue := queue.New(rdb, chatService, cfg.Pipeline.LeaseTTL)
	limiter := ratelimit.New(rdb, cfg.RateLimit.MessagesPerWindow, cfg.RateLimit.Window)

	qdrant := vector.NewClient(cfg.Qdrant.URL, cfg.Qdrant.APIKey, cfg.Qdrant.Collection, cfg.Qdrant.Timeout)
	waha := gateway.NewClient(cfg.WAHA.APIURL, cfg.WAHA.APIKey, cfg.WAHA.Session, cfg.WAHA.Timeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	embedder, err := ai.NewEmbedder(ctx, &cfg.AI)
	if err != nil {
		log.Fatalf("init embedder: %v", err)
	}
	generator, err := ai.NewGenerator(ctx, &cfg.AI, &cfg.RAG)
	if err != nil {
		log.Fatalf("init generator: %v", err)
	}
	retriever := rag.NewRetriever(embedder, qdrant, &cfg.RAG)

	manager := pipeline.NewManager(chatService, jobQueue, retriever, generator, waha, &cfg.Pipeline)
	dispatcher := pipeline.NewDispatcher(cfg.Pipeline.MinWorkers, cfg.Pipeline.MaxWorkers, jobQueue, manager, 0)
	jobQueue.StartReaper(ctx)
	dispatcher.Start(ctx)

	adm := admission.New(cfg.Webhook.Secret, limiter, rdb, chatService, jobQueue)
	handlers := api.NewHandler(adm, chatService, map[string]api.Pinger{
		"database": chatService,
		"redis":    rdb,
		"qdrant":   qdrant,
		"waha":     waha,
	})

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8080"
	}
	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
