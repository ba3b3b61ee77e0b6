package main

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"reviewchat/internal/api"
	"reviewchat/internal/auth"
	"reviewchat/internal/config"
	"reviewchat/internal/redis"
	"reviewchat/internal/service/filectx"
	"reviewchat/internal/service/transcript"
	"reviewchat/internal/storage"
	"reviewchat/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("REVIEWCHAT_CONFIG"))
	if err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			log.Fatalf("invalid configuration: %v", cfgErr)
		}
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("REVIEWCHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	cache, err := redis.NewClient(cfg)
	if err != nil {
		log.Printf("redis unavailable, session key lookups fall back to the database: %v", err)
		cache = nil
	} else {
		defer cache.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transcripts := transcript.NewService(db)
	transcripts.StartUploadCleaner(ctx, time.Duration(cfg.BasicConfig.UploadCleanInterval)*time.Minute)

	authService := auth.NewService(db, cache, time.Duration(cfg.BasicConfig.SessionKeyTTL)*time.Hour)

	files, err := filectx.NewBuilder(ctx)
	if err != nil {
		log.Fatalf("init file context builder: %v", err)
	}
	workers := worker.NewManager(transcripts, cfg, files)

	fileBase := cfg.BasicConfig.FileBaseDir
	if fileBase == "" {
		fileBase = "./data/uploads"
	}
	if err := os.MkdirAll(fileBase, 0o755); err != nil {
		log.Fatalf("create upload directory: %v", err)
	}
	uploadTTL := time.Duration(cfg.BasicConfig.UploadTTL) * time.Minute
	if uploadTTL <= 0 {
		uploadTTL = transcript.DefaultUploadTTL
	}

	handler := api.NewHandler(transcripts, authService, workers, cfg, fileBase, uploadTTL)
	router := gin.Default()
	handler.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	log.Printf("reviewchat listening on %s", addr)
	if err := router.Run(addr); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
