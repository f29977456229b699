package main

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/config"
	"github.com/suPer8Hu/chat-relay/internal/db"
	"github.com/suPer8Hu/chat-relay/internal/dispatch"
	"github.com/suPer8Hu/chat-relay/internal/inflight"
	"github.com/suPer8Hu/chat-relay/internal/store/redisstore"
)

func buildRegistry(cfg config.Config) *ai.Registry {
	catalog := func(service, def string) *ai.Catalog {
		return ai.NewCatalog(service, def, cfg.ModelCatalogs[service], cfg.ModelAliases[service])
	}
	timeout := cfg.AIHeaderTimeout

	reg := ai.NewRegistry(cfg.AIProvider, cfg.RoutingRules)
	reg.Register(ai.NewOllamaProvider(cfg.OllamaBaseURL, catalog(ai.ServiceOllama, cfg.OllamaModel), timeout))
	reg.Register(ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey,
		cfg.OpenRouterSiteURL, cfg.OpenRouterAppName, catalog(ai.ServiceOpenRouter, cfg.OpenRouterModel), timeout))
	reg.Register(ai.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, catalog(ai.ServiceOpenAI, cfg.OpenAIModel), timeout))
	reg.Register(ai.NewGeminiProvider(cfg.GeminiBaseURL, cfg.GeminiAPIKey, catalog(ai.ServiceGemini, cfg.GeminiModel), timeout))
	return reg
}

type app struct {
	db       *gorm.DB
	redis    *redisstore.Store
	registry *ai.Registry
	svc      *chat.Service
}

// newApp opens storage and assembles the chat service. Redis is optional: when
// it is not configured or unreachable, sessions are resolved from the database.
func newApp(cfg config.Config) (*app, error) {
	gdb, err := db.Open(cfg.DBDSN)
	if err != nil {
		return nil, err
	}

	a := &app{db: gdb, registry: buildRegistry(cfg)}

	var cache chat.SessionCache
	if cfg.RedisAddr != "" {
		rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		rds.SetSessionTTL(cfg.RedisSessionTTL)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rds.Ping(ctx)
		cancel()
		if err != nil {
			log.Printf("[redis] unavailable addr=%s err=%v; continuing without session cache", cfg.RedisAddr, err)
			_ = rds.Close()
		} else {
			a.redis = rds
			cache = rds
		}
	}

	repo := chat.NewRepo(gdb)
	history := chat.NewHistory(repo, cache, chat.HistoryOptions{
		EmptySessionTTL: cfg.ChatEmptySessionTTL,
		TitleMaxLen:     cfg.ChatTitleMaxLen,
	})
	d := dispatch.New(a.registry, inflight.NewRegistry(), dispatch.NewRetrier(cfg.AIRetryBackoff))
	d.SetCommitTimeout(cfg.ChatCommitTimeout)
	a.svc = chat.NewService(repo, history, d, cfg.ChatContextWindowSize)

	log.Printf("[app] services=%v default=%s", a.registry.Services(), cfg.AIProvider)
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
