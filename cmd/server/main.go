package main

import (
	"log"

	"github.com/fitforge/fitforge-backend/internal/ai"
	"github.com/fitforge/fitforge-backend/internal/cache"
	"github.com/fitforge/fitforge-backend/internal/chat"
	"github.com/fitforge/fitforge-backend/internal/config"
	"github.com/fitforge/fitforge-backend/internal/db"
	"github.com/fitforge/fitforge-backend/internal/httpapi"
	"github.com/fitforge/fitforge-backend/internal/httpapi/handlers"
	"github.com/fitforge/fitforge-backend/internal/orchestrator"
	"github.com/fitforge/fitforge-backend/internal/plans"
	"github.com/fitforge/fitforge-backend/internal/quota"
	"github.com/fitforge/fitforge-backend/internal/store/rabbitmq"
	"github.com/fitforge/fitforge-backend/internal/store/redisstore"
)

// buildProviders wires the primary/fallback pair from config through
// the registry.
func buildProviders(cfg config.Config) (ai.Provider, ai.Provider, error) {
	reg := ai.NewRegistry()
	reg.Register("openai", func(model string) (ai.Provider, error) {
		return ai.NewOpenAIProvider(cfg.Primary.BaseURL, cfg.Primary.APIKey, model, cfg.AITimeout), nil
	})
	reg.Register("ollama", func(model string) (ai.Provider, error) {
		return ai.NewOllamaProvider(cfg.Fallback.BaseURL, model, cfg.AITimeout), nil
	})

	primary, err := reg.Get(cfg.Primary.Name, cfg.Primary.Model)
	if err != nil {
		return nil, nil, err
	}
	fallback, err := reg.Get(cfg.Fallback.Name, cfg.Fallback.Model)
	if err != nil {
		return nil, nil, err
	}
	return primary, fallback, nil
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	rds, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("redis connect: %v", err)
	}
	defer rds.Close()

	primary, fallback, err := buildProviders(cfg)
	if err != nil {
		log.Fatalf("providers: %v", err)
	}

	chatRepo := chat.NewRepo(gdb)
	planRepo := plans.NewRepo(gdb)

	orch := orchestrator.New(orchestrator.Deps{
		Primary:  primary,
		Fallback: fallback,
		Cache: cache.New(rds, cache.TTLs{
			Plan:     cfg.CacheTTLPlan,
			Analysis: cfg.CacheTTLAnalysis,
			Chat:     cfg.CacheTTLChat,
		}),
		Quota:             quota.NewTracker(rds, cfg.FreeTierDailyLimit),
		Chats:             chatRepo,
		Plans:             planRepo,
		Params:            ai.Params{MaxTokens: cfg.AIMaxTokens},
		ContextWindowSize: cfg.ChatContextWindowSize,
		MaxStreamsPerUser: cfg.MaxStreamsPerUser,
	})

	rabbit, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit connect: %v", err)
	}
	defer rabbit.Close()

	h := handlers.New(gdb, cfg, orch, chatRepo, planRepo, rabbit)
	r := httpapi.NewRouter(cfg, h)

	log.Printf("server listening addr=%s primary=%s fallback=%s", cfg.ListenAddr, primary.Name(), fallback.Name())
	if err := r.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
