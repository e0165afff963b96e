package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fitforge/fitforge-backend/internal/ai"
	"github.com/fitforge/fitforge-backend/internal/cache"
	"github.com/fitforge/fitforge-backend/internal/chat"
	"github.com/fitforge/fitforge-backend/internal/config"
	"github.com/fitforge/fitforge-backend/internal/db"
	"github.com/fitforge/fitforge-backend/internal/models"
	"github.com/fitforge/fitforge-backend/internal/orchestrator"
	"github.com/fitforge/fitforge-backend/internal/plans"
	"github.com/fitforge/fitforge-backend/internal/quota"
	"github.com/fitforge/fitforge-backend/internal/store/rabbitmq"
	"github.com/fitforge/fitforge-backend/internal/store/redisstore"
	"gorm.io/gorm"
)

type jobMsg struct {
	JobID string `json:"job_id"`
}

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	rds, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("redis connect: %v", err)
	}
	defer rds.Close()

	primary := ai.NewOpenAIProvider(cfg.Primary.BaseURL, cfg.Primary.APIKey, cfg.Primary.Model, cfg.AITimeout)
	fallback := ai.NewOllamaProvider(cfg.Fallback.BaseURL, cfg.Fallback.Model, cfg.AITimeout)

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
		Chats:             chat.NewRepo(gdb),
		Plans:             planRepo,
		Params:            ai.Params{MaxTokens: cfg.AIMaxTokens},
		ContextWindowSize: cfg.ChatContextWindowSize,
		MaxStreamsPerUser: cfg.MaxStreamsPerUser,
	})

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m jobMsg
				if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleJob(ctx, gdb, orch, planRepo, m.JobID); err != nil {
					log.Printf("worker=%d job=%s failed cost=%s err=%v", workerID, m.JobID, time.Since(start), err)
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed job=%s err=%v", workerID, m.JobID, err)
				}
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

func handleJob(ctx context.Context, gdb *gorm.DB, orch *orchestrator.Orchestrator, repo *plans.Repo, jobID string) error {
	if err := repo.MarkJobRunning(ctx, jobID); err != nil {
		log.Printf("mark_running_failed job=%s err=%v", jobID, err)
	}

	j, err := repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	var user models.User
	if err := gdb.WithContext(ctx).First(&user, j.UserID).Error; err != nil {
		_ = repo.MarkJobFailed(ctx, jobID, "user not found")
		return err
	}

	start := time.Now()
	rec, err := orch.GenerateFromParams(ctx, user.ID, quota.Tier(user.Tier), user.Profile(), j.Kind, j.Params)
	if err != nil {
		_ = repo.MarkJobFailed(ctx, jobID, err.Error())
		return err
	}

	if err := repo.MarkJobSucceeded(ctx, jobID, rec.ID); err != nil {
		return err
	}

	log.Printf("job_done job=%s kind=%s record=%s cost=%s", jobID, j.Kind, rec.ID, time.Since(start))
	return nil
}
