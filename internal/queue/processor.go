package queue

import (
	"context"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"pairline-backend/internal/config"
	"pairline-backend/internal/invite"
	"pairline-backend/internal/presence"
	"pairline-backend/internal/storage"
)

// Task type names.
const (
	taskExpireInvites = "invites:expire"
	taskSweepIdle     = "presence:idle"
	taskPoolCleanup   = "pool:cleanup"
)

// Pool entries older than this have no live manager tracking them (for
// example members stranded by an instance restart) and are pruned wholesale.
const poolStaleAfter = 10 * time.Minute

// Processor runs the periodic housekeeping that keeps negotiation and
// presence state from going stale: invite expiry (which owes the proposer a
// notification), idle candidacy sweeping, and pruning of stranded pool
// entries.
type Processor struct {
	cfg      config.SweeperConfig
	invites  *invite.Service
	presence *presence.Manager
	redis    *storage.RedisClient
	server   *asynq.Server
	client   *asynq.Client
}

func NewProcessor(cfg config.SweeperConfig, redisURL string, redisClient *storage.RedisClient, invites *invite.Service, pres *presence.Manager) (*Processor, error) {
	redisOpt, err := parseRedisOpt(redisURL)
	if err != nil {
		return nil, err
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				"sweeps":  5,
				"default": 1,
			},
		},
	)

	return &Processor{
		cfg:      cfg,
		invites:  invites,
		presence: pres,
		redis:    redisClient,
		server:   server,
		client:   asynq.NewClient(redisOpt),
	}, nil
}

func (p *Processor) Start(ctx context.Context) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(taskExpireInvites, p.handleExpireInvites)
	mux.HandleFunc(taskSweepIdle, p.handleSweepIdle)
	mux.HandleFunc(taskPoolCleanup, p.handlePoolCleanup)

	go func() {
		if err := p.server.Run(mux); err != nil {
			log.Printf("asynq server error: %v", err)
		}
	}()

	go p.enqueuePeriodically(ctx, taskExpireInvites, p.cfg.InviteInterval)
	go p.enqueuePeriodically(ctx, taskSweepIdle, p.cfg.IdleInterval)
	go p.enqueuePeriodically(ctx, taskPoolCleanup, p.cfg.PoolInterval)

	log.Println("background processor started")
	return nil
}

func (p *Processor) Stop() {
	p.server.Shutdown()
	p.client.Close()
}

func (p *Processor) handleExpireInvites(ctx context.Context, task *asynq.Task) error {
	if expired := p.invites.ExpireStale(ctx); expired > 0 {
		log.Printf("expired %d stale invites", expired)
	}
	return nil
}

func (p *Processor) handleSweepIdle(ctx context.Context, task *asynq.Task) error {
	p.presence.SweepIdle(ctx)
	return nil
}

func (p *Processor) handlePoolCleanup(ctx context.Context, task *asynq.Task) error {
	removed, err := p.redis.SweepPool(ctx, time.Now().Add(-poolStaleAfter))
	if err != nil {
		return err
	}
	if removed > 0 {
		log.Printf("pruned %d stranded pool entries", removed)
	}
	return nil
}

func (p *Processor) enqueuePeriodically(ctx context.Context, taskType string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// One enqueue per interval across the whole deployment; every
			// instance ticks, only the lease holder enqueues.
			got, err := p.redis.AcquireSweepLease(ctx, taskType, interval/2)
			if err != nil {
				log.Printf("error acquiring %s sweep lease: %v", taskType, err)
				continue
			}
			if !got {
				continue
			}
			task := asynq.NewTask(taskType, nil)
			if _, err := p.client.Enqueue(task, asynq.Queue("sweeps")); err != nil {
				log.Printf("error enqueueing %s task: %v", taskType, err)
			}
		}
	}
}

func parseRedisOpt(redisURL string) (asynq.RedisClientOpt, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}, nil
}
