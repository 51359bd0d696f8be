package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sentKey     = "tiprelay:leaderboard:sent"
	receivedKey = "tiprelay:leaderboard:received"
)

// Leaderboard mirrors confirmed tip totals into Redis sorted sets for cheap
// top-N queries. The database remains the source of truth; mirror failures
// are reported but must never fail a settlement.
type Leaderboard struct {
	client *redis.Client
}

type Config struct {
	Addr     string
	Password string
	DB       int
}

func NewLeaderboard(cfg Config) (*Leaderboard, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Leaderboard{client: client}, nil
}

func (l *Leaderboard) Close() error {
	return l.client.Close()
}

// RecordTip increments both sides of a confirmed tip by count, not amount,
// so scores stay comparable across tokens with different decimals.
func (l *Leaderboard) RecordTip(ctx context.Context, senderAddr, recipientAddr string) error {
	pipe := l.client.Pipeline()
	pipe.ZIncrBy(ctx, sentKey, 1, senderAddr)
	pipe.ZIncrBy(ctx, receivedKey, 1, recipientAddr)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record tip in leaderboard: %w", err)
	}
	return nil
}

type Entry struct {
	Address string  `json:"address"`
	Score   float64 `json:"score"`
}

func (l *Leaderboard) TopSenders(ctx context.Context, n int64) ([]Entry, error) {
	return l.top(ctx, sentKey, n)
}

func (l *Leaderboard) TopRecipients(ctx context.Context, n int64) ([]Entry, error) {
	return l.top(ctx, receivedKey, n)
}

func (l *Leaderboard) top(ctx context.Context, key string, n int64) ([]Entry, error) {
	if n <= 0 || n > 100 {
		n = 10
	}
	zs, err := l.client.ZRevRangeWithScores(ctx, key, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read leaderboard %s: %w", key, err)
	}
	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		addr, _ := z.Member.(string)
		entries = append(entries, Entry{Address: addr, Score: z.Score})
	}
	return entries, nil
}
