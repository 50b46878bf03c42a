package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// RedisOptions builds go-redis options from a redis:// URL or a host:port address. An explicit
// password or db overrides the URL's.
func RedisOptions(redisURL, password string, db int) (*redis.Options, error) {
	opt := &redis.Options{Addr: redisURL}

	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		parsed, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}

		opt = parsed
	}

	if password != "" {
		opt.Password = password
	}

	if db != 0 {
		opt.DB = db
	}

	return opt, nil
}

// BrokerConnOpt converts go-redis options into the broker's connection options.
func BrokerConnOpt(opt *redis.Options) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Username:  opt.Username,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}
}

// RedisProbe is the part of the Redis client the health check uses.
type RedisProbe interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Info(ctx context.Context, section ...string) *redis.StringCmd
	DBSize(ctx context.Context) *redis.IntCmd
}

// HealthReport describes the broker's Redis.
type HealthReport struct {
	Status          string        `json:"status"`
	Latency         time.Duration `json:"latency_ns"`
	UsedMemory      int64         `json:"used_memory"`
	UsedMemoryHuman string        `json:"used_memory_human"`
	Keys            int64         `json:"keys"`
	Error           string        `json:"error,omitempty"`
}

// Health probes Redis. An unreachable broker is reported, not returned as an error.
func Health(ctx context.Context, probe RedisProbe) HealthReport {
	start := time.Now()

	if err := probe.Ping(ctx).Err(); err != nil {
		return HealthReport{Status: "unhealthy", Error: err.Error()}
	}

	report := HealthReport{Status: "healthy", Latency: time.Since(start)}

	info, err := probe.Info(ctx, "memory").Result()
	if err != nil {
		report.Status = "degraded"
		report.Error = err.Error()

		return report
	}

	report.UsedMemory, report.UsedMemoryHuman = parseMemoryInfo(info)

	keys, err := probe.DBSize(ctx).Result()
	if err != nil {
		report.Status = "degraded"
		report.Error = err.Error()

		return report
	}

	report.Keys = keys

	return report
}

func parseMemoryInfo(info string) (int64, string) {
	var (
		used  int64
		human string
	)

	for _, line := range strings.Split(info, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}

		switch key {
		case "used_memory":
			used, _ = strconv.ParseInt(value, 10, 64)
		case "used_memory_human":
			human = value
		}
	}

	return used, human
}
