package events

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"loopcast/internal/models"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisQueueConfig configures the Redis Streams event queue.
type RedisQueueConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Stream       string
	MasterName   string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	Buffer       int
	PoolSize     int
	MaxLen       int64
	Logger       *slog.Logger
	TLS          RedisTLSConfig
}

// NewRedisQueue initialises a queue backed by a capped Redis stream. The
// caller is responsible for ensuring the Redis instance is reachable.
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "loopcast:sessions"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 4096
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	blockTimeout := cfg.BlockTimeout
	if blockTimeout <= 0 {
		blockTimeout = 2 * time.Second
	}
	return &RedisQueue{
		client:       client,
		stream:       stream,
		maxLen:       cfg.MaxLen,
		blockTimeout: blockTimeout,
		buffer:       cfg.Buffer,
		logger:       logger,
	}, nil
}

// RedisQueue mirrors session events into a Redis stream.
type RedisQueue struct {
	client       redis.UniversalClient
	stream       string
	maxLen       int64
	blockTimeout time.Duration
	buffer       int
	logger       *slog.Logger
}

var _ Queue = (*RedisQueue)(nil)

// Publish appends the event to the stream, trimming it to the configured
// approximate length.
func (q *RedisQueue) Publish(ctx context.Context, event models.SessionEvent) error {
	if event.SessionID == "" {
		return errors.New("event session id is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err()
}

// Follow tails the stream from its current tip and delivers decoded events on
// the returned channel until the context is cancelled. Malformed entries are
// logged and skipped.
func (q *RedisQueue) Follow(ctx context.Context) <-chan models.SessionEvent {
	out := make(chan models.SessionEvent, q.buffer)
	go func() {
		defer close(out)
		lastID := "$"
		for {
			if ctx.Err() != nil {
				return
			}
			streams, err := q.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{q.stream, lastID},
				Block:   q.blockTimeout,
				Count:   int64(q.buffer),
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				q.logger.Warn("event stream read failed", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(q.blockTimeout):
				}
				continue
			}
			for _, stream := range streams {
				for _, message := range stream.Messages {
					lastID = message.ID
					raw, ok := message.Values["payload"].(string)
					if !ok {
						q.logger.Warn("event stream entry missing payload", "id", message.ID)
						continue
					}
					var event models.SessionEvent
					if err := json.Unmarshal([]byte(raw), &event); err != nil {
						q.logger.Warn("event stream entry undecodable", "id", message.ID, "error", err)
						continue
					}
					select {
					case out <- event:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}

// Close releases the underlying Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsConfig := &tls.Config{
		ServerName:         strings.TrimSpace(cfg.ServerName),
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read redis CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("redis CA file %s contains no certificates", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, fmt.Errorf("redis TLS requires both cert and key files")
	}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
