package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"payguard/internal/payments/service"
	"payguard/internal/platform/config"
	"payguard/internal/platform/kafka"
	"payguard/internal/platform/kafka/producer"
	"payguard/internal/platform/postgres"
	"payguard/internal/platform/redis"
)

// infra holds the external connections. Every field is optional: a missing
// DATABASE_URL selects in-memory stores, missing brokers keep events in
// process.
type infra struct {
	db       *sql.DB
	redis    *redis.Client
	producer *producer.Producer
	log      *slog.Logger
}

func openInfra(ctx context.Context, cfg config.Config, log *slog.Logger) (*infra, error) {
	in := &infra{log: log}

	if cfg.Database.URL != "" {
		db, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		in.db = db
		if cfg.Database.MigrateOnStart {
			if err := postgres.Migrate(db); err != nil {
				in.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
	} else {
		log.Warn("DATABASE_URL not set; using in-memory stores")
	}

	client, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		in.Close()
		return nil, err
	}
	in.redis = client

	if len(cfg.Kafka.Brokers) > 0 {
		topics := []string{kafka.TopicName(cfg.Kafka.TopicPrefix, service.AggregateType)}
		if err := kafka.EnsureTopics(ctx, cfg.Kafka.Brokers, cfg.Kafka.Partitions, cfg.Kafka.Replication, topics...); err != nil {
			in.Close()
			return nil, err
		}
		p, err := producer.New(cfg.Kafka.Brokers, producer.WithLogger(log))
		if err != nil {
			in.Close()
			return nil, err
		}
		in.producer = p
	}
	return in, nil
}

func (in *infra) backend() string {
	if in.db != nil {
		return "postgres"
	}
	return "memory"
}

// health reports the first failing dependency.
func (in *infra) health(ctx context.Context) error {
	if in.db != nil {
		if err := in.db.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if in.redis != nil {
		if err := in.redis.Health(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if in.producer != nil {
		if err := in.producer.Health(ctx); err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
	}
	return nil
}

func (in *infra) Close() {
	if in.producer != nil {
		in.producer.Close()
	}
	if in.redis != nil {
		if err := in.redis.Close(); err != nil {
			in.log.Warn("close redis", "error", err)
		}
	}
	if in.db != nil {
		if err := in.db.Close(); err != nil {
			in.log.Warn("close postgres", "error", err)
		}
	}
}
