package storage

import (
	"context"

	"pairline-backend/internal/config"
)

type Storage struct {
	DB    *PostgresDB
	Redis *RedisClient
}

func NewStorage(ctx context.Context, dbCfg config.DatabaseConfig, redisCfg config.RedisConfig) (*Storage, error) {
	db, err := NewPostgresDB(ctx, dbCfg)
	if err != nil {
		return nil, err
	}

	redisClient, err := NewRedisClient(ctx, redisCfg.URL)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{
		DB:    db,
		Redis: redisClient,
	}, nil
}

func (s *Storage) Close() error {
	s.DB.Close()
	return s.Redis.Close()
}
