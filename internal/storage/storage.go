// Package storage keeps the generation history so a task id can be
// reconciled against the provider after the fact.
package storage

import (
	"context"
	"log/slog"

	"nanobanana-cli/internal/lib/sl"
	"nanobanana-cli/internal/ports"
)

const (
	DriverMemory = "memory"
	DriverMongo  = "mongo"
	DriverRedis  = "redis"
)

// DefaultRecentLimit applies when Recent is called with a non-positive limit.
const DefaultRecentLimit = 20

// Options selects and configures a history backend.
type Options struct {
	Driver        string
	MongoURI      string
	MongoDatabase string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// New opens the configured store.  When a remote backend cannot be reached
// the in-memory store is returned instead, with the error logged.
func New(ctx context.Context, opts Options, log *slog.Logger) ports.GenerationStore {
	log = sl.OrDiscard(log).With(sl.Module("storage"))
	switch opts.Driver {
	case DriverMongo:
		store, err := NewMongoStore(ctx, opts.MongoURI, opts.MongoDatabase, log)
		if err == nil {
			log.Info("using mongo history store", slog.String("database", opts.MongoDatabase))
			return store
		}
		log.Error("mongo unavailable, falling back to memory", sl.Err(err))
	case DriverRedis:
		store, err := NewRedisStore(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB, log)
		if err == nil {
			log.Info("using redis history store", slog.String("addr", opts.RedisAddr))
			return store
		}
		log.Error("redis unavailable, falling back to memory", sl.Err(err))
	}
	return NewMemoryStore(0)
}

func recentLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	return limit
}
