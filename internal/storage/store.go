// Package storage provides the durable key-value backends.
package storage

import (
	"fmt"

	"fallora/internal/config"
	"fallora/internal/interfaces"
)

// Open returns the backend selected by cfg.Backend.
func Open(cfg config.StorageConfig) (interfaces.KVStore, error) {
	var (
		store interfaces.KVStore
		err   error
	)
	switch cfg.Backend {
	case "", "file":
		var fs *FileStore
		fs, err = NewFileStore(cfg.Path)
		store = fs
	case "memory":
		store = NewMemoryStore()
	case "redis":
		var rs *RedisStore
		rs, err = NewRedisStore(cfg.Redis, cfg.KeyPrefix)
		store = rs
	case "mysql":
		var ms *MySQLStore
		ms, err = NewMySQLStore(cfg.MySQL, cfg.KeyPrefix)
		store = ms
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}
