package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	backend "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/internal/adapters/file"
	"github.com/aretw0/espalier/internal/adapters/redis"
	"github.com/aretw0/espalier/pkg/persistence/middleware"
	"github.com/aretw0/espalier/pkg/ports"
)

// encryptionKeyEnv names the env var holding a base64-encoded 32-byte key.
// When set, snapshots are encrypted at rest.
const encryptionKeyEnv = "ESPALIER_ENCRYPTION_KEY"

func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().String("store", "memory", "Tracker store backend: memory, file or redis")
	cmd.Flags().String("data-dir", "", "Directory for the file store")
	cmd.Flags().String("redis-addr", "localhost:6379", "Redis address for the redis store")
	cmd.Flags().String("redis-password", "", "Redis password")
	cmd.Flags().Int("redis-db", 0, "Redis database number")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Conversation expiry for the redis store")
	cmd.Flags().StringSlice("mask", nil, "Slot key patterns to mask before persisting")
}

// buildStoreOptions assembles the engine options for persistence: the store
// backend, the redis locker when applicable, and the middlewares on top.
func buildStoreOptions(cmd *cobra.Command) ([]espalier.Option, error) {
	backendName, _ := cmd.Flags().GetString("store")

	var opts []espalier.Option
	var store ports.TrackerStore
	switch backendName {
	case "memory":
		// Engine default; nothing to configure.
	case "file":
		dataDir, _ := cmd.Flags().GetString("data-dir")
		store = file.New(dataDir)
	case "redis":
		addr, _ := cmd.Flags().GetString("redis-addr")
		password, _ := cmd.Flags().GetString("redis-password")
		db, _ := cmd.Flags().GetInt("redis-db")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		client := backend.NewClient(&backend.Options{Addr: addr, Password: password, DB: db})
		store = redis.NewFromClient(client, redis.WithTTL(ttl))
		opts = append(opts, espalier.WithLocker(redis.NewLocker(client, "espalier")))
	default:
		return nil, fmt.Errorf("unknown store backend %q", backendName)
	}

	wrapped, err := wrapStore(cmd, store)
	if err != nil {
		return nil, err
	}
	if wrapped != nil {
		opts = append(opts, espalier.WithStore(wrapped))
	}
	return opts, nil
}

// wrapStore layers the PII and encryption middlewares over the store.
func wrapStore(cmd *cobra.Command, store ports.TrackerStore) (ports.TrackerStore, error) {
	masks, _ := cmd.Flags().GetStringSlice("mask")
	keyB64 := os.Getenv(encryptionKeyEnv)
	if store == nil && (len(masks) > 0 || keyB64 != "") {
		return nil, errors.New("--mask and encryption require a persistent store backend")
	}
	if store == nil {
		return nil, nil
	}

	if len(masks) > 0 {
		store = middleware.NewPIIMiddleware(masks)(store)
	}
	if keyB64 != "" {
		key, err := base64.StdEncoding.DecodeString(keyB64)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", encryptionKeyEnv, err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("%s must decode to 32 bytes, got %d", encryptionKeyEnv, len(key))
		}
		store = middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: key})(store)
	}
	return store, nil
}
