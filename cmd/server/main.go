package main

import (
	"context"
	"log"

	"github.com/google/uuid"

	"github.com/rsimon/liiive/internal/config"
	"github.com/rsimon/liiive/internal/hub"
	"github.com/rsimon/liiive/internal/relay"
	"github.com/rsimon/liiive/internal/server"
	"github.com/rsimon/liiive/internal/storage"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	// Object store: S3 when configured, in-memory otherwise. The in-memory
	// store keeps rooms alive for the process lifetime only.
	var objects storage.ObjectStore
	if cfg.S3.BucketName != "" {
		s3Store, err := storage.NewS3Store(ctx, &cfg.S3)
		if err != nil {
			log.Fatalf("❌ S3 store initialization failed: %v", err)
		}
		objects = s3Store
		log.Printf("✅ S3 store initialized (bucket: %s)", cfg.S3.BucketName)
	} else {
		objects = storage.NewMemoryStore()
		log.Println("ℹ️ S3 not configured, room snapshots are in-memory only")
	}

	h := hub.New(objects, cfg.Persist)

	// Awareness relay for multi-instance deployments (optional).
	if cfg.Redis.Enabled {
		r := relay.New(&cfg.Redis, uuid.NewString())
		defer r.Close()
		h.SetRelay(ctx, r)
		log.Printf("✅ Awareness relay connected (%s)", cfg.Redis.Addr)
	}

	srv := server.New(cfg, h)
	srv.SetupMiddleware()
	srv.SetupRoutes()

	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}

	// Persist any dirty rooms before exit.
	h.Shutdown(ctx)
}
