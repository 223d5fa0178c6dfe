// Inspects a persisted room snapshot: downloads the blob from the object
// store, decodes it and prints per-canvas annotation counts, optionally
// dumping one canvas as an annotation page.
//
// Usage:
//
//	inspect_room <roomId> [canvasId]
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/rsimon/liiive/internal/config"
	"github.com/rsimon/liiive/internal/crdt"
	"github.com/rsimon/liiive/internal/export"
	"github.com/rsimon/liiive/internal/storage"
	"github.com/rsimon/liiive/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: inspect_room <roomId> [canvasId]")
		os.Exit(1)
	}
	roomID := os.Args[1]

	cfg := config.Load()
	if cfg.S3.BucketName == "" {
		log.Fatal("S3 is not configured, nothing to inspect")
	}

	ctx := context.Background()
	objects, err := storage.NewS3Store(ctx, &cfg.S3)
	if err != nil {
		log.Fatalf("Failed to initialize S3 store: %v", err)
	}

	data, err := objects.Download(ctx, roomID)
	if err != nil {
		log.Fatalf("Failed to download snapshot for room %s: %v", roomID, err)
	}
	fmt.Printf("✅ Snapshot downloaded (%d bytes)\n\n", len(data))

	doc := crdt.NewDoc("inspect:" + roomID)
	if err := doc.ApplyState(data); err != nil {
		log.Fatalf("Snapshot is malformed: %v", err)
	}

	s := store.New(doc)
	canvases := s.ListCanvasIDs()
	fmt.Printf("📊 %d canvases with annotations\n", len(canvases))
	for _, canvasID := range canvases {
		fmt.Printf("   %s: %d\n", canvasID, len(s.GetAnnotations(canvasID)))
	}

	if len(os.Args) > 2 {
		canvasID := os.Args[2]
		page := export.CanvasPage(canvasID, s.GetAnnotations(canvasID))
		out, err := json.MarshalIndent(page, "", "  ")
		if err != nil {
			log.Fatalf("Failed to serialize annotation page: %v", err)
		}
		fmt.Println()
		fmt.Println(string(out))
	}
}
