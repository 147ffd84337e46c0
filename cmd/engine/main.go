package main

import (
	"context"
	"log"
	"os"
	"strconv"

	"github.com/gpuradar/listings-engine/internal/api"
	"github.com/gpuradar/listings-engine/internal/db"
	"github.com/gpuradar/listings-engine/internal/pipeline"
	"github.com/gpuradar/listings-engine/internal/registry"
	"github.com/gpuradar/listings-engine/pkg/models"
)

func main() {
	log.Println("Starting GPU Listings Engine (Microservice: gpu-listings-analytics)...")

	// The embedded registry is the source of truth for specs, aliases,
	// patterns and presets. Any defect in it is fatal at startup.
	reg, err := registry.Load()
	if err != nil {
		log.Fatalf("FATAL: registry load failed: %v", err)
	}
	log.Printf("Registry loaded: %s", reg)

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values. Use a .env file for local
	// development: cp .env.example .env && edit .env
	// ────────────────────────────────────────────────────────────────────

	dbUrl := requireEnv("DATABASE_URL")

	store, err := db.Connect(dbUrl)
	if err != nil {
		log.Printf("Warning: Failed to connect to PostgreSQL, continuing without persistence. Error: %v", err)
		store = nil
	} else {
		defer store.Close()
		if err := store.InitSchema(context.Background()); err != nil {
			if models.KindOf(err) == models.KindUnsupportedSchema {
				log.Fatalf("FATAL: %v", err)
			}
			log.Printf("Warning: DB schema init failed: %v", err)
		} else if err := store.RefreshSpecCache(context.Background(), reg.AllSpecs()); err != nil {
			log.Printf("Warning: spec cache refresh failed: %v", err)
		}
	}

	fuzzyThreshold := 0.0
	if v := os.Getenv("FUZZY_THRESHOLD"); v != "" {
		fuzzyThreshold, err = strconv.ParseFloat(v, 64)
		if err != nil || fuzzyThreshold <= 0 || fuzzyThreshold > 1 {
			log.Fatalf("FATAL: FUZZY_THRESHOLD must be a float in (0,1], got %q", v)
		}
	}

	pl, err := pipeline.New(reg, pipeline.Options{
		FuzzyThreshold: fuzzyThreshold,
		Strategies:     []string{"quantization_capacity", "market_position"},
	})
	if err != nil {
		log.Fatalf("FATAL: pipeline init failed: %v", err)
	}

	wsHub := api.NewHub()
	go wsHub.Run()

	r := api.SetupRouter(reg, store, pl, wsHub)

	port := getEnvOrDefault("PORT", "5340")

	log.Printf("Engine running on :%s (API Node: gpu-listings-analytics)\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// requireEnv reads a required environment variable and exits if it is not set.
// This prevents the binary from starting with missing critical configuration.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
