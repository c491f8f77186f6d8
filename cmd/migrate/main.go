// Command migrate runs schema and data migrations for the backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	"monkeyhouse/internal/config"
	"monkeyhouse/internal/database"
	"monkeyhouse/internal/repository"
	"monkeyhouse/internal/security"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func usage() error {
	return fmt.Errorf("usage: go run ./cmd/migrate/main.go <auto|encrypt>")
}

func run() error {
	flag.Parse()
	if flag.NArg() < 1 {
		return usage()
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	ctx := context.Background()
	cmd := strings.ToLower(strings.TrimSpace(flag.Arg(0)))
	switch cmd {
	case "auto":
		if err := database.Migrate(db); err != nil {
			return fmt.Errorf("automigrations failed: %w", err)
		}
		log.Println("automigrations applied")
	case "encrypt":
		// One-time rewrite of legacy plaintext messages into sealed envelopes.
		// Safe to re-run; already-sealed rows are skipped.
		codec, err := security.NewCodec(cfg.EncryptionKey)
		if err != nil {
			return fmt.Errorf("encryption key rejected: %w", err)
		}
		rewritten, err := repository.NewChatRepository(db).EncryptLegacyMessages(ctx, codec)
		if err != nil {
			return fmt.Errorf("legacy message encryption failed: %w", err)
		}
		log.Printf("sealed %d legacy rows", rewritten)
	default:
		return usage()
	}
	return nil
}
