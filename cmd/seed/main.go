// Command seed populates the database with fake users and conversations.
package main

import (
	"context"
	"flag"
	"log"

	"monkeyhouse/internal/config"
	"monkeyhouse/internal/database"
	"monkeyhouse/internal/security"
	"monkeyhouse/internal/seed"
)

func main() {
	numUsers := flag.Int("users", 20, "Number of users to create")
	convs := flag.Int("conversations", 3, "Conversations started per user")
	msgs := flag.Int("messages", 10, "Messages per conversation")
	shouldClean := flag.Bool("clean", true, "Clean database before seeding")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	codec, err := security.NewCodec(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Encryption key rejected: %v", err)
	}

	s := seed.NewSeeder(db, codec)
	if *shouldClean {
		if err := s.ClearAll(); err != nil {
			log.Fatalf("Cleanup failed: %v", err)
		}
	}
	if err := s.Run(context.Background(), *numUsers, *convs, *msgs); err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
	log.Printf("Seeded %d users (password %q)", *numUsers, seed.DefaultPassword)
}
