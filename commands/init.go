package commands

import (
	"context"

	"gossipmesh/config"

	log "github.com/sirupsen/logrus"
)

func RunInit(ctx context.Context, cfg *config.Config) {
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Refusing to write an invalid config: %v", err)
	}
	if err := cfg.Save(); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
}
