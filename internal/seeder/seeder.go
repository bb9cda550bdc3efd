package seeder

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/vnmchuo/llm-optimizer/internal/auth"
)

const (
	DevAPIKey  = "dev-api-key-12345"
	DevOwnerID = "00000000-0000-0000-0000-000000000001"
)

// SeedDevAPIKey registers DevAPIKey so a local gateway and a local
// optimizer client can talk to each other. An existing key is left alone.
func SeedDevAPIKey(ctx context.Context, store auth.Store) error {
	apiKey := &auth.APIKey{
		OwnerID:   DevOwnerID,
		KeyHash:   auth.HashKey(DevAPIKey),
		RateLimit: 1000000,
		Active:    true,
	}

	err := store.Create(ctx, apiKey)
	if errors.Is(err, auth.ErrKeyExists) {
		log.Info().Str("owner_id", DevOwnerID).Msg("seeder: dev api key already exists")
		return nil
	}
	if err != nil {
		return fmt.Errorf("seed dev api key: %w", err)
	}
	log.Info().
		Str("key", DevAPIKey).
		Str("owner_id", DevOwnerID).
		Msg("seeder: dev api key created")
	return nil
}
