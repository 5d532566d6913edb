package profile

import (
	"context"
	"log"
	"strings"

	"scentchat/internal/models"
)

// Strategy turns free text into a profile fragment.
type Strategy interface {
	Extract(ctx context.Context, text string) (models.ProfileFragment, error)
}

// availability is implemented by strategies that depend on an optional backend.
type availability interface {
	Available() bool
}

// Extractor runs its strategies in order and returns the first successful result.
type Extractor struct {
	strategies []Strategy
}

func NewExtractor(strategies ...Strategy) *Extractor {
	kept := make([]Strategy, 0, len(strategies))
	for _, s := range strategies {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Extractor{strategies: kept}
}

// Extract never fails. When every strategy errors the fragment is empty.
func (e *Extractor) Extract(ctx context.Context, text string) models.ProfileFragment {
	if strings.TrimSpace(text) == "" {
		return models.ProfileFragment{}
	}
	for _, s := range e.strategies {
		if a, ok := s.(availability); ok && !a.Available() {
			continue
		}
		if ctx.Err() != nil {
			return models.ProfileFragment{}
		}
		frag, err := s.Extract(ctx, text)
		if err != nil {
			log.Printf("profile extraction with %T failed: %v", s, err)
			continue
		}
		return frag.Normalized()
	}
	return models.ProfileFragment{}
}
