package models

import (
	"encoding/json"
	"time"
)

// CacheEntry is a cached AI result plus the metadata needed to judge freshness.
// Entries are always written whole; there are no partial updates.
type CacheEntry struct {
	Payload                 json.RawMessage `bson:"payload" json:"payload"`
	RecordCountAtGeneration int             `bson:"recordCountAtGeneration" json:"record_count_at_generation"`
	GeneratedAt             time.Time       `bson:"generatedAt" json:"generated_at"`
}

// CachePolicy bounds how stale a cached result may be
type CachePolicy struct {
	MaxAge   time.Duration `yaml:"max_age" json:"max_age"`
	MaxDelta int           `yaml:"max_delta" json:"max_delta"`
}
