package main

import (
	"fmt"
	"math"
	"strconv"

	"github.com/kotori-audio/kotori/pkg/models"
)

// Batch limits for request validation
const (
	// MaxQueryFingerprints caps a single query batch
	MaxQueryFingerprints = 100

	// MaxFingerprintCodes is the absolute maximum codes per fingerprint
	// (several minutes of audio)
	MaxFingerprintCodes = 50000

	// MaxBatchItems caps a single insert or update batch
	MaxBatchItems = 500
)

// QueryRequest is the request body for POST /api/tracks/query
type QueryRequest struct {
	Fingerprints []models.Fingerprint `json:"fingerprints"`
}

// Validate checks if the request is valid
func (r *QueryRequest) Validate() error {
	if len(r.Fingerprints) > MaxQueryFingerprints {
		return fmt.Errorf("too many fingerprints: %d (maximum: %d)", len(r.Fingerprints), MaxQueryFingerprints)
	}
	for i, fp := range r.Fingerprints {
		if len(fp) == 0 {
			return fmt.Errorf("fingerprint at index %d is empty", i)
		}
		if len(fp) > MaxFingerprintCodes {
			return fmt.Errorf("fingerprint at index %d too long: %d codes (maximum: %d)", i, len(fp), MaxFingerprintCodes)
		}
	}
	return nil
}

// QueryResponse is the response for POST /api/tracks/query
type QueryResponse struct {
	Results []models.QueryResult `json:"results"`
	Count   int                  `json:"count"`
}

// UpdateItemDTO is one track edit in a PUT /api/tracks batch. Tag values may
// arrive as JSON strings or numbers.
type UpdateItemDTO struct {
	TrackID string         `json:"trackId"`
	Tags    map[string]any `json:"tags"`
}

// UpdateRequest is the request body for PUT /api/tracks
type UpdateRequest struct {
	Updates []UpdateItemDTO `json:"updates"`
}

// Validate checks if the request is valid
func (r *UpdateRequest) Validate() error {
	if len(r.Updates) > MaxBatchItems {
		return fmt.Errorf("too many updates: %d (maximum: %d)", len(r.Updates), MaxBatchItems)
	}
	for i, u := range r.Updates {
		if u.TrackID == "" {
			return fmt.Errorf("update at index %d has no trackId", i)
		}
	}
	return nil
}

// InsertItemDTO is one upload in a POST /api/tracks batch.
type InsertItemDTO struct {
	Fingerprint models.Fingerprint `json:"fingerprint"`
	Tags        map[string]any     `json:"tags"`
}

// InsertRequest is the request body for POST /api/tracks
type InsertRequest struct {
	Inserts []InsertItemDTO `json:"inserts"`
}

// Validate checks if the request is valid
func (r *InsertRequest) Validate() error {
	if len(r.Inserts) > MaxBatchItems {
		return fmt.Errorf("too many inserts: %d (maximum: %d)", len(r.Inserts), MaxBatchItems)
	}
	for i, item := range r.Inserts {
		if len(item.Fingerprint) == 0 {
			return fmt.Errorf("insert at index %d has an empty fingerprint", i)
		}
		if len(item.Fingerprint) > MaxFingerprintCodes {
			return fmt.Errorf("insert at index %d fingerprint too long: %d codes (maximum: %d)",
				i, len(item.Fingerprint), MaxFingerprintCodes)
		}
	}
	return nil
}

// convertTags normalizes decoded JSON tag values to strings. Numbers are
// formatted without an exponent; non-finite numbers are dropped so they can
// neither create nor clear a tag. Anything else is rejected.
func convertTags(raw map[string]any) (map[string]string, error) {
	tags := make(map[string]string, len(raw))
	for name, value := range raw {
		switch v := value.(type) {
		case string:
			tags[name] = v
		case float64:
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			tags[name] = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			return nil, fmt.Errorf("tag %q has an unsupported value type", name)
		}
	}
	return tags, nil
}

// MutationResponse acknowledges a fully applied batch.
type MutationResponse struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// TagNamesResponse is the response for GET /api/tags
type TagNamesResponse struct {
	Tags  []string `json:"tags"`
	Count int      `json:"count"`
}

// ListTracksResponse is the response for GET /api/tracks
type ListTracksResponse struct {
	Tracks []models.TrackData `json:"tracks"`
	Count  int                `json:"count"`
}

// MetricsResponse provides server health and database metrics
type MetricsResponse struct {
	Status           string `json:"status"`
	DatabasePath     string `json:"database_path"`
	TrackCount       int64  `json:"track_count"`
	FingerprintCount int64  `json:"fingerprint_count"`
	RevisionCount    int64  `json:"revision_count"`
}

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}
