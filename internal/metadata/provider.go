package metadata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Common errors
var (
	ErrNoMatch     = errors.New("no matching metadata found")
	ErrRateLimited = errors.New("rate limited by provider")
	ErrUpstream    = errors.New("metadata provider error")
)

// UpstreamError is a non-success response from the metadata API
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("metadata provider responded with status %d", e.StatusCode)
	}
	return fmt.Sprintf("metadata provider responded with status %d: %s", e.StatusCode, e.Body)
}

// Is lets callers tell a 429 apart from other upstream failures
func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrUpstream:
		return e.StatusCode != http.StatusTooManyRequests
	}
	return false
}

// ExternalRecord is the normalized best match for a title
type ExternalRecord struct {
	ID       int    `json:"mal_id"`
	Title    string `json:"title"`
	Type     string `json:"type,omitempty"`
	Episodes int    `json:"episodes,omitempty"`
	// ImageURLs are ranked by preference, lighter format first
	ImageURLs []string `json:"image_urls,omitempty"`
}

// PreferredImage returns the best available image URL, or "" if there is none
func (r *ExternalRecord) PreferredImage() string {
	for _, u := range r.ImageURLs {
		if u != "" {
			return u
		}
	}
	return ""
}

// Provider defines the interface for metadata lookup services
type Provider interface {
	// Name returns the provider identifier (e.g., "jikan")
	Name() string

	// Lookup resolves a free-text title to the provider's best match.
	// It returns ErrNoMatch when nothing matches.
	Lookup(ctx context.Context, title string) (*ExternalRecord, error)
}
