package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/justyntemme/animetrack/internal/throttle"
)

const (
	// DefaultJikanURL is the public Jikan v4 endpoint
	DefaultJikanURL = "https://api.jikan.moe/v4"

	// maxErrorBody caps how much of an error response is kept
	maxErrorBody = 4096
)

// JikanProvider implements the Provider interface for the Jikan API.
// Every request goes through the shared throttle.
type JikanProvider struct {
	client    *http.Client
	baseURL   string
	userAgent string
	throttle  *throttle.Throttle
}

// NewJikanProvider creates a new Jikan provider
func NewJikanProvider(baseURL, userAgent string, timeout time.Duration, th *throttle.Throttle) *JikanProvider {
	if baseURL == "" {
		baseURL = DefaultJikanURL
	}
	return &JikanProvider{
		client: &http.Client{
			Timeout: timeout,
		},
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		throttle:  th,
	}
}

// Name returns the provider identifier
func (p *JikanProvider) Name() string {
	return "jikan"
}

// jikanImage is one image format entry
type jikanImage struct {
	ImageURL string `json:"image_url"`
}

type jikanAnime struct {
	MalID    int    `json:"mal_id"`
	Title    string `json:"title"`
	Type     string `json:"type"`
	Episodes int    `json:"episodes"`
	Images   struct {
		JPG  jikanImage `json:"jpg"`
		WebP jikanImage `json:"webp"`
	} `json:"images"`
}

type jikanSearchResponse struct {
	Data []jikanAnime `json:"data"`
}

// Lookup searches Jikan for title and returns the top result as ranked by Jikan
func (p *JikanProvider) Lookup(ctx context.Context, title string) (*ExternalRecord, error) {
	params := url.Values{}
	params.Set("q", title)
	params.Set("limit", "1")
	searchURL := fmt.Sprintf("%s/anime?%s", p.baseURL, params.Encode())

	data, err := throttle.Do(ctx, p.throttle, func() (*jikanSearchResponse, error) {
		slog.Info("Searching Jikan", "title", title)
		return p.search(ctx, searchURL)
	})
	if err != nil {
		return nil, err
	}

	if len(data.Data) == 0 {
		return nil, ErrNoMatch
	}
	return convertAnime(&data.Data[0]), nil
}

func (p *JikanProvider) search(ctx context.Context, searchURL string) (*jikanSearchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, err
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var data jikanSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode jikan response: %w", err)
	}
	return &data, nil
}

// convertAnime converts a Jikan entry, ranking webp ahead of jpg
func convertAnime(a *jikanAnime) *ExternalRecord {
	rec := &ExternalRecord{
		ID:       a.MalID,
		Title:    a.Title,
		Type:     a.Type,
		Episodes: a.Episodes,
	}
	for _, u := range []string{a.Images.WebP.ImageURL, a.Images.JPG.ImageURL} {
		if u != "" {
			rec.ImageURLs = append(rec.ImageURLs, u)
		}
	}
	return rec
}
