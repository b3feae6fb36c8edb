package covers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/justyntemme/animetrack/internal/metadata"
	"github.com/justyntemme/animetrack/internal/storage"
)

// ErrInvalidTitle is returned when a resolution is requested without a title
var ErrInvalidTitle = errors.New("a valid anime title is required")

// Result is the outcome of a cover resolution. Exactly one of LocalPath or
// NotFound is set on success.
type Result struct {
	LocalPath string
	NotFound  bool
	Message   string
}

// Cache is the subset of storage.CoverCache the service needs
type Cache interface {
	Probe(key string) (string, bool, error)
	ProbeExact(name string) (string, bool, error)
	Store(ctx context.Context, name, remoteURL string) (string, error)
	IsCachedPath(p string) bool
}

// Service resolves cover images for titles: local cache first, then the
// metadata provider, then a one-time download.
type Service struct {
	provider metadata.Provider
	cache    Cache
	store    storage.RecordStore

	inflight singleflight.Group
}

// NewService creates a cover resolution service
func NewService(provider metadata.Provider, cache Cache, store storage.RecordStore) *Service {
	return &Service{
		provider: provider,
		cache:    cache,
		store:    store,
	}
}

// Resolve returns a local path for title's cover, downloading it if needed.
// knownID is the caller's record ID, used only for diagnostics.
// Concurrent calls for the same title share a single resolution. The shared
// resolution is detached from any one caller's cancellation; a caller whose
// ctx ends stops waiting without failing the others.
func (s *Service) Resolve(ctx context.Context, title string, knownID int) (Result, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Result{}, ErrInvalidTitle
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	key := storage.CanonicalKey(title)

	detached := context.WithoutCancel(ctx)
	ch := s.inflight.DoChan(key, func() (any, error) {
		return s.resolve(detached, title, key, knownID)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		return r.Val.(Result), nil
	case <-ctx.Done():
		slog.Debug("Stopped waiting for cover resolution", "title", title, "error", ctx.Err())
		return Result{}, ctx.Err()
	}
}

func (s *Service) resolve(ctx context.Context, title, key string, knownID int) (Result, error) {
	if p, ok, err := s.cache.Probe(key); err != nil {
		slog.Error("Cover cache probe failed", "title", title, "error", err)
		return Result{}, err
	} else if ok {
		slog.Debug("Cover already cached", "title", title, "path", p)
		return Result{LocalPath: p}, nil
	}

	rec, err := s.provider.Lookup(ctx, title)
	if errors.Is(err, metadata.ErrNoMatch) {
		slog.Info("No match for title", "title", title, "provider", s.provider.Name())
		return notFound(title), nil
	}
	if err != nil {
		return Result{}, err
	}
	if knownID != 0 && rec.ID != knownID {
		slog.Warn("Provider match differs from record ID", "title", title, "record_id", knownID, "match_id", rec.ID)
	}

	imageURL := rec.PreferredImage()
	if imageURL == "" {
		slog.Info("Match has no image", "title", title, "mal_id", rec.ID)
		return notFound(title), nil
	}

	name := storage.ExactName(key, rec.ID, storage.ExtensionFromURL(imageURL))
	if p, ok, err := s.cache.ProbeExact(name); err != nil {
		slog.Error("Cover cache probe failed", "title", title, "error", err)
		return Result{}, err
	} else if ok {
		slog.Debug("Cover already cached under exact name", "title", title, "path", p)
		return Result{LocalPath: p}, nil
	}

	p, err := s.cache.Store(ctx, name, imageURL)
	if err != nil {
		return Result{}, err
	}
	return Result{LocalPath: p}, nil
}

// ResolveRecord resolves the cover of a stored record and writes the local
// path back. title overrides the stored title for the lookup when set.
// Records that already point at a cached file are left alone.
func (s *Service) ResolveRecord(ctx context.Context, id int, title string) (Result, error) {
	anime, err := s.store.Get(id)
	if err != nil {
		return Result{}, err
	}
	if s.cache.IsCachedPath(anime.CoverImage) {
		return Result{LocalPath: anime.CoverImage}, nil
	}
	if strings.TrimSpace(title) == "" {
		title = anime.Title
	}

	res, err := s.Resolve(ctx, title, anime.ID)
	if err != nil || res.NotFound {
		return res, err
	}

	if err := s.store.UpdateCover(anime.ID, res.LocalPath); err != nil {
		return Result{}, fmt.Errorf("save cover for anime %d: %w", anime.ID, err)
	}
	slog.Info("Updated record cover", "id", anime.ID, "title", title, "path", res.LocalPath)
	return res, nil
}

func notFound(title string) Result {
	return Result{NotFound: true, Message: fmt.Sprintf("No image found for %s", title)}
}
