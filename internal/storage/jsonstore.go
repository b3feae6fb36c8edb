package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/justyntemme/animetrack/internal/models"
)

// jsonDocument is the on-disk layout of db.json
type jsonDocument struct {
	AnimeList   []models.Anime `json:"animeList"`
	AnimeOrders models.Orders  `json:"animeOrders"`
}

// JSONStore is a flat-file RecordStore. Every mutation rewrites the file.
type JSONStore struct {
	path string

	mu  sync.RWMutex
	doc jsonDocument
}

// OpenJSONStore loads path, creating an empty database if it is missing or empty
func OpenJSONStore(path string) (*JSONStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &StorageError{Op: "create database directory", Path: filepath.Dir(path), Err: err}
	}

	s := &JSONStore{path: path}

	raw, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &StorageError{Op: "read database", Path: path, Err: err}
	}

	if len(raw) == 0 {
		slog.Info("Database file is empty, initializing", "path", path)
		s.doc = jsonDocument{AnimeList: []models.Anime{}, AnimeOrders: models.Orders{}}
		if err := s.flush(s.doc); err != nil {
			return nil, err
		}
		return s, nil
	}

	if err := json.Unmarshal(raw, &s.doc); err != nil {
		return nil, fmt.Errorf("parse database %s: %w", path, err)
	}
	if s.doc.AnimeList == nil {
		s.doc.AnimeList = []models.Anime{}
	}
	if s.doc.AnimeOrders == nil {
		s.doc.AnimeOrders = models.Orders{}
	}
	slog.Info("Database loaded", "path", path, "records", len(s.doc.AnimeList))
	return s, nil
}

// List returns a copy of every record
func (s *JSONStore) List() ([]models.Anime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Anime, len(s.doc.AnimeList))
	copy(out, s.doc.AnimeList)
	return out, nil
}

// Get returns a copy of the record with the given ID
func (s *JSONStore) Get(id int) (*models.Anime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexOf(id)
	if i < 0 {
		return nil, ErrNotFound
	}
	a := s.doc.AnimeList[i]
	return &a, nil
}

// Create prepends a record
func (s *JSONStore) Create(anime *models.Anime) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexOf(anime.ID) >= 0 {
		return ErrDuplicate
	}
	next := s.doc
	next.AnimeList = append([]models.Anime{*anime}, s.doc.AnimeList...)
	return s.commit(next)
}

// Update replaces the record with the same ID
func (s *JSONStore) Update(anime *models.Anime) error {
	return s.mutate(anime.ID, func(a *models.Anime) { *a = *anime })
}

// UpdateCover sets the cover image of one record
func (s *JSONStore) UpdateCover(id int, coverImage string) error {
	return s.mutate(id, func(a *models.Anime) { a.CoverImage = coverImage })
}

// Delete removes a record and its ID from every ordering
func (s *JSONStore) Delete(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return ErrNotFound
	}
	next := jsonDocument{
		AnimeList:   make([]models.Anime, 0, len(s.doc.AnimeList)-1),
		AnimeOrders: s.doc.AnimeOrders.Without(id),
	}
	next.AnimeList = append(next.AnimeList, s.doc.AnimeList[:i]...)
	next.AnimeList = append(next.AnimeList, s.doc.AnimeList[i+1:]...)
	return s.commit(next)
}

// ReplaceAll overwrites the whole list
func (s *JSONStore) ReplaceAll(list []models.Anime) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.doc
	next.AnimeList = make([]models.Anime, len(list))
	copy(next.AnimeList, list)
	return s.commit(next)
}

// Orders returns a copy of the named orderings
func (s *JSONStore) Orders() (models.Orders, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(models.Orders, len(s.doc.AnimeOrders))
	for name, ids := range s.doc.AnimeOrders {
		out[name] = append([]int{}, ids...)
	}
	return out, nil
}

// ReplaceOrders overwrites every named ordering
func (s *JSONStore) ReplaceOrders(orders models.Orders) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.doc
	next.AnimeOrders = make(models.Orders, len(orders))
	for name, ids := range orders {
		next.AnimeOrders[name] = append([]int{}, ids...)
	}
	return s.commit(next)
}

// Close is a no-op; every mutation is already on disk
func (s *JSONStore) Close() error {
	return nil
}

func (s *JSONStore) mutate(id int, fn func(a *models.Anime)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return ErrNotFound
	}
	next := s.doc
	next.AnimeList = make([]models.Anime, len(s.doc.AnimeList))
	copy(next.AnimeList, s.doc.AnimeList)
	fn(&next.AnimeList[i])
	next.AnimeList[i].ID = id
	return s.commit(next)
}

// commit writes next to disk and only then makes it current. Caller holds mu.
func (s *JSONStore) commit(next jsonDocument) error {
	if err := s.flush(next); err != nil {
		return err
	}
	s.doc = next
	return nil
}

func (s *JSONStore) flush(doc jsonDocument) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, raw, 0644)
}

func (s *JSONStore) indexOf(id int) int {
	for i := range s.doc.AnimeList {
		if s.doc.AnimeList[i].ID == id {
			return i
		}
	}
	return -1
}
