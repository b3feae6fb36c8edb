package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/justyntemme/animetrack/internal/auth"
	"github.com/justyntemme/animetrack/internal/covers"
	"github.com/justyntemme/animetrack/internal/metadata"
	"github.com/justyntemme/animetrack/internal/models"
	"github.com/justyntemme/animetrack/internal/storage"
)

// QueueDepth reports how many upstream calls are waiting
type QueueDepth interface {
	Pending() int
}

// Handler contains all HTTP handlers
type Handler struct {
	store    storage.RecordStore
	driver   string
	covers   *covers.Service
	provider metadata.Provider
	queue    QueueDepth

	backfillConcurrency int
}

// NewHandler creates a new handler instance
func NewHandler(store storage.RecordStore, driver string, coverService *covers.Service, provider metadata.Provider, queue QueueDepth) *Handler {
	return &Handler{
		store:               store,
		driver:              driver,
		covers:              coverService,
		provider:            provider,
		queue:               queue,
		backfillConcurrency: 4,
	}
}

// HealthCheck returns server health status
func (h *Handler) HealthCheck(c *gin.Context) {
	resp := gin.H{"status": "ok", "time": time.Now(), "store": h.driver}
	if h.queue != nil {
		resp["pendingLookups"] = h.queue.Pending()
	}
	c.JSON(http.StatusOK, resp)
}

// ResolveCover returns a local cover path for a title, fetching it once if needed
func (h *Handler) ResolveCover(c *gin.Context) {
	title := c.Query("title")
	if strings.TrimSpace(title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing anime title"})
		return
	}

	var knownID int
	if raw := c.Query("id"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid anime ID format"})
			return
		}
		knownID = id
	}

	res, err := h.covers.Resolve(c.Request.Context(), title, knownID)
	if err != nil {
		respondError(c, err, "Failed to resolve cover")
		return
	}
	respondCover(c, res)
}

// GetDB returns the full list and every custom ordering
func (h *Handler) GetDB(c *gin.Context) {
	list, err := h.store.List()
	if err != nil {
		slog.Error("Failed to list anime", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve data"})
		return
	}
	orders, err := h.store.Orders()
	if err != nil {
		slog.Error("Failed to read orders", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve data"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"animeList": list, "animeOrders": orders})
}

// Bulk update request types
const (
	updateAnimeList   = "updateAnimeList"
	updateAnimeOrders = "updateAnimeOrders"
)

// UpdateDB replaces the list or the orderings wholesale
func (h *Handler) UpdateDB(c *gin.Context) {
	var req struct {
		Type             string         `json:"type"`
		UpdatedAnimeList []models.Anime `json:"updatedAnimeList"`
		UpdatedOrders    models.Orders  `json:"updatedOrders"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	switch req.Type {
	case updateAnimeList:
		if req.UpdatedAnimeList == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "updatedAnimeList is required"})
			return
		}
		seen := make(map[int]bool, len(req.UpdatedAnimeList))
		for _, a := range req.UpdatedAnimeList {
			if seen[a.ID] {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Duplicate anime ID %d", a.ID)})
				return
			}
			seen[a.ID] = true
		}
		if err := h.store.ReplaceAll(req.UpdatedAnimeList); err != nil {
			slog.Error("Failed to replace anime list", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update data"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Anime list updated."})

	case updateAnimeOrders:
		if req.UpdatedOrders == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "updatedOrders is required"})
			return
		}
		if err := h.store.ReplaceOrders(req.UpdatedOrders); err != nil {
			slog.Error("Failed to replace orders", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update data"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Anime orders updated."})

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request type"})
	}
}

// SaveCover resolves the cover of a stored record and writes the local path back
func (h *Handler) SaveCover(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
		ID    int    `json:"id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ID == 0 || strings.TrimSpace(req.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing title or ID"})
		return
	}

	res, err := h.covers.ResolveRecord(c.Request.Context(), req.ID, req.Title)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Anime not found in DB"})
		return
	}
	if err != nil {
		respondError(c, err, "Failed to save cover")
		return
	}
	respondCover(c, res)
}

// AddAnime looks a title up and adds the best match to the front of the list
func (h *Handler) AddAnime(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A valid anime title is required."})
		return
	}
	title := strings.TrimSpace(req.Title)

	rec, err := h.provider.Lookup(c.Request.Context(), title)
	if errors.Is(err, metadata.ErrNoMatch) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("No anime found on %s for %q.", h.provider.Name(), title)})
		return
	}
	if err != nil {
		respondError(c, err, "Failed to look up anime")
		return
	}

	anime := models.Anime{
		ID:         rec.ID,
		Title:      rec.Title,
		Type:       rec.Type,
		Episodes:   rec.Episodes,
		Status:     models.StatusPlanToWatch,
		StartDate:  models.EmptyDate,
		FinishDate: models.EmptyDate,
		CoverImage: rec.PreferredImage(),
	}
	if anime.Type == "" {
		anime.Type = models.UnknownType
	}

	if err := h.store.Create(&anime); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("%q already exists in your list.", anime.Title)})
			return
		}
		slog.Error("Failed to add anime", "id", anime.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add anime"})
		return
	}

	slog.Info("Added anime", "id", anime.ID, "title", anime.Title, "user", auth.GetUsername(c))
	c.JSON(http.StatusCreated, anime)
}

// UpdateAnime applies a partial update to one record
func (h *Handler) UpdateAnime(c *gin.Context) {
	var patch models.AnimePatch
	if err := c.ShouldBindJSON(&patch); err != nil || patch.ID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A valid anime ID is required."})
		return
	}

	original, err := h.store.Get(*patch.ID)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Anime not found."})
		return
	}
	if err != nil {
		slog.Error("Failed to load anime", "id", *patch.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update anime"})
		return
	}

	if w := patch.WatchedEpisodes; w != nil {
		if *w < 0 || (original.Episodes > 0 && *w > original.Episodes) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid number of watched episodes."})
			return
		}
	}
	if s := patch.Score; s != nil && (*s < 0 || *s > 10) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Score must be between 0 and 10."})
		return
	}

	updated := patch.Apply(*original)
	if err := h.store.Update(&updated); err != nil {
		slog.Error("Failed to update anime", "id", updated.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update anime"})
		return
	}

	slog.Info("Updated anime", "id", updated.ID, "title", updated.Title, "user", auth.GetUsername(c))
	c.JSON(http.StatusOK, updated)
}

// DeleteAnime removes a record and strips it from every ordering
func (h *Handler) DeleteAnime(c *gin.Context) {
	raw := c.Query("id")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Anime ID is required."})
		return
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid Anime ID format."})
		return
	}

	anime, err := h.store.Get(id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"message": "Anime not found or already deleted."})
		return
	}
	if err == nil {
		err = h.store.Delete(id)
	}
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"message": "Anime not found or already deleted."})
		return
	}
	if err != nil {
		slog.Error("Failed to delete anime", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete anime"})
		return
	}

	slog.Info("Deleted anime", "id", id, "title", anime.Title, "user", auth.GetUsername(c))
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Successfully deleted %q", anime.Title)})
}

// BackfillCovers resolves covers for every record that lacks a local one
func (h *Handler) BackfillCovers(c *gin.Context) {
	concurrency := h.backfillConcurrency
	if raw := c.Query("concurrency"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid concurrency"})
			return
		}
		concurrency = n
	}

	report, err := h.covers.Backfill(c.Request.Context(), concurrency)
	if err != nil {
		respondError(c, err, "Cover backfill failed")
		return
	}
	c.JSON(http.StatusOK, report)
}

func respondCover(c *gin.Context, res covers.Result) {
	if res.NotFound {
		c.JSON(http.StatusOK, gin.H{"coverImage": nil, "message": res.Message})
		return
	}
	c.JSON(http.StatusOK, gin.H{"coverImage": res.LocalPath})
}
