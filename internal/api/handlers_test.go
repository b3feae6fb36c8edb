package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/justyntemme/animetrack/internal/api"
	"github.com/justyntemme/animetrack/internal/auth"
	"github.com/justyntemme/animetrack/internal/covers"
	"github.com/justyntemme/animetrack/internal/metadata"
	"github.com/justyntemme/animetrack/internal/models"
	"github.com/justyntemme/animetrack/internal/storage"
	"github.com/justyntemme/animetrack/internal/throttle"
)

// jikanStub serves search results and images for the handlers under test
type jikanStub struct {
	server  *httptest.Server
	status  atomic.Int32
	lookups atomic.Int32
}

func newJikanStub(t *testing.T) *jikanStub {
	s := &jikanStub{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v4/anime", func(w http.ResponseWriter, r *http.Request) {
		s.lookups.Add(1)
		if code := s.status.Load(); code != 0 {
			w.WriteHeader(int(code))
			return
		}
		switch strings.ToLower(r.URL.Query().Get("q")) {
		case "naruto":
			fmt.Fprintf(w, `{"data":[{"mal_id":20,"title":"Naruto","type":"TV","episodes":220,
				"images":{"jpg":{"image_url":"%[1]s/img/20.jpg"},"webp":{"image_url":"%[1]s/img/20.webp"}}}]}`, s.server.URL)
		case "mystery":
			w.Write([]byte(`{"data":[{"mal_id":77,"title":"Mystery","images":{}}]}`))
		case "broken":
			fmt.Fprintf(w, `{"data":[{"mal_id":9,"title":"Broken","images":{"jpg":{"image_url":"%s/missing/9.jpg"}}}]}`, s.server.URL)
		default:
			w.Write([]byte(`{"data":[]}`))
		}
	})
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("cover"))
	})
	mux.HandleFunc("/missing/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

type testServer struct {
	router *gin.Engine
	store  storage.RecordStore
	jikan  *jikanStub
	auth   *auth.Authenticator
}

type serverOptions struct {
	password string
	rps      float64
	burst    int
}

func setupTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	jikan := newJikanStub(t)
	th := throttle.New("jikan-test", 10*time.Millisecond)
	t.Cleanup(th.Close)

	dataDir := t.TempDir()
	store, err := storage.OpenStore(storage.DriverJSON, filepath.Join(dataDir, "db.json"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	coversDir := filepath.Join(dataDir, "anime-covers")
	cache := storage.NewCoverCache(coversDir, "/anime-covers/", 5*time.Second, "")
	provider := metadata.NewJikanProvider(jikan.server.URL+"/v4", "", 5*time.Second, th)
	service := covers.NewService(provider, cache, store)

	authenticator, err := auth.New(opts.password, "test-secret")
	require.NoError(t, err)

	var limiter *api.RateLimiter
	if opts.rps > 0 {
		limiter = api.NewRateLimiter(opts.rps, opts.burst)
		t.Cleanup(limiter.Close)
	}

	router := api.NewRouter(api.RouterConfig{
		Handler:         api.NewHandler(store, storage.DriverJSON, service, provider, th),
		AuthHandler:     api.NewAuthHandler(authenticator),
		Auth:            authenticator,
		Limiter:         limiter,
		CoversDir:       coversDir,
		CoversURLPrefix: "/anime-covers/",
	})

	return &testServer{router: router, store: store, jikan: jikan, auth: authenticator}
}

func (s *testServer) do(t *testing.T, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthCheck(t *testing.T) {
	s := setupTestServer(t, serverOptions{})

	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "json", body["store"])
	assert.EqualValues(t, 0, body["pendingLookups"])
}

func TestResolveCoverEndpoint(t *testing.T) {
	s := setupTestServer(t, serverOptions{})

	w := s.do(t, http.MethodGet, "/api/anime-covers?title=Naruto&id=20", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/anime-covers/naruto-20.webp", decode(t, w)["coverImage"])

	// the cached file is served statically
	w = s.do(t, http.MethodGet, "/anime-covers/naruto-20.webp", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cover", w.Body.String())

	// second resolution stays local
	w = s.do(t, http.MethodGet, "/api/anime-covers?title=Naruto", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, s.jikan.lookups.Load())
}

func TestResolveCoverStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		upstream   int
		wantStatus int
		check      func(t *testing.T, body map[string]any)
	}{
		{
			name:       "missing title",
			target:     "/api/anime-covers",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "blank title",
			target:     "/api/anime-covers?title=%20%20",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bad id",
			target:     "/api/anime-covers?title=Naruto&id=abc",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "no match",
			target:     "/api/anime-covers?title=Xyzzyxnonexistent12345",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				assert.Contains(t, body, "coverImage")
				assert.Nil(t, body["coverImage"])
				assert.Equal(t, "No image found for Xyzzyxnonexistent12345", body["message"])
			},
		},
		{
			name:       "match without image",
			target:     "/api/anime-covers?title=Mystery",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				assert.Nil(t, body["coverImage"])
			},
		},
		{
			name:       "rate limited upstream",
			target:     "/api/anime-covers?title=Naruto",
			upstream:   http.StatusTooManyRequests,
			wantStatus: http.StatusTooManyRequests,
		},
		{
			name:       "upstream failure",
			target:     "/api/anime-covers?title=Naruto",
			upstream:   http.StatusInternalServerError,
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "image download failure",
			target:     "/api/anime-covers?title=Broken",
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestServer(t, serverOptions{})
			s.jikan.status.Store(int32(tt.upstream))

			w := s.do(t, http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.wantStatus, w.Code)
			body := decode(t, w)
			if tt.wantStatus != http.StatusOK {
				assert.NotEmpty(t, body["error"])
			}
			if tt.check != nil {
				tt.check(t, body)
			}
		})
	}
}

func TestGetAndUpdateDB(t *testing.T) {
	s := setupTestServer(t, serverOptions{})

	w := s.do(t, http.MethodGet, "/api/db", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, []any{}, body["animeList"])
	assert.Equal(t, map[string]any{}, body["animeOrders"])

	list := []models.Anime{
		{ID: 1, Title: "Monster", Type: "TV", Episodes: 74, Status: models.StatusWatching},
		{ID: 2, Title: "Mushishi", Type: "TV", Episodes: 26, Status: models.StatusPlanToWatch},
	}
	w = s.do(t, http.MethodPost, "/api/db", gin.H{"type": "updateAnimeList", "updatedAnimeList": list})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["success"])

	w = s.do(t, http.MethodPost, "/api/db", gin.H{"type": "updateAnimeOrders", "updatedOrders": models.Orders{"custom": {2, 1}}})
	require.Equal(t, http.StatusOK, w.Code)

	got, err := s.store.List()
	require.NoError(t, err)
	assert.Equal(t, list, got)
	orders, err := s.store.Orders()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, orders["custom"])

	w = s.do(t, http.MethodPost, "/api/db", gin.H{"type": "dropEverything"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	dup := []models.Anime{{ID: 1, Title: "A"}, {ID: 1, Title: "B"}}
	w = s.do(t, http.MethodPost, "/api/db", gin.H{"type": "updateAnimeList", "updatedAnimeList": dup})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSaveCoverWritesBack(t *testing.T) {
	s := setupTestServer(t, serverOptions{})
	require.NoError(t, s.store.Create(&models.Anime{ID: 20, Title: "Naruto", CoverImage: "https://cdn.example/20.jpg"}))

	w := s.do(t, http.MethodPut, "/api/db", gin.H{"title": "Naruto", "id": 20})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/anime-covers/naruto-20.webp", decode(t, w)["coverImage"])

	got, err := s.store.Get(20)
	require.NoError(t, err)
	assert.Equal(t, "/anime-covers/naruto-20.webp", got.CoverImage)

	w = s.do(t, http.MethodPut, "/api/db", gin.H{"title": "Ghost", "id": 404})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPut, "/api/db", gin.H{"title": "Naruto"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSaveCoverLooksUpRequestTitle(t *testing.T) {
	s := setupTestServer(t, serverOptions{})
	require.NoError(t, s.store.Create(&models.Anime{ID: 20, Title: "Naruto (Original Broadcast)"}))

	w := s.do(t, http.MethodPut, "/api/db", gin.H{"title": "Naruto", "id": 20})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/anime-covers/naruto-20.webp", decode(t, w)["coverImage"])

	got, err := s.store.Get(20)
	require.NoError(t, err)
	assert.Equal(t, "/anime-covers/naruto-20.webp", got.CoverImage)
	assert.Equal(t, "Naruto (Original Broadcast)", got.Title)
}

func TestAddAnime(t *testing.T) {
	s := setupTestServer(t, serverOptions{})
	require.NoError(t, s.store.Create(&models.Anime{ID: 1, Title: "Monster"}))

	w := s.do(t, http.MethodPost, "/api/anime", gin.H{"title": "naruto"})
	require.Equal(t, http.StatusCreated, w.Code)

	var created models.Anime
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, 20, created.ID)
	assert.Equal(t, "Naruto", created.Title)
	assert.Equal(t, "TV", created.Type)
	assert.Equal(t, 220, created.Episodes)
	assert.Equal(t, models.StatusPlanToWatch, created.Status)
	assert.Equal(t, models.EmptyDate, created.StartDate)
	assert.True(t, strings.HasSuffix(created.CoverImage, "/img/20.webp"))

	list, err := s.store.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 20, list[0].ID, "new entries go to the front")

	w = s.do(t, http.MethodPost, "/api/anime", gin.H{"title": "Naruto"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/api/anime", gin.H{"title": "Xyzzyxnonexistent12345"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/anime", gin.H{"title": " "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/anime", gin.H{"title": "Mystery"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, models.UnknownType, decode(t, w)["type"])
}

func TestUpdateAnime(t *testing.T) {
	s := setupTestServer(t, serverOptions{})
	require.NoError(t, s.store.Create(&models.Anime{ID: 1, Title: "Monster", Episodes: 74, Status: models.StatusWatching}))
	require.NoError(t, s.store.Create(&models.Anime{ID: 2, Title: "Airing", Episodes: 0, Status: models.StatusWatching}))

	tests := []struct {
		name       string
		body       gin.H
		wantStatus int
	}{
		{"missing id", gin.H{"score": 5}, http.StatusBadRequest},
		{"unknown id", gin.H{"id": 99, "score": 5}, http.StatusNotFound},
		{"negative watched", gin.H{"id": 1, "watchedEpisodes": -1}, http.StatusBadRequest},
		{"watched over total", gin.H{"id": 1, "watchedEpisodes": 75}, http.StatusBadRequest},
		{"score too high", gin.H{"id": 1, "score": 11}, http.StatusBadRequest},
		{"score too low", gin.H{"id": 1, "score": -1}, http.StatusBadRequest},
		{"unknown total allows any count", gin.H{"id": 2, "watchedEpisodes": 500}, http.StatusOK},
		{"valid", gin.H{"id": 1, "watchedEpisodes": 10, "score": 9}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPatch, "/api/anime", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}

	got, err := s.store.Get(1)
	require.NoError(t, err)
	assert.Equal(t, 10, got.WatchedEpisodes)
	assert.Equal(t, 9, got.Score)
	assert.Equal(t, models.StatusWatching, got.Status)

	w := s.do(t, http.MethodPatch, "/api/anime", gin.H{"id": 1, "watchedEpisodes": 74})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatusCompleted, decode(t, w)["status"])
}

func TestDeleteAnime(t *testing.T) {
	s := setupTestServer(t, serverOptions{})
	require.NoError(t, s.store.Create(&models.Anime{ID: 1, Title: "Monster"}))
	require.NoError(t, s.store.Create(&models.Anime{ID: 2, Title: "Mushishi"}))
	require.NoError(t, s.store.ReplaceOrders(models.Orders{"custom": {1, 2}}))

	w := s.do(t, http.MethodDelete, "/api/anime?id=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w)["message"], "Monster")

	_, err := s.store.Get(1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	orders, err := s.store.Orders()
	require.NoError(t, err)
	assert.Equal(t, []int{2}, orders["custom"])

	w = s.do(t, http.MethodDelete, "/api/anime?id=1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Anime not found or already deleted.", decode(t, w)["message"])

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodDelete, "/api/anime", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodDelete, "/api/anime?id=x", nil).Code)
}

func TestBackfillEndpoint(t *testing.T) {
	s := setupTestServer(t, serverOptions{})
	require.NoError(t, s.store.ReplaceAll([]models.Anime{
		{ID: 20, Title: "Naruto"},
		{ID: 5, Title: "Nothing"},
	}))

	w := s.do(t, http.MethodPost, "/api/covers/backfill?concurrency=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var report covers.BackfillReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.NotFound)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/covers/backfill?concurrency=-1", nil).Code)
}

func TestAuthProtectsMutations(t *testing.T) {
	s := setupTestServer(t, serverOptions{password: "hunter2"})

	// reads stay public
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/db", nil).Code)

	w := s.do(t, http.MethodPost, "/api/anime", gin.H{"title": "Naruto"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/auth/login", gin.H{"password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/auth/login", gin.H{"password": "hunter2"})
	require.Equal(t, http.StatusOK, w.Code)
	token, _ := decode(t, w)["token"].(string)
	require.NotEmpty(t, token)

	w = s.do(t, http.MethodPost, "/api/anime", gin.H{"title": "Naruto"}, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestLoginWhenAuthDisabled(t *testing.T) {
	s := setupTestServer(t, serverOptions{})

	w := s.do(t, http.MethodPost, "/api/auth/login", gin.H{"password": "anything"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInboundRateLimit(t *testing.T) {
	s := setupTestServer(t, serverOptions{rps: 0.001, burst: 2})

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, s.do(t, http.MethodGet, "/health", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	s := setupTestServer(t, serverOptions{})

	w := s.do(t, http.MethodOptions, "/api/anime", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

// MockProvider implements metadata.Provider for testing
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Lookup(ctx context.Context, title string) (*metadata.ExternalRecord, error) {
	args := m.Called(ctx, title)
	rec, _ := args.Get(0).(*metadata.ExternalRecord)
	return rec, args.Error(1)
}

func TestAddAnimeUpstreamErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"rate limited", &metadata.UpstreamError{StatusCode: http.StatusTooManyRequests}, http.StatusTooManyRequests},
		{"upstream down", &metadata.UpstreamError{StatusCode: http.StatusServiceUnavailable}, http.StatusBadGateway},
		{"throttle closed", throttle.ErrClosed, http.StatusServiceUnavailable},
		{"unexpected", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			store, err := storage.OpenJSONStore(filepath.Join(t.TempDir(), "db.json"))
			require.NoError(t, err)

			provider := new(MockProvider)
			provider.On("Lookup", mock.Anything, "Naruto").Return(nil, tt.err).Once()

			authenticator, err := auth.New("", "")
			require.NoError(t, err)
			router := api.NewRouter(api.RouterConfig{
				Handler:     api.NewHandler(store, storage.DriverJSON, nil, provider, nil),
				AuthHandler: api.NewAuthHandler(authenticator),
				Auth:        authenticator,
			})

			req := httptest.NewRequest(http.MethodPost, "/api/anime", strings.NewReader(`{"title":"Naruto"}`))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			provider.AssertExpectations(t)
		})
	}
}
