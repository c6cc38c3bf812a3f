package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testSecret   = "test-secret"
	testPassword = "correct-horse"
)

// memStore is an in-memory Store with the same ownership and not-found
// semantics as PostgreSQLDatabase.
type memStore struct {
	mu      sync.Mutex
	nextID  int64
	users   map[string]User
	maps    map[string]ImageMap
	pingErr error
}

func newMemStore() *memStore {
	return &memStore{
		users: make(map[string]User),
		maps:  make(map[string]ImageMap),
	}
}

func (m *memStore) CreateUser(_ context.Context, username, passwordHash string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[username]; ok {
		return User{}, ErrUsernameTaken
	}

	m.nextID++
	u := User{ID: m.nextID, Username: username, PasswordHash: passwordHash, CreatedAt: time.Now()}
	m.users[username] = u

	return u, nil
}

func (m *memStore) GetUserByUsername(_ context.Context, username string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[username]
	if !ok {
		return User{}, ErrNotFound
	}

	return u, nil
}

func (m *memStore) CreateImageMap(_ context.Context, im ImageMap) (ImageMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	im.CreatedAt, im.UpdatedAt = now, now
	m.maps[im.ID] = im

	return im, nil
}

func (m *memStore) ListImageMaps(_ context.Context, userID int64) ([]ImageMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := []ImageMap{}
	for _, im := range m.maps {
		if im.UserID == userID {
			items = append(items, im)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })

	return items, nil
}

func (m *memStore) owned(userID int64, id string) (ImageMap, error) {
	im, ok := m.maps[id]
	if !ok || im.UserID != userID {
		return ImageMap{}, ErrNotFound
	}
	return im, nil
}

func (m *memStore) GetImageMap(_ context.Context, userID int64, id string) (ImageMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.owned(userID, id)
}

func (m *memStore) UpdateImageMapImage(_ context.Context, userID int64, id, imageName, imageKey, contentType string) (ImageMap, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	im, err := m.owned(userID, id)
	if err != nil {
		return ImageMap{}, "", err
	}

	prevKey := im.ImageKey
	im.ImageName, im.ImageKey, im.ContentType = imageName, imageKey, contentType
	im.UpdatedAt = time.Now()
	m.maps[id] = im

	return im, prevKey, nil
}

func (m *memStore) UpdateImageMapAttributes(_ context.Context, userID int64, id string, patch ImageMapPatch) (ImageMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	im, err := m.owned(userID, id)
	if err != nil {
		return ImageMap{}, err
	}

	if patch.Name != nil {
		im.Name = *patch.Name
	}
	if patch.Areas != nil {
		im.Areas = *patch.Areas
	}
	im.UpdatedAt = time.Now()
	m.maps[id] = im

	return im, nil
}

func (m *memStore) DeleteImageMap(_ context.Context, userID int64, id string) (ImageMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	im, err := m.owned(userID, id)
	if err != nil {
		return ImageMap{}, err
	}
	delete(m.maps, id)

	return im, nil
}

func (m *memStore) Ping(context.Context) error {
	return m.pingErr
}

type testEnv struct {
	server *httptest.Server
	api    *APIServer
	store  *memStore
	blobs  *DiskStorage
	cfg    *Config
}

func testConfig(t *testing.T) *Config {
	t.Helper()

	cfg := newConfig()
	cfg.DatabaseURL = "postgres://unused"
	cfg.JWTSecret = testSecret
	cfg.StorageDir = t.TempDir()
	cfg.applyDefaults()
	require.NoError(t, cfg.validate())

	return cfg
}

func setupHttptestServer(t *testing.T, cfg *Config) *testEnv {
	t.Helper()

	if cfg == nil {
		cfg = testConfig(t)
	}

	blobs, err := NewDiskStorage(cfg.StorageDir)
	require.NoError(t, err)

	store := newMemStore()
	s := NewAPIServer(cfg, store, blobs, NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL), NewMetrics())
	s.bcryptCost = bcrypt.MinCost

	srv := httptest.NewServer(s.routes())
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, api: s, store: store, blobs: blobs, cfg: cfg}
}

// newUser registers a user directly in the store and returns a bearer token.
func (e *testEnv) newUser(t *testing.T, username string) (User, string) {
	t.Helper()

	h, err := hashPassword(testPassword, bcrypt.MinCost)
	require.NoError(t, err)

	user, err := e.store.CreateUser(context.Background(), username, string(h))
	require.NoError(t, err)

	token, err := e.api.tokens.NewJWTAccessToken(user)
	require.NoError(t, err)

	return user, token.Access
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()

	if body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequest(method, e.server.URL+path, body)
	require.NoError(t, err)

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func (e *testEnv) doJSON(t *testing.T, method, path, token string, v any) *http.Response {
	t.Helper()

	b, err := json.Marshal(v)
	require.NoError(t, err)

	return e.do(t, method, path, token, bytes.NewReader(b), "application/json")
}

// createImageMap uploads a PNG through the API and returns the created map.
func (e *testEnv) createImageMap(t *testing.T, token, name, areas string) ImageMap {
	t.Helper()

	fields := map[string]string{"name": name}
	if areas != "" {
		fields["areas"] = areas
	}

	body, contentType := imageForm(t, fields, "floor.png", testPNG(t))
	resp := e.do(t, http.MethodPost, "/image-maps", token, body, contentType)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var m ImageMap
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))

	return m
}

func imageForm(t *testing.T, fields map[string]string, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()

	var bf bytes.Buffer
	w := multipart.NewWriter(&bf)

	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}

	if filename != "" {
		fw, err := w.CreateFormFile("image", filename)
		require.NoError(t, err)

		_, err = io.Copy(fw, bytes.NewReader(data))
		require.NoError(t, err)
	}

	require.NoError(t, w.Close())

	return &bf, w.FormDataContentType()
}

func testPNG(t *testing.T) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	return buf.Bytes()
}

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

func decodeError(t *testing.T, resp *http.Response) errorResponse {
	t.Helper()

	var e errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))

	return e
}
