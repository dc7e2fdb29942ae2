package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/memoryweaver/internal/bot"
	"github.com/dmitrijs2005/memoryweaver/internal/common"
	"github.com/dmitrijs2005/memoryweaver/internal/ipfs"
	"github.com/dmitrijs2005/memoryweaver/internal/server/auth"
	"github.com/dmitrijs2005/memoryweaver/internal/server/models"
	"github.com/dmitrijs2005/memoryweaver/internal/server/services"
	"github.com/dmitrijs2005/memoryweaver/internal/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

// -------- test fakes --------

type fakeMemories struct {
	mu sync.Mutex

	created    []services.CreateRequest
	createErr  error
	searchOwn  string
	shared     [2]string
	filter     models.SearchFilter
	deleteErr  error
	deleteKeys []string
	purged     []string
	purgeFail  []string
	enriched   [4]string
	healthy    bool
	healthHook func()
}

func (f *fakeMemories) CreateMemoryWithFile(ctx context.Context, req services.CreateRequest) (*services.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	return &services.CreateResult{MemoryID: "m1", FileID: "f1", FileCount: 1, StorageURL: "https://cdn/k"}, nil
}

func (f *fakeMemories) SearchMemories(ctx context.Context, ownerID string, flt models.SearchFilter) (*services.SearchResult, error) {
	f.searchOwn, f.filter = ownerID, flt
	return &services.SearchResult{Memories: []*models.Memory{{ID: "m1", Title: "Trip"}}, Count: 1}, nil
}

func (f *fakeMemories) SearchShared(ctx context.Context, guildID, requesterID string, flt models.SearchFilter) (*services.SearchResult, error) {
	f.shared = [2]string{guildID, requesterID}
	return &services.SearchResult{Memories: []*models.Memory{}, Count: 0}, nil
}

func (f *fakeMemories) DeleteMemory(ctx context.Context, memoryID, requesterID string) (*services.DeleteResult, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return &services.DeleteResult{MemoryID: memoryID, FileKeysToPurge: f.deleteKeys}, nil
}

func (f *fakeMemories) PurgeObjects(ctx context.Context, keys []string) []string {
	f.purged = keys
	return f.purgeFail
}

func (f *fakeMemories) EnrichIPFS(ctx context.Context, memoryID, requesterID, cid, url string) (int64, error) {
	f.enriched = [4]string{memoryID, requesterID, cid, url}
	if cid == "" {
		return 0, &common.Error{Code: common.CodeValidationFailed, Message: "content address is required"}
	}
	if requesterID != "u1" {
		return 0, &common.Error{Code: common.CodePermissionDenied, Message: "only the owner can change this memory"}
	}
	return 2, nil
}

func (f *fakeMemories) ContentStoreHealth(ctx context.Context) ipfs.Diagnostics {
	if f.healthHook != nil {
		f.healthHook()
	}
	return ipfs.Diagnostics{Healthy: f.healthy}
}

type fakeSessions struct {
	started  sessions.Config
	uploaded services.CreateRequest
	getErr   error
}

func (f *fakeSessions) Start(ctx context.Context, ownerID, guildID string, cfg sessions.Config) (*sessions.Session, error) {
	f.started = cfg
	return &sessions.Session{ID: "s1", OwnerID: ownerID, GuildID: guildID, Config: cfg, Status: sessions.StatusInitialized}, nil
}

func (f *fakeSessions) Get(ctx context.Context, id, requesterID string) (*sessions.Session, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &sessions.Session{ID: id, OwnerID: requesterID}, nil
}

func (f *fakeSessions) UploadFile(ctx context.Context, id string, req services.CreateRequest) (*services.CreateResult, *sessions.Session, error) {
	f.uploaded = req
	return &services.CreateResult{MemoryID: "m1", FileID: "f1", FileCount: 1},
		&sessions.Session{ID: id, MemoryID: "m1", Status: sessions.StatusInProgress}, nil
}

type fakeDispatcher struct {
	got []*bot.Interaction
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, in *bot.Interaction) {
	f.got = append(f.got, in)
}

// -------- helpers --------

func newTestServer(t *testing.T, opts Options) (*Server, *fakeMemories, *fakeSessions, *fakeDispatcher) {
	t.Helper()
	opts.SecretKey = secret
	mem, sess, disp := &fakeMemories{healthy: true}, &fakeSessions{}, &fakeDispatcher{}
	s, err := New(opts, mem, sess, disp, http.NotFoundHandler(), nil)
	require.NoError(t, err)
	return s, mem, sess, disp
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := auth.GenerateToken(user, []byte(secret), time.Minute)
	require.NoError(t, err)
	return "Bearer " + tok
}

func multipartBody(t *testing.T, fields map[string]string, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func do(s *Server, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

// -------- tests --------

func TestHealth(t *testing.T) {
	s, _, _, _ := newTestServer(t, Options{})
	w := do(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(common.RequestIDHeaderName))
}

func TestContentStoreHealth(t *testing.T) {
	s, mem, _, _ := newTestServer(t, Options{})

	w := do(s, httptest.NewRequest(http.MethodGet, "/api/health/content-store", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	mem.healthy = false
	w = do(s, httptest.NewRequest(http.MethodGet, "/api/health/content-store", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAuth(t *testing.T) {
	s, _, _, _ := newTestServer(t, Options{})

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{name: "missing", header: "", want: "missing token"},
		{name: "not bearer", header: "Basic abc", want: "invalid token"},
		{name: "garbage", header: "Bearer nope", want: "invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/memories", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := do(s, r)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, tt.want, decodeError(t, w).Message)
		})
	}

	expired, err := auth.GenerateToken("u1", []byte(secret), -time.Minute)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodGet, "/api/memories", nil)
	r.Header.Set("Authorization", "Bearer "+expired)
	w := do(s, r)
	assert.Equal(t, "token expired", decodeError(t, w).Message)
}

func TestCreateMemory(t *testing.T) {
	s, mem, _, _ := newTestServer(t, Options{})

	body, ct := multipartBody(t, map[string]string{
		"title":    "Trip",
		"tags":     "beach, sun",
		"privacy":  "public",
		"guild_id": "g1",
	}, "a.png", []byte("png"))
	r := httptest.NewRequest(http.MethodPost, "/api/memories", body)
	r.Header.Set("Content-Type", ct)
	r.Header.Set("Authorization", token(t, "u1"))

	w := do(s, r)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var res services.CreateResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, "m1", res.MemoryID)

	require.Len(t, mem.created, 1)
	got := mem.created[0]
	assert.Equal(t, "u1", got.OwnerID)
	assert.Equal(t, "g1", got.GuildID)
	assert.Equal(t, []string{"beach", "sun"}, got.Tags)
	assert.Equal(t, "a.png", got.Filename)
	assert.Equal(t, []byte("png"), got.Data)
}

func TestCreateMemory_Errors(t *testing.T) {
	s, mem, _, _ := newTestServer(t, Options{MaxUploadBytes: 4})

	body, ct := multipartBody(t, map[string]string{"title": "x"}, "", nil)
	r := httptest.NewRequest(http.MethodPost, "/api/memories", body)
	r.Header.Set("Content-Type", ct)
	r.Header.Set("Authorization", token(t, "u1"))
	w := do(s, r)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "missing file", decodeError(t, w).Message)

	body, ct = multipartBody(t, nil, "a.png", []byte("too big"))
	r = httptest.NewRequest(http.MethodPost, "/api/memories", body)
	r.Header.Set("Content-Type", ct)
	r.Header.Set("Authorization", token(t, "u1"))
	w = do(s, r)
	assert.Equal(t, "upload is too large", decodeError(t, w).Message)

	mem.createErr = &common.Error{
		Code:    common.CodeValidationFailed,
		Message: "file rejected",
		Reasons: []string{"extension .exe is not allowed"},
	}
	body, ct = multipartBody(t, nil, "a.exe", []byte("x"))
	r = httptest.NewRequest(http.MethodPost, "/api/memories", body)
	r.Header.Set("Content-Type", ct)
	r.Header.Set("Authorization", token(t, "u1"))
	w = do(s, r)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.JSONEq(t, `{"code":"VALIDATION_FAILED","message":"file rejected","reasons":["extension .exe is not allowed"]}`, w.Body.String())

	mem.createErr = common.Errorf(common.CodeStorageWriteFailed, "could not store the file", "bucket unreachable")
	body, ct = multipartBody(t, nil, "a.png", []byte("x"))
	r = httptest.NewRequest(http.MethodPost, "/api/memories", body)
	r.Header.Set("Content-Type", ct)
	r.Header.Set("Authorization", token(t, "u1"))
	w = do(s, r)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotContains(t, w.Body.String(), "bucket unreachable")
}

func TestSearchMemories(t *testing.T) {
	s, mem, _, _ := newTestServer(t, Options{})

	r := httptest.NewRequest(http.MethodGet, "/api/memories?tag=beach&q=sun&limit=5&offset=10", nil)
	r.Header.Set("Authorization", token(t, "u1"))
	w := do(s, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", mem.searchOwn)
	assert.Equal(t, models.SearchFilter{Tag: "beach", Query: "sun", Limit: 5, Offset: 10}, mem.filter)

	r = httptest.NewRequest(http.MethodGet, "/api/memories?limit=-1", nil)
	r.Header.Set("Authorization", token(t, "u1"))
	w = do(s, r)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, []string{"limit must be a non-negative integer"}, decodeError(t, w).Reasons)
}

func TestSearchShared_AnonymousAllowed(t *testing.T) {
	s, mem, _, _ := newTestServer(t, Options{})

	w := do(s, httptest.NewRequest(http.MethodGet, "/api/groups/g1/memories", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, [2]string{"g1", ""}, mem.shared)

	r := httptest.NewRequest(http.MethodGet, "/api/groups/g1/memories", nil)
	r.Header.Set("Authorization", token(t, "u2"))
	w = do(s, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, [2]string{"g1", "u2"}, mem.shared)

	r = httptest.NewRequest(http.MethodGet, "/api/groups/g1/memories", nil)
	r.Header.Set("Authorization", "Bearer bad")
	w = do(s, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDeleteMemory(t *testing.T) {
	s, mem, _, _ := newTestServer(t, Options{})
	mem.deleteKeys = []string{"k1", "k2"}
	mem.purgeFail = []string{"k2"}

	r := httptest.NewRequest(http.MethodDelete, "/api/memories/m1", nil)
	r.Header.Set("Authorization", token(t, "u1"))
	w := do(s, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"memory_id":"m1","purged_keys":["k1"],"purge_failed":["k2"]}`, w.Body.String())
	assert.Equal(t, []string{"k1", "k2"}, mem.purged)

	mem.deleteErr = common.Errorf(common.CodePermissionDenied, "you can only delete your own memories", "u2 is not owner")
	r = httptest.NewRequest(http.MethodDelete, "/api/memories/m1", nil)
	r.Header.Set("Authorization", token(t, "u2"))
	w = do(s, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "PERMISSION_DENIED", decodeError(t, w).Code)
}

func TestEnrichIPFS(t *testing.T) {
	s, mem, _, _ := newTestServer(t, Options{})

	r := httptest.NewRequest(http.MethodPost, "/api/memories/m1/ipfs", strings.NewReader(`{"cid":"bafy","url":"https://gw/bafy"}`))
	r.Header.Set("Authorization", token(t, "u1"))
	w := do(s, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"rows_affected":2}`, w.Body.String())
	assert.Equal(t, [4]string{"m1", "u1", "bafy", "https://gw/bafy"}, mem.enriched)

	r = httptest.NewRequest(http.MethodPost, "/api/memories/m1/ipfs", strings.NewReader(`{`))
	r.Header.Set("Authorization", token(t, "u1"))
	w = do(s, r)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	r = httptest.NewRequest(http.MethodPost, "/api/memories/m1/ipfs", strings.NewReader(`{"cid":"bafyEvil"}`))
	r.Header.Set("Authorization", token(t, "mallory"))
	w = do(s, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "mallory", mem.enriched[1])
}

func TestUploadSessions(t *testing.T) {
	s, _, sess, _ := newTestServer(t, Options{})

	r := httptest.NewRequest(http.MethodPost, "/upload-sessions", strings.NewReader(`{"guild_id":"g1","config":{"max_files":3}}`))
	r.Header.Set("Authorization", token(t, "u1"))
	w := do(s, r)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, 3, sess.started.MaxFiles)

	body, ct := multipartBody(t, map[string]string{"title": "Batch"}, "a.png", []byte("png"))
	r = httptest.NewRequest(http.MethodPost, "/upload-sessions/s1/files", body)
	r.Header.Set("Content-Type", ct)
	r.Header.Set("Authorization", token(t, "u1"))
	w = do(s, r)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "u1", sess.uploaded.OwnerID)

	var res sessionFileResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, "m1", res.Session.MemoryID)

	sess.getErr = common.Errorf(common.CodeSessionNotFound, "upload session not found", "s9")
	r = httptest.NewRequest(http.MethodGet, "/upload-sessions/s9", nil)
	r.Header.Set("Authorization", token(t, "u1"))
	w = do(s, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInteractions_Signature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s, _, _, disp := newTestServer(t, Options{DiscordPublicKey: hex.EncodeToString(pub)})

	sign := func(r *http.Request, ts, body string) {
		r.Header.Set("X-Signature-Timestamp", ts)
		r.Header.Set("X-Signature-Ed25519", hex.EncodeToString(ed25519.Sign(priv, []byte(ts+body))))
	}

	ping := `{"id":"i0","type":1}`
	r := httptest.NewRequest(http.MethodPost, "/interactions", strings.NewReader(ping))
	sign(r, "1700000000", ping)
	w := do(s, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"type":1}`, w.Body.String())

	r = httptest.NewRequest(http.MethodPost, "/interactions", strings.NewReader(ping))
	sign(r, "1700000000", `{"id":"other","type":1}`)
	w = do(s, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	r = httptest.NewRequest(http.MethodPost, "/interactions", strings.NewReader(ping))
	w = do(s, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	cmd := `{"id":"i1","type":2,"token":"t","guild_id":"g1","member":{"user":{"id":"u1"}},"data":{"name":"upload"}}`
	r = httptest.NewRequest(http.MethodPost, "/interactions", strings.NewReader(cmd))
	sign(r, "1700000001", cmd)
	w = do(s, r)
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, disp.got, 1)
	assert.Equal(t, "u1", disp.got[0].UserID())
	assert.Equal(t, "upload", disp.got[0].Data.Name)
}

func TestInteractions_NotMountedWithoutPublicKey(t *testing.T) {
	s, _, _, disp := newTestServer(t, Options{})

	cmd := `{"id":"i1","type":2,"token":"t","member":{"user":{"id":"victim"}},"data":{"name":"upload"}}`
	r := httptest.NewRequest(http.MethodPost, "/interactions", strings.NewReader(cmd))
	w := do(s, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, disp.got)

	r = httptest.NewRequest(http.MethodPost, "/interactions", strings.NewReader(cmd))
	assert.False(t, s.verify(r, []byte(cmd)))
}

func TestNew_BadPublicKey(t *testing.T) {
	_, err := New(Options{DiscordPublicKey: "zz"}, &fakeMemories{}, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	s, _, _, _ := newTestServer(t, Options{Address: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after context cancel")
	}
}

func TestRun_DrainsInFlightRequests(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	s, mem, _, _ := newTestServer(t, Options{Address: addr, ShutdownTimeout: 5 * time.Second})
	entered := make(chan struct{})
	var once sync.Once
	var finished atomic.Bool
	mem.healthHook = func() {
		once.Do(func() { close(entered) })
		time.Sleep(300 * time.Millisecond)
		finished.Store(true)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	go func() {
		for i := 0; i < 100; i++ {
			resp, err := http.Get("http://" + addr + "/api/health/content-store")
			if err == nil {
				resp.Body.Close()
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the handler")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.True(t, finished.Load(), "Run returned before the handler finished")
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after context cancel")
	}
}

func TestRun_ReturnsErrorOnBadAddress(t *testing.T) {
	s, _, _, _ := newTestServer(t, Options{Address: "127.0.0.1:99999"})
	assert.Error(t, s.Run(context.Background()))
}
