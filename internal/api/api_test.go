package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/memvault/internal/apperr"
	"github.com/starford/memvault/internal/entitystore"
	"github.com/starford/memvault/internal/envelope"
	"github.com/starford/memvault/internal/keys"
	"github.com/starford/memvault/internal/memory"
	"github.com/starford/memvault/internal/models"
	"github.com/starford/memvault/internal/testutil"
)

const (
	testOwner  = "0xowner"
	testSecret = "open sesame"
)

// testEnv builds a router over an in-memory remote with an unlocked vault.
// An empty authToken disables auth.
func testEnv(t *testing.T, authToken string) (http.Handler, *testutil.FakeRemote) {
	t.Helper()
	return testEnvWithSSE(t, authToken != "", authToken, nil)
}

func testEnvWithSSE(t *testing.T, authEnabled bool, token string, sseHandler http.Handler) (http.Handler, *testutil.FakeRemote) {
	t.Helper()
	f := testutil.NewFakeRemote(testOwner)
	a, err := entitystore.New(f, testutil.TestKeyIndex(t), entitystore.Config{Owner: testOwner}, testutil.Logger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.Close)

	km := keys.NewManager()
	if err := km.Initialize([]byte(testSecret)); err != nil {
		t.Fatal(err)
	}
	c := envelope.New(km, envelope.WithIterations(1000), envelope.WithLogger(testutil.Logger()))
	svc := memory.NewService(a, km, c, memory.Config{Owner: testOwner}, memory.WithLogger(testutil.Logger()))
	return NewRouter(svc, authEnabled, token, sseHandler), f
}

func do(t *testing.T, router http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func create(t *testing.T, router http.Handler, body map[string]any) memory.Saved {
	t.Helper()
	w := do(t, router, http.MethodPost, "/memories", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var saved memory.Saved
	if err := json.Unmarshal(w.Body.Bytes(), &saved); err != nil {
		t.Fatal(err)
	}
	return saved
}

func TestCreateAndGetMemory(t *testing.T) {
	router, _ := testEnv(t, "")

	saved := create(t, router, map[string]any{"content": "Buy milk #errands", "type": "task"})
	if saved.Write.RemoteKey == "" {
		t.Error("no remote key returned")
	}
	if saved.Memory.Kind != models.KindTask {
		t.Errorf("type = %q, want task", saved.Memory.Kind)
	}

	w := do(t, router, http.MethodGet, "/memories/"+saved.Memory.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("ETag"); got != `"1"` {
		t.Errorf("ETag = %q, want %q", got, `"1"`)
	}
	var rec Memory
	_ = json.Unmarshal(w.Body.Bytes(), &rec)
	if rec.Content != "Buy milk #errands" {
		t.Errorf("content = %q", rec.Content)
	}
	if len(rec.Tags) != 1 || rec.Tags[0] != "errands" {
		t.Errorf("tags = %v, want [errands]", rec.Tags)
	}
}

func TestCreateEncryptedRoundTrip(t *testing.T) {
	router, f := testEnv(t, "")

	saved := create(t, router, map[string]any{"content": "pin is 1234", "encrypt": true})
	payload, _ := f.Payload(saved.Write.RemoteKey)
	if strings.Contains(string(payload), "1234") {
		t.Fatalf("plaintext stored remotely: %s", payload)
	}

	w := do(t, router, http.MethodGet, "/memories/"+saved.Memory.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var rec Memory
	_ = json.Unmarshal(w.Body.Bytes(), &rec)
	if rec.Content != "pin is 1234" || !rec.Encrypted {
		t.Errorf("got content %q encrypted %v", rec.Content, rec.Encrypted)
	}
}

func TestCreateInvalid(t *testing.T) {
	router, _ := testEnv(t, "")

	if w := do(t, router, http.MethodPost, "/memories", map[string]any{"content": "  "}); w.Code != http.StatusBadRequest {
		t.Errorf("empty content = %d, want 400", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/memories", map[string]any{"content": "x", "type": "poem"}); w.Code != http.StatusBadRequest {
		t.Errorf("unknown type = %d, want 400", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/memories", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad JSON = %d, want 400", w.Code)
	}
}

func TestUpdateWithIfMatch(t *testing.T) {
	router, _ := testEnv(t, "")
	saved := create(t, router, map[string]any{"content": "v1"})
	path := "/memories/" + saved.Memory.ID

	w := do(t, router, http.MethodPatch, path, map[string]any{"content": "v2"}, "If-Match", `"1"`)
	if w.Code != http.StatusOK {
		t.Fatalf("update with current version = %d, body = %s", w.Code, w.Body.String())
	}
	var updated memory.Saved
	_ = json.Unmarshal(w.Body.Bytes(), &updated)
	if updated.Memory.Metadata.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Memory.Metadata.Version)
	}
	if updated.Write.RemoteKey != saved.Write.RemoteKey {
		t.Errorf("remote key changed: %q -> %q", saved.Write.RemoteKey, updated.Write.RemoteKey)
	}

	w = do(t, router, http.MethodPatch, path, map[string]any{"content": "v3"}, "If-Match", `"1"`)
	if w.Code != http.StatusConflict {
		t.Errorf("update with stale version = %d, want 409", w.Code)
	}

	w = do(t, router, http.MethodPatch, path, map[string]any{"content": "v3"}, "If-Match", "abc")
	if w.Code != http.StatusBadRequest {
		t.Errorf("update with bad If-Match = %d, want 400", w.Code)
	}
}

func TestUpdateWithoutIfMatch(t *testing.T) {
	router, _ := testEnv(t, "")
	saved := create(t, router, map[string]any{"content": "v1"})

	w := do(t, router, http.MethodPatch, "/memories/"+saved.Memory.ID, map[string]any{"category": "work"})
	if w.Code != http.StatusOK {
		t.Errorf("update without If-Match = %d, want 200", w.Code)
	}
}

func TestUpdateMemory_NotFound(t *testing.T) {
	router, _ := testEnv(t, "")

	w := do(t, router, http.MethodPatch, "/memories/ghost", map[string]any{"content": "x"})
	if w.Code != http.StatusNotFound {
		t.Errorf("update missing = %d, want 404", w.Code)
	}
}

func TestDeleteMemory(t *testing.T) {
	router, f := testEnv(t, "")
	saved := create(t, router, map[string]any{"content": "gone"})

	w := do(t, router, http.MethodDelete, "/memories/"+saved.Memory.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete = %d, want 204", w.Code)
	}
	if f.Len() != 0 {
		t.Errorf("remote still holds %d entities", f.Len())
	}

	w = do(t, router, http.MethodGet, "/memories/"+saved.Memory.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}
}

func TestDeleteMemory_Rejected(t *testing.T) {
	router, f := testEnv(t, "")
	saved := create(t, router, map[string]any{"content": "sticky"})
	f.DeleteErr = fmt.Errorf("rpc: %w", apperr.ErrRemoteUnavailable)

	w := do(t, router, http.MethodDelete, "/memories/"+saved.Memory.ID, nil)
	if w.Code != http.StatusBadGateway {
		t.Errorf("rejected delete = %d, want 502", w.Code)
	}
}

func TestGetMemory_NotFound(t *testing.T) {
	router, _ := testEnv(t, "")

	w := do(t, router, http.MethodGet, "/memories/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing memory = %d, want 404", w.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	router, _ := testEnv(t, "")
	create(t, router, map[string]any{"content": "Buy milk", "type": "task"})
	create(t, router, map[string]any{"content": "Call mom", "type": "task"})
	create(t, router, map[string]any{"content": "milk is in the fridge", "type": "note"})

	w := do(t, router, http.MethodGet, "/memories?q=MILK&type=task", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search = %d, body = %s", w.Code, w.Body.String())
	}
	var resp SearchResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 1 || resp.Results[0].Content != "Buy milk" {
		t.Errorf("results = %+v", resp.Results)
	}

	w = do(t, router, http.MethodGet, "/memories?limit=2", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 2 {
		t.Errorf("limited count = %d, want 2", resp.Count)
	}

	w = do(t, router, http.MethodGet, "/memories?type=poem", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown type = %d, want 400", w.Code)
	}
}

func TestSearchEndpoint_Empty(t *testing.T) {
	router, _ := testEnv(t, "")

	w := do(t, router, http.MethodGet, "/memories?q=nothing", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"results":[]`) {
		t.Errorf("body = %s, want empty results array", w.Body.String())
	}
}

func TestSearchEndpoint_EnumerationFailed(t *testing.T) {
	router, f := testEnv(t, "")
	f.QueryErr = fmt.Errorf("rpc: %w", apperr.ErrRemoteUnavailable)

	w := do(t, router, http.MethodGet, "/memories", nil)
	if w.Code != http.StatusBadGateway {
		t.Errorf("search with remote down = %d, want 502", w.Code)
	}
}

func TestSessionLockUnlock(t *testing.T) {
	router, _ := testEnv(t, "")
	saved := create(t, router, map[string]any{"content": "diary", "encrypt": true})

	if w := do(t, router, http.MethodPost, "/session/lock", nil); w.Code != http.StatusOK {
		t.Fatalf("lock = %d", w.Code)
	}
	var sess SessionResponse
	w := do(t, router, http.MethodGet, "/session", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &sess)
	if !sess.Locked {
		t.Error("session not locked")
	}

	if w := do(t, router, http.MethodGet, "/memories/"+saved.Memory.ID, nil); w.Code != http.StatusLocked {
		t.Errorf("get while locked = %d, want 423", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/memories", map[string]any{"content": "x", "encrypt": true}); w.Code != http.StatusLocked {
		t.Errorf("encrypted create while locked = %d, want 423", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/session/unlock", UnlockRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("unlock without secret = %d, want 400", w.Code)
	}

	if w := do(t, router, http.MethodPost, "/session/unlock", UnlockRequest{Secret: testSecret}); w.Code != http.StatusOK {
		t.Fatalf("unlock = %d", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/memories/"+saved.Memory.ID, nil); w.Code != http.StatusOK {
		t.Errorf("get after unlock = %d, want 200", w.Code)
	}
}

func TestWrongSecretIsUnprocessable(t *testing.T) {
	router, _ := testEnv(t, "")
	saved := create(t, router, map[string]any{"content": "diary", "encrypt": true})

	do(t, router, http.MethodPost, "/session/lock", nil)
	do(t, router, http.MethodPost, "/session/unlock", UnlockRequest{Secret: "wrong"})

	w := do(t, router, http.MethodGet, "/memories/"+saved.Memory.ID, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("get with wrong secret = %d, want 422", w.Code)
	}
}

func TestPermissions(t *testing.T) {
	router, _ := testEnv(t, "")
	saved := create(t, router, map[string]any{"content": "shared"})
	base := "/memories/" + saved.Memory.ID + "/permissions"

	w := do(t, router, http.MethodPost, base, GrantRequest{Grantee: "0xbob", Actions: []string{"read"}})
	if w.Code != http.StatusOK {
		t.Fatalf("grant = %d, body = %s", w.Code, w.Body.String())
	}
	var got memory.Saved
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if len(got.Memory.AccessPolicy.Permissions) != 1 {
		t.Errorf("permissions = %+v", got.Memory.AccessPolicy.Permissions)
	}

	if w := do(t, router, http.MethodPost, base, GrantRequest{Grantee: "0xbob", Actions: []string{"fly"}}); w.Code != http.StatusBadRequest {
		t.Errorf("invalid action = %d, want 400", w.Code)
	}
	if w := do(t, router, http.MethodDelete, base+"/0xbob", nil); w.Code != http.StatusOK {
		t.Errorf("revoke = %d, want 200", w.Code)
	}
	if w := do(t, router, http.MethodDelete, base+"/0xbob", nil); w.Code != http.StatusNotFound {
		t.Errorf("second revoke = %d, want 404", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	router, _ := testEnv(t, "")
	create(t, router, map[string]any{"content": "one"})
	create(t, router, map[string]any{"content": "two", "encrypt": true})

	w := do(t, router, http.MethodGet, "/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats = %d", w.Code)
	}
	var st StatsResponse
	_ = json.Unmarshal(w.Body.Bytes(), &st)
	if st.TotalMemories != 2 || st.EncryptedInSample != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestResyncEndpoint(t *testing.T) {
	router, f := testEnv(t, "")
	create(t, router, map[string]any{"content": "known"})
	f.Put(testOwner, []byte("{}"))

	w := do(t, router, http.MethodPost, "/resync", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resync = %d", w.Code)
	}
	var res ResyncResponse
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if res.Total != 2 || res.Added != 1 {
		t.Errorf("resync = %+v, want total 2 added 1", res)
	}
}

func TestExportImport(t *testing.T) {
	router, f := testEnv(t, "")
	create(t, router, map[string]any{"content": "plain one", "category": "home"})
	create(t, router, map[string]any{"content": "sealed two", "encrypt": true})

	w := do(t, router, http.MethodGet, "/export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export = %d", w.Code)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment;") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	exported := w.Body.Bytes()
	var recs []Memory
	if err := json.Unmarshal(exported, &recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("exported %d records, want 2", len(recs))
	}
	for _, r := range recs {
		if strings.HasPrefix(r.Content, "{") {
			t.Errorf("export leaked sealed content: %q", r.Content)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/import", bytes.NewReader(exported))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("import = %d, body = %s", w.Code, w.Body.String())
	}
	var resp ImportResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Imported != 2 || len(resp.Failed) != 0 {
		t.Errorf("import = %+v", resp)
	}
	if f.Len() != 4 {
		t.Errorf("remote holds %d entities, want 4", f.Len())
	}
}

func TestImportMultipart(t *testing.T) {
	router, _ := testEnv(t, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "export.json")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write([]byte(`[{"content":"from file","type":"note"},{"content":"","type":"note"}]`))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("import = %d, body = %s", w.Code, w.Body.String())
	}
	var resp ImportResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Imported != 1 || len(resp.Failed) != 1 || resp.Failed[0].Index != 1 {
		t.Errorf("import = %+v, want one imported and item 1 failed", resp)
	}
}

func TestImportInvalidBody(t *testing.T) {
	router, _ := testEnv(t, "")

	req := httptest.NewRequest(http.MethodPost, "/import", strings.NewReader(`{"content":"not an array"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("import object = %d, want 400", w.Code)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	router, _ := testEnv(t, "secret123")

	w := do(t, router, http.MethodPost, "/memories", map[string]any{"content": "test"},
		"Authorization", "Bearer secret123")
	if w.Code != http.StatusCreated {
		t.Errorf("authed create = %d, want 201", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	router, _ := testEnv(t, "secret123")

	w := do(t, router, http.MethodGet, "/memories", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	router, _ := testEnv(t, "secret123")

	w := do(t, router, http.MethodGet, "/memories", nil, "Authorization", "Bearer wrong")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	router, _ := testEnv(t, "")

	w := do(t, router, http.MethodGet, "/memories", nil)
	if w.Code != http.StatusOK {
		t.Errorf("no auth = %d, want 200", w.Code)
	}
}

// stubSSE writes headers and blocks until the request context is done.
var stubSSE = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	<-r.Context().Done()
})

func TestSSEEvents_AuthProtected(t *testing.T) {
	router, _ := testEnvWithSSE(t, true, "secret", stubSSE)

	w := do(t, router, http.MethodGet, "/events", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	router, _ := testEnvWithSSE(t, true, "tok", stubSSE)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with valid token should not 401")
	}
}
