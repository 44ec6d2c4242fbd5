package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/memvault/internal/entitystore"
	"github.com/starford/memvault/internal/envelope"
	"github.com/starford/memvault/internal/keys"
	"github.com/starford/memvault/internal/memory"
	"github.com/starford/memvault/internal/models"
	"github.com/starford/memvault/internal/testutil"
)

const owner = "0xowner"

func testServer(t *testing.T) (*Server, *memory.Service) {
	t.Helper()

	f := testutil.NewFakeRemote(owner)
	a, err := entitystore.New(f, testutil.TestKeyIndex(t), entitystore.Config{Owner: owner}, testutil.Logger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.Close)

	km := keys.NewManager()
	if err := km.Initialize([]byte("mcp secret")); err != nil {
		t.Fatal(err)
	}
	c := envelope.New(km, envelope.WithIterations(1000), envelope.WithLogger(testutil.Logger()))
	svc := memory.NewService(a, km, c, memory.Config{Owner: owner}, memory.WithLogger(testutil.Logger()))
	return New(svc, "test"), svc
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go has no direct "call tool" test helper, so handlers are called
	// directly.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "search_memories":
		result, err = srv.searchMemories(ctx, req)
	case "create_memory":
		result, err = srv.createMemory(ctx, req)
	case "get_memory":
		result, err = srv.getMemory(ctx, req)
	case "delete_memory":
		result, err = srv.deleteMemory(ctx, req)
	case "memory_stats":
		result, err = srv.memoryStats(ctx, req)
	case "get_record_format":
		result, err = srv.getRecordFormat(ctx, req)
	case "remember_url":
		result, err = srv.rememberURL(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func createdID(t *testing.T, r *mcp.CallToolResult) string {
	t.Helper()
	if r.IsError {
		t.Fatalf("create failed: %s", resultText(r))
	}
	var saved memory.Saved
	if err := json.Unmarshal([]byte(resultText(r)), &saved); err != nil {
		t.Fatalf("decode create result: %v", err)
	}
	return saved.Memory.ID
}

func TestCreateAndGetMemory(t *testing.T) {
	srv, _ := testServer(t)

	id := createdID(t, callTool(t, srv, "create_memory", map[string]interface{}{
		"content":  "Prefers dark roast coffee",
		"type":     "user_preference",
		"tags":     "coffee, Morning",
		"encrypt":  true,
		"category": "food",
	}))

	r := callTool(t, srv, "get_memory", map[string]interface{}{"id": id})
	if r.IsError {
		t.Fatalf("get failed: %s", resultText(r))
	}
	var rec models.MemoryRecord
	_ = json.Unmarshal([]byte(resultText(r)), &rec)
	if rec.Content != "Prefers dark roast coffee" {
		t.Errorf("content = %q", rec.Content)
	}
	if !rec.Encrypted || rec.Kind != models.KindUserPreference || rec.Category != "food" {
		t.Errorf("record = %+v", rec)
	}
	if strings.Join(rec.Tags, ",") != "coffee,morning" {
		t.Errorf("tags = %v, want [coffee morning]", rec.Tags)
	}
}

func TestCreateMemory_MissingContent(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "create_memory", map[string]interface{}{})
	if !r.IsError {
		t.Error("expected error without content")
	}
}

func TestSearchMemories(t *testing.T) {
	srv, _ := testServer(t)
	callTool(t, srv, "create_memory", map[string]interface{}{"content": "Buy milk", "type": "task"})
	callTool(t, srv, "create_memory", map[string]interface{}{"content": "Call the dentist", "type": "task"})

	r := callTool(t, srv, "search_memories", map[string]interface{}{"query": "milk"})
	var recs []models.MemoryRecord
	if err := json.Unmarshal([]byte(resultText(r)), &recs); err != nil {
		t.Fatalf("decode: %v (%s)", err, resultText(r))
	}
	if len(recs) != 1 || recs[0].Content != "Buy milk" {
		t.Errorf("results = %+v", recs)
	}

	r = callTool(t, srv, "search_memories", map[string]interface{}{"query": "nothing like this"})
	if got := resultText(r); got != "no memories found" {
		t.Errorf("empty search = %q", got)
	}

	r = callTool(t, srv, "search_memories", map[string]interface{}{"type": "poem"})
	if !r.IsError {
		t.Error("expected error for unknown type")
	}
}

func TestGetMemoryMissing(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "get_memory", map[string]interface{}{"id": "nope"})
	if !r.IsError {
		t.Error("expected error for missing memory")
	}
	if got := resultText(r); got != "memory not found" {
		t.Errorf("error = %q", got)
	}
}

func TestGetMemoryLocked(t *testing.T) {
	srv, svc := testServer(t)
	id := createdID(t, callTool(t, srv, "create_memory", map[string]interface{}{"content": "x", "encrypt": true}))
	svc.Lock()

	r := callTool(t, srv, "get_memory", map[string]interface{}{"id": id})
	if !r.IsError || !strings.HasPrefix(resultText(r), "vault is locked") {
		t.Errorf("locked get = %q", resultText(r))
	}
}

func TestDeleteMemory(t *testing.T) {
	srv, _ := testServer(t)
	id := createdID(t, callTool(t, srv, "create_memory", map[string]interface{}{"content": "temporary"}))

	r := callTool(t, srv, "delete_memory", map[string]interface{}{"id": id})
	if got := resultText(r); got != "deleted: "+id {
		t.Errorf("delete = %q", got)
	}
	r = callTool(t, srv, "get_memory", map[string]interface{}{"id": id})
	if !r.IsError {
		t.Error("memory still readable after delete")
	}
}

func TestMemoryStats(t *testing.T) {
	srv, _ := testServer(t)
	callTool(t, srv, "create_memory", map[string]interface{}{"content": "one"})

	r := callTool(t, srv, "memory_stats", map[string]interface{}{})
	var st memory.Stats
	_ = json.Unmarshal([]byte(resultText(r)), &st)
	if st.TotalMemories != 1 || st.SampledMemories != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestRecordFormat(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "get_record_format", nil)
	if resultText(r) != RecordFormatContract {
		t.Error("tool does not return the record format")
	}

	contents, err := srv.readRecordFormatResource(context.Background(), mcp.ReadResourceRequest{})
	if err != nil {
		t.Fatal(err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok || tc.URI != recordFormatURI {
		t.Errorf("resource = %+v", contents[0])
	}
}

func TestRememberURL_DataURI(t *testing.T) {
	srv, _ := testServer(t)
	doc := base64.StdEncoding.EncodeToString([]byte("# Runbook\nRestart the worker #ops"))

	id := createdID(t, callTool(t, srv, "remember_url", map[string]interface{}{
		"url":  "data:text/markdown;base64," + doc,
		"type": "note",
	}))

	r := callTool(t, srv, "get_memory", map[string]interface{}{"id": id})
	var rec models.MemoryRecord
	_ = json.Unmarshal([]byte(resultText(r)), &rec)
	if rec.Metadata.MimeType != "text/markdown" {
		t.Errorf("mime type = %q, want text/markdown", rec.Metadata.MimeType)
	}
	if len(rec.Tags) != 1 || rec.Tags[0] != "ops" {
		t.Errorf("tags = %v, want [ops]", rec.Tags)
	}
}

func TestRememberURL_Rejected(t *testing.T) {
	srv, _ := testServer(t)
	png := base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\n0000"))

	for name, u := range map[string]string{
		"binary":   "data:image/png;base64," + png,
		"plain":    "data:text/plain,hello",
		"scheme":   "ftp://example.com/doc.txt",
		"loopback": "http://127.0.0.1/doc.txt",
		"metadata": "http://169.254.169.254/latest",
	} {
		r := callTool(t, srv, "remember_url", map[string]interface{}{"url": u})
		if !r.IsError {
			t.Errorf("%s: expected error for %s", name, u)
		}
	}
}
