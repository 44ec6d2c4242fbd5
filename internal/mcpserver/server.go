// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes memvault tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/memvault/internal/apperr"
	"github.com/starford/memvault/internal/memory"
	"github.com/starford/memvault/internal/models"
)

const (
	recordFormatURI    = "memvault://record-format"
	defaultSearchLimit = 20
)

// Server wraps the MCP server with memvault tools.
type Server struct {
	mcp    *server.MCPServer
	svc    *memory.Service
	client *http.Client
}

// New creates a new MCP server with all memvault tools registered.
func New(svc *memory.Service, version string) *Server {
	s := &Server{svc: svc}
	s.client = &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects (max 5)")
			}
			return checkBlockedHost(req.URL.Hostname())
		},
	}

	s.mcp = server.NewMCPServer(
		"Memvault",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	kinds := make([]string, len(models.Kinds))
	for i, k := range models.Kinds {
		kinds[i] = string(k)
	}

	s.mcp.AddTool(mcp.NewTool("search_memories",
		mcp.WithDescription("Case-insensitive search over memory content, category, type and tags. "+
			"An empty query lists the most recent memories."),
		mcp.WithString("query", mcp.Description("Text to look for")),
		mcp.WithString("type", mcp.Description("Only return memories of this type"), mcp.Enum(kinds...)),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
	), s.searchMemories)

	s.mcp.AddTool(mcp.NewTool("create_memory",
		mcp.WithDescription("Store a new memory. Content may carry YAML frontmatter, #hashtags and "+
			"[[memory-id]] links; read the format via get_record_format or the "+
			recordFormatURI+" resource."),
		mcp.WithString("content", mcp.Required(), mcp.Description("Memory content")),
		mcp.WithString("type", mcp.Description("Memory type"), mcp.Enum(kinds...)),
		mcp.WithString("category", mcp.Description("Category (default general)")),
		mcp.WithString("tags", mcp.Description("Comma separated tags")),
		mcp.WithBoolean("encrypt", mcp.Description("Encrypt the content with the vault secret")),
	), s.createMemory)

	s.mcp.AddTool(mcp.NewTool("get_memory",
		mcp.WithDescription("Read a memory by id, with decrypted content."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Memory id")),
	), s.getMemory)

	s.mcp.AddTool(mcp.NewTool("delete_memory",
		mcp.WithDescription("Delete a memory by id."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Memory id")),
	), s.deleteMemory)

	s.mcp.AddTool(mcp.NewTool("memory_stats",
		mcp.WithDescription("Estimate how many memories are stored and how much space they use."),
	), s.memoryStats)

	s.mcp.AddTool(mcp.NewTool("get_record_format",
		mcp.WithDescription("Returns the memvault record format. "+
			"Call this before creating memories to use frontmatter, tags and links correctly."),
	), s.getRecordFormat)

	s.mcp.AddTool(mcp.NewTool("remember_url",
		mcp.WithDescription("Fetch a text document from an http(s) or base64 data: URL and store it as a memory."),
		mcp.WithString("url", mcp.Required(), mcp.Description("http, https or data: URL of a text document")),
		mcp.WithString("type", mcp.Description("Memory type"), mcp.Enum(kinds...)),
		mcp.WithString("category", mcp.Description("Category (default general)")),
		mcp.WithBoolean("encrypt", mcp.Description("Encrypt the content with the vault secret")),
	), s.rememberURL)

	s.mcp.AddResource(
		mcp.NewResource(recordFormatURI, "Record Format",
			mcp.WithResourceDescription("How memory content is written and what a stored record looks like."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readRecordFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) searchMemories(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", defaultSearchLimit)
	kind := models.Kind(req.GetString("type", ""))
	results, err := s.svc.Search(ctx, req.GetString("query", ""), kind, limit)
	if err != nil {
		return toolError(err), nil
	}
	if len(results) == 0 {
		return mcp.NewToolResultText("no memories found"), nil
	}
	return jsonResult(results)
}

func (s *Server) createMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	saved, err := s.svc.Create(ctx, memory.CreateInput{
		Content:  content,
		Kind:     models.Kind(req.GetString("type", "")),
		Category: req.GetString("category", ""),
		Tags:     splitTags(req.GetString("tags", "")),
		Encrypt:  req.GetBool("encrypt", false),
	})
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(saved)
}

func (s *Server) getMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.svc.Get(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(rec)
}

func (s *Server) deleteMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ok, err := s.svc.Delete(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("entity store rejected the delete of %s", id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("deleted: %s", id)), nil
}

func (s *Server) memoryStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.svc.Stats(ctx)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(st)
}

func (s *Server) getRecordFormat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(RecordFormatContract), nil
}

func (s *Server) readRecordFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      recordFormatURI,
			MIMEType: "text/markdown",
			Text:     RecordFormatContract,
		},
	}, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// toolError turns service errors into messages a model can act on.
func toolError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError("memory not found")
	case errors.Is(err, apperr.ErrNotConfigured):
		return mcp.NewToolResultError("vault is locked: unlock it with the master secret first")
	case errors.Is(err, apperr.ErrDecryptionFailed), errors.Is(err, apperr.ErrKeyNotFound):
		return mcp.NewToolResultError("memory cannot be decrypted with the current secret")
	case errors.Is(err, apperr.ErrRemoteUnavailable), errors.Is(err, apperr.ErrEnumerationFailed):
		return mcp.NewToolResultError("entity store unavailable: " + err.Error())
	}
	return mcp.NewToolResultError(err.Error())
}

func splitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, ",")
}
