// Package discovery lets agents find gated services over an SSE stream
// carrying JSON-RPC 2.0. get_service_info hands the caller the gated entry
// URL; everything after that goes through the normal pipeline.
package discovery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "highstation-gatekeeper"

	maxMessageBytes = 1 << 20
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Catalog answers the discovery tools. Results are marshalled as-is.
type Catalog interface {
	Search(ctx context.Context, query string) (any, error)
	Info(ctx context.Context, slug string) (any, error)
}

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type toolCall struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

type content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolResult struct {
	Content []content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

var tools = []Tool{
	{
		Name:        "search_services",
		Description: "Search verified pay-per-call services by keyword.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": map[string]any{"type": "string"}},
		},
	},
	{
		Name:        "get_service_info",
		Description: "Get pricing, trust and the gated entry URL for a service.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"slug": map[string]any{"type": "string"}},
			"required":   []string{"slug"},
		},
	},
}

type Server struct {
	registry *Registry
	catalog  Catalog
	version  string
	log      *zap.Logger
}

func NewServer(reg *Registry, catalog Catalog, version string, log *zap.Logger) *Server {
	return &Server{registry: reg, catalog: catalog, version: version, log: log}
}

func (s *Server) Register(r gin.IRoutes) {
	r.GET("/mcp/sse", s.handleStream)
	r.POST("/mcp/messages", s.handleMessage)
}

// ── Stream ────────────────────────────────────────────────────────────────────

func (s *Server) handleStream(c *gin.Context) {
	id, out := s.registry.Open()
	defer s.registry.Close(id)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	s.log.Info("discovery session opened", zap.String("session", id))
	c.SSEvent("endpoint", "/mcp/messages?sessionId="+id)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-out:
			if !ok {
				return false
			}
			c.SSEvent("message", string(msg))
			return true
		}
	})
	s.log.Info("discovery session closed", zap.String("session", id))
}

// ── Messages ──────────────────────────────────────────────────────────────────

func (s *Server) handleMessage(c *gin.Context) {
	session := c.Query("sessionId")
	if !s.registry.Exists(session) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxMessageBytes))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "read body"})
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.send(session, Response{JSONRPC: "2.0", ID: json.RawMessage("null"),
			Error: &RPCError{Code: CodeParseError, Message: "parse error"}})
		c.Status(http.StatusAccepted)
		return
	}

	// Notifications get no response.
	if len(req.ID) == 0 {
		c.Status(http.StatusAccepted)
		return
	}

	resp := s.Dispatch(c.Request.Context(), req)
	s.send(session, resp)
	c.Status(http.StatusAccepted)
}

func (s *Server) send(session string, resp Response) {
	msg, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("marshal rpc response", zap.Error(err))
		return
	}
	if err := s.registry.Send(session, msg); err != nil {
		s.log.Warn("rpc response dropped", zap.String("session", session), zap.Error(err))
	}
}

// Dispatch executes one JSON-RPC request.
func (s *Server) Dispatch(ctx context.Context, req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}
	if req.JSONRPC != "2.0" {
		resp.Error = &RPCError{Code: CodeInvalidRequest, Message: "jsonrpc must be 2.0"}
		return resp
	}

	switch req.Method {
	case "initialize":
		resp.Result = map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": ServerName, "version": s.version},
		}
	case "ping":
		resp.Result = map[string]any{}
	case "tools/list":
		resp.Result = map[string]any{"tools": tools}
	case "tools/call":
		var call toolCall
		if err := json.Unmarshal(req.Params, &call); err != nil {
			resp.Error = &RPCError{Code: CodeInvalidParams, Message: "invalid tool call"}
			return resp
		}
		result, rpcErr := s.callTool(ctx, call)
		resp.Result, resp.Error = result, rpcErr
	default:
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
	return resp
}

func (s *Server) callTool(ctx context.Context, call toolCall) (any, *RPCError) {
	var (
		v   any
		err error
	)
	switch call.Name {
	case "search_services":
		v, err = s.catalog.Search(ctx, call.Arguments["query"])
	case "get_service_info":
		slug := call.Arguments["slug"]
		if slug == "" {
			return nil, &RPCError{Code: CodeInvalidParams, Message: "slug is required"}
		}
		v, err = s.catalog.Info(ctx, slug)
	default:
		return nil, &RPCError{Code: CodeInvalidParams, Message: "unknown tool: " + call.Name}
	}
	if err != nil {
		s.log.Warn("discovery tool failed", zap.String("tool", call.Name), zap.Error(err))
		return toolResult{Content: []content{{Type: "text", Text: err.Error()}}, IsError: true}, nil
	}
	text, err := json.Marshal(v)
	if err != nil {
		return nil, &RPCError{Code: CodeInternal, Message: "encode result"}
	}
	return toolResult{Content: []content{{Type: "text", Text: string(text)}}}, nil
}
