package http

import (
	"bufio"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/wisp-mcp/wisp/internal/adapter/sqlite"
	"github.com/wisp-mcp/wisp/internal/config"
	"github.com/wisp-mcp/wisp/internal/service/gateway"
	"github.com/wisp-mcp/wisp/internal/service/retrieve"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// Handlers holds the services the HTTP surface dispatches to (spec.md §6).
type Handlers struct {
	Store     *sqlite.Store
	Retriever *retrieve.Retriever
	Gateway   *gateway.Gateway
	Tokens    config.Tokens
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Keys handles GET /keys: one entry per non-blank, non-#-prefixed line of
// the local tokens file (spec.md §6).
func (h *Handlers) Keys(w http.ResponseWriter, _ *http.Request) {
	keys := []string{}

	f, err := os.Open(h.Tokens.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeJSON(w, http.StatusOK, map[string]any{"available_keys": keys})
			return
		}
		writeInternalError(w, err)
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	if err := scanner.Err(); err != nil {
		writeInternalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"available_keys": keys})
}

// Search handles GET /search?query=&page=&limit= (spec.md §4.7, §6).
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")

	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 {
			writeError(w, http.StatusBadRequest, "page must be a positive integer")
			return
		}
		page = p
	}

	limit := 0 // Retriever substitutes its configured default when 0.
	if v := r.URL.Query().Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l < 1 || l > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = l
	}

	resp, err := h.Retriever.Retrieve(r.Context(), query, page, limit)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ServerTools handles GET /servers/<name>/tools. Registered against a
// trailing wildcard because server names are scoped ("owner/repo") and
// contain the same slash chi would otherwise treat as a path boundary.
func (h *Handlers) ServerTools(w http.ResponseWriter, r *http.Request) {
	rest := urlParam(r, "*")
	name, ok := strings.CutSuffix(rest, "/tools")
	if !ok || name == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	tools, err := h.Store.ListToolsForServer(r.Context(), name)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if len(tools) == 0 {
		if _, err := h.Store.GetServer(r.Context(), name); err != nil {
			writeDomainError(w, err, "server not found")
			return
		}
	}

	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.ToolName
	}
	writeJSON(w, http.StatusOK, map[string]any{"server": name, "tools": names})
}

type callRequest struct {
	ServerName string         `json:"server_name"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments"`
}

// Call handles POST /call: resolve server_name's connection info, invoke
// tool_name, and pass its JSON result straight through (spec.md §4.8, §6).
func (h *Handlers) Call(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[callRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	if !requireField(w, req.ServerName, "server_name") || !requireField(w, req.ToolName, "tool_name") {
		return
	}

	result, err := h.Gateway.Call(r.Context(), req.ServerName, req.ToolName, req.Arguments)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result)
}

// writeGatewayError maps the gateway's three HTTP-bound outcomes (spec.md
// §4.8, §6): not found, exclusively timeout→504, everything else→500 with
// the original message as detail.
func writeGatewayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, gateway.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
