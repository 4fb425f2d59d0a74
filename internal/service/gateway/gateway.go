// Package gateway implements the Invocation Gateway of spec.md §4.8:
// resolve a server's connection info, open a call-scoped session, invoke
// one tool, and tear the session down on every exit path.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wisp-mcp/wisp/internal/adapter/mcpclient"
	"github.com/wisp-mcp/wisp/internal/adapter/sqlite"
	"github.com/wisp-mcp/wisp/internal/config"
	"github.com/wisp-mcp/wisp/internal/domain"
	"github.com/wisp-mcp/wisp/internal/service/connect"
)

// ErrNotFound is an alias of domain.ErrNotFound: the HTTP layer maps both
// "no connection info" and other not-found outcomes to 404 the same way
// (spec.md §6, §4.8: "connection info absent→404").
var ErrNotFound = domain.ErrNotFound

// ErrTimeout and ErrUpstream are the remaining two HTTP-mapped outcomes
// of spec.md §4.8 ("timeout→504, other upstream errors→500").
var (
	ErrTimeout  = errors.New("tool call timed out")
	ErrUpstream = errors.New("upstream tool call failed")
)

// Gateway resolves and invokes tools on registry servers.
type Gateway struct {
	store  *sqlite.Store
	logger *slog.Logger
	cfg    config.Gateway
}

// New builds a Gateway.
func New(store *sqlite.Store, logger *slog.Logger, cfg config.Gateway) *Gateway {
	return &Gateway{store: store, logger: logger, cfg: cfg}
}

// Call resolves serverName's connection info, opens a session bounded by
// the gateway's configured timeout, invokes toolName with arguments, and
// returns its result as raw JSON (spec.md §4.8 step 3: "pass-through").
// The session is torn down on every exit path, success or failure.
func (g *Gateway) Call(ctx context.Context, serverName, toolName string, arguments map[string]any) (json.RawMessage, error) {
	info, err := connect.Resolve(ctx, g.store, serverName)
	if err != nil {
		if errors.Is(err, connect.ErrNoConnectionInfo) {
			return nil, fmt.Errorf("%s: %w", serverName, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: resolve connection info for %s: %v", ErrUpstream, serverName, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	session, err := mcpclient.Open(callCtx, info)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s/%s: %w", serverName, toolName, ErrTimeout)
		}
		return nil, fmt.Errorf("%w: open session for %s: %v", ErrUpstream, serverName, err)
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			g.logger.Warn("gateway: session close failed", "server", serverName, "error", closeErr)
		}
	}()

	result, err := session.CallTool(callCtx, toolName, arguments)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s/%s: %w", serverName, toolName, ErrTimeout)
		}
		return nil, fmt.Errorf("%w: call %s/%s: %v", ErrUpstream, serverName, toolName, err)
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal result of %s/%s: %v", ErrUpstream, serverName, toolName, err)
	}
	return encoded, nil
}
