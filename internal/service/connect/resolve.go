// Package connect implements the connection-resolution order shared by the
// extraction worker and the invocation gateway (spec.md §4.8 step 1):
// Remote, then a stdio Package, then LocalSource, in that fixed order.
package connect

import (
	"context"
	"errors"
	"fmt"

	"github.com/wisp-mcp/wisp/internal/adapter/mcpclient"
	"github.com/wisp-mcp/wisp/internal/adapter/sqlite"
	"github.com/wisp-mcp/wisp/internal/domain"
	"github.com/wisp-mcp/wisp/internal/domain/wisp"
)

// ErrNoConnectionInfo is returned when none of Remote, stdio Package, or
// LocalSource exist for a server (spec.md §4.8: "None → fail with
// not_found").
var ErrNoConnectionInfo = errors.New("no connection info for server")

// Resolve determines how to reach a server, trying Remote, then a
// stdio-transport Package, then LocalSource, stopping at the first match.
func Resolve(ctx context.Context, store *sqlite.Store, serverName string) (mcpclient.ConnectionInfo, error) {
	if remote, err := store.GetRemote(ctx, serverName); err == nil {
		return mcpclient.ConnectionInfo{
			Method:         mcpclient.MethodRemote,
			TransportIsSSE: remote.TransportType == wisp.TransportSSE,
			URL:            remote.URL,
			Headers:        wisp.ResolvePlaceholders(remote.Headers),
		}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return mcpclient.ConnectionInfo{}, fmt.Errorf("resolve remote for %s: %w", serverName, err)
	}

	if pkg, err := store.GetStdioPackage(ctx, serverName); err == nil {
		command, args := stdioCommand(*pkg)
		return mcpclient.ConnectionInfo{
			Method:  mcpclient.MethodStdio,
			Command: command,
			Args:    args,
		}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return mcpclient.ConnectionInfo{}, fmt.Errorf("resolve stdio package for %s: %w", serverName, err)
	}

	if local, err := store.GetLocalSource(ctx, serverName); err == nil {
		return mcpclient.ConnectionInfo{
			Method:     mcpclient.MethodLocal,
			Command:    local.Command,
			Args:       local.Args,
			Env:        wisp.ResolvePlaceholders(local.Env),
			WorkingDir: local.WorkingDir,
		}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return mcpclient.ConnectionInfo{}, fmt.Errorf("resolve local source for %s: %w", serverName, err)
	}

	return mcpclient.ConnectionInfo{}, fmt.Errorf("%s: %w", serverName, ErrNoConnectionInfo)
}

// stdioCommand builds the command and args for a stdio Package per
// spec.md §4.8 step 1's per-registry-type rules. An explicit runtime_hint
// always overrides the registry-type default ("else or any runtime_hint →
// <runtime_hint> <identifier>").
func stdioCommand(pkg wisp.Package) (string, []string) {
	if pkg.RuntimeHint != "" {
		return pkg.RuntimeHint, []string{pkg.Identifier}
	}
	switch pkg.RegistryType {
	case wisp.RegistryNPM:
		return "npx", []string{"-y", "--quiet", pkg.Identifier}
	case wisp.RegistryPyPI:
		return "uvx", []string{"--quiet", pkg.Identifier}
	case wisp.RegistryOCI:
		return "docker", []string{"run", "--rm", "-i", pkg.Identifier}
	default:
		return pkg.Identifier, nil
	}
}
