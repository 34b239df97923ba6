// Package gateway exposes the tools a user may call as an MCP server. Every request is bound to
// the user behind its MCP access token, and every tool call passes the permission check and the
// user's OAuth grant before it reaches a Dispatcher.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kdjuwidja/aishoppercommon/logger"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"netherealmstudio.com/toolbroker/apiHandlers"
	"netherealmstudio.com/toolbroker/biz/bizerr"
	bizmcpserver "netherealmstudio.com/toolbroker/biz/mcpserver"
	bizpermission "netherealmstudio.com/toolbroker/biz/permission"
	bizvault "netherealmstudio.com/toolbroker/biz/vault"
	dbmodel "netherealmstudio.com/toolbroker/db"
)

const (
	ServerName    = "toolbroker"
	ServerVersion = "1.0.0"

	// toolSeparator joins the catalog server id and the tool name in exposed tool names.
	toolSeparator = "__"

	DefaultSyncInterval = 30 * time.Second
)

type TokenValidator interface {
	Validate(ctx context.Context, presented string) (string, error)
}

type UserLoader interface {
	GetUser(ctx context.Context, userID string) (*dbmodel.User, error)
	EnsureUsable(user *dbmodel.User) error
}

type PermissionChecker interface {
	Authorize(ctx context.Context, orgID string, userID string, serverID string, toolName string) (*dbmodel.Tool, error)
	EnabledTools(ctx context.Context, orgID string, userID string) ([]bizpermission.ToolPermission, error)
}

type CredentialSource interface {
	AccessToken(ctx context.Context, orgID string, userID string, serverID string) (bizvault.Secret, error)
}

type ToolCatalog interface {
	CatalogTools(ctx context.Context) ([]bizmcpserver.CatalogTool, error)
}

// ToolCall is an authorized call ready to be forwarded to the tool's server.
type ToolCall struct {
	OrgID       string
	UserID      string
	ServerID    string
	Tool        *dbmodel.Tool
	Arguments   map[string]interface{}
	AccessToken bizvault.Secret
}

// Dispatcher performs the third-party API call behind a tool.
type Dispatcher interface {
	Dispatch(ctx context.Context, call *ToolCall) (*mcp.CallToolResult, error)
}

type Options struct {
	// SyncInterval bounds how stale the exposed tool list may get. Zero syncs on every request.
	SyncInterval time.Duration
}

type route struct {
	serverID string
	toolName string
}

type Gateway struct {
	tokens          TokenValidator
	users           UserLoader
	permissions     PermissionChecker
	credentials     CredentialSource
	catalog         ToolCatalog
	dispatcher      Dispatcher
	responseFactory *apiHandlers.ResponseFactory
	syncInterval    time.Duration

	mcpServer *mcpserver.MCPServer
	http      *mcpserver.StreamableHTTPServer

	mu       sync.RWMutex
	routes   map[string]route
	syncedAt time.Time
}

func NewGateway(tokens TokenValidator, users UserLoader, permissions PermissionChecker, credentials CredentialSource, catalog ToolCatalog, dispatcher Dispatcher, responseFactory *apiHandlers.ResponseFactory, opts Options) *Gateway {
	g := &Gateway{
		tokens:          tokens,
		users:           users,
		permissions:     permissions,
		credentials:     credentials,
		catalog:         catalog,
		dispatcher:      dispatcher,
		responseFactory: responseFactory,
		syncInterval:    opts.SyncInterval,
		routes:          make(map[string]route),
	}

	g.mcpServer = mcpserver.NewMCPServer(
		ServerName,
		ServerVersion,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithToolFilter(g.filterTools),
	)
	g.http = mcpserver.NewStreamableHTTPServer(g.mcpServer, mcpserver.WithStateLess(true))
	return g
}

func ExposedToolName(serverID string, toolName string) string {
	return serverID + toolSeparator + toolName
}

// ServeHTTP authenticates the MCP access token and hands the request to the MCP transport with
// the caller attached to its context.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := g.authenticate(r)
	if err != nil {
		g.writeError(w, err)
		return
	}

	if err := g.syncIfStale(r.Context()); err != nil {
		logger.Errorf("failed to sync gateway tools: %v", err)
		g.writeError(w, err)
		return
	}

	g.http.ServeHTTP(w, r.WithContext(withUser(r.Context(), user)))
}

func (g *Gateway) authenticate(r *http.Request) (*dbmodel.User, error) {
	raw := apiHandlers.BearerToken(r.Header.Get("Authorization"))
	if raw == "" {
		return nil, bizerr.ErrInvalidToken
	}

	userID, err := g.tokens.Validate(r.Context(), raw)
	if err != nil {
		return nil, err
	}

	user, err := g.users.GetUser(r.Context(), userID)
	if errors.Is(err, bizerr.ErrNotFound) {
		return nil, bizerr.ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if err := g.users.EnsureUsable(user); err != nil {
		return nil, err
	}
	return user, nil
}

func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	code := apiHandlers.CodeForError(err)
	status, body := g.responseFactory.ErrorBody(code)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="toolbroker"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorf("failed to write gateway error: %v", err)
	}
}

func (g *Gateway) syncIfStale(ctx context.Context) error {
	g.mu.RLock()
	fresh := !g.syncedAt.IsZero() && g.syncInterval > 0 && time.Since(g.syncedAt) < g.syncInterval
	g.mu.RUnlock()
	if fresh {
		return nil
	}
	return g.SyncTools(ctx)
}

// SyncTools registers every catalog tool with the MCP server and drops tools that no longer
// exist. Which of them a user sees is decided per request by filterTools.
func (g *Gateway) SyncTools(ctx context.Context) error {
	catalog, err := g.catalog.CatalogTools(ctx)
	if err != nil {
		return err
	}

	routes := make(map[string]route, len(catalog))
	tools := make([]mcpserver.ServerTool, 0, len(catalog))
	for _, entry := range catalog {
		name := ExposedToolName(entry.ServerID, entry.Name)
		routes[name] = route{serverID: entry.ServerID, toolName: entry.Name}

		title := entry.DisplayName
		if title == "" {
			title = entry.Name
		}
		tools = append(tools, mcpserver.ServerTool{
			Tool: mcp.NewTool(name,
				mcp.WithDescription(entry.Description),
				mcp.WithTitleAnnotation(title),
				mcp.WithDestructiveHintAnnotation(entry.IsDangerous),
			),
			Handler: g.handleToolCall,
		})
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	stale := make([]string, 0)
	for name := range g.routes {
		if _, ok := routes[name]; !ok {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		g.mcpServer.DeleteTools(stale...)
	}
	if len(tools) > 0 {
		g.mcpServer.AddTools(tools...)
	}
	if len(stale) > 0 || len(routes) != len(g.routes) {
		logger.Debugf("gateway exposes %d tools, removed %d", len(routes), len(stale))
	}

	g.routes = routes
	g.syncedAt = time.Now()
	return nil
}

func (g *Gateway) lookup(name string) (route, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.routes[name]
	return r, ok
}

// filterTools narrows tools/list to the tools the caller may effectively call.
func (g *Gateway) filterTools(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
	user := userFromContext(ctx)
	if user == nil {
		return []mcp.Tool{}
	}

	enabled, err := g.permissions.EnabledTools(ctx, user.OrgID, user.ID)
	if err != nil {
		logger.Errorf("failed to resolve tools for user %s: %v", user.ID, err)
		return []mcp.Tool{}
	}
	allowed := make(map[string]bool, len(enabled))
	for _, tool := range enabled {
		allowed[ExposedToolName(tool.ServerID, tool.Name)] = true
	}

	filtered := make([]mcp.Tool, 0, len(enabled))
	for _, tool := range tools {
		if allowed[tool.Name] {
			filtered = append(filtered, tool)
		}
	}
	return filtered
}

func (g *Gateway) handleToolCall(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user := userFromContext(ctx)
	if user == nil {
		return nil, bizerr.ErrInvalidToken
	}

	target, ok := g.lookup(request.Params.Name)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("Tool not found: %s", request.Params.Name)), nil
	}

	tool, err := g.permissions.Authorize(ctx, user.OrgID, user.ID, target.serverID, target.toolName)
	if errors.Is(err, bizerr.ErrPermissionDenied) {
		return mcp.NewToolResultError(fmt.Sprintf("Permission denied: %s is not enabled for your account", request.Params.Name)), nil
	}
	if err != nil {
		return nil, err
	}

	accessToken, err := g.credentials.AccessToken(ctx, user.OrgID, user.ID, target.serverID)
	if err != nil {
		if result := credentialErrorResult(target.serverID, err); result != nil {
			return result, nil
		}
		return nil, err
	}

	logger.Debugf("user %s calling %s/%s", user.ID, target.serverID, target.toolName)
	return g.dispatcher.Dispatch(ctx, &ToolCall{
		OrgID:       user.OrgID,
		UserID:      user.ID,
		ServerID:    target.serverID,
		Tool:        tool,
		Arguments:   request.GetArguments(),
		AccessToken: accessToken,
	})
}

// credentialErrorResult turns the errors a user can act on into tool results. Anything else
// is returned to the client as a protocol error.
func credentialErrorResult(serverID string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, bizerr.ErrNotAuthorized):
		return mcp.NewToolResultError(fmt.Sprintf("Server %s is not connected. Authorize it from your connections page first.", serverID))
	case errors.Is(err, bizerr.ErrReauthorizationRequired):
		return mcp.NewToolResultError(fmt.Sprintf("The connection to %s has expired. Authorize it again from your connections page.", serverID))
	case errors.Is(err, bizerr.ErrServerDisabled), errors.Is(err, bizerr.ErrServerNotConfigured):
		return mcp.NewToolResultError(fmt.Sprintf("Server %s is not available.", serverID))
	}
	if pe, ok := bizerr.IsProviderError(err); ok && pe.Retryable {
		return mcp.NewToolResultError(fmt.Sprintf("Server %s is temporarily unavailable, try again shortly.", serverID))
	}
	return nil
}
