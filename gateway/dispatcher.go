package gateway

import (
	"context"
	"fmt"

	"github.com/kdjuwidja/aishoppercommon/logger"
	"github.com/mark3labs/mcp-go/mcp"
)

// UnavailableDispatcher is used when no tool backend is wired in. Calls that pass every check
// still fail, but with a tool error the client can show.
type UnavailableDispatcher struct{}

func (UnavailableDispatcher) Dispatch(ctx context.Context, call *ToolCall) (*mcp.CallToolResult, error) {
	logger.Infof("no backend for %s/%s, rejecting call from user %s", call.ServerID, call.Tool.Name, call.UserID)
	return mcp.NewToolResultError(fmt.Sprintf("Tool %s on %s has no backend in this deployment", call.Tool.Name, call.ServerID)), nil
}
