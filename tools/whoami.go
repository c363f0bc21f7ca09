package tools

import (
	"context"
	"strings"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/mcp"
)

type whoamiArgs struct {
	IncludeScopes bool `json:"include_scopes,omitempty" jsonschema:"description=Also list the granted scopes"`
}

// Whoami reports the identity the current request runs as.
func Whoami() Tool {
	return NewTool("whoami", func(ctx context.Context, args whoamiArgs) (*mcp.CallToolResult, error) {
		id, ok := auth.CurrentIdentity(ctx)
		if !ok || id.IsZero() {
			return TextResult("anonymous"), nil
		}
		res := TextResult(id.UserID)
		res.StructuredContent = map[string]any{"user_id": id.UserID, "username": id.Username}
		if args.IncludeScopes {
			res.Content = append(res.Content, mcp.Text("scopes: "+strings.Join(id.Scopes, " ")))
			res.StructuredContent["scopes"] = id.Scopes
		}
		return res, nil
	}, WithDescription("Report the authenticated user this session acts as."))
}
