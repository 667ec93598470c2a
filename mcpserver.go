package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"focusgate/policy"
)

// PolicyToolServer exposes the policy engine to MCP clients over SSE on
// loopback, so an assistant can inspect and manage rules on the user's
// behalf.
type PolicyToolServer struct {
	app        *App
	mcpServer  *server.MCPServer
	httpServer *http.Server
	listener   net.Listener
}

// NewPolicyToolServer registers the focusgate tools.
func NewPolicyToolServer(app *App) *PolicyToolServer {
	s := &PolicyToolServer{app: app}

	s.mcpServer = server.NewMCPServer(
		"focusgate-mcp",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	checkTool := mcp.NewTool("focusgate_check_domain",
		mcp.WithDescription(`Resolve the current policy decision for a domain.

Args:
  - domain (string, required): The domain to check, e.g. "news.example.com"

Returns: the decision (allow/block/undecided) and the matched rule's expiry, if any.`),
		mcp.WithString("domain",
			mcp.Required(),
			mcp.Description("The domain to check"),
		),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{
			Title:        "Check Domain Policy",
			ReadOnlyHint: boolPtr(true),
		}),
	)
	s.mcpServer.AddTool(checkTool, s.handleCheckDomain)

	grantTool := mcp.NewTool("focusgate_grant",
		mcp.WithDescription(`Install a time-bounded allow entry for a domain.

Args:
  - domain (string, required): The domain to allow
  - minutes (number, optional): Grant duration in minutes; omit for a permanent grant

Returns: the installed rule.`),
		mcp.WithString("domain",
			mcp.Required(),
			mcp.Description("The domain to allow"),
		),
		mcp.WithNumber("minutes",
			mcp.Description("Grant duration in minutes; omit for permanent"),
		),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{
			Title:           "Grant Access",
			DestructiveHint: boolPtr(false),
			IdempotentHint:  boolPtr(true),
		}),
	)
	s.mcpServer.AddTool(grantTool, s.handleGrant)

	revokeTool := mcp.NewTool("focusgate_revoke",
		mcp.WithDescription(`Remove the allow entry for a domain. Open tabs on the domain are re-resolved and may be blocked immediately.

Args:
  - domain (string, required): The domain to revoke`),
		mcp.WithString("domain",
			mcp.Required(),
			mcp.Description("The domain to revoke"),
		),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{
			Title:          "Revoke Access",
			IdempotentHint: boolPtr(true),
		}),
	)
	s.mcpServer.AddTool(revokeTool, s.handleRevoke)

	listTool := mcp.NewTool("focusgate_list_rules",
		mcp.WithDescription(`List the current block and allow rules with expiries.`),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{
			Title:        "List Rules",
			ReadOnlyHint: boolPtr(true),
		}),
	)
	s.mcpServer.AddTool(listTool, s.handleListRules)

	return s
}

func boolPtr(b bool) *bool {
	return &b
}

func (s *PolicyToolServer) handleCheckDomain(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	domain, ok := req.Params.Arguments["domain"].(string)
	if !ok || domain == "" {
		return mcp.NewToolResultError("domain is required"), nil
	}

	// read-only: resolve against the lists as they stand, never through
	// the classifier
	dec := s.app.ResolveDomain(domain)
	result := map[string]any{
		"domain":   domain,
		"decision": dec.Action.String(),
	}
	if dec.ExpiresAt != nil {
		result["expiresAt"] = dec.ExpiresAt.Format(time.RFC3339)
	}
	return jsonResult(result)
}

func (s *PolicyToolServer) handleGrant(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	domain, ok := req.Params.Arguments["domain"].(string)
	if !ok || domain == "" {
		return mcp.NewToolResultError("domain is required"), nil
	}

	var duration *time.Duration
	if minutes, ok := req.Params.Arguments["minutes"].(float64); ok && minutes > 0 {
		d := time.Duration(minutes * float64(time.Minute))
		duration = &d
	}

	rule, err := s.app.Grant(domain, duration)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("grant failed: %v", err)), nil
	}
	result := map[string]any{"domain": rule.Domain}
	if rule.ExpiresAt != nil {
		result["expiresAt"] = rule.ExpiresAt.Format(time.RFC3339)
	} else {
		result["permanent"] = true
	}
	return jsonResult(result)
}

func (s *PolicyToolServer) handleRevoke(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	domain, ok := req.Params.Arguments["domain"].(string)
	if !ok || domain == "" {
		return mcp.NewToolResultError("domain is required"), nil
	}
	removed, err := s.app.Revoke(domain)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("revoke failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"domain": domain, "removed": removed})
}

func (s *PolicyToolServer) handleListRules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{
		"blocklist":    policy.Denormalize(s.app.store.BlockList()),
		"allowlist":    policy.Denormalize(s.app.store.AllowList()),
		"advancedMode": s.app.store.AdvancedMode(),
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// Start binds to addr ("127.0.0.1:0" picks a free port) and returns the
// SSE endpoint URL.
func (s *PolicyToolServer) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen: %w", err)
	}
	s.listener = listener

	tcpAddr := listener.Addr().(*net.TCPAddr)
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", tcpAddr.Port)

	// default SSE endpoints are /sse and /message
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer)
	mux.Handle("/message", sseServer)

	s.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			fmt.Printf("MCP server error: %v\n", err)
		}
	}()

	return baseURL + "/sse", nil
}

// Stop shuts down the HTTP server.
func (s *PolicyToolServer) Stop() error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(context.Background())
	}
	return nil
}
