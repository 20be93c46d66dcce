package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/semgate/semgate/pkg/catalog"
	serrors "github.com/semgate/semgate/pkg/errors"
	"github.com/semgate/semgate/pkg/logger"
	"github.com/semgate/semgate/pkg/policy"
)

// newToolServer builds the MCP server for one database handler and
// registers the three semantic-layer tools.
func newToolServer(h *Handler, version string) *server.MCPServer {
	mcpServer := server.NewMCPServer(
		"semgate",
		version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)

	mcpServer.AddTool(mcp.Tool{
		Name:        "catalog_search",
		Description: "Search the semantic catalog for measures, dimensions, segments and time dimensions",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Free-text search over member names, titles and descriptions",
				},
				"types": map[string]interface{}{
					"type":        "array",
					"description": "Restrict results to member types (measure, dimension, segment, timeDimension)",
					"items": map[string]interface{}{
						"type": "string",
					},
				},
				"cubes": map[string]interface{}{
					"type":        "array",
					"description": "Restrict results to the named cubes",
					"items": map[string]interface{}{
						"type": "string",
					},
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results (default 10, max 50)",
				},
			},
			Required: []string{"query"},
		},
	}, h.catalogSearch)

	mcpServer.AddTool(mcp.Tool{
		Name:        "catalog_describe",
		Description: "Describe one catalog member in full, including related members",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"member": map[string]interface{}{
					"type":        "string",
					"description": "Fully qualified member name, e.g. Orders.totalRevenue",
				},
			},
			Required: []string{"member"},
		},
	}, h.catalogDescribe)

	mcpServer.AddTool(mcp.Tool{
		Name:        "query_semantic",
		Description: "Run a governed semantic query and return data with lineage and notes",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"measures": map[string]interface{}{
					"type":        "array",
					"description": "Measures to aggregate",
					"items":       map[string]interface{}{"type": "string"},
				},
				"dimensions": map[string]interface{}{
					"type":        "array",
					"description": "Dimensions to group by",
					"items":       map[string]interface{}{"type": "string"},
				},
				"timeDimensions": map[string]interface{}{
					"type":        "array",
					"description": "Time dimensions with optional granularity and date range",
					"items":       map[string]interface{}{"type": "object"},
				},
				"filters": map[string]interface{}{
					"type":        "array",
					"description": "Member filters",
					"items":       map[string]interface{}{"type": "object"},
				},
				"segments": map[string]interface{}{
					"type":        "array",
					"description": "Predefined segments to apply",
					"items":       map[string]interface{}{"type": "string"},
				},
				"order": map[string]interface{}{
					"type":        "object",
					"description": "Result ordering, member name to asc/desc",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Row limit; required and capped by the database's max limit",
				},
				"offset": map[string]interface{}{
					"type":        "integer",
					"description": "Row offset for pagination",
				},
			},
			Required: []string{"limit"},
		},
	}, h.querySemantic)

	return mcpServer
}

// catalogSearch handles the catalog_search tool.
func (h *Handler) catalogSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := struct {
		Query string   `json:"query"`
		Types []string `json:"types,omitempty"`
		Cubes []string `json:"cubes,omitempty"`
		Limit int      `json:"limit,omitempty"`
	}{}
	if err := request.BindArguments(&args); err != nil {
		return h.toolError("catalog_search", serrors.Wrap(serrors.CodeValidation, "failed to parse arguments", err)), nil
	}

	if err := h.index.Ensure(ctx); err != nil && !serrors.IsCode(err, serrors.CodeUpstreamMetaUnavailable) {
		return h.toolError("catalog_search", err), nil
	}

	types := make([]catalog.MemberType, 0, len(args.Types))
	for _, t := range args.Types {
		types = append(types, catalog.MemberType(t))
	}
	results, err := h.index.Search(catalog.SearchParams{
		Query: args.Query,
		Types: types,
		Cubes: args.Cubes,
		Limit: args.Limit,
	})
	if err != nil {
		return h.toolError("catalog_search", err), nil
	}

	observeTool("catalog_search", "ok")
	return mcp.NewToolResultStructuredOnly(map[string]interface{}{
		"results": results,
		"count":   len(results),
	}), nil
}

// catalogDescribe handles the catalog_describe tool.
func (h *Handler) catalogDescribe(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := struct {
		Member string `json:"member"`
	}{}
	if err := request.BindArguments(&args); err != nil {
		return h.toolError("catalog_describe", serrors.Wrap(serrors.CodeValidation, "failed to parse arguments", err)), nil
	}
	if args.Member == "" {
		return h.toolError("catalog_describe", serrors.New(serrors.CodeValidation, "member is required")), nil
	}

	if err := h.index.Ensure(ctx); err != nil && !serrors.IsCode(err, serrors.CodeUpstreamMetaUnavailable) {
		return h.toolError("catalog_describe", err), nil
	}

	result, err := h.index.Describe(args.Member)
	if err != nil {
		return h.toolError("catalog_describe", err), nil
	}

	observeTool("catalog_describe", "ok")
	return mcp.NewToolResultStructuredOnly(result), nil
}

// querySemantic handles the query_semantic tool. Arguments pass through
// the same strict key validation as the admin API's raw queries.
func (h *Handler) querySemantic(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(request.GetArguments())
	if err != nil {
		return h.toolError("query_semantic", serrors.Wrap(serrors.CodeValidation, "failed to parse arguments", err)), nil
	}
	q, err := policy.ParseQuery(raw)
	if err != nil {
		return h.toolError("query_semantic", err), nil
	}

	start := time.Now()
	result, err := h.pipeline.Execute(ctx, q)
	if err != nil {
		return h.toolError("query_semantic", err), nil
	}
	observeQueryLatency(time.Since(start))

	observeTool("query_semantic", "ok")
	return mcp.NewToolResultStructuredOnly(result), nil
}

// toolError renders a taxonomy error as the tool-call error payload and
// records the failure in the audit log and metrics. The JSON-RPC frame
// itself stays intact.
func (h *Handler) toolError(tool string, err error) *mcp.CallToolResult {
	se := serrors.As(err)
	observeTool(tool, se.Code)
	logger.Infow("tool call failed",
		"event", "error",
		"tool", tool,
		"code", se.Code,
		"database_id", h.db.ID,
	)

	payload := map[string]interface{}{
		"error": map[string]interface{}{
			"code":    se.Code,
			"message": se.Message,
		},
	}
	if len(se.Details) > 0 {
		payload["error"].(map[string]interface{})["details"] = se.Details
	}
	raw, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf(`{"error":{"code":%q,"message":"internal error"}}`, serrors.CodeInternal))
	}
	return mcp.NewToolResultError(string(raw))
}
