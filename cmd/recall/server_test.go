package main

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rpc sends one JSON-RPC request to the server and decodes the result.
func rpc(t *testing.T, s *server.MCPServer, id int, method string, params any, result any) {
	t.Helper()
	msg, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)

	resp := s.HandleMessage(context.Background(), msg)
	require.NotNil(t, resp)
	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(raw, &envelope))
	require.Nil(t, envelope.Error, "unexpected error response: %s", raw)
	require.NoError(t, json.Unmarshal(envelope.Result, result))
}

func initialize(t *testing.T, s *server.MCPServer) string {
	t.Helper()
	var result struct {
		Instructions string `json:"instructions"`
		ServerInfo   struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	rpc(t, s, 1, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "recall-test-client", "version": "1.0.0"},
		"capabilities":    map[string]any{},
	}, &result)
	assert.Equal(t, "Recall MCP", result.ServerInfo.Name)
	assert.Equal(t, version, result.ServerInfo.Version)
	return result.Instructions
}

func TestServerInfoAndTools(t *testing.T) {
	s := newMCPServer(setupTestService(t))

	instructions := initialize(t, s)
	for _, snippet := range []string{"PICK PHASE", "RATING PHASE", "SESSION PHASE", "load_more"} {
		assert.Contains(t, instructions, snippet)
	}

	var list struct {
		Tools []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			InputSchema struct {
				Required []string `json:"required"`
			} `json:"inputSchema"`
		} `json:"tools"`
	}
	rpc(t, s, 2, "tools/list", map[string]any{}, &list)

	required := make(map[string][]string)
	for _, tool := range list.Tools {
		assert.NotEmpty(t, tool.Description, tool.Name)
		required[tool.Name] = tool.InputSchema.Required
	}
	for _, name := range []string{
		"list_problems", "get_problem", "get_due_queue", "get_due_problem",
		"get_due_count", "start_problem", "submit_review", "load_more",
		"get_stats", "list_categories", "get_preference", "set_preference",
		"reset_all_progress", "export_snapshot", "import_snapshot",
		"check_auto_import", "perform_auto_export", "update_note",
	} {
		assert.Contains(t, required, name, "tool %s not registered", name)
	}
	assert.ElementsMatch(t, []string{"problem_id", "quality"}, required["submit_review"])
}

func TestServerToolCall(t *testing.T) {
	svc := setupTestService(t)
	s := newMCPServer(svc)
	initialize(t, s)
	id := problemIDs(t, svc, 1)[0]
	defer mockTimeNow(day0)()

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	rpc(t, s, 3, "tools/call", map[string]any{
		"name":      "submit_review",
		"arguments": map[string]any{"problem_id": id, "quality": 3},
	}, &result)
	require.Len(t, result.Content, 1)

	var review ReviewResponse
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &review))
	assert.Equal(t, "Easy", review.Quality)
	assert.Equal(t, 1, review.NewInterval)
}

func TestServerResources(t *testing.T) {
	s := newMCPServer(setupTestService(t))
	initialize(t, s)

	var list struct {
		Resources []struct {
			URI string `json:"uri"`
		} `json:"resources"`
	}
	rpc(t, s, 4, "resources/list", map[string]any{}, &list)
	var uris []string
	for _, r := range list.Resources {
		uris = append(uris, r.URI)
	}
	assert.ElementsMatch(t, []string{categoriesResourceURI, statsResourceURI}, uris)

	var read struct {
		Contents []struct {
			URI  string `json:"uri"`
			Text string `json:"text"`
		} `json:"contents"`
	}
	rpc(t, s, 5, "resources/read", map[string]any{"uri": statsResourceURI}, &read)
	require.Len(t, read.Contents, 1)
	assert.Contains(t, read.Contents[0].Text, fmt.Sprintf("%q", "total"))
}
