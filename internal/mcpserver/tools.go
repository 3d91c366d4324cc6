// Package mcpserver registers MCP tools that let an agent inspect the
// signed-in account and manage its memory API keys.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/memhub/console/internal/apikeys"
	"github.com/memhub/console/internal/models"
	"github.com/memhub/console/internal/session"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Sessions reports who is signed in.
type Sessions interface {
	Current() session.View
}

// Keys is the key manager as used by the tools.
type Keys interface {
	Snapshot() apikeys.Snapshot
	Find(ref string) (models.KeyView, bool)
	List(ctx context.Context) ([]models.KeyView, error)
	Create(ctx context.Context, name string, exp apikeys.Expiration) (models.KeyView, error)
	Rename(ctx context.Context, ref, name string) error
	Revoke(ctx context.Context, ref string, confirmer apikeys.Confirmer) error
}

var errNotSignedIn = errors.New("not authenticated: run `memhub login` first")

// RegisterTools adds the account and key tools to server.
func RegisterTools(server *mcp.Server, sessions Sessions, keys Keys) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "whoami",
		Description: "Show the signed-in memhub account (user id, email, display name).",
	}, whoamiHandler(sessions))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "keys_list",
		Description: "List the account's memory API keys, newest first. Keys are masked; full secrets are never returned by this tool.",
	}, listHandler(sessions, keys))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "keys_create",
		Description: "Create a memory API key. The full secret appears once in the result and cannot be retrieved again. A blank name gets a generated one.",
	}, createHandler(sessions, keys))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "keys_rename",
		Description: "Rename a memory API key by id (the id field from keys_list).",
	}, renameHandler(sessions, keys))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "keys_revoke",
		Description: "Permanently revoke a memory API key. confirm_name must equal the key's current name.",
	}, revokeHandler(sessions, keys))
}

// --- Input types ---

// WhoamiInput has no parameters.
type WhoamiInput struct{}

// ListInput holds parameters for keys_list.
type ListInput struct {
	Refresh bool `json:"refresh,omitempty" jsonschema:"reload from the server instead of using the loaded list"`
}

// CreateInput holds parameters for keys_create.
type CreateInput struct {
	Name       string `json:"name,omitempty" jsonschema:"display name for the key, generated when empty"`
	Expiration string `json:"expiration,omitempty" jsonschema:"one of 24 hours, 7 days, 30 days, 6 months, 1 year, Never; defaults to 1 year"`
}

// RenameInput holds parameters for keys_rename.
type RenameInput struct {
	ID   string `json:"id" jsonschema:"key id from keys_list"`
	Name string `json:"name" jsonschema:"new display name"`
}

// RevokeInput holds parameters for keys_revoke.
type RevokeInput struct {
	ID          string `json:"id" jsonschema:"key id from keys_list"`
	ConfirmName string `json:"confirm_name" jsonschema:"the key's current name, to confirm the revocation"`
}

// --- Output types ---

// ListResult is the keys_list output.
type ListResult struct {
	Keys      []models.KeyView `json:"keys"`
	Stale     bool             `json:"stale"`
	LoadError string           `json:"load_error,omitempty"`
}

// RevokeResult is the keys_revoke output.
type RevokeResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Revoked bool   `json:"revoked"`
}

// --- Handlers ---

func requireSession(sessions Sessions) (session.View, error) {
	v := sessions.Current()
	if !v.Authenticated {
		return v, errNotSignedIn
	}

	return v, nil
}

// toolError turns a manager error into the message an agent sees.
func toolError(err error) error {
	return errors.New(apikeys.UserMessage(err))
}

func whoamiHandler(sessions Sessions) mcp.ToolHandlerFor[WhoamiInput, session.View] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ WhoamiInput) (*mcp.CallToolResult, session.View, error) {
		v, err := requireSession(sessions)
		if err != nil {
			return nil, session.View{}, err
		}

		return textResult(v), v, nil
	}
}

func listHandler(sessions Sessions, keys Keys) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, *ListResult, error) {
		v, err := requireSession(sessions)
		if err != nil {
			return nil, nil, err
		}

		snap := keys.Snapshot()
		if input.Refresh || !snap.Loaded || snap.UserID != v.UserID {
			if _, err := keys.List(ctx); err != nil {
				snap = keys.Snapshot()
				if len(snap.Keys) == 0 {
					return nil, nil, toolError(err)
				}
			}

			snap = keys.Snapshot()
		}

		result := &ListResult{Keys: snap.Keys, Stale: snap.Stale, LoadError: snap.LoadError}

		return textResult(result), result, nil
	}
}

func createHandler(sessions Sessions, keys Keys) mcp.ToolHandlerFor[CreateInput, models.KeyView] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input CreateInput) (*mcp.CallToolResult, models.KeyView, error) {
		if _, err := requireSession(sessions); err != nil {
			return nil, models.KeyView{}, err
		}

		exp, err := apikeys.ParseExpiration(input.Expiration)
		if err != nil {
			return nil, models.KeyView{}, toolError(err)
		}

		created, err := keys.Create(ctx, input.Name, exp)
		if err != nil {
			return nil, models.KeyView{}, toolError(err)
		}

		return textResult(created), created, nil
	}
}

func renameHandler(sessions Sessions, keys Keys) mcp.ToolHandlerFor[RenameInput, models.KeyView] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RenameInput) (*mcp.CallToolResult, models.KeyView, error) {
		if _, err := requireSession(sessions); err != nil {
			return nil, models.KeyView{}, err
		}

		if err := keys.Rename(ctx, input.ID, input.Name); err != nil {
			return nil, models.KeyView{}, toolError(err)
		}

		key, ok := keys.Find(input.ID)
		if !ok {
			return nil, models.KeyView{}, fmt.Errorf("key %s was removed after renaming", input.ID)
		}

		return textResult(key), key, nil
	}
}

func revokeHandler(sessions Sessions, keys Keys) mcp.ToolHandlerFor[RevokeInput, *RevokeResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RevokeInput) (*mcp.CallToolResult, *RevokeResult, error) {
		if _, err := requireSession(sessions); err != nil {
			return nil, nil, err
		}

		if input.ConfirmName == "" {
			return nil, nil, errors.New("confirm_name is required")
		}

		var name string

		confirm := apikeys.ConfirmFunc(func(_ context.Context, key models.KeyView) (bool, error) {
			name = key.Name
			return key.Name == input.ConfirmName, nil
		})

		err := keys.Revoke(ctx, input.ID, confirm)
		if apikeys.IsDeclined(err) {
			return nil, nil, fmt.Errorf("confirm_name %q does not match the key name %q", input.ConfirmName, name)
		}

		if err != nil {
			return nil, nil, toolError(err)
		}

		result := &RevokeResult{ID: input.ID, Name: name, Revoked: true}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// The SDK fills the structured output from the typed return value.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
