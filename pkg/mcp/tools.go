package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/tokaysec/internal/logging"
	"github.com/rendis/tokaysec/internal/service"
	"github.com/rendis/tokaysec/internal/streaming"
	"github.com/rendis/tokaysec/pkg/schema"
)

const (
	encodingUTF8   = "utf8"
	encodingBase64 = "base64"
)

// secretResult is the tokaysec.get payload.
type secretResult struct {
	Namespace   string            `json:"namespace"`
	Project     string            `json:"project"`
	Name        string            `json:"name"`
	Version     int               `json:"version"`
	Type        schema.SecretType `json:"type"`
	Description string            `json:"description,omitempty"`
	Value       string            `json:"value"`
	Encoding    string            `json:"encoding"`
}

// callContext tags ctx with the configured principal and a fresh request id.
func (s *Server) callContext(ctx context.Context) context.Context {
	ctx = logging.WithRequestID(ctx, uuid.New().String())
	return logging.WithPrincipal(ctx, s.principal)
}

// handlePut stores a new secret version.
func (s *Server) handlePut(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ns, err := req.RequireString("namespace")
	if err != nil {
		return mcp.NewToolResultError("namespace is required"), nil
	}
	project, err := req.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("project is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	raw, err := req.RequireString("value")
	if err != nil {
		return mcp.NewToolResultError("value is required"), nil
	}

	value := []byte(raw)
	switch enc := req.GetString("encoding", encodingUTF8); enc {
	case encodingUTF8:
	case encodingBase64:
		if value, err = base64.StdEncoding.DecodeString(raw); err != nil {
			return mcp.NewToolResultError("value is not valid base64"), nil
		}
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown encoding %q", enc)), nil
	}

	md, err := s.svc.PutSecret(s.callContext(ctx), service.PutSecretRequest{
		Namespace:   ns,
		Project:     project,
		Name:        name,
		Description: req.GetString("description", ""),
		Type:        req.GetString("type", ""),
		Value:       value,
	})
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"name": md.Name, "version": md.Version, "type": md.Type})
}

// handleGet returns a secret value. Values that are not valid UTF-8 come back
// base64 encoded.
func (s *Server) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ns, err := req.RequireString("namespace")
	if err != nil {
		return mcp.NewToolResultError("namespace is required"), nil
	}
	project, err := req.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("project is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	version := 0
	if v := req.GetString("version", ""); v != "" {
		if version, err = strconv.Atoi(v); err != nil {
			return mcp.NewToolResultError("version must be an integer"), nil
		}
	}

	sv, err := s.svc.GetSecret(s.callContext(ctx), ns, project, name, version)
	if err != nil {
		return toolError(err), nil
	}
	out := secretResult{
		Namespace:   sv.Namespace,
		Project:     sv.Project,
		Name:        sv.Name,
		Version:     sv.Version,
		Type:        sv.Type,
		Description: sv.Description,
		Value:       string(sv.Value),
		Encoding:    encodingUTF8,
	}
	if !utf8.Valid(sv.Value) {
		out.Value, out.Encoding = base64.StdEncoding.EncodeToString(sv.Value), encodingBase64
	}
	return marshalResult(out)
}

// handleList returns the secret metadata of a project.
func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ns, err := req.RequireString("namespace")
	if err != nil {
		return mcp.NewToolResultError("namespace is required"), nil
	}
	project, err := req.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("project is required"), nil
	}

	list, err := s.svc.ListSecrets(s.callContext(ctx), ns, project)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"secrets": list, "total": len(list)})
}

// handleDelete tombstones a secret.
func (s *Server) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ns, err := req.RequireString("namespace")
	if err != nil {
		return mcp.NewToolResultError("namespace is required"), nil
	}
	project, err := req.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("project is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}

	if err := s.svc.DeleteSecret(s.callContext(ctx), ns, project, name); err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"ok": true, "name": name})
}

// handleRotate rolls the data key of a scope.
func (s *Server) handleRotate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ns, err := req.RequireString("namespace")
	if err != nil {
		return mcp.NewToolResultError("namespace is required"), nil
	}

	res, err := s.svc.RotateKey(s.callContext(ctx), service.RotateKeyRequest{
		Namespace: ns,
		Project:   req.GetString("project", ""),
	})
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(res)
}

// handleAudit queries the audit trail.
func (s *Server) handleAudit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := 100
	if v := req.GetString("limit", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return mcp.NewToolResultError("limit must be an integer"), nil
		}
		limit = n
	}

	out, err := s.svc.ReadAudit(s.callContext(ctx), service.AuditQuery{
		Principal: req.GetString("principal", ""),
		Operation: req.GetString("operation", ""),
		Outcome:   req.GetString("outcome", ""),
		Limit:     limit,
		JQ:        req.GetString("jq", ""),
	})
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"results": out})
}

// handleWatch starts or stops the audit watch of the calling session.
func (s *Server) handleWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return mcp.NewToolResultError("tokaysec.watch needs a client session"), nil
	}
	sessionID := session.SessionID()

	if req.GetString("stop", "") == "true" {
		return marshalResult(map[string]any{"stopped": s.watches.Stop(sessionID)})
	}

	filter := streaming.EventFilter{
		Namespace:  req.GetString("namespace", ""),
		EventTypes: splitList(req.GetString("types", "")),
		Outcomes:   splitList(req.GetString("outcomes", "")),
	}
	if err := s.startWatch(s.callContext(ctx), sessionID, filter); err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"watching": true, "session_id": sessionID})
}

// startWatch subscribes to the audit feed and forwards matching events to
// sessionID until the watch is stopped or the session disappears.
func (s *Server) startWatch(ctx context.Context, sessionID string, filter streaming.EventFilter) error {
	ch, cancel, err := s.svc.SubscribeAudit(ctx, filter)
	if err != nil {
		return err
	}
	s.watches.Start(sessionID, cancel)

	go func() {
		detached := context.WithoutCancel(ctx)
		for event := range ch {
			err := s.notifier.Notify(detached, sessionID, map[string]any{
				"level":  "info",
				"logger": "tokaysec.audit",
				"data":   event,
			})
			if errors.Is(err, server.ErrSessionNotFound) {
				s.watches.Stop(sessionID)
				return
			}
			if err != nil {
				logging.LogWith(detached, s.logger).WarnContext(detached, "audit watch delivery failed",
					slog.String("session_id", sessionID), slog.String("error", err.Error()))
			}
		}
	}()
	return nil
}

// toolError renders a service error as a tool error result.
func toolError(err error) *mcp.CallToolResult {
	var te *schema.TokayError
	if errors.As(err, &te) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", te.Code, te.Message))
	}
	return mcp.NewToolResultError("INTERNAL_ERROR: internal error")
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

func splitList(v string) []string {
	var out []string
	for p := range strings.SplitSeq(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
