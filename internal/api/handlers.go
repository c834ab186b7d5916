package api

import (
	"net/http"
	"time"

	"github.com/rendis/tokaysec/internal/secrets"
	"github.com/rendis/tokaysec/internal/service"
	"github.com/rendis/tokaysec/pkg/schema"
)

// --- Secrets ---

type putSecretResponse struct {
	Name    string            `json:"name"`
	Version int               `json:"version"`
	Type    schema.SecretType `json:"type"`
}

type secretResponse struct {
	Namespace   string            `json:"namespace"`
	Project     string            `json:"project"`
	Name        string            `json:"name"`
	Version     int               `json:"version"`
	Type        schema.SecretType `json:"type"`
	Description string            `json:"description,omitempty"`
	Value       []byte            `json:"value"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func (s *Server) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	var req service.PutSecretRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	md, err := s.deps.Service.PutSecret(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, putSecretResponse{Name: md.Name, Version: md.Version, Type: md.Type})
}

func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	version, err := queryInt(r, "version", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	sv, err := s.deps.Service.GetSecret(r.Context(), r.PathValue("namespace"), r.PathValue("project"), r.PathValue("name"), version)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, secretResponse{
		Namespace:   sv.Namespace,
		Project:     sv.Project,
		Name:        sv.Name,
		Version:     sv.Version,
		Type:        sv.Type,
		Description: sv.Description,
		Value:       sv.Value,
		UpdatedAt:   sv.UpdatedAt,
	})
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Service.ListSecrets(r.Context(), r.PathValue("namespace"), r.PathValue("project"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]*secrets.Metadata{"secrets": list})
}

func (s *Server) handleSecretVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.Service.SecretVersions(r.Context(), r.PathValue("namespace"), r.PathValue("project"), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]secrets.VersionInfo{"versions": versions})
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Service.DeleteSecret(r.Context(), r.PathValue("namespace"), r.PathValue("project"), r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Catalog ---

type nameBody struct {
	Name string `json:"name"`
}

func (s *Server) handleListNamespaces(w http.ResponseWriter, r *http.Request) {
	nss, err := s.deps.Service.ListNamespaces(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"namespaces": nss})
}

func (s *Server) handleCreateNamespace(w http.ResponseWriter, r *http.Request) {
	var body nameBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	ns, err := s.deps.Service.CreateNamespace(r.Context(), body.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ns)
}

func (s *Server) handleRenameNamespace(w http.ResponseWriter, r *http.Request) {
	var body nameBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	ns, err := s.deps.Service.RenameNamespace(r.Context(), r.PathValue("namespace"), body.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ns)
}

func (s *Server) handleDeleteNamespace(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Service.DeleteNamespace(r.Context(), r.PathValue("namespace")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.deps.Service.ListProjects(r.Context(), r.PathValue("namespace"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body nameBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.deps.Service.CreateProject(r.Context(), r.PathValue("namespace"), body.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Service.DeleteProject(r.Context(), r.PathValue("namespace"), r.PathValue("project")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Keys ---

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	var req service.RotateKeyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.deps.Service.RotateKey(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ks, err := s.deps.Service.ListKeys(r.Context(), service.RotateKeyRequest{Namespace: q.Get("namespace"), Project: q.Get("project")})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": ks})
}

// --- Bindings ---

func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	bs, err := s.deps.Service.ListBindings(r.Context(), r.URL.Query().Get("principal"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bindings": bs})
}

func (s *Server) handleCreateBinding(w http.ResponseWriter, r *http.Request) {
	var req service.BindingRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	b, err := s.deps.Service.CreateBinding(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleDeleteBinding(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Service.DeleteBinding(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Audit ---

func (s *Server) handleReadAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, err)
		return
	}
	after, err := queryInt(r, "after", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	out, err := s.deps.Service.ReadAudit(r.Context(), service.AuditQuery{
		Principal: q.Get("principal"),
		Operation: q.Get("operation"),
		Outcome:   q.Get("outcome"),
		AfterID:   int64(after),
		Limit:     limit,
		JQ:        q.Get("jq"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}
