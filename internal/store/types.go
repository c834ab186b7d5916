package store

import (
	"time"

	"github.com/rendis/tokaysec/pkg/schema"
)

// Namespace is the top-level isolation unit.
type Namespace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Project belongs to exactly one namespace.
type Project struct {
	ID          string    `json:"id"`
	NamespaceID string    `json:"namespace_id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
}

// DEK states.
const (
	DEKActive  = "active"
	DEKRetired = "retired"
)

// DataKey is a wrapped data encryption key. (Scope, Version) is immutable once
// referenced by a secret version.
type DataKey struct {
	Scope     string     `json:"scope"`
	Version   int        `json:"version"`
	Wrapped   []byte     `json:"-"`
	Provider  string     `json:"provider"`
	KEKID     string     `json:"kek_id,omitempty"`
	State     string     `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	RetiredAt *time.Time `json:"retired_at,omitempty"`
}

// Secret is the head row of a versioned secret.
type Secret struct {
	ProjectID      string            `json:"project_id"`
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	Type           schema.SecretType `json:"type"`
	CurrentVersion int               `json:"current_version"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	DeletedAt      *time.Time        `json:"deleted_at,omitempty"`
}

// Tombstoned reports whether the secret has been soft-deleted.
func (s *Secret) Tombstoned() bool { return s.DeletedAt != nil }

// SecretVersion is one sealed value. Rows are append-only apart from re-wrap.
type SecretVersion struct {
	ProjectID  string    `json:"project_id"`
	Name       string    `json:"name"`
	Version    int       `json:"version"`
	Ciphertext []byte    `json:"-"`
	Nonce      []byte    `json:"-"`
	Tag        []byte    `json:"-"`
	MAC        []byte    `json:"-"`
	DEKScope   string    `json:"dek_scope"`
	DEKVersion int       `json:"dek_version"`
	CreatedBy  string    `json:"created_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// SecretRef locates a secret across the catalog.
type SecretRef struct {
	NamespaceID   string
	NamespaceName string
	ProjectID     string
	ProjectName   string
	Name          string
	Type          schema.SecretType
	DeletedAt     time.Time
	Versions      int
}

// VersionRef locates one secret version.
type VersionRef struct {
	NamespaceID string
	ProjectID   string
	Name        string
	Version     int
}

// RoleBinding grants a role to a principal at a scope.
type RoleBinding struct {
	ID        string    `json:"id"`
	Principal string    `json:"principal"`
	Scope     string    `json:"scope"`
	Role      string    `json:"role"`
	Condition string    `json:"condition,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEntry records one gated operation. It never holds secret values.
type AuditEntry struct {
	ID        int64     `json:"id"`
	RequestID string    `json:"request_id,omitempty"`
	Principal string    `json:"principal"`
	Operation string    `json:"operation"`
	Resource  string    `json:"resource"`
	Outcome   string    `json:"outcome"`
	ErrorCode string    `json:"error_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// --- Filters ---

// SecretFilter pages secret heads by name.
type SecretFilter struct {
	After          string
	Limit          int
	IncludeDeleted bool
}

// BindingFilter narrows role binding queries.
type BindingFilter struct {
	Principal string
	Scopes    []string
}

// AuditFilter narrows audit queries.
type AuditFilter struct {
	Principal string
	Operation string
	Outcome   string
	AfterID   int64
	Limit     int
}
