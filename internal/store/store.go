package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Namespaces
	CreateNamespace(ctx context.Context, ns *Namespace) error
	GetNamespace(ctx context.Context, id string) (*Namespace, error)
	GetNamespaceByName(ctx context.Context, name string) (*Namespace, error)
	RenameNamespace(ctx context.Context, id, name string) error
	ListNamespaces(ctx context.Context) ([]*Namespace, error)
	DeleteNamespace(ctx context.Context, id string) error

	// Projects
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	GetProjectByName(ctx context.Context, namespaceID, name string) (*Project, error)
	ListProjects(ctx context.Context, namespaceID string) ([]*Project, error)
	DeleteProject(ctx context.Context, id string) error

	// Data keys
	CreateDataKey(ctx context.Context, k *DataKey) error
	GetDataKey(ctx context.Context, scope string, version int) (*DataKey, error)
	GetActiveDataKey(ctx context.Context, scope string) (*DataKey, error)
	ListDataKeys(ctx context.Context, scope string) ([]*DataKey, error)
	CountDataKeyReferences(ctx context.Context, scope string, version int) (int, error)

	// Secrets (head + append-only versions)
	AppendSecretVersion(ctx context.Context, head *Secret, v *SecretVersion) error
	GetSecret(ctx context.Context, projectID, name string) (*Secret, error)
	GetSecretVersion(ctx context.Context, projectID, name string, version int) (*SecretVersion, error)
	ListSecrets(ctx context.Context, projectID string, filter SecretFilter) ([]*Secret, error)
	ListSecretVersions(ctx context.Context, projectID, name string) ([]*SecretVersion, error)
	TombstoneSecret(ctx context.Context, projectID, name string, at time.Time) error
	PurgeSecret(ctx context.Context, projectID, name string) error
	ListTombstoned(ctx context.Context) ([]*SecretRef, error)
	ListVersionsByDataKey(ctx context.Context, scope string, version int) ([]*VersionRef, error)
	ReplaceSecretCipher(ctx context.Context, v *SecretVersion, prevScope string, prevVersion int) error

	// Role bindings
	PutBinding(ctx context.Context, b *RoleBinding) error
	ListBindings(ctx context.Context, filter BindingFilter) ([]*RoleBinding, error)
	DeleteBinding(ctx context.Context, id string) error

	// Audit
	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)

	// Settings
	GetSetting(ctx context.Context, name string) (string, error)
	SetSetting(ctx context.Context, name, value string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}
