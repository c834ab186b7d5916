package schema

import (
	"sort"
	"strings"
	"sync"
)

// SecretType classifies what a secret holds.
type SecretType string

const (
	SecretTypeKeyValue SecretType = "key-value"
	SecretTypeDynamic  SecretType = "dynamic"
	SecretTypeAPIKey   SecretType = "api-key"
)

var (
	secretTypesMu sync.RWMutex
	secretTypes   = map[SecretType]bool{
		SecretTypeKeyValue: true,
		SecretTypeDynamic:  true,
		SecretTypeAPIKey:   true,
	}
)

// RegisterSecretType adds a type to the accepted set.
func RegisterSecretType(t SecretType) {
	secretTypesMu.Lock()
	defer secretTypesMu.Unlock()
	secretTypes[t] = true
}

// ValidSecretType reports whether t is a registered secret type.
func ValidSecretType(t SecretType) bool {
	secretTypesMu.RLock()
	defer secretTypesMu.RUnlock()
	return secretTypes[t]
}

// SecretTypes returns all registered types, sorted.
func SecretTypes() []string {
	secretTypesMu.RLock()
	defer secretTypesMu.RUnlock()
	out := make([]string, 0, len(secretTypes))
	for t := range secretTypes {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

// Operation is an action checked by the access control gate.
type Operation string

const (
	OpCreateNamespace Operation = "createNamespace"
	OpDeleteNamespace Operation = "deleteNamespace"
	OpRenameNamespace Operation = "renameNamespace"
	OpListNamespaces  Operation = "listNamespaces"
	OpCreateProject   Operation = "createProject"
	OpDeleteProject   Operation = "deleteProject"
	OpListProjects    Operation = "listProjects"
	OpPutSecret       Operation = "putSecret"
	OpGetSecret       Operation = "getSecret"
	OpListSecrets     Operation = "listSecrets"
	OpDeleteSecret    Operation = "deleteSecret"
	OpRotateKey       Operation = "rotateKey"
	OpManageBindings  Operation = "manageBindings"
	OpReadAudit       Operation = "readAudit"
)

// Mutating reports whether the operation changes state.
func (o Operation) Mutating() bool {
	switch o {
	case OpGetSecret, OpListSecrets, OpListNamespaces, OpListProjects, OpReadAudit:
		return false
	default:
		return true
	}
}

// Name length bounds shared by namespaces, projects and secrets.
const (
	MinNameLength        = 2
	MaxNameLength        = 50
	MinDescriptionLength = 2
)

// Scopes name the unit a key or role binding is attached to.
const (
	InstanceScope = "instance"

	namespaceScopePrefix = "ns:"
	projectScopePrefix   = "proj:"
)

// NamespaceScope returns the scope string for a namespace id.
func NamespaceScope(id string) string { return namespaceScopePrefix + id }

// ProjectScope returns the scope string for a project id.
func ProjectScope(id string) string { return projectScopePrefix + id }

// ParseScope splits a scope string into its kind ("instance", "ns", "proj") and id.
func ParseScope(scope string) (kind, id string, ok bool) {
	switch {
	case scope == InstanceScope:
		return InstanceScope, "", true
	case strings.HasPrefix(scope, namespaceScopePrefix) && len(scope) > len(namespaceScopePrefix):
		return "ns", strings.TrimPrefix(scope, namespaceScopePrefix), true
	case strings.HasPrefix(scope, projectScopePrefix) && len(scope) > len(projectScopePrefix):
		return "proj", strings.TrimPrefix(scope, projectScopePrefix), true
	}
	return "", "", false
}
