package schema

// Audit event types published on the live feed and recorded in the audit log.
const (
	EventNamespaceCreated = "namespace_created"
	EventNamespaceRenamed = "namespace_renamed"
	EventNamespaceDeleted = "namespace_deleted"
	EventProjectCreated   = "project_created"
	EventProjectDeleted   = "project_deleted"
	EventCatalogListed    = "catalog_listed"

	EventSecretWritten = "secret_written"
	EventSecretRead    = "secret_read"
	EventSecretListed  = "secret_listed"
	EventSecretDeleted = "secret_deleted"
	EventSecretPurged  = "secret_purged"

	EventKeyRotated = "key_rotated"

	EventBindingCreated = "binding_created"
	EventBindingDeleted = "binding_deleted"
	EventBindingsListed = "bindings_listed"

	EventAuditRead = "audit_read"

	EventAccessDenied = "access_denied"
)

// Audit outcomes.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
)
