package validation

// Request names a request body shape.
type Request string

const (
	RequestPutSecret       Request = "put_secret"
	RequestCreateNamespace Request = "create_namespace"
	RequestRenameNamespace Request = "rename_namespace"
	RequestCreateProject   Request = "create_project"
	RequestCreateBinding   Request = "create_binding"
	RequestRotateKey       Request = "rotate_key"
)

// Validator checks request bodies before any authorization or mutation.
type Validator interface {
	// Validate checks a Go value through its JSON form.
	Validate(kind Request, v any) error
	// ValidateJSON checks a raw JSON document.
	ValidateJSON(kind Request, body []byte) error
}
