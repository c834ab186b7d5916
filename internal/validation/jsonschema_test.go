package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tokaysec/pkg/schema"
)

func newTestValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func assertInvalid(t *testing.T, err error) *schema.TokayError {
	t.Helper()
	require.Error(t, err)
	te, ok := err.(*schema.TokayError)
	require.True(t, ok, "expected *schema.TokayError, got %T", err)
	assert.Equal(t, schema.ErrCodeValidation, te.Code)
	return te
}

func TestNewJSONSchemaValidator_CompilesAll(t *testing.T) {
	v := newTestValidator(t)
	assert.Len(t, v.schemas, len(requestSchemas))
}

func TestPutSecret_Valid(t *testing.T) {
	v := newTestValidator(t)

	cases := []string{
		`{"namespace":"eng","project":"api","name":"db_password","value":"aHVudGVyMg=="}`,
		`{"namespace":"eng","project":"api","name":"db.password-2","description":"primary db","type":"api-key","value":[104,105]}`,
	}
	for _, body := range cases {
		assert.NoError(t, v.ValidateJSON(RequestPutSecret, []byte(body)), body)
	}
}

func TestPutSecret_Invalid(t *testing.T) {
	v := newTestValidator(t)

	cases := map[string]string{
		"short name":        `{"namespace":"eng","project":"api","name":"x","value":"aA=="}`,
		"long name":         `{"namespace":"eng","project":"api","name":"` + string(make51()) + `","value":"aA=="}`,
		"bad chars":         `{"namespace":"eng","project":"api","name":"db password","value":"aA=="}`,
		"short description": `{"namespace":"eng","project":"api","name":"db","description":"x","value":"aA=="}`,
		"unknown type":      `{"namespace":"eng","project":"api","name":"db","type":"certificate","value":"aA=="}`,
		"empty value":       `{"namespace":"eng","project":"api","name":"db","value":""}`,
		"empty array":       `{"namespace":"eng","project":"api","name":"db","value":[]}`,
		"byte out of range": `{"namespace":"eng","project":"api","name":"db","value":[1,256]}`,
		"missing value":     `{"namespace":"eng","project":"api","name":"db"}`,
		"extra field":       `{"namespace":"eng","project":"api","name":"db","value":"aA==","owner":"me"}`,
	}
	for label, body := range cases {
		t.Run(label, func(t *testing.T) {
			assertInvalid(t, v.ValidateJSON(RequestPutSecret, []byte(body)))
		})
	}
}

func make51() []byte {
	b := make([]byte, 51)
	for i := range b {
		b[i] = 'a'
	}
	return b
}

func TestPutSecret_RegisteredTypeAccepted(t *testing.T) {
	schema.RegisterSecretType("ssh-key")
	v := newTestValidator(t)
	assert.NoError(t, v.ValidateJSON(RequestPutSecret,
		[]byte(`{"namespace":"eng","project":"api","name":"deploy","type":"ssh-key","value":"aA=="}`)))
}

func TestPutSecret_TypeRegisteredAfterCompile(t *testing.T) {
	v := newTestValidator(t)
	body := []byte(`{"namespace":"eng","project":"api","name":"edge","type":"tls-cert","value":"aA=="}`)

	err := v.ValidateJSON(RequestPutSecret, body)
	te := assertInvalid(t, err)
	assert.Contains(t, te.Message, "tls-cert")

	schema.RegisterSecretType("tls-cert")
	assert.NoError(t, v.ValidateJSON(RequestPutSecret, body))
}

func TestValidate_GoValue(t *testing.T) {
	v := newTestValidator(t)

	type putBody struct {
		Namespace string `json:"namespace"`
		Project   string `json:"project"`
		Name      string `json:"name"`
		Value     []byte `json:"value"`
	}
	assert.NoError(t, v.Validate(RequestPutSecret, putBody{Namespace: "eng", Project: "api", Name: "token", Value: []byte("s3cr3t")}))

	te := assertInvalid(t, v.Validate(RequestPutSecret, putBody{Namespace: "eng", Project: "api", Name: "token"}))
	assert.NotEmpty(t, te.Details["violations"])

	assertInvalid(t, v.Validate(RequestPutSecret, nil))
}

func TestBinding(t *testing.T) {
	v := newTestValidator(t)

	assert.NoError(t, v.ValidateJSON(RequestCreateBinding, []byte(`{"principal":"alice","role":"reader"}`)))
	assert.NoError(t, v.ValidateJSON(RequestCreateBinding,
		[]byte(`{"principal":"alice","role":"writer","namespace":"eng","project":"api","condition":"true"}`)))

	assertInvalid(t, v.ValidateJSON(RequestCreateBinding, []byte(`{"principal":"alice","role":"owner"}`)))
	assertInvalid(t, v.ValidateJSON(RequestCreateBinding, []byte(`{"principal":"alice","role":"reader","project":"api"}`)))
	assertInvalid(t, v.ValidateJSON(RequestCreateBinding, []byte(`{"role":"reader"}`)))
}

func TestCatalogRequests(t *testing.T) {
	v := newTestValidator(t)

	for _, kind := range []Request{RequestCreateNamespace, RequestRenameNamespace, RequestCreateProject} {
		assert.NoError(t, v.ValidateJSON(kind, []byte(`{"name":"eng"}`)), kind)
		assertInvalid(t, v.ValidateJSON(kind, []byte(`{"name":"e"}`)))
		assertInvalid(t, v.ValidateJSON(kind, []byte(`{}`)))
	}

	assert.NoError(t, v.ValidateJSON(RequestRotateKey, []byte(`{"namespace":"eng"}`)))
	assert.NoError(t, v.ValidateJSON(RequestRotateKey, []byte(`{"namespace":"eng","project":"api"}`)))
	assertInvalid(t, v.ValidateJSON(RequestRotateKey, []byte(`{"project":"api"}`)))
}

func TestValidateJSON_Malformed(t *testing.T) {
	v := newTestValidator(t)
	assertInvalid(t, v.ValidateJSON(RequestCreateNamespace, []byte(`{"name":`)))
	assertInvalid(t, v.ValidateJSON(RequestCreateNamespace, []byte("  ")))
	assertInvalid(t, v.ValidateJSON(Request("nope"), []byte(`{}`)))
}

func TestValidateJSON_MultipleViolations(t *testing.T) {
	v := newTestValidator(t)
	te := assertInvalid(t, v.ValidateJSON(RequestPutSecret, []byte(`{"namespace":"eng","project":"api","name":"x","type":"bogus","value":"aA=="}`)))
	assert.Contains(t, te.Message, "validation failed with")
	assert.Len(t, te.Details["violations"], 2)
}

func TestConcurrentValidation(t *testing.T) {
	v := newTestValidator(t)
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.ValidateJSON(RequestCreateProject, []byte(`{"name":"api"}`)))
		}()
	}
	wg.Wait()
}
