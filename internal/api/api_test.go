package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tokaysec/internal/audit"
	"github.com/rendis/tokaysec/internal/authz"
	"github.com/rendis/tokaysec/internal/catalog"
	"github.com/rendis/tokaysec/internal/envelope"
	"github.com/rendis/tokaysec/internal/keys"
	"github.com/rendis/tokaysec/internal/secrets"
	"github.com/rendis/tokaysec/internal/service"
	"github.com/rendis/tokaysec/internal/store"
	"github.com/rendis/tokaysec/internal/streaming"
	"github.com/rendis/tokaysec/pkg/schema"
)

func newTestService(t *testing.T) (*service.Service, *store.SQLStore) {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	master, err := envelope.NewKey()
	require.NoError(t, err)
	prov, err := keys.NewLocalProvider(master)
	require.NoError(t, err)
	km, err := keys.NewManager(keys.ManagerConfig{Provider: prov, Store: s})
	require.NoError(t, err)
	gate, err := authz.NewGate(authz.Config{Store: s})
	require.NoError(t, err)

	svc, err := service.New(service.Config{
		Catalog:  catalog.New(s, nil),
		Engine:   secrets.New(secrets.Config{Store: s, Keys: km}),
		Keys:     km,
		Gate:     gate,
		Audit:    audit.NewRecorder(s, streaming.NewMemoryHub(), nil),
		Settings: s,
	})
	require.NoError(t, err)
	_, err = svc.Bootstrap(context.Background(), service.BootstrapConfig{Admin: "root", DefaultNamespace: "eng", DefaultProject: "api"})
	require.NoError(t, err)
	return svc, s
}

func newTestServer(t *testing.T, auth Authenticator) http.Handler {
	t.Helper()
	svc, s := newTestService(t)
	return NewServer(Deps{Service: svc, Auth: auth, Health: s, EnableMetrics: true}).Handler()
}

func do(t *testing.T, h http.Handler, method, path, principal, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if principal != "" {
		req.Header.Set(PrincipalHeader, principal)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Code
}

func TestKVStore_RoundTrip(t *testing.T) {
	h := newTestServer(t, nil)

	value := base64.StdEncoding.EncodeToString([]byte("hunter2"))
	rec := do(t, h, "POST", "/v1/store/kv_store", "root",
		`{"namespace":"eng","project":"api","name":"db_password","description":"primary","value":"`+value+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"name":"db_password","version":1,"type":"key-value"}`, rec.Body.String())

	// The legacy UI sends values as byte arrays.
	rec = do(t, h, "POST", "/v1/store/kv_store", "root",
		`{"namespace":"eng","project":"api","name":"db_password","value":[99,111,114,114,101,99,116]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, "GET", "/v1/store/kv_store/eng/api/db_password", "root", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	var got secretResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "correct", string(got.Value))
	assert.Equal(t, 2, got.Version)

	rec = do(t, h, "GET", "/v1/store/kv_store/eng/api/db_password?version=1", "root", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "hunter2", string(got.Value))

	rec = do(t, h, "GET", "/v1/store/kv_store/eng/api", "root", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"db_password"`)
	assert.NotContains(t, rec.Body.String(), value)

	rec = do(t, h, "GET", "/v1/store/kv_store/eng/api/db_password/versions", "root", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var versions struct {
		Versions []secrets.VersionInfo `json:"versions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &versions))
	assert.Len(t, versions.Versions, 2)

	rec = do(t, h, "DELETE", "/v1/store/kv_store/eng/api/db_password", "root", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, "GET", "/v1/store/kv_store/eng/api/db_password", "root", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, schema.ErrCodeNotFound, decodeError(t, rec))
}

func TestErrorMapping(t *testing.T) {
	h := newTestServer(t, nil)

	rec := do(t, h, "GET", "/v1/store/kv_store/eng/api", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, schema.ErrCodeUnauthenticated, decodeError(t, rec))

	rec = do(t, h, "GET", "/v1/store/kv_store/eng/api", "mallory", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, "POST", "/v1/store/kv_store", "root", `{"namespace":"eng","project":"api","name":"x","value":"aA=="}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, schema.ErrCodeValidation, decodeError(t, rec))

	rec = do(t, h, "POST", "/v1/store/kv_store", "root", `{"namespace":"eng","project":"api","name":"ok_name","value":"***"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "POST", "/v1/store/kv_store", "root", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "GET", "/v1/store/kv_store/eng/api/token?version=abc", "root", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "POST", "/v1/namespaces", "root", `{"name":"eng"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, schema.ErrCodeConflict, decodeError(t, rec))

	rec = do(t, h, "DELETE", "/v1/namespaces/eng", "root", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, schema.ErrCodeNotEmpty, decodeError(t, rec))
}

func TestStatusFor(t *testing.T) {
	cases := map[string]int{
		schema.ErrCodeValidation:      400,
		schema.ErrCodeUnauthenticated: 401,
		schema.ErrCodeDenied:          403,
		schema.ErrCodeNotFound:        404,
		schema.ErrCodeConflict:        409,
		schema.ErrCodeNotEmpty:        409,
		schema.ErrCodeAuthFailure:     500,
		schema.ErrCodeStore:           500,
		schema.ErrCodeKeyUnavailable:  503,
	}
	for code, status := range cases {
		assert.Equal(t, status, statusFor(code), code)
	}

	rec := httptest.NewRecorder()
	writeError(rec, io.ErrUnexpectedEOF)
	assert.Equal(t, 500, rec.Code)
	assert.NotContains(t, rec.Body.String(), "unexpected EOF")
}

func TestCatalogAndBindings(t *testing.T) {
	h := newTestServer(t, nil)

	rec := do(t, h, "POST", "/v1/namespaces", "root", `{"name":"ops"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(t, h, "POST", "/v1/namespaces/ops/projects", "root", `{"name":"infra"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, "POST", "/v1/bindings", "root", `{"principal":"olive","role":"reader","namespace":"ops"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var b store.RoleBinding
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))

	rec = do(t, h, "GET", "/v1/namespaces", "olive", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ops"`)
	assert.NotContains(t, rec.Body.String(), `"eng"`)

	rec = do(t, h, "GET", "/v1/namespaces/ops/projects", "olive", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"infra"`)

	rec = do(t, h, "GET", "/v1/bindings?principal=olive", "root", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), b.ID)

	rec = do(t, h, "DELETE", "/v1/bindings/"+b.ID, "root", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, "PATCH", "/v1/namespaces/ops", "root", `{"name":"platform"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, "DELETE", "/v1/namespaces/platform/projects/infra", "root", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, "DELETE", "/v1/namespaces/platform", "root", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRotateAndAudit(t *testing.T) {
	h := newTestServer(t, nil)

	rec := do(t, h, "POST", "/v1/store/kv_store", "root", `{"namespace":"eng","project":"api","name":"token","value":"dG9rZW4="}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, "POST", "/v1/keys/rotate", "root", `{"namespace":"eng"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"version":2`)

	rec = do(t, h, "GET", "/v1/keys?namespace=eng", "root", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "wrapped")

	rec = do(t, h, "GET", "/v1/audit?jq="+urlEscape(`[.[] | .operation]`), "root", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "rotateKey")
	assert.NotContains(t, rec.Body.String(), "dG9rZW4=")

	rec = do(t, h, "GET", "/v1/audit?limit=x", "root", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func urlEscape(s string) string {
	r := strings.NewReplacer(" ", "%20", "[", "%5B", "]", "%5D", "|", "%7C")
	return r.Replace(s)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestServer(t, nil)

	rec := do(t, h, "GET", "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	rec = do(t, h, "GET", "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRequestIDPropagates(t *testing.T) {
	h := newTestServer(t, nil)
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))
}

func TestJWTAuthenticator(t *testing.T) {
	secret := []byte("test-signing-secret-0123456789ab")
	auth, err := NewJWTAuthenticator(context.Background(), JWTConfig{Secret: secret, Issuer: "tokaysec-test"})
	require.NoError(t, err)
	h := newTestServer(t, auth)

	sign := func(claims jwt.RegisteredClaims, key []byte) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		require.NoError(t, err)
		return tok
	}
	call := func(token string) int {
		req := httptest.NewRequest("GET", "/v1/store/kv_store/eng/api", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	valid := jwt.RegisteredClaims{
		Subject:   "root",
		Issuer:    "tokaysec-test",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	assert.Equal(t, http.StatusOK, call(sign(valid, secret)))
	assert.Equal(t, http.StatusUnauthorized, call(""))
	assert.Equal(t, http.StatusUnauthorized, call(sign(valid, []byte("another-secret-0123456789abcdef"))))

	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	assert.Equal(t, http.StatusUnauthorized, call(sign(expired, secret)))

	wrongIssuer := valid
	wrongIssuer.Issuer = "elsewhere"
	assert.Equal(t, http.StatusUnauthorized, call(sign(wrongIssuer, secret)))

	noSubject := valid
	noSubject.Subject = ""
	assert.Equal(t, http.StatusUnauthorized, call(sign(noSubject, secret)))

	// A token signed for someone without bindings authenticates but is denied.
	stranger := valid
	stranger.Subject = "stranger"
	assert.Equal(t, http.StatusForbidden, call(sign(stranger, secret)))
}

func TestNewJWTAuthenticator_Config(t *testing.T) {
	_, err := NewJWTAuthenticator(context.Background(), JWTConfig{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	_, err = NewJWTAuthenticator(context.Background(), JWTConfig{Secret: []byte("s"), JWKSURL: "http://example.invalid/jwks"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestAuditStream(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, nil))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/v1/audit/stream?type=secret_written", nil)
	require.NoError(t, err)
	req.Header.Set(PrincipalHeader, "root")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	put, err := http.NewRequest("POST", srv.URL+"/v1/store/kv_store",
		bytes.NewReader([]byte(`{"namespace":"eng","project":"api","name":"streamed","value":"dg=="}`)))
	require.NoError(t, err)
	put.Header.Set(PrincipalHeader, "root")
	putResp, err := srv.Client().Do(put)
	require.NoError(t, err)
	putResp.Body.Close()
	require.Equal(t, http.StatusCreated, putResp.StatusCode)

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed early")
			if strings.HasPrefix(line, "data: ") {
				assert.Contains(t, line, "eng/api/streamed")
				return
			}
		case <-deadline:
			t.Fatal("no event on the audit stream")
		}
	}
}

func TestAuditStream_Denied(t *testing.T) {
	h := newTestServer(t, nil)
	rec := do(t, h, "GET", "/v1/audit/stream", "mallory", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
