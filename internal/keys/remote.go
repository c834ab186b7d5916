package keys

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/tokaysec/internal/metrics"
	"github.com/rendis/tokaysec/internal/resilience"
	"github.com/rendis/tokaysec/pkg/schema"
)

const (
	defaultRemoteTimeout = 5 * time.Second
	maxRemoteResponse    = 1 << 20

	remoteNonceSize = 12
	remoteTagSize   = 16
)

// RemoteConfig configures the HTTP KMS provider.
type RemoteConfig struct {
	BaseURL string
	KEKID   string
	Timeout time.Duration
	Client  *http.Client
	// Breaker guards every KMS call. Defaults to one built from
	// resilience.DefaultBreakerConfig that counts only KMS-side failures.
	Breaker *resilience.Breaker
}

// RemoteProvider delegates wrap/unwrap to an HTTP key management service.
// The root key never leaves the KMS.
type RemoteProvider struct {
	baseURL string
	kekID   string
	timeout time.Duration
	client  *http.Client
	breaker *resilience.Breaker
}

type wrapRequest struct {
	DEK        schema.ByteArray `json:"dek"`
	KEK        string           `json:"kek"`
	SecretName string           `json:"secret_name"`
}

type wrapResponse struct {
	WrappedDEK schema.ByteArray `json:"wrapped_dek"`
	Nonce      schema.ByteArray `json:"nonce"`
	Tag        schema.ByteArray `json:"tag"`
}

type unwrapRequest struct {
	WrappedDEK schema.ByteArray `json:"wrapped_dek"`
	KEK        string           `json:"kek"`
	SecretName string           `json:"secret_name"`
	Tag        schema.ByteArray `json:"tag"`
	Nonce      schema.ByteArray `json:"nonce"`
}

type unwrapResponse struct {
	UnwrappedDEK schema.ByteArray `json:"unwrapped_dek"`
}

type initResponse struct {
	ID string `json:"id"`
}

// NewRemoteProvider builds a provider for the KMS at cfg.BaseURL.
func NewRemoteProvider(cfg RemoteConfig) (*RemoteProvider, error) {
	if cfg.BaseURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "remote KMS url is required")
	}
	p := &RemoteProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		kekID:   cfg.KEKID,
		timeout: cfg.Timeout,
		client:  cfg.Client,
		breaker: cfg.Breaker,
	}
	if p.timeout <= 0 {
		p.timeout = defaultRemoteTimeout
	}
	if p.client == nil {
		p.client = &http.Client{}
	}
	if p.breaker == nil {
		p.breaker = NewKMSBreaker(p.baseURL, resilience.DefaultBreakerConfig())
	}
	return p, nil
}

func (p *RemoteProvider) Name() string  { return "remote" }
func (p *RemoteProvider) KEKID() string { return p.kekID }

// InitKEK asks the KMS for a new root key and adopts its id.
func (p *RemoteProvider) InitKEK(ctx context.Context) (string, error) {
	var resp initResponse
	if err := p.call(ctx, "/kek/init", nil, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", schema.NewError(schema.ErrCodeKeyUnavailable, "kms returned an empty key id")
	}
	p.kekID = resp.ID
	return resp.ID, nil
}

// EnsureKEK gives p a root key id. A configured id is kept. Without one, a new
// root key is initialized on the KMS, unless s already holds DEKs wrapped by a
// remote KMS: those stay readable only under their recorded ids, so the id
// must be configured explicitly. created reports whether InitKEK ran.
func EnsureKEK(ctx context.Context, p *RemoteProvider, s Store) (created bool, err error) {
	if p.kekID != "" {
		return false, nil
	}
	existing, err := s.ListDataKeys(ctx, "")
	if err != nil {
		return false, err
	}
	seen := make(map[string]bool)
	var ids []string
	for _, k := range existing {
		if k.Provider != p.Name() || seen[k.KEKID] {
			continue
		}
		seen[k.KEKID] = true
		ids = append(ids, k.KEKID)
	}
	if len(ids) > 0 {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"remote KEK id is required: %d data keys exist", len(existing)).
			WithDetails(map[string]any{"kek_ids": ids})
	}
	if _, err := p.InitKEK(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Wrap returns nonce||wrapped||tag so the blob is self-contained at rest.
func (p *RemoteProvider) Wrap(ctx context.Context, dek, aad []byte) ([]byte, error) {
	var resp wrapResponse
	err := p.call(ctx, "/wrap", wrapRequest{DEK: dek, KEK: p.kekID, SecretName: string(aad)}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Nonce) != remoteNonceSize || len(resp.Tag) != remoteTagSize || len(resp.WrappedDEK) == 0 {
		return nil, schema.NewError(schema.ErrCodeKeyUnavailable, "kms returned a malformed wrapped key")
	}
	out := make([]byte, 0, remoteNonceSize+len(resp.WrappedDEK)+remoteTagSize)
	out = append(out, resp.Nonce...)
	out = append(out, resp.WrappedDEK...)
	out = append(out, resp.Tag...)
	return out, nil
}

// Unwrap asks the KMS to open wrapped under kekID. An empty kekID falls back
// to the configured root key.
func (p *RemoteProvider) Unwrap(ctx context.Context, kekID string, wrapped, aad []byte) ([]byte, error) {
	if kekID == "" {
		kekID = p.kekID
	}
	if len(wrapped) <= remoteNonceSize+remoteTagSize {
		return nil, schema.NewError(schema.ErrCodeAuthFailure, "wrapped key too short")
	}
	req := unwrapRequest{
		Nonce:      wrapped[:remoteNonceSize],
		WrappedDEK: wrapped[remoteNonceSize : len(wrapped)-remoteTagSize],
		Tag:        wrapped[len(wrapped)-remoteTagSize:],
		KEK:        kekID,
		SecretName: string(aad),
	}
	var resp unwrapResponse
	if err := p.call(ctx, "/unwrap", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.UnwrappedDEK) != keySize {
		return nil, schema.NewError(schema.ErrCodeAuthFailure, "kms returned a key of the wrong size")
	}
	return resp.UnwrappedDEK, nil
}

// NewKMSBreaker builds a breaker for the KMS at baseURL. Only unreachable or
// failing KMS answers count; rejected requests and caller cancellation do not.
// Transitions are exported as the kms_circuit_state gauge.
func NewKMSBreaker(baseURL string, cfg resilience.BreakerConfig) *resilience.Breaker {
	cfg.IsFailure = isKMSFailure
	cfg.OnStateChange = func(_ string, _, to resilience.State) {
		metrics.ObserveCircuitState(baseURL, int(to))
	}
	metrics.ObserveCircuitState(baseURL, int(resilience.StateClosed))
	return resilience.NewBreaker(baseURL, cfg)
}

func isKMSFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return schema.IsCode(err, schema.ErrCodeKeyUnavailable)
}

// call POSTs body to path under the breaker. An open breaker surfaces as
// KEY_UNAVAILABLE naming the KMS.
func (p *RemoteProvider) call(ctx context.Context, path string, body, out any) error {
	err := p.breaker.Do(ctx, func(ctx context.Context) error {
		return p.post(ctx, path, body, out)
	})
	var open *resilience.OpenError
	if errors.As(err, &open) {
		return schema.NewErrorf(schema.ErrCodeKeyUnavailable, "kms %s unavailable: %d consecutive failures", p.baseURL, open.Failures).
			WithCause(err).
			WithDetails(map[string]any{"kms": p.baseURL, "retry_in": open.RetryIn.String()})
	}
	return err
}

func (p *RemoteProvider) post(ctx context.Context, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode kms request: %w", err)
		}
		payload = bytes.NewReader(b)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, p.baseURL+path, payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "build kms request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return schema.NewErrorf(schema.ErrCodeKeyUnavailable, "kms %s unreachable", path).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteResponse))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeKeyUnavailable, "kms %s: read response", path).WithCause(err)
	}

	switch {
	case resp.StatusCode >= 500:
		return schema.NewErrorf(schema.ErrCodeKeyUnavailable, "kms %s returned %d", path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return schema.NewErrorf(schema.ErrCodeAuthFailure, "kms %s rejected the request (%d)", path, resp.StatusCode)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeKeyUnavailable, "kms %s: decode response", path).WithCause(err)
	}
	return nil
}
