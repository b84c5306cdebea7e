package creds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dotbot-sh/dotbot/internal/observability"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

const (
	proxyTimeout     = 30 * time.Second
	proxyMaxBodySize = 1 << 20 // 1 MiB response cap
)

// ErrSchemeNotAllowed rejects proxy targets that are not https.
var ErrSchemeNotAllowed = errors.New("credential proxy requires https")

// Proxy performs outbound third-party API calls with the credential injected
// server-side. The caller supplies the opaque blob (fetched from the client's
// vault over the channel); the plaintext never leaves this package.
type Proxy struct {
	cipher  *Cipher
	client  *http.Client
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewProxy builds a credential proxy around the given cipher.
func NewProxy(cipher *Cipher, logger *observability.Logger, metrics *observability.Metrics) *Proxy {
	return &Proxy{
		cipher:  cipher,
		client:  &http.Client{Timeout: proxyTimeout},
		logger:  logger,
		metrics: metrics,
	}
}

// SetHTTPClient replaces the outbound HTTP client. Tests use this to stub
// the network.
func (p *Proxy) SetHTTPClient(client *http.Client) {
	p.client = client
}

// Execute decrypts the blob, verifies the target host against the blob's
// allowed domain, injects the credential per the placement descriptor, and
// performs the HTTPS request. On any domain mismatch no network request is
// made.
func (p *Proxy) Execute(ctx context.Context, blob string, req wire.ProxyRequest) (*wire.CredentialProxyResponse, error) {
	target, err := url.Parse(strings.TrimSpace(req.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base_url: %w", err)
	}
	if target.Scheme != "https" {
		return nil, fmt.Errorf("%w, got %q", ErrSchemeNotAllowed, target.Scheme)
	}

	host := strings.ToLower(target.Hostname())
	domain, err := BlobDomain(blob)
	if err != nil {
		return nil, err
	}
	if host != domain {
		p.metrics.RecordCredentialProxy("domain_mismatch")
		return nil, fmt.Errorf("blob is bound to %q, request targets %q: %w", domain, host, ErrDomainMismatch)
	}

	plaintext, _, err := p.cipher.Decrypt(blob, host)
	if err != nil {
		p.metrics.RecordCredentialProxy("decrypt_failed")
		return nil, err
	}

	if req.Path != "" {
		joined := strings.TrimSuffix(target.Path, "/")
		if !strings.HasPrefix(req.Path, "/") {
			joined += "/"
		}
		target.Path = joined + req.Path
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}
	injectCredential(httpReq, req.Placement, plaintext)

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.metrics.RecordCredentialProxy("network_error")
		return nil, fmt.Errorf("proxy request to %s: %w", host, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, proxyMaxBodySize))
	if err != nil {
		p.metrics.RecordCredentialProxy("read_error")
		return nil, fmt.Errorf("read proxy response: %w", err)
	}

	p.logger.Info(ctx, "credential proxy request completed",
		"host", host,
		"method", method,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	p.metrics.RecordCredentialProxy(strconv.Itoa(resp.StatusCode))

	return &wire.CredentialProxyResponse{
		OK:      resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:  resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
		Body:    string(data),
	}, nil
}

// injectCredential places the plaintext into the outbound request. Header
// placement wins when both are set; the default is a bare Authorization
// header.
func injectCredential(req *http.Request, placement wire.ProxyPlacement, plaintext string) {
	value := plaintext
	if placement.Prefix != "" {
		value = placement.Prefix + plaintext
	}

	switch {
	case placement.Header != "":
		req.Header.Set(placement.Header, value)
	case placement.Query != "":
		q := req.URL.Query()
		q.Set(placement.Query, value)
		req.URL.RawQuery = q.Encode()
	default:
		req.Header.Set("Authorization", value)
	}
}

// flattenHeaders keeps the first value per header and drops Set-Cookie,
// which stays server-side.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if strings.EqualFold(name, "Set-Cookie") {
			continue
		}
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}
