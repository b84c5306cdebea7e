package creds

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dotbot-sh/dotbot/internal/observability"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

type fakeTransport struct {
	fn    func(*http.Request) (*http.Response, error)
	calls int
}

func (t *fakeTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	t.calls++
	return t.fn(r)
}

func testProxy(t *testing.T, transport *fakeTransport) (*Proxy, *Cipher) {
	t.Helper()
	cipher := testCipher(t)
	proxy := NewProxy(cipher,
		observability.NewLogger(observability.LogConfig{Output: io.Discard}),
		observability.NewMetricsWithRegistry(prometheus.NewRegistry()),
	)
	if transport != nil {
		proxy.SetHTTPClient(&http.Client{Transport: transport})
	}
	return proxy, cipher
}

func okResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Content-Type": {"application/json"},
			"Set-Cookie":   {"session=abc"},
		},
		Body: io.NopCloser(strings.NewReader(body)),
	}
}

func TestProxyInjectsHeaderCredential(t *testing.T) {
	var seen *http.Request
	transport := &fakeTransport{fn: func(r *http.Request) (*http.Response, error) {
		seen = r
		return okResponse(`{"id":"42"}`), nil
	}}
	proxy, cipher := testProxy(t, transport)

	blob, err := cipher.Encrypt("bot-token", "user-1", "discord.com")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	resp, err := proxy.Execute(context.Background(), blob, wire.ProxyRequest{
		BaseURL: "https://discord.com/api/v10",
		Method:  "get",
		Path:    "/users/@me",
		Headers: map[string]string{"Accept": "application/json"},
		Placement: wire.ProxyPlacement{
			Header: "Authorization",
			Prefix: "Bot ",
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if seen.Header.Get("Authorization") != "Bot bot-token" {
		t.Errorf("Authorization = %q, want injected Bot token", seen.Header.Get("Authorization"))
	}
	if seen.Header.Get("Accept") != "application/json" {
		t.Error("caller headers should be preserved")
	}
	if seen.URL.Path != "/api/v10/users/@me" {
		t.Errorf("path = %q, want /api/v10/users/@me", seen.URL.Path)
	}
	if seen.Method != http.MethodGet {
		t.Errorf("method = %q, want GET", seen.Method)
	}

	if !resp.OK || resp.Status != http.StatusOK {
		t.Errorf("resp ok=%v status=%d", resp.OK, resp.Status)
	}
	if resp.Body != `{"id":"42"}` {
		t.Errorf("body = %q", resp.Body)
	}
	if _, ok := resp.Headers["Set-Cookie"]; ok {
		t.Error("Set-Cookie must not be forwarded")
	}
	if resp.Headers["Content-Type"] != "application/json" {
		t.Error("Content-Type should be forwarded")
	}
}

func TestProxyQueryPlacement(t *testing.T) {
	var seen *http.Request
	transport := &fakeTransport{fn: func(r *http.Request) (*http.Response, error) {
		seen = r
		return okResponse(`ok`), nil
	}}
	proxy, cipher := testProxy(t, transport)

	blob, _ := cipher.Encrypt("key123", "user-1", "api.example.com")

	_, err := proxy.Execute(context.Background(), blob, wire.ProxyRequest{
		BaseURL:   "https://api.example.com",
		Method:    "GET",
		Path:      "/v1/data",
		Placement: wire.ProxyPlacement{Query: "api_key"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := seen.URL.Query().Get("api_key"); got != "key123" {
		t.Errorf("query api_key = %q, want key123", got)
	}
}

func TestProxyDomainMismatchMakesNoRequest(t *testing.T) {
	transport := &fakeTransport{fn: func(r *http.Request) (*http.Response, error) {
		t.Fatal("no network request should be made on domain mismatch")
		return nil, nil
	}}
	proxy, cipher := testProxy(t, transport)

	blob, _ := cipher.Encrypt("bot-token", "user-1", "discord.com")

	_, err := proxy.Execute(context.Background(), blob, wire.ProxyRequest{
		BaseURL: "https://evil.example/api",
		Method:  "GET",
	})
	if !errors.Is(err, ErrDomainMismatch) {
		t.Errorf("err = %v, want ErrDomainMismatch", err)
	}
	if transport.calls != 0 {
		t.Errorf("transport called %d times, want 0", transport.calls)
	}
}

func TestProxyRequiresHTTPS(t *testing.T) {
	proxy, cipher := testProxy(t, &fakeTransport{fn: func(r *http.Request) (*http.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	}})

	blob, _ := cipher.Encrypt("tok", "user-1", "api.example.com")

	_, err := proxy.Execute(context.Background(), blob, wire.ProxyRequest{
		BaseURL: "http://api.example.com",
		Method:  "GET",
	})
	if !errors.Is(err, ErrSchemeNotAllowed) {
		t.Errorf("err = %v, want ErrSchemeNotAllowed", err)
	}
}

func TestProxyDefaultsToAuthorizationHeader(t *testing.T) {
	var seen *http.Request
	transport := &fakeTransport{fn: func(r *http.Request) (*http.Response, error) {
		seen = r
		return okResponse(`ok`), nil
	}}
	proxy, cipher := testProxy(t, transport)

	blob, _ := cipher.Encrypt("raw-token", "user-1", "api.example.com")

	_, err := proxy.Execute(context.Background(), blob, wire.ProxyRequest{
		BaseURL: "https://api.example.com",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if seen.Header.Get("Authorization") != "raw-token" {
		t.Errorf("Authorization = %q, want raw-token", seen.Header.Get("Authorization"))
	}
	if seen.Method != http.MethodGet {
		t.Errorf("method defaults to GET, got %q", seen.Method)
	}
}

func TestProxyNon2xxIsNotOK(t *testing.T) {
	transport := &fakeTransport{fn: func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusForbidden,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader(`{"message":"Missing Access"}`)),
		}, nil
	}}
	proxy, cipher := testProxy(t, transport)

	blob, _ := cipher.Encrypt("tok", "user-1", "discord.com")

	resp, err := proxy.Execute(context.Background(), blob, wire.ProxyRequest{
		BaseURL: "https://discord.com/api/v10",
		Method:  "POST",
		Body:    `{"content":"hi"}`,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.OK {
		t.Error("403 response must not be OK")
	}
	if resp.Status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.Status)
	}
	if !strings.Contains(resp.Body, "Missing Access") {
		t.Errorf("body = %q", resp.Body)
	}
}
