package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ad-ntlm-relay/internal/ldap"
	"github.com/isometry/ad-ntlm-relay/internal/ldap/ldaptest"
	"github.com/isometry/ad-ntlm-relay/internal/ntlm/ntlmtest"
	"github.com/isometry/ad-ntlm-relay/internal/relay"
	"github.com/isometry/ad-ntlm-relay/internal/session"
)

func startRelay(t *testing.T, cfg Config, handler ldaptest.Handler, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()

	dc := ldaptest.NewServer(t, handler)
	dialer := &relay.LDAPDialer{Config: ldap.TransportConfig{
		Servers: []*ldap.ServerInfo{{Host: dc.Host(), Port: dc.Port()}},
	}}

	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = time.Minute
	}
	s := New(cfg, dialer, opts...)

	ts := httptest.NewUnstartedServer(s.Handler())
	ts.Config.ConnContext = ConnContext
	ts.Start()
	t.Cleanup(ts.Close)
	t.Cleanup(s.cache.Close)

	return s, ts
}

// singleConnClient keeps every request on one TCP connection.
func singleConnClient(jar http.CookieJar) *http.Client {
	return &http.Client{
		Transport: &http.Transport{MaxConnsPerHost: 1, MaxIdleConnsPerHost: 1},
		Jar:       jar,
	}
}

func get(t *testing.T, client *http.Client, url, authorization string) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := client.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, string(body)
}

// handshake runs the three-leg NTLM exchange against /whoami.
func handshake(t *testing.T, client *http.Client, baseURL string) (*http.Response, string) {
	t.Helper()

	resp, _ := get(t, client, baseURL+"/whoami", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "NTLM", resp.Header.Get("WWW-Authenticate"))

	resp, _ = get(t, client, baseURL+"/whoami", "NTLM "+base64.StdEncoding.EncodeToString(ntlmtest.Negotiate(t)))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	encoded, ok := strings.CutPrefix(resp.Header.Get("WWW-Authenticate"), "NTLM ")
	require.True(t, ok, "challenge header: %q", resp.Header.Get("WWW-Authenticate"))
	challenge, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)

	type3 := ntlmtest.Authenticate(t, challenge, "alice", "secret", true)
	return get(t, client, baseURL+"/whoami", "NTLM "+base64.StdEncoding.EncodeToString(type3))
}

func TestServer_Handshake(t *testing.T) {
	_, ts := startRelay(t, Config{}, ldaptest.NTLMHandler(ntlmtest.Challenge("EXAMPLE"), ldaptest.Success()))
	client := singleConnClient(nil)

	resp, body := handshake(t, client, ts.URL)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	var identity session.Identity
	require.NoError(t, json.Unmarshal([]byte(body), &identity))
	assert.Equal(t, "alice", identity.User)
	assert.Equal(t, "EXAMPLE", identity.Domain)

	// The connection stays authenticated.
	resp, _ = get(t, client, ts.URL+"/whoami", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// A new connection starts over.
	resp, _ = get(t, singleConnClient(nil), ts.URL+"/whoami", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "NTLM", resp.Header.Get("WWW-Authenticate"))
}

func TestServer_Rejected(t *testing.T) {
	_, ts := startRelay(t, Config{}, ldaptest.NTLMHandler(ntlmtest.Challenge("EXAMPLE"), ldaptest.Reject("bad password")))

	resp, _ := handshake(t, singleConnClient(nil), ts.URL)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("WWW-Authenticate"))
}

func TestServer_MalformedHeader(t *testing.T) {
	_, ts := startRelay(t, Config{}, ldaptest.NTLMHandler(nil, ldaptest.Success()))

	resp, _ := get(t, singleConnClient(nil), ts.URL+"/whoami", "Basic YWxpY2U6c2VjcmV0")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_PersistentSession(t *testing.T) {
	s, ts := startRelay(t, Config{Persistent: true, CookieName: "sid"},
		ldaptest.NTLMHandler(ntlmtest.Challenge("EXAMPLE"), ldaptest.Success()))

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := singleConnClient(jar)
	base, err := url.Parse(ts.URL)
	require.NoError(t, err)

	resp, _ := get(t, client, ts.URL+"/whoami", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	issued := jar.Cookies(base)
	require.Len(t, issued, 1)

	resp, body := handshake(t, client, ts.URL)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	// Login moves the session to a new key.
	rotated := jar.Cookies(base)
	require.Len(t, rotated, 1)
	assert.NotEqual(t, issued[0].Value, rotated[0].Value)
	assert.False(t, s.Relay().HasSession(issued[0].Value))
	assert.Contains(t, body, `"session_id":"`+rotated[0].Value+`"`)

	// A fresh connection sharing the cookie jar is already authenticated.
	resp, body = get(t, singleConnClient(jar), ts.URL+"/whoami", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"user":"alice"`)
}

func TestServer_PersistentRejectsPlantedCookie(t *testing.T) {
	s, ts := startRelay(t, Config{Persistent: true, CookieName: "sid"},
		ldaptest.NTLMHandler(ntlmtest.Challenge("EXAMPLE"), ldaptest.Success()))

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	base, err := url.Parse(ts.URL)
	require.NoError(t, err)
	jar.SetCookies(base, []*http.Cookie{{Name: "sid", Value: "attacker-chosen"}})

	resp, body := handshake(t, singleConnClient(jar), ts.URL)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	assert.False(t, s.Relay().HasSession("attacker-chosen"))
	assert.NotContains(t, body, "attacker-chosen")

	other, err := cookiejar.New(nil)
	require.NoError(t, err)
	other.SetCookies(base, []*http.Cookie{{Name: "sid", Value: "attacker-chosen"}})
	resp, _ = get(t, singleConnClient(other), ts.URL+"/whoami", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, ts := startRelay(t, Config{MetricsPath: "/metrics"},
		ldaptest.NTLMHandler(ntlmtest.Challenge("EXAMPLE"), ldaptest.Success()),
		WithMetrics(reg, reg))

	resp, _ := handshake(t, singleConnClient(nil), ts.URL)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := get(t, singleConnClient(nil), ts.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `adrelay_relay_handshakes_total{result="success",stage="authenticate"} 1`)
	assert.Contains(t, body, "adrelay_sessions_created_total")
}

func TestServer_ServeAndShutdown(t *testing.T) {
	dc := ldaptest.NewServer(t, ldaptest.NTLMHandler(nil, ldaptest.Success()))
	s := New(Config{SweepInterval: 10 * time.Millisecond, ShutdownTimeout: time.Second}, &relay.LDAPDialer{
		Config: ldap.TransportConfig{Servers: []*ldap.ServerInfo{{Host: dc.Host(), Port: dc.Port()}}},
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, body := get(t, http.DefaultClient, "http://"+ln.Addr().String()+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	resp, _ = get(t, http.DefaultClient, "http://"+ln.Addr().String()+"/whoami", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 1, s.cache.Len())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Equal(t, 0, s.cache.Len(), "sessions are dropped on shutdown")
	assert.NoError(t, s.Stop(context.Background()), "stop is idempotent")
}
