package caddyappsec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"

	"github.com/fabriziosalmi/caddy-appsec/appsec"
)

func writeRules(t *testing.T) string {
	t.Helper()
	content, err := json.Marshal(testRules)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func newTestMiddleware(t *testing.T, m *Middleware) *Middleware {
	t.Helper()
	if len(m.RuleFiles) == 0 {
		m.RuleFiles = []string{writeRules(t)}
	}
	if m.WAFTimeout == 0 {
		m.WAFTimeout = caddy.Duration(time.Second)
	}
	m.logger = zaptest.NewLogger(t)
	m.metrics = appsec.NewMetrics("test")
	require.NoError(t, m.setup())
	require.NoError(t, m.Validate())
	t.Cleanup(func() { _ = m.Cleanup() })
	return m
}

func respond(status int, body string) caddyhttp.Handler {
	return caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		w.Header().Set("Set-Cookie", "session=1")
		w.WriteHeader(status)
		_, err := w.Write([]byte(body))
		return err
	})
}

func serve(t *testing.T, m *Middleware, req *http.Request, next caddyhttp.Handler) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	require.NoError(t, m.ServeHTTP(rec, req, next))
	return rec
}

func TestServeHTTP(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		userAgent  string
		upstream   int
		wantStatus int
		wantBody   string
	}{
		{name: "clean request", target: "/hello", upstream: 200, wantStatus: 200, wantBody: "upstream"},
		{name: "request rule blocks", target: "/?id=1+UNION+SELECT+pw", upstream: 200, wantStatus: 403, wantBody: "Access Denied"},
		{name: "log rule does not block", target: "/", userAgent: "Nikto/2.5", upstream: 200, wantStatus: 200, wantBody: "upstream"},
		{name: "response rule replaces the response", target: "/", upstream: 502, wantStatus: 403, wantBody: "Access Denied"},
	}

	m := newTestMiddleware(t, &Middleware{CustomResponses: customResponse})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, testURL+tt.target, nil)
			req.RemoteAddr = localIP + ":41000"
			if tt.userAgent != "" {
				req.Header.Set("User-Agent", tt.userAgent)
			}

			rec := serve(t, m, req, respond(tt.upstream, "upstream"))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantBody, rec.Body.String())
			if tt.wantStatus == http.StatusForbidden {
				assert.Empty(t, rec.Header().Get("Set-Cookie"), "buffered upstream headers are discarded")
			}
		})
	}
}

func TestServeHTTPDefaultBlockResponse(t *testing.T) {
	m := newTestMiddleware(t, &Middleware{})

	called := false
	next := caddyhttp.HandlerFunc(func(http.ResponseWriter, *http.Request) error {
		called = true
		return nil
	})

	req := httptest.NewRequest(http.MethodGet, testURL+"/?q=union%20select%201", nil)
	rec := serve(t, m, req, next)

	assert.False(t, called, "blocked requests never reach the next handler")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "sqli")
}

func TestServeHTTPExemptNetwork(t *testing.T) {
	m := newTestMiddleware(t, &Middleware{ExemptNetworks: []string{"10.0.0.0/8"}})

	req := httptest.NewRequest(http.MethodGet, testURL+"/?q=union%20select%201", nil)
	req.RemoteAddr = officeIP + ":5000"
	rec := serve(t, m, req, respond(200, "ok"))
	assert.Equal(t, 200, rec.Code)

	req.RemoteAddr = localIP + ":5000"
	rec = serve(t, m, req, respond(200, "ok"))
	assert.Equal(t, 403, rec.Code)
}

func TestServeHTTPClientIPVar(t *testing.T) {
	dir := t.TempDir()
	blacklist := filepath.Join(dir, "ips.txt")
	require.NoError(t, os.WriteFile(blacklist, []byte(blockedIP+"\n"), 0o600))

	m := newTestMiddleware(t, &Middleware{IPBlacklistFile: blacklist})

	req := httptest.NewRequest(http.MethodGet, testURL, nil)
	req.RemoteAddr = localIP + ":5000"
	ctx := context.WithValue(req.Context(), caddyhttp.VarsCtxKey, map[string]any{
		caddyhttp.ClientIPVarKey: blockedIP,
	})
	rec := serve(t, m, req.WithContext(ctx), respond(200, "ok"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServeHTTPUserBlocking(t *testing.T) {
	users := filepath.Join(t.TempDir(), "users.txt")
	require.NoError(t, os.WriteFile(users, []byte("mallory\n"), 0o600))
	m := newTestMiddleware(t, &Middleware{UserBlacklistFile: users, UserIDHeader: "X-User"})

	t.Run("header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, testURL, nil)
		req.Header.Set("X-User", "mallory")
		rec := serve(t, m, req, respond(200, "ok"))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("downstream SetUser", func(t *testing.T) {
		var blocked bool
		next := caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
			if blocked = SetUser(r, "mallory"); blocked {
				return nil
			}
			_, err := w.Write([]byte("secret"))
			return err
		})

		rec := serve(t, m, httptest.NewRequest(http.MethodGet, testURL, nil), next)
		assert.True(t, blocked)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.NotContains(t, rec.Body.String(), "secret")
	})

	t.Run("allowed user", func(t *testing.T) {
		next := caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
			assert.False(t, SetUser(r, "alice"))
			_, err := w.Write([]byte("welcome"))
			return err
		})
		rec := serve(t, m, httptest.NewRequest(http.MethodGet, testURL, nil), next)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "welcome", rec.Body.String())
	})
}

func TestTrackLogin(t *testing.T) {
	m := newTestMiddleware(t, &Middleware{TrackUserEvents: true})

	var logins []appsec.LoginEvent
	next := caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		assert.False(t, TrackLogin(r, appsec.LoginEvent{Success: true, UserID: "alice"}))
		tx, ok := appsec.FromContext(r.Context())
		require.True(t, ok)
		logins = tx.Logins()
		return nil
	})
	serve(t, m, httptest.NewRequest(http.MethodPost, testURL+"/login", nil), next)

	require.Len(t, logins, 1)
	assert.Equal(t, "alice", logins[0].UserID)
}

func TestHelpersWithoutTransaction(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, testURL, nil)
	assert.False(t, SetUser(req, "alice"))
	assert.False(t, TrackLogin(req, appsec.LoginEvent{Success: true}))
}

func TestTimeoutFor(t *testing.T) {
	m := newTestMiddleware(t, &Middleware{
		WAFTimeout: caddy.Duration(5 * time.Millisecond),
		SiteTimeouts: []SiteTimeout{
			{Host: "*.example.com", Timeout: caddy.Duration(20 * time.Millisecond)},
			{Host: "api.example.com", Timeout: caddy.Duration(50 * time.Millisecond)},
		},
	})

	assert.Equal(t, 50*time.Millisecond, m.timeoutFor("api.example.com:8443"))
	assert.Equal(t, 20*time.Millisecond, m.timeoutFor("WWW.example.com"))
	assert.Equal(t, 5*time.Millisecond, m.timeoutFor("example.org"))
}

func TestReloadKeepsEngineOnError(t *testing.T) {
	m := newTestMiddleware(t, &Middleware{})
	require.Len(t, m.engine.Rules(), len(testRules))

	require.NoError(t, os.WriteFile(m.RuleFiles[0], []byte(`[{"id": "x", "pattern": "(", "targets": ["URI"]}]`), 0o600))
	assert.Error(t, m.reload())
	assert.Len(t, m.engine.Rules(), len(testRules))
}

func TestReloadIsAllOrNothing(t *testing.T) {
	dir := t.TempDir()
	policy := filepath.Join(dir, "policy.rego")
	require.NoError(t, os.WriteFile(policy, []byte(`package appsec

deny contains "TRACE is not allowed" if {
	input["server.request.method"] == "TRACE"
}
`), 0o600))
	blacklist := filepath.Join(dir, "ips.txt")
	require.NoError(t, os.WriteFile(blacklist, []byte(blockedIP+"\n"), 0o600))

	m := newTestMiddleware(t, &Middleware{RegoFiles: []string{policy}, IPBlacklistFile: blacklist})
	before := m.rego.Policies()
	require.Len(t, before, 1)

	tests := []struct {
		name    string
		corrupt func(t *testing.T)
	}{
		{
			name: "missing blacklist",
			corrupt: func(t *testing.T) {
				require.NoError(t, os.Remove(blacklist))
			},
		},
		{
			name: "invalid rule",
			corrupt: func(t *testing.T) {
				require.NoError(t, os.WriteFile(blacklist, []byte(blockedIP+"\n"), 0o600))
				require.NoError(t, os.WriteFile(m.RuleFiles[0], []byte(`[{"id": "x", "pattern": "(", "targets": ["URI"]}]`), 0o600))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(policy, []byte("package appsec\n\ndeny contains \"changed\" if { true }\n"), 0o600))
			tt.corrupt(t)

			assert.Error(t, m.reload())
			assert.Equal(t, before, m.rego.Policies(), "policies are unchanged")
			assert.Len(t, m.engine.Rules(), len(testRules))

			res, err := m.engine.Run(context.Background(), appsec.Data{appsec.HTTPClientIPAddr: blockedIP}, nil)
			require.NoError(t, err)
			assert.True(t, res.Blocking(), "IP blacklist is still installed")
		})
	}
}

func TestDumpRulesToFile(t *testing.T) {
	m := newTestMiddleware(t, &Middleware{})
	path := filepath.Join(t.TempDir(), "dump.txt")

	require.NoError(t, m.DumpRulesToFile(path))
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "ID: sqli")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		m    Middleware
	}{
		{name: "negative threshold", m: Middleware{AnomalyThreshold: -1}},
		{name: "bad user events mode", m: Middleware{UserEventsMode: "loud"}},
		{name: "bad custom status", m: Middleware{CustomResponses: map[int]CustomBlockResponse{42: {}}}},
		{name: "zero site timeout", m: Middleware{SiteTimeouts: []SiteTimeout{{Host: "*"}}}},
		{name: "negative waf timeout", m: Middleware{WAFTimeout: caddy.Duration(-time.Second)}},
	}

	for i := range tests {
		tt := &tests[i]
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.m.Validate())
		})
	}

	assert.NoError(t, (&Middleware{}).Validate())
}

func TestUnmarshalCaddyfile(t *testing.T) {
	d := caddyfile.NewTestDispenser(`
	appsec {
		rule_file rules.json
		rule_file extra.yaml
		rego_file policy.rego
		ip_blacklist_file ips.txt
		user_blacklist_file users.txt
		geoip_db_path GeoLite2-Country.mmdb
		country_block ru cn
		anomaly_threshold 15
		waf_timeout 10ms
		site_timeout *.example.com 25ms
		exempt_network 10.0.0.0/8 192.168.0.0/16
		track_user_events anonymization
		user_id_header X-User-ID
		custom_response 403 application/json "{\"error\":\"blocked\"}"
		redact_sensitive_data
		log_severity DEBUG
		watch_rules
	}`)

	var m Middleware
	require.NoError(t, m.UnmarshalCaddyfile(d))

	assert.Equal(t, []string{"rules.json", "extra.yaml"}, m.RuleFiles)
	assert.Equal(t, []string{"policy.rego"}, m.RegoFiles)
	assert.Equal(t, "ips.txt", m.IPBlacklistFile)
	assert.Equal(t, "users.txt", m.UserBlacklistFile)
	assert.True(t, m.CountryBlock.Enabled)
	assert.Equal(t, []string{"RU", "CN"}, m.CountryBlock.CountryList)
	assert.Equal(t, "GeoLite2-Country.mmdb", m.CountryBlock.GeoIPDBPath)
	assert.Equal(t, 15, m.AnomalyThreshold)
	assert.Equal(t, caddy.Duration(10*time.Millisecond), m.WAFTimeout)
	assert.Equal(t, []SiteTimeout{{Host: "*.example.com", Timeout: caddy.Duration(25 * time.Millisecond)}}, m.SiteTimeouts)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.0/16"}, m.ExemptNetworks)
	assert.True(t, m.TrackUserEvents)
	assert.Equal(t, "anonymization", m.UserEventsMode)
	assert.Equal(t, "X-User-ID", m.UserIDHeader)
	assert.Equal(t, `{"error":"blocked"}`, m.CustomResponses[403].Body)
	assert.Equal(t, "application/json", m.CustomResponses[403].Headers["Content-Type"])
	assert.True(t, m.RedactSensitiveData)
	assert.Equal(t, "debug", m.LogSeverity)
	assert.True(t, m.WatchRules)
}

func TestUnmarshalCaddyfileErrors(t *testing.T) {
	for _, input := range []string{
		`appsec extra`,
		`appsec {
			rule_file
		}`,
		`appsec {
			anomaly_threshold high
		}`,
		`appsec {
			waf_timeout soon
		}`,
		`appsec {
			site_timeout only-host
		}`,
		`appsec {
			custom_response 403 text/plain
		}`,
		`appsec {
			country_block
		}`,
		`appsec {
			unknown_option
		}`,
	} {
		var m Middleware
		assert.Error(t, m.UnmarshalCaddyfile(caddyfile.NewTestDispenser(input)), input)
	}
}

func TestResponseRecorder(t *testing.T) {
	w := httptest.NewRecorder()
	rec := newResponseRecorder(w)

	assert.Equal(t, http.StatusOK, rec.StatusCode())
	rec.Header().Set("X-Test", "1")
	rec.WriteHeader(http.StatusCreated)
	rec.WriteHeader(http.StatusTeapot)
	_, err := rec.Write([]byte("body"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, rec.StatusCode())
	assert.Equal(t, "body", rec.BodyString())
	assert.Empty(t, w.Header().Get("X-Test"), "nothing reaches the client before flush")

	require.NoError(t, rec.flush())
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-Test"))
	assert.Equal(t, "body", w.Body.String())
}

func TestExtractIP(t *testing.T) {
	assert.Equal(t, localIP, extractIP(localIP+":8080"))
	assert.Equal(t, localIP, extractIP(localIP))
	assert.Equal(t, "example.com", stripPort("example.com:443"))
	assert.Equal(t, "example.com", stripPort("example.com"))
}
