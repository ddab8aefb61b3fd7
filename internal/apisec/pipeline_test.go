package apisec

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanforge/socscan/internal/apisec/ssrf"
	"github.com/scanforge/socscan/internal/domain"
	"github.com/scanforge/socscan/internal/logger"
)

func TestSplitServicePath(t *testing.T) {
	cases := []struct {
		apiPath, basePath, wantService, wantRest string
	}{
		{"/api/users/123", "/api", "/users", "/123"},
		{"/api/users", "/api", "/users", ""},
		{"/api", "/api", "", "/"},
	}
	for _, c := range cases {
		service, rest := splitServicePath(c.apiPath, c.basePath)
		assert.Equal(t, c.wantService, service, c.apiPath)
		assert.Equal(t, c.wantRest, rest, c.apiPath)
	}
}

func TestPersistableEndpointsDropsNotFoundByDefault(t *testing.T) {
	endpoints := []domain.APIEndpoint{
		{ID: "1", BaseURL: "http://x", APIPath: "/a", ObservedStatus: http.StatusOK},
		{ID: "2", BaseURL: "http://x", APIPath: "/b", ObservedStatus: http.StatusNotFound},
		{ID: "3", BaseURL: "http://x", APIPath: "/c", ObservedStatus: http.StatusUnauthorized},
	}

	p := &Pipeline{}
	kept := p.persistableEndpoints(endpoints)
	require.Len(t, kept, 2)
	for _, ep := range kept {
		assert.NotEqual(t, http.StatusNotFound, ep.ObservedStatus)
	}

	p.cfg.IncludeNotFoundEndpoints = true
	assert.Len(t, p.persistableEndpoints(endpoints), 3)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, domain.AccessNotFound, classify(http.StatusNotFound))
	assert.Equal(t, domain.AccessRequiresLogin, classify(http.StatusUnauthorized))
	assert.Equal(t, domain.AccessRequiresLogin, classify(http.StatusForbidden))
	assert.Equal(t, domain.AccessUnauthenticatedPrivate, classify(http.StatusOK))
	assert.Equal(t, domain.AccessPublic, classify(http.StatusInternalServerError))
}

func TestDedupeStrings(t *testing.T) {
	assert.Nil(t, dedupeStrings(nil))
	assert.Equal(t, []string{"a", "b"}, dedupeStrings([]string{"a", "b", "a", "b"}))
}

func TestResolveRelative(t *testing.T) {
	assert.Equal(t, "http://other.test/x.js", resolveRelative("http://base.test", "http://other.test/x.js"))
	assert.Equal(t, "http://base.test/x.js", resolveRelative("http://base.test", "/x.js"))
	assert.Equal(t, "http://base.test/x.js", resolveRelative("http://base.test/", "x.js"))
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "****", redact("abcd"))
	assert.Equal(t, "abcd****", redact("abcdefgh"))
}

func TestSensitiveSeverity(t *testing.T) {
	assert.Equal(t, domain.SeverityCritical, sensitiveSeverity("access-key"))
	assert.Equal(t, domain.SeverityHigh, sensitiveSeverity("password"))
	assert.Equal(t, domain.SeverityMedium, sensitiveSeverity("email"))
}

// stubSite serves an index page linking one JS file whose body exposes a
// candidate API path and an embedded secret, and answers /api/v1/users
// with a bare 200 so phase 4 records it as unauthenticated-private.
func stubSite() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><script src="/app.js"></script></head></html>`))
	})
	mux.HandleFunc("/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`fetch("/api/v1/users"); var secret_key = "supersecretvalue1234567890";`))
	})
	mux.HandleFunc("/api/v1/users", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})
	return httptest.NewServer(mux)
}

func TestPipeline_RunEndToEnd(t *testing.T) {
	srv := stubSite()
	defer srv.Close()

	srvURL, err := url.Parse(srv.URL)
	require.NoError(t, err)

	resolver := fakeResolver{addrs: map[string][]net.IPAddr{
		"public.example.test": {{IP: net.ParseIP("203.0.113.7")}},
	}}

	cfg := DefaultConfig()
	cfg.Resolver = resolver
	cfg.KnownBaseAPIPaths = []string{"/api/v1"}
	cfg.HTTPTimeout = 2 * time.Second
	cfg.RuleTimeout = 2 * time.Second

	p := New(cfg, logger.New("apisec-test", logger.Config{Level: "error"}))
	p.fetcher.client = redirectingClient(srvURL.Host, 2*time.Second)

	artifacts, findings, err := p.Run(context.Background(), "task-1", []string{"http://public.example.test"})
	require.NoError(t, err)

	require.Len(t, artifacts.JSResources, 1)
	assert.Contains(t, artifacts.JSResources[0].ExtractedAPIPaths, "/api/v1/users")

	require.NotEmpty(t, artifacts.Endpoints)
	found := false
	for _, ep := range artifacts.Endpoints {
		if ep.FullURL() == "http://public.example.test/api/v1/users" {
			found = true
			assert.Equal(t, http.StatusOK, ep.ObservedStatus)
		}
	}
	assert.True(t, found, "expected the discovered /api/v1/users endpoint to be probed")

	// Phase 4: a bare 200 with no auth challenge records an
	// unauthenticated-private issue.
	var sawUnauthPrivate, sawSecretKey bool
	for _, issue := range artifacts.Issues {
		if issue.Type == string(domain.AccessUnauthenticatedPrivate) {
			sawUnauthPrivate = true
		}
		if issue.Type == "secret-key" {
			sawSecretKey = true
		}
	}
	assert.True(t, sawUnauthPrivate)
	assert.True(t, sawSecretKey)
	assert.NotEmpty(t, findings)
}

func TestPipeline_RunSkipsSSRFBlockedTargets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SSRF = ssrf.DefaultConfig()
	p := New(cfg, nil)

	artifacts, findings, err := p.Run(context.Background(), "task-2", []string{"http://127.0.0.1:9/"})
	require.NoError(t, err)
	assert.Empty(t, artifacts.JSResources)
	assert.Empty(t, findings)
}
