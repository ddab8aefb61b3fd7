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
)

// fakeResolver resolves a fixed set of hostnames to addresses chosen by
// the test, so SSRF validation can be exercised without real DNS.
type fakeResolver struct {
	addrs map[string][]net.IPAddr
}

func (f fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	return f.addrs[host], nil
}

// redirectingClient builds an *http.Client that validates URLs against the
// logical (fake, public-looking) hostname but dials every connection to
// srvAddr -- the real address of an httptest.Server -- so the full
// SSRF-validate-then-fetch path can be exercised against a local server
// without relying on real DNS or network access.
func redirectingClient(srvAddr string, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, srvAddr)
			},
		},
	}
}

func TestFetcher_GetSkipsURLFailingSSRF(t *testing.T) {
	f := newFetcher(2, time.Second, ssrf.DefaultConfig(), nil, nil)
	res := f.get(context.Background(), "http://127.0.0.1:9/")
	require.Error(t, res.Err)
	assert.Empty(t, res.Body)
}

func TestFetcher_GetFetchesValidatedURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "ok")
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	srvURL, err := url.Parse(srv.URL)
	require.NoError(t, err)

	resolver := fakeResolver{addrs: map[string][]net.IPAddr{
		"public.example.test": {{IP: net.ParseIP("203.0.113.5")}},
	}}

	f := newFetcher(2, 2*time.Second, ssrf.DefaultConfig(), resolver, nil)
	f.client = redirectingClient(srvURL.Host, 2*time.Second)

	res := f.get(context.Background(), "http://public.example.test/")
	require.NoError(t, res.Err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "hello world", res.Body)
	assert.Equal(t, "ok", res.Headers.Get("X-Test"))
}

func TestFetcher_GetManyPreservesOrder(t *testing.T) {
	f := newFetcher(4, time.Second, ssrf.DefaultConfig(), nil, nil)
	urls := []string{"http://127.0.0.1:9/a", "http://127.0.0.1:9/b", "http://127.0.0.1:9/c"}
	results := f.getMany(context.Background(), urls)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, urls[i], r.URL)
		assert.Error(t, r.Err)
	}
}
