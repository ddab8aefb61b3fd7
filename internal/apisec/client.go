package apisec

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/scanforge/socscan/internal/apisec/ssrf"
	"github.com/scanforge/socscan/internal/logger"
	"github.com/scanforge/socscan/internal/resilience"
)

// fetchResult captures the bounded outcome of one SSRF-validated HTTP
// fetch: a phase that only sees uniform failures records zero findings and
// proceeds (spec §4.4 "Failure semantics").
type fetchResult struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       string
	Err        error
}

// fetcher is the bounded-concurrency, SSRF-validated HTTP client shared by
// every phase of the pipeline (spec §4.4 "A semaphore bounds concurrent
// HTTP requests ... All HTTP calls MUST pass through the SSRF-safe URL
// validator before being issued").
type fetcher struct {
	client   *http.Client
	sem      *semaphore.Weighted
	ssrfCfg  ssrf.Config
	resolver ssrf.Resolver
	log      *logger.Logger
	maxBody  int64

	// breaker is shared by every URL this fetcher issues (scoped
	// per-Pipeline, not per-host or per-task): consecutive fetch failures
	// trip it, and while it is open every fetch through this Pipeline,
	// including those of other tasks it runs, is skipped.
	breaker *resilience.CircuitBreaker
}

func newFetcher(maxConcurrent int, timeout time.Duration, ssrfCfg ssrf.Config, resolver ssrf.Resolver, log *logger.Logger) *fetcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &fetcher{
		client:   &http.Client{Timeout: timeout},
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		ssrfCfg:  ssrfCfg,
		resolver: resolver,
		log:      log,
		maxBody:  2 << 20, // 2 MiB cap per response body
		breaker:  resilience.New(resilience.DefaultConfig()),
	}
}

// get validates rawURL through the SSRF gate, acquires a semaphore slot,
// and issues a GET. A validation failure is logged and returned as a
// skipped, not fatal, result (spec §4.4 "any URL failing validation is
// skipped and logged").
func (f *fetcher) get(ctx context.Context, rawURL string) fetchResult {
	validated, err := ssrf.Validate(ctx, f.resolver, rawURL, f.ssrfCfg)
	if err != nil {
		if f.log != nil {
			f.log.WithField("url", rawURL).WithField("error", err.Error()).Debug("apisec: skipping URL failing SSRF validation")
		}
		return fetchResult{URL: rawURL, Err: err}
	}

	if err := f.sem.Acquire(ctx, 1); err != nil {
		return fetchResult{URL: rawURL, Err: err}
	}
	defer f.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validated.String(), nil)
	if err != nil {
		return fetchResult{URL: rawURL, Err: err}
	}

	raw, err := f.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
		if err != nil {
			return nil, err
		}
		return fetchResult{URL: rawURL, StatusCode: resp.StatusCode, Headers: resp.Header, Body: string(body)}, nil
	})
	if err != nil {
		if f.log != nil && errors.Is(err, resilience.ErrCircuitOpen) {
			f.log.WithField("url", rawURL).Debug("apisec: circuit open, skipping fetch")
		}
		return fetchResult{URL: rawURL, Err: err}
	}
	return raw.(fetchResult)
}

// getMany fetches every URL in urls concurrently, bounded by f.sem, and
// returns results in the same order as urls.
func (f *fetcher) getMany(ctx context.Context, urls []string) []fetchResult {
	results := make([]fetchResult, len(urls))
	var wg sync.WaitGroup
	wg.Add(len(urls))
	for i, u := range urls {
		go func(i int, u string) {
			defer wg.Done()
			results[i] = f.get(ctx, u)
		}(i, u)
	}
	wg.Wait()
	return results
}
