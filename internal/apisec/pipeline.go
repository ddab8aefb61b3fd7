// Package apisec implements the five-phase APISecurityPipeline (spec §4.4):
// JS extraction, API discovery, microservice grouping, unauthorized-access
// probing, and sensitive-data scanning. Grounded on the teacher's
// concurrent worker-pool idiom (golang.org/x/sync/semaphore,
// golang.org/x/sync/errgroup, as used throughout internal/scanner) combined
// with the TEE sandboxing idiom (system/tee/script_engine.go) for the
// configurable pattern-rule engine.
package apisec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scanforge/socscan/internal/apisec/ssrf"
	"github.com/scanforge/socscan/internal/domain"
	"github.com/scanforge/socscan/internal/logger"
)

// Config controls the pipeline's phases (mirrors
// internal/config.APISecurityConfig plus the SSRF and pattern-rule knobs
// that are not exposed through environment variables).
type Config struct {
	MaxConcurrentRequests int
	MaxJSFiles            int
	HTTPTimeout           time.Duration
	SSRF                  ssrf.Config
	Resolver              ssrf.Resolver
	KnownBaseAPIPaths     []string
	Methods               []string
	APIPathRules          []PatternRule
	SensitiveDataRules    []PatternRule
	RuleTimeout           time.Duration
	// IncludeNotFoundEndpoints opts into keeping 404-observed endpoints in
	// the persisted artifact set (spec §3: "No APIEndpoint with a 404
	// observation may appear in the merged output unless explicitly
	// configured"). Default false.
	IncludeNotFoundEndpoints bool
}

// DefaultConfig returns the defaults implied by spec.md §4.4 and §6.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentRequests: 10,
		MaxJSFiles:            100,
		HTTPTimeout:           30 * time.Second,
		SSRF:                  ssrf.DefaultConfig(),
		KnownBaseAPIPaths:     []string{"/api", "/api/v1", "/api/v2", "/rest"},
		Methods:               []string{http.MethodGet},
		APIPathRules:          DefaultAPIPathRules(),
		SensitiveDataRules:    DefaultSensitiveDataRules(),
		RuleTimeout:           RuleTimeout,
	}
}

// Pipeline executes the five phases against one or more base targets.
type Pipeline struct {
	cfg       Config
	fetcher   *fetcher
	pathRules *RuleEngine
	dataRules *RuleEngine
	log       *logger.Logger
}

// New constructs a Pipeline. Rule compilation errors are logged (a bad
// rule is excluded, not fatal — spec §4.4 "Failure semantics").
func New(cfg Config, log *logger.Logger) *Pipeline {
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = DefaultConfig().MaxConcurrentRequests
	}
	if len(cfg.APIPathRules) == 0 {
		cfg.APIPathRules = DefaultAPIPathRules()
	}
	if len(cfg.SensitiveDataRules) == 0 {
		cfg.SensitiveDataRules = DefaultSensitiveDataRules()
	}

	pathRules, pathErrs := NewRuleEngine(cfg.APIPathRules, cfg.RuleTimeout)
	dataRules, dataErrs := NewRuleEngine(cfg.SensitiveDataRules, cfg.RuleTimeout)
	for _, err := range append(pathErrs, dataErrs...) {
		if log != nil {
			log.WithField("error", err.Error()).Warn("apisec: dropping unparseable pattern rule")
		}
	}

	return &Pipeline{
		cfg:       cfg,
		fetcher:   newFetcher(cfg.MaxConcurrentRequests, cfg.HTTPTimeout, cfg.SSRF, cfg.Resolver, log),
		pathRules: pathRules,
		dataRules: dataRules,
		log:       log,
	}
}

// scriptSrcRe extracts <script src="..."> references from HTML. A full
// HTML parser is unnecessary for this best-effort discovery phase; a
// bounded regexp mirrors the teacher's lightweight-extraction idiom used
// elsewhere for tool-output scraping.
var scriptSrcRe = regexp.MustCompile(`(?i)<script[^>]+src=["']([^"']+)["']`)

// Run executes all five phases against targets (base URLs) for taskID,
// returning the combined artifacts and any security-issue findings. It
// implements the scanner package's APISecurityRunner seam directly.
// ctx cancellation (including the Scheduler's cooperative cancel token via
// its derived context) aborts outstanding HTTP calls; a phase whose
// probes uniformly fail records zero findings and the pipeline proceeds
// to the next phase (spec §4.4 "Failure semantics").
func (p *Pipeline) Run(ctx context.Context, taskID string, targets []string) (domain.APIArtifacts, []domain.Finding, error) {
	jsResources, jsContent := p.extractJS(ctx, targets)
	endpoints := p.discoverEndpoints(jsResources, targets)
	microservices, serviceContent := p.groupMicroservices(ctx, endpoints)
	issues := p.probeUnauthorizedAccess(ctx, endpoints)
	issues = append(issues, p.scanSensitiveData(jsContent, serviceContent)...)

	findings := make([]domain.Finding, 0, len(issues))
	for _, issue := range issues {
		findings = append(findings, issueToFinding(taskID, issue))
	}

	artifacts := domain.APIArtifacts{
		JSResources:   jsResources,
		Endpoints:     p.persistableEndpoints(endpoints),
		Microservices: microservices,
		Issues:        issues,
	}
	return artifacts, findings, nil
}

// persistableEndpoints drops 404-observed endpoints from the set that gets
// persisted into artifacts, per spec §3, unless IncludeNotFoundEndpoints
// opts in. probeUnauthorizedAccess has already populated ObservedStatus on
// every probed endpoint by this point; endpoints never reached by the probe
// (res.Err != nil) keep their zero status and are retained.
func (p *Pipeline) persistableEndpoints(endpoints []domain.APIEndpoint) []domain.APIEndpoint {
	if p.cfg.IncludeNotFoundEndpoints {
		return endpoints
	}
	kept := make([]domain.APIEndpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.ObservedStatus == http.StatusNotFound {
			continue
		}
		kept = append(kept, ep)
	}
	return kept
}

// extractJS implements phase 1: fetch each target, enumerate linked JS
// resources up to MaxJSFiles, hash each, and extract candidate API paths.
// The fetched bodies are returned alongside (keyed by URL) so phase 5 can
// rescan them without re-fetching.
func (p *Pipeline) extractJS(ctx context.Context, targets []string) ([]domain.JSResource, map[string]string) {
	var jsURLs []string
	for _, target := range targets {
		res := p.fetcher.get(ctx, target)
		if res.Err != nil || res.Body == "" {
			continue
		}
		for _, m := range scriptSrcRe.FindAllStringSubmatch(res.Body, -1) {
			jsURLs = append(jsURLs, resolveRelative(target, m[1]))
			if len(jsURLs) >= p.cfg.MaxJSFiles {
				break
			}
		}
	}
	if len(jsURLs) > p.cfg.MaxJSFiles {
		jsURLs = jsURLs[:p.cfg.MaxJSFiles]
	}

	results := p.fetcher.getMany(ctx, jsURLs)
	resources := make([]domain.JSResource, 0, len(results))
	content := make(map[string]string, len(results))
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		sum := sha256.Sum256([]byte(r.Body))
		matches := p.pathRules.Run(r.Body)
		var paths []string
		for _, m := range matches {
			paths = append(paths, m...)
		}
		resources = append(resources, domain.JSResource{
			URL:               r.URL,
			ContentHash:       hex.EncodeToString(sum[:]),
			ExtractedAPIPaths: dedupeStrings(paths),
		})
		content[r.URL] = r.Body
	}
	return resources, content
}

// discoverEndpoints implements phase 2: materialise APIEndpoints from the
// candidate paths against every target base-URL and known base-API path.
func (p *Pipeline) discoverEndpoints(jsResources []domain.JSResource, targets []string) []domain.APIEndpoint {
	methods := p.cfg.Methods
	if len(methods) == 0 {
		methods = []string{http.MethodGet}
	}

	var candidatePaths []string
	for _, r := range jsResources {
		candidatePaths = append(candidatePaths, r.ExtractedAPIPaths...)
	}
	candidatePaths = dedupeStrings(candidatePaths)

	var endpoints []domain.APIEndpoint
	for _, target := range targets {
		for _, basePath := range p.cfg.KnownBaseAPIPaths {
			for _, apiPath := range candidatePaths {
				servicePath, trimmedPath := splitServicePath(apiPath, basePath)
				for _, method := range methods {
					endpoints = append(endpoints, domain.APIEndpoint{
						ID:          uuid.NewString(),
						BaseURL:     target,
						BaseAPIPath: basePath,
						ServicePath: servicePath,
						APIPath:     trimmedPath,
						Method:      method,
					})
				}
			}
		}
	}
	return endpoints
}

// splitServicePath peels a leading path segment off apiPath (after
// basePath, if apiPath carries it) to use as the service_path grouping key
// for phase 3.
func splitServicePath(apiPath, basePath string) (servicePath, rest string) {
	trimmed := strings.TrimPrefix(apiPath, basePath)
	trimmed = strings.TrimPrefix(trimmed, "/")
	segments := strings.SplitN(trimmed, "/", 2)
	if len(segments) == 0 || segments[0] == "" {
		return "", "/" + trimmed
	}
	if len(segments) == 1 {
		return "/" + segments[0], ""
	}
	return "/" + segments[0], "/" + segments[1]
}

// techSignatures maps a detectable technology name to substrings found in
// response headers or bodies (spec §4.4 "SpringBoot, FastJSON, Log4j
// signatures").
var techSignatures = map[string][]string{
	"SpringBoot": {"Whitelabel Error Page", "org.springframework"},
	"FastJSON":   {"com.alibaba.fastjson", "fastjson"},
	"Log4j":      {"log4j", "org.apache.logging.log4j"},
}

// groupMicroservices implements phase 3: group endpoints by service_path,
// probe each group's root, and detect technologies from response
// headers/body.
func (p *Pipeline) groupMicroservices(ctx context.Context, endpoints []domain.APIEndpoint) ([]domain.Microservice, map[string]string) {
	type key struct{ baseURL, servicePath string }
	groups := make(map[key][]domain.APIEndpoint)
	var order []key
	for _, ep := range endpoints {
		k := key{ep.BaseURL, ep.ServicePath}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], ep)
	}

	services := make([]domain.Microservice, 0, len(order))
	content := make(map[string]string, len(order))
	for _, k := range order {
		root := k.baseURL + k.servicePath
		res := p.fetcher.get(ctx, root)

		var techs []string
		probeText := res.Body
		for header, values := range res.Headers {
			probeText += " " + header + ": " + strings.Join(values, ",")
		}
		for tech, signatures := range techSignatures {
			for _, sig := range signatures {
				if strings.Contains(probeText, sig) {
					techs = append(techs, tech)
					break
				}
			}
		}

		serviceName := strings.TrimPrefix(k.servicePath, "/")
		if serviceName == "" {
			serviceName = "root"
		}
		services = append(services, domain.Microservice{
			BaseURL:              k.baseURL,
			ServiceName:          serviceName,
			Endpoints:            groups[k],
			DetectedTechnologies: dedupeStrings(techs),
		})
		if res.Err == nil {
			content[root] = res.Body
		}
	}
	return services, content
}

// probeUnauthorizedAccess implements phase 4: classify every endpoint via
// HTTP probe, dropping 404s and skipping login-gated or public endpoints,
// recording an issue only for unauthenticated-private access.
func (p *Pipeline) probeUnauthorizedAccess(ctx context.Context, endpoints []domain.APIEndpoint) []domain.APISecurityIssue {
	urls := make([]string, len(endpoints))
	for i, ep := range endpoints {
		urls[i] = ep.FullURL()
	}
	results := p.fetcher.getMany(ctx, urls)

	var issues []domain.APISecurityIssue
	now := time.Now().UTC()
	for i, res := range results {
		if res.Err != nil {
			continue
		}
		endpoints[i].ObservedStatus = res.StatusCode
		endpoints[i].ObservedResponseSize = len(res.Body)

		switch classify(res.StatusCode) {
		case domain.AccessNotFound, domain.AccessRequiresLogin, domain.AccessPublic:
			continue
		case domain.AccessUnauthenticatedPrivate:
			issues = append(issues, domain.APISecurityIssue{
				ID:         uuid.NewString(),
				Type:       string(domain.AccessUnauthenticatedPrivate),
				Severity:   domain.SeverityHigh,
				TargetURL:  endpoints[i].FullURL(),
				Evidence:   fmt.Sprintf("HTTP %d, %d bytes, no authentication challenge observed", res.StatusCode, len(res.Body)),
				ObservedAt: now,
			})
		}
	}
	return issues
}

// classify applies the phase-4 verdict table to an observed HTTP status
// (spec §4.4): 401/403 gate access, 404 is dropped, 2xx without a
// challenge is treated as unauthenticated-private since the probe carried
// no credentials by construction.
func classify(status int) domain.AccessClassification {
	switch {
	case status == http.StatusNotFound:
		return domain.AccessNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.AccessRequiresLogin
	case status >= 200 && status < 300:
		return domain.AccessUnauthenticatedPrivate
	default:
		return domain.AccessPublic
	}
}

// scanSensitiveData implements phase 5: scan JS content and captured
// service-probe response bodies against the configured pattern set (spec
// §4.4 "access-keys, secret-keys, passwords, tokens, phone numbers,
// emails, national-id patterns").
func (p *Pipeline) scanSensitiveData(jsContent, serviceContent map[string]string) []domain.APISecurityIssue {
	var issues []domain.APISecurityIssue
	now := time.Now().UTC()

	scan := func(sourceURL, content string) {
		for rule, matches := range p.dataRules.Run(content) {
			for _, m := range matches {
				issues = append(issues, domain.APISecurityIssue{
					ID:         uuid.NewString(),
					Type:       rule,
					Severity:   sensitiveSeverity(rule),
					TargetURL:  sourceURL,
					Evidence:   redact(m),
					ObservedAt: now,
				})
			}
		}
	}

	for url, body := range jsContent {
		scan(url, body)
	}
	for url, body := range serviceContent {
		scan(url, body)
	}
	return issues
}

func sensitiveSeverity(rule string) domain.Severity {
	switch rule {
	case "access-key", "secret-key":
		return domain.SeverityCritical
	case "password", "bearer-token":
		return domain.SeverityHigh
	default:
		return domain.SeverityMedium
	}
}

// redact keeps sensitive evidence bounded and non-reversible in logs/UI:
// the match length is retained, and only matches longer than 8 bytes keep
// a 4-byte prefix; shorter ones are masked entirely.
func redact(match string) string {
	if len(match) <= 8 {
		return strings.Repeat("*", len(match))
	}
	return match[:4] + strings.Repeat("*", len(match)-4)
}

func issueToFinding(taskID string, issue domain.APISecurityIssue) domain.Finding {
	return domain.Finding{
		ID:          uuid.NewString(),
		Title:       fmt.Sprintf("API security: %s", issue.Type),
		Description: issue.Evidence,
		Severity:    issue.Severity,
		Category:    "api-security",
		SourceTool:  "apisec",
		Target:      domain.Target{URL: issue.TargetURL},
		Evidence:    []domain.Evidence{{Source: "apisec", Content: issue.Evidence}},
		Provenance:  []domain.Provenance{{Source: "apisec", ObservedAt: issue.ObservedAt}},
	}
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func resolveRelative(base, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	base = strings.TrimSuffix(base, "/")
	if strings.HasPrefix(ref, "/") {
		return base + ref
	}
	return base + "/" + ref
}
