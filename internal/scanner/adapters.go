package scanner

import (
	"io"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/scanforge/socscan/internal/domain"
)

// PortProbeAdapter wraps an Nmap-compatible port scanner emitting XML.
type PortProbeAdapter struct{ Exec string }

func (a PortProbeAdapter) Name() string             { return "port-probe" }
func (a PortProbeAdapter) Executable() string        { return a.Exec }
func (a PortProbeAdapter) OutputFormat() OutputFormat { return FormatXML }

func (a PortProbeAdapter) Build(targets []string, cfg map[string]string) []string {
	args := []string{"-oX", "-", "-T4"}
	if ports := cfg["ports"]; ports != "" {
		args = append(args, "-p", ports)
	}
	return append(args, targets...)
}

func (a PortProbeAdapter) Parse(r io.Reader) ([]domain.Finding, error) {
	return ParseNmapXML(r)
}

// SubdomainEnumAdapter wraps a subfinder-compatible enumerator emitting
// one JSON object per discovered host per line.
type SubdomainEnumAdapter struct{ Exec string }

func (a SubdomainEnumAdapter) Name() string             { return "subdomain-enum" }
func (a SubdomainEnumAdapter) Executable() string        { return a.Exec }
func (a SubdomainEnumAdapter) OutputFormat() OutputFormat { return FormatJSONLines }

func (a SubdomainEnumAdapter) Build(targets []string, cfg map[string]string) []string {
	args := []string{"-silent", "-json"}
	for _, t := range targets {
		args = append(args, "-d", t)
	}
	return args
}

func (a SubdomainEnumAdapter) Parse(r io.Reader) ([]domain.Finding, error) {
	return ParseJSONLines(r, func(line gjson.Result) (domain.Finding, bool) {
		host := line.Get("host").String()
		if host == "" {
			return domain.Finding{}, false
		}
		return domain.Finding{
			Title:      "Subdomain discovered: " + host,
			Category:   "subdomain",
			SourceTool: "subdomain-enum",
			Severity:   domain.SeverityInfo,
			Target:     domain.Target{Host: host},
			Confidence: 1.0,
		}, true
	})
}

// LivenessCheckAdapter wraps an httpx-compatible liveness prober emitting
// one JSON object per probed URL per line.
type LivenessCheckAdapter struct{ Exec string }

func (a LivenessCheckAdapter) Name() string             { return "liveness-check" }
func (a LivenessCheckAdapter) Executable() string        { return a.Exec }
func (a LivenessCheckAdapter) OutputFormat() OutputFormat { return FormatJSONLines }

func (a LivenessCheckAdapter) Build(targets []string, cfg map[string]string) []string {
	args := []string{"-silent", "-json", "-status-code", "-tech-detect"}
	for _, t := range targets {
		args = append(args, "-u", t)
	}
	return args
}

func (a LivenessCheckAdapter) Parse(r io.Reader) ([]domain.Finding, error) {
	return ParseJSONLines(r, func(line gjson.Result) (domain.Finding, bool) {
		url := line.Get("url").String()
		if url == "" {
			return domain.Finding{}, false
		}
		status := int(line.Get("status_code").Int())
		techs := line.Get("technologies").Array()
		tags := make([]string, 0, len(techs))
		for _, t := range techs {
			tags = append(tags, t.String())
		}
		return domain.Finding{
			Title:      "Live host: " + url,
			Category:   "liveness",
			SourceTool: "liveness-check",
			Severity:   domain.SeverityInfo,
			Target:     domain.Target{Host: line.Get("host").String(), URL: url},
			Tags:       tags,
			Confidence: 1.0,
			Evidence:   []domain.Evidence{{Source: "liveness-check", Content: "status=" + strconv.Itoa(status)}},
		}, true
	})
}

// TemplateScanAdapter wraps a nuclei-compatible template-based vulnerability
// scanner emitting one JSON finding per line.
type TemplateScanAdapter struct{ Exec string }

func (a TemplateScanAdapter) Name() string             { return "template" }
func (a TemplateScanAdapter) Executable() string        { return a.Exec }
func (a TemplateScanAdapter) OutputFormat() OutputFormat { return FormatJSONLines }

func (a TemplateScanAdapter) Build(targets []string, cfg map[string]string) []string {
	args := []string{"-silent", "-jsonl"}
	if severity := cfg["severity"]; severity != "" {
		args = append(args, "-severity", severity)
	}
	for _, t := range targets {
		args = append(args, "-u", t)
	}
	return args
}

func (a TemplateScanAdapter) Parse(r io.Reader) ([]domain.Finding, error) {
	return ParseJSONLines(r, func(line gjson.Result) (domain.Finding, bool) {
		title := line.Get("info.name").String()
		if title == "" {
			return domain.Finding{}, false
		}
		refs := line.Get("info.reference").Array()
		references := make([]string, 0, len(refs))
		for _, ref := range refs {
			references = append(references, ref.String())
		}
		return domain.Finding{
			Title:       title,
			Description: line.Get("info.description").String(),
			Category:    line.Get("type").String(),
			SourceTool:  "template",
			Severity:    domain.Severity(strings.ToLower(line.Get("info.severity").String())),
			Target:      domain.Target{Host: line.Get("host").String(), URL: line.Get("matched-at").String()},
			References:  references,
			CWEID:       line.Get("info.classification.cwe-id.0").String(),
			Confidence:  0.8,
			Evidence:    []domain.Evidence{{Source: "template", Content: line.Get("extracted-results.0").String()}},
		}, true
	})
}

// PatternScanAdapter wraps a regex/rule-based response scanner (e.g. a
// grep-style matcher) used by the API security pipeline's sensitive-data
// phase as well as a standalone stage; emits one JSON match per line.
type PatternScanAdapter struct{ Exec string }

func (a PatternScanAdapter) Name() string             { return "pattern" }
func (a PatternScanAdapter) Executable() string        { return a.Exec }
func (a PatternScanAdapter) OutputFormat() OutputFormat { return FormatJSONLines }

func (a PatternScanAdapter) Build(targets []string, cfg map[string]string) []string {
	args := []string{"-silent", "-json"}
	for _, t := range targets {
		args = append(args, "-u", t)
	}
	return args
}

func (a PatternScanAdapter) Parse(r io.Reader) ([]domain.Finding, error) {
	return ParseJSONLines(r, func(line gjson.Result) (domain.Finding, bool) {
		pattern := line.Get("pattern_name").String()
		if pattern == "" {
			return domain.Finding{}, false
		}
		return domain.Finding{
			Title:       "Pattern match: " + pattern,
			Description: line.Get("match").String(),
			Category:    "sensitive-data",
			SourceTool:  "pattern",
			Severity:    domain.Severity(strings.ToLower(line.Get("severity").String())),
			Target:      domain.Target{Host: line.Get("host").String(), URL: line.Get("url").String()},
			Remediation: line.Get("remediation").String(),
			Confidence:  0.6,
			Evidence:    []domain.Evidence{{Source: "pattern", Content: line.Get("match").String()}},
		}, true
	})
}

// TechDetectAdapter wraps a fingerprinting tool (e.g. WhatWeb-compatible)
// reporting detected technologies per host.
type TechDetectAdapter struct{ Exec string }

func (a TechDetectAdapter) Name() string             { return "tech-detect" }
func (a TechDetectAdapter) Executable() string        { return a.Exec }
func (a TechDetectAdapter) OutputFormat() OutputFormat { return FormatJSONLines }

func (a TechDetectAdapter) Build(targets []string, cfg map[string]string) []string {
	args := []string{"--log-json=-"}
	return append(args, targets...)
}

func (a TechDetectAdapter) Parse(r io.Reader) ([]domain.Finding, error) {
	return ParseJSONLines(r, func(line gjson.Result) (domain.Finding, bool) {
		target := line.Get("target").String()
		if target == "" {
			return domain.Finding{}, false
		}
		plugins := line.Get("plugins").Map()
		tags := make([]string, 0, len(plugins))
		for name := range plugins {
			tags = append(tags, name)
		}
		return domain.Finding{
			Title:      "Technology stack detected: " + target,
			Category:   "tech-detect",
			SourceTool: "tech-detect",
			Severity:   domain.SeverityInfo,
			Target:     domain.Target{URL: target},
			Tags:       tags,
			Confidence: 0.7,
		}, true
	})
}

// CrawlAdapter wraps a headless-crawl tool (e.g. katana-compatible)
// emitting one discovered URL per line, used to seed JS-resource
// extraction for the APISecurityPipeline.
type CrawlAdapter struct{ Exec string }

func (a CrawlAdapter) Name() string             { return "crawl" }
func (a CrawlAdapter) Executable() string        { return a.Exec }
func (a CrawlAdapter) OutputFormat() OutputFormat { return FormatJSONLines }

func (a CrawlAdapter) Build(targets []string, cfg map[string]string) []string {
	args := []string{"-silent", "-jsonl"}
	for _, t := range targets {
		args = append(args, "-u", t)
	}
	return args
}

func (a CrawlAdapter) Parse(r io.Reader) ([]domain.Finding, error) {
	return ParseJSONLines(r, func(line gjson.Result) (domain.Finding, bool) {
		url := line.Get("url").String()
		if url == "" {
			return domain.Finding{}, false
		}
		return domain.Finding{
			Title:      "Crawled endpoint: " + url,
			Category:   "crawl",
			SourceTool: "crawl",
			Severity:   domain.SeverityInfo,
			Target:     domain.Target{URL: url},
			Confidence: 1.0,
		}, true
	})
}
