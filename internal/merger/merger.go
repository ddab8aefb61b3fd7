// Package merger implements the VulnerabilityMerger: per-task
// deduplication and reconciliation of findings surfaced by heterogeneous
// scan tools, keyed by a stable fingerprint (spec §4.3).
package merger

import (
	"sort"
	"sync"
	"time"

	"github.com/scanforge/socscan/internal/domain"
)

// Config controls evidence retention and remediation precedence.
type Config struct {
	EvidenceCapPerSource int
	RemediationPriority  []string
}

// DefaultConfig matches spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		EvidenceCapPerSource: 5,
		RemediationPriority:  []string{"pattern", "template", "header-scan"},
	}
}

// Statistics summarises one merge run (spec §4.3 "statistics").
type Statistics struct {
	InputCount  int
	MergedCount int
	DedupRatio  float64
	BySource    map[string]int
}

// entry is the merger's internal accumulator for one fingerprint.
type entry struct {
	finding       domain.Finding
	evidenceCount map[string]int
	seenSources   map[string]bool
}

// Merger is a per-task, never-shared accumulator (spec §5 "Shared-resource
// policy": VulnerabilityMerger instances are per-task and owned by the
// engine). It is safe for concurrent add() calls from concurrent stages.
type Merger struct {
	mu     sync.Mutex
	cfg    Config
	byFP   map[string]*entry
	inputs int
	bySrc  map[string]int
}

// New constructs an empty Merger for one task.
func New(cfg Config) *Merger {
	if cfg.EvidenceCapPerSource <= 0 {
		cfg.EvidenceCapPerSource = 5
	}
	if len(cfg.RemediationPriority) == 0 {
		cfg.RemediationPriority = DefaultConfig().RemediationPriority
	}
	return &Merger{
		cfg:   cfg,
		byFP:  make(map[string]*entry),
		bySrc: make(map[string]int),
	}
}

// remediationRank gives lower numbers higher precedence; sources absent
// from the configured priority list rank last, in the order first seen.
func (m *Merger) remediationRank(source string) int {
	for i, s := range m.cfg.RemediationPriority {
		if s == source {
			return i
		}
	}
	return len(m.cfg.RemediationPriority)
}

// Add folds finding into the current set keyed by its fingerprint,
// applying the merge rules in spec §4.3 when a fingerprint collision
// occurs. source identifies the contributing tool/stage; observedAt is
// recorded as provenance.
func (m *Merger) Add(finding domain.Finding, source string, observedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inputs++
	m.bySrc[source]++

	fp := finding.Fingerprint()
	e, exists := m.byFP[fp]
	if !exists {
		seeded := finding
		seeded.Evidence = nil
		seeded.Provenance = []domain.Provenance{{Source: source, ObservedAt: observedAt}}
		seeded.References = domain.SortReferences(finding.References)
		seeded.Tags = sortUnique(finding.Tags)

		e = &entry{
			finding:       seeded,
			evidenceCount: make(map[string]int),
			seenSources:   map[string]bool{source: true},
		}
		for _, ev := range finding.Evidence {
			if e.evidenceCount[ev.Source] >= m.cfg.EvidenceCapPerSource {
				continue
			}
			e.evidenceCount[ev.Source]++
			e.finding.Evidence = append(e.finding.Evidence, ev)
		}
		m.byFP[fp] = e
		return
	}

	existing := &e.finding

	existing.Severity = domain.MaxSeverity(existing.Severity, finding.Severity)
	existing.References = domain.SortReferences(append(existing.References, finding.References...))
	existing.Tags = sortUnique(append(existing.Tags, finding.Tags...))

	if !e.seenSources[source] {
		e.seenSources[source] = true
		existing.Provenance = append(existing.Provenance, domain.Provenance{Source: source, ObservedAt: observedAt})
	}

	for _, ev := range finding.Evidence {
		if e.evidenceCount[ev.Source] >= m.cfg.EvidenceCapPerSource {
			continue
		}
		e.evidenceCount[ev.Source]++
		existing.Evidence = append(existing.Evidence, ev)
	}

	if len(finding.Description) > len(existing.Description) {
		existing.Description = finding.Description
	}

	// Title: lexicographically-smallest recovers full order-independence
	// (documented determinism choice, see design notes).
	if finding.Title < existing.Title {
		existing.Title = finding.Title
	}

	if finding.Confidence > existing.Confidence {
		existing.Confidence = finding.Confidence
	}

	if existing.Remediation == "" {
		existing.Remediation = finding.Remediation
	} else if finding.Remediation != "" {
		if m.remediationRank(finding.SourceTool) < m.remediationRank(existing.SourceTool) {
			existing.Remediation = finding.Remediation
		}
	}
}

// Merged returns the canonical findings, sorted by fingerprint so the
// output is independent of insertion order.
func (m *Merger) Merged() []domain.Finding {
	m.mu.Lock()
	defer m.mu.Unlock()

	fps := make([]string, 0, len(m.byFP))
	for fp := range m.byFP {
		fps = append(fps, fp)
	}
	sort.Strings(fps)

	out := make([]domain.Finding, 0, len(fps))
	for _, fp := range fps {
		out = append(out, m.byFP[fp].finding)
	}
	return out
}

// Statistics reports input_count/merged_count/dedup_ratio/by_source
// (spec §4.3).
func (m *Merger) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Statistics{
		InputCount:  m.inputs,
		MergedCount: len(m.byFP),
		BySource:    make(map[string]int, len(m.bySrc)),
	}
	for k, v := range m.bySrc {
		stats.BySource[k] = v
	}
	if m.inputs > 0 {
		stats.DedupRatio = 1 - float64(stats.MergedCount)/float64(m.inputs)
	}
	return stats
}

func sortUnique(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	sort.Strings(out)
	return out
}
