package merger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanforge/socscan/internal/domain"
)

func baseFinding() domain.Finding {
	return domain.Finding{
		Title:       "SQL Injection",
		Description: "short",
		Severity:    domain.SeverityMedium,
		Category:    "injection",
		SourceTool:  "template",
		Target:      domain.Target{Host: "example.com", Path: "/login"},
		Confidence:  0.5,
	}
}

func TestMerger_AddDeduplicatesByFingerprint(t *testing.T) {
	m := New(DefaultConfig())
	now := time.Now()

	a := baseFinding()
	b := baseFinding()
	b.Severity = domain.SeverityCritical
	b.Description = "a much longer and more informative description of the issue"

	m.Add(a, "nuclei", now)
	m.Add(b, "pattern", now)

	merged := m.Merged()
	require.Len(t, merged, 1)
	assert.Equal(t, domain.SeverityCritical, merged[0].Severity)
	assert.Equal(t, b.Description, merged[0].Description)
}

func TestMerger_OrderIndependentMerge(t *testing.T) {
	now := time.Now()
	a := baseFinding()
	b := baseFinding()
	b.Title = "AQL Injection" // lexicographically smaller than "SQL Injection"

	forward := New(DefaultConfig())
	forward.Add(a, "nuclei", now)
	forward.Add(b, "pattern", now)

	backward := New(DefaultConfig())
	backward.Add(b, "pattern", now)
	backward.Add(a, "nuclei", now)

	fMerged := forward.Merged()
	bMerged := backward.Merged()
	require.Len(t, fMerged, 1)
	require.Len(t, bMerged, 1)
	assert.Equal(t, fMerged[0].Title, bMerged[0].Title)
	assert.Equal(t, "AQL Injection", fMerged[0].Title)
}

func TestMerger_EvidenceCappedPerSource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EvidenceCapPerSource = 2
	m := New(cfg)
	now := time.Now()

	f := baseFinding()
	for i := 0; i < 5; i++ {
		f.Evidence = []domain.Evidence{{Source: "nuclei", Content: "match"}}
		m.Add(f, "nuclei", now)
	}

	merged := m.Merged()
	require.Len(t, merged, 1)
	assert.LessOrEqual(t, len(merged[0].Evidence), 2)
}

func TestMerger_ProvenanceDedupedBySource(t *testing.T) {
	m := New(DefaultConfig())
	now := time.Now()
	f := baseFinding()

	m.Add(f, "nuclei", now)
	m.Add(f, "nuclei", now.Add(time.Minute))
	m.Add(f, "pattern", now)

	merged := m.Merged()
	require.Len(t, merged, 1)
	assert.Len(t, merged[0].Provenance, 2)
}

func TestMerger_RemediationPrefersHigherPrioritySource(t *testing.T) {
	cfg := DefaultConfig() // pattern > template > header-scan
	m := New(cfg)
	now := time.Now()

	fromTemplate := baseFinding()
	fromTemplate.SourceTool = "template"
	fromTemplate.Remediation = "use a WAF"

	fromPattern := baseFinding()
	fromPattern.SourceTool = "pattern"
	fromPattern.Remediation = "use parameterised queries"

	m.Add(fromTemplate, "template", now)
	m.Add(fromPattern, "pattern", now)

	merged := m.Merged()
	require.Len(t, merged, 1)
	assert.Equal(t, "use parameterised queries", merged[0].Remediation)
}

func TestMerger_Statistics(t *testing.T) {
	m := New(DefaultConfig())
	now := time.Now()

	m.Add(baseFinding(), "nuclei", now)
	m.Add(baseFinding(), "pattern", now)

	other := baseFinding()
	other.Target.Host = "other.example.com"
	m.Add(other, "nuclei", now)

	stats := m.Statistics()
	assert.Equal(t, 3, stats.InputCount)
	assert.Equal(t, 2, stats.MergedCount)
	assert.InDelta(t, 1.0/3.0, stats.DedupRatio, 0.001)
	assert.Equal(t, 2, stats.BySource["nuclei"])
	assert.Equal(t, 1, stats.BySource["pattern"])
}
