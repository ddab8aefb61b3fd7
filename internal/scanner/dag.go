package scanner

import (
	"time"

	"github.com/scanforge/socscan/internal/domain"
)

// ToolPaths names the configured discovery root for each adapter's
// executable (spec §6 "Tool paths via configured discovery root").
type ToolPaths struct {
	Nmap       string
	Subfinder  string
	Httpx      string
	Nuclei     string
	Pattern    string
	TechDetect string
	Crawler    string
}

// DefaultToolPaths resolves adapter executables by bare name, relying on
// PATH lookup; a deployment-specific discovery root can override these.
func DefaultToolPaths() ToolPaths {
	return ToolPaths{
		Nmap:       "nmap",
		Subfinder:  "subfinder",
		Httpx:      "httpx",
		Nuclei:     "nuclei",
		Pattern:    "socscan-pattern-scan",
		TechDetect: "whatweb",
		Crawler:    "katana",
	}
}

// RegisterDefaultStages wires the stage DAG for every recognised task type
// (spec §4.2): the adapters feeding each type's pipeline. Each stage
// re-reads the task's original target list rather than threading a prior
// stage's discoveries into the next; DependsOn therefore
// only orders execution, it does not narrow a later stage's input set.
func RegisterDefaultStages(e *Engine, tools ToolPaths, stageTimeout time.Duration) {
	portProbe := func() StageSpec {
		return StageSpec{ID: "port-probe", Adapter: PortProbeAdapter{Exec: tools.Nmap}, Timeout: stageTimeout}
	}
	portProbe2 := func(deps ...string) StageSpec {
		return StageSpec{ID: "port-probe", DependsOn: deps, Adapter: PortProbeAdapter{Exec: tools.Nmap}, Timeout: stageTimeout}
	}
	subdomainEnum := func() StageSpec {
		return StageSpec{ID: "subdomain-enum", Adapter: SubdomainEnumAdapter{Exec: tools.Subfinder}, Timeout: stageTimeout}
	}
	livenessCheck := func(deps ...string) StageSpec {
		return StageSpec{ID: "liveness-check", DependsOn: deps, Adapter: LivenessCheckAdapter{Exec: tools.Httpx}, Timeout: stageTimeout}
	}
	templateScan := func(deps ...string) StageSpec {
		return StageSpec{ID: "template-scan", DependsOn: deps, Adapter: TemplateScanAdapter{Exec: tools.Nuclei}, Timeout: stageTimeout}
	}
	techDetect := func(deps ...string) StageSpec {
		return StageSpec{ID: "tech-detect", DependsOn: deps, Optional: true, Adapter: TechDetectAdapter{Exec: tools.TechDetect}, Timeout: stageTimeout}
	}
	crawl := func(deps ...string) StageSpec {
		return StageSpec{ID: "crawl", DependsOn: deps, Adapter: CrawlAdapter{Exec: tools.Crawler}, Timeout: stageTimeout}
	}
	patternScan := func(deps ...string) StageSpec {
		return StageSpec{ID: "pattern-scan", DependsOn: deps, Optional: true, Adapter: PatternScanAdapter{Exec: tools.Pattern}, Timeout: stageTimeout}
	}

	// port_scan: port-probe (spec §4.2 stage-selection table).
	e.RegisterStages(domain.TaskTypePortScan, StageDAG{portProbe()})
	// subdomain_enum: subdomain-enum -> liveness-check.
	e.RegisterStages(domain.TaskTypeSubdomainEnum, StageDAG{subdomainEnum(), livenessCheck("subdomain-enum")})
	// vulnerability_scan: template-scan + pattern-scan, run concurrently.
	e.RegisterStages(domain.TaskTypeVulnerability, StageDAG{templateScan(), patternScan()})
	// web_discovery: tech-detect + crawl, run concurrently.
	e.RegisterStages(domain.TaskTypeWebDiscovery, StageDAG{techDetect(), crawl()})
	// comprehensive: subdomain-enum -> liveness-check -> port-probe ->
	// template-scan + pattern-scan + tech-detect + crawl.
	e.RegisterStages(domain.TaskTypeComprehensive, StageDAG{
		subdomainEnum(), livenessCheck("subdomain-enum"), portProbe2("liveness-check"),
		templateScan("port-probe"), patternScan("port-probe"), techDetect("port-probe"), crawl("port-probe"),
	})
	// api_security tasks run entirely through the APISecurityPipeline, not
	// the stage DAG; see internal/apisec.
}
