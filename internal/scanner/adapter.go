package scanner

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/scanforge/socscan/internal/domain"
)

// OutputFormat names a tool's result encoding (spec §6 "Subprocess tool
// contracts").
type OutputFormat string

const (
	FormatJSONLines OutputFormat = "json-lines"
	FormatXML       OutputFormat = "xml"
	FormatCSV       OutputFormat = "csv"
	FormatPlainLines OutputFormat = "plain-lines"
)

// ToolAdapter wraps one external scan tool: how to invoke it, and how to
// turn its output into Findings (spec §4.2, §6).
type ToolAdapter interface {
	// Name identifies the adapter for logging and provenance tagging.
	Name() string
	// Executable is the binary looked up on the configured discovery
	// root; the engine reports STAGE_SKIPPED if it cannot be found.
	Executable() string
	// Build returns the argv (excluding the executable itself) for
	// scanning the given targets with the task's tool_config.
	Build(targets []string, toolConfig map[string]string) []string
	// OutputFormat names the encoding Parse expects.
	OutputFormat() OutputFormat
	// Parse turns the tool's captured stdout into Findings.
	Parse(r io.Reader) ([]domain.Finding, error)
}

// ParseJSONLines reads one gjson-addressable JSON object per line, mapping
// fields via the supplied extractor. Malformed lines are skipped rather
// than aborting the whole stage, since a single corrupt record should not
// sink an otherwise-successful tool run.
func ParseJSONLines(r io.Reader, extract func(line gjson.Result) (domain.Finding, bool)) ([]domain.Finding, error) {
	var findings []domain.Finding
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		result := gjson.ParseBytes(line)
		if !result.Exists() {
			continue
		}
		finding, ok := extract(result)
		if !ok {
			continue
		}
		findings = append(findings, finding)
	}
	if err := scanner.Err(); err != nil {
		return findings, err
	}
	return findings, nil
}

// nmapHost mirrors the subset of Nmap XML this core consumes (spec §6
// "Nmap XML import").
type nmapHost struct {
	Addresses []struct {
		AddrType string `xml:"addrtype,attr"`
		Addr     string `xml:"addr,attr"`
	} `xml:"address"`
	Hostnames []struct {
		Name string `xml:"name,attr"`
	} `xml:"hostnames>hostname"`
	Ports []struct {
		PortID   string `xml:"portid,attr"`
		Protocol string `xml:"protocol,attr"`
		State    struct {
			State string `xml:"state,attr"`
		} `xml:"state"`
		Service struct {
			Name string `xml:"name,attr"`
		} `xml:"service"`
	} `xml:"ports>port"`
}

type nmapRun struct {
	Hosts []nmapHost `xml:"host"`
}

// ParseNmapXML turns Nmap's XML output into one Finding per open port,
// matching the File-formats-consumed contract in spec §6.
func ParseNmapXML(r io.Reader) ([]domain.Finding, error) {
	var run nmapRun
	if err := xml.NewDecoder(r).Decode(&run); err != nil {
		return nil, err
	}

	var findings []domain.Finding
	for _, host := range run.Hosts {
		addr := ""
		for _, a := range host.Addresses {
			if a.AddrType == "ipv4" || addr == "" {
				addr = a.Addr
			}
		}
		for _, port := range host.Ports {
			if port.State.State != "open" {
				continue
			}
			portNum, _ := strconv.Atoi(port.PortID)
			findings = append(findings, domain.Finding{
				Title:      "Open port " + port.PortID + "/" + port.Protocol,
				Category:   "open-port",
				SourceTool: "nmap",
				Severity:   domain.SeverityInfo,
				Target:     domain.Target{Host: addr, Port: portNum},
				Evidence:   []domain.Evidence{{Source: "nmap", Content: port.Service.Name}},
			})
		}
	}
	return findings, nil
}

// TargetRecord is one row parsed from a CSV/JSON target-list import (spec
// §6).
type TargetRecord struct {
	Name         string
	Type         string
	Domain       string
	IPAddress    string
	Organization string
	Owner        string
	Tags         []string
	Criticality  string
}

// ParseTargetCSV reads the header-row CSV contract: {name, type, domain,
// ip_address, organization, owner, tags, criticality}; tags are
// comma-separated within their own field.
func ParseTargetCSV(r io.Reader) ([]TargetRecord, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	header := rows[0]
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[h] = i
	}
	get := func(row []string, key string) string {
		if i, ok := idx[key]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}

	var records []TargetRecord
	for _, row := range rows[1:] {
		rec := TargetRecord{
			Name:         get(row, "name"),
			Type:         get(row, "type"),
			Domain:       get(row, "domain"),
			IPAddress:    get(row, "ip_address"),
			Organization: get(row, "organization"),
			Owner:        get(row, "owner"),
			Criticality:  get(row, "criticality"),
		}
		if tags := get(row, "tags"); tags != "" {
			for _, tag := range strings.Split(tags, ",") {
				if trimmed := strings.TrimSpace(tag); trimmed != "" {
					rec.Tags = append(rec.Tags, trimmed)
				}
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// TargetString returns the value a ScanTask target list actually carries
// for this record: a domain if present, else an IP address.
func (r TargetRecord) TargetString() string {
	if r.Domain != "" {
		return r.Domain
	}
	return r.IPAddress
}

// ParseTargetJSON reads a JSON array of TargetRecord-shaped objects (the
// JSON counterpart of the CSV target-list import contract, spec §6).
func ParseTargetJSON(r io.Reader) ([]TargetRecord, error) {
	var raw []struct {
		Name         string   `json:"name"`
		Type         string   `json:"type"`
		Domain       string   `json:"domain"`
		IPAddress    string   `json:"ip_address"`
		Organization string   `json:"organization"`
		Owner        string   `json:"owner"`
		Tags         []string `json:"tags"`
		Criticality  string   `json:"criticality"`
	}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, err
	}
	records := make([]TargetRecord, 0, len(raw))
	for _, rr := range raw {
		records = append(records, TargetRecord{
			Name: rr.Name, Type: rr.Type, Domain: rr.Domain, IPAddress: rr.IPAddress,
			Organization: rr.Organization, Owner: rr.Owner, Tags: rr.Tags, Criticality: rr.Criticality,
		})
	}
	return records, nil
}

// ParseTargetsNmapXML extracts one TargetRecord per scanned host from a
// plain Nmap XML host list (distinct from ParseNmapXML, which turns a scan
// result into open-port Findings; this reads the same nmaprun schema to
// recover the target list it was run against).
func ParseTargetsNmapXML(r io.Reader) ([]TargetRecord, error) {
	var run nmapRun
	if err := xml.NewDecoder(r).Decode(&run); err != nil {
		return nil, err
	}
	records := make([]TargetRecord, 0, len(run.Hosts))
	for _, host := range run.Hosts {
		rec := TargetRecord{Type: "ip"}
		for _, a := range host.Addresses {
			switch a.AddrType {
			case "ipv4", "ipv6":
				if rec.IPAddress == "" {
					rec.IPAddress = a.Addr
				}
			default:
				if rec.Domain == "" {
					rec.Domain = a.Addr
				}
			}
		}
		for _, hn := range host.Hostnames {
			if rec.Domain == "" {
				rec.Domain = hn.Name
			}
		}
		if rec.IPAddress != "" || rec.Domain != "" {
			records = append(records, rec)
		}
	}
	return records, nil
}
