// Package security orchestrates the external vulnerability scanners,
// consolidates their findings, gates them against policy, and emits a
// signed SBOM for passing scans.
package security

import (
	"sort"
	"time"

	"github.com/tosin2013/pipeline-guardian/contracts"
)

// Severity grades a vulnerability. Order matters for gating and ranking.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// severityRank maps severities to a descending order, critical first.
var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
	SeverityInfo:     4,
}

// Severities lists every level from most to least severe.
func Severities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}
}

// AtLeast reports whether s is at or above the blocking floor.
func (s Severity) AtLeast(floor Severity) bool {
	sr, ok1 := severityRank[s]
	fr, ok2 := severityRank[floor]
	return ok1 && ok2 && sr <= fr
}

// NormalizeSeverity maps scanner-native severity spellings to the common
// scale; unknown values become info.
func NormalizeSeverity(raw string) Severity {
	switch Severity(normalizeLower(raw)) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityHigh:
		return SeverityHigh
	case SeverityMedium:
		return SeverityMedium
	case SeverityLow:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

func normalizeLower(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// Vulnerability is one finding in the common schema.
type Vulnerability struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	Description       string   `json:"description,omitempty"`
	Severity          Severity `json:"severity"`
	CVSSScore         float64  `json:"cvss_score,omitempty"`
	AffectedComponent string   `json:"affected_component"` // name@version
	FixVersion        string   `json:"fix_version,omitempty"`
	References        []string `json:"references,omitempty"`
}

// VulnerabilityReport is the output of one scan (or a consolidation of
// many). The summary always equals the per-severity counts of the
// contained vulnerabilities; mutation goes through AddVulnerability so the
// invariant holds.
type VulnerabilityReport struct {
	ScannerName     string                     `json:"scanner_name"`
	ScanTimestamp   time.Time                  `json:"scan_timestamp"`
	Target          string                     `json:"target"`
	Vulnerabilities []Vulnerability            `json:"vulnerabilities"`
	Summary         map[Severity]int           `json:"summary"`
	Metadata        map[string]contracts.Value `json:"metadata,omitempty"`
}

// NewReport builds an empty report for a scanner and target.
func NewReport(scannerName, target string, at time.Time) *VulnerabilityReport {
	return &VulnerabilityReport{
		ScannerName:   scannerName,
		ScanTimestamp: at,
		Target:        target,
		Summary:       map[Severity]int{},
	}
}

// AddVulnerability appends v and keeps the summary consistent.
func (r *VulnerabilityReport) AddVulnerability(v Vulnerability) {
	r.Vulnerabilities = append(r.Vulnerabilities, v)
	r.Summary[v.Severity]++
}

// RecomputeSummary rebuilds the summary from the vulnerability list.
func (r *VulnerabilityReport) RecomputeSummary() {
	r.Summary = map[Severity]int{}
	for _, v := range r.Vulnerabilities {
		r.Summary[v.Severity]++
	}
}

// Count returns the number of findings at severity s.
func (r *VulnerabilityReport) Count(s Severity) int { return r.Summary[s] }

// RankVulnerabilities orders findings most severe first, CVSS score as the
// secondary key inside a bucket, id for a stable tiebreak.
func RankVulnerabilities(vulns []Vulnerability) {
	sort.SliceStable(vulns, func(i, j int) bool {
		ri, rj := severityRank[vulns[i].Severity], severityRank[vulns[j].Severity]
		if ri != rj {
			return ri < rj
		}
		if vulns[i].CVSSScore != vulns[j].CVSSScore {
			return vulns[i].CVSSScore > vulns[j].CVSSScore
		}
		return vulns[i].ID < vulns[j].ID
	})
}
