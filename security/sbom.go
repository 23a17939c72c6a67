package security

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	cdx "github.com/CycloneDX/cyclonedx-go"
)

// BuildSBOM renders the report as a CycloneDX JSON document: one component
// per distinct affected component, with an external advisory reference per
// vulnerability hitting it. Output is deterministic for a given finding
// set.
func BuildSBOM(report *VulnerabilityReport) ([]byte, error) {
	byComponent := map[string][]Vulnerability{}
	for _, v := range report.Vulnerabilities {
		byComponent[v.AffectedComponent] = append(byComponent[v.AffectedComponent], v)
	}
	names := make([]string, 0, len(byComponent))
	for name := range byComponent {
		names = append(names, name)
	}
	sort.Strings(names)

	components := make([]cdx.Component, 0, len(names))
	for _, ref := range names {
		name, version := splitComponentRef(ref)
		var extRefs []cdx.ExternalReference
		for _, v := range byComponent[ref] {
			url := firstReference(v)
			extRefs = append(extRefs, cdx.ExternalReference{
				Type:    cdx.ERTypeAdvisories,
				URL:     url,
				Comment: fmt.Sprintf("%s (%s)", v.ID, v.Severity),
			})
		}
		component := cdx.Component{
			BOMRef:  ref,
			Type:    cdx.ComponentTypeLibrary,
			Name:    name,
			Version: version,
		}
		if len(extRefs) > 0 {
			component.ExternalReferences = &extRefs
		}
		components = append(components, component)
	}

	bom := cdx.NewBOM()
	bom.Metadata = &cdx.Metadata{
		Timestamp: report.ScanTimestamp.Format("2006-01-02T15:04:05Z07:00"),
		Component: &cdx.Component{
			BOMRef: report.Target,
			Type:   cdx.ComponentTypeApplication,
			Name:   report.Target,
		},
	}
	bom.Components = &components

	var buf bytes.Buffer
	encoder := cdx.NewBOMEncoder(&buf, cdx.BOMFileFormatJSON)
	encoder.SetPretty(true)
	if err := encoder.Encode(bom); err != nil {
		return nil, fmt.Errorf("failed to encode sbom: %w", err)
	}
	return buf.Bytes(), nil
}

// splitComponentRef splits "name@version"; a bare name gets version
// "unknown".
func splitComponentRef(ref string) (name, version string) {
	idx := strings.LastIndex(ref, "@")
	if idx <= 0 {
		return ref, "unknown"
	}
	return ref[:idx], ref[idx+1:]
}

func firstReference(v Vulnerability) string {
	for _, r := range v.References {
		if r != "" {
			return r
		}
	}
	return "urn:vuln:" + v.ID
}
