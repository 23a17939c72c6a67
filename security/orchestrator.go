package security

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tosin2013/pipeline-guardian/config"
	"github.com/tosin2013/pipeline-guardian/contracts"
)

// ScanType selects an adapter capability for a run.
type ScanType string

const (
	ScanContainer ScanType = "container"
	ScanProject   ScanType = "project"
	ScanWebApp    ScanType = "webapp"
)

// ScanRequest describes one orchestrated run.
type ScanRequest struct {
	RepoURL          string
	CommitSHA        string
	ArtifactURL      string
	ScanTypes        []ScanType
	BlockingSeverity Severity
}

// ScanOutcome is the orchestrator's result: the consolidated report, the
// gate verdict, and artifact locations when the gate passed.
type ScanOutcome struct {
	Passed         bool                 `json:"passed"`
	Report         *VulnerabilityReport `json:"report"`
	SBOMURL        string               `json:"sbom_url,omitempty"`
	SignatureURL   string               `json:"signature_url,omitempty"`
	FailedScans    []string             `json:"failed_scans,omitempty"`
	GateViolations []string             `json:"gate_violations,omitempty"`
}

// Orchestrator fans scans out over the registered adapters, consolidates
// findings, gates them against the environment's allowances, and emits the
// signed SBOM.
type Orchestrator struct {
	scanners []Scanner
	signer   Signer
	settings *config.Settings
	clock    contracts.Clock
	logger   *logrus.Logger
}

// NewOrchestrator wires the orchestrator over its adapters.
func NewOrchestrator(scanners []Scanner, signer Signer, settings *config.Settings, clock contracts.Clock, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{scanners: scanners, signer: signer, settings: settings, clock: clock, logger: logger}
}

type scanTask struct {
	scanner  Scanner
	scanType ScanType
	target   string
}

type scanResult struct {
	scanner string
	report  *VulnerabilityReport
}

// RunSecurityScan executes the requested scan types concurrently. A failed
// task is logged and omitted; it never aborts the run. The consolidated
// report is deterministic for a given set of findings.
func (o *Orchestrator) RunSecurityScan(ctx context.Context, req ScanRequest) (*ScanOutcome, error) {
	tasks := o.buildTasks(req)

	var (
		mu      sync.Mutex
		results []scanResult
		failed  []string
	)
	g, scanCtx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			report, err := o.runTask(scanCtx, task)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				o.logger.WithError(err).WithFields(logrus.Fields{
					"scanner":   task.scanner.Name(),
					"scan_type": task.scanType,
				}).Warn("Scan task failed, omitting from consolidation")
				failed = append(failed, fmt.Sprintf("%s/%s", task.scanner.Name(), task.scanType))
				return nil
			}
			results = append(results, scanResult{scanner: task.scanner.Name(), report: report})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := o.consolidate(req, results)
	outcome := &ScanOutcome{Report: report, FailedScans: failed}
	sort.Strings(outcome.FailedScans)

	passed, violations := o.gate(report, req.BlockingSeverity)
	outcome.Passed = passed
	outcome.GateViolations = violations

	if len(failed) > 0 {
		report.Metadata["degraded"] = contracts.Bool(true)
	}

	if passed {
		sbomURL, sigURL, err := o.emitSBOM(report, req.CommitSHA)
		if err != nil {
			return nil, fmt.Errorf("sbom generation failed: %w", err)
		}
		outcome.SBOMURL = sbomURL
		outcome.SignatureURL = sigURL
	}

	o.logger.WithFields(logrus.Fields{
		"target":   report.Target,
		"findings": len(report.Vulnerabilities),
		"passed":   outcome.Passed,
		"failed":   len(failed),
	}).Info("Security scan completed")
	return outcome, nil
}

// buildTasks derives the task set from the requested types and which
// targets were provided.
func (o *Orchestrator) buildTasks(req ScanRequest) []scanTask {
	var tasks []scanTask
	for _, scanType := range req.ScanTypes {
		for _, scanner := range o.scanners {
			switch scanType {
			case ScanContainer:
				if req.ArtifactURL != "" && supports(scanner, ScanContainer) {
					tasks = append(tasks, scanTask{scanner: scanner, scanType: ScanContainer, target: req.ArtifactURL})
				}
			case ScanProject:
				if req.RepoURL != "" && supports(scanner, ScanProject) {
					tasks = append(tasks, scanTask{scanner: scanner, scanType: ScanProject, target: req.RepoURL})
				}
			case ScanWebApp:
				if req.ArtifactURL != "" && supports(scanner, ScanWebApp) {
					tasks = append(tasks, scanTask{scanner: scanner, scanType: ScanWebApp, target: req.ArtifactURL})
				}
			}
		}
	}
	return tasks
}

// supports probes a capability without invoking it, by scanner identity.
// Adapters answer not-supported calls with a validation failure, so the
// orchestrator only schedules capabilities that can succeed.
func supports(s Scanner, t ScanType) bool {
	type capabilities interface{ Supports(ScanType) bool }
	if c, ok := s.(capabilities); ok {
		return c.Supports(t)
	}
	// Without a declaration, schedule it; not-supported failures are
	// filtered like any other failed task.
	return true
}

func (o *Orchestrator) runTask(ctx context.Context, task scanTask) (*VulnerabilityReport, error) {
	switch task.scanType {
	case ScanContainer:
		return task.scanner.ScanContainer(ctx, task.target)
	case ScanProject:
		return task.scanner.ScanProject(ctx, task.target)
	case ScanWebApp:
		return task.scanner.ScanWebApp(ctx, task.target)
	}
	return nil, contracts.E(contracts.KindValidation, "unknown scan type %q", task.scanType)
}

// consolidate merges per-scanner reports into one, scanners serialized by
// name, arrival order preserved within a scanner.
func (o *Orchestrator) consolidate(req ScanRequest, results []scanResult) *VulnerabilityReport {
	sort.SliceStable(results, func(i, j int) bool { return results[i].scanner < results[j].scanner })

	target := req.RepoURL + "@" + req.CommitSHA
	merged := NewReport("consolidated", target, o.clock.Now())
	merged.Metadata = map[string]contracts.Value{}
	var scannerNames []contracts.Value
	for _, r := range results {
		scannerNames = append(scannerNames, contracts.String(r.scanner))
		for _, v := range r.report.Vulnerabilities {
			merged.AddVulnerability(v)
		}
	}
	merged.Metadata["scanners"] = contracts.List(scannerNames...)
	return merged
}

// gate compares merged counts to the environment's allowance table. A
// severity strictly exceeding its allowance fails the gate iff it is at or
// above the blocking floor.
func (o *Orchestrator) gate(report *VulnerabilityReport, blocking Severity) (bool, []string) {
	if blocking == "" {
		blocking = SeverityHigh
	}
	allowances := o.settings.Allowances()

	var violations []string
	for _, severity := range Severities() {
		allowed := allowances[string(severity)]
		count := report.Count(severity)
		if count > allowed && severity.AtLeast(blocking) {
			violations = append(violations, fmt.Sprintf("%s: %d found, %d allowed", severity, count, allowed))
		}
	}
	return len(violations) == 0, violations
}

// emitSBOM writes the SBOM document and its detached signature under the
// artifact path.
func (o *Orchestrator) emitSBOM(report *VulnerabilityReport, commitSHA string) (string, string, error) {
	if err := os.MkdirAll(o.settings.ArtifactStoragePath, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create artifact dir: %w", err)
	}

	sbomBytes, err := BuildSBOM(report)
	if err != nil {
		return "", "", err
	}

	sbomPath := filepath.Join(o.settings.ArtifactStoragePath, fmt.Sprintf("sbom-%s.json", commitSHA))
	if err := os.WriteFile(sbomPath, sbomBytes, 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write sbom: %w", err)
	}

	sigPath := sbomPath + ".sig"
	signature, err := o.signer.Sign(sbomBytes)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign sbom: %w", err)
	}
	if err := os.WriteFile(sigPath, signature, 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write signature: %w", err)
	}
	return sbomPath, sigPath, nil
}
