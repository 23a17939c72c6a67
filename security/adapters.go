package security

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/tosin2013/pipeline-guardian/contracts"
)

// Scanner is the uniform capability set over heterogeneous scanners.
// Capabilities a scanner does not support return a not-supported failure,
// never a silent empty report.
type Scanner interface {
	Name() string
	ScanContainer(ctx context.Context, imageRef string) (*VulnerabilityReport, error)
	ScanProject(ctx context.Context, repoURL string) (*VulnerabilityReport, error)
	ScanWebApp(ctx context.Context, url string) (*VulnerabilityReport, error)
	Connect(ctx context.Context) error
}

// ErrNotSupported builds the standard not-supported failure.
func ErrNotSupported(scanner, capability string) error {
	return contracts.E(contracts.KindValidation, "scanner %s does not support %s", scanner, capability)
}

// commandRunner abstracts subprocess execution so adapter tests can
// substitute canned scanner output.
type commandRunner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), contracts.Wrap(contracts.KindTransient, err, "%s invocation failed", name)
	}
	return stdout.Bytes(), nil
}

// newScannerBreaker protects an external scanner behind a circuit breaker
// so a flapping binary or endpoint stops being hammered.
func newScannerBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

// trivyReport mirrors the fields of trivy's JSON output the adapter reads.
type trivyReport struct {
	Results []struct {
		Vulnerabilities []struct {
			VulnerabilityID  string   `json:"VulnerabilityID"`
			Title            string   `json:"Title"`
			Description      string   `json:"Description"`
			Severity         string   `json:"Severity"`
			PkgName          string   `json:"PkgName"`
			InstalledVersion string   `json:"InstalledVersion"`
			FixedVersion     string   `json:"FixedVersion"`
			References       []string `json:"References"`
			CVSS             map[string]struct {
				V3Score float64 `json:"V3Score"`
			} `json:"CVSS"`
		} `json:"Vulnerabilities"`
	} `json:"Results"`
}

// TrivyScanner shells out to the trivy binary for container images and
// project trees. It has no webapp capability.
type TrivyScanner struct {
	binary  string
	timeout time.Duration
	runner  commandRunner
	breaker *gobreaker.CircuitBreaker
	clock   contracts.Clock
	logger  *logrus.Logger
}

// NewTrivyScanner builds the adapter around the trivy binary.
func NewTrivyScanner(binary string, timeout time.Duration, clock contracts.Clock, logger *logrus.Logger) *TrivyScanner {
	if binary == "" {
		binary = "trivy"
	}
	return &TrivyScanner{
		binary:  binary,
		timeout: timeout,
		runner:  execRunner{},
		breaker: newScannerBreaker("trivy"),
		clock:   clock,
		logger:  logger,
	}
}

func (s *TrivyScanner) Name() string { return "trivy" }

// Supports declares the capabilities the orchestrator may schedule.
func (s *TrivyScanner) Supports(t ScanType) bool {
	return t == ScanContainer || t == ScanProject
}

// Probe reports whether the scanner binary resolves on PATH.
func (s *TrivyScanner) Probe() contracts.HealthProbe {
	return contracts.ProbeFunc{ProbeName: "scanner-" + s.Name(), Fn: func(_ context.Context) error {
		if _, err := exec.LookPath(s.binary); err != nil {
			return fmt.Errorf("scanner binary %s not found: %w", s.binary, err)
		}
		return nil
	}}
}

func (s *TrivyScanner) Connect(_ context.Context) error { return nil }

func (s *TrivyScanner) ScanContainer(ctx context.Context, imageRef string) (*VulnerabilityReport, error) {
	return s.scan(ctx, imageRef, "image", "--format", "json", "--quiet", imageRef)
}

func (s *TrivyScanner) ScanProject(ctx context.Context, repoURL string) (*VulnerabilityReport, error) {
	return s.scan(ctx, repoURL, "repo", "--format", "json", "--quiet", repoURL)
}

func (s *TrivyScanner) ScanWebApp(_ context.Context, _ string) (*VulnerabilityReport, error) {
	return nil, ErrNotSupported(s.Name(), "webapp scanning")
}

func (s *TrivyScanner) scan(ctx context.Context, target string, args ...string) (*VulnerabilityReport, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.runner.Output(scanCtx, s.binary, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("trivy scan of %s failed: %w", target, err)
	}

	var parsed trivyReport
	if err := json.Unmarshal(result.([]byte), &parsed); err != nil {
		return nil, contracts.Wrap(contracts.KindData, err, "failed to parse trivy output for %s", target)
	}

	report := NewReport(s.Name(), target, s.clock.Now())
	for _, res := range parsed.Results {
		for _, v := range res.Vulnerabilities {
			var cvss float64
			for _, score := range v.CVSS {
				if score.V3Score > cvss {
					cvss = score.V3Score
				}
			}
			report.AddVulnerability(Vulnerability{
				ID:                v.VulnerabilityID,
				Title:             v.Title,
				Description:       v.Description,
				Severity:          NormalizeSeverity(v.Severity),
				CVSSScore:         cvss,
				AffectedComponent: v.PkgName + "@" + v.InstalledVersion,
				FixVersion:        v.FixedVersion,
				References:        v.References,
			})
		}
	}
	s.logger.WithFields(logrus.Fields{
		"scanner":  s.Name(),
		"target":   target,
		"findings": len(report.Vulnerabilities),
	}).Info("Scan completed")
	return report, nil
}

// zapAlert mirrors the fields of the ZAP alerts API the adapter reads.
type zapAlert struct {
	Alert       string `json:"alert"`
	Risk        string `json:"risk"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Reference   string `json:"reference"`
	PluginID    string `json:"pluginId"`
}

// ZAPScanner drives a proxy-based web application scanner over its HTTP
// API. It maintains a session, so Connect must succeed before scans.
type ZAPScanner struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	clock      contracts.Clock
	logger     *logrus.Logger
	connected  bool
}

// NewZAPScanner builds the adapter for a running ZAP daemon.
func NewZAPScanner(baseURL, apiKey string, timeout time.Duration, clock contracts.Clock, logger *logrus.Logger) *ZAPScanner {
	return &ZAPScanner{
		baseURL:    baseURL,
		apiKey:     apiKey,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    newScannerBreaker("zap"),
		clock:      clock,
		logger:     logger,
	}
}

func (s *ZAPScanner) Name() string { return "zap" }

// Supports declares the capabilities the orchestrator may schedule.
func (s *ZAPScanner) Supports(t ScanType) bool { return t == ScanWebApp }

// Probe reports whether the daemon answers its version endpoint.
func (s *ZAPScanner) Probe() contracts.HealthProbe {
	return contracts.ProbeFunc{ProbeName: "scanner-" + s.Name(), Fn: func(ctx context.Context) error {
		_, err := s.get(ctx, "/JSON/core/view/version/")
		return err
	}}
}

// Connect verifies the daemon answers before any scan is attempted.
func (s *ZAPScanner) Connect(ctx context.Context) error {
	_, err := s.get(ctx, "/JSON/core/view/version/")
	if err != nil {
		return fmt.Errorf("zap connect failed: %w", err)
	}
	s.connected = true
	return nil
}

func (s *ZAPScanner) ScanContainer(_ context.Context, _ string) (*VulnerabilityReport, error) {
	return nil, ErrNotSupported(s.Name(), "container scanning")
}

func (s *ZAPScanner) ScanProject(_ context.Context, _ string) (*VulnerabilityReport, error) {
	return nil, ErrNotSupported(s.Name(), "project scanning")
}

func (s *ZAPScanner) ScanWebApp(ctx context.Context, url string) (*VulnerabilityReport, error) {
	if !s.connected {
		if err := s.Connect(ctx); err != nil {
			return nil, err
		}
	}

	body, err := s.get(ctx, "/JSON/alert/view/alerts/?baseurl="+url)
	if err != nil {
		return nil, fmt.Errorf("zap scan of %s failed: %w", url, err)
	}

	var parsed struct {
		Alerts []zapAlert `json:"alerts"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, contracts.Wrap(contracts.KindData, err, "failed to parse zap alerts for %s", url)
	}

	report := NewReport(s.Name(), url, s.clock.Now())
	for _, a := range parsed.Alerts {
		report.AddVulnerability(Vulnerability{
			ID:                "ZAP-" + a.PluginID,
			Title:             a.Alert,
			Description:       a.Description,
			Severity:          zapRiskToSeverity(a.Risk),
			AffectedComponent: url + "@live",
			References:        []string{a.Reference},
		})
	}
	return report, nil
}

func (s *ZAPScanner) get(ctx context.Context, path string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		if s.apiKey != "" {
			req.Header.Set("X-ZAP-API-Key", s.apiKey)
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, contracts.Wrap(contracts.KindTransient, err, "zap request failed")
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, contracts.E(contracts.KindTransient, "zap returned status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func zapRiskToSeverity(risk string) Severity {
	switch normalizeLower(risk) {
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	case "low":
		return SeverityLow
	case "informational":
		return SeverityInfo
	default:
		return SeverityInfo
	}
}
