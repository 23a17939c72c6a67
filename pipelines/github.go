// Package pipelines fetches failed CI run logs from supported pipeline
// providers, producing the raw text the debugger analyzes.
package pipelines

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/go-github/v45/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// maxJobLogBytes caps how much log text is kept per job; CI logs can run
// to hundreds of megabytes and the analyzer only needs the tail, so the
// last maxJobLogBytes of each download are kept.
const maxJobLogBytes = 2 << 20

// RunLogs is the fetched log material for one pipeline run.
type RunLogs struct {
	PipelineID string            `json:"pipeline_id"`
	RawLogs    string            `json:"raw_logs"`
	JobLogs    map[string]string `json:"job_logs"`
	ErrorLines []string          `json:"error_lines"`
}

// LogSource fetches logs for a pipeline run.
type LogSource interface {
	FetchRunLogs(ctx context.Context, runID int64) (*RunLogs, error)
	ListFailedRuns(ctx context.Context, limit int) ([]int64, error)
}

// GitHubLogSource reads GitHub Actions workflow runs. Job logs live behind
// a short-lived redirect URL; the source resolves the redirect and
// downloads the actual text so the analyzer sees real error messages, not
// job metadata.
type GitHubLogSource struct {
	client     *github.Client
	httpClient *http.Client
	owner      string
	repo       string
	logger     *logrus.Logger
}

// NewGitHubLogSource builds an authenticated source for one repository.
func NewGitHubLogSource(ctx context.Context, token, owner, repo string, logger *logrus.Logger) *GitHubLogSource {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	hc := oauth2.NewClient(ctx, ts)
	return &GitHubLogSource{
		client:     github.NewClient(hc),
		httpClient: hc,
		owner:      owner,
		repo:       repo,
		logger:     logger,
	}
}

// FetchRunLogs downloads every job's log text for a workflow run and
// flattens it into analyzable material: per-job text, the concatenated
// raw log, and the lines that look like failures (including a marker for
// every failed step, whether or not that job's log could be fetched).
func (g *GitHubLogSource) FetchRunLogs(ctx context.Context, runID int64) (*RunLogs, error) {
	jobs, _, err := g.client.Actions.ListWorkflowJobs(ctx, g.owner, g.repo, runID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow jobs: %w", err)
	}

	logs := &RunLogs{
		PipelineID: fmt.Sprintf("%s/%s/%d", g.owner, g.repo, runID),
		JobLogs:    map[string]string{},
	}
	var all strings.Builder
	for _, job := range jobs.Jobs {
		for _, step := range job.Steps {
			if step.GetConclusion() == "failure" {
				logs.ErrorLines = append(logs.ErrorLines,
					fmt.Sprintf("Step '%s' of job '%s' failed", step.GetName(), job.GetName()))
			}
		}

		text, err := g.downloadJobLog(ctx, job.GetID())
		if err != nil {
			g.logger.WithError(err).Warnf("Failed to fetch logs for job %s", job.GetName())
			continue
		}
		logs.JobLogs[job.GetName()] = text
		fmt.Fprintf(&all, "=== Job: %s ===\n%s\n", job.GetName(), text)
		logs.ErrorLines = append(logs.ErrorLines, extractErrorLines(text)...)
	}
	logs.RawLogs = all.String()

	g.logger.WithFields(logrus.Fields{
		"pipeline_id": logs.PipelineID,
		"jobs":        len(logs.JobLogs),
		"log_bytes":   len(logs.RawLogs),
		"error_lines": len(logs.ErrorLines),
	}).Info("Fetched workflow run logs")
	return logs, nil
}

// downloadJobLog resolves the job's log redirect and pulls the text.
func (g *GitHubLogSource) downloadJobLog(ctx context.Context, jobID int64) (string, error) {
	logURL, _, err := g.client.Actions.GetWorkflowJobLogs(ctx, g.owner, g.repo, jobID, true)
	if err != nil {
		return "", fmt.Errorf("failed to resolve job log url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build log request: %w", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download job log: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("job log download returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read job log: %w", err)
	}
	if len(raw) > maxJobLogBytes {
		raw = raw[len(raw)-maxJobLogBytes:]
	}
	return string(raw), nil
}

// extractErrorLines keeps the lines a failure analysis cares about.
func extractErrorLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "exception") ||
			strings.Contains(lower, "failed") || strings.Contains(lower, "fatal") {
			lines = append(lines, strings.TrimSpace(line))
		}
	}
	return lines
}

// ListFailedRuns returns the most recent completed runs that failed.
func (g *GitHubLogSource) ListFailedRuns(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 10
	}
	opts := &github.ListWorkflowRunsOptions{
		Status:      "completed",
		ListOptions: github.ListOptions{PerPage: limit},
	}
	runs, _, err := g.client.Actions.ListRepositoryWorkflowRuns(ctx, g.owner, g.repo, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow runs: %w", err)
	}

	var failed []int64
	for _, run := range runs.WorkflowRuns {
		if run.GetConclusion() == "failure" {
			failed = append(failed, run.GetID())
		}
	}
	return failed, nil
}
