package pipelines

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-github/v45/github"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const buildJobLog = `Installing collected packages
ModuleNotFoundError: No module named 'requests'
Build step done`

const testJobLog = `collected 12 items
AssertionError: expected 200 got 500
1 failed, 11 passed`

// newFakeGitHub serves just enough of the Actions API for the log source:
// the jobs listing, the per-job log redirect, the raw log text behind it,
// and the workflow-run listing.
func newFakeGitHub(t *testing.T) (*GitHubLogSource, *httptest.Server) {
	t.Helper()

	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/app/actions/runs/42/jobs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"total_count": 3,
			"jobs": [
				{"id": 1, "name": "build", "steps": [{"name": "compile", "conclusion": "failure"}]},
				{"id": 2, "name": "test", "steps": [{"name": "pytest", "conclusion": "success"}]},
				{"id": 3, "name": "broken", "steps": []}
			]
		}`)
	})
	mux.HandleFunc("/repos/octo/app/actions/jobs/1/logs", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, server.URL+"/raw/build", http.StatusFound)
	})
	mux.HandleFunc("/repos/octo/app/actions/jobs/2/logs", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, server.URL+"/raw/test", http.StatusFound)
	})
	mux.HandleFunc("/repos/octo/app/actions/jobs/3/logs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/raw/build", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, buildJobLog)
	})
	mux.HandleFunc("/raw/test", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testJobLog)
	})
	mux.HandleFunc("/repos/octo/app/actions/runs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"total_count": 3,
			"workflow_runs": [
				{"id": 101, "conclusion": "failure"},
				{"id": 102, "conclusion": "success"},
				{"id": 103, "conclusion": "failure"}
			]
		}`)
	})
	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := github.NewClient(nil)
	base, err := url.Parse(server.URL + "/")
	require.NoError(t, err)
	client.BaseURL = base

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return &GitHubLogSource{
		client:     client,
		httpClient: server.Client(),
		owner:      "octo",
		repo:       "app",
		logger:     logger,
	}, server
}

// TestFetchRunLogsDownloadsJobText tests that the redirect is resolved and
// the actual log text reaches the result
func TestFetchRunLogsDownloadsJobText(t *testing.T) {
	source, _ := newFakeGitHub(t)

	logs, err := source.FetchRunLogs(context.Background(), 42)
	require.NoError(t, err)

	assert.Equal(t, "octo/app/42", logs.PipelineID)
	require.Len(t, logs.JobLogs, 2)
	assert.Equal(t, buildJobLog, logs.JobLogs["build"])
	assert.Equal(t, testJobLog, logs.JobLogs["test"])

	// The raw log carries the downloaded text, so the analyzer's pattern
	// registry has real error messages to match.
	assert.Contains(t, logs.RawLogs, "ModuleNotFoundError: No module named 'requests'")
	assert.Contains(t, logs.RawLogs, "AssertionError: expected 200 got 500")
	assert.Contains(t, logs.RawLogs, "=== Job: build ===")
}

// TestFetchRunLogsErrorLines tests failure-line extraction including the
// failed-step marker, and that the job whose log download failed is left out
func TestFetchRunLogsErrorLines(t *testing.T) {
	source, _ := newFakeGitHub(t)

	logs, err := source.FetchRunLogs(context.Background(), 42)
	require.NoError(t, err)

	assert.Contains(t, logs.ErrorLines, "Step 'compile' of job 'build' failed")
	assert.Contains(t, logs.ErrorLines, "ModuleNotFoundError: No module named 'requests'")
	assert.Contains(t, logs.ErrorLines, "AssertionError: expected 200 got 500")
	assert.Contains(t, logs.ErrorLines, "1 failed, 11 passed")

	// The broken job's 404 degrades that job only; its log is absent.
	_, ok := logs.JobLogs["broken"]
	assert.False(t, ok)
}

// TestListFailedRuns tests filtering to failed conclusions
func TestListFailedRuns(t *testing.T) {
	source, _ := newFakeGitHub(t)

	runs, err := source.ListFailedRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 103}, runs)
}

// TestExtractErrorLines tests the keyword filter
func TestExtractErrorLines(t *testing.T) {
	text := "all good\nERROR: broke\nfatal: lost connection\nplain line\nUnhandled exception in worker"

	lines := extractErrorLines(text)
	assert.Equal(t, []string{"ERROR: broke", "fatal: lost connection", "Unhandled exception in worker"}, lines)
}
