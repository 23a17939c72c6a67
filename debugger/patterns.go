package debugger

import (
	"regexp"
	"strings"
	"sync"
)

// PatternMatch is one hit of a registry pattern against log text.
type PatternMatch struct {
	Category ErrorCategory
	Start    int
	End      int
	Text     string
	Groups   []string
}

type categoryPatterns struct {
	category ErrorCategory
	patterns []*regexp.Regexp
}

// Registry is the statically compiled error pattern catalogue. It is
// created once per process and read-only afterwards; pattern order within a
// category defines priority, first match wins on overlap.
type Registry struct {
	ordered []categoryPatterns
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry, compiling it on first use.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry compiles the full pattern catalogue.
func NewRegistry() *Registry {
	compile := func(category ErrorCategory, exprs ...string) categoryPatterns {
		cp := categoryPatterns{category: category}
		for _, expr := range exprs {
			cp.patterns = append(cp.patterns, regexp.MustCompile(expr))
		}
		return cp
	}

	return &Registry{ordered: []categoryPatterns{
		compile(CategoryDependency,
			`ModuleNotFoundError: No module named '(.+)'`,
			`ImportError: No module named (.+)`,
			`ImportError: cannot import name '(.+)'`,
			`npm ERR! missing: (.+)@`,
			`npm ERR! 404 Not Found: (.+)@`,
			`Error: Cannot find module '(.+)'`,
			`Cannot find module '(.+)'`,
			`Module not found: Error: Can't resolve '(.+)'`,
			`Could not resolve dependencies for project (.+): Could not find artifact (.+)`,
			`pull access denied for (.+), repository does not exist`,
			`go: missing go.sum entry for module providing package (.+)`,
			`Gem::LoadError: Could not find (.+) in any of the sources`,
			`Bundler::GemNotFound: Could not find gem '(.+)'`,
			`Unable to locate package (.+)`,
			`Package '(.+)' has no installation candidate`,
		),
		compile(CategoryPermission,
			`Error: EACCES: permission denied, access '(.+)'`,
			`Error: EACCES: permission denied, mkdir '(.+)'`,
			`Error: EACCES: permission denied, open '(.+)'`,
			`EACCES: permission denied, (\w+) '(.+)'`,
			`EACCES: permission denied`,
			`PermissionError: (.+)`,
			`mkdir: cannot create directory '(.+)': Permission denied`,
			`touch: cannot touch '(.+)': Permission denied`,
			`permission denied while trying to connect to the Docker daemon socket`,
			`Got permission denied while trying to connect to the Docker daemon`,
			`Permission denied \(publickey\)`,
			`Error from server \(Forbidden\): (.+) is forbidden: (.+)`,
		),
		compile(CategoryConfiguration,
			`ConfigurationError: (.+)`,
			`Configuration file '(.+)' not found`,
			`Failed to load configuration from '(.+)'`,
			`Environment variable (.+) is not set`,
			`Required environment variable (.+) is not defined`,
			`Missing required environment variable: (.+)`,
			`Error: Workflow file (.+) is not valid YAML`,
			`The Compose file '(.+)' is invalid`,
			`Dockerfile parse error line (\d+): (.+)`,
			`invalid reference format: repository name must be lowercase`,
			`error validating "(.+)": (.+)`,
		),
		compile(CategoryNetwork,
			`ConnectionError: (.+)`,
			`Connection refused: (.+)`,
			`Failed to connect to (.+)`,
			`Could not resolve host: (.+)`,
			`Connection timed out`,
			`getaddrinfo ENOTFOUND (.+)`,
			`getaddrinfo EAI_AGAIN (.+)`,
			`ProxyError: (.+)`,
			`407 Proxy Authentication Required`,
			`SSLError: (.+)`,
			`SSL: CERTIFICATE_VERIFY_FAILED`,
			`SSL handshake failed`,
			`API rate limit exceeded`,
		),
		compile(CategoryResource,
			`java\.lang\.OutOfMemoryError: (.+)`,
			`JavaScript heap out of memory`,
			`fatal error: runtime: out of memory`,
			`MemoryError: (.+)`,
			`Cannot allocate memory`,
			`No space left on device`,
			`Disk quota exceeded`,
			`Too many open files`,
			`Container exited with code 137`,
			`OOMKilled: true`,
		),
		compile(CategoryBuild,
			`Compilation failed: (.+)`,
			`Build failed: (.+)`,
			`SyntaxError: (.+)`,
			`TypeError: (.+)`,
			`Undefined reference to (.+)`,
			`npm ERR! Failed at the (.+) script`,
			`ERROR: Could not build wheels for (.+)`,
			`error building image: (.+)`,
			`Step \d+/\d+ : (.+) returned a non-zero code: (\d+)`,
		),
		compile(CategoryTest,
			`AssertionError: (.+)`,
			`Test failed: (.+)`,
			`FAIL: (.+)`,
			`Expected (.+) but got (.+)`,
			`Test timed out after (.+)`,
			`Timeout - Async callback was not invoked within (.+)`,
			`Error: Timeout of (.+) exceeded`,
			`BeforeAll hook failed: (.+)`,
			`Coverage threshold not met: (.+)`,
		),
		compile(CategoryDeployment,
			`Deployment failed: (.+)`,
			`Failed to deploy: (.+)`,
			`Error deploying to (.+): (.+)`,
			`Error creating: (.+): (.+) already exists`,
			`pods "(.+)" is forbidden: (.+)`,
			`denied: requested access to the resource is denied`,
			`toomanyrequests: You have reached your pull rate limit`,
			`QuotaExceeded: (.+)`,
		),
		compile(CategorySecurity,
			`(\d+) vulnerabilities \((\d+) (\w+), (\d+) (\w+)\)`,
			`found (\d+) vulnerabilities`,
			`npm audit fix`,
			`Security vulnerability found in (.+)`,
			`CVE-\d{4}-\d+`,
			`Vulnerable dependency: (.+)`,
		),
	}}
}

// Match returns every registry hit against text, ordered by category
// priority then pattern order. Within a category, overlapping hits keep
// only the first pattern's match.
func (r *Registry) Match(text string) []PatternMatch {
	var matches []PatternMatch
	for _, cp := range r.ordered {
		claimed := make([][2]int, 0, 4)
		overlaps := func(start, end int) bool {
			for _, c := range claimed {
				if start < c[1] && end > c[0] {
					return true
				}
			}
			return false
		}
		for _, p := range cp.patterns {
			for _, loc := range p.FindAllStringSubmatchIndex(text, -1) {
				start, end := loc[0], loc[1]
				if overlaps(start, end) {
					continue
				}
				claimed = append(claimed, [2]int{start, end})
				m := PatternMatch{
					Category: cp.category,
					Start:    start,
					End:      end,
					Text:     text[start:end],
				}
				for g := 1; g*2 < len(loc); g++ {
					if loc[g*2] >= 0 {
						m.Groups = append(m.Groups, text[loc[g*2]:loc[g*2+1]])
					}
				}
				matches = append(matches, m)
			}
		}
	}
	return matches
}

// DetermineSeverity grades an error message by keyword.
func DetermineSeverity(message string) ErrorSeverity {
	lower := strings.ToLower(message)
	switch {
	case containsAny(lower, "critical", "fatal", "crash", "exception", "failed"):
		return SeverityCritical
	case containsAny(lower, "error", "invalid", "missing"):
		return SeverityHigh
	case containsAny(lower, "warning", "deprecated"):
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// DetermineStage infers the pipeline stage from message text. Post-deploy
// keywords are checked first so "deploy" inside them cannot shadow the
// later stage.
func DetermineStage(message string) PipelineStage {
	lower := strings.ToLower(message)
	switch {
	case containsAny(lower, "post-deploy", "post_deploy", "smoke test", "health check", "rollout status"):
		return StagePostDeploy
	case containsAny(lower, "checkout", "clone", "fetch", "git "):
		return StageCheckout
	case containsAny(lower, "build", "compile", "compilation", "webpack", "tsc"):
		return StageBuild
	case containsAny(lower, "test", "assert", "coverage", "pytest", "jest"):
		return StageTest
	case containsAny(lower, "security", "vulnerability", "audit", "cve"):
		return StageSecurityScan
	case containsAny(lower, "deploy", "release", "kubernetes", "helm", "rollout"):
		return StageDeploy
	default:
		return StageBuild
	}
}

// DetermineCategory classifies by keyword; the fallback for candidates the
// registry did not produce.
func DetermineCategory(message string) ErrorCategory {
	lower := strings.ToLower(message)
	switch {
	case containsAny(lower, "module", "import", "package", "dependency", "npm", "pip", "gem ", "cannot resolve", "not installed"):
		return CategoryDependency
	case containsAny(lower, "permission", "denied", "eacces", "forbidden", "unauthorized"):
		return CategoryPermission
	case containsAny(lower, "config", "environment variable", "env var", "yaml", "malformed", "missing key"):
		return CategoryConfiguration
	case containsAny(lower, "network", "connection", "timeout", "unreachable", "refused", "dns", "ssl", "proxy"):
		return CategoryNetwork
	case containsAny(lower, "memory", "disk", "space", "quota", "out of memory", "oom", "exhausted"):
		return CategoryResource
	case containsAny(lower, "build", "compile", "syntax", "linker", "undefined reference"):
		return CategoryBuild
	case containsAny(lower, "test", "assert", "expect", "mock", "fixture", "coverage"):
		return CategoryTest
	case containsAny(lower, "deploy", "release", "kubernetes", "k8s", "container", "registry", "cluster"):
		return CategoryDeployment
	case containsAny(lower, "security", "vulnerability", "cve", "exploit"):
		return CategorySecurity
	default:
		return CategoryUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
