package patcher

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tosin2013/pipeline-guardian/contracts"
	"github.com/tosin2013/pipeline-guardian/debugger"
)

// Slot extraction patterns shared by the template builders.
var (
	pythonModulePattern = regexp.MustCompile(`No module named '([^']+)'`)
	importNamePattern   = regexp.MustCompile(`ImportError: No module named (\S+)`)
	npmMissingPattern   = regexp.MustCompile(`npm ERR! missing: ([^@\s]+)@`)
	nodeModulePattern   = regexp.MustCompile(`Cannot find module '([^']+)'`)
	goModulePattern     = regexp.MustCompile(`missing go.sum entry for module providing package (\S+)`)
	gemPattern          = regexp.MustCompile(`Could not find (?:gem ')?([\w-]+)'? in any of the sources|Could not find gem '([\w-]+)'`)
	mavenPattern        = regexp.MustCompile(`Could not find artifact ([\w.:-]+)`)
	aptPattern          = regexp.MustCompile(`Unable to locate package (\S+)`)
	pathPattern         = regexp.MustCompile(`(?:denied, \w+ |cannot access |cannot create directory |cannot touch )'([^']+)'`)
	envVarPattern       = regexp.MustCompile(`(?:Environment variable|environment variable:?)\s+'?([A-Z][A-Z0-9_]*)'?`)
	configFilePattern   = regexp.MustCompile(`Configuration file '([^']+)' not found|Failed to load configuration from '([^']+)'`)
	hostPattern         = regexp.MustCompile(`(?:Could not resolve host: |getaddrinfo ENOTFOUND |Failed to connect to )([\w.-]+)`)
	timeoutPattern      = regexp.MustCompile(`Timeout of (\d+)`)
	testNamePattern     = regexp.MustCompile(`FAIL(?:ED)?[:\s]+([\w./:-]+)`)
	vulnPackagePattern  = regexp.MustCompile(`Vulnerable dependency: (\S+)|Security vulnerability found in (\S+)`)
	dockerDaemonPattern = regexp.MustCompile(`permission denied while trying to connect to the Docker daemon`)
)

// templateBuilder tries to produce a PatchSolution for an error; nil means
// the family has no applicable template and the caller falls through.
type templateBuilder func(e *debugger.PipelineError) *PatchSolution

// templateFor selects the builder family for a category.
func templateFor(category debugger.ErrorCategory) templateBuilder {
	switch category {
	case debugger.CategoryDependency:
		return dependencyTemplate
	case debugger.CategoryPermission:
		return permissionTemplate
	case debugger.CategoryConfiguration:
		return configurationTemplate
	case debugger.CategoryNetwork:
		return networkTemplate
	case debugger.CategoryResource:
		return resourceTemplate
	case debugger.CategoryTest:
		return testTemplate
	case debugger.CategorySecurity:
		return securityTemplate
	default:
		return nil
	}
}

func newSolution(e *debugger.PipelineError, t PatchType) *PatchSolution {
	return &PatchSolution{
		SolutionID: contracts.NewSolutionID(),
		ErrorID:    e.ErrorID,
		PatchType:  t,
	}
}

// dependencyTemplate installs the missing package with the ecosystem's
// package manager and uninstalls it on rollback.
func dependencyTemplate(e *debugger.PipelineError) *PatchSolution {
	msg := e.Message
	s := newSolution(e, PatchDependency)
	s.IsReversible = true
	s.RequiresApproval = false
	s.EstimatedSuccessRate = 0.9

	switch {
	case pythonModulePattern.MatchString(msg):
		pkg := pythonModulePattern.FindStringSubmatch(msg)[1]
		s.PatchScript = fmt.Sprintf("pip install %s", pkg)
		s.RollbackScript = fmt.Sprintf("pip uninstall -y %s", pkg)
		s.Dependencies = []string{"pip:" + pkg}
		s.ValidationSteps = []string{fmt.Sprintf("python -c \"import %s\"", pkg)}
	case importNamePattern.MatchString(msg):
		pkg := importNamePattern.FindStringSubmatch(msg)[1]
		s.PatchScript = fmt.Sprintf("pip install %s", pkg)
		s.RollbackScript = fmt.Sprintf("pip uninstall -y %s", pkg)
		s.Dependencies = []string{"pip:" + pkg}
		s.ValidationSteps = []string{fmt.Sprintf("python -c \"import %s\"", pkg)}
	case npmMissingPattern.MatchString(msg):
		pkg := npmMissingPattern.FindStringSubmatch(msg)[1]
		s.PatchScript = fmt.Sprintf("npm install %s", pkg)
		s.RollbackScript = fmt.Sprintf("npm uninstall %s", pkg)
		s.Dependencies = []string{"npm:" + pkg}
		s.ValidationSteps = []string{fmt.Sprintf("npm ls %s", pkg)}
	case nodeModulePattern.MatchString(msg):
		pkg := nodeModulePattern.FindStringSubmatch(msg)[1]
		s.PatchScript = fmt.Sprintf("npm install %s", pkg)
		s.RollbackScript = fmt.Sprintf("npm uninstall %s", pkg)
		s.Dependencies = []string{"npm:" + pkg}
		s.ValidationSteps = []string{fmt.Sprintf("npm ls %s", pkg)}
	case goModulePattern.MatchString(msg):
		pkg := goModulePattern.FindStringSubmatch(msg)[1]
		s.PatchScript = fmt.Sprintf("go get %s && go mod tidy", pkg)
		s.IsReversible = false
		s.RollbackScript = ""
		s.ValidationSteps = []string{"go build ./..."}
		s.EstimatedSuccessRate = 0.85
	case mavenPattern.MatchString(msg):
		artifact := mavenPattern.FindStringSubmatch(msg)[1]
		s.PatchScript = fmt.Sprintf("mvn dependency:get -Dartifact=%s", artifact)
		s.IsReversible = false
		s.RollbackScript = ""
		s.ValidationSteps = []string{"mvn -q dependency:resolve"}
		s.EstimatedSuccessRate = 0.8
	case gemPattern.MatchString(msg):
		groups := gemPattern.FindStringSubmatch(msg)
		pkg := groups[1]
		if pkg == "" {
			pkg = groups[2]
		}
		s.PatchScript = fmt.Sprintf("gem install %s", pkg)
		s.RollbackScript = fmt.Sprintf("gem uninstall -x %s", pkg)
		s.ValidationSteps = []string{fmt.Sprintf("gem list -i %s", pkg)}
	case aptPattern.MatchString(msg):
		pkg := aptPattern.FindStringSubmatch(msg)[1]
		s.PatchScript = fmt.Sprintf("apt-get install -y %s", pkg)
		s.RollbackScript = fmt.Sprintf("apt-get remove -y %s", pkg)
		s.ValidationSteps = []string{fmt.Sprintf("dpkg -s %s", pkg)}
		s.EstimatedSuccessRate = 0.8
	default:
		return nil
	}
	return s
}

// permissionTemplate fixes file modes, restoring 644 on rollback, or adds
// the CI user to the docker group.
func permissionTemplate(e *debugger.PipelineError) *PatchSolution {
	msg := e.Message
	s := newSolution(e, PatchPermission)

	if dockerDaemonPattern.MatchString(msg) {
		s.PatchScript = "usermod -aG docker \"$USER\" && newgrp docker"
		s.IsReversible = true
		s.RollbackScript = "gpasswd -d \"$USER\" docker"
		s.RequiresApproval = true
		s.EstimatedSuccessRate = 0.75
		s.ValidationSteps = []string{"docker info"}
		return s
	}

	m := pathPattern.FindStringSubmatch(msg)
	if m == nil {
		return nil
	}
	path := m[1]
	s.PatchScript = fmt.Sprintf("chmod u+rw %s", path)
	s.IsReversible = true
	s.RollbackScript = fmt.Sprintf("chmod 644 %s", path)
	s.RequiresApproval = false
	s.EstimatedSuccessRate = 0.85
	s.ValidationSteps = []string{fmt.Sprintf("test -r %s -a -w %s", path, path)}
	return s
}

// configurationTemplate writes missing environment variables to .env or
// recreates a missing config file as a placeholder; it does not merge into
// existing config documents.
func configurationTemplate(e *debugger.PipelineError) *PatchSolution {
	msg := e.Message
	s := newSolution(e, PatchConfiguration)

	if m := envVarPattern.FindStringSubmatch(msg); m != nil {
		name := m[1]
		s.PatchScript = fmt.Sprintf("grep -q '^%s=' .env 2>/dev/null || printf '%s=CHANGE_ME\\n' >> .env", name, name)
		s.IsReversible = true
		s.RollbackScript = fmt.Sprintf("sed -i '/^%s=/d' .env", name)
		s.RequiresApproval = false
		s.EstimatedSuccessRate = 0.8
		s.ValidationSteps = []string{fmt.Sprintf("grep -q '^%s=' .env", name)}
		return s
	}

	if m := configFilePattern.FindStringSubmatch(msg); m != nil {
		file := m[1]
		if file == "" {
			file = m[2]
		}
		content := "{}"
		if strings.HasSuffix(file, ".yaml") || strings.HasSuffix(file, ".yml") {
			content = "# generated placeholder configuration"
		}
		s.PatchScript = fmt.Sprintf("test -f %s || printf '%s\\n' > %s", file, content, file)
		s.IsReversible = true
		s.RollbackScript = fmt.Sprintf("rm -f -- %s", file)
		s.RequiresApproval = true
		s.EstimatedSuccessRate = 0.7
		s.ValidationSteps = []string{fmt.Sprintf("test -f %s", file)}
		return s
	}
	return nil
}

// networkTemplate handles proxy, DNS, and SSL classes of failure.
func networkTemplate(e *debugger.PipelineError) *PatchSolution {
	msg := e.Message
	lower := strings.ToLower(msg)
	s := newSolution(e, PatchNetwork)
	s.RequiresApproval = true

	switch {
	case strings.Contains(lower, "proxy"):
		s.PatchScript = "export HTTP_PROXY=\"$CI_HTTP_PROXY\" && export HTTPS_PROXY=\"$CI_HTTPS_PROXY\""
		s.IsReversible = true
		s.RollbackScript = "unset HTTP_PROXY HTTPS_PROXY"
		s.EstimatedSuccessRate = 0.65
		s.ValidationSteps = []string{"curl -fsS https://example.com -o /dev/null"}
	case hostPattern.MatchString(msg):
		host := hostPattern.FindStringSubmatch(msg)[1]
		s.PatchScript = fmt.Sprintf("getent hosts %s || echo 'nameserver 8.8.8.8' >> /etc/resolv.conf", host)
		s.IsReversible = false
		s.EstimatedSuccessRate = 0.6
		s.ValidationSteps = []string{fmt.Sprintf("getent hosts %s", host)}
	case strings.Contains(lower, "ssl") || strings.Contains(lower, "certificate"):
		s.PatchScript = "update-ca-certificates"
		s.IsReversible = false
		s.EstimatedSuccessRate = 0.6
		s.ValidationSteps = []string{"curl -fsS https://example.com -o /dev/null"}
	default:
		return nil
	}
	return s
}

// resourceTemplate raises memory limits or frees disk space.
func resourceTemplate(e *debugger.PipelineError) *PatchSolution {
	lower := strings.ToLower(e.Message)
	s := newSolution(e, PatchResource)

	switch {
	case strings.Contains(lower, "heap out of memory") || strings.Contains(lower, "out of memory") || strings.Contains(lower, "cannot allocate memory"):
		s.PatchScript = "export NODE_OPTIONS=\"--max-old-space-size=4096\""
		s.IsReversible = true
		s.RollbackScript = "unset NODE_OPTIONS"
		s.RequiresApproval = false
		s.EstimatedSuccessRate = 0.7
		s.ValidationSteps = []string{"node -e 'void 0'"}
	case strings.Contains(lower, "no space left on device") || strings.Contains(lower, "disk quota exceeded"):
		s.PatchScript = "npm cache clean --force; pip cache purge; docker image prune -f"
		s.IsReversible = false
		s.RequiresApproval = true
		s.EstimatedSuccessRate = 0.75
		s.ValidationSteps = []string{"df -h ."}
	default:
		return nil
	}
	return s
}

// testTemplate raises timeouts or skips a named flaky test.
func testTemplate(e *debugger.PipelineError) *PatchSolution {
	msg := e.Message
	s := newSolution(e, PatchTest)

	if m := timeoutPattern.FindStringSubmatch(msg); m != nil {
		s.PatchScript = fmt.Sprintf("export TEST_TIMEOUT=%s000", m[1])
		s.IsReversible = true
		s.RollbackScript = "unset TEST_TIMEOUT"
		s.RequiresApproval = false
		s.EstimatedSuccessRate = 0.65
		s.ValidationSteps = []string{"env | grep -q TEST_TIMEOUT"}
		return s
	}
	if m := testNamePattern.FindStringSubmatch(msg); m != nil {
		s.PatchScript = fmt.Sprintf("echo '%s' >> .test-skip-list", m[1])
		s.IsReversible = true
		s.RollbackScript = fmt.Sprintf("sed -i '/%s/d' .test-skip-list", regexp.QuoteMeta(m[1]))
		s.RequiresApproval = true
		s.EstimatedSuccessRate = 0.6
		s.ValidationSteps = []string{fmt.Sprintf("grep -q '%s' .test-skip-list", m[1])}
		return s
	}
	return nil
}

// securityTemplate upgrades vulnerable dependencies via the ecosystem's
// audit tooling.
func securityTemplate(e *debugger.PipelineError) *PatchSolution {
	msg := e.Message
	lower := strings.ToLower(msg)
	s := newSolution(e, PatchSecurity)
	s.RequiresApproval = true

	if m := vulnPackagePattern.FindStringSubmatch(msg); m != nil {
		pkg := m[1]
		if pkg == "" {
			pkg = m[2]
		}
		s.PatchScript = fmt.Sprintf("pip install --upgrade %s", pkg)
		s.IsReversible = false
		s.EstimatedSuccessRate = 0.75
		s.ValidationSteps = []string{fmt.Sprintf("pip show %s", pkg)}
		return s
	}
	if strings.Contains(lower, "npm audit") || strings.Contains(lower, "vulnerabilities") {
		s.PatchScript = "npm audit fix"
		s.IsReversible = false
		s.EstimatedSuccessRate = 0.7
		s.ValidationSteps = []string{"npm audit --audit-level=high"}
		return s
	}
	return nil
}
