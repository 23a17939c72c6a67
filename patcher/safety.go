package patcher

import (
	"regexp"
	"strings"

	"github.com/tosin2013/pipeline-guardian/contracts"
)

// dangerousSubstrings are rejected anywhere in a script, case-insensitive.
var dangerousSubstrings = []string{
	"rm -rf",
	"sudo",
	"chmod 777",
	"mkfs",
	"dd if=",
	":(){",
	"> /dev/sda",
}

// dangerousWords are rejected only as standalone words, so "execute" in a
// comment does not trip the check while a bare "eval" call still does.
var dangerousWords = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\beval\b`),
	regexp.MustCompile(`(?i)\bexec\b`),
}

// CheckScriptSafety rejects scripts containing denylisted constructs. The
// check is deliberately coarse: a benign mention still fails, which is the
// safe direction.
func CheckScriptSafety(script string) error {
	lower := strings.ToLower(script)
	for _, banned := range dangerousSubstrings {
		if strings.Contains(lower, banned) {
			return contracts.E(contracts.KindSafety, "script contains forbidden construct %q", banned)
		}
	}
	for _, banned := range dangerousWords {
		if banned.MatchString(script) {
			return contracts.E(contracts.KindSafety, "script contains forbidden construct %q", banned.String())
		}
	}
	return nil
}

// CheckSolutionSafety validates both directions of a solution.
func CheckSolutionSafety(p *PatchSolution) error {
	if err := CheckScriptSafety(p.PatchScript); err != nil {
		return err
	}
	if p.RollbackScript != "" {
		if err := CheckScriptSafety(p.RollbackScript); err != nil {
			return err
		}
	}
	return nil
}
