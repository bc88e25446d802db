// Package guard classifies tool invocations before they run. It is a
// denylist: commands and paths with known blast radius are blocked or routed
// through human approval, and everything else — including tools it has never
// heard of — is allowed.
package guard

import (
	"regexp"
	"strings"
)

// DecisionType is the outcome of classifying a tool invocation.
type DecisionType string

const (
	// Allow lets the call run without confirmation.
	Allow DecisionType = "allow"

	// Approve requires human confirmation before the call runs.
	Approve DecisionType = "approve"

	// Block refuses the call outright.
	Block DecisionType = "block"
)

// Decision is the result of Classify. Reason is set for approve and block.
type Decision struct {
	Type   DecisionType `json:"type"`
	Reason string       `json:"reason,omitempty"`
}

func allow() Decision { return Decision{Type: Allow} }

func approve(reason string) Decision { return Decision{Type: Approve, Reason: reason} }

func blocked(reason string) Decision { return Decision{Type: Block, Reason: reason} }

// Classify returns the guard decision for one tool invocation. It is a pure
// function of the tool name and arguments; decisions are computed fresh per
// call and never stored.
func Classify(toolName string, args map[string]any) Decision {
	switch toolName {
	case "bash":
		return classifyCommand(stringArg(args, "cmd"))
	case "terminal":
		if stringArg(args, "operation") == "start" {
			if cmd, ok := args["command"].(string); ok {
				return classifyCommand(cmd)
			}
		}
		return allow()
	case "read":
		return classifyReadPath(stringArg(args, "path"))
	case "write", "edit", "multiedit":
		return classifyWritePath(args)
	default:
		// New tools are trusted by default. Untrusted third-party tools
		// need a capability check at the registry layer, not here.
		return allow()
	}
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

var (
	recursiveFlag = regexp.MustCompile(`-\w*[rR]|--recursive`)
	rmCmd         = regexp.MustCompile(`\brm\b`)
	rmRootTarget  = regexp.MustCompile(`\s/(\s*$|\s*\*|\s*;|\s*&|\s*\|)`)
	rmHomeTarget  = regexp.MustCompile(`\s~/?\s*($|\*|;|&|\|)`)
	forkBomb      = regexp.MustCompile(`:\(\)\s*\{[^}]*:\s*\|\s*:`)
	mkfsCmd       = regexp.MustCompile(`\bmkfs(\.\w+)?\s`)
	ddRawWrite    = regexp.MustCompile(`\bdd\b`)
	ddDevTarget   = regexp.MustCompile(`\bof=/dev/`)
	devRedirect   = regexp.MustCompile(`>\s*/dev/[sv]d`)
	sudoCmd       = regexp.MustCompile(`\bsudo\b`)
	chmodChown    = regexp.MustCompile(`\b(chmod|chown)\b`)
	chmodRecurse  = regexp.MustCompile(`-\w*R|--recursive`)
	fetchCmd      = regexp.MustCompile(`\b(curl|wget)\b`)
	pipeToShell   = regexp.MustCompile(`\|\s*(bash|sh|zsh)\b`)
	forcePush     = regexp.MustCompile(`\bgit\s+push\b.*--force`)
)

func classifyCommand(cmd string) Decision {
	c := strings.TrimSpace(cmd)
	if c == "" {
		return allow()
	}

	switch {
	case rmCmd.MatchString(c) && recursiveFlag.MatchString(c) && rmRootTarget.MatchString(c):
		return blocked("Recursive delete of root filesystem")
	case rmCmd.MatchString(c) && recursiveFlag.MatchString(c) && rmHomeTarget.MatchString(c):
		return blocked("Recursive delete of home directory")
	case forkBomb.MatchString(c):
		return blocked("Fork bomb detected")
	case mkfsCmd.MatchString(c):
		return blocked("Filesystem format command")
	case ddRawWrite.MatchString(c) && ddDevTarget.MatchString(c):
		return blocked("Raw disk write operation")
	case devRedirect.MatchString(c):
		return blocked("Raw disk write operation")
	}

	switch {
	case rmCmd.MatchString(c) && recursiveFlag.MatchString(c):
		return approve("Recursive delete command")
	case sudoCmd.MatchString(c):
		return approve("Privilege escalation (sudo)")
	case chmodChown.MatchString(c) && chmodRecurse.MatchString(c):
		return approve("Recursive permission/ownership change")
	case fetchCmd.MatchString(c) && pipeToShell.MatchString(c):
		return approve("Remote code execution via pipe to shell")
	case forcePush.MatchString(c):
		return approve("Force push to remote")
	}

	return allow()
}

type pathRule struct {
	pattern *regexp.Regexp
	reason  string
}

var blockedReadPaths = []pathRule{
	{regexp.MustCompile(`^~?/?\.ssh/id_`), "SSH private key access"},
	{regexp.MustCompile(`^/etc/shadow$`), "System password hashes"},
}

var sensitiveReadPaths = []pathRule{
	{regexp.MustCompile(`^/etc/passwd$`), "System password file"},
	{regexp.MustCompile(`^~?/?\.ssh/`), "SSH directory access"},
	{regexp.MustCompile(`^~?/?\.aws/`), "AWS credentials"},
	{regexp.MustCompile(`^~?/?\.gnupg/`), "GPG keyring"},
	{regexp.MustCompile(`^~?/?\.config/gh/`), "GitHub CLI tokens"},
	{regexp.MustCompile(`^~?/?\.npmrc$`), "npm auth tokens"},
	{regexp.MustCompile(`^~?/?\.netrc$`), "Network credentials"},
	{regexp.MustCompile(`^~?/?\.kube/`), "Kubernetes config"},
	{regexp.MustCompile(`^~?/?\.docker/config\.json$`), "Docker credentials"},
}

func classifyReadPath(path string) Decision {
	p := strings.TrimSpace(path)
	if p == "" {
		return allow()
	}

	for _, rule := range blockedReadPaths {
		if rule.pattern.MatchString(p) {
			return blocked(rule.reason)
		}
	}
	for _, rule := range sensitiveReadPaths {
		if rule.pattern.MatchString(p) {
			return approve(rule.reason)
		}
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "~") {
		return approve("Reading path outside project root")
	}
	return allow()
}

var sensitiveWritePaths = []pathRule{
	{regexp.MustCompile(`(^|/)\.env($|\.)`), "Writing to environment file"},
	{regexp.MustCompile(`(^|/)\.git/hooks/`), "Writing to git hooks"},
}

func classifyWritePath(args map[string]any) Decision {
	path := stringArg(args, "path")
	if path == "" {
		path = stringArg(args, "filePath")
	}
	p := strings.TrimSpace(path)
	if p == "" {
		return allow()
	}

	for _, rule := range sensitiveWritePaths {
		if rule.pattern.MatchString(p) {
			return approve(rule.reason)
		}
	}
	return allow()
}
