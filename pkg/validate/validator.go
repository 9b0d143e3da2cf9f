// Package validate decides whether a requested tool invocation is
// admissible. The validator is a pure decision function over the loaded
// ToolSpec table and compiled pattern rules: no side effects, same
// answer for the same input, testable in isolation.
package validate

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/odvcencio/warden/pkg/config"
	"github.com/odvcencio/warden/pkg/errors"
	"github.com/odvcencio/warden/pkg/sanitize"
)

// Request is one requested tool invocation. Never mutated after creation.
type Request struct {
	Tool     string
	Args     []string
	Identity string
	// Timeout optionally tightens the tool's configured limit. It can
	// never extend it.
	Timeout time.Duration
	// WorkDir optionally overrides the working directory. Must resolve
	// inside the sandbox root.
	WorkDir  string
	Async    bool
	Priority int
}

// Result is the verdict for one request. Attached to the Task it
// produced; never persisted independently.
type Result struct {
	Accepted bool
	Code     errors.ErrorCode
	Reason   string
	// Argv is the sanitized argument vector. Execution uses only this,
	// never the raw request tokens.
	Argv []string
	Tool config.ToolSpec
	// Score is a security score in [0,1] for observability. 0 for
	// rejections, 1 minus warning deductions for acceptances.
	Score    float64
	Warnings []string
}

// Validator checks requests against the whitelist and pattern rules.
type Validator struct {
	cfg       *config.Config
	rules     *Rules
	sanitizer *sanitize.Sanitizer
}

// New builds a validator from the loaded configuration, compiling the
// dangerous-pattern list up front.
func New(cfg *config.Config) (*Validator, error) {
	rules, err := CompileRules(cfg.Security)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfig, "compiling security rules")
	}
	return &Validator{
		cfg:       cfg,
		rules:     rules,
		sanitizer: sanitize.New(cfg.Security.MaxTokenLength),
	}, nil
}

// reject builds a rejection result. Score is always zero for rejections.
func reject(code errors.ErrorCode, reason string) Result {
	return Result{Accepted: false, Code: code, Reason: reason}
}

// Validate runs every admissibility check in order; the first failure
// short-circuits and sets the rejection code.
func (v *Validator) Validate(req Request) Result {
	// Charset gate first so every later check operates on restricted
	// input. This is an independent gate, not a replacement for the
	// pattern rules below. A charset failure that is also a dangerous
	// pattern escalates to a security violation so injection attempts
	// are recorded as such rather than as malformed input.
	argv, err := v.sanitizer.Tokens(req.Args)
	if err != nil {
		for _, raw := range req.Args {
			if pattern := v.rules.MatchDangerous(raw); pattern != "" {
				return reject(errors.ErrCodeSecurityViolation, "dangerous pattern matched: "+pattern)
			}
		}
		return reject(errors.GetCode(err), err.Error())
	}

	if total := len(req.Tool) + joinedLen(argv); total > v.cfg.Security.MaxCommandLength {
		return reject(errors.ErrCodeInvalidCommand, "command exceeds maximum length")
	}

	// 1. Whitelist lookup.
	tool, ok := v.cfg.Tool(req.Tool)
	if !ok {
		return reject(errors.ErrCodeCommandNotAllowed, "tool is not whitelisted: "+req.Tool)
	}

	// 2. Option admissibility.
	allowed := toSet(tool.AllowedOptions)
	for _, tok := range argv {
		if strings.HasPrefix(tok, "-") && !allowed[tok] {
			return reject(errors.ErrCodeCommandNotAllowed, "option not allowed for "+tool.Name+": "+tok)
		}
	}

	// 3. Forbidden options and dangerous patterns.
	forbidden := toSet(tool.ForbiddenOptions)
	for _, tok := range argv {
		if forbidden[tok] {
			return reject(errors.ErrCodeSecurityViolation, "forbidden option: "+tok)
		}
		if pattern := v.rules.MatchDangerous(tok); pattern != "" {
			return reject(errors.ErrCodeSecurityViolation, "dangerous pattern matched: "+pattern)
		}
	}
	if pattern := v.rules.MatchDangerous(strings.Join(argv, " ")); pattern != "" {
		return reject(errors.ErrCodeSecurityViolation, "dangerous pattern matched: "+pattern)
	}

	// 4. Shape checks on value-bearing tokens.
	targets := 0
	var warnings []string
	for _, tok := range argv {
		if strings.HasPrefix(tok, "-") {
			continue
		}
		shape := v.rules.Classify(tok)
		if shape == ShapeUnknown {
			return reject(errors.ErrCodeInvalidCommand, "argument has no recognized shape: "+tok)
		}
		if shape == ShapeFilePath {
			if !v.pathInSandbox(tok) {
				return reject(errors.ErrCodeInvalidCommand, "path escapes sandbox root: "+tok)
			}
		}
		if shape.IsTarget() {
			targets++
		}
	}

	// Working-directory override must stay inside the sandbox root.
	if req.WorkDir != "" && !v.pathInSandbox(req.WorkDir) {
		return reject(errors.ErrCodeInvalidCommand, "working directory escapes sandbox root")
	}

	// 5. Count ceilings.
	if tool.MaxTargets > 0 && targets > tool.MaxTargets {
		return reject(errors.ErrCodeCommandNotAllowed, "target count exceeds tool limit")
	}
	if max := v.cfg.Security.MaxArgCount; max > 0 {
		if len(argv) > max {
			return reject(errors.ErrCodeCommandNotAllowed, "argument count exceeds limit")
		}
		if len(argv)*10 >= max*8 {
			warnings = append(warnings, "high_argument_count")
		}
	}
	if tool.MaxTargets > 0 && targets == tool.MaxTargets {
		warnings = append(warnings, "target_ceiling_reached")
	}

	return Result{
		Accepted: true,
		Argv:     argv,
		Tool:     tool,
		Score:    score(warnings),
		Warnings: warnings,
	}
}

// Batch validates a sequence of requests independently.
func (v *Validator) Batch(reqs []Request) []Result {
	results := make([]Result, len(reqs))
	for i, req := range reqs {
		results[i] = v.Validate(req)
	}
	return results
}

// pathInSandbox reports whether a path token resolves inside the
// configured sandbox root. Relative paths resolve against the sandboxed
// working directory, so only absolute ones need the prefix check.
func (v *Validator) pathInSandbox(path string) bool {
	if !filepath.IsAbs(path) {
		return !strings.Contains(path, "..")
	}
	clean := filepath.Clean(path)
	root := filepath.Clean(v.cfg.Security.SandboxRoot)
	return clean == root || strings.HasPrefix(clean, root+string(filepath.Separator))
}

func score(warnings []string) float64 {
	s := 1.0 - 0.05*float64(len(warnings))
	if s < 0 {
		return 0
	}
	return s
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

func joinedLen(argv []string) int {
	n := 0
	for _, a := range argv {
		n += len(a) + 1
	}
	return n
}
