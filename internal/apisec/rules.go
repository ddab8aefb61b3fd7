package apisec

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// PatternRule is a configurable, sandboxed JS predicate run against either a
// JS resource's content (API-path extraction, phase 1) or a captured
// response body (sensitive-data scanning, phase 5). Grounded on the
// teacher's TEE script-engine sandboxing idiom (system/tee/script_engine.go,
// services/confcompute/marble/core.go): a fresh goja.Runtime per
// invocation, a timeout enforced via vm.Interrupt, and a plain "match"
// entry point the rule script must define.
//
//	function match(content) { return [...matched substrings...] }
type PatternRule struct {
	Name   string
	Script string
}

// DefaultAPIPathRules extracts candidate API paths from JS source, grounded
// on the common "/api/v1/..."-style path literal convention.
func DefaultAPIPathRules() []PatternRule {
	return []PatternRule{
		{Name: "api-path-literal", Script: `
function match(content) {
  var re = /["'\x60](\/(?:api|v[0-9]+|rest|service)[a-zA-Z0-9_\-\/]{1,200})["'\x60]/g;
  var seen = {};
  var out = [];
  var m;
  while ((m = re.exec(content)) !== null) {
    if (!seen[m[1]]) { seen[m[1]] = true; out.push(m[1]); }
  }
  return out;
}`},
	}
}

// DefaultSensitiveDataRules matches spec §4.4 phase 5's configured pattern
// set: access keys, secret keys, passwords, tokens, phone numbers, emails,
// national-id patterns.
func DefaultSensitiveDataRules() []PatternRule {
	return []PatternRule{
		{Name: "access-key", Script: patternRuleScript(`(?:AKIA|ASIA)[0-9A-Z]{16}`)},
		{Name: "secret-key", Script: patternRuleScript(`(?i)secret[_-]?key["'\s:=]{1,5}["']?[A-Za-z0-9\/+=]{16,}`)},
		{Name: "password", Script: patternRuleScript(`(?i)password["'\s:=]{1,5}["'][^"'\s]{4,}["']`)},
		{Name: "bearer-token", Script: patternRuleScript(`(?i)bearer\s+[A-Za-z0-9\-_.]{10,}`)},
		{Name: "email", Script: patternRuleScript(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
		{Name: "phone-number", Script: patternRuleScript(`\+?[0-9]{1,3}[\s.\-]?\(?[0-9]{3}\)?[\s.\-]?[0-9]{3}[\s.\-]?[0-9]{4}`)},
		{Name: "national-id", Script: patternRuleScript(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`)},
	}
}

// patternRuleScript wraps a regexp source string as a "match" entry
// point. goja's RegExp is ECMA-compatible but, unlike Go's regexp/RE2,
// does not accept an inline "(?i)" flag group -- a leading "(?i)" is
// peeled off here and turned into the JS "i" flag instead.
func patternRuleScript(pattern string) string {
	flags := "g"
	if strings.HasPrefix(pattern, "(?i)") {
		pattern = strings.TrimPrefix(pattern, "(?i)")
		flags = "gi"
	}
	return fmt.Sprintf(`
function match(content) {
  var re = new RegExp(%q, %q);
  var out = [];
  var m;
  var guard = 0;
  while ((m = re.exec(content)) !== null && guard < 1000) {
    out.push(m[0]);
    guard++;
    if (m[0].length === 0) { re.lastIndex++; }
  }
  return out;
}`, pattern, flags)
}

// RuleTimeout bounds a single rule invocation (spec SPEC_FULL.md "a bounded
// execution timeout per rule invocation").
const RuleTimeout = 2 * time.Second

// compiledRule holds a rule script compiled once up front; runtimes are not
// pooled (a fresh goja.Runtime runs it on every call, per the teacher's
// own idiom), so caching only avoids recompiling the script on every call.
type compiledRule struct {
	prog *goja.Program
}

// RuleEngine evaluates a fixed set of PatternRules against content,
// compiling each rule's script once and running it in a fresh goja.Runtime
// per call for isolation (spec §4.4 "configurable pattern rules ...
// evaluated per JS resource / response body").
type RuleEngine struct {
	mu      sync.Mutex
	rules   map[string]*compiledRule
	timeout time.Duration
}

// NewRuleEngine compiles rules up front, skipping (and returning) any that
// fail to parse so a single bad rule cannot break the others.
func NewRuleEngine(rules []PatternRule, timeout time.Duration) (*RuleEngine, []error) {
	if timeout <= 0 {
		timeout = RuleTimeout
	}
	re := &RuleEngine{rules: make(map[string]*compiledRule, len(rules)), timeout: timeout}
	var errs []error
	for _, r := range rules {
		prog, err := goja.Compile(r.Name, r.Script, false)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", r.Name, err))
			continue
		}
		re.rules[r.Name] = &compiledRule{prog: prog}
	}
	return re, errs
}

// Run evaluates every compiled rule against content and returns the
// matches keyed by rule name. A rule that panics, errors, or exceeds its
// timeout is skipped rather than aborting the scan.
func (re *RuleEngine) Run(content string) map[string][]string {
	re.mu.Lock()
	names := make([]string, 0, len(re.rules))
	progs := make([]*goja.Program, 0, len(re.rules))
	for name, rule := range re.rules {
		names = append(names, name)
		progs = append(progs, rule.prog)
	}
	re.mu.Unlock()

	out := make(map[string][]string, len(names))
	for i, name := range names {
		matches := re.runOne(progs[i], content)
		if len(matches) > 0 {
			out[name] = matches
		}
	}
	return out
}

func (re *RuleEngine) runOne(prog *goja.Program, content string) []string {
	vm := goja.New()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-time.After(re.timeout):
			vm.Interrupt("pattern rule timeout")
		case <-done:
		}
	}()

	var result []string
	func() {
		defer func() {
			_ = recover()
		}()
		if _, err := vm.RunProgram(prog); err != nil {
			return
		}
		entry, ok := goja.AssertFunction(vm.Get("match"))
		if !ok {
			return
		}
		val, err := entry(goja.Undefined(), vm.ToValue(content))
		if err != nil {
			return
		}
		exported := val.Export()
		items, ok := exported.([]interface{})
		if !ok {
			return
		}
		for _, item := range items {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
	}()
	return result
}
