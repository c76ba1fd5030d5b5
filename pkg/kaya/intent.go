// Package kaya is the orchestrator: it parses intents, routes work
// through the specialist workers, and drives the generation, review,
// execution, validation, and repair loop under session budgets.
package kaya

import (
	"regexp"
	"strings"
)

// IntentKind classifies a parsed command.
type IntentKind string

const (
	IntentCreateTest   IntentKind = "create_test"
	IntentRunTest      IntentKind = "run_test"
	IntentFixFailure   IntentKind = "fix_failure"
	IntentIterativeFix IntentKind = "iterative_fix"
	IntentValidate     IntentKind = "validate"
	IntentStatus       IntentKind = "status"
	IntentBrainstorm   IntentKind = "brainstorm"
)

// Intent is a parsed user command. Immutable after parse.
type Intent struct {
	Kind       IntentKind
	Slots      map[string]string
	Raw        string
	Confidence float64
}

// Critical reports whether the command flagged the critical path.
func (i Intent) Critical() bool { return i.Slots["critical"] == "true" }

// Intent patterns run case-insensitively against the raw text, so
// keyword matching ignores case while captured slots (paths, features)
// keep the user's original casing.
var intentPatterns = []struct {
	kind  IntentKind
	re    *regexp.Regexp
	slots []string
}{
	{IntentIterativeFix, regexp.MustCompile(`(?i)^fix all (?:test )?failures(?: in (.+))?$`), []string{"path"}},
	{IntentRunTest, regexp.MustCompile(`(?i)^run tests?(?: in (.+))?$`), []string{"path"}},
	{IntentCreateTest, regexp.MustCompile(`(?i)^write (?:a )?test for (.+)$`), []string{"feature"}},
	{IntentValidate, regexp.MustCompile(`(?i)^validate (.+?)(\s*-\s*critical)?$`), []string{"feature", "critical"}},
	{IntentStatus, regexp.MustCompile(`(?i)^what'?s the status(?: of (.+))?$`), []string{"task_id"}},
}

// ParseIntent maps raw text to an intent. Anything no pattern claims
// becomes brainstorm, answered as plain text by the cheap model.
func ParseIntent(raw string) Intent {
	text := strings.TrimSpace(raw)
	for _, p := range intentPatterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		slots := make(map[string]string, len(p.slots))
		for i, name := range p.slots {
			if i+1 >= len(m) {
				break
			}
			val := strings.TrimSpace(m[i+1])
			if name == "critical" {
				if val != "" {
					slots[name] = "true"
				}
				continue
			}
			if val != "" {
				slots[name] = val
			}
		}
		return Intent{Kind: p.kind, Slots: slots, Raw: raw, Confidence: 0.95}
	}
	return Intent{Kind: IntentBrainstorm, Slots: map[string]string{}, Raw: raw, Confidence: 0.2}
}
