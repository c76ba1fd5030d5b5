package worker

import (
	"fmt"
	"regexp"
	"strings"
)

// TestCheck is the static quality report shared by Scribe's
// self-validation and Critic's review. Same rules on both sides, so a
// test Scribe lets through is one Critic would approve.
type TestCheck struct {
	AssertionCount  int      `json:"assertion_count"`
	ScreenshotCount int      `json:"screenshot_count"`
	UsesTestID      bool     `json:"uses_testid"`
	SyntaxValid     bool     `json:"syntax_valid"`
	Issues          []string `json:"issues"`
}

var (
	reAssertion  = regexp.MustCompile(`\bexpect\s*\(`)
	reScreenshot = regexp.MustCompile(`\.screenshot\s*\(|toHaveScreenshot\s*\(`)
	reTestID     = regexp.MustCompile(`getByTestId\s*\(|data-testid|getByRole\s*\(`)

	// Forbidden patterns. Each hit is an issue Scribe must fix and a
	// Critic rejection category.
	reIndexSelector = regexp.MustCompile(`:nth-child\s*\(|\.nth\s*\(|nth=\d`)
	reGeneratedCSS  = regexp.MustCompile(`\.(css|sc|emotion)-[A-Za-z0-9]{4,}`)
	reFixedWait     = regexp.MustCompile(`waitForTimeout\s*\(|\bsleep\s*\(|setTimeout\s*\(`)
	reCredential    = regexp.MustCompile(`(?i)(password|secret|api[_-]?key|token)\s*[:=]\s*['"][^'"]{3,}['"]`)
	reHardcodedURL  = regexp.MustCompile(`goto\s*\(\s*['"]https?://`)
)

// AnalyzeTest runs the static rubric over test source.
func AnalyzeTest(source string) TestCheck {
	check := TestCheck{
		AssertionCount:  len(reAssertion.FindAllString(source, -1)),
		ScreenshotCount: len(reScreenshot.FindAllString(source, -1)),
		UsesTestID:      reTestID.MatchString(source),
		SyntaxValid:     balancedBraces(source),
	}

	if !check.SyntaxValid {
		check.Issues = append(check.Issues, "syntax_error: unbalanced braces")
	}
	if check.AssertionCount == 0 {
		check.Issues = append(check.Issues, "no_assertions: test has no expect() calls")
	}
	if check.ScreenshotCount == 0 {
		check.Issues = append(check.Issues, "no_screenshot: test captures no visual evidence")
	}
	if !check.UsesTestID {
		check.Issues = append(check.Issues, "no_testid_selectors: use data-testid or role-based selectors")
	}
	if m := reIndexSelector.FindString(source); m != "" {
		check.Issues = append(check.Issues, fmt.Sprintf("index_selector: brittle positional selector %q", strings.TrimSpace(m)))
	}
	if m := reGeneratedCSS.FindString(source); m != "" {
		check.Issues = append(check.Issues, fmt.Sprintf("generated_css_class: selector %q will break on rebuild", m))
	}
	if m := reFixedWait.FindString(source); m != "" {
		check.Issues = append(check.Issues, fmt.Sprintf("fixed_wait: %q races against the app, use condition waits", strings.TrimSpace(m)))
	}
	if reCredential.MatchString(source) {
		check.Issues = append(check.Issues, "hardcoded_credential: secrets belong in fixtures or env")
	}
	if reHardcodedURL.MatchString(source) {
		check.Issues = append(check.Issues, "hardcoded_url: navigate relative to baseURL")
	}
	return check
}

// Clean reports whether the source passes every static rule.
func (c TestCheck) Clean() bool { return len(c.Issues) == 0 }

// balancedBraces is a cheap syntax sniff. It ignores braces inside
// string literals, which is enough to catch truncated LLM output.
func balancedBraces(source string) bool {
	depth := 0
	var inString byte
	escaped := false
	for i := 0; i < len(source); i++ {
		ch := source[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if inString != 0 {
			if ch == inString {
				inString = 0
			}
			continue
		}
		switch ch {
		case '\'', '"', '`':
			inString = ch
		case '{', '(', '[':
			depth++
		case '}', ')', ']':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0 && inString == 0
}
