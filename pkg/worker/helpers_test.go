package worker

import (
	"context"
	"sync"

	"github.com/kaya-dev/kaya/pkg/llm"
)

// scriptedLLM returns canned responses in order, recording prompts.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []llm.Response
	errs      []error
	prompts   []string
	calls     int
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	s.prompts = append(s.prompts, req.Prompt)
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	var resp llm.Response
	if i < len(s.responses) {
		resp = s.responses[i]
	}
	return resp, err
}

// scriptedLauncher returns canned outputs in order, recording specs.
type scriptedLauncher struct {
	mu      sync.Mutex
	outputs []LaunchOutput
	errs    []error
	specs   []LaunchSpec
	calls   int
}

func (l *scriptedLauncher) Launch(_ context.Context, spec LaunchSpec) (LaunchOutput, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.calls
	l.calls++
	l.specs = append(l.specs, spec)
	var err error
	if i < len(l.errs) {
		err = l.errs[i]
	}
	var out LaunchOutput
	if i < len(l.outputs) {
		out = l.outputs[i]
	} else if len(l.outputs) > 0 {
		out = l.outputs[len(l.outputs)-1]
	}
	return out, err
}

// recordingEmitter captures emitted events.
type recordingEmitter struct {
	mu     sync.Mutex
	types  []string
	events []map[string]any
}

func (e *recordingEmitter) Emit(eventType string, payload map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, eventType)
	e.events = append(e.events, payload)
}

// cleanTestSource passes every static rule.
const cleanTestSource = "import { test, expect } from '@playwright/test';\n" +
	"test('login works', async ({ page }) => {\n" +
	"  await page.goto('/login');\n" +
	"  await page.getByTestId('email').fill('user@example.com');\n" +
	"  await expect(page.getByTestId('welcome')).toBeVisible();\n" +
	"  await page.screenshot({ path: 'login.png' });\n" +
	"});\n"

// dirtyTestSource trips the index-selector rule and has no screenshot.
const dirtyTestSource = "import { test, expect } from '@playwright/test';\n" +
	"test('login works', async ({ page }) => {\n" +
	"  await page.goto('/login');\n" +
	"  await page.locator('li:nth-child(2)').click();\n" +
	"  await expect(page.getByTestId('welcome')).toBeVisible();\n" +
	"});\n"

func fenced(code string) string {
	return "```typescript\n" + code + "```"
}
