// Package prompt composes phase prompts from a directory-per-phase template
// tree: system.md + instructions.md, {var} substitution, {{> partial.md}}
// transclusion. Deliberately a trivial mustache-like substitutor, not a
// general-purpose template engine.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// Message is one entry of the ordered message list a phase sends to the LLM.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Composer loads phase templates from root, a directory containing one
// subdirectory per phase key (e.g. root/phase1/system.md).
type Composer struct {
	root string
}

// New returns a Composer rooted at root.
func New(root string) *Composer {
	return &Composer{root: root}
}

var (
	varPattern     = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)
	partialPattern = regexp.MustCompile(`\{\{>\s*([a-zA-Z0-9_./-]+)\s*\}\}`)
)

// Compose loads <root>/<phaseKey>/system.md and instructions.md, resolves
// partials and {var} substitutions against vars, and returns the
// [{role:system,...},{role:user,...}] message list. OutputSchema returns the
// contents of output_schema.json, or "" if absent.
func (c *Composer) Compose(phaseKey string, vars map[string]string) ([]Message, error) {
	dir := filepath.Join(c.root, phaseKey)

	system, err := c.loadAndRender(filepath.Join(dir, "system.md"), vars, 0)
	if err != nil {
		return nil, fmt.Errorf("prompt: loading system template for %s: %w", phaseKey, err)
	}
	instructions, err := c.loadAndRender(filepath.Join(dir, "instructions.md"), vars, 0)
	if err != nil {
		return nil, fmt.Errorf("prompt: loading instructions template for %s: %w", phaseKey, err)
	}

	return []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: instructions},
	}, nil
}

// OutputSchema returns the contents of <root>/<phaseKey>/output_schema.json,
// or ("", false) if the phase has no schema attachment.
func (c *Composer) OutputSchema(phaseKey string) (string, bool, error) {
	path := filepath.Join(c.root, phaseKey, "output_schema.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("prompt: reading output schema for %s: %w", phaseKey, err)
	}
	return string(data), true, nil
}

const maxPartialDepth = 8

func (c *Composer) loadAndRender(path string, vars map[string]string, depth int) (string, error) {
	if depth > maxPartialDepth {
		return "", fmt.Errorf("partial include depth exceeded at %s (possible cycle)", path)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	text := string(raw)

	text = partialPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := partialPattern.FindStringSubmatch(match)
		name := sub[1]
		partialPath := filepath.Join(filepath.Dir(path), name)
		rendered, perr := c.loadAndRender(partialPath, vars, depth+1)
		if perr != nil {
			err = perr
			return match
		}
		return rendered
	})
	if err != nil {
		return "", err
	}

	return substituteVars(text, vars), nil
}

// substituteVars replaces every {name} occurrence with vars[name]. An
// unrecognized variable is left as-is — a missing template var should be
// visible in the rendered prompt, not silently blanked.
func substituteVars(text string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := match[1 : len(match)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		return match
	})
}

// RenderInline applies {var} substitution to an in-memory string without
// touching the filesystem — used for small, code-generated fragments (e.g.
// a retrieved-content block spliced into an in-flight conversation) that
// never warrant their own template file.
func RenderInline(text string, vars map[string]string) string {
	return substituteVars(text, vars)
}
