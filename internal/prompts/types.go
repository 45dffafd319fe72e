// Package prompts provides prompt management with embedded defaults and
// file-based overrides.
//
// Embedded .tmpl files in code are the source of truth for defaults. A
// prompts directory may hold {key}.tmpl files that replace individual
// defaults for a run, for example expand.user.tmpl.
//
// Resolution order for a key:
//  1. Override loaded from the prompts directory (if exists)
//  2. Embedded default (from .tmpl files in code)
package prompts

// EmbeddedPrompt represents a prompt loaded from an embedded .tmpl file.
type EmbeddedPrompt struct {
	Key         string   // Hierarchical key: expand.system
	Text        string   // The prompt text (Go template)
	Description string   // Human-readable description
	Variables   []string // Extracted template variables
	Hash        string   // SHA256 hash of the text for change detection
}

// ResolvedPrompt is the text chosen for a key.
type ResolvedPrompt struct {
	Key        string   `json:"key" yaml:"key"`
	Text       string   `json:"text" yaml:"text"`
	Variables  []string `json:"variables,omitempty" yaml:"variables,omitempty"`
	IsOverride bool     `json:"is_override" yaml:"is_override"`
	Source     string   `json:"source,omitempty" yaml:"source,omitempty"` // override file path
	Hash       string   `json:"hash" yaml:"hash"`
}
