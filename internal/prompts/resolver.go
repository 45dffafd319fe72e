package prompts

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"text/template"
)

// ErrPromptNotFound is returned for keys nobody registered.
var ErrPromptNotFound = errors.New("prompt not found")

// Resolver resolves prompts with file overrides.
// Resolution order: override > embedded default.
type Resolver struct {
	mu        sync.RWMutex
	embedded  map[string]EmbeddedPrompt
	overrides map[string]*ResolvedPrompt
	logger    *slog.Logger
}

// NewResolver creates a new prompt resolver.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		embedded:  make(map[string]EmbeddedPrompt),
		overrides: make(map[string]*ResolvedPrompt),
		logger:    logger,
	}
}

// Register registers an embedded prompt.
func (r *Resolver) Register(prompt EmbeddedPrompt) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prompt.Hash == "" {
		prompt.Hash = HashText(prompt.Text)
	}
	if prompt.Variables == nil {
		prompt.Variables = ExtractVariables(prompt.Text)
	}

	r.embedded[prompt.Key] = prompt
	r.logger.Debug("registered embedded prompt", "key", prompt.Key, "vars", prompt.Variables)
}

// Override replaces the text of a registered key. The text must parse as a
// template and reference only variables the default also uses.
func (r *Resolver) Override(key, text, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	embedded, ok := r.embedded[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPromptNotFound, key)
	}
	if _, err := template.New(key).Parse(text); err != nil {
		return fmt.Errorf("override %s: %w", key, err)
	}

	known := make(map[string]bool, len(embedded.Variables))
	for _, v := range embedded.Variables {
		known[v] = true
	}
	vars := ExtractVariables(text)
	for _, v := range vars {
		if !known[v] {
			return fmt.Errorf("override %s: unknown variable .%s (available: %v)", key, v, embedded.Variables)
		}
	}

	r.overrides[key] = &ResolvedPrompt{
		Key:        key,
		Text:       text,
		Variables:  vars,
		IsOverride: true,
		Source:     source,
		Hash:       HashText(text),
	}
	r.logger.Info("prompt overridden", "key", key, "source", source)
	return nil
}

// LoadDir applies {key}.tmpl files found in dir as overrides. Files for
// unregistered keys are ignored with a warning; a missing dir is not an error.
func (r *Resolver) LoadDir(dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read prompts dir: %w", err)
	}

	loaded := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".tmpl" {
			continue
		}
		key := e.Name()[:len(e.Name())-len(".tmpl")]
		if _, ok := r.GetEmbedded(key); !ok {
			r.logger.Warn("ignoring prompt override for unknown key", "file", e.Name())
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return loaded, fmt.Errorf("read prompt override: %w", err)
		}
		if err := r.Override(key, string(data), path); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}

// Resolve returns the override for key if one exists, otherwise the
// embedded default.
func (r *Resolver) Resolve(key string) (*ResolvedPrompt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if o, ok := r.overrides[key]; ok {
		return o, nil
	}
	embedded, ok := r.embedded[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, key)
	}
	return &ResolvedPrompt{
		Key:       key,
		Text:      embedded.Text,
		Variables: embedded.Variables,
		Hash:      embedded.Hash,
	}, nil
}

// GetEmbedded returns the embedded default for a key.
func (r *Resolver) GetEmbedded(key string) (*EmbeddedPrompt, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.embedded[key]
	return &p, ok
}

// AllEmbedded returns all registered embedded prompts sorted by key.
func (r *Resolver) AllEmbedded() []EmbeddedPrompt {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]EmbeddedPrompt, 0, len(r.embedded))
	for _, p := range r.embedded {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result
}
