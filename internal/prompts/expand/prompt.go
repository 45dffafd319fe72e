// Package expand builds the completion request for one section.
package expand

import (
	"bytes"
	_ "embed"
	"fmt"
	"text/template"

	"github.com/jackzampolin/quill/internal/outline"
	"github.com/jackzampolin/quill/internal/prompts"
	"github.com/jackzampolin/quill/internal/providers"
)

//go:embed system.tmpl
var systemPrompt string

//go:embed user.tmpl
var userPromptTmpl string

//go:embed strengthen.tmpl
var strengthenPromptTmpl string

// Prompt keys
const (
	SystemPromptKey     = "expand.system"
	UserPromptKey       = "expand.user"
	StrengthenPromptKey = "expand.strengthen"
)

// Keys lists the prompt keys a Frame resolves.
var Keys = []string{SystemPromptKey, UserPromptKey, StrengthenPromptKey}

// RegisterPrompts registers the expansion prompts with the resolver.
func RegisterPrompts(r *prompts.Resolver) {
	r.Register(prompts.EmbeddedPrompt{
		Key:         SystemPromptKey,
		Text:        systemPrompt,
		Description: "Expansion system prompt - sets the writing register",
	})
	r.Register(prompts.EmbeddedPrompt{
		Key:         UserPromptKey,
		Text:        userPromptTmpl,
		Description: "Expansion user prompt - section title, requirements and length range",
	})
	r.Register(prompts.EmbeddedPrompt{
		Key:         StrengthenPromptKey,
		Text:        strengthenPromptTmpl,
		Description: "Appended to the user prompt after an under-length draft",
	})
}

// Options are the per-run parameters of every request.
type Options struct {
	Instructions string
	MinWords     int
	MaxWords     int
	Model        string
	Temperature  float64
	MaxTokens    int
}

// Frame is the fixed instructional frame shared by every section in a run.
type Frame struct {
	Options
	system     string
	user       *template.Template
	strengthen *template.Template
	hash       string
}

// Hint carries what the previous attempt taught us. The zero Hint means
// a first attempt or a retry for transport reasons.
type Hint struct {
	PreviousLength int
	MinLength      int
}

func (h Hint) strengthened() bool {
	return h.MinLength > 0 && h.PreviousLength < h.MinLength
}

// templateData is the variable set visible to every expansion template.
type templateData struct {
	ID             string
	Title          string
	Parent         string
	MinWords       int
	MaxWords       int
	Instructions   string
	PreviousLength int
	MinLength      int
}

// NewFrame resolves the expansion prompts and parses them.
func NewFrame(r *prompts.Resolver, opts Options) (*Frame, error) {
	if opts.MinWords <= 0 || opts.MaxWords < opts.MinWords {
		return nil, fmt.Errorf("invalid target length %d-%d words", opts.MinWords, opts.MaxWords)
	}

	var resolved []*prompts.ResolvedPrompt
	for _, key := range Keys {
		p, err := r.Resolve(key)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, p)
	}

	user, err := template.New(UserPromptKey).Option("missingkey=error").Parse(resolved[1].Text)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", UserPromptKey, err)
	}
	strengthen, err := template.New(StrengthenPromptKey).Option("missingkey=error").Parse(resolved[2].Text)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", StrengthenPromptKey, err)
	}

	return &Frame{
		Options:    opts,
		system:     resolved[0].Text,
		user:       user,
		strengthen: strengthen,
		hash:       prompts.CombinedHash(resolved...),
	}, nil
}

// DefaultFrame builds a Frame from the embedded prompts only.
func DefaultFrame(opts Options) (*Frame, error) {
	r := prompts.NewResolver(nil)
	RegisterPrompts(r)
	return NewFrame(r, opts)
}

// Hash identifies the prompt texts in use.
func (f *Frame) Hash() string {
	return f.hash
}

// Build returns the request for sec. It performs no I/O.
func (f *Frame) Build(sec outline.Section, hint Hint) (*providers.ChatRequest, error) {
	data := templateData{
		ID:             sec.Path,
		Title:          sec.Title,
		Parent:         sec.Parent(),
		MinWords:       f.MinWords,
		MaxWords:       f.MaxWords,
		Instructions:   f.Instructions,
		PreviousLength: hint.PreviousLength,
		MinLength:      hint.MinLength,
	}

	var buf bytes.Buffer
	if err := f.user.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", UserPromptKey, err)
	}
	if hint.strengthened() {
		if err := f.strengthen.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("render %s: %w", StrengthenPromptKey, err)
		}
	}

	return &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: f.system},
			{Role: "user", Content: buf.String()},
		},
		Model:       f.Model,
		Temperature: f.Temperature,
		MaxTokens:   f.MaxTokens,
	}, nil
}
