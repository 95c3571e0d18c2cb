package answer

import (
	"bytes"
	"fmt"
	"os"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Prompts holds the text the synthesizer sends to the model. User is a
// text/template executed with promptData.
type Prompts struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
	// NoContext is the canned answer returned when retrieval finds nothing.
	NoContext string `yaml:"no_context"`
	// NoContextInstruction replaces the fragment block when the provider is
	// asked to decline on its own.
	NoContextInstruction string `yaml:"no_context_instruction"`
	// CouldNotAnswer is the degraded answer when retrieval or generation fails.
	CouldNotAnswer string `yaml:"could_not_answer"`
	// Summary is the system instruction for document summaries.
	Summary string `yaml:"summary"`
}

const defaultSystem = `You are a document question-answering assistant. Answer precisely and concisely using ONLY the numbered document fragments and, when present, the conversation history you are given.

Rules:
1. Ground every statement in the provided fragments. Do not use outside knowledge.
2. Use the conversation history only to resolve follow-up questions and ambiguous references.
3. Answer the user's question directly and leave out unrelated material.
4. If the fragments do not contain the answer, say: "I could not find enough information in the documents to answer that question."
5. When several fragments are relevant, combine them into one coherent answer and cite them as [Fragment N].
6. Use Markdown (bold, lists) where it helps readability.
7. Reply in the language of the user's question.`

const defaultUser = `{{if .History}}Conversation history:
{{.History}}

{{end}}Document context:
{{.Context}}

User question:
{{.Query}}

Answer:`

const defaultSummary = `You summarize documents. Use ONLY the document text you are given.

First write one short paragraph describing what the document is about. Then list its key points, one per line, each starting with "- ". Reply in the language of the document.`

// DefaultPrompts returns the built-in prompt set.
func DefaultPrompts() Prompts {
	return Prompts{
		System:               defaultSystem,
		User:                 defaultUser,
		NoContext:            "I could not find enough information in the documents to answer that question.",
		NoContextInstruction: "No document fragment matched this question. Tell the user the documents do not contain the answer; do not guess.",
		CouldNotAnswer:       "I could not answer that question right now. Please try again later.",
		Summary:              defaultSummary,
	}
}

// LoadPrompts overlays the non-empty fields of a YAML file onto the defaults.
// An empty path returns the defaults.
func LoadPrompts(path string) (Prompts, error) {
	p := DefaultPrompts()
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Prompts{}, fmt.Errorf("read prompts file: %w", err)
	}
	var override Prompts
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return Prompts{}, fmt.Errorf("parse prompts file %s: %w", path, err)
	}
	for dst, src := range map[*string]string{
		&p.System:               override.System,
		&p.User:                 override.User,
		&p.NoContext:            override.NoContext,
		&p.NoContextInstruction: override.NoContextInstruction,
		&p.CouldNotAnswer:       override.CouldNotAnswer,
		&p.Summary:              override.Summary,
	} {
		if src != "" {
			*dst = src
		}
	}
	if _, err := p.userTemplate(); err != nil {
		return Prompts{}, err
	}
	return p, nil
}

type promptData struct {
	History string
	Context string
	Query   string
}

func (p Prompts) userTemplate() (*template.Template, error) {
	tmpl, err := template.New("user").Option("missingkey=error").Parse(p.User)
	if err != nil {
		return nil, fmt.Errorf("parse user prompt template: %w", err)
	}
	return tmpl, nil
}

func (p Prompts) renderUser(data promptData) (string, error) {
	tmpl, err := p.userTemplate()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render user prompt: %w", err)
	}
	return buf.String(), nil
}
