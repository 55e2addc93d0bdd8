// Package describe names cargo textures and writes their catalog entries
// with a multimodal text-generation model.
package describe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"google.golang.org/genai"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "gemini-2.5-flash"
	// DefaultLanguage is the language entries are written in.
	DefaultLanguage = "Traditional Chinese as used in Taiwan"
	// MaxDescriptionRunes bounds a stored description.
	MaxDescriptionRunes = 120

	separator       = "%%%"
	maxOutputTokens = 1024
)

const promptTemplate = `This is a piece of cargo shipped to an imagined trading station in future outer space. Its sender and recipient may be any lifeform, humans from Earth included.
Give the item a name and write a plain, easy to read description of its contents in a single paragraph of at most %d characters. The description will be collected in a catalog of space cargo.
Answer in %s. Reply with only the name and the description separated by %s, with no other text.

Output format:
{{name}}%s{{description}}`

// ErrMalformedResponse reports model output that is not name%%%description.
var ErrMalformedResponse = errors.New("malformed description response")

// Generator is the subset of the genai models service a Describer uses.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Describer produces a name and description for a texture.
type Describer struct {
	generator Generator
	model     string
	language  string
}

// Option configures a Describer.
type Option func(*Describer)

// WithLanguage overrides DefaultLanguage.
func WithLanguage(language string) Option {
	return func(d *Describer) {
		if language = strings.TrimSpace(language); language != "" {
			d.language = language
		}
	}
}

// New creates a Describer backed by the Gemini API.
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Describer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("genai api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return NewWithGenerator(client.Models, model, opts...)
}

// NewWithGenerator creates a Describer over an existing generator.
func NewWithGenerator(generator Generator, model string, opts ...Option) (*Describer, error) {
	if generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if model = strings.TrimSpace(model); model == "" {
		model = DefaultModel
	}
	d := &Describer{generator: generator, model: model, language: DefaultLanguage}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Prompt returns the instruction sent alongside every texture.
func (d *Describer) Prompt() string {
	return fmt.Sprintf(promptTemplate, MaxDescriptionRunes, d.language, separator, separator)
}

// Describe asks the model to name the JPEG texture and describe it.
func (d *Describer) Describe(ctx context.Context, texture []byte) (string, string, error) {
	if len(texture) == 0 {
		return "", "", fmt.Errorf("texture is required")
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(d.Prompt()),
			genai.NewPartFromBytes(texture, "image/jpeg"),
		}, genai.RoleUser),
	}
	resp, err := d.generator.GenerateContent(ctx, d.model, contents, &genai.GenerateContentConfig{
		MaxOutputTokens: maxOutputTokens,
	})
	if err != nil {
		return "", "", fmt.Errorf("generate description: %w", err)
	}
	if resp == nil {
		return "", "", fmt.Errorf("generate description: %w", ErrMalformedResponse)
	}
	return ParseResponse(resp.Text())
}

// ParseResponse splits model output into a name and a description. Template
// braces echoed by the model are removed and the description is cut to
// MaxDescriptionRunes.
func ParseResponse(text string) (string, string, error) {
	name, description, ok := strings.Cut(strings.TrimSpace(text), separator)
	if !ok {
		return "", "", ErrMalformedResponse
	}
	name = clean(name)
	description = clean(strings.ReplaceAll(description, separator, " "))
	if name == "" || description == "" {
		return "", "", ErrMalformedResponse
	}
	if utf8.RuneCountInString(description) > MaxDescriptionRunes {
		description = string([]rune(description)[:MaxDescriptionRunes])
	}
	return name, description, nil
}

func clean(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "{{")
	value = strings.TrimSuffix(value, "}}")
	return strings.Join(strings.Fields(value), " ")
}
