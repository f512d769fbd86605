package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/expense-extractor/internal/model"
	"github.com/sells-group/expense-extractor/pkg/anthropic"
)

const llmSystemPrompt = `You extract expense document fields. You receive the text (and page images, when present) of one expense document context. Respond with a single JSON object mapping each field key you can determine to {"value": "<string>", "confidence": <0..1>}. Omit fields the document does not support. No prose, no markdown fences.`

// LLM extracts fields by asking a language model to fill the schema from
// a context's text units. Image pages ride along so scanned contexts are
// not invisible to it.
type LLM struct {
	name      string
	client    anthropic.Client
	modelName string
	maxTokens int64
}

// NewLLM creates the language-model backend.
func NewLLM(name string, client anthropic.Client, modelName string, maxTokens int64) *LLM {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &LLM{name: name, client: client, modelName: modelName, maxTokens: maxTokens}
}

func (l *LLM) Name() string              { return l.name }
func (l *LLM) Class() model.BackendClass { return model.BackendClassLLM }

func (l *LLM) Extract(ctx context.Context, ec model.Context, schema *model.Schema) ([]model.FieldCandidate, error) {
	prompt, images := buildContextPrompt(ec, schema)
	if prompt == "" && len(images) == 0 {
		return nil, nil
	}

	temp := 0.0
	resp, err := l.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       l.modelName,
		MaxTokens:   l.maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(llmSystemPrompt),
		Temperature: &temp,
		Messages: []anthropic.Message{
			{Role: "user", Content: prompt, Images: images},
		},
	})
	if err != nil {
		return nil, eris.Wrapf(ErrUnavailable, "%s: %v", l.name, err)
	}
	resp.Usage.LogCost(l.modelName, "extract")

	candidates, err := parseCandidates(extractText(resp), ec, schema, l.name)
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// buildContextPrompt renders the schema field list and the context's text
// units into one user message, and collects its page images.
func buildContextPrompt(ec model.Context, schema *model.Schema) (string, [][]byte) {
	var sb strings.Builder
	var images [][]byte

	sb.WriteString("Fields:\n")
	for _, f := range schema.Fields() {
		fmt.Fprintf(&sb, "- %s (%s)\n", f.Key, f.Type)
	}

	hasText := false
	for _, u := range ec.Units {
		switch {
		case u.Text != "":
			fmt.Fprintf(&sb, "\n--- %s (page %d) ---\n%s\n", u.Kind, u.Page+1, u.Text)
			hasText = true
		case len(u.Image) > 0:
			images = append(images, u.Image)
		}
	}
	if !hasText && len(images) == 0 {
		return "", nil
	}
	return sb.String(), images
}

// extractText concatenates all text content blocks.
func extractText(resp *anthropic.MessageResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "" || b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// parseCandidates turns the model's JSON object into field candidates.
// Keys outside the schema are dropped with a debug log; an unparseable
// body is an ErrInvalidResponse so the failure lands in the run record.
func parseCandidates(text string, ec model.Context, schema *model.Schema, backendName string) ([]model.FieldCandidate, error) {
	cleaned := cleanJSON(text)

	var raw map[string]struct {
		Value      string  `json:"value"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, eris.Wrapf(ErrInvalidResponse, "%s on %s: %v", backendName, ec.ID, err)
	}

	candidates := make([]model.FieldCandidate, 0, len(raw))
	for _, f := range schema.Fields() {
		entry, ok := raw[f.Key]
		if !ok || entry.Value == "" {
			continue
		}
		candidates = append(candidates, model.FieldCandidate{
			Field:        f.Key,
			Value:        entry.Value,
			Confidence:   clampConfidence(entry.Confidence),
			Backend:      backendName,
			BackendClass: model.BackendClassLLM,
			ContextID:    ec.ID,
			ContextOrder: ec.Order,
		})
	}
	for key := range raw {
		if schema.ByKey(key) == nil {
			zap.L().Debug("llm: dropping unknown field",
				zap.String("context_id", ec.ID),
				zap.String("field", key),
			)
		}
	}
	return candidates, nil
}

// cleanJSON strips markdown fences and extracts the JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
