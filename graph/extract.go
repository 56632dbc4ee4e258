// Package graph turns chunk text into the persisted property graph: the
// LLM-backed extraction orchestrator, the graph writer with per-item
// outcomes, and the entity resolver with rejection memory.
package graph

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ExtractedEntity is one entity mention in the LLM's structured output.
type ExtractedEntity struct {
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Summary    string            `json:"summary"`
	Properties map[string]string `json:"properties"`
}

// ExtractedRelationship is one relationship in the LLM's structured output.
// Source and target are entity names from the same extraction result.
type ExtractedRelationship struct {
	Source     string            `json:"source"`
	SourceType string            `json:"source_type"`
	Target     string            `json:"target"`
	TargetType string            `json:"target_type"`
	Type       string            `json:"type"`
	Properties map[string]string `json:"properties"`
}

// ExtractionResult is the strict JSON shape one chunk-level LLM call must
// return.
type ExtractionResult struct {
	Entities      []ExtractedEntity       `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships"`
}

// PromptSpec carries the profile-driven pieces of the extraction prompt.
// The template's {entity_types}, {relationship_types} and {text}
// placeholders are filled per chunk.
type PromptSpec struct {
	EntityTypes       []string
	RelationshipTypes []string
	Template          string
}

// defaultTemplate is the built-in extraction prompt, used when the active
// profile does not override it.
const defaultTemplate = `Extract entities and relationships from the text below.

Entity types: {entity_types}
Relationship types: {relationship_types}

Return ONLY a JSON object with this exact shape, no other text:
{"entities": [{"name": "...", "type": "...", "summary": "...", "properties": {}}],
 "relationships": [{"source": "...", "source_type": "...", "target": "...", "target_type": "...", "type": "...", "properties": {}}]}

Rules:
- Use only the listed entity and relationship types.
- "source" and "target" must be entity names from this extraction.
- Put dates in properties as {"date": "YYYY-MM-DD"} when the text states one.
- Omit anything not supported by the text.

TEXT:
{text}`

// RenderPrompt fills the template placeholders for one chunk.
func (p PromptSpec) RenderPrompt(text string) string {
	tmpl := p.Template
	if tmpl == "" {
		tmpl = defaultTemplate
	}
	r := strings.NewReplacer(
		"{entity_types}", strings.Join(p.EntityTypes, ", "),
		"{relationship_types}", strings.Join(p.RelationshipTypes, ", "),
		"{text}", text,
	)
	return r.Replace(tmpl)
}

// codeBlockRe strips markdown code fences from LLM output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// extractJSON attempts to find a valid JSON object in the LLM response text.
// It handles common LLM quirks: markdown code blocks, text before/after JSON.
func extractJSON(raw string) (string, error) {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}

	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "{") {
		return raw, nil
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1], nil
	}

	return "", fmt.Errorf("no JSON object found in response")
}

// parseExtraction decodes one chunk's LLM response into an ExtractionResult.
func parseExtraction(raw string) (*ExtractionResult, error) {
	jsonStr, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}
	var result ExtractionResult
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return nil, fmt.Errorf("unmarshalling extraction result: %w", err)
	}
	return &result, nil
}
