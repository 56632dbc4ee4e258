// Package assistant answers case questions over retrieved chunks and graph
// context, recording each call in the cost ledger.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/casegraph-dev/casegraph/cost"
	"github.com/casegraph-dev/casegraph/graph"
	"github.com/casegraph-dev/casegraph/llm"
	"github.com/casegraph-dev/casegraph/retrieval"
	"github.com/casegraph-dev/casegraph/store"
)

const defaultSystemPrompt = `You are an investigation assistant. Answer strictly from the
provided case context. If the context does not contain the answer, say so
plainly instead of guessing. Cite the source file for every claim.`

// ChatSpec carries the profile-driven pieces of an assistant call.
type ChatSpec struct {
	SystemPrompt     string
	MaxContextChunks int
}

// Source tracks a chunk used in the answer.
type Source struct {
	ChunkID    int64   `json:"chunk_id"`
	DocumentID int64   `json:"document_id"`
	Filename   string  `json:"filename"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// Answer is the assistant's reply with its supporting context.
type Answer struct {
	Text     string   `json:"text"`
	Sources  []Source `json:"sources"`
	Entities []string `json:"entities,omitempty"` // graph context entity keys
	Model    string   `json:"model"`
}

// Assistant answers questions about one case.
type Assistant struct {
	store     *store.Store
	chat      llm.Provider
	retriever *retrieval.Retriever
	costs     *cost.Tracker
}

// New creates an assistant.
func New(s *store.Store, chat llm.Provider, r *retrieval.Retriever, costs *cost.Tracker) *Assistant {
	return &Assistant{store: s, chat: chat, retriever: r, costs: costs}
}

// Ask retrieves chunk and graph context for the question, generates an
// answer, and appends exactly one ai_assistant record to the cost ledger.
func (a *Assistant) Ask(ctx context.Context, caseID, question string, spec ChatSpec) (*Answer, error) {
	if spec.SystemPrompt == "" {
		spec.SystemPrompt = defaultSystemPrompt
	}
	if spec.MaxContextChunks <= 0 {
		spec.MaxContextChunks = 10
	}

	start := time.Now()

	chunks, err := a.retriever.Search(ctx, caseID, question, spec.MaxContextChunks)
	if err != nil {
		return nil, fmt.Errorf("retrieving context: %w", err)
	}

	neighborhood, err := a.graphContext(ctx, caseID, question)
	if err != nil {
		// Graph context is an enrichment, not a requirement.
		slog.Warn("assistant: graph context lookup failed",
			"case_id", caseID, "error", err)
		neighborhood = nil
	}

	prompt := buildPrompt(question, chunks, neighborhood)

	resp, err := a.chat.Generate(ctx, llm.GenerateRequest{
		System:      spec.SystemPrompt,
		Prompt:      prompt,
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("generating answer: %w", err)
	}

	if a.costs != nil {
		a.costs.Record(ctx, cost.Entry{
			JobType:     cost.JobAssistant,
			Provider:    a.chat.Name(),
			Model:       resp.Model,
			Usage:       resp.Usage,
			CaseID:      caseID,
			Description: "case question",
		})
	}

	slog.Info("assistant: answered",
		"case_id", caseID,
		"chunks", len(chunks),
		"graph_entities", len(neighborhood),
		"elapsed", time.Since(start).Round(time.Millisecond))

	answer := &Answer{Text: resp.Text, Model: resp.Model}
	for _, c := range chunks {
		answer.Sources = append(answer.Sources, Source{
			ChunkID:    c.ChunkID,
			DocumentID: c.DocumentID,
			Filename:   c.Filename,
			Content:    c.Content,
			Score:      c.Score,
		})
	}
	for _, e := range neighborhood {
		answer.Entities = append(answer.Entities, e.Key)
	}
	return answer, nil
}

// graphContext finds case entities the question mentions by name and
// expands one hop around them.
func (a *Assistant) graphContext(ctx context.Context, caseID, question string) ([]store.Entity, error) {
	entities, err := a.store.EntitiesByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(question)
	var seeds []string
	for _, e := range entities {
		name := strings.ToLower(e.Name)
		if len(name) >= 3 && strings.Contains(q, name) {
			seeds = append(seeds, e.Key)
		}
	}
	if len(seeds) == 0 {
		return nil, nil
	}

	n, err := graph.Traverse(ctx, a.store, caseID, seeds, 1)
	if err != nil {
		return nil, err
	}
	return n.Entities, nil
}

func buildPrompt(question string, chunks []store.RetrievalResult, entities []store.Entity) string {
	var b strings.Builder

	if len(entities) > 0 {
		b.WriteString("KNOWN CASE ENTITIES:\n")
		for _, e := range entities {
			b.WriteString("- ")
			b.WriteString(e.Name)
			b.WriteString(" (")
			b.WriteString(e.EntityType)
			b.WriteString(")")
			if e.Summary != "" {
				b.WriteString(": ")
				b.WriteString(e.Summary)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(chunks) > 0 {
		b.WriteString("CASE DOCUMENTS:\n")
		for i, c := range chunks {
			fmt.Fprintf(&b, "[%d] %s:\n%s\n\n", i+1, c.Filename, c.Content)
		}
	} else {
		b.WriteString("CASE DOCUMENTS: none retrieved.\n\n")
	}

	b.WriteString("QUESTION: ")
	b.WriteString(question)
	return b.String()
}
