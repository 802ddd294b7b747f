// Package answer turns step outcomes into the reply shown to the user.
package answer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/opentalon/conductor/internal/engine"
	"github.com/opentalon/conductor/internal/provider"
)

const (
	AllFailed    = "I could not complete your request because every tool failed. Please try again."
	stitchPrefix = "Based on the tools, here is what I found: "

	systemPrompt = "You are a helpful assistant. Given the user's query and tool outputs, " +
		"write a concise, actionable answer. " + safetyRule
)

// Synthesizer composes final answers. With no language model it stitches the
// successful results together.
type Synthesizer struct {
	llm provider.Provider
}

func New(llm provider.Provider) *Synthesizer {
	return &Synthesizer{llm: llm}
}

type finding struct {
	Agent   string `json:"agent"`
	Status  string `json:"status"`
	Result  string `json:"result,omitempty"`
	Details string `json:"details,omitempty"`
	Error   string `json:"error,omitempty"`
}

type brief struct {
	UserQuery   string    `json:"user_query"`
	ToolOutputs []finding `json:"tool_outputs"`
}

func (s *Synthesizer) Compose(ctx context.Context, query string, res *engine.Result) string {
	if res == nil || res.AllFailed() {
		return AllFailed
	}
	if s.llm == nil {
		return Stitch(res)
	}
	text, err := s.ask(ctx, query, res)
	if err != nil {
		log.Printf("answer: %v, stitching results instead", err)
		return Stitch(res)
	}
	return text
}

// Stitch joins the successful results in step order.
func Stitch(res *engine.Result) string {
	var parts []string
	for _, o := range res.Successful() {
		parts = append(parts, engine.Stringify(o.Response.Output.Result))
	}
	return stitchPrefix + strings.Join(parts, " | ")
}

func (s *Synthesizer) ask(ctx context.Context, query string, res *engine.Result) (string, error) {
	b := brief{UserQuery: query}
	for _, o := range res.Outcomes {
		f := finding{Agent: o.Worker, Status: string(o.Response.Status)}
		if out := o.Response.Output; out != nil {
			f.Result = sanitize(engine.Stringify(out.Result))
			f.Details = sanitize(out.Details)
		}
		if e := o.Response.Error; e != nil {
			f.Error = sanitize(e.Error())
		}
		b.ToolOutputs = append(b.ToolOutputs, f)
	}
	var user bytes.Buffer
	enc := json.NewEncoder(&user)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(b); err != nil {
		return "", fmt.Errorf("marshal findings: %w", err)
	}

	resp, err := s.llm.Complete(ctx, &provider.CompletionRequest{
		Messages:    []provider.Message{provider.System(systemPrompt), provider.User(user.String())},
		Temperature: provider.Temperature(0.2),
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", s.llm.ID(), err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", fmt.Errorf("%s returned an empty answer", s.llm.ID())
	}
	return text, nil
}
