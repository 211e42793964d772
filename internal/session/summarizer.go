package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"axon/internal/task"
)

const (
	// SoftStepLimit is the step count past which older steps are folded
	// into the digest.
	SoftStepLimit = 20
	// KeepRecent steps stay verbatim in prompts after a summarization.
	KeepRecent = 10
	// DefaultDigestBudget bounds the digest size in tokens.
	DefaultDigestBudget = 1024
)

// Summarizer folds old session steps into a compact digest. The digest
// is heuristic text, not a model call: one line per step, trimmed to a
// token budget so prompt growth stays bounded regardless of session
// length.
type Summarizer struct {
	budget  int
	encoder *tiktoken.Tiktoken
}

// NewSummarizer creates a summarizer with the given token budget
// (DefaultDigestBudget when <= 0). Token counting uses cl100k_base and
// falls back to a bytes/4 estimate if the encoding is unavailable.
func NewSummarizer(budget int) *Summarizer {
	if budget <= 0 {
		budget = DefaultDigestBudget
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		enc = nil
	}
	return &Summarizer{budget: budget, encoder: enc}
}

// CountTokens estimates the token footprint of text.
func (s *Summarizer) CountTokens(text string) int {
	if s.encoder != nil {
		return len(s.encoder.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// ShouldSummarize reports whether a session of stepCount steps is due
// for digest folding.
func (s *Summarizer) ShouldSummarize(stepCount int) bool {
	return stepCount > SoftStepLimit
}

// Digest merges the previous digest with the given older steps into a
// new digest within the token budget. Oldest material is dropped first
// when the budget is exceeded.
func (s *Summarizer) Digest(previous string, steps []task.Step) string {
	lines := make([]string, 0, len(steps)+1)
	if previous != "" {
		lines = append(lines, previous)
	}
	for _, step := range steps {
		lines = append(lines, RenderStepLine(step))
	}

	// Drop from the front until the digest fits.
	for len(lines) > 1 {
		candidate := strings.Join(lines, "\n")
		if s.CountTokens(candidate) <= s.budget {
			return candidate
		}
		lines = lines[1:]
	}
	candidate := strings.Join(lines, "\n")
	if s.CountTokens(candidate) <= s.budget {
		return candidate
	}
	return truncateToTokens(candidate, s, s.budget)
}

func truncateToTokens(text string, s *Summarizer, budget int) string {
	// Binary search on byte length; token counts are monotone in prefix
	// length for practical purposes.
	lo, hi := 0, len(text)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if s.CountTokens(text[:mid]) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return text[:lo]
}

// RenderStepLine renders a step as one digest or recap line.
func RenderStepLine(step task.Step) string {
	switch step.Kind {
	case task.StepThink:
		return "[think] " + clip(step.Output, 200)
	case task.StepToolCall:
		params, _ := json.Marshal(step.Parameters)
		return fmt.Sprintf("[call %s.%s] %s", step.ToolName, step.ToolAction, clip(string(params), 160))
	case task.StepToolResult:
		status := "ok"
		if !step.Success {
			status = string(step.ErrorKind)
			if status == "" {
				status = "error"
			}
		}
		return fmt.Sprintf("[result %s.%s %s] %s", step.ToolName, step.ToolAction, status, clip(step.Output, 200))
	case task.StepAnswer:
		return "[answer] " + clip(step.Output, 300)
	case task.StepError:
		return fmt.Sprintf("[error %s] %s", step.ErrorKind, clip(step.Output, 200))
	}
	return "[" + string(step.Kind) + "] " + clip(step.Output, 200)
}

func clip(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
