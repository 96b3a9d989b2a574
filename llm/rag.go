package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"audia/core"
)

// ContextFallback is the exact phrase the assistant must use when the
// retrieved excerpts do not contain an answer.
const ContextFallback = "I could not find that information in the transcription"

// Generator is the completion collaborator used for grounded generation.
type Generator interface {
	Complete(ctx context.Context, messages []Message, maxTokens int, temperature float32, jsonObject bool) (string, error)
}

const answerSystemPrompt = `You are an assistant that answers questions about a meeting transcription.
Answer using ONLY the information in the numbered excerpts below. Do not use outside knowledge.
If the excerpts do not contain the answer, reply exactly: "` + ContextFallback + `".

%s`

const summarySystemPrompt = `You are an assistant that summarizes meeting transcriptions.
Write a concise summary of the transcription below. Cover the main topics discussed, keep the original language of the transcription, and do not invent content.`

const minutesSystemPrompt = `You are an assistant that produces structured meeting minutes from a transcription.
Respond with a JSON object with exactly these fields:
{
  "title": "short meeting title",
  "summary": "one-paragraph summary",
  "topics": [{"topic": "topic name", "discussion": "what was discussed"}],
  "action_items": [{"item": "what must be done", "responsible": "person or \"To be defined\"", "deadline": "date or \"To be defined\""}],
  "decisions": ["decision made"],
  "next_steps": ["agreed next step"]
}
Use only information from the transcription. Keep its original language. Use "To be defined" for unknown owners and deadlines.`

// RAG produces grounded answers, summaries, and minutes over transcription
// text, retrying transient generation errors.
type RAG struct {
	gen      Generator
	attempts int
	backoff  time.Duration
}

func NewRAG(gen Generator) *RAG {
	return &RAG{gen: gen, attempts: 3, backoff: 2 * time.Second}
}

// Answer responds to question using only the retrieved chunks. history is
// prior user/assistant turns, oldest first.
func (r *RAG) Answer(ctx context.Context, question string, chunks []string, history []Message, maxTokens int, temperature float32) (string, error) {
	var b strings.Builder
	for i, chunk := range chunks {
		fmt.Fprintf(&b, "[Excerpt %d]\n%s\n\n", i+1, chunk)
	}

	messages := []Message{{Role: "system", Content: fmt.Sprintf(answerSystemPrompt, b.String())}}
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: question})

	var answer string
	err := core.Retry(ctx, r.attempts, r.backoff, func() error {
		var err error
		answer, err = r.gen.Complete(ctx, messages, maxTokens, temperature, false)
		return err
	})
	return answer, err
}

func (r *RAG) Summarize(ctx context.Context, text string, maxTokens int, temperature float32) (string, error) {
	messages := []Message{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: text},
	}
	var summary string
	err := core.Retry(ctx, r.attempts, r.backoff, func() error {
		var err error
		summary, err = r.gen.Complete(ctx, messages, maxTokens, temperature, false)
		return err
	})
	return summary, err
}

// MeetingMinutes generates structured minutes. A malformed JSON response
// counts as a failed attempt and is retried.
func (r *RAG) MeetingMinutes(ctx context.Context, text string, maxTokens int, temperature float32) (*core.MeetingMinutes, error) {
	messages := []Message{
		{Role: "system", Content: minutesSystemPrompt},
		{Role: "user", Content: text},
	}
	var minutes core.MeetingMinutes
	err := core.Retry(ctx, r.attempts, r.backoff, func() error {
		raw, err := r.gen.Complete(ctx, messages, maxTokens, temperature, true)
		if err != nil {
			return err
		}
		minutes = core.MeetingMinutes{}
		if err := json.Unmarshal([]byte(raw), &minutes); err != nil {
			return fmt.Errorf("decode minutes: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &minutes, nil
}
