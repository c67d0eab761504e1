// Package dualllm summarizes untrusted tool output without showing it to the
// agent that acts on it.
//
// DESIGN: A main agent that never sees the data asks multiple-choice
// questions. A quarantined agent that does see the data may only answer with
// an option index. After at most MaxRounds rounds a summarizer condenses the
// question/answer transcript. The raw data is referenced only inside
// Sanitize and never reaches the returned Result.
//
// FILES:
//   - sanitizer.go: Round loop, answer parsing, Result
//   - prompts.go:   System and user prompts for the three agents
package dualllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxRounds    = 5
	DefaultRoundTimeout = 30 * time.Second
)

// ErrNoQuestion is returned when no round produced a usable question, so
// there is nothing to summarize.
var ErrNoQuestion = errors.New("dual-llm: main agent asked no usable question")

// Agent is one chat completion endpoint.
type Agent interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

func (f AgentFunc) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f(ctx, systemPrompt, userPrompt)
}

// Config wires the three agents. Summarizer defaults to Main.
type Config struct {
	MaxRounds    int
	RoundTimeout time.Duration

	Main        Agent
	Quarantined Agent
	Summarizer  Agent
}

// Input is one tool result to sanitize.
type Input struct {
	ToolName    string
	UserRequest string
	Data        string
}

// Round records one question and its answer.
type Round struct {
	Number   int
	Question string
	Options  []string
	// AnswerIndex is -1 when no answer was produced.
	AnswerIndex int
	Answer      string
	Skipped     bool
	Reason      string
}

// Result is what survives a sanitization: the transcript and its summary.
type Result struct {
	Summary string
	Rounds  []Round
}

// Sanitizer runs the quarantine protocol. Safe for concurrent use; each
// call owns its own transcript.
type Sanitizer struct {
	cfg Config
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Sanitizer, error) {
	if cfg.Main == nil || cfg.Quarantined == nil {
		return nil, fmt.Errorf("dual-llm: main and quarantined agents are required")
	}
	if cfg.Summarizer == nil {
		cfg.Summarizer = cfg.Main
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = DefaultRoundTimeout
	}
	return &Sanitizer{cfg: cfg}, nil
}

// SanitizeToolResult returns only the summary.
func (s *Sanitizer) SanitizeToolResult(ctx context.Context, toolName, userRequest, data string) (string, error) {
	res, err := s.Sanitize(ctx, Input{ToolName: toolName, UserRequest: userRequest, Data: data})
	if err != nil {
		return "", err
	}
	return res.Summary, nil
}

// Sanitize runs up to MaxRounds sequential rounds, then the summary pass.
// Agent failures and bad answers skip a round; only cancellation of ctx,
// a failed summary or a transcript without questions end it with an error.
func (s *Sanitizer) Sanitize(ctx context.Context, in Input) (*Result, error) {
	start := time.Now()
	var rounds []Round

	for n := 1; n <= s.cfg.MaxRounds; n++ {
		r, done, err := s.round(ctx, n, in, rounds)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
		rounds = append(rounds, r)
	}

	asked := 0
	for _, r := range rounds {
		if r.Question != "" {
			asked++
		}
	}
	if asked == 0 {
		return nil, ErrNoQuestion
	}

	summary, err := s.call(ctx, s.cfg.Summarizer, SummarySystemPrompt, summaryPrompt(in.ToolName, in.UserRequest, rounds))
	if err != nil {
		return nil, fmt.Errorf("dual-llm summary failed: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, fmt.Errorf("dual-llm summary is empty")
	}

	log.Debug().
		Str("tool", in.ToolName).
		Int("rounds", len(rounds)).
		Int("questions", asked).
		Dur("duration", time.Since(start)).
		Msg("dual-llm: tool result sanitized")

	return &Result{Summary: summary, Rounds: rounds}, nil
}

// round asks one question and gets it answered. done is true when the main
// agent replied DONE.
func (s *Sanitizer) round(ctx context.Context, n int, in Input, prior []Round) (Round, bool, error) {
	r := Round{Number: n, AnswerIndex: -1}

	reply, err := s.call(ctx, s.cfg.Main, MainSystemPrompt, mainPrompt(in.ToolName, in.UserRequest, prior))
	if err != nil {
		if ctx.Err() != nil {
			return r, false, ctx.Err()
		}
		return s.skip(r, "main agent failed: "+err.Error()), false, nil
	}
	if isDone(reply) {
		return r, true, nil
	}
	q, ok := parseQuestion(reply)
	if !ok {
		return s.skip(r, "main agent reply is not a question"), false, nil
	}
	r.Question, r.Options = q.Question, q.Options

	answer, err := s.call(ctx, s.cfg.Quarantined, QuarantinedSystemPrompt, quarantinedPrompt(in.Data, r.Question, r.Options))
	if err != nil {
		if ctx.Err() != nil {
			return r, false, ctx.Err()
		}
		return s.skip(r, "quarantined agent failed: "+err.Error()), false, nil
	}

	idx, ok := parseIndex(answer, len(r.Options))
	if !ok {
		// An unusable answer counts as the escape option.
		r.AnswerIndex = len(r.Options) - 1
		r.Answer = r.Options[r.AnswerIndex]
		return s.skip(r, "quarantined agent answer is not a valid option index"), false, nil
	}
	r.AnswerIndex, r.Answer = idx, r.Options[idx]
	return r, false, nil
}

func (s *Sanitizer) skip(r Round, reason string) Round {
	r.Skipped, r.Reason = true, reason
	log.Debug().Int("round", r.Number).Str("reason", reason).Msg("dual-llm: round skipped")
	return r
}

// call runs one agent call under the per-round timeout.
func (s *Sanitizer) call(ctx context.Context, a Agent, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RoundTimeout)
	defer cancel()
	return a.Complete(ctx, system, user)
}

type question struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

func isDone(reply string) bool {
	t := strings.Trim(strings.TrimSpace(reply), ".!`\"")
	return strings.EqualFold(t, "DONE")
}

// parseQuestion accepts the JSON question, tolerating code fences and the
// usual model JSON mistakes. The options always end with NoneOfTheAbove.
func parseQuestion(reply string) (question, bool) {
	raw := strings.TrimSpace(reply)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	if i := strings.Index(raw, "{"); i >= 0 {
		raw = raw[i:]
	}
	if j := strings.LastIndex(raw, "}"); j >= 0 {
		raw = raw[:j+1]
	}

	var q question
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(raw)
		if rerr != nil {
			return question{}, false
		}
		if err := json.Unmarshal([]byte(repaired), &q); err != nil {
			return question{}, false
		}
	}

	q.Question = strings.TrimSpace(q.Question)
	options := q.Options[:0]
	for _, o := range q.Options {
		if o = strings.TrimSpace(o); o != "" {
			options = append(options, o)
		}
	}
	if q.Question == "" || len(options) == 0 {
		return question{}, false
	}
	if !isEscapeOption(options[len(options)-1]) {
		options = append(options, NoneOfTheAbove)
	}
	q.Options = options
	return q, true
}

func isEscapeOption(o string) bool {
	o = strings.ToLower(o)
	return strings.Contains(o, "none of the above") || o == "none" || o == "other"
}

// parseIndex accepts a bare integer, optionally followed by a period.
func parseIndex(answer string, n int) (int, bool) {
	t := strings.Trim(strings.TrimSpace(answer), ".`\"'")
	i, err := strconv.Atoi(t)
	if err != nil || i < 0 || i >= n {
		return 0, false
	}
	return i, true
}
