// Package conversation is the call's language-model collaborator.
//
// An [Agent] keeps the per-call conversation memory and produces short
// spoken replies. [Agent.Respond] is the authoritative turn: it reads and
// updates memory and never fails (a configured fallback phrase stands in for
// errors and timeouts). [Agent.Speculate] previews a reply from a partial
// transcript against a snapshot of memory and leaves memory untouched.
//
// Models are asked for a JSON object {"reply": ..., "waiting_hint": ...}.
// The hint names a filler phrase to play while the next reply is generated;
// it is resolved against a [waiting.Catalogue] and handed out once through
// [Agent.TakePendingClip].
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/waiting"
	"github.com/MrWong99/callbridge/pkg/provider/llm"
	"github.com/MrWong99/callbridge/pkg/types"
)

// Defaults for [Config].
const (
	DefaultTimeout       = 5 * time.Second
	DefaultFallbackReply = "Sorry, I didn't catch that. Could you repeat?"
	DefaultTemperature   = 0.5
	DefaultMaxTokens     = 160
	DefaultMaxHistory    = 20
)

// DefaultSystemPrompt keeps replies short enough to be spoken and asks for the
// structured reply format.
const DefaultSystemPrompt = `You are a concise voice assistant for phone calls.
Always answer in the caller's language. If Hebrew is detected, answer in Hebrew.
Keep replies short and natural for speech (8-15 words). No emojis or transliteration.
Respond with a JSON object only: {"reply": "<what to say>", "waiting_hint": "<optional short filler phrase or phrase id to play before your next answer>"}.`

// Config tunes the collaborator.
type Config struct {
	// SystemPrompt replaces [DefaultSystemPrompt] when non-empty.
	SystemPrompt string

	// Timeout bounds one completion. Zero uses [DefaultTimeout].
	Timeout time.Duration

	// FallbackReply is spoken when the model fails or times out.
	FallbackReply string

	// Temperature and MaxTokens are passed to the model. Zero uses the
	// defaults above.
	Temperature float64
	MaxTokens   int

	// MaxHistory caps the number of remembered messages. Zero uses
	// [DefaultMaxHistory].
	MaxHistory int
}

func (c Config) withDefaults() Config {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(c.FallbackReply) == "" {
		c.FallbackReply = DefaultFallbackReply
	}
	if c.Temperature == 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	return c
}

// Reply is one model answer.
type Reply struct {
	// Text is the whitespace-collapsed text to speak.
	Text string

	// WaitingHint is the model's filler suggestion, possibly empty.
	WaitingHint string

	// Fallback is true when Text is the configured fallback phrase.
	Fallback bool
}

// Option configures an [Agent].
type Option func(*Agent)

// WithLogger sets the agent logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		a.log = l
	}
}

// WithCatalogue resolves waiting hints against c. Without a catalogue hints
// are ignored.
func WithCatalogue(c *waiting.Catalogue) Option {
	return func(a *Agent) {
		a.catalogue = c
	}
}

// WithMetrics records model latency and request outcomes.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Agent) {
		a.metrics = m
	}
}

// Completion modes, used as the "mode" metric attribute.
const (
	modeSpeculative   = "speculative"
	modeAuthoritative = "authoritative"
)

// Agent is one call's conversation. It is safe for concurrent use; concurrent
// authoritative turns are serialised.
type Agent struct {
	llm       llm.Provider
	cfg       Config
	log       *slog.Logger
	catalogue *waiting.Catalogue
	metrics   *observe.Metrics

	turnMu sync.Mutex // serialises Respond

	mu          sync.Mutex
	memory      []types.Message
	pendingClip string
}

// New creates an agent backed by p.
func New(p llm.Provider, cfg Config, opts ...Option) (*Agent, error) {
	if p == nil {
		return nil, errors.New("conversation: provider must not be nil")
	}
	a := &Agent{
		llm: p,
		cfg: cfg.withDefaults(),
		log: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.With("component", "conversation")
	return a, nil
}

// Respond produces the authoritative reply to userText and records the
// exchange in memory. Errors and timeouts yield the fallback reply, which is
// not remembered.
func (a *Agent) Respond(ctx context.Context, userText string) Reply {
	userText = collapse(userText)
	if userText == "" {
		return a.fallback()
	}

	a.turnMu.Lock()
	defer a.turnMu.Unlock()

	reply, err := a.complete(ctx, modeAuthoritative, a.snapshot(), userText)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			a.log.Debug("conversation: reply cancelled")
		} else {
			a.log.Warn("conversation: reply failed, using fallback", "err", err)
		}
		return a.fallback()
	}
	a.Commit(userText, reply)
	return reply
}

// Speculate previews a reply to a partial utterance. Memory is read but never
// written; the caller commits the reply with [Agent.Commit] if it ends up
// being spoken.
func (a *Agent) Speculate(ctx context.Context, partialText string) (Reply, error) {
	partialText = collapse(partialText)
	if partialText == "" {
		return Reply{}, errors.New("conversation: empty utterance")
	}
	return a.complete(ctx, modeSpeculative, a.snapshot(), partialText)
}

// Commit records a spoken exchange in memory and remembers the reply's
// waiting hint for the next turn.
func (a *Agent) Commit(userText string, r Reply) {
	if r.Fallback {
		return
	}
	clip := a.resolveHint(r.WaitingHint)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.memory = append(a.memory,
		types.Message{Role: types.RoleUser, Content: collapse(userText)},
		types.Message{Role: types.RoleAssistant, Content: r.Text},
	)
	if over := len(a.memory) - a.cfg.MaxHistory; over > 0 {
		a.memory = append([]types.Message(nil), a.memory[over:]...)
	}
	if clip != "" {
		a.pendingClip = clip
	}
}

// TakePendingClip returns the waiting clip chosen on a previous turn and
// clears it.
func (a *Agent) TakePendingClip() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.pendingClip
	a.pendingClip = ""
	return id, id != ""
}

// Memory returns a copy of the remembered conversation.
func (a *Agent) Memory() []types.Message { return a.snapshot() }

// Model returns the backing model name.
func (a *Agent) Model() string { return a.llm.Model() }

func (a *Agent) snapshot() []types.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.Message(nil), a.memory...)
}

func (a *Agent) complete(ctx context.Context, mode string, history []types.Message, userText string) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	start := time.Now()
	msgs := append(history, types.Message{Role: types.RoleUser, Content: userText})
	resp, err := a.llm.Complete(ctx, llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: a.cfg.SystemPrompt,
		Temperature:  a.cfg.Temperature,
		MaxTokens:    a.cfg.MaxTokens,
	})
	a.record(ctx, mode, time.Since(start), err)
	if err != nil {
		return Reply{}, fmt.Errorf("conversation: complete: %w", err)
	}
	if resp == nil {
		return Reply{}, errors.New("conversation: empty response")
	}
	reply := ParseReply(resp.Content)
	if reply.Text == "" {
		return Reply{}, errors.New("conversation: model returned no reply text")
	}
	return reply, nil
}

func (a *Agent) record(ctx context.Context, mode string, d time.Duration, err error) {
	if a.metrics == nil {
		return
	}
	// The completion context may already be expired; metrics use a fresh one.
	ctx = context.WithoutCancel(ctx)
	a.metrics.RecordLLM(ctx, mode, d)
	switch {
	case err == nil:
		a.metrics.RecordProviderRequest(ctx, a.llm.Model(), "llm", "ok")
	case errors.Is(err, context.Canceled):
		a.metrics.RecordProviderRequest(ctx, a.llm.Model(), "llm", "cancelled")
	default:
		a.metrics.RecordProviderRequest(ctx, a.llm.Model(), "llm", "error")
		a.metrics.RecordProviderError(ctx, a.llm.Model(), "llm")
	}
}

func (a *Agent) fallback() Reply {
	return Reply{Text: collapse(a.cfg.FallbackReply), Fallback: true}
}

func (a *Agent) resolveHint(hint string) string {
	if a.catalogue == nil || strings.TrimSpace(hint) == "" {
		return ""
	}
	p, ok := a.catalogue.PickForHint(hint)
	if !ok {
		a.log.Debug("conversation: waiting hint matched no phrase", "hint", hint)
		return ""
	}
	return p.ID
}

// structuredReply is the JSON shape requested from the model.
type structuredReply struct {
	Reply       string `json:"reply"`
	WaitingHint string `json:"waiting_hint"`
}

// ParseReply extracts the reply from model output. JSON output (optionally
// wrapped in a Markdown code fence) is decoded; anything else is taken
// verbatim as the reply with no hint.
func ParseReply(content string) Reply {
	body := strings.TrimSpace(content)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimPrefix(body, "json")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
		body = strings.TrimSpace(body)
	}
	if strings.HasPrefix(body, "{") {
		var sr structuredReply
		if err := json.Unmarshal([]byte(body), &sr); err == nil {
			return Reply{Text: collapse(sr.Reply), WaitingHint: strings.TrimSpace(sr.WaitingHint)}
		}
	}
	return Reply{Text: collapse(content)}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
