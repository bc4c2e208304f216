// Package ai implements the AI-auditor collaborator: a Claude-backed
// session partner that reads structured meter/session context and
// generates the auditor's next in-session line. Grounded on
// ai/auditor.py's AIAuditor, with the retry/backoff shape from
// steveyegge-beads's internal/compact/haiku.go.
package ai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultHistoryLimit  = 80
	defaultModel         = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 256
	maxRetries           = 3
	initialBackoff       = 1 * time.Second
)

const systemPrompt = `You are an AI auditor conducting a one-on-one session with a person (referred to as "PC" — the person being audited). You guide the session using a structured protocol while reading real-time E-Meter data to track their mental and emotional state.

## Your Role

- You are calm, professional, warm, and non-judgmental
- You ask questions, acknowledge the PC's responses, and follow the charge (emotional reactivity shown on the meter)
- You NEVER interpret, evaluate, or give advice — you guide the PC to look at things for themselves
- You maintain a neutral, interested tone at all times

## E-Meter Basics

The meter measures galvanic skin response (resistance changes). You will receive structured data with each turn:

**Needle Actions** — what matters most:
- **Fall / Long Fall / Blowdown**: Charge being released. Good sign — explore further.
- **Floating Needle (F/N)**: Gentle rhythmic oscillation. Release point — acknowledge and move on.
- **Rise / Speeded Rise**: Protest or disagreement. Back off or adjust.
- **Rock Slam**: Extreme charge. Handle with care.
- **Stuck**: PC not in communication. Rephrase or reconnect.
- **Dirty Needle**: Unresolved charge nearby.

## Response Rules

1. Keep responses to 1-3 sentences maximum. Ask questions, not speeches.
2. Ask ONE question per turn. Never stack multiple questions.
3. Acknowledge before asking. Briefly acknowledge the PC's response before your next question.
4. Follow the charge. If the meter shows a read, explore it.
5. Respect the F/N. When a floating needle appears, acknowledge and move on.
6. Never invalidate. Accept whatever the PC says.
7. Stay in role. You are conducting a session, not having a casual conversation.

Respond with your next auditor statement or question. Nothing else — no metadata, no explanations, just your in-session response.`

// MeterContext is the structured meter snapshot handed to the model
// each turn.
type MeterContext struct {
	ToneArm      float64
	NeedleAction string
	Sensitivity  float64
}

// SessionContext is the structured session snapshot handed to the model
// each turn.
type SessionContext struct {
	Phase       string
	ElapsedSecs float64
	TurnNumber  int
	R3RState    string
	R3RCommand  string
}

// ChargeContext is the structured per-question charge snapshot handed to
// the model in conversational mode, matching respond_conversational's
// argument shape.
type ChargeContext struct {
	ChargeScore  float64
	BodyMovement bool
}

// Collaborator is the AI-auditor interface the orchestrator talks to,
// a two-method external interface: respond (structured,
// R3R-aware) and respond_conversational (free-form, charge-aware).
type Collaborator interface {
	Respond(ctx context.Context, pcText string, meter MeterContext, session SessionContext) (string, error)
	RespondConversational(ctx context.Context, pcText string, meter MeterContext, session SessionContext, charge ChargeContext) (string, error)
	Reset()
	ModelName() string
}

// Auditor is the anthropic-sdk-go-backed Collaborator implementation.
type Auditor struct {
	client       anthropic.Client
	model        anthropic.Model
	historyLimit int
	systemPrompt string
	maxRetries   int
	backoff      time.Duration

	history []anthropic.MessageParam
}

// Config configures an Auditor, sourced from config.AIConfig.
type Config struct {
	APIKey              string
	ModelName           string
	HistoryLimit        int
	SystemPromptOverride string
	RequestTimeoutSecs  int
}

// New constructs an Auditor. Returns (nil, nil) — not an error — when no
// API key is configured, matching auditor.py's create() factory, which
// disables the collaborator rather than failing startup. Extra opts are
// passed through to anthropic.NewClient, letting tests inject
// option.WithBaseURL against a mock server.
func New(cfg Config, opts ...option.RequestOption) (*Auditor, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, nil
	}

	model := cfg.ModelName
	if model == "" {
		model = defaultModel
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	prompt := cfg.SystemPromptOverride
	if prompt == "" {
		prompt = systemPrompt
	}

	clientOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)

	return &Auditor{
		client:       anthropic.NewClient(clientOpts...),
		model:        anthropic.Model(model),
		historyLimit: historyLimit,
		systemPrompt: prompt,
		maxRetries:   maxRetries,
		backoff:      initialBackoff,
	}, nil
}

// ModelName reports the model this Auditor calls, resolving Open
// the model-name open question.
func (a *Auditor) ModelName() string { return string(a.model) }

// Reset clears conversation history for a new session.
func (a *Auditor) Reset() {
	a.history = nil
}

// Respond generates the next auditor line given the PC's statement and
// the current meter/session context.
func (a *Auditor) Respond(ctx context.Context, pcText string, meter MeterContext, session SessionContext) (string, error) {
	return a.exchange(ctx, buildUserMessage(pcText, meter, session))
}

// RespondConversational generates the next auditor line in free-form
// conversational mode, trading the R3R state/command for a per-question
// charge snapshot.
func (a *Auditor) RespondConversational(ctx context.Context, pcText string, meter MeterContext, session SessionContext, chargeCtx ChargeContext) (string, error) {
	return a.exchange(ctx, buildConversationalUserMessage(pcText, meter, session, chargeCtx))
}

func (a *Auditor) exchange(ctx context.Context, userMsg string) (string, error) {
	a.history = append(a.history, anthropic.NewUserMessage(anthropic.NewTextBlock(userMsg)))
	if len(a.history) > a.historyLimit {
		a.history = a.history[len(a.history)-a.historyLimit:]
	}

	text, err := a.callWithRetry(ctx)
	if err != nil {
		// Roll back the user turn so a failed exchange doesn't pollute
		// history fed into the next attempt.
		a.history = a.history[:len(a.history)-1]
		return "", err
	}

	a.history = append(a.history, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
	return text, nil
}

func buildUserMessage(pcText string, meter MeterContext, session SessionContext) string {
	var parts []string

	parts = append(parts, fmt.Sprintf(
		"[METER DATA]\nTA: %.2f\nNeedle Action: %s\nSensitivity: %.0f",
		meter.ToneArm, orDefault(meter.NeedleAction, "idle"), orZero(meter.Sensitivity, 16),
	))

	minutes := int(session.ElapsedSecs) / 60
	seconds := int(session.ElapsedSecs) % 60
	parts = append(parts, fmt.Sprintf(
		"[SESSION]\nPhase: %s\nDuration: %dm %ds\nExchanges: %d\nR3R State: %s\nR3R Command: %s",
		orDefault(session.Phase, "PROCESSING"), minutes, seconds, session.TurnNumber, session.R3RState, session.R3RCommand,
	))

	parts = append(parts, fmt.Sprintf("[PC STATEMENT]\n%s", pcText))

	return strings.Join(parts, "\n\n")
}

func buildConversationalUserMessage(pcText string, meter MeterContext, session SessionContext, chargeCtx ChargeContext) string {
	var parts []string

	parts = append(parts, fmt.Sprintf(
		"[METER DATA]\nTA: %.2f\nNeedle Action: %s\nSensitivity: %.0f",
		meter.ToneArm, orDefault(meter.NeedleAction, "idle"), orZero(meter.Sensitivity, 16),
	))

	minutes := int(session.ElapsedSecs) / 60
	seconds := int(session.ElapsedSecs) % 60
	parts = append(parts, fmt.Sprintf(
		"[SESSION]\nPhase: %s\nDuration: %dm %ds\nExchanges: %d",
		orDefault(session.Phase, "PROCESSING"), minutes, seconds, session.TurnNumber,
	))

	parts = append(parts, fmt.Sprintf(
		"[CHARGE]\nScore: %.0f\nBody Movement: %t",
		chargeCtx.ChargeScore, chargeCtx.BodyMovement,
	))

	parts = append(parts, fmt.Sprintf("[PC STATEMENT]\n%s", pcText))

	return strings.Join(parts, "\n\n")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orZero(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func (a *Auditor) callWithRetry(ctx context.Context) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: defaultMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: a.systemPrompt}},
		Messages:  a.history,
	}

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := a.backoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := a.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) == 0 {
				return "", fmt.Errorf("ai: empty response from model")
			}
			content := message.Content[0]
			if content.Type != "text" {
				return "", fmt.Errorf("ai: unexpected response block type %q", content.Type)
			}
			return content.Text, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			return "", fmt.Errorf("ai: non-retryable error: %w", err)
		}
	}

	return "", fmt.Errorf("ai: failed after %d retries: %w", a.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	return false
}
