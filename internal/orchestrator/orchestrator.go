// Package orchestrator runs one conversational turn end to end: derive the
// session, route to a specialist, synthesize the answer, then hand the turn to
// the state coordinator for durable writes. Routing and state are best-effort;
// synthesis is the only stage whose failure fails the turn.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"concierge/internal/gateway"
	"concierge/internal/logging"
	"concierge/internal/router"
	"concierge/internal/session"
	"concierge/internal/state"
	"concierge/internal/synthesis"
)

// stateCaptureTimeout bounds the detached state path. It has to cover the
// decision engine's JSON retries plus verifier calls against a slow upstream,
// so it is far looser than any single completion timeout.
const stateCaptureTimeout = 2 * time.Minute

// Router classifies the latest user message into a specialist domain.
type Router interface {
	Route(ctx context.Context, userText string, recentDomains []string) router.Decision
}

// Synthesizer produces the specialist answer for a routed turn.
type Synthesizer interface {
	Synthesize(ctx context.Context, req synthesis.Request) (*synthesis.Result, error)
}

// StateCoordinator is the durable side of a turn. A nil coordinator means the
// deployment is stateless and both methods are skipped.
type StateCoordinator interface {
	ProcessTurn(ctx context.Context, turn state.Turn) string
	ContextForPrompt(userKey, routedDomain string) string
}

// Request is one inbound turn after transport decoding.
type Request struct {
	// UserKey is the resolved caller identity. Empty falls through to the
	// anonymous scope downstream.
	UserKey string
	// History is the conversation so far, oldest first.
	History []gateway.Message
	// Payload is the decoded request body. Session continuity fields are
	// read from it, and its canonical hash keys the turn's durable writes.
	Payload map[string]interface{}
}

// Answer is the synthesized reply before any state footer is attached. The
// unexported fields carry what CaptureState needs so the transport layer can
// stream the answer while state capture runs.
type Answer struct {
	// Content is the attribution prefix plus the answer text.
	Content     string
	Attribution string
	Text        string
	Domain      string
	Model       string
	SessionKey  string
	RouteReason string

	userKey  string
	userText string
	payload  map[string]interface{}
}

// Response is a fully assembled turn: answer plus the state footer, if any.
type Response struct {
	// Content is attribution + answer + footer, ready for a single-shot reply.
	Content     string
	Answer      string
	Attribution string
	Footer      string
	Domain      string
	Model       string
	SessionKey  string
}

// Orchestrator wires the per-turn pipeline together.
type Orchestrator struct {
	router   Router
	synth    Synthesizer
	sessions *session.Tracker
	state    StateCoordinator
}

// New builds an orchestrator. coordinator may be nil for stateless mode.
func New(r Router, s Synthesizer, sessions *session.Tracker, coordinator StateCoordinator) *Orchestrator {
	return &Orchestrator{router: r, synth: s, sessions: sessions, state: coordinator}
}

// Answer routes and synthesizes one turn. It does not touch durable state
// beyond reading the prompt context; call CaptureState with the result to
// commit the turn's writes.
func (o *Orchestrator) Answer(ctx context.Context, req Request) (*Answer, error) {
	if len(req.History) == 0 {
		return nil, fmt.Errorf("request has no messages")
	}

	userText := lastUserMessage(req.History)
	sessionKey := session.DeriveKey(req.Payload, req.UserKey, firstUserMessage(req.History))
	if sessionKey != "" && countUserMessages(req.History) == 1 {
		// A single user message means the conversation (re)started; stale
		// domain history from a previous run of the same key must not steer
		// the router.
		o.sessions.Reset(sessionKey)
	}
	recent := o.sessions.RecentDomains(sessionKey)

	route := o.router.Route(ctx, userText, recent)
	o.sessions.RememberDomain(sessionKey, route.Domain)
	logging.Session("turn session=%s domain=%s recent=%v", sessionKey, route.Domain, recent)
	logging.AuditForTurn(sessionKey, "", req.UserKey).Routed(route.Domain, route.Reason, route.Confidence)

	stateContext := ""
	if o.state != nil {
		stateContext = o.state.ContextForPrompt(req.UserKey, route.Domain)
	}

	result, err := o.synth.Synthesize(ctx, synthesis.Request{
		Domain:       route.Domain,
		History:      req.History,
		StateContext: stateContext,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize turn: %w", err)
	}

	return &Answer{
		Content:     result.Attribution + result.Answer,
		Attribution: result.Attribution,
		Text:        result.Answer,
		Domain:      route.Domain,
		Model:       result.Model,
		SessionKey:  sessionKey,
		RouteReason: route.Reason,
		userKey:     req.UserKey,
		userText:    userText,
		payload:     req.Payload,
	}, nil
}

// CaptureState runs the durable side of an answered turn and returns the
// state footer, or "" when there is nothing to report. It runs on a detached
// context so that a client disconnecting after synthesis cannot lose writes.
func (o *Orchestrator) CaptureState(a *Answer) string {
	if o.state == nil || a == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), stateCaptureTimeout)
	defer cancel()
	return o.state.ProcessTurn(ctx, state.Turn{
		UserKey:        a.userKey,
		SessionKey:     a.SessionKey,
		RoutedDomain:   a.Domain,
		UserText:       a.userText,
		AssistantText:  a.Text,
		RequestPayload: a.payload,
	})
}

// ProcessTurn is the single-shot path: answer the turn, capture state, and
// assemble the final content. Streaming transports call Answer and
// CaptureState separately so the answer is not held back by state writes.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req Request) (*Response, error) {
	answer, err := o.Answer(ctx, req)
	if err != nil {
		return nil, err
	}
	footer := o.CaptureState(answer)

	content := answer.Content
	if footer != "" {
		content += "\n\n" + footer
	}
	return &Response{
		Content:     content,
		Answer:      answer.Text,
		Attribution: answer.Attribution,
		Footer:      footer,
		Domain:      answer.Domain,
		Model:       answer.Model,
		SessionKey:  answer.SessionKey,
	}, nil
}

func lastUserMessage(history []gateway.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == gateway.RoleUser {
			return strings.TrimSpace(history[i].Content)
		}
	}
	return ""
}

func firstUserMessage(history []gateway.Message) string {
	for _, m := range history {
		if m.Role == gateway.RoleUser {
			return strings.TrimSpace(m.Content)
		}
	}
	return ""
}

func countUserMessages(history []gateway.Message) int {
	n := 0
	for _, m := range history {
		if m.Role == gateway.RoleUser {
			n++
		}
	}
	return n
}
