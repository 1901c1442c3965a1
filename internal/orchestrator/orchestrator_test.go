package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"concierge/internal/gateway"
	"concierge/internal/router"
	"concierge/internal/session"
	"concierge/internal/state"
	"concierge/internal/synthesis"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubRouter struct {
	decision router.Decision
	texts    []string
	recents  [][]string
}

func (s *stubRouter) Route(ctx context.Context, userText string, recentDomains []string) router.Decision {
	s.texts = append(s.texts, userText)
	s.recents = append(s.recents, append([]string(nil), recentDomains...))
	if s.decision.Domain == "" {
		return router.Decision{Domain: "general", Reason: "stub default"}
	}
	return s.decision
}

type stubSynth struct {
	answer      string
	attribution string
	model       string
	err         error
	requests    []synthesis.Request
}

func (s *stubSynth) Synthesize(ctx context.Context, req synthesis.Request) (*synthesis.Result, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	return &synthesis.Result{
		Answer:      s.answer,
		Attribution: s.attribution,
		Model:       s.model,
		Domain:      req.Domain,
	}, nil
}

type stubCoordinator struct {
	footer       string
	promptCtx    string
	turns        []state.Turn
	turnCtxErrs  []error
	promptCalls  []string
	promptDomain []string
}

func (s *stubCoordinator) ProcessTurn(ctx context.Context, turn state.Turn) string {
	s.turns = append(s.turns, turn)
	s.turnCtxErrs = append(s.turnCtxErrs, ctx.Err())
	return s.footer
}

func (s *stubCoordinator) ContextForPrompt(userKey, routedDomain string) string {
	s.promptCalls = append(s.promptCalls, userKey)
	s.promptDomain = append(s.promptDomain, routedDomain)
	return s.promptCtx
}

func newTestOrchestrator(r *stubRouter, s *stubSynth, c StateCoordinator) *Orchestrator {
	return New(r, s, session.NewTracker(5, time.Minute), c)
}

func userTurn(text string) gateway.Message {
	return gateway.Message{Role: gateway.RoleUser, Content: text}
}

func assistantTurn(text string) gateway.Message {
	return gateway.Message{Role: gateway.RoleAssistant, Content: text}
}

func TestProcessTurnAssemblesContent(t *testing.T) {
	rt := &stubRouter{decision: router.Decision{Domain: "health", Reason: "fitness topic"}}
	sy := &stubSynth{
		answer:      "Stretch before every run.",
		attribution: "*Answered by Dr. Hart (the health specialist).*\n\n",
		model:       "gpt-4.1",
	}
	st := &stubCoordinator{
		footer:    "*State writes:*\n- check-in: `state/users/alice/checkins/health-running.md` (applied)",
		promptCtx: "Active tracks:\n- Running [health] status=active",
	}
	o := newTestOrchestrator(rt, sy, st)

	resp, err := o.ProcessTurn(context.Background(), Request{
		UserKey: "alice",
		History: []gateway.Message{
			userTurn("I want to get back into running"),
			assistantTurn("Great goal!"),
			userTurn("  ran 5k today  "),
		},
		Payload: map[string]interface{}{"session_id": "s-1", "user": "alice"},
	})
	if err != nil {
		t.Fatalf("process turn failed: %v", err)
	}

	wantContent := sy.attribution + sy.answer + "\n\n" + st.footer
	if resp.Content != wantContent {
		t.Errorf("expected assembled content %q, got %q", wantContent, resp.Content)
	}
	if resp.Answer != sy.answer || resp.Attribution != sy.attribution || resp.Footer != st.footer {
		t.Errorf("unexpected response parts: %+v", resp)
	}
	if resp.Domain != "health" || resp.Model != "gpt-4.1" {
		t.Errorf("expected health/gpt-4.1, got %s/%s", resp.Domain, resp.Model)
	}
	if resp.SessionKey != "session_id:s-1" {
		t.Errorf("expected payload-derived session key, got %q", resp.SessionKey)
	}

	if len(rt.texts) != 1 || rt.texts[0] != "ran 5k today" {
		t.Errorf("expected router to see trimmed last user message, got %v", rt.texts)
	}
	if len(sy.requests) != 1 {
		t.Fatalf("expected one synthesis call, got %d", len(sy.requests))
	}
	if sy.requests[0].StateContext != st.promptCtx {
		t.Errorf("expected state context forwarded, got %q", sy.requests[0].StateContext)
	}
	if len(sy.requests[0].History) != 3 {
		t.Errorf("expected full history forwarded, got %d messages", len(sy.requests[0].History))
	}

	if len(st.turns) != 1 {
		t.Fatalf("expected one state turn, got %d", len(st.turns))
	}
	turn := st.turns[0]
	if turn.UserKey != "alice" || turn.SessionKey != "session_id:s-1" || turn.RoutedDomain != "health" {
		t.Errorf("unexpected turn identity: %+v", turn)
	}
	if turn.UserText != "ran 5k today" {
		t.Errorf("expected last user text in turn, got %q", turn.UserText)
	}
	if turn.AssistantText != sy.answer {
		t.Errorf("expected raw answer in turn, got %q", turn.AssistantText)
	}
	if turn.RequestPayload["session_id"] != "s-1" {
		t.Errorf("expected request payload forwarded, got %v", turn.RequestPayload)
	}
	if len(st.promptCalls) != 1 || st.promptCalls[0] != "alice" || st.promptDomain[0] != "health" {
		t.Errorf("expected prompt context lookup for alice/health, got %v/%v", st.promptCalls, st.promptDomain)
	}
}

func TestProcessTurnWithoutFooter(t *testing.T) {
	sy := &stubSynth{answer: "Sure thing.", model: "gpt-4.1-mini"}
	o := newTestOrchestrator(&stubRouter{}, sy, &stubCoordinator{footer: ""})

	resp, err := o.ProcessTurn(context.Background(), Request{
		UserKey: "alice",
		History: []gateway.Message{userTurn("hello")},
	})
	if err != nil {
		t.Fatalf("process turn failed: %v", err)
	}
	if resp.Content != "Sure thing." {
		t.Errorf("expected bare answer without footer spacing, got %q", resp.Content)
	}
	if resp.Footer != "" {
		t.Errorf("expected empty footer, got %q", resp.Footer)
	}
}

func TestProcessTurnStatelessMode(t *testing.T) {
	sy := &stubSynth{answer: "Answer.", model: "gpt-4.1-mini"}
	o := newTestOrchestrator(&stubRouter{}, sy, nil)

	resp, err := o.ProcessTurn(context.Background(), Request{
		History: []gateway.Message{userTurn("hi")},
	})
	if err != nil {
		t.Fatalf("process turn failed: %v", err)
	}
	if resp.Footer != "" || resp.Content != "Answer." {
		t.Errorf("expected stateless turn without footer, got %+v", resp)
	}
	if sy.requests[0].StateContext != "" {
		t.Errorf("expected no state context in stateless mode, got %q", sy.requests[0].StateContext)
	}
}

func TestAnswerRequiresMessages(t *testing.T) {
	o := newTestOrchestrator(&stubRouter{}, &stubSynth{answer: "x"}, nil)
	if _, err := o.Answer(context.Background(), Request{}); err == nil {
		t.Fatal("expected error for empty history")
	}
}

func TestAnswerSynthesisErrorPropagates(t *testing.T) {
	sy := &stubSynth{err: fmt.Errorf("all models down")}
	st := &stubCoordinator{footer: "should not appear"}
	o := newTestOrchestrator(&stubRouter{}, sy, st)

	_, err := o.ProcessTurn(context.Background(), Request{
		History: []gateway.Message{userTurn("help")},
	})
	if err == nil {
		t.Fatal("expected synthesis error to fail the turn")
	}
	if !strings.Contains(err.Error(), "all models down") {
		t.Errorf("expected wrapped synthesis error, got %v", err)
	}
	if len(st.turns) != 0 {
		t.Error("expected no state writes after a failed turn")
	}
}

func TestSessionContinuitySteersRouting(t *testing.T) {
	rt := &stubRouter{decision: router.Decision{Domain: "homelab", Reason: "infra"}}
	sy := &stubSynth{answer: "ok", model: "m"}
	o := newTestOrchestrator(rt, sy, nil)
	payload := map[string]interface{}{"session_id": "s-9"}

	if _, err := o.Answer(context.Background(), Request{
		History: []gateway.Message{userTurn("set up my NAS")},
		Payload: payload,
	}); err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	if len(rt.recents[0]) != 0 {
		t.Errorf("expected empty recents on a fresh conversation, got %v", rt.recents[0])
	}

	if _, err := o.Answer(context.Background(), Request{
		History: []gateway.Message{
			userTurn("set up my NAS"),
			assistantTurn("ok"),
			userTurn("what about backups?"),
		},
		Payload: payload,
	}); err != nil {
		t.Fatalf("second turn failed: %v", err)
	}
	if len(rt.recents[1]) != 1 || rt.recents[1][0] != "homelab" {
		t.Errorf("expected homelab continuity hint, got %v", rt.recents[1])
	}

	// Same session key, single user message again: the conversation restarted
	// and old domain history must not leak into it.
	if _, err := o.Answer(context.Background(), Request{
		History: []gateway.Message{userTurn("completely new topic")},
		Payload: payload,
	}); err != nil {
		t.Fatalf("third turn failed: %v", err)
	}
	if len(rt.recents[2]) != 0 {
		t.Errorf("expected reset recents after restart, got %v", rt.recents[2])
	}
}

func TestSessionKeyFallsBackToUserAndFirstMessage(t *testing.T) {
	sy := &stubSynth{answer: "ok", model: "m"}
	o := newTestOrchestrator(&stubRouter{}, sy, nil)

	answer, err := o.Answer(context.Background(), Request{
		UserKey: "bob",
		History: []gateway.Message{userTurn("first question")},
	})
	if err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if !strings.HasPrefix(answer.SessionKey, "user:bob:first:") {
		t.Errorf("expected derived fallback key, got %q", answer.SessionKey)
	}
}

func TestCaptureStateUsesDetachedContext(t *testing.T) {
	sy := &stubSynth{answer: "done", model: "m"}
	st := &stubCoordinator{footer: "*State writes:*\n- memory: `state/users/bob/memories/general.md` (applied)"}
	o := newTestOrchestrator(&stubRouter{}, sy, st)

	ctx, cancel := context.WithCancel(context.Background())
	answer, err := o.Answer(ctx, Request{
		UserKey: "bob",
		History: []gateway.Message{userTurn("remember this")},
	})
	if err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	cancel()

	if footer := o.CaptureState(answer); footer != st.footer {
		t.Errorf("expected footer from coordinator, got %q", footer)
	}
	if len(st.turnCtxErrs) != 1 || st.turnCtxErrs[0] != nil {
		t.Errorf("expected live detached context despite canceled request, got %v", st.turnCtxErrs)
	}
}

func TestCaptureStateNilAnswer(t *testing.T) {
	o := newTestOrchestrator(&stubRouter{}, &stubSynth{answer: "x"}, &stubCoordinator{footer: "f"})
	if footer := o.CaptureState(nil); footer != "" {
		t.Errorf("expected empty footer for nil answer, got %q", footer)
	}
}
