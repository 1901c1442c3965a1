package synthesis

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"concierge/internal/catalog"
	"concierge/internal/config"
	"concierge/internal/gateway"
)

type stubCompleter struct {
	response      string
	err           error
	lastRequest   gateway.Request
	lastFallbacks []string
}

func (s *stubCompleter) CompleteWithFallbacks(ctx context.Context, req gateway.Request, fallbacks []string) (*gateway.Completion, error) {
	s.lastRequest = req
	s.lastFallbacks = fallbacks
	if s.err != nil {
		return nil, s.err
	}
	return &gateway.Completion{Text: s.response, Model: req.Model}, nil
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(config.SpecialistsConfig{
		PromptsDirectory: t.TempDir(),
		ByDomain: map[string]config.SpecialistDomainConfig{
			"health": {Model: "gpt-4.1", PromptFile: "health.md", DisplayName: "Dr. Hart"},
		},
	}, "gpt-4.1-mini")
	if err != nil {
		t.Fatalf("failed to build catalog: %v", err)
	}
	return cat
}

func defaultAttribution() config.AttributionConfig {
	return config.AttributionConfig{
		Enabled:      true,
		IncludeModel: true,
		Template:     "Answered by {display_name} (the {domain_label} specialist){model_suffix}.",
	}
}

func newTestSynthesizer(t *testing.T, stub *stubCompleter) *Synthesizer {
	t.Helper()
	s := New(stub, testCatalog(t),
		config.APIConfig{PublicModelID: "concierge", Attribution: defaultAttribution()},
		config.RuntimeConfig{InjectCurrentTimestamp: true, Timezone: "UTC"},
		[]string{"gpt-4.1-mini"},
	)
	s.now = func() time.Time { return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC) }
	return s
}

func TestSynthesizeBuildsPromptAndAnswer(t *testing.T) {
	stub := &stubCompleter{response: "Start with two short runs a week."}
	s := newTestSynthesizer(t, stub)

	result, err := s.Synthesize(context.Background(), Request{
		Domain:       "health",
		History:      []gateway.Message{{Role: gateway.RoleUser, Content: "how do I start running?"}},
		StateContext: "Known user context:\n- Track health/running: 2 check-ins",
	})
	if err != nil {
		t.Fatalf("synthesize failed: %v", err)
	}

	if result.Answer != "Start with two short runs a week." {
		t.Errorf("unexpected answer: %q", result.Answer)
	}
	if result.Domain != "health" {
		t.Errorf("expected health domain, got %q", result.Domain)
	}
	if result.Model != "gpt-4.1" {
		t.Errorf("expected specialist model, got %q", result.Model)
	}

	system := stub.lastRequest.System
	if !strings.HasPrefix(system, "Current timestamp: 2026-03-14T09:26:53Z (UTC).") {
		t.Errorf("expected timestamp line first, got:\n%s", system)
	}
	if !strings.Contains(system, "health and fitness specialist") {
		t.Errorf("expected specialist prompt in system, got:\n%s", system)
	}
	if !strings.Contains(system, "Known user context:") {
		t.Errorf("expected state context in system, got:\n%s", system)
	}
	if stub.lastRequest.Model != "gpt-4.1" {
		t.Errorf("expected specialist model requested, got %q", stub.lastRequest.Model)
	}
	if len(stub.lastFallbacks) != 1 || stub.lastFallbacks[0] != "gpt-4.1-mini" {
		t.Errorf("expected fallbacks forwarded, got %v", stub.lastFallbacks)
	}
}

func TestSynthesizeOmitsTimestampWhenDisabled(t *testing.T) {
	stub := &stubCompleter{response: "ok"}
	s := newTestSynthesizer(t, stub)
	s.runtime.InjectCurrentTimestamp = false

	if _, err := s.Synthesize(context.Background(), Request{
		Domain:  "general",
		History: []gateway.Message{{Role: gateway.RoleUser, Content: "hi"}},
	}); err != nil {
		t.Fatalf("synthesize failed: %v", err)
	}
	if strings.Contains(stub.lastRequest.System, "Current timestamp:") {
		t.Error("expected no timestamp line when disabled")
	}
}

func TestSynthesizeUnknownDomainErrors(t *testing.T) {
	s := newTestSynthesizer(t, &stubCompleter{response: "x"})
	if _, err := s.Synthesize(context.Background(), Request{Domain: "astrology"}); err == nil {
		t.Fatal("expected error for unknown domain")
	}
}

func TestSynthesizeModelFailureIsFatal(t *testing.T) {
	stub := &stubCompleter{err: fmt.Errorf("all models down")}
	s := newTestSynthesizer(t, stub)

	_, err := s.Synthesize(context.Background(), Request{
		Domain:  "health",
		History: []gateway.Message{{Role: gateway.RoleUser, Content: "help"}},
	})
	if err == nil {
		t.Fatal("expected synthesis error")
	}
	if !strings.Contains(err.Error(), "domain=health") {
		t.Errorf("expected domain in error, got %v", err)
	}
}

func TestSynthesizeEmptyAnswerErrors(t *testing.T) {
	stub := &stubCompleter{response: "   \n  "}
	s := newTestSynthesizer(t, stub)

	if _, err := s.Synthesize(context.Background(), Request{
		Domain:  "health",
		History: []gateway.Message{{Role: gateway.RoleUser, Content: "help"}},
	}); err == nil {
		t.Fatal("expected error for empty answer")
	}
}

func TestAttributionMatrix(t *testing.T) {
	spec := catalog.Specialist{
		Domain:      "health",
		DisplayName: "Dr. Hart",
		Model:       "gpt-4.1",
	}
	generalSpec := catalog.Specialist{Domain: "general", DisplayName: "General", Model: "gpt-4.1-mini"}
	pdSpec := catalog.Specialist{
		Domain:      "personal_development",
		DisplayName: "Personal Development",
		Model:       "gpt-4.1",
	}

	tests := []struct {
		name string
		cfg  config.AttributionConfig
		spec catalog.Specialist
		used string
		want string
	}{
		{
			name: "full with model",
			cfg:  config.AttributionConfig{Enabled: true, IncludeModel: true, Template: "Answered by {display_name} (the {domain_label} specialist){model_suffix}."},
			spec: spec,
			used: "gpt-4.1",
			want: "*Answered by Dr. Hart (the health specialist) using gpt-4.1 model.*\n\n",
		},
		{
			name: "without model suffix",
			cfg:  config.AttributionConfig{Enabled: true, Template: "Answered by {display_name} (the {domain_label} specialist){model_suffix}."},
			spec: spec,
			used: "gpt-4.1",
			want: "*Answered by Dr. Hart (the health specialist).*\n\n",
		},
		{
			name: "disabled",
			cfg:  config.AttributionConfig{Enabled: false},
			spec: spec,
			used: "gpt-4.1",
			want: "",
		},
		{
			name: "general skipped by default",
			cfg:  config.AttributionConfig{Enabled: true, Template: "Answered by {display_name}."},
			spec: generalSpec,
			used: "gpt-4.1-mini",
			want: "",
		},
		{
			name: "general included when configured",
			cfg:  config.AttributionConfig{Enabled: true, IncludeGeneral: true, Template: "Answered by {display_name}."},
			spec: generalSpec,
			used: "gpt-4.1-mini",
			want: "*Answered by General.*\n\n",
		},
		{
			name: "underscored domain label",
			cfg:  config.AttributionConfig{Enabled: true, Template: "the {domain_label} desk"},
			spec: pdSpec,
			used: "m",
			want: "*the personal development desk*\n\n",
		},
		{
			name: "used model falls back to specialist model",
			cfg:  config.AttributionConfig{Enabled: true, IncludeModel: true, Template: "{model_suffix}"},
			spec: spec,
			used: "",
			want: "* using gpt-4.1 model*\n\n",
		},
		{
			name: "empty template uses default",
			cfg:  config.AttributionConfig{Enabled: true, IncludeModel: false, Template: ""},
			spec: spec,
			used: "gpt-4.1",
			want: "*Answered by Dr. Hart (the health specialist).*\n\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Attribution(tt.cfg, tt.spec, tt.used); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestSanitizeAssistantText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "strips attribution line",
			in:   "*Answered by Dr. Hart (the health specialist).*\n\nDrink more water.",
			want: "Drink more water.",
		},
		{
			name: "strips state writes block",
			in:   "Keep going!\n\n*State writes:*\n- check-in: `state/users/alice/checkins/running.md` (applied)\n\nSee you tomorrow.",
			want: "Keep going!\n\nSee you tomorrow.",
		},
		{
			name: "strips state warning block",
			in:   "Answer text.\n\n*State warning:* \n- decision model unavailable\n",
			want: "Answer text.",
		},
		{
			name: "strips both plumbing pieces",
			in:   "*Answered by Homelab (the homelab specialist) using gpt-4.1 model.*\n\nUse containers.\n\n*State writes:*\n- memory: `state/users/bob/memories/homelab.md` (applied)",
			want: "Use containers.",
		},
		{
			name: "collapses triple blanks",
			in:   "a\n\n\n\nb",
			want: "a\n\nb",
		},
		{
			name: "plain text untouched",
			in:   "Just an ordinary answer.",
			want: "Just an ordinary answer.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeAssistantText(tt.in); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestSanitizeHistoryDropsEmptiedAssistantMessages(t *testing.T) {
	history := []gateway.Message{
		{Role: gateway.RoleUser, Content: "hello"},
		{Role: gateway.RoleAssistant, Content: "*Answered by Dr. Hart (the health specialist).*\n\n"},
		{Role: gateway.RoleAssistant, Content: "*Answered by Dr. Hart (the health specialist).*\n\nReal advice."},
		{Role: gateway.RoleUser, Content: "thanks"},
	}

	cleaned := SanitizeHistory(history)
	if len(cleaned) != 3 {
		t.Fatalf("expected 3 messages after sanitization, got %d", len(cleaned))
	}
	if cleaned[1].Content != "Real advice." {
		t.Errorf("expected sanitized assistant message, got %q", cleaned[1].Content)
	}
	if cleaned[0].Content != "hello" || cleaned[2].Content != "thanks" {
		t.Error("expected user messages untouched")
	}
}
