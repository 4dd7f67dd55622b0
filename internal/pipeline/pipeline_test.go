package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	alertmock "github.com/MrWong99/carecall/internal/alert/mock"
	"github.com/MrWong99/carecall/internal/observe"
	"github.com/MrWong99/carecall/internal/session"
	"github.com/MrWong99/carecall/pkg/audio"
	"github.com/MrWong99/carecall/pkg/provider/llm"
	llmmock "github.com/MrWong99/carecall/pkg/provider/llm/mock"
	"github.com/MrWong99/carecall/pkg/provider/safety"
	safetymock "github.com/MrWong99/carecall/pkg/provider/safety/mock"
	"github.com/MrWong99/carecall/pkg/provider/stt"
	sttmock "github.com/MrWong99/carecall/pkg/provider/stt/mock"
	"github.com/MrWong99/carecall/pkg/provider/tts"
	ttsmock "github.com/MrWong99/carecall/pkg/provider/tts/mock"
)

type fixture struct {
	p      *Pipeline
	stt    *sttmock.Provider
	llm    *llmmock.Provider
	tts    *ttsmock.Provider
	safety *safetymock.Monitor
	alerts *alertmock.Alerter
	conv   *session.Conversation
}

func newFixture(t *testing.T, transcript, reply string, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		stt:    &sttmock.Provider{Result: stt.Transcript{Text: transcript}},
		llm:    &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: reply, Usage: llm.Usage{PromptTokens: 42, CompletionTokens: 7}}},
		tts:    &ttsmock.Provider{},
		safety: &safetymock.Monitor{},
		alerts: &alertmock.Alerter{},
		conv:   session.NewConversation("sess-1", "caller-1"),
	}
	cfg := DefaultConfig()
	cfg.SystemPrompt = "You are a friendly companion."
	if mutate != nil {
		mutate(&cfg)
	}
	met, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	f.p, err = New(cfg, f.stt, f.llm, f.tts,
		WithSafetyMonitor(f.safety),
		WithAlerter(f.alerts),
		WithMetrics(met),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func (f *fixture) run(ctx context.Context, prefix string) Result {
	return f.p.Run(ctx, Turn{Conversation: f.conv, PCM: make([]int16, 800), Prefix: prefix})
}

func blockUntilDone(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRun_Reply(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "I slept well last night", "That's WONDERFUL to hear!!", nil)
	f.conv.SetOpening("Good morning! How did you sleep?")

	res := f.run(context.Background(), "")
	if res.Outcome != OutcomeReply {
		t.Fatalf("Outcome = %v, want reply (err %v)", res.Outcome, res.Err)
	}
	const spoken = "That's wonderful to hear!"
	if got := f.tts.Texts(); len(got) != 1 || got[0] != spoken {
		t.Errorf("synthesized %q, want [%q]", got, spoken)
	}
	if len(res.Audio) != len(spoken) {
		t.Errorf("audio = %d bytes, want %d", len(res.Audio), len(spoken))
	}
	if res.EndCall {
		t.Error("EndCall = true for an ordinary reply")
	}

	calls := f.stt.Calls()
	if len(calls) != 1 || calls[0].Audio.SampleRate != audio.WireSampleRate || len(calls[0].Audio.PCM) != 1600 {
		t.Errorf("stt calls = %+v", calls)
	}

	req := f.llm.CompleteCalls[0].Req
	if req.SystemPrompt != "You are a friendly companion." {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != llm.RoleAssistant || req.Messages[1].Content != "I slept well last night" {
		t.Errorf("Messages = %+v", req.Messages)
	}

	turns := f.conv.Turns()
	if len(turns) != 2 {
		t.Fatalf("conversation has %d turns, want 2", len(turns))
	}
	if turns[0].Text != "I slept well last night" || turns[1].Text != "That's WONDERFUL to hear!!" {
		t.Errorf("turns = %+v", turns)
	}

	if res.Usage.PromptTokens != 42 || res.Usage.CompletionTokens != 7 || res.Usage.TTSChars == 0 || res.Usage.STTSeconds != 0.1 {
		t.Errorf("Usage = %+v", res.Usage)
	}
}

func TestRun_ContextGrowsByTwoPerTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "It is sunny today", "Lovely, enjoy the sunshine.", nil)
	for n := 1; n <= 4; n++ {
		if res := f.run(context.Background(), ""); res.Outcome != OutcomeReply {
			t.Fatalf("turn %d outcome = %v", n, res.Outcome)
		}
		if got := f.conv.Len(); got != 2*n {
			t.Fatalf("after %d turns Len() = %d, want %d", n, got, 2*n)
		}
	}
}

func TestRun_ReasoningFailureFallsBack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		fn       func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error)
		wantKind string
	}{
		{"timeout", blockUntilDone, observe.KindTimeout},
		{"error", func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return nil, errors.New("503 service unavailable")
		}, observe.KindError},
		{"empty reply", func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{Content: "   "}, nil
		}, observe.KindError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, "Can you remind me about my appointment", "", func(c *Config) {
				c.ReasoningTimeout = 20 * time.Millisecond
			})
			f.llm.CompleteFunc = tt.fn

			res := f.run(context.Background(), "")
			if res.Outcome != OutcomeFallback {
				t.Fatalf("Outcome = %v, want fallback", res.Outcome)
			}
			if res.Reply != DefaultFallbackText {
				t.Errorf("Reply = %q, want %q", res.Reply, DefaultFallbackText)
			}
			if len(res.Audio) == 0 {
				t.Error("fallback has no audio")
			}
			var se *StageError
			if !errors.As(res.Err, &se) {
				t.Fatalf("Err = %v, want *StageError", res.Err)
			}
			if se.Stage != observe.StageReasoning || se.Kind != tt.wantKind {
				t.Errorf("StageError = %s/%s, want reasoning/%s", se.Stage, se.Kind, tt.wantKind)
			}
			if f.conv.Len() != 0 {
				t.Errorf("conversation advanced to %d turns after failure", f.conv.Len())
			}
		})
	}
}

func TestRun_STTFailureFallsBack(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "", "unused", nil)
	f.stt.Err = errors.New("connection reset")

	res := f.run(context.Background(), "")
	if res.Outcome != OutcomeFallback {
		t.Fatalf("Outcome = %v, want fallback", res.Outcome)
	}
	var se *StageError
	if !errors.As(res.Err, &se) || se.Stage != observe.StageSTT {
		t.Errorf("Err = %v, want stt stage error", res.Err)
	}
	if len(f.llm.CompleteCalls) != 0 {
		t.Error("reasoning called after STT failure")
	}
	if f.conv.Len() != 0 {
		t.Error("conversation advanced after STT failure")
	}
}

func TestRun_EmptyTranscriptDiscarded(t *testing.T) {
	t.Parallel()

	for _, text := range []string{"", "   ", "...", "a"} {
		t.Run(text, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, text, "unused", nil)
			res := f.run(context.Background(), "")
			if res.Outcome != OutcomeDiscarded {
				t.Fatalf("Outcome = %v, want discarded", res.Outcome)
			}
			if !errors.Is(res.Err, ErrEmptyTranscript) {
				t.Errorf("Err = %v, want ErrEmptyTranscript", res.Err)
			}
			if len(f.llm.CompleteCalls) != 0 || len(f.tts.Texts()) != 0 {
				t.Error("later stages ran for an empty transcript")
			}
			if f.conv.Len() != 0 {
				t.Error("conversation advanced")
			}
		})
	}
}

func TestRun_Emergency(t *testing.T) {
	t.Parallel()

	const said = "I don't want to live anymore"
	f := newFixture(t, said, "unused", nil)
	cls := safety.Classification{Level: safety.LevelEmergency, Category: safety.CategorySuicideRisk, Action: "crisis line"}
	f.safety.Verdicts = map[string]safety.Classification{said: cls}

	res := f.run(context.Background(), "")
	if res.Outcome != OutcomeEmergency {
		t.Fatalf("Outcome = %v, want emergency", res.Outcome)
	}
	if !res.EndCall {
		t.Error("EndCall = false for emergency")
	}
	if res.Reply != safety.CrisisResponse(cls) {
		t.Errorf("Reply = %q, want the crisis response", res.Reply)
	}
	if res.Audio != nil {
		t.Error("emergency turn synthesized audio itself")
	}
	if len(f.llm.CompleteCalls) != 0 {
		t.Error("reasoning ran during an emergency")
	}
	if len(f.tts.Texts()) != 0 {
		t.Error("tts ran during an emergency")
	}

	alerts := f.alerts.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	a := alerts[0]
	if a.Level != safety.LevelEmergency || a.Category != safety.CategorySuicideRisk || a.Role != safety.RoleCaller || a.SessionID != "sess-1" || a.CallerID != "caller-1" {
		t.Errorf("alert = %+v", a)
	}
	if f.conv.Len() != 2 {
		t.Errorf("Len() = %d, want 2", f.conv.Len())
	}
}

func TestRun_NonEmergencyAlertContinues(t *testing.T) {
	t.Parallel()

	const said = "My nephew keeps taking money from my account"
	f := newFixture(t, said, "That sounds worrying. Have you told anyone?", nil)
	f.safety.Verdicts = map[string]safety.Classification{
		said: {Level: safety.LevelUrgent, Category: safety.CategoryAbuseFinancial},
	}

	res := f.run(context.Background(), "")
	if res.Outcome != OutcomeReply || res.EndCall {
		t.Fatalf("Outcome = %v EndCall = %v, want reply without ending", res.Outcome, res.EndCall)
	}
	if res.Alerts != 1 || len(f.alerts.Alerts()) != 1 {
		t.Errorf("alerts = %d/%d, want 1", res.Alerts, len(f.alerts.Alerts()))
	}
}

func TestRun_InfoBelowAlertLevel(t *testing.T) {
	t.Parallel()

	const said = "I had a little headache"
	f := newFixture(t, said, "I'm sorry to hear that.", nil)
	f.safety.Verdicts = map[string]safety.Classification{said: {Level: safety.LevelInfo}}

	if res := f.run(context.Background(), ""); res.Alerts != 0 {
		t.Errorf("Alerts = %d, want 0", res.Alerts)
	}
	if len(f.alerts.Alerts()) != 0 {
		t.Error("alert raised below the alert level")
	}
}

func TestRun_UnsafeReplyReplaced(t *testing.T) {
	t.Parallel()

	const bad = "You can just stop taking your pills."
	f := newFixture(t, "My pills make me tired", bad, nil)
	f.safety.Verdicts = map[string]safety.Classification{
		bad: {Level: safety.LevelUrgent, Category: safety.CategoryHarmfulAdvice},
	}

	res := f.run(context.Background(), "")
	want := DefaultConfig().SafeReplyText
	if res.Reply != want {
		t.Errorf("Reply = %q, want %q", res.Reply, want)
	}
	alerts := f.alerts.Alerts()
	if len(alerts) != 1 || alerts[0].Role != safety.RoleAssistant {
		t.Errorf("alerts = %+v, want one assistant alert", alerts)
	}
	if turns := f.conv.Turns(); turns[1].Text != want {
		t.Errorf("stored reply = %q, want the safe replacement", turns[1].Text)
	}
}

func TestRun_EmergencyReply(t *testing.T) {
	t.Parallel()

	const bad = "Take the whole bottle, it will help you sleep for good."
	f := newFixture(t, "I can't sleep at all", bad, nil)
	cls := safety.Classification{Level: safety.LevelEmergency, Category: safety.CategorySuicideRisk}
	f.safety.Verdicts = map[string]safety.Classification{bad: cls}

	res := f.run(context.Background(), "")
	if res.Outcome != OutcomeEmergency {
		t.Fatalf("Outcome = %v, want emergency", res.Outcome)
	}
	if !res.EndCall {
		t.Error("EndCall = false for an emergency reply")
	}
	if res.Reply != safety.CrisisResponse(cls) {
		t.Errorf("Reply = %q, want the crisis response", res.Reply)
	}
	if res.Audio != nil || len(f.tts.Texts()) != 0 {
		t.Error("flagged reply was synthesized")
	}
	for _, turn := range f.conv.Turns() {
		if strings.Contains(turn.Text, bad) {
			t.Errorf("conversation holds the flagged reply: %q", turn.Text)
		}
	}
	if turns := f.conv.Turns(); len(turns) != 2 || turns[1].Text != res.Reply {
		t.Errorf("turns = %+v, want transcript and crisis response", turns)
	}
	alerts := f.alerts.Alerts()
	if len(alerts) != 1 || alerts[0].Role != safety.RoleAssistant || alerts[0].Level != safety.LevelEmergency {
		t.Errorf("alerts = %+v, want one assistant emergency", alerts)
	}
}

func TestRun_SafetyMonitorFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "I watered the garden", "How nice.", nil)
	f.safety.Err = errors.New("classifier offline")

	if res := f.run(context.Background(), ""); res.Outcome != OutcomeReply {
		t.Errorf("Outcome = %v, want reply", res.Outcome)
	}
}

func TestRun_CallerFarewell(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "Okay dear, goodbye!", "unused", nil)

	res := f.run(context.Background(), "")
	if res.Outcome != OutcomeFarewell || !res.EndCall {
		t.Fatalf("Outcome = %v EndCall = %v, want farewell and end", res.Outcome, res.EndCall)
	}
	if len(f.llm.CompleteCalls) != 0 {
		t.Error("reasoning called for a farewell")
	}
	if res.Reply != DefaultConfig().FarewellText {
		t.Errorf("Reply = %q", res.Reply)
	}
	if f.conv.Len() != 2 {
		t.Errorf("Len() = %d, want 2", f.conv.Len())
	}
}

func TestRun_ClosingReplyEndsCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "I think I'll have a nap now", "Enjoy your rest. Take care!", nil)
	res := f.run(context.Background(), "")
	if res.Outcome != OutcomeReply || !res.EndCall {
		t.Errorf("Outcome = %v EndCall = %v, want reply that ends the call", res.Outcome, res.EndCall)
	}
}

func TestRun_TTSFailureAborts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "The weather is nice", "It really is.", nil)
	f.tts.SynthesizeErr = errors.New("quota exceeded")

	res := f.run(context.Background(), "")
	if res.Outcome != OutcomeAborted {
		t.Fatalf("Outcome = %v, want aborted", res.Outcome)
	}
	if res.Audio != nil {
		t.Error("aborted turn carries audio")
	}
	if f.conv.Len() != 0 {
		t.Error("conversation advanced after TTS failure")
	}
}

func TestRun_CancelledTurnAborts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "Tell me a story", "unused", nil)
	ctx, cancel := context.WithCancel(context.Background())
	f.llm.CompleteFunc = func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}

	res := f.run(ctx, "")
	if res.Outcome != OutcomeAborted {
		t.Fatalf("Outcome = %v, want aborted", res.Outcome)
	}
	if len(f.tts.Texts()) != 0 {
		t.Error("fallback synthesized after cancellation")
	}
}

func TestRun_PrefixSpokenOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "What is for lunch", "Soup and bread.", nil)
	const warning = "Just so you know, we have two minutes left."

	res := f.run(context.Background(), warning)
	if !res.PrefixSpoken {
		t.Error("PrefixSpoken = false")
	}
	if got := f.tts.Texts()[0]; !strings.HasPrefix(got, warning) || !strings.HasSuffix(got, "Soup and bread.") {
		t.Errorf("synthesized %q", got)
	}
}

func TestRun_HistoryWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "And now?", "Still here.", func(c *Config) {
		c.History = session.Window{MaxExchanges: 1}
	})
	f.conv.AppendExchange("one", "r1", time.Now())
	f.conv.AppendExchange("two", "r2", time.Now())
	f.conv.AppendExchange("three", "r3", time.Now())

	f.run(context.Background(), "")
	msgs := f.llm.CompleteCalls[0].Req.Messages
	if len(msgs) != 3 || msgs[0].Content != "three" || msgs[2].Content != "And now?" {
		t.Errorf("Messages = %+v", msgs)
	}
	if f.conv.Len() != 8 {
		t.Errorf("Len() = %d, want 8", f.conv.Len())
	}
}

func TestSpeak(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "", "", nil)
	f.tts.SynthesizeResult = &tts.Speech{PCM: make([]byte, 3200), SampleRate: 16000}

	wire, err := f.p.Speak(context.Background(), nil, "Hello!!! How ARE you??")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if len(wire) != 800 {
		t.Errorf("wire = %d bytes, want 800 after resampling", len(wire))
	}
	if got := f.tts.Texts()[0]; got != "Hello! How ARE you?" {
		t.Errorf("synthesized %q", got)
	}

	f.tts.SynthesizeErr = errors.New("down")
	f.tts.SynthesizeResult = nil
	if _, err := f.p.Speak(context.Background(), nil, "hi"); err == nil {
		t.Error("expected error")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(DefaultConfig(), nil, &llmmock.Provider{}, &ttsmock.Provider{}); err == nil {
		t.Error("expected error for missing stt provider")
	}

	cfg := DefaultConfig()
	cfg.FallbackText = ""
	cfg.STTTimeout = -time.Second
	_, err := New(cfg, &sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{})
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"fallback text", "stt timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestOutcome_String(t *testing.T) {
	t.Parallel()

	want := map[Outcome]string{
		OutcomeReply:     "reply",
		OutcomeFallback:  "fallback",
		OutcomeDiscarded: "discarded",
		OutcomeEmergency: "emergency",
		OutcomeFarewell:  "farewell",
		OutcomeAborted:   "aborted",
		Outcome(99):      "Outcome(99)",
	}
	for o, s := range want {
		if got := o.String(); got != s {
			t.Errorf("%d.String() = %q, want %q", int(o), got, s)
		}
	}
}

func TestRun_BackgroundInSystemPrompt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "Hello again", "Hello! How is your knee today?", nil)
	f.conv.SetBackground("Knee was sore yesterday.")

	if res := f.run(context.Background(), ""); res.Outcome != OutcomeReply {
		t.Fatalf("Outcome = %v", res.Outcome)
	}
	const want = "You are a friendly companion.\n\nNotes from earlier calls:\nKnee was sore yesterday."
	if got := f.llm.CompleteCalls[0].Req.SystemPrompt; got != want {
		t.Errorf("SystemPrompt = %q, want %q", got, want)
	}
}
