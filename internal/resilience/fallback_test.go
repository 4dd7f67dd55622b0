package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/carecall/internal/observe"
	"github.com/MrWong99/carecall/pkg/provider/llm"
	llmmock "github.com/MrWong99/carecall/pkg/provider/llm/mock"
	"github.com/MrWong99/carecall/pkg/provider/stt"
	sttmock "github.com/MrWong99/carecall/pkg/provider/stt/mock"
	"github.com/MrWong99/carecall/pkg/provider/tts"
	ttsmock "github.com/MrWong99/carecall/pkg/provider/tts/mock"
)

func testConfig(t *testing.T) (FallbackConfig, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
		Kind:           "test",
		Metrics:        m,
	}, reader
}

// requests sums carecall.provider.requests for one provider and status.
func requests(t *testing.T, reader *sdkmetric.ManualReader, provider, status string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	want := attribute.NewSet(
		attribute.String("kind", "test"),
		attribute.String("provider", provider),
		attribute.String("status", status),
	)
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "carecall.provider.requests" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				if dp.Attributes.Equals(&want) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		failing   map[string]bool
		want      string
		wantErr   bool
		wantCalls []string
	}{
		{"primary serves", nil, "from-a", false, []string{"a"}},
		{"failover", map[string]bool{"a": true}, "from-b", false, []string{"a", "b"}},
		{"all fail", map[string]bool{"a": true, "b": true}, "", true, []string{"a", "b"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, _ := testConfig(t)
			fg := NewFallbackGroup("a", "a", cfg)
			fg.AddFallback("b", "b")

			var calls []string
			got, err := ExecuteWithResult(context.Background(), fg, func(v string) (string, error) {
				calls = append(calls, v)
				if tc.failing[v] {
					return "", errTest
				}
				return "from-" + v, nil
			})
			if tc.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
					t.Fatalf("err = %v, want ErrAllFailed wrapping errTest", err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("result = %q, want %q", got, tc.want)
			}
			if fmt.Sprint(calls) != fmt.Sprint(tc.wantCalls) {
				t.Errorf("calls = %v, want %v", calls, tc.wantCalls)
			}
		})
	}
}

func TestExecuteWithResult_SkipsOpenCircuit(t *testing.T) {
	t.Parallel()
	cfg, reader := testConfig(t)
	fg := NewFallbackGroup("a", "a", cfg)
	fg.AddFallback("b", "b")

	call := func(v string) (string, error) {
		if v == "a" {
			return "", errTest
		}
		return v, nil
	}
	for range 2 {
		if _, err := ExecuteWithResult(context.Background(), fg, call); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// a's breaker is now open: it must not be called again.
	got, err := ExecuteWithResult(context.Background(), fg, func(v string) (string, error) {
		if v == "a" {
			t.Error("open provider was called")
		}
		return v, nil
	})
	if err != nil || got != "b" {
		t.Fatalf("got %q, %v; want b", got, err)
	}

	if n := requests(t, reader, "a", "error"); n != 2 {
		t.Errorf("a errors = %d, want 2", n)
	}
	if n := requests(t, reader, "a", "skipped"); n != 1 {
		t.Errorf("a skipped = %d, want 1", n)
	}
	if n := requests(t, reader, "b", "ok"); n != 3 {
		t.Errorf("b ok = %d, want 3", n)
	}
}

func TestExecuteWithResult_StopsWhenContextDone(t *testing.T) {
	t.Parallel()
	cfg, _ := testConfig(t)
	fg := NewFallbackGroup("a", "a", cfg)
	fg.AddFallback("b", "b")

	ctx, cancel := context.WithCancel(context.Background())
	var calls []string
	_, err := ExecuteWithResult(ctx, fg, func(v string) (string, error) {
		calls = append(calls, v)
		cancel()
		return "", fmt.Errorf("%s: %w", v, ctx.Err())
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(calls) != 1 {
		t.Errorf("calls = %v, want only the primary", calls)
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()
	cfg, _ := testConfig(t)
	cfg.CircuitBreaker.MaxFailures = 1
	fg := NewFallbackGroup("a", "a", cfg)
	fg.AddFallback("b", "b")

	if err := fg.Check(context.Background()); err != nil {
		t.Fatalf("Check() on fresh group = %v", err)
	}
	_, _ = ExecuteWithResult(context.Background(), fg, func(string) (int, error) { return 0, errTest })
	if err := fg.Check(context.Background()); !errors.Is(err, ErrAllFailed) {
		t.Errorf("Check() = %v, want ErrAllFailed", err)
	}
	if got := fmt.Sprint(fg.Names()); got != "[a b]" {
		t.Errorf("Names() = %s", got)
	}
}

func TestSTTFallback_Transcribe(t *testing.T) {
	t.Parallel()
	cfg, _ := testConfig(t)
	primary := &sttmock.Provider{Err: errors.New("primary down")}
	secondary := &sttmock.Provider{Result: stt.Transcript{Text: "hello"}}

	fb := NewSTTFallback(primary, "whisper", cfg)
	fb.AddFallback("deepgram", secondary)

	tr, err := fb.Transcribe(context.Background(), stt.Audio{PCM: []byte{0, 0}, SampleRate: 8000})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "hello" {
		t.Errorf("Text = %q, want hello", tr.Text)
	}
	if len(primary.TranscribeCalls) != 1 || len(secondary.TranscribeCalls) != 1 {
		t.Errorf("calls: primary %d, secondary %d; want 1 each", len(primary.TranscribeCalls), len(secondary.TranscribeCalls))
	}
}

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()
	cfg, _ := testConfig(t)
	primary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "primary"}}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "secondary"}}

	fb := NewLLMFallback(primary, "openai", cfg)
	fb.AddFallback("anthropic", secondary)

	req := llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}}
	resp, err := fb.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "primary" {
		t.Errorf("Content = %q, want primary", resp.Content)
	}
	if len(secondary.Calls()) != 0 {
		t.Error("secondary called although primary succeeded")
	}
}

func TestTTSFallback_Synthesize_AllFail(t *testing.T) {
	t.Parallel()
	cfg, _ := testConfig(t)
	fb := NewTTSFallback(&ttsmock.Provider{SynthesizeErr: errTest}, "elevenlabs", cfg)
	fb.AddFallback("openai", &ttsmock.Provider{SynthesizeErr: errTest})

	_, err := fb.Synthesize(context.Background(), "hello", tts.VoiceProfile{ID: "v"})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
