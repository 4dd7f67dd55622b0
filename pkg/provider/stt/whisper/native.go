// In-process transcription through the whisper.cpp cgo bindings. Building
// this file needs libwhisper.a and whisper.h on LIBRARY_PATH and
// C_INCLUDE_PATH.

package whisper

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/carecall/pkg/provider/stt"
)

// NativeProvider runs whisper.cpp inside the process. The model is loaded
// once; every Transcribe gets a fresh inference context, and at most
// MaxParallel of them run at a time so concurrent calls queue instead of
// fighting over CPU cores.
type NativeProvider struct {
	model    whisperlib.Model
	slots    *semaphore.Weighted
	language string
	threads  uint
	log      *slog.Logger
}

var _ stt.Provider = (*NativeProvider)(nil)

type nativeSettings struct {
	language    string
	threads     uint
	maxParallel int64
	log         *slog.Logger
}

// NativeOption configures a [NativeProvider].
type NativeOption func(*nativeSettings)

// WithNativeLanguage sets the language used when the audio carries none.
// Default "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(s *nativeSettings) { s.language = lang }
}

// WithThreads sets the CPU threads per inference. Zero keeps the library
// default.
func WithThreads(n uint) NativeOption {
	return func(s *nativeSettings) { s.threads = n }
}

// WithMaxParallel caps concurrent inferences. Default 2.
func WithMaxParallel(n int) NativeOption {
	return func(s *nativeSettings) {
		if n > 0 {
			s.maxParallel = int64(n)
		}
	}
}

// WithNativeLogger sets the logger. Default [slog.Default].
func WithNativeLogger(l *slog.Logger) NativeOption {
	return func(s *nativeSettings) { s.log = l }
}

// NewNative loads the ggml model at modelPath. Close releases it.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path is required")
	}
	s := nativeSettings{language: defaultLanguage, maxParallel: 2, log: slog.Default()}
	for _, o := range opts {
		o(&s)
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %s: %w", modelPath, err)
	}
	return &NativeProvider{
		model:    model,
		slots:    semaphore.NewWeighted(s.maxParallel),
		language: s.language,
		threads:  s.threads,
		log:      s.log,
	}, nil
}

// Close releases the model.
func (p *NativeProvider) Close() error {
	if p.model == nil {
		return nil
	}
	return p.model.Close()
}

// Transcribe implements stt.Provider. A running inference cannot be stopped;
// when ctx ends first the call returns and the result is thrown away once
// the inference finishes.
func (p *NativeProvider) Transcribe(ctx context.Context, a stt.Audio) (stt.Transcript, error) {
	if len(a.PCM) == 0 {
		if err := ctx.Err(); err != nil {
			return stt.Transcript{}, fmt.Errorf("whisper: %w", err)
		}
		return stt.Transcript{}, nil
	}
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: wait for inference slot: %w", err)
	}
	lang := cmp.Or(a.Language, p.language)
	samples := modelSamples(a)

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer p.slots.Release(1)
		text, err := p.infer(samples, lang)
		done <- result{text, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return stt.Transcript{}, r.err
		}
		return stt.Transcript{Text: cleanText(r.text), Language: lang}, nil
	case <-ctx.Done():
		return stt.Transcript{}, fmt.Errorf("whisper: %w", ctx.Err())
	}
}

func (p *NativeProvider) infer(samples []float32, lang string) (string, error) {
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: new context: %w", err)
	}
	if p.threads > 0 {
		wctx.SetThreads(p.threads)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		p.log.Warn("whisper: language not supported by model, auto-detecting", "language", lang, "err", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: inference: %w", err)
	}

	var sb strings.Builder
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("whisper: next segment: %w", err)
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strings.TrimSpace(seg.Text))
	}
}
