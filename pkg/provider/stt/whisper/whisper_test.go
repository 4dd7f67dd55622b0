package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/carecall/pkg/provider/stt"
	"github.com/MrWong99/carecall/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

type captured struct {
	mu       sync.Mutex
	calls    int
	language string
	wav      []byte
}

// newMockServer responds to POST /inference with responseText and captures
// the uploaded form.
func newMockServer(t *testing.T, responseText string, status int) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		c.mu.Lock()
		c.calls++
		c.language = r.FormValue("language")
		if f, _, err := r.FormFile("file"); err == nil {
			c.wav, _ = io.ReadAll(f)
			f.Close()
		}
		c.mu.Unlock()

		if status != http.StatusOK {
			http.Error(w, "boom", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func pcm(samples int) []byte {
	buf := make([]byte, samples*2)
	for i := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(i%200-100)))
	}
	return buf
}

// ---- tests ------------------------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	t.Parallel()
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL")
	}
}

func TestTranscribe(t *testing.T) {
	t.Parallel()
	srv, c := newMockServer(t, " I slept quite well, thank you. ", http.StatusOK)

	p, err := whisper.New(srv.URL+"/", whisper.WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr, err := p.Transcribe(context.Background(), stt.Audio{PCM: pcm(800), SampleRate: 8000})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "I slept quite well, thank you." {
		t.Errorf("Text = %q", tr.Text)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls != 1 {
		t.Fatalf("server calls = %d, want 1", c.calls)
	}
	if c.language != "en" {
		t.Errorf("language = %q, want en", c.language)
	}
	if len(c.wav) < 44 {
		t.Fatalf("uploaded wav too short: %d bytes", len(c.wav))
	}
	if rate := binary.LittleEndian.Uint32(c.wav[24:28]); rate != 16000 {
		t.Errorf("uploaded sample rate = %d, want 16000", rate)
	}
	// 800 samples at 8 kHz become 1600 samples at 16 kHz.
	if got := binary.LittleEndian.Uint32(c.wav[40:44]); got != 3200 {
		t.Errorf("uploaded data size = %d, want 3200", got)
	}
}

func TestTranscribe_LanguageFromAudio(t *testing.T) {
	t.Parallel()
	srv, c := newMockServer(t, "Guten Morgen", http.StatusOK)

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), stt.Audio{PCM: pcm(160), SampleRate: 16000, Language: "de"}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.language != "de" {
		t.Errorf("language = %q, want de", c.language)
	}
}

func TestTranscribe_BlankAudioIsEmpty(t *testing.T) {
	t.Parallel()
	srv, _ := newMockServer(t, "[BLANK_AUDIO]", http.StatusOK)

	p, _ := whisper.New(srv.URL)
	tr, err := p.Transcribe(context.Background(), stt.Audio{PCM: pcm(160), SampleRate: 8000})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "" {
		t.Errorf("Text = %q, want empty", tr.Text)
	}
}

func TestTranscribe_EmptyAudioSkipsServer(t *testing.T) {
	t.Parallel()
	srv, c := newMockServer(t, "ignored", http.StatusOK)

	p, _ := whisper.New(srv.URL)
	tr, err := p.Transcribe(context.Background(), stt.Audio{SampleRate: 8000})
	if err != nil || tr.Text != "" {
		t.Fatalf("Transcribe(empty) = %+v, %v", tr, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls != 0 {
		t.Errorf("server calls = %d, want 0", c.calls)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	t.Parallel()
	srv, _ := newMockServer(t, "", http.StatusInternalServerError)

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), stt.Audio{PCM: pcm(160), SampleRate: 8000}); err == nil {
		t.Fatal("expected error for HTTP 500")
	}
}

func TestTranscribe_ContextCancel(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	p, _ := whisper.New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Transcribe(ctx, stt.Audio{PCM: pcm(160), SampleRate: 8000})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Transcribe() error = %v, want deadline exceeded", err)
	}
}
