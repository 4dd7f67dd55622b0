package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/carecall/pkg/audio"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testStart() inbound {
	return inbound{
		Event:     eventStart,
		StreamSID: "MZ123",
		Start: &startBody{
			StreamSID:        "MZ123",
			CallSID:          "CA456",
			Tracks:           []string{"inbound"},
			CustomParameters: map[string]string{"caller_id": "margaret"},
			MediaFormat:      mediaFormat{Encoding: "audio/x-mulaw", SampleRate: 8000, Channels: 1},
		},
	}
}

type acceptResult struct {
	conn *Conn
	err  error
}

// serve starts a server whose handler runs Accept and reports the outcome.
// The handler stays alive until the accepted connection is done.
func serve(t *testing.T, opts ...Option) (*httptest.Server, <-chan acceptResult) {
	t.Helper()
	results := make(chan acceptResult, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Accept(w, r, opts...)
		results <- acceptResult{conn: c, err: err}
		if err == nil {
			<-c.done
		}
	}))
	t.Cleanup(srv.Close)
	return srv, results
}

// pair dials a server, performs the connected/start handshake and returns
// both ends.
func pair(t *testing.T, opts ...Option) (*websocket.Conn, *Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, results := serve(t, opts...)
	client, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := wsjson.Write(ctx, client, inbound{Event: eventConnected}); err != nil {
		t.Fatalf("write connected: %v", err)
	}
	if err := wsjson.Write(ctx, client, testStart()); err != nil {
		t.Fatalf("write start: %v", err)
	}

	var res acceptResult
	select {
	case res = <-results:
	case <-ctx.Done():
		t.Fatal("timed out waiting for Accept")
	}
	if res.err != nil {
		t.Fatalf("Accept: %v", res.err)
	}
	t.Cleanup(func() { _ = res.conn.Close() })
	t.Cleanup(func() { client.CloseNow() })
	return client, res.conn
}

func sendMedia(t *testing.T, client *websocket.Conn, seq, track, payload string) {
	t.Helper()
	msg := inbound{
		Event:          eventMedia,
		SequenceNumber: seq,
		StreamSID:      "MZ123",
		Media:          &mediaBody{Track: track, Payload: payload},
	}
	if err := wsjson.Write(context.Background(), client, msg); err != nil {
		t.Fatalf("write media: %v", err)
	}
}

// drain keeps reading so close handshakes initiated by the server complete.
func drain(client *websocket.Conn) {
	go func() {
		for {
			if _, _, err := client.Read(context.Background()); err != nil {
				return
			}
		}
	}()
}

func readOutbound(t *testing.T, client *websocket.Conn) outbound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out outbound
	if err := wsjson.Read(ctx, client, &out); err != nil {
		t.Fatalf("read outbound: %v", err)
	}
	return out
}

func nextFrame(t *testing.T, c *Conn) (audio.Frame, bool) {
	t.Helper()
	select {
	case f, ok := <-c.Frames():
		return f, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return audio.Frame{}, false
	}
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestAccept_ParsesStart(t *testing.T) {
	t.Parallel()
	_, c := pair(t)

	if c.ID() == "" {
		t.Error("ID() is empty")
	}
	info := c.Info()
	if info.StreamID != "MZ123" || info.CallID != "CA456" {
		t.Errorf("Info() = %+v", info)
	}
	if got := info.Parameters["caller_id"]; got != "margaret" {
		t.Errorf("caller_id parameter: got %q, want margaret", got)
	}
}

func TestAccept_RequiresStart(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, results := serve(t)
	client, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.CloseNow()
	drain(client)

	sendMedia(t, client, "1", "inbound", base64.StdEncoding.EncodeToString([]byte{0xFF}))

	res := <-results
	if !errors.Is(res.err, ErrNoStart) {
		t.Errorf("Accept() error = %v, want ErrNoStart", res.err)
	}
}

func TestAccept_StartTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, results := serve(t, WithStartTimeout(50*time.Millisecond))
	client, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.CloseNow()
	drain(client)

	res := <-results
	if !errors.Is(res.err, ErrNoStart) {
		t.Errorf("Accept() error = %v, want ErrNoStart", res.err)
	}
}

func TestFrames(t *testing.T) {
	t.Parallel()
	client, c := pair(t)

	wire := bytes.Repeat([]byte{0x7F}, audio.WireFrameBytes)
	sendMedia(t, client, "2", "outbound", base64.StdEncoding.EncodeToString(wire))
	sendMedia(t, client, "3", "inbound", base64.StdEncoding.EncodeToString(wire))
	sendMedia(t, client, "4", "inbound", "!!not base64!!")

	f, ok := nextFrame(t, c)
	if !ok {
		t.Fatal("Frames closed early")
	}
	if f.Seq != 3 {
		t.Errorf("Seq: got %d, want 3 (outbound track must be skipped)", f.Seq)
	}
	if !bytes.Equal(f.Payload, wire) {
		t.Errorf("Payload: got %d bytes, want %d", len(f.Payload), len(wire))
	}
	if f.Arrived.IsZero() {
		t.Error("Arrived not set")
	}

	f, ok = nextFrame(t, c)
	if !ok {
		t.Fatal("Frames closed early")
	}
	if f.Seq != 4 || len(f.Payload) != 0 {
		t.Errorf("undecodable payload: got seq %d with %d bytes, want seq 4 with none", f.Seq, len(f.Payload))
	}
}

func TestStopClosesFrames(t *testing.T) {
	t.Parallel()
	client, c := pair(t)

	if err := wsjson.Write(context.Background(), client, inbound{Event: eventStop, Stop: &stopBody{CallSID: "CA456"}}); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	if _, ok := nextFrame(t, c); ok {
		t.Error("expected Frames to be closed after stop")
	}
}

func TestPlay_WaitsForMark(t *testing.T) {
	t.Parallel()
	client, c := pair(t, WithPlayChunk(160))

	wire := bytes.Repeat([]byte{0x55}, 400)
	errc := make(chan error, 1)
	go func() { errc <- c.Play(context.Background(), wire) }()

	var got []byte
	for range 3 {
		out := readOutbound(t, client)
		if out.Event != eventMedia || out.StreamSID != "MZ123" || out.Media == nil {
			t.Fatalf("unexpected outbound message: %+v", out)
		}
		chunk, err := base64.StdEncoding.DecodeString(out.Media.Payload)
		if err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		got = append(got, chunk...)
	}
	if !bytes.Equal(got, wire) {
		t.Errorf("played %d bytes, want %d", len(got), len(wire))
	}

	mark := readOutbound(t, client)
	if mark.Event != eventMark || mark.Mark == nil || mark.Mark.Name == "" {
		t.Fatalf("expected mark, got %+v", mark)
	}
	select {
	case err := <-errc:
		t.Fatalf("Play returned before the mark was echoed: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	echo := inbound{Event: eventMark, StreamSID: "MZ123", Mark: &markBody{Name: mark.Mark.Name}}
	if err := wsjson.Write(context.Background(), client, echo); err != nil {
		t.Fatalf("write mark: %v", err)
	}
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Play() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Play did not return after the mark echo")
	}
}

func TestPlay_ContextCancel(t *testing.T) {
	t.Parallel()
	client, c := pair(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Play(ctx, []byte{0xFF}) }()

	readOutbound(t, client) // media
	readOutbound(t, client) // mark
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Play() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Play did not return after cancel")
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	client, c := pair(t)

	if err := c.Clear(context.Background()); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	out := readOutbound(t, client)
	if out.Event != eventClear || out.StreamSID != "MZ123" {
		t.Errorf("unexpected outbound message: %+v", out)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	client, c := pair(t)
	drain(client)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, ok := <-c.Frames(); ok {
		t.Error("Frames still open after Close")
	}
	if err := c.Play(context.Background(), []byte{0xFF}); !errors.Is(err, audio.ErrConnectionClosed) {
		t.Errorf("Play after Close: got %v, want ErrConnectionClosed", err)
	}
	if err := c.Clear(context.Background()); !errors.Is(err, audio.ErrConnectionClosed) {
		t.Errorf("Clear after Close: got %v, want ErrConnectionClosed", err)
	}
}
