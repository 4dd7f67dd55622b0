// Package twilio implements [audio.Connection] over a Twilio-style bidirectional
// media stream: a WebSocket carrying JSON events with base64 μ-law payloads.
//
// [Accept] upgrades an HTTP request, waits for the stream's start event and
// returns a live [Conn]. Inbound media events become [audio.Frame] values.
// [Conn.Play] sends media events followed by a mark and blocks until the
// carrier echoes the mark, i.e. until the caller has heard the audio.
package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/carecall/pkg/audio"
)

// ErrNoStart is returned by [Accept] when the stream does not announce itself
// with a start event.
var ErrNoStart = errors.New("twilio: stream did not start")

const (
	defaultStartTimeout = 10 * time.Second
	defaultPlayChunk    = 20 * audio.WireFrameBytes
	defaultFrameBuffer  = 64
	readLimit           = 64 << 10
)

// Option is a functional option for [Accept].
type Option func(*options)

type options struct {
	startTimeout   time.Duration
	playChunk      int
	frameBuffer    int
	originPatterns []string
	logger         *slog.Logger
}

// WithStartTimeout bounds the wait for the start event. Default: 10s.
func WithStartTimeout(d time.Duration) Option {
	return func(o *options) { o.startTimeout = d }
}

// WithPlayChunk sets the size in bytes of outbound media payloads.
// Default: 3200 (400 ms).
func WithPlayChunk(n int) Option {
	return func(o *options) { o.playChunk = n }
}

// WithFrameBuffer sets the capacity of the inbound frame channel.
func WithFrameBuffer(n int) Option {
	return func(o *options) { o.frameBuffer = n }
}

// WithOriginPatterns allows cross-origin upgrades from the given host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(o *options) { o.originPatterns = patterns }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Conn is one media stream. It implements [audio.Connection].
type Conn struct {
	ws        *websocket.Conn
	id        string
	info      audio.CallInfo
	playChunk int
	log       *slog.Logger

	frames chan audio.Frame
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed when the read loop exits

	playMu sync.Mutex // serialises Play so utterances never interleave

	mu      sync.Mutex
	marks   map[string]chan struct{}
	markSeq uint64

	closeOnce sync.Once
}

var _ audio.Connection = (*Conn)(nil)

// Accept upgrades the request to a WebSocket and waits for the start event.
// The returned connection outlives the request context; close it with
// [Conn.Close].
func Accept(w http.ResponseWriter, r *http.Request, opts ...Option) (*Conn, error) {
	o := options{
		startTimeout: defaultStartTimeout,
		playChunk:    defaultPlayChunk,
		frameBuffer:  defaultFrameBuffer,
		logger:       slog.Default(),
	}
	for _, fn := range opts {
		fn(&o)
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: o.originPatterns})
	if err != nil {
		return nil, fmt.Errorf("twilio: accept: %w", err)
	}
	ws.SetReadLimit(readLimit)

	sctx, cancel := context.WithTimeout(r.Context(), o.startTimeout)
	defer cancel()
	start, err := awaitStart(sctx, ws)
	if err != nil {
		ws.Close(websocket.StatusPolicyViolation, "expected start event")
		return nil, err
	}

	streamSID := start.StreamSID
	c := &Conn{
		ws: ws,
		id: uuid.NewString(),
		info: audio.CallInfo{
			StreamID:   streamSID,
			CallID:     start.CallSID,
			Parameters: start.CustomParameters,
		},
		playChunk: o.playChunk,
		frames:    make(chan audio.Frame, o.frameBuffer),
		done:      make(chan struct{}),
		marks:     make(map[string]chan struct{}),
	}
	c.log = o.logger.With("stream_sid", streamSID, "call_sid", start.CallSID)
	if f := start.MediaFormat; f.Encoding != "" && (f.Encoding != "audio/x-mulaw" || f.SampleRate != audio.WireSampleRate) {
		c.log.Warn("unexpected media format", "encoding", f.Encoding, "sample_rate", f.SampleRate)
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(r.Context()))
	go c.readLoop()
	return c, nil
}

// awaitStart reads events until the start event arrives.
func awaitStart(ctx context.Context, ws *websocket.Conn) (*startBody, error) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoStart, err)
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: decode: %w", ErrNoStart, err)
		}
		switch msg.Event {
		case eventConnected:
			continue
		case eventStart:
			if msg.Start == nil {
				return nil, fmt.Errorf("%w: empty start event", ErrNoStart)
			}
			if msg.Start.StreamSID == "" {
				msg.Start.StreamSID = msg.StreamSID
			}
			return msg.Start, nil
		default:
			return nil, fmt.Errorf("%w: got %q event first", ErrNoStart, msg.Event)
		}
	}
}

// ID implements [audio.Connection].
func (c *Conn) ID() string { return c.id }

// Info implements [audio.Connection].
func (c *Conn) Info() audio.CallInfo { return c.info }

// Frames implements [audio.Connection].
func (c *Conn) Frames() <-chan audio.Frame { return c.frames }

// readLoop owns frames and closes it when the stream ends.
func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.frames)
	defer c.cancel()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				c.log.Debug("media stream read failed", "err", err)
			}
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("dropping undecodable event", "err", err)
			continue
		}

		switch msg.Event {
		case eventMedia:
			if msg.Media == nil || (msg.Media.Track != "" && msg.Media.Track != "inbound") {
				continue
			}
			f := audio.Frame{Arrived: time.Now()}
			f.Seq, _ = strconv.ParseUint(msg.SequenceNumber, 10, 64)
			// An undecodable payload is forwarded empty so the session
			// counts it as malformed.
			if payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload); err == nil {
				f.Payload = payload
			}
			select {
			case c.frames <- f:
			case <-c.ctx.Done():
				return
			}

		case eventMark:
			if msg.Mark != nil {
				c.resolveMark(msg.Mark.Name)
			}

		case eventStop:
			c.log.Debug("media stream stopped")
			return
		}
	}
}

func (c *Conn) resolveMark(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.marks[name]; ok {
		close(ch)
		delete(c.marks, name)
	}
}

func (c *Conn) send(ctx context.Context, msg outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("twilio: marshal: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		if c.ctx.Err() != nil {
			return audio.ErrConnectionClosed
		}
		return fmt.Errorf("twilio: write %s: %w", msg.Event, err)
	}
	return nil
}

// Play implements [audio.Connection]. It sends wire as media events, then a
// mark, and waits for the mark to come back.
func (c *Conn) Play(ctx context.Context, wire []byte) error {
	c.playMu.Lock()
	defer c.playMu.Unlock()

	if c.ctx.Err() != nil {
		return audio.ErrConnectionClosed
	}
	for _, chunk := range audio.Split(wire, c.playChunk) {
		err := c.send(ctx, outbound{
			Event:     eventMedia,
			StreamSID: c.info.StreamID,
			Media:     &mediaBody{Payload: base64.StdEncoding.EncodeToString(chunk)},
		})
		if err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.markSeq++
	name := "utterance-" + strconv.FormatUint(c.markSeq, 10)
	heard := make(chan struct{})
	c.marks[name] = heard
	c.mu.Unlock()

	if err := c.send(ctx, outbound{Event: eventMark, StreamSID: c.info.StreamID, Mark: &markBody{Name: name}}); err != nil {
		c.resolveMark(name)
		return err
	}

	select {
	case <-heard:
		return nil
	case <-ctx.Done():
		c.resolveMark(name)
		return ctx.Err()
	case <-c.done:
		return audio.ErrConnectionClosed
	}
}

// Clear implements [audio.Connection].
func (c *Conn) Clear(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return audio.ErrConnectionClosed
	}
	return c.send(ctx, outbound{Event: eventClear, StreamSID: c.info.StreamID})
}

// Close implements [audio.Connection]. It returns once the frame channel is
// closed.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.ws.Close(websocket.StatusNormalClosure, "call ended")
	})
	<-c.done
	return nil
}
