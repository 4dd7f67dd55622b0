// Package call runs one telephone call from connect to hangup.
//
// A [Session] owns everything that is per call: the state machine, the
// ambient noise baseline, the turn accumulator, the conversation and the
// counters. It is driven by a single loop goroutine; frame intake, the
// in-flight turn and the close sequence never touch each other's state
// except through channels and the state transition table.
//
//	CONNECTING → LISTENING ⇄ PROCESSING → SPEAKING → LISTENING …
//	any live state → CLOSING → CLOSED
//
// Frames that arrive while the session is not LISTENING are dropped and
// counted. Closing cancels any in-flight turn, flushes buffered playback,
// speaks a closing utterance under a short grace period and persists the call.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/carecall/internal/observe"
	"github.com/MrWong99/carecall/internal/pipeline"
	"github.com/MrWong99/carecall/internal/session"
	"github.com/MrWong99/carecall/internal/turn"
	"github.com/MrWong99/carecall/internal/vad"
	"github.com/MrWong99/carecall/pkg/audio"
	"github.com/MrWong99/carecall/pkg/memory"
)

// ErrClosed is returned when a session can no longer do what was asked of it
// because it is closing or closed.
var ErrClosed = errors.New("call: session closed")

// ErrAlreadyRunning is returned by a second call to [Session.Run].
var ErrAlreadyRunning = errors.New("call: session already running")

// Frame drop reasons, used as the metric attribute.
const (
	dropBusy      = "busy"
	dropOverflow  = "overflow"
	dropMalformed = "malformed"
)

// Turner runs conversation turns and synthesizes standalone utterances.
// [*pipeline.Pipeline] is the production implementation.
type Turner interface {
	Run(ctx context.Context, t pipeline.Turn) pipeline.Result
	Speak(ctx context.Context, enc *audio.WireEncoder, text string) ([]byte, error)
}

var _ Turner = (*pipeline.Pipeline)(nil)

// Option is a functional option for [New].
type Option func(*Session)

// WithClassifier replaces the voice activity filter built from Config.VAD.
func WithClassifier(c vad.Classifier) Option {
	return func(s *Session) { s.classifier = c }
}

// WithStore persists the call record at close and loads the previous call's
// summary as background when the caller is known.
func WithStore(st memory.CallStore) Option {
	return func(s *Session) { s.store = st }
}

// WithSummariser summarises the conversation before it is persisted.
func WithSummariser(sum session.Summariser) Option {
	return func(s *Session) { s.summariser = sum }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithClock overrides the time source used for the duration budget, the
// cooldown and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

type workKind int

const (
	workGreeting workKind = iota
	workTurn
)

// workResult is what the single background worker reports back to the loop.
type workResult struct {
	kind    workKind
	res     pipeline.Result
	err     error // greeting synthesis failure
	playErr error
}

// Session is one live call.
type Session struct {
	id       string
	cfg      Config
	conn     audio.Connection
	turner   Turner
	info     audio.CallInfo
	callerID string

	classifier vad.Classifier
	baseline   *vad.Baseline
	acc        *turn.Accumulator
	chunks     *chunker
	conv       *session.Conversation
	enc        *audio.WireEncoder

	store      memory.CallStore
	summariser session.Summariser
	metrics    *observe.Metrics
	log        *slog.Logger
	now        func() time.Time

	stats Stats

	mu        sync.Mutex
	state     State
	reason    CloseReason
	running   bool
	startedAt time.Time
	endedAt   time.Time

	closeReq chan CloseReason
	workDone chan workResult
	done     chan struct{}

	// Owned by the loop goroutine.
	workCancel context.CancelFunc
	workExited chan struct{}
	prefix     string
	warned     bool
	finished   bool
}

// New prepares a session for conn. The session does nothing until
// [Session.Run] is called.
func New(id string, conn audio.Connection, turner Turner, cfg Config, opts ...Option) (*Session, error) {
	if id == "" {
		return nil, errors.New("call: session id is required")
	}
	if conn == nil || turner == nil {
		return nil, errors.New("call: connection and turner are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	acc, err := turn.New(cfg.Turn)
	if err != nil {
		return nil, fmt.Errorf("call: %w", err)
	}

	s := &Session{
		id:       id,
		cfg:      cfg,
		conn:     conn,
		turner:   turner,
		acc:      acc,
		chunks:   newChunker(cfg.chunkSamples()),
		enc:      &audio.WireEncoder{},
		log:      slog.Default(),
		now:      time.Now,
		closeReq: make(chan CloseReason),
		workDone: make(chan workResult, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.classifier == nil {
		f, err := vad.New(cfg.VAD)
		if err != nil {
			return nil, fmt.Errorf("call: %w", err)
		}
		s.classifier = f
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.log = s.log.With("session_id", id)
	s.baseline = s.classifier.NewBaseline()
	s.info = conn.Info()
	s.callerID = s.info.Parameters[cfg.CallerParam]
	s.conv = session.NewConversation(id, s.callerID)
	return s, nil
}

// ─── Accessors ────────────────────────────────────────────────────────────────

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Connection returns the media stream the session is bound to.
func (s *Session) Connection() audio.Connection { return s.conn }

// CallerID returns the caller profile identifier, if the stream carried one.
func (s *Session) CallerID() string { return s.callerID }

// Conversation returns the call's conversation context.
func (s *Session) Conversation() *session.Conversation { return s.conv }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns why the session closed. Only meaningful once Done is closed.
func (s *Session) Reason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() memory.CallStats { return s.stats.Snapshot() }

// StageFailures returns per-stage failure counts keyed "stage/kind".
func (s *Session) StageFailures() map[string]int64 { return s.stats.StageFailures() }

// Done is closed once the session reached CLOSED.
func (s *Session) Done() <-chan struct{} { return s.done }

// Record returns the persistence view of the call so far.
func (s *Session) Record() memory.CallRecord {
	s.mu.Lock()
	started, ended, reason := s.startedAt, s.endedAt, s.reason
	closed := s.state == StateClosing || s.state == StateClosed
	s.mu.Unlock()

	rec := memory.CallRecord{
		SessionID: s.id,
		CallerID:  s.callerID,
		CallID:    s.info.CallID,
		StreamID:  s.info.StreamID,
		StartedAt: started,
		EndedAt:   ended,
		Opening:   s.conv.Opening(),
		Stats:     s.stats.Snapshot(),
	}
	if closed {
		rec.EndReason = reason.String()
	}
	for _, t := range s.conv.Turns() {
		rec.Turns = append(rec.Turns, memory.Turn{Role: string(t.Role), Text: t.Text, At: t.At})
	}
	return rec
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

// Close asks the session to end with reason and waits until it is closed or
// ctx is done. It is safe to call repeatedly and concurrently; calls after
// the first simply wait.
func (s *Session) Close(ctx context.Context, reason CloseReason) error {
	select {
	case s.closeReq <- reason:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the call until it closes. Cancelling ctx closes the session with
// [CloseShutdown]. Run returns nil once the session is CLOSED.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.startedAt = s.now()
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	s.log.Info("call started",
		"call_id", s.info.CallID,
		"stream_id", s.info.StreamID,
		"known_caller", s.callerID != "",
	)

	s.loadBackground(ctx)

	intake := make(chan audio.Frame, s.cfg.IntakeBuffer)
	go s.intake(ctx, intake)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.greet(ctx)

	for !s.finished {
		select {
		case <-ctx.Done():
			s.shutdown(ctx, CloseShutdown, s.cfg.ClosingText)
		case r := <-s.closeReq:
			s.shutdown(ctx, r, s.closingText(r))
		case <-ticker.C:
			s.checkBudget(ctx)
		case f, ok := <-intake:
			if !ok {
				s.shutdown(ctx, CloseHangup, "")
				continue
			}
			s.handleFrame(ctx, f)
		case w := <-s.workDone:
			s.finishWork(ctx, w)
		}
	}
	return nil
}

// intake forwards frames from the connection without ever blocking on the
// session loop. It closes out when the connection's frame channel closes.
func (s *Session) intake(ctx context.Context, out chan<- audio.Frame) {
	defer close(out)
	for f := range s.conn.Frames() {
		s.stats.update(func(c *memory.CallStats) { c.FramesReceived++ })
		s.metrics.FramesReceived.Add(ctx, 1)
		select {
		case out <- f:
		default:
			s.drop(ctx, dropOverflow)
		}
	}
}

func (s *Session) drop(ctx context.Context, reason string) {
	s.stats.update(func(c *memory.CallStats) {
		if reason == dropMalformed {
			c.FramesMalformed++
		} else {
			c.FramesDropped++
		}
	})
	s.metrics.RecordFrameDropped(ctx, reason)
}

// setState moves to `to` if the transition table allows it.
func (s *Session) setState(ctx context.Context, to State) bool {
	s.mu.Lock()
	from := s.state
	if !CanTransition(from, to) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()

	s.metrics.RecordTransition(ctx, from.String(), to.String())
	s.log.Debug("state changed", "from", from.String(), "to", to.String())
	return true
}

// ─── Duration budget ──────────────────────────────────────────────────────────

func (s *Session) elapsed() time.Duration {
	s.mu.Lock()
	started := s.startedAt
	s.mu.Unlock()
	return s.now().Sub(started)
}

// checkBudget closes the session once the hard cutoff is reached and arms
// the soft warning shortly before. It reports whether the session closed.
func (s *Session) checkBudget(ctx context.Context) bool {
	if s.cfg.MaxDuration <= 0 {
		return false
	}
	elapsed := s.elapsed()
	if elapsed >= s.cfg.MaxDuration {
		s.shutdown(ctx, CloseTimeLimit, s.cfg.ClosingText)
		return true
	}
	if !s.warned && s.cfg.WarningText != "" && s.cfg.MaxDuration-elapsed <= s.cfg.WarningLead {
		s.warned = true
		s.prefix = s.cfg.WarningText
		s.log.Info("time warning armed", "remaining", s.cfg.MaxDuration-elapsed)
	}
	return false
}

// ─── Audio intake ─────────────────────────────────────────────────────────────

func (s *Session) handleFrame(ctx context.Context, f audio.Frame) {
	if s.checkBudget(ctx) {
		return
	}
	if s.State() != StateListening {
		s.drop(ctx, dropBusy)
		return
	}
	pcm, err := audio.Decode(f)
	if err != nil {
		s.drop(ctx, dropMalformed)
		s.log.Debug("dropping malformed frame", "seq", f.Seq, "err", err)
		return
	}

	now := s.now()
	for _, chunk := range s.chunks.add(pcm) {
		res := s.classifier.Classify(chunk, s.baseline)
		s.metrics.RecordVADDecision(ctx, res.Speech)
		if s.acc.Push(chunk, res.Speech, now) == turn.EventComplete {
			s.startTurn(ctx, s.acc.Take(now))
			return
		}
	}
}

// ─── Background work ──────────────────────────────────────────────────────────

// startWork runs fn on the session's single worker goroutine. The loop never
// starts a second worker before the first has reported back.
func (s *Session) startWork(ctx context.Context, fn func(context.Context) workResult) {
	wctx, cancel := context.WithCancel(ctx)
	exited := make(chan struct{})
	s.workCancel, s.workExited = cancel, exited
	go func() {
		defer close(exited)
		s.workDone <- fn(wctx)
	}()
}

// stopWork cancels the in-flight worker, waits for it and discards its result.
func (s *Session) stopWork() {
	if s.workCancel == nil {
		return
	}
	s.workCancel()
	<-s.workExited
	select {
	case <-s.workDone:
	default:
	}
	s.workCancel, s.workExited = nil, nil
}

// play moves to SPEAKING and plays wire. It fails with [ErrClosed] if the
// session started closing in the meantime.
func (s *Session) play(ctx context.Context, wire []byte) error {
	if ctx.Err() != nil || !s.setState(ctx, StateSpeaking) {
		return ErrClosed
	}
	return s.conn.Play(ctx, wire)
}

func (s *Session) greet(ctx context.Context) {
	if s.cfg.Greeting == "" {
		s.setState(ctx, StateListening)
		return
	}
	text := s.cfg.Greeting
	s.startWork(ctx, func(wctx context.Context) workResult {
		wire, err := s.turner.Speak(wctx, s.enc, text)
		if err != nil {
			return workResult{kind: workGreeting, err: err}
		}
		return workResult{kind: workGreeting, playErr: s.play(wctx, wire)}
	})
}

func (s *Session) startTurn(ctx context.Context, pcm []int16) {
	s.stats.update(func(c *memory.CallStats) { c.Utterances++ })
	s.metrics.Utterances.Add(ctx, 1)
	s.chunks.reset()
	if !s.setState(ctx, StateProcessing) {
		return
	}

	t := pipeline.Turn{
		Conversation: s.conv,
		PCM:          pcm,
		Prefix:       s.prefix,
		CallID:       s.info.CallID,
		Encoder:      s.enc,
	}
	s.startWork(ctx, func(wctx context.Context) workResult {
		w := workResult{kind: workTurn, res: s.turner.Run(wctx, t)}
		if len(w.res.Audio) > 0 && w.res.Outcome != pipeline.OutcomeEmergency {
			w.playErr = s.play(wctx, w.res.Audio)
		}
		return w
	})
}

func (s *Session) finishWork(ctx context.Context, w workResult) {
	s.workCancel()
	s.workCancel, s.workExited = nil, nil

	if w.playErr != nil && !errors.Is(w.playErr, context.Canceled) && !errors.Is(w.playErr, ErrClosed) {
		s.stats.recordFailure(observe.StagePlayback, observe.KindError)
		s.metrics.RecordStageError(ctx, observe.StagePlayback, observe.KindError)
		s.log.Warn("playback failed", "err", w.playErr)
	}

	switch w.kind {
	case workGreeting:
		if w.err != nil {
			s.stats.recordFailure(observe.StageTTS, observe.KindError)
			s.log.Warn("greeting synthesis failed", "err", w.err)
		} else if w.playErr == nil {
			s.conv.SetOpening(s.cfg.Greeting)
		}

	case workTurn:
		res := w.res
		s.stats.recordTurn(res)
		if res.PrefixSpoken {
			s.prefix = ""
		}
		if res.Err != nil {
			s.log.Debug("turn degraded", "outcome", res.Outcome.String(), "err", res.Err)
		}
		switch {
		case res.Outcome == pipeline.OutcomeEmergency:
			s.shutdown(ctx, CloseEmergency, res.Reply)
			return
		case res.EndCall:
			s.shutdown(ctx, CloseFarewell, "")
			return
		case s.cfg.MaxTurns > 0 && s.stats.Snapshot().Turns >= int64(s.cfg.MaxTurns):
			s.shutdown(ctx, CloseTurnLimit, s.cfg.ClosingText)
			return
		}
	}

	s.setState(ctx, StateListening)
	s.acc.StartCooldown(s.now())
	s.chunks.reset()
}

// ─── Closing ──────────────────────────────────────────────────────────────────

func (s *Session) closingText(r CloseReason) string {
	switch r {
	case CloseHangup, CloseFarewell:
		return ""
	default:
		return s.cfg.ClosingText
	}
}

// shutdown runs the close sequence. utterance, if non-empty, is spoken after
// buffered playback has been flushed.
func (s *Session) shutdown(ctx context.Context, reason CloseReason, utterance string) {
	if s.finished {
		return
	}
	s.finished = true

	s.mu.Lock()
	s.reason = reason
	s.mu.Unlock()
	s.setState(ctx, StateClosing)
	s.log.Info("call closing", "reason", reason.String())

	s.stopWork()
	s.acc.Reset()
	s.chunks.reset()

	if reason != CloseHangup {
		gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ClosingGrace)
		if err := s.conn.Clear(gctx); err != nil && !errors.Is(err, audio.ErrConnectionClosed) {
			s.log.Debug("clearing playback failed", "err", err)
		}
		cancel()
		if utterance != "" {
			s.sayGoodbye(context.WithoutCancel(ctx), utterance)
		}
	}
	if err := s.conn.Close(); err != nil {
		s.log.Debug("closing connection failed", "err", err)
	}

	s.mu.Lock()
	s.endedAt = s.now()
	duration := s.endedAt.Sub(s.startedAt)
	s.mu.Unlock()

	s.persist(ctx)

	s.metrics.CallDuration.Record(context.WithoutCancel(ctx), duration.Seconds())
	s.setState(ctx, StateClosed)
	st := s.stats.Snapshot()
	s.log.Info("call closed",
		"reason", reason.String(),
		"duration", duration,
		"turns", st.Turns,
		"fallbacks", st.Fallbacks,
		"emergencies", st.Emergencies,
		"frames_dropped", st.FramesDropped,
		"alerts", st.Alerts,
	)
	close(s.done)
}

// sayGoodbye speaks the last utterance of the call. Synthesis gets
// ClosingGrace; playback gets the utterance's own length plus ClosingGrace,
// so a long crisis message is heard in full before the stream is closed.
func (s *Session) sayGoodbye(ctx context.Context, text string) {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.ClosingGrace)
	wire, err := s.turner.Speak(sctx, s.enc, text)
	cancel()
	if err != nil {
		s.stats.recordFailure(observe.StageTTS, stageKind(err))
		s.log.Warn("closing utterance synthesis failed", "err", err)
		return
	}

	pctx, cancel := context.WithTimeout(ctx, audio.WireDuration(wire)+s.cfg.ClosingGrace)
	defer cancel()
	if err := s.conn.Play(pctx, wire); err != nil && !errors.Is(err, audio.ErrConnectionClosed) {
		s.stats.recordFailure(observe.StagePlayback, stageKind(err))
		s.log.Warn("closing utterance playback failed", "err", err)
	}
}

func stageKind(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return observe.KindTimeout
	}
	return observe.KindError
}

// ─── Persistence ──────────────────────────────────────────────────────────────

// loadBackground seeds the conversation with the summary of the caller's
// previous call.
func (s *Session) loadBackground(ctx context.Context) {
	if s.store == nil || s.callerID == "" {
		return
	}
	lctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()
	recs, err := s.store.RecentCalls(lctx, s.callerID, 1)
	if err != nil {
		s.log.Warn("loading previous call failed", "err", err)
		return
	}
	if len(recs) > 0 && recs[0].Summary != "" {
		s.conv.SetBackground(recs[0].Summary)
	}
}

func (s *Session) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
	defer cancel()

	rec := s.Record()
	if s.summariser != nil && len(rec.Turns) > 0 {
		summary, err := s.summariser.Summarise(pctx, s.conv.AllMessages())
		if err != nil {
			s.log.Warn("call summary failed", "err", err)
		} else {
			rec.Summary = summary
		}
	}
	if err := s.store.SaveCall(pctx, rec); err != nil {
		s.log.Error("saving call record failed", "err", err)
	}
}
