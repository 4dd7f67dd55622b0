package call

import (
	"errors"
	"maps"
	"sync"

	"github.com/MrWong99/carecall/internal/observe"
	"github.com/MrWong99/carecall/internal/pipeline"
	"github.com/MrWong99/carecall/pkg/memory"
)

// Stats are the per-session counters. They never hold conversation content.
// Safe for concurrent use: the intake goroutine and the session loop both
// write to them.
type Stats struct {
	mu     sync.Mutex
	c      memory.CallStats
	stages map[string]int64
}

func (s *Stats) update(fn func(c *memory.CallStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.c)
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() memory.CallStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c
}

// StageFailures returns failure counts keyed "stage/kind", e.g.
// "reasoning/timeout".
func (s *Stats) StageFailures() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.stages)
}

// recordTurn folds a finished turn into the counters.
func (s *Stats) recordTurn(res pipeline.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &s.c
	switch res.Outcome {
	case pipeline.OutcomeReply, pipeline.OutcomeFarewell:
		c.Turns++
	case pipeline.OutcomeFallback:
		c.Fallbacks++
	case pipeline.OutcomeDiscarded:
		c.Discarded++
	case pipeline.OutcomeAborted:
		c.Aborted++
	case pipeline.OutcomeEmergency:
		c.Emergencies++
	}
	c.Alerts += int64(res.Alerts)
	c.STTSeconds += res.Usage.STTSeconds
	c.TTSChars += int64(res.Usage.TTSChars)
	c.PromptTokens += int64(res.Usage.PromptTokens)
	c.CompletionTokens += int64(res.Usage.CompletionTokens)

	var se *pipeline.StageError
	if !errors.As(res.Err, &se) {
		return
	}
	switch se.Kind {
	case observe.KindTimeout:
		c.Timeouts++
	default:
		c.Errors++
	}
	if s.stages == nil {
		s.stages = make(map[string]int64)
	}
	s.stages[se.Stage+"/"+se.Kind]++
}

func (s *Stats) recordFailure(stage, kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == observe.KindTimeout {
		s.c.Timeouts++
	} else {
		s.c.Errors++
	}
	if s.stages == nil {
		s.stages = make(map[string]int64)
	}
	s.stages[stage+"/"+kind]++
}
