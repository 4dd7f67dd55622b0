// Package mock provides an in-memory mock implementation of [audio.Connection]
// for use in unit tests.
//
// The mock is safe for concurrent use. It records every Play and Clear call so
// that tests can assert on playback order, and exposes exported fields that
// tests set to control return values.
//
// Typical usage:
//
//	conn := mock.NewConnection("conn-1", 16)
//	conn.Push(audio.Frame{Payload: wire, Seq: 1})
//	...
//	conn.Hangup() // closes the inbound channel like a dropped call
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/carecall/pkg/audio"
)

// PlayCall records the arguments of a single [Connection.Play] invocation.
type PlayCall struct {
	// Wire is a copy of the audio passed to Play.
	Wire []byte
}

// Connection is a mock implementation of [audio.Connection].
type Connection struct {
	mu sync.Mutex

	id     string
	frames chan audio.Frame
	closed bool

	// InfoResult is returned by [Connection.Info].
	InfoResult audio.CallInfo

	// PlayErr, if non-nil, is returned by every Play call.
	PlayErr error

	// PlayHook, if non-nil, is invoked synchronously inside Play before it
	// returns. Tests use it to block playback or observe ordering.
	PlayHook func(ctx context.Context, wire []byte) error

	// ClearErr is returned by [Connection.Clear].
	ClearErr error

	// PlayCalls records all Play invocations in order.
	PlayCalls []PlayCall

	// CallCountClear records how many times Clear was called.
	CallCountClear int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewConnection returns a mock connection with an inbound frame buffer of the
// given capacity.
func NewConnection(id string, buffer int) *Connection {
	return &Connection{id: id, frames: make(chan audio.Frame, buffer)}
}

var _ audio.Connection = (*Connection)(nil)

// ID implements [audio.Connection].
func (c *Connection) ID() string { return c.id }

// Info implements [audio.Connection]. Returns InfoResult.
func (c *Connection) Info() audio.CallInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.InfoResult
}

// Frames implements [audio.Connection].
func (c *Connection) Frames() <-chan audio.Frame { return c.frames }

// Push delivers f on the inbound channel, blocking if the buffer is full.
// It is a no-op after Hangup.
func (c *Connection) Push(f audio.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.frames <- f
}

// Hangup closes the inbound channel, simulating a dropped call.
func (c *Connection) Hangup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.frames)
	}
}

// Play implements [audio.Connection]. Records the call, then runs PlayHook
// and returns its error or PlayErr.
func (c *Connection) Play(ctx context.Context, wire []byte) error {
	c.mu.Lock()
	c.PlayCalls = append(c.PlayCalls, PlayCall{Wire: append([]byte(nil), wire...)})
	hook, err := c.PlayHook, c.PlayErr
	c.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx, wire); herr != nil {
			return herr
		}
	}
	return err
}

// Clear implements [audio.Connection]. Returns ClearErr.
func (c *Connection) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClear++
	return c.ClearErr
}

// Close implements [audio.Connection]. Closes the inbound channel if still open.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.CallCountClose++
	c.mu.Unlock()
	c.Hangup()
	return nil
}

// Played returns a snapshot of all wire payloads passed to Play, in order.
func (c *Connection) Played() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.PlayCalls))
	for i, pc := range c.PlayCalls {
		out[i] = pc.Wire
	}
	return out
}

// Clears returns how many times Clear was called.
func (c *Connection) Clears() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClear
}
