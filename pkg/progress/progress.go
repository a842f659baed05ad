// Package progress carries the line-oriented output of a backup or restore
// run to whoever triggered it. Lines are append-only; the final line of a run
// is the exit sentinel "[EXIT] <code>".
package progress

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// ExitPrefix starts the sentinel line that terminates a run.
const ExitPrefix = "[EXIT]"

var exitPattern = regexp.MustCompile(`^\[EXIT\] ([-\d]+)`)

// Channel is an append-only list of lines with live subscribers.
// It implements io.Writer so it can be attached as a log sink.
type Channel struct {
	mu      sync.Mutex
	lines   []string
	partial []byte
	subs    map[int]chan string
	nextID  int
	closed  bool
}

// New constructs an empty channel.
func New() *Channel {
	return &Channel{subs: make(map[int]chan string)}
}

// Write splits p into lines and appends each complete one.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.partial = append(c.partial, p...)
	var complete []string
	for {
		i := bytes.IndexByte(c.partial, '\n')
		if i < 0 {
			break
		}
		complete = append(complete, string(c.partial[:i]))
		c.partial = c.partial[i+1:]
	}
	c.mu.Unlock()

	for _, line := range complete {
		c.Append(line)
	}
	return len(p), nil
}

// Append adds one line. Lines appended after Exit are dropped.
func (c *Channel) Append(line string) {
	line = strings.TrimRight(line, "\r\n")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.lines = append(c.lines, line)
	for _, ch := range c.subs {
		// Slow subscribers lose lines rather than stall the run.
		select {
		case ch <- line:
		default:
		}
	}
}

// Exit appends the sentinel and closes all subscriptions.
func (c *Channel) Exit(code int) {
	sentinel := fmt.Sprintf("%s %d", ExitPrefix, code)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.lines = append(c.lines, sentinel)
	c.closed = true
	for id, ch := range c.subs {
		deliverLast(ch, sentinel)
		close(ch)
		delete(c.subs, id)
	}
}

// deliverLast sends line to ch, evicting the oldest buffered lines of a slow
// subscriber until it fits. The sentinel is never the line that gets lost.
func deliverLast(ch chan string, line string) {
	for {
		select {
		case ch <- line:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Lines returns a copy of everything appended so far.
func (c *Channel) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

// Closed reports whether Exit has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Subscribe returns a buffered channel that first replays the existing lines
// (as far as the buffer allows) and then receives new ones. The channel is
// closed when the run exits or cancel is called.
func (c *Channel) Subscribe(buffer int) (<-chan string, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if buffer < len(c.lines)+1 {
		buffer = len(c.lines) + 1
	}
	ch := make(chan string, buffer)
	for _, line := range c.lines {
		ch <- line
	}
	if c.closed {
		close(ch)
		return ch, func() {}
	}

	c.nextID++
	id := c.nextID
	c.subs[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			close(sub)
			delete(c.subs, id)
		}
	}
}

// ParseExit reports whether line is the exit sentinel and returns its code.
func ParseExit(line string) (int, bool) {
	m := exitPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return code, true
}

// Dedup drops a line that is identical to the one accepted just before it.
// Consumers polling a channel use it to avoid printing repeated lines.
type Dedup struct {
	last    string
	started bool
}

// Accept reports whether line should be shown.
func (d *Dedup) Accept(line string) bool {
	if d.started && line == d.last {
		return false
	}
	d.started = true
	d.last = line
	return true
}
