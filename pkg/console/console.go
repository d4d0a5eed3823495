// Package console tails a serial console into a bounded ring buffer and
// lets callers block until a line matches a pattern.
package console

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultCapacity is the default ring buffer size in lines.
const DefaultCapacity = 500

// Buffer is a fixed-capacity line ring buffer. One reader goroutine
// produces lines; any number of waiters consume them through
// WaitForPattern. Appends signal waiters by swapping a broadcast channel
// under the mutex, so a waiter always re-checks the buffer before blocking
// and wakeups cannot be missed.
type Buffer struct {
	mu       sync.Mutex
	lines    []string
	start    int
	count    int
	capacity int
	changed  chan struct{}
	closed   bool
}

// NewBuffer creates a ring buffer holding at most capacity lines.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Buffer{
		lines:    make([]string, capacity),
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// Append adds a line, evicting the oldest when full, and wakes waiters.
func (b *Buffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	if b.count == b.capacity {
		b.lines[b.start] = line
		b.start = (b.start + 1) % b.capacity
	} else {
		b.lines[(b.start+b.count)%b.capacity] = line
		b.count++
	}

	close(b.changed)
	b.changed = make(chan struct{})
}

// Lines returns a snapshot of the buffered lines, oldest first.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.snapshotLocked()
}

func (b *Buffer) snapshotLocked() []string {
	out := make([]string, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.lines[(b.start+i)%b.capacity])
	}

	return out
}

// Close wakes all waiters and rejects further appends.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	close(b.changed)
	b.changed = make(chan struct{})
}

// WaitForPattern blocks until a buffered line matches re or the timeout
// elapses. Lines appended before the call are checked first.
func (b *Buffer) WaitForPattern(
	re *regexp.Regexp, timeout time.Duration,
) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		b.mu.Lock()

		for _, line := range b.snapshotLocked() {
			if re.MatchString(line) {
				b.mu.Unlock()

				return line, nil
			}
		}

		if b.closed {
			b.mu.Unlock()

			return "", fmt.Errorf("console closed waiting for %q", re)
		}

		changed := b.changed

		b.mu.Unlock()

		select {
		case <-changed:
		case <-deadline.C:
			return "", fmt.Errorf(
				"timed out after %s waiting for %q", timeout, re,
			)
		}
	}
}

// Reader feeds a Buffer from a serial console stream on its own goroutine.
type Reader struct {
	log    logrus.FieldLogger
	src    io.ReadCloser
	buf    *Buffer
	wg     sync.WaitGroup
	closed sync.Once
}

// Open starts tailing a serial device file.
func Open(
	log logrus.FieldLogger, devicePath string, capacity int,
) (*Reader, error) {
	f, err := os.Open(devicePath)
	if err != nil {
		return nil, fmt.Errorf("opening console device: %w", err)
	}

	return NewReader(log, f, capacity), nil
}

// NewReader starts tailing src into a fresh buffer. The reader owns src and
// closes it on Close.
func NewReader(
	log logrus.FieldLogger, src io.ReadCloser, capacity int,
) *Reader {
	r := &Reader{
		log: log.WithField("component", "console"),
		src: src,
		buf: NewBuffer(capacity),
	}

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		scanner := bufio.NewScanner(src)
		for scanner.Scan() {
			r.buf.Append(scanner.Text())
		}

		if err := scanner.Err(); err != nil {
			r.log.WithError(err).Debug("Console read ended")
		}

		r.buf.Close()
	}()

	return r
}

// WaitForPattern blocks until the console emits a matching line or the
// timeout elapses.
func (r *Reader) WaitForPattern(
	re *regexp.Regexp, timeout time.Duration,
) (string, error) {
	return r.buf.WaitForPattern(re, timeout)
}

// Lines returns the most recent console lines.
func (r *Reader) Lines() []string {
	return r.buf.Lines()
}

// Close stops the reader. Safe to call more than once.
func (r *Reader) Close() {
	r.closed.Do(func() {
		_ = r.src.Close()
		r.wg.Wait()
		r.buf.Close()
	})
}
