// Package eventlog implements the append-only output file: one line per
// broadcast or delivery event.
package eventlog

import (
	"bufio"
	"fmt"
	"os"
	"sync"
)

// flushThreshold is the in-memory buffer size, in lines, at which a
// Broadcast/Delivered call triggers an implicit flush. original_source's
// Logger reserves a 10000-entry buffer but never states a threshold; we
// pick a smaller one so a crash mid-run loses less of whatever was
// buffered at the time.
const flushThreshold = 1000

// Log is a thread-safe, buffered, append-only event writer.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	buffer []string
}

// Open creates (or appends to) the file at path.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	return &Log{
		file:   f,
		w:      bufio.NewWriter(f),
		buffer: make([]string, 0, flushThreshold),
	}, nil
}

// Broadcast records "b <seq>", emitted when the application enqueues seq
// for sending (perfect-link mode) or broadcasts it (FIFO-broadcast mode).
func (l *Log) Broadcast(seq uint32) {
	l.append(fmt.Sprintf("b %d", seq))
}

// Delivered records "d <origin> <seq>", emitted on first delivery of seq
// from origin.
func (l *Log) Delivered(origin, seq uint32) {
	l.append(fmt.Sprintf("d %d %d", origin, seq))
}

func (l *Log) append(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffer = append(l.buffer, line)
	if len(l.buffer) >= flushThreshold {
		l.flushLocked()
		_ = l.w.Flush() // best effort, as in flushLocked
	}
}

// Flush writes any buffered lines to disk. Safe to call concurrently
// with Broadcast/Delivered.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushLocked()
	return l.w.Flush()
}

func (l *Log) flushLocked() {
	for _, line := range l.buffer {
		// A write error here has nowhere safe to propagate to (every
		// caller is a hot-path event emitter); best effort, consistent
		// with exiting cleanly with whatever has already been flushed.
		_, _ = l.w.WriteString(line)
		_, _ = l.w.WriteString("\n")
	}
	l.buffer = l.buffer[:0]
}

// Close flushes and releases the underlying file.
func (l *Log) Close() error {
	if err := l.Flush(); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}
