package worker

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
)

// PushFunc receives each complete output line for live streaming.
type PushFunc func(stream, line string)

// Tee splits command output into lines, writes each to a local log
// file as "[stream] line", and hands it to the push callback. The file
// becomes the stored log uploaded after the job.
type Tee struct {
	mu   sync.Mutex
	file *os.File
	push PushFunc

	stdout *lineWriter
	stderr *lineWriter
}

// NewTee opens (truncates) the log file at path.
func NewTee(path string, push PushFunc) (*Tee, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}
	t := &Tee{file: f, push: push}
	t.stdout = &lineWriter{tee: t, stream: "stdout"}
	t.stderr = &lineWriter{tee: t, stream: "stderr"}
	return t, nil
}

// Stdout returns the writer for the command's stdout.
func (t *Tee) Stdout() io.Writer { return t.stdout }

// Stderr returns the writer for the command's stderr.
func (t *Tee) Stderr() io.Writer { return t.stderr }

// Line records one complete line.
func (t *Tee) Line(stream, line string) {
	t.mu.Lock()
	fmt.Fprintf(t.file, "[%s] %s\n", stream, line)
	t.mu.Unlock()

	if t.push != nil {
		t.push(stream, line)
	}
}

// Close flushes any partial trailing lines and closes the file.
func (t *Tee) Close() error {
	t.stdout.flush()
	t.stderr.flush()
	return t.file.Close()
}

// lineWriter buffers writes until a newline completes a line.
type lineWriter struct {
	mu     sync.Mutex
	tee    *Tee
	stream string
	buf    bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line, keep it buffered.
			w.buf.WriteString(line)
			break
		}
		w.tee.Line(w.stream, trimLine(line))
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() == 0 {
		return
	}
	w.tee.Line(w.stream, trimLine(w.buf.String()))
	w.buf.Reset()
}

// trimLine drops the trailing newline and the CR a PTY adds.
func trimLine(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
