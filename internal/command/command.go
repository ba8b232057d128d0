// Package command runs shell command lines as units of work.
package command

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// waitDelay bounds the wait for output pipes after the process exited or
// was killed.
const waitDelay = time.Second

type StderrFunc func(ctx context.Context, line string)

// Command is a single line run by Shell as `Shell -c Line`.
type Command struct {
	Line    string
	Shell   string
	Timeout time.Duration
	// Out receives the whole stdout of the command once it finished.
	Out io.Writer
	// Stderr is called for every line of stderr, it defaults to a log record.
	Stderr StderrFunc
	Tally  *Tally
}

// Do runs the command and waits for it. A non-zero exit is an error.
func (c Command) Do(ctx context.Context) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	stderrFunc := c.Stderr
	if stderrFunc == nil {
		stderrFunc = logStderr
	}

	cmd := exec.CommandContext(ctx, c.Shell, "-c", c.Line)
	cmd.WaitDelay = waitDelay
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	pr, pw := io.Pipe()
	cmd.Stderr = pw
	var wg sync.WaitGroup
	wg.Go(func() {
		processStderr(ctx, pr, stderrFunc)
	})

	started := time.Now()
	err := cmd.Run()
	_ = pw.Close()
	wg.Wait()

	if c.Out != nil && stdout.Len() > 0 {
		if _, werr := c.Out.Write(stdout.Bytes()); werr != nil {
			err = errors.Join(err, fmt.Errorf("writing stdout: %w", werr))
		}
	}
	c.Tally.record(err)

	attrs := []any{
		"line", c.Line,
		"elapsed", time.Since(started),
	}
	if cmd.ProcessState != nil {
		attrs = append(attrs, "exit_code", cmd.ProcessState.ExitCode())
	}
	if err != nil {
		slog.WarnContext(ctx, "command failed", append(attrs, "error", err)...)
		return fmt.Errorf("command %q: %w", c.Line, err)
	}
	slog.DebugContext(ctx, "command finished", attrs...)
	return nil
}

func processStderr(ctx context.Context, stderr io.ReadCloser, stderrFunc StderrFunc) {
	defer stderr.Close()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		stderrFunc(ctx, scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
		// unblock the writer
		_, _ = io.Copy(io.Discard, stderr)
	}
}

func logStderr(ctx context.Context, line string) {
	slog.InfoContext(ctx, "stderr", "line", line)
}

// Tally counts the finished commands.
type Tally struct {
	ok     atomic.Int64
	failed atomic.Int64
}

func (t *Tally) record(err error) {
	if t == nil {
		return
	}
	if err != nil {
		t.failed.Add(1)
		return
	}
	t.ok.Add(1)
}

func (t *Tally) OK() int64 {
	return t.ok.Load()
}

func (t *Tally) Failed() int64 {
	return t.failed.Load()
}

// SyncWriter serializes writes of concurrent commands, each Write lands in
// one piece.
type SyncWriter struct {
	mx sync.Mutex
	w  io.Writer
}

func NewSyncWriter(w io.Writer) *SyncWriter {
	return &SyncWriter{w: w}
}

func (s *SyncWriter) Write(p []byte) (int, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.w.Write(p)
}
