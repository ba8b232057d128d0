package command

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/abseil/internal/abseil"
)

// Source yields a Command for every line read. Empty lines and lines
// starting with # are skipped.
type Source struct {
	proto Command
	lines chan string
	stop  chan struct{}
	once  sync.Once

	mx  sync.Mutex
	err error
}

// Lines starts reading r in the background. Stdout of all commands goes to
// out, writes are serialized.
func Lines(r io.Reader, shell string, timeout time.Duration, out io.Writer) *Source {
	s := &Source{
		proto: Command{
			Shell:   shell,
			Timeout: timeout,
			Tally:   &Tally{},
		},
		lines: make(chan string),
		stop:  make(chan struct{}),
	}
	if out != nil {
		s.proto.Out = NewSyncWriter(out)
	}
	go s.read(r)
	return s
}

func (s *Source) read(r io.Reader) {
	defer close(s.lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		select {
		case s.lines <- line:
		case <-s.stop:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.mx.Lock()
		s.err = err
		s.mx.Unlock()
	}
}

func (s *Source) Next(ctx context.Context) (abseil.Work, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case line, ok := <-s.lines:
		if !ok {
			return nil, false
		}
		cmd := s.proto
		cmd.Line = line
		return cmd, true
	}
}

// Stop releases the reader. A reader blocked in Read stays blocked until
// the read returns.
func (s *Source) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// Err is the read error, if any, once Next returned false.
func (s *Source) Err() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.err
}

func (s *Source) Tally() *Tally {
	return s.proto.Tally
}
