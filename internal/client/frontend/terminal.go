package frontend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Terminal is the stdin/stdout surface. Prompts are read one line at
// a time; responses and progress print interleaved on stdout.
type Terminal struct {
	hub *Hub
	in  io.Reader
	log *slog.Logger

	mu        sync.Mutex
	out       io.Writer
	streaming bool
}

// NewTerminal builds the terminal surface reading prompts from in and
// rendering to out.
func NewTerminal(hub *Hub, in io.Reader, out io.Writer, log *slog.Logger) *Terminal {
	if log == nil {
		log = slog.Default()
	}
	return &Terminal{
		hub: hub,
		in:  in,
		out: out,
		log: log.With("surface", "terminal"),
	}
}

// Source implements Surface.
func (t *Terminal) Source() string { return "cli" }

// Run reads prompts line by line until ctx is cancelled or the input
// stream closes. Blank lines are skipped.
func (t *Terminal) Run(ctx context.Context) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(t.in)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := t.hub.Submit(t.Source(), "", line, ""); err != nil {
				t.printf("could not send that: %v\n", err)
			}
		}
	}
}

// Deliver implements Surface.
func (t *Terminal) Deliver(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch ev.Kind {
	case EventAck:
		t.endStream()
		if ev.Estimate != "" {
			fmt.Fprintf(t.out, "%s (%s)\n", ev.Text, ev.Estimate)
		} else {
			fmt.Fprintln(t.out, ev.Text)
		}
	case EventAgentStarted:
		t.endStream()
		fmt.Fprintf(t.out, "  .. working on %s\n", ev.Topic)
	case EventAgentDone:
		t.endStream()
		if ev.Failed {
			fmt.Fprintf(t.out, "  !! %s failed\n", ev.Topic)
		} else {
			fmt.Fprintf(t.out, "  ok %s\n", ev.Topic)
		}
	case EventProgress:
		t.endStream()
		fmt.Fprintf(t.out, "  .. %s\n", ev.Text)
	case EventChunk:
		t.streaming = true
		fmt.Fprint(t.out, ev.Text)
	case EventResponse:
		t.endStream()
		t.printResponse(ev)
	case EventNotification:
		t.endStream()
		if ev.Priority != "" {
			fmt.Fprintf(t.out, "[dotbot %s] %s\n", ev.Priority, ev.Text)
		} else {
			fmt.Fprintf(t.out, "[dotbot] %s\n", ev.Text)
		}
	case EventRunLog:
		// Execution traces go to the log surface, not the console.
	}
}

// endStream closes an open run of streamed chunks with a newline so
// the next line starts at column zero.
func (t *Terminal) endStream() {
	if t.streaming {
		fmt.Fprintln(t.out)
		t.streaming = false
	}
}

func (t *Terminal) printResponse(ev Event) {
	if len(ev.Sections) > 1 {
		for i, sec := range ev.Sections {
			if i > 0 {
				fmt.Fprintln(t.out)
			}
			if sec.Label != "" {
				fmt.Fprintf(t.out, "## %s\n", sec.Label)
			}
			fmt.Fprintln(t.out, sec.Text)
		}
		return
	}
	fmt.Fprintln(t.out, ev.Text)
}

func (t *Terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}
