// Package prompt asks the operator how to proceed after a recoverable failure.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Choice is an operator answer.
type Choice int

const (
	Retry Choice = iota + 1
	Defer
	Cancel
	Ignore
)

func (c Choice) String() string {
	switch c {
	case Retry:
		return "retry"
	case Defer:
		return "defer"
	case Cancel:
		return "cancel"
	case Ignore:
		return "ignore"
	default:
		return fmt.Sprintf("choice(%d)", int(c))
	}
}

var (
	// ErrCancelled reports the operator cancelled the operation.
	ErrCancelled = errors.New("prompt: cancelled by operator")
	// ErrDeferred reports the operator postponed the operation.
	ErrDeferred = errors.New("prompt: deferred by operator")
	// ErrIgnored reports the operator chose to continue despite the failure.
	ErrIgnored = errors.New("prompt: failure ignored by operator")
)

// Standard choice sets.
var (
	RetryDeferCancel  = []Choice{Retry, Defer, Cancel}
	RetryIgnoreCancel = []Choice{Retry, Ignore, Cancel}
	RetryCancel       = []Choice{Retry, Cancel}
)

// Request describes a failed step.
type Request struct {
	Step    string
	Err     error
	Choices []Choice
}

// Prompter asks the operator. Implementations must return one of req.Choices.
type Prompter interface {
	Ask(ctx context.Context, req Request) (Choice, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, req Request) (Choice, error)

// Ask calls f.
func (f PrompterFunc) Ask(ctx context.Context, req Request) (Choice, error) {
	return f(ctx, req)
}

// Loop runs fn until it succeeds, fails with an error recoverable rejects, or the
// operator stops retrying. Defer, Cancel and Ignore map to ErrDeferred,
// ErrCancelled and ErrIgnored wrapping the last failure.
func Loop(ctx context.Context, p Prompter, step string, choices []Choice, recoverable func(error) bool, fn func(context.Context) error) error {
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if recoverable != nil && !recoverable(err) {
			return err
		}
		if p == nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		choice, askErr := p.Ask(ctx, Request{Step: step, Err: err, Choices: choices})
		if askErr != nil {
			return askErr
		}
		if !allowed(choice, choices) {
			return fmt.Errorf("prompt: %s not offered for %s: %w", choice, step, err)
		}
		switch choice {
		case Retry:
			continue
		case Defer:
			return fmt.Errorf("%w: %s: %w", ErrDeferred, step, err)
		case Ignore:
			return fmt.Errorf("%w: %s: %w", ErrIgnored, step, err)
		default:
			return fmt.Errorf("%w: %s: %w", ErrCancelled, step, err)
		}
	}
}

func allowed(c Choice, choices []Choice) bool {
	for _, option := range choices {
		if option == c {
			return true
		}
	}
	return false
}

// Scripted answers from a fixed list, then falls back to Cancel.
type Scripted struct {
	Answers []Choice
	Asked   []Request
}

// Ask pops the next scripted answer.
func (s *Scripted) Ask(ctx context.Context, req Request) (Choice, error) {
	s.Asked = append(s.Asked, req)
	if len(s.Answers) == 0 {
		return Cancel, nil
	}
	next := s.Answers[0]
	s.Answers = s.Answers[1:]
	return next, nil
}

// Terminal reads answers from an interactive terminal.
type Terminal struct {
	in  *bufio.Reader
	out io.Writer
}

// NewTerminal constructs a Terminal prompter.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: bufio.NewReader(in), out: out}
}

// Ask prints the failure and reads the first letter of a choice.
func (t *Terminal) Ask(ctx context.Context, req Request) (Choice, error) {
	labels := make([]string, 0, len(req.Choices))
	for _, c := range req.Choices {
		labels = append(labels, c.String())
	}
	for {
		fmt.Fprintf(t.out, "%s failed: %v\n[%s]? ", req.Step, req.Err, strings.Join(labels, "/"))
		line, err := t.in.ReadString('\n')
		if err != nil && line == "" {
			return Cancel, err
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		for _, c := range req.Choices {
			if answer != "" && strings.HasPrefix(c.String(), answer) {
				return c, nil
			}
		}
		if err != nil {
			return Cancel, err
		}
	}
}
