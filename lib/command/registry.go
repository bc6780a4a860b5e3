// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"

	"github.com/bureau-foundation/e2ee/lib/clock"
)

// ErrUsage is returned by handlers whose arguments are wrong. The
// result carries the command's usage line.
var ErrUsage = errors.New("usage")

// internalError is the message returned for a panicking handler.
const internalError = "internal error; see the daemon log"

// Handler runs one command. args excludes the keyword.
type Handler func(ctx context.Context, args []string) (any, error)

type entry struct {
	name    string
	usage   string
	summary string
	handler Handler
}

// Registry maps keywords to handlers. It is safe for concurrent use.
type Registry struct {
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]entry
}

// New returns an empty Registry. A nil clock uses the real clock; a
// nil logger uses slog.Default.
func New(clk clock.Clock, logger *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{clock: clk, logger: logger, entries: make(map[string]entry)}
}

// Register adds a command. usage is the argument synopsis, for example
// "<transaction> <code>". Registering a name twice panics.
func (r *Registry) Register(name, usage, summary string, handler Handler) {
	if name == "" || strings.ContainsAny(name, " \t") {
		panic(fmt.Sprintf("command: invalid name %q", name))
	}
	if handler == nil {
		panic("command: nil handler for " + name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		panic("command: duplicate registration of " + name)
	}
	r.entries[name] = entry{name: name, usage: usage, summary: summary, handler: handler}
}

// Names returns the registered keywords, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Run parses line and runs the matching handler. An empty line
// returns a zero Result.
func (r *Registry) Run(ctx context.Context, line string) Result {
	args, err := Split(line)
	if err != nil {
		return Result{Status: StatusError, Error: err.Error()}
	}
	if len(args) == 0 {
		return Result{}
	}
	name, args := args[0], args[1:]

	r.mu.RLock()
	command, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Result{Command: name, Status: StatusError, Error: fmt.Sprintf("unknown command %q; try help", name)}
	}

	started := r.clock.Now()
	data, err := r.call(ctx, command, args)
	result := Result{
		Command:    name,
		Status:     StatusSuccess,
		Data:       data,
		DurationMS: r.clock.Now().Sub(started).Milliseconds(),
	}
	if err != nil {
		result.Status = StatusError
		result.Data = nil
		result.Error = err.Error()
		if errors.Is(err, ErrUsage) {
			result.Error = strings.TrimSpace("usage: " + name + " " + command.usage)
		}
		r.logger.Debug("command failed", "command", name, "error", err)
	}
	return result
}

// call runs the handler, converting a panic into an error.
func (r *Registry) call(ctx context.Context, command entry, args []string) (data any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("command handler panicked",
				"command", command.name,
				"panic", fmt.Sprint(recovered),
				"stack", string(debug.Stack()),
			)
			data, err = nil, errors.New(internalError)
		}
	}()
	return command.handler(ctx, args)
}

// Execute runs line and renders the result as console text. An empty
// line renders as "".
func (r *Registry) Execute(ctx context.Context, line string) string {
	result := r.Run(ctx, line)
	if result.Status == "" {
		return ""
	}
	return result.Text()
}

// Help lists every command with its usage and summary.
func (r *Registry) Help() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	width := 0
	for name, command := range r.entries {
		names = append(names, name)
		width = max(width, len(synopsis(command)))
	}
	slices.Sort(names)

	var builder strings.Builder
	for _, name := range names {
		command := r.entries[name]
		fmt.Fprintf(&builder, "  %-*s  %s\n", width, synopsis(command), command.summary)
	}
	return strings.TrimRight(builder.String(), "\n")
}

func synopsis(command entry) string {
	return strings.TrimSpace(command.name + " " + command.usage)
}

// Split breaks line into words on whitespace. Double quotes group
// words; a backslash inside quotes escapes the next character.
func Split(line string) ([]string, error) {
	var (
		words   []string
		current strings.Builder
		inWord  bool
		quoted  bool
		escaped bool
	)
	for _, char := range line {
		switch {
		case escaped:
			current.WriteRune(char)
			escaped = false
		case quoted && char == '\\':
			escaped = true
		case char == '"':
			quoted = !quoted
			inWord = true
		case !quoted && (char == ' ' || char == '\t' || char == '\n' || char == '\r'):
			if inWord {
				words = append(words, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteRune(char)
			inWord = true
		}
	}
	if quoted || escaped {
		return nil, errors.New("unterminated quote")
	}
	if inWord {
		words = append(words, current.String())
	}
	return words, nil
}
