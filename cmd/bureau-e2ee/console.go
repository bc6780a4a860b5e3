// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/bureau-foundation/e2ee/lib/command"
)

const prompt = "e2ee> "

// runConsole serves the operator console: one command per input line,
// its rendered result written to output. It returns true when the
// operator typed quit, and false on EOF or when ctx is done.
//
// Scanning happens on its own goroutine because a blocked read on
// stdin cannot be interrupted by ctx.
func runConsole(ctx context.Context, registry *command.Registry, input io.Reader, output io.Writer) bool {
	lines := make(chan string)
	go scanLines(ctx, input, lines)

	for {
		io.WriteString(output, prompt)
		var line string
		select {
		case <-ctx.Done():
			return false
		case next, ok := <-lines:
			if !ok {
				return false
			}
			line = strings.TrimSpace(next)
		}

		switch line {
		case "":
		case "quit", "exit":
			return true
		default:
			if rendered := registry.Execute(ctx, line); rendered != "" {
				fmt.Fprintln(output, rendered)
			}
		}
	}
}

func scanLines(ctx context.Context, input io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}
