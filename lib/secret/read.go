// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
)

// ReadFromPath reads a secret from a file, or the first line of stdin
// when path is "-". Files readable by group or others are refused:
// they hold pickle keys and must be as private as an ssh key. The
// caller owns and must Close the result.
func ReadFromPath(path string) (*Buffer, error) {
	if path == "-" {
		return ReadFrom(os.Stdin)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("secret: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("secret: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return nil, fmt.Errorf("secret: %s has mode %04o; it must not be accessible to group or others", path, mode)
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("secret: reading %s: %w", path, err)
	}
	defer Zero(data)
	return fromTrimmed(data, path)
}

// ReadFrom reads one line from reader, such as a password piped to
// stdin.
func ReadFrom(reader io.Reader) (*Buffer, error) {
	scanner := bufio.NewScanner(reader)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("secret: reading input: %w", err)
		}
		return nil, fmt.Errorf("secret: input is empty")
	}
	line := scanner.Bytes()
	defer Zero(line)
	return fromTrimmed(line, "input")
}

// fromTrimmed protects data without its surrounding whitespace. data
// is left for the caller to zero.
func fromTrimmed(data []byte, source string) (*Buffer, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("secret: %s is empty", source)
	}
	buffer, err := New(len(trimmed))
	if err != nil {
		return nil, err
	}
	copy(buffer.data, trimmed)
	return buffer, nil
}
