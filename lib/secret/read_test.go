// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadFromPath(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{name: "plain value", content: "AGE-SECRET-KEY-1ABC", want: "AGE-SECRET-KEY-1ABC"},
		{name: "trailing newline", content: "AGE-SECRET-KEY-1ABC\n", want: "AGE-SECRET-KEY-1ABC"},
		{name: "surrounding whitespace", content: "  AGE-SECRET-KEY-1ABC \n", want: "AGE-SECRET-KEY-1ABC"},
		{name: "whitespace only", content: " \n\t", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tempDir, tt.name)
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			buffer, err := ReadFromPath(path)
			if tt.wantErr {
				if err == nil {
					buffer.Close()
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadFromPath: %v", err)
			}
			defer buffer.Close()
			if got := buffer.String(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		if _, err := ReadFromPath(filepath.Join(tempDir, "absent")); err == nil {
			t.Fatal("expected error for missing file")
		}
	})

	t.Run("group readable", func(t *testing.T) {
		path := filepath.Join(tempDir, "shared")
		if err := os.WriteFile(path, []byte("AGE-SECRET-KEY-1ABC"), 0600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if err := os.Chmod(path, 0640); err != nil {
			t.Fatalf("Chmod: %v", err)
		}
		buffer, err := ReadFromPath(path)
		if err == nil {
			buffer.Close()
			t.Fatal("expected error for a group-readable file")
		}
		if !strings.Contains(err.Error(), "0640") {
			t.Errorf("error %q does not name the mode", err)
		}
	})
}

func TestReadFrom(t *testing.T) {
	buffer, err := ReadFrom(strings.NewReader("  hunter2  \nsecond line\n"))
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	defer buffer.Close()
	if got := buffer.String(); got != "hunter2" {
		t.Errorf("got %q, want %q", got, "hunter2")
	}

	for _, input := range []string{"", "\n", "   \nhunter2\n"} {
		if buffer, err := ReadFrom(strings.NewReader(input)); err == nil {
			buffer.Close()
			t.Errorf("ReadFrom(%q) succeeded, want error", input)
		}
	}
}
