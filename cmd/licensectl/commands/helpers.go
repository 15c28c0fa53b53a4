// Package commands contains the licensectl command implementations.
package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// IOTuple holds reader and writer for commands, allowing for testing.
type IOTuple struct {
	Reader io.Reader
	Writer io.Writer
}

// DefaultIO returns an IOTuple with os.Stdin and os.Stdout.
func DefaultIO() IOTuple {
	return IOTuple{
		Reader: os.Stdin,
		Writer: os.Stdout,
	}
}

// readSecret reads a secret value from the reader, trimming the
// trailing newline a shell or pipe appends. Secrets travel through
// stdin so they never show up in process listings or shell history.
func readSecret(r io.Reader) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read value: %w", err)
	}
	value := strings.TrimRight(string(raw), "\r\n")
	if value == "" {
		return "", fmt.Errorf("value is empty")
	}
	return value, nil
}

// outputJSON writes v to the writer as indented JSON for machine
// consumption.
func outputJSON(v interface{}, writer io.Writer) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	_, _ = fmt.Fprintln(writer, string(raw))
	return nil
}
