package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// DefaultMaxLineLength bounds a single request line, newline excluded.
const DefaultMaxLineLength = 4096

// NewLineScanner returns a scanner yielding newline-delimited lines of at most
// maxLen bytes. Longer lines stop the scanner with bufio.ErrTooLong.
func NewLineScanner(r io.Reader, maxLen int) *bufio.Scanner {
	if maxLen <= 0 {
		maxLen = DefaultMaxLineLength
	}
	sc := bufio.NewScanner(r)
	// +2 leaves room for the "\r\n" terminator.
	sc.Buffer(make([]byte, 0, min(maxLen+2, 4096)), maxLen+2)
	return sc
}

// WriteLine writes line followed by '\n'. Embedded newlines are replaced so a
// line can never be split on the wire.
func WriteLine(w io.Writer, line string) error {
	if strings.ContainsAny(line, "\r\n") {
		line = strings.NewReplacer("\r", " ", "\n", " ").Replace(line)
	}
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		return fmt.Errorf("protocol: write line: %w", err)
	}
	return nil
}
