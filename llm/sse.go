package llm

import (
	"bufio"
	"bytes"
	"io"
)

// sseScanner reads data lines from a Server-Sent Events stream.
type sseScanner struct {
	scanner *bufio.Scanner
	data    string
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{scanner: bufio.NewScanner(r)}
}

// Scan advances to the next event, skipping blank separator lines.
func (s *sseScanner) Scan() bool {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if bytes.HasPrefix(line, []byte("data: ")) {
			s.data = string(bytes.TrimPrefix(line, []byte("data: ")))
			return true
		}
		if bytes.HasPrefix(line, []byte("data:")) {
			s.data = string(bytes.TrimPrefix(line, []byte("data:")))
			return true
		}
	}
	return false
}

func (s *sseScanner) Data() string { return s.data }

func (s *sseScanner) Err() error { return s.scanner.Err() }
