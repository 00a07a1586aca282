package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/baldanca/sales-etl/record"
)

// File reads a delimited text file one line per Receive, skipping the first
// (header) line. A missing or unreadable file fails at construction.
type File struct {
	f    *os.File
	sc   *bufio.Scanner
	line int

	skippedHeader bool
	done          bool
}

// NewFile opens path for reading. The header line is consumed lazily on the
// first Receive.
func NewFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	return &File{f: f, sc: bufio.NewScanner(f)}, nil
}

// NewReader wraps an arbitrary reader. Useful for tests and in-memory input.
func NewReader(r io.Reader) *File {
	return &File{sc: bufio.NewScanner(r)}
}

// Receive returns the next data line. It returns io.EOF once the file is
// exhausted and keeps returning io.EOF afterwards.
func (s *File) Receive(ctx context.Context) (record.RawLine, error) {
	if err := ctx.Err(); err != nil {
		return record.RawLine{}, err
	}
	if s.done {
		return record.RawLine{}, io.EOF
	}

	if !s.skippedHeader {
		s.skippedHeader = true
		if !s.scan() {
			return record.RawLine{}, s.finish()
		}
	}

	if !s.scan() {
		return record.RawLine{}, s.finish()
	}
	return record.RawLine{Text: s.sc.Text(), Number: s.line}, nil
}

func (s *File) scan() bool {
	if s.sc.Scan() {
		s.line++
		return true
	}
	return false
}

func (s *File) finish() error {
	s.done = true
	if err := s.sc.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return io.EOF
}

// Close releases the underlying file, if any.
func (s *File) Close() error {
	if s.f == nil {
		return nil
	}
	return s.f.Close()
}
