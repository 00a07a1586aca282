package encoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
)

// CSV encodes records as delimited text, one line per record, no header.
// Fields projects a record onto its output columns.
type CSV[T any] struct {
	fields func(T) []string
}

// NewCSV builds a CSV encoder from a field projection.
func NewCSV[T any](fields func(T) []string) (CSV[T], error) {
	if fields == nil {
		return CSV[T]{}, errors.New("fields projection is required")
	}
	return CSV[T]{fields: fields}, nil
}

func (e CSV[T]) FileExtension() string { return ".csv" }
func (e CSV[T]) ContentType() string   { return "text/csv" }

func (e CSV[T]) Encode(ctx context.Context, items []T) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.EncodeTo(ctx, items, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e CSV[T]) EncodeTo(ctx context.Context, items []T, w io.Writer) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	for _, it := range items {
		if _, err := bw.WriteString(strings.Join(e.fields(it), ",")); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return ctxErr(ctx)
}

// EstimateLineBytes is the encoded size of one record including the newline.
// The pipeline uses it to cut shards by bytes without encoding twice.
func (e CSV[T]) EstimateLineBytes(item T) int64 {
	fields := e.fields(item)
	n := len(fields) // separators plus newline
	for _, f := range fields {
		n += len(f)
	}
	return int64(n)
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
