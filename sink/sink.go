package sink

import (
	"context"
	"io"
)

// WriteRequest is one shard to persist under a destination-relative key.
type WriteRequest struct {
	Key         string
	Data        []byte
	ContentType string
}

// StreamWriter writes its contents to a destination writer and returns when
// done.
type StreamWriter interface {
	WriteTo(w io.Writer) error
}

// StreamWriteRequest carries a shard that is produced while writing, so the
// full payload never needs to sit in memory.
type StreamWriteRequest struct {
	Key         string
	ContentType string
	Writer      StreamWriter
}

// Sinkr persists shards. A write either lands the whole shard or fails; no
// partial-output cleanup is guaranteed.
type Sinkr interface {
	Write(ctx context.Context, req WriteRequest) error
}

// StreamSinkr is an optional interface for sinks that can stream a shard
// directly to the destination.
type StreamSinkr interface {
	WriteStream(ctx context.Context, req StreamWriteRequest) error
}
