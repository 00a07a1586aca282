package encoder

import (
	"context"
	"io"
)

// Encoder converts a slice of typed records into one shard payload.
//
// Implementations must be safe for concurrent use unless documented otherwise.
type Encoder[T any] interface {
	Encode(ctx context.Context, items []T) (data []byte, err error)
	FileExtension() string
	ContentType() string
}

// StreamEncoder is an optional interface for encoders that can write directly
// to an io.Writer, avoiding a full in-memory copy of the shard.
type StreamEncoder[T any] interface {
	EncodeTo(ctx context.Context, items []T, w io.Writer) error
	FileExtension() string
	ContentType() string
}
