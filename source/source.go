package source

import (
	"context"

	"github.com/baldanca/sales-etl/record"
)

// Sourcer yields raw input lines one at a time.
//
// Bounded sources return io.EOF from Receive once exhausted. Receive must
// respect context cancellation.
type Sourcer interface {
	Receive(ctx context.Context) (record.RawLine, error)
}

// Closer is an optional interface for sources holding resources (open files,
// connections). The pipeline closes the source after Run when implemented.
type Closer interface {
	Close() error
}
