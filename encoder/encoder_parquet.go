package encoder

import (
	"bytes"
	"context"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

// ParquetCompression selects the column compression codec.
type ParquetCompression string

const (
	ParquetCompressionNone   ParquetCompression = ""
	ParquetCompressionSnappy ParquetCompression = "snappy"
	ParquetCompressionGzip   ParquetCompression = "gzip"
	ParquetCompressionZstd   ParquetCompression = "zstd"
)

// Parquet encodes record shards as parquet files. The record type's parquet
// struct tags define the schema.
type Parquet[T any] struct {
	compression ParquetCompression
}

func NewParquet[T any](compression ParquetCompression) Parquet[T] {
	return Parquet[T]{compression: compression}
}

func (e Parquet[T]) FileExtension() string { return ".parquet" }
func (e Parquet[T]) ContentType() string   { return "application/vnd.apache.parquet" }

func (e Parquet[T]) Encode(ctx context.Context, items []T) ([]byte, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	options := make([]parquet.WriterOption, 0, 1)
	switch e.compression {
	case ParquetCompressionNone:
	case ParquetCompressionSnappy:
		options = append(options, parquet.Compression(&parquet.Snappy))
	case ParquetCompressionGzip:
		options = append(options, parquet.Compression(&parquet.Gzip))
	case ParquetCompressionZstd:
		options = append(options, parquet.Compression(&parquet.Zstd))
	default:
		return nil, fmt.Errorf("unsupported parquet compression: %q", e.compression)
	}

	output := &bytes.Buffer{}
	w := parquet.NewGenericWriter[T](output, options...)

	if _, err := w.Write(items); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	return output.Bytes(), nil
}
