package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/baldanca/sales-etl/batcher"
	"github.com/baldanca/sales-etl/encoder"
	"github.com/baldanca/sales-etl/partition"
	"github.com/baldanca/sales-etl/record"
	"github.com/baldanca/sales-etl/sink"
	"github.com/baldanca/sales-etl/source"
	"github.com/baldanca/sales-etl/transform"
	"github.com/baldanca/sales-etl/window"
)

// KeyFunc names one shard of a class. shard is 0-based and increases in flush
// order.
type KeyFunc func(class partition.Class, shard int) (string, error)

// DefaultKeyFunc yields deterministic keys: <class>/part-NNNNN<ext>.
func DefaultKeyFunc(ext string) KeyFunc {
	return func(class partition.Class, shard int) (string, error) {
		return fmt.Sprintf("%s/part-%05d%s", class, shard, ext), nil
	}
}

// UniqueKeyFunc adds a per-pipeline random infix so concurrent runs against
// the same destination cannot collide.
func UniqueKeyFunc(ext string) KeyFunc {
	run := uuid.NewString()[:8]
	return func(class partition.Class, shard int) (string, error) {
		return fmt.Sprintf("%s/part-%s-%05d%s", class, run, shard, ext), nil
	}
}

// ClassOutput is the destination for one output class.
type ClassOutput struct {
	Encoder encoder.Encoder[record.EnrichedRecord]
	Sink    sink.Sinkr
	// KeyFunc defaults to DefaultKeyFunc with the encoder's extension.
	KeyFunc KeyFunc
}

// Outputs holds one destination per class. Both are required.
type Outputs struct {
	HighValue ClassOutput
	Regular   ClassOutput
}

func (o Outputs) forClass(c partition.Class) ClassOutput {
	if c == partition.ClassHighValue {
		return o.HighValue
	}
	return o.Regular
}

// AggregateOutput is the optional destination for windowed per-customer sums.
type AggregateOutput struct {
	Encoder encoder.Encoder[window.Result]
	Sink    sink.Sinkr
	// Key names the single aggregate shard. Defaults to
	// "aggregates/part-00000" plus the encoder extension.
	Key string
}

// Tracker records run lifecycle events, typically into a tracking.Store.
type Tracker interface {
	RunStarted(ctx context.Context, runID string, cfg Config) error
	RunFinished(ctx context.Context, runID string, stats Stats, runErr error) error
}

// Stats summarizes one run.
type Stats struct {
	LinesRead     int64
	Parsed        int64
	ParseDropped  int64
	Filtered      int64
	HighValue     int64
	Regular       int64
	LateDropped   int64
	ShardsWritten int64
	Aggregates    int64
	Elapsed       time.Duration
}

// Pipeline is the wired transform graph: source -> parse -> enrich -> filter
// -> partition -> per-class shards, plus the optional windowed aggregation.
// It either runs to completion or fails as a whole.
type Pipeline struct {
	cfg  Config
	src  source.Sourcer
	outs Outputs

	parse  transform.Transformer[record.RawLine, record.SalesRecord]
	enrich transform.Transformer[record.SalesRecord, record.EnrichedRecord]
	filter transform.Transformer[record.EnrichedRecord, record.EnrichedRecord]
	part   partition.Partitioner

	retry   RetryPolicy
	tracker Tracker
	logger  *slog.Logger
	agg     *AggregateOutput
}

// New validates the wiring. Both class outputs need an encoder and a sink.
func New(cfg Config, src source.Sourcer, outs Outputs) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("source is nil")
	}
	for _, c := range partition.Classes() {
		out := outs.forClass(c)
		if out.Encoder == nil {
			return nil, fmt.Errorf("%s output: encoder is nil", c)
		}
		if out.Sink == nil {
			return nil, fmt.Errorf("%s output: sink is nil", c)
		}
	}

	return &Pipeline{
		cfg:    cfg,
		src:    src,
		outs:   outs,
		parse:  transform.ParseSales{},
		enrich: transform.Enrich{FXRate: cfg.FXRate},
		filter: transform.SignificanceFilter{Threshold: cfg.SignificanceThreshold},
		part:   partition.Partitioner{HighValueThreshold: cfg.HighValueThreshold},
		retry:  nopRetry{},
	}, nil
}

// SetRetryPolicy wraps sink writes. nil restores the default (no retry).
func (p *Pipeline) SetRetryPolicy(r RetryPolicy) {
	if r == nil {
		p.retry = nopRetry{}
		return
	}
	p.retry = r
}

// SetTracker records run starts and finishes. nil disables tracking.
func (p *Pipeline) SetTracker(t Tracker) { p.tracker = t }

// SetLogger enables progress logging. nil keeps the pipeline silent.
func (p *Pipeline) SetLogger(l *slog.Logger) { p.logger = l }

// SetAggregateOutput enables the windowed aggregation path using the
// configured WindowSize and AllowedLateness.
func (p *Pipeline) SetAggregateOutput(out AggregateOutput) error {
	if out.Encoder == nil {
		return fmt.Errorf("aggregate output: encoder is nil")
	}
	if out.Sink == nil {
		return fmt.Errorf("aggregate output: sink is nil")
	}
	if out.Key == "" {
		out.Key = "aggregates/part-00000" + out.Encoder.FileExtension()
	}
	p.agg = &out
	return nil
}

type classState struct {
	class  partition.Class
	out    ClassOutput
	keys   KeyFunc
	b      *batcher.Batcher[record.EnrichedRecord]
	shards int
}

// Run executes the pipeline until the source is exhausted. Malformed and
// filtered records are dropped silently (counted in Stats); source and sink
// failures abort the run.
func (p *Pipeline) Run(ctx context.Context) (Stats, error) {
	runID := uuid.NewString()
	if p.tracker != nil {
		if err := p.tracker.RunStarted(ctx, runID, p.cfg); err != nil {
			return Stats{}, fmt.Errorf("tracker: %w", err)
		}
	}
	if p.logger != nil {
		p.logger.Info("pipeline run starting", "run_id", runID)
	}

	start := time.Now()
	stats, err := p.run(ctx)
	stats.Elapsed = time.Since(start)

	if p.tracker != nil {
		// Best effort even when the run context is gone.
		if terr := p.tracker.RunFinished(context.WithoutCancel(ctx), runID, stats, err); terr != nil && err == nil {
			err = fmt.Errorf("tracker: %w", terr)
		}
	}
	if p.logger != nil {
		if err != nil {
			p.logger.Error("pipeline run failed", "run_id", runID, "error", err)
		} else {
			p.logger.Info("pipeline run complete",
				"run_id", runID,
				"lines_read", stats.LinesRead,
				"parse_dropped", stats.ParseDropped,
				"filtered", stats.Filtered,
				"high_value", stats.HighValue,
				"regular", stats.Regular,
				"shards", stats.ShardsWritten,
				"elapsed", stats.Elapsed,
			)
		}
	}
	return stats, err
}

func (p *Pipeline) run(ctx context.Context) (Stats, error) {
	var stats Stats

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.FlushWorkers)

	bcfg := batcher.Config{
		MaxItems:          p.cfg.ShardMaxItems,
		MaxEstimatedBytes: p.cfg.ShardMaxBytes,
		// Flushed shards are handed to the worker group, so buffers are not
		// reused.
		ReuseBuffers: false,
	}

	states := make([]*classState, 0, 2)
	byClass := map[partition.Class]*classState{}
	for _, c := range partition.Classes() {
		out := p.outs.forClass(c)
		keys := out.KeyFunc
		if keys == nil {
			keys = DefaultKeyFunc(out.Encoder.FileExtension())
		}
		b, err := batcher.New[record.EnrichedRecord](bcfg)
		if err != nil {
			return stats, err
		}
		st := &classState{class: c, out: out, keys: keys, b: b}
		states = append(states, st)
		byClass[c] = st
	}

	var agg *window.Aggregator
	if p.agg != nil {
		a, err := window.NewAggregator(p.cfg.WindowSize)
		if err != nil {
			return stats, err
		}
		if p.cfg.AllowedLateness >= 0 {
			a.SetAllowedLateness(p.cfg.AllowedLateness)
		}
		agg = a
	}

	defer func() {
		if c, ok := p.src.(source.Closer); ok {
			_ = c.Close()
		}
	}()

	for {
		raw, err := p.src.Receive(gctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			werr := g.Wait()
			if werr != nil {
				return stats, werr
			}
			return stats, fmt.Errorf("source: %w", err)
		}
		stats.LinesRead++

		rec, err := p.parse.Transform(gctx, raw)
		if err != nil {
			if errors.Is(err, transform.ErrDrop) {
				stats.ParseDropped++
				continue
			}
			_ = g.Wait()
			return stats, err
		}
		stats.Parsed++

		enr, err := p.enrich.Transform(gctx, rec)
		if err != nil {
			_ = g.Wait()
			return stats, err
		}

		if _, err := p.filter.Transform(gctx, enr); err != nil {
			if errors.Is(err, transform.ErrDrop) {
				stats.Filtered++
				continue
			}
			_ = g.Wait()
			return stats, err
		}

		if agg != nil && !agg.Add(enr) {
			stats.LateDropped++
		}

		class := p.part.Classify(enr)
		if class == partition.ClassHighValue {
			stats.HighValue++
		} else {
			stats.Regular++
		}

		st := byClass[class]
		if st.b.Add(enr, estimateLineBytes(enr)) {
			if err := p.flushShard(gctx, g, st, &stats); err != nil {
				_ = g.Wait()
				return stats, err
			}
		}
	}

	// Final flush for both classes, then the aggregate output.
	for _, st := range states {
		if err := p.flushShard(gctx, g, st, &stats); err != nil {
			_ = g.Wait()
			return stats, err
		}
	}

	if agg != nil {
		results := agg.Results()
		stats.Aggregates = int64(len(results))
		out := *p.agg
		g.Go(func() error {
			data, err := out.Encoder.Encode(gctx, results)
			if err != nil {
				return fmt.Errorf("encode aggregates: %w", err)
			}
			req := sink.WriteRequest{Key: out.Key, Data: data, ContentType: out.Encoder.ContentType()}
			if err := p.retry.Do(gctx, func(ctx context.Context) error {
				return out.Sink.Write(ctx, req)
			}); err != nil {
				return fmt.Errorf("write aggregates: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, nil
}

// flushShard cuts the current batch (if any) and hands it to the worker
// group. Key assignment stays on the caller goroutine so shard numbering is
// deterministic.
func (p *Pipeline) flushShard(gctx context.Context, g *errgroup.Group, st *classState, stats *Stats) error {
	batch := st.b.Flush()
	if len(batch.Items) == 0 {
		return nil
	}

	key, err := st.keys(st.class, st.shards)
	if err != nil {
		return fmt.Errorf("%s shard key: %w", st.class, err)
	}
	st.shards++
	stats.ShardsWritten++

	class := st.class
	out := st.out
	items := batch.Items

	g.Go(func() error {
		if err := p.writeShard(gctx, out, class, key, items); err != nil {
			return err
		}
		if p.logger != nil {
			p.logger.Debug("shard written", "class", class.String(), "key", key, "records", len(items))
		}
		return nil
	})
	return nil
}

// writeShard persists one shard, preferring the streaming path when both the
// encoder and the sink support it. Retries re-encode, so a half-written
// attempt never poisons the next one.
func (p *Pipeline) writeShard(ctx context.Context, out ClassOutput, class partition.Class, key string, items []record.EnrichedRecord) error {
	if se, ok := out.Encoder.(encoder.StreamEncoder[record.EnrichedRecord]); ok {
		if ss, ok := out.Sink.(sink.StreamSinkr); ok {
			req := sink.StreamWriteRequest{
				Key:         key,
				ContentType: out.Encoder.ContentType(),
				Writer: streamWriterFunc(func(w io.Writer) error {
					return se.EncodeTo(ctx, items, w)
				}),
			}
			if err := p.retry.Do(ctx, func(ctx context.Context) error {
				return ss.WriteStream(ctx, req)
			}); err != nil {
				return fmt.Errorf("stream %s shard %q: %w", class, key, err)
			}
			return nil
		}
	}

	data, err := out.Encoder.Encode(ctx, items)
	if err != nil {
		return fmt.Errorf("encode %s shard %q: %w", class, key, err)
	}
	req := sink.WriteRequest{Key: key, Data: data, ContentType: out.Encoder.ContentType()}
	if err := p.retry.Do(ctx, func(ctx context.Context) error {
		return out.Sink.Write(ctx, req)
	}); err != nil {
		return fmt.Errorf("write %s shard %q: %w", class, key, err)
	}
	return nil
}

type streamWriterFunc func(io.Writer) error

func (f streamWriterFunc) WriteTo(w io.Writer) error { return f(w) }

// estimateLineBytes approximates the encoded text size of one record,
// including separators and newline.
func estimateLineBytes(r record.EnrichedRecord) int64 {
	fields := record.OutputFields(r)
	n := len(fields)
	for _, f := range fields {
		n += len(f)
	}
	return int64(n)
}
