package pipeline

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/baldanca/sales-etl/encoder"
	"github.com/baldanca/sales-etl/record"
	"github.com/baldanca/sales-etl/sink"
	"github.com/baldanca/sales-etl/source"
	"github.com/baldanca/sales-etl/window"
)

type memSink struct {
	mu     sync.Mutex
	writes map[string][]byte
	calls  int

	failFirst int // fail this many writes before succeeding
	err       error
}

func (m *memSink) Write(_ context.Context, req sink.WriteRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.failFirst > 0 {
		m.failFirst--
		return errors.New("transient write failure")
	}
	if m.err != nil {
		return m.err
	}

	if m.writes == nil {
		m.writes = map[string][]byte{}
	}
	buf := make([]byte, len(req.Data))
	copy(buf, req.Data)
	m.writes[req.Key] = buf
	return nil
}

func (m *memSink) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.writes))
	for k := range m.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *memSink) lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lines []string
	for _, data := range m.writes {
		for _, l := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
			if l != "" {
				lines = append(lines, l)
			}
		}
	}
	sort.Strings(lines)
	return lines
}

func csvOutputs(t *testing.T, hv, reg *memSink) Outputs {
	t.Helper()

	enc, err := encoder.NewCSV(record.OutputFields)
	if err != nil {
		t.Fatalf("NewCSV: %v", err)
	}
	return Outputs{
		HighValue: ClassOutput{Encoder: enc, Sink: hv},
		Regular:   ClassOutput{Encoder: enc, Sink: reg},
	}
}

const sampleInput = "order_id,customer,amount,timestamp\n" +
	"O1,Alice,600,2024-01-01T00:00:00\n" + // high value
	"O2,Bob,-5,2024-01-01T00:00:00\n" + // dropped: non-positive amount
	"O3,Carol,50,2024-01-01T00:00:00\n" + // filtered: below significance
	"O4,Dave,500,2024-01-01T00:02:00\n" // regular: equal to threshold stays regular

func TestPipeline_Run_EndToEnd(t *testing.T) {
	hv := &memSink{}
	reg := &memSink{}

	p, err := New(DefaultConfig, source.NewReader(strings.NewReader(sampleInput)), csvOutputs(t, hv, reg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := Stats{
		LinesRead:     4,
		Parsed:        3,
		ParseDropped:  1,
		Filtered:      1,
		HighValue:     1,
		Regular:       1,
		ShardsWritten: 2,
	}
	stats.Elapsed = 0
	if !reflect.DeepEqual(stats, want) {
		t.Fatalf("stats=%+v want=%+v", stats, want)
	}

	if got := hv.keys(); !reflect.DeepEqual(got, []string{"high-value/part-00000.csv"}) {
		t.Fatalf("high-value keys=%v", got)
	}
	if got := string(hv.writes["high-value/part-00000.csv"]); got != "Alice,600,2024-01-01T00:00:00\n" {
		t.Fatalf("high-value shard=%q", got)
	}

	if got := reg.keys(); !reflect.DeepEqual(got, []string{"regular/part-00000.csv"}) {
		t.Fatalf("regular keys=%v", got)
	}
	if got := string(reg.writes["regular/part-00000.csv"]); got != "Dave,500,2024-01-01T00:02:00\n" {
		t.Fatalf("regular shard=%q", got)
	}
}

func TestPipeline_Run_SplitsShardsByMaxItems(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("order_id,customer,amount,timestamp\n")
	wantLines := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		customer := string(rune('A' + i))
		sb.WriteString("O" + customer + "," + customer + ",200,2024-01-01T00:00:00\n")
		wantLines = append(wantLines, customer+",200,2024-01-01T00:00:00")
	}

	cfg := DefaultConfig
	cfg.ShardMaxItems = 2
	cfg.FlushWorkers = 2

	hv := &memSink{}
	reg := &memSink{}
	p, err := New(cfg, source.NewReader(strings.NewReader(sb.String())), csvOutputs(t, hv, reg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantKeys := []string{
		"regular/part-00000.csv",
		"regular/part-00001.csv",
		"regular/part-00002.csv",
	}
	if got := reg.keys(); !reflect.DeepEqual(got, wantKeys) {
		t.Fatalf("regular keys=%v want=%v", got, wantKeys)
	}
	if stats.ShardsWritten != 3 {
		t.Fatalf("ShardsWritten=%d want=3", stats.ShardsWritten)
	}

	sort.Strings(wantLines)
	if got := reg.lines(); !reflect.DeepEqual(got, wantLines) {
		t.Fatalf("lines=%v want=%v", got, wantLines)
	}
	if got := len(hv.keys()); got != 0 {
		t.Fatalf("high-value shards=%d want=0", got)
	}
}

func TestPipeline_Run_Idempotent(t *testing.T) {
	run := func() (map[string][]byte, map[string][]byte) {
		hv := &memSink{}
		reg := &memSink{}
		p, err := New(DefaultConfig, source.NewReader(strings.NewReader(sampleInput)), csvOutputs(t, hv, reg))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if _, err := p.Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}
		return hv.writes, reg.writes
	}

	hv1, reg1 := run()
	hv2, reg2 := run()

	if !reflect.DeepEqual(hv1, hv2) {
		t.Fatalf("high-value output differs between runs: %v vs %v", hv1, hv2)
	}
	if !reflect.DeepEqual(reg1, reg2) {
		t.Fatalf("regular output differs between runs: %v vs %v", reg1, reg2)
	}
}

func TestPipeline_Run_SinkErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	hv := &memSink{err: boom}
	reg := &memSink{}

	p, err := New(DefaultConfig, source.NewReader(strings.NewReader(sampleInput)), csvOutputs(t, hv, reg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := p.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestPipeline_Run_RetriesSinkWrites(t *testing.T) {
	hv := &memSink{failFirst: 2}
	reg := &memSink{}

	p, err := New(DefaultConfig, source.NewReader(strings.NewReader(sampleInput)), csvOutputs(t, hv, reg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.SetRetryPolicy(SimpleRetry{Attempts: 5, BaseDelay: time.Nanosecond, MaxDelay: time.Nanosecond})

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	hv.mu.Lock()
	defer hv.mu.Unlock()
	if hv.calls != 3 {
		t.Fatalf("calls=%d want=3", hv.calls)
	}
	if got := string(hv.writes["high-value/part-00000.csv"]); got != "Alice,600,2024-01-01T00:00:00\n" {
		t.Fatalf("high-value shard=%q", got)
	}
}

func TestPipeline_Run_AggregateOutput(t *testing.T) {
	input := "order_id,customer,amount,timestamp\n" +
		"O1,Alice,600,2024-01-01T00:00:10\n" +
		"O2,Alice,700,2024-01-01T00:00:50\n" +
		"O3,Bob,200,2024-01-01T00:01:10\n"

	hv := &memSink{}
	reg := &memSink{}
	aggSink := &memSink{}

	p, err := New(DefaultConfig, source.NewReader(strings.NewReader(input)), csvOutputs(t, hv, reg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	aggEnc, err := encoder.NewCSV(window.OutputFields)
	if err != nil {
		t.Fatalf("NewCSV: %v", err)
	}
	if err := p.SetAggregateOutput(AggregateOutput{Encoder: aggEnc, Sink: aggSink}); err != nil {
		t.Fatalf("SetAggregateOutput: %v", err)
	}

	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Aggregates != 2 {
		t.Fatalf("Aggregates=%d want=2", stats.Aggregates)
	}

	want := "Alice,2024-01-01T00:00:00Z,1300\n" +
		"Bob,2024-01-01T00:01:00Z,200\n"
	if got := string(aggSink.writes["aggregates/part-00000.csv"]); got != want {
		t.Fatalf("aggregates=%q want=%q", got, want)
	}
}

func TestPipeline_Run_CountsLateRecords(t *testing.T) {
	// The second record arrives after the watermark passed its window.
	input := "order_id,customer,amount,timestamp\n" +
		"O1,Alice,600,2024-01-01T00:05:00\n" +
		"O2,Bob,200,2024-01-01T00:00:00\n"

	cfg := DefaultConfig
	cfg.AllowedLateness = 0

	hv := &memSink{}
	reg := &memSink{}
	aggSink := &memSink{}

	p, err := New(cfg, source.NewReader(strings.NewReader(input)), csvOutputs(t, hv, reg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	aggEnc, err := encoder.NewCSV(window.OutputFields)
	if err != nil {
		t.Fatalf("NewCSV: %v", err)
	}
	if err := p.SetAggregateOutput(AggregateOutput{Encoder: aggEnc, Sink: aggSink}); err != nil {
		t.Fatalf("SetAggregateOutput: %v", err)
	}

	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.LateDropped != 1 {
		t.Fatalf("LateDropped=%d want=1", stats.LateDropped)
	}
	if stats.Aggregates != 1 {
		t.Fatalf("Aggregates=%d want=1", stats.Aggregates)
	}

	// Late records are only excluded from the aggregation; they still reach
	// their class output.
	if got := string(reg.writes["regular/part-00000.csv"]); got != "Bob,200,2024-01-01T00:00:00\n" {
		t.Fatalf("regular shard=%q", got)
	}
}

type streamSink struct {
	memSink
	streams int
}

func (s *streamSink) WriteStream(_ context.Context, req sink.StreamWriteRequest) error {
	var buf bytes.Buffer
	if err := req.Writer.WriteTo(&buf); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams++
	if s.writes == nil {
		s.writes = map[string][]byte{}
	}
	s.writes[req.Key] = buf.Bytes()
	return nil
}

func TestPipeline_Run_PrefersStreamingSinks(t *testing.T) {
	hv := &streamSink{}
	reg := &memSink{}

	enc, err := encoder.NewCSV(record.OutputFields)
	if err != nil {
		t.Fatalf("NewCSV: %v", err)
	}

	p, err := New(DefaultConfig, source.NewReader(strings.NewReader(sampleInput)), Outputs{
		HighValue: ClassOutput{Encoder: enc, Sink: hv},
		Regular:   ClassOutput{Encoder: enc, Sink: reg},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	hv.mu.Lock()
	defer hv.mu.Unlock()
	if hv.streams != 1 || hv.calls != 0 {
		t.Fatalf("streams=%d calls=%d want streaming only", hv.streams, hv.calls)
	}
	if got := string(hv.writes["high-value/part-00000.csv"]); got != "Alice,600,2024-01-01T00:00:00\n" {
		t.Fatalf("high-value shard=%q", got)
	}
}

type fakeTracker struct {
	mu sync.Mutex

	startedID  string
	finishedID string
	stats      Stats
	runErr     error

	startErr error
}

func (f *fakeTracker) RunStarted(_ context.Context, runID string, _ Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startedID = runID
	return f.startErr
}

func (f *fakeTracker) RunFinished(_ context.Context, runID string, stats Stats, runErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishedID = runID
	f.stats = stats
	f.runErr = runErr
	return nil
}

func TestPipeline_Run_NotifiesTracker(t *testing.T) {
	hv := &memSink{}
	reg := &memSink{}

	p, err := New(DefaultConfig, source.NewReader(strings.NewReader(sampleInput)), csvOutputs(t, hv, reg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tr := &fakeTracker{}
	p.SetTracker(tr)

	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.startedID == "" || tr.startedID != tr.finishedID {
		t.Fatalf("run ids: started=%q finished=%q", tr.startedID, tr.finishedID)
	}
	if tr.runErr != nil {
		t.Fatalf("tracker saw error: %v", tr.runErr)
	}
	if tr.stats.LinesRead != stats.LinesRead {
		t.Fatalf("tracker stats=%+v want=%+v", tr.stats, stats)
	}
}

func TestPipeline_Run_TrackerSeesFailure(t *testing.T) {
	boom := errors.New("boom")
	hv := &memSink{err: boom}
	reg := &memSink{}

	p, err := New(DefaultConfig, source.NewReader(strings.NewReader(sampleInput)), csvOutputs(t, hv, reg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tr := &fakeTracker{}
	p.SetTracker(tr)

	if _, err := p.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !errors.Is(tr.runErr, boom) {
		t.Fatalf("tracker runErr=%v want boom", tr.runErr)
	}
}

func TestPipeline_Run_TrackerStartErrorAborts(t *testing.T) {
	hv := &memSink{}
	reg := &memSink{}

	p, err := New(DefaultConfig, source.NewReader(strings.NewReader(sampleInput)), csvOutputs(t, hv, reg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	boom := errors.New("ledger down")
	p.SetTracker(&fakeTracker{startErr: boom})

	if _, err := p.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := len(hv.keys()) + len(reg.keys()); got != 0 {
		t.Fatalf("expected no writes, got %d", got)
	}
}

func TestNew_Validation(t *testing.T) {
	hv := &memSink{}
	reg := &memSink{}
	outs := csvOutputs(t, hv, reg)

	if _, err := New(DefaultConfig, nil, outs); err == nil {
		t.Fatalf("expected error for nil source")
	}

	bad := outs
	bad.HighValue.Sink = nil
	if _, err := New(DefaultConfig, source.NewReader(strings.NewReader("")), bad); err == nil {
		t.Fatalf("expected error for nil sink")
	}

	bad = outs
	bad.Regular.Encoder = nil
	if _, err := New(DefaultConfig, source.NewReader(strings.NewReader("")), bad); err == nil {
		t.Fatalf("expected error for nil encoder")
	}

	cfg := DefaultConfig
	cfg.FXRate = -1
	if _, err := New(cfg, source.NewReader(strings.NewReader("")), outs); err == nil {
		t.Fatalf("expected error for invalid config")
	}
}

func TestKeyFuncs(t *testing.T) {
	key, err := DefaultKeyFunc(".csv")(1, 7)
	if err != nil {
		t.Fatalf("DefaultKeyFunc: %v", err)
	}
	if key != "high-value/part-00007.csv" {
		t.Fatalf("key=%q", key)
	}

	unique := UniqueKeyFunc(".parquet")
	k1, err := unique(0, 0)
	if err != nil {
		t.Fatalf("UniqueKeyFunc: %v", err)
	}
	k2, _ := unique(0, 1)
	if !strings.HasPrefix(k1, "regular/part-") || !strings.HasSuffix(k1, "-00000.parquet") {
		t.Fatalf("key=%q", k1)
	}
	if k1[:len(k1)-len("00000.parquet")] != k2[:len(k2)-len("00001.parquet")] {
		t.Fatalf("infix differs within one run: %q vs %q", k1, k2)
	}
}
