package watch

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/datakit/pkg/connector"
	"github.com/malbeclabs/datakit/pkg/dataset"
	"github.com/malbeclabs/datakit/pkg/pipeline"
	"github.com/malbeclabs/datakit/pkg/record"
	dktesting "github.com/malbeclabs/datakit/pkg/testing"
)

var testSchema = record.Schema{
	Columns:    []string{"id", "time"},
	TimeColumn: "time",
}

type countingConnector struct {
	fetches atomic.Int64
	err     error
}

var _ connector.Connector = (*countingConnector)(nil)

func (c *countingConnector) Name() string          { return "counting" }
func (c *countingConnector) Title() string         { return "Counting Source" }
func (c *countingConnector) Scope() string         { return "test" }
func (c *countingConnector) Schema() record.Schema { return testSchema }

func (c *countingConnector) Policy() dataset.Policy {
	return dataset.DedupByKey{
		Key: func(r record.Record) string { return record.String(r, "id") },
	}
}

func (c *countingConnector) Fetch(ctx context.Context) ([]record.Record, error) {
	n := c.fetches.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return []record.Record{{"id": record.FormatValue(n), "time": "2024-01-01T00:00:00Z"}}, nil
}

func testPipeline(t *testing.T, conn connector.Connector) *pipeline.Pipeline {
	t.Helper()
	store, err := dataset.New(dataset.Config{
		Logger: dktesting.NewLogger(),
		Path:   filepath.Join(t.TempDir(), "counting.csv"),
		Schema: testSchema,
	})
	require.NoError(t, err)

	p, err := pipeline.New(pipeline.Config{
		Logger:    dktesting.NewLogger(),
		Connector: conn,
		Store:     store,
	})
	require.NoError(t, err)
	return p
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDatakit_Watch_Config_Validate(t *testing.T) {
	t.Parallel()

	conn := &countingConnector{}
	p := testPipeline(t, conn)

	_, err := New(Config{Logger: dktesting.NewLogger(), Pipeline: p})
	require.Error(t, err, "interval is required")

	_, err = New(Config{Logger: dktesting.NewLogger(), Interval: time.Second})
	require.Error(t, err, "pipeline is required")
}

func TestDatakit_Watch_RunsImmediatelyThenOnTicks(t *testing.T) {
	t.Parallel()

	conn := &countingConnector{}
	clock := clockwork.NewFakeClock()

	l, err := New(Config{
		Logger:   dktesting.NewLogger(),
		Clock:    clock,
		Pipeline: testPipeline(t, conn),
		Interval: time.Hour,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.False(t, l.Ready())
	l.Start(ctx)

	waitFor(t, func() bool { return conn.fetches.Load() == 1 })
	require.NoError(t, l.WaitReady(ctx))
	require.True(t, l.Ready())

	clock.BlockUntil(1) // ticker is waiting
	clock.Advance(time.Hour)
	waitFor(t, func() bool { return conn.fetches.Load() == 2 })

	clock.BlockUntil(1)
	clock.Advance(time.Hour)
	waitFor(t, func() bool { return conn.fetches.Load() == 3 })
}

func TestDatakit_Watch_KeepsGoingAfterFailures(t *testing.T) {
	t.Parallel()

	conn := &countingConnector{err: errors.New("upstream down")}
	clock := clockwork.NewFakeClock()

	l, err := New(Config{
		Logger:   dktesting.NewLogger(),
		Clock:    clock,
		Pipeline: testPipeline(t, conn),
		Interval: time.Minute,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	waitFor(t, func() bool { return conn.fetches.Load() == 1 })
	require.False(t, l.Ready(), "failed runs must not mark the loop ready")

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	waitFor(t, func() bool { return conn.fetches.Load() == 2 })
	require.False(t, l.Ready())
}
