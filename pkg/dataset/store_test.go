package dataset

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/datakit/pkg/record"
	dktesting "github.com/malbeclabs/datakit/pkg/testing"
)

var quakeSchema = record.Schema{
	Columns:       []string{"usgs_id", "time", "updated", "mag"},
	TimeColumn:    "time",
	UpdatedColumn: "updated",
}

var holidaySchema = record.Schema{
	Columns:    []string{"date", "local_name", "country_code", "year"},
	TimeColumn: "date",
}

func quakePolicy() DedupByKey {
	return DedupByKey{
		Key:     func(r record.Record) string { return record.String(r, "usgs_id") },
		Updated: "updated",
	}
}

func holidayPolicy() ReplaceScope {
	return ReplaceScope{
		Scope: func(r record.Record) string {
			return record.String(r, "country_code") + "/" + record.String(r, "year")
		},
	}
}

func testStore(t *testing.T, schema record.Schema) *Store {
	t.Helper()
	s, err := New(Config{
		Logger: dktesting.NewLogger(),
		Path:   filepath.Join(t.TempDir(), "data.csv"),
		Schema: schema,
	})
	require.NoError(t, err)
	return s
}

func quake(id, ts, updated string, mag float64) record.Record {
	return record.Record{"usgs_id": id, "time": ts, "updated": updated, "mag": mag}
}

func holiday(date, name, country string, year int) record.Record {
	return record.Record{"date": date, "local_name": name, "country_code": country, "year": int64(year)}
}

func TestDatakit_Dataset_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Path: "x.csv", Schema: quakeSchema})
	require.Error(t, err)

	_, err = New(Config{Logger: dktesting.NewLogger(), Schema: quakeSchema})
	require.Error(t, err)

	_, err = New(Config{Logger: dktesting.NewLogger(), Path: "x.csv"})
	require.Error(t, err)
}

func TestDatakit_Dataset_Load_AbsentFile(t *testing.T) {
	t.Parallel()

	s := testStore(t, quakeSchema)
	records, err := s.Load()
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestDatakit_Dataset_Merge_DedupIdempotent(t *testing.T) {
	t.Parallel()

	s := testStore(t, quakeSchema)
	batch := []record.Record{
		quake("us1", "2024-01-01T00:00:00Z", "2024-01-01T01:00:00Z", 5.0),
		quake("us2", "2024-01-02T00:00:00Z", "2024-01-02T01:00:00Z", 4.2),
	}

	res, err := s.Merge(batch, quakePolicy())
	require.NoError(t, err)
	require.Equal(t, 2, res.Added)
	require.Equal(t, 2, res.Total)

	// Same window fetched again: no duplicates, same count as a single run.
	res, err = s.Merge(batch, quakePolicy())
	require.NoError(t, err)
	require.Equal(t, 0, res.Added)
	require.Equal(t, 0, res.Replaced)
	require.Equal(t, 2, res.Total)

	records, err := s.Load()
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestDatakit_Dataset_Merge_ConflictKeepsNewerUpdated(t *testing.T) {
	t.Parallel()

	s := testStore(t, quakeSchema)

	_, err := s.Merge([]record.Record{
		quake("us1", "2024-01-01T00:00:00Z", "2024-01-01T01:00:00Z", 5.0),
	}, quakePolicy())
	require.NoError(t, err)

	// Reviewed magnitude arrives with a newer updated timestamp.
	res, err := s.Merge([]record.Record{
		quake("us1", "2024-01-01T00:00:00Z", "2024-01-03T01:00:00Z", 5.3),
	}, quakePolicy())
	require.NoError(t, err)
	require.Equal(t, 0, res.Added)
	require.Equal(t, 1, res.Replaced)
	require.Equal(t, 1, res.Total)

	records, err := s.Load()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "5.3", record.String(records[0], "mag"))

	// An older revision must not win back.
	res, err = s.Merge([]record.Record{
		quake("us1", "2024-01-01T00:00:00Z", "2024-01-02T01:00:00Z", 5.1),
	}, quakePolicy())
	require.NoError(t, err)
	require.Equal(t, 0, res.Replaced)

	records, err = s.Load()
	require.NoError(t, err)
	require.Equal(t, "5.3", record.String(records[0], "mag"))
}

func TestDatakit_Dataset_Merge_ConflictWithoutUpdatedIsFirstWriteWins(t *testing.T) {
	t.Parallel()

	s := testStore(t, quakeSchema)

	_, err := s.Merge([]record.Record{
		quake("us1", "2024-01-01T00:00:00Z", "", 5.0),
	}, quakePolicy())
	require.NoError(t, err)

	res, err := s.Merge([]record.Record{
		quake("us1", "2024-01-01T00:00:00Z", "", 9.9),
	}, quakePolicy())
	require.NoError(t, err)
	require.Equal(t, 0, res.Replaced)

	records, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, "5", record.String(records[0], "mag"))
}

func TestDatakit_Dataset_Merge_ScopeReplace(t *testing.T) {
	t.Parallel()

	s := testStore(t, holidaySchema)

	// FR 2024, then FR 2025.
	_, err := s.Merge([]record.Record{
		holiday("2024-01-01", "Jour de l'an", "FR", 2024),
		holiday("2024-05-01", "Fête du Travail", "FR", 2024),
	}, holidayPolicy())
	require.NoError(t, err)

	_, err = s.Merge([]record.Record{
		holiday("2025-01-01", "Jour de l'an", "FR", 2025),
	}, holidayPolicy())
	require.NoError(t, err)

	// Re-fetching 2024 replaces the 2024 partition and leaves 2025 alone.
	res, err := s.Merge([]record.Record{
		holiday("2024-01-01", "Jour de l'an", "FR", 2024),
		holiday("2024-05-01", "Fête du Travail", "FR", 2024),
		holiday("2024-05-08", "Victoire 1945", "FR", 2024),
	}, holidayPolicy())
	require.NoError(t, err)
	require.Equal(t, 3, res.Added)
	require.Equal(t, 2, res.Removed)
	require.Equal(t, 4, res.Total)

	records, err := s.Load()
	require.NoError(t, err)
	require.Len(t, records, 4)

	byYear := map[string]int{}
	for _, r := range records {
		byYear[record.String(r, "year")]++
	}
	require.Equal(t, 3, byYear["2024"])
	require.Equal(t, 1, byYear["2025"])
}

func TestDatakit_Dataset_Merge_EmptyFetchIsNoOp(t *testing.T) {
	t.Parallel()

	s := testStore(t, quakeSchema)

	// Nothing on disk yet: no file should appear either.
	res, err := s.Merge(nil, quakePolicy())
	require.NoError(t, err)
	require.Equal(t, 0, res.Total)
	_, err = os.Stat(s.Path())
	require.True(t, os.IsNotExist(err))

	_, err = s.Merge([]record.Record{
		quake("us1", "2024-01-01T00:00:00Z", "2024-01-01T01:00:00Z", 5.0),
	}, quakePolicy())
	require.NoError(t, err)

	before, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	res, err = s.Merge(nil, quakePolicy())
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)

	after, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestDatakit_Dataset_Merge_Monotonic(t *testing.T) {
	t.Parallel()

	s := testStore(t, quakeSchema)

	count := 0
	batches := [][]record.Record{
		{quake("us1", "2024-01-01T00:00:00Z", "2024-01-01T01:00:00Z", 5.0)},
		{quake("us1", "2024-01-01T00:00:00Z", "2024-01-02T01:00:00Z", 5.1), quake("us2", "2024-01-02T00:00:00Z", "", 3.0)},
		nil,
		{quake("us3", "2024-01-03T00:00:00Z", "", 2.2)},
	}
	for _, b := range batches {
		res, err := s.Merge(b, quakePolicy())
		require.NoError(t, err)
		require.GreaterOrEqual(t, res.Total, count, "merge must never lose records")
		count = res.Total
	}
	require.Equal(t, 3, count)
}

func TestDatakit_Dataset_Merge_WritesSortedByTime(t *testing.T) {
	t.Parallel()

	s := testStore(t, quakeSchema)

	_, err := s.Merge([]record.Record{
		quake("us3", "2024-01-03T00:00:00Z", "", 1.0),
		quake("us1", "2024-01-01T00:00:00Z", "", 2.0),
		quake("us2", "2024-01-02T00:00:00Z", "", 3.0),
	}, quakePolicy())
	require.NoError(t, err)

	records, err := s.Load()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "us1", record.String(records[0], "usgs_id"))
	require.Equal(t, "us2", record.String(records[1], "usgs_id"))
	require.Equal(t, "us3", record.String(records[2], "usgs_id"))
}

func TestDatakit_Dataset_Load_CorruptFile(t *testing.T) {
	t.Parallel()

	t.Run("unparseable csv", func(t *testing.T) {
		t.Parallel()

		s := testStore(t, quakeSchema)
		require.NoError(t, os.WriteFile(s.Path(), []byte("usgs_id,time,updated,mag\n\"unterminated\n"), 0o644))

		_, err := s.Load()
		var corrupt *CorruptError
		require.ErrorAs(t, err, &corrupt)
		require.Equal(t, s.Path(), corrupt.Path)

		// Merge must refuse to touch the corrupt file.
		_, err = s.Merge([]record.Record{quake("us1", "2024-01-01T00:00:00Z", "", 5.0)}, quakePolicy())
		require.ErrorAs(t, err, &corrupt)
	})

	t.Run("header mismatch", func(t *testing.T) {
		t.Parallel()

		s := testStore(t, quakeSchema)
		require.NoError(t, os.WriteFile(s.Path(), []byte("a,b\n1,2\n"), 0o644))

		_, err := s.Load()
		var corrupt *CorruptError
		require.ErrorAs(t, err, &corrupt)
	})
}

func TestDatakit_Dataset_Replace(t *testing.T) {
	t.Parallel()

	s := testStore(t, quakeSchema)

	_, err := s.Merge([]record.Record{
		quake("us1", "2024-01-01T00:00:00Z", "", 5.0),
		quake("us2", "2024-01-02T00:00:00Z", "", 4.0),
	}, quakePolicy())
	require.NoError(t, err)

	res, err := s.Replace([]record.Record{
		quake("us9", "2024-02-01T00:00:00Z", "", 6.0),
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Added)
	require.Equal(t, 2, res.Removed)
	require.Equal(t, 1, res.Total)

	records, err := s.Load()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "us9", record.String(records[0], "usgs_id"))
}

func TestDatakit_Dataset_MaxTime(t *testing.T) {
	t.Parallel()

	s := testStore(t, quakeSchema)

	_, found, err := s.MaxTime("updated")
	require.NoError(t, err)
	require.False(t, found)

	_, err = s.Merge([]record.Record{
		quake("us1", "2024-01-01T00:00:00Z", "2024-01-05T00:00:00Z", 5.0),
		quake("us2", "2024-01-02T00:00:00Z", "2024-01-03T00:00:00Z", 4.0),
		quake("us3", "2024-01-03T00:00:00Z", "", 3.0),
	}, quakePolicy())
	require.NoError(t, err)

	max, found, err := s.MaxTime("updated")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), max.UTC())
}

func TestDatakit_Dataset_Write_NoStrayTempFile(t *testing.T) {
	t.Parallel()

	s := testStore(t, quakeSchema)

	_, err := s.Merge([]record.Record{
		quake("us1", "2024-01-01T00:00:00Z", "", 5.0),
	}, quakePolicy())
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, filepath.Base(s.Path()), entries[0].Name())
}
