package wikimedia

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/datakit/pkg/connector"
	"github.com/malbeclabs/datakit/pkg/fetch"
	"github.com/malbeclabs/datakit/pkg/record"
	dktesting "github.com/malbeclabs/datakit/pkg/testing"
)

func testFetchClient(t *testing.T) *fetch.Client {
	t.Helper()
	c, err := fetch.New(fetch.Config{
		Logger:    dktesting.NewLogger(),
		RateLimit: rate.Inf,
	})
	require.NoError(t, err)
	return c
}

func testWindow() connector.Window {
	return connector.Window{
		Start: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
	}
}

func TestDatakit_Wikimedia_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Logger: dktesting.NewLogger(), Client: testFetchClient(t), Project: "en.wikipedia", Window: testWindow()})
	require.Error(t, err, "articles are required")

	_, err = New(Config{Logger: dktesting.NewLogger(), Client: testFetchClient(t), Articles: []string{"Go"}, Window: testWindow()})
	require.Error(t, err, "project is required")

	_, err = New(Config{Logger: dktesting.NewLogger(), Client: testFetchClient(t), Project: "en.wikipedia", Articles: []string{"Go"}})
	require.Error(t, err, "window is required")
}

func TestDatakit_Wikimedia_Fetch_OneRequestPerArticle(t *testing.T) {
	t.Parallel()

	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.EscapedPath())
		fmt.Fprintf(w, `{"items": [
			{"project": "en.wikipedia", "article": "Go_(programming_language)",
			 "granularity": "daily", "timestamp": "2024060100",
			 "access": "all-access", "agent": "user", "views": 4321},
			{"project": "en.wikipedia", "article": "Go_(programming_language)",
			 "granularity": "daily", "timestamp": "2024060200",
			 "access": "all-access", "agent": "user", "views": 4567}
		]}`)
	}))
	defer srv.Close()

	c, err := New(Config{
		Logger:   dktesting.NewLogger(),
		Client:   testFetchClient(t),
		BaseURL:  srv.URL,
		Project:  "en.wikipedia",
		Articles: []string{"Go (programming language)", "Rust (programming language)"},
		Agent:    "user",
		Window:   testWindow(),
	})
	require.NoError(t, err)

	records, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 4)
	require.Len(t, paths, 2)
	require.Contains(t, paths[0], "/en.wikipedia/all-access/user/Go_%28programming_language%29/daily/2024060100/2024060300")
	require.Contains(t, paths[1], "Rust_%28programming_language%29")

	r := records[0]
	require.Equal(t, "Go_(programming_language)", r["article"])
	require.Equal(t, "2024060100", r["timestamp"])
	require.Equal(t, int64(4321), r["views"])
	require.Equal(t, "daily", r["granularity"])
}

func TestDatakit_Wikimedia_SchemaAndPolicy(t *testing.T) {
	t.Parallel()

	c, err := New(Config{
		Logger:   dktesting.NewLogger(),
		Client:   testFetchClient(t),
		Project:  "en.wikipedia",
		Articles: []string{"Go"},
		Window:   testWindow(),
	})
	require.NoError(t, err)

	s := c.Schema()
	require.NoError(t, s.Validate())

	r := flatten(pageviewItem{Project: "en.wikipedia", Article: "Go", Timestamp: "2024060100", Views: 1})
	for _, col := range s.Columns {
		_, ok := r[col]
		require.True(t, ok, "flattened record missing column %q", col)
	}

	// Re-fetching an article replaces only that article's buckets.
	p := c.Policy()
	merged, res := p.Merge(
		[]record.Record{
			{"article": "Go", "timestamp": "2024060100", "views": int64(1)},
			{"article": "Rust", "timestamp": "2024060100", "views": int64(2)},
		},
		[]record.Record{
			{"article": "Go", "timestamp": "2024060100", "views": int64(10)},
			{"article": "Go", "timestamp": "2024060200", "views": int64(11)},
		},
	)
	require.Len(t, merged, 3)
	require.Equal(t, 1, res.Removed)
}
