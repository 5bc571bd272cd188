package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/malbeclabs/datakit/pkg/dataset"
	"github.com/malbeclabs/datakit/pkg/record"
)

// Window is a half-open fetch interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

func (w Window) String() string {
	return fmt.Sprintf("%s -> %s", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// Connector fetches records from one external API and flattens them into the
// source's fixed schema. Fetch issues its paginated requests sequentially; a
// page shorter than the page size means end of data, not an error.
type Connector interface {
	// Name identifies the source for logging and metrics.
	Name() string

	// Title is the human-readable source name used for data card sections.
	Title() string

	// Scope describes the window or scope of the most recent (or configured)
	// fetch, for the data card.
	Scope() string

	// Schema is the fixed column set shared by all records of this source.
	Schema() record.Schema

	// Policy is how fetched records reconcile with the on-disk dataset.
	Policy() dataset.Policy

	Fetch(ctx context.Context) ([]record.Record, error)
}
