package usgs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/datakit/pkg/connector"
	"github.com/malbeclabs/datakit/pkg/dataset"
	"github.com/malbeclabs/datakit/pkg/fetch"
	"github.com/malbeclabs/datakit/pkg/record"
)

const (
	// DefaultBaseURL is the USGS FDSN event query endpoint.
	DefaultBaseURL = "https://earthquake.usgs.gov/fdsnws/event/1/query"

	// DefaultPageSize is the FDSN API's maximum page size.
	DefaultPageSize = 20000

	timeLayout = "2006-01-02T15:04:05"
)

// Columns is the flattened earthquake record schema, one row per event.
var Columns = []string{
	"usgs_id", "time", "updated", "mag", "place", "type", "status",
	"tsunami", "sig", "felt", "cdi", "mmi", "alert",
	"lon", "lat", "depth_km", "url", "detail", "title",
}

// BBox is a geographic bounding box filter.
type BBox struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// ParseBBox parses "minlon,minlat,maxlon,maxlat".
func ParseBBox(s string) (*BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox must be 'minlon,minlat,maxlon,maxlat', got %q", s)
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bbox coordinate %q: %w", p, err)
		}
		vals[i] = v
	}
	return &BBox{MinLon: vals[0], MinLat: vals[1], MaxLon: vals[2], MaxLat: vals[3]}, nil
}

type Config struct {
	Logger *slog.Logger
	Client *fetch.Client
	Clock  clockwork.Clock

	BaseURL string

	// Window bounds the fetch. A zero Start falls back to Resume (the last
	// seen updated timestamp in the dataset) and then to 7 days ago; a zero
	// End falls back to now. The window is resolved fresh on every Fetch, so
	// a watch loop keeps advancing.
	Window connector.Window
	Resume func() (time.Time, bool)

	MinMagnitude *float64
	BBox         *BBox
	PageSize     int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("fetch client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return nil
}

// Connector fetches earthquakes from the USGS FDSN event catalog, paginating
// by offset within the configured time window.
type Connector struct {
	log *slog.Logger
	cfg Config

	lastWindow connector.Window
}

func New(cfg Config) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Connector{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (c *Connector) Name() string  { return "usgs" }
func (c *Connector) Title() string { return "USGS Earthquake Catalog (FDSN API)" }

func (c *Connector) Scope() string {
	if c.lastWindow.IsZero() {
		return "incremental"
	}
	return c.lastWindow.String()
}

func (c *Connector) Schema() record.Schema {
	return record.Schema{
		Columns:       Columns,
		TimeColumn:    "time",
		UpdatedColumn: "updated",
	}
}

func (c *Connector) Policy() dataset.Policy {
	return dataset.DedupByKey{
		Key:     func(r record.Record) string { return record.String(r, "usgs_id") },
		Updated: "updated",
	}
}

func (c *Connector) Fetch(ctx context.Context) ([]record.Record, error) {
	w := c.resolveWindow()
	c.lastWindow = w
	c.log.Info("usgs: fetching events", "start", w.Start, "end", w.End, "page_size", c.cfg.PageSize)

	var records []record.Record
	offset := 1 // FDSN offsets are 1-based
	for {
		params := c.queryParams(w)
		params.Set("offset", strconv.Itoa(offset))

		var fc featureCollection
		if err := c.cfg.Client.GetJSON(ctx, c.Name(), c.cfg.BaseURL, params, &fc); err != nil {
			return nil, err
		}

		for _, f := range fc.Features {
			records = append(records, flatten(f))
		}

		// A short page is the end of the data.
		if len(fc.Features) < c.cfg.PageSize {
			break
		}
		offset += len(fc.Features)
		c.log.Debug("usgs: fetching next page", "offset", offset, "fetched", len(records))
	}

	c.log.Info("usgs: fetched events", "count", len(records))
	return records, nil
}

func (c *Connector) resolveWindow() connector.Window {
	w := c.cfg.Window
	if w.Start.IsZero() {
		if c.cfg.Resume != nil {
			if t, ok := c.cfg.Resume(); ok {
				w.Start = t.UTC()
				c.log.Debug("usgs: resuming from last seen update", "start", w.Start)
			}
		}
		if w.Start.IsZero() {
			w.Start = c.cfg.Clock.Now().UTC().AddDate(0, 0, -7)
		}
	}
	if w.End.IsZero() {
		w.End = c.cfg.Clock.Now().UTC()
	}
	return w
}

func (c *Connector) queryParams(w connector.Window) url.Values {
	params := url.Values{}
	params.Set("format", "geojson")
	params.Set("starttime", w.Start.UTC().Format(timeLayout))
	params.Set("endtime", w.End.UTC().Format(timeLayout))
	params.Set("orderby", "time-asc")
	params.Set("limit", strconv.Itoa(c.cfg.PageSize))
	if c.cfg.MinMagnitude != nil {
		params.Set("minmagnitude", strconv.FormatFloat(*c.cfg.MinMagnitude, 'f', -1, 64))
	}
	if b := c.cfg.BBox; b != nil {
		params.Set("minlongitude", strconv.FormatFloat(b.MinLon, 'f', -1, 64))
		params.Set("minlatitude", strconv.FormatFloat(b.MinLat, 'f', -1, 64))
		params.Set("maxlongitude", strconv.FormatFloat(b.MaxLon, 'f', -1, 64))
		params.Set("maxlatitude", strconv.FormatFloat(b.MaxLat, 'f', -1, 64))
	}
	return params
}

type featureCollection struct {
	Features []feature `json:"features"`
}

type feature struct {
	ID         string `json:"id"`
	Properties struct {
		Time    *int64   `json:"time"`
		Updated *int64   `json:"updated"`
		Mag     *float64 `json:"mag"`
		Place   *string  `json:"place"`
		Type    *string  `json:"type"`
		Status  *string  `json:"status"`
		Tsunami *int64   `json:"tsunami"`
		Sig     *int64   `json:"sig"`
		Felt    *int64   `json:"felt"`
		CDI     *float64 `json:"cdi"`
		MMI     *float64 `json:"mmi"`
		Alert   *string  `json:"alert"`
		URL     *string  `json:"url"`
		Detail  *string  `json:"detail"`
		Title   *string  `json:"title"`
	} `json:"properties"`
	Geometry struct {
		Coordinates []float64 `json:"coordinates"` // lon, lat, depth_km
	} `json:"geometry"`
}

func flatten(f feature) record.Record {
	p := f.Properties
	r := record.Record{
		"usgs_id": f.ID,
		"time":    millisToRFC3339(p.Time),
		"updated": millisToRFC3339(p.Updated),
		"mag":     deref(p.Mag),
		"place":   deref(p.Place),
		"type":    deref(p.Type),
		"status":  deref(p.Status),
		"tsunami": deref(p.Tsunami),
		"sig":     deref(p.Sig),
		"felt":    deref(p.Felt),
		"cdi":     deref(p.CDI),
		"mmi":     deref(p.MMI),
		"alert":   deref(p.Alert),
		"url":     deref(p.URL),
		"detail":  deref(p.Detail),
		"title":   deref(p.Title),
	}
	r["lon"], r["lat"], r["depth_km"] = nil, nil, nil
	if len(f.Geometry.Coordinates) >= 3 {
		r["lon"] = f.Geometry.Coordinates[0]
		r["lat"] = f.Geometry.Coordinates[1]
		r["depth_km"] = f.Geometry.Coordinates[2]
	}
	return r
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func millisToRFC3339(ms *int64) any {
	if ms == nil {
		return nil
	}
	return time.UnixMilli(*ms).UTC().Format(time.RFC3339)
}
