package nager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/malbeclabs/datakit/pkg/dataset"
	"github.com/malbeclabs/datakit/pkg/fetch"
	"github.com/malbeclabs/datakit/pkg/record"
)

// DefaultBaseURL is the Nager.Date v3 API root.
const DefaultBaseURL = "https://date.nager.at/api/v3"

// Columns is the flattened holiday record schema. List-valued upstream
// fields (counties, types) are pipe-joined.
var Columns = []string{
	"date", "local_name", "english_name", "country_code", "year",
	"is_fixed", "is_global", "launch_year", "counties", "types",
}

// ParseYears parses "2020" or an inclusive span "2015:2025".
func ParseYears(s string) ([]int, error) {
	if a, b, ok := strings.Cut(s, ":"); ok {
		from, err := strconv.Atoi(strings.TrimSpace(a))
		if err != nil {
			return nil, fmt.Errorf("invalid year %q: %w", a, err)
		}
		to, err := strconv.Atoi(strings.TrimSpace(b))
		if err != nil {
			return nil, fmt.Errorf("invalid year %q: %w", b, err)
		}
		if to < from {
			return nil, fmt.Errorf("year span %q ends before it starts", s)
		}
		years := make([]int, 0, to-from+1)
		for y := from; y <= to; y++ {
			years = append(years, y)
		}
		return years, nil
	}
	y, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid year %q: %w", s, err)
	}
	return []int{y}, nil
}

type Config struct {
	Logger *slog.Logger
	Client *fetch.Client

	BaseURL string
	Country string // ISO 3166-1 alpha-2, e.g. FR
	Years   []int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("fetch client is required")
	}
	if len(cfg.Country) != 2 {
		return fmt.Errorf("country must be an ISO 3166-1 alpha-2 code, got %q", cfg.Country)
	}
	if len(cfg.Years) == 0 {
		return errors.New("at least one year is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.Country = strings.ToUpper(cfg.Country)
	return nil
}

// Connector fetches public holidays from Nager.Date, one request per year.
// Merging is scope-replace on (country, year): every fetched year fully
// replaces its partition in the dataset.
type Connector struct {
	log *slog.Logger
	cfg Config
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

func (c *Connector) Name() string  { return "nager" }
func (c *Connector) Title() string { return fmt.Sprintf("Public Holidays - %s (Nager.Date)", c.cfg.Country) }

func (c *Connector) Scope() string {
	years := c.cfg.Years
	if len(years) == 1 {
		return fmt.Sprintf("%s %d", c.cfg.Country, years[0])
	}
	return fmt.Sprintf("%s %d-%d", c.cfg.Country, years[0], years[len(years)-1])
}

func (c *Connector) Schema() record.Schema {
	return record.Schema{
		Columns:    Columns,
		TimeColumn: "date",
	}
}

func (c *Connector) Policy() dataset.Policy {
	return dataset.ReplaceScope{
		Scope: func(r record.Record) string {
			return record.String(r, "country_code") + "/" + record.String(r, "year")
		},
	}
}

func (c *Connector) Fetch(ctx context.Context) ([]record.Record, error) {
	var records []record.Record
	for _, year := range c.cfg.Years {
		url := fmt.Sprintf("%s/PublicHolidays/%d/%s", c.cfg.BaseURL, year, c.cfg.Country)

		var holidays []holiday
		if err := c.cfg.Client.GetJSON(ctx, c.Name(), url, nil, &holidays); err != nil {
			return nil, err
		}

		for _, h := range holidays {
			records = append(records, flatten(h, year))
		}
		c.log.Debug("nager: fetched year", "country", c.cfg.Country, "year", year, "count", len(holidays))
	}

	c.log.Info("nager: fetched holidays", "country", c.cfg.Country, "years", len(c.cfg.Years), "count", len(records))
	return records, nil
}

type holiday struct {
	Date        string   `json:"date"`
	LocalName   string   `json:"localName"`
	Name        string   `json:"name"`
	CountryCode string   `json:"countryCode"`
	Fixed       bool     `json:"fixed"`
	Global      bool     `json:"global"`
	Counties    []string `json:"counties"`
	LaunchYear  *int64   `json:"launchYear"`
	Types       []string `json:"types"`
}

func flatten(h holiday, year int) record.Record {
	r := record.Record{
		"date":         h.Date,
		"local_name":   h.LocalName,
		"english_name": h.Name,
		"country_code": h.CountryCode,
		"year":         int64(year),
		"is_fixed":     h.Fixed,
		"is_global":    h.Global,
		"launch_year":  nil,
		"counties":     nil,
		"types":        nil,
	}
	if h.LaunchYear != nil {
		r["launch_year"] = *h.LaunchYear
	}
	if len(h.Counties) > 0 {
		r["counties"] = strings.Join(h.Counties, "|")
	}
	if len(h.Types) > 0 {
		r["types"] = strings.Join(h.Types, "|")
	}
	return r
}
