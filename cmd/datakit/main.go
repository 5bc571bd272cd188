package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/datakit/pkg/connector"
	"github.com/malbeclabs/datakit/pkg/connector/nager"
	"github.com/malbeclabs/datakit/pkg/connector/usgs"
	"github.com/malbeclabs/datakit/pkg/connector/wikimedia"
	"github.com/malbeclabs/datakit/pkg/datacard"
	"github.com/malbeclabs/datakit/pkg/dataset"
	"github.com/malbeclabs/datakit/pkg/fetch"
	"github.com/malbeclabs/datakit/pkg/logger"
	"github.com/malbeclabs/datakit/pkg/metrics"
	"github.com/malbeclabs/datakit/pkg/pack"
	"github.com/malbeclabs/datakit/pkg/pipeline"
	"github.com/malbeclabs/datakit/pkg/record"
	"github.com/malbeclabs/datakit/pkg/server"
	"github.com/malbeclabs/datakit/pkg/watch"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usage = `Usage: datakit <command> [flags]

Commands:
  quakes      Fetch earthquakes from the USGS FDSN catalog
  holidays    Fetch public holidays by country (Nager.Date)
  pageviews   Fetch per-article pageviews (Wikimedia)
  package     Assemble a publish-ready dataset folder
  watch       Run the earthquake fetch on an interval with a status server

Run 'datakit <command> --help' for command flags.
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	// Publishing credentials (KAGGLE_USERNAME/KAGGLE_KEY) are consumed by
	// the external kaggle CLI; loading them here just makes `datakit
	// package` defaults and child processes see the same environment.
	_ = godotenv.Load()

	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("a command is required")
	}

	switch args[0] {
	case "quakes":
		return runQuakes(args[1:])
	case "holidays":
		return runHolidays(args[1:])
	case "pageviews":
		return runPageviews(args[1:])
	case "package":
		return runPackage(args[1:])
	case "watch":
		return runWatch(args[1:])
	case "version", "--version":
		fmt.Printf("datakit %s (commit %s, built %s)\n", version, commit, date)
		return nil
	case "help", "--help", "-h":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func outDirOverride(out string) string {
	if env := os.Getenv("DATAKIT_OUT"); env != "" {
		return env
	}
	return out
}

func newStore(log *slog.Logger, outDir, filename string, schema record.Schema) (*dataset.Store, error) {
	return dataset.New(dataset.Config{
		Logger: log,
		Path:   filepath.Join(outDir, filename),
		Schema: schema,
	})
}

func newRecorder(log *slog.Logger, outDir string) (*datacard.Recorder, error) {
	return datacard.New(datacard.Config{
		Logger: log,
		Clock:  clockwork.NewRealClock(),
		Path:   filepath.Join(outDir, "data_card.md"),
	})
}

// parseTime accepts a date or an RFC3339-style timestamp.
func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q (want YYYY-MM-DD or RFC3339)", s)
}

type quakeFlags struct {
	start     string
	end       string
	minMag    float64
	bbox      string
	out       string
	pageSize  int
	overwrite bool
	verbose   bool
}

func registerQuakeFlags(fs *flag.FlagSet, f *quakeFlags) {
	fs.StringVar(&f.start, "start", "", "start time (YYYY-MM-DD or RFC3339); default resumes from the last seen update, else 7 days ago")
	fs.StringVar(&f.end, "end", "", "end time (YYYY-MM-DD or RFC3339); default now")
	fs.Float64Var(&f.minMag, "minmag", 0, "minimum magnitude filter")
	fs.StringVar(&f.bbox, "bbox", "", "bounding box filter 'minlon,minlat,maxlon,maxlat'")
	fs.StringVar(&f.out, "out", "./data", "output folder (or set DATAKIT_OUT env var)")
	fs.IntVar(&f.pageSize, "page-size", usgs.DefaultPageSize, "events per catalog request")
	fs.BoolVar(&f.overwrite, "overwrite", false, "overwrite the existing dataset instead of merging")
	fs.BoolVar(&f.verbose, "verbose", false, "enable verbose (debug) logging")
}

func buildQuakePipeline(log *slog.Logger, fs *flag.FlagSet, f *quakeFlags) (*pipeline.Pipeline, error) {
	outDir := outDirOverride(f.out)

	client, err := fetch.New(fetch.Config{Logger: log})
	if err != nil {
		return nil, err
	}

	store, err := newStore(log, outDir, "earthquakes.csv", record.Schema{
		Columns:       usgs.Columns,
		TimeColumn:    "time",
		UpdatedColumn: "updated",
	})
	if err != nil {
		return nil, err
	}

	recorder, err := newRecorder(log, outDir)
	if err != nil {
		return nil, err
	}

	cfg := usgs.Config{
		Logger:   log,
		Client:   client,
		PageSize: f.pageSize,
		Resume: func() (time.Time, bool) {
			t, ok, err := store.MaxTime("updated")
			if err != nil {
				log.Warn("quakes: could not read last seen update", "error", err)
				return time.Time{}, false
			}
			return t, ok
		},
	}
	if f.start != "" {
		t, err := parseTime(f.start)
		if err != nil {
			return nil, err
		}
		cfg.Window.Start = t
	}
	if f.end != "" {
		t, err := parseTime(f.end)
		if err != nil {
			return nil, err
		}
		cfg.Window.End = t
	}
	if fs.Changed("minmag") {
		m := f.minMag
		cfg.MinMagnitude = &m
	}
	if f.bbox != "" {
		b, err := usgs.ParseBBox(f.bbox)
		if err != nil {
			return nil, err
		}
		cfg.BBox = b
	}

	conn, err := usgs.New(cfg)
	if err != nil {
		return nil, err
	}

	return pipeline.New(pipeline.Config{
		Logger:    log,
		Connector: conn,
		Store:     store,
		Recorder:  recorder,
		Overwrite: f.overwrite,
	})
}

func runQuakes(args []string) error {
	fs := flag.NewFlagSet("quakes", flag.ContinueOnError)
	var f quakeFlags
	registerQuakeFlags(fs, &f)
	if err := fs.Parse(args); err != nil {
		return err
	}

	log := logger.New(f.verbose)
	p, err := buildQuakePipeline(log, fs, &f)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	_, err = p.Run(ctx)
	return err
}

func runHolidays(args []string) error {
	fs := flag.NewFlagSet("holidays", flag.ContinueOnError)
	countryFlag := fs.String("country", "", "ISO 3166-1 alpha-2 country code (e.g. FR, US, DE)")
	yearsFlag := fs.String("years", "", "year or inclusive span like 2015:2025; default current year")
	outFlag := fs.String("out", "./data", "output folder (or set DATAKIT_OUT env var)")
	overwriteFlag := fs.Bool("overwrite", false, "overwrite the existing dataset instead of merging")
	verboseFlag := fs.Bool("verbose", false, "enable verbose (debug) logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *countryFlag == "" {
		return errors.New("--country is required")
	}

	log := logger.New(*verboseFlag)
	outDir := outDirOverride(*outFlag)

	years := []int{time.Now().UTC().Year()}
	if *yearsFlag != "" {
		var err error
		years, err = nager.ParseYears(*yearsFlag)
		if err != nil {
			return err
		}
	}

	client, err := fetch.New(fetch.Config{Logger: log})
	if err != nil {
		return err
	}

	conn, err := nager.New(nager.Config{
		Logger:  log,
		Client:  client,
		Country: *countryFlag,
		Years:   years,
	})
	if err != nil {
		return err
	}

	filename := fmt.Sprintf("public_holidays_%s.csv", strings.ToUpper(*countryFlag))
	store, err := newStore(log, outDir, filename, conn.Schema())
	if err != nil {
		return err
	}

	recorder, err := newRecorder(log, outDir)
	if err != nil {
		return err
	}

	p, err := pipeline.New(pipeline.Config{
		Logger:    log,
		Connector: conn,
		Store:     store,
		Recorder:  recorder,
		Overwrite: *overwriteFlag,
	})
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	_, err = p.Run(ctx)
	return err
}

func runPageviews(args []string) error {
	fs := flag.NewFlagSet("pageviews", flag.ContinueOnError)
	projectFlag := fs.String("project", "en.wikipedia", "wiki project")
	articlesFlag := fs.StringSlice("articles", nil, "article titles to fetch (comma-separated)")
	accessFlag := fs.String("access", "all-access", "access filter (all-access, desktop, mobile-app, mobile-web)")
	agentFlag := fs.String("agent", "all-agents", "agent filter (all-agents, user, spider, automated)")
	granularityFlag := fs.String("granularity", "daily", "bucket granularity (daily, monthly)")
	startFlag := fs.String("start", "", "start date (YYYY-MM-DD); default 30 days ago")
	endFlag := fs.String("end", "", "end date (YYYY-MM-DD); default today")
	outFlag := fs.String("out", "./data", "output folder (or set DATAKIT_OUT env var)")
	overwriteFlag := fs.Bool("overwrite", false, "overwrite the existing dataset instead of merging")
	verboseFlag := fs.Bool("verbose", false, "enable verbose (debug) logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if len(*articlesFlag) == 0 {
		return errors.New("--articles is required")
	}

	log := logger.New(*verboseFlag)
	outDir := outDirOverride(*outFlag)

	window := connector.Window{End: time.Now().UTC().Truncate(24 * time.Hour)}
	if *endFlag != "" {
		t, err := parseTime(*endFlag)
		if err != nil {
			return err
		}
		window.End = t
	}
	window.Start = window.End.AddDate(0, 0, -30)
	if *startFlag != "" {
		t, err := parseTime(*startFlag)
		if err != nil {
			return err
		}
		window.Start = t
	}

	client, err := fetch.New(fetch.Config{Logger: log})
	if err != nil {
		return err
	}

	conn, err := wikimedia.New(wikimedia.Config{
		Logger:      log,
		Client:      client,
		Project:     *projectFlag,
		Articles:    *articlesFlag,
		Access:      *accessFlag,
		Agent:       *agentFlag,
		Granularity: *granularityFlag,
		Window:      window,
	})
	if err != nil {
		return err
	}

	store, err := newStore(log, outDir, "pageviews.csv", conn.Schema())
	if err != nil {
		return err
	}

	recorder, err := newRecorder(log, outDir)
	if err != nil {
		return err
	}

	p, err := pipeline.New(pipeline.Config{
		Logger:    log,
		Connector: conn,
		Store:     store,
		Recorder:  recorder,
		Overwrite: *overwriteFlag,
	})
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	_, err = p.Run(ctx)
	return err
}

func runPackage(args []string) error {
	fs := flag.NewFlagSet("package", flag.ContinueOnError)
	titleFlag := fs.String("title", "", "dataset title")
	ownerFlag := fs.String("owner", "", "publishing-platform username (or set KAGGLE_USERNAME env var)")
	slugFlag := fs.String("slug", "", "dataset slug (lowercase-dash)")
	filesFlag := fs.StringSlice("files", nil, "files to include (comma-separated)")
	descriptionFlag := fs.String("description", "", "path to a Markdown README to include")
	licenseFlag := fs.String("license", "CC0-1.0", "license short name (e.g. CC0-1.0, CC-BY-4.0)")
	outFlag := fs.String("out", "./kaggle_pkg", "output folder for the package")
	verboseFlag := fs.Bool("verbose", false, "enable verbose (debug) logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	owner := *ownerFlag
	if owner == "" {
		owner = os.Getenv("KAGGLE_USERNAME")
	}

	log := logger.New(*verboseFlag)
	dir, err := pack.Build(log, pack.Spec{
		Title:       *titleFlag,
		Owner:       owner,
		Slug:        *slugFlag,
		License:     *licenseFlag,
		Files:       *filesFlag,
		Description: *descriptionFlag,
	}, *outFlag)
	if err != nil {
		return err
	}

	log.Info("package: ready to publish", "dir", dir, "next", fmt.Sprintf("kaggle datasets create -p %s", dir))
	return nil
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	var f quakeFlags
	registerQuakeFlags(fs, &f)
	intervalFlag := fs.Duration("interval", time.Hour, "time between fetches")
	listenFlag := fs.String("listen", ":8080", "status server listen address (or set DATAKIT_LISTEN_ADDR env var)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	listenAddr := *listenFlag
	if env := os.Getenv("DATAKIT_LISTEN_ADDR"); env != "" {
		listenAddr = env
	}

	log := logger.New(f.verbose)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	// Fixed windows make every tick re-fetch the same data; watch mode
	// relies on the incremental default.
	if f.start != "" || f.end != "" {
		return errors.New("--start/--end cannot be combined with watch; the window advances automatically")
	}
	if f.overwrite {
		return errors.New("--overwrite cannot be combined with watch")
	}

	p, err := buildQuakePipeline(log, fs, &f)
	if err != nil {
		return err
	}

	loop, err := watch.New(watch.Config{
		Logger:   log,
		Pipeline: p,
		Interval: *intervalFlag,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Logger:     log,
		ListenAddr: listenAddr,
		VersionInfo: server.VersionInfo{
			Version: version,
			Commit:  commit,
			Date:    date,
		},
		Ready: loop.Ready,
	})
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	loop.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	return g.Wait()
}
