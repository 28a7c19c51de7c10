// Command meteocast ingests weather history, fits the hybrid
// seasonal + residual-corrector model and serves the forecasts.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/avelar/meteocast/internal/alerts"
	"github.com/avelar/meteocast/internal/api"
	"github.com/avelar/meteocast/internal/chart"
	"github.com/avelar/meteocast/internal/config"
	"github.com/avelar/meteocast/internal/hybrid"
	"github.com/avelar/meteocast/internal/ingest"
	"github.com/avelar/meteocast/internal/models"
	"github.com/avelar/meteocast/internal/narrative"
	"github.com/avelar/meteocast/internal/store"
)

type CLI struct {
	config.Config

	Ingest      IngestCmd      `cmd:"" help:"Refresh or backfill observation history."`
	Train       TrainCmd       `cmd:"" help:"Fit the seasonal models and the residual corrector."`
	Forecast    ForecastCmd    `cmd:"" help:"Produce, print and store a forecast."`
	Alerts      AlertsCmd      `cmd:"" help:"Evaluate the stored forecast against alert rules and dispatch."`
	Serve       ServeCmd       `cmd:"" help:"Run the HTTP server with scheduled ingestion and daily retraining."`
	AddLocation AddLocationCmd `cmd:"" name:"add-location" help:"Register a location for ingestion and forecasting."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("meteocast"),
		kong.Description("Hybrid seasonal + gradient-boosted temperature forecaster."),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
		kong.UsageOnError(),
	)

	kctx.FatalIfErrorf(cli.Config.Validate())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(cli.Config)
	kctx.FatalIfErrorf(err)
	defer app.Close()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.FatalIfErrorf(kctx.Run(app))
}

// App holds the shared wiring every subcommand runs against.
type App struct {
	cfg       config.Config
	db        *sql.DB
	store     *store.Store
	artifacts *store.ArtifactStore
	service   *ingest.Service
}

func newApp(cfg config.Config) (*App, error) {
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	// The configured location seeds an empty database only; after that
	// the locations table is managed through add-location.
	locations, err := st.GetLocations(false)
	if err != nil {
		db.Close()
		return nil, err
	}
	if len(locations) == 0 {
		if err := st.UpsertLocation(cfg.DefaultLocation()); err != nil {
			db.Close()
			return nil, fmt.Errorf("seed default location: %w", err)
		}
		log.Printf("seeded default location %s", cfg.Location)
	}

	artifacts, err := store.NewArtifactStore(cfg.ModelDir)
	if err != nil {
		db.Close()
		return nil, err
	}

	start, err := cfg.StartDate()
	if err != nil {
		db.Close()
		return nil, err
	}

	return &App{
		cfg:       cfg,
		db:        db,
		store:     st,
		artifacts: artifacts,
		service:   ingest.NewService(st, ingest.NewOpenMeteo(), start),
	}, nil
}

func (a *App) Close() {
	a.db.Close()
}

func (a *App) trainer() *hybrid.Trainer {
	tc := hybrid.DefaultTrainerConfig()
	tc.MonthlyDays = a.cfg.MonthlyDays
	return hybrid.NewTrainer(a.store, a.artifacts, tc)
}

func (a *App) forecaster() *hybrid.Forecaster {
	return hybrid.NewForecaster(a.store, a.artifacts, hybrid.DefaultForecasterConfig())
}

func (a *App) resolveLocation(name string) (models.Location, error) {
	if name != "" {
		loc, err := a.store.GetLocation(name)
		if err != nil {
			return models.Location{}, err
		}
		if loc == nil {
			return models.Location{}, fmt.Errorf("unknown location %q", name)
		}
		return *loc, nil
	}
	def, err := a.store.DefaultLocation()
	if err != nil {
		return models.Location{}, err
	}
	if def == nil {
		return models.Location{}, errors.New("no default location configured")
	}
	return *def, nil
}

type IngestCmd struct {
	Location    string `help:"Only ingest this location; defaults to every active location."`
	Backfill    bool   `help:"Replace full history from the archive instead of refreshing the recent window."`
	GSODStation string `name:"gsod-station" help:"Load NOAA GSOD years for this station instead."`
	GSODFrom    int    `name:"gsod-from" default:"1973" help:"First GSOD year to load."`
	GSODTo      int    `name:"gsod-to" default:"1999" help:"Last GSOD year to load."`
}

func (c *IngestCmd) Run(ctx context.Context, app *App) error {
	if c.GSODStation != "" {
		loc, err := app.resolveLocation(c.Location)
		if err != nil {
			return err
		}
		if c.GSODFrom > c.GSODTo {
			return fmt.Errorf("gsod year range %d-%d is backwards", c.GSODFrom, c.GSODTo)
		}
		if _, err := app.service.BackfillGSOD(loc, c.GSODStation, c.GSODFrom, c.GSODTo); err != nil {
			return fmt.Errorf("gsod backfill: %w", err)
		}
		return nil
	}

	var locations []models.Location
	if c.Location != "" {
		loc, err := app.resolveLocation(c.Location)
		if err != nil {
			return err
		}
		locations = []models.Location{loc}
	} else {
		var err error
		locations, err = app.store.GetLocations(true)
		if err != nil {
			return err
		}
		if len(locations) == 0 {
			return errors.New("no active locations")
		}
	}

	for _, loc := range locations {
		var err error
		if c.Backfill {
			_, err = app.service.Backfill(ctx, loc)
		} else {
			_, err = app.service.Refresh(ctx, loc)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", loc.Name, err)
		}
	}
	return nil
}

type TrainCmd struct {
	Mode string `default:"both" enum:"normal,monthly,both" help:"Which model set to fit."`
}

func (c *TrainCmd) Run(app *App) error {
	trainer := app.trainer()
	modes := []hybrid.Mode{hybrid.ModeNormal, hybrid.ModeMonthly}
	switch c.Mode {
	case "normal":
		modes = modes[:1]
	case "monthly":
		modes = modes[1:]
	}

	for _, mode := range modes {
		report, err := trainer.Train(mode)
		if err != nil {
			// The monthly set is an extra; when training both, a monthly
			// failure must not undo a successful normal run.
			if c.Mode == "both" && mode == hybrid.ModeMonthly {
				log.Printf("train: monthly: %v", err)
				continue
			}
			return fmt.Errorf("train %s: %w", mode, err)
		}

		skipped := "none"
		if len(report.LocationsSkipped) > 0 {
			skipped = strings.Join(report.LocationsSkipped, ", ")
		}
		log.Printf("train: %s: %d locations on %d rows in %s (skipped: %s)",
			report.Mode, len(report.LocationsTrained), report.Rows,
			report.Duration.Round(time.Millisecond), skipped)
	}
	return nil
}

type ForecastCmd struct {
	Location  string `help:"Location to forecast; defaults to the configured default."`
	Mode      string `default:"both" enum:"normal,monthly,both" help:"Forecast mode; both prints the normal then the monthly table."`
	Days      int    `help:"Horizon in days; defaults to the configured horizon."`
	Chart     string `help:"Write a PNG chart of the forecast to this path." type:"path"`
	Narrative bool   `help:"Print a model-written summary of the forecast."`
	NoRefresh bool   `name:"no-refresh" help:"Skip refreshing recent observations first."`
}

func (c *ForecastCmd) Run(ctx context.Context, app *App) error {
	loc, err := app.resolveLocation(c.Location)
	if err != nil {
		return err
	}

	modes := []hybrid.Mode{hybrid.ModeNormal, hybrid.ModeMonthly}
	switch c.Mode {
	case "normal":
		modes = modes[:1]
	case "monthly":
		modes = modes[1:]
	}

	days := c.Days
	if days == 0 {
		days = app.cfg.HorizonDays
	}

	// The forecast feed only patches a ~31-day window, which matters
	// for near-term horizons.
	if !c.NoRefresh && days <= 7 {
		if _, err := app.service.Refresh(ctx, loc); err != nil {
			log.Printf("forecast: refresh %s failed, using stored history: %v", loc.Name, err)
		}
	}

	forecaster := app.forecaster()
	var primary []models.ForecastRow
	for _, mode := range modes {
		rows, err := forecaster.Forecast(loc.Name, days, mode)
		if err != nil {
			if mode == hybrid.ModeMonthly && len(modes) > 1 {
				log.Printf("forecast: monthly: %v", err)
				continue
			}
			return fmt.Errorf("forecast %s: %w", loc.Name, err)
		}
		if err := app.store.SaveForecasts(rows); err != nil {
			return fmt.Errorf("save forecasts: %w", err)
		}
		if primary == nil {
			primary = rows
		}
		printForecast(loc.Name, mode, rows)
	}

	if c.Chart != "" {
		png, err := chart.Render(loc.Name, primary)
		if err != nil {
			return fmt.Errorf("render chart: %w", err)
		}
		if err := os.WriteFile(c.Chart, png, 0o644); err != nil {
			return fmt.Errorf("write chart: %w", err)
		}
		log.Printf("forecast: chart written to %s", c.Chart)
	}

	if c.Narrative {
		gen, err := narrative.NewGenerator()
		if err != nil {
			log.Printf("forecast: narrative disabled: %v", err)
			return nil
		}
		summary, err := gen.Summarize(ctx, loc.Name, primary)
		if err != nil {
			log.Printf("forecast: narrative: %v", err)
			return nil
		}
		fmt.Printf("\n%s\n", summary)
	}
	return nil
}

func printForecast(location string, mode hybrid.Mode, rows []models.ForecastRow) {
	fmt.Printf("Forecast for %s (%s, %d days):\n", location, mode, len(rows))
	fmt.Printf("%-12s %9s %9s %9s %9s  %s\n", "DATE", "SEASONAL", "RESIDUAL", "FINAL", "MIN", "COVARIATES")
	for _, r := range rows {
		min := "-"
		if r.TempMin.Valid {
			min = fmt.Sprintf("%.1f", r.TempMin.Float64)
		}
		cov := "estimated"
		if r.CovariatesReal {
			cov = "real"
		}
		fmt.Printf("%-12s %9.1f %9.1f %9.1f %9s  %s\n",
			r.Date.Format("2006-01-02"), r.Seasonal, r.Residual, r.Final, min, cov)
	}
}

type AlertsCmd struct {
	Location  string `help:"Location to evaluate; defaults to the configured default."`
	Days      int    `help:"Days of stored forecast to evaluate; defaults to the configured horizon."`
	Narrative bool   `help:"Head the notification with a model-written summary."`
	Chart     string `help:"Write a PNG chart of the evaluated forecast to this path." type:"path"`
	DryRun    bool   `help:"Print triggered alerts without dispatching or recording them."`
}

func (c *AlertsCmd) Run(ctx context.Context, app *App) error {
	loc, err := app.resolveLocation(c.Location)
	if err != nil {
		return err
	}
	days := c.Days
	if days == 0 {
		days = app.cfg.HorizonDays
	}
	return app.evaluateAlerts(ctx, loc, days, alertRun{
		dryRun:    c.DryRun,
		narrative: c.Narrative,
		chartPath: c.Chart,
	})
}

// alertRun carries the optional extras of one alert evaluation.
type alertRun struct {
	dryRun    bool
	narrative bool
	chartPath string
}

func (a *App) evaluateAlerts(ctx context.Context, loc models.Location, days int, opts alertRun) error {
	rows, err := a.store.LoadForecasts(loc.Name, string(hybrid.ModeNormal), dateOnly(time.Now()), days)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("no stored forecast for %s; run forecast first", loc.Name)
	}

	lastObserved, haveObserved := a.lastObservedTemp(loc.Name)
	rules := alerts.Rules{DropThreshold: a.cfg.DropThreshold, FrostThreshold: a.cfg.FrostThreshold}
	triggered := rules.Evaluate(rows, lastObserved, haveObserved)

	unsent, err := a.store.FilterUnsent(triggered)
	if err != nil {
		return err
	}
	if len(unsent) == 0 {
		log.Printf("alerts: %s: nothing new to send", loc.Name)
		return nil
	}

	if opts.chartPath != "" {
		if png, err := chart.Render(loc.Name, rows); err != nil {
			log.Printf("alerts: chart: %v", err)
		} else if err := os.WriteFile(opts.chartPath, png, 0o644); err != nil {
			log.Printf("alerts: chart: %v", err)
		} else {
			log.Printf("alerts: chart written to %s", opts.chartPath)
		}
	}

	var summary string
	if opts.narrative {
		summary = a.alertSummary(ctx, loc.Name, rows)
	}

	sender := a.sender()
	if opts.dryRun || (sender.Telegram == nil && sender.Email == nil) {
		if summary != "" {
			fmt.Println(summary)
		}
		for _, alert := range unsent {
			fmt.Println(alert.Message)
		}
		return nil
	}

	if err := sender.Dispatch(ctx, summary, unsent); err != nil {
		return err
	}
	return a.store.MarkAlertsSent(unsent, time.Now())
}

// alertSummary is best effort; a narrative failure never blocks alerts.
func (a *App) alertSummary(ctx context.Context, location string, rows []models.ForecastRow) string {
	gen, err := narrative.NewGenerator()
	if err != nil {
		log.Printf("alerts: narrative disabled: %v", err)
		return ""
	}
	summary, err := gen.Summarize(ctx, location, rows)
	if err != nil {
		log.Printf("alerts: narrative: %v", err)
		return ""
	}
	return summary
}

// lastObservedTemp anchors the first forecast day's drop comparison to
// the newest measured temperature.
func (a *App) lastObservedTemp(location string) (float64, bool) {
	latest, found, err := a.store.LatestObservationDate(location)
	if err != nil || !found {
		return 0, false
	}
	obs, err := a.store.LoadObservationsRange(location, latest, latest)
	if err != nil || len(obs) == 0 || !obs[0].TempMean.Valid {
		return 0, false
	}
	return obs[0].TempMean.Float64, true
}

func (a *App) sender() *alerts.Sender {
	s := &alerts.Sender{}
	if a.cfg.TelegramEnabled() {
		s.Telegram = alerts.NewTelegram(a.cfg.TelegramToken, a.cfg.TelegramChatID)
	}
	if a.cfg.EmailEnabled() {
		s.Email = alerts.NewEmail(a.cfg.EmailFrom, a.cfg.EmailTo, a.cfg.EmailPassword)
	}
	return s
}

type ServeCmd struct {
	Listen string `help:"Listen address; overrides the configured port." placeholder:"HOST:PORT"`
	NoPoll bool   `name:"no-poll" help:"Disable scheduled jobs (server only, for local dev)."`
}

func (c *ServeCmd) Run(ctx context.Context, app *App) error {
	addr := c.Listen
	if addr == "" {
		addr = ":" + app.cfg.Port
	}
	server := api.NewServer(app.store, addr)

	if !c.NoPoll {
		scheduler := ingest.NewScheduler(app.service, app.dailyJob(ctx))
		go scheduler.Run(ctx)
	} else {
		log.Println("scheduling disabled (--no-poll)")
	}

	log.Printf("starting server on %s", addr)
	return server.Run(ctx)
}

// payloadRetentionDays bounds the raw response archive.
const payloadRetentionDays = 90

// dailyJob retrains both model sets, reforecasts every active location
// and dispatches alerts. A per-location failure does not stop the rest.
func (a *App) dailyJob(ctx context.Context) func() error {
	return func() error {
		if n, err := a.store.CleanupOldRawPayloads(payloadRetentionDays); err != nil {
			log.Printf("daily: payload cleanup: %v", err)
		} else if n > 0 {
			log.Printf("daily: dropped %d archived payloads older than %d days", n, payloadRetentionDays)
		}

		trainer := a.trainer()
		if _, err := trainer.Train(hybrid.ModeNormal); err != nil {
			return fmt.Errorf("train normal: %w", err)
		}
		if _, err := trainer.Train(hybrid.ModeMonthly); err != nil {
			log.Printf("daily: train monthly: %v", err)
		}

		locations, err := a.store.GetLocations(true)
		if err != nil {
			return err
		}

		forecaster := a.forecaster()
		var errs []error
		for _, loc := range locations {
			rows, err := forecaster.Forecast(loc.Name, a.cfg.HorizonDays, hybrid.ModeNormal)
			if err != nil {
				log.Printf("daily: forecast %s: %v", loc.Name, err)
				errs = append(errs, err)
				continue
			}
			if err := a.store.SaveForecasts(rows); err != nil {
				errs = append(errs, err)
				continue
			}
			if err := a.evaluateAlerts(ctx, loc, a.cfg.HorizonDays, alertRun{}); err != nil {
				log.Printf("daily: alerts %s: %v", loc.Name, err)
				errs = append(errs, err)
			}
		}

		// Keep the monthly view fresh for the default location; the
		// monthly artifacts may legitimately not exist yet.
		if def, err := a.store.DefaultLocation(); err == nil && def != nil {
			if rows, err := forecaster.Forecast(def.Name, a.cfg.HorizonDays, hybrid.ModeMonthly); err != nil {
				log.Printf("daily: monthly forecast %s: %v", def.Name, err)
			} else if err := a.store.SaveForecasts(rows); err != nil {
				log.Printf("daily: save monthly forecast: %v", err)
			}
		}
		return errors.Join(errs...)
	}
}

type AddLocationCmd struct {
	Name     string  `required:"" help:"Location name."`
	Lat      float64 `required:"" help:"Latitude in decimal degrees."`
	Lon      float64 `required:"" help:"Longitude in decimal degrees."`
	Default  bool    `help:"Make this the default location."`
	Inactive bool    `help:"Register without scheduling it for ingestion."`
}

func (c *AddLocationCmd) Run(app *App) error {
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return errors.New("coordinates out of range")
	}

	loc := models.Location{
		Name:      c.Name,
		Latitude:  c.Lat,
		Longitude: c.Lon,
		Active:    !c.Inactive,
	}
	// Re-registering the current default must not clear its flag.
	existing, err := app.store.GetLocation(c.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		loc.IsDefault = existing.IsDefault
	}

	if err := app.store.UpsertLocation(loc); err != nil {
		return err
	}
	if c.Default {
		if err := app.store.SetDefaultLocation(c.Name); err != nil {
			return err
		}
	}
	log.Printf("location %s registered; run 'meteocast ingest --backfill' to load history", c.Name)
	return nil
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
