package models

import (
	"database/sql"
	"time"
)

type Location struct {
	Name      string
	Latitude  float64
	Longitude float64
	IsDefault bool
	Active    bool
}

// Observation is one location-day of weather data. Dates are calendar
// dates stored as UTC midnight; every numeric column is nullable because
// upstream feeds routinely omit variables.
type Observation struct {
	ID           int64
	Location     string
	Date         time.Time
	TempMean     sql.NullFloat64
	TempMax      sql.NullFloat64
	TempMin      sql.NullFloat64
	ApparentTemp sql.NullFloat64
	Radiation    sql.NullFloat64
	Precip       sql.NullFloat64
	SunshineDur  sql.NullFloat64
	DaylightDur  sql.NullFloat64
	WindDir      sql.NullFloat64
	Humidity     sql.NullFloat64
	Pressure     sql.NullFloat64
	WindSpeed    sql.NullFloat64
	CloudCover   sql.NullFloat64
	CreatedAt    time.Time
}

// ForecastRow is one day of hybrid model output: the seasonal baseline,
// the corrected residual on top of it, and the blended final temperature.
type ForecastRow struct {
	ID             int64
	Location       string
	Date           time.Time
	Mode           string // "normal" or "monthly"
	Seasonal       float64
	Residual       float64
	WindDir        sql.NullFloat64
	Final          float64
	TempMin        sql.NullFloat64
	CovariatesReal bool
	CreatedAt      time.Time
}

type TrainingRun struct {
	ID               int64
	Mode             string
	StartedAt        time.Time
	CompletedAt      sql.NullTime
	LocationsTrained int
	LocationsSkipped int
	RowCount         int
	Error            sql.NullString
}

// Alert is one triggered forecast rule, ready for dispatch.
type Alert struct {
	Kind     string // "sudden_drop" or "frost_risk"
	Location string
	Date     time.Time
	Value    float64
	Message  string
}

// IngestRun records one download attempt per location and endpoint.
type IngestRun struct {
	ID          int64
	Location    string
	Endpoint    string // "archive", "forecast" or "gsod"
	StartedAt   time.Time
	CompletedAt sql.NullTime
	RowsFetched int
	RowsStored  int
	Error       sql.NullString
}
