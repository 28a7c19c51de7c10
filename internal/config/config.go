// Package config carries the runtime settings shared by every meteocast
// command. Fields double as kong flags; Validate runs once at startup.
package config

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/avelar/meteocast/internal/models"
)

const dateLayout = "2006-01-02"

type Config struct {
	DBPath   string `name:"db" default:"./meteocast.db" env:"METEOCAST_DB" help:"Path to the SQLite database." validate:"required"`
	ModelDir string `name:"models" default:"./models" env:"METEOCAST_MODELS" help:"Directory for trained model artifacts." validate:"required"`
	Port     string `default:"8080" env:"PORT" help:"HTTP port for serve mode." validate:"required"`

	// The seed location fills an empty locations table on first start;
	// the per-command --location flags select among registered ones.
	Location  string  `name:"seed-location" default:"Santander" env:"METEOCAST_LOCATION" help:"Default location seeded into an empty database." validate:"required"`
	Latitude  float64 `default:"43.4623" env:"METEOCAST_LAT" help:"Seed location latitude." validate:"gte=-90,lte=90"`
	Longitude float64 `default:"-3.8099" env:"METEOCAST_LON" help:"Seed location longitude." validate:"gte=-180,lte=180"`

	HistoryStart string `default:"2000-01-01" env:"METEOCAST_HISTORY_START" help:"First day of history to backfill." validate:"datetime=2006-01-02"`

	HorizonDays int `default:"7" env:"METEOCAST_HORIZON" help:"Default forecast horizon in days." validate:"gte=1,lte=60"`
	MonthlyDays int `default:"25" env:"METEOCAST_MONTHLY_DAYS" help:"Days kept per month when resampling monthly-mode training data." validate:"gte=1,lte=31"`

	DropThreshold  float64 `default:"2" env:"METEOCAST_DROP_THRESHOLD" help:"Day-over-day cooling in °C that triggers a sudden_drop alert." validate:"gt=0"`
	FrostThreshold float64 `default:"3" env:"METEOCAST_FROST_THRESHOLD" help:"Daily minimum in °C below which frost_risk triggers."`

	TelegramToken  string `env:"TELEGRAM_BOT_TOKEN" help:"Telegram bot token; empty disables the channel." validate:"required_with=TelegramChatID"`
	TelegramChatID string `env:"TELEGRAM_CHAT_ID" help:"Telegram chat to notify." validate:"required_with=TelegramToken"`

	EmailFrom     string `env:"ALERT_EMAIL_FROM" help:"Gmail address alerts are sent from; empty disables the channel." validate:"required_with=EmailTo EmailPassword,omitempty,email"`
	EmailTo       string `env:"ALERT_EMAIL_TO" help:"Address alerts are sent to." validate:"required_with=EmailFrom EmailPassword,omitempty,email"`
	EmailPassword string `env:"ALERT_EMAIL_PASSWORD" help:"Gmail app password for the from address." validate:"required_with=EmailFrom EmailTo"`
}

var validate = validator.New()

func (c Config) Validate() error {
	return validate.Struct(c)
}

// StartDate parses HistoryStart. Validate guarantees the format, so the
// error only surfaces when Validate was skipped.
func (c Config) StartDate() (time.Time, error) {
	return time.Parse(dateLayout, c.HistoryStart)
}

// DefaultLocation builds the seed location every command upserts on start.
func (c Config) DefaultLocation() models.Location {
	return models.Location{
		Name:      c.Location,
		Latitude:  c.Latitude,
		Longitude: c.Longitude,
		IsDefault: true,
		Active:    true,
	}
}

// TelegramEnabled reports whether both telegram settings are present.
func (c Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != ""
}

// EmailEnabled reports whether the full email channel is configured.
func (c Config) EmailEnabled() bool {
	return c.EmailFrom != "" && c.EmailTo != "" && c.EmailPassword != ""
}
