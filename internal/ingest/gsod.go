package ingest

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/avelar/meteocast/internal/models"
)

const (
	gsodFTPHost  = "ftp.ncei.noaa.gov:21"
	gsodPathTmpl = "/pub/data/gsod/%d/%s-%d.op.gz"

	// Santander airport, WMO 080210 with WBAN 99999.
	defaultGSODStation = "080210-99999"
)

// GSOD pulls yearly station summaries from the NOAA Global Surface
// Summary of the Day archive. Useful for history that predates the
// gridded reanalysis feeds.
type GSOD struct {
	host    string
	station string
}

func NewGSOD(station string) *GSOD {
	if station == "" {
		station = defaultGSODStation
	}
	return &GSOD{host: gsodFTPHost, station: station}
}

// FetchYear downloads and parses one station-year file. The returned
// raw bytes are the decompressed .op text, for archiving.
func (g *GSOD) FetchYear(location string, year int) ([]models.Observation, []byte, error) {
	conn, err := ftp.Dial(g.host, ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return nil, nil, fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login("anonymous", "anonymous"); err != nil {
		return nil, nil, fmt.Errorf("ftp login: %w", err)
	}

	path := fmt.Sprintf(gsodPathTmpl, year, g.station, year)
	resp, err := conn.Retr(path)
	if err != nil {
		return nil, nil, fmt.Errorf("ftp retr %s: %w", path, err)
	}
	defer resp.Close()

	gz, err := gzip.NewReader(resp)
	if err != nil {
		return nil, nil, fmt.Errorf("gunzip %s: %w", path, err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}

	obs, err := parseGSOD(bytes.NewReader(raw), location)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return obs, raw, nil
}

// parseGSOD reads the fixed-width .op format. Column offsets follow
// the GSOD readme; missing values use per-field sentinels.
func parseGSOD(r io.Reader, location string) ([]models.Observation, error) {
	var obs []models.Observation
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "STN---") || len(line) < 30 {
			continue
		}

		date, err := time.Parse("20060102", strings.TrimSpace(gsodField(line, 14, 22)))
		if err != nil {
			continue
		}

		o := models.Observation{Location: location, Date: dateOnly(date)}

		if v, ok := gsodValue(line, 24, 30, 9999.9); ok {
			o.TempMean = sql.NullFloat64{Float64: fahrenheitToCelsius(v), Valid: true}
		}
		if v, ok := gsodValue(line, 102, 108, 9999.9); ok {
			o.TempMax = sql.NullFloat64{Float64: fahrenheitToCelsius(v), Valid: true}
		}
		if v, ok := gsodValue(line, 110, 116, 9999.9); ok {
			o.TempMin = sql.NullFloat64{Float64: fahrenheitToCelsius(v), Valid: true}
		}
		if v, ok := gsodValue(line, 46, 52, 9999.9); ok {
			o.Pressure = sql.NullFloat64{Float64: v, Valid: true}
		}
		if v, ok := gsodValue(line, 78, 83, 999.9); ok {
			o.WindSpeed = sql.NullFloat64{Float64: knotsToKmh(v), Valid: true}
		}
		if v, ok := gsodValue(line, 118, 123, 99.99); ok {
			o.Precip = sql.NullFloat64{Float64: inchesToMm(v), Valid: true}
		}

		// Rows without any temperature carry nothing the models use.
		if !o.TempMean.Valid && !o.TempMax.Valid && !o.TempMin.Valid {
			continue
		}
		obs = append(obs, o)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return obs, nil
}

func gsodField(line string, start, end int) string {
	if len(line) < end {
		end = len(line)
	}
	if start >= end {
		return ""
	}
	return line[start:end]
}

func gsodValue(line string, start, end int, missing float64) (float64, bool) {
	s := strings.TrimSpace(gsodField(line, start, end))
	// MAX/MIN and PRCP carry a quality flag glued to the number.
	s = strings.TrimRight(s, "*ABCDEFGHI")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v == missing {
		return 0, false
	}
	return v, true
}

func fahrenheitToCelsius(f float64) float64 { return (f - 32) * 5 / 9 }

func knotsToKmh(kt float64) float64 { return kt * 1.852 }

func inchesToMm(in float64) float64 { return in * 25.4 }
