package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/i474232898/airquality-forecast/internal/airquality"
)

const schema = `
CREATE TABLE IF NOT EXISTS air_quality_forecasts (
	id                TEXT PRIMARY KEY,
	location_name     TEXT NOT NULL,
	latitude          DOUBLE PRECISION NOT NULL,
	longitude         DOUBLE PRECISION NOT NULL,
	forecast_datetime TIMESTAMPTZ NOT NULL,
	no2_predicted     DOUBLE PRECISION NOT NULL,
	o3_predicted      DOUBLE PRECISION NOT NULL,
	hcho_predicted    DOUBLE PRECISION NOT NULL,
	aqi_predicted     INTEGER NOT NULL,
	confidence_score  DOUBLE PRECISION NOT NULL,
	model_version     TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_forecasts_location_time
	ON air_quality_forecasts (location_name, forecast_datetime);

CREATE TABLE IF NOT EXISTS historical_data (
	id            BIGSERIAL PRIMARY KEY,
	forecast_id   TEXT REFERENCES air_quality_forecasts (id) ON DELETE SET NULL,
	location_name TEXT NOT NULL,
	datetime      TIMESTAMPTZ NOT NULL,
	no2_actual    DOUBLE PRECISION,
	o3_actual     DOUBLE PRECISION,
	hcho_actual   DOUBLE PRECISION,
	temperature   DOUBLE PRECISION,
	humidity      DOUBLE PRECISION,
	wind_speed    DOUBLE PRECISION,
	pressure      DOUBLE PRECISION,
	source        TEXT
);
CREATE INDEX IF NOT EXISTS idx_historical_location_time
	ON historical_data (location_name, datetime);
`

// PostgresStore persists forecast and observation rows with pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// SaveForecast writes the forecast row and its observation in one transaction.
func (s *PostgresStore) SaveForecast(ctx context.Context, rec airquality.ForecastRecord) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO air_quality_forecasts (id, location_name, latitude, longitude, forecast_datetime,
				no2_predicted, o3_predicted, hcho_predicted, aqi_predicted, confidence_score, model_version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, rec.ID, rec.LocationID, rec.Lat, rec.Lon, rec.ForecastTime.UTC(),
			rec.NO2, rec.O3, rec.HCHO, rec.AQI, rec.Confidence, rec.ModelVersion, rec.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert forecast %s: %w", rec.ID, err)
		}

		if obs := rec.Observation; obs != nil {
			_, err = tx.Exec(ctx, `
				INSERT INTO historical_data (forecast_id, location_name, datetime, no2_actual, o3_actual,
					hcho_actual, temperature, humidity, wind_speed, pressure, source)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			`, rec.ID, obs.LocationID, obs.Time.UTC(), obs.NO2, obs.O3, obs.HCHO,
				obs.TemperatureC, obs.HumidityPct, obs.WindSpeedMS, obs.PressurePa, obs.Source)
			if err != nil {
				return fmt.Errorf("insert observation for %s: %w", rec.ID, err)
			}
		}
		return nil
	})
}

// DeleteOlderThan removes forecasts with forecast_datetime strictly before cutoff.
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM air_quality_forecasts WHERE forecast_datetime < $1`, cutoff.UTC())
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete forecasts: %w", err)
	}
	return deleted, nil
}

// GetRange returns forecast records between from and to (inclusive), oldest first.
func (s *PostgresStore) GetRange(ctx context.Context, locationID string, from, to time.Time) ([]airquality.ForecastRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT f.id, f.location_name, f.latitude, f.longitude, f.forecast_datetime, f.no2_predicted,
			f.o3_predicted, f.hcho_predicted, f.aqi_predicted, f.confidence_score, f.model_version, f.created_at,
			h.datetime, h.no2_actual, h.o3_actual, h.hcho_actual, h.temperature, h.humidity,
			h.wind_speed, h.pressure, h.source
		FROM air_quality_forecasts f
		LEFT JOIN historical_data h ON h.forecast_id = f.id
		WHERE f.location_name = $1 AND f.forecast_datetime >= $2 AND f.forecast_datetime <= $3
		ORDER BY f.forecast_datetime ASC
	`, locationID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query forecasts: %w", err)
	}
	defer rows.Close()

	result := []airquality.ForecastRecord{}
	for rows.Next() {
		var (
			rec    airquality.ForecastRecord
			obsAt  *time.Time
			no2    *float64
			o3     *float64
			hcho   *float64
			temp   *float64
			hum    *float64
			wind   *float64
			press  *float64
			source *string
		)
		if err := rows.Scan(&rec.ID, &rec.LocationID, &rec.Lat, &rec.Lon, &rec.ForecastTime,
			&rec.NO2, &rec.O3, &rec.HCHO, &rec.AQI, &rec.Confidence, &rec.ModelVersion, &rec.CreatedAt,
			&obsAt, &no2, &o3, &hcho, &temp, &hum, &wind, &press, &source); err != nil {
			return nil, fmt.Errorf("scan forecast: %w", err)
		}
		rec.ForecastTime = rec.ForecastTime.UTC()
		rec.CreatedAt = rec.CreatedAt.UTC()
		if obsAt != nil {
			rec.Observation = &airquality.ObservationRecord{
				LocationID:   rec.LocationID,
				Time:         obsAt.UTC(),
				NO2:          deref(no2),
				O3:           deref(o3),
				HCHO:         deref(hcho),
				TemperatureC: deref(temp),
				HumidityPct:  deref(hum),
				WindSpeedMS:  deref(wind),
				PressurePa:   deref(press),
			}
			if source != nil {
				rec.Observation.Source = *source
			}
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate forecasts: %w", err)
	}
	return result, nil
}

// LatestObservation returns the newest historical_data row for a location.
func (s *PostgresStore) LatestObservation(ctx context.Context, locationID string) (airquality.ObservationRecord, error) {
	var (
		obs                                   airquality.ObservationRecord
		no2, o3, hcho, temp, hum, wind, press *float64
		source                                *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT location_name, datetime, no2_actual, o3_actual, hcho_actual, temperature, humidity,
			wind_speed, pressure, source
		FROM historical_data
		WHERE location_name = $1
		ORDER BY datetime DESC
		LIMIT 1
	`, locationID).Scan(&obs.LocationID, &obs.Time, &no2, &o3, &hcho, &temp, &hum, &wind, &press, &source)
	if errors.Is(err, pgx.ErrNoRows) {
		return airquality.ObservationRecord{}, ErrNotFound
	}
	if err != nil {
		return airquality.ObservationRecord{}, fmt.Errorf("query observation: %w", err)
	}
	obs.Time = obs.Time.UTC()
	obs.NO2, obs.O3, obs.HCHO = deref(no2), deref(o3), deref(hcho)
	obs.TemperatureC, obs.HumidityPct = deref(temp), deref(hum)
	obs.WindSpeedMS, obs.PressurePa = deref(wind), deref(press)
	if source != nil {
		obs.Source = *source
	}
	return obs, nil
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
