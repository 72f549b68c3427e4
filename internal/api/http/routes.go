package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/airquality-forecast/internal/airquality"
	"github.com/i474232898/airquality-forecast/internal/scheduler"
)

const (
	defaultHorizonHours = 24
	defaultHistoryDays  = 30
	maxHistoryDays      = 365
	batchTimeout        = 5 * time.Minute
)

var validate = validator.New()

// Geocoder resolves a city name to coordinates.
type Geocoder interface {
	Resolve(ctx context.Context, city, country string) (airquality.Coordinates, error)
}

// CycleRunner is the part of the scheduler exposed over HTTP.
type CycleRunner interface {
	RunScheduledCycle(ctx context.Context) scheduler.CycleReport
	Jobs() []scheduler.Job
	State() scheduler.State
}

// Handlers holds the collaborators behind the HTTP API. Scheduler and
// Geocoder may be nil; the routes that need them answer 503.
type Handlers struct {
	Service   *airquality.Service
	Scheduler CycleRunner
	Geocoder  Geocoder
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, h Handlers) {
	v1 := app.Group("/api/v1")

	v1.Get("/locations", h.locations)
	v1.Get("/forecast", h.forecastByCoordinates)
	v1.Post("/forecast/batch", h.batchForecast)
	v1.Get("/forecast/:location", h.forecast)
	v1.Get("/forecast/:location/cached", h.cachedForecast)
	v1.Get("/history/:location", h.history)
	v1.Get("/observations/:location/latest", h.latestObservation)
	v1.Get("/alerts/:location", h.alerts)
	v1.Get("/health-recommendations/:location", h.healthRecommendations)
	v1.Get("/data/status", h.dataStatus)
	v1.Get("/data/features/:location", h.features)
	v1.Get("/data/collect/:location", h.collect)
	v1.Post("/scheduler/run", h.runCycle)
	v1.Get("/scheduler/jobs", h.jobs)
}

func (h Handlers) locations(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"locations": h.Service.Locations()})
}

func (h Handlers) forecast(c *fiber.Ctx) error {
	hours, err := queryInt(c, "hours", defaultHorizonHours)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	series, err := h.Service.Forecast(c.UserContext(), c.Params("location"), hours)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(series)
}

func (h Handlers) cachedForecast(c *fiber.Ctx) error {
	hours, err := queryInt(c, "hours", defaultHorizonHours)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	series, ok, err := h.Service.GetCachedForecast(c.UserContext(), c.Params("location"), hours)
	if err != nil {
		return httpError(err)
	}
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "no cached forecast for requested location")
	}
	return c.JSON(series)
}

// coordinateQuery identifies an ad-hoc location either by coordinates or by
// city and country.
type coordinateQuery struct {
	Lat, Lon      string
	City, Country string
}

func (h Handlers) forecastByCoordinates(c *fiber.Ctx) error {
	q := coordinateQuery{
		Lat:     c.Query("lat"),
		Lon:     c.Query("lon"),
		City:    strings.TrimSpace(c.Query("city")),
		Country: strings.TrimSpace(c.Query("country")),
	}
	hours, err := queryInt(c, "hours", defaultHorizonHours)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	coords, err := h.coordinates(c.UserContext(), q)
	if err != nil {
		return err
	}
	series, err := h.Service.GenerateForecast(c.UserContext(), coords, hours)
	if err != nil {
		return httpError(err)
	}
	if q.Lat == "" {
		series.LocationName = q.City
	}
	return c.JSON(series)
}

func (h Handlers) coordinates(ctx context.Context, q coordinateQuery) (airquality.Coordinates, error) {
	switch {
	case q.Lat != "" || q.Lon != "":
		lat, errLat := strconv.ParseFloat(q.Lat, 64)
		lon, errLon := strconv.ParseFloat(q.Lon, 64)
		if errLat != nil || errLon != nil {
			return airquality.Coordinates{}, fiber.NewError(fiber.StatusBadRequest, "lat and lon must both be numbers")
		}
		coords := airquality.Coordinates{Lat: lat, Lon: lon}
		if err := validate.Struct(coords); err != nil {
			return airquality.Coordinates{}, fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return coords, nil
	case q.City == "":
		return airquality.Coordinates{}, fiber.NewError(fiber.StatusBadRequest, "lat and lon, or city, are required")
	case h.Geocoder == nil:
		return airquality.Coordinates{}, fiber.NewError(fiber.StatusServiceUnavailable, "geocoding is not configured")
	}

	coords, err := h.Geocoder.Resolve(ctx, q.City, q.Country)
	if err != nil {
		slog.Warn("api: geocoding failed", "city", q.City, "country", q.Country, "err", err)
		return airquality.Coordinates{}, fiber.NewError(fiber.StatusNotFound, "could not resolve city")
	}
	if err := validate.Struct(coords); err != nil {
		return airquality.Coordinates{}, fiber.NewError(fiber.StatusBadGateway, "geocoder returned invalid coordinates")
	}
	return coords, nil
}

type batchRequest struct {
	Locations []string `json:"locations" validate:"min=1,dive,required"`
	Hours     int      `json:"hours" validate:"omitempty,gt=0"`
}

// batchForecast warms the result cache for several locations in the background.
func (h Handlers) batchForecast(c *fiber.Ctx) error {
	var req batchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	for _, id := range req.Locations {
		if _, err := h.Service.Lookup(id); err != nil {
			return httpError(err)
		}
	}
	if req.Hours == 0 {
		req.Hours = defaultHorizonHours
	}

	go func(ids []string, hours int) {
		ctx, cancel := context.WithTimeout(context.Background(), batchTimeout)
		defer cancel()
		for _, id := range ids {
			if _, err := h.Service.Forecast(ctx, id, hours); err != nil {
				slog.Warn("api: batch forecast failed", "location", id, "err", err)
			}
		}
		slog.Info("api: batch forecast finished", "locations", len(ids), "hours", hours)
	}(req.Locations, req.Hours)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"message": fmt.Sprintf("Processing forecasts for %d locations", len(req.Locations)),
	})
}

// historyQuery holds query parameters for the history endpoint.
type historyQuery struct {
	From time.Time `validate:"required"`
	To   time.Time `validate:"required,gtefield=From"`
}

// bind reads either an explicit from/to range or a days window ending now.
func (q *historyQuery) bind(c *fiber.Ctx, now time.Time) error {
	fromStr, toStr := c.Query("from"), c.Query("to")
	if fromStr != "" || toStr != "" {
		if fromStr == "" || toStr == "" {
			return errors.New("from and to query parameters must be given together")
		}
		from, err := parseTime(fromStr)
		if err != nil {
			return err
		}
		to, err := parseTime(toStr)
		if err != nil {
			return err
		}
		q.From, q.To = from, to
		return nil
	}

	days, err := queryInt(c, "days", defaultHistoryDays)
	if err != nil {
		return err
	}
	if days <= 0 || days > maxHistoryDays {
		return fmt.Errorf("days must be between 1 and %d", maxHistoryDays)
	}
	q.To = now
	q.From = now.Add(-time.Duration(days) * 24 * time.Hour)
	return nil
}

func (h Handlers) history(c *fiber.Ctx) error {
	var q historyQuery
	if err := q.bind(c, time.Now().UTC()); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(q); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	records, err := h.Service.History(c.UserContext(), c.Params("location"), q.From, q.To)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(fiber.Map{
		"location": c.Params("location"),
		"from":     q.From,
		"to":       q.To,
		"count":    len(records),
		"records":  records,
	})
}

func (h Handlers) latestObservation(c *fiber.Ctx) error {
	obs, err := h.Service.LatestObservation(c.UserContext(), c.Params("location"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(obs)
}

func (h Handlers) alerts(c *fiber.Ctx) error {
	report, err := h.Service.Alerts(c.UserContext(), c.Params("location"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(report)
}

func (h Handlers) healthRecommendations(c *fiber.Ctx) error {
	report, err := h.Service.Alerts(c.UserContext(), c.Params("location"))
	if err != nil {
		return httpError(err)
	}

	advice := []string{report.Category.Advisory}
	advice = append(advice, report.Category.Recommendations...)
	return c.JSON(fiber.Map{
		"location":        report.Location,
		"aqi":             report.AQI,
		"category":        report.Category.Name,
		"level":           report.Category.Level,
		"recommendations": advice,
		"timestamp":       report.Timestamp,
	})
}

func (h Handlers) dataStatus(c *fiber.Ctx) error {
	return c.JSON(h.Service.Status())
}

func (h Handlers) features(c *fiber.Ctx) error {
	set, err := h.Service.Features(c.UserContext(), c.Params("location"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(set)
}

// collect runs the pipeline for one location. A failed stage is reported in
// the body with a 503 so callers can see which stage broke.
func (h Handlers) collect(c *fiber.Ctx) error {
	out, err := h.Service.CollectLocation(c.UserContext(), c.Params("location"))
	if err != nil {
		return httpError(err)
	}
	if !out.OK {
		c.Status(fiber.StatusServiceUnavailable)
	}
	return c.JSON(out)
}

func (h Handlers) runCycle(c *fiber.Ctx) error {
	if h.Scheduler == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "scheduler is not running")
	}
	return c.JSON(h.Scheduler.RunScheduledCycle(c.UserContext()))
}

func (h Handlers) jobs(c *fiber.Ctx) error {
	if h.Scheduler == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "scheduler is not running")
	}
	return c.JSON(fiber.Map{
		"state": h.Scheduler.State(),
		"jobs":  h.Scheduler.Jobs(),
	})
}

// httpError maps service errors onto HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, airquality.ErrUnknownLocation), errors.Is(err, airquality.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, airquality.ErrInvalidHorizon):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, airquality.ErrPredictionUnavailable), errors.Is(err, airquality.ErrPersistence),
		errors.Is(err, airquality.ErrCollection):
		slog.Error("api: request failed", "kind", airquality.ErrorKind(err), "err", err)
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.NewError(fiber.StatusGatewayTimeout, "request timed out")
	default:
		slog.Error("api: request failed", "err", err)
		return fiber.NewError(fiber.StatusInternalServerError, "internal error")
	}
}

// queryInt reads an integer query parameter, returning def when absent.
func queryInt(c *fiber.Ctx, key string, def int) (int, error) {
	s := c.Query(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}

// parseTime tries to parse either RFC3339 or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339 or unix seconds")
}
