// Package ingest is the HTTP surface through which sensors, simulators, and
// operators record tracking events and read the custody audit trail.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"aegis/pkg/bus"
	"aegis/pkg/telemetry"
	"aegis/services/custody"
)

// Publisher announces persisted events. It may be nil.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Options wires an API.
type Options struct {
	Store          Store
	Publisher      Publisher
	Logger         zerolog.Logger
	ServiceName    string
	AllowedOrigins []string
	// RateLimit caps requests per client IP per minute. Zero disables limiting.
	RateLimit int
	Ready     func(context.Context) error
	Metrics   http.Handler
	Now       func() time.Time
}

// API serves the ingestion endpoints.
type API struct {
	store  Store
	pub    Publisher
	logger zerolog.Logger
	now    func() time.Time
	opts   Options
}

// New validates opts and returns an API.
func New(opts Options) (*API, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "aegis-ingest"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}
	return &API{
		store:  opts.Store,
		pub:    opts.Publisher,
		logger: opts.Logger,
		now:    opts.Now,
		opts:   opts,
	}, nil
}

// Router builds the HTTP handler.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	allowed := a.opts.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))
	if a.opts.RateLimit > 0 {
		r.Use(httprate.LimitByIP(a.opts.RateLimit, time.Minute))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", a.opts.Metrics)

	r.Group(func(r chi.Router) {
		r.Use(telemetry.Middleware(a.opts.ServiceName, a.logger))
		r.Post("/v1/simulation/trigger/{sensorName}", a.handleTrigger)
		r.Post("/v1/events", a.handleCreateEvent)
		r.Get("/v1/assets/{assetID}/state-changes", a.handleStateChanges)
	})

	return r
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.opts.Ready != nil {
		if err := a.opts.Ready(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (a *API) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	sensor, err := a.store.SensorByName(ctx, chi.URLParam(r, "sensorName"))
	if err != nil {
		respondStoreError(w, "sensor", err)
		return
	}
	if sensor.Status != SensorOnline {
		respondError(w, http.StatusConflict, errors.New("sensor "+sensor.Name+" is "+sensor.Status))
		return
	}

	eventType, err := DeriveEventType(sensor.Category, req)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err)
		return
	}

	var assetID *uuid.UUID
	if req.AssetSerial != "" {
		id, err := a.store.AssetIDBySerial(ctx, req.AssetSerial)
		if err != nil {
			respondStoreError(w, "asset", err)
			return
		}
		assetID = &id
	}
	if req.CustodianID != nil {
		if err := a.store.CustodianActive(ctx, *req.CustodianID); err != nil {
			respondStoreError(w, "active custodian", err)
			return
		}
	}

	a.record(ctx, w, Event{
		AssetID:   assetID,
		SensorID:  sensor.ID,
		EventType: string(eventType),
		Details:   EnrichDetails(req.Details, sensor, req.CustodianID),
		Timestamp: a.timestamp(req.Timestamp),
	})
}

type createEventRequest struct {
	AssetID   *uuid.UUID     `json:"asset_id"`
	SensorID  uuid.UUID      `json:"sensor_id"`
	EventType string         `json:"event_type"`
	Details   map[string]any `json:"details"`
	Timestamp *time.Time     `json:"timestamp"`
}

func (a *API) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	eventType, err := custody.ParseEventType(req.EventType)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if req.SensorID == uuid.Nil {
		respondError(w, http.StatusUnprocessableEntity, errors.New("sensor_id is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	sensor, err := a.store.SensorByID(ctx, req.SensorID)
	if err != nil {
		respondStoreError(w, "sensor", err)
		return
	}
	if req.AssetID != nil {
		if err := a.store.AssetExists(ctx, *req.AssetID); err != nil {
			respondStoreError(w, "asset", err)
			return
		}
	}

	a.record(ctx, w, Event{
		AssetID:   req.AssetID,
		SensorID:  sensor.ID,
		EventType: string(eventType),
		Details:   EnrichDetails(req.Details, sensor, nil),
		Timestamp: a.timestamp(req.Timestamp),
	})
}

func (a *API) record(ctx context.Context, w http.ResponseWriter, evt Event) {
	saved, err := a.store.InsertEvent(ctx, evt)
	if err != nil {
		a.logger.Error().Err(err).Str("event_type", evt.EventType).Msg("insert tracking event")
		respondError(w, http.StatusInternalServerError, errors.New("could not record event"))
		return
	}

	if a.pub != nil {
		notice := bus.TrackingRecorded{
			EventID:   saved.ID,
			SensorID:  saved.SensorID.String(),
			EventType: saved.EventType,
			Timestamp: saved.Timestamp,
		}
		if saved.AssetID != nil {
			notice.AssetID = saved.AssetID.String()
		}
		if err := a.pub.Publish(ctx, bus.TrackingRecordedSubject, notice); err != nil {
			a.logger.Warn().Err(err).Int64("event_id", saved.ID).Msg("publish tracking notification")
		}
	}

	respondJSON(w, http.StatusCreated, saved)
}

func (a *API) handleStateChanges(w http.ResponseWriter, r *http.Request) {
	assetID, err := uuid.Parse(chi.URLParam(r, "assetID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid asset id"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.store.AssetExists(ctx, assetID); err != nil {
		respondStoreError(w, "asset", err)
		return
	}
	changes, err := a.store.StateChanges(ctx, assetID)
	if err != nil {
		a.logger.Error().Err(err).Str("asset_id", assetID.String()).Msg("list state changes")
		respondError(w, http.StatusInternalServerError, errors.New("could not list state changes"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"state_changes": changes})
}

func (a *API) timestamp(ts *time.Time) time.Time {
	if ts == nil || ts.IsZero() {
		return a.now().UTC()
	}
	return ts.UTC()
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

func respondStoreError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, ErrNotFound) {
		respondError(w, http.StatusNotFound, errors.New(what+" not found"))
		return
	}
	respondError(w, http.StatusInternalServerError, err)
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}
