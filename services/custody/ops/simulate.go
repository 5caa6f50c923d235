package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"aegis/services/ingest"
)

// Step is one simulated sensor reading.
type Step struct {
	Sensor  string
	Request ingest.TriggerRequest
}

// Stage is a group of readings that together drive one transition.
type Stage struct {
	Name  string
	Steps []Step
}

// Journey returns the readings that walk asset serial out of the vault, into
// the viewing showcase, and back.
func Journey(serial string) []Stage {
	officer := SeedID("custodian", "Vault Officer")
	host := SeedID("custodian", "Viewing Host")
	opened := "opened"
	secured := "secured"

	return []Stage{
		{Name: "vault exit", Steps: []Step{
			{Sensor: "BMS-VLT-01", Request: ingest.TriggerRequest{AssetSerial: serial, CustodianID: &officer}},
			{Sensor: "RFID-VLT-01B", Request: ingest.TriggerRequest{AssetSerial: serial}},
		}},
		{Name: "custody transfer", Steps: []Step{
			{Sensor: "WSP-TRZ-01", Request: ingest.TriggerRequest{AssetSerial: serial, Details: map[string]any{"weight_grams": 1.004}}},
			{Sensor: "NFC-ANT-01", Request: ingest.TriggerRequest{AssetSerial: serial, CustodianID: &host}},
			{Sensor: "SCS-ANT-01", Request: ingest.TriggerRequest{AssetSerial: serial, ShowcaseStatus: secured}},
		}},
		{Name: "viewing ended", Steps: []Step{
			{Sensor: "SCS-ANT-01", Request: ingest.TriggerRequest{AssetSerial: serial, ShowcaseStatus: opened}},
			{Sensor: "NFC-ANT-01", Request: ingest.TriggerRequest{AssetSerial: serial, CustodianID: &host}},
		}},
		{Name: "vault return", Steps: []Step{
			{Sensor: "WSP-TRZ-01", Request: ingest.TriggerRequest{AssetSerial: serial, Details: map[string]any{"weight_grams": 1.004}}},
			{Sensor: "RFID-VLT-01A", Request: ingest.TriggerRequest{AssetSerial: serial}},
			{Sensor: "BMS-VLT-01", Request: ingest.TriggerRequest{AssetSerial: serial, CustodianID: &officer}},
		}},
	}
}

// Simulator posts readings to the ingest API.
type Simulator struct {
	BaseURL string
	Client  *http.Client
	Logger  zerolog.Logger
	// Pause is slept between stages so the daemon can commit each transition
	// before the next one begins.
	Pause time.Duration
	Now   func() time.Time
}

// Result is the event the ingest API recorded for a step.
type Result struct {
	Stage     string    `json:"stage"`
	Sensor    string    `json:"sensor"`
	EventID   int64     `json:"id"`
	EventType string    `json:"event_type"`
	AssetID   uuid.UUID `json:"asset_id"`
}

// Run posts every step of stages in order and stops at the first rejection.
// Each reading is stamped one millisecond after the previous one so event
// order survives clock resolution on the server.
func (s Simulator) Run(ctx context.Context, stages []Stage) ([]Result, error) {
	if s.BaseURL == "" {
		return nil, errors.New("ingest url is required")
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	now := s.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC()

	var out []Result
	for i, stage := range stages {
		if i > 0 && s.Pause > 0 {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(s.Pause):
			}
		}
		for _, step := range stage.Steps {
			req := step.Request
			stamp := ts
			req.Timestamp = &stamp
			ts = ts.Add(time.Millisecond)

			res, err := s.trigger(ctx, client, step.Sensor, req)
			if err != nil {
				return out, fmt.Errorf("%s: %s: %w", stage.Name, step.Sensor, err)
			}
			res.Stage = stage.Name
			res.Sensor = step.Sensor
			out = append(out, res)
			s.Logger.Info().
				Str("stage", stage.Name).
				Str("sensor", step.Sensor).
				Str("event_type", res.EventType).
				Int64("event_id", res.EventID).
				Msg("reading recorded")
		}
	}
	return out, nil
}

func (s Simulator) trigger(ctx context.Context, client *http.Client, sensor string, body ingest.TriggerRequest) (Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, err
	}
	endpoint := strings.TrimRight(s.BaseURL, "/") + "/v1/simulation/trigger/" + url.PathEscape(sensor)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("ingest returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("decode ingest response: %w", err)
	}
	return res, nil
}
