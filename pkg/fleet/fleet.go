// Package fleet talks to the Tesla fleet API through Tessie. It supplies the
// authoritative charge history of the energy site and starts or stops
// vehicle charging.
package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/raterudder/chargerudder/pkg/common"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/types"
)

var (
	// ErrVehicleAsleep is returned when a command could not reach the vehicle.
	ErrVehicleAsleep = errors.New("vehicle is asleep or unavailable")
	// ErrRateLimited is returned when the API asks us to back off.
	ErrRateLimited = errors.New("fleet api rate limited")
)

// DeviceNamer maps a wall connector DIN to the device ID used for live
// samples.
type DeviceNamer interface {
	NameForDIN(din string) string
}

// Client is a Tessie API client.
type Client struct {
	client   *http.Client
	baseURL  string
	token    string
	siteID   string
	location *time.Location
	namer    DeviceNamer
	now      func() time.Time
}

func newClient(baseURL, token, siteID string, location *time.Location, namer DeviceNamer) *Client {
	return &Client{
		client:   common.HTTPClient(30 * time.Second),
		baseURL:  baseURL,
		token:    token,
		siteID:   siteID,
		location: location,
		namer:    namer,
		now:      time.Now,
	}
}

// Enabled reports whether an access token is configured.
func (c *Client) Enabled() bool {
	return c.token != ""
}

func (c *Client) newGetRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}

	u.RawQuery = params.Encode()
	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) doRequest(req *http.Request, dest interface{}) error {
	ctx := req.Context()
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		log.Ctx(ctx).ErrorContext(ctx, "fleet api authentication failed, check the access token")
		return fmt.Errorf("status %d", resp.StatusCode)
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusRequestTimeout:
		return ErrVehicleAsleep
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(dest); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode fleet response", slog.Any("error", err), slog.String("body", string(body)))
		return fmt.Errorf("failed to decode fleet response: %w", err)
	}
	return nil
}

type commandResponse struct {
	Result bool   `json:"result"`
	Reason string `json:"reason"`
}

// Request sends a charging command for the vehicle identified by entityID
// (its VIN).
func (c *Client) Request(ctx context.Context, entityID string, action types.Action) error {
	var endpoint string
	switch action {
	case types.ActionStart:
		endpoint = "command/start_charging"
	case types.ActionStop:
		endpoint = "command/stop_charging"
	default:
		return fmt.Errorf("unsupported action: %q", action)
	}

	req, err := c.newGetRequest(ctx, entityID+"/"+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	var res commandResponse
	if err := c.doRequest(req, &res); err != nil {
		return fmt.Errorf("failed to %s charging: %w", action, err)
	}
	if !res.Result {
		if res.Reason != "" {
			return fmt.Errorf("%s charging rejected: %s", action, res.Reason)
		}
		return fmt.Errorf("%s charging rejected", action)
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"sent charging command",
		slog.String("entityID", entityID),
		slog.String("action", string(action)),
	)
	return nil
}

type seconds struct {
	Seconds int64 `json:"seconds"`
}

type text struct {
	Text string `json:"text"`
}

// ChargeSession is one entry of the energy site charge history.
type ChargeSession struct {
	ChargeStartTime seconds `json:"charge_start_time"`
	ChargeDuration  seconds `json:"charge_duration"`
	EnergyAddedWH   float64 `json:"energy_added_wh"`
	TargetID        text    `json:"target_id"`
	DIN             string  `json:"din"`
}

type telemetryHistoryResponse struct {
	Response *struct {
		ChargeHistory []ChargeSession `json:"charge_history"`
	} `json:"response"`
}

// ChargeHistory returns the charge sessions that started within
// [start, end]. Entries without energy or duration are dropped.
func (c *Client) ChargeHistory(ctx context.Context, start, end time.Time) ([]ChargeSession, error) {
	if c.siteID == "" {
		return nil, errors.New("fleet-energy-site-id is required for charge history")
	}
	params := url.Values{}
	params.Set("kind", "charge")
	params.Set("start_date", start.In(c.location).Format(time.RFC3339))
	params.Set("end_date", end.In(c.location).Format(time.RFC3339))
	params.Set("time_zone", c.location.String())

	req, err := c.newGetRequest(ctx, "api/1/energy_sites/"+c.siteID+"/telemetry_history", params)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	var res telemetryHistoryResponse
	if err := c.doRequest(req, &res); err != nil {
		return nil, fmt.Errorf("failed to get charge history: %w", err)
	}
	if res.Response == nil {
		return nil, nil
	}

	sessions := make([]ChargeSession, 0, len(res.Response.ChargeHistory))
	for _, s := range res.Response.ChargeHistory {
		if s.EnergyAddedWH <= 0 || s.ChargeDuration.Seconds <= 0 {
			log.Ctx(ctx).DebugContext(
				ctx,
				"skipping empty charge session",
				slog.String("din", s.DIN),
				slog.Int64("start", s.ChargeStartTime.Seconds),
			)
			continue
		}
		sessions = append(sessions, s)
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched charge history",
		slog.Int("count", len(sessions)),
		slog.Time("start", start),
		slog.Time("end", end),
	)
	return sessions, nil
}

// Poll returns the authoritative session records of the last lookback.
func (c *Client) Poll(ctx context.Context, lookback time.Duration) ([]types.SessionRecord, error) {
	end := c.now()
	sessions, err := c.ChargeHistory(ctx, end.Add(-lookback), end)
	if err != nil {
		return nil, err
	}
	records := make([]types.SessionRecord, 0, len(sessions))
	for _, s := range sessions {
		records = append(records, c.record(s))
	}
	return records, nil
}

func (c *Client) record(s ChargeSession) types.SessionRecord {
	start := time.Unix(s.ChargeStartTime.Seconds, 0).UTC()
	dur := time.Duration(s.ChargeDuration.Seconds) * time.Second
	kwh := s.EnergyAddedWH / 1000
	deviceID := s.DIN
	if c.namer != nil {
		deviceID = c.namer.NameForDIN(s.DIN)
	}
	return types.SessionRecord{
		DeviceID:        deviceID,
		VehicleID:       s.TargetID.Text,
		StartTime:       start,
		EndTime:         start.Add(dur),
		DurationSeconds: dur.Seconds(),
		EnergyKWH:       kwh,
		AvgPowerKW:      kwh / dur.Hours(),
		Source:          types.SessionSourceAuthoritative,
	}
}
