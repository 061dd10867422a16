// Package charger reads power samples from Tesla Wall Connectors on the local
// network.
package charger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/raterudder/chargerudder/pkg/common"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/types"
)

const vitalsPath = "/api/1/vitals"

// Vitals is the subset of the Wall Connector vitals response we use.
type Vitals struct {
	ContactorClosed  bool     `json:"contactor_closed"`
	VehicleConnected bool     `json:"vehicle_connected"`
	SessionSeconds   int64    `json:"session_s"`
	GridVolts        float64  `json:"grid_v"`
	GridHz           float64  `json:"grid_hz"`
	VehicleCurrentA  float64  `json:"vehicle_current_a"`
	SessionEnergyWH  float64  `json:"session_energy_wh"`
	EVSEState        int      `json:"evse_state"`
	HandleTempC      float64  `json:"handle_temp_c"`
	UptimeSeconds    int64    `json:"uptime_s"`
	CurrentAlerts    []string `json:"current_alerts"`
}

// PowerWatts is the current draw using grid voltage and vehicle current.
func (v Vitals) PowerWatts() float64 {
	return v.GridVolts * v.VehicleCurrentA
}

// Charging reports whether the contactor is closed with current flowing.
func (v Vitals) Charging() bool {
	return v.ContactorClosed && v.VehicleCurrentA > 0
}

// TWC polls one Wall Connector.
type TWC struct {
	name   string
	host   string
	din    string
	client *http.Client
	now    func() time.Time
}

// NewTWC returns a Wall Connector client for the charger at host. name is
// used as the device ID of every sample.
func NewTWC(name, host, din string, client *http.Client) *TWC {
	if client == nil {
		client = common.HTTPClient(10 * time.Second)
	}
	return &TWC{
		name:   name,
		host:   host,
		din:    din,
		client: client,
		now:    time.Now,
	}
}

// Name returns the device ID.
func (t *TWC) Name() string {
	return t.name
}

// DIN returns the device identification number reported by the fleet API.
func (t *TWC) DIN() string {
	return t.din
}

// Vitals fetches the raw vitals.
func (t *TWC) Vitals(ctx context.Context) (Vitals, error) {
	u := t.host + vitalsPath
	if !strings.Contains(t.host, "://") {
		u = "http://" + u
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return Vitals{}, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return Vitals{}, fmt.Errorf("failed to fetch vitals from %s: %w", t.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Vitals{}, fmt.Errorf("wall connector %s returned status: %d", t.name, resp.StatusCode)
	}

	var v Vitals
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return Vitals{}, fmt.Errorf("failed to decode vitals: %w", err)
	}
	if len(v.CurrentAlerts) > 0 {
		log.Ctx(ctx).WarnContext(
			ctx,
			"wall connector reporting alerts",
			slog.String("deviceID", t.name),
			slog.Any("alerts", v.CurrentAlerts),
		)
	}
	return v, nil
}

// Sample implements Charger.
func (t *TWC) Sample(ctx context.Context) (types.PowerSample, error) {
	ts := t.now()
	v, err := t.Vitals(ctx)
	if err != nil {
		return types.PowerSample{}, err
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"got wall connector vitals",
		slog.String("deviceID", t.name),
		slog.Float64("gridV", v.GridVolts),
		slog.Float64("vehicleCurrentA", v.VehicleCurrentA),
		slog.Bool("charging", v.Charging()),
	)
	return types.PowerSample{
		DeviceID:   t.name,
		Timestamp:  ts,
		PowerWatts: v.PowerWatts(),
	}, nil
}

var _ Charger = (*TWC)(nil)
