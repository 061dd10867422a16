package fleet

import (
	"fmt"
	"net/url"
	"time"

	"github.com/levenlabs/go-lflag"
)

// Config holds the polling settings for authoritative charge history.
type Config struct {
	PollInterval time.Duration
	Lookback     time.Duration
}

// Configured sets up the fleet client from flags. Without an access token
// the client is disabled and callers should fall back to a Mock.
func Configured(namer DeviceNamer) (*Client, *Config) {
	c := newClient("", "", "", time.UTC, namer)
	cfg := &Config{
		PollInterval: 15 * time.Minute,
		Lookback:     7 * 24 * time.Hour,
	}

	apiURL := lflag.String("fleet-api-url", "https://api.tessie.com", "URL for the Tessie API")
	token := lflag.String("fleet-access-token", "", "Tessie API access token, charging control and authoritative sessions are disabled without it")
	siteID := lflag.String("fleet-energy-site-id", "", "Energy site ID whose wall connector charge history is authoritative")
	timeZone := lflag.String("fleet-time-zone", "America/Chicago", "Time zone of the energy site")
	pollInterval := lflag.Duration("authoritative-poll-interval", cfg.PollInterval, "Interval between charge history polls")
	lookback := lflag.Duration("authoritative-lookback", cfg.Lookback, "How far back each charge history poll reaches")

	lflag.Do(func() {
		if _, err := url.Parse(*apiURL); err != nil {
			panic(fmt.Sprintf("failed to parse fleet url (%s): %v", *apiURL, err))
		}
		loc, err := time.LoadLocation(*timeZone)
		if err != nil {
			panic(fmt.Sprintf("failed to load fleet time zone (%s): %v", *timeZone, err))
		}
		if *pollInterval <= 0 || *lookback <= 0 {
			panic("authoritative poll interval and lookback must be positive")
		}
		c.baseURL = *apiURL
		c.token = *token
		c.siteID = *siteID
		c.location = loc
		cfg.PollInterval = *pollInterval
		cfg.Lookback = *lookback
	})

	return c, cfg
}
