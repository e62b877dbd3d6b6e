// Package livefeed polls the queue-times.com public API and stages live
// posted wait times for the morning merge. It never touches fact/; the
// staging area is its only output.
package livefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultBaseURL is the public queue-times.com API root.
const DefaultBaseURL = "https://queue-times.com"

const (
	requestTimeout = 30 * time.Second
	requestRetries = 3
)

// Park is one entry of the provider's park list.
type Park struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
}

// Ride is one ride snapshot from a park's queue_times.json.
type Ride struct {
	ID          int
	Name        string
	IsOpen      bool
	WaitTime    int
	LastUpdated time.Time
}

// Client fetches from the queue-times.com API. Proxy environment
// variables are ignored on purpose: the poller runs on hosts whose
// corporate proxies mangle the feed.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		base: baseURL,
		http: &http.Client{
			Timeout:   requestTimeout,
			Transport: &http.Transport{Proxy: nil},
		},
	}
}

// parkGroup is the parks.json shape: a list of operator groups each
// holding a parks array. Some deployments return bare parks too.
type parkGroup struct {
	Park
	Parks []Park `json:"parks"`
}

// Parks fetches and flattens the provider's park list.
func (c *Client) Parks(ctx context.Context) ([]Park, error) {
	var groups []parkGroup
	if err := c.getJSON(ctx, c.base+"/parks.json", &groups); err != nil {
		return nil, err
	}
	var parks []Park
	for _, g := range groups {
		if len(g.Parks) > 0 {
			parks = append(parks, g.Parks...)
		} else if g.ID != 0 {
			parks = append(parks, g.Park)
		}
	}
	return parks, nil
}

type rideJSON struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	IsOpen      bool   `json:"is_open"`
	WaitTime    int    `json:"wait_time"`
	LastUpdated string `json:"last_updated"`
}

type queueTimesJSON struct {
	Lands []struct {
		Rides []rideJSON `json:"rides"`
	} `json:"lands"`
	Rides []rideJSON `json:"rides"`
}

// QueueTimes fetches one park's ride snapshots, flattening lands and
// top-level rides. Rides whose last_updated cannot be parsed are dropped.
func (c *Client) QueueTimes(ctx context.Context, parkID int) ([]Ride, error) {
	var payload queueTimesJSON
	url := fmt.Sprintf("%s/parks/%d/queue_times.json", c.base, parkID)
	if err := c.getJSON(ctx, url, &payload); err != nil {
		return nil, err
	}
	raw := make([]rideJSON, 0, len(payload.Rides))
	for _, land := range payload.Lands {
		raw = append(raw, land.Rides...)
	}
	raw = append(raw, payload.Rides...)

	rides := make([]Ride, 0, len(raw))
	for _, r := range raw {
		updated, err := time.Parse(time.RFC3339, r.LastUpdated)
		if err != nil {
			continue
		}
		rides = append(rides, Ride{
			ID:          r.ID,
			Name:        r.Name,
			IsOpen:      r.IsOpen,
			WaitTime:    r.WaitTime,
			LastUpdated: updated,
		})
	}
	return rides, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.RandomizationFactor = 0
	policy := backoff.WithMaxRetries(backoff.WithContext(bo, ctx), requestRetries-1)

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			err := fmt.Errorf("GET %s: %s", url, resp.Status)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s: %w", url, err))
		}
		return nil
	}, policy)
}
