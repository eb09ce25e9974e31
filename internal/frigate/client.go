// Package frigate is the thin HTTP client for the NVR: snapshot
// retrieval and sub_label write-back.
package frigate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"plate-watcher/internal/metrics"
)

// Frigate truncates sub labels beyond this length.
const maxSubLabelLen = 20

type Client struct {
	baseURL string
	httpc   *http.Client
	log     zerolog.Logger
}

func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
		log:     log,
	}
}

// Snapshot fetches the event snapshot, optionally cropped to the
// detected object.
func (c *Client) Snapshot(ctx context.Context, eventID string, cropped bool) ([]byte, error) {
	url := fmt.Sprintf("%s/api/events/%s/snapshot.jpg", c.baseURL, eventID)
	if cropped {
		url += "?crop=1&quality=95"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	metrics.HTTPRequestLatency.WithLabelValues("frigate", "snapshot").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot for %s: %w", eventID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch snapshot for %s: status %d", eventID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// SetSubLabel writes the recognized plate back onto the event. Plates
// are always upper-cased and truncated to the NVR's length limit.
func (c *Client) SetSubLabel(ctx context.Context, eventID, subLabel string, score float64) error {
	if len(subLabel) > maxSubLabelLen {
		subLabel = subLabel[:maxSubLabelLen]
	}
	subLabel = strings.ToUpper(subLabel)

	payload, err := json.Marshal(map[string]string{"subLabel": subLabel})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/api/events/%s/sub_label", c.baseURL, eventID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpc.Do(req)
	metrics.HTTPRequestLatency.WithLabelValues("frigate", "set_sublabel").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("set sub_label for %s: %w", eventID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("set sub_label for %s: status %d: %s", eventID, resp.StatusCode, body)
	}
	c.log.Info().
		Str("event_id", eventID).
		Str("sub_label", subLabel).
		Float64("score", score).
		Msg("sub_label set")
	return nil
}
