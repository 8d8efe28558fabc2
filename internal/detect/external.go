package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kestrelmon/kestrel-go/internal/faults"
)

// HTTPExternal calls an out-of-process detect service. The request carries
// the sample with its timestamp in UTC milliseconds; any transport or decode
// failure is reported as an error so the detector can treat the tick as
// unknown rather than anomalous.
type HTTPExternal struct {
	url    string
	client *http.Client
}

// NewHTTPExternal creates a client with the given request timeout.
func NewHTTPExternal(url string, timeout time.Duration) *HTTPExternal {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPExternal{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type externalRequest struct {
	MetricID string            `json:"metric_id"`
	Target   map[string]string `json:"target"`
	Value    float64           `json:"value"`
	TimeMs   int64             `json:"time_ms"`
}

type externalResponse struct {
	Anomaly bool    `json:"anomaly"`
	Score   float64 `json:"score"`
}

// Detect implements ExternalClient.
func (h *HTTPExternal) Detect(ctx context.Context, metricID string, target map[string]string, value float64, at time.Time) (bool, error) {
	body, err := json.Marshal(externalRequest{
		MetricID: metricID,
		Target:   target,
		Value:    value,
		TimeMs:   at.UTC().UnixMilli(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to encode detect request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to build detect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return false, faults.Wrap(faults.KindTransientRemote, err, "external detect call")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, faults.New(faults.KindTransientRemote, "external detect returned %d", resp.StatusCode)
	}
	var out externalResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, faults.Wrap(faults.KindParse, err, "external detect response")
	}
	return out.Anomaly, nil
}
