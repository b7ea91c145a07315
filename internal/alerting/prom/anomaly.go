package prom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Anomaly is a flagged time span returned by the detection API.
type Anomaly struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// UnmarshalJSON supports start/end as RFC3339 string or unix seconds (number/string)
func (a *Anomaly) UnmarshalJSON(data []byte) error {
	var r struct {
		Start any `json:"start"`
		End   any `json:"end"`
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	a.Start = flexibleUnix(r.Start)
	a.End = flexibleUnix(r.End)
	return nil
}

func flexibleUnix(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.Unix()
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return int64(f)
		}
	}
	return 0
}

// AnomalyMeta describes the series sent for detection.
type AnomalyMeta struct {
	AlertName string            `json:"alert_name"`
	Severity  string            `json:"severity"`
	Labels    map[string]string `json:"labels"`
}

// AnomalyClient calls the external anomaly detection API.
type AnomalyClient struct {
	url        string
	httpClient *http.Client
}

func NewAnomalyClient(url string, timeout time.Duration) *AnomalyClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AnomalyClient{url: url, httpClient: &http.Client{Timeout: timeout}}
}

// Detect posts one series and returns the anomalous spans.
func (c *AnomalyClient) Detect(ctx context.Context, meta AnomalyMeta, points []Point) ([]Anomaly, error) {
	data := make([]map[string]any, 0, len(points))
	for _, p := range points {
		data = append(data, map[string]any{
			"timestamp": time.Unix(p.Timestamp, 0).UTC().Format(time.RFC3339),
			"value":     p.Value,
		})
	}
	if meta.Labels == nil {
		meta.Labels = map[string]string{}
	}
	reqBody, err := json.Marshal(map[string]any{"metadata": meta, "data": data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("anomaly detection API failed with status %d: %s", resp.StatusCode, string(body))
	}
	var result struct {
		Anomalies []Anomaly `json:"anomalies"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return result.Anomalies, nil
}
