// Package prom reads time series from Prometheus and calls the external anomaly
// detection API. Access uses it as a pull source; Detect uses it for history.
package prom

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	promModel "github.com/prometheus/common/model"
	"github.com/rs/zerolog/log"
)

// Point is one (ts, value) pair.
type Point struct {
	Timestamp int64   `json:"ts"`
	Value     float64 `json:"value"`
}

// Series is a labelled list of points.
type Series struct {
	Labels map[string]string
	Points []Point
}

// Client wraps the Prometheus HTTP API.
type Client struct {
	api     v1.API
	timeout time.Duration
}

// NewClient 创建新的 Prometheus 客户端
func NewClient(address string, timeout time.Duration) (*Client, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{api: v1.NewAPI(client), timeout: timeout}, nil
}

func labelsOf(m promModel.Metric) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if k == promModel.MetricNameLabel {
			continue
		}
		out[string(k)] = string(v)
	}
	return out
}

// QueryRange 执行范围查询
func (c *Client) QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]Series, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	result, warnings, err := c.api.QueryRange(ctx, query, v1.Range{Start: start, End: end, Step: step})
	if err != nil {
		return nil, fmt.Errorf("failed to query prometheus: %w", err)
	}
	if len(warnings) > 0 {
		log.Warn().Strs("warnings", warnings).Str("query", query).Msg("prometheus warnings")
	}
	matrix, ok := result.(promModel.Matrix)
	if !ok {
		return nil, fmt.Errorf("unexpected result type: %T", result)
	}
	out := make([]Series, 0, len(matrix))
	for _, stream := range matrix {
		s := Series{Labels: labelsOf(stream.Metric)}
		for _, pair := range stream.Values {
			v := float64(pair.Value)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			s.Points = append(s.Points, Point{Timestamp: pair.Timestamp.Unix(), Value: v})
		}
		out = append(out, s)
	}
	return out, nil
}

// Instant executes an instant query and returns one point per series.
func (c *Client) Instant(ctx context.Context, query string, ts time.Time) ([]Series, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	result, warnings, err := c.api.Query(ctx, query, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to query prometheus: %w", err)
	}
	if len(warnings) > 0 {
		log.Warn().Strs("warnings", warnings).Str("query", query).Msg("prometheus warnings")
	}
	switch v := result.(type) {
	case promModel.Vector:
		out := make([]Series, 0, len(v))
		for _, s := range v {
			out = append(out, Series{
				Labels: labelsOf(s.Metric),
				Points: []Point{{Timestamp: s.Timestamp.Unix(), Value: float64(s.Value)}},
			})
		}
		return out, nil
	case *promModel.Scalar:
		return []Series{{Labels: map[string]string{}, Points: []Point{{Timestamp: v.Timestamp.Unix(), Value: float64(v.Value)}}}}, nil
	default:
		return nil, fmt.Errorf("unexpected result type: %T", result)
	}
}
