package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/austindbirch/mailhook/internal/logging"
	"github.com/austindbirch/mailhook/internal/metrics"
)

// nsqdStats is the part of nsqd's /stats?format=json we read
type nsqdStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Channels []struct {
			Name     string `json:"channel_name"`
			Depth    int64  `json:"depth"`
			InFlight int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// Monitor polls nsqd for channel depth and publishes it as metrics
type Monitor struct {
	Client   *http.Client
	StatsURL string
	Topic    string
	Channel  string
	Interval time.Duration
	Logger   *logging.Logger
}

// StatsURL derives nsqd's HTTP stats endpoint from its TCP address
func StatsURL(nsqdTCPAddr string) string {
	host, _, err := net.SplitHostPort(nsqdTCPAddr)
	if err != nil {
		host = nsqdTCPAddr
	}
	return fmt.Sprintf("http://%s/stats?format=json", net.JoinHostPort(host, "4151"))
}

// Poll reads stats once. It returns the configured channel's depth.
func (mon *Monitor) Poll(ctx context.Context) (int64, error) {
	client := mon.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mon.StatsURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("get nsq stats: status %d", resp.StatusCode)
	}

	var stats nsqdStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, fmt.Errorf("decode nsq stats: %w", err)
	}

	var backlog int64
	for _, t := range stats.Topics {
		if t.Name != mon.Topic {
			continue
		}
		for _, c := range t.Channels {
			metrics.UpdateChannel(t.Name, c.Name, c.Depth, c.InFlight)
			if c.Name == mon.Channel {
				backlog = c.Depth
			}
		}
	}
	metrics.UpdateBacklog(backlog)
	return backlog, nil
}

// Run polls until ctx is done
func (mon *Monitor) Run(ctx context.Context) {
	interval := mon.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	logger := mon.Logger
	if logger == nil {
		logger = logging.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := mon.Poll(ctx); err != nil {
				logger.Plain().WithError(err).Error("nsq stats poll failed")
			}
		}
	}
}
