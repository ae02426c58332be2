package channel

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Prober performs a single liveness probe against a channel's upstream.
type Prober interface {
	Probe(ctx context.Context, c Channel) bool
}

// HTTPProber probes by issuing GET {upstream}/v1/models (after stripping a
// trailing '#' or '/') with the channel secret as a bearer token, treating
// a 200 or 404 response with a non-empty body as healthy.
type HTTPProber struct {
	Client  *http.Client
	Timeout time.Duration
}

func (p HTTPProber) Probe(ctx context.Context, c Channel) bool {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	probeURL := strings.TrimRight(strings.TrimSuffix(c.UpstreamURL, "#"), "/") + "/v1/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+c.UpstreamSecret)
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1))
	return err == nil && len(body) > 0
}

// Checker continuously polls channel health in the background, applying a
// hysteresis threshold before flipping a channel's stored health: a single
// disagreeing probe is treated as noise, and only consecutiveThreshold
// disagreements in a row actually change what Resolve() sees.
//
// Grounded on the teacher's provider health poller (Start/Stop, ticker,
// immediate first probe, status-change callback), generalized with the
// consecutive-differs counter the original poller lacked.
type Checker struct {
	table     *RoutingTable
	prober    Prober
	logger    zerolog.Logger
	interval  time.Duration
	threshold int

	mu          sync.Mutex
	consecutive map[string]int // channel ID -> consecutive probes disagreeing with stored health

	onChange func(channelID string, healthy bool)

	gauge *prometheus.GaugeVec

	cancel context.CancelFunc
	done   chan struct{}
}

// NewChecker creates a health checker. interval is clamped to a 1s floor;
// threshold is clamped to at least 1 (no hysteresis).
func NewChecker(table *RoutingTable, prober Prober, logger zerolog.Logger, interval time.Duration, threshold int) *Checker {
	if interval < time.Second {
		interval = time.Second
	}
	if threshold < 1 {
		threshold = 1
	}
	return &Checker{
		table:       table,
		prober:      prober,
		logger:      logger.With().Str("component", "health_checker").Logger(),
		interval:    interval,
		threshold:   threshold,
		consecutive: make(map[string]int),
		gauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "channel_health",
			Help: "Current health of each upstream channel (1 healthy, 0 unhealthy).",
		}, []string{"channel_id", "channel_name"}),
		done: make(chan struct{}),
	}
}

// Collector exposes the gauge for registration with a prometheus.Registerer.
func (c *Checker) Collector() prometheus.Collector { return c.gauge }

// OnChange registers a callback fired whenever a channel's stored health
// actually flips (after the hysteresis threshold is met).
func (c *Checker) OnChange(cb func(channelID string, healthy bool)) {
	c.onChange = cb
}

// Start begins the background polling loop. Call Stop to shut it down.
func (c *Checker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.logger.Info().Dur("interval", c.interval).Int("threshold", c.threshold).Msg("starting channel health checker")
	go c.loop(ctx)
}

func (c *Checker) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
	c.logger.Info().Msg("channel health checker stopped")
}

func (c *Checker) loop(ctx context.Context) {
	defer close(c.done)
	c.pollAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollAll(ctx)
		}
	}
}

func (c *Checker) pollAll(ctx context.Context) {
	c.table.mu.RLock()
	channels := make([]Channel, 0)
	seen := make(map[string]bool)
	for _, list := range c.table.byModel {
		for _, ch := range list {
			if !seen[ch.ID] {
				seen[ch.ID] = true
				channels = append(channels, ch)
			}
		}
	}
	c.table.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			observed := c.prober.Probe(ctx, ch)
			c.record(ch, observed)
		}(ch)
	}
	wg.Wait()
}

// record applies the hysteresis rule: a probe result that disagrees with
// the channel's currently stored health increments a per-channel counter;
// once that counter reaches the configured threshold, the stored health
// flips and the counter resets. An agreeing probe resets the counter to 0.
func (c *Checker) record(ch Channel, observed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if observed == ch.Health {
		c.consecutive[ch.ID] = 0
		c.setGauge(ch, ch.Health)
		return
	}

	c.consecutive[ch.ID]++
	if c.consecutive[ch.ID] < c.threshold {
		c.setGauge(ch, ch.Health)
		return
	}

	c.consecutive[ch.ID] = 0
	c.applyHealth(ch.ID, observed)
	c.setGauge(ch, observed)

	c.logger.Warn().Str("channel_id", ch.ID).Bool("healthy", observed).Msg("channel health changed")
	if c.onChange != nil {
		c.onChange(ch.ID, observed)
	}
}

func (c *Checker) setGauge(ch Channel, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	c.gauge.WithLabelValues(ch.ID, ch.Name).Set(v)
}

func (c *Checker) applyHealth(channelID string, healthy bool) {
	c.table.mu.Lock()
	defer c.table.mu.Unlock()
	for model, list := range c.table.byModel {
		for i := range list {
			if list[i].ID == channelID {
				list[i].Health = healthy
			}
		}
		c.table.byModel[model] = list
	}
}
