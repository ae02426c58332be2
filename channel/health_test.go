package channel

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	healthy atomic.Bool
}

func (f *fakeProber) Probe(ctx context.Context, c Channel) bool {
	return f.healthy.Load()
}

func TestCheckerHysteresisRequiresConsecutiveDisagreements(t *testing.T) {
	tbl := NewRoutingTable(map[string][]Channel{
		"gpt-4o": {{ID: "c1", Name: "primary", UpstreamURL: "https://a.example.com#", Status: StatusEnabled, Health: true}},
	})

	prober := &fakeProber{}
	prober.healthy.Store(true)

	checker := NewChecker(tbl, prober, zerolog.Nop(), 10*time.Millisecond, 3)

	var changes int32
	checker.OnChange(func(channelID string, healthy bool) {
		atomic.AddInt32(&changes, 1)
	})

	checker.Start()
	defer checker.Stop()

	require.Eventually(t, func() bool { return true }, 20*time.Millisecond, 5*time.Millisecond)

	prober.healthy.Store(false)

	// One or two probes below threshold shouldn't flip it yet.
	time.Sleep(25 * time.Millisecond)

	// Enough probes to cross the threshold should flip it.
	require.Eventually(t, func() bool {
		res, err := tbl.Resolve("gpt-4o", "key", "/chat/completions")
		return err == nil && !res.Channel.Health
	}, time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, atomic.LoadInt32(&changes), int32(1))
}

func TestCheckerDegradeOpenWhenAllUnhealthy(t *testing.T) {
	tbl := NewRoutingTable(map[string][]Channel{
		"gpt-4o": {{ID: "c1", Name: "primary", UpstreamURL: "https://a.example.com#", Status: StatusEnabled, Health: false}},
	})

	res, err := tbl.Resolve("gpt-4o", "key", "/chat/completions")
	require.NoError(t, err)
	assert.Equal(t, "c1", res.Channel.ID)
}
