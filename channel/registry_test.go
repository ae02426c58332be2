package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveUnknownModel(t *testing.T) {
	tbl := NewRoutingTable(map[string][]Channel{
		"gpt-4o": {{ID: "c1", UpstreamURL: "https://api.example.com", Status: StatusEnabled, Health: true}},
	})

	_, err := tbl.Resolve("gpt-4", "key", "/chat/completions")
	require.Error(t, err)
	var notFound *ModelNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "gpt-4o", notFound.Suggestion)
}

func TestResolveSingleCandidate(t *testing.T) {
	tbl := NewRoutingTable(map[string][]Channel{
		"gpt-4o": {{ID: "c1", UpstreamURL: "https://api.example.com/", Status: StatusEnabled, Health: true}},
	})

	res, err := tbl.Resolve("gpt-4o", "key", "/chat/completions")
	require.NoError(t, err)
	assert.Equal(t, "c1", res.Channel.ID)
	assert.Equal(t, "https://api.example.com/chat/completions", res.ProxyURL)
}

func TestResolveDegradesWhenAllUnhealthy(t *testing.T) {
	tbl := NewRoutingTable(map[string][]Channel{
		"gpt-4o": {
			{ID: "c1", UpstreamURL: "https://a.example.com#", Status: StatusEnabled, Health: false},
			{ID: "c2", UpstreamURL: "https://b.example.com#", Status: StatusEnabled, Health: false},
		},
	})

	res, err := tbl.Resolve("gpt-4o", "some-key", "/chat/completions")
	require.NoError(t, err)
	assert.Contains(t, []string{"c1", "c2"}, res.Channel.ID)
}

func TestResolveStableHashIsDeterministic(t *testing.T) {
	tbl := NewRoutingTable(map[string][]Channel{
		"gpt-4o": {
			{ID: "c1", UpstreamURL: "https://a.example.com#", Status: StatusEnabled, Health: true},
			{ID: "c2", UpstreamURL: "https://b.example.com#", Status: StatusEnabled, Health: true},
			{ID: "c3", UpstreamURL: "https://c.example.com#", Status: StatusEnabled, Health: true},
		},
	})

	first, err := tbl.Resolve("gpt-4o", "sk-fixed-key", "/chat/completions")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := tbl.Resolve("gpt-4o", "sk-fixed-key", "/chat/completions")
		require.NoError(t, err)
		assert.Equal(t, first.Channel.ID, again.Channel.ID)
	}
}

func TestResolveModelRedirect(t *testing.T) {
	tbl := NewRoutingTable(map[string][]Channel{
		"gpt-4o": {{
			ID:            "c1",
			UpstreamURL:   "https://api.example.com#",
			Status:        StatusEnabled,
			Health:        true,
			ModelRedirect: map[string]string{"gpt-4o": "gpt-4o-2024-08-06"},
		}},
	})

	res, err := tbl.Resolve("gpt-4o", "key", "/chat/completions")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-2024-08-06", res.ProxyModel)
}

func TestComposeURLSuffixRules(t *testing.T) {
	cases := []struct {
		upstream string
		path     string
		want     string
	}{
		{"https://host.example#", "/chat/completions", "https://host.example"},
		{"https://host.example/", "/chat/completions", "https://host.example/chat/completions"},
		{"https://host.example", "/chat/completions", "https://host.example/v1/chat/completions"},
		{"https://host.example", "/v1/chat/completions", "https://host.example/v1/chat/completions"},
	}
	for _, tc := range cases {
		got, err := composeURL(tc.upstream, tc.path)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestResolveSkipsDisabledChannels(t *testing.T) {
	tbl := NewRoutingTable(map[string][]Channel{
		"gpt-4o": {
			{ID: "c1", UpstreamURL: "https://a.example.com#", Status: StatusDisabled, Health: true},
			{ID: "c2", UpstreamURL: "https://b.example.com#", Status: StatusEnabled, Health: true},
		},
	})

	res, err := tbl.Resolve("gpt-4o", "key", "/chat/completions")
	require.NoError(t, err)
	assert.Equal(t, "c2", res.Channel.ID)
}
