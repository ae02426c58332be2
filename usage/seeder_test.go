package usage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPPrometheusSeederParsesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1690000000,"123.5"]}]}}`))
	}))
	defer srv.Close()

	seeder := NewHTTPPrometheusSeeder(srv.URL, time.Second)
	v, found, err := seeder.QueryMax(context.Background(), "token_usage_total", map[string]string{"model": "gpt-4o"}, 30*24*time.Hour)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 123.5, v)
}

func TestHTTPPrometheusSeederReportsNotFoundOnEmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[]}}`))
	}))
	defer srv.Close()

	seeder := NewHTTPPrometheusSeeder(srv.URL, time.Second)
	_, found, err := seeder.QueryMax(context.Background(), "token_usage_total", nil, 30*24*time.Hour)
	require.NoError(t, err)
	require.False(t, found)
}
