package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "statusrelay/pkg/logx"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), TracingConfig{}, logx.Nop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, err = Setup(context.Background(), TracingConfig{Enabled: true}, logx.Nop())
	assert.Error(t, err)
}

func TestDebugServerHealth(t *testing.T) {
	srv := NewDebugServer(DebugConfig{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"},
		func() any { return map[string]int{"schedules": 1} }, logx.Nop())
	ctx := context.Background()
	srv.Start(ctx)
	defer srv.Stop(ctx)

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	base := "http://" + srv.Addr()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, base+"/healthz", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, 1, doc["schedules"])

	resp, err = http.Get(base + "/debug/pprof/cmdline?token=s3cret")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	srv.Reconfigure(ctx, DebugConfig{})
	assert.Empty(t, srv.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:6060": true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.1:6060":  false,
		"garbage":        false,
	}
	for addr, want := range tests {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
