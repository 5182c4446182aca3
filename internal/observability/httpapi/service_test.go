package httpapi

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "experimentd/pkg/logx"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
		err  bool
	}{
		{name: "disabled ignores addr", cfg: Config{Addr: "0.0.0.0:80"}},
		{name: "default addr", cfg: Config{Enabled: true}},
		{name: "loopback", cfg: Config{Enabled: true, Addr: "localhost:9000"}},
		{name: "public without token", cfg: Config{Enabled: true, Addr: "0.0.0.0:9000"}, err: true},
		{name: "all interfaces without token", cfg: Config{Enabled: true, Addr: ":9000"}, err: true},
		{name: "public with token", cfg: Config{Enabled: true, Addr: "0.0.0.0:9000", Token: "t"}},
		{name: "public insecure", cfg: Config{Enabled: true, Addr: "10.0.0.1:9000", AllowInsecure: true}},
		{name: "bad addr", cfg: Config{Enabled: true, Addr: "nope"}, err: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if tc.err {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
	assert.ErrorIs(t, Config{Enabled: true, Addr: "0.0.0.0:1"}.Validate(), ErrInsecureBind)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	assert.True(t, IsLoopbackAddr("127.0.0.1:1"))
	assert.True(t, IsLoopbackAddr("[::1]:1"))
	assert.True(t, IsLoopbackAddr("LOCALHOST:1"))
	assert.False(t, IsLoopbackAddr(":1"))
	assert.False(t, IsLoopbackAddr("192.168.1.2:1"))
	assert.False(t, IsLoopbackAddr("example.com:1"))
	assert.False(t, IsLoopbackAddr("127.0.0.1"))
}

func waitAddr(t *testing.T, s *Service) string {
	t.Helper()
	var addr string
	require.Eventually(t, func() bool {
		addr = s.Addr()
		return addr != ""
	}, 5*time.Second, 10*time.Millisecond)
	return addr
}

func get(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp.StatusCode
}

func TestServiceLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	s.Start(ctx)
	s.Start(ctx)
	t.Cleanup(func() { s.Stop(context.Background()) })

	addr := waitAddr(t, s)
	assert.Equal(t, http.StatusOK, get(t, "http://"+addr+"/healthz"))
	assert.NotNil(t, s.Supervisor())

	// A token change restarts the server with auth on the metrics-less mux.
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "t", Pprof: true})
	addr = waitAddr(t, s)
	assert.Equal(t, http.StatusUnauthorized, get(t, "http://"+addr+"/debug/pprof/"))
	assert.Equal(t, http.StatusOK, get(t, "http://"+addr+"/debug/pprof/?token=t"))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{})
	assert.Empty(t, s.Addr())
	assert.Nil(t, s.Supervisor())
	assert.False(t, s.Enabled())
}

func TestServiceRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	sup := s.Supervisor()
	require.NotNil(t, sup)
	require.Eventually(t, func() bool { return sup.Snapshot().Active == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, s.Addr())
}
