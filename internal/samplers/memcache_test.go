package samplers

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/stats"
)

// fakeMemcache answers the stats command with a canned response.
func fakeMemcache(t *testing.T, response string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				reader := bufio.NewReader(c)
				for {
					line, err := reader.ReadString('\n')
					if err != nil {
						return
					}
					if strings.TrimSpace(line) == "stats" {
						c.Write([]byte(response))
					}
				}
			}(conn)
		}
	}()
	return ln
}

func TestMemcacheSample(t *testing.T) {
	response := "STAT pid 1234\r\n" +
		"STAT cmd_get 1000\r\n" +
		"STAT get_hits 900\r\n" +
		"STAT get_misses 100\r\n" +
		"STAT curr_connections 5\r\n" +
		"STAT version 1.6.21\r\n" +
		"END\r\n"
	ln := fakeMemcache(t, response)
	defer ln.Close()

	ctx, _ := testContext(t)
	m, err := NewMemcache(ctx, config.Memcache{
		Common:   config.Common{Enabled: true},
		Endpoint: ln.Addr().String(),
	})
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Sample(context.Background()))

	// high-interest keys become counters
	assert.Equal(t, uint64(1000), reading(t, ctx, "memcache/cmd_get", stats.Counter))
	assert.Equal(t, uint64(900), reading(t, ctx, "memcache/get_hits", stats.Counter))
	// the rest pass through as gauges; non-numeric values are dropped
	assert.Equal(t, uint64(5), reading(t, ctx, "memcache/curr_connections", stats.Gauge))
	_, err = ctx.Registry.Reading(stats.Statistic{Name: "memcache/version", Source: stats.Gauge})
	assert.ErrorIs(t, err, stats.ErrNotRegistered)
}

func TestMemcacheReconnects(t *testing.T) {
	ctx, _ := testContext(t)
	m, err := NewMemcache(ctx, config.Memcache{
		Common:   config.Common{Enabled: true},
		Endpoint: "127.0.0.1:1", // nothing listens here
	})
	require.NoError(t, err)
	assert.Error(t, m.Sample(context.Background()))
	assert.Nil(t, m.conn)
}
