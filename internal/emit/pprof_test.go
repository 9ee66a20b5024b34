package emit

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/pipeline"
)

func instanceOf(v uint32) *uint32 { return &v }

func testSample(t time.Time, ips ...uint64) *pipeline.Sample {
	frames := make([]pipeline.Frame, len(ips))
	for i, ip := range ips {
		frames[i] = pipeline.Frame{IP: ip}
	}
	return &pipeline.Sample{
		PID:        7,
		TID:        7,
		CPU:        0,
		Time:       t,
		Weight:     20_000_000, // 20ms in ns
		Frames:     frames,
		Hostname:   "host-1",
		Command:    "srv",
		ThreadName: "srv-worker",
		Container: &pipeline.ContainerInfo{
			Source:      "web.3",
			Service:     "web",
			Instance:    instanceOf(3),
			ContainerID: "c-1",
		},
		Systemd: &pipeline.SystemdInfo{Unit: "srv.service", Slice: "system.slice"},
	}
}

func TestProfileBuilderFrameOrder(t *testing.T) {
	b := newProfileBuilder()
	b.add(testSample(time.Unix(100, 0), 1, 2, 3))
	prof := b.build()

	require.Len(t, prof.Sample, 1)
	locs := prof.Sample[0].Location
	require.Len(t, locs, 3)
	// leaf first, matching the sample's frame order
	assert.Equal(t, uint64(1), locs[0].Address)
	assert.Equal(t, uint64(2), locs[1].Address)
	assert.Equal(t, uint64(3), locs[2].Address)

	require.NoError(t, prof.CheckValid())
}

func TestProfileBuilderInterning(t *testing.T) {
	b := newProfileBuilder()
	b.add(testSample(time.Unix(100, 0), 1, 2))
	b.add(testSample(time.Unix(101, 0), 1, 2))
	prof := b.build()

	assert.Len(t, prof.Sample, 2)
	// identical frames intern to the same locations
	assert.Len(t, prof.Location, 2)
	assert.Same(t, prof.Sample[0].Location[0], prof.Sample[1].Location[0])
}

func TestProfileBuilderLabels(t *testing.T) {
	b := newProfileBuilder()
	b.add(testSample(time.Unix(100, 0), 1))
	prof := b.build()

	labels := prof.Sample[0].Label
	assert.Equal(t, []string{"host-1"}, labels["hostname"])
	assert.Equal(t, []string{"srv"}, labels["command"])
	assert.Equal(t, []string{"srv-worker"}, labels["thread_name"])
	assert.Equal(t, []string{"web"}, labels["job"])
	assert.Equal(t, []string{"3"}, labels["instance_id"])
	assert.Equal(t, []string{"srv.service"}, labels["systemd.unit"])
	assert.Equal(t, []string{"system.slice"}, labels["systemd.slice"])
	// container source wins over the systemd unit
	assert.Equal(t, []string{"web.3"}, labels["source"])

	assert.Equal(t, []int64{time.Unix(100, 0).UnixMicro()}, prof.Sample[0].NumLabel["timestamp"])
	// 20ms weight in microseconds
	assert.Equal(t, []int64{20_000}, prof.Sample[0].Value)
}

func TestPyroscopePostsBatch(t *testing.T) {
	type received struct {
		query map[string]string
		prof  *profile.Profile
	}
	var mu sync.Mutex
	var posts []received

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ingest", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		prof, err := profile.Parse(strings.NewReader(string(body)))
		require.NoError(t, err)

		query := map[string]string{}
		for key, values := range r.URL.Query() {
			query[key] = values[0]
		}
		mu.Lock()
		posts = append(posts, received{query: query, prof: prof})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.Pyroscope{
		Upstream: strings.TrimPrefix(server.URL, "http://"),
		BatchS:   10,
		Name:     "perfwatch",
		SpyName:  "perfwatch",
	}
	p, err := NewPyroscope(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer p.Close()

	start := time.Unix(1000, 0)
	require.NoError(t, p.Emit(context.Background(), testSample(start, 1)))
	require.NoError(t, p.Emit(context.Background(), testSample(start.Add(5*time.Second), 2)))
	// batch stays open until its duration has elapsed
	mu.Lock()
	assert.Empty(t, posts)
	mu.Unlock()

	require.NoError(t, p.Emit(context.Background(), testSample(start.Add(10*time.Second), 3)))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, posts, 1)
	post := posts[0]
	assert.Equal(t, "perfwatch", post.query["name"])
	assert.Equal(t, "pprof", post.query["format"])
	assert.Equal(t, "perfwatch", post.query["spyName"])
	assert.Equal(t, "1000", post.query["from"])
	assert.Equal(t, "1010", post.query["until"])
	assert.Len(t, post.prof.Sample, 3)
}

func TestPyroscopeDropsBatchOnUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := config.Pyroscope{Upstream: strings.TrimPrefix(server.URL, "http://"), BatchS: 1}
	p, err := NewPyroscope(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	start := time.Unix(1000, 0)
	require.NoError(t, p.Emit(context.Background(), testSample(start, 1)))
	// the failed upload drops the batch; the emitter keeps accepting
	require.NoError(t, p.Emit(context.Background(), testSample(start.Add(time.Second), 2)))
	require.NoError(t, p.Emit(context.Background(), testSample(start.Add(2*time.Second), 3)))
}

func TestJSONEncoderRoundTrip(t *testing.T) {
	enc := JSONEncoder{}
	sample := testSample(time.Unix(1234, 0), 1, 2, 3)

	msg, err := enc.Encode(sample)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.True(t, msg.Timestamp.Equal(sample.Time))
	assert.Contains(t, string(msg.Data), `"pid":7`)
	assert.Contains(t, string(msg.Data), `"hostname":"host-1"`)
}
