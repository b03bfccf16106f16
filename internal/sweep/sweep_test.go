package sweep

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"morpheus/starping/internal/fleet"
	"morpheus/starping/internal/mockserver"
	"morpheus/starping/internal/packet"
	"morpheus/starping/internal/prober"
)

type slowPinger struct {
	delay time.Duration

	mu       sync.Mutex
	inFlight int
	maxSeen  int
	calls    int
}

func (p *slowPinger) Ping(req prober.Request) prober.Result {
	p.mu.Lock()
	p.calls++
	p.inFlight++
	if p.inFlight > p.maxSeen {
		p.maxSeen = p.inFlight
	}
	p.mu.Unlock()

	time.Sleep(p.delay)

	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()
	if req.Port == 1 {
		return prober.Result{Code: prober.CodeRefused, Kind: prober.KindRefused, Message: "X refused"}
	}
	return prober.Result{Code: prober.CodeOK}
}

func targets(n int) []Target {
	out := make([]Target, n)
	for i := range out {
		out[i] = Target{
			Name:    fmt.Sprintf("srv-%02d", n-i),
			Request: prober.Request{Host: "127.0.0.1", Port: 21025 + i},
		}
	}
	return out
}

func TestRunParallelAndBounded(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	p := &slowPinger{delay: 100 * time.Millisecond}
	s := &Sweeper{Concurrency: 4, Log: logger}

	start := time.Now()
	entries := s.Run([]Vantage{{Name: LocalSource, Pinger: p}}, targets(12))
	elapsed := time.Since(start)

	assert.Len(t, entries, 12)
	assert.Equal(t, 12, p.calls)
	assert.LessOrEqual(t, p.maxSeen, 4)
	assert.Greater(t, p.maxSeen, 1)
	assert.Less(t, elapsed, 12*p.delay)
}

func TestRunSortsBySourceThenTarget(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	p := &slowPinger{}
	s := &Sweeper{Log: logger}

	entries := s.Run([]Vantage{{Name: "zeta", Pinger: p}, {Name: "alpha", Pinger: p}}, targets(3))

	require.Len(t, entries, 6)
	var got []string
	for _, e := range entries {
		got = append(got, e.Source+"/"+e.Target)
	}
	assert.Equal(t, []string{
		"alpha/srv-01", "alpha/srv-02", "alpha/srv-03",
		"zeta/srv-01", "zeta/srv-02", "zeta/srv-03",
	}, got)
	assert.Equal(t, "127.0.0.1:21027", entries[0].Path)
}

func TestRunAgainstMockServers(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	good := &mockserver.Server{Reply: packet.Good, Log: logger}
	bad := &mockserver.Server{Reply: packet.Mismatch, Log: logger}
	require.NoError(t, good.Start("127.0.0.1:0"))
	require.NoError(t, bad.Start("127.0.0.1:0"))

	yaml := fmt.Sprintf("servers:\n- {name: good, host: 127.0.0.1, port: %d}\n- {name: old, host: 127.0.0.1, port: %d}\n",
		good.Port(), bad.Port())
	f, err := fleet.Parse([]byte(yaml))
	require.NoError(t, err)

	p := prober.New()
	p.Log = logger
	entries := (&Sweeper{Log: logger}).Run([]Vantage{{Name: LocalSource, Pinger: p}}, Targets(f))
	require.NoError(t, good.Close())
	require.NoError(t, bad.Close())

	require.Len(t, entries, 2)
	assert.Equal(t, prober.KindNone, entries[0].Result.Kind)
	assert.Equal(t, prober.KindMismatch, entries[1].Result.Kind)
	assert.True(t, AllOK(entries))
}

func TestAllOK(t *testing.T) {
	assert.True(t, AllOK(nil))
	assert.False(t, AllOK([]Entry{{Result: prober.Result{Code: prober.CodeOK}}, {Result: prober.Result{Code: prober.CodeTimeout}}}))
}

func TestPrint(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	Print(&buf, []Entry{
		{Source: "local", Target: "a", Path: "h:1", Result: prober.Result{Code: 0}},
		{Source: "local", Target: "b", Path: "h:2", Result: prober.Result{Code: 0, Kind: prober.KindMismatch, Message: "! Protocol mismatch!"}},
		{Source: "local", Target: "c", Path: "h:3", Result: prober.Result{Code: 102, Kind: prober.KindRefused, Message: "X refused"}},
	})
	assert.Equal(t,
		"Source: local Target: a Path: h:1 Code: 0 ok\n"+
			"Source: local Target: b Path: h:2 Code: 0 ! Protocol mismatch!\n"+
			"Source: local Target: c Path: h:3 Code: 102 X refused\n",
		buf.String())
}
