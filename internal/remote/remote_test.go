package remote

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"morpheus/starping/internal/fleet"
	"morpheus/starping/internal/prober"
)

type exitErr int

func (e exitErr) Error() string   { return fmt.Sprintf("Process exited with status %d", int(e)) }
func (e exitErr) ExitStatus() int { return int(e) }

type fakeClient struct {
	mu   sync.Mutex
	cmds []string
	out  []byte
	err  error
}

func (c *fakeClient) Run(cmd string) ([]byte, error) {
	c.mu.Lock()
	c.cmds = append(c.cmds, cmd)
	c.mu.Unlock()
	return c.out, c.err
}

func (c *fakeClient) Close() error { return nil }

func newTestRunner(c *fakeClient) *Runner {
	logger, _ := logtest.NewNullLogger()
	return newRunner(fleet.Vantage{Name: "bastion", IP: "192.168.1.10"}, c, logger)
}

func TestCommand(t *testing.T) {
	cmd := Command(prober.Request{Host: "10.0.0.5", Port: 21025, ProtocolVersion: 729, Timeout: 1500 * time.Millisecond})
	assert.Equal(t, "~/.starping/starping --stdout -P 729 -t 1.5 -- '10.0.0.5' 21025", cmd)

	cmd = Command(prober.Request{Host: "it's", Port: 1, AckOnly: true})
	assert.Equal(t, `~/.starping/starping --stdout -P 0 -t 5 -a -- 'it'\''s' 1`, cmd)
}

func TestRunnerPingSuccess(t *testing.T) {
	c := &fakeClient{}
	r := newTestRunner(c)

	res := r.Ping(prober.Request{Host: "10.0.0.5", Port: 21025, ProtocolVersion: 729})

	assert.Equal(t, prober.CodeOK, res.Code)
	assert.Equal(t, prober.KindNone, res.Kind)
	require.Len(t, c.cmds, 1)
	assert.Contains(t, c.cmds[0], "'10.0.0.5' 21025")
}

func TestResultFromRun(t *testing.T) {
	tests := []struct {
		name     string
		out      string
		err      error
		wantCode prober.Code
		wantKind prober.Kind
		wantMsg  string
	}{
		{"ok", "", nil, 0, prober.KindNone, ""},
		{"mismatch", "! Protocol mismatch!\n", nil, 0, prober.KindMismatch, "! Protocol mismatch!"},
		{"mismatch after log line", "time=x level=warning msg=\"slow dns\"\n! Protocol mismatch! update\n", nil, 0, prober.KindMismatch, "! Protocol mismatch! update"},
		{"log line only", "time=x level=warning msg=\"slow dns\"\n", nil, 0, prober.KindNone, ""},
		{"refused", "X Failed to connect to h:1! Connection refused.\n", exitErr(102), 102, prober.KindRefused, "X Failed to connect to h:1! Connection refused."},
		{"unexpected", "X Unexpected response [ff ff ff]!", exitErr(200), 200, prober.KindUnexpected, "X Unexpected response [ff ff ff]!"},
		{"usage", "Error: bad port", exitErr(2), 2, prober.KindUsage, "Error: bad port"},
		{"not installed", "sh: starping: not found", exitErr(127), 1, prober.KindInternal, "X Remote probe exited with status 127: sh: starping: not found"},
		{"session failure", "", errors.New("ssh: session closed"), 1, prober.KindInternal, "X Remote execution failed: ssh: session closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := resultFromRun([]byte(tt.out), tt.err)
			assert.Equal(t, tt.wantCode, res.Code)
			assert.Equal(t, tt.wantKind, res.Kind)
			assert.Equal(t, tt.wantMsg, res.Message)
		})
	}
}

func TestRunnerBoundsSessions(t *testing.T) {
	c := &fakeClient{}
	r := newTestRunner(c)
	assert.Equal(t, maxSessions, cap(r.sessions))

	var wg sync.WaitGroup
	for i := 0; i < 3*maxSessions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Ping(prober.Request{Host: "h", Port: 1})
		}()
	}
	wg.Wait()
	assert.Len(t, c.cmds, 3*maxSessions)
	assert.Len(t, r.sessions, 0)
}

func TestInstallNeedsSSH(t *testing.T) {
	r := newTestRunner(&fakeClient{})
	assert.Error(t, r.Install("/bin/true"))
}

func newHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

func TestHostKeyCallback(t *testing.T) {
	known := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(known, nil, 0600))
	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.10"), Port: 22}
	host := "192.168.1.10:22"
	key := newHostKey(t)

	assert.Error(t, hostKeyCallback(false, known)(host, addr, key), "unknown key rejected without accept")
	require.NoError(t, hostKeyCallback(true, known)(host, addr, key), "unknown key accepted and recorded")
	assert.NoError(t, hostKeyCallback(false, known)(host, addr, key), "recorded key trusted")
	assert.Error(t, hostKeyCallback(true, known)(host, addr, newHostKey(t)), "changed key rejected even with accept")
}
