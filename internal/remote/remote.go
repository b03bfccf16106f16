// Package remote runs starping from another machine over SSH, so a server can
// be checked from the network its players connect from. The probe binary is
// copied to the vantage host once and each ping is a separate remote command
// whose exit status is the probe's result code.
package remote

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/melbahja/goph"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"morpheus/starping/internal/fleet"
	"morpheus/starping/internal/prober"
)

const (
	RemoteDir      = ".starping"
	RemoteBinary   = RemoteDir + "/starping"
	DefaultSSHPort = 22
	dialTimeout    = 20 * time.Second
	// OpenSSH's default MaxSessions is 10; stay under it.
	maxSessions = 8
)

// Config is shared by every vantage in a sweep.
type Config struct {
	User           string
	Auth           goph.Auth
	AcceptHostKeys bool
	// KnownHosts is the known_hosts path; empty means ~/.ssh/known_hosts.
	KnownHosts string
	Log        logrus.FieldLogger
}

// Runner executes pings on one vantage host.
type Runner struct {
	Vantage fleet.Vantage

	client   commander
	sessions chan struct{}
	log      logrus.FieldLogger
}

// commander is the part of *goph.Client a Runner needs after connecting.
type commander interface {
	Run(cmd string) ([]byte, error)
	Close() error
}

// Dial opens an SSH connection to v.
func Dial(v fleet.Vantage, cfg Config) (*Runner, error) {
	user := v.User
	if user == "" {
		user = cfg.User
	}
	port := v.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	client, err := goph.NewConn(&goph.Config{
		User:     user,
		Addr:     v.IP,
		Port:     port,
		Auth:     cfg.Auth,
		Timeout:  dialTimeout,
		Callback: hostKeyCallback(cfg.AcceptHostKeys, cfg.KnownHosts),
	})
	if err != nil {
		return nil, fmt.Errorf("ssh to %s (%s): %w", v.Name, v.IP, err)
	}
	return newRunner(v, client, cfg.Log), nil
}

func newRunner(v fleet.Vantage, c commander, log logrus.FieldLogger) *Runner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{
		Vantage:  v,
		client:   c,
		sessions: make(chan struct{}, maxSessions),
		log:      log.WithField("vantage", v.Name),
	}
}

// Install copies the local starping binary to the vantage host.
func (r *Runner) Install(localBinary string) error {
	gc, ok := r.client.(*goph.Client)
	if !ok {
		return errors.New("install needs an ssh connection")
	}
	if out, err := gc.Run("mkdir -p ~/" + RemoteDir); err != nil {
		return fmt.Errorf("mkdir on %s: %w: %s", r.Vantage.Name, err, strings.TrimSpace(string(out)))
	}

	local, err := os.Open(localBinary)
	if err != nil {
		return fmt.Errorf("open %s: %w", localBinary, err)
	}
	defer local.Close()

	sftp, err := gc.NewSftp()
	if err != nil {
		return fmt.Errorf("sftp to %s: %w", r.Vantage.Name, err)
	}
	defer sftp.Close()

	dst, err := sftp.Create(RemoteBinary)
	if err != nil {
		return fmt.Errorf("create remote file on %s: %w", r.Vantage.Name, err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, local)
	if err != nil {
		return fmt.Errorf("copy to %s: %w", r.Vantage.Name, err)
	}
	if err := sftp.Chmod(RemoteBinary, 0755); err != nil {
		return fmt.Errorf("chmod on %s: %w", r.Vantage.Name, err)
	}
	r.log.WithField("bytes", n).Info("probe binary installed")
	return nil
}

// Ping runs starping on the vantage host and rebuilds the result from its
// exit status and output.
func (r *Runner) Ping(req prober.Request) prober.Result {
	r.sessions <- struct{}{}
	defer func() { <-r.sessions }()

	start := time.Now()
	out, err := r.client.Run(Command(req))
	res := resultFromRun(out, err)
	res.Elapsed = time.Since(start)
	r.log.WithFields(logrus.Fields{
		"target": req.Addr(),
		"code":   res.Code,
	}).Debug("remote probe finished")
	return res
}

// Close ends the SSH connection.
func (r *Runner) Close() error {
	return r.client.Close()
}

// Command is the remote shell command for req.
func Command(req prober.Request) string {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = prober.DefaultTimeout
	}
	args := []string{
		"~/" + RemoteBinary,
		"--stdout",
		"-P", strconv.FormatUint(uint64(req.ProtocolVersion), 10),
		"-t", strconv.FormatFloat(timeout.Seconds(), 'f', -1, 64),
	}
	if req.AckOnly {
		args = append(args, "-a")
	}
	args = append(args, "--", shellQuote(req.Host), strconv.Itoa(req.Port))
	return strings.Join(args, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// exitStatuser is satisfied by *ssh.ExitError.
type exitStatuser interface {
	ExitStatus() int
}

func resultFromRun(out []byte, err error) prober.Result {
	msg := strings.TrimSpace(string(out))
	if err == nil {
		// Output holds stderr too, so log lines may surround the warning.
		if line, ok := mismatchLine(msg); ok {
			return prober.Result{Code: prober.CodeOK, Kind: prober.KindMismatch, Message: line}
		}
		return prober.Result{Code: prober.CodeOK, Kind: prober.KindNone}
	}

	var es exitStatuser
	if !errors.As(err, &es) {
		return prober.Result{
			Code:    prober.CodeInternal,
			Kind:    prober.KindInternal,
			Message: fmt.Sprintf("X Remote execution failed: %v", err),
		}
	}
	code := prober.Code(es.ExitStatus())
	kind, ok := prober.KindOf(code)
	if !ok {
		msg = fmt.Sprintf("X Remote probe exited with status %d: %s", code, msg)
		code = prober.CodeInternal
	}
	return prober.Result{Code: code, Kind: kind, Message: msg}
}

func mismatchLine(out string) (string, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, prober.MismatchPrefix) {
			return line, true
		}
	}
	return "", false
}

func hostKeyCallback(accept bool, knownHosts string) ssh.HostKeyCallback {
	return func(host string, remote net.Addr, key ssh.PublicKey) error {
		found, err := goph.CheckKnownHost(host, remote, key, knownHosts)

		// Known host with a different key: possible man in the middle.
		if found && err != nil {
			return err
		}
		if found {
			return nil
		}
		if !accept {
			return errors.New("some host keys are missing from known_hosts, use --accepthostkeys to accept them all")
		}
		return goph.AddKnownHost(host, remote, key, knownHosts)
	}
}

// Auth builds SSH credentials: an interactive password when askPass is set,
// otherwise the private key at keyPath with an optional prompted passphrase.
func Auth(askPass bool, keyPath string, askPassphrase bool) (goph.Auth, error) {
	if askPass {
		pass, err := AskPass("Enter SSH Password: ")
		if err != nil {
			return nil, err
		}
		return goph.Password(pass), nil
	}
	var passphrase string
	if askPassphrase {
		p, err := AskPass("Enter Private Key Passphrase: ")
		if err != nil {
			return nil, err
		}
		passphrase = p
	}
	auth, err := goph.Key(keyPath, passphrase)
	if err != nil {
		return nil, fmt.Errorf("load key %s: %w", keyPath, err)
	}
	return auth, nil
}

// AskPass prompts on stderr and reads a line from the terminal without echo.
func AskPass(msg string) (string, error) {
	fmt.Fprint(os.Stderr, msg)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(string(pass)), nil
}
