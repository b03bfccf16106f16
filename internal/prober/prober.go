// Package prober runs a single Starbound protocol ping: connect, announce a
// protocol version, read the three byte answer and classify it. Every
// failure is turned into a Result; nothing escapes as an error or panic,
// and the connection is closed before Ping returns on every path.
package prober

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"morpheus/starping/internal/packet"
)

const (
	DefaultProtocolVersion uint32 = 729
	DefaultTimeout                = 5 * time.Second
)

// MismatchPrefix starts the warning reported for a protocol mismatch.
const MismatchPrefix = "! Protocol mismatch!"

// Request describes one probe. It is not modified by Ping.
//
// ProtocolVersion is sent as is: zero is a valid version and goes on the wire
// as 0, so callers wanting the current release set DefaultProtocolVersion.
type Request struct {
	Host            string
	Port            int
	ProtocolVersion uint32
	AckOnly         bool
	Timeout         time.Duration
	Silent          bool
}

// Addr returns host:port, bracketing IPv6 literals.
func (r Request) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Validate checks the fields a caller is expected to supply.
func (r Request) Validate() error {
	if r.Host == "" {
		return errors.New("host is required")
	}
	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", r.Port)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("negative timeout %v", r.Timeout)
	}
	return nil
}

// DialFunc opens a stream connection; net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Resolver looks up the addresses of a host name.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Prober holds the transport used for pings. The zero value is not usable; call New.
type Prober struct {
	Dial     DialFunc
	Resolver Resolver
	Log      logrus.FieldLogger
}

// New returns a Prober using the system dialer and resolver.
func New() *Prober {
	d := &net.Dialer{}
	return &Prober{
		Dial:     d.DialContext,
		Resolver: net.DefaultResolver,
		Log:      logrus.StandardLogger(),
	}
}

// Ping probes with a default Prober.
func Ping(req Request) Result {
	return New().Ping(req)
}

// Ping performs one probe described by req.
func (p *Prober) Ping(req Request) Result {
	start := time.Now()
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log := p.Log.WithFields(logrus.Fields{"host": req.Host, "port": req.Port})

	res := p.ping(req, timeout, log)
	res.Elapsed = time.Since(start)
	res.Code = res.Kind.Code()
	log.WithFields(logrus.Fields{
		"kind":    res.Kind,
		"code":    res.Code,
		"elapsed": res.Elapsed,
	}).Debug("probe finished")
	return res
}

func (p *Prober) ping(req Request, timeout time.Duration, log logrus.FieldLogger) Result {
	payload := packet.EncodeHandshake(req.ProtocolVersion)

	// The timeout bounds lookup and connect together.
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	addrs, err := p.resolve(ctx, req.Host)
	if err != nil {
		log.WithError(err).Debug("resolve failed")
		return failure(req, timeout, classifyDial(err), err)
	}

	conn, err := p.dial(ctx, addrs, req.Port)
	if err != nil {
		log.WithError(err).Debug("connect failed")
		return failure(req, timeout, classifyDial(err), err)
	}
	defer conn.Close()
	log.WithField("remote", conn.RemoteAddr()).Debug("connected")

	if req.AckOnly {
		return Result{Kind: KindNone}
	}

	_ = conn.SetDeadline(time.Now().Add(timeout))

	if _, err := conn.Write(payload); err != nil {
		log.WithError(err).Debug("send failed")
		return failure(req, timeout, classifyExchange(err), err)
	}

	resp := make([]byte, packet.ResponseSize)
	n, err := io.ReadFull(conn, resp)
	resp = resp[:n]
	if err != nil {
		log.WithError(err).WithField("read", n).Debug("receive failed")
		if kind := classifyExchange(err); kind != KindUnexpected {
			return failure(req, timeout, kind, err)
		}
	}

	switch packet.Classify(resp) {
	case packet.Supported:
		return Result{Kind: KindNone, Response: resp}
	case packet.Mismatched:
		return Result{
			Kind:     KindMismatch,
			Response: resp,
			Message:  MismatchPrefix + " Check the Starbound server's logs and update the protocol version!",
		}
	default:
		return Result{
			Kind:     KindUnexpected,
			Response: resp,
			Message:  fmt.Sprintf("X Unexpected response [% x]!", resp),
		}
	}
}

// resolve returns the addresses to dial. IP literals skip the lookup.
func (p *Prober) resolve(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}
	addrs, err := p.Resolver.LookupHost(ctx, host)
	if err != nil {
		var dnsErr *net.DNSError
		if !errors.As(err, &dnsErr) {
			err = &net.DNSError{Err: err.Error(), Name: host}
		}
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
	}
	return addrs, nil
}

// dial tries each address in order until one connects, sharing ctx's deadline.
func (p *Prober) dial(ctx context.Context, addrs []string, port int) (net.Conn, error) {
	var lastErr error
	for _, a := range addrs {
		conn, err := p.Dial(ctx, "tcp", net.JoinHostPort(a, strconv.Itoa(port)))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// classifyDial maps a lookup or connect error onto a Kind.
func classifyDial(err error) Kind {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return KindResolve
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindRefused
	case errors.Is(err, syscall.ECONNRESET):
		return KindReset
	case isTimeout(err):
		return KindTimeout
	default:
		return KindIO
	}
}

// classifyExchange maps a send or receive error onto a Kind. A peer that
// closes early or stays silent past the deadline has given a short answer.
func classifyExchange(err error) Kind {
	switch {
	case errors.Is(err, syscall.ECONNRESET):
		return KindReset
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), isTimeout(err):
		return KindUnexpected
	default:
		return KindIO
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func failure(req Request, timeout time.Duration, kind Kind, err error) Result {
	prefix := fmt.Sprintf("X Failed to connect to %s!", req.Addr())
	var msg string
	switch kind {
	case KindTimeout:
		msg = fmt.Sprintf("%s Timeout after %s seconds.", prefix, strconv.FormatFloat(timeout.Seconds(), 'f', -1, 64))
	case KindResolve:
		msg = prefix + " Unknown host."
	case KindRefused:
		msg = prefix + " Connection refused."
	case KindReset:
		msg = prefix + " Connection reset."
	default:
		msg = fmt.Sprintf("%s %v", prefix, err)
	}
	return Result{Kind: kind, Message: msg}
}
