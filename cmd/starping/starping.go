package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"morpheus/starping/internal/logger"
	"morpheus/starping/internal/prober"
)

const exitCodes = `Exit codes:
    0 - Success.
    1 - Unhandled exception.
    2 - Invalid syntax.
  100 - Failed to connect: timeout.
  101 - Failed to connect: unknown host.
  102 - Failed to connect: connection refused.
  103 - Failed to connect: connection reset.
  104 - Failed to connect.
  200 - Unexpected response.`

// errUsage marks argument errors so they exit with prober.CodeUsage.
var errUsage = errors.New("invalid syntax")

type options struct {
	ackOnly   bool
	proto     uint32
	silent    bool
	timeout   float64
	stdout    bool
	logLevel  string
	logFormat string
}

type pingFunc func(prober.Request) prober.Result

func newRootCmd(stdout, stderr io.Writer, ping pingFunc, code *prober.Code) *cobra.Command {
	opts := options{proto: prober.DefaultProtocolVersion, timeout: prober.DefaultTimeout.Seconds()}

	cmd := &cobra.Command{
		Use:   "starping HOST PORT",
		Short: "Protocol-aware Starbound ping utility.",
		Long:  "Protocol-aware Starbound ping utility.\n\n" + exitCodes,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("%w: expected HOST and PORT, got %d arguments", errUsage, len(args))
			}
			return nil
		},
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request(args[0], args[1])
			if err != nil {
				return err
			}
			if err := logger.Setup(logger.Config{Level: opts.logLevel, Format: opts.logFormat, Writer: stderr}); err != nil {
				return fmt.Errorf("%w: %v", errUsage, err)
			}

			res := ping(req)
			if !opts.silent {
				w := stderr
				if opts.stdout {
					w = stdout
				}
				prober.Report(w, res)
			}
			*code = res.Code
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	flags := cmd.Flags()
	flags.SortFlags = false
	flags.BoolVarP(&opts.ackOnly, "ackonly", "a", false, "Only check if a connection can be completed.")
	flags.Uint32VarP(&opts.proto, "proto", "P", opts.proto, "Protocol version to spoof.")
	flags.BoolVarP(&opts.silent, "silent", "s", false, "Suppress all output.")
	flags.Float64VarP(&opts.timeout, "timeout", "t", opts.timeout, "Seconds before timeout.")
	flags.BoolVar(&opts.stdout, "stdout", false, "Send messages to STDOUT instead of STDERR.")
	flags.StringVar(&opts.logLevel, "log-level", logger.Default().Level, "Log level (debug, info, warn, error).")
	flags.StringVar(&opts.logFormat, "log-format", logger.Default().Format, "Log format (text, json).")
	return cmd
}

func (o options) request(host, port string) (prober.Request, error) {
	p, err := strconv.Atoi(port)
	if err != nil {
		return prober.Request{}, fmt.Errorf("%w: port %q is not a number", errUsage, port)
	}
	if o.timeout <= 0 {
		return prober.Request{}, fmt.Errorf("%w: timeout must be positive", errUsage)
	}
	req := prober.Request{
		Host:            host,
		Port:            p,
		ProtocolVersion: o.proto,
		AckOnly:         o.ackOnly,
		Timeout:         time.Duration(o.timeout * float64(time.Second)),
		Silent:          o.silent,
	}
	if err := req.Validate(); err != nil {
		return prober.Request{}, fmt.Errorf("%w: %v", errUsage, err)
	}
	return req, nil
}

// run executes the command line and returns the exit status.
func run(args []string, stdout, stderr io.Writer, ping pingFunc) (code prober.Code) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(stderr, "starping: unhandled error: %v\n", r)
			code = prober.CodeInternal
		}
	}()

	code = prober.CodeOK
	cmd := newRootCmd(stdout, stderr, ping, &code)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		if errors.Is(err, errUsage) {
			fmt.Fprintln(stderr, cmd.UsageString())
			return prober.CodeUsage
		}
		return prober.CodeInternal
	}
	return code
}

func main() {
	os.Exit(int(run(os.Args[1:], os.Stdout, os.Stderr, prober.Ping)))
}
