package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"morpheus/starping/internal/fleet"
	"morpheus/starping/internal/logger"
	"morpheus/starping/internal/prober"
	"morpheus/starping/internal/remote"
	"morpheus/starping/internal/sweep"
)

// errProbesFailed is returned when the sweep ran but some target did not answer with code 0.
var errProbesFailed = errors.New("some probes failed")

type runOptions struct {
	configFile     string
	concurrency    int
	remote         bool
	askPass        bool
	key            string
	passphrase     bool
	acceptHostKeys bool
	binary         string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	logCfg := logger.Default()

	root := &cobra.Command{
		Use:           "starsweep",
		Short:         "Ping every Starbound server of a fleet, locally or from SSH vantage hosts.",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logCfg.Writer = stderr
			return logger.Setup(logCfg)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	pf := root.PersistentFlags()
	pf.StringVar(&logCfg.Level, "log-level", logCfg.Level, "log level (debug, info, warn, error)")
	pf.StringVar(&logCfg.Format, "log-format", logCfg.Format, "log format (text, json)")
	pf.StringVar(&logCfg.File, "log-file", "", "write logs to this rotating file instead of stderr")

	root.AddCommand(newRunCmd(stdout), newGenerateCmd(stdout))
	return root
}

func newRunCmd(stdout io.Writer) *cobra.Command {
	opts := runOptions{
		concurrency: sweep.DefaultConcurrency,
		key:         filepath.Join(os.Getenv("HOME"), ".ssh", "id_rsa"),
		binary:      "starping",
	}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Probe every server in the fleet file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.configFile == "" {
				return errors.New("config file must be specified with --configfile or -c")
			}
			f, err := fleet.Load(opts.configFile)
			if err != nil {
				return err
			}
			return runSweep(stdout, f, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.configFile, "configfile", "c", "", "fleet file")
	flags.IntVar(&opts.concurrency, "concurrency", opts.concurrency, "probes in flight at once")
	flags.BoolVar(&opts.remote, "remote", false, "probe from the fleet's vantage hosts over ssh")
	flags.BoolVar(&opts.askPass, "askpass", false, "ask for ssh password")
	flags.StringVar(&opts.key, "key", opts.key, "private key path")
	flags.BoolVar(&opts.passphrase, "passphrase", false, "ask for private key passphrase")
	flags.BoolVar(&opts.acceptHostKeys, "accepthostkeys", false, "accept all unknown host keys")
	flags.StringVar(&opts.binary, "binary", opts.binary, "local starping binary to install on vantage hosts, empty to skip")
	return cmd
}

func newGenerateCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "generate FILE",
		Short: "Write a sample fleet file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := fleet.WriteSample(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "Sample fleet written to", args[0])
			return nil
		},
	}
}

func runSweep(stdout io.Writer, f *fleet.Fleet, opts runOptions) error {
	var vantages []sweep.Vantage
	if opts.remote {
		runners, err := connectVantages(f, opts)
		for _, r := range runners {
			defer r.Close()
		}
		if err != nil {
			return err
		}
		for _, r := range runners {
			vantages = append(vantages, sweep.Vantage{Name: r.Vantage.Name, Pinger: r})
		}
	} else {
		vantages = []sweep.Vantage{{Name: sweep.LocalSource, Pinger: prober.New()}}
	}

	s := &sweep.Sweeper{Concurrency: opts.concurrency, Log: logrus.StandardLogger()}
	entries := s.Run(vantages, sweep.Targets(f))
	sweep.Print(stdout, entries)
	if !sweep.AllOK(entries) {
		return errProbesFailed
	}
	return nil
}

// connectVantages dials every vantage in parallel and installs the probe binary.
// Runners that connected are returned even on error so the caller can close them.
func connectVantages(f *fleet.Fleet, opts runOptions) ([]*remote.Runner, error) {
	if len(f.Vantages) == 0 {
		return nil, errors.New("--remote needs at least one vantage in the fleet file")
	}
	currentUser, err := user.Current()
	if err != nil {
		return nil, err
	}
	auth, err := remote.Auth(opts.askPass, opts.key, opts.passphrase)
	if err != nil {
		return nil, err
	}
	cfg := remote.Config{
		User:           currentUser.Username,
		Auth:           auth,
		AcceptHostKeys: opts.acceptHostKeys,
		Log:            logrus.StandardLogger(),
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		runners []*remote.Runner
		errs    []error
	)
	for _, v := range f.Vantages {
		wg.Add(1)
		go func(v fleet.Vantage) {
			defer wg.Done()
			r, err := remote.Dial(v, cfg)
			if err == nil && opts.binary != "" {
				if err = r.Install(opts.binary); err != nil {
					r.Close()
				}
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			runners = append(runners, r)
		}(v)
	}
	wg.Wait()
	if len(errs) > 0 {
		return runners, errs[0]
	}
	return runners, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, errProbesFailed) {
			fmt.Fprintln(stderr, "Error:", err)
		}
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
