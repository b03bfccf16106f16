package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"morpheus/starping/internal/logger"
	"morpheus/starping/internal/mockserver"
	"morpheus/starping/internal/packet"
)

var (
	port     int
	listen   string
	reply    string
	timeout  int
	logLevel string
)

func init() {
	flag.IntVar(&port, "p", 21025, "port to listen on")
	flag.StringVar(&listen, "l", "", "address to listen on, defaults to the first non-loopback IPv4")
	flag.StringVar(&reply, "r", "good", "reply: good, mismatch, garbage, silent, hold, reset or hex bytes")
	flag.IntVar(&timeout, "t", 0, "exit after this many seconds, 0 runs until interrupted")
	flag.StringVar(&logLevel, "log-level", "debug", "log level")
}

func main() {
	flag.Parse()

	if port < 1 || port > 65535 {
		fmt.Println("Port must be between 1 and 65535, use -p to specify.")
		os.Exit(2)
	}

	s, err := newServer(reply)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	if err := logger.Setup(logger.Config{Level: logLevel, Format: "text"}); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	s.Log = logrus.StandardLogger()

	if listen == "" {
		listen = getSystemIP()
	}
	addr := net.JoinHostPort(listen, strconv.Itoa(port))
	if err := s.Start(addr); err != nil {
		fmt.Println("Error listening:", err.Error())
		os.Exit(1)
	}
	fmt.Println("Listening on " + s.Addr().String())

	if timeout > 0 {
		time.AfterFunc(time.Duration(timeout)*time.Second, func() {
			fmt.Printf("Quitting after %d seconds\n", timeout)
			s.Close()
			os.Exit(0)
		})
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
	s.Close()
}

// newServer maps the -r flag onto a mock server behaviour.
func newServer(r string) (*mockserver.Server, error) {
	switch strings.ToLower(r) {
	case "good":
		return &mockserver.Server{Reply: packet.Good}, nil
	case "mismatch":
		return &mockserver.Server{Reply: packet.Mismatch}, nil
	case "garbage":
		return &mockserver.Server{Reply: []byte{0xff, 0xff, 0xff}}, nil
	case "silent":
		return &mockserver.Server{}, nil
	case "hold":
		return &mockserver.Server{Hold: true}, nil
	case "reset":
		return &mockserver.Server{Reset: true}, nil
	}
	b, err := hex.DecodeString(strings.ReplaceAll(r, " ", ""))
	if err != nil || len(b) == 0 {
		return nil, fmt.Errorf("invalid reply %q", r)
	}
	return &mockserver.Server{Reply: b}, nil
}

func getSystemIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		fmt.Println("Error getting IP address:", err.Error())
		return "127.0.0.1"
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}

	return "127.0.0.1"
}
