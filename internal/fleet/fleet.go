// Package fleet loads the YAML description of the game servers to sweep and
// the SSH hosts the sweep may run from.
package fleet

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"morpheus/starping/internal/prober"
)

var (
	ErrNoServers     = errors.New("fleet has no servers")
	ErrDuplicateName = errors.New("duplicate name")
	ErrBadPort       = errors.New("port out of range 1-65535")
	ErrExists        = errors.New("file already exists, will not overwrite")
)

// Defaults apply to servers that leave a field unset.
type Defaults struct {
	Proto   *uint32 `yaml:"proto,omitempty"`
	Timeout int     `yaml:"timeout,omitempty"`
	AckOnly bool    `yaml:"ackonly,omitempty"`
}

// Server is one probe target.
type Server struct {
	Name    string  `yaml:"name"`
	Host    string  `yaml:"host"`
	Port    int     `yaml:"port"`
	Proto   *uint32 `yaml:"proto,omitempty"`
	Timeout int     `yaml:"timeout,omitempty"`
	AckOnly *bool   `yaml:"ackonly,omitempty"`
}

// Vantage is an SSH host probes can be launched from.
type Vantage struct {
	Name string `yaml:"name"`
	IP   string `yaml:"ip"`
	User string `yaml:"user,omitempty"`
	Port uint   `yaml:"port,omitempty"`
}

// Fleet is the whole file.
type Fleet struct {
	Defaults Defaults  `yaml:"defaults,omitempty"`
	Servers  []Server  `yaml:"servers"`
	Vantages []Vantage `yaml:"vantages,omitempty"`
}

// Load reads and validates a fleet file.
func Load(path string) (*Fleet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates fleet YAML.
func Parse(data []byte) (*Fleet, error) {
	var f Fleet
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal fleet: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks names are unique and ports are in range.
func (f *Fleet) Validate() error {
	if len(f.Servers) == 0 {
		return ErrNoServers
	}
	if f.Defaults.Timeout < 0 {
		return fmt.Errorf("defaults: negative timeout %d", f.Defaults.Timeout)
	}
	seen := make(map[string]bool, len(f.Servers))
	for i, s := range f.Servers {
		if s.Name == "" {
			return fmt.Errorf("server %d: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("server %s: %w", s.Name, ErrDuplicateName)
		}
		seen[s.Name] = true
		if s.Host == "" {
			return fmt.Errorf("server %s: host is required", s.Name)
		}
		if s.Port < 1 || s.Port > 65535 {
			return fmt.Errorf("server %s: %w", s.Name, ErrBadPort)
		}
		if s.Timeout < 0 {
			return fmt.Errorf("server %s: negative timeout %d", s.Name, s.Timeout)
		}
	}
	seen = make(map[string]bool, len(f.Vantages))
	for i, v := range f.Vantages {
		if v.Name == "" || v.IP == "" {
			return fmt.Errorf("vantage %d: name and ip are required", i)
		}
		if seen[v.Name] {
			return fmt.Errorf("vantage %s: %w", v.Name, ErrDuplicateName)
		}
		seen[v.Name] = true
		if v.Port > 65535 {
			return fmt.Errorf("vantage %s: %w", v.Name, ErrBadPort)
		}
	}
	return nil
}

// Request builds the probe request for s, filling gaps from the fleet
// defaults and then from the prober defaults.
func (f *Fleet) Request(s Server) prober.Request {
	req := prober.Request{
		Host:            s.Host,
		Port:            s.Port,
		ProtocolVersion: prober.DefaultProtocolVersion,
		AckOnly:         f.Defaults.AckOnly,
		Timeout:         prober.DefaultTimeout,
		Silent:          true,
	}
	switch {
	case s.Proto != nil:
		req.ProtocolVersion = *s.Proto
	case f.Defaults.Proto != nil:
		req.ProtocolVersion = *f.Defaults.Proto
	}
	switch {
	case s.Timeout > 0:
		req.Timeout = time.Duration(s.Timeout) * time.Second
	case f.Defaults.Timeout > 0:
		req.Timeout = time.Duration(f.Defaults.Timeout) * time.Second
	}
	if s.AckOnly != nil {
		req.AckOnly = *s.AckOnly
	}
	return req
}

// Sample is the fleet written by WriteSample.
func Sample() Fleet {
	proto := prober.DefaultProtocolVersion
	ack := true
	return Fleet{
		Defaults: Defaults{Proto: &proto, Timeout: 5},
		Servers: []Server{
			{Name: "eu-1", Host: "192.168.1.100", Port: 21025},
			{Name: "us-1", Host: "starbound.example.com", Port: 21025, Timeout: 10},
			{Name: "us-1-ack", Host: "starbound.example.com", Port: 21025, AckOnly: &ack},
		},
		Vantages: []Vantage{
			{Name: "bastion", IP: "192.168.1.10", Port: 22},
		},
	}
}

// WriteSample writes the sample fleet to path, refusing to overwrite.
func WriteSample(path string) error {
	data, err := yaml.Marshal(Sample())
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s: %w", path, ErrExists)
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
