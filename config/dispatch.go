// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	defaultServer            = "puppetdb"
	defaultPort              = 8081
	defaultTimeout           = 30 * time.Second
	defaultMaxQueuedCommands = 1000
)

// Endpoint is one HTTPS address of an interchangeable service instance.
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
}

// URL returns the base URL of the endpoint, without a trailing slash.
func (e Endpoint) URL() string {
	return fmt.Sprintf("%s://%s", e.Scheme, net.JoinHostPort(e.Host, strconv.Itoa(e.Port)))
}

func (e Endpoint) String() string {
	return e.URL()
}

// Dispatch is the dispatch policy. It is immutable once loaded and passed
// explicitly to every component that needs it.
type Dispatch struct {
	ServerURLs               []Endpoint
	SubmitOnlyURLs           []Endpoint
	CommandBroadcast         bool
	MinSuccessfulSubmissions int
	StickyReadFailover       bool
	RequestTimeout           time.Duration
	SoftWriteFailure         bool
	MaxQueuedCommands        int
}

// QueryEndpoints returns the endpoints used for reads.
func (d *Dispatch) QueryEndpoints() []Endpoint {
	return d.ServerURLs
}

// CommandEndpoints returns the endpoints used for writes: server urls
// followed by the submit-only urls.
func (d *Dispatch) CommandEndpoints() []Endpoint {
	eps := make([]Endpoint, 0, len(d.ServerURLs)+len(d.SubmitOnlyURLs))
	eps = append(eps, d.ServerURLs...)
	return append(eps, d.SubmitOnlyURLs...)
}

// DefaultDispatch returns the policy used when no policy file exists.
func DefaultDispatch() *Dispatch {
	return &Dispatch{
		ServerURLs:               []Endpoint{{Scheme: "https", Host: defaultServer, Port: defaultPort}},
		MinSuccessfulSubmissions: 1,
		RequestTimeout:           defaultTimeout,
		MaxQueuedCommands:        defaultMaxQueuedCommands,
	}
}

var (
	sectionLine = regexp.MustCompile(`^\[(\w+)\s*\]$`)
	settingLine = regexp.MustCompile(`^\s*(\w+)\s*=\s*(.*?)\s*$`)
	commentLine = regexp.MustCompile(`^\s*[#;]`)
	blankLine   = regexp.MustCompile(`^\s*$`)
)

// LoadDispatch reads the dispatch policy from an INI file. A missing file
// yields DefaultDispatch.
func LoadDispatch(filename string) (*Dispatch, error) {
	f, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultDispatch(), nil
		}
		return nil, fmt.Errorf("failed to read dispatch policy: %w", err)
	}
	defer f.Close()

	return ParseDispatch(f, filename)
}

// ParseDispatch parses a dispatch policy. source names the input in errors.
func ParseDispatch(r io.Reader, source string) (*Dispatch, error) {
	sections, err := parseSections(r, source)
	if err != nil {
		return nil, err
	}
	return buildDispatch(sections["main"], source)
}

func parseSections(r io.Reader, source string) (map[string]map[string]string, error) {
	result := make(map[string]map[string]string)
	section := ""

	scanner := bufio.NewScanner(r)
	number := 0
	for scanner.Scan() {
		number++
		line := strings.TrimRight(scanner.Text(), "\r")

		switch {
		case sectionLine.MatchString(line):
			section = sectionLine.FindStringSubmatch(line)[1]
			if result[section] == nil {
				result[section] = make(map[string]string)
			}
		case commentLine.MatchString(line), blankLine.MatchString(line):
		case settingLine.MatchString(line):
			if section == "" {
				return nil, &ConfigError{
					Source: source,
					Line:   number,
					Msg:    fmt.Sprintf("setting '%s' is illegal outside of section", line),
				}
			}
			m := settingLine.FindStringSubmatch(line)
			result[section][m[1]] = m[2]
		default:
			return nil, &ConfigError{
				Source: source,
				Line:   number,
				Msg:    fmt.Sprintf("unparseable line '%s'", line),
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dispatch policy: %w", err)
	}

	return result, nil
}

func buildDispatch(main map[string]string, source string) (*Dispatch, error) {
	d := DefaultDispatch()
	fail := func(format string, args ...any) error {
		return &ConfigError{Source: source, Msg: fmt.Sprintf(format, args...)}
	}

	if raw, ok := main["server_urls"]; ok {
		eps, err := parseEndpoints(raw, source)
		if err != nil {
			return nil, err
		}
		if len(eps) == 0 {
			return nil, fail("server_urls cannot be empty")
		}
		d.ServerURLs = eps
	} else if main["server"] != "" || main["port"] != "" {
		// Legacy single-server form.
		host := defaultServer
		if v := main["server"]; v != "" {
			host = v
		}
		port := defaultPort
		if v := main["port"]; v != "" {
			p, err := strconv.Atoi(v)
			if err != nil || p < 1 || p > 65535 {
				return nil, fail("port '%s' is not a valid port number", v)
			}
			port = p
		}
		d.ServerURLs = []Endpoint{{Scheme: "https", Host: host, Port: port}}
	}

	if raw, ok := main["submit_only_server_urls"]; ok {
		eps, err := parseEndpoints(raw, source)
		if err != nil {
			return nil, err
		}
		d.SubmitOnlyURLs = eps
	}

	var err error
	if d.CommandBroadcast, err = parseBool(main, "command_broadcast", false); err != nil {
		return nil, fail("%v", err)
	}
	if d.StickyReadFailover, err = parseBool(main, "sticky_read_failover", false); err != nil {
		return nil, fail("%v", err)
	}
	if d.SoftWriteFailure, err = parseBool(main, "soft_write_failure", false); err != nil {
		return nil, fail("%v", err)
	}
	if d.MinSuccessfulSubmissions, err = parseInt(main, "min_successful_submissions", 1); err != nil {
		return nil, fail("%v", err)
	}
	if d.MaxQueuedCommands, err = parseInt(main, "max_queued_commands", defaultMaxQueuedCommands); err != nil {
		return nil, fail("%v", err)
	}
	timeout, err := parseInt(main, "server_url_timeout", int(defaultTimeout/time.Second))
	if err != nil {
		return nil, fail("%v", err)
	}
	if timeout < 1 {
		return nil, fail("server_url_timeout must be a positive number of seconds")
	}
	d.RequestTimeout = time.Duration(timeout) * time.Second

	if err := d.Validate(); err != nil {
		if ce, ok := err.(*ConfigError); ok {
			ce.Source = source
		}
		return nil, err
	}

	return d, nil
}

// Validate checks the cross-field invariants of the policy.
func (d *Dispatch) Validate() error {
	fail := func(format string, args ...any) error {
		return &ConfigError{Msg: fmt.Sprintf(format, args...)}
	}

	if len(d.ServerURLs) == 0 {
		return fail("server_urls cannot be empty")
	}
	for _, so := range d.SubmitOnlyURLs {
		for _, s := range d.ServerURLs {
			if so == s {
				return fail("submit_only_server_urls must not overlap server_urls: %s", so)
			}
		}
	}

	writeCount := len(d.ServerURLs) + len(d.SubmitOnlyURLs)
	if d.MinSuccessfulSubmissions < 1 {
		return fail("min_successful_submissions must be at least 1")
	}
	if d.MinSuccessfulSubmissions > writeCount {
		return fail("min_successful_submissions (%d) exceeds the number of command endpoints (%d)",
			d.MinSuccessfulSubmissions, writeCount)
	}
	if d.MinSuccessfulSubmissions > 1 && !d.CommandBroadcast {
		return fail("min_successful_submissions greater than 1 requires command_broadcast = true")
	}
	if d.MinSuccessfulSubmissions > 1 && d.SoftWriteFailure {
		return fail("soft_write_failure cannot be combined with min_successful_submissions greater than 1")
	}
	if d.RequestTimeout <= 0 {
		return fail("server_url_timeout must be positive")
	}
	if d.MaxQueuedCommands < 0 {
		return fail("max_queued_commands cannot be negative")
	}

	return nil
}

func parseEndpoints(raw, source string) ([]Endpoint, error) {
	var eps []Endpoint
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		ep, err := ParseEndpoint(s)
		if err != nil {
			if ce, ok := err.(*ConfigError); ok {
				ce.Source = source
			}
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// ParseEndpoint validates a server URL: it must parse, use https, name a
// host and carry no path beyond "/".
func ParseEndpoint(raw string) (Endpoint, error) {
	fail := func(constraint string) (Endpoint, error) {
		return Endpoint{}, &ConfigError{URL: raw, Msg: constraint}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fail(fmt.Sprintf("not a valid url: %v", err))
	}
	if u.Scheme != "https" {
		return fail("scheme must be https")
	}
	if u.Hostname() == "" {
		return fail("host cannot be empty")
	}
	if u.Path != "" && u.Path != "/" {
		return fail("url must not contain a path")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fail("url must not contain a query or fragment")
	}

	port := 443
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return fail("port must be between 1 and 65535")
		}
		port = n
	}

	return Endpoint{Scheme: u.Scheme, Host: u.Hostname(), Port: port}, nil
}

func parseBool(section map[string]string, key string, def bool) (bool, error) {
	v, ok := section[key]
	if !ok {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("%s must be 'true' or 'false', got '%s'", key, v)
}

func parseInt(section map[string]string, key string, def int) (int, error) {
	v, ok := section[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got '%s'", key, v)
	}
	return n, nil
}
