package transport

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// Options describes the connection behaviour of one service transport.
type Options struct {
	Timeout               time.Duration
	DialTimeout           time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	ResponseHeaderTimeout time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	TLSInsecureSkipVerify bool
	HTTP2                 bool
	DisableCompression    bool
}

// NewTransport builds a pooled *http.Transport from opts.
func NewTransport(opts Options) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   durationOrDefault(opts.DialTimeout, 30*time.Second),
		KeepAlive: 30 * time.Second,
	}
	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          positiveOrDefault(opts.MaxIdleConns, 100),
		MaxIdleConnsPerHost:   positiveOrDefault(opts.MaxIdleConnsPerHost, 10),
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		IdleConnTimeout:       durationOrDefault(opts.IdleConnTimeout, 90*time.Second),
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		TLSHandshakeTimeout:   durationOrDefault(opts.TLSHandshakeTimeout, 10*time.Second),
		ExpectContinueTimeout: durationOrDefault(opts.ExpectContinueTimeout, time.Second),
		DisableCompression:    opts.DisableCompression,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.TLSInsecureSkipVerify,
		},
	}
	if opts.HTTP2 {
		if err := http2.ConfigureTransport(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// NewClient wraps base in the given stages and applies the overall timeout.
func NewClient(opts Options, stages ...Stage) (*http.Client, error) {
	base, err := NewTransport(opts)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: Chain(base, stages...),
	}, nil
}

func positiveOrDefault(value, def int) int {
	if value > 0 {
		return value
	}
	return def
}

func durationOrDefault(value, def time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return def
}
