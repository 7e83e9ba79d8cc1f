package app

import (
	"net/http"

	"github.com/funnyzak/tapkit/internal/config"
	"github.com/funnyzak/tapkit/pkg/capture"
	"github.com/funnyzak/tapkit/pkg/registry"
	"github.com/funnyzak/tapkit/pkg/transport"
)

// createTransport builds the pipeline of key from the current configuration.
// Stages run outermost first: logging and metrics see the whole exchange
// including retries, capture sees every attempt after path rewriting.
func (a *App) createTransport(key string) (*http.Client, error) {
	a.mu.RLock()
	svc, ok := a.services[key]
	cfg := a.cfg
	a.mu.RUnlock()
	if !ok {
		return nil, &registry.NotRegisteredError{Key: key}
	}

	tc := cfg.Transport
	opts := transport.Options{
		Timeout:               tc.Timeout,
		MaxIdleConns:          tc.MaxIdleConns,
		MaxIdleConnsPerHost:   tc.MaxIdleConnsPerHost,
		MaxConnsPerHost:       tc.MaxConnsPerHost,
		IdleConnTimeout:       tc.IdleConnTimeout,
		ResponseHeaderTimeout: tc.ResponseHeaderTimeout,
		TLSHandshakeTimeout:   tc.TLSHandshakeTimeout,
		TLSInsecureSkipVerify: tc.TLSInsecureSkipVerify,
		HTTP2:                 tc.HTTP2,
	}
	if svc.Timeout > 0 {
		opts.Timeout = svc.Timeout
	}

	log := a.logger.With("service", key)
	var defaults map[string]string
	if tc.UserAgent != "" {
		defaults = map[string]string{"User-Agent": tc.UserAgent}
	}

	return transport.NewClient(opts,
		transport.Logging(key, log),
		transport.Metrics(key, a.metrics),
		transport.Progress(a.progressOptions(cfg)),
		transport.Retry(transport.RetryOptions{
			Retries:   svc.RetriesOr(tc.MaxRetries),
			BaseDelay: tc.RetryBackoff,
			MaxDelay:  tc.MaxRetryBackoff,
			Logger:    log,
		}),
		transport.Headers(defaults),
		transport.Rewrite(rewriteOptions(svc.PathStrategy), log),
		a.captureStage(svc, cfg, log),
	)
}

// captureStage returns the recorder stage of svc, or nil when nothing would
// consume its records.
func (a *App) captureStage(svc config.ServiceConfig, cfg *config.Config, log transport.Logger) transport.Stage {
	var sinks []capture.Sink
	if a.printer != nil {
		sinks = append(sinks, a.printer)
	}
	if a.sink != nil {
		sinks = append(sinks, a.sink)
	}
	if len(sinks) == 0 {
		return nil
	}
	var redact []string
	if len(cfg.Capture.RedactHeaders) > 0 {
		redact = cfg.Capture.RedactHeaders
	}
	rec := capture.NewRecorder(capture.Options{
		Module:        svc.ModuleName(),
		Sink:          capture.MultiSink(sinks...),
		Filter:        a.filter,
		Toggles:       a.toggles,
		MaxBodyBytes:  cfg.Capture.MaxBodyBytes,
		RedactHeaders: redact,
		Logger:        log,
		Observer:      a.metrics,
	})
	return rec.Stage()
}

func rewriteOptions(ps config.PathStrategyConfig) transport.RewriteOptions {
	rules := make([]transport.RewriteRule, 0, len(ps.Rules))
	for _, r := range ps.Rules {
		rules = append(rules, transport.RewriteRule{
			Name:    r.Name,
			Match:   r.Match,
			Replace: r.Replace,
			Regex:   r.Regex,
		})
	}
	return transport.RewriteOptions{
		Mode:        ps.Mode,
		StripPrefix: ps.StripPrefix,
		Rules:       rules,
	}
}

func (a *App) progressOptions(cfg *config.Config) transport.ProgressOptions {
	opts := transport.ProgressOptions{Refresh: cfg.Progress.Refresh}
	if a.dispatch != nil {
		opts.Dispatcher = a.dispatch
	}
	return opts
}
