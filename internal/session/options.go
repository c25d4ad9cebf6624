package session

import (
	"time"

	"example.com/kolibri/internal/common"
	"example.com/kolibri/internal/msp"
	"example.com/kolibri/internal/transport"
)

const (
	DefaultRetries        = 2
	DefaultTimeout        = 700 * time.Millisecond
	DefaultPingInterval   = 200 * time.Millisecond
	DefaultStatusInterval = time.Second
	DefaultPollInterval   = 3 * time.Millisecond

	// NoRetry sends a command exactly once.
	NoRetry = -1
)

// VerifyFunc decides whether resp answers req.
type VerifyFunc func(req, resp msp.Command) bool

// SameFn matches any response carrying the request's function code.
func SameFn(req, resp msp.Command) bool {
	return req.Fn == resp.Fn
}

// SendOptions tunes a single SendCommand call. Zero fields take the
// session's defaults: version V2, direction request, DefaultRetries re-sends,
// DefaultTimeout per attempt and SameFn.
type SendOptions struct {
	Version   msp.Version
	Direction msp.Direction
	// Retries is the number of re-sends after the first attempt. Use NoRetry
	// for a single attempt.
	Retries      int
	Timeout      time.Duration
	Verify       VerifyFunc
	CallbackData any
}

// Options configures a Session. Zero durations take the defaults; a negative
// ping or status interval disables that background request.
type Options struct {
	Open           func(address string) (transport.Port, error)
	Retries        int
	Timeout        time.Duration
	PingInterval   time.Duration
	StatusInterval time.Duration
	PollInterval   time.Duration
	Metrics        *common.Metrics
	Traffic        *common.TrafficLog
}

func (o Options) withDefaults() Options {
	if o.Open == nil {
		o.Open = func(address string) (transport.Port, error) {
			return transport.Open(address)
		}
	}
	if o.Retries == 0 {
		o.Retries = DefaultRetries
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.PingInterval == 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.StatusInterval == 0 {
		o.StatusInterval = DefaultStatusInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Metrics == nil {
		o.Metrics = common.NewMetrics()
	}
	return o
}

func (s *Session) sendDefaults(opts SendOptions) SendOptions {
	if opts.Version == 0 {
		opts.Version = msp.V2
	}
	if opts.Direction == 0 {
		opts.Direction = msp.Request
	}
	switch {
	case opts.Retries == 0:
		opts.Retries = s.opts.Retries
	case opts.Retries < 0:
		opts.Retries = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = s.opts.Timeout
	}
	if opts.Verify == nil {
		opts.Verify = SameFn
	}
	return opts
}
