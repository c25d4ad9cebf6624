package server

import (
	"context"
	"time"

	"example.com/kolibri/internal/blackbox"
	"example.com/kolibri/internal/common"
	"example.com/kolibri/internal/msp"
	"example.com/kolibri/internal/report"
	"example.com/kolibri/internal/session"
)

const (
	defaultStatusInterval = time.Second
	defaultClientBuffer   = 64
	maxUploadBytes        = 512 << 20
)

// Commander is the part of a protocol session the daemon drives.
// *session.Session satisfies it.
type Commander interface {
	SendCommand(ctx context.Context, fn msp.Fn, payload []byte, opts session.SendOptions) (msp.Command, error)
	Status() session.Status
	Subscribe(fn session.Handler) func()
	Metrics() *common.Metrics
}

// Options configures server creation.
type Options struct {
	StorageDir string
	// Session is optional; without it /status reports disconnected and
	// /command answers 503.
	Session Commander
	// Derive adds generated series when decoding.
	Derive        bool
	DeriveOptions blackbox.DeriveOptions
	Lang          report.Language
	// StatusInterval is how often the live feed carries a status snapshot.
	// Negative disables it.
	StatusInterval time.Duration
	ClientBuffer   int
}

func (o Options) withDefaults() Options {
	if o.DeriveOptions.IFalloff == 0 {
		o.DeriveOptions = blackbox.DefaultDeriveOptions()
	}
	if o.Lang == "" {
		o.Lang = report.LangEnglish
	}
	if o.StatusInterval == 0 {
		o.StatusInterval = defaultStatusInterval
	}
	if o.ClientBuffer <= 0 {
		o.ClientBuffer = defaultClientBuffer
	}
	return o
}
