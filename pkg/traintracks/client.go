// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

// Package traintracks is the embeddable Traintracks client. It records
// events and user property changes, keeps them in a durable on-disk queue
// and uploads them in batches from a supervised background loop.
//
//	cfg := traintracks.DefaultConfig()
//	cfg.Client.APIKey = "abc123"
//	cfg.Client.Endpoint = "https://collector.example.com/v1/batch"
//
//	client, err := traintracks.New(cfg)
//	if err != nil {
//	    return err
//	}
//	if err := client.Start(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
//	_ = client.LogEvent("checkout", map[string]any{"items": 3})
//
// Logging calls never block on the network and never return internal
// failures; the only errors they return are *ValidationError.
package traintracks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/traintracks/internal/config"
	"github.com/tomtom215/traintracks/internal/device"
	"github.com/tomtom215/traintracks/internal/eventstore"
	"github.com/tomtom215/traintracks/internal/identify"
	"github.com/tomtom215/traintracks/internal/logging"
	"github.com/tomtom215/traintracks/internal/metrics"
	"github.com/tomtom215/traintracks/internal/models"
	"github.com/tomtom215/traintracks/internal/session"
	"github.com/tomtom215/traintracks/internal/supervisor"
	"github.com/tomtom215/traintracks/internal/supervisor/services"
	"github.com/tomtom215/traintracks/internal/transport"
	"github.com/tomtom215/traintracks/internal/upload"
)

// Public names for the types that cross the client boundary.
type (
	Config         = config.Config
	Identify       = identify.Identify
	Transport      = transport.Transport
	TransportFunc  = transport.Func
	Failure        = transport.Failure
	Record         = models.Record
	DeviceInfo     = device.Info
	DeviceProvider = device.Provider
	StaticDevice   = device.Static
	Location       = models.Location
	UploadResult   = upload.Result
	UploadStatus   = upload.Status
)

// Failure kinds a Transport reports through *Failure.
const (
	Retryable = transport.Retryable
	Rejected  = transport.Rejected
	TooLarge  = transport.TooLarge
)

// Upload outcomes reported by UploadEvents.
const (
	OutcomeEmpty     = upload.OutcomeEmpty
	OutcomeUploaded  = upload.OutcomeUploaded
	OutcomeSkipped   = upload.OutcomeSkipped
	OutcomeRetryable = upload.OutcomeRetryable
	OutcomeRejected  = upload.OutcomeRejected
)

// Errors returned by the lifecycle methods.
var (
	ErrNilConfig      = errors.New("traintracks: config is required")
	ErrAlreadyStarted = errors.New("traintracks: client already started")
	ErrClosed         = errors.New("traintracks: client is closed")
)

// DefaultConfig returns the built-in defaults. APIKey and, for the HTTP
// transport, Endpoint must be filled in.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig reads the configuration from the config file and environment.
func LoadConfig() (*Config, error) {
	return config.Load()
}

// NewIdentify returns an empty identify builder.
func NewIdentify() *Identify {
	return identify.New()
}

// Option customizes a Client.
type Option func(*options)

type options struct {
	transport Transport
	device    DeviceProvider
	userID    string
	useAdID   bool
	clock     func() time.Time
}

// WithTransport replaces the transport built from the configuration.
func WithTransport(t Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithDeviceProvider replaces the host device metadata provider.
func WithDeviceProvider(p DeviceProvider) Option {
	return func(o *options) { o.device = p }
}

// WithUserID sets the user id at startup, overriding the configured one.
func WithUserID(id string) Option {
	return func(o *options) { o.userID = id }
}

// WithAdvertisingIDForDeviceID takes the device id from the provider's
// advertiser id when it is usable. It only affects clients without a
// persisted device id.
func WithAdvertisingIDForDeviceID() Option {
	return func(o *options) { o.useAdID = true }
}

// WithClock replaces the wall clock used to timestamp events.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// Client is safe for concurrent use by any number of goroutines.
type Client struct {
	cfg       *Config
	store     *eventstore.Store
	sessions  *session.Tracker
	sched     *upload.Scheduler
	maint     *eventstore.Maintainer
	tree      *supervisor.Tree
	device    DeviceProvider
	transport io.Closer
	now       func() time.Time
	log       zerolog.Logger

	// produceMu orders session boundary events with the event that caused
	// them, and makes Close a barrier for in-progress appends.
	produceMu sync.Mutex
	closed    atomic.Bool

	identityMu sync.RWMutex
	identity   identityState

	optOut   atomic.Bool
	offline  atomic.Bool
	location atomic.Bool

	runMu   sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    <-chan error
}

// New opens the event queue and restores persisted identity, session and
// opt-out state. Nothing is uploaded until Start.
func New(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	o := options{device: device.NewHost(), clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	validate := cfg.Validate
	if o.transport != nil {
		validate = cfg.ValidateWithoutTransport
	}
	if err := validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := eventstore.Open(cfg.Queue)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		store:  store,
		device: o.device,
		now:    o.clock,
		log:    logging.Component("client"),
	}
	c.location.Store(cfg.Session.LocationListening)

	tr := o.transport
	if tr == nil {
		tr, c.transport, err = buildTransport(cfg)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	if err := c.restoreIdentity(o); err != nil {
		_ = c.closeResources()
		return nil, err
	}
	c.restoreOptOut()

	c.sessions = session.New(store, cfg.Session.MinTimeBetweenSessions, cfg.Session.TrackingSessionEvents)
	c.sched = upload.New(store, tr, cfg.SchedulerConfig(), upload.WithGate(c.uploadsAllowed))
	c.maint = eventstore.NewMaintainer(store)

	c.tree = supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Agent.ShutdownTimeout,
	})
	c.tree.AddDataService(services.NewLifecycleService("queue-maintenance", c.maint))
	c.tree.AddUploadService(c.sched)

	metrics.AppInfo.WithLabelValues(models.Version, cfg.Client.BuildName).Set(1)

	c.log.Info().
		Str("device_id", c.DeviceID()).
		Int("queued", store.Count()).
		Bool("opt_out", c.optOut.Load()).
		Msg("Traintracks client initialized")
	return c, nil
}

func buildTransport(cfg *Config) (Transport, io.Closer, error) {
	switch cfg.Upload.Transport {
	case config.TransportNATS:
		pub, err := transport.NewNATSPublisher(cfg.NATSConfig(), logging.NewWatermillAdapter())
		if err != nil {
			return nil, nil, fmt.Errorf("create nats publisher: %w", err)
		}
		bus := transport.NewBus(cfg.TransportClient(), pub, cfg.Upload.NATSSubject)
		return bus, bus, nil
	default:
		h, err := transport.NewHTTP(cfg.HTTPConfig(), nil)
		if err != nil {
			return nil, nil, err
		}
		return h, nil, nil
	}
}

// uploadsAllowed gates the scheduler. It runs under the scheduler's lock,
// so it only reads atomics.
func (c *Client) uploadsAllowed() bool {
	return !c.optOut.Load() && !c.offline.Load()
}

// Start runs the upload loop and store maintenance under supervision.
// Extra services, such as an agent HTTP server, join the same tree.
// Start returns immediately; Close stops everything.
func (c *Client) Start(ctx context.Context, extra ...suture.Service) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}

	for _, svc := range extra {
		c.tree.AddAPIService(svc)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = c.tree.ServeBackground(runCtx)
	c.started = true

	// Events left over from a previous process count toward the threshold.
	c.sched.Notify(c.store.Count())
	return nil
}

// Close stops accepting events, makes a best-effort flush bounded by ctx,
// stops the background services and closes the queue. Events that could
// not be sent stay queued for the next process.
func (c *Client) Close(ctx context.Context) error {
	c.produceMu.Lock()
	alreadyClosed := c.closed.Swap(true)
	c.produceMu.Unlock()
	if alreadyClosed {
		return nil
	}

	if c.uploadsAllowed() {
		res := c.sched.Flush(ctx)
		c.log.Info().
			Str("outcome", res.Outcome.String()).
			Int("uploaded", res.Uploaded).
			Int("remaining", c.store.Count()).
			Msg("Final flush finished")
	}

	var errs []error
	c.runMu.Lock()
	if c.started {
		c.cancel()
		select {
		case <-c.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for background services: %w", ctx.Err()))
		}
		c.started = false
	}
	c.runMu.Unlock()

	errs = append(errs, c.closeResources())
	return errors.Join(errs...)
}

func (c *Client) closeResources() error {
	var errs []error
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event store: %w", err))
	}
	return errors.Join(errs...)
}
