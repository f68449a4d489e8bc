// Package relay runs the short-lived local endpoint a CLI uses to talk to a
// browser dialog. The dialog publishes events to the relay, the CLI publishes
// data for the dialog to read, and the CLI can block until the dialog answers
// a specific request.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"golang.org/x/net/netutil"

	"porto-relay/internal/core/broadcast"
)

const (
	DefaultListenAddr      = "/ip4/127.0.0.1/tcp/0"
	DefaultMaxConnections  = 64
	DefaultShutdownTimeout = 5 * time.Second
)

var ErrClosed = errors.New("relay closed")

// Options configures a Relay. Zero values fall back to the package defaults.
type Options struct {
	// ListenAddr is a multiaddr such as /ip4/127.0.0.1/tcp/0.
	ListenAddr      string
	Timeout         time.Duration
	BufferSize      int
	MaxConnections  int
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ListenAddr == "" {
		o.ListenAddr = DefaultListenAddr
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.BufferSize <= 0 {
		o.BufferSize = broadcast.DefaultCapacity
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Relay owns the listener, broadcast bus, key registry and pending waits for
// one CLI invocation. Relays are independent of each other.
type Relay struct {
	opts   Options
	logger *slog.Logger
	url    string

	keys *KeyRegistry
	bus  *broadcast.Bus
	corr *Correlator

	srv  *http.Server
	done chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New binds the listen address and starts serving. A bind failure is
// returned as is; there is no retry. ctx becomes the base context of every
// request, so cancelling it ends open event streams.
func New(ctx context.Context, opts Options) (*Relay, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "relay")

	addr, err := ma.NewMultiaddr(opts.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen multiaddr %q: %w", opts.ListenAddr, err)
	}
	if !manet.IsIPLoopback(addr) {
		logger.Warn("relay listening on a non-loopback address", "addr", addr.String())
	}
	mln, err := manet.Listen(addr)
	if err != nil {
		return nil, fmt.Errorf("bind relay listener: %w", err)
	}
	ln := manet.NetListener(mln)
	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		_ = ln.Close()
		return nil, fmt.Errorf("relay listener is not tcp: %s", ln.Addr())
	}

	bus := broadcast.NewBus(opts.BufferSize)
	r := &Relay{
		opts:   opts,
		logger: logger,
		url:    fmt.Sprintf("http://localhost:%d", tcpAddr.Port),
		keys:   NewKeyRegistry(),
		bus:    bus,
		corr:   NewCorrelator(bus, logger),
		done:   make(chan struct{}),
	}
	s := &server{keys: r.keys, bus: r.bus, corr: r.corr, logger: logger}
	r.srv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		defer close(r.done)
		err := r.srv.Serve(netutil.LimitListener(ln, opts.MaxConnections))
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("relay server stopped", "error", err)
		}
	}()

	logger.Info("relay listening", "url", r.url)
	return r, nil
}

// URL is the base URL handed to the dialog.
func (r *Relay) URL() string {
	return r.url
}

// RegisterKey publishes key on /.well-known/keys.
func (r *Relay) RegisterKey(key string) {
	r.keys.Register(key)
	r.logger.Debug("registered key", "key", key, "keys", r.keys.Len())
}

// Keys returns the published keys, sorted.
func (r *Relay) Keys() []string {
	return r.keys.Keys()
}

// Send broadcasts a relay-originated message and returns its id. Having no
// subscribers is not an error.
func (r *Relay) Send(topic string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	msg := broadcast.Message{ID: uuid.NewString(), Topic: topic, Payload: raw}
	n, err := r.bus.Publish(msg)
	if err != nil {
		return "", fmt.Errorf("send %s: %w", topic, ErrClosed)
	}
	r.logger.Debug("sent message", "topic", topic, "message_id", msg.ID, "subscribers", n)
	return msg.ID, nil
}

// Resolve completes the wait for id with value, bypassing the bus.
func (r *Relay) Resolve(id uint64, value json.RawMessage) bool {
	return r.corr.Resolve(id, value)
}

// WaitForResponse blocks until the dialog answers request id. A timeout <= 0
// uses the relay's configured timeout. See Correlator.Wait for outcomes.
func (r *Relay) WaitForResponse(ctx context.Context, id uint64, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = r.opts.Timeout
	}
	r.logger.Debug("waiting for response", "request_id", id, "timeout", timeout)
	return r.corr.Wait(ctx, id, timeout)
}

// Close ends every event stream, fails in-flight waits with
// ErrChannelClosed and stops the HTTP server. It is safe to call repeatedly.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		r.bus.Close()
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.ShutdownTimeout)
		defer cancel()
		if err := r.srv.Shutdown(ctx); err != nil {
			r.logger.Warn("relay shutdown incomplete, forcing close", "error", err)
			r.closeErr = r.srv.Close()
		}
		<-r.done
		r.logger.Info("relay closed", "url", r.url)
	})
	return r.closeErr
}
