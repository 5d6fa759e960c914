// Package substream is a client for a decentralized, signed, partitioned
// publish/subscribe protocol: it maintains one duplex Connection to a
// broker, multiplexes any number of stream-partition Subscriptions over it,
// verifies message signatures, detects and repairs sequence gaps per
// publisher chain, and coalesces broker-side subscriptions the way spec.md
// describes.
package substream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go-substream-client/internal/auth"
	"go-substream-client/internal/codec"
	"go-substream-client/internal/config"
	"go-substream-client/internal/correlator"
	"go-substream-client/internal/dispatch"
	"go-substream-client/internal/logging"
	"go-substream-client/internal/metrics"
	"go-substream-client/internal/ratelimit"
	"go-substream-client/internal/registry"
	"go-substream-client/internal/resend"
	"go-substream-client/internal/verify"
	"go-substream-client/internal/wire"
	"go-substream-client/transport"
	"go-substream-client/transport/wstransport"
)

// Dialer opens a fresh transport.Connection to the broker. The default dials
// cfg.BrokerURL over wstransport; tests substitute transporttest.Fake.
type Dialer func(ctx context.Context) (transport.Connection, error)

// ClientOption configures a Client before it is constructed.
type ClientOption func(*Client)

// WithBrokerURL sets the websocket URL to dial.
func WithBrokerURL(url string) ClientOption {
	return func(c *Client) { c.cfg.BrokerURL = url }
}

// WithSessionToken configures static session-token auth.
func WithSessionToken(token string) ClientOption {
	return func(c *Client) { c.cfg.Auth = config.Auth{Mode: config.AuthSessionToken, SessionToken: token} }
}

// WithAPIKeyAuth configures API-key auth, minted into a session token by fetch.
func WithAPIKeyAuth(apiKey string, fetch auth.Fetcher) ClientOption {
	return func(c *Client) {
		c.cfg.Auth = config.Auth{Mode: config.AuthAPIKey, APIKey: apiKey}
		c.tokenFetcher = fetch
	}
}

// WithPrivateKeyAuth configures private-key auth, minted into a session
// token by fetch (typically a challenge/signature exchange).
func WithPrivateKeyAuth(privateKeyHex string, fetch auth.Fetcher) ClientOption {
	return func(c *Client) {
		c.cfg.Auth = config.Auth{Mode: config.AuthPrivateKey, PrivateKeyHex: privateKeyHex}
		c.tokenFetcher = fetch
	}
}

// WithVerifyMode overrides the signature verification policy.
func WithVerifyMode(mode config.VerifyMode) ClientOption {
	return func(c *Client) { c.cfg.VerifySignatures = mode }
}

// WithRequiresSignature supplies the per-stream policy VerifyAuto consults.
func WithRequiresSignature(fn verify.RequiresSignatureFunc) ClientOption {
	return func(c *Client) { c.requiresSignature = fn }
}

// WithRequestTimeout bounds how long a SubscribeRequest or UnsubscribeRequest
// waits for its reply. Resend requests wait without this bound.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.cfg.RequestTimeout = d }
}

// WithRetryResendOnNoResend overrides the empty-resend retry policy (spec.md 9).
func WithRetryResendOnNoResend(enabled bool, delay time.Duration) ClientOption {
	return func(c *Client) {
		c.cfg.RetryResendOnNoResend = enabled
		if delay > 0 {
			c.cfg.RetryResendAfter = delay
		}
	}
}

// WithRequestsPerSecond caps outbound control requests per subscription.
func WithRequestsPerSecond(rps float64) ClientOption {
	return func(c *Client) { c.requestsPerSecond = rps }
}

// WithLogger attaches a structured logger.
func WithLogger(l *logging.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// WithDialer overrides how the Client opens a transport.Connection, the seam
// tests use to inject transporttest.Fake.
func WithDialer(d Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// WithAutoConnect controls whether New dials immediately.
func WithAutoConnect(enabled bool) ClientOption {
	return func(c *Client) { c.cfg.AutoConnect = enabled }
}

// ClientHandlers bundles connection-lifecycle callbacks.
type ClientHandlers struct {
	OnConnected    func()
	OnDisconnected func()
	OnError        func(error)
}

// WithClientHandlers attaches connection-lifecycle callbacks.
func WithClientHandlers(h ClientHandlers) ClientOption {
	return func(c *Client) { c.handlers = h }
}

// Client is a connection to one broker, multiplexing any number of
// Subscriptions over it (spec.md 2).
type Client struct {
	cfg               *config.Config
	log               *logging.Logger
	tokenFetcher      auth.Fetcher
	requiresSignature verify.RequiresSignatureFunc
	requestsPerSecond float64
	handlers          ClientHandlers
	dialer            Dialer

	correlator  *correlator.Correlator
	registry    *registry.Registry
	verifier    *verify.Verifier
	dispatcher  *dispatch.Dispatcher
	resendCoord *resend.Coordinator
	tokens      *auth.Provider
	ratelimit   *ratelimit.Regulator
	codecs      *codec.Registry
	metrics     *metrics.Registry

	nextSubID atomic.Uint64

	mu        sync.Mutex
	conn      transport.Connection
	sender    resend.Sender
	connected bool
	closing   bool

	subsMu sync.Mutex
	subs   map[uint64]*Subscription

	wg sync.WaitGroup
}

// New constructs a Client. Unless WithAutoConnect(false) is supplied, it
// dials the broker before returning (spec.md 9: autoConnect defaults true).
func New(opts ...ClientOption) (*Client, error) {
	c := &Client{
		cfg:  config.Load(),
		subs: make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if c.log == nil {
		level := logging.InfoLevel
		if lvl, err := logging.ParseLevel(c.cfg.LogLevel); err == nil {
			level = lvl
		}
		c.log = logging.New(nil, level)
	}

	c.correlator = correlator.New()
	c.registry = registry.New()
	c.metrics = metrics.New()
	c.codecs = codec.NewRegistry()
	c.ratelimit = ratelimit.New(c.requestsPerSecond, nil)

	verifier, err := verify.New(c.cfg.VerifySignatures, c.requiresSignature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	c.verifier = verifier

	c.tokens = auth.New(c.cfg.Auth, c.tokenFetcher, 0)
	c.resendCoord = resend.New(c.correlator, c.tokens, resend.Config{
		RetryOnNoResend: c.cfg.RetryResendOnNoResend,
		RetryDelay:      c.cfg.RetryResendAfter,
	})
	c.dispatcher = dispatch.New(c.correlator, c.registry, c.verifier, c.codecs, c.onProtocolError, c.onTransportError)

	if c.dialer == nil {
		c.dialer = c.defaultDialer
	}

	if c.cfg.AutoConnect {
		if err := c.Connect(context.Background()); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) defaultDialer(ctx context.Context) (transport.Connection, error) {
	return wstransport.Dial(ctx, c.cfg.BrokerURL, wstransport.WithLogger(c.log))
}

// Connect dials the broker if not already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dialer(ctx)
	if err != nil {
		return fmt.Errorf("substream: connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.sender = &governedSender{conn: conn, reg: c.ratelimit}
	c.connected = true
	c.closing = false
	c.mu.Unlock()

	c.resendCoord.SetSender(c.sender)

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

// Disconnect closes the underlying connection. Config.AutoDisconnect is not
// consulted: unsubscribing the last Subscription leaves the connection open,
// so this is the only way the Client itself closes it.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.connected = false
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Connected reports whether the Client currently has a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Metrics returns the aggregate counters across every Subscription.
func (c *Client) Metrics() metrics.Snapshot { return c.metrics.Total() }

// SubscriptionMetrics returns the counters for one (streamId, partition).
func (c *Client) SubscriptionMetrics(streamID string, partition int) metrics.Snapshot {
	return c.metrics.Snapshot(wire.SubscriptionKey{StreamID: streamID, Partition: partition})
}

// Subscribe joins (streamID, partition), coalescing onto any existing
// broker-side subscription for that partition (spec.md 4.6).
func (c *Client) Subscribe(ctx context.Context, streamID string, partition int, opts ...SubscriptionOption) (*Subscription, error) {
	key := wire.SubscriptionKey{StreamID: streamID, Partition: partition}
	id := c.nextSubID.Add(1)
	sub := newSubscription(c, id, key, opts)

	c.subsMu.Lock()
	c.subs[id] = sub
	c.subsMu.Unlock()

	if err := sub.start(ctx); err != nil {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
		return nil, err
	}
	return sub, nil
}

func (c *Client) sendSubscribe(ctx context.Context, key wire.SubscriptionKey) error {
	reqID := c.correlator.NextRequestID()
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	req := wire.SubscribeRequest{RequestID: reqID, StreamID: key.StreamID, Partition: key.Partition, SessionToken: token}
	return c.sendAwait(ctx, reqID, req, wire.FrameSubscribeResponse)
}

func (c *Client) sendUnsubscribe(ctx context.Context, key wire.SubscriptionKey) error {
	reqID := c.correlator.NextRequestID()
	req := wire.UnsubscribeRequest{RequestID: reqID, StreamID: key.StreamID, Partition: key.Partition}
	return c.sendAwait(ctx, reqID, req, wire.FrameUnsubscribeResponse)
}

func (c *Client) sendAwait(ctx context.Context, reqID string, req wire.Request, expect wire.FrameType) error {
	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()
	if sender == nil {
		return ErrDisconnected
	}
	if err := sender.Send(ctx, req); err != nil {
		return err
	}
	_, err := c.correlator.Await(ctx, reqID, []wire.FrameType{expect}, c.cfg.RequestTimeout)
	var rfe *correlator.RequestFailedError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &rfe):
		return &RequestError{Code: rfe.Code, Message: rfe.Message}
	case correlator.IsTimeout(err):
		return ErrTimeout
	case correlator.IsDisconnected(err):
		return ErrDisconnected
	case correlator.IsAborted(err):
		return ErrAborted
	}
	return err
}

func (c *Client) readLoop(conn transport.Connection) {
	defer c.wg.Done()
	for evt := range conn.Events() {
		switch evt.Kind {
		case transport.EventConnected:
			if c.handlers.OnConnected != nil {
				c.handlers.OnConnected()
			}
		case transport.EventDisconnected:
			c.mu.Lock()
			c.connected = false
			closing := c.closing
			c.mu.Unlock()
			c.dispatcher.HandleEvent(evt)
			if c.handlers.OnDisconnected != nil {
				c.handlers.OnDisconnected()
			}
			if !closing {
				go c.reconnect()
			}
			return
		default:
			c.dispatcher.HandleEvent(evt)
		}
	}
}

// reconnect redials and replays one SubscribeRequest per PartitionEntry that
// has a realtime member, not one per member (spec.md 4.6/5).
func (c *Client) reconnect() {
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second
	for {
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if closing {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			break
		}
		c.onTransportError(err)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	for _, key := range c.registry.ReconnectKeys() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.sendSubscribe(ctx, key)
		cancel()
		if err != nil {
			c.onTransportError(fmt.Errorf("substream: resubscribe %s: %w", key, err))
		}
	}
}

func (c *Client) onProtocolError(err error) {
	if c.handlers.OnError != nil {
		c.handlers.OnError(&ProtocolError{Message: err.Error()})
	}
}

func (c *Client) onTransportError(err error) {
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}

// governedSender enforces the per-partition request rate limit ahead of
// every outbound send, re-keyed from the teacher's per-client bandwidth
// budget to per-(streamId, partition) request counts.
type governedSender struct {
	conn transport.Connection
	reg  *ratelimit.Regulator
}

func (g *governedSender) Send(ctx context.Context, req wire.Request) error {
	if key, ok := requestKey(req); ok && !g.reg.Allow(key.String()) {
		return fmt.Errorf("substream: request rate limit exceeded for %s", key)
	}
	return g.conn.Send(ctx, req)
}

func requestKey(req wire.Request) (wire.SubscriptionKey, bool) {
	switch r := req.(type) {
	case wire.SubscribeRequest:
		return wire.SubscriptionKey{StreamID: r.StreamID, Partition: r.Partition}, true
	case wire.UnsubscribeRequest:
		return wire.SubscriptionKey{StreamID: r.StreamID, Partition: r.Partition}, true
	case wire.ResendLastRequest:
		return wire.SubscriptionKey{StreamID: r.StreamID, Partition: r.Partition}, true
	case wire.ResendFromRequest:
		return wire.SubscriptionKey{StreamID: r.StreamID, Partition: r.Partition}, true
	case wire.ResendRangeRequest:
		return wire.SubscriptionKey{StreamID: r.StreamID, Partition: r.Partition}, true
	default:
		return wire.SubscriptionKey{}, false
	}
}
