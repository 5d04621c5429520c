package libzk

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	log "github.com/inconshreveable/log15"

	"github.com/ensemblelabs/libzk-go/internal/delaypool"
	"github.com/ensemblelabs/libzk-go/internal/session"
	"github.com/ensemblelabs/libzk-go/internal/transport"
	"github.com/ensemblelabs/libzk-go/proto"
)

var (
	ErrClientRunning    = errors.New("client already started")
	ErrClientNotRunning = errors.New("client not started")
)

var slashRuns = regexp.MustCompile("//+")

// Client is the user-facing façade over the session engine. It owns the
// server rotation, normalizes paths before they reach the engine, and
// translates calls into operation records.
//
// Start and Stop serialize per client; the operation surface is safe for
// concurrent use.
type Client struct {
	cfg     clientConfig
	session *session.Session
	servers *delaypool.Pool[ServerAddress]
	log.Logger

	mu       sync.Mutex
	runStop  context.CancelFunc
	runDone  chan struct{}
	stopping bool
}

// NewClient builds a client. It does not connect; call Start.
func NewClient(opts ...ClientOption) (*Client, error) {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.servers) == 0 {
		return nil, errors.New("no server addresses")
	}
	if !strings.HasPrefix(cfg.pathPrefix, "/") {
		return nil, fmt.Errorf("path prefix %q is not absolute", cfg.pathPrefix)
	}
	if cfg.sessionTimeout <= 0 {
		return nil, fmt.Errorf("invalid session timeout %v", cfg.sessionTimeout)
	}

	dialer := transport.Dialer(cfg.dialer)
	if dialer == nil {
		var err error
		dialer, err = transport.NewDialer(cfg.proxyURL, cfg.sessionTimeout)
		if err != nil {
			return nil, err
		}
	}

	cfg.pathPrefix = slashRuns.ReplaceAllString(cfg.pathPrefix+"/", "/")

	logger := cfg.logger.New("obj", "client")
	return &Client{
		cfg:     cfg,
		session: session.New(cfg.logger, dialer, cfg.sessionTimeout),
		servers: delaypool.New(cfg.servers, 1.0, cfg.sessionTimeout, cfg.rng),
		Logger:  logger,
	}, nil
}

// AddSessionListener registers a state-change listener with the engine.
func (c *Client) AddSessionListener() *SessionListener {
	return c.session.AddListener()
}

// RemoveSessionListener detaches a listener and closes its channel.
func (c *Client) RemoveSessionListener(l *SessionListener) {
	c.session.RemoveListener(l)
}

// SessionID is the negotiated session id; zero before first negotiation.
func (c *Client) SessionID() int64 {
	return c.session.ID()
}

// Start launches the connect/dispatch loop and returns once the session has
// begun connecting. Cancelling ctx aborts the start and drives the session
// closed.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.runDone != nil {
		c.mu.Unlock()
		return ErrClientRunning
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.runStop = cancel
	c.runDone = done
	c.mu.Unlock()

	listener := c.session.AddListener()
	go c.run(runCtx, done)

	select {
	case <-listener.C():
		c.session.RemoveListener(listener)
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

// Stop cancels the run loop and blocks until it has wound down. Outstanding
// operations fail as if the session had expired.
func (c *Client) Stop() error {
	c.mu.Lock()
	done := c.runDone
	stop := c.runStop
	if done == nil {
		c.mu.Unlock()
		return ErrClientNotRunning
	}
	if c.stopping {
		c.mu.Unlock()
		<-done
		return nil
	}
	c.stopping = true
	c.mu.Unlock()

	stop()
	<-done
	return nil
}

// IsRunning reports whether the run loop is alive.
func (c *Client) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runDone != nil
}

// run walks the delay pool, connecting and dispatching until the pool is
// exhausted, the session fails terminally, or the client is stopped.
func (c *Client) run(ctx context.Context, done chan struct{}) {
	sessionTimeout := c.session.Timeout()

	defer func() {
		if !c.session.IsClosed() {
			c.session.Close()
		}
		c.session.RemoveAllListeners()
		c.servers.Reset(1.0, sessionTimeout)

		c.mu.Lock()
		c.runStop = nil
		c.runDone = nil
		c.stopping = false
		c.mu.Unlock()
		close(done)
	}()

	for {
		addr, ok, err := c.servers.Allocate(ctx)
		if err != nil {
			return // stopped
		}
		if !ok {
			c.Error("client connection failure",
				"session_id", fmt.Sprintf("%#x", c.session.ID()))
			return
		}

		c.Info("client connection",
			"session_id", fmt.Sprintf("%#x", c.session.ID()),
			"server", fmt.Sprintf("%s:%d", addr.Host, addr.Port))
		deadline := c.servers.NextAllocableAt()

		err = c.session.Connect(ctx, addr.Host, addr.Port, deadline, c.cfg.authInfos)
		if err == nil {
			sessionTimeout = c.session.Timeout()
			readTimeout := c.session.ReadTimeout()
			c.servers.Reset(float64(sessionTimeout)/float64(sessionTimeout-readTimeout), sessionTimeout)
			err = c.session.Dispatch(ctx)
		}

		if ctx.Err() != nil {
			return
		}
		if code, isWire := proto.CodeOf(err); isWire &&
			(code == proto.CodeSessionExpired || code == proto.CodeAuthFailed) {
			return
		}
		if c.session.IsClosed() {
			return
		}
		// Transient failure: the next pool allocation tries another server.
	}
}
