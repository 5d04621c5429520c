package libzk

import (
	"math/rand"
	"net"
	"net/url"
	"time"

	log "github.com/inconshreveable/log15"

	"github.com/ensemblelabs/libzk-go/proto"
)

// ServerAddress is one ensemble endpoint.
type ServerAddress struct {
	Host string
	Port int
}

// Dialer produces the underlying stream; it matches x/net/proxy.Dialer so
// proxy dialers drop in directly.
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

const defaultSessionTimeout = 5 * time.Second

type clientConfig struct {
	servers        []ServerAddress
	sessionTimeout time.Duration
	pathPrefix     string
	authInfos      []AuthInfo
	defaultACL     []proto.ACL
	logger         log.Logger
	proxyURL       *url.URL
	dialer         Dialer
	rng            *rand.Rand
}

// ClientOption configures a Client at construction.
type ClientOption func(*clientConfig)

func defaultClientConfig() clientConfig {
	logger := log.New()
	logger.SetHandler(log.DiscardHandler())
	return clientConfig{
		servers:        []ServerAddress{{Host: "127.0.0.1", Port: 2181}},
		sessionTimeout: defaultSessionTimeout,
		pathPrefix:     "/",
		defaultACL:     []proto.ACL{proto.OpenACLUnsafe},
		logger:         logger,
	}
}

// WithServers sets the ensemble endpoints the client rotates through.
func WithServers(servers ...ServerAddress) ClientOption {
	return func(cfg *clientConfig) {
		cfg.servers = servers
	}
}

// WithSessionTimeout sets the requested session timeout. The server may
// negotiate it down; the negotiated value governs ping and read deadlines.
func WithSessionTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.sessionTimeout = timeout
	}
}

// WithPathPrefix roots every relative path under the given absolute prefix.
func WithPathPrefix(prefix string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.pathPrefix = prefix
	}
}

// WithAuth adds a credential presented after every (re)connect.
func WithAuth(scheme string, auth []byte) ClientOption {
	return func(cfg *clientConfig) {
		cfg.authInfos = append(cfg.authInfos, AuthInfo{Scheme: scheme, Auth: auth})
	}
}

// WithDefaultACL sets the ACL applied when a create passes none.
func WithDefaultACL(acl ...proto.ACL) ClientOption {
	return func(cfg *clientConfig) {
		cfg.defaultACL = acl
	}
}

// WithLogger routes the client's structured logs to the given logger.
func WithLogger(logger log.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithProxyURL dials the ensemble through the given proxy (socks5 and
// friends, per x/net/proxy).
func WithProxyURL(u *url.URL) ClientOption {
	return func(cfg *clientConfig) {
		cfg.proxyURL = u
	}
}

// WithDialer swaps the transport's dialer entirely, overriding WithProxyURL.
func WithDialer(dialer Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// withRand injects the PRNG driving server rotation; tests use it for
// deterministic ordering.
func withRand(rng *rand.Rand) ClientOption {
	return func(cfg *clientConfig) {
		cfg.rng = rng
	}
}

// CallOption adjusts a single operation.
type CallOption func(*callOptions)

type callOptions struct {
	autoRetry bool
}

// WithAutoRetry re-queues the operation across reconnects instead of
// failing it with a connection loss. Terminal session errors still fail it.
func WithAutoRetry() CallOption {
	return func(o *callOptions) {
		o.autoRetry = true
	}
}

func applyCallOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
