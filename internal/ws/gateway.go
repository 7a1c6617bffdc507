package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/richtext-sync/internal/types"
)

// Authenticator verifies the inbound HTTP request before the connection is
// upgraded to WebSocket.
type Authenticator interface {
	Authenticate(r *http.Request) (ClientIdentity, error)
}

// AuthFunc is an adapter to allow the use of ordinary functions as authenticators.
type AuthFunc func(r *http.Request) (ClientIdentity, error)

// Authenticate implements Authenticator.
func (f AuthFunc) Authenticate(r *http.Request) (ClientIdentity, error) {
	return f(r)
}

// QueryAuthenticator trusts the client_id query parameter.
var QueryAuthenticator = AuthFunc(func(r *http.Request) (ClientIdentity, error) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		return ClientIdentity{}, errors.New("missing client_id")
	}
	return ClientIdentity{ClientID: types.ClientID(clientID)}, nil
})

// GatewayConfig controls the runtime behaviour of the WebSocket gateway.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
	MaxMessageSize     int64
	// CheckOrigin overrides the same-origin check of the upgrader. Nil
	// accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// Gateway upgrades HTTP requests into WebSocket connections, validates
// authentication, and wires them into the ConnectionRegistry.
type Gateway struct {
	auth     Authenticator
	registry *ConnectionRegistry
	logger   zerolog.Logger
	hooks    Hooks
	cfg      GatewayConfig
	upgrader websocket.Upgrader
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(auth Authenticator, registry *ConnectionRegistry, logger zerolog.Logger, hooks Hooks, cfg GatewayConfig) (*Gateway, error) {
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if registry == nil {
		return nil, errors.New("connection registry is required")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 8 << 20
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Gateway{
		auth:     auth,
		registry: registry,
		logger:   logger,
		hooks:    hooks,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	identity, err := g.auth.Authenticate(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	documentID := types.DocumentID(r.URL.Query().Get("document_id"))
	if identity.DocumentID != "" {
		documentID = identity.DocumentID
	}
	if documentID == "" {
		http.Error(w, "missing document_id", http.StatusBadRequest)
		return
	}
	if identity.ClientID == "" {
		http.Error(w, "missing client identity", http.StatusUnauthorized)
		return
	}

	start := time.Now()
	wsConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		g.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	gatewayUpgradeLatency.WithLabelValues(string(documentID)).Observe(time.Since(start).Seconds())

	childLogger := g.logger.With().Str("document", string(documentID)).Str("client", string(identity.ClientID)).Logger()
	var connection *Connection
	connection = newConnection(wsConn, identity, documentID, g.registry, childLogger, connectionOptions{
		heartbeatInterval:  g.cfg.HeartbeatInterval,
		heartbeatTolerance: g.cfg.HeartbeatTolerance,
		sendBufferSize:     g.cfg.SendBuffer,
		writeTimeout:       g.cfg.WriteTimeout,
		maxMessageSize:     g.cfg.MaxMessageSize,
	}, func() {
		g.registry.Unregister(documentID, connection)
	})

	g.registry.Register(documentID, connection)
	childLogger.Info().Msg("websocket connection established")

	go connection.Run(g.hooks)
}
