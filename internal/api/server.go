package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/cc-bridge/internal/computer"
	"github.com/nerrad567/cc-bridge/internal/infrastructure/config"
	"github.com/nerrad567/cc-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/cc-bridge/internal/store"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Bridge is the computer-facing core the server drives.
type Bridge interface {
	Serve(ctx context.Context, t computer.Transport) error
	Dispatch(ctx context.Context, line string) (computer.Command, error)
	Confirm(ctx context.Context, line string) (bool, error)
	SetLabel(ctx context.Context, label string, verify bool) (bool, error)
	VerifyCommands() bool
	RequestUpdate(ctx context.Context) error
	Status() computer.Status
}

// UpdateReader reads stored computer updates.
type UpdateReader interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	List(ctx context.Context) ([]store.Entry, error)
}

// Connectivity is implemented by the optional fan-out clients.
type Connectivity interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config config.APIConfig
	WS     config.WebSocketConfig
	Logger *logging.Logger
	Bridge Bridge
	Store  UpdateReader

	// Optional; nil when the sink is disabled.
	MQTT     Connectivity
	NATS     Connectivity
	InfluxDB Connectivity

	StoreBackend string
	Version      string
}

// Server is the HTTP API server for CC Bridge.
//
// It manages the HTTP listener, routes, middleware, and computer WebSocket
// upgrades. The server is created with New() and started with Start().
type Server struct {
	cfg          config.APIConfig
	wsCfg        config.WebSocketConfig
	logger       *logging.Logger
	bridge       Bridge
	store        UpdateReader
	mqtt         Connectivity
	nats         Connectivity
	influx       Connectivity
	storeBackend string
	version      string
	startTime    time.Time

	server   *http.Server
	listener net.Listener

	// ctx outlives individual requests; hijacked device sockets are bound
	// to it so Close can end them.
	ctx     context.Context
	cancel  context.CancelFunc
	sockets sync.WaitGroup
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Logger, Bridge and Store are required
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:          deps.Config,
		wsCfg:        deps.WS,
		logger:       deps.Logger.Component("api"),
		bridge:       deps.Bridge,
		store:        deps.Store,
		mqtt:         deps.MQTT,
		nats:         deps.NATS,
		influx:       deps.InfluxDB,
		storeBackend: deps.StoreBackend,
		version:      deps.Version,
		startTime:    time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start binds the listener and serves HTTP in a background goroutine.
//
// Parameters:
//   - ctx: Cancelling it ends open device sockets, like Close
//
// Returns:
//   - error: If the address cannot be bound (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.ctx.Done():
		}
	}()

	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	s.logger.Info("API server listening", "address", ln.Addr().String(), "device_path", s.devicePath())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close ends open device sockets and gracefully shuts down the HTTP server,
// waiting up to 10 seconds for in-flight requests.
func (s *Server) Close() error {
	s.cancel()
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	s.sockets.Wait()
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

func (s *Server) devicePath() string {
	if s.wsCfg.Path == "" {
		return "/"
	}
	return s.wsCfg.Path
}
