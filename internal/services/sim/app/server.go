package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	platformgrpc "github.com/louisbranch/princess.sim/internal/platform/grpc"
	"github.com/louisbranch/princess.sim/internal/platform/timeouts"
	"github.com/louisbranch/princess.sim/internal/services/sim/events"
	"github.com/louisbranch/princess.sim/internal/services/sim/room"
	"github.com/louisbranch/princess.sim/internal/services/sim/session"
	"github.com/louisbranch/princess.sim/internal/services/sim/storage"
	"github.com/louisbranch/princess.sim/internal/services/sim/storage/sqlite"
	"github.com/louisbranch/princess.sim/internal/services/sim/token"
)

// HealthService is the gRPC health service name a shard reports.
const HealthService = "princess.sim"

// Config defines the inputs for one sim shard process.
type Config struct {
	HTTPAddr string
	// GRPCAddr serves grpc.health.v1; empty disables it.
	GRPCAddr string
	ShardID  string
	DBPath   string

	TokenSecret     string
	TokenAlgorithms []string
	TokenIssuer     string
	TokenAudience   string

	// NATSURL enables event publishing when set.
	NATSURL      string
	NATSUser     string
	NATSPassword string

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the sim HTTP API, the realtime websocket, and the health probe.
type Server struct {
	httpAddr        string
	grpcAddr        string
	shardID         string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	health          *platformgrpc.HealthServer
	store           storage.Store
	publisher       *events.NATSPublisher
	rooms           *room.Registry
	closeOnce       sync.Once
}

// handlerDeps are the collaborators the HTTP routes need.
type handlerDeps struct {
	service   *session.Service
	validator tokenValidator
	rooms     *room.Registry
}

// newHandler builds the route table. The router is registered as the
// service's room closer so ending a session tears its room down.
func newHandler(deps handlerDeps) http.Handler {
	rt := newRouter(deps.service.ShardID(), deps.service, deps.validator, deps.rooms)
	deps.service.SetRoomCloser(rt)

	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(rt.handleConn)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	(&api{service: deps.service}).register(mux, deps.validator)
	return mux
}

// NewServer opens storage, connects the event bus, and builds the handler.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	shardID := strings.TrimSpace(config.ShardID)
	if shardID == "" {
		return nil, errors.New("shard id is required")
	}
	if strings.TrimSpace(config.DBPath) == "" {
		return nil, errors.New("db path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	validator, err := token.NewValidator(token.Config{
		Secret:     []byte(config.TokenSecret),
		Algorithms: config.TokenAlgorithms,
		Issuer:     config.TokenIssuer,
		Audience:   config.TokenAudience,
	})
	if err != nil {
		return nil, fmt.Errorf("token validator: %w", err)
	}

	store, err := sqlite.Open(config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sim store: %w", err)
	}

	var publisher *events.NATSPublisher
	var eventPublisher events.Publisher = events.Nop{}
	if strings.TrimSpace(config.NATSURL) != "" {
		publisher, err = events.Connect(events.ConnectOptions{
			URL:      config.NATSURL,
			User:     config.NATSUser,
			Password: config.NATSPassword,
			Name:     "princess-sim-" + shardID,
		})
		if err != nil {
			log.Printf("sim: nats connect failed, events disabled: %v", err)
		} else {
			eventPublisher = publisher
		}
	}

	service, err := session.New(session.Config{
		ShardID:   shardID,
		Store:     store,
		Publisher: eventPublisher,
		Logf:      log.Printf,
	})
	if err != nil {
		publisher.Close()
		_ = store.Close()
		return nil, fmt.Errorf("session service: %w", err)
	}

	rooms := room.NewRegistry(log.Printf)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(handlerDeps{service: service, validator: validator, rooms: rooms}),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	var health *platformgrpc.HealthServer
	grpcAddr := strings.TrimSpace(config.GRPCAddr)
	if grpcAddr != "" {
		health = platformgrpc.NewHealthServer(HealthService)
	}

	return &Server{
		httpAddr:        httpAddr,
		grpcAddr:        grpcAddr,
		shardID:         shardID,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		health:          health,
		store:           store,
		publisher:       publisher,
		rooms:           rooms,
	}, nil
}

// Run creates and serves a sim shard until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init sim server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve sim: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server (and the health server, when
// configured) until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("sim server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	healthErr := make(chan error, 1)
	if s.health != nil {
		listener, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			return fmt.Errorf("listen gRPC health %s: %w", s.grpcAddr, err)
		}
		log.Printf("sim: health listening shard=%q addr=%s", s.shardID, listener.Addr())
		go func() {
			healthErr <- s.health.Serve(healthCtx, listener)
		}()
		s.health.SetServing(true)
	}

	serveErr := make(chan error, 1)
	log.Printf("sim: server listening shard=%q addr=%s", s.shardID, s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.health.SetServing(false)
		s.rooms.CloseAll("server is shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		stopHealth()
		if s.health != nil {
			<-healthErr
		}
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-healthErr:
		_ = s.httpServer.Close()
		return err
	case err := <-serveErr:
		s.health.SetServing(false)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases storage and the event bus connection.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.rooms.CloseAll("server is shutting down")
		s.publisher.Close()
		if err := s.store.Close(); err != nil {
			log.Printf("sim: close store: %v", err)
		}
	})
}
