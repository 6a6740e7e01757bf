package daemon

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"harness/harnesserr"
)

// EnvConfig is the daemon's environment-sourced configuration (spec §6's
// "Environment" interface): HARNESS_ENDPOINT, HARNESS_DATA_DIR,
// HARNESS_LOG_LEVEL.
type EnvConfig struct {
	Endpoint string
	DataDir  string
	LogLevel string
}

// ConfigFromEnv reads EnvConfig from the process environment, applying the
// same defaults rigd's flag defaults use (loopback, info level).
func ConfigFromEnv() EnvConfig {
	cfg := EnvConfig{
		Endpoint: os.Getenv("HARNESS_ENDPOINT"),
		DataDir:  os.Getenv("HARNESS_DATA_DIR"),
		LogLevel: os.Getenv("HARNESS_LOG_LEVEL"),
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "127.0.0.1:4777"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".harness"
	}
	return filepath.Join(home, ".harness")
}

// Server accepts TLS websocket connections and dispatches their requests
// through Actions. Transport is gorilla/websocket (already load-bearing in
// the teacher's dependency graph via docker-compose's exec/attach
// streaming) wrapped in a crypto/tls.Config built from DataDir-resident
// cert/key material — certificate generation is out of scope per spec.md
// §1, so Run fails fast if the files are absent.
type Server struct {
	cfg     EnvConfig
	actions *Actions
	log     *logrus.Logger

	upgrader websocket.Upgrader
	http     *http.Server
}

// NewServer builds a Server. Call Run to accept connections.
func NewServer(cfg EnvConfig, actions *Actions, log *logrus.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		actions:  actions,
		log:      log,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebsocket)
	s.http = &http.Server{Handler: mux}
	return s
}

// Run loads TLS material from cfg.DataDir, listens on cfg.Endpoint, and
// serves until ctx is cancelled, then shuts down gracefully (mirroring
// rigd's main: serve in the background, select on ctx/serve-error, then
// Shutdown with a bounded grace period).
func (s *Server) Run(ctx context.Context) error {
	certFile := filepath.Join(s.cfg.DataDir, "tls.crt")
	keyFile := filepath.Join(s.cfg.DataDir, "tls.key")
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return harnesserr.Wrap(harnesserr.InvalidConfig, err, "daemon: load TLS material from %s", s.cfg.DataDir)
	}
	s.http.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}

	ln, err := tls.Listen("tcp", s.cfg.Endpoint, s.http.TLSConfig)
	if err != nil {
		return harnesserr.Wrap(harnesserr.SpawnFailed, err, "daemon: listen on %s", s.cfg.Endpoint)
	}

	s.log.WithField("endpoint", s.cfg.Endpoint).Info("daemon: listening")

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.http.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return harnesserr.Wrap(harnesserr.TransportBroken, err, "daemon: serve")
		}
		return nil
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("daemon: upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := NewSession(conn, s.log.WithField("remote", conn.RemoteAddr()))
	defer sess.Close()
	go sess.Run(ctx)

	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			if !isCloseError(err) {
				sess.log.WithError(err).Debug("daemon: read failed")
			}
			return
		}
		if req.Type != FrameRequest {
			sess.Send(NewErrorResponse(req.ID, harnesserr.New(harnesserr.Malformed, "daemon: expected request frame, got %q", req.Type)))
			continue
		}
		go func(req Request) {
			sess.Send(s.actions.Dispatch(ctx, sess, req))
		}(req)
	}
}

func isCloseError(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
	) || err == net.ErrClosed
}
