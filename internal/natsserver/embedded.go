package natsserver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/loqalabs/loqa-speechd/internal/config"
)

// EmbeddedServer runs a NATS server inside the speech daemon so the bus works on a
// single host without a separate broker.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start boots the server on cfg.Port, or on a random port when cfg.Port is -1.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	opts := &server.Options{
		ServerName: "loqa-speechd",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		JetStream:  cfg.StoreDir != "",
		StoreDir:   cfg.StoreDir,
		NoSigs:     true,
		NoLog:      true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server failed to start within 5 seconds")
	}
	log.Info("embedded NATS server started", slog.String("url", ns.ClientURL()))

	return &EmbeddedServer{ns: ns, log: log}, nil
}

// ClientURL is the address clients should dial.
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
