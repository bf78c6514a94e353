package events

import (
	"fmt"
	"os"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer runs a NATS server with JetStream enabled in-process.
// It never accepts external connections: Kagan's event bus is purely an
// internal decoupling mechanism between publishers and the automation
// engine's queue worker, so it always binds loopback on an ephemeral
// port unless a fixed port is configured for debugging.
type EmbeddedServer struct {
	port     int
	httpPort int
	storeDir string

	server *natsserver.Server
}

func NewEmbeddedServer(port, httpPort int, storeDir string) *EmbeddedServer {
	return &EmbeddedServer{port: port, httpPort: httpPort, storeDir: storeDir}
}

func (e *EmbeddedServer) Start() error {
	if e.storeDir == "" {
		return fmt.Errorf("events: store dir is required")
	}
	if err := os.MkdirAll(e.storeDir, 0o755); err != nil {
		return fmt.Errorf("create event store dir %s: %w", e.storeDir, err)
	}

	port := e.port
	if port == 0 {
		port = -1 // ephemeral
	}

	opts := &natsserver.Options{
		Host:         "127.0.0.1",
		Port:         port,
		HTTPPort:     e.httpPort,
		JetStream:    true,
		StoreDir:     e.storeDir,
		MaxPayload:   8 * 1024 * 1024,
		ServerName:   "kagan-core-events",
		NoLog:        true,
		NoSigs:       true,
		PingInterval: 2 * time.Minute,
		MaxPingsOut:  2,
	}

	server, err := natsserver.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create embedded NATS server: %w", err)
	}

	go server.Start()

	if !server.ReadyForConnections(10 * time.Second) {
		server.Shutdown()
		return fmt.Errorf("embedded NATS server failed to start within timeout")
	}

	e.server = server
	return nil
}

func (e *EmbeddedServer) Shutdown() {
	if e.server == nil {
		return
	}
	e.server.Shutdown()
	e.server.WaitForShutdown()
	e.server = nil
}

func (e *EmbeddedServer) IsRunning() bool {
	return e.server != nil && e.server.Running()
}

func (e *EmbeddedServer) ClientURL() string {
	if e.server == nil {
		return ""
	}
	return e.server.ClientURL()
}

func (e *EmbeddedServer) Server() *natsserver.Server {
	return e.server
}
