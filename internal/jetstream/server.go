package jetstream

import (
	"fmt"
	"time"

	server "github.com/nats-io/nats-server/v2/server"
	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const readyTimeout = 5 * time.Second

// Embedded is an in-process JetStream server. It opens no listener; clients
// reach it only through Open.
type Embedded struct {
	ns       *server.Server
	storeDir string
}

// Start boots the server with file storage under storeDir.
func Start(storeDir string) (*Embedded, error) {
	ns, err := server.NewServer(&server.Options{
		ServerName: "edgechat",
		DontListen: true,
		JetStream:  true,
		StoreDir:   storeDir,
		NoSigs:     true,
		NoLog:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("configure embedded nats: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded nats not ready after %s", readyTimeout)
	}

	log.Debug().Str("store_dir", storeDir).Msg("embedded jetstream started")
	return &Embedded{ns: ns, storeDir: storeDir}, nil
}

// Open connects in-process and makes sure the request stream exists.
func (e *Embedded) Open() (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(e.ns.ClientURL(), nats.InProcessServer(e.ns), nats.Name("edgechat"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to embedded nats: %w", err)
	}

	js, err := nc.JetStream()
	if err == nil {
		err = EnsureStream(js)
	}
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("set up jetstream: %w", err)
	}
	return nc, js, nil
}

func (e *Embedded) Shutdown() {
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
	log.Debug().Str("store_dir", e.storeDir).Msg("embedded jetstream stopped")
}
