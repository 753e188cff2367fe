// Package eventlog implements the append-only, partitioned event stream
// with manual-commit consumer groups described in spec.md §4.4.
//
// The transport is an embedded NATS JetStream broker (spec.md §6: "the
// log's transport is an external process ... the daemon's consumer of this
// service uses its native client library"). github.com/nats-io/nats-server/v2
// and github.com/nats-io/nats.go are the pack's one real example of a
// broker that embeds as a library while still being driven over its own
// network client (see the nabbar-golib and helixml-helix go.mod manifests
// in the retrieval pack); embedding it in-process keeps the MVP to a single
// daemon binary with no separate broker process to manage, matching
// spec.md §6's "default root credentials acceptable for a local
// subprocess."
package eventlog

import (
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// streamName is the one logical topic named by spec.md §6 ("one stream
// named vibes, one topic events").
const streamName = "vibes"

// streamSubjectPrefix namespaces the per-partition subjects under the
// "events" topic.
const streamSubjectPrefix = "vibes.events.p"

// Broker owns an embedded, in-process NATS JetStream server.
type Broker struct {
	srv *server.Server
	url string
}

// StartBroker launches an embedded JetStream-enabled NATS server rooted at
// storeDir. No compression, no expiry, server-default max size, and
// default (no) credentials, per spec.md §6.
func StartBroker(storeDir string) (*Broker, error) {
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create store dir: %w", err)
	}

	opts := &server.Options{
		JetStream: true,
		StoreDir:  storeDir,
		Host:      "127.0.0.1",
		Port:      -1, // let the OS assign a free local port
		NoLog:     true,
		NoSigs:    true,
	}

	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("eventlog: new embedded server: %w", err)
	}

	srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		return nil, fmt.Errorf("eventlog: embedded server did not become ready")
	}

	return &Broker{srv: srv, url: srv.ClientURL()}, nil
}

// URL returns the client connection URL for the embedded broker.
func (b *Broker) URL() string { return b.url }

// Shutdown stops the embedded broker, waiting for in-flight connections to
// drain.
func (b *Broker) Shutdown() {
	b.srv.Shutdown()
	b.srv.WaitForShutdown()
}

// connect opens a client connection and JetStream context against the
// broker. A failed initial dial is returned at once, not retried; once
// connected, the client reconnects on its own every second without limit.
func (b *Broker) connect() (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(b.url, nats.MaxReconnects(-1), nats.ReconnectWait(time.Second))
	if err != nil {
		return nil, nil, fmt.Errorf("eventlog: connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("eventlog: jetstream context: %w", err)
	}
	return nc, js, nil
}

// ensureStreams creates the one JetStream stream per partition if it does
// not already exist. Each stream holds exactly its partition's subject, no
// compression, no expiry (MaxAge 0), server-default MaxBytes.
func ensureStreams(js nats.JetStreamContext) error {
	for p := uint32(0); p < PartitionCount; p++ {
		subject := subjectForPartition(p)
		name := fmt.Sprintf("%s_p%d", streamName, p)
		_, err := js.StreamInfo(name)
		if err == nil {
			continue
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      name,
			Subjects:  []string{subject},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("eventlog: add stream %s: %w", name, err)
		}
	}
	return nil
}
