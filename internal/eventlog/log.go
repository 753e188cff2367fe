package eventlog

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/run-vibes/vibes/internal/events"
)

// Log is the daemon's handle onto the event-log subsystem: it owns the
// embedded broker, the single shared Producer, and any number of named
// Consumers (spec.md §4.4).
type Log struct {
	broker   *Broker
	producer *Producer
	log      *logrus.Entry

	mu        sync.Mutex
	consumers map[string]*Consumer
}

// Open starts the embedded broker rooted at storeDir and the shared
// producer, readying the log for Append and OpenConsumer calls.
func Open(storeDir string, log *logrus.Logger) (*Log, error) {
	entry := log.WithField("component", "eventlog")

	b, err := StartBroker(storeDir)
	if err != nil {
		return nil, err
	}

	p, err := newProducer(b, entry)
	if err != nil {
		b.Shutdown()
		return nil, err
	}

	return &Log{
		broker:    b,
		producer:  p,
		log:       entry,
		consumers: make(map[string]*Consumer),
	}, nil
}

// Publish implements sessionmgr.EventSink and ptysession.EventSink: it
// appends e to the log, logging (but not surfacing) any serialization
// failure, since the in-process broadcast path (WebSocket fan-out, plugin
// dispatch) must not be blocked by the durable log's own error handling.
func (l *Log) Publish(e events.Event) {
	if _, err := l.producer.Append(e); err != nil {
		l.log.WithError(err).Error("eventlog: append failed")
	}
}

// Append appends a single event and returns its assigned Record.
func (l *Log) Append(e events.Event) (Record, error) {
	return l.producer.Append(e)
}

// AppendBatch appends events.Event in order and returns the Record of the
// last one.
func (l *Log) AppendBatch(evs []events.Event) (Record, error) {
	return l.producer.AppendBatch(evs)
}

// HighWaterMark returns the producer's local synthetic-offset counter.
func (l *Log) HighWaterMark() uint64 {
	return l.producer.HighWaterMark()
}

// OpenConsumer returns the named consumer group, creating its durable
// per-partition pull consumers on first use.
func (l *Log) OpenConsumer(group string) (*Consumer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.consumers[group]; ok {
		return c, nil
	}

	_, js, err := l.broker.connect()
	if err != nil {
		return nil, fmt.Errorf("eventlog: open consumer %q: %w", group, err)
	}
	if err := ensureStreams(js); err != nil {
		return nil, err
	}

	c, err := newConsumer(js, group, l.log)
	if err != nil {
		return nil, err
	}
	l.consumers[group] = c
	return c, nil
}

// Shutdown drains the producer's reconnect buffer within deadline and then
// closes every consumer, the producer, and the embedded broker, in that
// order (spec.md §4.6 shutdown step 3).
func (l *Log) Shutdown(deadline time.Duration) {
	l.producer.DrainWithDeadline(deadline)
	l.Close()
}

// Close tears down every open consumer, the producer, and the embedded
// broker, in that order.
func (l *Log) Close() {
	l.mu.Lock()
	for _, c := range l.consumers {
		c.Close()
	}
	l.mu.Unlock()

	l.producer.Close()
	l.broker.Shutdown()
}
