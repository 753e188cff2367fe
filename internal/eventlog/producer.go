package eventlog

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/run-vibes/vibes/internal/events"
)

// reconnectBufferLimit bounds the number of events buffered in-memory while
// the broker connection is down (spec.md §4.4 "Reconnect buffer": default
// 10,000 events).
const reconnectBufferLimit = 10000

// reconnectBackoff is the delay between reconnect attempts (spec.md §5
// "Event-log reconnect backoff: 1 s between attempts").
const reconnectBackoff = 1 * time.Second

// Producer appends events to the partitioned log. Appends never block on
// transport: on a connection-class failure the event is buffered in-memory
// and a background goroutine drives reconnect, flushing the buffer in FIFO
// order once the connection is restored (spec.md §4.4).
type Producer struct {
	log *logrus.Entry

	mu        sync.Mutex
	nc        *nats.Conn
	js        nats.JetStreamContext
	connected bool

	bufMu      sync.Mutex
	buf        *list.List // of bufferedEvent
	syntheticN atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

type bufferedEvent struct {
	event   events.Event
	subject string
}

// newProducer connects to the broker and ensures the per-partition streams
// exist, then starts the background reconnect watcher.
func newProducer(b *Broker, log *logrus.Entry) (*Producer, error) {
	p := &Producer{
		log:    log,
		buf:    list.New(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	nc, js, err := b.connect()
	if err == nil {
		if err := ensureStreams(js); err != nil {
			nc.Close()
			return nil, err
		}
		p.nc, p.js, p.connected = nc, js, true
	} else {
		log.WithError(err).Warn("eventlog: producer initial connect failed; entering buffered mode")
	}

	go p.reconnectLoop(b)
	return p, nil
}

// Append publishes a single event and returns its assigned Record. On a
// connection failure the event is buffered and a synthetic, locally
// monotonic offset is returned instead (spec.md §4.4 append contract).
func (p *Producer) Append(e events.Event) (Record, error) {
	partition := partitionFor(e.PartitionKey())
	subject := subjectForPartition(partition)

	payload, err := encode(e)
	if err != nil {
		// Serialization errors are fatal to this event: log, drop, surface
		// to the caller (spec.md §4.4 failure semantics). No count of
		// dropped events is kept.
		p.log.WithError(err).Error("eventlog: serialization failure, event dropped")
		return Record{}, err
	}

	p.mu.Lock()
	js, connected := p.js, p.connected
	p.mu.Unlock()

	if connected {
		ack, err := js.Publish(subject, payload)
		if err == nil {
			return Record{Partition: partition, Offset: ack.Sequence, Payload: e}, nil
		}
		p.log.WithError(err).Warn("eventlog: publish failed, falling back to reconnect buffer")
		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()
	}

	return p.bufferAndSynthesize(e, subject, partition), nil
}

// AppendBatch publishes events in order and returns the Record of the last
// one (spec.md §4.4 append_batch).
func (p *Producer) AppendBatch(evs []events.Event) (Record, error) {
	var last Record
	for _, e := range evs {
		r, err := p.Append(e)
		if err != nil {
			return last, err
		}
		last = r
	}
	return last, nil
}

func (p *Producer) bufferAndSynthesize(e events.Event, subject string, partition uint32) Record {
	p.bufMu.Lock()
	if p.buf.Len() >= reconnectBufferLimit {
		oldest := p.buf.Front()
		p.buf.Remove(oldest)
		p.log.Warn("eventlog: reconnect buffer overflow, dropped oldest buffered event")
	}
	p.buf.PushBack(bufferedEvent{event: e, subject: subject})
	p.bufMu.Unlock()

	offset := uint64(p.syntheticN.Add(1))
	return Record{Partition: partition, Offset: offset, Payload: e, Synthetic: true}
}

// HighWaterMark returns the local synthetic-offset counter. Per spec.md
// §4.4 it is opaque and only meant for "end" seeks during an outage.
func (p *Producer) HighWaterMark() uint64 {
	return uint64(p.syntheticN.Load())
}

// reconnectLoop retries the broker connection every reconnectBackoff while
// disconnected, and flushes the reconnect buffer in FIFO order once
// reconnected, before any newly produced events (spec.md §4.4).
func (p *Producer) reconnectLoop(b *Broker) {
	defer close(p.doneCh)
	ticker := time.NewTicker(reconnectBackoff)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.mu.Lock()
			connected := p.connected
			p.mu.Unlock()
			if connected {
				continue
			}

			nc, js, err := b.connect()
			if err != nil {
				continue
			}
			if err := ensureStreams(js); err != nil {
				nc.Close()
				continue
			}

			p.mu.Lock()
			p.nc, p.js, p.connected = nc, js, true
			p.mu.Unlock()

			p.flushBuffer()
		}
	}
}

func (p *Producer) flushBuffer() {
	for {
		p.bufMu.Lock()
		front := p.buf.Front()
		if front == nil {
			p.bufMu.Unlock()
			return
		}
		be := front.Value.(bufferedEvent)
		p.bufMu.Unlock()

		payload, err := encode(be.event)
		if err != nil {
			p.bufMu.Lock()
			p.buf.Remove(front)
			p.bufMu.Unlock()
			continue
		}

		p.mu.Lock()
		js := p.js
		p.mu.Unlock()

		if _, err := js.Publish(be.subject, payload); err != nil {
			p.mu.Lock()
			p.connected = false
			p.mu.Unlock()
			return
		}

		p.bufMu.Lock()
		p.buf.Remove(front)
		p.bufMu.Unlock()
	}
}

// DrainWithDeadline attempts to flush any buffered events, reconnecting if
// necessary, but never waits longer than deadline — shutdown must not hang
// forever on a broker that stays unreachable (spec.md §4.6 shutdown step 3).
func (p *Producer) DrainWithDeadline(deadline time.Duration) {
	cutoff := time.After(deadline)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		p.bufMu.Lock()
		empty := p.buf.Len() == 0
		p.bufMu.Unlock()
		if empty {
			return
		}

		select {
		case <-cutoff:
			p.log.Warn("eventlog: shutdown deadline reached with events still buffered")
			return
		case <-ticker.C:
			p.mu.Lock()
			connected := p.connected
			p.mu.Unlock()
			if connected {
				p.flushBuffer()
			}
		}
	}
}

// Close stops the reconnect loop and closes the underlying connection.
func (p *Producer) Close() {
	close(p.stopCh)
	<-p.doneCh
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nc != nil {
		p.nc.Close()
	}
}
