package eventlog

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// SeekPosition names a consumer seek target (spec.md §4.4 seek).
type SeekPosition int

const (
	// SeekBeginning resets all partitions' next-read offsets to 0.
	SeekBeginning SeekPosition = iota
	// SeekEnd resets all partitions' next-read offsets to the current head.
	SeekEnd
	// SeekOffset resets all partitions' next-read offsets to a caller-supplied
	// value; the caller is responsible for uniformity if that matters.
	SeekOffset
)

// Consumer is a named consumer group with one JetStream pull consumer per
// partition and a manually committed per-partition offset (spec.md §4.4).
type Consumer struct {
	group string
	log   *logrus.Entry
	js    nats.JetStreamContext

	mu   sync.Mutex
	subs [PartitionCount]*nats.Subscription
}

// newConsumer creates (or resumes, via JetStream's durable consumer state)
// a named consumer group, with each partition's pull consumer initially
// delivering from the earliest un-acked message — durable persistence of
// next-read/last-committed offsets is delegated entirely to JetStream's own
// consumer state (spec.md §3 ConsumerOffset: "persisted in the Event Log's
// storage").
func newConsumer(js nats.JetStreamContext, group string, log *logrus.Entry) (*Consumer, error) {
	c := &Consumer{group: group, log: log.WithField("consumer_group", group), js: js}
	if err := c.bindAll(nats.DeliverAllPolicy, 0); err != nil {
		return nil, err
	}
	return c, nil
}

// bindAll (re)creates every partition's durable pull consumer with the
// given deliver policy, used both at construction and by Seek.
func (c *Consumer) bindAll(policy nats.DeliverPolicy, startSeq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for p := uint32(0); p < PartitionCount; p++ {
		streamN := fmt.Sprintf("%s_p%d", streamName, p)
		subject := subjectForPartition(p)
		durable := fmt.Sprintf("%s_p%d", c.group, p)

		opts := []nats.SubOpt{
			nats.Durable(durable),
			nats.ManualAck(),
			nats.AckExplicit(),
			policy,
		}
		if policy == nats.StartSequencePolicy {
			opts = append(opts, nats.StartSequence(startSeq))
		}

		sub, err := c.js.PullSubscribe(subject, durable, opts...)
		if err != nil {
			return fmt.Errorf("eventlog: bind consumer %s on %s: %w", durable, streamN, err)
		}
		if c.subs[p] != nil {
			c.subs[p].Unsubscribe()
		}
		c.subs[p] = sub
	}
	return nil
}

// PolledRecord is one record returned from Poll, carrying enough state
// (the underlying nats.Msg) for Commit to Ack it.
type PolledRecord struct {
	Record
	msg *nats.Msg
}

// Poll fetches up to maxCount records across all partitions, fanning the
// request out as ⌈maxCount/P⌉ per partition, and returns them sorted by
// (partition, offset) — a best-effort global ordering; only per-partition
// order is actually guaranteed (spec.md §4.4 poll).
func (c *Consumer) Poll(maxCount int, timeout time.Duration) ([]PolledRecord, error) {
	if maxCount <= 0 {
		maxCount = 1
	}
	perPartition := (maxCount + PartitionCount - 1) / PartitionCount

	c.mu.Lock()
	subs := c.subs
	c.mu.Unlock()

	var out []PolledRecord
	var transportErr error

	for p, sub := range subs {
		if sub == nil {
			continue
		}
		msgs, err := sub.Fetch(perPartition, nats.MaxWait(timeout))
		if err != nil && err != nats.ErrTimeout {
			transportErr = err
			continue
		}
		for _, msg := range msgs {
			e, decErr := decode(msg.Data)
			if decErr != nil {
				c.log.WithError(decErr).Error("eventlog: dropping unparseable record")
				msg.Ack()
				continue
			}
			meta, _ := msg.Metadata()
			var offset uint64
			if meta != nil {
				offset = meta.Sequence.Stream
			}
			out = append(out, PolledRecord{
				Record: Record{Partition: uint32(p), Offset: offset, Payload: e},
				msg:    msg,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Partition != out[j].Partition {
			return out[i].Partition < out[j].Partition
		}
		return out[i].Offset < out[j].Offset
	})

	if transportErr != nil {
		return out, fmt.Errorf("eventlog: poll transport error: %w", transportErr)
	}
	return out, nil
}

// Commit persists, for each partition touched by recs, next-read as
// last-committed via JetStream's own Ack (spec.md §4.4 commit: "the single
// offset argument is advisory; commits are per-partition").
func (c *Consumer) Commit(recs []PolledRecord) error {
	var firstErr error
	for _, r := range recs {
		if r.msg == nil {
			continue
		}
		if err := r.msg.Ack(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Seek repositions every partition's next-read offset.
func (c *Consumer) Seek(pos SeekPosition, offset uint64) error {
	switch pos {
	case SeekBeginning:
		return c.bindAll(nats.DeliverAllPolicy, 0)
	case SeekEnd:
		return c.bindAll(nats.DeliverLastPolicy, 0)
	case SeekOffset:
		return c.bindAll(nats.StartSequencePolicy, offset)
	default:
		return fmt.Errorf("eventlog: unknown seek position %v", pos)
	}
}

// Close unsubscribes every partition consumer. The durable consumer state
// itself remains in JetStream so a later Consumer with the same group name
// resumes from the committed offsets.
func (c *Consumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}
