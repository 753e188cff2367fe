package eventlog

import (
	"encoding/json"

	"github.com/run-vibes/vibes/internal/events"
)

// Record is one entry in the event log: a partition, its offset within
// that partition, and the decoded Event payload (spec.md §3
// EventLogRecord). Synthetic is true when Offset was assigned locally
// during a transport outage rather than by the broker itself (spec.md §9
// "Synthetic offsets during disconnect") — consumers must not assume a
// synthetic offset corresponds to the broker's authoritative sequence.
type Record struct {
	Partition uint32
	Offset    uint64
	Payload   events.Event
	Synthetic bool
}

// encode serializes an Event as the JSON payload placed on the wire
// (spec.md §6: "Payloads are JSON-serialized events").
func encode(e events.Event) ([]byte, error) {
	return json.Marshal(e)
}

func decode(data []byte) (events.Event, error) {
	var e events.Event
	err := json.Unmarshal(data, &e)
	return e, err
}
