package connection

import (
	"time"

	"github.com/alxayo/go-moqrelay/internal/moq/reassembly"
	"github.com/alxayo/go-moqrelay/internal/moq/stream"
)

// ReassemblyAdapter bridges the core's per-fragment stream.Consumer contract
// (spec §6) to the ordered reassembly.Reassembler (spec §4.3), the wiring
// the distilled spec leaves implicit: every transport-facing consumer is
// backed by one Reassembler, and application code only ever sees whole,
// ordered objects through reassembly.Consumer.Deliver.
type ReassemblyAdapter struct {
	R *reassembly.Reassembler
}

// NewReassemblyAdapter creates an adapter that feeds fragments into r; r
// delivers the reassembled objects to its own reassembly.Consumer.
func NewReassemblyAdapter(r *reassembly.Reassembler) *ReassemblyAdapter {
	return &ReassemblyAdapter{R: r}
}

// DatagramReady feeds one arriving fragment into the reassembler (spec §6's
// "datagram_ready" consumer action).
func (a *ReassemblyAdapter) DatagramReady(now time.Time, group, object, offset, queueDelay uint64, flags byte, nbObjectsPreviousGroup, objectLength uint64, data []byte) error {
	return a.R.InputFragment(now, group, object, offset, queueDelay, flags, nbObjectsPreviousGroup, objectLength, data)
}

// FinalObjectID records the learned final-object boundary.
func (a *ReassemblyAdapter) FinalObjectID(group, object uint64) error {
	return a.R.LearnFinalObjectID(group, object)
}

// StartPoint records the learned late-join start point.
func (a *ReassemblyAdapter) StartPoint(group, object uint64) error {
	return a.R.LearnStartPoint(group, object)
}

// RealTimeCache is a no-op at the reassembly layer; cache-policy is a hint
// consumed by relay cache-maintenance code, not by object delivery.
func (a *ReassemblyAdapter) RealTimeCache(flag bool) error { return nil }

// Close is a no-op; the reassembler has no transport resources to release.
func (a *ReassemblyAdapter) Close(reason stream.CloseReason) {}
