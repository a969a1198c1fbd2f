package stream

import (
	"github.com/stewardai/steward/internal/memory"
	"github.com/stewardai/steward/pkg/schema"
)

// MemoryObserver forwards working-memory mutations onto the bus as
// node_added / node_updated / timeline_update events. The bus only ever
// reads the memory's mutations; it never writes back.
type MemoryObserver struct {
	bus *Bus
}

// NewMemoryObserver creates an observer publishing to the given bus.
func NewMemoryObserver(bus *Bus) *MemoryObserver {
	return &MemoryObserver{bus: bus}
}

func (o *MemoryObserver) NodeAdded(sessionID string, node *memory.Node) {
	o.bus.Emit(sessionID, schema.EventNodeAdded, node)
}

func (o *MemoryObserver) NodeUpdated(sessionID string, node *memory.Node) {
	o.bus.Emit(sessionID, schema.EventNodeUpdated, node)
}

func (o *MemoryObserver) TimelineAppended(sessionID string, entry memory.TimelineEntry) {
	o.bus.Emit(sessionID, schema.EventTimelineUpdate, entry)
}
