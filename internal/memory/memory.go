package memory

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stewardai/steward/pkg/schema"
)

// RootAgent owns the synthetic session root node.
const RootAgent = "session"

// Node is one entry in the session's working-memory tree. Parent→child
// links are ownership; the index holds non-owning back-references.
type Node struct {
	ID          string            `json:"id"`
	Agent       string            `json:"agent"`
	Type        schema.NodeType   `json:"node_type"`
	Description string            `json:"description"`
	Status      schema.NodeStatus `json:"status"`
	ParentID    string            `json:"parent_id,omitempty"`
	Content     json.RawMessage   `json:"content,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Children    []*Node           `json:"children,omitempty"`
}

// TimelineEntry is one row of the append-only session timeline.
type TimelineEntry struct {
	NodeID      string            `json:"node_id"`
	Agent       string            `json:"agent"`
	Type        schema.NodeType   `json:"node_type"`
	Description string            `json:"description"`
	Status      schema.NodeStatus `json:"status"`
}

// Observer receives working-memory mutations. The event bus implements
// this so stream consumers see every change without the memory ever
// reading from the bus. Nodes handed to the observer are detached
// copies: the live tree keeps mutating after the call returns.
type Observer interface {
	NodeAdded(sessionID string, node *Node)
	NodeUpdated(sessionID string, node *Node)
	TimelineAppended(sessionID string, entry TimelineEntry)
}

// NodeUpdate describes an in-place mutation of a node.
type NodeUpdate struct {
	Status    *schema.NodeStatus
	Content   json.RawMessage
	Completed bool
}

// WorkingMemory is the live, session-scoped record of everything a
// workflow has done. Single writer (the engine); all methods are guarded
// by a session-local mutex so a parallel batch can fold results safely.
type WorkingMemory struct {
	mu        sync.Mutex
	sessionID string
	root      *Node
	timeline  []TimelineEntry
	index     map[string]*Node
	observer  Observer
	now       func() time.Time
}

// New creates an empty WorkingMemory for the session with a synthetic root.
// observer may be nil.
func New(sessionID string, observer Observer) *WorkingMemory {
	root := &Node{
		ID:          uuid.New().String(),
		Agent:       RootAgent,
		Type:        schema.NodeThought,
		Description: "session root",
		Status:      schema.StatusRunning,
	}
	return &WorkingMemory{
		sessionID: sessionID,
		root:      root,
		index:     map[string]*Node{root.ID: root},
		observer:  observer,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SessionID returns the owning session.
func (m *WorkingMemory) SessionID() string { return m.sessionID }

// RootID returns the synthetic root node id.
func (m *WorkingMemory) RootID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root.ID
}

// AddNode inserts a new node under parentID (root when empty), appends a
// timeline entry, and indexes it. Returns the allocated node id.
func (m *WorkingMemory) AddNode(agent string, nodeType schema.NodeType, description, parentID string, content json.RawMessage) (string, error) {
	m.mu.Lock()

	parent := m.root
	if parentID != "" {
		p, ok := m.index[parentID]
		if !ok {
			m.mu.Unlock()
			return "", schema.NewErrorf(schema.ErrKindValidation, "parent node %s not found", parentID)
		}
		parent = p
	}

	node := &Node{
		ID:          uuid.New().String(),
		Agent:       agent,
		Type:        nodeType,
		Description: description,
		Status:      schema.StatusPending,
		ParentID:    parent.ID,
		Content:     content,
	}
	parent.Children = append(parent.Children, node)
	m.index[node.ID] = node

	entry := TimelineEntry{
		NodeID:      node.ID,
		Agent:       agent,
		Type:        nodeType,
		Description: description,
		Status:      node.Status,
	}
	m.timeline = append(m.timeline, entry)

	obs := m.observer
	var published *Node
	if obs != nil {
		published = cloneNode(node)
	}
	m.mu.Unlock()

	if obs != nil {
		obs.NodeAdded(m.sessionID, published)
		obs.TimelineAppended(m.sessionID, entry)
	}
	return node.ID, nil
}

// UpdateNode mutates a node in place. A timeline entry is appended only
// when the status actually changes; content-only writes do not grow the
// timeline. Completing stamps completed_at.
func (m *WorkingMemory) UpdateNode(id string, upd NodeUpdate) error {
	m.mu.Lock()

	node, ok := m.index[id]
	if !ok {
		m.mu.Unlock()
		return schema.NewErrorf(schema.ErrKindValidation, "node %s not found", id)
	}

	statusChanged := false
	if upd.Status != nil && *upd.Status != node.Status {
		node.Status = *upd.Status
		statusChanged = true
	}
	if upd.Content != nil {
		node.Content = upd.Content
	}
	if upd.Completed && node.CompletedAt == nil {
		t := m.now()
		node.CompletedAt = &t
	}

	var entry TimelineEntry
	if statusChanged {
		entry = TimelineEntry{
			NodeID:      node.ID,
			Agent:       node.Agent,
			Type:        node.Type,
			Description: node.Description,
			Status:      node.Status,
		}
		m.timeline = append(m.timeline, entry)
	}

	obs := m.observer
	var published *Node
	if obs != nil {
		published = cloneNode(node)
	}
	m.mu.Unlock()

	if obs != nil {
		obs.NodeUpdated(m.sessionID, published)
		if statusChanged {
			obs.TimelineAppended(m.sessionID, entry)
		}
	}
	return nil
}

// Get returns the node with the given id, or nil.
func (m *WorkingMemory) Get(id string) *Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index[id]
}

// TimelineLen returns the number of timeline entries.
func (m *WorkingMemory) TimelineLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timeline)
}

// Snapshot is the serializable form of a session's working memory.
// The tree owns the nodes; Index lists the indexed ids in sorted order so
// the snapshot is deterministic and round-trips byte-identically.
type Snapshot struct {
	SessionID string          `json:"session_id"`
	Tree      *Node           `json:"tree"`
	Timeline  []TimelineEntry `json:"timeline"`
	Index     []string        `json:"index"`
}

// ToSnapshot serializes {tree, timeline, index} for persistence handoff
// or for bootstrapping a late subscriber with full current state.
func (m *WorkingMemory) ToSnapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.index))
	for id := range m.index {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	timeline := make([]TimelineEntry, len(m.timeline))
	copy(timeline, m.timeline)

	return &Snapshot{
		SessionID: m.sessionID,
		Tree:      cloneNode(m.root),
		Timeline:  timeline,
		Index:     ids,
	}
}

// FromSnapshot rebuilds a WorkingMemory from a snapshot. The index is
// reconstructed from the tree; the snapshot's index list is the recorded
// set of ids and must match.
func FromSnapshot(s *Snapshot, observer Observer) (*WorkingMemory, error) {
	if s == nil || s.Tree == nil {
		return nil, schema.NewError(schema.ErrKindValidation, "snapshot has no tree")
	}

	m := &WorkingMemory{
		sessionID: s.SessionID,
		root:      cloneNode(s.Tree),
		timeline:  append([]TimelineEntry(nil), s.Timeline...),
		index:     make(map[string]*Node),
		observer:  observer,
		now:       func() time.Time { return time.Now().UTC() },
	}
	indexTree(m.root, m.index)

	if len(m.index) != len(s.Index) {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"snapshot index lists %d nodes, tree has %d", len(s.Index), len(m.index))
	}
	for _, id := range s.Index {
		if _, ok := m.index[id]; !ok {
			return nil, schema.NewErrorf(schema.ErrKindValidation, "snapshot index id %s not in tree", id)
		}
	}
	return m, nil
}

func indexTree(n *Node, idx map[string]*Node) {
	idx[n.ID] = n
	for _, c := range n.Children {
		indexTree(c, idx)
	}
}

func cloneNode(n *Node) *Node {
	cp := *n
	if n.CompletedAt != nil {
		t := *n.CompletedAt
		cp.CompletedAt = &t
	}
	if n.Content != nil {
		cp.Content = append(json.RawMessage(nil), n.Content...)
	}
	cp.Children = make([]*Node, len(n.Children))
	for i, c := range n.Children {
		cp.Children[i] = cloneNode(c)
	}
	if len(cp.Children) == 0 {
		cp.Children = nil
	}
	return &cp
}
