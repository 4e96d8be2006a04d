package store

import "sync"

// Change is a changed-id set published to subscribers after an apply step.
// Observers diff against their own snapshots; they never receive references
// into the store's maps.
type Change struct {
	Sessions      []string
	Messages      map[string][]string
	Machines      []string
	Artifacts     []string
	Relationships []string
	Feed          bool
	Profile       bool
	Settings      bool
	Reset         bool
}

// notifier fans Change values out to subscribers. A slow subscriber drops
// notifications rather than blocking the apply path; the UI re-snapshots on
// its next read anyway.
type notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Change
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[int]chan Change)}
}

func (n *notifier) subscribe() (int, <-chan Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	ch := make(chan Change, 16)
	n.subs[id] = ch
	return id, ch
}

func (n *notifier) unsubscribe(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.subs[id]; ok {
		delete(n.subs, id)
		close(ch)
	}
}

func (n *notifier) publish(c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// Subscribe registers a read-only observer of store changes.
func (s *Store) Subscribe() (int, <-chan Change) {
	return s.notifier.subscribe()
}

// Unsubscribe removes an observer and closes its channel.
func (s *Store) Unsubscribe(id int) {
	s.notifier.unsubscribe(id)
}

// PublishMessages lets the engine announce reducer-changed message ids
// through the store's subscription without the store owning message state.
func (s *Store) PublishMessages(sessionID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	s.notifier.publish(Change{Messages: map[string][]string{sessionID: ids}})
}
