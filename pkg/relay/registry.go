package relay

import (
	"io"
	"reflect"
	"sync"
	"time"

	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"

	"github.com/picatz/wsrelay/pkg/clock"
	"github.com/picatz/wsrelay/pkg/metrics"
	"github.com/picatz/wsrelay/pkg/websocket"
)

// Hub is the set of operations a connection handler needs from the client
// registry. *Registry implements it; tests may substitute their own.
type Hub interface {
	// Join registers w under id, replacing any previous entry.
	Join(id string, w io.Writer)

	// Leave removes id if it is still registered to w. It is a no-op when
	// id is not registered or was replaced by a later Join.
	Leave(id string, w io.Writer)

	// Broadcast sends message to every registered client.
	Broadcast(message []byte) error
}

// member is a registered client. The registry does not own w; closing it
// is left to the connection handler that joined it.
type member struct {
	mu     sync.Mutex
	w      io.Writer
	joined time.Time
}

func (m *member) send(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.w.Write(frame)
	if err == nil && n != len(frame) {
		err = io.ErrShortWrite
	}
	return err
}

// Registry maps client identities to their outbound connections. It is
// safe for concurrent use.
//
// Identities are not guaranteed unique over the registry's lifetime: a
// Join with an existing identity silently replaces the old entry.
type Registry struct {
	// contains filtered or unexported fields
	mu      sync.RWMutex
	members map[string]*member

	// Clock is used to stamp when clients join.
	Clock clock.Face

	// Logger is the logger used to log messages.
	Logger *slog.Logger

	// Metrics records registry activity. May be nil.
	Metrics *metrics.Relay
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		members: make(map[string]*member),
		Clock:   clock.System{},
		Logger:  slog.Default().WithGroup("relay/registry"),
	}
}

// Join registers w under id. An existing entry for id is replaced.
func (r *Registry) Join(id string, w io.Writer) {
	m := &member{w: w, joined: r.Clock.Now()}

	r.mu.Lock()
	_, replaced := r.members[id]
	r.members[id] = m
	total := len(r.members)
	r.mu.Unlock()

	if replaced {
		r.Logger.Warn("client identity reused, replacing entry", "client", id)
	} else {
		r.Metrics.ClientJoined()
	}
	r.Logger.Info("client joined", "client", id, "clients", total)
}

// Leave removes id from the registry if it is still registered to w. When
// id was rejoined by another writer in the meantime the newer entry is kept.
// A nil w removes id whatever writer it maps to.
func (r *Registry) Leave(id string, w io.Writer) {
	r.mu.Lock()
	m, ok := r.members[id]
	if ok && w != nil && !sameWriter(m.w, w) {
		r.mu.Unlock()
		r.Logger.Debug("stale leave ignored", "client", id)
		return
	}
	if ok {
		delete(r.members, id)
	}
	total := len(r.members)
	r.mu.Unlock()

	if !ok {
		return
	}

	r.Metrics.ClientLeft()
	r.Logger.Info("client left",
		"client", id,
		"clients", total,
		"duration", r.Clock.Now().Sub(m.joined),
	)
}

// sameWriter reports whether a and b are the same writer. Writers whose
// dynamic type is not comparable never match.
func sameWriter(a, b io.Writer) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// Broadcast encodes message once and writes the frame to every client
// registered when the call begins, in no particular order. A failed write
// to one client is logged and does not stop delivery to the others.
//
// The only error returned is websocket.ErrMessageTooLong, in which case
// nothing is sent.
func (r *Registry) Broadcast(message []byte) error {
	frame, err := websocket.Encode(message)
	if err != nil {
		return err
	}

	r.mu.RLock()
	recipients := make(map[string]*member, len(r.members))
	for id, m := range r.members {
		recipients[id] = m
	}
	r.mu.RUnlock()

	r.Metrics.Broadcast()

	for id, m := range recipients {
		if err := m.send(frame); err != nil {
			r.Metrics.SendFailed()
			r.Logger.Warn("broadcast send failed",
				"client", id,
				"error", &TransportError{Op: opWrite, Client: id, Err: err},
			)
		}
	}
	return nil
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Clients returns the registered identities in sorted order.
func (r *Registry) Clients() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids
}
