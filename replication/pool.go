package replication

import (
	"errors"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrNotAuthoritative = errors.New("operation requires the authoritative pool")
	ErrMirror           = errors.New("operation requires a mirror pool")
	ErrUnknownObject    = errors.New("unknown network object")
	ErrMalformedEntry   = errors.New("malformed replication entry")
	ErrWrongKind        = errors.New("network object has a different kind")
)

// Entry is one object in a replication batch
type Entry struct {
	ID      uint64             `msgpack:"id"`
	Version uint64             `msgpack:"version"`
	Kind    Kind               `msgpack:"kind"`
	Dying   bool               `msgpack:"dying"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// Batch is the set of changes sent in one Synchronize action
type Batch struct {
	Entries []Entry `msgpack:"entries"`
}

func (b Batch) Empty() bool {
	return len(b.Entries) == 0
}

type EventType int

const (
	Spawned EventType = iota
	Synchronized
	Died
)

func (t EventType) String() string {
	switch t {
	case Spawned:
		return "spawned"
	case Synchronized:
		return "synchronized"
	case Died:
		return "died"
	default:
		return "unknown"
	}
}

// Event reports what applying a batch did to a mirror. State is a copy of the mirror's new state.
type Event struct {
	Type  EventType
	ID    uint64
	Kind  Kind
	State State
}

// Object is one replicated entity
type Object struct {
	id        uint64
	version   uint64
	state     State
	dirty     bool
	destroyed bool
}

func (o *Object) ID() uint64 {
	return o.id
}

func (o *Object) Version() uint64 {
	return o.version
}

func (o *Object) entry() (Entry, error) {
	payload, err := encodeState(o.state)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s %d: %w", o.state.Kind(), o.id, err)
	}
	return Entry{
		ID:      o.id,
		Version: o.version,
		Kind:    o.state.Kind(),
		Dying:   o.destroyed,
		Payload: payload,
	}, nil
}

// Pool holds network objects. An authoritative pool is the single writer for every id it
// spawns; a mirror only ever changes through Synchronize.
type Pool struct {
	authoritative bool
	nextID        uint64
	objects       map[uint64]*Object
	tombstones    map[uint64]struct{}
}

// NewPool creates the authoritative pool of a game server
func NewPool() *Pool {
	return &Pool{
		authoritative: true,
		objects:       make(map[uint64]*Object),
	}
}

// NewMirror creates an observing pool
func NewMirror() *Pool {
	return &Pool{
		objects:    make(map[uint64]*Object),
		tombstones: make(map[uint64]struct{}),
	}
}

func (p *Pool) Authoritative() bool {
	return p.authoritative
}

func (p *Pool) Len() int {
	return len(p.objects)
}

// Spawn stores state under a new id and marks it for the next batch
func (p *Pool) Spawn(state State) (uint64, error) {
	if !p.authoritative {
		return 0, ErrNotAuthoritative
	}
	p.nextID++
	p.objects[p.nextID] = &Object{
		id:      p.nextID,
		version: 1,
		state:   state.clone(),
		dirty:   true,
	}
	return p.nextID, nil
}

// Modify gives fn mutable access to an object's state and marks it dirty
func Modify[T State](p *Pool, id uint64, fn func(state T)) error {
	if !p.authoritative {
		return ErrNotAuthoritative
	}
	object, ok := p.objects[id]
	if !ok || object.destroyed {
		return fmt.Errorf("%w: %d", ErrUnknownObject, id)
	}
	state, ok := object.state.(T)
	if !ok {
		return fmt.Errorf("%w: %d is a %s", ErrWrongKind, id, object.state.Kind())
	}

	fn(state)
	object.version++
	object.dirty = true
	return nil
}

// Destroy marks an object dying; it leaves the pool once the next batch carries its death
func (p *Pool) Destroy(id uint64) error {
	if !p.authoritative {
		return ErrNotAuthoritative
	}
	object, ok := p.objects[id]
	if !ok || object.destroyed {
		return fmt.Errorf("%w: %d", ErrUnknownObject, id)
	}
	object.destroyed = true
	object.version++
	object.dirty = true
	return nil
}

// Get returns a read-only copy of an object's state
func Get[T State](p *Pool, id uint64) (T, bool) {
	var zero T
	object, ok := p.objects[id]
	if !ok || object.destroyed {
		return zero, false
	}
	state, ok := object.state.clone().(T)
	if !ok {
		return zero, false
	}
	return state, true
}

// Self returns a read-only copy of any object's state
func (p *Pool) Self(id uint64) (State, bool) {
	object, ok := p.objects[id]
	if !ok || object.destroyed {
		return nil, false
	}
	return object.state.clone(), true
}

// Each visits live objects in id order
func (p *Pool) Each(fn func(id uint64, state State)) {
	for _, id := range p.sortedIDs() {
		object := p.objects[id]
		if !object.destroyed {
			fn(id, object.state.clone())
		}
	}
}

// Updated drains every dirty object into a batch ordered by id. Destroyed objects leave the pool.
func (p *Pool) Updated() (Batch, error) {
	if !p.authoritative {
		return Batch{}, ErrNotAuthoritative
	}

	var batch Batch
	for _, id := range p.sortedIDs() {
		object := p.objects[id]
		if !object.dirty {
			continue
		}
		entry, err := object.entry()
		if err != nil {
			return Batch{}, err
		}
		batch.Entries = append(batch.Entries, entry)
	}

	for _, entry := range batch.Entries {
		object := p.objects[entry.ID]
		object.dirty = false
		if object.destroyed {
			delete(p.objects, entry.ID)
		}
	}
	return batch, nil
}

// All snapshots every live object without touching dirty flags
func (p *Pool) All() (Batch, error) {
	if !p.authoritative {
		return Batch{}, ErrNotAuthoritative
	}

	var batch Batch
	for _, id := range p.sortedIDs() {
		object := p.objects[id]
		if object.destroyed {
			continue
		}
		entry, err := object.entry()
		if err != nil {
			return Batch{}, err
		}
		batch.Entries = append(batch.Entries, entry)
	}
	return batch, nil
}

// Synchronize applies an authoritative batch to a mirror. Entries older than the mirror's copy and
// entries for objects that already died are ignored, so replays and reordered batches are harmless.
func (p *Pool) Synchronize(batch Batch) ([]Event, error) {
	if p.authoritative {
		return nil, ErrMirror
	}

	var events []Event
	for _, entry := range batch.Entries {
		if _, dead := p.tombstones[entry.ID]; dead {
			continue
		}
		object, exists := p.objects[entry.ID]
		if exists && entry.Version <= object.version {
			continue
		}

		state, err := decodeState(entry.Kind, entry.Payload)
		if err != nil {
			return events, fmt.Errorf("object %d: %w", entry.ID, err)
		}
		if exists && object.state.Kind() != entry.Kind {
			return events, fmt.Errorf("%w: %d is a %s, batch says %s", ErrWrongKind, entry.ID, object.state.Kind(), entry.Kind)
		}

		switch {
		case entry.Dying:
			p.tombstones[entry.ID] = struct{}{}
			if !exists {
				continue
			}
			object.state.synchronize(state)
			delete(p.objects, entry.ID)
			events = append(events, Event{Type: Died, ID: entry.ID, Kind: entry.Kind, State: object.state.clone()})
		case !exists:
			p.objects[entry.ID] = &Object{id: entry.ID, version: entry.Version, state: state}
			events = append(events, Event{Type: Spawned, ID: entry.ID, Kind: entry.Kind, State: state.clone()})
		default:
			object.state.synchronize(state)
			object.version = entry.Version
			events = append(events, Event{Type: Synchronized, ID: entry.ID, Kind: entry.Kind, State: object.state.clone()})
		}
	}
	return events, nil
}

func (p *Pool) sortedIDs() []uint64 {
	ids := make([]uint64, 0, len(p.objects))
	for id := range p.objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
