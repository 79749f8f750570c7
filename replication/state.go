package replication

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind tags the closed set of replicated entity variants
type Kind uint8

const (
	KindCreature Kind = iota + 1
	KindBuilding
	KindBattleEffect
)

func (k Kind) String() string {
	switch k {
	case KindCreature:
		return "creature"
	case KindBuilding:
		return "building"
	case KindBattleEffect:
		return "battleEffect"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// State is the authoritative payload of one replicated entity
type State interface {
	Kind() Kind
	// synchronize copies the authoritative fields of other, which has the same concrete type
	synchronize(other State)
	clone() State
}

type Point struct {
	X float64 `msgpack:"x"`
	Y float64 `msgpack:"y"`
}

// Side is the half of the board a player owns
type Side int8

const (
	SideLeft Side = iota
	SideRight
)

func (s Side) Opponent() Side {
	if s == SideLeft {
		return SideRight
	}
	return SideLeft
}

type CreatureState struct {
	TypeID         string             `msgpack:"type"`
	Side           Side               `msgpack:"side"`
	Slot           int32              `msgpack:"slot"`
	Health         int32              `msgpack:"health"`
	Position       Point              `msgpack:"position"`
	Animation      string             `msgpack:"animation"`
	AnimationLoops bool               `msgpack:"animationLoops"`
	AnimationTime  float64            `msgpack:"animationTime"`
	Variables      map[string]float64 `msgpack:"variables"`
}

func (c *CreatureState) Kind() Kind { return KindCreature }

func (c *CreatureState) synchronize(other State) {
	o := other.(*CreatureState)
	c.Health = o.Health
	c.Position = o.Position
	c.Animation = o.Animation
	c.AnimationLoops = o.AnimationLoops
	c.AnimationTime = o.AnimationTime
	c.Variables = cloneVariables(o.Variables)
}

func (c *CreatureState) clone() State {
	copied := *c
	copied.Variables = cloneVariables(c.Variables)
	return &copied
}

type BuildingState struct {
	TypeID         string             `msgpack:"type"`
	Side           Side               `msgpack:"side"`
	Slot           int32              `msgpack:"slot"`
	Level          int32              `msgpack:"level"`
	Animation      string             `msgpack:"animation"`
	AnimationLoops bool               `msgpack:"animationLoops"`
	Variables      map[string]float64 `msgpack:"variables"`
}

func (b *BuildingState) Kind() Kind { return KindBuilding }

func (b *BuildingState) synchronize(other State) {
	o := other.(*BuildingState)
	b.Level = o.Level
	b.Animation = o.Animation
	b.AnimationLoops = o.AnimationLoops
	b.Variables = cloneVariables(o.Variables)
}

func (b *BuildingState) clone() State {
	copied := *b
	copied.Variables = cloneVariables(b.Variables)
	return &copied
}

type BattleEffectState struct {
	TypeID        string             `msgpack:"type"`
	CreatureOwner uint64             `msgpack:"creatureOwner"`
	Slot          int32              `msgpack:"slot"`
	Position      Point              `msgpack:"position"`
	Variables     map[string]float64 `msgpack:"variables"`
}

func (e *BattleEffectState) Kind() Kind { return KindBattleEffect }

func (e *BattleEffectState) synchronize(other State) {
	o := other.(*BattleEffectState)
	e.Position = o.Position
	e.Variables = cloneVariables(o.Variables)
}

func (e *BattleEffectState) clone() State {
	copied := *e
	copied.Variables = cloneVariables(e.Variables)
	return &copied
}

func cloneVariables(variables map[string]float64) map[string]float64 {
	if variables == nil {
		return nil
	}
	copied := make(map[string]float64, len(variables))
	for key, value := range variables {
		copied[key] = value
	}
	return copied
}

func newState(kind Kind) (State, error) {
	switch kind {
	case KindCreature:
		return new(CreatureState), nil
	case KindBuilding:
		return new(BuildingState), nil
	case KindBattleEffect:
		return new(BattleEffectState), nil
	default:
		return nil, fmt.Errorf("%w: unknown entity %s", ErrMalformedEntry, kind)
	}
}

func encodeState(state State) (msgpack.RawMessage, error) {
	return msgpack.Marshal(state)
}

func decodeState(kind Kind, payload msgpack.RawMessage) (State, error) {
	state, err := newState(kind)
	if err != nil {
		return nil, err
	}
	if err := msgpack.Unmarshal(payload, state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEntry, kind, err)
	}
	return state, nil
}
