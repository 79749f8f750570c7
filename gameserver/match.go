package gameserver

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/alejzeis/bindstone-netplay/account"
	"github.com/alejzeis/bindstone-netplay/action"
	"github.com/alejzeis/bindstone-netplay/catalog"
	"github.com/alejzeis/bindstone-netplay/common"
	"github.com/alejzeis/bindstone-netplay/replication"
)

const (
	// Slots is the number of building slots, and lanes, each side has
	Slots = 8

	fieldLength    = 100.0
	startingLives  = 20
	startingGold   = 100
	incomeInterval = 20
	effectTicks    = 10
	meleeRange     = 1.0
)

var (
	ErrInvalidSlot      = errors.New("invalid building slot")
	ErrMaxLevel         = errors.New("building is at max level")
	ErrInsufficientGold = errors.New("not enough gold")
)

// player is one reserved side of a match
type player struct {
	identity string
	handle   string
	save     string
	secret   int64
	side     replication.Side

	// peer is nil until the player claims the slot with its secret
	peer      common.Peer
	gold      int64
	lives     int32
	buildings [Slots]uint64
}

// Match is one running game: both reserved players and the authoritative entity pool
type Match struct {
	queue    string
	players  [2]*player
	pool     *replication.Pool
	catalog  *catalog.Catalog
	started  bool
	ticks    int
	deadline time.Time
	effects  map[uint64]int
}

func newMatch(assign *action.AssignPlayersToGame, content *catalog.Catalog, deadline time.Time) (*Match, error) {
	m := &Match{
		queue:    assign.Queue,
		pool:     replication.NewPool(),
		catalog:  content,
		deadline: deadline,
		effects:  make(map[uint64]int),
	}

	for side, assigned := range []action.AssignedPlayer{assign.Left, assign.Right} {
		p := &player{
			identity: assigned.Identity,
			handle:   assigned.Handle,
			save:     assigned.Player,
			secret:   assigned.Secret,
			side:     replication.Side(side),
			gold:     startingGold,
			lives:    startingLives,
		}
		if err := m.placeBuildings(p); err != nil {
			return nil, err
		}
		m.players[side] = p
	}
	return m, nil
}

// placeBuildings spawns the player's loadout at level zero
func (m *Match) placeBuildings(p *player) error {
	loadout := account.NewPlayer(p.handle, "").Loadout
	if saved, err := account.ParsePlayer(p.save); err == nil {
		loadout = saved.Loadout
	}

	for slot, buildingID := range loadout.Buildings {
		definition, ok := m.catalog.Building(buildingID)
		if !ok {
			return fmt.Errorf("%s slot %d: unknown building %q", p.handle, slot, buildingID)
		}
		id, err := m.pool.Spawn(&replication.BuildingState{
			TypeID:         buildingID,
			Side:           p.side,
			Slot:           int32(slot),
			Animation:      "idle",
			AnimationLoops: true,
			Variables:      map[string]float64{"income": float64(definition.Levels[0].Income)},
		})
		if err != nil {
			return err
		}
		p.buildings[slot] = id
	}
	return nil
}

// claim binds the player holding secret to peer
func (m *Match) claim(secret int64, peer common.Peer) (*player, bool) {
	for _, p := range m.players {
		if p.secret == secret && p.peer == nil {
			p.peer = peer
			return p, true
		}
	}
	return nil, false
}

func (m *Match) ready() bool {
	return m.players[0].peer != nil && m.players[1].peer != nil
}

func (m *Match) opponent(p *player) *player {
	return m.players[p.side.Opponent()]
}

// upgrade raises one of the player's buildings a level, paying its cost in gold
func (m *Match) upgrade(p *player, slot int32) error {
	if slot < 0 || slot >= Slots {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	id := p.buildings[slot]
	building, ok := replication.Get[*replication.BuildingState](m.pool, id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	definition, _ := m.catalog.Building(building.TypeID)
	if building.Level >= definition.MaxLevel() {
		return ErrMaxLevel
	}
	cost := definition.Levels[building.Level+1].Cost
	if p.gold < cost {
		return fmt.Errorf("%w: need %d, have %d", ErrInsufficientGold, cost, p.gold)
	}

	p.gold -= cost
	return replication.Modify(m.pool, id, func(b *replication.BuildingState) {
		b.Level++
		b.Variables["income"] = float64(definition.Levels[b.Level].Income)
		b.Animation = "upgrade"
		b.AnimationLoops = false
	})
}

type creature struct {
	id    uint64
	state *replication.CreatureState
}

// step advances the simulation one tick. It reports the losing side once a player runs out of lives.
func (m *Match) step() (loser replication.Side, over bool, err error) {
	m.ticks++

	for id, expiry := range m.effects {
		if m.ticks >= expiry {
			delete(m.effects, id)
			if err := m.pool.Destroy(id); err != nil {
				return 0, false, err
			}
		}
	}

	if err := m.produce(); err != nil {
		return 0, false, err
	}

	creatures := m.creatures()
	engaged, err := m.fight(creatures)
	if err != nil {
		return 0, false, err
	}

	for _, c := range creatures {
		if c.state.Health <= 0 {
			continue
		}
		if !engaged[c.id] {
			advance(c.state, m.catalog)
		}
		if !reachedGoal(c.state) {
			if err := m.write(c); err != nil {
				return 0, false, err
			}
			continue
		}

		definition, _ := m.catalog.Creature(c.state.TypeID)
		target := m.players[c.state.Side.Opponent()]
		target.lives -= definition.Strength
		if err := m.pool.Destroy(c.id); err != nil {
			return 0, false, err
		}
		if target.lives <= 0 {
			return target.side, true, nil
		}
	}
	return 0, false, nil
}

// produce pays building income and spawns each building's creature on its interval
func (m *Match) produce() error {
	for _, p := range m.players {
		for _, id := range p.buildings {
			building, ok := replication.Get[*replication.BuildingState](m.pool, id)
			if !ok {
				continue
			}
			definition, _ := m.catalog.Building(building.TypeID)
			level := definition.Levels[building.Level]

			if m.ticks%incomeInterval == 0 {
				p.gold += level.Income
			}
			if level.SpawnTicks <= 0 || m.ticks%level.SpawnTicks != 0 {
				continue
			}
			spawned, ok := m.catalog.Creature(level.Spawns)
			if !ok {
				continue
			}

			x := 0.0
			if p.side == replication.SideRight {
				x = fieldLength
			}
			_, err := m.pool.Spawn(&replication.CreatureState{
				TypeID:         spawned.ID,
				Side:           p.side,
				Slot:           building.Slot,
				Health:         spawned.Health,
				Position:       replication.Point{X: x, Y: float64(building.Slot)},
				Animation:      "walk",
				AnimationLoops: true,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Match) creatures() []creature {
	var creatures []creature
	m.pool.Each(func(id uint64, state replication.State) {
		if c, ok := state.(*replication.CreatureState); ok {
			creatures = append(creatures, creature{id: id, state: c})
		}
	})
	return creatures
}

// fight trades blows between opposing creatures in the same lane and within reach of each other,
// returning the creatures that fought. Creatures that die leave a battle effect behind.
func (m *Match) fight(creatures []creature) (map[uint64]bool, error) {
	damage := make(map[uint64]int32)
	for i, a := range creatures {
		for _, b := range creatures[i+1:] {
			if a.state.Side == b.state.Side || a.state.Slot != b.state.Slot {
				continue
			}
			if math.Abs(a.state.Position.X-b.state.Position.X) > meleeRange {
				continue
			}
			attackerA, _ := m.catalog.Creature(a.state.TypeID)
			attackerB, _ := m.catalog.Creature(b.state.TypeID)
			damage[b.id] += attackerA.Strength
			damage[a.id] += attackerB.Strength
		}
	}

	for _, c := range creatures {
		hit, ok := damage[c.id]
		if !ok {
			continue
		}
		c.state.Health -= hit
		c.state.Animation = "attack"
		c.state.AnimationLoops = true
		if c.state.Health > 0 {
			continue
		}

		if err := m.pool.Destroy(c.id); err != nil {
			return nil, err
		}
		effect, err := m.pool.Spawn(&replication.BattleEffectState{
			TypeID:        "Burst",
			CreatureOwner: c.id,
			Slot:          c.state.Slot,
			Position:      c.state.Position,
		})
		if err != nil {
			return nil, err
		}
		m.effects[effect] = m.ticks + effectTicks
	}

	engaged := make(map[uint64]bool, len(damage))
	for id := range damage {
		engaged[id] = true
	}
	return engaged, nil
}

// advance walks a creature one tick towards the opposing side
func advance(c *replication.CreatureState, content *catalog.Catalog) {
	definition, _ := content.Creature(c.TypeID)
	direction := 1.0
	if c.Side == replication.SideRight {
		direction = -1.0
	}
	c.Position.X += direction * definition.MoveSpeed
	c.Animation = "walk"
	c.AnimationLoops = true
	c.AnimationTime++
}

// write copies a creature's simulated state back into the pool
func (m *Match) write(c creature) error {
	return replication.Modify(m.pool, c.id, func(state *replication.CreatureState) {
		state.Health = c.state.Health
		state.Position = c.state.Position
		state.Animation = c.state.Animation
		state.AnimationLoops = c.state.AnimationLoops
		state.AnimationTime = c.state.AnimationTime
	})
}

func reachedGoal(c *replication.CreatureState) bool {
	if c.Side == replication.SideLeft {
		return c.Position.X >= fieldLength
	}
	return c.Position.X <= 0
}
