// Package catalog holds the static game content shared by the lobby, game servers and clients.
package catalog

import (
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

type Creature struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Health    int32   `json:"health"`
	MoveSpeed float64 `json:"moveSpeed"`
	Strength  int32   `json:"strength"`
}

// Level is one upgrade step of a building
type Level struct {
	Cost       int64  `json:"cost"`
	Income     int64  `json:"income"`
	Spawns     string `json:"spawns"`
	SpawnTicks int    `json:"spawnTicks"`
}

type Building struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Levels []Level `json:"levels"`
}

// MaxLevel is the index of the last upgrade
func (b Building) MaxLevel() int32 {
	return int32(len(b.Levels) - 1)
}

type Catalog struct {
	Buildings map[string]Building `json:"buildings"`
	Creatures map[string]Creature `json:"creatures"`
}

func Default() *Catalog {
	return &Catalog{
		Buildings: map[string]Building{
			"Life": {
				ID:   "Life",
				Name: "Tree of Life",
				Levels: []Level{
					{Cost: 0, Income: 2, Spawns: "Sprout", SpawnTicks: 60},
					{Cost: 40, Income: 3, Spawns: "Sprout", SpawnTicks: 40},
					{Cost: 90, Income: 5, Spawns: "Treant", SpawnTicks: 60},
				},
			},
		},
		Creatures: map[string]Creature{
			"Sprout": {ID: "Sprout", Name: "Sprout", Health: 10, MoveSpeed: 1.5, Strength: 1},
			"Treant": {ID: "Treant", Name: "Treant", Health: 40, MoveSpeed: 0.75, Strength: 4},
		},
	}
}

// Building looks a building up by id
func (c *Catalog) Building(id string) (Building, bool) {
	building, ok := c.Buildings[id]
	return building, ok
}

func (c *Catalog) Creature(id string) (Creature, bool) {
	creature, ok := c.Creatures[id]
	return creature, ok
}

// Hashes fingerprints each section so clients can tell whether their local content is current
func (c *Catalog) Hashes() (map[string]string, error) {
	sections := map[string]interface{}{
		"buildings": c.Buildings,
		"creatures": c.Creatures,
	}

	hashes := make(map[string]string, len(sections))
	for name, section := range sections {
		data, err := json.Marshal(section)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", name, err)
		}
		sum := sha512.Sum512(data)
		hashes[name] = hex.EncodeToString(sum[:])
	}
	return hashes, nil
}
