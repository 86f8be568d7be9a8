package agents

import (
	"math/rand"
	"sync"
)

// agentNames is the bounded nickname reservation pool for child agents.
var agentNames = []string{
	"Pikachu", "Charizard", "Bulbasaur", "Squirtle", "Eevee", "Gengar",
	"Mewtwo", "Snorlax", "Dragonite", "Alakazam", "Gyarados", "Arcanine",
	"Lucario", "Gardevoir", "Blaziken", "Greninja", "Umbreon", "Espeon",
	"Jolteon", "Vaporeon", "Flareon", "Leafeon", "Glaceon", "Sylveon",
	"Typhlosion", "Feraligatr", "Meganium", "Scizor", "Tyranitar",
	"Heracross", "Ampharos", "Togekiss", "Salamence", "Metagross",
	"Absol", "Flygon", "Milotic", "Aggron", "Swampert", "Sceptile",
	"Luxray", "Staraptor", "Garchomp", "Gallade", "Weavile", "Electivire",
	"Magmortar", "Infernape", "Empoleon", "Torterra", "Zoroark",
	"Hydreigon", "Volcarona", "Haxorus", "Krookodile", "Chandelure",
	"Excadrill", "Bisharp", "Braviary", "Golurk", "Serperior", "Samurott",
	"Emboar", "Noivern", "Talonflame", "Hawlucha", "Goodra", "Aegislash",
	"Dragalge", "Pangoro", "Decidueye", "Incineroar", "Primarina",
	"Mimikyu", "Toxapex", "Golisopod", "Kommo", "Lycanroc", "Corviknight",
	"Dragapult", "Grimmsnarl", "Cinderace", "Rillaboom", "Toxtricity",
	"Urshifu", "Ceruledge", "Kingambit", "Baxcalibur",
}

// nicknamePool hands out unique nicknames from the bounded name list.
// Exhaustion resets the used set rather than failing a spawn.
type nicknamePool struct {
	mu   sync.Mutex
	used map[string]bool
}

func newNicknamePool() *nicknamePool {
	return &nicknamePool{used: make(map[string]bool)}
}

func (p *nicknamePool) reserve() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	available := make([]string, 0, len(agentNames))
	for _, name := range agentNames {
		if !p.used[name] {
			available = append(available, name)
		}
	}
	if len(available) == 0 {
		p.used = make(map[string]bool)
		available = agentNames
	}
	name := available[rand.Intn(len(available))] // #nosec G404 -- nickname choice needs no crypto randomness
	p.used[name] = true
	return name
}

func (p *nicknamePool) release(name string) {
	p.mu.Lock()
	delete(p.used, name)
	p.mu.Unlock()
}
