package game

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jason-s-yu/turnroom/internal/models"
)

// Factory creates and decodes the states of one game kind.
type Factory interface {
	// Seats lists the canonical seat keys in turn order.
	Seats() []string
	New(rule models.Rule) GameState
	Decode(data []byte) (GameState, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a game kind available. It panics on duplicates, like database/sql drivers.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		panic("game: Register factory is nil")
	}
	if _, dup := registry[kind]; dup {
		panic("game: Register called twice for kind " + kind)
	}
	registry[kind] = f
}

// Lookup returns the factory of a registered kind.
func Lookup(kind string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[kind]
	if !ok {
		return nil, &models.ValidationError{Field: "gameType", Reason: fmt.Sprintf("unknown game type %q", kind)}
	}
	return f, nil
}

// Kinds lists the registered kinds.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// HasSeat reports whether seat is one of the kind's seats.
func HasSeat(f Factory, seat string) bool {
	for _, s := range f.Seats() {
		if s == seat {
			return true
		}
	}
	return false
}
