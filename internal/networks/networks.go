// Package networks holds the fork schedules used to pick Engine API method
// versions for replayed payloads.
package networks

import "fmt"

// Fork is a named protocol upgrade boundary. Ordering follows activation
// order, so forks can be compared directly.
type Fork int

const (
	ForkParis Fork = iota
	ForkShanghai
	ForkCancun
	ForkPrague
)

var forkNames = map[Fork]string{
	ForkParis:    "paris",
	ForkShanghai: "shanghai",
	ForkCancun:   "cancun",
	ForkPrague:   "prague",
}

func (f Fork) String() string {
	if name, ok := forkNames[f]; ok {
		return name
	}
	return fmt.Sprintf("fork(%d)", int(f))
}

// NewPayloadVersion returns the engine_newPayload version active at this fork.
func (f Fork) NewPayloadVersion() int {
	switch f {
	case ForkParis:
		return 1
	case ForkShanghai:
		return 2
	case ForkCancun:
		return 3
	default:
		return 4
	}
}

// ForkchoiceUpdatedVersion returns the engine_forkchoiceUpdated version
// active at this fork.
func (f Fork) ForkchoiceUpdatedVersion() int {
	switch f {
	case ForkParis, ForkShanghai:
		return f.NewPayloadVersion()
	default:
		return 3
	}
}

// Network is a chain with a fork activation schedule keyed by timestamp.
type Network struct {
	Name           string
	ForkTimestamps map[Fork]uint64
}

// ForkAt returns the latest fork activated at or before the given block
// timestamp. Blocks older than every scheduled fork fall back to Paris since
// pre-merge blocks cannot appear in Engine API traffic.
func (n Network) ForkAt(timestamp uint64) Fork {
	active := ForkParis
	var activeTs uint64
	for fork, ts := range n.ForkTimestamps {
		if timestamp >= ts && (ts > activeTs || (ts == activeTs && fork > active)) {
			active = fork
			activeTs = ts
		}
	}
	return active
}

func (n Network) String() string { return n.Name }

// Mainnet fork activation timestamps.
var Mainnet = Network{
	Name: "mainnet",
	ForkTimestamps: map[Fork]uint64{
		ForkParis:    1663224179,
		ForkShanghai: 1681338455,
		ForkCancun:   1710338135,
		ForkPrague:   1746612311,
	},
}

var networks = map[string]Network{
	"mainnet": Mainnet,
}

// Lookup resolves a network by name.
func Lookup(name string) (Network, error) {
	n, ok := networks[name]
	if !ok {
		return Network{}, fmt.Errorf("unknown network: %s", name)
	}
	return n, nil
}
