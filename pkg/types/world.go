package types

import "fmt"

// World is the static roster of a run: how many ranks take part and which
// one this process is. It is immutable once built.
type World struct {
	size int
	rank int
}

// NewWorld creates the topology for a process of the given rank
func NewWorld(size, rank int) (World, error) {
	if size < 1 {
		return World{}, NewError(ErrCodeConfiguration,
			fmt.Sprintf("world size must be at least 1, got %d", size))
	}
	if rank < 0 || rank >= size {
		return World{}, NewError(ErrCodeConfiguration,
			fmt.Sprintf("world rank %d out of range [0, %d)", rank, size))
	}
	return World{size: size, rank: rank}, nil
}

// Size returns the number of participants
func (w World) Size() int {
	return w.size
}

// Rank returns the zero-based rank of the local process
func (w World) Rank() int {
	return w.rank
}

// MainNode reports whether the local process is the head (rank 0)
func (w World) MainNode() bool {
	return w.rank == 0
}

// MultinodeAvailable reports whether more than one process takes part
func (w World) MultinodeAvailable() bool {
	return w.size > 1
}

// Peers returns every rank except the local one, in ascending order
func (w World) Peers() []int {
	peers := make([]int, 0, w.size-1)
	for r := 0; r < w.size; r++ {
		if r != w.rank {
			peers = append(peers, r)
		}
	}
	return peers
}

// String returns a string representation of the world
func (w World) String() string {
	return fmt.Sprintf("World{Size: %d, Rank: %d, MainNode: %t, MultinodeAvailable: %t}",
		w.size, w.rank, w.MainNode(), w.MultinodeAvailable())
}
