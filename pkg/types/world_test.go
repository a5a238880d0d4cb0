package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorld(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		rank      int
		wantErr   bool
		mainNode  bool
		multinode bool
	}{
		{name: "single node", size: 1, rank: 0, mainNode: true, multinode: false},
		{name: "head of four", size: 4, rank: 0, mainNode: true, multinode: true},
		{name: "worker of four", size: 4, rank: 3, mainNode: false, multinode: true},
		{name: "zero size", size: 0, rank: 0, wantErr: true},
		{name: "rank too large", size: 2, rank: 2, wantErr: true},
		{name: "negative rank", size: 2, rank: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewWorld(tt.size, tt.rank)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsErrCode(err, ErrCodeConfiguration))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.size, w.Size())
			assert.Equal(t, tt.rank, w.Rank())
			assert.Equal(t, tt.mainNode, w.MainNode())
			assert.Equal(t, tt.multinode, w.MultinodeAvailable())
		})
	}
}

func TestWorldPeers(t *testing.T) {
	w, err := NewWorld(4, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 3}, w.Peers())

	single, err := NewWorld(1, 0)
	require.NoError(t, err)
	assert.Empty(t, single.Peers())
}
