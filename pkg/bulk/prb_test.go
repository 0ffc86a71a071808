package bulk

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingSubscriber struct {
	blocks  []uint32
	aborted bool
}

func (r *recordingSubscriber) OnBlockReceived(n uint32) { r.blocks = append(r.blocks, n) }
func (r *recordingSubscriber) OnAborted()               { r.aborted = true }

func TestNewFromBufferSplitsBlocks(t *testing.T) {
	full := make([]byte, 100)
	for i := range full {
		full[i] = byte(i)
	}
	p := NewFromBuffer(32, full)
	require.EqualValues(t, 4, p.TotalBlocks())
	require.True(t, p.HasWholeFile())

	b3, ok := p.GetBlockData(3)
	require.True(t, ok)
	require.Len(t, b3, 4)

	require.Equal(t, full, p.Assemble())
}

func TestBlockReceivedFansOutAndTracksPresence(t *testing.T) {
	p := New(4, 3)
	sub := &recordingSubscriber{}
	p.Add(sub)

	require.True(t, p.BlockReceived(1, []byte{1, 2, 3, 4}))
	require.Equal(t, []uint32{1}, sub.blocks)
	require.False(t, p.HasWholeFile())

	_, ok := p.GetBlockData(0)
	require.False(t, ok)

	require.True(t, p.BlockReceived(0, []byte{9, 9, 9, 9}))
	require.True(t, p.BlockReceived(2, []byte{0, 0, 0, 0}))
	require.True(t, p.HasWholeFile())
}

func TestAbortFansOutAndRejectsFurtherWrites(t *testing.T) {
	p := New(4, 2)
	sub := &recordingSubscriber{}
	p.Add(sub)

	p.Abort()
	require.True(t, sub.aborted)
	require.True(t, p.Aborted())
	require.False(t, p.BlockReceived(0, []byte{1, 2, 3, 4}))

	_, ok := p.GetBlockData(0)
	require.False(t, ok)
}

func TestCloneAndSubscribeAtomicity(t *testing.T) {
	p := New(4, 2)
	require.True(t, p.BlockReceived(0, []byte{1, 2, 3, 4}))

	sub := &recordingSubscriber{}
	snapshot := p.CloneAndSubscribe(sub)
	require.True(t, snapshot[0])
	require.False(t, snapshot[1])

	require.True(t, p.BlockReceived(1, []byte{5, 6, 7, 8}))
	require.Equal(t, []uint32{1}, sub.blocks)
}

func TestEmptyFileIsVacuouslyWhole(t *testing.T) {
	p := New(4, 0)
	require.True(t, p.HasWholeFile())
	require.Empty(t, p.Assemble())
}
