package wal

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/overlord/types"
)

func startWAL(t *testing.T, dir string, opts ...Option) *FileWAL {
	t.Helper()
	w, err := NewFileWAL(dir, opts...)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	return w
}

func readAll(t *testing.T, r Reader) []*Message {
	t.Helper()
	var out []*Message
	for {
		msg, err := r.Read()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, msg)
	}
}

func TestFileWALBasic(t *testing.T) {
	dir := t.TempDir()
	w := startWAL(t, dir)

	require.NoError(t, w.Write(&Message{Type: MsgTypeProposal, Height: 1}))
	require.NoError(t, w.WriteSync(&Message{Type: MsgTypeVote, Height: 1}))
	require.NoError(t, w.Stop())

	_, err := os.Stat(filepath.Join(dir, "wal-00000"))
	require.NoError(t, err, "WAL segment file should exist")
}

func TestFileWALReadWrite(t *testing.T) {
	dir := t.TempDir()
	w := startWAL(t, dir)

	messages := []*Message{
		{Type: MsgTypeProposal, Height: 1, Round: 0},
		{Type: MsgTypeVote, Height: 1, Round: 0},
		{Type: MsgTypeEndHeight, Height: 1},
		{Type: MsgTypeProposal, Height: 2, Round: 3, Data: []byte{1, 2, 3}},
	}
	for _, msg := range messages {
		require.NoError(t, w.Write(msg))
	}
	require.NoError(t, w.Stop())

	reader, err := OpenWALForReading(dir)
	require.NoError(t, err)
	defer reader.Close()

	got := readAll(t, reader)
	require.Len(t, got, len(messages))
	for i, msg := range messages {
		assert.Equal(t, msg.Type, got[i].Type, "message %d", i)
		assert.Equal(t, msg.Height, got[i].Height, "message %d", i)
		assert.Equal(t, msg.Round, got[i].Round, "message %d", i)
	}
	assert.Equal(t, []byte{1, 2, 3}, got[3].Data)
}

func TestFileWALSearchForEndHeight(t *testing.T) {
	w := startWAL(t, t.TempDir())
	defer w.Stop()

	require.NoError(t, w.Write(&Message{Type: MsgTypeProposal, Height: 1}))
	require.NoError(t, w.Write(&Message{Type: MsgTypeEndHeight, Height: 1}))
	require.NoError(t, w.Write(&Message{Type: MsgTypeProposal, Height: 2}))
	require.NoError(t, w.Write(&Message{Type: MsgTypeVote, Height: 2, Round: 1}))

	reader, found, err := w.SearchForEndHeight(1)
	require.NoError(t, err)
	require.True(t, found)
	after := readAll(t, reader)
	reader.Close()
	require.Len(t, after, 2)
	assert.Equal(t, types.Height(2), after[0].Height)
	assert.Equal(t, MsgTypeVote, after[1].Type)

	reader, found, err = w.SearchForEndHeight(99)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, reader)
}

func TestFileWALSearchAcrossSegments(t *testing.T) {
	dir := t.TempDir()
	w := startWAL(t, dir, WithMaxSegmentSize(64))
	defer w.Stop()

	payload := make([]byte, 80)
	require.NoError(t, w.Write(&Message{Type: MsgTypeEndHeight, Height: 1}))
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Write(&Message{Type: MsgTypeVote, Height: 2, Round: types.Round(i), Data: payload}))
	}
	require.Greater(t, w.SegmentCount(), 1)

	reader, found, err := w.SearchForEndHeight(1)
	require.NoError(t, err)
	require.True(t, found)
	defer reader.Close()

	after := readAll(t, reader)
	require.Len(t, after, 5)
	assert.Equal(t, types.Round(4), after[4].Round)
}

func TestFileWALTornTail(t *testing.T) {
	dir := t.TempDir()
	w := startWAL(t, dir)
	require.NoError(t, w.Write(&Message{Type: MsgTypeProposal, Height: 1}))
	require.NoError(t, w.Write(&Message{Type: MsgTypeEndHeight, Height: 1}))
	require.NoError(t, w.Stop())

	// Simulate a crash mid-write.
	f, err := os.OpenFile(filepath.Join(dir, "wal-00000"), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 50, 1, 2})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w = startWAL(t, dir)
	require.NoError(t, w.Write(&Message{Type: MsgTypeVote, Height: 2}))
	require.NoError(t, w.Stop())

	reader, err := OpenWALForReading(dir)
	require.NoError(t, err)
	defer reader.Close()

	got := readAll(t, reader)
	require.Len(t, got, 3)
	assert.Equal(t, MsgTypeVote, got[2].Type)
}

func TestFileWALCorruptedRecord(t *testing.T) {
	dir := t.TempDir()
	w := startWAL(t, dir)
	require.NoError(t, w.Write(&Message{Type: MsgTypeProposal, Height: 1, Data: []byte("payload")}))
	require.NoError(t, w.Stop())

	path := filepath.Join(dir, "wal-00000")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[6] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0600))

	reader, err := OpenWALForReading(dir)
	require.NoError(t, err)
	defer reader.Close()

	_, err = reader.Read()
	assert.ErrorIs(t, err, ErrWALCorrupted)
}

func TestFileWALCheckpoint(t *testing.T) {
	dir := t.TempDir()
	w := startWAL(t, dir, WithMaxSegmentSize(32))
	defer w.Stop()

	for h := types.Height(1); h <= 4; h++ {
		require.NoError(t, w.Write(&Message{Type: MsgTypeVote, Height: h, Data: make([]byte, 40)}))
		require.NoError(t, w.Write(&Message{Type: MsgTypeEndHeight, Height: h}))
	}
	before := w.SegmentCount()
	require.Greater(t, before, 2)

	require.NoError(t, w.Checkpoint(2))
	assert.Less(t, w.SegmentCount(), before)

	_, found, err := w.SearchForEndHeight(3)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestFileWALLifecycle(t *testing.T) {
	w, err := NewFileWAL(t.TempDir())
	require.NoError(t, err)

	assert.ErrorIs(t, w.Write(&Message{Type: MsgTypeProposal, Height: 1}), ErrWALClosed)

	require.NoError(t, w.Start())
	require.NoError(t, w.Start(), "double start should be a no-op")
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop(), "double stop should be a no-op")

	_, _, err = w.SearchForEndHeight(1)
	assert.ErrorIs(t, err, ErrWALClosed)
}

func TestOpenWALNotFound(t *testing.T) {
	_, err := OpenWALForReading(t.TempDir())
	assert.ErrorIs(t, err, ErrWALNotFound)
}

func TestPayloadRecords(t *testing.T) {
	v := &types.Vote{
		Height:    3,
		Round:     1,
		Step:      types.StepPrecommit,
		Voter:     types.Address{1},
		Value:     types.HashBytes([]byte("v")),
		Signature: make(types.Signature, types.SignatureSize),
	}
	msg, err := NewVoteMessage(v)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeVote, msg.Type)
	assert.Equal(t, types.Height(3), msg.Height)

	decoded, err := DecodeVote(msg.Data)
	require.NoError(t, err)
	assert.True(t, v.SameBallot(decoded))
	assert.Equal(t, v.Value, decoded.Value)

	st := &StateRecord{
		Height:      3,
		Round:       2,
		Step:        types.StepPrecommit,
		LockedRound: 1,
		LockedValue: v.Value,
		ValidRound:  1,
		ValidValue:  v.Value,
	}
	msg, err = NewStateMessage(st)
	require.NoError(t, err)
	gotState, err := DecodeState(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, st, gotState)

	msg, err = NewTimeoutMessage(3, 2, types.StepPrevote)
	require.NoError(t, err)
	to, err := DecodeTimeout(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, types.StepPrevote, to.Step)
}
