package controlplane

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersisterLoadMissingFileReturnsEmpty(t *testing.T) {
	p := NewPersister(filepath.Join(t.TempDir(), "missing.json"))
	snap, err := p.Load()
	require.NoError(t, err)
	assert.Empty(t, snap.Parties)
}

func TestPersisterQueueThenFlushWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	p := NewPersister(path)

	p.Queue(&Snapshot{Parties: []SnapshotParty{{PartyID: "party1", Name: "crew"}}})
	p.Flush()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Len(t, snap.Parties, 1)
	assert.Equal(t, "party1", snap.Parties[0].PartyID)
}

func TestPersisterQueueCoalescesBurst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	p := NewPersister(path)

	p.Queue(&Snapshot{Parties: []SnapshotParty{{PartyID: "old"}}})
	p.Queue(&Snapshot{Parties: []SnapshotParty{{PartyID: "new"}}})
	p.Flush()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Len(t, snap.Parties, 1)
	assert.Equal(t, "new", snap.Parties[0].PartyID)
}

func TestPersisterAutomaticFlushAfterDelay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	p := NewPersister(path)
	defer p.Close()

	p.Queue(&Snapshot{Parties: []SnapshotParty{{PartyID: "party1"}}})

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestPersisterCloseRejectsFurtherQueues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	p := NewPersister(path)
	p.Close()

	p.Queue(&Snapshot{Parties: []SnapshotParty{{PartyID: "ignored"}}})
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestPersisterRoundTripLoadAfterFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	p := NewPersister(path)

	p.Queue(&Snapshot{Parties: []SnapshotParty{{PartyID: "party1", Name: "crew", CreatedAt: time.Now()}}})
	p.Flush()

	reloaded, err := NewPersister(path).Load()
	require.NoError(t, err)
	require.Len(t, reloaded.Parties, 1)
	assert.Equal(t, "crew", reloaded.Parties[0].Name)
}
