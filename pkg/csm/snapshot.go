package csm

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/ironvault/containerraft/pkg/metrics"
	bolt "go.etcd.io/bbolt"
)

var bucketContainerBCSID = []byte("container_bcsid")

// Snapshot is the persisted form of the container->BCSID map, tagged with the (term, index) watermark it was taken
// at so Restore can seed the Apply Coordinator directly.
type Snapshot struct {
	Term           Term
	Index          LogIndex
	ContainerBCSID map[ContainerID]BCSID
}

// snapshotFile builds the deterministic file name for a snapshot taken at
// (term, index).
func snapshotFile(dir string, term Term, index LogIndex) string {
	return filepath.Join(dir, fmt.Sprintf("snapshot-%020d-%020d.bolt", term, index))
}

// SnapshotData returns the in-memory Snapshot value for the current
// watermark, for callers (such as pkg/raftadapter) that stream a snapshot
// through a consensus-engine-provided sink rather than a local file.
func (sm *StateMachine) SnapshotData() Snapshot {
	term, index := sm.LastApplied()
	return Snapshot{Term: term, Index: index, ContainerBCSID: sm.snapshotContainerMap()}
}

// TakeSnapshot implements the upward takeSnapshot entry point. It refuses
// while unhealthy, otherwise persists the current
// container->BCSID map to a single bbolt file with one Update transaction
// (bbolt fsyncs on commit by default), and returns the index it captured.
func (sm *StateMachine) TakeSnapshot(dir string) (LogIndex, error) {
	if !sm.health.Healthy() {
		metrics.SnapshotFailures.Inc()
		return 0, ErrUnhealthy
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SnapshotDuration)

	term, index := sm.LastApplied()

	sm.mu.RLock()
	snap := Snapshot{Term: term, Index: index, ContainerBCSID: make(map[ContainerID]BCSID, len(sm.containerBCSID))}
	for k, v := range sm.containerBCSID {
		snap.ContainerBCSID[k] = v
	}
	sm.mu.RUnlock()

	path := snapshotFile(dir, term, index)
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		metrics.SnapshotFailures.Inc()
		return 0, fmt.Errorf("open snapshot file: %w", err)
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketContainerBCSID)
		if err != nil {
			return err
		}
		for containerID, bcsid := range snap.ContainerBCSID {
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, uint64(containerID))
			val, err := json.Marshal(bcsid)
			if err != nil {
				return err
			}
			if err := b.Put(key, val); err != nil {
				return err
			}
		}
		return writeWatermark(tx, term, index)
	})
	if err != nil {
		metrics.SnapshotFailures.Inc()
		return 0, fmt.Errorf("persist snapshot: %w", err)
	}

	return index, nil
}

var bucketWatermark = []byte("watermark")

func writeWatermark(tx *bolt.Tx, term Term, index LogIndex) error {
	b, err := tx.CreateBucketIfNotExists(bucketWatermark)
	if err != nil {
		return err
	}
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], uint64(term))
	binary.BigEndian.PutUint64(buf[8:], uint64(index))
	return b.Put([]byte("watermark"), buf)
}

// LoadSnapshot reads a snapshot file written by TakeSnapshot, without
// applying it to the running instance — Restore does that, separately.
// pkg/raftadapter does not use snapshot files: it streams the Snapshot
// value as JSON through the raft sink and decodes it the same way.
func LoadSnapshot(path string) (Snapshot, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot file: %w", err)
	}
	defer db.Close()

	snap := Snapshot{ContainerBCSID: make(map[ContainerID]BCSID)}
	err = db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketWatermark); b != nil {
			if buf := b.Get([]byte("watermark")); buf != nil && len(buf) == 16 {
				snap.Term = Term(binary.BigEndian.Uint64(buf[:8]))
				snap.Index = LogIndex(binary.BigEndian.Uint64(buf[8:]))
			}
		}

		b := tx.Bucket(bucketContainerBCSID)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			containerID := ContainerID(binary.BigEndian.Uint64(k))
			var bcsid BCSID
			if err := json.Unmarshal(v, &bcsid); err != nil {
				return err
			}
			snap.ContainerBCSID[containerID] = bcsid
			return nil
		})
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	return snap, nil
}

// Restore implements the upward Restore contract: merge the snapshot's map into the in-memory one, seed
// lastApplied to the snapshot's (term, index), and ask the dispatcher to
// compute the missing-container set so it can rebuild those containers
// from peers.
func (sm *StateMachine) Restore(ctx context.Context, snap Snapshot) (map[ContainerID]struct{}, error) {
	sm.mu.Lock()
	for containerID, bcsid := range snap.ContainerBCSID {
		sm.containerBCSID[containerID] = bcsid
	}
	merged := make(map[ContainerID]BCSID, len(sm.containerBCSID))
	for k, v := range sm.containerBCSID {
		merged[k] = v
	}
	sm.mu.Unlock()

	sm.apply.seed(snap.Term, snap.Index)

	missing, err := sm.dispatcher.BuildMissingContainerSet(ctx, merged)
	if err != nil {
		return nil, fmt.Errorf("build missing container set: %w", err)
	}
	return missing, nil
}
