// Package dispatcher is a reference implementation of the downward
// contract csm.Dispatcher declares: the
// chunk/block storage dispatcher the state machine drives but never
// implements itself. It exists so pkg/csm has something real to exercise
// in tests and so cmd/csm-node can stand up a working node; a production
// deployment can substitute any other implementation of csm.Dispatcher.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ironvault/containerraft/pkg/csm"
	"github.com/ironvault/containerraft/pkg/log"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketContainers = []byte("containers")
	bucketFinalized  = []byte("finalized_blocks")
)

// finalizedKey packs (containerID, localID) for the LRU ledger and the
// bbolt bucket key.
type finalizedKey struct {
	ContainerID csm.ContainerID
	LocalID     csm.LocalID
}

// Dispatcher is a bbolt-backed, local-filesystem reference implementation
// of csm.Dispatcher. Containers live under dataDir/containers/<id>/, chunks
// under dataDir/containers/<id>/chunks/<localID>-<chunkIndex>.
//
// The finalized-block ledger is a bounded LRU (github.com/hashicorp/golang-lru/v2)
// backed by the same bbolt file for durability; unlike pkg/csm's
// state-machine data cache, recency eviction is the right fit here — a
// block checked recently is the one most likely to be checked again, and
// losing a cold entry just means one extra bbolt lookup, not an
// incorrectness.
type Dispatcher struct {
	dataDir string
	db      *bolt.DB

	mu        sync.RWMutex
	open      map[csm.ContainerID]bool
	finalized *lru.Cache[finalizedKey, struct{}]
}

// Config bundles the tunables this reference dispatcher recognizes.
type Config struct {
	DataDir              string
	FinalizedLedgerSize  int
}

// New opens (or creates) the dispatcher's on-disk state under cfg.DataDir.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.FinalizedLedgerSize <= 0 {
		cfg.FinalizedLedgerSize = 4096
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "dispatcher.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open dispatcher db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketContainers); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketFinalized)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	ledger, err := lru.New[finalizedKey, struct{}](cfg.FinalizedLedgerSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create finalized-block ledger: %w", err)
	}

	d := &Dispatcher{
		dataDir:   cfg.DataDir,
		db:        db,
		open:      make(map[csm.ContainerID]bool),
		finalized: ledger,
	}
	if err := d.loadOpenContainers(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *Dispatcher) loadOpenContainers() error {
	return d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		return b.ForEach(func(k, v []byte) error {
			containerID := csm.ContainerID(decodeInt64(k))
			d.open[containerID] = len(v) > 0 && v[0] == 1
			return nil
		})
	})
}

// Close releases the underlying bbolt handle.
func (d *Dispatcher) Close() error {
	return d.db.Close()
}

func (d *Dispatcher) chunkDir(containerID csm.ContainerID) string {
	return filepath.Join(d.dataDir, "containers", fmt.Sprint(int64(containerID)), "chunks")
}

func (d *Dispatcher) chunkPath(b csm.BlockID, chunkIndex csm.LogIndex) string {
	return filepath.Join(d.chunkDir(b.ContainerID), fmt.Sprintf("%d-%d", int64(b.LocalID), uint64(chunkIndex)))
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func decodeInt64(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

// ValidateContainerCommand implements csm.Dispatcher.
func (d *Dispatcher) ValidateContainerCommand(ctx context.Context, cmd csm.Command) error {
	if cmd.Kind == csm.KindCreateContainer {
		return nil
	}

	d.mu.RLock()
	open := d.open[cmd.ContainerID]
	d.mu.RUnlock()

	if !open {
		return &csm.ContainerNotOpenError{ContainerID: cmd.ContainerID}
	}
	return nil
}

// Dispatch implements csm.Dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd csm.Command, dctx csm.DispatchContext) (csm.Response, error) {
	switch cmd.Kind {
	case csm.KindCreateContainer:
		return d.createContainer(cmd)
	case csm.KindWriteChunk:
		return d.writeChunk(cmd, dctx)
	case csm.KindReadChunk:
		return d.readChunk(cmd, dctx)
	case csm.KindCloseContainer:
		return d.closeContainer(cmd)
	case csm.KindDeleteContainer:
		return d.deleteContainer(cmd)
	case csm.KindPutBlock, csm.KindFinalizeBlock, csm.KindPutSmallFile,
		csm.KindStreamInit, csm.KindReadContainer, csm.KindGetSmallFile, csm.KindEcho:
		// Metadata-only operations this reference dispatcher treats as
		// trivially successful once the container is open; a production
		// dispatcher would persist block/stream metadata here.
		d.mu.RLock()
		open := d.open[cmd.ContainerID]
		d.mu.RUnlock()
		if !open {
			return csm.Response{Result: csm.ResultContainerNotOpen}, nil
		}
		return csm.Response{Result: csm.ResultSuccess}, nil
	default:
		return csm.Response{Result: csm.ResultOtherFailure}, fmt.Errorf("unrecognized command kind %q", cmd.Kind)
	}
}

func (d *Dispatcher) createContainer(cmd csm.Command) (csm.Response, error) {
	if err := os.MkdirAll(d.chunkDir(cmd.ContainerID), 0o755); err != nil {
		return csm.Response{Result: csm.ResultOtherFailure}, fmt.Errorf("create container dir: %w", err)
	}

	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		return b.Put(encodeInt64(int64(cmd.ContainerID)), []byte{1})
	})
	if err != nil {
		return csm.Response{Result: csm.ResultOtherFailure}, fmt.Errorf("persist container open state: %w", err)
	}

	d.mu.Lock()
	d.open[cmd.ContainerID] = true
	d.mu.Unlock()

	return csm.Response{Result: csm.ResultSuccess}, nil
}

func (d *Dispatcher) writeChunk(cmd csm.Command, dctx csm.DispatchContext) (csm.Response, error) {
	d.mu.RLock()
	open := d.open[cmd.ContainerID]
	d.mu.RUnlock()
	if !open {
		return csm.Response{Result: csm.ResultContainerNotOpen}, nil
	}

	path := d.chunkPath(cmd.Block(), dctx.Index)
	if err := os.WriteFile(path, cmd.Data, 0o644); err != nil {
		return csm.Response{Result: csm.ResultChunkFileInconsistency}, fmt.Errorf("write chunk: %w", err)
	}
	return csm.Response{Result: csm.ResultSuccess}, nil
}

func (d *Dispatcher) readChunk(cmd csm.Command, dctx csm.DispatchContext) (csm.Response, error) {
	path := d.chunkPath(cmd.Block(), dctx.Index)
	data, err := os.ReadFile(path)
	if err != nil {
		return csm.Response{Result: csm.ResultChunkFileInconsistency}, fmt.Errorf("read chunk: %w", err)
	}
	return csm.Response{Result: csm.ResultSuccess, Data: data}, nil
}

func (d *Dispatcher) closeContainer(cmd csm.Command) (csm.Response, error) {
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		return b.Put(encodeInt64(int64(cmd.ContainerID)), []byte{0})
	})
	if err != nil {
		return csm.Response{Result: csm.ResultOtherFailure}, fmt.Errorf("persist container close: %w", err)
	}

	d.mu.Lock()
	d.open[cmd.ContainerID] = false
	d.mu.Unlock()

	return csm.Response{Result: csm.ResultSuccess}, nil
}

func (d *Dispatcher) deleteContainer(cmd csm.Command) (csm.Response, error) {
	if err := os.RemoveAll(filepath.Join(d.dataDir, "containers", fmt.Sprint(int64(cmd.ContainerID)))); err != nil {
		return csm.Response{Result: csm.ResultOtherFailure}, fmt.Errorf("remove container dir: %w", err)
	}

	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		return b.Delete(encodeInt64(int64(cmd.ContainerID)))
	})
	if err != nil {
		return csm.Response{Result: csm.ResultOtherFailure}, fmt.Errorf("remove container open state: %w", err)
	}

	d.mu.Lock()
	delete(d.open, cmd.ContainerID)
	d.mu.Unlock()

	return csm.Response{Result: csm.ResultSuccess}, nil
}

// GetStreamDataChannel implements csm.Dispatcher.
func (d *Dispatcher) GetStreamDataChannel(ctx context.Context, cmd csm.Command) (csm.StreamChannel, error) {
	d.mu.RLock()
	open := d.open[cmd.ContainerID]
	d.mu.RUnlock()
	if !open {
		return nil, &csm.ContainerNotOpenError{ContainerID: cmd.ContainerID}
	}

	path := d.chunkPath(cmd.Block(), 0)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open stream file: %w", err)
	}
	return &fileStreamChannel{file: f, putBlock: cmd}, nil
}

// BuildMissingContainerSet implements csm.Dispatcher.
func (d *Dispatcher) BuildMissingContainerSet(ctx context.Context, containerBCSID map[csm.ContainerID]csm.BCSID) (map[csm.ContainerID]struct{}, error) {
	missing := make(map[csm.ContainerID]struct{})
	for containerID := range containerBCSID {
		if _, err := os.Stat(filepath.Join(d.dataDir, "containers", fmt.Sprint(int64(containerID)))); os.IsNotExist(err) {
			missing[containerID] = struct{}{}
		}
	}
	if len(missing) > 0 {
		log.WithComponent("dispatcher").Warn().
			Int("missing_count", len(missing)).
			Msg("containers present in restored snapshot but absent on local disk")
	}
	return missing, nil
}

// IsFinalizedBlockExist implements csm.Dispatcher.
func (d *Dispatcher) IsFinalizedBlockExist(containerID csm.ContainerID, localID csm.LocalID) bool {
	key := finalizedKey{ContainerID: containerID, LocalID: localID}
	if _, ok := d.finalized.Get(key); ok {
		return true
	}

	var exists bool
	_ = d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFinalized)
		exists = b.Get(finalizedBucketKey(key)) != nil
		return nil
	})
	if exists {
		d.finalized.Add(key, struct{}{})
	}
	return exists
}

// AddFinalizedBlock implements csm.Dispatcher.
func (d *Dispatcher) AddFinalizedBlock(containerID csm.ContainerID, localID csm.LocalID) {
	key := finalizedKey{ContainerID: containerID, LocalID: localID}
	d.finalized.Add(key, struct{}{})

	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFinalized)
		return b.Put(finalizedBucketKey(key), []byte{1})
	})
	if err != nil {
		log.WithComponent("dispatcher").Error().
			Err(err).
			Int64("container_id", int64(containerID)).
			Int64("local_id", int64(localID)).
			Msg("failed to persist finalized-block ledger entry")
	}
}

func finalizedBucketKey(k finalizedKey) []byte {
	buf := make([]byte, 16)
	copy(buf[0:8], encodeInt64(int64(k.ContainerID)))
	copy(buf[8:16], encodeInt64(int64(k.LocalID)))
	return buf
}

// MarkContainerForClose implements csm.Dispatcher.
func (d *Dispatcher) MarkContainerForClose(containerID csm.ContainerID) error {
	_, err := d.closeContainer(csm.Command{ContainerID: containerID})
	return err
}

// QuasiCloseContainer implements csm.Dispatcher.
func (d *Dispatcher) QuasiCloseContainer(containerID csm.ContainerID, reason string) error {
	log.WithComponent("dispatcher").Info().
		Int64("container_id", int64(containerID)).
		Str("reason", reason).
		Msg("quasi-closing container")
	_, err := d.closeContainer(csm.Command{ContainerID: containerID})
	return err
}

// fileStreamChannel is the reference StreamChannel: a plain file opened for
// the duration of one bulk write.
type fileStreamChannel struct {
	file     *os.File
	putBlock csm.Command

	mu     sync.Mutex
	linked bool
}

func (c *fileStreamChannel) Write(p []byte) (int, error) { return c.file.Write(p) }

func (c *fileStreamChannel) Close() error { return c.file.Close() }

func (c *fileStreamChannel) CleanUp() {
	_ = os.Remove(c.file.Name())
}

func (c *fileStreamChannel) PutBlock() csm.Command { return c.putBlock }

func (c *fileStreamChannel) Linked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linked
}

func (c *fileStreamChannel) MarkLinked() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.linked = true
}
