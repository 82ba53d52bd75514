package chain

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/harveybc/doin-core/pkgs/doinerr"
)

var (
	bucketByHash   = []byte("by_hash")
	bucketByHeight = []byte("by_height")
)

// Log is the append-only on-disk chain: canonically-encoded blocks,
// each prefixed by a u32 byte length, plus a bbolt sidecar index
// mapping block_hash -> offset and height -> offset. The sidecar is a
// cache; the store is always rebuildable from the log alone.
type Log struct {
	file  *os.File
	index *bolt.DB
	path  string
}

// OpenLog opens (or creates) the chain log under dir.
func OpenLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create chain data dir: %w", err)
	}

	logPath := filepath.Join(dir, "chain.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open chain log: %w", err)
	}

	idx, err := bolt.Open(filepath.Join(dir, "chain.idx"), 0o644, nil)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open chain index: %w", err)
	}
	if err := idx.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketByHash); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketByHeight)
		return err
	}); err != nil {
		f.Close()
		idx.Close()
		return nil, fmt.Errorf("failed to initialize chain index: %w", err)
	}

	return &Log{file: f, index: idx, path: logPath}, nil
}

// Append writes a block to the log and records its offsets.
func (l *Log) Append(b *Block) error {
	offset, err := l.file.Seek(0, io.SeekEnd)
	if err != nil {
		return doinerr.Wrap(doinerr.Fatal, "chain log seek failed", err)
	}

	payload := b.Canonical()
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(payload)))

	if _, err := l.file.Write(lenPrefix[:]); err != nil {
		return doinerr.Wrap(doinerr.Fatal, "chain log write failed", err)
	}
	if _, err := l.file.Write(payload); err != nil {
		return doinerr.Wrap(doinerr.Fatal, "chain log write failed", err)
	}
	if err := l.file.Sync(); err != nil {
		return doinerr.Wrap(doinerr.Fatal, "chain log sync failed", err)
	}

	return l.index.Update(func(tx *bolt.Tx) error {
		var off [8]byte
		binary.BigEndian.PutUint64(off[:], uint64(offset))
		if err := tx.Bucket(bucketByHash).Put([]byte(b.BlockHash), off[:]); err != nil {
			return err
		}
		var height [8]byte
		binary.BigEndian.PutUint64(height[:], b.Index)
		return tx.Bucket(bucketByHeight).Put(height[:], off[:])
	})
}

// ReadAt decodes the block stored at the given log offset.
func (l *Log) ReadAt(offset uint64) (*Block, error) {
	var lenPrefix [4]byte
	if _, err := l.file.ReadAt(lenPrefix[:], int64(offset)); err != nil {
		return nil, doinerr.Wrap(doinerr.Fatal, "chain log read failed", err)
	}
	size := binary.BigEndian.Uint32(lenPrefix[:])
	payload := make([]byte, size)
	if _, err := l.file.ReadAt(payload, int64(offset)+4); err != nil {
		return nil, doinerr.Wrap(doinerr.Fatal, "chain log read failed", err)
	}
	b, err := DecodeBlock(payload)
	if err != nil {
		return nil, doinerr.Wrap(doinerr.Fatal, "chain log corrupt", err)
	}
	return b, nil
}

// ByHash looks a block up via the sidecar index.
func (l *Log) ByHash(hash string) (*Block, error) {
	var offset uint64
	found := false
	if err := l.index.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketByHash).Get([]byte(hash)); v != nil {
			offset = binary.BigEndian.Uint64(v)
			found = true
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("block %s not in chain log index", short(hash))
	}
	return l.ReadAt(offset)
}

// Replay streams every block in the log, in append order, through fn.
// Used to rebuild the in-memory store and the sidecar index.
func (l *Log) Replay(fn func(*Block) error) error {
	offset := int64(0)
	for {
		var lenPrefix [4]byte
		_, err := l.file.ReadAt(lenPrefix[:], offset)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return doinerr.Wrap(doinerr.Fatal, "chain log read failed", err)
		}
		size := binary.BigEndian.Uint32(lenPrefix[:])
		payload := make([]byte, size)
		if _, err := l.file.ReadAt(payload, offset+4); err != nil {
			return doinerr.Wrap(doinerr.Fatal, "chain log truncated mid-record", err)
		}
		b, err := DecodeBlock(payload)
		if err != nil {
			return doinerr.Wrap(doinerr.Fatal, "chain log corrupt", err)
		}
		if err := fn(b); err != nil {
			return err
		}
		offset += 4 + int64(size)
	}
}

// RebuildIndex drops and repopulates the sidecar index from the log.
func (l *Log) RebuildIndex() error {
	if err := l.index.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketByHash, bucketByHeight} {
			if err := tx.DeleteBucket(bucket); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	offset := uint64(0)
	count := 0
	err := l.Replay(func(b *Block) error {
		size := uint32(len(b.Canonical()))
		err := l.index.Update(func(tx *bolt.Tx) error {
			var off [8]byte
			binary.BigEndian.PutUint64(off[:], offset)
			if err := tx.Bucket(bucketByHash).Put([]byte(b.BlockHash), off[:]); err != nil {
				return err
			}
			var height [8]byte
			binary.BigEndian.PutUint64(height[:], b.Index)
			return tx.Bucket(bucketByHeight).Put(height[:], off[:])
		})
		offset += 4 + uint64(size)
		count++
		return err
	})
	if err == nil {
		log.Infof("Rebuilt chain index: %d block(s)", count)
	}
	return err
}

// Close flushes and closes the log and index.
func (l *Log) Close() error {
	if err := l.index.Close(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
