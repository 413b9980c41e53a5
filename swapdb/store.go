// Package swapdb implements §4.7/§6.4: the durable, append-only state
// store. Every state transition a driver makes is persisted here before
// any externally observable side effect, so that a crash between
// persistence and broadcast resumes safely (§5 "Resume correctness").
package swapdb

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ghostwire-labs/xmrbtc-swap/swap"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.etcd.io/bbolt"
)

var (
	bucketSwapStates    = []byte("swap-states")
	bucketPeers         = []byte("peers")
	bucketAddresses     = []byte("addresses")
	bucketMoneroAddrs   = []byte("monero-addresses")
	bucketBufferedProof = []byte("buffered-transfer-proofs")
)

// ErrNotFound is returned by every getter when the requested row does not
// exist.
var ErrNotFound = errors.New("swapdb: not found")

// DB is the single handle onto the append-only store, safe for one writer
// and many readers per bbolt's own concurrency model; this package adds
// no additional locking beyond bbolt's per-transaction guarantees, since
// §5 already pins "per-swap: the state-machine task is the sole writer of
// that swap's rows."
type DB struct {
	bolt     *bbolt.DB
	readOnly bool
}

// Open opens (or creates, unless readOnly) the store at path. readOnly
// backs the status CLI invoked against a running daemon's database (§4.7
// "two modes").
func Open(path string, readOnly bool) (*DB, error) {
	opts := &bbolt.Options{ReadOnly: readOnly}
	bolt, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("swapdb: open %s: %w", path, err)
	}
	db := &DB{bolt: bolt, readOnly: readOnly}
	if !readOnly {
		if err := db.createBuckets(); err != nil {
			bolt.Close()
			return nil, err
		}
	}
	return db, nil
}

func (db *DB) createBuckets() error {
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketSwapStates, bucketPeers, bucketAddresses, bucketMoneroAddrs, bucketBufferedProof} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) Close() error {
	return db.bolt.Close()
}

// InsertLatestState implements insert_latest_state(id, state): it appends
// a new row keyed by a monotonic timestamp, never overwriting a prior
// entry, so the full history of a swap's transitions is preserved.
func (db *DB) InsertLatestState(id swap.Id, stateJSON []byte) error {
	if db.readOnly {
		return errors.New("swapdb: store is read-only")
	}
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketSwapStates)
		swapBucket, err := root.CreateBucketIfNotExists(id[:])
		if err != nil {
			return err
		}
		key := timeKey(time.Now())
		// Guard against two transitions landing in the same
		// nanosecond: bump the key until it's free rather than
		// silently overwrite an existing row.
		for swapBucket.Get(key) != nil {
			incrementKey(key)
		}
		return swapBucket.Put(key, stateJSON)
	})
}

// GetLatestState implements get_latest_state(id): the row with the
// largest entered_at for that id.
func (db *DB) GetLatestState(id swap.Id) ([]byte, error) {
	var out []byte
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketSwapStates)
		swapBucket := root.Bucket(id[:])
		if swapBucket == nil {
			return ErrNotFound
		}
		_, v := swapBucket.Cursor().Last()
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// AllLatest implements all_latest(): used by the CLI's `history` and by
// daemon startup to resume every in-flight swap.
func (db *DB) AllLatest() (map[swap.Id][]byte, error) {
	out := make(map[swap.Id][]byte)
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketSwapStates)
		return root.ForEach(func(name, v []byte) error {
			// Nested buckets surface here with a nil value; every
			// key under bucketSwapStates is a per-swap bucket, so
			// skip anything that isn't one.
			if v != nil {
				return nil
			}
			swapBucket := root.Bucket(name)
			if swapBucket == nil {
				return nil
			}
			_, last := swapBucket.Cursor().Last()
			if last == nil {
				return nil
			}
			var id swap.Id
			copy(id[:], name)
			out[id] = append([]byte(nil), last...)
			return nil
		})
	})
	return out, err
}

// StateHistory returns every persisted state for id in insertion order,
// used by the monotonicity/terminality invariant tests.
func (db *DB) StateHistory(id swap.Id) ([][]byte, error) {
	var out [][]byte
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketSwapStates)
		swapBucket := root.Bucket(id[:])
		if swapBucket == nil {
			return ErrNotFound
		}
		return swapBucket.ForEach(func(_, v []byte) error {
			out = append(out, append([]byte(nil), v...))
			return nil
		})
	})
	return out, err
}

func (db *DB) InsertPeer(id swap.Id, p peer.ID) error {
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPeers).Put(id[:], []byte(p))
	})
}

func (db *DB) GetPeer(id swap.Id) (peer.ID, error) {
	var p peer.ID
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketPeers).Get(id[:])
		if v == nil {
			return ErrNotFound
		}
		p = peer.ID(v)
		return nil
	})
	return p, err
}

func (db *DB) InsertAddress(p peer.ID, multiaddr string) error {
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketAddresses)
		peerBucket, err := root.CreateBucketIfNotExists([]byte(p))
		if err != nil {
			return err
		}
		return peerBucket.Put([]byte(multiaddr), []byte{1})
	})
}

func (db *DB) GetAddresses(p peer.ID) ([]string, error) {
	var out []string
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketAddresses)
		peerBucket := root.Bucket([]byte(p))
		if peerBucket == nil {
			return nil
		}
		return peerBucket.ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

func (db *DB) InsertMoneroAddress(id swap.Id, address string) error {
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMoneroAddrs).Put(id[:], []byte(address))
	})
}

func (db *DB) GetMoneroAddress(id swap.Id) (string, error) {
	var out string
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketMoneroAddrs).Get(id[:])
		if v == nil {
			return ErrNotFound
		}
		out = string(v)
		return nil
	})
	return out, err
}

// BufferTransferProof implements buffer_transfer_proof(id, proof): used
// when a transfer proof arrives for a swap the recipient has not yet
// reached XmrLockProofReceived for (§9 "Transfer-proof buffering").
func (db *DB) BufferTransferProof(id swap.Id, proofJSON []byte) error {
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBufferedProof).Put(id[:], proofJSON)
	})
}

// TakeBufferedTransferProof implements take_buffered_transfer_proof(id):
// it returns and deletes the buffered proof, so the ack is only sent once
// the state machine has taken it (§4.8 "pending-transfer-proof future").
func (db *DB) TakeBufferedTransferProof(id swap.Id) ([]byte, error) {
	var out []byte
	err := db.bolt.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketBufferedProof)
		v := bucket.Get(id[:])
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return bucket.Delete(id[:])
	})
	return out, err
}

func timeKey(t time.Time) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(t.UnixNano()))
	return key[:]
}

func incrementKey(key []byte) {
	for i := len(key) - 1; i >= 0; i-- {
		key[i]++
		if key[i] != 0 {
			return
		}
	}
}

// MarshalState is a convenience wrapper so callers of InsertLatestState
// don't each reimplement error wrapping; protocol/seller.Encode and
// protocol/buyer.Encode do the actual "kind" tagging before the bytes
// reach here.
func MarshalState(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("swapdb: marshal state: %w", err)
	}
	return b, nil
}
