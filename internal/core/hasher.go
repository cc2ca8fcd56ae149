package core

import (
	"PredictionLedger/internal/event"
	"PredictionLedger/internal/ledger"
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const GenesisHashSeed = "PredictionLedger:genesis:v1"

// GenesisHash is the prev_hash of sequence 0
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ChainHash links one event into the chain:
//
//	state_hash[N] = SHA-256(prev_hash || sequence LE || digest)
func ChainHash(prev [32]byte, sequence int64, digest []byte) [32]byte {
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], uint64(sequence))

	h := sha256.New()
	h.Write(prev[:])
	h.Write(seq[:])
	h.Write(digest)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// StateHasher holds the chain tip. Only the engine goroutine touches it.
type StateHasher struct {
	tip [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{tip: GenesisHash()}
}

// Next hashes sequence onto the tip and advances it
func (h *StateHasher) Next(sequence int64, digest []byte) (prev, next [32]byte) {
	prev = h.tip
	h.tip = ChainHash(prev, sequence, digest)
	return prev, h.tip
}

func (h *StateHasher) Tip() [32]byte { return h.tip }

// Reset moves the tip, used when restoring from a snapshot
func (h *StateHasher) Reset(tip [32]byte) { h.tip = tip }

// stateDigest is the canonical byte form of one event's effect: its type,
// its market, then every account the journal batch touched with the
// account's balance after the batch, ordered by account path.
type stateDigest struct {
	buf []byte
}

func newStateDigest(et event.EventType, market common.Address) *stateDigest {
	d := &stateDigest{buf: make([]byte, 0, 256)}
	d.buf = binary.LittleEndian.AppendUint64(d.buf, uint64(et))
	d.buf = append(d.buf, market.Bytes()...)
	return d
}

func (d *stateDigest) addAccount(path string, balance *uint256.Int) {
	d.buf = append(d.buf, byte(len(path)))
	d.buf = append(d.buf, path...)
	b := balance.Bytes32()
	d.buf = append(d.buf, b[:]...)
}

// addBatch appends the post-batch balance of each account batch touched
func (d *stateDigest) addBatch(batch *ledger.Batch, balanceOf func(ledger.AccountKey) *uint256.Int) {
	if batch == nil {
		return
	}

	seen := make(map[ledger.AccountKey]struct{}, 2*len(batch.Journals))
	keys := make([]ledger.AccountKey, 0, 2*len(batch.Journals))
	for _, j := range batch.Journals {
		for _, k := range [2]ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})

	for _, k := range keys {
		d.addAccount(k.AccountPath(), balanceOf(k))
	}
}

func (d *stateDigest) bytes() []byte { return d.buf }
