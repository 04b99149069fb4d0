// Package picker implements the shared block picker: a single structure,
// serialized by one mutex, that every peer actor of a torrent picks blocks
// from and returns blocks to.
package picker

import (
	"math/rand"
	"sync"

	"github.com/lvbealr/gopher/internal/peerwire"
)

// Block identifies one outstanding request, piece index plus block index
// within that piece.
type Block struct {
	PieceIndex int
	BlockIndex int
}

// Config tunes the picker's refinements over the random baseline.
type Config struct {
	// RarestFirst biases piece selection towards pieces with the lowest
	// availability count instead of uniform-random.
	RarestFirst bool

	// EndGameThreshold is the number of outstanding (picked, undelivered)
	// blocks at or below which Pick may hand out a block that already has
	// an owner, so the last few blocks of a download are requested from
	// every peer that has them.
	EndGameThreshold int
}

// DefaultEndGameThreshold is applied by New when Config.EndGameThreshold is
// left at zero.
const DefaultEndGameThreshold = 20

type pieceEntry struct {
	index        int
	blockCount   int
	remaining    map[int]struct{} // block index -> present (never requested, or returned)
	outstanding  map[int]int      // block index -> number of peers currently fetching it
	availability int
}

// Picker is the shared block picker, one instance per torrent, used by
// every peer actor for that torrent.
type Picker struct {
	mu               sync.Mutex
	cfg              Config
	pieces           map[int]*pieceEntry // only pieces not yet complete
	outstandingTotal int
}

// New builds a Picker for a torrent with the given per-piece block counts,
// indexed by piece index (length == piece count). pieceDone marks pieces
// that are already complete (e.g. resumed from a snapshot) and are excluded
// from picking entirely.
func New(blockCounts []int, pieceDone []bool, cfg Config) *Picker {
	if cfg.EndGameThreshold <= 0 {
		cfg.EndGameThreshold = DefaultEndGameThreshold
	}

	p := &Picker{
		cfg:    cfg,
		pieces: make(map[int]*pieceEntry),
	}

	for i, bc := range blockCounts {
		if i < len(pieceDone) && pieceDone[i] {
			continue
		}
		entry := &pieceEntry{
			index:       i,
			blockCount:  bc,
			remaining:   make(map[int]struct{}, bc),
			outstanding: make(map[int]int),
		}
		for b := 0; b < bc; b++ {
			entry.remaining[b] = struct{}{}
		}
		p.pieces[i] = entry
	}

	return p
}

// SetAvailability records how many connected peers currently advertise
// pieceIndex, feeding the RarestFirst refinement. Callers update this from
// Bitfield/Have messages; it is a no-op for already-complete pieces.
func (p *Picker) SetAvailability(pieceIndex, count int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.pieces[pieceIndex]; ok {
		e.availability = count
	}
}

// Pick chooses a block to request from a peer advertising peerBitfield,
// among pieces not yet complete and present in that bitfield. It returns
// ok=false if no eligible block exists, either because there's no overlap
// or because every remaining block is already outstanding and end-game has
// not kicked in.
func (p *Picker) Pick(peerBitfield peerwire.Bitfield) (blk Block, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := p.eligiblePieces(peerBitfield)
	if len(candidates) == 0 {
		return Block{}, false
	}

	entry := p.choosePiece(candidates)

	if pick, found := p.pickBlockIndex(entry); found {
		entry.outstanding[pick]++
		p.outstandingTotal++
		return Block{PieceIndex: entry.index, BlockIndex: pick}, true
	}

	return Block{}, false
}

// eligiblePieces returns the not-yet-complete pieces present in
// peerBitfield that still have at least one pickable block (either a free
// block, or, within the end-game window, any outstanding block).
func (p *Picker) eligiblePieces(peerBitfield peerwire.Bitfield) []*pieceEntry {
	endGame := p.outstandingTotal <= p.cfg.EndGameThreshold

	var candidates []*pieceEntry
	for idx, e := range p.pieces {
		if !peerBitfield.Has(idx) {
			continue
		}
		if len(e.remaining) > 0 || endGame {
			candidates = append(candidates, e)
		}
	}
	return candidates
}

// choosePiece selects one of candidates, rarest-first or uniformly at
// random depending on configuration.
func (p *Picker) choosePiece(candidates []*pieceEntry) *pieceEntry {
	if !p.cfg.RarestFirst {
		return candidates[rand.Intn(len(candidates))]
	}

	best := candidates[0]
	var tied []*pieceEntry
	for _, e := range candidates {
		switch {
		case e.availability < best.availability:
			best = e
			tied = []*pieceEntry{e}
		case e.availability == best.availability:
			tied = append(tied, e)
		}
	}
	return tied[rand.Intn(len(tied))]
}

// pickBlockIndex chooses a block within entry: uniformly among free blocks
// if any remain, otherwise (end-game only) uniformly among outstanding
// blocks so a duplicate request can be issued.
func (p *Picker) pickBlockIndex(entry *pieceEntry) (int, bool) {
	if len(entry.remaining) > 0 {
		idx := randomSetKey(entry.remaining)
		delete(entry.remaining, idx)
		return idx, true
	}

	if len(entry.outstanding) > 0 {
		return randomIntMapKey(entry.outstanding), true
	}

	return 0, false
}

func randomSetKey(m map[int]struct{}) int {
	n := rand.Intn(len(m))
	i := 0
	for k := range m {
		if i == n {
			return k
		}
		i++
	}
	panic("unreachable")
}

func randomIntMapKey(m map[int]int) int {
	n := rand.Intn(len(m))
	i := 0
	for k := range m {
		if i == n {
			return k
		}
		i++
	}
	panic("unreachable")
}

// Return restores a previously picked but undelivered block to the
// available set. It is a no-op if the piece has since completed.
func (p *Picker) Return(blk Block) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.pieces[blk.PieceIndex]
	if !ok {
		return
	}

	if n := e.outstanding[blk.BlockIndex]; n > 1 {
		e.outstanding[blk.BlockIndex] = n - 1
	} else {
		delete(e.outstanding, blk.BlockIndex)
		e.remaining[blk.BlockIndex] = struct{}{}
	}
	p.outstandingTotal--
}

// Complete removes a delivered block. If the piece has no remaining or
// outstanding blocks left, the piece itself is removed from the active set
// (it is expected the caller has already verified the piece's hash, or will
// call Return for the whole piece's blocks on mismatch via ReopenPiece).
func (p *Picker) Complete(blk Block) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.pieces[blk.PieceIndex]
	if !ok {
		return
	}

	if n := e.outstanding[blk.BlockIndex]; n > 0 {
		p.outstandingTotal -= n
		delete(e.outstanding, blk.BlockIndex)
	}
	delete(e.remaining, blk.BlockIndex)

	if len(e.remaining) == 0 && len(e.outstanding) == 0 {
		delete(p.pieces, blk.PieceIndex)
	}
}

// ReopenPiece restores every block of a piece whose hash failed
// verification back into the available set. If the piece had already been
// removed from the active set (fully completed, then failed verification),
// it is recreated.
func (p *Picker) ReopenPiece(pieceIndex, blockCount int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.pieces[pieceIndex]
	if !ok {
		e = &pieceEntry{
			index:       pieceIndex,
			blockCount:  blockCount,
			remaining:   make(map[int]struct{}, blockCount),
			outstanding: make(map[int]int),
		}
		p.pieces[pieceIndex] = e
	}

	for _, n := range e.outstanding {
		p.outstandingTotal -= n
	}
	e.outstanding = make(map[int]int)
	e.remaining = make(map[int]struct{}, blockCount)
	for b := 0; b < blockCount; b++ {
		e.remaining[b] = struct{}{}
	}
}

// Remaining reports, for each not-yet-complete piece, how many of its
// blocks are still undelivered (free or outstanding). Used for state
// snapshots.
func (p *Picker) Remaining() map[int]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[int]int, len(p.pieces))
	for idx, e := range p.pieces {
		out[idx] = len(e.remaining) + len(e.outstanding)
	}
	return out
}

// IsEmpty reports whether every piece is complete.
func (p *Picker) IsEmpty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pieces) == 0
}

// OutstandingCount returns the number of currently outstanding (picked,
// undelivered) block requests, counting duplicate end-game assignments
// separately.
func (p *Picker) OutstandingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstandingTotal
}
