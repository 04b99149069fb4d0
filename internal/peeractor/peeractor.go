// Package peeractor implements the per-peer-connection actor: a goroutine
// owning one established peer wire session, driving the choke/interest
// state machine and a sliding request pipeline against the torrent's
// shared block picker and disk manager.
package peeractor

import (
	"time"

	"go.uber.org/zap"

	"github.com/lvbealr/gopher/internal/bterrors"
	"github.com/lvbealr/gopher/internal/diskmgr"
	"github.com/lvbealr/gopher/internal/peerwire"
	"github.com/lvbealr/gopher/internal/picker"
)

// State is the actor's position in its connection lifecycle. The
// pre-handshake stages belong to the supervisor, which only hands
// peeractor an already-handshaken Session, so an Actor starts at Ready.
type State int

const (
	Ready State = iota
	Active
)

// Config tunes the actor's pipeline and keep-alive behavior.
type Config struct {
	MaxPipeline       int
	KeepAliveInterval time.Duration
}

// DefaultMaxPipeline is the default outstanding-request window.
const DefaultMaxPipeline = 5

// DefaultKeepAliveInterval is how long the connection may go without a
// send before a keep-alive frame is written.
const DefaultKeepAliveInterval = 120 * time.Second

func (c Config) withDefaults() Config {
	if c.MaxPipeline <= 0 {
		c.MaxPipeline = DefaultMaxPipeline
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	return c
}

// BlockDownloaded is sent to the supervisor when a requested block arrives.
type BlockDownloaded struct {
	Block picker.Block
	Data  []byte
}

// Disconnected is sent to the supervisor on any exit path, always last.
type Disconnected struct {
	Addr string
	Err  error
}

// BytesUploaded/BytesDownloaded feed the supervisor's transfer totals.
type BytesUploaded struct{ N int }
type BytesDownloaded struct{ N int }

// PieceAdvertised reports a Have message from the remote, feeding the
// supervisor's per-piece availability counts for rarest-first picking.
type PieceAdvertised struct{ PieceIndex int }

// BitfieldAdvertised reports the remote's initial Bitfield, carrying a copy
// the supervisor may keep.
type BitfieldAdvertised struct{ Bitfield peerwire.Bitfield }

// SupervisorEvent is the union of messages an Actor sends upstream.
type SupervisorEvent interface{}

// CancelBlock asks the actor to cancel an outstanding request for blk, if
// still pending, because another peer delivered it first (end-game).
type CancelBlock struct {
	Block picker.Block
}

// AnnounceHave asks the actor to send a Have message for a piece the
// supervisor's disk manager just finished verifying.
type AnnounceHave struct {
	PieceIndex int
}

// Control is the union of messages the supervisor sends down to an Actor.
type Control interface{}

// Shutdown asks the actor to exit cleanly.
type Shutdown struct{}

// pendingUpload is a Request from the remote we have accepted and is
// waiting on a disk read reply.
type pendingUpload struct {
	block  picker.Block
	begin  uint32
	length uint32
}

// Actor drives one peer connection's Active-state message loop.
type Actor struct {
	cfg Config
	log *zap.SugaredLogger

	state State

	session *peerwire.Session
	picker  *picker.Picker
	disk    *diskmgr.Manager

	ownBitfield peerwire.Bitfield
	info        pieceInfo

	peerChoking     bool
	amChoking       bool
	peerInterested  bool
	amInterested    bool
	peerBitfield    peerwire.Bitfield
	outstanding     map[picker.Block]struct{}
	pendingUploads  map[picker.Block]*pendingUpload
	lastSendTime    time.Time
	uploadReady     chan uploadResult

	events  chan<- SupervisorEvent
	control <-chan Control
	stop    chan struct{} // closed when Run returns
}

// pieceInfo is the minimal per-torrent geometry the actor needs to turn a
// picker.Block into a wire Request/Piece payload.
type pieceInfo interface {
	PieceSize(i int) int64
	BlockSize(i, j int) int64
	BlockCount(i int) int
	BlockLen() int64
}

// New builds an Actor around an already-handshaken session.
func New(
	session *peerwire.Session,
	pk *picker.Picker,
	disk *diskmgr.Manager,
	ownBitfield peerwire.Bitfield,
	info pieceInfo,
	cfg Config,
	events chan<- SupervisorEvent,
	control <-chan Control,
	log *zap.SugaredLogger,
) *Actor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Actor{
		cfg:            cfg.withDefaults(),
		log:            log,
		state:          Ready,
		session:        session,
		picker:         pk,
		disk:           disk,
		ownBitfield:    ownBitfield,
		info:           info,
		peerChoking:    true,
		amChoking:      true,
		outstanding:    make(map[picker.Block]struct{}),
		pendingUploads: make(map[picker.Block]*pendingUpload),
		uploadReady:    make(chan uploadResult, 8),
		events:         events,
		control:        control,
		stop:           make(chan struct{}),
	}
}

// State reports the actor's current lifecycle state.
func (a *Actor) State() State {
	return a.state
}

// incomingMsg pairs a read result with its error so Run can select on it.
type incomingMsg struct {
	msg peerwire.Message
	ok  bool
	err error
}

// Run is the actor's Active-state loop. It blocks until the session closes,
// an I/O error occurs, or Shutdown is received on the control channel.
func (a *Actor) Run() {
	reads := make(chan incomingMsg, 1)
	defer close(a.stop)
	go a.readLoop(reads)

	if err := a.enterActive(); err != nil {
		a.exit(err)
		return
	}
	a.state = Active

	keepAlive := time.NewTicker(a.cfg.KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case ctrl := <-a.control:
			switch c := ctrl.(type) {
			case Shutdown:
				a.returnOutstanding()
				a.exit(nil)
				return
			case CancelBlock:
				if err := a.cancelOutstanding(c.Block); err != nil {
					a.returnOutstanding()
					a.exit(err)
					return
				}
			case AnnounceHave:
				a.ownBitfield.Set(c.PieceIndex)
				if err := a.send(peerwire.Message{ID: peerwire.MsgHave, Payload: peerwire.EncodeHave(uint32(c.PieceIndex))}); err != nil {
					a.returnOutstanding()
					a.exit(err)
					return
				}
			}

		case in := <-reads:
			if in.err != nil {
				a.returnOutstanding()
				a.exit(in.err)
				return
			}
			if !in.ok {
				continue // keep-alive
			}
			if err := a.handleMessage(in.msg); err != nil {
				a.returnOutstanding()
				a.exit(err)
				return
			}
			a.refillPipeline()

		case up := <-a.uploadReady:
			if _, ok := a.pendingUploads[up.block]; !ok {
				continue // cancelled while the disk read was in flight
			}
			delete(a.pendingUploads, up.block)
			payload := peerwire.EncodePiece(peerwire.PieceBlock{Index: up.index, Begin: up.begin, Data: up.data})
			if err := a.send(peerwire.Message{ID: peerwire.MsgPiece, Payload: payload}); err != nil {
				a.returnOutstanding()
				a.exit(err)
				return
			}
			a.emit(BytesUploaded{N: len(up.data)})

		case <-keepAlive.C:
			if time.Since(a.lastSendTime) >= a.cfg.KeepAliveInterval {
				if err := a.session.SendKeepAlive(); err != nil {
					a.returnOutstanding()
					a.exit(err)
					return
				}
				a.lastSendTime = time.Now()
			}
		}
	}
}

func (a *Actor) readLoop(out chan<- incomingMsg) {
	for {
		msg, ok, err := a.session.Receive()
		select {
		case out <- incomingMsg{msg: msg, ok: ok, err: err}:
		case <-a.stop:
			return
		}
		if err != nil {
			return
		}
	}
}

// enterActive sends our Interested and Bitfield messages, transitioning
// Ready -> Active.
func (a *Actor) enterActive() error {
	a.amInterested = true
	if err := a.send(peerwire.Message{ID: peerwire.MsgBitfield, Payload: a.ownBitfield}); err != nil {
		return err
	}
	if err := a.send(peerwire.Message{ID: peerwire.MsgInterested}); err != nil {
		return err
	}
	return nil
}

func (a *Actor) send(msg peerwire.Message) error {
	a.lastSendTime = time.Now()
	return a.session.Send(msg)
}

func (a *Actor) handleMessage(msg peerwire.Message) error {
	switch msg.ID {
	case peerwire.MsgChoke:
		a.peerChoking = true
		a.returnOutstanding()
	case peerwire.MsgUnchoke:
		a.peerChoking = false
	case peerwire.MsgInterested:
		a.peerInterested = true
		if a.amChoking {
			a.amChoking = false
			return a.send(peerwire.Message{ID: peerwire.MsgUnchoke})
		}
	case peerwire.MsgNotInterested:
		a.peerInterested = false
	case peerwire.MsgHave:
		idx, err := peerwire.DecodeHave(msg.Payload)
		if err != nil {
			return err
		}
		a.ensurePeerBitfield()
		a.peerBitfield.Set(int(idx))
		a.emit(PieceAdvertised{PieceIndex: int(idx)})
	case peerwire.MsgBitfield:
		if len(msg.Payload) != len(a.ownBitfield) {
			return bterrors.New(bterrors.KindProtocolViolation, "bitfield length does not match piece count")
		}
		a.peerBitfield = peerwire.Bitfield(append([]byte(nil), msg.Payload...))
		a.emit(BitfieldAdvertised{Bitfield: a.peerBitfield.Clone()})
	case peerwire.MsgRequest:
		return a.handleRequest(msg.Payload)
	case peerwire.MsgPiece:
		return a.handlePiece(msg.Payload)
	case peerwire.MsgCancel:
		req, err := peerwire.DecodeRequest(msg.Payload)
		if err == nil {
			delete(a.pendingUploads, picker.Block{PieceIndex: int(req.Index), BlockIndex: blockIndexFor(a.info, int(req.Begin))})
		}
	case peerwire.MsgPort:
		// DHT port advertisement: no DHT support, message is acknowledged by
		// being accepted and otherwise ignored.
	default:
		a.log.Debugw("ignoring unknown message", "id", msg.ID)
	}
	return nil
}

func (a *Actor) ensurePeerBitfield() {
	if a.peerBitfield == nil {
		a.peerBitfield = peerwire.Bitfield(make([]byte, len(a.ownBitfield)))
	}
}

// handleRequest services an incoming block request: reads the block from
// disk asynchronously and sends it once ready.
func (a *Actor) handleRequest(payload []byte) error {
	req, err := peerwire.DecodeRequest(payload)
	if err != nil {
		return err
	}
	if a.amChoking || !a.ownBitfield.Has(int(req.Index)) {
		return nil
	}

	blk := picker.Block{PieceIndex: int(req.Index), BlockIndex: blockIndexFor(a.info, int(req.Begin))}
	a.pendingUploads[blk] = &pendingUpload{block: blk, begin: req.Begin, length: req.Length}

	reply := make(chan diskmgr.ReadResult, 1)
	a.disk.Read(diskmgr.ReadRequest{
		PieceIndex: int(req.Index),
		Begin:      int64(req.Begin),
		Length:     int64(req.Length),
		Reply:      reply,
	})

	go func() {
		res := <-reply
		if res.Err != nil {
			a.log.Warnw("read for upload failed", "err", res.Err)
			return
		}
		// The actor's own goroutine owns the session's writer; sending from
		// here would race with Run's loop, so we hand the bytes back to Run
		// on the uploadReady channel instead.
		a.uploadReady <- uploadResult{block: blk, index: req.Index, begin: req.Begin, data: res.Data}
	}()

	return nil
}

// uploadResult carries a completed disk read back to Run for sending, so
// only Run's goroutine ever writes to the session.
type uploadResult struct {
	block picker.Block
	index uint32
	begin uint32
	data  []byte
}

// handlePiece processes an incoming Piece message.
func (a *Actor) handlePiece(payload []byte) error {
	block, err := peerwire.DecodePiece(payload)
	if err != nil {
		return err
	}

	blk := picker.Block{PieceIndex: int(block.Index), BlockIndex: blockIndexFor(a.info, int(block.Begin))}
	if _, ok := a.outstanding[blk]; !ok {
		return nil // unsolicited or already satisfied by another peer (end-game)
	}
	delete(a.outstanding, blk)

	a.picker.Complete(blk)
	a.disk.Write(diskmgr.WriteRequest{PieceIndex: int(block.Index), Begin: int64(block.Begin), Data: block.Data})

	a.emit(BlockDownloaded{Block: blk, Data: block.Data})
	a.emit(BytesDownloaded{N: len(block.Data)})
	return nil
}

// refillPipeline tops up the outstanding request window while unchoked,
// interested, and the peer advertises useful pieces.
func (a *Actor) refillPipeline() {
	if a.peerChoking || !a.amInterested || a.peerBitfield == nil {
		return
	}
	for len(a.outstanding) < a.cfg.MaxPipeline {
		blk, ok := a.picker.Pick(a.peerBitfield)
		if !ok {
			return
		}
		if _, dup := a.outstanding[blk]; dup {
			// End-game handed back a block this peer is already fetching.
			a.picker.Return(blk)
			return
		}
		begin := blk.BlockIndex * int(a.info.BlockLen())
		length := int(a.info.BlockSize(blk.PieceIndex, blk.BlockIndex))
		req := peerwire.BlockRequest{Index: uint32(blk.PieceIndex), Begin: uint32(begin), Length: uint32(length)}
		if err := a.send(peerwire.Message{ID: peerwire.MsgRequest, Payload: peerwire.EncodeRequest(req)}); err != nil {
			a.picker.Return(blk)
			return
		}
		a.outstanding[blk] = struct{}{}
	}
}

// cancelOutstanding withdraws a request another peer already satisfied
// (end-game): the block leaves the outstanding window without being returned
// to the picker, and the remote is told to stop serving it.
func (a *Actor) cancelOutstanding(blk picker.Block) error {
	if _, ok := a.outstanding[blk]; !ok {
		return nil
	}
	delete(a.outstanding, blk)

	begin := blk.BlockIndex * int(a.info.BlockLen())
	length := int(a.info.BlockSize(blk.PieceIndex, blk.BlockIndex))
	req := peerwire.BlockRequest{Index: uint32(blk.PieceIndex), Begin: uint32(begin), Length: uint32(length)}
	return a.send(peerwire.Message{ID: peerwire.MsgCancel, Payload: peerwire.EncodeRequest(req)})
}

func (a *Actor) returnOutstanding() {
	for blk := range a.outstanding {
		a.picker.Return(blk)
		delete(a.outstanding, blk)
	}
}

// emit blocks until the supervisor's forwarder takes the event: queues are
// bounded and producers block rather than drop. The stop guard only matters
// during teardown, when nothing drains the channel anymore.
func (a *Actor) emit(ev SupervisorEvent) {
	select {
	case a.events <- ev:
	case <-a.stop:
	}
}

func (a *Actor) exit(err error) {
	addr := ""
	if a.session != nil {
		addr = a.session.Addr
		a.session.Close()
	}
	// Disconnected is the one event that must not be dropped: the
	// supervisor's forwarding goroutine exits only once it has seen it.
	a.events <- Disconnected{Addr: addr, Err: err}
}

func blockIndexFor(info pieceInfo, begin int) int {
	blockLen := int(info.BlockLen())
	if blockLen == 0 {
		return 0
	}
	return begin / blockLen
}
