// Package supervisor implements the per-torrent supervisor actor: the owner
// of a torrent's disk manager, block picker, client bitfield, and peer set,
// driving tracker announces and persisting resumable state.
package supervisor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvbealr/gopher/internal/bterrors"
	"github.com/lvbealr/gopher/internal/diskmgr"
	"github.com/lvbealr/gopher/internal/metainfo"
	"github.com/lvbealr/gopher/internal/peeractor"
	"github.com/lvbealr/gopher/internal/peerwire"
	"github.com/lvbealr/gopher/internal/picker"
	"github.com/lvbealr/gopher/internal/tracker"
)

// Control is the union of messages the engine sends down to a Supervisor.
type Control interface{}

// Shutdown asks the supervisor to announce "stopped", tear down every peer,
// persist a final snapshot, and exit.
type Shutdown struct{}

// SnapshotRequest asks the supervisor to reply with its current Snapshot on
// Reply, without altering its running state.
type SnapshotRequest struct {
	Reply chan<- Snapshot
}

// AddPeerSession hands the supervisor an already-handshaken incoming
// session: the shared listener lives in the engine, but the resulting
// per-peer actor belongs here.
type AddPeerSession struct {
	Session *peerwire.Session
}

// peerEvent tags a peeractor.SupervisorEvent with the address of the peer
// actor that produced it, so the fan-in loop can find the right peerHandle.
type peerEvent struct {
	addr string
	ev   peeractor.SupervisorEvent
}

// peerDialFailed reports an outgoing dial/handshake failure back into Run's
// goroutine, so the blacklist stays single-writer.
type peerDialFailed struct {
	addr string
	err  error
}

// peerHandle is everything the supervisor keeps about one connected peer.
// done is closed once the peer's actor has emitted Disconnected, releasing
// any sender still blocked on control.
type peerHandle struct {
	addr       string
	control    chan peeractor.Control
	done       chan struct{}
	advertised peerwire.Bitfield
}

// sendControl delivers a control message to the peer's actor, blocking until
// it is accepted or the actor is gone: control queues are bounded and
// producers block rather than drop.
func (h *peerHandle) sendControl(msg peeractor.Control) {
	select {
	case h.control <- msg:
	case <-h.done:
	}
}

// Config tunes the supervisor's background timers and pipeline defaults.
type Config struct {
	PeerConfig         peeractor.Config
	ReannounceInterval time.Duration // overridden by the tracker's own interval once known
	DiskPoolSize       int
	SnapshotInterval   time.Duration
	MaxConnsPerTorrent int
}

// DefaultSnapshotInterval is how often the supervisor persists state; only
// the whole torrent finishing forces an earlier save.
const DefaultSnapshotInterval = 30 * time.Second

// DefaultMaxConnsPerTorrent caps the peer set when the configuration does
// not set its own limit.
const DefaultMaxConnsPerTorrent = 50

func (c Config) withDefaults() Config {
	if c.ReannounceInterval <= 0 {
		c.ReannounceInterval = tracker.DefaultReannounceInterval * time.Second
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.MaxConnsPerTorrent <= 0 {
		c.MaxConnsPerTorrent = DefaultMaxConnsPerTorrent
	}
	return c
}

// Supervisor is the torrent supervisor actor: one instance per added
// torrent, run on its own goroutine via Run.
type Supervisor struct {
	cfg Config
	log *zap.SugaredLogger

	info       *metainfo.Info
	infoHash   [20]byte
	peerID     [20]byte
	listenPort uint16
	srcPath    string
	destPath   string

	disk   *diskmgr.Manager
	picker *picker.Picker
	store  *snapshotStore

	bitfield     peerwire.Bitfield
	peers        map[string]*peerHandle
	blacklist    map[string]struct{}
	availability map[int]int
	peerEvents   chan peerEvent

	downloaded int64
	uploaded   int64
	left       int64

	currentInterval time.Duration

	trackerClient *tracker.Client
	trackerID     string

	tasks errgroup.Group
	mu    sync.Mutex // guards bitfield/totals read by SnapshotRequest from Run's own goroutine only; kept for future concurrent readers

	control chan Control
}

// New builds a Supervisor for one torrent. existingPieces, if non-nil,
// seeds the client bitfield and the disk manager/picker's completed-piece
// state from a prior Snapshot.
func New(
	info *metainfo.Info,
	infoHash, peerID [20]byte,
	listenPort uint16,
	srcPath, destPath, stateDir string,
	announce string,
	announceList [][]string,
	existingPieces []bool,
	cfg Config,
	log *zap.SugaredLogger,
) (*Supervisor, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	cfg = cfg.withDefaults()

	disk, err := diskmgr.Open(info, destPath, existingPieces, cfg.DiskPoolSize, log.Named("diskmgr"))
	if err != nil {
		return nil, err
	}

	blockCounts := make([]int, info.PieceCount)
	for i := range blockCounts {
		blockCounts[i] = info.BlockCount(i)
	}
	pk := picker.New(blockCounts, existingPieces, picker.Config{RarestFirst: true})

	bitfield := peerwire.NewBitfield(info.PieceCount)
	var left int64
	for i := 0; i < info.PieceCount; i++ {
		if i < len(existingPieces) && existingPieces[i] {
			bitfield.Set(i)
		} else {
			left += info.PieceSize(i)
		}
	}

	s := &Supervisor{
		cfg:             cfg,
		log:             log,
		info:            info,
		infoHash:        infoHash,
		peerID:          peerID,
		listenPort:      listenPort,
		srcPath:         srcPath,
		destPath:        destPath,
		disk:            disk,
		picker:          pk,
		store:           newSnapshotStore(stateDir),
		bitfield:        bitfield,
		peers:           make(map[string]*peerHandle),
		blacklist:       make(map[string]struct{}),
		availability:    make(map[int]int),
		peerEvents:      make(chan peerEvent, 64),
		left:            left,
		currentInterval: cfg.ReannounceInterval,
		trackerClient:   tracker.NewClient(announce, announceList),
		control:         make(chan Control, 8),
	}
	return s, nil
}

// Control returns the channel the engine sends Control messages on.
func (s *Supervisor) Control() chan<- Control {
	return s.control
}

// AddOutgoingPeer dials addr, performs the handshake, and folds the
// resulting peer into the supervisor's peer set. It is safe to call this
// from outside Run's goroutine; the resulting actor is registered the next
// time Run's loop observes the control channel.
func (s *Supervisor) AddOutgoingPeer(addr string, dialTimeout time.Duration) error {
	session, err := peerwire.NewOutgoingSession(addr, s.infoHash, s.peerID, dialTimeout)
	if err != nil {
		return err
	}
	s.control <- AddPeerSession{Session: session}
	return nil
}

// Run is the supervisor's main loop: a priority-ordered select (control,
// then disk events, then peer events, then timers) that announces "started"
// before entering the loop and "stopped" before returning.
func (s *Supervisor) Run() {
	reannounce := time.NewTicker(s.cfg.ReannounceInterval)
	defer reannounce.Stop()

	if resp, err := s.announce(tracker.EventStarted); err != nil {
		s.log.Warnw("initial announce failed", "err", err)
		s.backOffReannounce(reannounce)
	} else {
		s.adoptTrackerInterval(reannounce, resp.Interval)
		s.connectPeers(resp)
	}
	snapshotTick := time.NewTicker(s.cfg.SnapshotInterval)
	defer snapshotTick.Stop()

	for {
		if done := s.drainOnePriority(reannounce, snapshotTick); done {
			return
		}
	}
}

// drainOnePriority processes exactly one message, preferring control over
// disk events over peer events over timers, falling through to a blocking
// select only once every higher-priority channel is empty. It returns true
// once the supervisor should exit.
func (s *Supervisor) drainOnePriority(reannounce, snapshotTick *time.Ticker) bool {
	select {
	case c := <-s.control:
		return s.handleControl(c)
	default:
	}

	select {
	case ev, ok := <-s.disk.Events():
		if ok {
			s.handleDiskEvent(ev)
		}
		return false
	default:
	}

	select {
	case pe := <-s.peerEvents:
		s.handlePeerEvent(pe)
		return false
	default:
	}

	select {
	case c := <-s.control:
		return s.handleControl(c)
	case ev, ok := <-s.disk.Events():
		if ok {
			s.handleDiskEvent(ev)
		}
		return false
	case pe := <-s.peerEvents:
		s.handlePeerEvent(pe)
		return false
	case <-reannounce.C:
		s.doReannounce(reannounce)
		return false
	case <-snapshotTick.C:
		s.persistSnapshot()
		return false
	}
}

func (s *Supervisor) handleControl(c Control) (shutdown bool) {
	switch msg := c.(type) {
	case Shutdown:
		s.shutdown()
		return true
	case SnapshotRequest:
		msg.Reply <- s.buildSnapshotLocked()
	case AddPeerSession:
		s.registerPeer(msg.Session)
	case peerDialFailed:
		if bterrors.Is(msg.err, bterrors.KindHandshakeFailed) || bterrors.Is(msg.err, bterrors.KindInfoHashMismatch) {
			s.blacklist[msg.addr] = struct{}{}
		}
		s.log.Debugw("dialing discovered peer failed", "addr", msg.addr, "err", msg.err)
	default:
		s.log.Warnw("unknown control message", "msg", fmt.Sprintf("%#v", c))
	}
	return false
}

func (s *Supervisor) registerPeer(session *peerwire.Session) {
	if _, exists := s.peers[session.Addr]; exists {
		session.Close()
		return
	}
	if len(s.peers) >= s.cfg.MaxConnsPerTorrent {
		s.log.Debugw("peer limit reached, refusing session", "addr", session.Addr)
		session.Close()
		return
	}

	actorControl := make(chan peeractor.Control, 4)
	events := make(chan peeractor.SupervisorEvent, 32)

	handle := &peerHandle{
		addr:       session.Addr,
		control:    actorControl,
		done:       make(chan struct{}),
		advertised: peerwire.NewBitfield(s.info.PieceCount),
	}
	s.peers[session.Addr] = handle

	actor := peeractor.New(session, s.picker, s.disk, s.bitfield.Clone(), s.info, s.cfg.PeerConfig, events, actorControl, s.log.Named("peer").With("addr", session.Addr))

	s.tasks.Go(func() error {
		actor.Run()
		return nil
	})
	s.tasks.Go(func() error {
		addr := session.Addr
		for ev := range events {
			s.peerEvents <- peerEvent{addr: addr, ev: ev}
			if _, disconnected := ev.(peeractor.Disconnected); disconnected {
				close(handle.done) // Disconnected is always the actor's last event
				return nil
			}
		}
		return nil
	})
}

func (s *Supervisor) handleDiskEvent(ev diskmgr.Event) {
	switch e := ev.(type) {
	case diskmgr.Have:
		s.bitfield.Set(e.PieceIndex)
		s.left -= s.info.PieceSize(e.PieceIndex)
		s.broadcastHave(e.PieceIndex)
	case diskmgr.HashMismatch:
		s.picker.ReopenPiece(e.PieceIndex, e.BlockCount)
	case diskmgr.WriteFailed:
		s.log.Warnw("block write failed", "piece", e.PieceIndex, "begin", e.Begin, "err", e.Err)
		s.picker.ReopenPiece(e.PieceIndex, s.info.BlockCount(e.PieceIndex))
	case diskmgr.FinishedDownloading:
		s.log.Infow("torrent finished downloading", "name", s.info.Name)
		if _, err := s.announce(tracker.EventCompleted); err != nil {
			s.log.Warnw("completed announce failed", "err", err)
		}
		s.persistSnapshot()
	}
}

// broadcastHave tells every connected peer actor to advertise a newly
// verified piece over the wire. Delivery is off-loop so one slow actor
// cannot stall event dispatch, but never dropped.
func (s *Supervisor) broadcastHave(pieceIndex int) {
	for _, h := range s.peers {
		go func(h *peerHandle) {
			h.sendControl(peeractor.AnnounceHave{PieceIndex: pieceIndex})
		}(h)
	}
}

func (s *Supervisor) handlePeerEvent(pe peerEvent) {
	switch ev := pe.ev.(type) {
	case peeractor.BlockDownloaded:
		// End-game: the first arrival wins; every other peer still fetching
		// this block is told to cancel it.
		s.broadcastCancel(ev.Block, pe.addr)
	case peeractor.BytesDownloaded:
		s.downloaded += int64(ev.N)
	case peeractor.BytesUploaded:
		s.uploaded += int64(ev.N)
	case peeractor.PieceAdvertised:
		s.recordAdvertised(pe.addr, ev.PieceIndex)
	case peeractor.BitfieldAdvertised:
		for i := 0; i < s.info.PieceCount; i++ {
			if ev.Bitfield.Has(i) {
				s.recordAdvertised(pe.addr, i)
			}
		}
	case peeractor.Disconnected:
		s.dropPeer(pe.addr)
		if ev.Err != nil {
			s.log.Debugw("peer disconnected", "addr", pe.addr, "err", ev.Err)
		}
	}
}

// broadcastCancel tells every peer except source to withdraw an outstanding
// request for blk: during end-game the first arrival wins. Delivery is
// off-loop so one slow actor cannot stall event dispatch, but never dropped.
func (s *Supervisor) broadcastCancel(blk picker.Block, source string) {
	for addr, h := range s.peers {
		if addr == source {
			continue
		}
		go func(h *peerHandle) {
			h.sendControl(peeractor.CancelBlock{Block: blk})
		}(h)
	}
}

// recordAdvertised counts one peer's claim to a piece exactly once, feeding
// the picker's rarest-first availability index.
func (s *Supervisor) recordAdvertised(addr string, pieceIndex int) {
	h, ok := s.peers[addr]
	if !ok || h.advertised.Has(pieceIndex) {
		return
	}
	h.advertised.Set(pieceIndex)
	s.availability[pieceIndex]++
	s.picker.SetAvailability(pieceIndex, s.availability[pieceIndex])
}

// dropPeer removes a disconnected peer and releases its availability counts.
func (s *Supervisor) dropPeer(addr string) {
	h, ok := s.peers[addr]
	if !ok {
		return
	}
	delete(s.peers, addr)
	for i := 0; i < s.info.PieceCount; i++ {
		if !h.advertised.Has(i) {
			continue
		}
		if s.availability[i] > 0 {
			s.availability[i]--
		}
		s.picker.SetAvailability(i, s.availability[i])
	}
}

// maxReannounceBackoff caps the doubling applied after consecutive tracker
// failures.
const maxReannounceBackoff = 30 * time.Minute

// doReannounce re-announces on the regular interval and dials any newly
// discovered peers we aren't already connected to. Tracker
// failures are recoverable: the interval doubles up to a cap while the
// download continues with the peers it already has.
func (s *Supervisor) doReannounce(reannounce *time.Ticker) {
	resp, err := s.announce(tracker.EventNone)
	if err != nil {
		s.log.Warnw("reannounce failed", "err", err)
		s.backOffReannounce(reannounce)
		return
	}
	s.adoptTrackerInterval(reannounce, resp.Interval)
	s.connectPeers(resp)
}

// backOffReannounce doubles the announce interval after a failure, capped.
func (s *Supervisor) backOffReannounce(reannounce *time.Ticker) {
	s.currentInterval *= 2
	if s.currentInterval > maxReannounceBackoff {
		s.currentInterval = maxReannounceBackoff
	}
	reannounce.Reset(s.currentInterval)
}

// adoptTrackerInterval resets the announce timer to the tracker's requested
// interval, clearing any accumulated backoff.
func (s *Supervisor) adoptTrackerInterval(reannounce *time.Ticker, intervalSeconds int) {
	next := time.Duration(intervalSeconds) * time.Second
	if next <= 0 {
		next = s.cfg.ReannounceInterval
	}
	s.currentInterval = next
	reannounce.Reset(next)
}

// connectPeers dials peers from a tracker response that we are neither
// connected to nor have blacklisted, up to the per-torrent connection
// limit (registerPeer re-checks the limit when each dial completes). Dial
// failures come back through the control channel so the blacklist is only
// ever touched from Run's goroutine.
func (s *Supervisor) connectPeers(resp *tracker.Response) {
	budgetLeft := s.cfg.MaxConnsPerTorrent - len(s.peers)
	for _, p := range resp.Peers {
		if budgetLeft <= 0 {
			return
		}
		addr := tracker.PeerAddr(p)
		if _, connected := s.peers[addr]; connected {
			continue
		}
		if _, banned := s.blacklist[addr]; banned {
			continue
		}
		budgetLeft--
		go func(addr string) {
			if err := s.AddOutgoingPeer(addr, 10*time.Second); err != nil {
				select {
				case s.control <- peerDialFailed{addr: addr, err: err}:
				default: // supervisor already gone; nothing left to bookkeep
				}
			}
		}(addr)
	}
}

func (s *Supervisor) announce(event tracker.Event) (*tracker.Response, error) {
	req := tracker.Request{
		InfoHash:   s.infoHash,
		PeerID:     s.peerID,
		Port:       s.listenPort,
		Uploaded:   s.uploaded,
		Downloaded: s.downloaded,
		Left:       s.left,
		Event:      event,
		TrackerID:  s.trackerID,
	}
	resp, err := s.trackerClient.Announce(req)
	if err != nil {
		return nil, bterrors.Wrap(bterrors.KindTrackerUnreachable, "announce", err)
	}
	if resp.TrackerID != "" {
		s.trackerID = resp.TrackerID
	}
	return resp, nil
}

func (s *Supervisor) shutdown() {
	if _, err := s.announce(tracker.EventStopped); err != nil {
		s.log.Debugw("stopped announce failed", "err", err)
	}

	// Shutdown must reach every actor even when its control buffer is full,
	// or tasks.Wait below never returns; each send gets its own goroutine so
	// a slow actor doesn't delay the others.
	for _, h := range s.peers {
		go func(h *peerHandle) {
			h.sendControl(peeractor.Shutdown{})
		}(h)
	}

	// Run's own loop has already exited, so nothing else drains peerEvents;
	// keep draining it here so a full buffer can never wedge tasks.Wait().
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		for range s.peerEvents {
		}
	}()
	s.tasks.Wait()
	close(s.peerEvents)
	<-drainDone

	// Writer tasks may still be blocked sending events; drain until
	// disk.Shutdown closes the channel.
	go func() {
		for range s.disk.Events() {
		}
	}()
	s.disk.Shutdown()
	s.persistSnapshot()
}

func (s *Supervisor) buildSnapshotLocked() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	rem := s.picker.Remaining()
	var remaining []RemainingPiece
	for i := 0; i < s.info.PieceCount; i++ {
		if s.bitfield.Has(i) {
			continue
		}
		n, ok := rem[i]
		if !ok {
			// Fully delivered but not yet hash-verified; on resume the piece
			// is downloaded again from scratch.
			n = s.info.BlockCount(i)
		}
		remaining = append(remaining, RemainingPiece{PieceIndex: i, RemainingBlocks: n})
	}

	var peerAddrs []string
	for addr := range s.peers {
		peerAddrs = append(peerAddrs, addr)
	}

	return buildSnapshot(s.infoHash, s.info, s.srcPath, s.destPath, []byte(s.bitfield), peerAddrs, s.downloaded, s.uploaded, remaining)
}

func (s *Supervisor) persistSnapshot() {
	if err := s.store.save(s.buildSnapshotLocked()); err != nil {
		s.log.Warnw("persisting snapshot failed", "err", err)
	}
}

// InfoHash returns the torrent's info hash. The engine's shared listener
// dispatches incoming connections by its own map key, not through this.
func (s *Supervisor) InfoHash() [20]byte {
	return s.infoHash
}
