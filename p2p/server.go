package p2p

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"nhbchain/crypto"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	handshakeTimeout   = 5 * time.Second
	readTimeout        = 90 * time.Second
	writeTimeout       = 5 * time.Second
	outboundQueueSize  = 64
	maxMessageSize     = 1 << 20 // 1 MiB
	handshakeNonceSize = 32
	dedupTTL           = 2 * time.Minute

	malformedPenalty       = 2
	reputationBanThreshold = -6
	banDuration            = 15 * time.Minute
)

var errQueueFull = errors.New("peer outbound queue full")

// handshakeMessage is the Hello exchanged immediately after a session
// opens. GenesisHash gates admission per §4.7: it MUST equal the local
// genesis hash or the session is closed and the peer temporarily
// blacklisted, preventing nodes that bootstrapped from different genesis
// documents from ever synchronizing.
type handshakeMessage struct {
	GenesisHash []byte `json:"genesisHash"`
	NodeID      string `json:"nodeId"`
	PubKey      []byte `json:"pubKey"`
	Nonce       []byte `json:"nonce"`
	Signature   []byte `json:"signature"`
	TipHeight   uint64 `json:"tipHeight"`
}

// Server coordinates peer connections and message dissemination.
type Server struct {
	listenAddr  string
	handler     MessageHandler
	privKey     *crypto.PrivateKey
	nodeID      string
	genesisHash []byte

	mu         sync.RWMutex
	peers      map[string]*Peer
	reputation map[string]int
	banned     map[string]time.Time

	seenMu sync.Mutex
	seen   map[string]time.Time

	// inboundRate/inboundBurst bound how many messages a single peer
	// session may submit per second; zero disables the limit.
	inboundRate  float64
	inboundBurst int

	// peerstore persists known peer dial metadata (address, score, ban
	// state) across restarts, per the persisted peer list required by
	// §6. Nil disables persistence; Connect and handshake outcomes are
	// simply not recorded.
	peerstore *Peerstore
}

// NewServer creates a P2P server with authenticated handshakes. genesisHash
// is the local chain's genesis block hash, the network identity every
// peer's Hello must match.
func NewServer(listenAddr string, handler MessageHandler, privKey *crypto.PrivateKey, genesisHash []byte) *Server {
	nodeID := privKey.PubKey().Address().String()
	return &Server{
		listenAddr:  listenAddr,
		handler:     handler,
		privKey:     privKey,
		nodeID:      nodeID,
		genesisHash: genesisHash,
		peers:       make(map[string]*Peer),
		reputation:  make(map[string]int),
		banned:      make(map[string]time.Time),
		seen:        make(map[string]time.Time),
	}
}

// SetInboundRateLimit bounds the number of messages per second accepted
// from any single peer session, with burst allowing short spikes. Applies
// to sessions established after the call; zero perSecond disables limiting
// (the default).
func (s *Server) SetInboundRateLimit(perSecond float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inboundRate = perSecond
	s.inboundBurst = burst
}

// SetPeerstore attaches the persisted peer registry. Must be called before
// Start/Connect to take effect for the connections they establish.
func (s *Server) SetPeerstore(ps *Peerstore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerstore = ps
}

// KnownPeers returns every peer address recorded in the attached
// peerstore, or nil if none is attached. Used to seed reconnection
// attempts against the persisted peer list at startup, alongside the
// static configured bootstrap list.
func (s *Server) KnownPeers() []PeerstoreEntry {
	s.mu.RLock()
	ps := s.peerstore
	s.mu.RUnlock()
	if ps == nil {
		return nil
	}
	return ps.All()
}

// Start begins listening for inbound peers and negotiating handshakes.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	fmt.Printf("P2P server listening on %s (node %s)\n", s.listenAddr, s.nodeID)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				continue
			}
			return err
		}
		go s.handleInbound(conn)
	}
}

func (s *Server) handleInbound(conn net.Conn) {
	if err := s.initPeer(conn, ""); err != nil {
		fmt.Printf("Inbound connection from %s rejected: %v\n", conn.RemoteAddr(), err)
		conn.Close()
	}
}

// initPeer performs the handshake and registers the resulting session.
// dialedAddr is the address we dialed to reach this peer (outbound), or
// empty for an inbound connection whose ephemeral source port isn't a
// useful redial target.
func (s *Server) initPeer(conn net.Conn, dialedAddr string) error {
	reader := bufio.NewReader(conn)
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	remote, err := s.performHandshake(ctx, conn, reader)
	if err != nil {
		return err
	}
	if remote.NodeID == s.nodeID {
		return fmt.Errorf("self connection not allowed")
	}
	if s.isBanned(remote.NodeID) {
		return fmt.Errorf("peer %s is currently banned", remote.NodeID)
	}

	peer := newPeer(remote.NodeID, conn, reader, s)
	if err := s.registerPeer(peer); err != nil {
		return err
	}
	s.recordHandshakeSuccess(remote.NodeID, dialedAddr)
	fmt.Printf("New peer connected: %s (%s), tip height %d\n", peer.id, peer.remoteAddr, remote.TipHeight)
	peer.start()
	return nil
}

// recordHandshakeSuccess persists the peer's dial metadata and resets its
// backoff, so a successfully connected peer is preferred for redialing
// after a restart.
func (s *Server) recordHandshakeSuccess(nodeID, addr string) {
	s.mu.RLock()
	ps := s.peerstore
	s.mu.RUnlock()
	if ps == nil {
		return
	}
	now := time.Now()
	if err := ps.Put(PeerstoreEntry{Addr: addr, NodeID: nodeID, LastSeen: now}); err != nil {
		fmt.Printf("Peerstore: failed to record peer %s: %v\n", nodeID, err)
		return
	}
	if _, err := ps.RecordSuccess(nodeID, now); err != nil {
		fmt.Printf("Peerstore: failed to update peer %s: %v\n", nodeID, err)
	}
}

func (s *Server) performHandshake(ctx context.Context, conn net.Conn, reader *bufio.Reader) (*handshakeMessage, error) {
	local, err := s.buildHandshake()
	if err != nil {
		return nil, fmt.Errorf("prepare handshake: %w", err)
	}
	if err := writeFrame(ctx, conn, local); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	payload, err := readFrame(ctx, conn, reader)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty handshake from peer")
	}

	var remote handshakeMessage
	if err := json.Unmarshal(payload, &remote); err != nil {
		return nil, fmt.Errorf("decode handshake: %w", err)
	}

	nodeID, verifyErr := s.verifyHandshake(&remote)
	if verifyErr != nil {
		return nil, verifyErr
	}
	remote.NodeID = nodeID
	return &remote, nil
}

func (s *Server) buildHandshake() (*handshakeMessage, error) {
	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate handshake nonce: %w", err)
	}
	pubKey := s.privKey.PubKey().PublicKey
	digest := handshakeDigest(s.genesisHash, nonce)
	sig, err := ethcrypto.Sign(digest, s.privKey.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign handshake: %w", err)
	}

	return &handshakeMessage{
		GenesisHash: s.genesisHash,
		NodeID:      s.nodeID,
		PubKey:      ethcrypto.FromECDSAPub(pubKey),
		Nonce:       nonce,
		Signature:   sig,
	}, nil
}

func handshakeDigest(genesisHash, nonce []byte) []byte {
	buf := make([]byte, len(genesisHash)+len(nonce))
	copy(buf, genesisHash)
	copy(buf[len(genesisHash):], nonce)
	sum := sha256.Sum256(buf)
	return sum[:]
}

func (s *Server) verifyHandshake(msg *handshakeMessage) (string, error) {
	if len(msg.Nonce) != handshakeNonceSize {
		return "", fmt.Errorf("invalid handshake nonce length: %d", len(msg.Nonce))
	}
	if len(msg.Signature) != 65 {
		return "", fmt.Errorf("invalid handshake signature length: %d", len(msg.Signature))
	}
	if len(msg.PubKey) == 0 {
		return "", fmt.Errorf("handshake missing public key")
	}
	if !bytes.Equal(msg.GenesisHash, s.genesisHash) {
		return "", fmt.Errorf("genesis hash mismatch: peer is on a different network")
	}

	pubKey, err := ethcrypto.UnmarshalPubkey(msg.PubKey)
	if err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}
	nodeID := crypto.MustNewAddress(crypto.AccountPrefix, ethcrypto.PubkeyToAddress(*pubKey).Bytes()).String()

	digest := handshakeDigest(msg.GenesisHash, msg.Nonce)
	if !ethcrypto.VerifySignature(msg.PubKey, digest, msg.Signature[:64]) {
		return nodeID, fmt.Errorf("invalid handshake signature")
	}
	if msg.NodeID != nodeID {
		return nodeID, fmt.Errorf("node ID mismatch: claimed %s expected %s", msg.NodeID, nodeID)
	}
	// The genesis check runs after the signature check so that only a peer
	// proven to hold nodeID's key gets nodeID banned.
	if !bytes.Equal(msg.GenesisHash, s.genesisHash) {
		s.banPeer(nodeID)
		return nodeID, fmt.Errorf("genesis hash mismatch: peer is on a different network")
	}
	return nodeID, nil
}

// writeFrame writes a length-prefixed (uint32 BE) JSON payload.
func writeFrame(ctx context.Context, conn net.Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if len(data) > maxMessageSize {
		return fmt.Errorf("frame exceeds max size (%d bytes)", len(data))
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer conn.SetWriteDeadline(time.Time{})
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	if _, err := conn.Write(length[:]); err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}

// readFrame reads a length-prefixed (uint32 BE) JSON payload.
func readFrame(ctx context.Context, conn net.Conn, reader *bufio.Reader) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}
	var length [4]byte
	if _, err := io.ReadFull(reader, length[:]); err != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(length[:])
	if size > maxMessageSize {
		return nil, fmt.Errorf("frame exceeds max size (%d bytes)", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *Server) registerPeer(peer *Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.peers[peer.id]; exists {
		return fmt.Errorf("peer %s already connected", peer.id)
	}
	if expiry, banned := s.banned[peer.id]; banned {
		if time.Now().After(expiry) {
			delete(s.banned, peer.id)
		} else {
			return fmt.Errorf("peer %s banned until %s", peer.id, expiry.Format(time.RFC3339))
		}
	}
	s.peers[peer.id] = peer
	return nil
}

func (s *Server) removePeer(peer *Peer, ban bool, reason error) {
	s.mu.Lock()
	if current, ok := s.peers[peer.id]; ok && current == peer {
		delete(s.peers, peer.id)
	}
	ps := s.peerstore
	s.mu.Unlock()

	now := time.Now()
	if ps != nil {
		if _, err := ps.RecordFail(peer.id, now); err != nil {
			fmt.Printf("Peerstore: failed to record disconnect for %s: %v\n", peer.id, err)
		}
	}

	if ban {
		s.banPeer(peer.id)
		if ps != nil {
			if err := ps.SetBan(peer.id, now.Add(banDuration)); err != nil {
				fmt.Printf("Peerstore: failed to persist ban for %s: %v\n", peer.id, err)
			}
		}
		fmt.Printf("Peer %s disconnected and banned: %v\n", peer.id, reason)
		return
	}
	if reason != nil {
		fmt.Printf("Peer %s disconnected: %v\n", peer.id, reason)
	} else {
		fmt.Printf("Peer %s disconnected\n", peer.id)
	}
}

func (s *Server) isBanned(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.banned[id]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(s.banned, id)
		delete(s.reputation, id)
		return false
	}
	return true
}

func (s *Server) banPeer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.banned[id] = time.Now().Add(banDuration)
	s.reputation[id] = reputationBanThreshold
}

func (s *Server) adjustReputation(id string, delta int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep := s.reputation[id] + delta
	s.reputation[id] = rep
	return rep
}

func (s *Server) handleProtocolViolation(peer *Peer, err error) {
	rep := s.adjustReputation(peer.id, -malformedPenalty)
	fmt.Printf("Protocol violation from %s: %v (reputation %d)\n", peer.id, err, rep)
	ban := rep <= reputationBanThreshold
	peer.terminate(ban, err)
}

// Connect dials a remote peer and establishes a secure session. If a
// peerstore is attached and addr is currently in backoff (recent failures
// or an active ban), Connect declines to dial.
func (s *Server) Connect(addr string) error {
	s.mu.RLock()
	ps := s.peerstore
	s.mu.RUnlock()
	if ps != nil {
		if next := ps.NextDialAt(addr, time.Now()); next.After(time.Now()) {
			return fmt.Errorf("peer %s in backoff until %s", addr, next.Format(time.RFC3339))
		}
	}

	dialer := &net.Dialer{Timeout: handshakeTimeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return err
	}
	if err := s.initPeer(conn, addr); err != nil {
		conn.Close()
		return fmt.Errorf("handshake with %s failed: %w", addr, err)
	}
	fmt.Printf("Connected to peer: %s\n", addr)
	return nil
}

// Broadcast sends a message to all connected peers with backpressure.
func (s *Server) Broadcast(msg *Message) error {
	return s.broadcastExcept(msg, "")
}

// dedupKey hashes a message's type and payload for loop prevention.
func dedupKey(msg *Message) string {
	h := sha256.New()
	h.Write([]byte{msg.Type})
	h.Write(msg.Payload)
	return string(h.Sum(nil))
}

// markSeen records msg as seen, returning true if it was already seen
// within dedupTTL (in which case the caller should not reprocess or
// regossip it).
func (s *Server) markSeen(msg *Message) bool {
	key := dedupKey(msg)
	now := time.Now()
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	for k, t := range s.seen {
		if now.Sub(t) > dedupTTL {
			delete(s.seen, k)
		}
	}
	if _, ok := s.seen[key]; ok {
		return true
	}
	s.seen[key] = now
	return false
}

// broadcastExcept sends msg to every connected peer other than exceptID.
func (s *Server) broadcastExcept(msg *Message, exceptID string) error {
	s.mu.RLock()
	peers := make([]*Peer, 0, len(s.peers))
	for id, peer := range s.peers {
		if id == exceptID {
			continue
		}
		peers = append(peers, peer)
	}
	s.mu.RUnlock()

	var errs []error
	for _, peer := range peers {
		if err := peer.Enqueue(msg); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", peer.id, err))
			if errors.Is(err, errQueueFull) {
				fmt.Printf("Peer %s send queue full, disconnecting\n", peer.id)
			}
			peer.terminate(false, err)
		}
	}
	return errors.Join(errs...)
}

// PeerCount returns the number of currently connected peers.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Peer represents a remote participant in the network.
type Peer struct {
	id         string
	conn       net.Conn
	reader     *bufio.Reader
	outbound   chan *Message
	server     *Server
	remoteAddr string
	limiter    *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func newPeer(id string, conn net.Conn, reader *bufio.Reader, server *Server) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	server.mu.RLock()
	inboundRate, inboundBurst := server.inboundRate, server.inboundBurst
	server.mu.RUnlock()

	var limiter *rate.Limiter
	if inboundRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(inboundRate), inboundBurst)
	}
	return &Peer{
		id:         id,
		conn:       conn,
		reader:     reader,
		outbound:   make(chan *Message, outboundQueueSize),
		server:     server,
		remoteAddr: conn.RemoteAddr().String(),
		limiter:    limiter,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (p *Peer) start() {
	go p.readLoop()
	go p.writeLoop()
}

func (p *Peer) Enqueue(msg *Message) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("peer shutting down")
	default:
	}

	select {
	case p.outbound <- msg:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("peer shutting down")
	default:
		return errQueueFull
	}
}

func (p *Peer) readLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if err := p.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			p.terminate(false, fmt.Errorf("set read deadline: %w", err))
			return
		}

		raw, err := readFrame(context.Background(), p.conn, p.reader)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				p.terminate(false, fmt.Errorf("peer %s read timeout", p.id))
				return
			}
			if errors.Is(err, io.EOF) {
				p.terminate(false, io.EOF)
				return
			}
			p.terminate(false, fmt.Errorf("read error: %w", err))
			return
		}
		if len(raw) == 0 {
			continue
		}

		if p.limiter != nil && !p.limiter.Allow() {
			p.server.handleProtocolViolation(p, fmt.Errorf("inbound message rate exceeded"))
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			p.server.handleProtocolViolation(p, fmt.Errorf("malformed message: %w", err))
			return
		}

		// Gossip dedup: Block and Tx messages are re-broadcast at most
		// once; a message already seen is dropped without reprocessing.
		if msg.Type == MsgTypeBlock || msg.Type == MsgTypeTx {
			if p.server.markSeen(&msg) {
				continue
			}
		}

		if err := p.server.handler.HandleMessage(&msg); err != nil {
			fmt.Printf("Error handling message from %s: %v\n", p.id, err)
			continue
		}

		if msg.Type == MsgTypeBlock || msg.Type == MsgTypeTx {
			_ = p.server.broadcastExcept(&msg, p.id)
		}
	}
}

func (p *Peer) writeLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-p.outbound:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(p.ctx, writeTimeout)
			err := writeFrame(ctx, p.conn, msg)
			cancel()
			if err != nil {
				p.terminate(false, fmt.Errorf("write error: %w", err))
				return
			}
		}
	}
}

func (p *Peer) terminate(ban bool, reason error) {
	p.closeOnce.Do(func() {
		p.cancel()
		p.conn.Close()
		close(p.outbound)
		p.server.removePeer(p, ban, reason)
	})
}
