// Package tlsmesh implements the direct mTLS mesh Transport variant
// (spec.md §4.4(i)): every peer dials every other peer over TLS 1.3 with
// mutual client certificates, certificate CN encoding the party index, and
// every peer's certificate chaining to the shared CA. Connection pooling
// follows the dial-manager idiom of monetarium-node's connmgr package
// (persistent outbound connections, retried with backoff, one conn per
// peer reused across sessions).
package tlsmesh

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kisdex/mpc-custody/internal/model"
	"github.com/kisdex/mpc-custody/internal/transport"
)

// PeerAddr maps a party index to its dial address.
type PeerAddr struct {
	PartyIndex int
	Addr       string
}

// Transport is the mTLS mesh implementation. One instance serves all
// sessions for one node; connections are pooled by peer and reused.
type Transport struct {
	log        *zap.SugaredLogger
	partyIndex int
	listenAddr string
	tlsConfig  *tls.Config
	peers      map[int]string // partyIndex -> addr

	mu    sync.Mutex
	conns map[int]net.Conn

	sessMu   sync.Mutex
	sessions map[[32]byte]*sessionState

	authKeyFn func(sessionID [32]byte) transport.AuthKey
}

type sessionState struct {
	buf    chan transport.Frame
	cancel context.CancelFunc
}

// New starts listening on listenAddr and returns a Transport ready to dial
// peers. authKeyFn resolves the per-session MAC key (derived by every
// participant from the grant they verified independently).
func New(log *zap.SugaredLogger, partyIndex int, listenAddr string, tlsConfig *tls.Config, peers []PeerAddr, authKeyFn func([32]byte) transport.AuthKey) (*Transport, error) {
	peerMap := make(map[int]string, len(peers))
	for _, p := range peers {
		peerMap[p.PartyIndex] = p.Addr
	}

	t := &Transport{
		log:        log,
		partyIndex: partyIndex,
		listenAddr: listenAddr,
		tlsConfig:  tlsConfig,
		peers:      peerMap,
		conns:      make(map[int]net.Conn),
		sessions:   make(map[[32]byte]*sessionState),
		authKeyFn:  authKeyFn,
	}

	ln, err := tls.Listen("tcp", listenAddr, tlsConfig)
	if err != nil {
		return nil, errors.Wrap(model.ErrTransportUnreachable, err.Error())
	}
	go t.acceptLoop(ln)
	return t, nil
}

func (t *Transport) PartyIndex() int { return t.partyIndex }

func (t *Transport) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			t.log.Warnw("tlsmesh accept failed", "error", err)
			return
		}
		go t.handleConn(conn)
	}
}

// handleConn verifies the peer's client certificate CN encodes the expected
// party index (spec.md §6: "the sender's party index MUST equal the party
// index encoded in the client certificate's subject; mismatch is a fatal
// authentication failure"), then reads frames until the connection closes.
func (t *Transport) handleConn(conn net.Conn) {
	defer conn.Close()
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return
	}
	if err := tlsConn.Handshake(); err != nil {
		t.log.Warnw("tlsmesh handshake failed", "error", err)
		return
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		t.log.Warnw("tlsmesh peer presented no certificate")
		return
	}
	certPartyIndex, err := partyIndexFromCN(state.PeerCertificates[0].Subject.CommonName)
	if err != nil {
		t.log.Warnw("tlsmesh cannot parse party index from certificate CN", "error", err)
		return
	}

	for {
		frame, claimedSender, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				t.log.Debugw("tlsmesh connection read ended", "error", err)
			}
			return
		}
		if int(claimedSender) != certPartyIndex {
			t.log.Errorw("tlsmesh fatal: sender party index does not match certificate", "claimed", claimedSender, "cert", certPartyIndex)
			return
		}
		t.dispatch(frame)
	}
}

func (t *Transport) dispatch(f transport.Frame) {
	t.sessMu.Lock()
	sess, ok := t.sessions[f.SessionID]
	if !ok {
		sess = t.newSessionLocked(f.SessionID)
	}
	t.sessMu.Unlock()

	select {
	case sess.buf <- f:
	default:
		go func() { sess.buf <- f }()
	}
}

func (t *Transport) newSessionLocked(sessionID [32]byte) *sessionState {
	_, cancel := context.WithCancel(context.Background())
	s := &sessionState{buf: make(chan transport.Frame, 256), cancel: cancel}
	t.sessions[sessionID] = s
	return s
}

func (t *Transport) Receive(sessionID [32]byte) <-chan transport.Frame {
	t.sessMu.Lock()
	defer t.sessMu.Unlock()
	sess, ok := t.sessions[sessionID]
	if !ok {
		sess = t.newSessionLocked(sessionID)
	}
	return sess.buf
}

func (t *Transport) CancelSession(sessionID [32]byte) {
	t.sessMu.Lock()
	defer t.sessMu.Unlock()
	if sess, ok := t.sessions[sessionID]; ok {
		sess.cancel()
		delete(t.sessions, sessionID)
	}
}

func (t *Transport) Send(ctx context.Context, to int, frame transport.Frame) error {
	frame.Recipient = int32(to)
	conn, err := t.dial(to)
	if err != nil {
		return err
	}
	return writeFrame(conn, frame, uint16(t.partyIndex))
}

func (t *Transport) BroadcastTo(ctx context.Context, topic string, frame transport.Frame) error {
	frame.Recipient = transport.Broadcast
	var firstErr error
	for partyIndex := range t.peers {
		if partyIndex == t.partyIndex {
			continue
		}
		conn, err := t.dial(partyIndex)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := writeFrame(conn, frame, uint16(t.partyIndex)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Transport) dial(partyIndex int) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[partyIndex]; ok {
		return conn, nil
	}
	addr, ok := t.peers[partyIndex]
	if !ok {
		return nil, errors.Wrapf(model.ErrTransportUnreachable, "no known address for party %d", partyIndex)
	}

	var conn net.Conn
	var err error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		conn, err = tls.Dial("tcp", addr, t.tlsConfig)
		if err == nil {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	if err != nil {
		return nil, errors.Wrapf(model.ErrTransportUnreachable, "dialing party %d: %s", partyIndex, err)
	}
	t.conns[partyIndex] = conn
	return conn, nil
}

// partyIndexFromCN parses "party-<n>" style subject CNs, the convention
// this transport's certificate issuance (out of scope per spec.md §1
// Non-goals) is expected to follow.
func partyIndexFromCN(cn string) (int, error) {
	parts := strings.SplitN(cn, "-", 2)
	if len(parts) != 2 {
		return 0, errors.Errorf("unexpected certificate CN format %q", cn)
	}
	return strconv.Atoi(parts[1])
}

func writeFrame(conn net.Conn, f transport.Frame, sender uint16) error {
	var header [2 + 2 + 2 + 4 + 4]byte // round, sender, recipient, payload-len, mac-len (sessionID is written first, fixed 32 bytes)
	binary.BigEndian.PutUint16(header[0:2], f.Round)
	binary.BigEndian.PutUint16(header[2:4], sender)
	binary.BigEndian.PutUint16(header[4:6], uint16(int32ToUint32(f.Recipient)))
	binary.BigEndian.PutUint32(header[6:10], uint32(len(f.Payload)))
	binary.BigEndian.PutUint32(header[10:14], uint32(len(f.MAC)))

	if _, err := conn.Write(f.SessionID[:]); err != nil {
		return errors.Wrap(model.ErrTransportUnreachable, err.Error())
	}
	if _, err := conn.Write(header[:]); err != nil {
		return errors.Wrap(model.ErrTransportUnreachable, err.Error())
	}
	if _, err := conn.Write(f.Payload); err != nil {
		return errors.Wrap(model.ErrTransportUnreachable, err.Error())
	}
	if _, err := conn.Write(f.MAC); err != nil {
		return errors.Wrap(model.ErrTransportUnreachable, err.Error())
	}
	return nil
}

func readFrame(conn net.Conn) (transport.Frame, uint16, error) {
	var f transport.Frame
	if _, err := io.ReadFull(conn, f.SessionID[:]); err != nil {
		return f, 0, err
	}
	var header [14]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return f, 0, err
	}
	f.Round = binary.BigEndian.Uint16(header[0:2])
	sender := binary.BigEndian.Uint16(header[2:4])
	f.Sender = sender
	recipient := binary.BigEndian.Uint16(header[4:6])
	f.Recipient = uint16ToInt32(recipient)
	payloadLen := binary.BigEndian.Uint32(header[6:10])
	macLen := binary.BigEndian.Uint32(header[10:14])

	f.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(conn, f.Payload); err != nil {
		return f, 0, err
	}
	f.MAC = make([]byte, macLen)
	if _, err := io.ReadFull(conn, f.MAC); err != nil {
		return f, 0, err
	}
	return f, sender, nil
}

func int32ToUint32(v int32) uint32 {
	if v == transport.Broadcast {
		return 0xFFFF
	}
	return uint32(v)
}

func uint16ToInt32(v uint16) int32 {
	if v == 0xFFFF {
		return transport.Broadcast
	}
	return int32(v)
}
