package distributed

import (
	"context"
	"encoding/gob"
	"net"
	"slices"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// dialRetryInterval is how long a non-root worker waits between rendezvous
// dial attempts while rank 0 is not listening yet.
const dialRetryInterval = 250 * time.Millisecond

// TCPGroup is a Group connected over TCP in a star topology: rank 0 is the
// hub, every other worker holds one connection to it. Reductions gather at
// the hub and the result is broadcast back, gob-encoded.
//
// The group is not safe for concurrent use: the training loop is
// single-threaded with respect to collectives, all workers issue the same
// sequence of calls.
type TCPGroup struct {
	identity WorkerIdentity

	// Hub state, rank 0 only. Indexed by rank; entry 0 is nil.
	listener net.Listener
	peers    []*peerConn

	// Spoke state, every other rank.
	hub *peerConn
}

type peerConn struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

func newPeerConn(conn net.Conn) *peerConn {
	return &peerConn{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
}

// collectiveMessage is the wire format for every collective exchange.
type collectiveMessage struct {
	Tag  Tag
	Rank int
	Op   string
	F    []float64
	I    []int64

	// Err is set on replies when the hub aborted the collective (e.g. tag
	// mismatch between participants).
	Err string
}

const (
	opAllReduceFloat64 = "allreduce-f64"
	opAllReduceInt64   = "allreduce-i64"
	opBarrier          = "barrier"
)

// helloMessage is the first message of every spoke connection.
type helloMessage struct {
	Rank      int
	WorldSize int
}

// NewTCPGroup joins the rendezvous at endpoint ("host:port") as the given
// worker. Rank 0 listens and waits for all other workers to connect; other
// ranks dial, retrying until rank 0 is up or ctx is done.
func NewTCPGroup(ctx context.Context, identity WorkerIdentity, endpoint string) (*TCPGroup, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	g := &TCPGroup{identity: identity}
	if identity.WorldSize == 1 {
		// Degenerate group, no connections needed.
		return g, nil
	}
	var err error
	if identity.Rank == 0 {
		err = g.listenAndAccept(ctx, endpoint)
	} else {
		err = g.dialHub(ctx, endpoint)
	}
	if err != nil {
		// Release any partial state so blocked peers see the failure.
		_ = g.Close()
		return nil, err
	}
	return g, nil
}

func (g *TCPGroup) listenAndAccept(ctx context.Context, endpoint string) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", endpoint)
	if err != nil {
		return errors.Wrapf(err, "rank 0 failed to listen on %s", endpoint)
	}
	g.listener = listener
	g.peers = make([]*peerConn, g.identity.WorldSize)

	// Cancel pending Accept calls if ctx is done.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = listener.Close()
		case <-watchDone:
		}
	}()

	for joined := 1; joined < g.identity.WorldSize; joined++ {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrap(ctx.Err(), "rendezvous interrupted")
			}
			return errors.Wrap(err, "accepting worker connection")
		}
		peer := newPeerConn(conn)
		var hello helloMessage
		if err := peer.dec.Decode(&hello); err != nil {
			_ = conn.Close()
			return errors.Wrap(err, "reading worker hello")
		}
		if hello.WorldSize != g.identity.WorldSize {
			_ = conn.Close()
			return errors.Errorf("worker rank %d joined with world size %d, expected %d",
				hello.Rank, hello.WorldSize, g.identity.WorldSize)
		}
		if hello.Rank <= 0 || hello.Rank >= g.identity.WorldSize {
			_ = conn.Close()
			return errors.Errorf("worker joined with invalid rank %d (world size %d)",
				hello.Rank, g.identity.WorldSize)
		}
		if g.peers[hello.Rank] != nil {
			_ = conn.Close()
			return errors.Errorf("duplicate connection for rank %d", hello.Rank)
		}
		g.peers[hello.Rank] = peer
		klog.V(1).Infof("rendezvous: rank %d joined (%d/%d)",
			hello.Rank, joined, g.identity.WorldSize-1)
	}

	// All joined: release everyone.
	for rank, peer := range g.peers {
		if peer == nil {
			continue
		}
		if err := peer.enc.Encode(helloMessage{Rank: 0, WorldSize: g.identity.WorldSize}); err != nil {
			return errors.Wrapf(err, "acknowledging rank %d", rank)
		}
	}
	return nil
}

func (g *TCPGroup) dialHub(ctx context.Context, endpoint string) error {
	var dialer net.Dialer
	var conn net.Conn
	var err error
	for {
		conn, err = dialer.DialContext(ctx, "tcp", endpoint)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "dialing rendezvous at %s (last error: %v)", endpoint, err)
		case <-time.After(dialRetryInterval):
		}
	}
	g.hub = newPeerConn(conn)
	hello := helloMessage{Rank: g.identity.Rank, WorldSize: g.identity.WorldSize}
	if err := g.hub.enc.Encode(hello); err != nil {
		return errors.Wrap(err, "sending hello to rank 0")
	}
	var ack helloMessage
	if err := g.hub.dec.Decode(&ack); err != nil {
		return errors.Wrap(err, "waiting for rendezvous acknowledgement")
	}
	if ack.WorldSize != g.identity.WorldSize {
		return errors.Errorf("rank 0 acknowledged with world size %d, expected %d",
			ack.WorldSize, g.identity.WorldSize)
	}
	return nil
}

var _ Group = (*TCPGroup)(nil)

// Identity implements Group.
func (g *TCPGroup) Identity() WorkerIdentity { return g.identity }

// AllReduceFloat64 implements Group.
func (g *TCPGroup) AllReduceFloat64(ctx context.Context, tag Tag, xs []float64) ([]float64, error) {
	msg := collectiveMessage{Tag: tag, Rank: g.identity.Rank, Op: opAllReduceFloat64, F: xs}
	reply, err := g.exchange(ctx, msg)
	if err != nil {
		return nil, err
	}
	return reply.F, nil
}

// AllReduceInt64 implements Group.
func (g *TCPGroup) AllReduceInt64(ctx context.Context, tag Tag, xs []int64) ([]int64, error) {
	msg := collectiveMessage{Tag: tag, Rank: g.identity.Rank, Op: opAllReduceInt64, I: xs}
	reply, err := g.exchange(ctx, msg)
	if err != nil {
		return nil, err
	}
	return reply.I, nil
}

// Barrier implements Group.
func (g *TCPGroup) Barrier(ctx context.Context, tag Tag) error {
	msg := collectiveMessage{Tag: tag, Rank: g.identity.Rank, Op: opBarrier}
	_, err := g.exchange(ctx, msg)
	return err
}

// exchange runs one collective round. The hub gathers one message per worker,
// reduces, and broadcasts the result; spokes send theirs and wait for the
// reply.
func (g *TCPGroup) exchange(ctx context.Context, msg collectiveMessage) (collectiveMessage, error) {
	if g.identity.WorldSize == 1 {
		msg.F = slices.Clone(msg.F)
		msg.I = slices.Clone(msg.I)
		return msg, nil
	}
	g.applyDeadline(ctx)
	defer g.clearDeadline()
	if g.identity.Rank == 0 {
		return g.hubExchange(msg)
	}
	if err := g.hub.enc.Encode(msg); err != nil {
		return msg, errors.Wrapf(err, "sending %s to rank 0", msg.Tag)
	}
	var reply collectiveMessage
	if err := g.hub.dec.Decode(&reply); err != nil {
		return reply, errors.Wrapf(err, "waiting for %s result", msg.Tag)
	}
	if reply.Err != "" {
		return reply, errors.Errorf("collective %s failed: %s", msg.Tag, reply.Err)
	}
	if reply.Tag != msg.Tag {
		return reply, errors.Errorf("collective reply tag %s does not match call tag %s",
			reply.Tag, msg.Tag)
	}
	return reply, nil
}

func (g *TCPGroup) hubExchange(own collectiveMessage) (collectiveMessage, error) {
	result := own
	result.F = slices.Clone(own.F) // Don't fold into the caller's slices.
	result.I = slices.Clone(own.I)
	var failure error
	for rank := 1; rank < g.identity.WorldSize && failure == nil; rank++ {
		var incoming collectiveMessage
		if err := g.peers[rank].dec.Decode(&incoming); err != nil {
			failure = errors.Wrapf(err, "receiving %s from rank %d", own.Tag, rank)
			break
		}
		failure = accumulate(&result, incoming, own)
	}
	reply := result
	if failure != nil {
		reply = collectiveMessage{Tag: own.Tag, Err: failure.Error()}
	}
	for rank := 1; rank < g.identity.WorldSize; rank++ {
		if err := g.peers[rank].enc.Encode(reply); err != nil && failure == nil {
			failure = errors.Wrapf(err, "broadcasting %s result to rank %d", own.Tag, rank)
		}
	}
	if failure != nil {
		return reply, failure
	}
	return result, nil
}

// accumulate folds incoming into result, validating it agrees with the hub's
// own call.
func accumulate(result *collectiveMessage, incoming, own collectiveMessage) error {
	if incoming.Tag != own.Tag {
		return errors.Errorf("rank %d diverged: it is at collective %s, rank 0 is at %s",
			incoming.Rank, incoming.Tag, own.Tag)
	}
	if incoming.Op != own.Op {
		return errors.Errorf("rank %d diverged: operation %q vs %q at %s",
			incoming.Rank, incoming.Op, own.Op, own.Tag)
	}
	if len(incoming.F) != len(own.F) || len(incoming.I) != len(own.I) {
		return errors.Errorf("rank %d sent mismatching vector length at %s", incoming.Rank, own.Tag)
	}
	for i, v := range incoming.F {
		result.F[i] += v
	}
	for i, v := range incoming.I {
		result.I[i] += v
	}
	return nil
}

func (g *TCPGroup) applyDeadline(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return
	}
	g.eachConn(func(conn net.Conn) { _ = conn.SetDeadline(deadline) })
}

func (g *TCPGroup) clearDeadline() {
	g.eachConn(func(conn net.Conn) { _ = conn.SetDeadline(time.Time{}) })
}

func (g *TCPGroup) eachConn(fn func(net.Conn)) {
	if g.hub != nil {
		fn(g.hub.conn)
	}
	for _, peer := range g.peers {
		if peer != nil {
			fn(peer.conn)
		}
	}
}

// Close implements Group.
func (g *TCPGroup) Close() error {
	var firstErr error
	g.eachConn(func(conn net.Conn) {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	if g.listener != nil {
		if err := g.listener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
