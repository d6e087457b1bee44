package transport

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/vzdtic/raftval/pkg/raft"
)

// gobCodecName registers a grpc wire codec backed by encoding/gob, in
// place of the generated protobuf marshaller the service would
// normally use: every raft wire message already round-trips through
// gob (see pkg/raft/logentry.go and wire.go), so the same codec
// serves the network transport without a separate .proto/generated
// stub pipeline.
const gobCodecName = "raftgob"

type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return gobCodecName }

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// Envelope carries one raft wire message (AppendEntriesRequest,
// RequestVoteRequest, InstallSnapshot, ...) gob-encoded as an
// interface{}, so a single RPC method serves every message kind.
type Envelope struct {
	Msg interface{}
}

// Ack is the empty response to a delivered Envelope: SendEvent is
// fire-and-forget, so the only thing the RPC confirms is receipt.
type Ack struct{}

// JoinArgs asks the receiving replica to add Peer as a new follower.
type JoinArgs struct {
	Peer raft.PeerID
}

// JoinReply is either a snapshot to bootstrap from, or a redirect to
// the replica's believed leader.
type JoinReply struct {
	Snapshot raft.InstallSnapshot
	Leader   raft.PeerID // set only when Accepted is false
	Accepted bool
}

// serviceName/methodName identify the hand-built unary methods in
// place of a generated *_grpc.pb.go ServiceDesc.
const (
	serviceName   = "raftval.Transport"
	deliverMethod = "Deliver"
	joinMethod    = "Join"
	fullDeliver   = "/" + serviceName + "/" + deliverMethod
	fullJoin      = "/" + serviceName + "/" + joinMethod
)

// serviceDesc describes the Deliver and Join RPCs without any
// generated protobuf stub, using the registered gob codec for
// (de)serialization.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*rpcHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: deliverMethod, Handler: deliverHandlerFunc},
		{MethodName: joinMethod, Handler: joinHandlerFunc},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftval/transport.proto",
}

type rpcHandler interface {
	Deliver(ctx context.Context, env *Envelope) (*Ack, error)
	Join(ctx context.Context, args *JoinArgs) (*JoinReply, error)
}

func deliverHandlerFunc(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	env := new(Envelope)
	if err := dec(env); err != nil {
		return nil, err
	}
	return srv.(rpcHandler).Deliver(ctx, env)
}

func joinHandlerFunc(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	args := new(JoinArgs)
	if err := dec(args); err != nil {
		return nil, err
	}
	return srv.(rpcHandler).Join(ctx, args)
}

// GRPC is a raft.Comm backed by real gRPC connections, one per known
// peer address. It dials lazily and caches connections, grounded on
// the teacher's GRPCTransport dial-and-cache pattern.
type GRPC struct {
	mu          sync.RWMutex
	self        raft.PeerID
	localAddr   string
	peerAddrs   map[raft.PeerID]string
	connections map[raft.PeerID]*grpc.ClientConn
	timeout     time.Duration

	server   *grpc.Server
	listener net.Listener
	target   localServer

	repliesMu sync.Mutex
	replies   map[raft.ClientHandle]chan interface{}
}

// localServer is the subset of *raft.Server the gRPC side needs: the
// message sink for Deliver, plus the synchronous call Join answers
// with (a real leader accepts membership changes in-process; a
// follower or candidate has nothing useful to return but its belief
// about who the leader is).
type localServer interface {
	deliverer
	SubmitAddFollower(peer raft.PeerID) (raft.InstallSnapshot, error)
	QueryStatus() raft.Status
}

var _ raft.Comm = (*GRPC)(nil)
var _ rpcHandler = (*GRPC)(nil)

// NewGRPC returns a transport bound to self, listening eventually at
// localAddr, and able to reach peerAddrs by dialing their address.
func NewGRPC(self raft.PeerID, localAddr string, peerAddrs map[raft.PeerID]string) *GRPC {
	return &GRPC{
		self:        self,
		localAddr:   localAddr,
		peerAddrs:   peerAddrs,
		connections: make(map[raft.PeerID]*grpc.ClientConn),
		timeout:     5 * time.Second,
		replies:     make(map[raft.ClientHandle]chan interface{}),
	}
}

// Start listens on localAddr and registers the Deliver/Join service,
// dispatching every inbound Envelope.Msg to target.Deliver.
func (t *GRPC) Start(target localServer) error {
	t.mu.Lock()
	t.target = target
	t.mu.Unlock()

	lis, err := net.Listen("tcp", t.localAddr)
	if err != nil {
		return fmt.Errorf("raft grpc transport: listen: %w", err)
	}
	t.listener = lis

	t.server = grpc.NewServer()
	t.server.RegisterService(&serviceDesc, t)

	go func() {
		if err := t.server.Serve(lis); err != nil {
			// Serve returns on GracefulStop with grpc.ErrServerStopped; not
			// worth propagating past a log line here.
		}
	}()
	return nil
}

// Stop closes every outbound connection and the listener.
func (t *GRPC) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, conn := range t.connections {
		conn.Close()
	}
	if t.server != nil {
		t.server.GracefulStop()
	}
}

func (t *GRPC) clientConn(peer raft.PeerID) (*grpc.ClientConn, error) {
	t.mu.RLock()
	if conn, ok := t.connections[peer]; ok {
		t.mu.RUnlock()
		return conn, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.connections[peer]; ok {
		return conn, nil
	}
	addr, ok := t.peerAddrs[peer]
	if !ok {
		return nil, fmt.Errorf("raft grpc transport: unknown peer %s", peer)
	}
	dialCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(gobCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("raft grpc transport: dial %s: %w", addr, err)
	}
	t.connections[peer] = conn
	return conn, nil
}

// SendEvent dials (if needed) and delivers msg to dest asynchronously;
// dial or RPC failures are swallowed, matching Comm's fire-and-forget
// contract (the caller's own election/heartbeat timers notice silence).
func (t *GRPC) SendEvent(dest raft.PeerID, msg interface{}) {
	go func() {
		conn, err := t.clientConn(dest)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()

		env := &Envelope{Msg: msg}
		ack := new(Ack)
		_ = conn.Invoke(ctx, fullDeliver, env, ack, grpc.CallContentSubtype(gobCodecName))
	}()
}

// Deliver implements rpcHandler: the gRPC-side entry point that
// forwards a decoded Envelope to the bound local Server.
func (t *GRPC) Deliver(ctx context.Context, env *Envelope) (*Ack, error) {
	t.mu.RLock()
	target := t.target
	t.mu.RUnlock()
	if target == nil {
		return nil, fmt.Errorf("raft grpc transport: no server registered")
	}
	target.Deliver(env.Msg)
	return &Ack{}, nil
}

// Join implements rpcHandler: it is the synchronous RPC a new replica
// calls against a known member to request admission.
func (t *GRPC) Join(ctx context.Context, args *JoinArgs) (*JoinReply, error) {
	t.mu.RLock()
	target := t.target
	t.mu.RUnlock()
	if target == nil {
		return nil, fmt.Errorf("raft grpc transport: no server registered")
	}

	snap, err := target.SubmitAddFollower(args.Peer)
	if err == nil {
		return &JoinReply{Snapshot: snap, Accepted: true}, nil
	}
	var nle *raft.NotLeaderError
	if errors.As(err, &nle) {
		return &JoinReply{Leader: nle.Leader, Accepted: false}, nil
	}
	return nil, err
}

// RequestJoin calls target's Join RPC, asking it to admit self.
func (t *GRPC) RequestJoin(target, self raft.PeerID) (raft.InstallSnapshot, error) {
	conn, err := t.clientConn(target)
	if err != nil {
		return raft.InstallSnapshot{}, &notReachableError{peer: target, cause: err}
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	reply := new(JoinReply)
	if err := conn.Invoke(ctx, fullJoin, &JoinArgs{Peer: self}, reply, grpc.CallContentSubtype(gobCodecName)); err != nil {
		return raft.InstallSnapshot{}, &notReachableError{peer: target, cause: err}
	}
	if !reply.Accepted {
		return raft.InstallSnapshot{}, &raft.NotLeaderError{Leader: reply.Leader}
	}
	return reply.Snapshot, nil
}

// notReachableError wraps a dial/RPC failure against peer, reported
// to JoinExistingConsensusGroup so it moves on to the next candidate
// rather than retrying the same unreachable peer.
type notReachableError struct {
	peer  raft.PeerID
	cause error
}

func (e *notReachableError) Error() string {
	return fmt.Sprintf("raft grpc transport: %s unreachable: %v", e.peer, e.cause)
}

func (e *notReachableError) Unwrap() error { return raft.ErrNoProc }

// Reply and Await implement the client-reply half of Comm for
// processes that host both a Server and an API front door in the same
// binary (the common case: see cmd/raftvald).
func (t *GRPC) Reply(to raft.ClientHandle, value interface{}) {
	t.repliesMu.Lock()
	ch, ok := t.replies[to]
	t.repliesMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- value:
	default:
	}
}

// Await registers a one-shot reply channel for handle.
func (t *GRPC) Await(handle raft.ClientHandle) <-chan interface{} {
	ch := make(chan interface{}, 1)
	t.repliesMu.Lock()
	t.replies[handle] = ch
	t.repliesMu.Unlock()
	return ch
}

// Forget releases the reply channel registered for handle.
func (t *GRPC) Forget(handle raft.ClientHandle) {
	t.repliesMu.Lock()
	delete(t.replies, handle)
	t.repliesMu.Unlock()
}
