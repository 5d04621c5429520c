package session

import (
	"sync"
	"sync/atomic"

	"github.com/ensemblelabs/libzk-go/proto"
)

// AuthInfo is a credential presented after every (re)connect.
type AuthInfo struct {
	Scheme string
	Auth   []byte
}

// CompletionCallback runs on the receiver path the moment an operation is
// known to have been accepted by the server. nonError is CodeOk for a clean
// reply, or the error code that the operation declared as a non-error. The
// façade installs watchers here so that installation cannot race against
// server-side state at submission time.
type CompletionCallback func(nonError proto.ErrorCode)

// operation is an in-flight record. Its completion slot resolves exactly
// once, with a response or a failure.
type operation struct {
	opCode      proto.OpCode
	request     proto.Record
	autoRetry   bool
	nonErrors   []proto.ErrorCode
	onCompleted CompletionCallback

	cancelled int32 // atomic

	mu       sync.Mutex
	resolved bool
	response proto.Record
	err      error
	done     chan struct{}
}

func newOperation(opCode proto.OpCode, request proto.Record, autoRetry bool,
	nonErrors []proto.ErrorCode, onCompleted CompletionCallback) *operation {
	return &operation{
		opCode:      opCode,
		request:     request,
		autoRetry:   autoRetry,
		nonErrors:   nonErrors,
		onCompleted: onCompleted,
		done:        make(chan struct{}),
	}
}

func (op *operation) succeed(response proto.Record) {
	op.resolve(response, nil)
}

func (op *operation) fail(err error) {
	op.resolve(nil, err)
}

func (op *operation) resolve(response proto.Record, err error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.resolved {
		return
	}
	op.resolved = true
	op.response = response
	op.err = err
	close(op.done)
}

func (op *operation) result() (proto.Record, error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.response, op.err
}

func (op *operation) cancel() {
	atomic.StoreInt32(&op.cancelled, 1)
}

func (op *operation) isCancelled() bool {
	return atomic.LoadInt32(&op.cancelled) == 1
}

func (op *operation) isNonError(code proto.ErrorCode) bool {
	for _, c := range op.nonErrors {
		if c == code {
			return true
		}
	}
	return false
}

// inflightMap tracks sent operations by xid, preserving insertion order so
// that connection-loss handling re-queues them in the order they were sent.
type inflightMap struct {
	xids []int32
	ops  map[int32]*operation
}

func newInflightMap() *inflightMap {
	return &inflightMap{ops: make(map[int32]*operation)}
}

func (m *inflightMap) add(xid int32, op *operation) {
	m.xids = append(m.xids, xid)
	m.ops[xid] = op
}

func (m *inflightMap) pop(xid int32) (*operation, bool) {
	op, ok := m.ops[xid]
	if !ok {
		return nil, false
	}
	delete(m.ops, xid)
	for i, x := range m.xids {
		if x == xid {
			m.xids = append(m.xids[:i], m.xids[i+1:]...)
			break
		}
	}
	return op, true
}

// all returns the live operations in insertion order.
func (m *inflightMap) all() []*operation {
	out := make([]*operation, 0, len(m.ops))
	for _, xid := range m.xids {
		if op, ok := m.ops[xid]; ok {
			out = append(out, op)
		}
	}
	return out
}

func (m *inflightMap) len() int {
	return len(m.ops)
}

func (m *inflightMap) clear() {
	m.xids = nil
	m.ops = make(map[int32]*operation)
}
