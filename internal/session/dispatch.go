package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/ensemblelabs/libzk-go/internal/transport"
	"github.com/ensemblelabs/libzk-go/proto"
)

// Dispatch runs the steady-state sender/receiver pair over the current
// connection until either fails. The failure of one terminates the other;
// the returned error is what the caller treats as a connection loss (or a
// terminal error, if the pending queue was closed underneath the sender).
func (s *Session) Dispatch(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("dispatch in state %s", state)
	}
	conn := s.conn
	s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- s.sendLoop(loopCtx, conn) }()
	go func() { errc <- s.recvLoop(conn) }()

	err := <-errc
	cancel()
	conn.Close()
	<-errc
	return err
}

// sendLoop drains the pending queue onto the wire. Items are taken with
// their slot still reserved; the receiver commits the slot back when the
// matching reply arrives. An idle period of a third of the session timeout
// produces a ping.
func (s *Session) sendLoop(ctx context.Context, conn *transport.Conn) error {
	for {
		op, ok := s.pending.TryRemoveHead(false)
		if !ok {
			waitCtx, cancel := context.WithTimeout(ctx, s.pingInterval())
			taken, err := s.pending.RemoveHead(waitCtx, false)
			cancel()
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
					ping := proto.Marshal(&proto.RequestHeader{Xid: xidPing, Type: proto.OpPing})
					if werr := conn.Write(ping); werr != nil {
						return werr
					}
					continue
				}
				return err
			}
			op = taken
		}

		var enc proto.Encoder
		s.mu.Lock()
		xid := s.nextXIDLocked()
		proto.MarshalTo(&enc, &proto.RequestHeader{Xid: xid, Type: op.opCode})
		proto.MarshalTo(&enc, op.request)
		// Recorded before the write so a failed write still resolves the
		// operation through connection-loss handling.
		s.inflight.add(xid, op)
		s.mu.Unlock()

		if err := conn.Write(enc.Bytes()); err != nil {
			return err
		}
	}
}

// recvLoop reads replies and notifications. Read silence beyond two thirds
// of the session timeout is a connection loss.
func (s *Session) recvLoop(conn *transport.Conn) error {
	for {
		data, err := conn.Read(s.ReadTimeout())
		if err != nil {
			return err
		}
		dec := proto.NewDecoder(data)
		var header proto.ReplyHeader
		if err := proto.Unmarshal(dec, &header); err != nil {
			return err
		}

		s.mu.Lock()
		if header.Zxid > 0 {
			s.lastZxid = header.Zxid
		}
		s.mu.Unlock()

		if header.Xid < 0 {
			switch header.Xid {
			case xidNotification:
				var event proto.WatcherEvent
				if err := proto.Unmarshal(dec, &event); err != nil {
					return err
				}
				s.mu.Lock()
				s.fireWatcherEventLocked(proto.EventType(event.Type), event.Path)
				s.mu.Unlock()
			case xidPing:
			default:
				s.Warn("ignored reply", "xid", header.Xid, "zxid", header.Zxid, "err", header.Err)
			}
			continue
		}

		s.mu.Lock()
		op, ok := s.inflight.pop(header.Xid)
		s.mu.Unlock()
		if !ok {
			s.Warn("missing operation", "xid", header.Xid, "zxid", header.Zxid, "err", header.Err)
			continue
		}
		s.pending.CommitRemovals(1)

		if op.isCancelled() {
			continue
		}

		if header.Err != 0 {
			code := proto.ErrorCode(header.Err)
			if !op.isNonError(code) {
				op.fail(proto.NewError(code, "request: %s", op.opCode))
				continue
			}
			if op.onCompleted != nil {
				op.onCompleted(code)
			}
			op.succeed(nil)
			continue
		}

		response := proto.ResponseFor(op.opCode)
		if response != nil {
			if err := proto.Unmarshal(dec, response); err != nil {
				op.fail(proto.NewError(proto.CodeMarshalling, "response for %s: %v", op.opCode, err))
				return err
			}
		}
		if op.onCompleted != nil {
			op.onCompleted(proto.CodeOk)
		}
		op.succeed(response)
	}
}
