package session

import (
	"context"
	"time"

	"github.com/ensemblelabs/libzk-go/internal/transport"
	"github.com/ensemblelabs/libzk-go/proto"
)

// Connect establishes (or re-establishes) the session against one server:
// dial, handshake, authentication, watch re-registration. The deadline is
// supplied by the delay pool: the attempt must not outlive the point at
// which the next endpoint becomes allocable. On success the session is
// Connected and the new transport has replaced any previous one.
func (s *Session) Connect(ctx context.Context, host string, port int, deadline time.Time, authInfos []AuthInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	event := EventDisconnected
	if isTerminal(s.state) {
		event = EventConnecting
	}
	s.setStateLocked(StateConnecting, event)
	s.mu.Unlock()

	conn, err := transport.Dial(s.dialer, host, port, timeoutUntil(deadline), s.Logger.New("obj", "transport"))
	if err != nil {
		return err
	}

	negotiated, err := s.handshake(conn, deadline)
	if err != nil {
		conn.Close()
		return err
	}

	if err := s.authThenRewatch(conn, deadline, authInfos); err != nil {
		// A brand-new session that failed setup is closed server-side so it
		// does not linger until its timeout.
		s.mu.Lock()
		fresh := s.id == 0
		s.mu.Unlock()
		if fresh {
			s.writeCloseFrame(conn)
		}
		conn.Close()
		return err
	}

	s.mu.Lock()
	s.timeout = time.Duration(negotiated.TimeOut) * time.Millisecond
	s.id = negotiated.SessionID
	s.password = negotiated.Passwd
	if s.conn != nil && !s.conn.IsClosed() {
		s.conn.Close()
	}
	s.conn = conn
	s.setStateLocked(StateConnected, EventConnected)
	s.mu.Unlock()
	return nil
}

// handshake sends the ConnectRequest and validates the response. A
// negotiated timeout of zero or less means the server rejected our session
// id: the session expires terminally.
func (s *Session) handshake(conn *transport.Conn, deadline time.Time) (*proto.ConnectResponse, error) {
	s.mu.Lock()
	request := &proto.ConnectRequest{
		ProtocolVersion: protocolVersion,
		LastZxidSeen:    s.lastZxid,
		TimeOut:         int32(s.timeout / time.Millisecond),
		SessionID:       s.id,
		Passwd:          s.password,
	}
	s.mu.Unlock()

	if err := conn.Write(proto.Marshal(request)); err != nil {
		return nil, err
	}
	data, err := conn.Read(timeoutUntil(deadline))
	if err != nil {
		return nil, err
	}
	var response proto.ConnectResponse
	if err := proto.Unmarshal(proto.NewDecoder(data), &response); err != nil {
		return nil, err
	}

	if response.TimeOut <= 0 {
		s.mu.Lock()
		s.resetLocked(StateClosed, EventSessionExpired)
		s.mu.Unlock()
		return nil, proto.NewError(proto.CodeSessionExpired, "session rejected by server")
	}
	return &response, nil
}

func (s *Session) authThenRewatch(conn *transport.Conn, deadline time.Time, authInfos []AuthInfo) error {
	if err := s.authenticate(conn, deadline, authInfos); err != nil {
		return err
	}
	return s.rewatch(conn, deadline)
}

// authenticate presents each credential as a synchronous exchange on the
// reserved auth xid. A rejected credential is terminal.
func (s *Session) authenticate(conn *transport.Conn, deadline time.Time, authInfos []AuthInfo) error {
	for _, info := range authInfos {
		packet := &proto.AuthPacket{Type: 0, Scheme: info.Scheme, Auth: info.Auth}
		err := s.exchange(conn, timeoutUntil(deadline), xidAuth, proto.OpAuth, packet, nil)
		if err != nil {
			if code, ok := proto.CodeOf(err); ok && code == proto.CodeAuthFailed {
				s.mu.Lock()
				s.resetLocked(StateAuthFailed, EventAuthFailed)
				s.mu.Unlock()
			}
			return err
		}
	}
	return nil
}

// rewatch re-registers every unfired watcher, split by type into frames of
// at most maxSetWatchesSize bytes so a large registry never produces an
// oversized frame. A rewatch failure is a transient connection error; the
// next reconnect retries it.
func (s *Session) rewatch(conn *transport.Conn, deadline time.Time) error {
	s.mu.Lock()
	requests := s.buildSetWatchesLocked()
	s.mu.Unlock()

	for _, request := range requests {
		if err := s.exchange(conn, timeoutUntil(deadline), xidSetWatches, proto.OpSetWatches, request, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) buildSetWatchesLocked() []*proto.SetWatches {
	var requests []*proto.SetWatches
	size := proto.SetWatchesOverheadSize
	var paths [numWatcherTypes][]string

	flush := func() {
		requests = append(requests, &proto.SetWatches{
			RelativeZxid: s.lastZxid,
			DataWatches:  append([]string(nil), paths[WatchData]...),
			ExistWatches: append([]string(nil), paths[WatchExist]...),
			ChildWatches: append([]string(nil), paths[WatchChild]...),
		})
		size = proto.SetWatchesOverheadSize
		for i := range paths {
			paths[i] = paths[i][:0]
		}
	}

	for wt := range s.watchers {
		for path, set := range s.watchers[wt] {
			allRemoved := true
			for w := range set {
				if !w.IsRemoved() {
					allRemoved = false
					break
				}
			}
			if allRemoved {
				continue
			}

			pathSize := proto.StringOverheadSize + len(path)
			if size+pathSize > maxSetWatchesSize {
				flush()
			}
			paths[wt] = append(paths[wt], path)
			size += pathSize
		}
	}

	if size > proto.SetWatchesOverheadSize {
		flush()
	}
	return requests
}

// exchange performs one synchronous request/reply on a reserved xid during
// connection setup, servicing any notifications that interleave.
func (s *Session) exchange(conn *transport.Conn, readTimeout time.Duration, xid int32,
	opCode proto.OpCode, request proto.Record, response proto.Record) error {
	var enc proto.Encoder
	proto.MarshalTo(&enc, &proto.RequestHeader{Xid: xid, Type: opCode})
	if request != nil {
		proto.MarshalTo(&enc, request)
	}
	if err := conn.Write(enc.Bytes()); err != nil {
		return err
	}

	for {
		data, err := conn.Read(readTimeout)
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

		if header.Err != 0 {
			return proto.NewError(proto.ErrorCode(header.Err), "request: %s", opCode)
		}

		if header.Xid == xid {
			if response != nil {
				return proto.Unmarshal(dec, response)
			}
			return nil
		}

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
			s.Warn("ignored reply", "xid", header.Xid, "zxid", header.Zxid)
		}
	}
}

// writeCloseFrame sends a best-effort close-session frame; errors are
// ignored because the connection is being abandoned either way.
func (s *Session) writeCloseFrame(conn *transport.Conn) {
	frame := proto.Marshal(&proto.RequestHeader{Xid: xidCloseSession, Type: proto.OpCloseSession})
	if err := conn.Write(frame); err != nil {
		s.Debug("close frame not sent", "err", err)
	}
}

func timeoutUntil(deadline time.Time) time.Duration {
	d := time.Until(deadline)
	if d < 0 {
		return 0
	}
	return d
}
