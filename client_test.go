package libzk

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ensemblelabs/libzk-go/proto"
)

func TestNormalizePath(t *testing.T) {
	c, err := NewClient(WithPathPrefix("/app//main"))
	require.NoError(t, err)

	cases := []struct {
		in   string
		want string
	}{
		{"/", "/"},
		{"//", "/"},
		{"/a", "/a"},
		{"/a/", "/a"},
		{"/a//b///c", "/a/b/c"},
		{"x", "/app/main/x"},
		{"x/y/", "/app/main/x/y"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, c.NormalizePath(tc.in), "input %q", tc.in)
	}
}

func TestPathPrefixMustBeAbsolute(t *testing.T) {
	_, err := NewClient(WithPathPrefix("app"))
	require.Error(t, err)
}

func TestNoServersRejected(t *testing.T) {
	_, err := NewClient(WithServers())
	require.Error(t, err)
}

func TestOpBuildersNormalizeAndDefault(t *testing.T) {
	c, err := NewClient(WithDefaultACL(proto.ReadACLUnsafe))
	require.NoError(t, err)

	op := c.CreateOp("/a//b/", []byte("x"), proto.ModeEphemeral, nil)
	require.Equal(t, proto.OpCreate, op.Code)
	create := op.Request.(*proto.CreateRequest)
	require.Equal(t, "/a/b", create.Path)
	require.Equal(t, []proto.ACL{proto.ReadACLUnsafe}, create.ACL)
	require.Equal(t, proto.ModeEphemeral, create.Flags)

	op = c.DeleteOp("/a/", -1)
	require.Equal(t, "/a", op.Request.(*proto.DeleteRequest).Path)

	op = c.CheckOp("/a", 3)
	require.Equal(t, int32(3), op.Request.(*proto.CheckVersionRequest).Version)
}

func TestStartStopLifecycle(t *testing.T) {
	server := newLoopbackServer(t)
	go server.serveOneSession(0x99)

	c, err := NewClient(
		WithServers(ServerAddress{Host: server.host, Port: server.port}),
		WithSessionTimeout(2*time.Second),
	)
	require.NoError(t, err)

	require.ErrorIs(t, c.Stop(), ErrClientNotRunning)

	listener := c.AddSessionListener()
	require.NoError(t, c.Start(context.Background()))
	require.ErrorIs(t, c.Start(context.Background()), ErrClientRunning)
	require.True(t, c.IsRunning())

	awaitState(t, listener, StateConnected)
	require.Equal(t, int64(0x99), c.SessionID())

	require.NoError(t, c.Stop())
	require.False(t, c.IsRunning())
}

func TestCreateThroughClient(t *testing.T) {
	server := newLoopbackServer(t)
	go func() {
		conn := server.accept()
		conn.handshake(2000, 0x42)
		header, dec := conn.readRequest()
		var create proto.CreateRequest
		require.NoError(t, proto.Unmarshal(dec, &create))
		require.Equal(t, "/prefix/a", create.Path)
		conn.writeReply(header.Xid, 3, proto.CodeOk, &proto.CreateResponse{Path: "/prefix/a"})
	}()

	c, err := NewClient(
		WithServers(ServerAddress{Host: server.host, Port: server.port}),
		WithSessionTimeout(2*time.Second),
		WithPathPrefix("/prefix"),
	)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	created, err := c.Create(context.Background(), "a", []byte("x"), proto.ModePersistent, nil)
	require.NoError(t, err)
	require.Equal(t, "/prefix/a", created)
}

func TestExistsWInstallsWatcherOnMissingNode(t *testing.T) {
	server := newLoopbackServer(t)
	go func() {
		conn := server.accept()
		conn.handshake(2000, 0x43)
		header, _ := conn.readRequest()
		conn.writeReply(header.Xid, 0, proto.CodeNoNode, nil)
		time.Sleep(20 * time.Millisecond)
		conn.writeEvent(proto.EventNodeCreated, "/z")
	}()

	c, err := NewClient(
		WithServers(ServerAddress{Host: server.host, Port: server.port}),
		WithSessionTimeout(2*time.Second),
	)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	stat, watcher, err := c.ExistsW(context.Background(), "/z")
	require.NoError(t, err)
	require.Nil(t, stat)
	require.NotNil(t, watcher)
	require.Equal(t, WatchExist, watcher.Type())

	event, err := watcher.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, proto.EventNodeCreated, event)
}

func awaitState(t *testing.T, listener *SessionListener, want SessionState) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case change, ok := <-listener.C():
			if !ok {
				t.Fatalf("listener closed before reaching %s", want)
			}
			if change.State == want {
				return
			}
		case <-deadline:
			t.Fatalf("state %s not reached", want)
		}
	}
}

// Minimal loopback server speaking the framed wire protocol.
type loopbackServer struct {
	t    *testing.T
	ln   net.Listener
	host string
	port int
}

func newLoopbackServer(t *testing.T) *loopbackServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &loopbackServer{t: t, ln: ln, host: host, port: port}
}

func (s *loopbackServer) accept() *loopbackConn {
	conn, err := s.ln.Accept()
	require.NoError(s.t, err)
	s.t.Cleanup(func() { conn.Close() })
	return &loopbackConn{t: s.t, conn: conn}
}

// serveOneSession answers the handshake and then pings until the peer goes
// away.
func (s *loopbackServer) serveOneSession(sessionID int64) {
	raw, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer raw.Close()
	conn := &loopbackConn{t: s.t, conn: raw}

	frame, err := conn.tryReadFrame()
	if err != nil {
		return
	}
	var request proto.ConnectRequest
	if err := proto.Unmarshal(proto.NewDecoder(frame), &request); err != nil {
		return
	}
	conn.writeFrame(proto.Marshal(&proto.ConnectResponse{
		TimeOut:   2000,
		SessionID: sessionID,
		Passwd:    []byte("pw"),
	}))

	for {
		header, _, err := conn.tryReadRequest()
		if err != nil {
			return
		}
		if header.Xid == -2 {
			conn.writeReply(-2, 0, proto.CodeOk, nil)
		}
	}
}

type loopbackConn struct {
	t    *testing.T
	conn net.Conn
}

func (c *loopbackConn) readFrame() []byte {
	frame, err := c.tryReadFrame()
	require.NoError(c.t, err)
	return frame
}

func (c *loopbackConn) tryReadFrame() ([]byte, error) {
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	prefix := make([]byte, 4)
	if _, err := ioReadFull(c.conn, prefix); err != nil {
		return nil, err
	}
	size := int(prefix[0])<<24 | int(prefix[1])<<16 | int(prefix[2])<<8 | int(prefix[3])
	frame := make([]byte, size)
	if _, err := ioReadFull(c.conn, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func ioReadFull(conn net.Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

func (c *loopbackConn) writeFrame(payload []byte) {
	prefix := []byte{byte(len(payload) >> 24), byte(len(payload) >> 16), byte(len(payload) >> 8), byte(len(payload))}
	// Best-effort: a failed write surfaces on the client side.
	c.conn.Write(append(prefix, payload...)) //nolint:errcheck
}

func (c *loopbackConn) handshake(timeoutMS int32, sessionID int64) {
	var request proto.ConnectRequest
	require.NoError(c.t, proto.Unmarshal(proto.NewDecoder(c.readFrame()), &request))
	c.writeFrame(proto.Marshal(&proto.ConnectResponse{
		TimeOut:   timeoutMS,
		SessionID: sessionID,
		Passwd:    []byte("pw"),
	}))
}

func (c *loopbackConn) readRequest() (proto.RequestHeader, *proto.Decoder) {
	header, dec, err := c.tryReadRequest()
	require.NoError(c.t, err)
	return header, dec
}

func (c *loopbackConn) tryReadRequest() (proto.RequestHeader, *proto.Decoder, error) {
	frame, err := c.tryReadFrame()
	if err != nil {
		return proto.RequestHeader{}, nil, err
	}
	dec := proto.NewDecoder(frame)
	var header proto.RequestHeader
	if err := proto.Unmarshal(dec, &header); err != nil {
		return proto.RequestHeader{}, nil, err
	}
	return header, dec, nil
}

func (c *loopbackConn) writeReply(xid int32, zxid int64, errCode proto.ErrorCode, body proto.Record) {
	var enc proto.Encoder
	proto.MarshalTo(&enc, &proto.ReplyHeader{Xid: xid, Zxid: zxid, Err: int32(errCode)})
	if body != nil {
		proto.MarshalTo(&enc, body)
	}
	c.writeFrame(enc.Bytes())
}

func (c *loopbackConn) writeEvent(eventType proto.EventType, path string) {
	var enc proto.Encoder
	proto.MarshalTo(&enc, &proto.ReplyHeader{Xid: -1})
	proto.MarshalTo(&enc, &proto.WatcherEvent{Type: int32(eventType), State: 3, Path: path})
	c.writeFrame(enc.Bytes())
}
