package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnectRequestWireLayout(t *testing.T) {
	request := &ConnectRequest{
		ProtocolVersion: 0,
		LastZxidSeen:    0x1122334455667788,
		TimeOut:         4000,
		SessionID:       -1,
		Passwd:          []byte{0xAA, 0xBB},
	}
	data := Marshal(request)

	// Field order and big-endianness are the ABI; check the bytes exactly.
	require.Equal(t, []byte{
		0, 0, 0, 0, // protocol_version
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, // last_zxid_seen
		0, 0, 0x0F, 0xA0, // timeout_ms
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, // session_id
		0, 0, 0, 2, 0xAA, 0xBB, // password
	}, data)

	var decoded ConnectRequest
	require.NoError(t, Unmarshal(NewDecoder(data), &decoded))
	require.Equal(t, *request, decoded)
}

func TestReplyHeaderRoundTrip(t *testing.T) {
	header := &ReplyHeader{Xid: -1, Zxid: 5, Err: int32(CodeNoNode)}
	data := Marshal(header)
	require.Len(t, data, 16)

	var decoded ReplyHeader
	require.NoError(t, Unmarshal(NewDecoder(data), &decoded))
	require.Equal(t, *header, decoded)
}

func TestFramesConcatenate(t *testing.T) {
	var enc Encoder
	MarshalTo(&enc, &RequestHeader{Xid: 1, Type: OpCreate})
	MarshalTo(&enc, &CreateRequest{
		Path:  "/a",
		Data:  []byte("x"),
		ACL:   []ACL{OpenACLUnsafe},
		Flags: ModePersistent,
	})

	dec := NewDecoder(enc.Bytes())
	var header RequestHeader
	require.NoError(t, Unmarshal(dec, &header))
	require.Equal(t, int32(1), header.Xid)
	require.Equal(t, OpCreate, header.Type)

	var request CreateRequest
	require.NoError(t, Unmarshal(dec, &request))
	require.Equal(t, "/a", request.Path)
	require.Equal(t, []byte("x"), request.Data)
	require.Equal(t, []ACL{OpenACLUnsafe}, request.ACL)
	require.Equal(t, ModePersistent, request.Flags)
	require.Zero(t, dec.Remaining())
}

func TestSetWatchesRoundTrip(t *testing.T) {
	request := &SetWatches{
		RelativeZxid: 42,
		DataWatches:  []string{"/a", "/b"},
		ExistWatches: []string{"/c"},
		ChildWatches: nil,
	}
	data := Marshal(request)

	// Empty record is the documented overhead; each path adds its string
	// overhead plus bytes.
	require.Len(t, data, SetWatchesOverheadSize-RequestHeaderSize+3*(StringOverheadSize+2))

	var decoded SetWatches
	require.NoError(t, Unmarshal(NewDecoder(data), &decoded))
	require.Equal(t, request.RelativeZxid, decoded.RelativeZxid)
	require.Equal(t, request.DataWatches, decoded.DataWatches)
	require.Equal(t, request.ExistWatches, decoded.ExistWatches)
	require.Empty(t, decoded.ChildWatches)
}

func TestMultiEnvelope(t *testing.T) {
	request := &MultiRequest{Ops: []Op{
		{Code: OpCreate, Request: &CreateRequest{Path: "/a", Data: []byte("x"), ACL: []ACL{OpenACLUnsafe}}},
		{Code: OpDelete, Request: &DeleteRequest{Path: "/b", Version: -1}},
		{Code: OpCheck, Request: &CheckVersionRequest{Path: "/c", Version: 3}},
	}}
	data := Marshal(request)

	var decoded MultiRequest
	require.NoError(t, Unmarshal(NewDecoder(data), &decoded))
	require.Len(t, decoded.Ops, 3)
	require.Equal(t, OpCreate, decoded.Ops[0].Code)
	require.Equal(t, "/a", decoded.Ops[0].Request.(*CreateRequest).Path)
	require.Equal(t, OpDelete, decoded.Ops[1].Code)
	require.Equal(t, int32(-1), decoded.Ops[1].Request.(*DeleteRequest).Version)
	require.Equal(t, OpCheck, decoded.Ops[2].Code)

	// A failed transaction reports per-op errors.
	response := &MultiResponse{Results: []OpResult{
		{Code: OpError, Response: &ErrorResponse{Err: int32(CodeNodeExists)}},
		{Code: OpError, Response: &ErrorResponse{Err: int32(CodeRuntimeInconsistency)}},
	}}
	respData := Marshal(response)

	var decodedResp MultiResponse
	require.NoError(t, Unmarshal(NewDecoder(respData), &decodedResp))
	require.Len(t, decodedResp.Results, 2)
	require.Equal(t, int32(CodeNodeExists), decodedResp.Results[0].Response.(*ErrorResponse).Err)
}

func TestMultiResponseDeleteHasNoBody(t *testing.T) {
	response := &MultiResponse{Results: []OpResult{
		{Code: OpDelete, Response: nil},
		{Code: OpCreate, Response: &CreateResponse{Path: "/a"}},
	}}
	data := Marshal(response)

	var decoded MultiResponse
	require.NoError(t, Unmarshal(NewDecoder(data), &decoded))
	require.Len(t, decoded.Results, 2)
	require.Nil(t, decoded.Results[0].Response)
	require.Equal(t, "/a", decoded.Results[1].Response.(*CreateResponse).Path)
}

func TestDecoderShortInput(t *testing.T) {
	var decoded ConnectResponse
	err := Unmarshal(NewDecoder([]byte{0, 0, 0}), &decoded)
	require.Error(t, err)
}

func TestDecoderNegativeLengths(t *testing.T) {
	var enc Encoder
	enc.PutInt(-5)
	dec := NewDecoder(enc.Bytes())
	dec.Buffer()
	require.Error(t, dec.Err())

	dec = NewDecoder(enc.Bytes())
	_ = dec.String()
	require.Error(t, dec.Err())

	dec = NewDecoder(enc.Bytes())
	dec.Strings()
	require.Error(t, dec.Err())
}

func TestErrorCodeMatching(t *testing.T) {
	err := NewError(CodeNoNode, "request: exists")
	require.ErrorIs(t, err, ErrNoNode)
	require.NotErrorIs(t, err, ErrNodeExists)

	code, ok := CodeOf(err)
	require.True(t, ok)
	require.Equal(t, CodeNoNode, code)

	_, ok = CodeOf(nil)
	require.False(t, ok)
}

func TestResponseForOpCode(t *testing.T) {
	require.IsType(t, &CreateResponse{}, ResponseFor(OpCreate))
	require.IsType(t, &GetChildren2Response{}, ResponseFor(OpGetChildren2))
	require.Nil(t, ResponseFor(OpDelete))
	require.Nil(t, ResponseFor(OpSetWatches))
	require.Nil(t, ResponseFor(OpAuth))
}
