package proto

// Id names a party within an ACL scheme.
type Id struct {
	Scheme string
	ID     string
}

func (r *Id) marshal(enc *Encoder) {
	enc.PutString(r.Scheme)
	enc.PutString(r.ID)
}

func (r *Id) unmarshal(dec *Decoder) {
	r.Scheme = dec.String()
	r.ID = dec.String()
}

// ACL grants Perms to an Id.
type ACL struct {
	Perms Perms
	Id    Id
}

func (r *ACL) marshal(enc *Encoder) {
	enc.PutInt(int32(r.Perms))
	r.Id.marshal(enc)
}

func (r *ACL) unmarshal(dec *Decoder) {
	r.Perms = Perms(dec.Int())
	r.Id.unmarshal(dec)
}

func putACLs(enc *Encoder, acls []ACL) {
	enc.PutInt(int32(len(acls)))
	for i := range acls {
		acls[i].marshal(enc)
	}
}

func getACLs(dec *Decoder) []ACL {
	n := dec.Int()
	if dec.Err() != nil || n < 0 {
		return nil
	}
	out := make([]ACL, n)
	for i := range out {
		out[i].unmarshal(dec)
	}
	return out
}

// Stat is the server-side metadata of a node, echoed on most replies.
type Stat struct {
	Czxid          int64
	Mzxid          int64
	Ctime          int64
	Mtime          int64
	Version        int32
	Cversion       int32
	Aversion       int32
	EphemeralOwner int64
	DataLength     int32
	NumChildren    int32
	Pzxid          int64
}

func (r *Stat) marshal(enc *Encoder) {
	enc.PutLong(r.Czxid)
	enc.PutLong(r.Mzxid)
	enc.PutLong(r.Ctime)
	enc.PutLong(r.Mtime)
	enc.PutInt(r.Version)
	enc.PutInt(r.Cversion)
	enc.PutInt(r.Aversion)
	enc.PutLong(r.EphemeralOwner)
	enc.PutInt(r.DataLength)
	enc.PutInt(r.NumChildren)
	enc.PutLong(r.Pzxid)
}

func (r *Stat) unmarshal(dec *Decoder) {
	r.Czxid = dec.Long()
	r.Mzxid = dec.Long()
	r.Ctime = dec.Long()
	r.Mtime = dec.Long()
	r.Version = dec.Int()
	r.Cversion = dec.Int()
	r.Aversion = dec.Int()
	r.EphemeralOwner = dec.Long()
	r.DataLength = dec.Int()
	r.NumChildren = dec.Int()
	r.Pzxid = dec.Long()
}

// ConnectRequest opens or resumes a session. A zero SessionID asks the server
// to mint a new session; otherwise the presented id and password continue an
// existing one.
type ConnectRequest struct {
	ProtocolVersion int32
	LastZxidSeen    int64
	TimeOut         int32 // milliseconds
	SessionID       int64
	Passwd          []byte
}

func (r *ConnectRequest) marshal(enc *Encoder) {
	enc.PutInt(r.ProtocolVersion)
	enc.PutLong(r.LastZxidSeen)
	enc.PutInt(r.TimeOut)
	enc.PutLong(r.SessionID)
	enc.PutBuffer(r.Passwd)
}

func (r *ConnectRequest) unmarshal(dec *Decoder) {
	r.ProtocolVersion = dec.Int()
	r.LastZxidSeen = dec.Long()
	r.TimeOut = dec.Int()
	r.SessionID = dec.Long()
	r.Passwd = dec.Buffer()
}

// ConnectResponse carries the negotiated session. A TimeOut of zero or less
// means the presented session has expired.
type ConnectResponse struct {
	ProtocolVersion int32
	TimeOut         int32 // milliseconds
	SessionID       int64
	Passwd          []byte
}

func (r *ConnectResponse) marshal(enc *Encoder) {
	enc.PutInt(r.ProtocolVersion)
	enc.PutInt(r.TimeOut)
	enc.PutLong(r.SessionID)
	enc.PutBuffer(r.Passwd)
}

func (r *ConnectResponse) unmarshal(dec *Decoder) {
	r.ProtocolVersion = dec.Int()
	r.TimeOut = dec.Int()
	r.SessionID = dec.Long()
	r.Passwd = dec.Buffer()
}

// RequestHeader precedes every framed request after the handshake.
type RequestHeader struct {
	Xid  int32
	Type OpCode
}

func (r *RequestHeader) marshal(enc *Encoder) {
	enc.PutInt(r.Xid)
	enc.PutInt(int32(r.Type))
}

func (r *RequestHeader) unmarshal(dec *Decoder) {
	r.Xid = dec.Int()
	r.Type = OpCode(dec.Int())
}

// RequestHeaderSize is the wire size of a RequestHeader.
const RequestHeaderSize = intSize + intSize

// ReplyHeader precedes every framed reply.
type ReplyHeader struct {
	Xid  int32
	Zxid int64
	Err  int32
}

func (r *ReplyHeader) marshal(enc *Encoder) {
	enc.PutInt(r.Xid)
	enc.PutLong(r.Zxid)
	enc.PutInt(r.Err)
}

func (r *ReplyHeader) unmarshal(dec *Decoder) {
	r.Xid = dec.Int()
	r.Zxid = dec.Long()
	r.Err = dec.Int()
}

// WatcherEvent is the body of a server notification (xid -1).
type WatcherEvent struct {
	Type  int32
	State int32
	Path  string
}

func (r *WatcherEvent) marshal(enc *Encoder) {
	enc.PutInt(r.Type)
	enc.PutInt(r.State)
	enc.PutString(r.Path)
}

func (r *WatcherEvent) unmarshal(dec *Decoder) {
	r.Type = dec.Int()
	r.State = dec.Int()
	r.Path = dec.String()
}

// SetWatches re-registers watches after a reconnect, relative to the last
// transaction the client has observed.
type SetWatches struct {
	RelativeZxid int64
	DataWatches  []string
	ExistWatches []string
	ChildWatches []string
}

func (r *SetWatches) marshal(enc *Encoder) {
	enc.PutLong(r.RelativeZxid)
	enc.PutStrings(r.DataWatches)
	enc.PutStrings(r.ExistWatches)
	enc.PutStrings(r.ChildWatches)
}

func (r *SetWatches) unmarshal(dec *Decoder) {
	r.RelativeZxid = dec.Long()
	r.DataWatches = dec.Strings()
	r.ExistWatches = dec.Strings()
	r.ChildWatches = dec.Strings()
}

// SetWatchesOverheadSize is the wire size of a RequestHeader plus an empty
// SetWatches body: the fixed cost of each re-registration frame.
const SetWatchesOverheadSize = RequestHeaderSize + longSize + 3*vectorOverheadSize

// StringOverheadSize is the fixed cost of one serialized string.
const StringOverheadSize = stringOverheadSize

// AuthPacket adds credentials to the session (xid -4).
type AuthPacket struct {
	Type   int32
	Scheme string
	Auth   []byte
}

func (r *AuthPacket) marshal(enc *Encoder) {
	enc.PutInt(r.Type)
	enc.PutString(r.Scheme)
	enc.PutBuffer(r.Auth)
}

func (r *AuthPacket) unmarshal(dec *Decoder) {
	r.Type = dec.Int()
	r.Scheme = dec.String()
	r.Auth = dec.Buffer()
}

// MultiHeader separates the sub-operations of a transactional request or
// response; a header with Done set terminates the sequence.
type MultiHeader struct {
	Type int32
	Done bool
	Err  int32
}

func (r *MultiHeader) marshal(enc *Encoder) {
	enc.PutInt(r.Type)
	enc.PutBool(r.Done)
	enc.PutInt(r.Err)
}

func (r *MultiHeader) unmarshal(dec *Decoder) {
	r.Type = dec.Int()
	r.Done = dec.Bool()
	r.Err = dec.Int()
}

const multiHeaderSize = intSize + boolSize + intSize

type CreateRequest struct {
	Path  string
	Data  []byte
	ACL   []ACL
	Flags CreateMode
}

func (r *CreateRequest) marshal(enc *Encoder) {
	enc.PutString(r.Path)
	enc.PutBuffer(r.Data)
	putACLs(enc, r.ACL)
	enc.PutInt(int32(r.Flags))
}

func (r *CreateRequest) unmarshal(dec *Decoder) {
	r.Path = dec.String()
	r.Data = dec.Buffer()
	r.ACL = getACLs(dec)
	r.Flags = CreateMode(dec.Int())
}

type CreateResponse struct {
	Path string
}

func (r *CreateResponse) marshal(enc *Encoder)   { enc.PutString(r.Path) }
func (r *CreateResponse) unmarshal(dec *Decoder) { r.Path = dec.String() }

type Create2Response struct {
	Path string
	Stat Stat
}

func (r *Create2Response) marshal(enc *Encoder) {
	enc.PutString(r.Path)
	r.Stat.marshal(enc)
}

func (r *Create2Response) unmarshal(dec *Decoder) {
	r.Path = dec.String()
	r.Stat.unmarshal(dec)
}

type DeleteRequest struct {
	Path    string
	Version int32
}

func (r *DeleteRequest) marshal(enc *Encoder) {
	enc.PutString(r.Path)
	enc.PutInt(r.Version)
}

func (r *DeleteRequest) unmarshal(dec *Decoder) {
	r.Path = dec.String()
	r.Version = dec.Int()
}

type ExistsRequest struct {
	Path  string
	Watch bool
}

func (r *ExistsRequest) marshal(enc *Encoder) {
	enc.PutString(r.Path)
	enc.PutBool(r.Watch)
}

func (r *ExistsRequest) unmarshal(dec *Decoder) {
	r.Path = dec.String()
	r.Watch = dec.Bool()
}

type ExistsResponse struct {
	Stat Stat
}

func (r *ExistsResponse) marshal(enc *Encoder)   { r.Stat.marshal(enc) }
func (r *ExistsResponse) unmarshal(dec *Decoder) { r.Stat.unmarshal(dec) }

type GetDataRequest struct {
	Path  string
	Watch bool
}

func (r *GetDataRequest) marshal(enc *Encoder) {
	enc.PutString(r.Path)
	enc.PutBool(r.Watch)
}

func (r *GetDataRequest) unmarshal(dec *Decoder) {
	r.Path = dec.String()
	r.Watch = dec.Bool()
}

type GetDataResponse struct {
	Data []byte
	Stat Stat
}

func (r *GetDataResponse) marshal(enc *Encoder) {
	enc.PutBuffer(r.Data)
	r.Stat.marshal(enc)
}

func (r *GetDataResponse) unmarshal(dec *Decoder) {
	r.Data = dec.Buffer()
	r.Stat.unmarshal(dec)
}

type SetDataRequest struct {
	Path    string
	Data    []byte
	Version int32
}

func (r *SetDataRequest) marshal(enc *Encoder) {
	enc.PutString(r.Path)
	enc.PutBuffer(r.Data)
	enc.PutInt(r.Version)
}

func (r *SetDataRequest) unmarshal(dec *Decoder) {
	r.Path = dec.String()
	r.Data = dec.Buffer()
	r.Version = dec.Int()
}

type SetDataResponse struct {
	Stat Stat
}

func (r *SetDataResponse) marshal(enc *Encoder)   { r.Stat.marshal(enc) }
func (r *SetDataResponse) unmarshal(dec *Decoder) { r.Stat.unmarshal(dec) }

type GetChildrenRequest struct {
	Path  string
	Watch bool
}

func (r *GetChildrenRequest) marshal(enc *Encoder) {
	enc.PutString(r.Path)
	enc.PutBool(r.Watch)
}

func (r *GetChildrenRequest) unmarshal(dec *Decoder) {
	r.Path = dec.String()
	r.Watch = dec.Bool()
}

type GetChildrenResponse struct {
	Children []string
}

func (r *GetChildrenResponse) marshal(enc *Encoder)   { enc.PutStrings(r.Children) }
func (r *GetChildrenResponse) unmarshal(dec *Decoder) { r.Children = dec.Strings() }

type GetChildren2Response struct {
	Children []string
	Stat     Stat
}

func (r *GetChildren2Response) marshal(enc *Encoder) {
	enc.PutStrings(r.Children)
	r.Stat.marshal(enc)
}

func (r *GetChildren2Response) unmarshal(dec *Decoder) {
	r.Children = dec.Strings()
	r.Stat.unmarshal(dec)
}

type GetACLRequest struct {
	Path string
}

func (r *GetACLRequest) marshal(enc *Encoder)   { enc.PutString(r.Path) }
func (r *GetACLRequest) unmarshal(dec *Decoder) { r.Path = dec.String() }

type GetACLResponse struct {
	ACL  []ACL
	Stat Stat
}

func (r *GetACLResponse) marshal(enc *Encoder) {
	putACLs(enc, r.ACL)
	r.Stat.marshal(enc)
}

func (r *GetACLResponse) unmarshal(dec *Decoder) {
	r.ACL = getACLs(dec)
	r.Stat.unmarshal(dec)
}

type SetACLRequest struct {
	Path    string
	ACL     []ACL
	Version int32
}

func (r *SetACLRequest) marshal(enc *Encoder) {
	enc.PutString(r.Path)
	putACLs(enc, r.ACL)
	enc.PutInt(r.Version)
}

func (r *SetACLRequest) unmarshal(dec *Decoder) {
	r.Path = dec.String()
	r.ACL = getACLs(dec)
	r.Version = dec.Int()
}

type SetACLResponse struct {
	Stat Stat
}

func (r *SetACLResponse) marshal(enc *Encoder)   { r.Stat.marshal(enc) }
func (r *SetACLResponse) unmarshal(dec *Decoder) { r.Stat.unmarshal(dec) }

type SyncRequest struct {
	Path string
}

func (r *SyncRequest) marshal(enc *Encoder)   { enc.PutString(r.Path) }
func (r *SyncRequest) unmarshal(dec *Decoder) { r.Path = dec.String() }

type SyncResponse struct {
	Path string
}

func (r *SyncResponse) marshal(enc *Encoder)   { enc.PutString(r.Path) }
func (r *SyncResponse) unmarshal(dec *Decoder) { r.Path = dec.String() }

type CheckVersionRequest struct {
	Path    string
	Version int32
}

func (r *CheckVersionRequest) marshal(enc *Encoder) {
	enc.PutString(r.Path)
	enc.PutInt(r.Version)
}

func (r *CheckVersionRequest) unmarshal(dec *Decoder) {
	r.Path = dec.String()
	r.Version = dec.Int()
}

type ReconfigRequest struct {
	JoiningServers string
	LeavingServers string
	NewMembers     string
	CurConfigID    int64
}

func (r *ReconfigRequest) marshal(enc *Encoder) {
	enc.PutString(r.JoiningServers)
	enc.PutString(r.LeavingServers)
	enc.PutString(r.NewMembers)
	enc.PutLong(r.CurConfigID)
}

func (r *ReconfigRequest) unmarshal(dec *Decoder) {
	r.JoiningServers = dec.String()
	r.LeavingServers = dec.String()
	r.NewMembers = dec.String()
	r.CurConfigID = dec.Long()
}

type RemoveWatchesRequest struct {
	Path string
	Type int32
}

func (r *RemoveWatchesRequest) marshal(enc *Encoder) {
	enc.PutString(r.Path)
	enc.PutInt(r.Type)
}

func (r *RemoveWatchesRequest) unmarshal(dec *Decoder) {
	r.Path = dec.String()
	r.Type = dec.Int()
}

// ErrorResponse is the body of a failed sub-operation within a multi reply.
type ErrorResponse struct {
	Err int32
}

func (r *ErrorResponse) marshal(enc *Encoder)   { enc.PutInt(r.Err) }
func (r *ErrorResponse) unmarshal(dec *Decoder) { r.Err = dec.Int() }
