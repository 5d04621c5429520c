package proto

// Op pairs a request with its op code for inclusion in a multi.
type Op struct {
	Code    OpCode
	Request Record
}

// OpResult pairs a response with the op code it answers. A failed
// sub-operation carries Code OpError and an *ErrorResponse.
type OpResult struct {
	Code     OpCode
	Response Record
}

// MultiRequest is a transactional envelope: its sub-operations either all
// succeed or all fail. On the wire each sub-op is a MultiHeader followed by
// the request body, terminated by a done header; the frame size is the sum
// of the sub-op header and body sizes plus the terminator.
type MultiRequest struct {
	Ops []Op
}

func (r *MultiRequest) marshal(enc *Encoder) {
	for _, op := range r.Ops {
		(&MultiHeader{Type: int32(op.Code), Done: false, Err: -1}).marshal(enc)
		op.Request.marshal(enc)
	}
	(&MultiHeader{Type: -1, Done: true, Err: -1}).marshal(enc)
}

func (r *MultiRequest) unmarshal(dec *Decoder) {
	r.Ops = nil
	for {
		var hdr MultiHeader
		hdr.unmarshal(dec)
		if dec.Err() != nil || hdr.Done {
			return
		}
		req := requestFor(OpCode(hdr.Type))
		if req == nil {
			dec.err = NewError(CodeMarshalling, "unknown multi op %d", hdr.Type)
			return
		}
		req.unmarshal(dec)
		r.Ops = append(r.Ops, Op{Code: OpCode(hdr.Type), Request: req})
	}
}

// MultiResponse mirrors MultiRequest structurally; failed sub-ops are
// reported as OpError results wrapping an ErrorResponse.
type MultiResponse struct {
	Results []OpResult
}

func (r *MultiResponse) marshal(enc *Encoder) {
	for _, res := range r.Results {
		var errCode int32
		if res.Code == OpError {
			errCode = res.Response.(*ErrorResponse).Err
		}
		(&MultiHeader{Type: int32(res.Code), Done: false, Err: errCode}).marshal(enc)
		if res.Response != nil {
			res.Response.marshal(enc)
		}
	}
	(&MultiHeader{Type: -1, Done: true, Err: -1}).marshal(enc)
}

func (r *MultiResponse) unmarshal(dec *Decoder) {
	r.Results = nil
	for {
		var hdr MultiHeader
		hdr.unmarshal(dec)
		if dec.Err() != nil || hdr.Done {
			return
		}
		code := OpCode(hdr.Type)
		resp := ResponseFor(code)
		if resp != nil {
			resp.unmarshal(dec)
		} else if code != OpDelete && code != OpCheck {
			dec.err = NewError(CodeMarshalling, "unknown multi result %d", hdr.Type)
			return
		}
		r.Results = append(r.Results, OpResult{Code: code, Response: resp})
	}
}

func requestFor(op OpCode) Record {
	switch op {
	case OpCreate, OpCreate2:
		return new(CreateRequest)
	case OpDelete:
		return new(DeleteRequest)
	case OpSetData:
		return new(SetDataRequest)
	case OpCheck:
		return new(CheckVersionRequest)
	}
	return nil
}
