package wire

// Status is the outcome carried by a Complete message.
type Status byte

const (
	StatusCommandOK Status = iota + 1
	StatusTuplesOK
	StatusCopyIn
	StatusCopyOut
	StatusEmptyQuery
)

// Complete reports the successful end of one statement on a segment.
type Complete struct {
	Status    Status
	Tag       string
	Rejected  int64
	Completed int64
}

func (m Complete) Encode() []byte {
	e := encoder{}
	e.byte(byte(m.Status))
	e.string(m.Tag)
	e.int64(m.Rejected)
	e.int64(m.Completed)
	return e.buf
}

func DecodeComplete(p []byte) (Complete, error) {
	d := decoder{buf: p}
	m := Complete{
		Status:    Status(d.byte()),
		Tag:       d.string(),
		Rejected:  d.int64(),
		Completed: d.int64(),
	}
	return m, d.err
}

// Error reports a failed statement on a segment.
type Error struct {
	SQLState string
	Message  string
	Detail   string
}

func (m Error) Encode() []byte {
	e := encoder{}
	e.string(m.SQLState)
	e.string(m.Message)
	e.string(m.Detail)
	return e.buf
}

func DecodeError(p []byte) (Error, error) {
	d := decoder{buf: p}
	m := Error{SQLState: d.string(), Message: d.string(), Detail: d.string()}
	return m, d.err
}

// Notify is an asynchronous notification raised by a segment.
type Notify struct {
	PID     uint32
	Channel string
	Payload string
}

func (m Notify) Encode() []byte {
	e := encoder{}
	e.uint32(m.PID)
	e.string(m.Channel)
	e.string(m.Payload)
	return e.buf
}

func DecodeNotify(p []byte) (Notify, error) {
	d := decoder{buf: p}
	m := Notify{PID: d.uint32(), Channel: d.string(), Payload: d.string()}
	return m, d.err
}

// SeqResponse answers a segment's nextval request.
type SeqResponse struct {
	SeqID     uint32
	Last      int64
	Cached    int64
	Increment int64
	Overflow  bool
	Error     bool
}

func (m SeqResponse) Encode() []byte {
	e := encoder{}
	e.uint32(m.SeqID)
	e.int64(m.Last)
	e.int64(m.Cached)
	e.int64(m.Increment)
	e.bool(m.Overflow)
	e.bool(m.Error)
	return e.buf
}

func DecodeSeqResponse(p []byte) (SeqResponse, error) {
	d := decoder{buf: p}
	m := SeqResponse{
		SeqID:     d.uint32(),
		Last:      d.int64(),
		Cached:    d.int64(),
		Increment: d.int64(),
		Overflow:  d.bool(),
		Error:     d.bool(),
	}
	return m, d.err
}
