// Package ipc defines the control-socket wire protocol: tag/value encoded
// requests and responses, plus the incremental framing both sides use to pull
// self-delimiting JSON documents off a stream.
package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/lunasched/lunasched/internal/job"
)

// Buffer caps. The server bounds requests; the client allows larger
// responses since job lists and history can be sizeable.
const (
	MaxRequestSize  = 1 << 20
	MaxResponseSize = 10 << 20
)

// Request tags.
const (
	ReqAddJob     = "AddJob"
	ReqRemoveJob  = "RemoveJob"
	ReqListJobs   = "ListJobs"
	ReqGetJob     = "GetJob"
	ReqStartJob   = "StartJob"
	ReqGetHistory = "GetHistory"
)

// Response tags.
const (
	RespOk          = "Ok"
	RespError       = "Error"
	RespJobList     = "JobList"
	RespJobDetail   = "JobDetail"
	RespHistoryList = "HistoryList"
)

// Envelope is the tag/value discriminated-union frame used for both
// directions. Value is absent for payload-free variants.
type Envelope struct {
	Tag   string          `json:"tag"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Decode unmarshals the envelope payload into dst.
func (e *Envelope) Decode(dst any) error {
	if len(e.Value) == 0 {
		return fmt.Errorf("%s: missing value", e.Tag)
	}
	return json.Unmarshal(e.Value, dst)
}

// HistoryQuery is the GetHistory payload. A nil Limit makes the daemon apply
// its default row cap; a Limit of 0 means "all rows".
type HistoryQuery struct {
	JobID job.ID  `json:"job_id"`
	Limit *uint32 `json:"limit,omitempty"`
}

// HistoryEntry is one persisted execution record.
type HistoryEntry struct {
	ID     int64  `json:"id"`
	JobID  string `json:"job_id"`
	RunAt  string `json:"run_at"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
}

// Marshal builds an envelope from a tag and optional payload. A nil payload
// produces a value-free envelope.
func Marshal(tag string, payload any) ([]byte, error) {
	e := Envelope{Tag: tag}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", tag, err)
		}
		e.Value = raw
	}
	return json.Marshal(e)
}

// Error builds an Error response.
func Error(format string, args ...any) ([]byte, error) {
	return Marshal(RespError, fmt.Sprintf(format, args...))
}

// Reader pulls complete JSON documents off a stream. Bytes are accumulated
// until a full document parses; trailing bytes from a concatenated write are
// kept for the next call. Exceeding max is a protocol error and the caller
// must drop the connection.
type Reader struct {
	r   io.Reader
	buf bytes.Buffer
	max int
}

// NewReader wraps r with a framing buffer capped at max bytes.
func NewReader(r io.Reader, max int) *Reader {
	return &Reader{r: r, max: max}
}

// Next returns the next complete envelope. io.EOF is returned only on a
// clean close between documents. Malformed JSON is a hard error; the caller
// must drop the connection.
func (fr *Reader) Next() (*Envelope, error) {
	chunk := make([]byte, 4096)
	for {
		if fr.buf.Len() > 0 {
			env, n, err := fr.tryDecode()
			if err == nil {
				// Discard the consumed prefix, keep any pipelined remainder.
				fr.buf.Next(n)
				return env, nil
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("malformed message: %w", err)
			}
		}
		if fr.buf.Len() > fr.max {
			return nil, fmt.Errorf("message exceeds %d byte limit", fr.max)
		}
		n, err := fr.r.Read(chunk)
		if n > 0 {
			fr.buf.Write(chunk[:n])
			continue
		}
		if err == io.EOF && fr.buf.Len() > 0 {
			return nil, fmt.Errorf("connection closed mid-message (%d buffered bytes)", fr.buf.Len())
		}
		if err != nil {
			return nil, err
		}
	}
}

// tryDecode attempts to parse one document from the front of the buffer,
// returning the byte count consumed on success. io.EOF-family errors mean
// the document is still incomplete.
func (fr *Reader) tryDecode() (*Envelope, int, error) {
	dec := json.NewDecoder(bytes.NewReader(fr.buf.Bytes()))
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, 0, err
	}
	return &env, int(dec.InputOffset()), nil
}
