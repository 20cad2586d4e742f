// Package wire implements the JSON message protocol spoken between the sync
// client, the delay relay, and the time authority. Messages are
// newline-terminated JSON objects, one request/response pair per connection.
package wire

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	MsgTimeRequest  = "time_req"
	MsgTimeResponse = "time_resp"

	// MaxMessageLen bounds a single framed message, terminator included.
	MaxMessageLen = 4096
)

type Request struct {
	Type string `json:"type"`
}

type Response struct {
	Type       string  `json:"type"`
	ServerTime float64 `json:"server_time"`
}

var ErrMalformedMessage = errors.New("malformed message")

// NewReader wraps a stream in a reader suitable for ReadFrame, ReadRequest,
// and ReadResponse, with the frame size bound applied.
func NewReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, MaxMessageLen)
}

// ReadFrame reads one newline-terminated message, terminator included. The
// returned slice is only valid until the next read. An overlong frame is
// reported as ErrMalformedMessage; a stream that ends before the terminator
// is reported as the underlying I/O error.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	frame, err := r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrMalformedMessage, MaxMessageLen)
	}
	if err != nil {
		return nil, err
	}
	return frame, nil
}

func ReadRequest(r *bufio.Reader) (Request, error) {
	var req Request
	frame, err := ReadFrame(r)
	if err != nil {
		return req, err
	}
	err = json.Unmarshal(frame, &req)
	if err != nil {
		return req, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if req.Type != MsgTimeRequest {
		return req, fmt.Errorf("%w: unexpected message type %q", ErrMalformedMessage, req.Type)
	}
	return req, nil
}

func ReadResponse(r *bufio.Reader) (Response, error) {
	var resp Response
	frame, err := ReadFrame(r)
	if err != nil {
		return resp, err
	}
	var raw struct {
		Type       string   `json:"type"`
		ServerTime *float64 `json:"server_time"`
	}
	err = json.Unmarshal(frame, &raw)
	if err != nil {
		return resp, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if raw.Type != MsgTimeResponse {
		return resp, fmt.Errorf("%w: unexpected message type %q", ErrMalformedMessage, raw.Type)
	}
	if raw.ServerTime == nil {
		return resp, fmt.Errorf("%w: missing server_time", ErrMalformedMessage)
	}
	if math.IsNaN(*raw.ServerTime) || math.IsInf(*raw.ServerTime, 0) {
		return resp, fmt.Errorf("%w: server_time not finite", ErrMalformedMessage)
	}
	resp.Type = raw.Type
	resp.ServerTime = *raw.ServerTime
	return resp, nil
}

func WriteRequest(w io.Writer) error {
	return writeMessage(w, Request{Type: MsgTimeRequest})
}

func WriteResponse(w io.Writer, serverTime float64) error {
	return writeMessage(w, Response{Type: MsgTimeResponse, ServerTime: serverTime})
}

func writeMessage(w io.Writer, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf = append(buf, '\n')
	_, err = w.Write(buf)
	return err
}
