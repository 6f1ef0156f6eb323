// Package client speaks the loqa-speechd line protocol: JSON commands out, JSON
// responses and length-prefixed PCM16LE frames back.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/loqalabs/loqa-speechd/internal/protocol"
)

// Voice is a voice offered by the server.
type Voice = protocol.Voice

// ServerError is an error object returned by the server.
type ServerError struct {
	Code        int
	Description string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Description)
}

// StreamRequest selects what to say and how.
type StreamRequest struct {
	Text     string
	Voice    string
	Engine   string
	Language string
}

// Chunk is one frame of audio.
type Chunk struct {
	SampleRate int
	Samples    []int16
}

// StreamResult reports how a stream ended. A server whose engine fails after the
// first frame ends the stream with the normal terminator, so such a stream is
// reported as complete with fewer chunks than the text would produce.
type StreamResult struct {
	SampleRate int
	Chunks     int
	Cancelled  bool
}

// Client is a single connection. It is not safe for concurrent use; commands are
// answered strictly in order.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(conn), nil
}

// New wraps an established connection.
func New(conn net.Conn) *Client {
	return &Client{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
}

// Close sends the blank-line terminator and closes the connection.
func (c *Client) Close() error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.writeLine(nil)
	return c.conn.Close()
}

// EnumerateVoices lists the voices of the server's engine.
func (c *Client) EnumerateVoices(ctx context.Context) ([]Voice, error) {
	defer c.watch(ctx)()

	if err := c.send(protocol.EnumerateVoices{}); err != nil {
		return nil, err
	}
	line, err := protocol.ReadLine(c.r)
	if err != nil {
		return nil, c.ctxErr(ctx, err)
	}
	if bytes.HasPrefix(line, []byte("{")) {
		return nil, decodeError(line)
	}
	var voices []Voice
	if err := json.Unmarshal(line, &voices); err != nil {
		return nil, fmt.Errorf("decode voices: %w", err)
	}
	return voices, nil
}

// Stream requests synthesis and calls fn for every chunk in order. Returning false
// from fn cancels the stream; the connection stays usable afterwards.
//
// A server ignores requests for an engine it does not run, so such a call only
// returns when ctx is done.
func (c *Client) Stream(ctx context.Context, req StreamRequest, fn func(Chunk) bool) (StreamResult, error) {
	defer c.watch(ctx)()

	var res StreamResult
	err := c.send(protocol.TTSStream{
		Text:     req.Text,
		Voice:    req.Voice,
		Engine:   req.Engine,
		Language: req.Language,
	})
	if err != nil {
		return res, err
	}

	line, err := protocol.ReadLine(c.r)
	if err != nil {
		return res, c.ctxErr(ctx, err)
	}
	var header protocol.Response
	if err := json.Unmarshal(line, &header); err != nil {
		return res, fmt.Errorf("decode stream header: %w", err)
	}
	if header.ResultCode != protocol.ResultOK {
		return res, &ServerError{Code: header.ResultCode, Description: header.Description}
	}
	res.SampleRate = header.SampleRate

	for {
		payload, err := protocol.ReadFrame(c.r)
		if err != nil {
			return res, c.ctxErr(ctx, err)
		}
		if len(payload) == 0 {
			return res, nil
		}
		res.Chunks++

		ack := []byte(protocol.Ack)
		keep := fn(Chunk{SampleRate: header.SampleRate, Samples: protocol.DecodeSamples(payload)})
		if !keep {
			ack = []byte("n")
			res.Cancelled = true
		}
		if err := c.writeLine(ack); err != nil {
			return res, c.ctxErr(ctx, err)
		}
		if !keep {
			return res, nil
		}
	}
}

func (c *Client) send(cmd protocol.Command) error {
	line, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	return c.writeLine(line)
}

func (c *Client) writeLine(line []byte) error {
	if _, err := c.w.Write(line); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// watch applies ctx to the socket: its deadline becomes the I/O deadline and
// cancellation unblocks pending reads and writes.
func (c *Client) watch(ctx context.Context) func() {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		_ = c.conn.SetDeadline(time.Time{})
	}
}

func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return context.DeadlineExceeded
	}
	return err
}

func decodeError(line []byte) error {
	var resp protocol.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("decode error response: %w", err)
	}
	return &ServerError{Code: resp.ResultCode, Description: resp.Description}
}
