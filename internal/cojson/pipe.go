package cojson

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrClosed is returned by a pipe end after Close.
var ErrClosed = errors.New("connection closed")

type pipeFrame struct {
	data []byte
	at   time.Time
}

type pipeEnd struct {
	in      <-chan pipeFrame
	out     chan<- pipeFrame
	latency time.Duration

	done     chan struct{}
	peerDone chan struct{}
	once     sync.Once
}

// NewPipe returns two connected in-memory Conns. Every message goes through
// a JSON round trip and is delivered no sooner than latency after sending,
// in order.
func NewPipe(latency time.Duration) (Conn, Conn) {
	ab := make(chan pipeFrame, 1024)
	ba := make(chan pipeFrame, 1024)
	aDone, bDone := make(chan struct{}), make(chan struct{})
	a := &pipeEnd{in: ba, out: ab, latency: latency, done: aDone, peerDone: bDone}
	b := &pipeEnd{in: ab, out: ba, latency: latency, done: bDone, peerDone: aDone}
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrClosed
	case <-p.peerDone:
		return io.EOF
	default:
	}
	select {
	case p.out <- pipeFrame{data: data, at: time.Now().Add(p.latency)}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	case <-p.peerDone:
		return io.EOF
	}
}

func (p *pipeEnd) Recv(ctx context.Context) (Message, error) {
	var f pipeFrame
	select {
	case f = <-p.in:
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-p.done:
		return Message{}, ErrClosed
	case <-p.peerDone:
		return Message{}, io.EOF
	}
	if wait := time.Until(f.at); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return Message{}, ctx.Err()
		}
	}
	var msg Message
	if err := json.Unmarshal(f.data, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
