package runnerconn

import (
	"fmt"
	"sync"
)

// frameWriter is the subset of Conn (or Client, via localFrameWriter) a tunnelSocket needs to
// emit ws_data/ws_close frames for its stream.
type frameWriter interface {
	writeFrame(kind frameKind, streamID uint64, body any) error
	forgetWS(streamID uint64)
}

// inboundFrame is one frame handed to a tunnelSocket's ReadMessage loop by
// the owning Conn's dispatch goroutine.
type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

// tunnelSocket implements driver.Socket over one multiplexed stream of a
// runnerconn tunnel: writes go out as ws_data/ws_close frames tagged with
// the stream id, reads come from a channel fed by the owning Conn's single
// read loop.
type tunnelSocket struct {
	owner    frameWriter
	streamID uint64

	mu     sync.Mutex
	closed bool
	inbox  chan inboundFrame
}

func newTunnelSocket(owner frameWriter, streamID uint64) *tunnelSocket {
	return &tunnelSocket{owner: owner, streamID: streamID, inbox: make(chan inboundFrame, 32)}
}

// deliver is called by the owning Conn's read loop to hand this socket its
// next frame (or its terminal error).
func (s *tunnelSocket) deliver(messageType int, data []byte, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case s.inbox <- inboundFrame{messageType: messageType, data: data, err: err}:
	default:
		// Backpressure: the reader isn't keeping up. Dropping a data frame
		// here is preferable to blocking the shared tunnel's read loop.
	}
}

func (s *tunnelSocket) ReadMessage() (int, []byte, error) {
	f, ok := <-s.inbox
	if !ok {
		return 0, nil, fmt.Errorf("runnerconn: socket closed")
	}
	if f.err != nil {
		return 0, nil, f.err
	}
	return f.messageType, f.data, nil
}

func (s *tunnelSocket) WriteMessage(messageType int, data []byte) error {
	return s.owner.writeFrame(frameWSData, s.streamID, wsDataBody{MessageType: messageType, Data: data})
}

func (s *tunnelSocket) Close() error {
	return s.CloseWithReason(1000, "")
}

func (s *tunnelSocket) CloseWithReason(code int, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.owner.forgetWS(s.streamID)
	close(s.inbox)
	return s.owner.writeFrame(frameWSClose, s.streamID, wsCloseBody{Code: code, Reason: reason})
}
