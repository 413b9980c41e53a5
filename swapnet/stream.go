package swapnet

import (
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ghostwire-labs/xmrbtc-swap/swapnet/message"
)

// FramedStream adapts a raw libp2p substream to protocol/setup.Stream: a
// narrow Send(v)/Recv(v) contract carrying one CBOR frame per call. Every
// Send/Recv resets the substream's read/write deadline to now+timeout, so
// a peer that goes silent mid-handshake is dropped within one timeout
// window rather than wedging the substream open indefinitely (§6.3's
// 120s setup-substream lifetime).
type FramedStream struct {
	s       network.Stream
	timeout time.Duration
}

// NewFramedStream wraps s. A timeout of 0 disables deadlines, which is
// only appropriate for tests driving an in-memory transport.
func NewFramedStream(s network.Stream, timeout time.Duration) *FramedStream {
	return &FramedStream{s: s, timeout: timeout}
}

func (f *FramedStream) Send(v interface{}) error {
	if f.timeout > 0 {
		if err := f.s.SetWriteDeadline(time.Now().Add(f.timeout)); err != nil {
			return err
		}
	}
	return message.WriteFrame(f.s, v)
}

func (f *FramedStream) Recv(v interface{}) error {
	if f.timeout > 0 {
		if err := f.s.SetReadDeadline(time.Now().Add(f.timeout)); err != nil {
			return err
		}
	}
	return message.ReadFrame(f.s, v)
}

// Close closes the substream after a clean protocol completion.
func (f *FramedStream) Close() error { return f.s.Close() }

// Reset aborts the substream, used when a verification gate fails and
// the peer should observe an immediate hangup rather than a graceful
// close.
func (f *FramedStream) Reset() error { return f.s.Reset() }

// RemotePeer returns the peer on the other end of the substream.
func (f *FramedStream) RemotePeer() peer.ID { return f.s.Conn().RemotePeer() }
