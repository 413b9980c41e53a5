package swapnet

import "errors"

var (
	// ErrNoHandlers is returned by Start when SetHandlers was never
	// called: a host with no registered handlers would accept
	// connections but reject every substream.
	ErrNoHandlers = errors.New("swapnet: SetHandlers not called before Start")

	// ErrStreamClosed names a substream that has been closed or reset
	// by either side. FramedStream.Send/Recv do not return it; they
	// return the frame codec's error wrapping the stream's own error.
	ErrStreamClosed = errors.New("swapnet: stream closed")
)
