package setup

// Stream is the narrow substream contract this package needs: send one
// message, receive one message, both already framed and size-checked.
// swapnet's libp2p-backed substream wrapper implements this; the test
// suite here uses an in-memory pipe so the verification gates can be
// exercised without any real transport.
type Stream interface {
	Send(v interface{}) error
	Recv(v interface{}) error
}
