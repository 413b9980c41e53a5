package swapnet

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"github.com/ghostwire-labs/xmrbtc-swap/swapnet/message"
)

// Host is this node's libp2p endpoint: it owns one persistent identity
// and dispatches the five substream protocols of §6.3 to a Handler.
// protocol/setup never sees a Host directly, only the FramedStream
// handed to RunBuyer/RunSeller, so the setup package stays transport
// agnostic.
type Host struct {
	cfg     Config
	h       host.Host
	handler Handler
}

// NewHost constructs a Host and starts listening, but does not yet
// accept swap traffic until SetHandlers and Start are called.
func NewHost(cfg Config) (*Host, error) {
	priv, err := loadOrGenerateKey(cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	listenAddr := fmt.Sprintf("/ip4/%s/tcp/%d", cfg.ListenIP, cfg.Port)
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listenAddr),
	)
	if err != nil {
		return nil, fmt.Errorf("swapnet: construct libp2p host: %w", err)
	}

	return &Host{cfg: cfg, h: h}, nil
}

// SetHandlers registers the substream handlers. It must be called before
// Start.
func (srv *Host) SetHandlers(handler Handler) {
	srv.handler = handler
	srv.h.SetStreamHandler(SpotPriceID, srv.handleSpotPrice)
	srv.h.SetStreamHandler(QuoteID, srv.handleQuote)
	srv.h.SetStreamHandler(SwapSetupID, srv.handleSwapSetup)
	srv.h.SetStreamHandler(TransferProofID, srv.handleTransferProof)
	srv.h.SetStreamHandler(EncSigID, srv.handleEncSig)
}

// Start dials every configured bootnode. A bootnode that cannot be
// reached is logged and skipped rather than failing startup, since a
// node may legitimately be the first one up.
func (srv *Host) Start() error {
	if srv.handler == nil {
		return ErrNoHandlers
	}
	for _, addr := range srv.cfg.Bootnodes {
		if err := srv.connectBootnode(addr); err != nil {
			log.Warnf("swapnet: failed to dial bootnode %s: %v", addr, err)
		}
	}
	log.Infof("swapnet: listening as %s on %v", srv.h.ID(), srv.h.Addrs())
	return nil
}

func (srv *Host) connectBootnode(addr string) error {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return err
	}
	return srv.h.Connect(srv.cfg.Ctx, *info)
}

// Stop tears down the libp2p host and all of its connections.
func (srv *Host) Stop() error {
	return srv.h.Close()
}

// ID returns this node's peer ID.
func (srv *Host) ID() peer.ID { return srv.h.ID() }

// Addrs returns this node's listen multiaddrs.
func (srv *Host) Addrs() []multiaddr.Multiaddr { return srv.h.Addrs() }

// OpenSetupStream dials p and opens a swap-setup substream, ready for
// protocol/setup.RunBuyer.
func (srv *Host) OpenSetupStream(ctx context.Context, p peer.ID) (*FramedStream, error) {
	s, err := srv.h.NewStream(ctx, p, SwapSetupID)
	if err != nil {
		return nil, err
	}
	return NewFramedStream(s, srv.cfg.SetupTimeout), nil
}

// OpenRequestStream dials p and opens a one-shot request/response
// substream for any protocol ID other than SwapSetupID.
func (srv *Host) OpenRequestStream(ctx context.Context, p peer.ID, pid protocol.ID) (*FramedStream, error) {
	s, err := srv.h.NewStream(ctx, p, pid)
	if err != nil {
		return nil, err
	}
	return NewFramedStream(s, srv.cfg.RequestTimeout), nil
}

func (srv *Host) handleSpotPrice(s network.Stream) {
	defer s.Close()
	fs := NewFramedStream(s, srv.cfg.RequestTimeout)
	var req message.SpotPriceRequest
	if err := fs.Recv(&req); err != nil {
		log.Debugf("swapnet: spot-price recv failed from %s: %v", fs.RemotePeer(), err)
		_ = s.Reset()
		return
	}
	resp := srv.handler.HandleSpotPriceRequest(fs.RemotePeer(), req)
	if err := fs.Send(resp); err != nil {
		log.Debugf("swapnet: spot-price send failed to %s: %v", fs.RemotePeer(), err)
	}
}

func (srv *Host) handleQuote(s network.Stream) {
	defer s.Close()
	fs := NewFramedStream(s, srv.cfg.RequestTimeout)
	resp := srv.handler.HandleQuoteRequest(fs.RemotePeer())
	if err := fs.Send(resp); err != nil {
		log.Debugf("swapnet: quote send failed to %s: %v", fs.RemotePeer(), err)
	}
}

// handleSwapSetup hands the raw substream to the handler and returns
// immediately: the handler owns the substream's lifetime for the whole
// M0-M4 exchange and is responsible for closing or resetting it.
func (srv *Host) handleSwapSetup(s network.Stream) {
	fs := NewFramedStream(s, srv.cfg.SetupTimeout)
	srv.handler.HandleSwapSetup(fs.RemotePeer(), fs)
}

func (srv *Host) handleTransferProof(s network.Stream) {
	defer s.Close()
	fs := NewFramedStream(s, srv.cfg.RequestTimeout)
	var req message.TransferProofRequest
	if err := fs.Recv(&req); err != nil {
		log.Debugf("swapnet: transfer-proof recv failed from %s: %v", fs.RemotePeer(), err)
		_ = s.Reset()
		return
	}
	resp, err := srv.handler.HandleTransferProof(fs.RemotePeer(), req)
	if err != nil {
		log.Debugf("swapnet: transfer-proof handling failed from %s: %v", fs.RemotePeer(), err)
		_ = s.Reset()
		return
	}
	if err := fs.Send(resp); err != nil {
		log.Debugf("swapnet: transfer-proof ack send failed to %s: %v", fs.RemotePeer(), err)
	}
}

func (srv *Host) handleEncSig(s network.Stream) {
	defer s.Close()
	fs := NewFramedStream(s, srv.cfg.RequestTimeout)
	var req message.EncSigRequest
	if err := fs.Recv(&req); err != nil {
		log.Debugf("swapnet: enc-sig recv failed from %s: %v", fs.RemotePeer(), err)
		_ = s.Reset()
		return
	}
	resp, err := srv.handler.HandleEncSig(fs.RemotePeer(), req)
	if err != nil {
		log.Debugf("swapnet: enc-sig handling failed from %s: %v", fs.RemotePeer(), err)
		_ = s.Reset()
		return
	}
	if err := fs.Send(resp); err != nil {
		log.Debugf("swapnet: enc-sig ack send failed to %s: %v", fs.RemotePeer(), err)
	}
}
