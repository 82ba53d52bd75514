package p2p

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/multiformats/go-multiaddr"
	log "github.com/sirupsen/logrus"
)

// Host bundles the libp2p host, gossipsub router and DHT.
type Host struct {
	Host   host.Host
	Pubsub *pubsub.PubSub
	DHT    *dht.IpfsDHT
	ctx    context.Context
}

// HostConfig configures the transport host.
type HostConfig struct {
	Port           int
	PrivateKeyHex  string // transport key, distinct from the consensus identity
	PublicIP       string
	BootstrapPeers []string
}

// NewHost builds the libp2p host with DHT routing and gossipsub.
func NewHost(ctx context.Context, cfg HostConfig) (*Host, error) {
	privKey, err := loadOrCreatePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to get transport key: %w", err)
	}

	port := strconv.Itoa(cfg.Port)
	opts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%s", port),
			fmt.Sprintf("/ip6/::/tcp/%s", port),
		),
		libp2p.DefaultMuxers,
		libp2p.DefaultTransports,
		libp2p.DefaultSecurity,
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			return dht.New(ctx, h, dht.Mode(dht.ModeClient))
		}),
		libp2p.NATPortMap(),
		libp2p.EnableNATService(),
	}

	if cfg.PublicIP != "" {
		publicAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%s", cfg.PublicIP, port))
		if err == nil {
			opts = append(opts, libp2p.AddrsFactory(func(addrs []multiaddr.Multiaddr) []multiaddr.Multiaddr {
				return append(addrs, publicAddr)
			}))
			log.Infof("Advertising public IP: %s", cfg.PublicIP)
		}
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create host: %w", err)
	}
	log.Infof("P2P host started with peer ID: %s", h.ID())

	kademliaDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}
	if err = kademliaDHT.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	ps, err := pubsub.NewGossipSub(
		ctx,
		h,
		pubsub.WithFloodPublish(true),
		pubsub.WithPeerExchange(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	p2pHost := &Host{Host: h, Pubsub: ps, DHT: kademliaDHT, ctx: ctx}

	for _, addr := range cfg.BootstrapPeers {
		if addr == "" {
			continue
		}
		if err := p2pHost.ConnectToBootstrap(addr); err != nil {
			log.WithError(err).Warnf("Failed to connect to bootstrap peer %s", addr)
		}
	}

	return p2pHost, nil
}

// ConnectToBootstrap dials a bootstrap peer by multiaddr.
func (p *Host) ConnectToBootstrap(bootstrapAddr string) error {
	maddr, err := multiaddr.NewMultiaddr(bootstrapAddr)
	if err != nil {
		return fmt.Errorf("invalid bootstrap address: %w", err)
	}

	peerinfo, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("failed to parse bootstrap peer info: %w", err)
	}

	if err := p.Host.Connect(p.ctx, *peerinfo); err != nil {
		return fmt.Errorf("failed to connect to bootstrap: %w", err)
	}

	log.Infof("Connected to bootstrap peer: %s", peerinfo.ID)
	return nil
}

// ConnectedPeers returns the currently connected peer ids.
func (p *Host) ConnectedPeers() []peer.ID {
	return p.Host.Network().Peers()
}

// Close shuts the host down.
func (p *Host) Close() error {
	if err := p.DHT.Close(); err != nil {
		return err
	}
	return p.Host.Close()
}

func loadOrCreatePrivateKey(privKeyHex string) (crypto.PrivKey, error) {
	if privKeyHex != "" {
		privKeyBytes, err := hex.DecodeString(privKeyHex)
		if err != nil {
			return nil, fmt.Errorf("failed to decode private key hex: %w", err)
		}
		return crypto.UnmarshalEd25519PrivateKey(privKeyBytes)
	}
	privKey, _, err := crypto.GenerateEd25519Key(nil)
	return privKey, err
}
