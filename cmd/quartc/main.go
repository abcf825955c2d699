// Command quartc is a demo peer: it bridges a session onto a UDP socket and
// runs a trivial echo protocol, the client sending stdin lines over a
// reliable stream and the server echoing them back.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quartc/internal/config"
	"quartc/internal/metrics"
	"quartc/internal/quartc"
	"quartc/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (overrides other flags)")
	role := flag.String("role", "client", "Role: client or server")
	listen := flag.String("listen", "", "Server UDP listen address")
	dial := flag.String("dial", "", "Client UDP remote address")
	metricsAddr := flag.String("metrics", "", "Metrics HTTP listen address")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if *configPath == "" {
		cfg := &config.Config{
			Role:    *role,
			Network: config.Network{Listen: *listen, Dial: *dial},
			Metrics: config.Metrics{Listen: *metricsAddr},
		}
		errCh := make(chan error, 1)
		go runPeer(ctx, cfg, errCh)
		select {
		case <-ctx.Done():
			<-errCh
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				log.Fatalf("peer failed: %v", err)
			}
		}
		return
	}

	reloader, err := config.NewReloadable(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	defer reloader.Close()
	cfg := reloader.Get()

	restartCh := make(chan *config.Config, 1)
	reloader.Watch(func(old, next *config.Config) {
		select {
		case restartCh <- next:
		default:
		}
	})

	runCtx, runCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go runPeer(runCtx, cfg, errCh)

	for {
		select {
		case <-ctx.Done():
			runCancel()
			<-errCh
			return
		case next := <-restartCh:
			log.Printf("config reloaded: restarting peer with updated settings")
			runCancel()
			<-errCh
			runCtx, runCancel = context.WithCancel(ctx)
			errCh = make(chan error, 1)
			go runPeer(runCtx, next, errCh)
		case err := <-errCh:
			if ctx.Err() != nil {
				return
			}
			log.Printf("peer failed: %v", err)
			time.Sleep(time.Second)
			runCtx, runCancel = context.WithCancel(ctx)
			errCh = make(chan error, 1)
			go runPeer(runCtx, reloader.Get(), errCh)
		}
	}
}

func handleSignals(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}

func runPeer(ctx context.Context, cfg *config.Config, errCh chan<- error) {
	metrics.Start(cfg.Metrics.Listen, cfg.Metrics.AuthToken)

	switch cfg.Role {
	case "server":
		errCh <- runServer(ctx, cfg)
	default:
		errCh <- runClient(ctx, cfg)
	}
}

// packetLink is the callback-driven transport shape both UDP and guarded
// transports satisfy.
type packetLink interface {
	transport.PacketTransport
	SetReceiver(fn func(p []byte))
	Close() error
}

// wrapGuard layers packet authentication over the UDP transport when a guard
// key is configured.
func wrapGuard(udp *transport.UDPTransport, cfg *config.Config) (packetLink, error) {
	if cfg.Network.Guard.Key == "" {
		return udp, nil
	}
	guarded, err := transport.NewGuardedTransport(udp, cfg.GuardConfig())
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("packet guard: %w", err)
	}
	return guarded, nil
}

func runClient(ctx context.Context, cfg *config.Config) error {
	if cfg.Network.Dial == "" {
		return fmt.Errorf("client role requires a dial address")
	}
	udp, err := transport.DialUDP(cfg.Network.Dial)
	if err != nil {
		return err
	}
	link, err := wrapGuard(udp, cfg)
	if err != nil {
		return err
	}
	defer link.Close()

	done := make(chan struct{})
	peer := &demoPeer{role: "client", link: link, done: done}
	ep := quartc.NewClientEndpoint(quartc.FactoryConfig{}, peer, cfg.SessionConfig(), nil)
	defer ep.Close()
	ep.Connect(link)

	select {
	case <-ctx.Done():
		return nil
	case <-done:
		return fmt.Errorf("connection closed")
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	if cfg.Network.Listen == "" {
		return fmt.Errorf("server role requires a listen address")
	}
	udp, err := transport.ListenUDP(cfg.Network.Listen)
	if err != nil {
		return err
	}
	log.Printf("listening on %s", udp.LocalAddr())
	link, err := wrapGuard(udp, cfg)
	if err != nil {
		return err
	}
	defer link.Close()

	done := make(chan struct{})
	peer := &demoPeer{role: "server", echo: true, link: link, done: done}
	ep := quartc.NewServerEndpoint(quartc.FactoryConfig{}, peer, cfg.SessionConfig())
	defer ep.Close()
	link.SetReceiver(ep.OnTransportReceived)
	ep.Connect(link)

	select {
	case <-ctx.Done():
		return nil
	case <-done:
		return fmt.Errorf("connection closed")
	}
}

// demoPeer is both the endpoint and session delegate for the echo demo.
type demoPeer struct {
	role string
	echo bool
	link packetLink
	done chan struct{}

	session *quartc.Session
}

func (p *demoPeer) OnSessionCreated(s *quartc.Session) {
	p.session = s
	s.SetDelegate(p)
	if p.role == "client" {
		// The client drives the transport directly; the server routes
		// through the dispatcher, wired by runServer.
		p.link.SetReceiver(s.OnTransportReceived)
	}
}

func (p *demoPeer) OnConnectError(err error) {
	log.Printf("%s: connect failed: %v", p.role, err)
	close(p.done)
}

func (p *demoPeer) OnCryptoHandshakeComplete() {
	log.Printf("%s: handshake complete", p.role)
}

func (p *demoPeer) OnConnectionWritable() {
	log.Printf("%s: connection writable", p.role)
	if p.role != "client" {
		return
	}
	stream := p.session.CreateOutgoingStream()
	if stream == nil {
		log.Printf("client: no stream available yet")
		return
	}
	stream.SetDelegate(&printStream{role: p.role})
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := append(scanner.Bytes(), '\n')
			if err := stream.Write(line, false); err != nil {
				log.Printf("client: stream write: %v", err)
				return
			}
		}
		_ = stream.FinishWriting()
	}()
}

func (p *demoPeer) OnIncomingStream(s *quartc.Stream) {
	log.Printf("%s: incoming stream %d", p.role, s.ID())
	s.SetDelegate(&printStream{role: p.role, echo: p.echo})
}

func (p *demoPeer) OnCongestionControlChange(bandwidth, pacing quartc.Bandwidth, rtt time.Duration) {
	log.Printf("%s: bandwidth=%d bps pacing=%d bps rtt=%s", p.role, bandwidth, pacing, rtt)
}

func (p *demoPeer) OnConnectionClosed(err error, details string, fromPeer bool) {
	log.Printf("%s: connection closed (from peer: %v): %v %s", p.role, fromPeer, err, details)
	close(p.done)
}

func (p *demoPeer) OnMessageReceived(payload []byte) {
	log.Printf("%s: message: %q", p.role, payload)
	if p.echo && p.session != nil {
		p.session.SendOrQueueMessage(payload)
	}
}

// printStream prints received bytes and, in echo mode, writes them back.
type printStream struct {
	role string
	echo bool
}

func (d *printStream) OnReceived(s *quartc.Stream, data []byte) {
	if len(data) == 0 {
		log.Printf("%s: stream %d finished", d.role, s.ID())
		if d.echo {
			_ = s.FinishWriting()
		}
		return
	}
	os.Stdout.Write(data)
	if d.echo {
		if err := s.Write(data, false); err != nil {
			log.Printf("%s: echo write: %v", d.role, err)
		}
	}
}

func (d *printStream) OnClose(s *quartc.Stream) {
	log.Printf("%s: stream %d closed", d.role, s.ID())
}

func (d *printStream) OnBufferChanged(s *quartc.Stream) {}
