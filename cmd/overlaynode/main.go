// Package main is the overlay participant daemon: it loads or generates an
// identity, joins through the bootstrap coordinator, and then serves the
// Kademlia DHT and pub/sub coordinator for as long as it runs.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"gopkg.in/urfave/cli.v1"

	"github.com/yznetwork/overlay/internal/log"
	"github.com/yznetwork/overlay/node"
)

var (
	logger = log.NewModuleLogger(log.Cmd)

	dataDirFlag = cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the identity key, membership token and persisted topic state (empty: ephemeral in-memory store)",
	}
	storeBackendFlag = cli.StringFlag{
		Name:  "store",
		Usage: `Persisted store backend ("leveldb" or "badger")`,
		Value: "leveldb",
	}
	listenAddressFlag = cli.StringFlag{
		Name:  "listen",
		Usage: "host:port to accept direct stream-transport connections on (unset: client-style, NAT-restricted via datagram transport)",
	}
	bootstrapURLFlag = cli.StringFlag{
		Name:  "bootstrap",
		Usage: "websocket URL of the bootstrap coordinator",
		Value: "ws://127.0.0.1:8901/ws",
	}
	bridgeFlag = cli.BoolFlag{
		Name:  "bridge",
		Usage: "advertise this node as a bridge/relay for NAT-restricted joiners",
	}
	bridgeAuthFlag = cli.StringFlag{
		Name:  "bridge-auth",
		Usage: "shared secret presented on the bootstrap_auth backchannel (required with --bridge)",
	}
	genesisPubKeyFlag = cli.StringFlag{
		Name:  "genesis-pubkey",
		Usage: "hex-encoded Ed25519 public key of the network's genesis root, distributed out of band",
	}
	buildIDFlag = cli.StringFlag{
		Name:  "buildid",
		Usage: "build identifier compared advisorily against the bootstrap coordinator's",
		Value: "dev",
	}
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = filepath.Base(os.Args[0])
	app.Usage = "overlay network participant node"
	app.Version = node.ProtocolVersion
	app.Flags = []cli.Flag{
		dataDirFlag,
		storeBackendFlag,
		listenAddressFlag,
		bootstrapURLFlag,
		bridgeFlag,
		bridgeAuthFlag,
		genesisPubKeyFlag,
		buildIDFlag,
	}
	app.Action = run
	return app
}

func run(ctx *cli.Context) error {
	cfg := &node.Config{
		IsBridgeNode:        ctx.Bool(bridgeFlag.Name),
		DataDir:             ctx.String(dataDirFlag.Name),
		StoreBackend:        ctx.String(storeBackendFlag.Name),
		ListenAddress:       ctx.String(listenAddressFlag.Name),
		BootstrapURL:        ctx.String(bootstrapURLFlag.Name),
		BuildID:             ctx.String(buildIDFlag.Name),
		BridgeAuthToken:     ctx.String(bridgeAuthFlag.Name),
		GenesisPublicKeyHex: ctx.String(genesisPubKeyFlag.Name),
	}

	n, err := node.New(cfg)
	if err != nil {
		return fmt.Errorf("assembling node: %w", err)
	}
	color.Cyan("overlaynode %s  id=%s", node.ProtocolVersion, n.LocalID().Hex())

	if err := n.Start(); err != nil {
		color.Red("failed to join the overlay: %v", err)
		return err
	}
	color.Green("joined bootstrap at %s, awaiting onboarding", cfg.BootstrapURL)

	go func() {
		if n.AwaitRunning(60 * time.Second) {
			color.Green("bootstrapped, participating in the DHT (id=%s)", n.LocalID().Hex())
		} else {
			color.Yellow("still awaiting a routable peer after 60s")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down", "nodeId", n.LocalID())
	return n.Stop()
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logger.Error("overlaynode exited with error", "err", err)
		os.Exit(1)
	}
}
