// Package main is the bootstrap coordinator daemon: a pure in-memory
// registry of currently-connected participants that decides genesis
// assignment, onboarding-helper selection and emergency bridge routing,
// per spec.md §4.H.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"gopkg.in/urfave/cli.v1"

	"github.com/yznetwork/overlay/bootstrap"
	"github.com/yznetwork/overlay/bootstrap/server"
	"github.com/yznetwork/overlay/identity"
	"github.com/yznetwork/overlay/internal/log"
)

var (
	logger = log.NewModuleLogger(log.Bootstrap)

	listenFlag = cli.StringFlag{
		Name:  "listen",
		Usage: "host:port the coordinator's HTTP/websocket relay binds to",
		Value: "127.0.0.1:8901",
	}
	createNewDHTFlag = cli.BoolFlag{
		Name:  "create-new-dht",
		Usage: "elect the first non-bridge registrant as genesis, founding a new network",
	}
	protocolVersionFlag = cli.StringFlag{
		Name:  "protocol-version",
		Usage: "this coordinator's protocol version, gated against each joiner's",
		Value: "1.4.0",
	}
	buildIDFlag = cli.StringFlag{
		Name:  "buildid",
		Usage: "build identifier compared advisorily against each joiner's",
		Value: "dev",
	}
	genesisTTLFlag = cli.DurationFlag{
		Name:  "genesis-ttl",
		Usage: "validity window of a freshly-issued genesis membership token",
		Value: 24 * time.Hour,
	}
	bridgeAuthFileFlag = cli.StringFlag{
		Name:  "bridge-auth-file",
		Usage: "path to the shared secret bridge nodes present on the bootstrap_auth backchannel (hot-reloaded; empty disables the backchannel)",
	}
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = filepath.Base(os.Args[0])
	app.Usage = "overlay network bootstrap coordinator"
	app.Version = ""
	app.Flags = []cli.Flag{
		listenFlag,
		createNewDHTFlag,
		protocolVersionFlag,
		buildIDFlag,
		genesisTTLFlag,
		bridgeAuthFileFlag,
	}
	app.Action = run
	return app
}

func run(ctx *cli.Context) error {
	genesis, err := identity.Generate()
	if err != nil {
		return fmt.Errorf("generating coordinator genesis key pair: %w", err)
	}

	auth, err := server.NewAuthGate(ctx.String(bridgeAuthFileFlag.Name))
	if err != nil {
		return fmt.Errorf("loading bridge auth secret: %w", err)
	}

	srv := server.New(server.Config{
		CreateNewDHT:    ctx.Bool(createNewDHTFlag.Name),
		ProtocolVersion: ctx.String(protocolVersionFlag.Name),
		BuildID:         ctx.String(buildIDFlag.Name),
		Genesis:         genesis,
		GenesisTTL:      ctx.Duration(genesisTTLFlag.Name),
	}, auth)

	mux := http.NewServeMux()
	mux.Handle("/", srv.HTTPHandler())
	mux.HandleFunc("/ws", bootstrap.UpgradeHandler(func(sender *bootstrap.WSSender) {
		bootstrap.NewSession(srv, sender).Serve()
	}))

	addr := ctx.String(listenFlag.Name)
	color.Cyan("bootstrapd listening on %s  genesisId=%s  createNewDHT=%v", addr, genesis.NodeID(), ctx.Bool(createNewDHTFlag.Name))

	httpSrv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		color.Red("bootstrap coordinator failed to bind: %v", err)
		return err
	case <-sigCh:
		logger.Info("shutting down bootstrap coordinator")
		return httpSrv.Close()
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logger.Error("bootstrapd exited with error", "err", err)
		os.Exit(1)
	}
}
