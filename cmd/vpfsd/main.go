// Command vpfsd is the VPFS daemon entry point: it binds the peer and
// client listeners, performs the root handshake, restores the LRU
// cache, and serves both protocols until terminated. Grounded on the
// original source's daemon.rs main/start_server.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/BDhanush/vpfs/cache"
	"github.com/BDhanush/vpfs/config"
	"github.com/BDhanush/vpfs/daemonstate"
	"github.com/BDhanush/vpfs/dispatch"
	"github.com/BDhanush/vpfs/store"
	"github.com/BDhanush/vpfs/wire"
)

const cacheSnapshotFile = "cache"

var cliFlags = []cli.Flag{
	cli.StringFlag{Name: "config", Usage: "path to a TOML config file"},
	cli.StringFlag{Name: "name", Usage: "this node's cluster-unique name"},
	cli.IntFlag{Name: "peer-port", Usage: "TCP port other daemons dial", Value: int(config.DefaultPeerPort)},
	cli.StringFlag{Name: "peer-address", Usage: "this node's dialable host:port, advertised to other daemons"},
	cli.IntFlag{Name: "listen-port", Usage: "TCP port local clients connect on"},
	cli.StringFlag{Name: "root-address", Usage: "root node's host:port, empty if this node is root"},
	cli.Int64Flag{Name: "cache-size", Usage: "max LRU cache bytes", Value: config.DefaultCacheSize},
	cli.StringFlag{Name: "data-dir", Usage: "working directory for blob storage"},
	cli.BoolFlag{Name: "debug", Usage: "enable verbose logging"},
}

func main() {
	app := cli.NewApp()
	app.Name = "vpfsd"
	app.Usage = "run a VPFS node daemon"
	app.Flags = cliFlags
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("vpfsd exited with error")
	}
}

func run(c *cli.Context) error {
	cfg, err := resolveConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logrus.New()
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log).WithField("node", cfg.Name)

	if err := cfg.EnsureDataDir(); err != nil {
		return err
	}
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}

	localNode := wire.VPFSNode{Name: cfg.Name, EndpointID: xid.New()}
	ca := cache.New(st, cfg.CacheSize)
	snapshotPath := st.Path(cacheSnapshotFile)
	var restoredRoot *wire.VPFSNode
	if f, err := os.Open(snapshotPath); err == nil {
		restoredRoot = ca.Restore(f)
		f.Close()
	}

	state := daemonstate.New(localNode, cfg.PeerAddress, st, ca, cfg.CacheSize, entry)
	ca.EnableAutoPersist(snapshotPath, state.Root)
	if restoredRoot != nil {
		state.SetRoot(*restoredRoot)
	}

	if cfg.IsRoot() {
		entry.Info("running as root node")
		state.SetRoot(localNode)
		if err := initRootDirectory(state); err != nil {
			return err
		}
	} else {
		entry.WithField("root", cfg.RootAddress).Info("running as non-root node, connecting to root")
		if err := joinCluster(state, cfg.RootAddress, cfg.PeerAddress); err != nil {
			return err
		}
	}

	peerLn, err := net.Listen("tcp", formatAddr(cfg.PeerPort))
	if err != nil {
		return err
	}
	defer peerLn.Close()

	clientLn, err := net.Listen("tcp", formatAddr(cfg.ListenPort))
	if err != nil {
		return err
	}
	defer clientLn.Close()

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return acceptLoop(peerLn, func(nc net.Conn) { _ = dispatch.ServePeer(nc, state) }) })
	g.Go(func() error { return acceptLoop(clientLn, func(nc net.Conn) { _ = dispatch.ServeClient(nc, state) }) })
	g.Go(func() error { return waitForShutdown(ctx, state) })
	g.Go(func() error {
		// Unblock both Accept calls once any goroutine fails, so g.Wait
		// can return instead of waiting on the surviving listener.
		<-ctx.Done()
		_ = peerLn.Close()
		_ = clientLn.Close()
		return nil
	})

	if ok, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady); notifyErr != nil {
		entry.WithError(notifyErr).Warn("sd_notify failed")
	} else if ok {
		entry.Debug("notified systemd of readiness")
	}

	return g.Wait()
}

func resolveConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Config{PeerPort: config.DefaultPeerPort, CacheSize: config.DefaultCacheSize}
	if path := c.String("config"); path != "" {
		fileCfg, err := config.FromFile(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = fileCfg
	}
	if v := c.String("name"); v != "" {
		cfg.Name = v
	}
	// peer-port and cache-size carry non-zero flag defaults (so --help
	// shows a useful value), so a plain v != 0 check can't tell "user
	// passed it" from "flag default kicked in" and would always clobber
	// a config-file value; IsSet disambiguates the two.
	if c.IsSet("peer-port") {
		cfg.PeerPort = uint16(c.Int("peer-port"))
	}
	if v := c.Int("listen-port"); v != 0 {
		cfg.ListenPort = uint16(v)
	}
	if v := c.String("root-address"); v != "" {
		cfg.RootAddress = v
	}
	if v := c.String("peer-address"); v != "" {
		cfg.PeerAddress = v
	}
	if c.IsSet("cache-size") {
		cfg.CacheSize = c.Int64("cache-size")
	}
	if v := c.String("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if c.Bool("debug") {
		cfg.Debug = true
	}
	return cfg, nil
}

func formatAddr(port uint16) string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(int(port)))
}

// initRootDirectory creates the "root" directory blob with self-links
// the first time this node starts as the cluster root. Grounded on
// daemon.rs main's else branch.
func initRootDirectory(s *daemonstate.State) error {
	f, err := os.OpenFile(s.Store.Path(daemonstate.RootDirURI), os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	f.Close()

	self := wire.Location{NodeName: s.Local.Name, URI: daemonstate.RootDirURI}
	dot := wire.DirectoryEntry{Location: self, Name: ".", IsDir: true}
	dotdot := wire.DirectoryEntry{Location: self, Name: "..", IsDir: true}

	lock := s.Store.Lock()
	lock.Lock()
	defer lock.Unlock()
	if err := appendRootEntry(s, dot); err != nil {
		return err
	}
	return appendRootEntry(s, dotdot)
}

func appendRootEntry(s *daemonstate.State, entry wire.DirectoryEntry) error {
	f, err := os.OpenFile(s.Store.Path(daemonstate.RootDirURI), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return wire.WriteDirectoryEntry(f, entry)
}

// joinCluster performs the non-root startup handshake: dial the root,
// send RootHello, and adopt the returned known_hosts snapshot.
// Grounded on daemon.rs main's if-branch.
func joinCluster(s *daemonstate.State, rootAddress, peerAddress string) error {
	nc, err := net.Dial("tcp", rootAddress)
	if err != nil {
		return err
	}
	if err := wire.WriteHello(nc, wire.Hello{Kind: wire.HelloRoot, Node: s.Local, ListenAddr: peerAddress}); err != nil {
		nc.Close()
		return err
	}
	resp, err := wire.ReadHelloResponse(nc)
	nc.Close()
	if err != nil {
		return err
	}
	s.Peers.ReplaceKnownHosts(resp.KnownHosts, resp.RootNode.Name, resp.RootNode.EndpointID, rootAddress)
	s.SetRoot(resp.RootNode)
	return nil
}

func acceptLoop(ln net.Listener, handle func(net.Conn)) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		go handle(nc)
	}
}

// waitForShutdown persists a final cache snapshot on SIGINT/SIGTERM.
// Cache.Insert already rewrites the snapshot after every insert (see
// cache.Cache.EnableAutoPersist), so this is a last write covering any
// state change since, not the only persistence point.
func waitForShutdown(ctx context.Context, s *daemonstate.State) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctx.Done():
		return nil
	case <-sigCh:
		f, err := os.Create(s.Store.Path(cacheSnapshotFile))
		if err != nil {
			return err
		}
		defer f.Close()
		if err := s.Cache.Persist(f, s.Root()); err != nil {
			return err
		}
		return s.Peers.CloseAll()
	}
}
