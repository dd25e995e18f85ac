package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	p8 "github.com/P-8-project/P-8"
	"github.com/P-8-project/P-8/proxy"
)

var (
	configFile string
	logFile    string
	logLevel   int
	verbose    bool
	ipcPrefix  string
	routeLines []string
	portOffset int
	version    bool
)

func main() {
	cmd := &cobra.Command{
		Use:          "p-8-proxy",
		Short:        "Relay requests to origins and hand GRIP responses to the handler",
		SilenceUsage: true,
		RunE:         run,
	}

	cmd.Flags().StringVar(&configFile, "config", "", "config file")
	cmd.Flags().StringVar(&logFile, "logfile", "", "log to file instead of stderr")
	cmd.Flags().IntVar(&logLevel, "loglevel", 2, "log level (0-3)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "shorthand for --loglevel=3")
	cmd.Flags().StringVar(&ipcPrefix, "ipc-prefix", "", "override the ipc file prefix")
	cmd.Flags().StringArrayVar(&routeLines, "route", nil, "add a route line (may repeat)")
	cmd.Flags().IntVar(&portOffset, "port-offset", 0, "offset for tcp ports")
	cmd.Flags().BoolVar(&version, "version", false, "print version and exit")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(logFile string, logLevel int, verbose bool) error {
	level := slog.LevelWarn
	if verbose {
		logLevel = 3
	}
	switch logLevel {
	case 0:
		level = slog.LevelError
	case 1:
		level = slog.LevelWarn
	case 2:
		level = slog.LevelInfo
	default:
		level = slog.LevelDebug
	}

	out := os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		out = f
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	if version {
		fmt.Println("p-8-proxy", p8.Version)
		return nil
	}
	if err := setupLogging(logFile, logLevel, verbose); err != nil {
		return err
	}

	cfg, err := p8.LoadConfig(configFile)
	if err != nil {
		return err
	}
	if ipcPrefix != "" {
		cfg.IpcPrefix = ipcPrefix
	}
	if portOffset != 0 {
		cfg.PortOffset = portOffset
	}

	routes := p8.NewRouteResolver()
	if cfg.RoutesFile != "" {
		if err := routes.LoadFile(cfg.RoutesFile); err != nil {
			return err
		}
		if err := routes.Watch(cfg.RoutesFile); err != nil {
			slog.Warn("unable to watch routes file", "error", err)
		}
	}
	for _, line := range routeLines {
		if err := routes.AddRouteLine(line); err != nil {
			return err
		}
	}
	defer routes.Close()

	t := p8.NewTransport("proxy-" + uuid.NewString()[:8])
	defer t.Close()

	zserver, err := p8.NewZhttpServer(t,
		cfg.ResolveSpec(cfg.ZClientOut),
		cfg.ResolveSpec(cfg.ZClientOutStream),
		cfg.ResolveSpec(cfg.ZClientIn))
	if err != nil {
		return err
	}
	defer zserver.Close()

	zclient, err := p8.NewZhttpClient(t,
		cfg.ResolveSpec(cfg.ZServerOut),
		cfg.ResolveSpec(cfg.ZServerOutStream),
		cfg.ResolveSpec(cfg.ZServerIn))
	if err != nil {
		return err
	}
	defer zclient.Close()

	accept, err := proxy.NewAcceptBridge(t, cfg.ResolveSpec(cfg.AcceptSpec))
	if err != nil {
		return err
	}
	defer accept.Close()

	statsSock, err := t.Pub(cfg.ResolveSpec(cfg.StatsSpec), true, p8.StatsHWM)
	if err != nil {
		return err
	}
	defer statsSock.Close()
	stats := p8.NewStatsEngine(statsPublisher{sock: statsSock, instanceID: t.InstanceID()}, true)
	defer stats.Stop()

	proxy.NewEngine(proxy.EngineConfig{
		ZServer:     zserver,
		ZClient:     zclient,
		Routes:      routes,
		Accept:      accept,
		Stats:       stats,
		SigIss:      cfg.SigIss,
		SigKey:      []byte(cfg.SigKey),
		UpstreamKey: []byte(cfg.UpstreamKey),
	})

	slog.Info("proxy started", "instance", t.InstanceID())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	slog.Info("shutting down")
	return nil
}

type statsPublisher struct {
	sock       *p8.Socket
	instanceID string
}

func (s statsPublisher) SendStats(p *p8.StatsPacket) {
	data, err := p8.MarshalStats(p)
	if err != nil {
		return
	}
	s.sock.Send(p8.PubPrefix(s.instanceID, data))
}
