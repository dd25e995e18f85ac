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
	"github.com/P-8-project/P-8/handler"
)

var (
	configFile string
	logFile    string
	logLevel   int
	verbose    bool
	ipcPrefix  string
	portOffset int
	version    bool
)

func main() {
	cmd := &cobra.Command{
		Use:          "p-8-handler",
		Short:        "Hold accepted sessions and deliver published items",
		SilenceUsage: true,
		RunE:         run,
	}

	cmd.Flags().StringVar(&configFile, "config", "", "config file")
	cmd.Flags().StringVar(&logFile, "logfile", "", "log to file instead of stderr")
	cmd.Flags().IntVar(&logLevel, "loglevel", 2, "log level (0-3)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "shorthand for --loglevel=3")
	cmd.Flags().StringVar(&ipcPrefix, "ipc-prefix", "", "override the ipc file prefix")
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
		fmt.Println("p-8-handler", p8.Version)
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

	t := p8.NewTransport("handler-" + uuid.NewString()[:8])
	defer t.Close()

	zedge, err := p8.NewZhttpServer(t,
		"", // only adopted sessions; no first-packet intake
		cfg.ResolveSpec(cfg.ZClientOutStream),
		cfg.ResolveSpec(cfg.HandlerOut))
	if err != nil {
		return err
	}
	defer zedge.Close()

	zclient, err := p8.NewZhttpClient(t,
		cfg.ResolveSpec(cfg.ZServerOut),
		cfg.ResolveSpec(cfg.ZServerOutStream),
		cfg.ResolveSpec(cfg.ZServerIn))
	if err != nil {
		return err
	}
	defer zclient.Close()

	statsSock, err := t.Pub(cfg.ResolveSpec(cfg.StatsSpec)+"-handler", true, p8.StatsHWM)
	if err != nil {
		return err
	}
	defer statsSock.Close()
	stats := p8.NewStatsEngine(statsPublisher{sock: statsSock, instanceID: t.InstanceID()}, true)
	defer stats.Stop()

	engine := handler.NewEngine(handler.EngineConfig{
		ZEdge:   zedge,
		ZClient: zclient,
		Stats:   stats,
	})
	defer engine.Stop()

	if err := engine.AttachAcceptServer(t, cfg.ResolveSpec(cfg.AcceptSpec)); err != nil {
		return err
	}
	if err := engine.AttachPublishSockets(t,
		cfg.ResolveSpec(cfg.PushInSpec),
		cfg.ResolveSpec(cfg.PushInSubSpec)); err != nil {
		return err
	}

	slog.Info("handler started", "instance", t.InstanceID())

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
