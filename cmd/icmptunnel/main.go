// Package main is the CLI entry point for icmptunnel.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/cobra"

	"github.com/postalsys/icmptunnel/internal/config"
	"github.com/postalsys/icmptunnel/internal/daemonize"
	"github.com/postalsys/icmptunnel/internal/forwarder"
	"github.com/postalsys/icmptunnel/internal/icmpsock"
	"github.com/postalsys/icmptunnel/internal/logging"
	"github.com/postalsys/icmptunnel/internal/metrics"
	"github.com/postalsys/icmptunnel/internal/privdrop"
	"github.com/postalsys/icmptunnel/internal/recovery"
	"github.com/postalsys/icmptunnel/internal/resolve"
	"github.com/postalsys/icmptunnel/internal/role"
	"github.com/postalsys/icmptunnel/internal/tunif"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		showVersion bool
		user        string
		keepalive   int
		retriesStr  string
		mtu         int
		emulation   bool
		daemon      bool
		server      bool
		hops        int
		idStr       string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "icmptunnel [options] [host]",
		Short: "Tunnel IP traffic inside ICMP echo packets",
		Long: `icmptunnel carries IP traffic inside ICMP echo request/reply packets,
for use on networks that only permit ping through.

The process needs CAP_NET_RAW to open the raw ICMP socket and
CAP_NET_ADMIN to create the tun device; run as root, or grant both
capabilities to the binary, then use -u to drop to an unprivileged
account once they are no longer needed.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Println(Version)
				return nil
			}

			opts := config.Default()
			opts.Server = server
			opts.User = user
			opts.Keepalive = keepalive
			opts.MTU = mtu
			opts.Emulation = emulation
			opts.Daemon = daemon
			if len(args) == 1 {
				opts.Host = args[0]
			}

			retries, err := parseRetries(retriesStr)
			if err != nil {
				return err
			}
			opts.Retries = retries
			opts.RetriesExplicit = cmd.Flags().Changed("retries")

			if hops != 0 {
				if hops < 0 || hops > config.MaxHops {
					return fmt.Errorf("for -t option hops must be within 0 ... %d range", config.MaxHops)
				}
				opts.TTLSecurity = true
				opts.Hops = uint8(hops)
			}

			if idStr != "" {
				id, err := strconv.ParseUint(idStr, 10, 16)
				if err != nil {
					return fmt.Errorf("for -i option id must be a 16-bit integer: %w", err)
				}
				opts.HasID = true
				opts.ID = uint16(id)
			}

			if err := opts.Validate(); err != nil {
				return err
			}

			return run(opts, metricsAddr)
		},
	}

	cmd.Flags().BoolVarP(&showVersion, "version", "v", false, "print version and exit")
	cmd.Flags().StringVarP(&user, "user", "u", "", "unprivileged account to switch to after opening sockets")
	cmd.Flags().IntVarP(&keepalive, "keepalive", "k", config.DefaultKeepalive, "keep-alive interval in seconds (1-30)")
	cmd.Flags().StringVarP(&retriesStr, "retries", "r", strconv.Itoa(config.DefaultRetries), `retry limit, or "infinite"`)
	cmd.Flags().IntVarP(&mtu, "mtu", "m", config.DefaultMTU, "tunnel MTU (68-65535)")
	cmd.Flags().BoolVarP(&emulation, "emulation", "e", false, "request Microsoft-ping sequence emulation")
	cmd.Flags().BoolVarP(&daemon, "daemon", "d", false, "daemonise after a successful connect (client) or after setup (server)")
	cmd.Flags().BoolVarP(&server, "server", "s", false, "run as server")
	cmd.Flags().IntVarP(&hops, "ttl-hops", "t", 0, "TTL-security hop count (0-254); 0 disables the filter")
	cmd.Flags().StringVarP(&idStr, "id", "i", "", "pin the ICMP identifier to this 16-bit value")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (default: disabled)")

	return cmd
}

func parseRetries(s string) (int, error) {
	if s == "infinite" {
		return config.RetriesInfinite, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf(`for -r option retries must be a number or "infinite"`)
	}
	return n, nil
}

func run(opts config.Options, metricsAddr string) error {
	logger := logging.NewLogger("info", "text")

	met, stopMetrics := setupMetrics(metricsAddr, logger)
	defer stopMetrics()

	var target net.IP
	if !opts.Server {
		ip, err := resolve.Host(opts.Host)
		if err != nil {
			return err
		}
		target = ip
	}

	var pinnedID *uint16
	if opts.HasID {
		id := opts.ID
		pinnedID = &id
	}

	icmpRole := icmpsock.Server
	if !opts.Server {
		icmpRole = icmpsock.Client
	}
	icmp, err := icmpsock.Open(icmpsock.Config{
		Role:        icmpRole,
		MTU:         opts.MTU,
		TTLSecurity: opts.TTLSecurity,
		Hops:        opts.Hops,
	})
	if err != nil {
		return fmt.Errorf("opening icmp socket: %w", err)
	}
	defer icmp.Close()

	tun, err := tunif.Open("", opts.MTU)
	if err != nil {
		return fmt.Errorf("opening tun device: %w", err)
	}
	defer tun.Close()
	logger.Info("tunnel interface ready", "name", tun.Name(), "mtu", humanize.Bytes(uint64(tun.MTU())))

	daemonNotify, startErr := daemonize.Start(opts.Daemon)
	if startErr != nil {
		return fmt.Errorf("daemonizing: %w", startErr)
	}
	var notifyOnce sync.Once
	notify := func(err error) { notifyOnce.Do(func() { daemonNotify(err) }) }

	if err := privdrop.To(opts.User); err != nil {
		notify(err)
		return err
	}

	var fwd *forwarder.Forwarder

	var r forwarder.Role
	if opts.Server {
		r = role.NewServer(role.ServerConfig{
			ICMP:             icmp,
			Tunnel:           tun,
			Keepalive:        opts.Keepalive,
			Retries:          opts.Retries,
			RequestEmulation: opts.Emulation,
			PinnedID:         pinnedID,
			Metrics:          met,
			Logger:           logger,
		})
		notify(nil)
		logger.Info("server ready, waiting for a client")
	} else {
		c, err := role.NewClient(role.ClientConfig{
			ICMP:             icmp,
			Tunnel:           tun,
			Target:           target,
			Keepalive:        opts.Keepalive,
			Retries:          opts.Retries,
			RetriesExplicit:  opts.RetriesExplicit,
			RequestEmulation: opts.Emulation,
			PinnedID:         pinnedID,
			Metrics:          met,
			Logger:           logger,
			OnConnected: func() {
				notify(nil)
				logger.Info("connected")
			},
			OnFatal: func(err error) {
				notify(err)
				logger.Info("disconnecting", "forwarded", humanize.Bytes(uint64(totalBytesForwarded(met))))
				if fwd != nil {
					fwd.Stop()
				}
			},
		})
		if err != nil {
			notify(err)
			return fmt.Errorf("starting client: %w", err)
		}
		r = c
	}

	fwd = forwarder.New(icmp, tun, r, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer recovery.RecoverWithLog(logger, "main.signalWatcher")
		<-sigCh
		logger.Info("shutting down")
		fwd.Stop()
	}()

	err = fwd.Run(context.Background())
	logger.Info("stopped", "forwarded", humanize.Bytes(uint64(totalBytesForwarded(met))))
	return err
}

func setupMetrics(addr string, logger *slog.Logger) (*metrics.Metrics, func()) {
	if addr == "" {
		return metrics.Nop(), func() {}
	}

	reg := prometheus.NewRegistry()
	met := metrics.NewMetricsWithRegistry(reg)
	srv := metrics.NewServer(addr, reg, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer recovery.RecoverWithLog(logger, "metrics.Server")
		srv.Start(ctx)
	}()
	return met, cancel
}

func totalBytesForwarded(met *metrics.Metrics) float64 {
	return testutil.ToFloat64(met.BytesForwarded.WithLabelValues("tunnel_to_icmp")) +
		testutil.ToFloat64(met.BytesForwarded.WithLabelValues("icmp_to_tunnel"))
}
