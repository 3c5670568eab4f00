package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zerotier/ZeroTierOne-sub058/metrics"
	"github.com/zerotier/ZeroTierOne-sub058/network"
	"github.com/zerotier/ZeroTierOne-sub058/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a node over UDP",
	Args:  cobra.NoArgs,
	RunE:  run,
}

func init() {
	addRunFlags(runCmd.Flags())
	_ = viper.BindPFlags(runCmd.Flags())
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(fs *pflag.FlagSet) {
	fs.String("home", defaultHome(), "directory holding the node identity")
	fs.Uint16("port", 9993, "UDP port to listen on")
	fs.StringSlice("rootset", nil, "root set file to load (repeatable)")
	fs.StringSlice("hint", nil, "known endpoint of a node as <address>@<endpoint> (repeatable)")
	fs.String("metrics-listen", "", "serve prometheus metrics on this address, e.g. :9100")
	fs.Int("workers", 4, "number of workers handling inbound datagrams")
	fs.Bool("accept-unknown", false, "accept HELLOs from nodes that are not already known")
	fs.Duration("status-interval", time.Minute, "how often to log a status summary, 0 to disable")
}

func defaultHome() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/ztnode"
	}
	return "ztnode"
}

// parseHints parses <address>@<endpoint> pairs into per-address endpoint lists.
func parseHints(hints []string) (map[types.Address][]types.Endpoint, error) {
	out := make(map[types.Address][]types.Endpoint)
	for _, h := range hints {
		a, e, found := strings.Cut(h, "@")
		if !found {
			return nil, fmt.Errorf("hint %q is not <address>@<endpoint>", h)
		}
		addr, err := types.ParseAddress(a)
		if err != nil {
			return nil, err
		}
		ep, err := types.ParseEndpoint(e)
		if err != nil {
			return nil, err
		}
		out[addr] = append(out[addr], ep)
	}
	return out, nil
}

// runInner stands in for the virtual network layer: it only logs what it is handed.
type runInner struct {
	acceptUnknown bool
}

func (i *runInner) HandlePacket(peer *network.Peer, path *network.Path, forwardSecrecy, extendedAuth bool, verb byte, payload []byte) bool {
	log.Debug().Stringer("from", peer.Address()).Uint8("verb", verb).Int("size", len(payload)).Msg("packet")
	return false
}

func (i *runInner) HandleOK(peer *network.Peer, path *network.Path, inReVerb byte, inReID uint64, payload []byte) bool {
	log.Debug().Stringer("from", peer.Address()).Uint8("in_re", inReVerb).Msg("OK")
	return false
}

func (i *runInner) HandleError(peer *network.Peer, path *network.Path, inReVerb byte, inReID uint64, code byte, payload []byte) bool {
	log.Debug().Stringer("from", peer.Address()).Uint8("in_re", inReVerb).Uint8("code", code).Msg("ERROR")
	return false
}

func (i *runInner) ShouldCommunicateWith(id *types.Identity) bool {
	return i.acceptUnknown
}

func run(cmd *cobra.Command, args []string) error {
	home := viper.GetString("home")
	if err := os.MkdirAll(home, 0700); err != nil {
		return fmt.Errorf("could not create home: %w", err)
	}
	hints, err := parseHints(viper.GetStringSlice("hint"))
	if err != nil {
		return err
	}
	sets, err := readRootSets(viper.GetStringSlice("rootset"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []network.Option{network.WithLogger(log)}
	if listen := viper.GetString("metrics-listen"); listen != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, network.WithMetrics(metrics.NewNetworkCollector(reg)))
		srv := serveMetrics(listen, reg)
		defer func() {
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = srv.Shutdown(shutdown)
			cancel()
		}()
	}

	env := newUDPEnvironment(log, home, hints)
	node, err := network.NewNode(env, &runInner{acceptUnknown: viper.GetBool("accept-unknown")}, opts...)
	if err != nil {
		return err
	}
	for _, rs := range sets {
		if _, err := node.AddUpdateRootSet(rs); err != nil {
			return fmt.Errorf("root set %q: %w", rs.Name, err)
		}
	}
	if err := env.listen(ctx, uint16(viper.GetUint("port"))); err != nil {
		return err
	}
	log.Info().Stringer("address", node.Address()).Msg("node running")

	pool := workerpool.New(viper.GetInt("workers"))
	served := make(chan struct{})
	go func() {
		defer close(served)
		env.serve(func(socket network.LocalSocket, iface network.LocalInterface, ep types.Endpoint, data []byte) {
			pool.Submit(func() {
				node.HandleWireData(socket, iface, ep, data)
			})
		})
	}()

	status := viper.GetDuration("status-interval")
	lastStatus := time.Now()
	timer := time.NewTimer(node.DoBackgroundTasks())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			env.close()
			<-served
			pool.StopWait()
			return nil
		case <-timer.C:
			timer.Reset(node.DoBackgroundTasks())
			if status > 0 && time.Since(lastStatus) >= status {
				lastStatus = time.Now()
				logStatus(node)
			}
		}
	}
}

func logStatus(node *network.Node) {
	self := node.Debug.GetSelf()
	ev := log.Info().
		Bool("online", self.Online).
		Int("peers", self.Peers).
		Int("paths", self.Paths).
		Strs("root_sets", self.ThisRootSets)
	for _, r := range node.Debug.GetRoots() {
		if r.Best {
			ev = ev.Stringer("best_root", r.Address)
		}
	}
	ev.Msg("status")
}

func serveMetrics(listen string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			if errors.Is(err, http.ErrServerClosed) {
				log.Debug().Err(err).Msg("metrics server shutdown")
			} else {
				log.Err(err).Msg("error running metrics server")
			}
		}
	}()
	log.Info().Str("address", listen).Str("endpoint", "/metrics").Msg("metrics server started")
	return srv
}
