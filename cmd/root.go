// Copyright © 2016 Luit van Drongelen <luit@luit.eu>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package cmd // import "github.com/luit-rcp/rcp/cmd"

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/luit-rcp/rcp/backend"
	"github.com/luit-rcp/rcp/cluster"
	"github.com/luit-rcp/rcp/config"
	"github.com/luit-rcp/rcp/internal/logging"
	"github.com/luit-rcp/rcp/proxyserver"
	"github.com/luit-rcp/rcp/router"
)

var cfgFile string

// rootCmd is the `rcp` command.
var rootCmd = &cobra.Command{
	Use:   "rcp",
	Short: "Redis Cluster Proxy for cluster-unaware software",
	Long: `Redis Cluster Proxy is a daemon to help your application to work with Redis
Cluster without cluster-aware code. This can be useful if you can't or won't
change the application's code. All you have to do is make sure you don't
issue commands that are impossible (commands accessing across hash slots).`,
	RunE: run,
}

// Execute activates the `rcp` command. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(64)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "rcp.conf", "proxy state file (myid, seed routers, auth passwords)")

	rootCmd.PersistentFlags().IPP("bind", "b", net.IPv4(127, 0, 0, 1), "IP address to bind to")
	viper.BindPFlag("bind", rootCmd.PersistentFlags().Lookup("bind"))

	rootCmd.PersistentFlags().IntP("port", "p", 36379, "Port to listen on")
	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))

	rootCmd.PersistentFlags().StringSlice("seed", nil, "host:port of a cluster node to bootstrap from (repeatable)")
	viper.BindPFlag("seed", rootCmd.PersistentFlags().Lookup("seed"))

	rootCmd.PersistentFlags().Int("poolsize", 4, "links kept open to each backend instance")
	viper.BindPFlag("poolsize", rootCmd.PersistentFlags().Lookup("poolsize"))

	rootCmd.PersistentFlags().Duration("reconnect-period", 500*time.Millisecond, "minimum time between reconnect attempts for one link")
	viper.BindPFlag("reconnect-period", rootCmd.PersistentFlags().Lookup("reconnect-period"))

	rootCmd.PersistentFlags().Int("redirect-max-limit", 3, "MOVED/ASK redirections followed before giving up on a command")
	viper.BindPFlag("redirect-max-limit", rootCmd.PersistentFlags().Lookup("redirect-max-limit"))

	rootCmd.PersistentFlags().Duration("update-slots-min-limit", time.Second, "minimum time between CLUSTER NODES refreshes")
	viper.BindPFlag("update-slots-min-limit", rootCmd.PersistentFlags().Lookup("update-slots-min-limit"))

	rootCmd.PersistentFlags().Bool("debug", false, "console-friendly debug logging instead of JSON")
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	viper.SetEnvPrefix("rcp")
	viper.AutomaticEnv()
}

func run(cmd *cobra.Command, args []string) error {
	log, err := logging.Sugared(viper.GetBool("debug"))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	conf, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgFile, err)
	}
	log.Infow("loaded proxy identity", "myid", conf.MyID(), "config", cfgFile)

	events := make(chan backend.Event, 4096)
	reg := backend.NewRegistry()
	slots := cluster.NewSlotTable()

	poolSize := viper.GetInt("poolsize")
	reconnectPeriod := viper.GetDuration("reconnect-period")

	seeds := conf.Routers()
	for _, s := range viper.GetStringSlice("seed") {
		host, portStr, err := net.SplitHostPort(s)
		if err != nil {
			return fmt.Errorf("bad --seed %q: %w", s, err)
		}
		port, err := parsePort(portStr)
		if err != nil {
			return fmt.Errorf("bad --seed %q: %w", s, err)
		}
		seeds = append(seeds, config.RouterEntry{Host: host, Port: port})
		if err := conf.AddRouter(host, port); err != nil {
			return fmt.Errorf("persist seed %q: %w", s, err)
		}
	}
	if len(seeds) == 0 {
		return fmt.Errorf("no seed routers configured: pass --seed host:port, or add one later via PROXY ROUTER")
	}

	var instances []*backend.Instance
	for _, s := range seeds {
		authPass := conf.AuthPassFor(net.JoinHostPort(s.Host, fmt.Sprintf("%d", s.Port)))
		inst, err := backend.NewInstance(s.Host, s.Port, authPass, poolSize, reconnectPeriod, events)
		if err != nil {
			log.Warnw("seed router unreachable at startup, skipping", "host", s.Host, "port", s.Port, "error", err)
			continue
		}
		if err := reg.Put(inst); err != nil {
			log.Warnw("duplicate seed router, skipping", "host", s.Host, "port", s.Port)
			continue
		}
		instances = append(instances, inst)
	}
	if len(instances) == 0 {
		return fmt.Errorf("none of the configured seed routers could be reached")
	}
	cluster.Bootstrap(slots, instances, rand.New(rand.NewSource(time.Now().UnixNano())))

	maintain := cluster.NewMaintainer(reg, slots, viper.GetDuration("update-slots-min-limit"), poolSize, reconnectPeriod, events, log)
	maintain.RequestRefresh()

	r := &router.Router{
		Slots:            slots,
		Registry:         reg,
		Maintain:         maintain,
		DefaultPoolSize:  poolSize,
		ReconnectPeriod:  reconnectPeriod,
		RedirectMaxLimit: viper.GetInt("redirect-max-limit"),
		Events:           events,
		Log:              log,
		AuthPassFor:      conf.AuthPassFor,
		Config:           conf,
		MyID:             conf.MyID(),
	}

	engine := proxyserver.NewEngine(reg, slots, maintain, r, events, log)

	addrStr := fmt.Sprintf("%s:%d", viper.GetString("bind"), viper.GetInt("port"))
	ln, err := net.Listen("tcp", addrStr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addrStr, err)
	}
	log.Infow("listening", "addr", ln.Addr())

	done := make(chan error, 1)
	go func() { done <- engine.Run(ln) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-done:
		return err
	case sig := <-sigCh:
		log.Infow("shutting down", "signal", sig)
		engine.Stop()
		return nil
	}
}

func parsePort(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid port %q", s)
		}
		n = n*10 + int(c-'0')
	}
	if n <= 0 || n > 65535 {
		return 0, fmt.Errorf("port out of range: %d", n)
	}
	return n, nil
}
