// Command webdht-node is an inert smoke-test harness, not a product CLI
// (spec.md §1 "Out of scope": all UI, CLI, example clients). It wires
// config.Default() into webdht.New and logs the ready and peer:* events so a
// developer can eyeball a node coming up, matching the teacher's own thin
// cmd/inos-node entry point.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/draeder/webdht-sub000"
	"github.com/draeder/webdht-sub000/config"
	"github.com/draeder/webdht-sub000/id"
)

func main() {
	var bootstrap string
	flag.StringVar(&bootstrap, "bootstrap", "", "comma-separated rendezvous websocket URLs")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	opts := config.Default()
	if bootstrap != "" {
		opts.BootstrapAddrs = strings.Split(bootstrap, ",")
	}

	node, err := webdht.New(opts, logger)
	if err != nil {
		logger.Error("failed to start node", "err", err)
		os.Exit(1)
	}

	node.OnReady(func(nodeID id.NodeID) {
		logger.Info("ready", "node_id", nodeID.String())
	})
	node.OnPeerConnect(func(peer id.NodeID) {
		logger.Info("peer:connect", "peer", peer.String())
	})
	node.OnPeerDisconnect(func(peer id.NodeID, reason string) {
		logger.Info("peer:disconnect", "peer", peer.String(), "reason", reason)
	})
	node.OnPeerError(func(peer id.NodeID, cause error) {
		logger.Warn("peer:error", "peer", peer.String(), "err", cause)
	})
	node.OnPeerLimitReached(func(peer id.NodeID) {
		logger.Warn("peer:limit_reached", "peer", peer.String())
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	node.Close()
}
