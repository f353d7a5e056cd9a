// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// opc-inspect connects to one server of a servers file and browses or reads it.
//
//	opc-inspect -config servers.yaml -server plc1 -browse "ns=0;i=85" -depth 2
//	opc-inspect -config servers.yaml -server kep -read Channel1.Device1.Tag1,Channel1.Device1.Tag2
//	opc-inspect -config servers.yaml -server plc1 -read "ns=2;s=Speed" -subscribe -timeout 1m
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/united-manufacturing-hub/opc-connector/pkg/config"
	"github.com/united-manufacturing-hub/opc-connector/pkg/logger"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/buffer"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/factory"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/forward"
)

type treeBrowser interface {
	BrowseTree(ctx context.Context, start *opc.NodeAddress, maxDepth int) ([]opc.NodeAddress, error)
}

type subscriber interface {
	CreateSubscription(ctx context.Context, params opc.SubscriptionParameters, handler opc.NotificationHandler) (string, error)
	RemoveSubscription(ctx context.Context, subscriptionID string) error
}

// stdoutPublisher prints data changes. It is always healthy, the buffer
// only fills while a line is being written.
type stdoutPublisher struct{}

func (stdoutPublisher) Publish(_ context.Context, _ string, values []opc.DataValue) error {
	for _, dv := range values {
		printValue(dv)
	}
	return nil
}

func (stdoutPublisher) Healthy() bool { return true }

type options struct {
	configPath string
	serverID   string
	browse     string
	depth      int
	read       string
	subscribe  bool
	interval   time.Duration
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", config.DefaultConfigPath, "Path to the servers file")
	flag.StringVar(&o.serverID, "server", "", "serverId of the server to inspect (required)")
	flag.StringVar(&o.browse, "browse", "", "Node to browse from, \"/\" for the root")
	flag.IntVar(&o.depth, "depth", 1, "Browse depth, only UA servers browse deeper than one level")
	flag.StringVar(&o.read, "read", "", "Comma separated nodes to read")
	flag.BoolVar(&o.subscribe, "subscribe", false, "Subscribe to the -read nodes and print changes until the timeout (UA only)")
	flag.DurationVar(&o.interval, "interval", time.Second, "Publishing interval of -subscribe")
	timeout := flag.Duration("timeout", 30*time.Second, "Timeout of the whole run")
	flag.Parse()

	if o.serverID == "" || (o.browse == "" && o.read == "") {
		fmt.Fprintf(os.Stderr, "Usage: opc-inspect -config servers.yaml -server <id> [-browse <node>] [-read <node,...> [-subscribe]]\n")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := run(ctx, o); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options) error {
	log := logger.For(logger.ComponentInspect)
	defer func() { _ = log.Sync() }()

	full, err := config.NewFileConfigManager(o.configPath).GetConfig(ctx)
	if err != nil {
		return err
	}
	cfg, ok := full.Server(o.serverID)
	if !ok {
		return fmt.Errorf("server %q is not in %s", o.serverID, o.configPath)
	}

	client, err := factory.New(factory.WithLogger(log)).CreateClient(cfg)
	if err != nil {
		return err
	}
	status, err := client.Connect(ctx)
	if err != nil {
		return err
	}
	defer client.Disconnect(context.Background())
	fmt.Printf("Connected to %s (%s): %s %s, state %s, up since %s\n",
		cfg.ServerID, cfg.Protocol, status.Vendor, status.ServerName, status.State, status.StartTime.Format(time.RFC3339))

	if o.browse != "" {
		if err := printBrowse(ctx, client, o.browse, o.depth); err != nil {
			return err
		}
	}
	if o.read == "" {
		return nil
	}
	nodes := parseNodes(o.read)
	if len(nodes) == 0 {
		return errors.New("no nodes to read")
	}
	if o.subscribe {
		return watch(ctx, client, nodes, o.interval, full.Buffer.Capacity)
	}
	return printRead(ctx, client, nodes)
}

func parseNodes(list string) []opc.NodeAddress {
	var nodes []opc.NodeAddress
	for _, id := range strings.Split(list, ",") {
		if id = strings.TrimSpace(id); id != "" {
			nodes = append(nodes, opc.NewNodeAddress(id))
		}
	}
	return nodes
}

// watch prints data changes through the same forwarder and buffer the plugin
// uses until ctx ends.
func watch(ctx context.Context, client opc.Client, nodes []opc.NodeAddress, interval time.Duration, capacity int) error {
	sub, ok := client.(subscriber)
	if !ok {
		return &opc.ProtocolNotSupportedError{Protocol: client.Protocol(), Op: "CreateSubscription"}
	}

	bufOpts := []buffer.Option{buffer.WithLogger(logger.For(logger.ComponentBuffer))}
	if capacity > 0 {
		bufOpts = append(bufOpts, buffer.WithCapacity(capacity))
	}
	fwd := forward.New(stdoutPublisher{}, buffer.New(bufOpts...), forward.WithLogger(logger.For(logger.ComponentForwarder)))
	defer fwd.Close()
	go func() { _ = fwd.Run(ctx) }()

	id, err := sub.CreateSubscription(ctx, opc.SubscriptionParameters{PublishingInterval: interval, Nodes: nodes}, fwd.Deliver)
	if err != nil {
		return err
	}
	fmt.Printf("Subscribed to %d nodes (subscription %s), waiting for changes\n", len(nodes), id)

	<-ctx.Done()
	if err := sub.RemoveSubscription(context.Background(), id); err != nil {
		fmt.Fprintf(os.Stderr, "Removing subscription %s: %v\n", id, err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil
	}
	return ctx.Err()
}

func printBrowse(ctx context.Context, client opc.Client, browse string, depth int) error {
	var start *opc.NodeAddress
	if browse != "/" {
		n := opc.NewNodeAddress(browse)
		start = &n
	}

	var (
		nodes []opc.NodeAddress
		err   error
	)
	if tb, ok := client.(treeBrowser); ok && depth > 1 {
		nodes, err = tb.BrowseTree(ctx, start, depth)
	} else {
		if depth > 1 {
			fmt.Fprintf(os.Stderr, "%s browses one level at a time, ignoring -depth\n", client.Protocol())
		}
		nodes, err = client.Browse(ctx, start)
	}
	if err != nil {
		return err
	}
	for _, n := range nodes {
		fmt.Println(n)
	}
	fmt.Printf("%d nodes\n", len(nodes))
	return nil
}

func printRead(ctx context.Context, client opc.Client, nodes []opc.NodeAddress) error {
	values, err := client.Read(ctx, nodes)
	if err != nil {
		return err
	}
	for _, dv := range values {
		printValue(dv)
	}
	return nil
}

func printValue(dv opc.DataValue) {
	fmt.Printf("%s\t%s\t%s\t%s\n", dv.Node(), dv.Value(), dv.Quality(), dv.Timestamp().Format(time.RFC3339Nano))
}
