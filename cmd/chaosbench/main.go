// Command chaosbench builds an in-process tree, pushes reliable
// traffic through it under failure injection, and prints delivery
// statistics.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/fractree/fractree/pkg/chaos"
	"github.com/fractree/fractree/pkg/message"
	"github.com/fractree/fractree/pkg/routing"
	"github.com/fractree/fractree/pkg/tree"
)

func main() {
	depth := flag.Int("depth", 3, "tree depth")
	fanout := flag.Int("fanout", 3, "children per node")
	n := flag.Int("n", 1000, "messages to send")
	chaosOn := flag.Bool("chaos", true, "enable chaos mode on every node")
	partition := flag.Bool("partition", false, "use network partition mode instead")
	seed := flag.Int64("seed", 1, "randomness seed")
	pump := flag.Duration("pump", 5*time.Second, "how long to pump retries after sending")
	flag.Parse()

	log := zap.NewNop()
	network := routing.NewNetwork(log)
	rng := rand.New(rand.NewSource(*seed))

	root, err := tree.New("root")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	routers := map[string]*routing.ReliableRouter{}
	injectors := map[string]*chaos.Injector{}
	var build func(parent *tree.Node, level int)
	build = func(parent *tree.Node, level int) {
		if level >= *depth {
			return
		}
		for i := 0; i < *fanout; i++ {
			child, err := tree.New(fmt.Sprintf("%s-%d", parent.ID(), i))
			if err != nil {
				continue
			}
			if err := parent.AddChild(child); err != nil {
				continue
			}
			build(child, level+1)
		}
	}
	build(root, 0)

	nodes := append([]*tree.Node{root}, root.Descendants()...)
	for _, node := range nodes {
		var injector *chaos.Injector
		if *chaosOn || *partition {
			injector = chaos.New(log, nil, rand.New(rand.NewSource(*seed+int64(len(routers)))))
			if *partition {
				injector.NetworkPartitionMode()
			} else {
				injector.ChaosMode()
			}
			injector.Enable()
			injectors[node.ID()] = injector
		}
		router, err := routing.NewReliableRouter(node, routing.ReliableConfig{
			Router: routing.Config{
				Transport: network,
				Injector:  injector,
				Logger:    log,
			},
			RetryInterval: 50 * time.Millisecond,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		network.Register(node.ID(), router)
		routers[node.ID()] = router
		router.Start()
	}
	defer func() {
		for _, r := range routers {
			r.Stop()
		}
	}()

	var leaves []string
	for _, node := range nodes {
		if node.IsLeaf() {
			leaves = append(leaves, node.ID())
		}
	}

	src := routers[root.ID()]
	start := time.Now()
	for i := 0; i < *n; i++ {
		leaf := leaves[rng.Intn(len(leaves))]
		msg, err := message.New(message.Data,
			map[string]any{"seq": i},
			root.ID(),
			message.WithRecipient(leaf))
		if err != nil {
			continue
		}
		src.SendReliable(msg, routing.AtLeastOnce, nil)
	}

	// Let retries and delayed chaos messages drain.
	deadline := time.Now().Add(*pump)
	for time.Now().Before(deadline) {
		stats := src.ReliabilityStatistics()
		if stats.PendingMessages == 0 && stats.RetryQueueSize == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	dur := time.Since(start)

	rel := src.ReliabilityStatistics()
	base := src.Statistics()
	fmt.Printf("sent %d messages over a depth-%d fanout-%d tree in %s\n",
		*n, *depth, *fanout, dur.Round(time.Millisecond))
	fmt.Printf("delivered=%d failed=%d retried=%d duplicates=%d limit_hits=%d\n",
		rel.MessagesDelivered, rel.MessagesFailed, rel.RetriesAttempted,
		rel.DuplicatesDetected, rel.InflightLimitHits)
	fmt.Printf("pending=%d inflight=%d queued_retries=%d\n",
		rel.PendingMessages, rel.InflightMessages, rel.RetryQueueSize)
	fmt.Printf("root router: sent=%d received=%d routed=%d dropped=%d acks=%d/%d\n",
		base.MessagesSent, base.MessagesReceived, base.MessagesRouted,
		base.MessagesDropped, base.AcksSent, base.AcksReceived)
	fmt.Printf("tracker: success_rate=%.1f%% avg_delivery=%s\n",
		rel.Tracker.SuccessRate, rel.Tracker.AverageDeliveryTime.Round(time.Millisecond))

	if len(injectors) > 0 {
		totalInjected := 0
		for _, inj := range injectors {
			totalInjected += inj.Statistics().FailuresInjected
		}
		fmt.Printf("chaos: %d failures injected across %d nodes\n",
			totalInjected, len(injectors))
	}
}
