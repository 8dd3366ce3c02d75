package metrics

import (
	"time"

	"github.com/cuemby/nimbus/pkg/types"
)

// Collector polls the controller's managers on a fixed interval and
// updates the fleet-shape gauges (NodesTotal, GroupsTotal, ServersTotal,
// UsersTotal, DispatchQueueDepth). Of the per-event metrics, only the
// tick counter/histogram and the server start/stop queue, started and
// failed metrics are updated, inline by their owning components; the
// scheduling-latency, capacity-denied, plugin-call, RPC and
// subscriber-drop metrics are registered but nothing updates them.
//
// The managers are taken as narrow interfaces so this package does not
// import the manager packages (pkg/server imports pkg/metrics).
type Collector struct {
	nodes      interface{ List() []types.Node }
	servers    interface{ List() []types.Server }
	groups     interface{ List() []types.Group }
	users      interface{ ListUsers() []types.User }
	dispatcher interface{ QueueDepth() int }

	stopCh chan struct{}
}

// NewCollector constructs a Collector over the controller's managers.
func NewCollector(nodes interface{ List() []types.Node }, servers interface{ List() []types.Server }, groups interface{ List() []types.Group }, users interface{ ListUsers() []types.User }, d interface{ QueueDepth() int }) *Collector {
	return &Collector{
		nodes:      nodes,
		servers:    servers,
		groups:     groups,
		users:      users,
		dispatcher: d,
		stopCh:     make(chan struct{}),
	}
}

// Start begins polling on a 15 second interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts polling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectNodeMetrics()
	c.collectGroupMetrics()
	c.collectServerMetrics()
	c.collectUserMetrics()
	DispatchQueueDepth.Set(float64(c.dispatcher.QueueDepth()))
}

func (c *Collector) collectNodeMetrics() {
	statusCounts := make(map[string]int)
	for _, n := range c.nodes.List() {
		statusCounts[string(n.Status)]++
	}
	NodesTotal.Reset()
	for status, count := range statusCounts {
		NodesTotal.WithLabelValues(status).Set(float64(count))
	}
}

func (c *Collector) collectGroupMetrics() {
	GroupsTotal.Set(float64(len(c.groups.List())))
}

func (c *Collector) collectServerMetrics() {
	stateCounts := make(map[string]int)
	for _, s := range c.servers.List() {
		stateCounts[string(s.State)]++
	}
	ServersTotal.Reset()
	for state, count := range stateCounts {
		ServersTotal.WithLabelValues(state).Set(float64(count))
	}
}

func (c *Collector) collectUserMetrics() {
	UsersTotal.Set(float64(len(c.users.ListUsers())))
}
