package protocol

// TopoNode is one entry of a TOPO snapshot's node list.
type TopoNode struct {
	User      string  `json:"user"`
	IP        string  `json:"ip"`
	Port      int     `json:"port"`
	LatencyMs float64 `json:"latency_ms"`
}

// TopoEdge is one entry of a TOPO snapshot's connection list. Quality is
// always in [0, 100].
type TopoEdge struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Quality int    `json:"quality"`
}

// TopoSnapshot is the payload carried by a TOPO reply, wire-identical to
// what internal/topology.Tracker.Snapshot returns.
type TopoSnapshot struct {
	Nodes       []TopoNode `json:"nodes"`
	Connections []TopoEdge `json:"connections"`
}
