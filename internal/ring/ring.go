// Package ring maps keys to server nodes with bounded-load consistent
// hashing. A ring is immutable once built; reconfiguration builds a new one.
package ring

import (
	"strconv"

	"github.com/buraksezer/consistent"
	"github.com/cespare/xxhash"
)

// Node is one ring entry. Weight multiplies the node's share of the
// continuum; zero or negative weights count as one.
type Node struct {
	Name   string
	Weight int
}

type hasher struct{}

func (hasher) Sum64(data []byte) uint64 { return xxhash.Sum64(data) }

type member string

func (m member) String() string { return string(m) }

// Ring resolves keys to node names deterministically for a fixed node set.
type Ring struct {
	nodes  []string
	single string
	hash   *consistent.Consistent
	owner  map[string]string
}

// New builds a ring over the given nodes. A single node short-circuits
// hashing entirely.
func New(nodes []Node) *Ring {
	r := &Ring{owner: make(map[string]string)}
	for _, n := range nodes {
		r.nodes = append(r.nodes, n.Name)
	}
	if len(nodes) == 1 {
		r.single = nodes[0].Name
		return r
	}

	cfg := consistent.Config{
		PartitionCount:    271,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            hasher{},
	}
	r.hash = consistent.New(nil, cfg)

	// Weight is realized as member multiplicity: a node of weight w owns w
	// continuum entries, each resolving back to the node name.
	for _, n := range nodes {
		weight := n.Weight
		if weight < 1 {
			weight = 1
		}
		for i := 0; i < weight; i++ {
			name := n.Name + "|" + strconv.Itoa(i)
			r.owner[name] = n.Name
			r.hash.Add(member(name))
		}
	}
	return r
}

// Nodes returns the node names in configuration order.
func (r *Ring) Nodes() []string { return r.nodes }

// Size returns the number of nodes on the ring.
func (r *Ring) Size() int { return len(r.nodes) }

// Locate resolves key to its primary node. An empty ring resolves to "".
func (r *Ring) Locate(key string) string {
	if r.single != "" {
		return r.single
	}
	if r.hash == nil {
		return ""
	}
	m := r.hash.LocateKey([]byte(key))
	if m == nil {
		return ""
	}
	return r.owner[m.String()]
}

// LocateN resolves key to up to n distinct nodes in preference order: the
// primary first, then the alternates a failed operation may retry against.
func (r *Ring) LocateN(key string, n int) []string {
	if n <= 0 {
		return nil
	}
	if r.single != "" {
		return []string{r.single}
	}
	if r.hash == nil {
		return nil
	}

	// Distinct nodes may hide behind weighted member replicas, so walk the
	// whole preference list and deduplicate.
	members, err := r.hash.GetClosestN([]byte(key), len(r.owner))
	if err != nil {
		if primary := r.Locate(key); primary != "" {
			return []string{primary}
		}
		return nil
	}

	seen := make(map[string]struct{}, n)
	var out []string
	for _, m := range members {
		node := r.owner[m.String()]
		if _, dup := seen[node]; dup {
			continue
		}
		seen[node] = struct{}{}
		out = append(out, node)
		if len(out) == n {
			break
		}
	}
	return out
}
