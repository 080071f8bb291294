// Package wotgraph implements the pure graph computations the block
// assembler and validator need over the Web-of-Trust: sentry
// identification and stepMax-hop reachability from the sentry set.
package wotgraph

// Graph is a snapshot of the WoT link graph: current members plus every
// valid certification link between them (including links a candidate
// block would add).
type Graph struct {
	members map[string]bool
	// outgoing[from] lists every pubkey from has a valid link to.
	outgoing map[string][]string
}

// New builds a Graph from a member set and a list of (from, to) link
// pairs.
func New(members []string, links [][2]string) *Graph {
	g := &Graph{
		members:  make(map[string]bool, len(members)),
		outgoing: make(map[string][]string, len(members)),
	}
	for _, m := range members {
		g.members[m] = true
	}
	for _, l := range links {
		g.outgoing[l[0]] = append(g.outgoing[l[0]], l[1])
	}
	return g
}

// OutDegree returns the number of outgoing links pubkey has in this
// graph.
func (g *Graph) OutDegree(pubkey string) int {
	return len(g.outgoing[pubkey])
}

// Sentries returns every member whose outgoing link count is at least
// sigWoT.
func (g *Graph) Sentries(sigWoT int) []string {
	var out []string
	for m := range g.members {
		if len(g.outgoing[m]) >= sigWoT {
			out = append(out, m)
		}
	}
	return out
}

// ReachableWithin runs a breadth-first search of at most stepMax hops
// from source and reports which of the given targets it reached.
func (g *Graph) ReachableWithin(source string, stepMax int, targets map[string]bool) map[string]bool {
	reached := map[string]bool{}
	if len(targets) == 0 {
		return reached
	}
	visited := map[string]bool{source: true}
	frontier := []string{source}
	for hop := 0; hop < stepMax && len(frontier) > 0; hop++ {
		var next []string
		for _, node := range frontier {
			for _, to := range g.outgoing[node] {
				if visited[to] {
					continue
				}
				visited[to] = true
				if targets[to] {
					reached[to] = true
				}
				next = append(next, to)
			}
		}
		frontier = next
	}
	return reached
}

// FailingSentries returns the subset of sentries from which newcomer is
// NOT reachable within stepMax hops. A newcomer is admissible under
// spec.md §4.1's WoT-stability rule iff this set is empty for every
// sentry, i.e. this function returns none of them.
func FailingSentries(g *Graph, sentries []string, newcomer string, stepMax int) []string {
	target := map[string]bool{newcomer: true}
	var failing []string
	for _, s := range sentries {
		if s == newcomer {
			continue
		}
		reached := g.ReachableWithin(s, stepMax, target)
		if !reached[newcomer] {
			failing = append(failing, s)
		}
	}
	return failing
}

// IsOutdistanced reports whether newcomer fails reachability from any
// sentry (the "isOver3Hops" check of spec.md §4.1, generalized to
// stepMax hops).
func IsOutdistanced(g *Graph, sentries []string, newcomer string, stepMax int) bool {
	return len(FailingSentries(g, sentries, newcomer, stepMax)) > 0
}
