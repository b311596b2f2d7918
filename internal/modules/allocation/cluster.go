package allocation

import (
	"math"
	"sort"
)

type clusterNode struct {
	left    *clusterNode
	right   *clusterNode
	leaves  []int
	minLeaf int
	height  float64 // merge distance; zero for leaf nodes
}

// buildDendrogram runs agglomerative clustering with average linkage over
// a distance matrix. Ties break on the smallest leaf indices so the tree
// is deterministic for a given input ordering.
func buildDendrogram(dist [][]float64) *clusterNode {
	n := len(dist)
	if n == 0 {
		return nil
	}
	clusters := make([]*clusterNode, 0, n)
	for i := 0; i < n; i++ {
		clusters = append(clusters, &clusterNode{leaves: []int{i}, minLeaf: i})
	}

	for len(clusters) > 1 {
		bestI, bestJ := 0, 1
		bestD := averageLinkage(dist, clusters[0], clusters[1])

		for i := 0; i < len(clusters); i++ {
			for j := i + 1; j < len(clusters); j++ {
				d := averageLinkage(dist, clusters[i], clusters[j])
				if d < bestD || (d == bestD && pairLess(clusters[i], clusters[j], clusters[bestI], clusters[bestJ])) {
					bestD, bestI, bestJ = d, i, j
				}
			}
		}

		left, right := clusters[bestI], clusters[bestJ]
		if right.minLeaf < left.minLeaf {
			left, right = right, left
		}

		merged := &clusterNode{
			left:    left,
			right:   right,
			leaves:  append(append([]int{}, left.leaves...), right.leaves...),
			minLeaf: left.minLeaf,
			height:  bestD,
		}

		next := make([]*clusterNode, 0, len(clusters)-1)
		for k, c := range clusters {
			if k == bestI || k == bestJ {
				continue
			}
			next = append(next, c)
		}
		clusters = append(next, merged)
	}
	return clusters[0]
}

func averageLinkage(dist [][]float64, a, b *clusterNode) float64 {
	sum := 0.0
	count := 0
	for _, i := range a.leaves {
		for _, j := range b.leaves {
			sum += dist[i][j]
			count++
		}
	}
	if count == 0 {
		return math.Inf(1)
	}
	return sum / float64(count)
}

func pairLess(a1, b1, a2, b2 *clusterNode) bool {
	x1, y1 := orderedPair(a1.minLeaf, b1.minLeaf)
	x2, y2 := orderedPair(a2.minLeaf, b2.minLeaf)
	if x1 != x2 {
		return x1 < x2
	}
	return y1 < y2
}

func orderedPair(a, b int) (int, int) {
	if b < a {
		return b, a
	}
	return a, b
}

// cutToClusters flattens the dendrogram into at most k groups by
// repeatedly splitting the subtree with the highest merge distance.
// Groups come back ordered by their smallest leaf index.
func cutToClusters(root *clusterNode, k int) [][]int {
	if root == nil {
		return nil
	}
	if k < 1 {
		k = 1
	}

	groups := []*clusterNode{root}
	for len(groups) < k {
		// Pick the tallest splittable group, smallest minLeaf on ties.
		best := -1
		for i, g := range groups {
			if g.left == nil {
				continue
			}
			if best == -1 || g.height > groups[best].height ||
				(g.height == groups[best].height && g.minLeaf < groups[best].minLeaf) {
				best = i
			}
		}
		if best == -1 {
			break // all singletons
		}
		g := groups[best]
		groups = append(groups[:best], groups[best+1:]...)
		groups = append(groups, g.left, g.right)
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].minLeaf < groups[j].minLeaf })

	out := make([][]int, len(groups))
	for i, g := range groups {
		leaves := append([]int{}, g.leaves...)
		sort.Ints(leaves)
		out[i] = leaves
	}
	return out
}
