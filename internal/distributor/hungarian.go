package distributor

import "math"

// infeasibleCost marks pairs that must never be matched. It is large
// enough to dominate any real cost yet leaves headroom for the
// potential arithmetic below.
const infeasibleCost = 1e12

// solveAssignment computes a minimum-cost assignment over the given
// cost matrix (rows = tasks, columns = agent slots) and returns, per
// row, the matched column index or -1 if the row could only be matched
// at infeasible cost.
//
// This is the standard Hungarian algorithm with row/column potentials,
// O(n^2*m). The matrix is padded to square internally so row and
// column counts may differ; padded pairs carry infeasibleCost and are
// reported as unmatched. On equal reduced costs the lowest column index
// wins, which keeps results deterministic.
func solveAssignment(cost [][]float64) []int {
	rows := len(cost)
	if rows == 0 {
		return nil
	}
	cols := len(cost[0])

	n := rows
	if cols > n {
		n = cols
	}

	// at returns the padded square matrix entry.
	at := func(i, j int) float64 {
		if i < rows && j < cols {
			return cost[i][j]
		}
		return infeasibleCost
	}

	// 1-based potentials and matching, e-maxx formulation.
	u := make([]float64, n+1)
	v := make([]float64, n+1)
	p := make([]int, n+1)   // p[j] = row matched to column j
	way := make([]int, n+1) // way[j] = previous column on the augmenting path

	for i := 1; i <= n; i++ {
		p[0] = i
		j0 := 0
		minv := make([]float64, n+1)
		used := make([]bool, n+1)
		for j := 0; j <= n; j++ {
			minv[j] = math.Inf(1)
		}

		for {
			used[j0] = true
			i0 := p[j0]
			delta := math.Inf(1)
			j1 := 0

			for j := 1; j <= n; j++ {
				if used[j] {
					continue
				}
				cur := at(i0-1, j-1) - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}

			for j := 0; j <= n; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}

			j0 = j1
			if p[j0] == 0 {
				break
			}
		}

		// Augment along the found path.
		for j0 != 0 {
			j1 := way[j0]
			p[j0] = p[j1]
			j0 = j1
		}
	}

	// Invert the matching and drop padded or infeasible pairs.
	result := make([]int, rows)
	for i := range result {
		result[i] = -1
	}
	for j := 1; j <= n; j++ {
		i := p[j]
		if i >= 1 && i <= rows && j <= cols {
			if at(i-1, j-1) < infeasibleCost {
				result[i-1] = j - 1
			}
		}
	}
	return result
}
