package graph

// TopologicalOrder returns a linearization of the DAG consistent with
// all edges (parents before children), using Kahn's algorithm. A
// residual (fewer emitted than known nodes) indicates a cycle and
// yields an empty sequence.
func (e *Engine) TopologicalOrder() []int64 {
	children, parents, nodes := e.snapshot()

	indeg := make(map[int64]int, len(nodes))
	for _, n := range nodes {
		indeg[n] = len(parents[n])
	}

	var queue []int64
	for _, n := range nodes {
		if indeg[n] == 0 {
			queue = append(queue, n)
		}
	}

	var order []int64
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, child := range children[n] {
			indeg[child]--
			if indeg[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if len(order) < len(nodes) {
		return nil
	}
	return order
}

// ExecutionPlan batches the DAG into layers: each layer is a set of
// jobs runnable in parallel once every prior layer has completed.
// Returns nil if the graph is cyclic.
func (e *Engine) ExecutionPlan() [][]int64 {
	children, parents, nodes := e.snapshot()

	indeg := make(map[int64]int, len(nodes))
	for _, n := range nodes {
		indeg[n] = len(parents[n])
	}

	var layer []int64
	for _, n := range nodes {
		if indeg[n] == 0 {
			layer = append(layer, n)
		}
	}

	var plan [][]int64
	emitted := 0
	for len(layer) > 0 {
		plan = append(plan, layer)
		emitted += len(layer)
		var next []int64
		for _, n := range layer {
			for _, child := range children[n] {
				indeg[child]--
				if indeg[child] == 0 {
					next = append(next, child)
				}
			}
		}
		layer = next
	}

	if emitted < len(nodes) {
		return nil
	}
	return plan
}
