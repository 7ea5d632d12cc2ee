package command

import (
	"sort"
)

type Job struct {
	ID          int64    `json:"id"`
	ResourceURI string   `json:"resource_uri"`
	State       string   `json:"state"`
	Description string   `json:"description,omitempty"`
	WaitFor     []string `json:"wait_for"`
}

// JobNode is a job placed in the dependency tree. Children are the jobs it
// waits for.
type JobNode struct {
	Job      *Job
	Depth    int
	Children []*JobNode
}

// BuildJobTree arranges jobs by their wait_for edges. Roots are the jobs no
// other job waits for. A job reachable along several paths appears exactly
// once, under a parent at its shallowest depth. Edges to unknown jobs are
// ignored. A cycle no root reaches is entered at its lowest job id.
func BuildJobTree(jobs []Job) []*JobNode {
	arena := make(map[int64]*Job, len(jobs))
	order := make([]int64, 0, len(jobs))
	for i := range jobs {
		if _, dup := arena[jobs[i].ID]; dup {
			continue
		}
		arena[jobs[i].ID] = &jobs[i]
		order = append(order, jobs[i].ID)
	}

	edges := make(map[int64][]int64, len(arena))
	waitedOn := make(map[int64]bool, len(arena))
	for _, id := range order {
		for _, uri := range arena[id].WaitFor {
			dep, ok := ParseJobID(uri)
			if !ok || arena[dep] == nil || dep == id {
				continue
			}
			edges[id] = append(edges[id], dep)
			waitedOn[dep] = true
		}
	}

	var roots []int64
	for _, id := range order {
		if !waitedOn[id] {
			roots = append(roots, id)
		}
	}

	nodes := make(map[int64]*JobNode, len(arena))
	var out []*JobNode

	bfs := func(start []int64) {
		queue := make([]*JobNode, 0, len(start))
		for _, id := range start {
			if nodes[id] != nil {
				continue
			}
			n := &JobNode{Job: arena[id]}
			nodes[id] = n
			out = append(out, n)
			queue = append(queue, n)
		}
		for len(queue) > 0 {
			parent := queue[0]
			queue = queue[1:]
			for _, dep := range edges[parent.Job.ID] {
				if nodes[dep] != nil {
					continue
				}
				child := &JobNode{Job: arena[dep], Depth: parent.Depth + 1}
				nodes[dep] = child
				parent.Children = append(parent.Children, child)
				queue = append(queue, child)
			}
		}
	}

	bfs(roots)

	// Cycles leave jobs unvisited.
	var rest []int64
	for _, id := range order {
		if nodes[id] == nil {
			rest = append(rest, id)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	for _, id := range rest {
		bfs([]int64{id})
	}

	return out
}

// Walk visits nodes depth-first, parents before children.
func Walk(nodes []*JobNode, fn func(*JobNode)) {
	for _, n := range nodes {
		fn(n)
		Walk(n.Children, fn)
	}
}
