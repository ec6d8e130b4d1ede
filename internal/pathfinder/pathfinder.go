// Package pathfinder is the traffic-aware A* planner (Pillar 2): it walks
// the non-blocked cell graph of a single floor, penalizing moves that
// collide with other shuttles' active paths or sit in a high-traffic
// corridor, consuming the Path Cache / Traffic Center's snapshot (Pillar 1).
package pathfinder

import (
	"container/heap"

	"github.com/shuttlecore/core/internal/catalog"
	"github.com/shuttlecore/core/internal/coreerrors"
	"github.com/shuttlecore/core/internal/traffic"
)

// maxReconstructionSteps bounds path reconstruction; exceeding it signals a
// cycle rather than a legitimate long path.
const maxReconstructionSteps = 1000

// Occupant describes one shuttle's claim on a QR via its active path: the
// direction it takes leaving that QR, and whether it carries a pallet.
type Occupant struct {
	ShuttleID  string
	Direction  catalog.Direction
	IsCarrying bool
}

// Request bundles everything the planner needs for one call.
type Request struct {
	Cells        []catalog.Cell // non-blocked cells on the floor being routed over
	StartQr      string
	GoalQr       string
	IsCarrying   bool
	Avoid        map[string]bool               // qr -> blocked, excluding start/goal
	Occupants    map[string][]Occupant         // qr -> other shuttles passing through, from active paths
	Corridors    map[string]traffic.Corridor   // qr -> dominant-direction corridor
	FinalAction  traffic.Action                // action stamped on the last step
}

type node struct {
	cell *catalog.Cell
	col  int
	row  int
}

// Plan runs traffic-aware A* from req.StartQr to req.GoalQr and returns the
// step list. If the first pass (with Avoid applied) fails, a second pass is
// attempted with Avoid cleared, per spec.
func Plan(req Request) ([]traffic.Step, error) {
	byQr := make(map[string]*catalog.Cell, len(req.Cells))
	byPos := make(map[[2]int]*catalog.Cell, len(req.Cells))
	for i := range req.Cells {
		c := &req.Cells[i]
		byQr[c.Qr] = c
		byPos[[2]int{c.Col, c.Row}] = c
	}

	steps, err := plan(req, byQr, byPos, req.Avoid)
	if err == coreerrors.ErrNoPathFound && len(req.Avoid) > 0 {
		return plan(req, byQr, byPos, nil)
	}
	return steps, err
}

func plan(req Request, byQr map[string]*catalog.Cell, byPos map[[2]int]*catalog.Cell, avoid map[string]bool) ([]traffic.Step, error) {
	start, ok := byQr[req.StartQr]
	if !ok {
		return nil, coreerrors.ErrNoPathFound
	}
	goal, ok := byQr[req.GoalQr]
	if !ok {
		return nil, coreerrors.ErrNoPathFound
	}

	open := &openSet{}
	heap.Init(open)
	heap.Push(open, &openItem{qr: start.Qr, f: manhattan(start, goal)})

	gScore := map[string]float64{start.Qr: 0}
	cameFrom := map[string]string{}
	cameFromDir := map[string]catalog.Direction{}
	closed := map[string]bool{}

	for open.Len() > 0 {
		current := heap.Pop(open).(*openItem)
		if closed[current.qr] {
			continue
		}
		closed[current.qr] = true

		if current.qr == goal.Qr {
			return reconstruct(cameFrom, cameFromDir, goal.Qr, req)
		}

		cell := byQr[current.qr]
		for _, dir := range []catalog.Direction{catalog.DirUp, catalog.DirRight, catalog.DirDown, catalog.DirLeft} {
			if !cell.AllowsOutbound(dir) {
				continue
			}
			dc, dr := delta(dir)
			neighbor, ok := byPos[[2]int{cell.Col + dc, cell.Row + dr}]
			if !ok {
				continue
			}
			if !neighbor.AllowsOutbound(dir.Opposite()) {
				continue
			}
			if neighbor.Qr != req.GoalQr && avoid[neighbor.Qr] {
				continue
			}
			if neighbor.HasBox && req.IsCarrying && neighbor.Qr != req.GoalQr {
				continue
			}

			cost := 1.0 + penalty(neighbor.Qr, dir, req)
			tentative := gScore[current.qr] + cost
			if existing, seen := gScore[neighbor.Qr]; !seen || tentative < existing {
				gScore[neighbor.Qr] = tentative
				cameFrom[neighbor.Qr] = current.qr
				cameFromDir[neighbor.Qr] = dir
				f := tentative + manhattan(neighbor, goal)
				heap.Push(open, &openItem{qr: neighbor.Qr, f: f})
			}
		}
	}

	return nil, coreerrors.ErrNoPathFound
}

func delta(dir catalog.Direction) (int, int) {
	switch dir {
	case catalog.DirUp:
		return 0, -1
	case catalog.DirDown:
		return 0, 1
	case catalog.DirLeft:
		return -1, 0
	case catalog.DirRight:
		return 1, 0
	}
	return 0, 0
}

func manhattan(a, b *catalog.Cell) float64 {
	return float64(abs(a.Col-b.Col) + abs(a.Row-b.Row))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// penalty computes the dynamic traffic cost of moving into qr while
// travelling in direction dir, per the spec's cost table.
func penalty(qr string, dir catalog.Direction, req Request) float64 {
	var p float64

	for _, occ := range req.Occupants[qr] {
		switch {
		case occ.Direction == dir.Opposite():
			add := 150.0
			if occ.IsCarrying {
				add += 50
			}
			if !req.IsCarrying && occ.IsCarrying {
				add += 30
			}
			if add > 230 {
				add = 230
			}
			p += add
		case occ.Direction == dir:
			if occ.IsCarrying {
				p += 8
			} else {
				p += 5
			}
		default:
			add := 15.0
			if occ.IsCarrying {
				add += 10
			}
			if add > 25 {
				add = 25
			}
			p += add
		}
	}

	if corridor, ok := req.Corridors[qr]; ok {
		switch {
		case corridor.DominantDirection == dir.Opposite():
			if corridor.IsHighTraffic {
				p += 250
			} else {
				p += 180
			}
		case corridor.DominantDirection == dir:
			if corridor.IsHighTraffic {
				p += 25
			} else {
				p += 12
			}
		default:
			if corridor.IsHighTraffic {
				p += 60
			} else {
				p += 35
			}
		}
	}

	return p
}

func reconstruct(cameFrom map[string]string, cameFromDir map[string]catalog.Direction, goalQr string, req Request) ([]traffic.Step, error) {
	var qrs []string
	visited := map[string]bool{}
	cur := goalQr
	for {
		qrs = append([]string{cur}, qrs...)
		if visited[cur] {
			return nil, coreerrors.ErrPathReconstructionError
		}
		visited[cur] = true
		if len(qrs) > maxReconstructionSteps {
			return nil, coreerrors.ErrPathReconstructionError
		}
		prev, ok := cameFrom[cur]
		if !ok {
			break
		}
		cur = prev
	}

	if len(qrs) == 1 {
		return []traffic.Step{{Qr: goalQr, Action: req.FinalAction}}, nil
	}

	steps := make([]traffic.Step, 0, len(qrs)-1)
	for i := 1; i < len(qrs); i++ {
		qr := qrs[i]
		dir := cameFromDir[qr]
		action := traffic.ActionNone
		if i == len(qrs)-1 {
			action = req.FinalAction
		}
		steps = append(steps, traffic.Step{Qr: qr, Direction: dir, Action: action})
	}
	return steps, nil
}

// openItem is one entry in the A* open set.
type openItem struct {
	qr string
	f  float64
}

type openSet []*openItem

func (s openSet) Len() int            { return len(s) }
func (s openSet) Less(i, j int) bool  { return s[i].f < s[j].f }
func (s openSet) Swap(i, j int)       { s[i], s[j] = s[j], s[i] }
func (s *openSet) Push(x interface{}) { *s = append(*s, x.(*openItem)) }
func (s *openSet) Pop() interface{} {
	old := *s
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*s = old[:n-1]
	return item
}
