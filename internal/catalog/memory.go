package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/shuttlecore/core/internal/coreerrors"
)

// MemoryGateway is an in-memory Gateway used by unit tests and local
// development seeding. It implements the same interface as PostgresGateway.
type MemoryGateway struct {
	mu     sync.RWMutex
	cells  map[string]*Cell // keyed by cell ID
	floors map[string][]Floor
}

// NewMemoryGateway returns an empty in-memory catalog.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		cells:  make(map[string]*Cell),
		floors: make(map[string][]Floor),
	}
}

// SeedCell inserts or replaces a cell, for test fixture setup.
func (g *MemoryGateway) SeedCell(c Cell) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := c
	g.cells[c.ID] = &cp
}

// SeedFloor registers a floor under its rack, for test fixture setup.
func (g *MemoryGateway) SeedFloor(f Floor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.floors[f.RackID] = append(g.floors[f.RackID], f)
	sort.Slice(g.floors[f.RackID], func(i, j int) bool {
		return g.floors[f.RackID][i].FloorOrder < g.floors[f.RackID][j].FloorOrder
	})
}

func (g *MemoryGateway) GetCellByQr(ctx context.Context, qr string, floorID string) (*Cell, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.cells {
		if c.Qr == qr && c.FloorID == floorID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, &coreerrors.NotFoundError{Kind: "qr", ID: qr}
}

func (g *MemoryGateway) GetCellByID(ctx context.Context, id string) (*Cell, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.cells[id]
	if !ok {
		return nil, &coreerrors.NotFoundError{Kind: "cell", ID: id}
	}
	cp := *c
	return &cp, nil
}

func (g *MemoryGateway) ListCellsOnFloor(ctx context.Context, floorID string) ([]Cell, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Cell
	for _, c := range g.cells {
		if c.FloorID == floorID && !c.IsBlocked {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Row != out[j].Row {
			return out[i].Row < out[j].Row
		}
		return out[i].Col < out[j].Col
	})
	return out, nil
}

func (g *MemoryGateway) ListAvailableCells(ctx context.Context, floorID string, palletType string, row *int) ([]Cell, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Cell
	for _, c := range g.cells {
		if c.FloorID != floorID || c.IsBlocked || c.HasBox || c.CellType != CellStorage {
			continue
		}
		if row != nil && c.Row != *row {
			continue
		}
		if len(c.PalletTypeCompat) > 0 && !containsFold(c.PalletTypeCompat, palletType) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Row != out[j].Row {
			return out[i].Row < out[j].Row
		}
		return out[i].Col < out[j].Col
	})
	return out, nil
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

func (g *MemoryGateway) ListFloorsForRack(ctx context.Context, rackID string) ([]Floor, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Floor, len(g.floors[rackID]))
	copy(out, g.floors[rackID])
	return out, nil
}

func (g *MemoryGateway) GetPickupNode(ctx context.Context, rackID string) (*Cell, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.cells {
		if c.RackID == rackID && c.CellType == CellPickup {
			cp := *c
			return &cp, nil
		}
	}
	return nil, &coreerrors.NotFoundError{Kind: "pickupNode", ID: rackID}
}

func (g *MemoryGateway) GetLifterNode(ctx context.Context, floorID string) (*Cell, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.cells {
		if c.FloorID == floorID && c.CellType == CellLifter {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (g *MemoryGateway) SetCellBox(ctx context.Context, qr string, floorID string, hasBox bool, palletID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.cells {
		if c.Qr == qr && c.FloorID == floorID {
			c.HasBox = hasBox
			c.PalletID = palletID
			return nil
		}
	}
	return &coreerrors.NotFoundError{Kind: "qr", ID: qr}
}

func (g *MemoryGateway) FindCellByPalletID(ctx context.Context, palletID string) (*Cell, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if palletID == "" {
		return nil, nil
	}
	for _, c := range g.cells {
		if c.PalletID == palletID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}
