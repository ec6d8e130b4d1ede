package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shuttlecore/core/internal/coreerrors"
)

// PostgresGateway implements Gateway against a Postgres schema of
// cells/racks/floors.
type PostgresGateway struct {
	pool *pgxpool.Pool
}

// NewPostgresGateway opens a pooled connection and verifies reachability.
func NewPostgresGateway(ctx context.Context, connString string) (*PostgresGateway, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresGateway{pool: pool}, nil
}

// Close releases the connection pool.
func (g *PostgresGateway) Close() {
	g.pool.Close()
}

func decodeDirections(raw string) []Direction {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]Direction, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			continue
		}
		out = append(out, Direction(n))
	}
	return out
}

const cellColumns = `id, qr, name, col, row, floor_id, rack_id, cell_type, direction_type, is_blocked, has_box, pallet_id, pallet_type_compat`

func scanCell(row pgx.Row) (*Cell, error) {
	var c Cell
	var directionRaw string
	var palletID *string
	var compatRaw *string
	if err := row.Scan(
		&c.ID, &c.Qr, &c.Name, &c.Col, &c.Row, &c.FloorID, &c.RackID,
		&c.CellType, &directionRaw, &c.IsBlocked, &c.HasBox, &palletID, &compatRaw,
	); err != nil {
		return nil, err
	}
	c.DirectionType = decodeDirections(directionRaw)
	if palletID != nil {
		c.PalletID = *palletID
	}
	if compatRaw != nil && *compatRaw != "" {
		c.PalletTypeCompat = strings.Split(*compatRaw, ",")
	}
	return &c, nil
}

func (g *PostgresGateway) GetCellByQr(ctx context.Context, qr string, floorID string) (*Cell, error) {
	query := fmt.Sprintf(`SELECT %s FROM cells WHERE qr = $1 AND floor_id = $2`, cellColumns)
	c, err := scanCell(g.pool.QueryRow(ctx, query, qr, floorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &coreerrors.NotFoundError{Kind: "qr", ID: qr}
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (g *PostgresGateway) GetCellByID(ctx context.Context, id string) (*Cell, error) {
	query := fmt.Sprintf(`SELECT %s FROM cells WHERE id = $1`, cellColumns)
	c, err := scanCell(g.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &coreerrors.NotFoundError{Kind: "cell", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (g *PostgresGateway) ListCellsOnFloor(ctx context.Context, floorID string) ([]Cell, error) {
	query := fmt.Sprintf(`SELECT %s FROM cells WHERE floor_id = $1 AND is_blocked = false ORDER BY row, col`, cellColumns)
	rows, err := g.pool.Query(ctx, query, floorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Cell
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (g *PostgresGateway) ListAvailableCells(ctx context.Context, floorID string, palletType string, row *int) ([]Cell, error) {
	var query string
	var args []any
	base := fmt.Sprintf(`
		SELECT %s FROM cells c
		JOIN floors f ON f.floor_id = c.floor_id
		WHERE c.floor_id = $1 AND c.is_blocked = false AND c.has_box = false
		  AND c.cell_type = 'storage'
		  AND (c.pallet_type_compat = '' OR c.pallet_type_compat LIKE '%%' || $2 || '%%')`, cellColumns)
	args = []any{floorID, palletType}
	if row != nil {
		base += ` AND c.row = $3`
		args = append(args, *row)
	}
	query = base + ` ORDER BY f.floor_order, c.row, c.col`

	rows, err := g.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Cell
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (g *PostgresGateway) ListFloorsForRack(ctx context.Context, rackID string) ([]Floor, error) {
	query := `SELECT floor_id, rack_id, floor_order, name FROM floors WHERE rack_id = $1 ORDER BY floor_order`
	rows, err := g.pool.Query(ctx, query, rackID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Floor
	for rows.Next() {
		var f Floor
		if err := rows.Scan(&f.FloorID, &f.RackID, &f.FloorOrder, &f.Name); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (g *PostgresGateway) GetPickupNode(ctx context.Context, rackID string) (*Cell, error) {
	query := fmt.Sprintf(`SELECT %s FROM cells WHERE rack_id = $1 AND cell_type = 'pickup' LIMIT 1`, cellColumns)
	c, err := scanCell(g.pool.QueryRow(ctx, query, rackID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &coreerrors.NotFoundError{Kind: "pickupNode", ID: rackID}
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (g *PostgresGateway) GetLifterNode(ctx context.Context, floorID string) (*Cell, error) {
	query := fmt.Sprintf(`SELECT %s FROM cells WHERE floor_id = $1 AND cell_type = 'lifter' LIMIT 1`, cellColumns)
	c, err := scanCell(g.pool.QueryRow(ctx, query, floorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (g *PostgresGateway) SetCellBox(ctx context.Context, qr string, floorID string, hasBox bool, palletID string) error {
	query := `UPDATE cells SET has_box = $1, pallet_id = $2 WHERE qr = $3 AND floor_id = $4`
	var pid *string
	if palletID != "" {
		pid = &palletID
	}
	tag, err := g.pool.Exec(ctx, query, hasBox, pid, qr, floorID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &coreerrors.NotFoundError{Kind: "qr", ID: qr}
	}
	return nil
}

func (g *PostgresGateway) FindCellByPalletID(ctx context.Context, palletID string) (*Cell, error) {
	query := fmt.Sprintf(`SELECT %s FROM cells WHERE pallet_id = $1 LIMIT 1`, cellColumns)
	c, err := scanCell(g.pool.QueryRow(ctx, query, palletID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}
