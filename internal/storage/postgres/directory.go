package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/trackfast/support-chat/internal/chat"
)

// Directory implements chat.Directory and auth.StaffLookup over the staff and
// shipments tables. A shipment without an owner counts as not found.
type Directory struct {
	db *sql.DB
}

var _ chat.Directory = (*Directory)(nil)

// OwnerOf returns the staff member owning shipmentID.
func (d *Directory) OwnerOf(ctx context.Context, shipmentID string) (string, bool, error) {
	var owner string
	err := d.db.QueryRowContext(ctx,
		`SELECT owner_id FROM shipments WHERE id = $1 AND owner_id IS NOT NULL`, shipmentID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("postgres: owner of %s: %w", shipmentID, err)
	}
	return owner, true, nil
}

// OwnersOf returns the owners of every known, owned shipment in one query.
func (d *Directory) OwnersOf(ctx context.Context, shipmentIDs []string) (map[string]string, error) {
	owners := make(map[string]string, len(shipmentIDs))
	if len(shipmentIDs) == 0 {
		return owners, nil
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, owner_id FROM shipments WHERE id = ANY($1) AND owner_id IS NOT NULL`,
		pq.Array(shipmentIDs))
	if err != nil {
		return nil, fmt.Errorf("postgres: owners of %d shipments: %w", len(shipmentIDs), err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, owner string
		if err := rows.Scan(&id, &owner); err != nil {
			return nil, fmt.Errorf("postgres: scan owner: %w", err)
		}
		owners[id] = owner
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate owners: %w", err)
	}
	return owners, nil
}

// Staff returns the current identity of staffID.
func (d *Directory) Staff(ctx context.Context, staffID string) (chat.StaffIdentity, bool, error) {
	var who chat.StaffIdentity
	err := d.db.QueryRowContext(ctx,
		`SELECT id, role FROM staff WHERE id = $1`, staffID).Scan(&who.ID, &who.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.StaffIdentity{}, false, nil
	}
	if err != nil {
		return chat.StaffIdentity{}, false, fmt.Errorf("postgres: staff %s: %w", staffID, err)
	}
	return who, true, nil
}

// UpsertStaff creates or updates a staff row.
func (d *Directory) UpsertStaff(ctx context.Context, staffID, email string, role chat.Role) error {
	if !role.Valid() {
		return fmt.Errorf("postgres: upsert staff %s: invalid role %q", staffID, role)
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO staff (id, email, role) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, role = EXCLUDED.role`,
		staffID, email, string(role))
	if err != nil {
		return fmt.Errorf("postgres: upsert staff %s: %w", staffID, err)
	}
	return nil
}

// SeedSupervisor makes sure a supervisor account exists. A staff row that
// already uses email is promoted in place; otherwise staffID is upserted as a
// supervisor.
func (d *Directory) SeedSupervisor(ctx context.Context, staffID, email string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE staff SET role = $2 WHERE email = $1`, email, string(chat.RoleSupervisor))
	if err != nil {
		return fmt.Errorf("postgres: seed supervisor %s: %w", email, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	return d.UpsertStaff(ctx, staffID, email, chat.RoleSupervisor)
}
