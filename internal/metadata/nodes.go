package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RootID is the remote id of the provider's root directory. It is never
// stored as a file_nodes row.
const RootID = "0"

// FileNode is one cached remote file or directory, keyed by the provider's
// opaque file id. The (parent_id, name) pair is the logical address the
// adapter resolves; the remote may transiently hold duplicate siblings with
// the same name, in which case the greatest file_id wins for reads.
type FileNode struct {
	FileID   string
	ParentID string
	Name     string
	IsDir    bool
	Size     int64
	PickCode string
}

// SQL for the file_nodes table.
const (
	sqlNodeColumns = `file_id, parent_id, name, is_dir, size, pick_code`

	sqlUpsertNode = `INSERT INTO file_nodes (` + sqlNodeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			parent_id = excluded.parent_id,
			name      = excluded.name,
			is_dir    = excluded.is_dir,
			size      = excluded.size,
			pick_code = excluded.pick_code`

	sqlDeleteNode = `DELETE FROM file_nodes WHERE file_id = ?`

	sqlChildren = `SELECT ` + sqlNodeColumns + `
		FROM file_nodes WHERE parent_id = ? ORDER BY name, file_id`

	sqlFindChild = `SELECT ` + sqlNodeColumns + `
		FROM file_nodes WHERE parent_id = ? AND name = ?
		ORDER BY file_id DESC LIMIT 1`

	sqlSiblingsNamed = `SELECT ` + sqlNodeColumns + `
		FROM file_nodes WHERE parent_id = ? AND name = ?`

	sqlHasChildren = `SELECT EXISTS(SELECT 1 FROM file_nodes WHERE parent_id = ?)`

	sqlDeleteChildren = `DELETE FROM file_nodes WHERE parent_id = ?`
)

// SQL for the dir_paths index (absolute slash-path -> directory file id).
const (
	sqlGetPath    = `SELECT file_id FROM dir_paths WHERE path = ?`
	sqlSavePath   = `INSERT INTO dir_paths (path, file_id) VALUES (?, ?)
		ON CONFLICT(path) DO UPDATE SET file_id = excluded.file_id`
	sqlDeletePath = `DELETE FROM dir_paths WHERE path = ?`
	sqlClearPaths = `DELETE FROM dir_paths`
)

func scanNode(row interface{ Scan(...any) error }) (*FileNode, error) {
	var n FileNode

	var isDir int
	if err := row.Scan(&n.FileID, &n.ParentID, &n.Name, &isDir, &n.Size, &n.PickCode); err != nil {
		return nil, err
	}

	n.IsDir = isDir != 0

	return &n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

// UpsertNode inserts or updates a single node by file id. Siblings are not
// touched; this is the reconciliation write shape used after uploads.
func (s *Store) UpsertNode(ctx context.Context, n *FileNode) error {
	_, err := s.nodeStmts.upsert.ExecContext(ctx,
		n.FileID, n.ParentID, n.Name, boolToInt(n.IsDir), n.Size, n.PickCode)
	if err != nil {
		return fmt.Errorf("metadata: upsert node %s: %w", n.FileID, err)
	}

	return nil
}

// DeleteNode removes a node row. Deleting an absent row is a no-op.
func (s *Store) DeleteNode(ctx context.Context, fileID string) error {
	if _, err := s.nodeStmts.delete.ExecContext(ctx, fileID); err != nil {
		return fmt.Errorf("metadata: delete node %s: %w", fileID, err)
	}

	return nil
}

// Children returns all cached children of parentID.
func (s *Store) Children(ctx context.Context, parentID string) ([]FileNode, error) {
	rows, err := s.nodeStmts.children.QueryContext(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("metadata: list children of %s: %w", parentID, err)
	}
	defer rows.Close()

	var nodes []FileNode

	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("metadata: scanning child of %s: %w", parentID, err)
		}

		nodes = append(nodes, *n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metadata: iterating children of %s: %w", parentID, err)
	}

	return nodes, nil
}

// FindChild returns the cached child of parentID with the given name, or nil
// when absent. When duplicate siblings share the name, the row with the
// lexicographically greatest file id wins.
func (s *Store) FindChild(ctx context.Context, parentID, name string) (*FileNode, error) {
	n, err := scanNode(s.nodeStmts.findChild.QueryRowContext(ctx, parentID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("metadata: find child %s/%s: %w", parentID, name, err)
	}

	return n, nil
}

// SiblingsNamed returns every cached row under parentID carrying the given
// name, duplicates included. Used by upload reconciliation to find losers
// of the greatest-file-id tie-break.
func (s *Store) SiblingsNamed(ctx context.Context, parentID, name string) ([]FileNode, error) {
	rows, err := s.nodeStmts.siblingsNamed.QueryContext(ctx, parentID, name)
	if err != nil {
		return nil, fmt.Errorf("metadata: siblings named %s/%s: %w", parentID, name, err)
	}
	defer rows.Close()

	var nodes []FileNode

	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("metadata: scanning sibling %s/%s: %w", parentID, name, err)
		}

		nodes = append(nodes, *n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metadata: iterating siblings %s/%s: %w", parentID, name, err)
	}

	return nodes, nil
}

// HasChildren reports whether any row lists parentID as its parent.
// Warm-cache uses this to skip subtrees that are already populated.
func (s *Store) HasChildren(ctx context.Context, parentID string) (bool, error) {
	var exists int
	if err := s.nodeStmts.hasChildren.QueryRowContext(ctx, parentID).Scan(&exists); err != nil {
		return false, fmt.Errorf("metadata: has children %s: %w", parentID, err)
	}

	return exists != 0, nil
}

// ReplaceChildren atomically replaces the cached listing of parentID with
// the given nodes: delete all rows with that parent, insert the new set,
// commit. This is the read-through listing write shape; never use it for
// surgical inserts, it wipes siblings.
func (s *Store) ReplaceChildren(ctx context.Context, parentID string, nodes []FileNode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metadata: begin replace children %s: %w", parentID, err)
	}

	if _, err := tx.StmtContext(ctx, s.nodeStmts.deleteChildren).ExecContext(ctx, parentID); err != nil {
		tx.Rollback()
		return fmt.Errorf("metadata: clearing children of %s: %w", parentID, err)
	}

	insert := tx.StmtContext(ctx, s.nodeStmts.upsert)
	for i := range nodes {
		n := &nodes[i]

		_, err := insert.ExecContext(ctx,
			n.FileID, n.ParentID, n.Name, boolToInt(n.IsDir), n.Size, n.PickCode)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("metadata: inserting node %s: %w", n.FileID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metadata: commit replace children %s: %w", parentID, err)
	}

	return nil
}

// PathID returns the directory id cached for an absolute slash-path, or ""
// when the path is not indexed.
func (s *Store) PathID(ctx context.Context, path string) (string, error) {
	var id string

	err := s.pathStmts.get.QueryRowContext(ctx, path).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("metadata: path id %s: %w", path, err)
	}

	return id, nil
}

// SavePathID records the directory id for an absolute slash-path.
func (s *Store) SavePathID(ctx context.Context, path, fileID string) error {
	if _, err := s.pathStmts.save.ExecContext(ctx, path, fileID); err != nil {
		return fmt.Errorf("metadata: save path %s: %w", path, err)
	}

	return nil
}

// DeletePathID drops a single path index entry.
func (s *Store) DeletePathID(ctx context.Context, path string) error {
	if _, err := s.pathStmts.delete.ExecContext(ctx, path); err != nil {
		return fmt.Errorf("metadata: delete path %s: %w", path, err)
	}

	return nil
}

// ClearPathIndex drops the whole path index. Used by forced cache rebuilds
// so stale directory ids cannot shadow the fresh listings.
func (s *Store) ClearPathIndex(ctx context.Context) error {
	if _, err := s.pathStmts.clear.ExecContext(ctx); err != nil {
		return fmt.Errorf("metadata: clear path index: %w", err)
	}

	return nil
}
