package open115

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/restic115/internal/metadata"
)

// warmCacheConcurrency bounds parallel shard listings during warm-up.
const warmCacheConcurrency = 8

// FindPathID walks path component-by-component through the cache. Returns
// ("", nil) when any component is missing. Never hits the network: read and
// delete code paths use it so they cannot create directories as a side
// effect.
func (c *Client) FindPathID(ctx context.Context, path string) (string, error) {
	path = normalizePath(path)
	if path == "/" {
		return metadata.RootID, nil
	}

	if id, err := c.store.PathID(ctx, path); err != nil {
		return "", err
	} else if id != "" {
		return id, nil
	}

	currentID := metadata.RootID
	currentPath := ""

	for _, part := range splitPath(path) {
		currentPath += "/" + part

		if id, err := c.store.PathID(ctx, currentPath); err != nil {
			return "", err
		} else if id != "" {
			currentID = id
			continue
		}

		node, err := c.store.FindChild(ctx, currentID, part)
		if err != nil {
			return "", err
		}

		if node == nil || !node.IsDir {
			return "", nil
		}

		currentID = node.FileID

		if err := c.store.SavePathID(ctx, currentPath, currentID); err != nil {
			return "", err
		}
	}

	return currentID, nil
}

// EnsurePath resolves path, creating missing directories. When checkRemote
// is true each missing component is looked up with a remote listing before
// the create call — right for the repository root at startup, wasteful on
// the hot upload path where create-then-reconcile is cheaper.
func (c *Client) EnsurePath(ctx context.Context, path string, checkRemote bool) (string, error) {
	path = normalizePath(path)
	if path == "/" {
		return metadata.RootID, nil
	}

	currentID := metadata.RootID
	currentPath := ""

	for _, part := range splitPath(path) {
		currentPath += "/" + part

		if id, err := c.store.PathID(ctx, currentPath); err != nil {
			return "", err
		} else if id != "" {
			currentID = id
			continue
		}

		if node, err := c.store.FindChild(ctx, currentID, part); err != nil {
			return "", err
		} else if node != nil && node.IsDir {
			currentID = node.FileID

			if err := c.store.SavePathID(ctx, currentPath, currentID); err != nil {
				return "", err
			}

			continue
		}

		if checkRemote {
			if err := c.refreshDir(ctx, currentID); err != nil {
				return "", err
			}

			if node, err := c.store.FindChild(ctx, currentID, part); err != nil {
				return "", err
			} else if node != nil && node.IsDir {
				currentID = node.FileID

				if err := c.store.SavePathID(ctx, currentPath, currentID); err != nil {
					return "", err
				}

				continue
			}
		}

		id, err := c.createDirectory(ctx, currentID, part)
		if err != nil {
			return "", err
		}

		currentID = id

		if err := c.store.SavePathID(ctx, currentPath, currentID); err != nil {
			return "", err
		}
	}

	return currentID, nil
}

// ListFiles returns the cached children of dirID. Pure local read.
func (c *Client) ListFiles(ctx context.Context, dirID string) ([]metadata.FileNode, error) {
	return c.store.Children(ctx, dirID)
}

// FindFile returns the cached child of dirID with the given name, greatest
// file id winning when the remote holds duplicate siblings.
func (c *Client) FindFile(ctx context.Context, dirID, name string) (*metadata.FileNode, error) {
	return c.store.FindChild(ctx, dirID, name)
}

// createDirectory issues the create call and absorbs "already exists"
// races by re-listing the parent and resolving the surviving id.
func (c *Client) createDirectory(ctx context.Context, parentID, name string) (string, error) {
	var resp mkdirResponse

	err := c.postMultipartJSON(ctx, "/open/folder/add", textForm(map[string]string{
		"pid":       parentID,
		"file_name": name,
	}), &resp)
	if err != nil {
		return "", err
	}

	if resp.isError() {
		// Another writer may have won the race; resolve the existing id.
		if refreshErr := c.refreshDir(ctx, parentID); refreshErr != nil {
			return "", refreshErr
		}

		if node, findErr := c.store.FindChild(ctx, parentID, name); findErr != nil {
			return "", findErr
		} else if node != nil && node.IsDir {
			return node.FileID, nil
		}

		return "", resp.apiError()
	}

	if resp.Data == nil || resp.Data.FileID == "" {
		return "", &InternalError{Message: "mkdir succeeded but no file_id"}
	}

	node := &metadata.FileNode{
		FileID:   resp.Data.FileID,
		ParentID: parentID,
		Name:     name,
		IsDir:    true,
	}

	if err := c.store.UpsertNode(ctx, node); err != nil {
		return "", err
	}

	c.logger.Debug("created remote directory",
		slog.String("parent_id", parentID),
		slog.String("name", name),
		slog.String("file_id", node.FileID),
	)

	return node.FileID, nil
}

// listRemote fetches the full paginated listing of dirID from the provider.
func (c *Client) listRemote(ctx context.Context, dirID string) ([]metadata.FileNode, error) {
	var (
		nodes  []metadata.FileNode
		offset int64
	)

	for {
		query := url.Values{
			"cid":      {dirID},
			"limit":    {strconv.Itoa(listPageSize)},
			"offset":   {strconv.FormatInt(offset, 10)},
			"show_dir": {"1"},
			"stdir":    {"1"},
		}

		var page fileListResponse
		if err := c.getJSON(ctx, "/open/ufile/files", query, &page); err != nil {
			return nil, err
		}

		if page.isError() {
			return nil, page.apiError()
		}

		for _, e := range page.Data {
			nodes = append(nodes, metadata.FileNode{
				FileID:   e.FileID,
				ParentID: e.ParentID,
				Name:     e.Name,
				IsDir:    e.isDir(),
				Size:     e.Size,
				PickCode: e.PickCode,
			})
		}

		count := int64(len(nodes))
		if page.Count != nil {
			count = *page.Count
		}

		offset += listPageSize
		if offset >= count {
			break
		}
	}

	return nodes, nil
}

// refreshDir replaces the cached subtree of dirID with a fresh remote
// listing.
func (c *Client) refreshDir(ctx context.Context, dirID string) error {
	nodes, err := c.listRemote(ctx, dirID)
	if err != nil {
		return err
	}

	return c.store.ReplaceChildren(ctx, dirID, nodes)
}

// WarmCache performs the bounded startup BFS: repository root, the five
// standard subdirectories, then every hex data shard. Directories that
// already have cached children are kept unless forceRebuild is set.
func (c *Client) WarmCache(ctx context.Context, forceRebuild bool) error {
	start := time.Now()

	c.logger.Info("starting cache warm-up",
		slog.String("repo_path", c.repoPath),
		slog.Bool("force_rebuild", forceRebuild),
	)

	if forceRebuild {
		if err := c.store.ClearPathIndex(ctx); err != nil {
			return err
		}
	}

	repoID, err := c.EnsurePath(ctx, c.repoPath, true)
	if err != nil {
		return fmt.Errorf("resolving repository root: %w", err)
	}

	if err := c.warmDir(ctx, repoID, forceRebuild); err != nil {
		return err
	}

	for _, t := range SubdirTypes {
		node, err := c.store.FindChild(ctx, repoID, t.Dirname())
		if err != nil {
			return err
		}

		if node == nil || !node.IsDir {
			c.logger.Debug("repository subdirectory absent, skipping warm-up",
				slog.String("dir", t.Dirname()),
			)

			continue
		}

		if err := c.store.SavePathID(ctx, c.repoPath+"/"+t.Dirname(), node.FileID); err != nil {
			return err
		}

		if err := c.warmDir(ctx, node.FileID, forceRebuild); err != nil {
			return err
		}

		if t != TypeData {
			continue
		}

		// Fan out over the up-to-256 hex shards under data/.
		shards, err := c.store.Children(ctx, node.FileID)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(warmCacheConcurrency)

		for _, shard := range shards {
			if !shard.IsDir {
				continue
			}

			if err := c.store.SavePathID(ctx,
				c.repoPath+"/data/"+shard.Name, shard.FileID); err != nil {
				return err
			}

			g.Go(func() error {
				return c.warmDir(gctx, shard.FileID, forceRebuild)
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}
	}

	c.logger.Info("cache warm-up completed",
		slog.Duration("elapsed", time.Since(start)),
	)

	return nil
}

// warmDir fetches and stores the listing of dirID unless cached rows
// already exist and the rebuild is not forced.
func (c *Client) warmDir(ctx context.Context, dirID string, forceRebuild bool) error {
	if !forceRebuild {
		populated, err := c.store.HasChildren(ctx, dirID)
		if err != nil {
			return err
		}

		if populated {
			return nil
		}
	}

	return c.refreshDir(ctx, dirID)
}

// InitRepository creates the repository root and the five standard
// subdirectories. Idempotent: existing directories resolve to their ids.
func (c *Client) InitRepository(ctx context.Context) error {
	if _, err := c.EnsurePath(ctx, c.repoPath, true); err != nil {
		return err
	}

	for _, t := range SubdirTypes {
		if _, err := c.EnsurePath(ctx, c.repoPath+"/"+t.Dirname(), false); err != nil {
			return err
		}
	}

	return nil
}

// FindTypeDirID resolves the directory holding objects of type t without
// creating anything. Returns "" when the directory does not exist yet.
func (c *Client) FindTypeDirID(ctx context.Context, t FileType) (string, error) {
	return c.FindPathID(ctx, c.typePath(t))
}

// EnsureTypeDirID resolves the directory holding objects of type t,
// creating it when absent.
func (c *Client) EnsureTypeDirID(ctx context.Context, t FileType) (string, error) {
	return c.EnsurePath(ctx, c.typePath(t), false)
}

func (c *Client) typePath(t FileType) string {
	if t.IsConfig() {
		return c.repoPath
	}

	return c.repoPath + "/" + t.Dirname()
}

// shardPrefix is the two-character hex shard a data blob shards into.
func shardPrefix(name string) string {
	if len(name) < 2 {
		return name
	}

	return name[:2]
}

// FindDataDirID resolves the shard directory for a data blob name without
// creating it. Returns "" when the shard does not exist.
func (c *Client) FindDataDirID(ctx context.Context, name string) (string, error) {
	return c.FindPathID(ctx, c.repoPath+"/data/"+shardPrefix(name))
}

// EnsureDataDirID resolves the shard directory for a data blob name,
// creating it when absent.
func (c *Client) EnsureDataDirID(ctx context.Context, name string) (string, error) {
	return c.EnsurePath(ctx, c.repoPath+"/data/"+shardPrefix(name), false)
}

// ListAllDataFiles enumerates every cached file across all data shards.
func (c *Client) ListAllDataFiles(ctx context.Context) ([]metadata.FileNode, error) {
	dataID, err := c.FindPathID(ctx, c.repoPath+"/data")
	if err != nil {
		return nil, err
	}

	if dataID == "" {
		return nil, nil
	}

	shards, err := c.store.Children(ctx, dataID)
	if err != nil {
		return nil, err
	}

	var all []metadata.FileNode

	for _, shard := range shards {
		if !shard.IsDir {
			continue
		}

		files, err := c.store.Children(ctx, shard.FileID)
		if err != nil {
			return nil, err
		}

		for _, f := range files {
			if !f.IsDir {
				all = append(all, f)
			}
		}
	}

	return all, nil
}

// DeleteFile removes a file on the remote and evicts its cache row.
// Idempotent: provider rejection of an absent target logs and succeeds.
func (c *Client) DeleteFile(ctx context.Context, parentID, fileID string) error {
	var resp boolResponse

	err := c.postMultipartJSON(ctx, "/open/ufile/delete", textForm(map[string]string{
		"file_ids":  fileID,
		"parent_id": parentID,
	}), &resp)
	if err != nil {
		return err
	}

	if resp.isError() {
		c.logger.Warn("delete rejected by provider, treating as already gone",
			slog.String("file_id", fileID),
			slog.Int64("code", resp.code(0)),
			slog.String("message", resp.Message),
		)
	}

	return c.store.DeleteNode(ctx, fileID)
}

func normalizePath(p string) string {
	p = "/" + strings.Trim(p, "/")
	return p
}

func splitPath(p string) []string {
	var parts []string

	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}

	return parts
}
