package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shipnote/shipnote-bot/internal/models"
)

const digestPrefix = "digests/"

// Archive writes JSON snapshots of published content and digests to a blob store
type Archive struct {
	blobs StorageInterface
}

// NewArchive wraps a blob store
func NewArchive(blobs StorageInterface) *Archive {
	return &Archive{blobs: blobs}
}

// PostName is the blob name a posted content is archived under
func PostName(c *models.Content) string {
	day := c.CreatedAt.UTC().Format("2006-01-02")
	if c.PostedAt != nil {
		day = c.PostedAt.UTC().Format("2006-01-02")
	}
	return fmt.Sprintf("posts/%s/%s/%s.json", c.UserID, day, c.ID)
}

// ArchivePost stores the final state of a posted content
func (a *Archive) ArchivePost(ctx context.Context, c *models.Content) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}
	return a.blobs.Store(ctx, PostName(c), data)
}

// ArchiveDigest stores a weekly digest
func (a *Archive) ArchiveDigest(ctx context.Context, d *models.Digest) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal digest: %w", err)
	}
	name := fmt.Sprintf("%sdigest-%s.json", digestPrefix, d.GeneratedAt.UTC().Format("2006-01-02-15-04-05"))
	return a.blobs.Store(ctx, name, data)
}

// PruneDigests deletes all but the newest keep digests and returns how many
// were removed. Digest names sort by generation time.
func (a *Archive) PruneDigests(ctx context.Context, keep int) (int, error) {
	names, err := a.blobs.List(ctx, digestPrefix)
	if err != nil {
		return 0, err
	}
	if len(names) <= keep {
		return 0, nil
	}
	sort.Strings(names)

	removed := 0
	for _, name := range names[:len(names)-keep] {
		if err := a.blobs.Delete(ctx, name); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
