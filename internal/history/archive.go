package history

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hhoffstaette/popfile/internal/logging"
)

// DeleteSlot removes a slot. When archiving is enabled and allowArchive is
// set, the message file is first copied into the archive tree; archive
// failures are logged and do not stop the delete.
func (s *Store) DeleteSlot(ctx context.Context, id uint32, allowArchive bool) error {
	if allowArchive {
		s.archiveSlot(ctx, s.db, id)
	}
	if err := s.removeRow(ctx, s.db, id); err != nil {
		return err
	}
	s.removeFile(ctx, id)
	s.invalidate()
	return nil
}

// archiveSlot copies the slot file to <archive>/<bucket>[/<n>]/popfile<id>.msg.
func (s *Store) archiveSlot(ctx context.Context, ex execer, id uint32) {
	if !s.archive.Enabled {
		return
	}
	logger := logging.FromContext(ctx).With("id", id)

	slot, ok, err := s.getSlot(ctx, ex, id)
	if err != nil {
		logger.Warn("archive skipped", "error", err)
		return
	}
	if !ok || !archivable(slot.Bucket) {
		return
	}

	dir := filepath.Join(s.archive.Path, slot.Bucket)
	if s.archive.Classes > 0 {
		dir = filepath.Join(dir, strconv.Itoa(s.classN(s.archive.Classes)))
	}
	dst := filepath.Join(dir, fmt.Sprintf("popfile%08x.msg", id))

	if err := copyFile(slotPath(s.msgdir, id), dst); err != nil {
		logger.Warn("archive failed", "bucket", slot.Bucket, "error", err)
		return
	}
	logger.Debug("slot archived", "path", dst)
}

// archivable reports whether bucket gets an archive directory. Pseudo
// buckets and names that would escape the archive root are skipped.
func archivable(bucket string) bool {
	switch bucket {
	case "", BucketUnclassified, BucketUnknown, ".", "..":
		return false
	}
	return !strings.ContainsAny(bucket, `/\`)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
