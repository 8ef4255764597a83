package history

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetSlotFile(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		id   uint32
		want string
	}{
		{0x12345678, filepath.Join("12", "34", "56", "popfile78.msg")},
		{0x00000002, filepath.Join("00", "00", "00", "popfile02.msg")},
		{0xffffffff, filepath.Join("ff", "ff", "ff", "popfileff.msg")},
		{0x0a0b0c0d, filepath.Join("0a", "0b", "0c", "popfile0d.msg")},
	}

	seen := make(map[string]uint32)
	for _, tt := range tests {
		got, err := s.GetSlotFile(tt.id)
		require.NoError(t, err)
		require.Equal(t, filepath.Join(s.MsgDir(), tt.want), got)

		again, err := s.GetSlotFile(tt.id)
		require.NoError(t, err)
		require.Equal(t, got, again, "path must be deterministic")

		info, err := os.Stat(filepath.Dir(got))
		require.NoError(t, err)
		require.True(t, info.IsDir())

		prev, dup := seen[got]
		require.False(t, dup, "ids %08x and %08x share a path", prev, tt.id)
		seen[got] = tt.id
	}
}

func TestReserveSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, path, err := s.ReserveSlot(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, id, uint32(2))
	require.Equal(t, slotPath(s.MsgDir(), id), path)

	slot, ok, err := s.GetSlotFields(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, slot.Committed)
	require.Equal(t, int64(1), slot.UserID)
	require.Empty(t, slot.Bucket)
}

func sequence(ids ...uint32) func() uint32 {
	i := 0
	return func() uint32 {
		id := ids[i%len(ids)]
		i++
		return id
	}
}

func TestReserveSlot_RetriesCollisions(t *testing.T) {
	s := newTestStore(t, WithIDSource(sequence(5, 5, 0, 1, 9)))
	ctx := context.Background()

	first, _, err := s.ReserveSlot(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(5), first)

	// 5 collides, 0 and 1 are out of range, 9 is free.
	second, _, err := s.ReserveSlot(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(9), second)
}

func TestReserveSlot_Exhausted(t *testing.T) {
	s := newTestStore(t, WithIDSource(sequence(5)))
	ctx := context.Background()

	_, _, err := s.ReserveSlot(ctx)
	require.NoError(t, err)

	_, _, err = s.ReserveSlot(ctx)
	require.True(t, errors.Is(err, ErrSlotsExhausted), "got %v", err)
}

func TestReserveSlot_ReusesPathAfterRelease(t *testing.T) {
	s := newTestStore(t, WithIDSource(sequence(0x12345678)))
	ctx := context.Background()

	id, path, err := s.ReserveSlot(ctx)
	require.NoError(t, err)
	require.NoError(t, s.ReleaseSlot(ctx, id))

	again, againPath, err := s.ReserveSlot(ctx)
	require.NoError(t, err)
	require.Equal(t, id, again)
	require.Equal(t, path, againPath)
}

func TestCommitSlot_Asynchronous(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	s := newTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	msg := testMessage("alice@example.com", "bob@example.com", "lunch")
	id := reserveWithMessage(t, s, msg)

	s.CommitSlot(id, "personal", "")
	require.Equal(t, 1, s.Pending())

	slot, ok, err := s.GetSlotFields(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, slot.Committed, "commit must wait for a drain")

	n, err := s.DrainCommitQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Zero(t, s.Pending())

	slot, ok, err = s.GetSlotFields(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, slot.Committed)
	require.Equal(t, "personal", slot.Bucket)
	require.Equal(t, int64(2), slot.BucketID)
	require.Equal(t, "alice@example.com", slot.From)
	require.Equal(t, "bob@example.com", slot.To)
	require.Equal(t, "lunch", slot.Subject)
	require.Equal(t, "Mon, 02 Jan 2006 15:04:05 +0000", slot.Date)
	require.Equal(t, time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC).Unix(), slot.MessageDate.Unix())
	require.Equal(t, clock.now.Unix(), slot.InsertedAt.Unix())
	require.Equal(t, int64(len(msg)), slot.Size)
	require.Equal(t,
		GetMessageHash("<lunch@example.com>", "Mon, 02 Jan 2006 15:04:05 +0000", "lunch"),
		slot.Hash)

	found, ok, err := s.FindSlotByContentHash(ctx, slot.Hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, found)
}

func TestDrain_HappyPathWithoutIdentityHeaders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := reserveWithMessage(t, s, "From: carol@example.org\r\n\r\nbody\r\n")
	s.CommitSlot(id, "personal", "")
	_, err := s.DrainCommitQueue(ctx)
	require.NoError(t, err)

	slot, ok, err := s.GetSlotFields(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	sum := md5.Sum([]byte("[][][]"))
	require.Equal(t, hex.EncodeToString(sum[:]), slot.Hash)
	require.Equal(t, "personal", slot.Bucket)
	require.Empty(t, slot.Subject)
	require.Empty(t, slot.Cc)
	require.Equal(t, int64(0), slot.MessageDate.Unix())
}

func TestDrain_BestEffort(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Reserved but never written: commits with empty headers.
	missing, _, err := s.ReserveSlot(ctx)
	require.NoError(t, err)
	s.CommitSlot(missing, "work", "")

	// Bucket the classifier does not know.
	unknown := reserveWithMessage(t, s, testMessage("a@b", "c@d", "x"))
	s.CommitSlot(unknown, "nonexistent", "")

	// Released before the drain: ignored.
	released := reserveWithMessage(t, s, testMessage("a@b", "c@d", "y"))
	s.CommitSlot(released, "work", "")
	require.NoError(t, s.ReleaseSlot(ctx, released))

	n, err := s.DrainCommitQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	slot, ok, err := s.GetSlotFields(ctx, missing)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, slot.Committed)
	require.Equal(t, "work", slot.Bucket)
	require.Equal(t, GetMessageHash("", "", ""), slot.Hash)
	require.Zero(t, slot.Size)

	slot, ok, err = s.GetSlotFields(ctx, unknown)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, slot.Committed)
	require.Equal(t, BucketUnknown, slot.Bucket)

	_, ok, err = s.GetSlotFields(ctx, released)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDrain_Magnet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := reserveWithMessage(t, s, testMessage("boss@example.com", "me@example.com", "report"))
	s.CommitSlot(id, "work", "from: boss@example.com")
	_, err := s.DrainCommitQueue(ctx)
	require.NoError(t, err)

	slot, _, err := s.GetSlotFields(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "from: boss@example.com", slot.Magnet)
}

func TestDrain_EmptyQueue(t *testing.T) {
	s := newTestStore(t)

	n, err := s.DrainCommitQueue(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReleaseSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := testMessage("dave@example.com", "eve@example.com", "secret")
	id, path, err := s.ReserveSlot(ctx)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(msg), 0o600))

	require.NoError(t, s.ReleaseSlot(ctx, id))

	_, ok, err := s.GetSlotFields(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "slot file should be removed")

	hash := ParseHeaders(stringsReader(msg)).Hash()
	_, ok, err = s.FindSlotByContentHash(ctx, hash)
	require.NoError(t, err)
	require.False(t, ok)

	// Idempotent.
	require.NoError(t, s.ReleaseSlot(ctx, id))
	require.NoError(t, s.ReleaseSlot(ctx, 0xdeadbeef))
}

func TestFindSlotByContentHash_IgnoresUncommitted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.DB().Exec(`INSERT INTO history (id, committed, hash) VALUES (99, 0, 'abc')`)
	require.NoError(t, err)

	_, ok, err := s.FindSlotByContentHash(ctx, "abc")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetSlotFields_ReclassifiedFrom(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := commitMessage(t, s, testMessage("a@b", "c@d", "legacy"), "work")
	_, err := s.DB().Exec(`UPDATE history SET usedtobe = 4 WHERE id = ?`, int64(id))
	require.NoError(t, err)

	slot, ok, err := s.GetSlotFields(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(4), slot.ReclassifiedFrom)
}
