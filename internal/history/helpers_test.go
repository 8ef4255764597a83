package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeBuckets map[string]int64

func (f fakeBuckets) BucketID(ctx context.Context, name string) (int64, error) {
	id, ok := f[name]
	if !ok {
		return 0, fmt.Errorf("unknown bucket %q", name)
	}
	return id, nil
}

var testBuckets = fakeBuckets{
	"unclassified": 1,
	"personal":     2,
	"work":         3,
	"spam":         4,
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	dir := t.TempDir()

	db, err := OpenDB(filepath.Join(dir, "popfile.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewStore(db, filepath.Join(dir, "messages"), testBuckets, opts...)
}

func testMessage(from, to, subject string) string {
	return "From: " + from + "\r\n" +
		"To: " + to + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
		"Message-Id: <" + subject + "@example.com>\r\n" +
		"\r\n" +
		"Hello.\r\n"
}

// reserveWithMessage reserves a slot and writes msg into its file.
func reserveWithMessage(t *testing.T, s *Store, msg string) uint32 {
	t.Helper()
	id, path, err := s.ReserveSlot(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(msg), 0o600))
	return id
}

// commitMessage reserves, writes, commits and drains one message.
func commitMessage(t *testing.T, s *Store, msg, bucket string) uint32 {
	t.Helper()
	id := reserveWithMessage(t, s, msg)
	s.CommitSlot(id, bucket, "")
	_, err := s.DrainCommitQueue(context.Background())
	require.NoError(t, err)
	return id
}
