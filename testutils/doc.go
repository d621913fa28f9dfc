// Package testutils holds helpers shared by listd test suites.
//
//   - FileBlobStore: a disk-backed blob store with per-key error injection,
//     standing in for S3 when testing held message storage and the cache.
//   - SetupTestDatabase: a migrated PostgreSQL connection configured by
//     config-test.toml. Tests skip when the file is absent.
//
// Example usage:
//
//	func TestHold(t *testing.T) {
//		blobs, err := testutils.NewFileBlobStore(t.TempDir())
//		require.NoError(t, err)
//		queue := moderation.NewHoldQueue(store, blobs, outbox)
//		// ...
//	}
package testutils
