/*
Package cache holds the clean bytes of open files and plans reads across
staged writes, cached ranges, and the remote object.

# Range cache

RangeCache stores byte ranges of a single file, sorted and non-overlapping.
A Put replaces whatever it overlaps; Invalidate trims ranges that straddle
the invalidated interval. Once the cached bytes exceed the capacity the
least recently read ranges are evicted. A capacity of 0 disables caching.

Cached bytes must never overlap dirty bytes of the same file. Writers call
Invalidate for the written range, and a completed flush promotes the
flushed segments back into the cache with Put.

# Read planning

Read fills a buffer in three passes:

	dirty   bytes from the write buffer always win
	clean   bytes served from the cache
	absent  bytes fetched from the object store

Each contiguous absent run inside the remote extent is fetched with exactly
one ranged GET. Runs are fetched in parallel, bounded by the request's
concurrency. Bytes past the remote extent read as zero and are never
fetched.

	plan, err := rc.Read(ctx, cache.ReadRequest{
		Buf:        p,
		Offset:     off,
		RemoteSize: remoteSize,
		Dirty:      writeBuffer,
		Fetch:      fetch,
	})
*/
package cache
