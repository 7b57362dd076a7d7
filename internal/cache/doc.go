/*
Package cache implements the block cache's open-segment layer: cache keys,
directory entries, the directory itself, and the per-segment coordination of
one writer and many readers over a shared write buffer.

# Architecture

A lookup resolves a CacheKey to a directory entry, and an OpenSegment mediates
every connection to that entry's buffer:

	┌───────────────┐   Probe / ProbeAfter    ┌──────────────────────┐
	│   CacheKey    │ ──────────────────────▶ │      Directory       │
	│ path | hash   │                         │ xxhash buckets, tags │
	└───────────────┘                         │ zstd snapshot (Sync) │
	        │                                 └──────────────────────┘
	        │ Open(key, dir)                             ▲
	        ▼                                            │ Commit / Delete /
	┌───────────────┐                                    │ ReadDocKey / Sync
	│    OpenDir    │                                    │  (via Executor)
	│  one segment  │                         ┌──────────────────────┐
	│  per digest   │ ──────────────────────▶ │     OpenSegment      │
	└───────────────┘                         │  Interactor roster   │
	                                          │  writer + reader q   │
	                                          │  AbstractBuffer      │
	                                          └──────────────────────┘
	                                                     ▲
	                                   Open / Close      │ Write / ReadRange
	                                          ┌──────────────────────┐
	                                          │      SegmentVC       │
	                                          └──────────────────────┘

# Asynchronous Operations

VerifyKey, Close, Remove and Sync return an *event.Action immediately. The
directory work runs on the Executor; its outcome is routed through the
segment's own continuation, whose handler switches on the segment state, and
is then delivered to the caller's continuation:

	VerifyKey  → EventDocMatches | EventDocCollision | EventError
	Close      → EventClosed     | EventError
	Remove     → EventRemoved    | EventError
	Sync       → EventSynced     | EventError

Every payload is a Result. Cancelling the action suppresses the delivery only:
a Close whose action was cancelled still commits the directory entry.

A collision is an ordinary outcome. The caller walks the chain itself:

	dir, ok := directory.Probe(key)
	for ok {
		// open a segment on dir, VerifyKey, and on EventDocCollision:
		dir, ok = directory.ProbeAfter(key, dir)
	}

# Writers and Readers

Connections attach through the segment's interactor and never block on its
lock. The attach hook registers writers and readers:

	w := seg.NewWriter("origin-fill", handler)
	_ = w.Open()                  // EventAttached arrives on handler
	off, err := w.Write(ctx, p)   // BUSY is retried, FULL is returned

	r := seg.NewReader("client-1", handler)
	_ = r.Open()
	n, err := r.ReadRange(off, buf)

When the last writer leaves a full buffer the segment commits the buffer's
extent to the directory, completes the flush, and sends EventBufferFlushed with
a FlushNotice to the registered writer and to every reader.

Only one writer is expected. A second RegisterWriter replaces the first and is
logged at WARN; only the latest writer receives flush notices.
*/
package cache
