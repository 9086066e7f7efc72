// Package trafficrec provides a lock-free global counter for connection
// accounting: how many flows have ever been assigned an id, how many are
// currently alive, and cumulative upload/download byte totals.
//
// Adapted from: original_source/src/net/mod.rs (struct GlobalTrafficRecorder).
package trafficrec

import "sync/atomic"

// Recorder tracks process-wide connection and traffic counters with
// atomics only, so it can sit on the hot path of every copy loop without a
// lock. Its connection-id counter is its own; flow.Recorder, the ordered
// CID allocator, keeps a separate counter.
//
// Reading Recorder's fields via the accessor methods gives a snapshot;
// there is no cross-field atomicity guarantee, matching the Rust original's
// plain atomics with no surrounding lock.
type Recorder struct {
	lastConnectionID   atomic.Uint32
	aliveConnectionCount atomic.Int64
	uploadBytes        atomic.Uint64
	downloadBytes      atomic.Uint64
}

// NextConnectionID allocates and returns the next connection id.
func (r *Recorder) NextConnectionID() uint32 { return r.lastConnectionID.Add(1) }

// LastConnectionID returns the most recently allocated connection id.
func (r *Recorder) LastConnectionID() uint32 { return r.lastConnectionID.Load() }

// ConnectionOpened increments the count of currently alive connections.
// Call ConnectionClosed exactly once for every call to ConnectionOpened.
func (r *Recorder) ConnectionOpened() { r.aliveConnectionCount.Add(1) }

// ConnectionClosed decrements the count of currently alive connections.
func (r *Recorder) ConnectionClosed() { r.aliveConnectionCount.Add(-1) }

// AliveConnectionCount returns the number of connections currently open.
func (r *Recorder) AliveConnectionCount() int64 { return r.aliveConnectionCount.Load() }

// AddUpload adds n to the cumulative upload byte counter.
func (r *Recorder) AddUpload(n uint64) { r.uploadBytes.Add(n) }

// AddDownload adds n to the cumulative download byte counter.
func (r *Recorder) AddDownload(n uint64) { r.downloadBytes.Add(n) }

// UploadBytes returns the cumulative upload byte total.
func (r *Recorder) UploadBytes() uint64 { return r.uploadBytes.Load() }

// DownloadBytes returns the cumulative download byte total.
func (r *Recorder) DownloadBytes() uint64 { return r.downloadBytes.Load() }
