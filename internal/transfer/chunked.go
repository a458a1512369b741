package transfer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tachyon-labs/dlengine/internal/config"
	"github.com/tachyon-labs/dlengine/internal/errkind"
	"github.com/tachyon-labs/dlengine/internal/events"
	"github.com/tachyon-labs/dlengine/internal/storage"
)

// ShouldChunk implements the CD selection predicate of spec.md §4.7:
// chosen when total_bytes ≥ sizeThreshold, force_simple_download is
// false, and the range-support probe succeeded.
func ShouldChunk(totalBytes int64, cfg config.Chunked, rangeSupported bool) bool {
	if cfg.ForceSimpleDownload || !rangeSupported {
		return false
	}
	return totalBytes >= cfg.SizeThreshold
}

// LayoutChunks computes the chunk-row partition of [0,total) per the
// layout algorithm of spec.md §4.7.
func LayoutChunks(downloadID, total int64, cfg config.Chunked) []storage.Chunk {
	defaultChunks := cfg.DefaultChunks
	if defaultChunks < 1 {
		defaultChunks = 1
	}
	preferredChunkSize := total / int64(defaultChunks)
	if preferredChunkSize < cfg.MinChunkSize {
		preferredChunkSize = cfg.MinChunkSize
	}
	if preferredChunkSize < 1 {
		preferredChunkSize = 1
	}

	n := int(math.Ceil(float64(total) / float64(preferredChunkSize)))
	if n < cfg.MinChunks {
		n = cfg.MinChunks
	}
	if n > cfg.MaxChunks {
		n = cfg.MaxChunks
	}
	if n < 1 {
		n = 1
	}

	chunkSize := int64(math.Ceil(float64(total) / float64(n)))
	chunks := make([]storage.Chunk, 0, n)
	for i := 0; i < n; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize - 1
		if end > total-1 {
			end = total - 1
		}
		if start > end {
			break
		}
		chunks = append(chunks, storage.Chunk{
			DownloadID: downloadID,
			ChunkIndex: i,
			StartByte:  start,
			EndByte:    end,
			State:      storage.ChunkPending,
			TempFile:   fmt.Sprintf("%d.chunk.%d", downloadID, i),
		})
	}
	return chunks
}

// RunChunked splits a known-length file into byte-range chunks,
// downloads them concurrently (bounded by MaxConcurrentChunks), and
// merges the result on completion (spec.md §4.7).
func RunChunked(ctx context.Context, deps *Deps, d *storage.Download, totalBytes int64) error {
	cfg := deps.Cfg.Chunked

	existing, err := deps.Store.GetChunks(d.ID)
	if err != nil {
		return errkind.New(errkind.Internal, err)
	}
	chunks := existing
	if len(chunks) == 0 {
		chunks = LayoutChunks(d.ID, totalBytes, cfg)
		for i := range chunks {
			chunks[i].TempFile = d.SavePath + ".chunk." + fmt.Sprint(chunks[i].ChunkIndex)
		}
		if err := deps.Store.CreateChunks(d.ID, chunks); err != nil {
			return errkind.New(errkind.Internal, err)
		}
		for _, c := range chunks {
			size := c.EndByte - c.StartByte + 1
			if err := deps.Allocator.AllocateFile(c.TempFile, size, cfg.PreallocateFile); err != nil {
				return err
			}
		}
	}

	deps.emit(d.ID, events.Starting, events.StartingPayload{
		Title:     d.Title,
		Chunked:   true,
		NumChunks: len(chunks),
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, cfg.MaxConcurrentChunks)
	var wg sync.WaitGroup
	var firstErr atomic.Value // error
	var completed int64

	totalDownloadedAtStart := int64(0)
	for _, c := range chunks {
		totalDownloadedAtStart += c.DownloadedBytes
	}
	var downloaded int64 = totalDownloadedAtStart
	var lastSample = time.Now()
	var lastBytes = downloaded
	var progMu sync.Mutex

	for _, c := range chunks {
		if c.State == storage.ChunkCompleted {
			atomic.AddInt64(&completed, 1)
			continue
		}
		c := c
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			onBytes := func(n int64) {
				cur := atomic.AddInt64(&downloaded, n)
				_ = deps.Store.UpdateProgress(d.ID, progressFraction(cur, totalBytes), cur)
				deps.progress()

				progMu.Lock()
				now := time.Now()
				if elapsed := now.Sub(lastSample); elapsed > 150*time.Millisecond {
					speedMBps := float64(cur-lastBytes) / elapsed.Seconds() / (1024 * 1024)
					deps.Bandwidth.UpdateDetectedBandwidth(int64(speedMBps * 1024 * 1024))
					deps.Progress.QueueUpdate(sampleFor(d.ID, cur, totalBytes, speedMBps, true,
						len(chunks)-int(atomic.LoadInt64(&completed)), int(atomic.LoadInt64(&completed)), len(chunks)))
					lastSample = now
					lastBytes = cur
				}
				progMu.Unlock()
			}

			if err := downloadChunk(ctx, deps, d, c, onBytes); err != nil {
				firstErr.CompareAndSwap(nil, err)
				cancel()
				return
			}
			atomic.AddInt64(&completed, 1)
		}()
	}
	wg.Wait()

	if v := firstErr.Load(); v != nil {
		return v.(error)
	}
	if ctx.Err() != nil {
		return errkind.New(errkind.Cancelled, ctx.Err())
	}

	return mergeChunks(deps, d, chunks, cfg)
}

// downloadChunk fetches one byte range into its temp file, retrying up
// to cfg.ChunkRetries times (spec.md §4.7).
func downloadChunk(ctx context.Context, deps *Deps, d *storage.Download, c storage.Chunk, onBytes func(int64)) error {
	cfg := deps.Cfg.Chunked
	deps.Bandwidth.Register(d.ID, c.ChunkIndex)
	defer deps.Bandwidth.Unregister(d.ID, c.ChunkIndex)

	attempt := 0
	for {
		err := fetchChunkOnce(ctx, deps, d, c, onBytes)
		if err == nil {
			_ = deps.Store.UpdateChunk(d.ID, c.ChunkIndex, map[string]any{"state": storage.ChunkCompleted})
			return nil
		}
		if errkind.Of(err) == errkind.Cancelled {
			return err
		}
		attempt++
		_ = deps.Store.UpdateChunk(d.ID, c.ChunkIndex, map[string]any{"retry_count": attempt})
		if attempt > cfg.ChunkRetries {
			_ = deps.Store.UpdateChunk(d.ID, c.ChunkIndex, map[string]any{"state": storage.ChunkFailed})
			return err
		}
	}
}

func fetchChunkOnce(ctx context.Context, deps *Deps, d *storage.Download, c storage.Chunk, onBytes func(int64)) error {
	fresh, err := deps.Store.GetChunks(d.ID)
	if err == nil {
		for _, fc := range fresh {
			if fc.ChunkIndex == c.ChunkIndex {
				c = fc
			}
		}
	}

	rangeStart := c.StartByte + c.DownloadedBytes
	if rangeStart > c.EndByte {
		return nil // already fully downloaded
	}

	resp, err := deps.Transport.GetRange(ctx, d.URL, rangeStart, c.EndByte)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if c.DownloadedBytes > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(c.TempFile, flags, 0644)
	if err != nil {
		return errkind.New(errkind.FilesystemFatal, fmt.Errorf("open chunk temp file: %w", err))
	}
	defer f.Close()

	_ = deps.Store.UpdateChunk(d.ID, c.ChunkIndex, map[string]any{"state": storage.ChunkDownloading})

	buf := make([]byte, readBufSize)
	for {
		select {
		case <-ctx.Done():
			return errkind.New(errkind.Cancelled, ctx.Err())
		default:
		}
		if err := deps.Bandwidth.Wait(ctx, d.ID, c.ChunkIndex, len(buf)); err != nil {
			return errkind.New(errkind.Cancelled, err)
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return errkind.New(errkind.FilesystemFatal, fmt.Errorf("write chunk temp file: %w", werr))
			}
			deps.Bandwidth.ConsumeQuota(d.ID, c.ChunkIndex, int64(n))
			_ = deps.Store.UpdateChunk(d.ID, c.ChunkIndex, map[string]any{
				"downloaded_bytes": c.DownloadedBytes + int64(n),
			})
			c.DownloadedBytes += int64(n)
			onBytes(int64(n))
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return errkind.New(errkind.NetworkTransient, readErr)
		}
	}
}

// mergeChunks concatenates completed chunk temp files into <save_path>.part
// in index order, then atomically renames to save_path (spec.md §4.7).
// Reads come off each chunk file at MergeBufferSize but are coalesced
// into MergeBatchSize writes via a buffered writer, trading a little
// memory for fewer, larger syscalls on the merge target.
func mergeChunks(deps *Deps, d *storage.Download, chunks []storage.Chunk, cfg config.Chunked) error {
	partPath := d.SavePath + ".part"
	out, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errkind.New(errkind.FilesystemFatal, fmt.Errorf("open merge target: %w", err))
	}

	batchSize := cfg.MergeBatchSize
	if batchSize <= 0 {
		batchSize = cfg.MergeBufferSize
	}
	bw := bufio.NewWriterSize(out, int(batchSize))

	ops := 0
	for _, c := range chunks {
		in, err := os.Open(c.TempFile)
		if err != nil {
			out.Close()
			return errkind.New(errkind.FilesystemFatal, fmt.Errorf("open chunk %d for merge: %w", c.ChunkIndex, err))
		}
		buf := make([]byte, cfg.MergeBufferSize)
		for {
			n, rerr := in.Read(buf)
			if n > 0 {
				if _, werr := bw.Write(buf[:n]); werr != nil {
					in.Close()
					out.Close()
					return errkind.New(errkind.FilesystemFatal, fmt.Errorf("write merge target: %w", werr))
				}
				ops++
				if cfg.MergeYieldInterval > 0 && ops%cfg.MergeYieldInterval == 0 {
					// yield so other goroutines get scheduled during a long merge.
					runtime.Gosched()
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				in.Close()
				out.Close()
				return errkind.New(errkind.FilesystemFatal, fmt.Errorf("read chunk %d for merge: %w", c.ChunkIndex, rerr))
			}
		}
		in.Close()
	}
	if err := bw.Flush(); err != nil {
		out.Close()
		return errkind.New(errkind.FilesystemFatal, fmt.Errorf("flush merge target: %w", err))
	}
	if err := out.Close(); err != nil {
		return errkind.New(errkind.FilesystemFatal, fmt.Errorf("close merge target: %w", err))
	}

	if _, statErr := os.Stat(d.SavePath); statErr == nil {
		_ = os.Remove(d.SavePath)
	}
	if err := os.Rename(partPath, d.SavePath); err != nil {
		return errkind.New(errkind.FilesystemFatal, fmt.Errorf("finalize merged file: %w", err))
	}

	if cfg.CleanupOnComplete {
		for _, c := range chunks {
			_ = os.Remove(c.TempFile)
		}
		_ = deps.Store.DeleteChunks(d.ID)
	}

	deps.Progress.CancelPending(d.ID)
	return nil
}
