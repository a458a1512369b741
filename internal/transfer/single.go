package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tachyon-labs/dlengine/internal/errkind"
	"github.com/tachyon-labs/dlengine/internal/events"
	"github.com/tachyon-labs/dlengine/internal/progress"
	"github.com/tachyon-labs/dlengine/internal/storage"
)

// ssWriterChunk is the bandwidth-scheduler chunk index used for a
// single-stream download's one writer; CD chunks use their real index.
const ssWriterChunk = -1

const readBufSize = 256 * 1024

// RunSingleStream downloads one file to <save_path>.part with resume
// support, applying bandwidth quota and throttled progress, and
// atomically renaming to save_path on completion (spec.md §4.6).
func RunSingleStream(ctx context.Context, deps *Deps, d *storage.Download, totalBytes int64) error {
	partPath := d.SavePath + ".part"

	resumeFrom, err := prepareResume(partPath, d.SavePath, totalBytes, d.ForceOverwrite)
	if err != nil {
		return err
	}

	deps.emit(d.ID, events.Starting, events.StartingPayload{
		Title:          d.Title,
		Resuming:       resumeFrom > 0,
		ResumeFromByte: resumeFrom,
		Chunked:        false,
	})

	if totalBytes > 0 {
		if err := deps.Allocator.AllocateFile(partPath, totalBytes-resumeFrom, false); err != nil {
			return err
		}
	}

	resp, err := deps.Transport.Get(ctx, d.URL, resumeFrom)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if resp.StatusCode == 206 && resumeFrom > 0 {
		flags |= os.O_APPEND
	} else {
		// 200 with resumeFrom>0 means the server didn't honor Range:
		// discard any partial and restart from zero.
		resumeFrom = 0
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(partPath, flags, 0644)
	if err != nil {
		return errkind.New(errkind.FilesystemFatal, fmt.Errorf("open part file: %w", err))
	}

	deps.Bandwidth.Register(d.ID, ssWriterChunk)
	defer deps.Bandwidth.Unregister(d.ID, ssWriterChunk)

	downloaded := resumeFrom
	lastSample := time.Now()
	lastBytes := downloaded
	buf := make([]byte, readBufSize)

	for {
		select {
		case <-ctx.Done():
			f.Close()
			return errkind.New(errkind.Cancelled, ctx.Err())
		default:
		}

		if err := deps.Bandwidth.Wait(ctx, d.ID, ssWriterChunk, len(buf)); err != nil {
			f.Close()
			return errkind.New(errkind.Cancelled, err)
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return errkind.New(errkind.FilesystemFatal, fmt.Errorf("write part file: %w", werr))
			}
			downloaded += int64(n)
			deps.Bandwidth.ConsumeQuota(d.ID, ssWriterChunk, int64(n))

			_ = deps.Store.UpdateProgress(d.ID, progressFraction(downloaded, totalBytes), downloaded)
			deps.progress()

			now := time.Now()
			if elapsed := now.Sub(lastSample); elapsed > 0 {
				speedMBps := float64(downloaded-lastBytes) / elapsed.Seconds() / (1024 * 1024)
				deps.Progress.QueueUpdate(sampleFor(d.ID, downloaded, totalBytes, speedMBps, false, 0, 0, 0))
				lastSample = now
				lastBytes = downloaded
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			return errkind.New(errkind.NetworkTransient, readErr)
		}
	}

	if err := f.Close(); err != nil {
		return errkind.New(errkind.FilesystemFatal, fmt.Errorf("close part file: %w", err))
	}

	deps.Progress.CancelPending(d.ID)

	if _, statErr := os.Stat(d.SavePath); statErr == nil {
		_ = os.Remove(d.SavePath)
	}
	if err := os.Rename(partPath, d.SavePath); err != nil {
		return errkind.New(errkind.FilesystemFatal, fmt.Errorf("finalize part file: %w", err))
	}

	return nil
}

// prepareResume implements the SS resume algorithm (spec.md §4.6): if
// <save_path>.part exists with size in (0,total), resume from its size;
// if save_path itself exists, non-empty, smaller than total, and
// force_overwrite is false, it is promoted to the .part file first.
func prepareResume(partPath, savePath string, total int64, forceOverwrite bool) (int64, error) {
	if info, err := os.Stat(partPath); err == nil {
		if total > 0 && info.Size() > 0 && info.Size() < total {
			return info.Size(), nil
		}
		if total > 0 && info.Size() >= total {
			// Corrupted/stale partial larger than (or equal to) expected total.
			_ = os.Remove(partPath)
			return 0, nil
		}
	}

	if info, err := os.Stat(savePath); err == nil && !forceOverwrite {
		if info.Size() > 0 && (total == 0 || info.Size() < total) {
			if err := os.Rename(savePath, partPath); err != nil {
				return 0, errkind.New(errkind.FilesystemFatal, fmt.Errorf("promote existing file to part: %w", err))
			}
			return info.Size(), nil
		}
	}

	return 0, nil
}

func progressFraction(downloaded, total int64) float64 {
	if total <= 0 {
		return 0
	}
	f := float64(downloaded) / float64(total)
	if f > 1 {
		f = 1
	}
	return f
}

func sampleFor(id int64, downloaded, total int64, speedMBps float64, chunked bool, active, completed, totalChunks int) progress.Sample {
	percent := progressFraction(downloaded, total)
	var remaining float64
	if speedMBps > 0 && total > downloaded {
		remaining = float64(total-downloaded) / (speedMBps * 1024 * 1024)
	}
	return progress.Sample{
		ID:               id,
		Percent:          percent,
		SpeedMBps:        speedMBps,
		TotalBytes:       total,
		DownloadedBytes:  downloaded,
		RemainingSeconds: remaining,
		Chunked:          chunked,
		ActiveChunks:     active,
		CompletedChunks:  completed,
		TotalChunks:      totalChunks,
	}
}
