// Package executor is the download executor C5 hands each admitted file off
// to: it probes the direct URL, pre-allocates the destination when possible,
// downloads in parallel ranges for large files (falling back to a single
// sequential stream), and writes a sidecar control file whose presence is
// the "still in progress" signal the Progress Monitor (C6) watches for.
//
// Adapted from the teacher's internal/engine executor/worker/http trio,
// generalized to operate on one TaskFile destination at a time instead of a
// single global DownloadTask, and to report link-expiry back to the caller
// instead of parking the task in a manual-refresh status (spec.md §9, Open
// Question 1: re-unlock on I/O failure, preferred).
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"debridflow/internal/filesystem"
	"debridflow/internal/network"
)

// ErrLinkExpired signals the direct URL returned HTTP 403/expired mid-
// transfer; the caller is expected to re-unlock and retry (spec.md §9).
var ErrLinkExpired = errors.New("executor: link expired or access denied (403)")

const (
	chunkSize   = 256 * 1024
	bufferBytes = 32 * 1024
)

// Request describes one file to download.
type Request struct {
	URL          string
	DestPath     string
	ExpectedSize int64 // 0 if unknown
	HasSize      bool
	AcceptRanges bool
	UserAgent    string
}

// ProgressFunc is invoked periodically with the cumulative bytes written.
// The executor's own progress reporting is advisory; the Monitor (C6) is the
// authoritative source via on-disk byte counts (spec.md §4.6).
type ProgressFunc func(bytesWritten int64)

// Executor downloads a single file per call to Download, optionally split
// into parallel ranges.
type Executor struct {
	httpClient *http.Client
	congestion *network.CongestionController
	bandwidth  *network.BandwidthManager
	allocator  *filesystem.Allocator

	segments        int
	segmentMinBytes int64
	retries         int
	bufferPool      sync.Pool
}

// Config bundles the tunables from spec.md §6 relevant to the executor.
type Config struct {
	Segments        int
	SegmentMinBytes int64
	DLRetries       int
}

// New builds an Executor sharing a congestion controller and bandwidth
// manager across all files (both are process-global per spec.md §5).
func New(cfg Config, congestion *network.CongestionController, bandwidth *network.BandwidthManager) *Executor {
	if cfg.Segments <= 0 {
		cfg.Segments = 4
	}
	if cfg.DLRetries <= 0 {
		cfg.DLRetries = 2
	}
	e := &Executor{
		httpClient:      &http.Client{Timeout: 0},
		congestion:      congestion,
		bandwidth:       bandwidth,
		allocator:       filesystem.NewAllocator(),
		segments:        cfg.Segments,
		segmentMinBytes: cfg.SegmentMinBytes,
		retries:         cfg.DLRetries,
	}
	e.bufferPool.New = func() any {
		b := make([]byte, bufferBytes)
		return &b
	}
	return e
}

// controlState is the sidecar control file's JSON body: a bitfield of
// completed byte-ranges keyed by segment index, used both as the "in
// progress" marker and as resume state if the process restarts mid-download.
type controlState struct {
	TotalSize int64 `json:"total_size"`
	NumParts  int   `json:"num_parts"`
	Completed []int `json:"completed"`
}

// Download fetches req.URL into req.DestPath. It blocks until the transfer
// completes, ctx is canceled, or an unrecoverable error occurs. On success the
// sidecar control file is removed; on any return (including cancellation) the
// destination file retains whatever bytes were written (spec.md §4.5 step 4,
// §5 "partial files are not auto-purged").
func (e *Executor) Download(ctx context.Context, req Request, progress ProgressFunc) error {
	controlPath := req.DestPath + filesystem.ControlFileSuffix

	size := req.ExpectedSize
	acceptRanges := req.AcceptRanges
	if !req.HasSize || size == 0 {
		probed, err := e.probe(ctx, req.URL, req.UserAgent)
		if err != nil {
			return fmt.Errorf("probe: %w", err)
		}
		size = probed.size
		acceptRanges = probed.acceptRanges
	}

	if size > 0 {
		if err := e.allocator.AllocateFile(req.DestPath, size); err != nil {
			return fmt.Errorf("allocate: %w", err)
		}
	} else if err := filesystem.EnsureDir(filepath.Dir(req.DestPath)); err != nil {
		return fmt.Errorf("prepare directory: %w", err)
	}

	f, err := os.OpenFile(req.DestPath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer f.Close()

	numParts := 1
	if acceptRanges && size >= e.segmentMinBytes {
		numParts = int((size + chunkSize - 1) / chunkSize)
		if numParts < 1 {
			numParts = 1
		}
	}

	state := e.loadControlState(controlPath, size, numParts)
	if err := e.writeControlState(controlPath, state); err != nil {
		return fmt.Errorf("write control file: %w", err)
	}

	completed := make(map[int]bool, len(state.Completed))
	for _, id := range state.Completed {
		completed[id] = true
	}

	var written int64
	for id := range completed {
		written += partByteRange(id, size, numParts)
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	host := u.Host

	type job struct{ id int }
	jobs := make(chan job, numParts)
	for i := 0; i < numParts; i++ {
		if !completed[i] {
			jobs <- job{id: i}
		}
	}
	close(jobs)

	var mu sync.Mutex
	var writtenAtomic atomic.Int64
	writtenAtomic.Store(written)
	errCh := make(chan error, numParts)
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for j := range jobs {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}
			n, err := e.downloadSegment(ctx, req.URL, req.UserAgent, f, j.id, size, numParts, host)
			if err != nil {
				errCh <- err
				return
			}
			writtenAtomic.Add(n)
			mu.Lock()
			completed[j.id] = true
			state.Completed = append(state.Completed, j.id)
			_ = e.writeControlState(controlPath, state)
			mu.Unlock()
			if progress != nil {
				progress(writtenAtomic.Load())
			}
		}
	}

	workers := numParts
	if workers > e.segments {
		workers = e.segments
	}
	if ideal := e.congestion.GetIdealConcurrency(host); ideal > 0 && ideal < workers {
		workers = ideal
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go worker()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-ctx.Done():
		<-done
		return ctx.Err()
	}

	select {
	case err := <-errCh:
		return err
	default:
	}

	if len(completed) != numParts {
		return fmt.Errorf("download incomplete: %d/%d parts", len(completed), numParts)
	}

	if err := os.Remove(controlPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove control file: %w", err)
	}
	return nil
}

func (e *Executor) downloadSegment(ctx context.Context, rawURL, userAgent string, f *os.File, id int, total int64, numParts int, host string) (int64, error) {
	start, end := segmentBounds(id, total, numParts)

	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Second * time.Duration(attempt)):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}

		n, err := e.fetchRange(ctx, rawURL, userAgent, f, start, end, host)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, ErrLinkExpired) {
			return 0, err
		}
		lastErr = err
		e.congestion.RecordOutcome(host, 0, err)
	}
	return 0, fmt.Errorf("segment %d: %w", id, lastErr)
}

func (e *Executor) fetchRange(ctx context.Context, rawURL, userAgent string, f *os.File, start, end int64, host string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	if userAgent == "" {
		userAgent = "debridflow/1.0"
	}
	req.Header.Set("User-Agent", userAgent)
	if end >= 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	}

	t0 := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return 0, ErrLinkExpired
	}
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	bufPtr := e.bufferPool.Get().(*[]byte)
	defer e.bufferPool.Put(bufPtr)
	buf := *bufPtr

	offset := start
	var n int64
	for {
		if err := e.bandwidth.Wait(ctx, len(buf)); err != nil {
			return n, err
		}
		read, readErr := resp.Body.Read(buf)
		if read > 0 {
			if _, werr := f.WriteAt(buf[:read], offset); werr != nil {
				return n, werr
			}
			offset += int64(read)
			n += int64(read)
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return n, readErr
		}
	}
	e.congestion.RecordOutcome(host, time.Since(t0), nil)
	return n, nil
}

type probeResult struct {
	size         int64
	acceptRanges bool
}

func (e *Executor) probe(ctx context.Context, rawURL, userAgent string) (probeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return probeResult{}, err
	}
	if userAgent == "" {
		userAgent = "debridflow/1.0"
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Range", "bytes=0-0")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return probeResult{}, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusForbidden {
		return probeResult{}, ErrLinkExpired
	}

	result := probeResult{size: resp.ContentLength}
	if resp.StatusCode == http.StatusPartialContent {
		result.acceptRanges = true
		cr := resp.Header.Get("Content-Range")
		if idx := strings.LastIndexByte(cr, '/'); idx >= 0 {
			if n, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
				result.size = n
			}
		}
	} else {
		result.acceptRanges = resp.Header.Get("Accept-Ranges") == "bytes"
	}
	return result, nil
}

// ReadControlState loads the sidecar control file at controlPath, if
// present, and reports the cumulative bytes completed by summing its
// completed segment ranges. It lets other components (the Progress Monitor)
// read real download progress without re-deriving the segment math. ok is
// false if the control file does not exist or cannot be parsed.
func ReadControlState(controlPath string) (bytesCompleted int64, ok bool) {
	data, err := os.ReadFile(controlPath)
	if err != nil {
		return 0, false
	}
	var s controlState
	if err := json.Unmarshal(data, &s); err != nil {
		return 0, false
	}
	for _, id := range s.Completed {
		bytesCompleted += partByteRange(id, s.TotalSize, s.NumParts)
	}
	return bytesCompleted, true
}

func (e *Executor) loadControlState(path string, totalSize int64, numParts int) *controlState {
	data, err := os.ReadFile(path)
	if err != nil {
		return &controlState{TotalSize: totalSize, NumParts: numParts}
	}
	var s controlState
	if err := json.Unmarshal(data, &s); err != nil || s.TotalSize != totalSize || s.NumParts != numParts {
		return &controlState{TotalSize: totalSize, NumParts: numParts}
	}
	return &s
}

func (e *Executor) writeControlState(path string, s *controlState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func segmentBounds(id int, total int64, numParts int) (int64, int64) {
	if numParts <= 1 {
		return 0, -1
	}
	start := int64(id) * chunkSize
	end := start + chunkSize - 1
	if end >= total {
		end = total - 1
	}
	return start, end
}

func partByteRange(id int, total int64, numParts int) int64 {
	start, end := segmentBounds(id, total, numParts)
	if end < 0 {
		return total
	}
	return end - start + 1
}

