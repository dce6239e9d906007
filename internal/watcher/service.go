package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mapdev/ingestd/internal/config"
	"github.com/mapdev/ingestd/internal/logging"
	"github.com/mapdev/ingestd/internal/pipeline"
)

// Service scans the upload folder on a fixed interval, claims complete files
// into wip, dispatches them to the pipeline under a concurrency bound, and
// finishes each file into archive or error. Filesystem notifications, when
// available, only wake the scan early; the poll remains the source of truth.
type Service struct {
	cfg     config.WatchConfig
	folders *Folders
	limiter *Limiter
	proc    *pipeline.Processor
	timeout time.Duration

	notify *fsnotify.Watcher
	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]bool
	started  bool
}

// NewService builds a watch service around a processor. timeout bounds the
// processing of a single file.
func NewService(cfg config.WatchConfig, proc *pipeline.Processor, timeout time.Duration) *Service {
	return &Service{
		cfg:      cfg,
		folders:  NewFolders(cfg),
		limiter:  NewLimiter(cfg.MaxConcurrentFiles),
		proc:     proc,
		timeout:  timeout,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		inFlight: make(map[string]bool),
	}
}

// Folders exposes the lifecycle directories, mainly for tests and status
// reporting.
func (s *Service) Folders() *Folders { return s.folders }

// Start creates the folders and begins scanning. It returns once the scan
// loop is running.
func (s *Service) Start(ctx context.Context) error {
	if err := s.folders.Init(); err != nil {
		return err
	}

	log := logging.FromContext(ctx)

	// fsnotify is a latency optimization only; on filesystems without
	// support the poll alone drives the intake.
	if nw, err := fsnotify.NewWatcher(); err != nil {
		log.Warn("filesystem notifications unavailable, polling only", "error", err)
	} else if err := nw.Add(s.folders.Upload); err != nil {
		log.Warn("cannot watch upload folder, polling only", "error", err)
		nw.Close()
	} else {
		s.notify = nw
		s.wg.Add(1)
		go s.forwardEvents(log)
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	log.Info("watch folder service started",
		"upload", s.folders.Upload,
		"poll_interval", s.cfg.PollInterval,
		"markers", s.cfg.UseMarkerFiles,
		"max_concurrent", s.limiter.MaxConcurrent())
	return nil
}

// Stop shuts the service down, waiting up to the configured shutdown
// timeout for in-flight files.
func (s *Service) Stop() error {
	close(s.stopCh)
	if s.notify != nil {
		s.notify.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.limiter.WaitForDrain(ctx); err != nil {
		return fmt.Errorf("watch service: %d file(s) still in flight after %s",
			s.limiter.ActiveCount(), s.cfg.ShutdownTimeout)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("watch service: scan loop still running after %s", s.cfg.ShutdownTimeout)
	}
}

// Status is a point-in-time snapshot for operators.
type Status struct {
	Running       bool   `json:"running"`
	UploadDir     string `json:"uploadDir"`
	InFlight      int    `json:"inFlight"`
	MaxConcurrent int    `json:"maxConcurrent"`
	UseMarkers    bool   `json:"useMarkers"`
}

// Status reports the current state of the service.
func (s *Service) Status() Status {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	return Status{
		Running:       started,
		UploadDir:     s.folders.Upload,
		InFlight:      s.limiter.ActiveCount(),
		MaxConcurrent: s.limiter.MaxConcurrent(),
		UseMarkers:    s.cfg.UseMarkerFiles,
	}
}

func (s *Service) forwardEvents(log *slog.Logger) {
	defer s.wg.Done()
	for {
		select {
		case _, ok := <-s.notify.Events:
			if !ok {
				return
			}
			select {
			case s.wake <- struct{}{}:
			default:
			}
		case err, ok := <-s.notify.Errors:
			if !ok {
				return
			}
			log.Warn("filesystem notification error", "error", err)
		}
	}
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.scan(ctx)
	}
}

// scan inspects the upload folder once and dispatches every triggered file
// for which a concurrency slot is free. Files left behind are retried on
// the next scan.
func (s *Service) scan(ctx context.Context) {
	log := logging.FromContext(ctx)

	entries, err := os.ReadDir(s.folders.Upload)
	if err != nil {
		log.Error("scan upload folder", "error", err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if s.cfg.UseMarkerFiles {
			if strings.HasSuffix(name, s.cfg.MarkerSuffix) || !s.markerPresent(name) {
				continue
			}
			// A marker is an explicit hand-off; an unsupported file that was
			// handed off is an error, not something to ignore forever.
			if !s.supported(name) {
				s.rejectUnsupported(log, name)
				continue
			}
		} else if !s.supported(name) {
			continue
		}

		s.mu.Lock()
		busy := s.inFlight[name]
		if !busy {
			s.inFlight[name] = true
		}
		s.mu.Unlock()
		if busy {
			continue
		}

		if !s.limiter.TryAcquire() {
			s.clearInFlight(name)
			// All slots busy; the rest of the folder waits for the next scan.
			return
		}

		s.wg.Add(1)
		go s.handle(ctx, name)
	}
}

// rejectUnsupported moves a marker-triggered file with an unsupported
// extension straight to the error folder and clears its marker.
func (s *Service) rejectUnsupported(log *slog.Logger, name string) {
	wipPath, err := s.folders.MoveToWip(name)
	if err != nil {
		log.Error("claim failed", "file", name, "error", err)
		return
	}
	s.finishError(log.With("file", name), wipPath,
		"unsupported file type "+strings.ToLower(filepath.Ext(name)), "", nil)

	marker := filepath.Join(s.folders.Upload, name+s.cfg.MarkerSuffix)
	if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
		log.Warn("marker cleanup failed", "file", name, "error", err)
	}
}

// handle takes one file through claim, process and finish.
func (s *Service) handle(ctx context.Context, name string) {
	defer s.wg.Done()
	defer s.limiter.Release()
	defer s.clearInFlight(name)

	log := logging.WithFields(ctx, "file", name)

	// Markers promise the writer is done, but a misbehaving producer can
	// still drop the marker early; the stability check guards both modes.
	stable, err := s.waitForStability(ctx, filepath.Join(s.folders.Upload, name))
	if err != nil || !stable {
		if err != nil {
			log.Warn("stability check aborted", "error", err)
		} else {
			log.Info("file still growing, deferred")
		}
		return
	}

	wipPath, err := s.folders.MoveToWip(name)
	if err != nil {
		log.Error("claim failed", "error", err)
		return
	}

	if s.cfg.UseMarkerFiles {
		defer func() {
			marker := filepath.Join(s.folders.Upload, name+s.cfg.MarkerSuffix)
			if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
				log.Warn("marker cleanup failed", "error", err)
			}
		}()
	}

	data, err := os.ReadFile(wipPath)
	if err != nil {
		log.Error("read failed", "error", err)
		s.finishError(log, wipPath, "file unreadable", err.Error(), err)
		return
	}

	procCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		procCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if strings.EqualFold(filepath.Ext(name), ".zip") {
		res, err := s.proc.ProcessArchive(procCtx, name, data)
		if err != nil {
			// Shutdown or timeout mid-archive: the file stays in wip for the
			// operator, never vanishes.
			log.Error("archive processing interrupted", "error", err)
			return
		}
		s.finishArchive(log, wipPath, res)
		return
	}

	res, err := s.proc.ProcessFile(procCtx, name, data, nil)
	if err != nil {
		log.Error("file processing interrupted", "error", err)
		return
	}
	s.finishFile(log, wipPath, res)
}

func (s *Service) finishFile(log *slog.Logger, wipPath string, res *pipeline.FileResult) {
	if res.Failed() {
		s.finishError(log, wipPath, res.Message, "", nil)
		return
	}
	dst, err := s.folders.MoveToArchive(wipPath)
	if err != nil {
		log.Error("archive move failed", "error", err)
		return
	}
	log.Info("file finished", "status", res.Status, "rows", res.RowsLoaded, "archived_as", filepath.Base(dst))
}

func (s *Service) finishArchive(log *slog.Logger, wipPath string, res *pipeline.ArchiveResult) {
	switch res.Status {
	case pipeline.ArchiveSuccess, pipeline.ArchiveAllDuplicates, pipeline.ArchiveAlreadyProcessed:
		dst, err := s.folders.MoveToArchive(wipPath)
		if err != nil {
			log.Error("archive move failed", "error", err)
			return
		}
		log.Info("archive finished", "status", res.Status, "rows", res.RowsLoaded, "archived_as", filepath.Base(dst))
	default:
		msg := res.Message
		if msg == "" {
			msg = fmt.Sprintf("%d of %d member(s) failed", res.Failed, len(res.Members))
		}
		s.finishError(log, wipPath, msg, memberFailures(res), nil)
	}
}

func (s *Service) finishError(log *slog.Logger, wipPath, message, detail string, cause error) {
	dst, err := s.folders.MoveToError(wipPath, message, detail, cause)
	if err != nil {
		log.Error("error move failed", "error", err)
		return
	}
	log.Info("file moved to error folder", "reason", message, "as", filepath.Base(dst))
}

// waitForStability samples the file size until it is unchanged across the
// configured number of checks. A file that keeps changing is still being
// written and is left for a later scan.
func (s *Service) waitForStability(ctx context.Context, path string) (bool, error) {
	prev, err := os.Stat(path)
	if err != nil {
		return false, err
	}

	for i := 0; i < s.cfg.StabilityCheckRetries; i++ {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-s.stopCh:
			return false, fmt.Errorf("service stopping")
		case <-time.After(s.cfg.StabilityCheckDelay):
		}

		cur, err := os.Stat(path)
		if err != nil {
			return false, err
		}
		if cur.Size() != prev.Size() || !cur.ModTime().Equal(prev.ModTime()) {
			return false, nil
		}
		prev = cur
	}
	return true, nil
}

func (s *Service) supported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range s.cfg.SupportedExtensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

func (s *Service) markerPresent(name string) bool {
	_, err := os.Stat(filepath.Join(s.folders.Upload, name+s.cfg.MarkerSuffix))
	return err == nil
}

func (s *Service) clearInFlight(name string) {
	s.mu.Lock()
	delete(s.inFlight, name)
	s.mu.Unlock()
}

func memberFailures(res *pipeline.ArchiveResult) string {
	var b strings.Builder
	for _, m := range res.Members {
		if m.Failed() {
			fmt.Fprintf(&b, "%s: %s\n", m.FileName, m.Message)
		}
	}
	return b.String()
}
