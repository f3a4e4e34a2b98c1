package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Brownie44l1/medvision-api/internal/database"
	"github.com/Brownie44l1/medvision-api/internal/upload"

	log "github.com/sirupsen/logrus"
)

// StaleUploadAge is how old a staged upload must be before the sweeper treats
// it as left behind by a crashed request. Files without the staging prefix are
// never touched.
const StaleUploadAge = time.Hour

// Service periodically prunes analysis history and stale uploads.
type Service struct {
	store         *database.Store
	retentionDays int
	uploadDir     string
	checkInterval time.Duration

	started  bool
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewService returns nil when there is nothing to clean.
func NewService(store *database.Store, retentionDays int, uploadDir string, checkInterval time.Duration) *Service {
	if (!store.Enabled() || retentionDays <= 0) && uploadDir == "" {
		log.Info("Automatic cleanup disabled")
		return nil
	}
	if checkInterval <= 0 {
		checkInterval = 24 * time.Hour
	}
	log.Infof("Initializing cleanup service: RetentionDays=%d, UploadDir='%s', CheckInterval=%s", retentionDays, uploadDir, checkInterval)
	return &Service{
		store:         store,
		retentionDays: retentionDays,
		uploadDir:     uploadDir,
		checkInterval: checkInterval,
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start runs one cycle immediately and then one per check interval until Stop
// is called or ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	if s == nil {
		return
	}
	log.Info("Starting background cleanup routine...")
	s.started = true

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.checkInterval)
		defer ticker.Stop()

		s.RunCycle(time.Now())
		for {
			select {
			case now := <-ticker.C:
				s.RunCycle(now)
			case <-s.stopChan:
				log.Info("Stopping background cleanup routine.")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the background routine and waits for it to exit.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stopChan) })
	if s.started {
		<-s.done
	}
}

// RunCycle performs one cleanup pass as of now.
func (s *Service) RunCycle(now time.Time) {
	if s == nil {
		return
	}

	if s.store.Enabled() && s.retentionDays > 0 {
		cutoff := now.AddDate(0, 0, -s.retentionDays)
		n, err := s.store.DeleteOlderThan(cutoff)
		if err != nil {
			log.WithError(err).Error("Cleanup: failed to delete old analyses")
		} else if n > 0 {
			log.Infof("Cleanup: deleted %d analyses older than %s", n, cutoff.Format(time.RFC3339))
		}
	}

	if s.uploadDir != "" {
		s.sweepUploads(now)
	}
}

func (s *Service) sweepUploads(now time.Time) {
	entries, err := os.ReadDir(s.uploadDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warn("Cleanup: failed to read upload directory")
		}
		return
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !upload.IsStaged(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < StaleUploadAge {
			continue
		}
		upload.Remove(filepath.Join(s.uploadDir, e.Name()))
		removed++
	}
	if removed > 0 {
		log.Infof("Cleanup: removed %d stale uploads", removed)
	}
}
