package bootimage

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// VerifyResult is what the Stager reports for each file it verifies.
type VerifyResult struct {
	Path  string
	Image *StagedImage
	Err   error
}

// Stager watches a staging directory and verifies every image dropped
// into it, reporting results on Results(). It is offline artifact
// verification, not boot bring-up: the images it watches are handed to
// the boot collaborator only after passing here.
type Stager struct {
	watcher *fsnotify.Watcher
	keyring Keyring
	logger  *logrus.Entry

	mu        sync.Mutex
	prevStage StageID

	results chan VerifyResult
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewStager watches dir for newly created or written files, verifying
// each against keyring with a stage sequence that starts at initialStage.
func NewStager(dir string, keyring Keyring, initialStage StageID, logger *logrus.Logger) (*Stager, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Stager{
		watcher:   w,
		keyring:   keyring,
		logger:    logger.WithField("component", "bootimage.stager"),
		prevStage: initialStage,
		results:   make(chan VerifyResult, 16),
		ctx:       ctx,
		cancel:    cancel,
	}
	go s.run()
	return s, nil
}

// Results is the channel the caller drains for one VerifyResult per
// staged file that was created or written.
func (s *Stager) Results() <-chan VerifyResult {
	return s.results
}

// Close stops the watcher and its background goroutine.
func (s *Stager) Close() error {
	s.cancel()
	return s.watcher.Close()
}

func (s *Stager) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			s.verifyFile(ev.Name)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.WithError(err).Warn("fsnotify watcher error")
		}
	}
}

func (s *Stager) verifyFile(path string) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		s.results <- VerifyResult{Path: path, Err: err}
		return
	}

	img, err := Parse(data)
	if err != nil {
		s.results <- VerifyResult{Path: path, Err: err}
		return
	}

	s.mu.Lock()
	prev := s.prevStage
	s.mu.Unlock()

	if err := Verify(img, s.keyring, prev); err != nil {
		s.logger.WithFields(logrus.Fields{"path": path, "stage": img.Header.StageID}).
			WithError(err).Warn("staged image failed verification")
		s.results <- VerifyResult{Path: path, Image: img, Err: err}
		return
	}

	s.mu.Lock()
	s.prevStage = img.Header.StageID
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"path": path, "stage": img.Header.StageID}).Info("staged image verified")
	s.results <- VerifyResult{Path: path, Image: img}
}
