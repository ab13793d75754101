// Package certwatch serves a TLS key pair from disk and reloads it when the
// files change, so that the API certificate can be renewed without a
// restart.
package certwatch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

const (
	errAddWatcher      = "certwatch: error adding path to watcher"
	errCreateWatcher   = "certwatch: error creating watcher"
	errLoadCertificate = "certwatch: error loading certificate"
)

// Watcher holds the current certificate
type Watcher struct {
	certPath string
	keyPath  string
	logger   hclog.Logger

	mu   sync.RWMutex
	cert *tls.Certificate
}

// New loads the key pair. It fails when the files cannot be loaded.
func New(certPath, keyPath string, logger hclog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	w := &Watcher{certPath: certPath, keyPath: keyPath, logger: logger}
	if err := w.reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// GetCertificate is a tls.Config.GetCertificate callback
func (w *Watcher) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cert, nil
}

// Run reloads the key pair on every change of the watched files until ctx
// is done. The directories are watched rather than the files so that
// replacements by rename are seen too. A failed reload keeps the previous
// certificate.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, errCreateWatcher)
	}
	defer watcher.Close()

	dirs := map[string]bool{filepath.Dir(w.certPath): true, filepath.Dir(w.keyPath): true}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return errors.Wrap(err, errAddWatcher)
		}
	}

	watched := map[string]bool{filepath.Clean(w.certPath): true, filepath.Clean(w.keyPath): true}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !watched[filepath.Clean(event.Name)] || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.reload(); err != nil {
				w.logger.Warn("keeping previous TLS certificate", "error", err)
				continue
			}
			w.logger.Info("reloaded TLS certificate", "path", w.certPath)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("TLS certificate watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() error {
	certificate, err := tls.LoadX509KeyPair(w.certPath, w.keyPath)
	if err != nil {
		return errors.Wrap(err, errLoadCertificate)
	}
	leaf, err := x509.ParseCertificate(certificate.Certificate[0])
	if err != nil {
		return errors.Wrap(err, errLoadCertificate)
	}
	certificate.Leaf = leaf

	w.mu.Lock()
	w.cert = &certificate
	w.mu.Unlock()
	return nil
}
