package main

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// keypairWatcher serves the TLS certificate and hot-reloads it when the
// files on disk change, so certificate rotation needs no restart.
type keypairWatcher struct {
	certFile string
	keyFile  string
	log      *slog.Logger
	watcher  *fsnotify.Watcher

	mu   sync.RWMutex
	cert *tls.Certificate
}

func newKeypairWatcher(certFile, keyFile string, log *slog.Logger) (*keypairWatcher, error) {
	w := &keypairWatcher{certFile: certFile, keyFile: keyFile, log: log}
	if err := w.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tls watcher: %w", err)
	}
	w.watcher = watcher
	// Watch the directories, not the files: rotation tooling typically
	// replaces certs via rename, which drops per-file watches.
	dirs := map[string]struct{}{
		filepath.Dir(certFile): {},
		filepath.Dir(keyFile):  {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("tls watcher: watch %s: %w", dir, err)
		}
	}
	go w.loop()
	return w, nil
}

func (w *keypairWatcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.certFile && ev.Name != w.keyFile {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if err := w.reload(); err != nil {
				// Keep serving the previous keypair on a bad reload.
				w.log.Error("tls keypair reload failed", "error", err)
				continue
			}
			w.log.Info("tls keypair reloaded", "cert", w.certFile)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("tls watcher error", "error", err)
		}
	}
}

func (w *keypairWatcher) reload() error {
	cert, err := tls.LoadX509KeyPair(w.certFile, w.keyFile)
	if err != nil {
		return fmt.Errorf("load keypair: %w", err)
	}
	w.mu.Lock()
	w.cert = &cert
	w.mu.Unlock()
	return nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (w *keypairWatcher) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cert, nil
}

func (w *keypairWatcher) Close() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
