// Package tlsutil serves a TLS key pair that is reloaded when its files change on disk
package tlsutil

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

type KeyPairReloader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger
	debounce time.Duration

	mu   sync.RWMutex
	cert *tls.Certificate
}

// NewKeyPairReloader loads the key pair once, failing when it cannot be read
func NewKeyPairReloader(certFile, keyFile string, logger *slog.Logger) (*KeyPairReloader, error) {
	r := &KeyPairReloader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
		debounce: defaultDebounce,
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload reads the key pair from disk. The previous pair stays in use when it fails.
func (r *KeyPairReloader) Reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("load key pair %s, %s: %w", r.certFile, r.keyFile, err)
	}
	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()
	return nil
}

func (r *KeyPairReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

func (r *KeyPairReloader) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: r.GetCertificate,
	}
}

// Watch reloads the key pair on changes until ctx is done. Directories are watched rather than the files
// so that replacements by rename are seen.
func (r *KeyPairReloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := map[string]struct{}{filepath.Dir(r.certFile): {}, filepath.Dir(r.keyFile): {}}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	go r.run(ctx, watcher)
	return nil
}

func (r *KeyPairReloader) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() { _ = watcher.Close() }()

	certName, keyName := filepath.Clean(r.certFile), filepath.Clean(r.keyFile)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			name := filepath.Clean(event.Name)
			if name != certName && name != keyName {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(r.debounce, func() {
				if err := r.Reload(); err != nil {
					r.logger.Error("Failed to reload TLS key pair", "error", err)
					return
				}
				r.logger.Info("Reloaded TLS key pair", "cert", r.certFile)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("fsnotify error", "error", err)
		}
	}
}
