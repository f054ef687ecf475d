package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrClosed is returned by a KeyPair after Close.
var ErrClosed = errors.New("key pair is closed")

const reloadDelay = 100 * time.Millisecond

// KeyPair serves one certificate to a tls.Config and swaps it in place when the files change.
// A failed reload keeps the previous certificate.
type KeyPair struct {
	certFile string
	keyFile  string
	logger   *slog.Logger

	mu      sync.RWMutex
	cert    *tls.Certificate
	watcher *fsnotify.Watcher
	closed  bool
	done    chan struct{}
}

// LoadKeyPair reads and validates the pair at certFile and keyFile.
func LoadKeyPair(certFile, keyFile string, logger *slog.Logger) (*KeyPair, error) {
	if strings.TrimSpace(certFile) == "" {
		return nil, errors.New("cert_file is required")
	}
	if strings.TrimSpace(keyFile) == "" {
		return nil, errors.New("key_file is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	kp := &KeyPair{
		certFile: filepath.Clean(certFile),
		keyFile:  filepath.Clean(keyFile),
		logger:   logger,
	}
	cert, err := kp.load()
	if err != nil {
		return nil, err
	}
	kp.cert = cert
	return kp, nil
}

func (kp *KeyPair) load() (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(kp.certFile, kp.keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair %s, %s: %w", kp.certFile, kp.keyFile, err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse certificate %s: %w", kp.certFile, err)
	}
	now := time.Now()
	if now.After(leaf.NotAfter) {
		return nil, fmt.Errorf("certificate %s expired at %s", kp.certFile, leaf.NotAfter.Format(time.RFC3339))
	}
	if now.Before(leaf.NotBefore) {
		return nil, fmt.Errorf("certificate %s not valid before %s", kp.certFile, leaf.NotBefore.Format(time.RFC3339))
	}
	cert.Leaf = leaf

	kp.logger.Info("Certificate loaded",
		"cert_file", kp.certFile,
		"subject", leaf.Subject.String(),
		"dns_names", leaf.DNSNames,
		"not_after", leaf.NotAfter)
	return &cert, nil
}

// Certificate returns the certificate currently served.
func (kp *KeyPair) Certificate() *tls.Certificate {
	kp.mu.RLock()
	defer kp.mu.RUnlock()
	return kp.cert
}

// GetCertificate is suitable for tls.Config.GetCertificate.
func (kp *KeyPair) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return kp.Certificate(), nil
}

// Reload reads the files again. On failure the previous certificate stays in use.
func (kp *KeyPair) Reload() error {
	kp.mu.RLock()
	closed := kp.closed
	kp.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	cert, err := kp.load()
	if err != nil {
		return err
	}
	kp.mu.Lock()
	kp.cert = cert
	kp.mu.Unlock()
	return nil
}

// Watch reloads the pair whenever either file is written or replaced. onReload, when set, is
// called after every attempt with its error.
func (kp *KeyPair) Watch(onReload func(error)) error {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	if kp.closed {
		return ErrClosed
	}
	if kp.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Directories are watched so that files replaced by rename are still seen.
	dirs := map[string]bool{filepath.Dir(kp.certFile): true, filepath.Dir(kp.keyFile): true}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %q: %w", dir, err)
		}
	}

	kp.watcher = watcher
	kp.done = make(chan struct{})
	go kp.watchLoop(watcher, onReload)
	kp.logger.Info("Started watching certificate files", "cert_file", kp.certFile, "key_file", kp.keyFile)
	return nil
}

func (kp *KeyPair) watchLoop(watcher *fsnotify.Watcher, onReload func(error)) {
	defer close(kp.done)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			name := filepath.Clean(event.Name)
			if name != kp.certFile && name != kp.keyFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			kp.logger.Debug("Certificate file changed", "file", event.Name, "operation", event.Op.String())

			// Cert and key are usually written back to back; reload once both settle.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				err := kp.Reload()
				if err != nil && !errors.Is(err, ErrClosed) {
					kp.logger.Error("Failed to reload certificate after file change", "error", err)
				}
				if onReload != nil {
					onReload(err)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			kp.logger.Error("Certificate file watcher error", "error", err)
		}
	}
}

// Close stops watching. The last certificate remains readable.
func (kp *KeyPair) Close() error {
	kp.mu.Lock()
	if kp.closed {
		kp.mu.Unlock()
		return nil
	}
	kp.closed = true
	watcher, done := kp.watcher, kp.done
	kp.mu.Unlock()

	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return err
}
