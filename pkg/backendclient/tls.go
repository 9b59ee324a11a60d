package backendclient

import (
	"crypto/tls"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// keypairReloader serves a client certificate that is reloaded from disk on
// SIGHUP.
type keypairReloader struct {
	certMu   sync.RWMutex
	cert     *tls.Certificate
	certPath string
	keyPath  string
	logger   *logrus.Entry
}

func newKeypairReloader(certPath, keyPath string, logger *logrus.Entry) (*keypairReloader, error) {
	result := &keypairReloader{
		certPath: certPath,
		keyPath:  keyPath,
		logger:   logger,
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}

	result.cert = &cert

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGHUP)

		for range c {
			logger.Infof("Received SIGHUP, reloading TLS client certificate and key from %q and %q", certPath, keyPath)

			if err := result.maybeReload(); err != nil {
				logger.Errorf("Keeping old TLS client certificate because the new one could not be loaded: %v", err)
			}
		}
	}()

	return result, nil
}

func (kpr *keypairReloader) maybeReload() error {
	newCert, err := tls.LoadX509KeyPair(kpr.certPath, kpr.keyPath)
	if err != nil {
		return err
	}

	kpr.certMu.Lock()
	defer kpr.certMu.Unlock()

	kpr.cert = &newCert

	return nil
}

func (kpr *keypairReloader) getClientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	kpr.certMu.RLock()
	defer kpr.certMu.RUnlock()

	return kpr.cert, nil
}

// TLSConfig builds the client TLS settings for the backend connections.
// With certPath and keyPath set, a client certificate is presented.
func TLSConfig(certPath, keyPath string, insecure bool, logger *logrus.Entry) (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: insecure, //nolint:gosec
		MinVersion:         tls.VersionTLS12,
	}

	if certPath == "" || keyPath == "" {
		return cfg, nil
	}

	kpr, err := newKeypairReloader(certPath, keyPath, logger)
	if err != nil {
		return nil, err
	}

	cfg.GetClientCertificate = kpr.getClientCertificate

	return cfg, nil
}
