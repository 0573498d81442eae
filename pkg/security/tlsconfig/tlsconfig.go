// Package tlsconfig builds mutual TLS configurations for the management API.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sync"
    "time"
)

// ErrMissingKeyPair is returned when a server config is requested without a
// certificate and key.
var ErrMissingKeyPair = errors.New("tls: server cert/key required when TLS enabled")

// reloadTTL bounds how long a loaded certificate is reused before the files
// are read again.
const reloadTTL = 10 * time.Second

// Options defines mTLS configuration inputs. The env tags are read with the
// SAFEMODE_ prefix by the config package.
type Options struct {
    Enable             bool   `env:"TLS_ENABLE"`
    CAFile             string `env:"TLS_CA_FILE"`
    CertFile           string `env:"TLS_CERT_FILE"`
    KeyFile            string `env:"TLS_KEY_FILE"`
    InsecureSkipVerify bool   `env:"TLS_SKIP_VERIFY"`
    ServerName         string `env:"TLS_SERVER_NAME"`
}

func (o Options) Validate() error {
    if !o.Enable { return nil }
    if (o.CertFile == "") != (o.KeyFile == "") {
        return fmt.Errorf("tls: cert and key must be set together")
    }
    return nil
}

// Server returns a tls.Config for the management server, or nil when TLS is
// disabled. With a CA file, client certificates are required and verified.
// The key pair is reloaded from disk on handshake so rotated certificates
// take effect without a restart.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" { return nil, ErrMissingKeyPair }
    // Fail fast on an unreadable pair.
    if _, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile); err != nil { return nil, err }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    kp := &keyPair{cert: o.CertFile, key: o.KeyFile}
    cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return kp.load() }
    return cfg, nil
}

// Client returns a tls.Config for management clients, or nil when TLS is
// disabled. The client certificate is optional.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
    if o.ServerName != "" { cfg.ServerName = o.ServerName }
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    if o.CertFile != "" && o.KeyFile != "" {
        if _, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile); err != nil { return nil, err }
        kp := &keyPair{cert: o.CertFile, key: o.KeyFile}
        cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return kp.load() }
    }
    return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
    ca, err := os.ReadFile(path)
    if err != nil { return nil, err }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(ca) { return nil, fmt.Errorf("tls: no certificates in %s", path) }
    return pool, nil
}

// keyPair caches a certificate loaded from disk for reloadTTL.
type keyPair struct {
    cert, key string

    mu     sync.RWMutex
    cached *tls.Certificate
    loaded time.Time
}

func (k *keyPair) load() (*tls.Certificate, error) {
    k.mu.RLock()
    if k.cached != nil && time.Since(k.loaded) < reloadTTL {
        c := k.cached
        k.mu.RUnlock()
        return c, nil
    }
    k.mu.RUnlock()
    cert, err := tls.LoadX509KeyPair(k.cert, k.key)
    if err != nil { return nil, err }
    k.mu.Lock()
    k.cached, k.loaded = &cert, time.Now()
    k.mu.Unlock()
    return &cert, nil
}
