package tlstrust

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"sync"
	"time"
)

// TrustStore is the user-maintained PEM bundle of explicitly accepted
// certificates. Certificates past their not-after or before their
// not-before are silently filtered on load, since an expired entry would
// poison the verifier. Additions are append-only.
type TrustStore struct {
	mu    sync.Mutex
	path  string
	certs []*x509.Certificate
}

// LoadTrustStore reads path, which need not exist yet (a fresh trust
// store is created on first Append).
func LoadTrustStore(path string) (*TrustStore, error) {
	ts := &TrustStore{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ts, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			continue
		}
		ts.certs = append(ts.certs, cert)
	}
	return ts, nil
}

// Contains reports whether cert is byte-equal to one in the store. Dates
// are not checked here: entries loaded from the file were filtered by
// date at load time, and entries added by Append are not filtered.
func (ts *TrustStore) Contains(cert *x509.Certificate) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.certs {
		if c.Equal(cert) {
			return true
		}
	}
	return false
}

// Append encodes cert as PEM and appends it to the trust file.
func (ts *TrustStore) Append(cert *x509.Certificate) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	f, err := os.OpenFile(ts.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
		return err
	}
	ts.certs = append(ts.certs, cert)
	return nil
}
