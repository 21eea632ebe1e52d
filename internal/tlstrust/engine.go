// Package tlstrust layers an interactive trust policy over TLS
// handshakes: certificate chains are walked root to leaf, checked
// against a process-lifetime trust sequence and a user-maintained PEM
// trust file, and anything still unknown is put to the user, who can
// reject, accept once, accept permanently, or (mid-chain) skip.
package tlstrust

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"src.bluestatic.org/popsync/internal/transport"
)

// Config controls one Engine's handshake and trust policy.
type Config struct {
	// Protocol version toggles. SSLv2 and SSLv3 are accepted for config
	// compatibility but ignored at negotiation time; crypto/tls has
	// never implemented either.
	SSLv2, SSLv3     bool
	TLSv1_0, TLSv1_1 bool
	TLSv1_2          bool

	VerifyHost     bool
	VerifyDates    bool
	PartialChains  bool
	Ciphers        string
	ClientCertPath string
	ClientKeyPath  string
	UseSystemCerts bool
	TrustFilePath  string

	// EntropyFile is accepted for config compatibility. crypto/rand is
	// always a CSPRNG, so there is no seed file to feed it.
	EntropyFile string
}

// trustedCert is one entry in the session trust sequence.
type trustedCert struct {
	issuer, subject string
	digest          [32]byte
	cert            *x509.Certificate
}

// Engine is the process-scoped TLS verification engine. A single Engine
// should be shared by every session in the process so that certificates
// accepted once are honored by later handshakes.
type Engine struct {
	cfg       Config
	trustFile *TrustStore
	prompter  Prompter
	log       *zap.Logger

	mu           sync.Mutex
	sessionTrust []trustedCert
}

// Init constructs a new Engine. Called once per process.
func Init(cfg Config, prompter Prompter, log *zap.Logger) (*Engine, error) {
	var ts *TrustStore
	if cfg.TrustFilePath != "" {
		var err error
		ts, err = LoadTrustStore(cfg.TrustFilePath)
		if err != nil {
			return nil, fmt.Errorf("tlstrust: load trust file: %w", err)
		}
	}
	if prompter == nil {
		return nil, fmt.Errorf("tlstrust: a Prompter is required")
	}
	return &Engine{cfg: cfg, trustFile: ts, prompter: prompter, log: log}, nil
}

// Negotiate performs the TLS handshake over conn, whether this is the
// initial connection or a STARTTLS upgrade of an already-open plaintext
// connection; both paths converge here. On success, conn's byte I/O is
// switched to the TLS record layer.
func (e *Engine) Negotiate(ctx context.Context, conn *transport.Conn, hostname string) error {
	tlsCfg := &tls.Config{
		ServerName:         hostname,
		InsecureSkipVerify: true, // we perform verification ourselves, below
		MinVersion:         e.minVersion(),
		MaxVersion:         tls.VersionTLS13,
	}

	if e.cfg.SSLv2 || e.cfg.SSLv3 {
		e.log.Warn("SSLv2/SSLv3 requested but not supported by this TLS stack; ignoring")
	}

	if e.cfg.ClientCertPath != "" {
		cert, err := tls.LoadX509KeyPair(e.cfg.ClientCertPath, e.cfg.ClientKeyPath)
		if err != nil {
			return &TrustError{Reason: "load client certificate", Err: err}
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	tlsCfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		return e.verifyChain(rawCerts, hostname)
	}

	tlsConn := tls.Client(conn.Underlying(), tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		var trustErr *TrustError
		if asTrustError(err, &trustErr) {
			return trustErr
		}
		return &TrustError{Reason: "handshake failed", Err: err}
	}

	conn.UpgradeTLS(tlsConn)
	e.log.Info("TLS negotiated", zap.String("host", hostname), zap.String("version", tlsVersionName(tlsConn.ConnectionState().Version)))
	return nil
}

func (e *Engine) minVersion() uint16 {
	switch {
	case e.cfg.TLSv1_0:
		return tls.VersionTLS10
	case e.cfg.TLSv1_1:
		return tls.VersionTLS11
	case e.cfg.TLSv1_2:
		return tls.VersionTLS12
	default:
		return tls.VersionTLS12
	}
}

// verifyChain applies the per-certificate trust decision to the
// presented chain, root-most first, leaf last. Accepting a certificate
// (by session trust, trust file, or prompt) anchors everything below it;
// skipping one pushes the unverified state down to the next certificate.
func (e *Engine) verifyChain(rawCerts [][]byte, hostname string) error {
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return &TrustError{Reason: "malformed certificate", Err: err}
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return &TrustError{Reason: "server presented no certificate"}
	}

	libraryOK := e.libraryPreverify(certs)
	chainLen := len(certs)
	skip := false

	for depth := chainLen - 1; depth >= 0; depth-- {
		cert := certs[depth]

		if e.sessionContains(cert) {
			// A cert trusted earlier in the process anchors the rest of
			// the chain, the same way accepting it interactively would.
			skip = false
			libraryOK = true
			continue
		}

		if depth == 0 && e.cfg.VerifyHost && !hostnameMatches(hostname, cert) {
			decision, err := e.promptFor(cert, depth, chainLen, false, false,
				fmt.Sprintf("hostname %q does not match certificate", hostname))
			if err != nil {
				return err
			}
			switch decision {
			case DecisionReject:
				return &TrustError{Reason: "hostname mismatch rejected by user"}
			case DecisionAcceptOnce:
				e.appendSessionTrust(cert)
			default:
				return &TrustError{Reason: "invalid decision for hostname mismatch"}
			}
			skip = false
			continue
		}

		if !libraryOK || skip {
			if e.trustFile != nil && e.trustFile.Contains(cert) && certCurrentlyValid(cert) {
				skip = false
				libraryOK = true
				continue
			}

			allowAlways := e.trustFile != nil && certCurrentlyValid(cert)
			allowSkip := e.cfg.PartialChains && depth != 0
			reason := "certificate is not signed by a known authority"
			if skip {
				reason = "a higher certificate in the chain was skipped"
			}

			decision, err := e.promptFor(cert, depth, chainLen, allowAlways, allowSkip, reason)
			if err != nil {
				return err
			}
			switch decision {
			case DecisionReject:
				return &TrustError{Reason: "certificate rejected by user"}
			case DecisionAcceptOnce:
				e.appendSessionTrust(cert)
				skip = false
				libraryOK = true
			case DecisionAcceptAlways:
				e.appendSessionTrust(cert)
				if e.trustFile != nil {
					if err := e.trustFile.Append(cert); err != nil {
						return &IntegrityError{Op: "append trust file", Err: err}
					}
				}
				skip = false
				libraryOK = true
			case DecisionSkip:
				if !allowSkip {
					return &TrustError{Reason: "skip is not permitted here"}
				}
				skip = true
			}
			continue
		}

		// Library-verified, no skip precedent: accept without prompting.
		skip = false
	}

	return nil
}

func (e *Engine) promptFor(cert *x509.Certificate, depth, chainLen int, allowAlways, allowSkip bool, reason string) (Decision, error) {
	info := CertInfo{
		Subject:           dnFields(cert.Subject),
		Issuer:            dnFields(cert.Issuer),
		NotBefore:         cert.NotBefore,
		NotAfter:          cert.NotAfter,
		SHA1Fingerprint:   sha1Fingerprint(cert),
		MD5Fingerprint:    md5Fingerprint(cert),
		Depth:             depth,
		ChainLen:          chainLen,
		AllowAcceptAlways: allowAlways,
		AllowSkip:         allowSkip,
		Reason:            reason,
	}
	return e.prompter.PromptCertificate(info)
}

func (e *Engine) sessionContains(cert *x509.Certificate) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tc := range e.sessionTrust {
		if certsByteEqual(tc.cert, cert) {
			return true
		}
	}
	return false
}

func (e *Engine) appendSessionTrust(cert *x509.Certificate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionTrust = append(e.sessionTrust, trustedCert{
		issuer:  cert.Issuer.String(),
		subject: cert.Subject.String(),
		digest:  sha256Digest(cert),
		cert:    cert,
	})
}

// libraryPreverify approximates the OpenSSL pre-verification result: a
// standard path validation against the configured trust anchors. When
// VerifyDates is disabled the check is pinned to a time within the
// leaf's validity window, since x509.Verify has no flag to ignore
// validity dates outright.
func (e *Engine) libraryPreverify(certs []*x509.Certificate) bool {
	if !e.cfg.UseSystemCerts {
		return false
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		return false
	}

	leaf := certs[0]
	now := time.Now()
	if !e.cfg.VerifyDates {
		now = leaf.NotBefore.Add(time.Second)
	}

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}

	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:         pool,
		Intermediates: intermediates,
		CurrentTime:   now,
	})
	return err == nil
}

func certCurrentlyValid(cert *x509.Certificate) bool {
	now := time.Now()
	return !now.Before(cert.NotBefore) && !now.After(cert.NotAfter)
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "TLS1.0"
	case tls.VersionTLS11:
		return "TLS1.1"
	case tls.VersionTLS12:
		return "TLS1.2"
	case tls.VersionTLS13:
		return "TLS1.3"
	default:
		return fmt.Sprintf("0x%04x", v)
	}
}
