package tlstrust

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"strings"
)

// DNFields is the subset of a Distinguished Name the interactive prompt
// shows.
type DNFields struct {
	CN, EmailAddress, O, OU, L, ST, C string
}

func dnFields(name pkix.Name) DNFields {
	f := DNFields{
		CN: name.CommonName,
		O:  firstOrEmpty(name.Organization),
		OU: firstOrEmpty(name.OrganizationalUnit),
		L:  firstOrEmpty(name.Locality),
		ST: firstOrEmpty(name.Province),
		C:  firstOrEmpty(name.Country),
	}
	for _, n := range name.Names {
		if n.Type.Equal(oidEmailAddress) {
			if s, ok := n.Value.(string); ok {
				f.EmailAddress = s
			}
		}
	}
	return f
}

var oidEmailAddress = []int{1, 2, 840, 113549, 1, 9, 1}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

func sha256Digest(cert *x509.Certificate) [32]byte {
	return sha256.Sum256(cert.Raw)
}

func sha1Fingerprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return formatFingerprint(sum[:])
}

func md5Fingerprint(cert *x509.Certificate) string {
	sum := md5.Sum(cert.Raw)
	return formatFingerprint(sum[:])
}

func formatFingerprint(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = hex.EncodeToString([]byte{v})
	}
	return strings.ToUpper(strings.Join(parts, ":"))
}

// certsByteEqual compares issuer name + subject name + SHA-256 digest.
// crypto/x509's Equal only compares raw DER; the named comparison keeps
// the matching rule visible at the call site.
func certsByteEqual(a, b *x509.Certificate) bool {
	return a.Issuer.String() == b.Issuer.String() &&
		a.Subject.String() == b.Subject.String() &&
		sha256Digest(a) == sha256Digest(b)
}
