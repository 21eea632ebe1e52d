package tlstrust

import (
	"crypto/x509"
	"strings"

	"golang.org/x/net/idna"
)

// hostnameMatches checks the SAN dNSName entries first, then the subject
// Common Name, with the single-label wildcard rule and case-insensitive
// ASCII/IDNA comparison.
func hostnameMatches(hostname string, cert *x509.Certificate) bool {
	asciiHost := toASCIILower(hostname)

	for _, san := range cert.DNSNames {
		if wildcardMatch(toASCIILower(san), asciiHost) {
			return true
		}
	}
	if cn := cert.Subject.CommonName; cn != "" {
		if wildcardMatch(toASCIILower(cn), asciiHost) {
			return true
		}
	}
	return false
}

func toASCIILower(host string) string {
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		ascii = host
	}
	return strings.ToLower(ascii)
}

// wildcardMatch applies the "*.example.com matches foo.example.com but
// not a.b.example.com and not example.com" rule: a leading "*." matches
// exactly one label.
func wildcardMatch(pattern, host string) bool {
	if !strings.HasPrefix(pattern, "*.") {
		return pattern == host
	}

	suffix := pattern[1:] // ".example.com"
	i := strings.IndexByte(host, '.')
	if i < 0 {
		return false
	}
	label, domain := host[:i], host[i:]
	if label == "" {
		return false
	}
	return domain == suffix
}
