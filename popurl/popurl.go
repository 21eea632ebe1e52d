// Package popurl parses pop:// and pops:// URLs into a pop3.Account.
package popurl

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"

	"src.bluestatic.org/popsync/pop3"
)

// Parse parses a URL of the form pop[s]://[user[:pass]@]host[:port][/],
// defaulting the port to 110 for pop and 995 for pops and discarding any
// path component. The scheme determines TLSMode: pops implies
// TLSImplicit, pop implies TLSNone (STARTTLS must be requested
// separately by setting the returned Account's TLSMode to TLSStartTLS,
// since the URL form has no way to express it).
func Parse(raw string) (pop3.Account, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return pop3.Account{}, fmt.Errorf("popurl: %w", err)
	}

	var defaultPort int
	var mode pop3.TLSMode
	switch u.Scheme {
	case "pop":
		defaultPort = 110
		mode = pop3.TLSNone
	case "pops":
		defaultPort = 995
		mode = pop3.TLSImplicit
	default:
		return pop3.Account{}, fmt.Errorf("popurl: unsupported scheme %q", u.Scheme)
	}

	if u.Host == "" {
		return pop3.Account{}, fmt.Errorf("popurl: missing host in %q", raw)
	}

	host := u.Hostname()
	port := defaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return pop3.Account{}, fmt.Errorf("popurl: invalid port %q: %w", p, err)
		}
	}

	account := pop3.Account{
		Host:    host,
		Port:    port,
		TLSMode: mode,
	}
	if u.User != nil {
		account.User = u.User.Username()
		if pass, ok := u.User.Password(); ok {
			account.Password = pass
		}
	}
	return account, nil
}

// HeaderCachePath returns the conventional header-cache location for
// account under root: one directory per scheme/user/host/port
// combination, holding a "neomutt.hcache" file. Accounts that differ in
// any of those four parts never share a cache file.
func HeaderCachePath(root string, a pop3.Account) string {
	scheme := "pop"
	if a.TLSMode == pop3.TLSImplicit {
		scheme = "pops"
	}
	dir := fmt.Sprintf("%s.%s.%s.%d", scheme, a.User, a.Host, a.Port)
	return filepath.Join(root, dir, "neomutt.hcache")
}
