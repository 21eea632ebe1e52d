package tlstrust

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
)

// Decision is the user's answer at the interactive certificate prompt.
type Decision int

const (
	DecisionReject Decision = iota
	DecisionAcceptOnce
	DecisionAcceptAlways
	DecisionSkip
)

// CertInfo is everything the prompt needs to show about one certificate
// in the chain.
type CertInfo struct {
	Subject, Issuer     DNFields
	NotBefore, NotAfter time.Time
	SHA1Fingerprint     string
	MD5Fingerprint      string
	Depth, ChainLen     int
	AllowAcceptAlways   bool
	AllowSkip           bool
	Reason              string
}

// Prompter presents a certificate to the user and returns their
// decision. A richer terminal UI supplies its own implementation; the
// engine only depends on this interface.
type Prompter interface {
	PromptCertificate(info CertInfo) (Decision, error)
}

// CLIPrompter is a minimal default Prompter reading from an io.Reader and
// writing to an io.Writer, in the absence of a richer terminal UI
// collaborator.
type CLIPrompter struct {
	In  io.Reader
	Out io.Writer
}

func (p CLIPrompter) PromptCertificate(info CertInfo) (Decision, error) {
	w := p.Out
	fmt.Fprintf(w, "certificate %d of %d in chain\n", info.ChainLen-info.Depth, info.ChainLen)
	fmt.Fprintf(w, "  subject: CN=%s, emailAddress=%s, O=%s, OU=%s, L=%s, ST=%s, C=%s\n",
		info.Subject.CN, info.Subject.EmailAddress, info.Subject.O, info.Subject.OU,
		info.Subject.L, info.Subject.ST, info.Subject.C)
	fmt.Fprintf(w, "  issuer:  CN=%s, emailAddress=%s, O=%s, OU=%s, L=%s, ST=%s, C=%s\n",
		info.Issuer.CN, info.Issuer.EmailAddress, info.Issuer.O, info.Issuer.OU,
		info.Issuer.L, info.Issuer.ST, info.Issuer.C)
	fmt.Fprintf(w, "  valid:   %s to %s\n", info.NotBefore.Format(time.RFC1123), info.NotAfter.Format(time.RFC1123))
	fmt.Fprintf(w, "  sha1:    %s\n", info.SHA1Fingerprint)
	fmt.Fprintf(w, "  md5:     %s\n", info.MD5Fingerprint)
	if info.Reason != "" {
		fmt.Fprintf(w, "  reason:  %s\n", info.Reason)
	}

	choices := "(r)eject, accept (o)nce"
	if info.AllowAcceptAlways {
		choices += ", (a)ccept always"
	}
	if info.AllowSkip {
		choices += ", (s)kip"
	}
	fmt.Fprintf(w, "%s? ", choices)

	reader := bufio.NewReader(p.In)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return DecisionReject, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "r", "reject":
			return DecisionReject, nil
		case "o", "once":
			return DecisionAcceptOnce, nil
		case "a", "always":
			if info.AllowAcceptAlways {
				return DecisionAcceptAlways, nil
			}
		case "s", "skip":
			if info.AllowSkip {
				return DecisionSkip, nil
			}
		}
		fmt.Fprintf(w, "please answer %s: ", choices)
	}
}
