package pop3

import (
	"io"
	"net/mail"
)

// DefaultEnvelopeParser parses envelopes with net/mail. It is the default
// EnvelopeParser; callers with richer MIME/charset needs supply their own.
type DefaultEnvelopeParser struct{}

func (DefaultEnvelopeParser) Parse(r io.Reader) (*Envelope, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return nil, err
	}
	h := msg.Header
	env := &Envelope{
		MessageID: h.Get("Message-Id"),
		Subject:   h.Get("Subject"),
		From:      h.Get("From"),
	}
	if d, err := h.Date(); err == nil {
		env.Date = d
	}
	if addrs, err := h.AddressList("To"); err == nil {
		for _, a := range addrs {
			env.To = append(env.To, a.Address)
		}
	}
	return env, nil
}
