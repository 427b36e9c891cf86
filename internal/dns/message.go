package dns

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/dns/dnsmessage"
)

var ErrNotQuery = errors.New("message is not a query")

// ParseQuery returns the first question's name, without the trailing dot,
// and type.
func ParseQuery(msg []byte) (string, dnsmessage.Type, error) {
	var p dnsmessage.Parser
	hdr, err := p.Start(msg)
	if err != nil {
		return "", 0, fmt.Errorf("parse header: %w", err)
	}
	if hdr.Response {
		return "", 0, ErrNotQuery
	}

	q, err := p.Question()
	if err != nil {
		return "", 0, fmt.Errorf("parse question: %w", err)
	}

	return strings.TrimSuffix(q.Name.String(), "."), q.Type, nil
}

// TypeName returns "A" for dnsmessage.TypeA and so on.
func TypeName(t dnsmessage.Type) string {
	return strings.TrimPrefix(t.String(), "Type")
}

// NXDomain builds a name-error response to query.
func NXDomain(query []byte) ([]byte, error) {
	return reply(query, dnsmessage.RCodeNameError)
}

// Refused builds a refused response to query.
func Refused(query []byte) ([]byte, error) {
	return reply(query, dnsmessage.RCodeRefused)
}

func reply(query []byte, rcode dnsmessage.RCode) ([]byte, error) {
	var p dnsmessage.Parser
	hdr, err := p.Start(query)
	if err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	questions, err := p.AllQuestions()
	if err != nil {
		return nil, fmt.Errorf("parse questions: %w", err)
	}

	b := dnsmessage.NewBuilder(make([]byte, 0, 512), dnsmessage.Header{
		ID:                 hdr.ID,
		Response:           true,
		OpCode:             hdr.OpCode,
		RecursionDesired:   hdr.RecursionDesired,
		RecursionAvailable: true,
		RCode:              rcode,
	})
	b.EnableCompression()
	if err := b.StartQuestions(); err != nil {
		return nil, fmt.Errorf("build response: %w", err)
	}
	for _, q := range questions {
		if err := b.Question(q); err != nil {
			return nil, fmt.Errorf("build response: %w", err)
		}
	}

	msg, err := b.Finish()
	if err != nil {
		return nil, fmt.Errorf("build response: %w", err)
	}

	return msg, nil
}
