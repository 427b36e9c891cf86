package dns_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"

	"rulegate/internal/dns"
)

func buildQuery(t *testing.T, name string, qtype dnsmessage.Type) []byte {
	t.Helper()

	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{ID: 0xbeef, RecursionDesired: true})
	require.NoError(t, b.StartQuestions())
	require.NoError(t, b.Question(dnsmessage.Question{
		Name:  dnsmessage.MustNewName(name + "."),
		Type:  qtype,
		Class: dnsmessage.ClassINET,
	}))
	msg, err := b.Finish()
	require.NoError(t, err)

	return msg
}

func parseResponse(t *testing.T, msg []byte) dnsmessage.Message {
	t.Helper()

	var m dnsmessage.Message
	require.NoError(t, m.Unpack(msg))

	return m
}

func TestParseQuery(t *testing.T) {
	t.Parallel()

	name, qtype, err := dns.ParseQuery(buildQuery(t, "www.example.com", dnsmessage.TypeAAAA))
	require.NoError(t, err)
	assert.Equal(t, "www.example.com", name)
	assert.Equal(t, dnsmessage.TypeAAAA, qtype)
	assert.Equal(t, "AAAA", dns.TypeName(qtype))
}

func TestParseQuery_Invalid(t *testing.T) {
	t.Parallel()

	_, _, err := dns.ParseQuery([]byte{0x01, 0x02})
	require.Error(t, err)

	nx, err := dns.NXDomain(buildQuery(t, "example.com", dnsmessage.TypeA))
	require.NoError(t, err)
	_, _, err = dns.ParseQuery(nx)
	require.ErrorIs(t, err, dns.ErrNotQuery)
}

func TestReplies(t *testing.T) {
	t.Parallel()

	query := buildQuery(t, "blocked.example.com", dnsmessage.TypeA)

	tests := map[string]struct {
		build func([]byte) ([]byte, error)
		rcode dnsmessage.RCode
	}{
		"nxdomain": {build: dns.NXDomain, rcode: dnsmessage.RCodeNameError},
		"refused":  {build: dns.Refused, rcode: dnsmessage.RCodeRefused},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			resp, err := tt.build(query)
			require.NoError(t, err)

			m := parseResponse(t, resp)
			assert.True(t, m.Header.Response)
			assert.Equal(t, uint16(0xbeef), m.Header.ID)
			assert.True(t, m.Header.RecursionDesired)
			assert.Equal(t, tt.rcode, m.Header.RCode)
			require.Len(t, m.Questions, 1)
			assert.Equal(t, "blocked.example.com.", m.Questions[0].Name.String())
			assert.Empty(t, m.Answers)
		})
	}
}

func TestTCPMessage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, dns.WriteTCPMessage(&buf, []byte("hello")))
	assert.Equal(t, []byte{0, 5, 'h', 'e', 'l', 'l', 'o'}, buf.Bytes())

	msg, err := dns.ReadTCPMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), msg)

	_, err = dns.ReadTCPMessage(bytes.NewReader([]byte{0, 9, 'x'}))
	require.Error(t, err)

	require.Error(t, dns.WriteTCPMessage(&buf, make([]byte, 70000)))
}
