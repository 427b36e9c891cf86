package resolver_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"

	"rulegate/internal/resolver"
)

// answer builds a response to query using the records in zone.
func answer(t *testing.T, query []byte, zone map[string][]netip.Addr) []byte {
	t.Helper()

	var p dnsmessage.Parser
	hdr, err := p.Start(query)
	require.NoError(t, err)
	q, err := p.Question()
	require.NoError(t, err)

	addrs, ok := zone[q.Name.String()]
	rcode := dnsmessage.RCodeSuccess
	if !ok {
		rcode = dnsmessage.RCodeNameError
	}

	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{ID: hdr.ID, Response: true, RCode: rcode})
	require.NoError(t, b.StartQuestions())
	require.NoError(t, b.Question(q))
	require.NoError(t, b.StartAnswers())
	for _, a := range addrs {
		rh := dnsmessage.ResourceHeader{Name: q.Name, Class: dnsmessage.ClassINET, TTL: 60}
		switch {
		case a.Is4() && q.Type == dnsmessage.TypeA:
			rh.Type = dnsmessage.TypeA
			require.NoError(t, b.AResource(rh, dnsmessage.AResource{A: a.As4()}))
		case a.Is6() && q.Type == dnsmessage.TypeAAAA:
			rh.Type = dnsmessage.TypeAAAA
			require.NoError(t, b.AAAAResource(rh, dnsmessage.AAAAResource{AAAA: a.As16()}))
		}
	}
	msg, err := b.Finish()
	require.NoError(t, err)

	return msg
}

func newDoHServer(t *testing.T, zone map[string][]netip.Addr) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/dns-message" {
			http.Error(w, "bad content type", http.StatusUnsupportedMediaType)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/dns-message")
		_, _ = w.Write(answer(t, body, zone))
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestDoH_LookupNetIP(t *testing.T) {
	t.Parallel()

	srv := newDoHServer(t, map[string][]netip.Addr{
		"dual.test.": {netip.MustParseAddr("192.0.2.10"), netip.MustParseAddr("2001:db8::10")},
		"v4.test.":   {netip.MustParseAddr("192.0.2.20")},
	})

	c, err := resolver.NewDoH(resolver.DoHConfig{ServerURL: srv.URL})
	require.NoError(t, err)

	addrs, err := c.LookupNetIP(context.Background(), "dual.test")
	require.NoError(t, err)
	assert.ElementsMatch(t, []netip.Addr{
		netip.MustParseAddr("192.0.2.10"),
		netip.MustParseAddr("2001:db8::10"),
	}, addrs)

	addrs, err = c.LookupNetIP(context.Background(), "v4.test.")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.0.2.20")}, addrs)

	addrs, err = c.LookupNetIP(context.Background(), "missing.test")
	require.NoError(t, err)
	assert.Empty(t, addrs)
}

func TestDoH_QueryErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := resolver.NewDoH(resolver.DoHConfig{ServerURL: srv.URL})
	require.NoError(t, err)

	_, err = c.LookupNetIP(context.Background(), "a.test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status code: 502")
}

func TestNewDoH_Errors(t *testing.T) {
	t.Parallel()

	_, err := resolver.NewDoH(resolver.DoHConfig{})
	require.Error(t, err)

	_, err = resolver.NewDoH(resolver.DoHConfig{ServerURL: "https://doh.test", CACertData: []byte("not a pem")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CA certificate")

	_, err = resolver.NewDoH(resolver.DoHConfig{ServerURL: "https://doh.test", CACertPath: "/nonexistent/ca.pem"})
	require.Error(t, err)
}

func TestParseAddrs_ServerFailure(t *testing.T) {
	t.Parallel()

	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{Response: true, RCode: dnsmessage.RCodeServerFailure})
	msg, err := b.Finish()
	require.NoError(t, err)

	_, err = resolver.ParseAddrs(msg)
	require.Error(t, err)

	_, err = resolver.ParseAddrs([]byte{0x01})
	require.Error(t, err)
}

func TestBuildQuery(t *testing.T) {
	t.Parallel()

	msg, err := resolver.BuildQuery("example.com", dnsmessage.TypeAAAA)
	require.NoError(t, err)

	var p dnsmessage.Parser
	hdr, err := p.Start(msg)
	require.NoError(t, err)
	assert.True(t, hdr.RecursionDesired)

	q, err := p.Question()
	require.NoError(t, err)
	assert.Equal(t, "example.com.", q.Name.String())
	assert.Equal(t, dnsmessage.TypeAAAA, q.Type)
}
