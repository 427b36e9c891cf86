package dns_test

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"rulegate/internal/dns"
	"rulegate/pkg/rule"
	"rulegate/pkg/rules"
	"rulegate/pkg/runloop"
	"rulegate/pkg/session"
)

var (
	upstreamAddr = netip.MustParseAddr("192.0.2.1")
	dohAddr      = netip.MustParseAddr("192.0.2.2")
	clientSource = netip.MustParseAddrPort("10.0.0.7:5353")
)

// answerWith returns a NOERROR response to query with one A record.
func answerWith(query []byte, addr netip.Addr) []byte {
	var p dnsmessage.Parser
	hdr, err := p.Start(query)
	if err != nil {
		return nil
	}
	q, err := p.Question()
	if err != nil {
		return nil
	}

	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{ID: hdr.ID, Response: true})
	_ = b.StartQuestions()
	_ = b.Question(q)
	_ = b.StartAnswers()
	_ = b.AResource(
		dnsmessage.ResourceHeader{Name: q.Name, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET, TTL: 30},
		dnsmessage.AResource{A: addr.As4()},
	)
	msg, _ := b.Finish()

	return msg
}

// startUpstream runs a UDP and a TCP DNS server on the same port that answer
// every query with upstreamAddr.
func startUpstream(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	ln, err := net.Listen("tcp", pc.LocalAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		buf := make([]byte, 65535)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			_, _ = pc.WriteTo(answerWith(buf[:n], upstreamAddr), addr)
		}
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				query, err := dns.ReadTCPMessage(conn)
				if err != nil {
					return
				}
				_ = dns.WriteTCPMessage(conn, answerWith(query, upstreamAddr))
			}()
		}
	}()

	return pc.LocalAddr().String()
}

type fakeDoH struct {
	err error
}

func (f fakeDoH) Query(_ context.Context, query []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}

	return answerWith(query, dohAddr), nil
}

type failingRule struct{}

func (failingRule) Match(context.Context, *session.Session) (rule.Verdict, error) {
	return rule.NotMatched, errors.New("backend unavailable")
}

func newManager(t *testing.T, rs ...rule.Rule) *rule.Manager {
	t.Helper()

	l := runloop.New()
	go func() { _ = l.Run(context.Background()) }()
	t.Cleanup(l.Stop)

	m := rule.NewManager(l)
	t.Cleanup(m.Close)
	for _, r := range rs {
		m.AppendRule(r)
	}

	return m
}

func firstAnswer(t *testing.T, resp []byte) (dnsmessage.RCode, netip.Addr) {
	t.Helper()

	m := parseResponse(t, resp)
	if len(m.Answers) == 0 {
		return m.Header.RCode, netip.Addr{}
	}
	a, ok := m.Answers[0].Body.(*dnsmessage.AResource)
	require.True(t, ok)

	return m.Header.RCode, netip.AddrFrom4(a.A)
}

func TestHandler_Resolve(t *testing.T) {
	t.Parallel()

	upstream := startUpstream(t)

	m := newManager(t,
		rules.NewDomain("ads", "block", []string{"*.ads.test"}),
		rules.NewDomain("private", "doh", []string{"private.test"}),
		rules.NewDomain("odd", "teleport", []string{"odd.test"}),
		rules.NewDomain("plain", "direct", []string{"plain.test"}),
	)

	tests := []struct {
		name    string
		network string
		host    string
		doh     dns.Exchanger
		rcode   dnsmessage.RCode
		addr    netip.Addr
	}{
		{name: "block", network: session.NetworkUDP, host: "x.ads.test", rcode: dnsmessage.RCodeNameError},
		{name: "direct udp", network: session.NetworkUDP, host: "plain.test", addr: upstreamAddr},
		{name: "direct tcp", network: session.NetworkTCP, host: "plain.test", addr: upstreamAddr},
		{name: "default policy", network: session.NetworkUDP, host: "other.test", addr: upstreamAddr},
		{name: "doh", network: session.NetworkUDP, host: "private.test", doh: fakeDoH{}, addr: dohAddr},
		{name: "doh failure falls back", network: session.NetworkUDP, host: "private.test", doh: fakeDoH{err: errors.New("tls")}, addr: upstreamAddr},
		{name: "doh without client", network: session.NetworkTCP, host: "private.test", addr: upstreamAddr},
		{name: "unknown policy", network: session.NetworkUDP, host: "odd.test", rcode: dnsmessage.RCodeRefused},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := dns.NewHandler(m, upstream, "direct", time.Second, true)
			h.DoH = tt.doh

			resp := h.Resolve(context.Background(), tt.network, clientSource, buildQuery(t, tt.host, dnsmessage.TypeA))
			require.NotNil(t, resp)

			rcode, addr := firstAnswer(t, resp)
			assert.Equal(t, tt.rcode, rcode)
			assert.Equal(t, tt.addr, addr)
		})
	}
}

func TestHandler_RuleErrorRefuses(t *testing.T) {
	t.Parallel()

	m := newManager(t, failingRule{}, rules.NewFinal("all", "direct"))
	h := dns.NewHandler(m, "127.0.0.1:1", "direct", time.Second, false)

	resp := h.Resolve(context.Background(), session.NetworkUDP, clientSource, buildQuery(t, "a.test", dnsmessage.TypeA))
	require.NotNil(t, resp)

	rcode, _ := firstAnswer(t, resp)
	assert.Equal(t, dnsmessage.RCodeRefused, rcode)
}

func TestHandler_UnparsableQueryDropped(t *testing.T) {
	t.Parallel()

	h := dns.NewHandler(newManager(t), "127.0.0.1:1", "direct", time.Second, false)
	assert.Nil(t, h.Resolve(context.Background(), session.NetworkUDP, clientSource, []byte{1, 2, 3}))
}

func TestHandler_Decide(t *testing.T) {
	t.Parallel()

	labelRule, err := rules.NewLabel("aaaa", "block", &metav1.LabelSelector{
		MatchLabels: map[string]string{"qtype": "AAAA"},
	})
	require.NoError(t, err)

	m := newManager(t, labelRule)
	h := dns.NewHandler(m, "127.0.0.1:1", "direct", time.Second, false)

	s := session.New(session.NetworkUDP, "v6.test", 0)
	s.Labels = map[string]string{"qtype": "AAAA"}
	policy, r, err := h.Decide(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "block", policy)
	assert.Same(t, labelRule, r)

	s = session.New(session.NetworkUDP, "v4.test", 0)
	s.Labels = map[string]string{"qtype": "A"}
	policy, r, err = h.Decide(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "direct", policy)
	assert.Nil(t, r)
}

type slowRule struct{}

func (slowRule) Match(ctx context.Context, _ *session.Session) (rule.Verdict, error) {
	<-ctx.Done()
	return rule.NotMatched, ctx.Err()
}

func TestHandler_DecideTimeout(t *testing.T) {
	t.Parallel()

	h := dns.NewHandler(newManager(t, slowRule{}), "127.0.0.1:1", "direct", 20*time.Millisecond, false)

	_, _, err := h.Decide(context.Background(), session.New(session.NetworkUDP, "slow.test", 0))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandler_HandleTCP(t *testing.T) {
	t.Parallel()

	m := newManager(t, rules.NewFinal("all", "block"))
	h := dns.NewHandler(m, "127.0.0.1:1", "direct", time.Second, false)

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		h.HandleTCP(context.Background(), server)
		close(done)
	}()

	for _, host := range []string{"one.test", "two.test"} {
		require.NoError(t, dns.WriteTCPMessage(client, buildQuery(t, host, dnsmessage.TypeA)))
		resp, err := dns.ReadTCPMessage(client)
		require.NoError(t, err)

		rcode, _ := firstAnswer(t, resp)
		assert.Equal(t, dnsmessage.RCodeNameError, rcode)
	}

	require.NoError(t, client.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleTCP did not return after the client closed")
	}
}
