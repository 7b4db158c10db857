package snapshot

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHostFor_CaseFolded(t *testing.T) {
	snap := &Snapshot{Hosts: map[string]*Host{
		"example.com": {Domain: "example.com"},
	}}

	assert.NotNil(t, snap.HostFor("example.com"))
	assert.NotNil(t, snap.HostFor("EXAMPLE.COM"))
	assert.Nil(t, snap.HostFor("other.com"))
	assert.Nil(t, snap.HostFor("sub.example.com"))
}

func TestMatchLocation_LongestPrefix(t *testing.T) {
	host := &Host{Locations: []Location{
		// Builder order: longest path first.
		{Path: "/api/v2"},
		{Path: "/api"},
		{Path: "/"},
	}}

	assert.Equal(t, "/api/v2", host.MatchLocation("/api/v2/users").Path)
	assert.Equal(t, "/api", host.MatchLocation("/api/v1").Path)
	assert.Equal(t, "/", host.MatchLocation("/index.html").Path)
}

func TestMatchLocation_NoMatch(t *testing.T) {
	host := &Host{Locations: []Location{{Path: "/api"}}}
	assert.Nil(t, host.MatchLocation("/other"))
}

func TestEvaluateIP_FirstMatchWins(t *testing.T) {
	list := &AccessList{Rules: []IPRule{
		{Prefix: netip.MustParsePrefix("10.0.0.5/32"), Allow: false},
		{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Allow: true},
	}}

	assert.Equal(t, DecisionDeny, list.EvaluateIP(netip.MustParseAddr("10.0.0.5")))
	assert.Equal(t, DecisionAllow, list.EvaluateIP(netip.MustParseAddr("10.1.2.3")))
	assert.Equal(t, DecisionNoMatch, list.EvaluateIP(netip.MustParseAddr("192.168.1.1")))
}

func TestEvaluateIP_MappedAddress(t *testing.T) {
	list := &AccessList{Rules: []IPRule{
		{Prefix: netip.MustParsePrefix("127.0.0.1/32"), Allow: true},
	}}
	assert.Equal(t, DecisionAllow, list.EvaluateIP(netip.MustParseAddr("::ffff:127.0.0.1")))
}

func TestHasAllowRule(t *testing.T) {
	denyOnly := &AccessList{Rules: []IPRule{{Prefix: netip.MustParsePrefix("10.0.0.0/8")}}}
	assert.False(t, denyOnly.HasAllowRule())

	mixed := &AccessList{Rules: []IPRule{
		{Prefix: netip.MustParsePrefix("10.0.0.0/8")},
		{Prefix: netip.MustParsePrefix("192.168.0.0/16"), Allow: true},
	}}
	assert.True(t, mixed.HasAllowRule())
}

func TestAuthenticate(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	list := &AccessList{Clients: map[string]string{"alice": string(hash)}}

	assert.True(t, list.Authenticate("alice", "secret"))
	assert.False(t, list.Authenticate("alice", "wrong"))
	assert.False(t, list.Authenticate("bob", "secret"))
}

func TestDiffStreams(t *testing.T) {
	tcp80 := StreamKey{Protocol: "tcp", Port: 80}
	tcp81 := StreamKey{Protocol: "tcp", Port: 81}
	udp53 := StreamKey{Protocol: "udp", Port: 53}

	old := &Snapshot{Streams: map[StreamKey]Stream{
		tcp80: {Key: tcp80, ForwardAddr: "10.0.0.1:80"},
		tcp81: {Key: tcp81, ForwardAddr: "10.0.0.1:81"},
	}}
	updated := &Snapshot{Streams: map[StreamKey]Stream{
		tcp80: {Key: tcp80, ForwardAddr: "10.0.0.2:80"},
		udp53: {Key: udp53, ForwardAddr: "10.0.0.1:53"},
	}}

	diff := DiffStreams(old, updated)
	require.Len(t, diff.Changed, 1)
	assert.Equal(t, tcp80, diff.Changed[0].Key)
	require.Len(t, diff.Added, 1)
	assert.Equal(t, udp53, diff.Added[0].Key)
	require.Len(t, diff.Removed, 1)
	assert.Equal(t, tcp81, diff.Removed[0].Key)
}

func TestDiffStreams_NilOld(t *testing.T) {
	key := StreamKey{Protocol: "tcp", Port: 80}
	updated := &Snapshot{Streams: map[StreamKey]Stream{key: {Key: key, ForwardAddr: "x:80"}}}

	diff := DiffStreams(nil, updated)
	assert.Len(t, diff.Added, 1)
	assert.Empty(t, diff.Removed)
	assert.Empty(t, diff.Changed)
}
