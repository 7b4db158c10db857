package snapshot

import (
	"net/netip"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Snapshot is an immutable view of everything the data plane needs for one
// request. Readers load the current snapshot once at request start and use
// that reference for the full request lifetime; it is never mutated after
// publication.
type Snapshot struct {
	Hosts        map[string]*Host
	Streams      map[StreamKey]Stream
	AccessLists  map[uint]*AccessList
	Certificates []Certificate

	// ErrorPage is the operator HTML template for 4xx/5xx responses.
	// %%STATUS%% is replaced with "<code> <reason>".
	ErrorPage string

	BuiltAt time.Time
}

// Host is the routing view of one virtual host. Locations are sorted by
// descending path length so the first prefix match is the longest.
type Host struct {
	ID             uint
	Domain         string
	Targets        []string
	Scheme         string
	VerifySSL      bool
	UpstreamSNI    string
	SSLForced      bool
	RedirectTo     string
	RedirectStatus int
	AccessListID   uint
	Locations      []Location
	RequestHeaders []Header
	ResponseHeader []Header
}

// Location is a per-path override under a host.
type Location struct {
	Path        string
	Targets     []string
	Scheme      string
	VerifySSL   bool
	UpstreamSNI string
	Rewrite     bool
}

// Header is one header mutation rule.
type Header struct {
	Name  string
	Value string
}

// StreamKey identifies one L4 forwarder.
type StreamKey struct {
	Protocol string
	Port     int
}

// Stream is the forwarding view of one L4 port forward.
type Stream struct {
	Key         StreamKey
	ForwardAddr string
}

// AccessList is the evaluated form of one access policy. IP rules are
// pre-parsed; Clients maps username to bcrypt hash.
type AccessList struct {
	ID      uint
	Name    string
	Clients map[string]string
	Rules   []IPRule
}

// IPRule is one pre-parsed allow/deny entry.
type IPRule struct {
	Prefix netip.Prefix
	Allow  bool
}

// Certificate references issued material on disk, consumed by the catalog
// rebuild on each publish.
type Certificate struct {
	ID     uint
	Domain string
}

// HostFor looks up a host by its case-folded domain. Matching is exact at
// this layer; wildcard logic applies only to TLS certificate selection.
func (s *Snapshot) HostFor(domain string) *Host {
	return s.Hosts[strings.ToLower(domain)]
}

// AccessListByID returns the access list for the given id, or nil.
func (s *Snapshot) AccessListByID(id uint) *AccessList {
	return s.AccessLists[id]
}

// Decision is the outcome of evaluating IP rules.
type Decision int

const (
	// DecisionNoMatch means no rule applied to the address.
	DecisionNoMatch Decision = iota
	// DecisionAllow means an allow rule matched first.
	DecisionAllow
	// DecisionDeny means a deny rule matched first.
	DecisionDeny
)

// EvaluateIP runs the rules top to bottom against addr; the first match wins.
func (a *AccessList) EvaluateIP(addr netip.Addr) Decision {
	addr = addr.Unmap()
	for _, r := range a.Rules {
		if r.Prefix.Contains(addr) {
			if r.Allow {
				return DecisionAllow
			}
			return DecisionDeny
		}
	}
	return DecisionNoMatch
}

// HasAllowRule reports whether any rule is an allow rule. When a whitelist
// exists, unmatched addresses are rejected.
func (a *AccessList) HasAllowRule() bool {
	for _, r := range a.Rules {
		if r.Allow {
			return true
		}
	}
	return false
}

// Authenticate verifies a Basic-Auth credential pair against the list's
// clients.
func (a *AccessList) Authenticate(username, password string) bool {
	hash, ok := a.Clients[username]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// MatchLocation picks the location whose path is the longest prefix of the
// request path, or nil when none match.
func (h *Host) MatchLocation(path string) *Location {
	for i := range h.Locations {
		if strings.HasPrefix(path, h.Locations[i].Path) {
			return &h.Locations[i]
		}
	}
	return nil
}
