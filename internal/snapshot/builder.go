package snapshot

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/gatehouse-proxy/gatehouse/internal/models"
)

// Build reads every table the data plane depends on inside one transaction
// and assembles a fully indexed snapshot. Any malformed row fails the whole
// build; the caller keeps serving the previous snapshot.
func Build(db *gorm.DB) (*Snapshot, error) {
	snap := &Snapshot{
		Hosts:       make(map[string]*Host),
		Streams:     make(map[StreamKey]Stream),
		AccessLists: make(map[uint]*AccessList),
		BuiltAt:     time.Now(),
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		var hosts []models.Host
		if err := tx.Preload("Locations").Preload("Headers").Find(&hosts).Error; err != nil {
			return fmt.Errorf("load hosts: %w", err)
		}

		var lists []models.AccessList
		if err := tx.Preload("Clients").Preload("IPRules").Find(&lists).Error; err != nil {
			return fmt.Errorf("load access lists: %w", err)
		}

		var streams []models.Stream
		if err := tx.Where("enabled = ?", true).Find(&streams).Error; err != nil {
			return fmt.Errorf("load streams: %w", err)
		}

		var certs []models.Certificate
		if err := tx.Find(&certs).Error; err != nil {
			return fmt.Errorf("load certificates: %w", err)
		}

		var errorPage models.Setting
		if err := tx.Where("key = ?", models.SettingErrorPage).First(&errorPage).Error; err != nil && err != gorm.ErrRecordNotFound {
			return fmt.Errorf("load error page: %w", err)
		}

		for i := range lists {
			al, err := buildAccessList(&lists[i])
			if err != nil {
				return err
			}
			snap.AccessLists[al.ID] = al
		}

		for i := range hosts {
			h, err := buildHost(&hosts[i], snap.AccessLists)
			if err != nil {
				return err
			}
			snap.Hosts[h.Domain] = h
		}

		for _, s := range streams {
			key := StreamKey{Protocol: s.Protocol, Port: s.ListenPort}
			snap.Streams[key] = Stream{Key: key, ForwardAddr: s.ForwardAddr()}
		}

		for _, c := range certs {
			snap.Certificates = append(snap.Certificates, Certificate{ID: c.ID, Domain: strings.ToLower(c.Domain)})
		}

		snap.ErrorPage = errorPage.Value
		return nil
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

func buildHost(m *models.Host, lists map[uint]*AccessList) (*Host, error) {
	h := &Host{
		ID:             m.ID,
		Domain:         strings.ToLower(m.Domain),
		Targets:        m.Targets,
		Scheme:         m.Scheme,
		VerifySSL:      m.VerifySSL,
		UpstreamSNI:    m.UpstreamSNI,
		SSLForced:      m.SSLForced,
		RedirectTo:     m.RedirectTo,
		RedirectStatus: m.RedirectStatus,
	}
	if h.Scheme == "" {
		h.Scheme = "http"
	}
	if h.RedirectStatus == 0 {
		h.RedirectStatus = 301
	}
	if m.AccessListID != nil {
		if _, ok := lists[*m.AccessListID]; !ok {
			return nil, fmt.Errorf("host %s references missing access list %d", h.Domain, *m.AccessListID)
		}
		h.AccessListID = *m.AccessListID
	}

	for _, loc := range m.Locations {
		scheme := loc.Scheme
		if scheme == "" {
			scheme = "http"
		}
		h.Locations = append(h.Locations, Location{
			Path:        loc.Path,
			Targets:     loc.Targets,
			Scheme:      scheme,
			VerifySSL:   loc.VerifySSL,
			UpstreamSNI: loc.UpstreamSNI,
			Rewrite:     loc.Rewrite,
		})
	}
	// Longest prefix first, declaration order breaking ties.
	sort.SliceStable(h.Locations, func(i, j int) bool {
		return len(h.Locations[i].Path) > len(h.Locations[j].Path)
	})

	for _, hr := range m.Headers {
		switch hr.Target {
		case models.HeaderTargetResponse:
			h.ResponseHeader = append(h.ResponseHeader, Header{Name: hr.Name, Value: hr.Value})
		default:
			h.RequestHeaders = append(h.RequestHeaders, Header{Name: hr.Name, Value: hr.Value})
		}
	}

	return h, nil
}

func buildAccessList(m *models.AccessList) (*AccessList, error) {
	al := &AccessList{
		ID:      m.ID,
		Name:    m.Name,
		Clients: make(map[string]string, len(m.Clients)),
	}
	for _, c := range m.Clients {
		al.Clients[c.Username] = c.PasswordHash
	}
	for _, r := range m.IPRules {
		prefix, err := parseRule(r.Address)
		if err != nil {
			return nil, fmt.Errorf("access list %s rule %q: %w", m.Name, r.Address, err)
		}
		al.Rules = append(al.Rules, IPRule{Prefix: prefix, Allow: r.Directive == models.AccessDirectiveAllow})
	}
	return al, nil
}

// parseRule accepts either CIDR notation or a literal address.
func parseRule(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), nil
}
