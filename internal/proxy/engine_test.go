package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/gatehouse-proxy/gatehouse/internal/acme"
	"github.com/gatehouse-proxy/gatehouse/internal/config"
	"github.com/gatehouse-proxy/gatehouse/internal/models"
	"github.com/gatehouse-proxy/gatehouse/internal/snapshot"
)

func newTestEngine(t *testing.T, cfg config.Config, seed func(db *gorm.DB)) *Engine {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Host{}, &models.Location{}, &models.HeaderRule{},
		&models.Stream{}, &models.AccessList{}, &models.AccessListClient{},
		&models.AccessListIPRule{}, &models.Certificate{}, &models.Setting{},
	))
	if seed != nil {
		seed(db)
	}

	p := snapshot.NewPublisher(db)
	require.NoError(t, p.Reconcile())
	return NewEngine(cfg, p, acme.NewTokenStore(), nil, nil)
}

// startUpstream runs a local backend and returns its host:port.
func startUpstream(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func doRequest(e *Engine, host, path string, mod func(*http.Request)) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	r.Host = host
	r.RemoteAddr = "203.0.113.9:5555"
	if mod != nil {
		mod(r)
	}
	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)
	return w
}

func TestEngine_UnknownHost(t *testing.T) {
	e := newTestEngine(t, config.Config{}, nil)

	w := doRequest(e, "nobody.example.com", "/", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "404 Not Found")
}

func TestEngine_CustomErrorPage(t *testing.T) {
	e := newTestEngine(t, config.Config{}, func(db *gorm.DB) {
		require.NoError(t, db.Create(&models.Setting{
			Key: models.SettingErrorPage, Value: "<h1>oops: %%STATUS%%</h1>",
		}).Error)
	})

	w := doRequest(e, "nobody.example.com", "/", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "<h1>oops: 404 Not Found</h1>", w.Body.String())
}

func TestEngine_ProxiesToUpstream(t *testing.T) {
	var seen http.Header
	var seenPath string
	upstream := startUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		seenPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("backend says hi"))
	})

	e := newTestEngine(t, config.Config{}, func(db *gorm.DB) {
		require.NoError(t, db.Create(&models.Host{
			Domain: "app.example.com", Targets: []string{upstream},
		}).Error)
	})

	w := doRequest(e, "app.example.com", "/widgets?q=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "backend says hi", w.Body.String())
	assert.Equal(t, "/widgets", seenPath)
	assert.Equal(t, "http", seen.Get("X-Forwarded-Proto"))
	assert.Equal(t, "app.example.com", seen.Get("X-Forwarded-Host"))
}

func TestEngine_ForwardedHeadersFromUntrustedPeer(t *testing.T) {
	var seen http.Header
	upstream := startUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	})

	e := newTestEngine(t, config.Config{}, func(db *gorm.DB) {
		require.NoError(t, db.Create(&models.Host{
			Domain: "app.example.com", Targets: []string{upstream},
		}).Error)
	})

	w := doRequest(e, "app.example.com", "/", func(r *http.Request) {
		r.Header.Set("X-Forwarded-For", "198.51.100.7")
		r.Header.Set("X-Forwarded-Proto", "https")
	})
	require.Equal(t, http.StatusOK, w.Code)

	// Spoofed values are dropped; only the socket peer survives.
	assert.NotContains(t, seen.Get("X-Forwarded-For"), "198.51.100.7")
	assert.Contains(t, seen.Get("X-Forwarded-For"), "203.0.113.9")
	assert.Equal(t, "http", seen.Get("X-Forwarded-Proto"))
}

func TestEngine_ForwardedHeadersFromTrustedProxy(t *testing.T) {
	var seen http.Header
	upstream := startUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	})

	cfg := config.Config{TrustedProxies: []netip.Prefix{netip.MustParsePrefix("203.0.113.0/24")}}
	e := newTestEngine(t, cfg, func(db *gorm.DB) {
		require.NoError(t, db.Create(&models.Host{
			Domain: "app.example.com", Targets: []string{upstream},
		}).Error)
	})

	w := doRequest(e, "app.example.com", "/", func(r *http.Request) {
		r.Header.Set("X-Forwarded-For", "198.51.100.7")
		r.Header.Set("X-Forwarded-Proto", "https")
	})
	require.Equal(t, http.StatusOK, w.Code)

	assert.Contains(t, seen.Get("X-Forwarded-For"), "198.51.100.7")
	assert.Equal(t, "https", seen.Get("X-Forwarded-Proto"))
}

func TestEngine_LocationRoutingAndRewrite(t *testing.T) {
	var rootPath, apiPath string
	root := startUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		rootPath = r.URL.Path
	})
	api := startUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		apiPath = r.URL.Path
	})

	e := newTestEngine(t, config.Config{}, func(db *gorm.DB) {
		host := models.Host{Domain: "app.example.com", Targets: []string{root}}
		require.NoError(t, db.Create(&host).Error)
		require.NoError(t, db.Create(&models.Location{
			HostID: host.ID, Path: "/api", Targets: []string{api}, Rewrite: true,
		}).Error)
	})

	w := doRequest(e, "app.example.com", "/api/users", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/users", apiPath)

	w = doRequest(e, "app.example.com", "/other", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/other", rootPath)
}

func TestEngine_LocationWithoutTargetsKeepsHostUpstream(t *testing.T) {
	var seenPath string
	upstream := startUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
	})

	e := newTestEngine(t, config.Config{}, func(db *gorm.DB) {
		host := models.Host{Domain: "app.example.com", Targets: []string{upstream}}
		require.NoError(t, db.Create(&host).Error)
		require.NoError(t, db.Create(&models.Location{
			HostID: host.ID, Path: "/static", Rewrite: true,
		}).Error)
	})

	w := doRequest(e, "app.example.com", "/static/css/main.css", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/css/main.css", seenPath)
}

func TestEngine_ForceHTTPS(t *testing.T) {
	upstream := startUpstream(t, func(w http.ResponseWriter, r *http.Request) {})

	cfg := config.Config{TrustedProxies: []netip.Prefix{netip.MustParsePrefix("203.0.113.0/24")}}
	e := newTestEngine(t, cfg, func(db *gorm.DB) {
		require.NoError(t, db.Create(&models.Host{
			Domain: "secure.example.com", Targets: []string{upstream}, SSLForced: true,
		}).Error)
	})

	w := doRequest(e, "secure.example.com", "/login?next=/home", nil)
	assert.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, "https://secure.example.com/login?next=/home", w.Header().Get("Location"))

	// Traffic already terminated as HTTPS by a trusted proxy passes through.
	w = doRequest(e, "secure.example.com", "/login", func(r *http.Request) {
		r.Header.Set("X-Forwarded-Proto", "https")
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEngine_Redirect(t *testing.T) {
	e := newTestEngine(t, config.Config{}, func(db *gorm.DB) {
		require.NoError(t, db.Create(&models.Host{
			Domain: "old.example.com", RedirectTo: "https://new.example.com",
		}).Error)
		require.NoError(t, db.Create(&models.Host{
			Domain: "moved.example.com", RedirectTo: "https://new.example.com", RedirectStatus: 302,
		}).Error)
	})

	w := doRequest(e, "old.example.com", "/", nil)
	assert.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, "https://new.example.com", w.Header().Get("Location"))

	w = doRequest(e, "moved.example.com", "/", nil)
	assert.Equal(t, http.StatusFound, w.Code)
}

func TestEngine_ForceHTTPSBeatsRedirect(t *testing.T) {
	e := newTestEngine(t, config.Config{}, func(db *gorm.DB) {
		require.NoError(t, db.Create(&models.Host{
			Domain: "both.example.com", SSLForced: true, RedirectTo: "https://elsewhere.example.com",
		}).Error)
	})

	w := doRequest(e, "both.example.com", "/", nil)
	assert.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, "https://both.example.com/", w.Header().Get("Location"))
}

func seedHostWithList(t *testing.T, db *gorm.DB, domain, target string, list *models.AccessList) {
	t.Helper()
	require.NoError(t, db.Create(list).Error)
	require.NoError(t, db.Create(&models.Host{
		Domain: domain, Targets: []string{target}, AccessListID: &list.ID,
	}).Error)
}

func TestEngine_AccessListDenyRule(t *testing.T) {
	upstream := startUpstream(t, func(w http.ResponseWriter, r *http.Request) {})

	e := newTestEngine(t, config.Config{}, func(db *gorm.DB) {
		list := models.AccessList{Name: "blocklist", IPRules: []models.AccessListIPRule{
			{Address: "203.0.113.0/24", Directive: models.AccessDirectiveDeny},
		}}
		seedHostWithList(t, db, "app.example.com", upstream, &list)
	})

	w := doRequest(e, "app.example.com", "/", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestEngine_AccessListAllowListRejectsOthers(t *testing.T) {
	upstream := startUpstream(t, func(w http.ResponseWriter, r *http.Request) {})

	e := newTestEngine(t, config.Config{}, func(db *gorm.DB) {
		list := models.AccessList{Name: "office-only", IPRules: []models.AccessListIPRule{
			{Address: "10.1.0.0/16", Directive: models.AccessDirectiveAllow},
		}}
		seedHostWithList(t, db, "app.example.com", upstream, &list)
	})

	w := doRequest(e, "app.example.com", "/", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(e, "app.example.com", "/", func(r *http.Request) {
		r.RemoteAddr = "10.1.2.3:4444"
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEngine_AccessListBasicAuth(t *testing.T) {
	upstream := startUpstream(t, func(w http.ResponseWriter, r *http.Request) {})

	e := newTestEngine(t, config.Config{}, func(db *gorm.DB) {
		client := models.AccessListClient{Username: "alice"}
		require.NoError(t, client.SetPassword("secret"))
		list := models.AccessList{Name: "credentials", Clients: []models.AccessListClient{client}}
		seedHostWithList(t, db, "app.example.com", upstream, &list)
	})

	w := doRequest(e, "app.example.com", "/", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, `Basic realm="Restricted"`, w.Header().Get("WWW-Authenticate"))

	w = doRequest(e, "app.example.com", "/", func(r *http.Request) {
		r.SetBasicAuth("alice", "wrong")
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(e, "app.example.com", "/", func(r *http.Request) {
		r.SetBasicAuth("alice", "secret")
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEngine_HeaderRules(t *testing.T) {
	var seen http.Header
	upstream := startUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set("Server", "backend/1.0")
		w.Header().Set("X-Backend", "internal")
	})

	e := newTestEngine(t, config.Config{}, func(db *gorm.DB) {
		host := models.Host{Domain: "app.example.com", Targets: []string{upstream}}
		require.NoError(t, db.Create(&host).Error)
		require.NoError(t, db.Create(&models.HeaderRule{
			HostID: host.ID, Name: "X-Tenant", Value: "acme", Target: models.HeaderTargetRequest,
		}).Error)
		require.NoError(t, db.Create(&models.HeaderRule{
			HostID: host.ID, Name: "Server", Value: "", Target: models.HeaderTargetResponse,
		}).Error)
		require.NoError(t, db.Create(&models.HeaderRule{
			HostID: host.ID, Name: "X-Backend", Value: "edge", Target: models.HeaderTargetResponse,
		}).Error)
	})

	w := doRequest(e, "app.example.com", "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "acme", seen.Get("X-Tenant"))
	assert.Empty(t, w.Header().Get("Server"))
	assert.Equal(t, "edge", w.Header().Get("X-Backend"))
}

func TestEngine_NoTargets(t *testing.T) {
	e := newTestEngine(t, config.Config{}, func(db *gorm.DB) {
		require.NoError(t, db.Create(&models.Host{Domain: "empty.example.com"}).Error)
	})

	w := doRequest(e, "empty.example.com", "/", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "502 Bad Gateway")
}

func TestEngine_DeadUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	e := newTestEngine(t, config.Config{}, func(db *gorm.DB) {
		require.NoError(t, db.Create(&models.Host{
			Domain: "down.example.com", Targets: []string{addr},
		}).Error)
	})

	w := doRequest(e, "down.example.com", "/", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestEngine_ACMEChallenge(t *testing.T) {
	e := newTestEngine(t, config.Config{}, nil)
	e.tokens.Put("tok123", "tok123.keyauth")

	// Challenges answer even for domains with no host entry.
	w := doRequest(e, "pending.example.com", "/.well-known/acme-challenge/tok123", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tok123.keyauth", w.Body.String())

	w = doRequest(e, "pending.example.com", "/.well-known/acme-challenge/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(e, "pending.example.com", "/.well-known/acme-challenge/a/b", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type fakeRecorder struct {
	status int
	bytes  int64
}

func (f *fakeRecorder) Record(status int, bytes int64) {
	f.status = status
	f.bytes = bytes
}

func TestEngine_RecordsResponses(t *testing.T) {
	e := newTestEngine(t, config.Config{}, nil)
	rec := &fakeRecorder{}
	e.recorder = rec

	w := doRequest(e, "nobody.example.com", "/", nil)
	assert.Equal(t, http.StatusNotFound, rec.status)
	assert.Equal(t, int64(w.Body.Len()), rec.bytes)
}

func TestRewritePath(t *testing.T) {
	assert.Equal(t, "/users", rewritePath("/api/users", "/api"))
	assert.Equal(t, "/", rewritePath("/api", "/api"))
	assert.Equal(t, "/users", rewritePath("/apiusers", "/api"))
	assert.Equal(t, "/a/b", rewritePath("/a/b", "/"))
}

func TestHostOnly(t *testing.T) {
	assert.Equal(t, "example.com", hostOnly("Example.COM"))
	assert.Equal(t, "example.com", hostOnly("example.com:8443"))
	assert.Equal(t, "example.com", hostOnly("example.com."))
	assert.Equal(t, "::1", hostOnly("[::1]:443"))
	assert.Equal(t, "", hostOnly(""))
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, isTimeout(context.DeadlineExceeded))
	assert.True(t, isTimeout(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.False(t, isTimeout(errors.New("connection refused")))
}

func TestRenderErrorPage(t *testing.T) {
	assert.Equal(t, "oops 404 Not Found", renderErrorPage("oops %%STATUS%%", http.StatusNotFound))
	assert.Contains(t, renderErrorPage("", http.StatusBadGateway), "502 Bad Gateway")
	assert.Contains(t, renderErrorPage("  ", http.StatusBadGateway), "502 Bad Gateway")
}
