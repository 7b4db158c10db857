package routes

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/gatehouse-proxy/gatehouse/internal/api/handlers"
	"github.com/gatehouse-proxy/gatehouse/internal/api/middleware"
	"github.com/gatehouse-proxy/gatehouse/internal/models"
)

// Register wires the admin API onto the router. The handler dependencies are
// shared; construction order does not matter.
func Register(router *gin.Engine, deps *handlers.Deps) {
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
	}))

	auth := handlers.NewAuthHandler(deps)
	hosts := handlers.NewHostHandler(deps)
	streams := handlers.NewStreamHandler(deps)
	accessLists := handlers.NewAccessListHandler(deps)
	certificates := handlers.NewCertificateHandler(deps)
	users := handlers.NewUserHandler(deps)
	stats := handlers.NewStatsHandler(deps)
	logs := handlers.NewLogsHandler(deps)
	settings := handlers.NewSettingsHandler(deps)
	audit := handlers.NewAuditHandler(deps)
	health := handlers.NewHealthHandler(deps)

	registry := prometheus.NewRegistry()
	deps.Collector.RegisterMetrics(registry)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.POST("/login", auth.Login)
	api.POST("/register", auth.Register)
	api.GET("/health", health.Check)

	protected := api.Group("")
	protected.Use(middleware.AuthMiddleware(deps.Auth))

	protected.GET("/users/me", users.Me)
	protected.PUT("/users/me/password", users.ChangePassword)

	protected.GET("/hosts", hosts.List)
	protected.GET("/streams", streams.List)
	protected.GET("/access-lists", accessLists.List)
	protected.GET("/certs", certificates.List)
	protected.GET("/dns-providers", certificates.ListDNSProviders)
	protected.GET("/stats/realtime", stats.Realtime)
	protected.GET("/stats/history", stats.History)
	protected.GET("/logs", logs.List)
	protected.GET("/logs/:name", logs.Read)
	protected.GET("/settings", settings.List)
	protected.GET("/settings/:key", settings.Get)
	protected.GET("/audit-logs", audit.List)

	manage := protected.Group("")
	manage.Use(middleware.RequireRole(models.RoleAdmin, models.RoleOperator))

	manage.POST("/hosts", hosts.Upsert)
	manage.PUT("/hosts/:domain", hosts.Update)
	manage.DELETE("/hosts/:domain", hosts.Delete)
	manage.POST("/hosts/:domain/locations", hosts.AddLocation)
	manage.DELETE("/hosts/:domain/locations", hosts.DeleteLocation)
	manage.POST("/hosts/:domain/headers", hosts.AddHeader)
	manage.DELETE("/hosts/:domain/headers/:id", hosts.DeleteHeader)

	manage.POST("/streams", streams.Create)
	manage.DELETE("/streams/:listen_port", streams.Delete)

	manage.POST("/access-lists", accessLists.Create)
	manage.DELETE("/access-lists/:id", accessLists.Delete)
	manage.POST("/access-lists/:id/clients", accessLists.AddClient)
	manage.DELETE("/access-lists/:id/clients/:username", accessLists.DeleteClient)
	manage.POST("/access-lists/:id/ip-rules", accessLists.AddIP)
	manage.DELETE("/access-lists/:id/ip-rules", accessLists.DeleteIP)

	manage.POST("/certs", certificates.Request)
	manage.POST("/certs/custom", certificates.Upload)
	manage.DELETE("/certs/:id", certificates.Delete)
	manage.POST("/dns-providers", certificates.CreateDNSProvider)
	manage.DELETE("/dns-providers/:id", certificates.DeleteDNSProvider)

	manage.POST("/settings/:key", settings.Set)

	admin := protected.Group("")
	admin.Use(middleware.RequireRole(models.RoleAdmin))

	admin.GET("/users", users.List)
	admin.POST("/users", users.Create)
	admin.PUT("/users/:id", users.Update)
	admin.DELETE("/users/:id", users.Delete)

	if deps.Cfg.StaticDir != "" {
		router.NoRoute(staticFallback(deps.Cfg.StaticDir))
	}
}

// staticFallback serves the bundled UI. Unknown paths fall through to
// index.html so client-side routing works.
func staticFallback(dir string) gin.HandlerFunc {
	fs := http.FileServer(http.Dir(dir))
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead ||
			strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		path := filepath.Join(dir, filepath.Clean("/"+c.Request.URL.Path))
		if _, err := os.Stat(path); err != nil {
			c.File(filepath.Join(dir, "index.html"))
			return
		}
		fs.ServeHTTP(c.Writer, c.Request)
	}
}

// Migrate creates or updates the schema for every persisted model.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Host{},
		&models.Location{},
		&models.HeaderRule{},
		&models.Stream{},
		&models.AccessList{},
		&models.AccessListClient{},
		&models.AccessListIPRule{},
		&models.Certificate{},
		&models.DNSProvider{},
		&models.Setting{},
		&models.AuditEvent{},
		&models.TrafficStat{},
	)
}
