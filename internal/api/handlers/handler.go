package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/gatehouse-proxy/gatehouse/internal/acme"
	"github.com/gatehouse-proxy/gatehouse/internal/certs"
	"github.com/gatehouse-proxy/gatehouse/internal/config"
	"github.com/gatehouse-proxy/gatehouse/internal/models"
	"github.com/gatehouse-proxy/gatehouse/internal/services"
	"github.com/gatehouse-proxy/gatehouse/internal/snapshot"
	"github.com/gatehouse-proxy/gatehouse/internal/stats"
	"github.com/gatehouse-proxy/gatehouse/internal/streams"
)

// Deps bundles everything handlers need. The caller builds one value and
// routes.Register shares it with every handler it constructs.
type Deps struct {
	DB        *gorm.DB
	Cfg       config.Config
	Publisher *snapshot.Publisher
	Catalog   *certs.Catalog
	Worker    *acme.Worker
	Collector *stats.Collector
	Forwarder *streams.Forwarder
	Audit     *services.AuditService
	Auth      *services.AuthService
	Logs      *services.LogService
}

// mutate runs fn and the audit entry in one transaction, then reconciles the
// snapshot. A failed reconcile keeps the previous snapshot live and turns
// into a 400 so the operator sees what their change broke.
func (d *Deps) mutate(c *gin.Context, e services.Entry, fn func(tx *gorm.DB) error) bool {
	fillActor(c, &e)
	err := d.DB.Transaction(func(tx *gorm.DB) error {
		if err := fn(tx); err != nil {
			return err
		}
		return d.Audit.Record(tx, e)
	})
	if err != nil {
		status := http.StatusBadRequest
		var se statusError
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			status = http.StatusNotFound
		case errors.As(err, &se):
			status = se.status
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return false
	}

	if err := d.Publisher.Reconcile(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "configuration rejected: " + err.Error()})
		return false
	}
	return true
}

// statusError lets a mutation pick its own HTTP status, 409 mostly.
type statusError struct {
	status int
	msg    string
}

func (e statusError) Error() string { return e.msg }

func conflictError(msg string) error {
	return statusError{status: http.StatusConflict, msg: msg}
}

func fillActor(c *gin.Context, e *services.Entry) {
	e.IPAddress = c.ClientIP()
	e.Actor = "system"
	if v, ok := c.Get("user"); ok {
		if user, ok := v.(*models.User); ok {
			e.Actor = user.Email
			id := user.ID
			e.UserID = &id
		}
	}
}

// splitTargets normalizes upstream endpoints: each element may itself be a
// comma-separated list, a convenience the UI relies on.
func splitTargets(raw []string) []string {
	var out []string
	for _, entry := range raw {
		for _, t := range strings.Split(entry, ",") {
			if t = strings.TrimSpace(t); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}
