package acme

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/gatehouse-proxy/gatehouse/internal/certs"
	"github.com/gatehouse-proxy/gatehouse/internal/config"
	"github.com/gatehouse-proxy/gatehouse/internal/logger"
	"github.com/gatehouse-proxy/gatehouse/internal/models"
	"github.com/gatehouse-proxy/gatehouse/internal/snapshot"
)

// renewalThreshold is how close to expiry a certificate gets before the
// hourly scan enqueues a renewal.
const renewalThreshold = 30 * 24 * time.Hour

// ErrWildcardNeedsDNS is returned when a wildcard request carries no DNS
// provider; HTTP-01 cannot validate wildcards.
var ErrWildcardNeedsDNS = errors.New("wildcard certificates require a DNS provider")

// ErrQueueFull is returned when the job queue cannot accept more work.
var ErrQueueFull = errors.New("certificate job queue is full")

// Notifier receives operator notifications for certificate lifecycle events.
type Notifier interface {
	Notify(title, message string)
}

// Job is one certificate acquisition or renewal request.
type Job struct {
	Domain        string
	Email         string
	DNSProviderID *uint
}

// Worker acquires and renews certificates in the background. Jobs run
// strictly one at a time so issuance never bursts against CA rate limits.
type Worker struct {
	db        *gorm.DB
	catalog   *certs.Catalog
	publisher *snapshot.Publisher
	tokens    *TokenStore
	certbot   certbotRunner
	notifier  Notifier

	accountPath string
	dirURL      string

	jobs chan Job
	done chan struct{}
}

// NewWorker wires the worker against the store, catalog and publisher. The
// notifier may be nil.
func NewWorker(db *gorm.DB, cfg config.Config, catalog *certs.Catalog, publisher *snapshot.Publisher, notifier Notifier) *Worker {
	return &Worker{
		db:          db,
		catalog:     catalog,
		publisher:   publisher,
		tokens:      NewTokenStore(),
		certbot:     certbotRunner{bin: cfg.CertbotBin, acmeDir: cfg.ACMEDir},
		notifier:    notifier,
		accountPath: filepath.Join(cfg.CertDir, "account.json"),
		dirURL:      letsEncryptDirectory,
		jobs:        make(chan Job, 64),
		done:        make(chan struct{}),
	}
}

// Tokens exposes the HTTP-01 token store for the proxy's ACME filter.
func (w *Worker) Tokens() *TokenStore {
	return w.tokens
}

// Enqueue submits a job without blocking the caller.
func (w *Worker) Enqueue(job Job) error {
	if strings.HasPrefix(job.Domain, "*.") && job.DNSProviderID == nil {
		return ErrWildcardNeedsDNS
	}
	select {
	case w.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run processes jobs until ctx is cancelled. The in-flight job is given its
// own grace period to finish before the worker exits.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.jobs:
			grace, cancel := context.WithTimeout(context.Background(), certbotTimeout+time.Minute)
			if err := w.process(grace, job); err != nil {
				logger.WithFields(logrus.Fields{"domain": job.Domain, "error": err}).Error("certificate acquisition failed")
			}
			cancel()
		}
	}
}

// Done is closed once Run has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// ScanRenewals enqueues a renewal for every ACME-issued certificate inside the
// renewal window; custom uploads are not renewed. Wired to an hourly cron job.
func (w *Worker) ScanRenewals() {
	var rows []models.Certificate
	if err := w.db.Where("source = ?", models.CertificateSourceACME).Find(&rows).Error; err != nil {
		logger.WithFields(logrus.Fields{"error": err}).Error("renewal scan query failed")
		return
	}

	email := w.contactEmail()
	for _, row := range rows {
		if !row.ExpiresWithin(renewalThreshold) {
			continue
		}
		logger.WithFields(logrus.Fields{"domain": row.Domain, "expires_at": row.ExpiresAt}).Info("enqueueing renewal")
		if err := w.Enqueue(Job{Domain: row.Domain, Email: email, DNSProviderID: row.DNSProviderID}); err != nil {
			logger.WithFields(logrus.Fields{"domain": row.Domain, "error": err}).Warn("renewal not enqueued")
		}
	}
}

func (w *Worker) contactEmail() string {
	var setting models.Setting
	if err := w.db.Where("key = ?", models.SettingACMEEmail).First(&setting).Error; err == nil && setting.Value != "" {
		return setting.Value
	}
	return "admin@localhost"
}

func (w *Worker) process(ctx context.Context, job Job) error {
	domain := strings.ToLower(job.Domain)
	logger.WithFields(logrus.Fields{"domain": domain}).Info("requesting certificate")

	chainPEM, keyPEM, err := w.acquire(ctx, job, domain)
	if err != nil {
		w.recordFailure(domain, err)
		return err
	}

	parsed, err := certcrypto.ParsePEMCertificate(chainPEM)
	if err != nil {
		w.recordFailure(domain, err)
		return fmt.Errorf("parse issued certificate: %w", err)
	}

	var certID uint
	err = w.db.Transaction(func(tx *gorm.DB) error {
		var row models.Certificate
		err := tx.Where("domain = ?", domain).First(&row).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			row = models.Certificate{Domain: domain}
		case err != nil:
			return err
		}
		row.ExpiresAt = parsed.NotAfter
		row.Source = models.CertificateSourceACME
		row.DNSProviderID = job.DNSProviderID
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		certID = row.ID

		return tx.Create(&models.AuditEvent{
			Actor:        "acme-worker",
			Action:       "issue",
			ResourceType: "certificate",
			ResourceID:   domain,
			Detail:       fmt.Sprintf("certificate issued, expires %s", parsed.NotAfter.Format(time.RFC3339)),
		}).Error
	})
	if err != nil {
		w.recordFailure(domain, err)
		return fmt.Errorf("persist certificate: %w", err)
	}

	if err := w.store(certID, chainPEM, keyPEM); err != nil {
		w.recordFailure(domain, err)
		return err
	}

	// Install directly so the renewed material is selectable before the
	// full reconcile lands.
	if err := w.catalog.InstallFromDisk(certID, domain); err != nil {
		logger.WithFields(logrus.Fields{"domain": domain, "error": err}).Warn("catalog install failed")
	}

	if err := w.publisher.Reconcile(); err != nil {
		logger.WithFields(logrus.Fields{"error": err}).Warn("post-issuance reconcile failed")
	}

	logger.WithFields(logrus.Fields{"domain": domain, "expires_at": parsed.NotAfter}).Info("certificate issued")
	if w.notifier != nil {
		w.notifier.Notify("Certificate issued", fmt.Sprintf("%s valid until %s", domain, parsed.NotAfter.Format(time.RFC3339)))
	}
	return nil
}

// acquire runs the challenge matching the job: DNS-01 through certbot when
// a provider is set, HTTP-01 through the in-process token store otherwise.
func (w *Worker) acquire(ctx context.Context, job Job, domain string) (chainPEM, keyPEM []byte, err error) {
	if job.DNSProviderID != nil {
		var provider models.DNSProvider
		if err := w.db.First(&provider, *job.DNSProviderID).Error; err != nil {
			return nil, nil, fmt.Errorf("load DNS provider %d: %w", *job.DNSProviderID, err)
		}
		chainPath, keyPath, err := w.certbot.run(ctx, domain, job.Email, provider.ProviderType, provider.Credentials)
		if err != nil {
			return nil, nil, err
		}
		chainPEM, err = os.ReadFile(chainPath)
		if err != nil {
			return nil, nil, fmt.Errorf("read issued chain: %w", err)
		}
		keyPEM, err = os.ReadFile(keyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("read issued key: %w", err)
		}
		return chainPEM, keyPEM, nil
	}

	if strings.HasPrefix(domain, "*.") {
		return nil, nil, ErrWildcardNeedsDNS
	}

	client, err := newHTTP01Client(w.accountPath, job.Email, w.dirURL, w.tokens)
	if err != nil {
		return nil, nil, fmt.Errorf("build ACME client: %w", err)
	}
	return obtain(client, domain)
}

// store writes the PEM pair into the catalog's per-certificate directory.
func (w *Worker) store(certID uint, chainPEM, keyPEM []byte) error {
	chainPath, keyPath := w.catalog.Paths(certID)
	if err := os.MkdirAll(filepath.Dir(chainPath), 0o755); err != nil {
		return fmt.Errorf("create certificate directory: %w", err)
	}
	if err := os.WriteFile(chainPath, chainPEM, 0o644); err != nil {
		return fmt.Errorf("write chain: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

func (w *Worker) recordFailure(domain string, cause error) {
	event := models.AuditEvent{
		Actor:        "acme-worker",
		Action:       "issue_failed",
		ResourceType: "certificate",
		ResourceID:   domain,
		Detail:       cause.Error(),
	}
	if err := w.db.Create(&event).Error; err != nil {
		logger.WithFields(logrus.Fields{"error": err}).Error("audit write failed")
	}
	if w.notifier != nil {
		w.notifier.Notify("Certificate issuance failed", fmt.Sprintf("%s: %v", domain, cause))
	}
}
