package acme

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/go-acme/lego/v4/certcrypto"
	legocert "github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/gatehouse-proxy/gatehouse/internal/logger"
)

const letsEncryptDirectory = "https://acme-v02.api.letsencrypt.org/directory"

// acmeUser implements the User interface required by lego for account
// registration. Account state is cached on disk next to the certificates.
type acmeUser struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	Key          string                 `json:"key"`
	key          crypto.PrivateKey
}

func (a *acmeUser) GetEmail() string                        { return a.Email }
func (a *acmeUser) GetRegistration() *registration.Resource { return a.Registration }
func (a *acmeUser) GetPrivateKey() crypto.PrivateKey        { return a.key }

// load reads cached account details, generating a fresh key when none exist.
func (a *acmeUser) load(path string) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Log().Info("no saved ACME account found, creating a new private key")
		privateKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		if err != nil {
			return fmt.Errorf("generate account key: %w", err)
		}
		a.key = privateKey
		a.Key = string(certcrypto.PEMEncode(privateKey))
		return nil
	} else if err != nil {
		return fmt.Errorf("read saved account data from %s: %w", path, err)
	}

	if err = json.Unmarshal(b, a); err != nil {
		return fmt.Errorf("parse saved account data from %s: %w", path, err)
	}

	key, err := certcrypto.ParsePEMPrivateKey([]byte(a.Key))
	if err != nil {
		return fmt.Errorf("decode saved account key: %w", err)
	}
	a.key = key
	return nil
}

func (a *acmeUser) registerAndSave(reg *registration.Registrar, path string) error {
	res, err := reg.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return fmt.Errorf("register ACME account: %w", err)
	}
	a.Registration = res

	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("serialize account data: %w", err)
	}
	return os.WriteFile(path, b, 0o600)
}

// newHTTP01Client builds a lego client whose HTTP-01 challenges are served
// through the worker's token store by the proxy engine.
func newHTTP01Client(accountPath, email, dirURL string, tokens *TokenStore) (*lego.Client, error) {
	user := &acmeUser{Email: email}
	if err := user.load(accountPath); err != nil {
		return nil, err
	}

	cfg := lego.NewConfig(user)
	cfg.CADirURL = dirURL
	cfg.Certificate.KeyType = certcrypto.EC256

	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	if err := client.Challenge.SetHTTP01Provider(&httpProvider{store: tokens}); err != nil {
		return nil, err
	}

	if user.Registration == nil {
		if err := user.registerAndSave(client.Registration, accountPath); err != nil {
			return nil, err
		}
	}

	return client, nil
}

// obtain runs one HTTP-01 order and returns the bundled chain and key PEM.
func obtain(client *lego.Client, domain string) (chainPEM, keyPEM []byte, err error) {
	res, err := client.Certificate.Obtain(legocert.ObtainRequest{
		Domains: []string{domain},
		Bundle:  true,
	})
	if err != nil {
		return nil, nil, err
	}
	return res.Certificate, res.PrivateKey, nil
}
