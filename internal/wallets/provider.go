// Package wallets resolves signing keys for users. Keys live in the
// encrypted secret store; users without a stored key get one derived
// from the desk mnemonic and written back, so derivation happens once.
package wallets

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/orderdesk/pkg/secretstore"
)

var log = logrus.WithField("component", "wallets")

// Provider resolves per-user signing keys.
type Provider struct {
	store        *secretstore.Store
	mnemonic     string
	pathTemplate string // e.g. m/44'/60'/0'/0/%d
}

func NewProvider(store *secretstore.Store, mnemonic, pathTemplate string) *Provider {
	return &Provider{store: store, mnemonic: mnemonic, pathTemplate: pathTemplate}
}

// Key returns the signing key for userID, deriving at accountIndex
// under the configured path template when no key is stored.
func (p *Provider) Key(userID string, accountIndex int) (*ecdsa.PrivateKey, error) {
	return p.KeyForUser(userID, fmt.Sprintf(p.pathTemplate, accountIndex))
}

// KeyForUser returns the signing key for userID. Stored keys win;
// otherwise the key is derived at derivationPath under the desk
// mnemonic and persisted for next time.
func (p *Provider) KeyForUser(userID, derivationPath string) (*ecdsa.PrivateKey, error) {
	hexKey, ok, err := p.store.UserKey(userID)
	if err != nil {
		return nil, errors.Wrap(err, "load user key")
	}
	if ok {
		key, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			return nil, errors.Wrapf(err, "stored key for %s is invalid", userID)
		}
		return key, nil
	}

	if p.mnemonic == "" {
		return nil, errors.Errorf("no key stored for user %s and no mnemonic configured", userID)
	}
	if derivationPath == "" {
		return nil, errors.Errorf("no key stored for user %s and no derivation path assigned", userID)
	}

	hexKey, addr, err := p.derive(derivationPath)
	if err != nil {
		return nil, err
	}
	if err := p.store.SetUserKey(userID, hexKey); err != nil {
		return nil, errors.Wrap(err, "persist derived key")
	}
	log.WithFields(logrus.Fields{"user": userID, "address": addr}).Info("derived signing key")

	return crypto.HexToECDSA(hexKey)
}

func (p *Provider) derive(derivationPath string) (hexKey, address string, err error) {
	w, err := hdwallet.NewFromMnemonic(p.mnemonic)
	if err != nil {
		return "", "", errors.Wrap(err, "open hd wallet")
	}
	path, err := hdwallet.ParseDerivationPath(derivationPath)
	if err != nil {
		return "", "", errors.Wrap(err, "parse derivation path")
	}
	acct, err := w.Derive(path, false)
	if err != nil {
		return "", "", errors.Wrap(err, "derive account")
	}
	pk, err := w.PrivateKeyHex(acct)
	if err != nil {
		return "", "", errors.Wrap(err, "export private key")
	}
	return pk, acct.Address.Hex(), nil
}
