// Package keystore implements expiring bearer-token issuance and
// verification for the private and private_listed tracker modes.
package keystore

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/chihaya/tracker/bittorrent"
	"github.com/chihaya/tracker/middleware"
	"github.com/chihaya/tracker/storage"
)

// keyLength matches the original implementation's 32-char alphanumeric
// token.
const keyLength = 32

const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// ErrInvalidKey is returned when an Announce or Scrape carries a key that is
// missing, unknown, or expired.
var ErrInvalidKey = bittorrent.ClientError("invalid authentication key")

// KeyStore is a live, reloadable, persistence-backed set of authentication
// keys. A client-facing bearer token is generated with crypto/rand, so that
// the very clients that must present it back cannot predict it.
type KeyStore struct {
	persist storage.PersistencePort

	mu   sync.RWMutex
	keys map[string]storage.AuthKey
}

// NewKeyStore constructs a KeyStore, loading its initial contents from
// persist.
func NewKeyStore(persist storage.PersistencePort) (*KeyStore, error) {
	loaded, err := persist.LoadKeys()
	if err != nil {
		return nil, err
	}

	ks := &KeyStore{
		persist: persist,
		keys:    make(map[string]storage.AuthKey, len(loaded)),
	}
	for _, k := range loaded {
		ks.keys[k.Token] = k
	}

	return ks, nil
}

// Reload re-reads every key from persist, replacing the in-memory set
// wholesale.
func (ks *KeyStore) Reload() error {
	loaded, err := ks.persist.LoadKeys()
	if err != nil {
		return err
	}

	keys := make(map[string]storage.AuthKey, len(loaded))
	for _, k := range loaded {
		keys[k.Token] = k
	}

	ks.mu.Lock()
	ks.keys = keys
	ks.mu.Unlock()
	return nil
}

// Issue mints a new key with the given lifetime, persists it, and returns
// it. A zero lifetime produces a key that never expires.
func (ks *KeyStore) Issue(lifetime time.Duration) (storage.AuthKey, error) {
	token, err := randomToken()
	if err != nil {
		return storage.AuthKey{}, err
	}

	key := storage.AuthKey{Token: token}
	if lifetime > 0 {
		validUntil := time.Now().Add(lifetime)
		key.ValidUntil = &validUntil
	}

	if err := ks.persist.PersistKey(key); err != nil {
		return storage.AuthKey{}, err
	}

	ks.mu.Lock()
	ks.keys[key.Token] = key
	ks.mu.Unlock()

	return key, nil
}

// Revoke removes a key so it can no longer authenticate.
func (ks *KeyStore) Revoke(token string) error {
	if err := ks.persist.DeleteKey(token); err != nil {
		return err
	}
	ks.mu.Lock()
	delete(ks.keys, token)
	ks.mu.Unlock()
	return nil
}

// Verify reports whether token names a currently valid, unexpired key.
func (ks *KeyStore) Verify(token string) bool {
	ks.mu.RLock()
	key, ok := ks.keys[token]
	ks.mu.RUnlock()
	if !ok {
		return false
	}
	return !key.Expired(time.Now())
}

func randomToken() (string, error) {
	buf := make([]byte, keyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return string(buf), nil
}

var _ middleware.Hook = &Hook{}

// Hook adapts a KeyStore into the middleware pre-hook chain, reading the
// announce/scrape key from the request's route parameters (the HTTP
// frontend's /announce/:key and /scrape/:key variants).
type Hook struct {
	store *KeyStore
}

// NewHook returns a Hook backed by store.
func NewHook(store *KeyStore) *Hook {
	return &Hook{store: store}
}

func keyFromContext(ctx context.Context) (string, bool) {
	rp, ok := ctx.Value(bittorrent.RouteParamsKey).(bittorrent.RouteParams)
	if !ok {
		return "", false
	}
	key := rp.ByName("key")
	return key, key != ""
}

// HandleAnnounce rejects the request unless its route carries a valid key.
func (h *Hook) HandleAnnounce(ctx context.Context, _ *bittorrent.AnnounceRequest, _ *bittorrent.AnnounceResponse) (context.Context, error) {
	key, ok := keyFromContext(ctx)
	if !ok || !h.store.Verify(key) {
		return ctx, ErrInvalidKey
	}
	return ctx, nil
}

// HandleScrape rejects the request unless its route carries a valid key.
//
// Unlike torrentapproval's whitelist miss, an authentication failure is not
// a BEP-48 per-info-hash concern: the request as a whole never identified
// itself, so it fails outright rather than degrading to a zeroed scrape.
func (h *Hook) HandleScrape(ctx context.Context, _ *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	key, ok := keyFromContext(ctx)
	if !ok || !h.store.Verify(key) {
		return ctx, ErrInvalidKey
	}
	return ctx, nil
}
