package keystore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/tracker/bittorrent"
	"github.com/chihaya/tracker/storage"
)

type fakePersistence struct {
	keys map[string]storage.AuthKey
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{keys: make(map[string]storage.AuthKey)}
}

func (f *fakePersistence) LoadCompletedCounters() (map[bittorrent.InfoHash]uint32, error) {
	return nil, nil
}
func (f *fakePersistence) PersistCompleted(bittorrent.InfoHash, uint32) error { return nil }

func (f *fakePersistence) LoadKeys() ([]storage.AuthKey, error) {
	out := make([]storage.AuthKey, 0, len(f.keys))
	for _, k := range f.keys {
		out = append(out, k)
	}
	return out, nil
}
func (f *fakePersistence) PersistKey(k storage.AuthKey) error {
	f.keys[k.Token] = k
	return nil
}
func (f *fakePersistence) DeleteKey(token string) error {
	delete(f.keys, token)
	return nil
}

func (f *fakePersistence) LoadWhitelist() ([]bittorrent.InfoHash, error)       { return nil, nil }
func (f *fakePersistence) AddWhitelist(bittorrent.InfoHash) error              { return nil }
func (f *fakePersistence) RemoveWhitelist(bittorrent.InfoHash) error           { return nil }
func (f *fakePersistence) ContainsWhitelist(bittorrent.InfoHash) (bool, error) { return false, nil }

var _ storage.PersistencePort = &fakePersistence{}

func TestKeyStore_IssueVerifyRevoke(t *testing.T) {
	p := newFakePersistence()
	ks, err := NewKeyStore(p)
	require.NoError(t, err)

	key, err := ks.Issue(time.Hour)
	require.NoError(t, err)
	require.Len(t, key.Token, keyLength)
	require.True(t, ks.Verify(key.Token))

	require.NoError(t, ks.Revoke(key.Token))
	require.False(t, ks.Verify(key.Token))
}

func TestKeyStore_ExpiredKeyFailsVerify(t *testing.T) {
	p := newFakePersistence()
	ks, err := NewKeyStore(p)
	require.NoError(t, err)

	key, err := ks.Issue(time.Hour)
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	p.keys[key.Token] = storage.AuthKey{Token: key.Token, ValidUntil: &past}
	require.NoError(t, ks.Reload())

	require.False(t, ks.Verify(key.Token))
}

func TestKeyStore_NonExpiringKey(t *testing.T) {
	p := newFakePersistence()
	ks, err := NewKeyStore(p)
	require.NoError(t, err)

	key, err := ks.Issue(0)
	require.NoError(t, err)
	require.Nil(t, key.ValidUntil)
	require.True(t, ks.Verify(key.Token))
}

func TestHook_RejectsMissingKey(t *testing.T) {
	p := newFakePersistence()
	ks, err := NewKeyStore(p)
	require.NoError(t, err)
	h := NewHook(ks)

	_, err = h.HandleAnnounce(context.Background(), &bittorrent.AnnounceRequest{}, &bittorrent.AnnounceResponse{})
	require.Equal(t, ErrInvalidKey, err)
}

func TestHook_AcceptsValidRouteKey(t *testing.T) {
	p := newFakePersistence()
	ks, err := NewKeyStore(p)
	require.NoError(t, err)
	h := NewHook(ks)

	key, err := ks.Issue(time.Hour)
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), bittorrent.RouteParamsKey,
		bittorrent.RouteParams{{Key: "key", Value: key.Token}})

	_, err = h.HandleAnnounce(ctx, &bittorrent.AnnounceRequest{}, &bittorrent.AnnounceResponse{})
	require.NoError(t, err)
}
