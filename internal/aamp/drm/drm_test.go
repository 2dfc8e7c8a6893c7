package drm

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josephch/aamp-go/internal/aamp/downloader"
)

type fakeFetcher struct {
	key []byte
	err error
	ok  bool
}

func (f *fakeFetcher) Get(_ context.Context, _ downloader.Request) (*downloader.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &downloader.Result{OK: f.ok, HTTPStatus: 200, Body: f.key}, nil
}

func fixedKey() []byte {
	return []byte("0123456789abcdef")
}

func TestSetDecryptInfo_AcquiresKeyAsynchronously(t *testing.T) {
	fetcher := &fakeFetcher{key: fixedKey(), ok: true}
	s := NewSession(fetcher, nil)

	assert.Equal(t, Initialized, s.State())
	rc := s.SetDecryptInfo(t.Context(), Metadata{KeyURI: "http://example/key", Sha1Hash: "abc"})
	assert.Equal(t, Success, rc)

	require.Eventually(t, func() bool {
		return s.State() == Acquired
	}, time.Second, 5*time.Millisecond)
}

func TestSetDecryptInfo_NoOpWhenAlreadyAcquiredForSameKey(t *testing.T) {
	fetcher := &fakeFetcher{key: fixedKey(), ok: true}
	s := NewSession(fetcher, nil)
	s.SetDecryptInfo(t.Context(), Metadata{KeyURI: "http://example/key"})
	require.Eventually(t, func() bool { return s.State() == Acquired }, time.Second, 5*time.Millisecond)

	rc := s.SetDecryptInfo(t.Context(), Metadata{KeyURI: "http://example/key"})
	assert.Equal(t, Success, rc)
	assert.Equal(t, Acquired, s.State())
}

func TestSetDecryptInfo_FailsOnWrongKeyLength(t *testing.T) {
	fetcher := &fakeFetcher{key: []byte("short"), ok: true}
	s := NewSession(fetcher, nil)
	s.SetDecryptInfo(t.Context(), Metadata{KeyURI: "http://example/key"})

	require.Eventually(t, func() bool { return s.State() == Failed }, time.Second, 5*time.Millisecond)
	assert.Error(t, s.LastError())
}

func TestDecrypt_WaitsThenSucceeds(t *testing.T) {
	fetcher := &fakeFetcher{key: fixedKey(), ok: true}
	s := NewSession(fetcher, nil)
	s.SetDecryptInfo(t.Context(), Metadata{KeyURI: "http://example/key"})

	block, err := aes.NewCipher(fixedKey())
	require.NoError(t, err)
	plain := []byte("0123456789abcdef")
	cipherText := make([]byte, len(plain))
	var iv [16]byte
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(cipherText, plain)

	s.mu.Lock()
	s.meta.IV = iv
	s.mu.Unlock()

	buf := append([]byte(nil), cipherText...)
	rc := s.Decrypt(t.Context(), "bucket", buf, time.Second)
	require.Equal(t, Success, rc)
	assert.Equal(t, plain, buf)
}

func TestDecrypt_TimesOutWhenKeyNeverArrives(t *testing.T) {
	fetcher := &fakeFetcher{err: context.DeadlineExceeded}
	s := NewSession(fetcher, nil)
	s.mu.Lock()
	s.state = AcquiringKey
	s.mu.Unlock()

	rc := s.Decrypt(t.Context(), "bucket", make([]byte, 16), 20*time.Millisecond)
	assert.Equal(t, KeyAcquisitionTimeout, rc)
}

func TestCancelAndRestoreKeyState(t *testing.T) {
	s := NewSession(&fakeFetcher{ok: true, key: fixedKey()}, nil)
	s.mu.Lock()
	s.state = Acquired
	s.mu.Unlock()

	s.CancelKeyWait()
	assert.Equal(t, Flush, s.State())
	s.RestoreKeyState()
	assert.Equal(t, Acquired, s.State())
}

func TestManager_SessionForReusesExisting(t *testing.T) {
	m := NewManager(&fakeFetcher{ok: true, key: fixedKey()}, nil)
	s1 := m.SessionFor("sha1abc")
	s2 := m.SessionFor("sha1abc")
	s3 := m.SessionFor("sha1other")

	assert.Same(t, s1, s2)
	assert.NotSame(t, s1, s3)
}

func TestSha1Hex_Deterministic(t *testing.T) {
	h1 := Sha1Hex([]byte("payload"))
	h2 := Sha1Hex([]byte("payload"))
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 40)
}

func TestDeferredLicenseWindowSec_DeterministicAndWithinBounds(t *testing.T) {
	lower1, upper1 := DeferredLicenseWindowSec("session-a", 120)
	lower2, upper2 := DeferredLicenseWindowSec("session-a", 120)
	assert.Equal(t, lower1, lower2)
	assert.Equal(t, upper1, upper2)
	assert.Equal(t, lower1, upper1)
	assert.GreaterOrEqual(t, lower1, 0.0)
	assert.LessOrEqual(t, lower1, 120.0)

	lowerB, _ := DeferredLicenseWindowSec("session-b", 120)
	assert.NotEqual(t, lower1, lowerB, "distinct entropy sources should spread out the deadline")
}

func TestDeferredLicenseWindowSec_ZeroMaxTimeIsZero(t *testing.T) {
	lower, upper := DeferredLicenseWindowSec("session-a", 0)
	assert.Zero(t, lower)
	assert.Zero(t, upper)
}
