// Package drm implements the HlsDrmBase contract consumed by the core and
// the DrmSession state machine that coordinates license acquisition and
// per-fragment decryption. Concrete DRM provider back-ends (license
// negotiation wire format, cryptographic primitive selection beyond
// AES-128-CBC) are external collaborators reached only through Downloader.
package drm

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1" //nolint:gosec // sha1 is the playlist metadata dedup key, not a security boundary
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/josephch/aamp-go/internal/aamp/downloader"
	"github.com/josephch/aamp-go/internal/aamp/tunerror"
)

// AES128KeyLen is the expected length, in bytes, of an AES-128 content key.
const AES128KeyLen = 16

// Method identifies the encryption method carried by a playlist key tag.
type Method int

const (
	MethodNone Method = iota
	MethodAES128
	MethodSampleAES
)

// ReturnCode mirrors the HlsDrmBase return taxonomy (§6).
type ReturnCode int

const (
	Success ReturnCode = iota
	KeyAcquisitionTimeout
	ErrorCode
)

// Metadata is the per-playlist DRM context captured from a key tag plus its
// associated encrypted metadata blob (playlist.DrmMetadata, duplicated here
// to keep this package import-free of playlist).
type Metadata struct {
	Sha1Hash string // 40-char hex
	Blob     []byte
	Method   Method
	IV       [16]byte
	KeyURI   string
}

// State is a DrmSession's lifecycle state.
type State int

const (
	Initialized State = iota
	AcquiringKey
	Acquired
	Failed
	Flush
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "INITIALIZED"
	case AcquiringKey:
		return "ACQUIRING_KEY"
	case Acquired:
		return "ACQUIRED"
	case Failed:
		return "FAILED"
	case Flush:
		return "FLUSH"
	default:
		return "UNKNOWN"
	}
}

// HlsDrmBase is the contract the core consumes for key acquisition and
// block-level decrypt invocation (§6).
type HlsDrmBase interface {
	SetMetaData(meta Metadata) ReturnCode
	SetDecryptInfo(ctx context.Context, meta Metadata) ReturnCode
	Decrypt(ctx context.Context, bucket string, buf []byte, timeout time.Duration) ReturnCode
	Release()
	CancelKeyWait()
	RestoreKeyState()
}

// KeyFetcher fetches the raw content key bytes for a key URI. Production
// code supplies a *downloader.Downloader; tests supply a fake.
type KeyFetcher interface {
	Get(ctx context.Context, req downloader.Request) (*downloader.Result, error)
}

// Session is a per-key-id DrmSession: the state machine described in §4.6.
// A Session is shared across tracks via Manager's per-sha1 map.
type Session struct {
	ID uuid.UUID

	mu           sync.Mutex
	cond         *sync.Cond
	state        State
	priorState   State
	meta         Metadata
	keyURI       string // URI this session was last SetDecryptInfo'd with
	key          []byte
	block        cipher.Block
	lastErr      error
	acquireStart time.Time

	fetcher KeyFetcher
	logger  *slog.Logger
}

// NewSession constructs a Session in the INITIALIZED state.
func NewSession(fetcher KeyFetcher, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		ID:      uuid.New(),
		state:   Initialized,
		fetcher: fetcher,
		logger:  logger,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetMetaData implements HlsDrmBase: records the encrypted metadata blob
// for later use by the license challenge. It does not itself transition
// state — SetDecryptInfo does.
func (s *Session) SetMetaData(meta Metadata) ReturnCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = meta
	return Success
}

// SetDecryptInfo implements HlsDrmBase: if already ACQUIRED for the same
// key URI, this is a no-op; otherwise it transitions to ACQUIRING_KEY and
// spawns a license acquisition task.
func (s *Session) SetDecryptInfo(ctx context.Context, meta Metadata) ReturnCode {
	s.mu.Lock()
	if s.state == Acquired && s.keyURI == meta.KeyURI {
		s.mu.Unlock()
		return Success
	}
	s.meta = meta
	s.keyURI = meta.KeyURI
	s.state = AcquiringKey
	s.acquireStart = time.Now()
	s.mu.Unlock()

	go s.acquireKey(ctx, meta)
	return Success
}

// acquireKey fetches the key URI via the Downloader and signals waiters.
func (s *Session) acquireKey(ctx context.Context, meta Metadata) {
	if s.fetcher == nil {
		s.mu.Lock()
		s.state = Failed
		s.lastErr = ErrNoFetcher
		s.cond.Broadcast()
		s.mu.Unlock()
		return
	}
	result, err := s.fetcher.Get(ctx, downloader.Request{URL: meta.KeyURI, FileKind: downloader.FileKindLicense})

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Flush {
		// Stop() cancelled us while the fetch was in flight.
		return
	}

	if err != nil || result == nil || !result.OK {
		s.state = Failed
		s.lastErr = mapAcquireError(err, result)
		s.logger.Error("drm license acquisition failed",
			slog.String("key_uri", meta.KeyURI),
			slog.String("sha1", meta.Sha1Hash),
			slog.Any("error", s.lastErr),
		)
		s.cond.Broadcast()
		return
	}

	if len(result.Body) != AES128KeyLen {
		s.state = Failed
		s.lastErr = tunerror.New(tunerror.InvalidDRMKey, false,
			fmt.Errorf("drm: key length %d, want %d", len(result.Body), AES128KeyLen))
		s.cond.Broadcast()
		return
	}

	block, err := aes.NewCipher(result.Body)
	if err != nil {
		s.state = Failed
		s.lastErr = tunerror.New(tunerror.DRMKeyUpdateFailed, false, err)
		s.cond.Broadcast()
		return
	}

	s.key = result.Body
	s.block = block
	s.state = Acquired
	s.logger.Info("drm license acquired", slog.String("sha1", meta.Sha1Hash))
	s.cond.Broadcast()
}

func mapAcquireError(err error, result *downloader.Result) error {
	if result != nil {
		switch result.HTTPStatus {
		case 404:
			return tunerror.NewHTTP(tunerror.FailedToGetKeyID, result.HTTPStatus, false, err)
		case 401, 403:
			return tunerror.NewHTTP(tunerror.AuthorisationFailure, result.HTTPStatus, false, err)
		}
	}
	return tunerror.New(tunerror.LicenceRequestFailed, true, err)
}

// Decrypt implements HlsDrmBase: waits (if acquiring) then performs
// in-place AES-128-CBC decryption.
func (s *Session) Decrypt(ctx context.Context, bucket string, buf []byte, timeout time.Duration) ReturnCode {
	s.mu.Lock()

	if s.state == AcquiringKey {
		deadline := time.Now().Add(timeout)
		for s.state == AcquiringKey {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				s.mu.Unlock()
				return KeyAcquisitionTimeout
			}
			waited := waitWithTimeout(s.cond, remaining)
			if !waited {
				s.mu.Unlock()
				return KeyAcquisitionTimeout
			}
		}
		if s.state == Flush {
			s.mu.Unlock()
			return KeyAcquisitionTimeout
		}
	}

	if s.state != Acquired {
		s.mu.Unlock()
		return ErrorCode
	}

	block := s.block
	iv := s.meta.IV
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ErrorCode
	default:
	}

	if len(buf)%aes.BlockSize != 0 {
		return ErrorCode
	}

	mode := cipher.NewCBCDecrypter(block, iv[:])
	mode.CryptBlocks(buf, buf)
	return Success
}

// waitWithTimeout waits on cond for up to timeout, returning false if the
// timeout elapsed without a broadcast. sync.Cond has no native timed wait,
// so a timer goroutine locks the same mutex and broadcasts once the
// timeout elapses, waking this waiter.
func waitWithTimeout(cond *sync.Cond, timeout time.Duration) bool {
	timer := time.AfterFunc(timeout, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()

	start := time.Now()
	cond.Wait()
	return time.Since(start) < timeout
}

// CancelKeyWait implements HlsDrmBase: transitions to FLUSH, preserving
// the prior state for RestoreKeyState, and wakes any waiters so pending
// Decrypt calls return KEY_ACQUISITION_TIMEOUT promptly.
func (s *Session) CancelKeyWait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priorState = s.state
	s.state = Flush
	s.cond.Broadcast()
}

// RestoreKeyState implements HlsDrmBase: restores the state captured by
// the most recent CancelKeyWait.
func (s *Session) RestoreKeyState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Flush {
		s.state = s.priorState
	}
}

// Release implements HlsDrmBase: releases the decrypted key material.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = nil
	s.block = nil
}

// LastError returns the error recorded by the most recent failed
// acquisition, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Manager coordinates DrmSession reuse across tracks: a second track
// reaching the same sha1 reuses the in-progress or completed session (§4.6).
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	fetcher  KeyFetcher
	logger   *slog.Logger
}

// NewManager constructs an empty session manager.
func NewManager(fetcher KeyFetcher, logger *slog.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		fetcher:  fetcher,
		logger:   logger,
	}
}

// SessionFor returns the existing session for sha1Hash, creating one if
// none exists yet.
func (m *Manager) SessionFor(sha1Hash string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sha1Hash]; ok {
		return s
	}
	s := NewSession(m.fetcher, m.logger)
	m.sessions[sha1Hash] = s
	return s
}

// ReleaseAll cancels and releases every tracked session, e.g. on
// PlayerCore.Stop.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sha1Hash, s := range m.sessions {
		s.CancelKeyWait()
		s.Release()
		delete(m.sessions, sha1Hash)
	}
}

// Sha1Hex computes the 40-char hex sha1 digest of blob, used for
// DrmMetadata deduplication by the playlist parser.
func Sha1Hex(blob []byte) string {
	sum := sha1.Sum(blob) //nolint:gosec // content-addressing key, not a security hash
	return hex.EncodeToString(sum[:])
}

// DeferredLicenseWindowSec computes the deferred-license due-delay window
// (§4.6) a playlist.Options.DeferredLicenseWindowFunc returns: a SHA-1
// hash over entropySource, turned into a fraction and scaled into
// [0, maxTimeSec]. The original computed this
// deadline from a SHA-1 hash over the device's MAC address so that a
// large fleet's license requests spread out rather than all firing at
// once; entropySource stands in for that stable identifier (a fresh UUID
// per HLS coordinator by default, see stream.HLS.entropySource) since reading
// a MAC address is an OS/privilege concern this package doesn't reach
// for. lowerSec and upperSec are equal: this selection is deterministic
// per entropySource rather than re-rolled on every call.
func DeferredLicenseWindowSec(entropySource string, maxTimeSec float64) (lowerSec, upperSec float64) {
	if maxTimeSec <= 0 {
		return 0, 0
	}
	sum := sha1.Sum([]byte(entropySource)) //nolint:gosec // load-distribution seed, not a security hash
	n := binary.BigEndian.Uint64(sum[:8])
	frac := float64(n) / float64(math.MaxUint64)
	delay := frac * maxTimeSec
	return delay, delay
}

// ErrNoFetcher is returned when a Session is asked to acquire a key with
// no KeyFetcher configured.
var ErrNoFetcher = errors.New("drm: no key fetcher configured")
