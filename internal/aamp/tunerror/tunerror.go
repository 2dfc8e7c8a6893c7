// Package tunerror defines the TUNE_FAILED error taxonomy (§7) shared by
// every component that can originate a fatal tune-time failure: DrmSession,
// MediaTrack, StreamAbstraction, and PlayerCore itself.
package tunerror

import (
	"fmt"
	"strings"
)

// Code identifies a TUNE_FAILED reason.
type Code int

const (
	InitFailed Code = iota
	ManifestReqFailed
	AuthorisationFailure
	FragmentDownloadFailure
	InitFragmentDownloadFailure
	DRMInitFailed
	DRMDataBindFailed
	DRMChallengeFailed
	DRMKeyUpdateFailed
	LicenceTimeout
	LicenceRequestFailed
	InvalidDRMKey
	FailedToGetKeyID
	FailedToGetAccessToken
	CorruptDRMData
	DRMDecryptFailed
	GstPipelineError
	PlaybackStalled
	ContentNotFound
	UnsupportedStreamType
	DeviceNotProvisioned
	UntrackedDRMError
	FailureUnknown
	SeekRangeError
	TrackSyncFailed
)

// String returns the taxonomy code's name.
func (c Code) String() string {
	switch c {
	case InitFailed:
		return "INIT_FAILED"
	case ManifestReqFailed:
		return "MANIFEST_REQ_FAILED"
	case AuthorisationFailure:
		return "AUTHORISATION_FAILURE"
	case FragmentDownloadFailure:
		return "FRAGMENT_DOWNLOAD_FAILURE"
	case InitFragmentDownloadFailure:
		return "INIT_FRAGMENT_DOWNLOAD_FAILURE"
	case DRMInitFailed:
		return "DRM_INIT_FAILED"
	case DRMDataBindFailed:
		return "DRM_DATA_BIND_FAILED"
	case DRMChallengeFailed:
		return "DRM_CHALLENGE_FAILED"
	case DRMKeyUpdateFailed:
		return "DRM_KEY_UPDATE_FAILED"
	case LicenceTimeout:
		return "LICENCE_TIMEOUT"
	case LicenceRequestFailed:
		return "LICENCE_REQUEST_FAILED"
	case InvalidDRMKey:
		return "INVALID_DRM_KEY"
	case FailedToGetKeyID:
		return "FAILED_TO_GET_KEYID"
	case FailedToGetAccessToken:
		return "FAILED_TO_GET_ACCESS_TOKEN"
	case CorruptDRMData:
		return "CORRUPT_DRM_DATA"
	case DRMDecryptFailed:
		return "DRM_DECRYPT_FAILED"
	case GstPipelineError:
		return "GST_PIPELINE_ERROR"
	case PlaybackStalled:
		return "PLAYBACK_STALLED"
	case ContentNotFound:
		return "CONTENT_NOT_FOUND"
	case UnsupportedStreamType:
		return "UNSUPPORTED_STREAM_TYPE"
	case DeviceNotProvisioned:
		return "DEVICE_NOT_PROVISIONED"
	case UntrackedDRMError:
		return "UNTRACKED_DRM_ERROR"
	case SeekRangeError:
		return "SEEK_RANGE_ERROR"
	case TrackSyncFailed:
		return "TRACK_SYNC_FAILED"
	default:
		return "FAILURE_UNKNOWN"
	}
}

// TuneError wraps an inner error with the taxonomy code and retry
// classification that PlayerCore surfaces as a TUNE_FAILED event.
type TuneError struct {
	Code      Code
	HTTPCode  int
	Retryable bool
	Err       error
}

// Error implements the error interface.
func (e *TuneError) Error() string {
	if e.HTTPCode != 0 {
		return fmt.Sprintf("%s (http %d): %v", e.Code, e.HTTPCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

// Unwrap returns the underlying error.
func (e *TuneError) Unwrap() error {
	return e.Err
}

// New constructs a TuneError.
func New(code Code, retryable bool, err error) *TuneError {
	return &TuneError{Code: code, Retryable: retryable, Err: err}
}

// NewHTTP constructs a TuneError carrying an HTTP/CURL status code.
func NewHTTP(code Code, httpCode int, retryable bool, err error) *TuneError {
	return &TuneError{Code: code, HTTPCode: httpCode, Retryable: retryable, Err: err}
}

// nonRetryableSubstrings marks certain GST_PIPELINE_ERROR messages as
// non-retryable regardless of the default classification for that code.
var nonRetryableSubstrings = []string{
	"HDCP Authentication Failure",
}

// IsNonRetryableGstError reports whether msg matches a known
// non-retryable sink failure substring.
func IsNonRetryableGstError(msg string) bool {
	for _, s := range nonRetryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
