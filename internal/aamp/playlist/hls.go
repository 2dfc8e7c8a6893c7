package playlist

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/josephch/aamp-go/internal/aamp/drm"
)

// NoDrmContext is the sentinel IndexNode.DrmContextIndex value meaning
// "no encryption active for this fragment".
const NoDrmContext = -1

// PlaylistType mirrors StreamAbstraction's playlistType field (§3).
type PlaylistType int

const (
	PlaylistUndefined PlaylistType = iota
	PlaylistVOD
	PlaylistEvent
)

// ByteRange is an HLS EXT-X-BYTERANGE attachment: length@offset. A zero
// Offset with Offset-unset means "immediately after the previous range",
// per the HLS spec; HasOffset distinguishes an explicit 0 from absent.
type ByteRange struct {
	Length    int64
	Offset    int64
	HasOffset bool
}

// IndexNode is one fragment entry produced by Parse (§3). FragmentURI and
// ByteRange stand in for the "pointer-into-playlist" the spec describes;
// this package owns no persistent playlist buffer to point into.
type IndexNode struct {
	CompletionTimeFromStartSec float64
	DurationSec                float64
	FragmentURI                string
	ByteRange                  *ByteRange
	DrmContextIndex            int
	Discontinuity              bool
	ProgramDateTime            *time.Time
	InitSection                *ByteRange // from the most recent EXT-X-MAP BYTERANGE, if any
	InitSectionURI             string
	TimedMetadataMs            int64 // >0 when a subscribed-app tag fired at this node
	TimedMetadataName          string
	TimedMetadataContent       string
	FOGObservedBitrateBps      int64 // >0 when the fragment URI carried a FOG bandwidth query param
}

// DrmMetadata is one entry of a playlist's per-snapshot DRM context table
// (§3). Entries are deduplicated by Sha1Hash.
type DrmMetadata struct {
	Sha1Hash string
	Blob     []byte
	Method   drm.Method
	IV       [16]byte
	KeyURI   string
}

// Result is the rebuilt playlist snapshot Parse produces (§4.3).
type Result struct {
	IndexNodes              []IndexNode
	DrmMetaTable            []DrmMetadata
	TargetDurationSec       float64
	FirstMediaSequenceNumber int64
	PeriodStartPositions    map[int]float64
	PlaylistType            PlaylistType
	HasEndListTag           bool
	TotalDurationSec        float64

	// DeferredSha1/DeferredDueDelaySec record a deferred-license tag
	// observation (§4.6); DeferredDueDelaySec is the delay, computed by
	// the caller's entropy source, to apply from a reference instant
	// (first-fragment-injected time).
	DeferredSha1         string
	DeferredDueDelaySec  float64
	HasDeferredLicense   bool
}

// Options configures Parse's optional behaviors.
type Options struct {
	// SubscribedAppTagsEnabled enables emission of TimedMetadata fields
	// from subscribed-application tags (EXT-X-APP-* family).
	SubscribedAppTagsEnabled bool

	// DeferredLicenseWindowFunc returns the [lowerSec, upperSec] window for
	// the deferred-license delay (§4.6), given the playlist duration seen
	// so far. Parse does not roll a random delay itself: it records
	// lowerSec as DeferredDueDelaySec, so a func that picks the point from
	// its own entropy source returns it as both bounds (as
	// drm.DeferredLicenseWindowSec does).
	DeferredLicenseWindowFunc func(maxTimeSec float64) (lowerSec, upperSec float64)

	Logger *slog.Logger
}

// Parse parses one HLS media playlist into a Result (§4.3). It is a
// single line-oriented pass; unknown tags are logged and skipped.
func Parse(data []byte, opts Options) (*Result, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	return parseLines(scanner, opts)
}

// parseState carries the "current" context the spec describes as
// persisting across lines until superseded (pending duration, active DRM
// context, discontinuity flag awaiting the next segment URI, and so on).
type parseState struct {
	result *Result

	pendingDuration      float64
	pendingByteRange     *ByteRange
	pendingDiscontinuity bool
	pendingPDT           *time.Time
	pendingInitSection   *ByteRange
	pendingInitURI       string
	havePendingSegment   bool

	currentDrmContext int // index into DrmMetaTable, or NoDrmContext
	sha1ToIndex       map[string]int

	sawFirstPDT bool
	totalDur    float64
	seqCounter  int64
}

func parseLines(scanner *bufio.Scanner, opts Options) (*Result, error) {
	res := &Result{
		PlaylistType:         PlaylistUndefined,
		PeriodStartPositions: make(map[int]float64),
	}
	st := &parseState{
		result:            res,
		currentDrmContext: NoDrmContext,
		sha1ToIndex:       make(map[string]int),
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			st.handleExtInf(line)

		case strings.HasPrefix(line, "#EXT-X-BYTERANGE:"):
			st.handleByteRange(line)

		case strings.HasPrefix(line, "#EXT-X-MAP:"):
			st.handleMap(line)

		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			if v, err := strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64); err == nil {
				res.TargetDurationSec = v
			}

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			if v, err := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64); err == nil {
				res.FirstMediaSequenceNumber = v
				st.seqCounter = v
			}

		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			st.handleKey(line)

		case strings.HasPrefix(line, "#EXT-X-FAXS-CM:"):
			st.handleFaxsCM(strings.TrimPrefix(line, "#EXT-X-FAXS-CM:"))

		case line == "#EXT-X-DISCONTINUITY":
			st.pendingDiscontinuity = true
			if st.totalDur > 0 {
				res.PeriodStartPositions[len(res.IndexNodes)] = st.totalDur
			}

		case strings.HasPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:"):
			st.handleProgramDateTime(line)

		case line == "#EXT-X-ENDLIST":
			res.HasEndListTag = true
			res.PlaylistType = PlaylistVOD

		case strings.HasPrefix(line, "#EXT-X-PLAYLIST-TYPE:"):
			switch strings.TrimSpace(strings.TrimPrefix(line, "#EXT-X-PLAYLIST-TYPE:")) {
			case "VOD":
				res.PlaylistType = PlaylistVOD
			case "EVENT":
				res.PlaylistType = PlaylistEvent
			}

		case strings.HasPrefix(line, "#EXT-X-DEFERRED-LICENSE"):
			st.handleDeferredLicense(opts)

		case strings.HasPrefix(line, "#EXT-X-APP-"):
			if opts.SubscribedAppTagsEnabled {
				st.handleAppTag(line)
			}

		case strings.HasPrefix(line, "#"):
			opts.Logger.Debug("playlist: skipping unrecognized tag", slog.String("tag", line))

		default:
			st.handleSegmentURI(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("playlist: scan media playlist: %w", err)
	}

	res.TotalDurationSec = st.totalDur
	postProcessFOGBandwidth(res)
	return res, nil
}

func (st *parseState) handleExtInf(line string) {
	rest := strings.TrimPrefix(line, "#EXTINF:")
	durStr := rest
	if idx := strings.IndexByte(rest, ','); idx >= 0 {
		durStr = rest[:idx]
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(durStr), 64); err == nil {
		st.pendingDuration = v
	}
	st.havePendingSegment = true
}

func (st *parseState) handleByteRange(line string) {
	spec := strings.TrimPrefix(line, "#EXT-X-BYTERANGE:")
	br, ok := parseByteRangeSpec(spec)
	if ok {
		st.pendingByteRange = br
	}
}

func parseByteRangeSpec(spec string) (*ByteRange, bool) {
	parts := strings.SplitN(spec, "@", 2)
	length, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, false
	}
	br := &ByteRange{Length: length}
	if len(parts) == 2 {
		offset, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, false
		}
		br.Offset = offset
		br.HasOffset = true
	}
	return br, true
}

func (st *parseState) handleMap(line string) {
	attrs := parseAttributeList(strings.TrimPrefix(line, "#EXT-X-MAP:"))
	st.pendingInitURI = attrs["URI"]
	if br, ok := attrs["BYTERANGE"]; ok {
		if parsed, ok := parseByteRangeSpec(br); ok {
			st.pendingInitSection = parsed
		}
	}
}

func (st *parseState) handleKey(line string) {
	attrs := parseAttributeList(strings.TrimPrefix(line, "#EXT-X-KEY:"))
	method := strings.ToUpper(attrs["METHOD"])
	if method == "NONE" {
		st.currentDrmContext = NoDrmContext
		return
	}

	meta := DrmMetadata{KeyURI: attrs["URI"]}
	switch method {
	case "SAMPLE-AES":
		meta.Method = drm.MethodSampleAES
	default:
		meta.Method = drm.MethodAES128
	}
	if ivStr, ok := attrs["IV"]; ok {
		if iv, ok := parseHexIV(ivStr); ok {
			meta.IV = iv
		}
	}
	meta.Sha1Hash = drm.Sha1Hex([]byte(meta.KeyURI))

	if idx, ok := st.sha1ToIndex[meta.Sha1Hash]; ok {
		st.currentDrmContext = idx
		return
	}
	st.result.DrmMetaTable = append(st.result.DrmMetaTable, meta)
	idx := len(st.result.DrmMetaTable) - 1
	st.sha1ToIndex[meta.Sha1Hash] = idx
	st.currentDrmContext = idx
}

func parseHexIV(s string) ([16]byte, bool) {
	var iv [16]byte
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		return iv, false
	}
	copy(iv[:], b)
	return iv, true
}

func (st *parseState) handleFaxsCM(b64 string) {
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return
	}
	sha1Hash := drm.Sha1Hex(blob)
	if idx, ok := st.sha1ToIndex[sha1Hash]; ok {
		st.result.DrmMetaTable[idx].Blob = blob
		return
	}
	meta := DrmMetadata{Sha1Hash: sha1Hash, Blob: blob}
	st.result.DrmMetaTable = append(st.result.DrmMetaTable, meta)
	st.sha1ToIndex[sha1Hash] = len(st.result.DrmMetaTable) - 1
}

func (st *parseState) handleProgramDateTime(line string) {
	if st.sawFirstPDT {
		return
	}
	raw := strings.TrimPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:")
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return
	}
	st.pendingPDT = &t
	st.sawFirstPDT = true
}

func (st *parseState) handleDeferredLicense(opts Options) {
	if len(st.result.DrmMetaTable) < 2 || len(st.result.IndexNodes) == 0 {
		return
	}
	// select the newest metadata entry
	newest := st.result.DrmMetaTable[len(st.result.DrmMetaTable)-1]
	st.result.HasDeferredLicense = true
	st.result.DeferredSha1 = newest.Sha1Hash

	if opts.DeferredLicenseWindowFunc != nil {
		lower, upper := opts.DeferredLicenseWindowFunc(st.totalDur)
		if upper >= lower {
			st.result.DeferredDueDelaySec = lower
		}
	}
}

func (st *parseState) handleAppTag(line string) {
	if len(st.result.IndexNodes) == 0 {
		return
	}
	idx := len(st.result.IndexNodes) - 1
	parts := strings.SplitN(strings.TrimPrefix(line, "#"), ":", 2)
	name := parts[0]
	content := ""
	if len(parts) == 2 {
		content = parts[1]
	}
	st.result.IndexNodes[idx].TimedMetadataMs = int64(st.totalDur * 1000)
	st.result.IndexNodes[idx].TimedMetadataName = name
	st.result.IndexNodes[idx].TimedMetadataContent = content
}

func (st *parseState) handleSegmentURI(uri string) {
	if !st.havePendingSegment {
		return
	}
	node := IndexNode{
		DurationSec:                st.pendingDuration,
		CompletionTimeFromStartSec: st.totalDur + st.pendingDuration,
		FragmentURI:                uri,
		ByteRange:                  st.pendingByteRange,
		DrmContextIndex:            st.currentDrmContext,
		Discontinuity:              st.pendingDiscontinuity,
		ProgramDateTime:            st.pendingPDT,
		InitSection:                st.pendingInitSection,
		InitSectionURI:             st.pendingInitURI,
	}
	st.result.IndexNodes = append(st.result.IndexNodes, node)
	st.totalDur += st.pendingDuration
	st.seqCounter++

	st.pendingDuration = 0
	st.pendingByteRange = nil
	st.pendingDiscontinuity = false
	st.pendingPDT = nil
	st.havePendingSegment = false
	// the init section persists until the next EXT-X-MAP replaces it
	// (EXT-X-MAP applies to all following segments); the PDT anchor is
	// attached only to the segment right after the first
	// EXT-X-PROGRAM-DATE-TIME tag.
}

// fogBandwidthQueryParam is the FOG-path query parameter carrying an
// observed bitrate for a redirected fragment URL (§4.3 post-pass).
const fogBandwidthQueryParam = "bandwidth-"

// postProcessFOGBandwidth scans fragment URIs for a "bandwidth-<n>" query
// parameter and, when present, stores its value in the node's
// FOGObservedBitrateBps. Nothing further is computed here, and no caller
// in this module feeds the value into the ABR bandwidth sample ring.
func postProcessFOGBandwidth(res *Result) {
	for i := range res.IndexNodes {
		node := &res.IndexNodes[i]
		if bps, ok := extractFOGBandwidth(node.FragmentURI); ok {
			node.FOGObservedBitrateBps = bps
		}
	}
}

func extractFOGBandwidth(uri string) (int64, bool) {
	idx := strings.Index(uri, fogBandwidthQueryParam)
	if idx < 0 {
		return 0, false
	}
	rest := uri[idx+len(fogBandwidthQueryParam):]
	end := strings.IndexAny(rest, "=&?#")
	if end >= 0 {
		rest = rest[:end]
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
