// Package playlist parses HLS master and media playlists into the
// Profile/Variant/IndexNode/DrmMetadata data model described in §3, and
// DASH MPDs into the same Profile/Variant shape via a minimal
// period/segment-template reader (see dash.go).
package playlist

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// MediaType identifies the kind of a Variant (an alternate rendition
// referenced from the master playlist's EXT-X-MEDIA tags).
type MediaType int

const (
	MediaAudio MediaType = iota
	MediaVideo
	MediaSubtitle
)

// Profile is one variant video stream at a given bandwidth/resolution,
// immutable once the master manifest has been parsed (§3).
type Profile struct {
	IsIframeTrack bool
	BandwidthBps  int64
	Width         int
	Height        int
	URI           string
	Codecs        string
	AudioGroup    string
}

// Variant is an alternate media rendition (audio language or subtitle)
// referenced from an EXT-X-MEDIA tag in the master playlist.
type Variant struct {
	Type        MediaType
	GroupID     string
	Name        string
	LanguageTag string
	AutoSelect  bool
	Default     bool
	URI         string
}

// Master is the parsed result of a master (multivariant) playlist.
type Master struct {
	Profiles []Profile
	Variants []Variant
}

// ParseMaster parses an HLS master playlist into Profiles and Variants.
// Unknown tags are ignored; this is a line-oriented single pass matching
// the same discipline as Parse.
func ParseMaster(data []byte) (*Master, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	m := &Master{}
	var pendingStreamInf *streamInfAttrs

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			attrs := parseAttributeList(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			pendingStreamInf = &streamInfAttrs{attrs: attrs}

		case strings.HasPrefix(line, "#EXT-X-I-FRAME-STREAM-INF:"):
			attrs := parseAttributeList(strings.TrimPrefix(line, "#EXT-X-I-FRAME-STREAM-INF:"))
			profile := profileFromAttrs(attrs, true)
			m.Profiles = append(m.Profiles, profile)

		case strings.HasPrefix(line, "#EXT-X-MEDIA:"):
			attrs := parseAttributeList(strings.TrimPrefix(line, "#EXT-X-MEDIA:"))
			m.Variants = append(m.Variants, variantFromAttrs(attrs))

		case strings.HasPrefix(line, "#"):
			// unrecognized tag; skip.

		default:
			if pendingStreamInf != nil {
				profile := profileFromAttrs(pendingStreamInf.attrs, false)
				profile.URI = line
				m.Profiles = append(m.Profiles, profile)
				pendingStreamInf = nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("playlist: scan master: %w", err)
	}
	return m, nil
}

type streamInfAttrs struct {
	attrs map[string]string
}

func profileFromAttrs(attrs map[string]string, iframe bool) Profile {
	p := Profile{IsIframeTrack: iframe, Codecs: attrs["CODECS"]}
	if bw, ok := attrs["BANDWIDTH"]; ok {
		if n, err := strconv.ParseInt(bw, 10, 64); err == nil {
			p.BandwidthBps = n
		}
	}
	if res, ok := attrs["RESOLUTION"]; ok {
		if w, h, ok := parseResolution(res); ok {
			p.Width, p.Height = w, h
		}
	}
	if ag, ok := attrs["AUDIO"]; ok {
		p.AudioGroup = ag
	}
	if uri, ok := attrs["URI"]; ok {
		p.URI = uri
	}
	return p
}

func variantFromAttrs(attrs map[string]string) Variant {
	v := Variant{
		GroupID:     attrs["GROUP-ID"],
		Name:        attrs["NAME"],
		LanguageTag: attrs["LANGUAGE"],
		AutoSelect:  strings.EqualFold(attrs["AUTOSELECT"], "YES"),
		Default:     strings.EqualFold(attrs["DEFAULT"], "YES"),
		URI:         attrs["URI"],
	}
	switch strings.ToUpper(attrs["TYPE"]) {
	case "SUBTITLES":
		v.Type = MediaSubtitle
	case "VIDEO":
		v.Type = MediaVideo
	default:
		v.Type = MediaAudio
	}
	return v
}

func parseResolution(s string) (w, h int, ok bool) {
	parts := strings.SplitN(s, "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	wi, err1 := strconv.Atoi(parts[0])
	hi, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return wi, hi, true
}

// parseAttributeList parses an HLS attribute-list string
// (KEY=VALUE,KEY="quoted,value",...) honoring commas inside quotes.
func parseAttributeList(s string) map[string]string {
	attrs := make(map[string]string)
	var key strings.Builder
	var val strings.Builder
	inQuotes := false
	inKey := true

	flush := func() {
		k := strings.TrimSpace(key.String())
		if k != "" {
			attrs[strings.ToUpper(k)] = strings.Trim(val.String(), `"`)
		}
		key.Reset()
		val.Reset()
		inKey = true
	}

	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			val.WriteRune(r)
		case r == '=' && inKey && !inQuotes:
			inKey = false
		case r == ',' && !inQuotes:
			flush()
		default:
			if inKey {
				key.WriteRune(r)
			} else {
				val.WriteRune(r)
			}
		}
	}
	flush()
	return attrs
}
