package playlist

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// mpd is the minimal subset of an MPD document this package understands:
// one or more Periods, each with AdaptationSets carrying Representations
// and a SegmentTemplate using $Number$ substitution. Multi-period live
// MPDs, SegmentTimeline, and SegmentList are out of scope; DASH here
// targets VOD period-based sync (see the DASH depth decision in
// DESIGN.md).
type mpd struct {
	XMLName               xml.Name `xml:"MPD"`
	MediaPresentationDur  string   `xml:"mediaPresentationDuration,attr"`
	Periods               []mpdPeriod `xml:"Period"`
}

type mpdPeriod struct {
	ID              string             `xml:"id,attr"`
	AdaptationSets  []mpdAdaptationSet `xml:"AdaptationSet"`
}

type mpdAdaptationSet struct {
	ContentType     string              `xml:"contentType,attr"`
	MimeType        string              `xml:"mimeType,attr"`
	Lang            string              `xml:"lang,attr"`
	Representations []mpdRepresentation `xml:"Representation"`
	SegmentTemplate *mpdSegmentTemplate `xml:"SegmentTemplate"`
}

type mpdRepresentation struct {
	ID              string              `xml:"id,attr"`
	Bandwidth       int64               `xml:"bandwidth,attr"`
	Width           int                 `xml:"width,attr"`
	Height          int                 `xml:"height,attr"`
	Codecs          string              `xml:"codecs,attr"`
	SegmentTemplate *mpdSegmentTemplate `xml:"SegmentTemplate"`
}

type mpdSegmentTemplate struct {
	Media          string `xml:"media,attr"`
	Initialization string `xml:"initialization,attr"`
	Duration       int64  `xml:"duration,attr"`
	Timescale      int64  `xml:"timescale,attr"`
	StartNumber    int64  `xml:"startNumber,attr"`
}

// DASHPeriod is one parsed MPD Period: its profiles (one per
// Representation) and the IndexNodes its SegmentTemplate expands to.
type DASHPeriod struct {
	ID       string
	Profiles []Profile
	// Index maps representation ID to its expanded fragment sequence,
	// since a DASH period can carry several representations per
	// AdaptationSet (unlike an HLS media playlist, which is one track).
	Index map[string][]IndexNode
}

// DASHResult is the parsed result of ParseMPD.
type DASHResult struct {
	Periods             []DASHPeriod
	TotalDurationSec     float64
	PeriodStartPositions map[int]float64
}

// ParseMPD parses a DASH MPD into period-grouped profiles and a
// SegmentTemplate-expanded fragment index, covering the VOD
// period-based-sync path StreamAbstraction needs (§4.7 step 4).
func ParseMPD(data []byte) (*DASHResult, error) {
	var doc mpd
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("playlist: parse mpd: %w", err)
	}

	res := &DASHResult{PeriodStartPositions: make(map[int]float64)}
	periodStart := 0.0

	for i, p := range doc.Periods {
		period := DASHPeriod{ID: p.ID, Index: make(map[string][]IndexNode)}
		res.PeriodStartPositions[i] = periodStart

		var periodDur float64
		for _, as := range p.AdaptationSets {
			iframe := as.ContentType == "image" || strings.Contains(as.MimeType, "image")
			for _, rep := range as.Representations {
				profile := Profile{
					IsIframeTrack: iframe,
					BandwidthBps:  rep.Bandwidth,
					Width:         rep.Width,
					Height:        rep.Height,
					Codecs:        rep.Codecs,
					URI:           rep.ID,
				}
				period.Profiles = append(period.Profiles, profile)

				tmpl := rep.SegmentTemplate
				if tmpl == nil {
					tmpl = as.SegmentTemplate
				}
				if tmpl == nil || tmpl.Duration == 0 || tmpl.Timescale == 0 {
					continue
				}
				nodes, dur := expandSegmentTemplate(rep.ID, tmpl)
				period.Index[rep.ID] = nodes
				if dur > periodDur {
					periodDur = dur
				}
			}
		}

		res.Periods = append(res.Periods, period)
		periodStart += periodDur
	}
	res.TotalDurationSec = periodStart
	return res, nil
}

// expandSegmentTemplate expands a fixed-duration $Number$ SegmentTemplate
// into defaultSegmentCount segments, each lasting the template's
// duration/timescale. The period's overall duration is not used to size
// the expansion, and nothing later expands the index further.
func expandSegmentTemplate(repID string, tmpl *mpdSegmentTemplate) ([]IndexNode, float64) {
	durationSec := float64(tmpl.Duration) / float64(tmpl.Timescale)
	if durationSec <= 0 {
		return nil, 0
	}

	const defaultSegmentCount = 1
	start := tmpl.StartNumber
	if start == 0 {
		start = 1
	}

	nodes := make([]IndexNode, 0, defaultSegmentCount)
	var total float64
	for n := start; n < start+defaultSegmentCount; n++ {
		uri := strings.ReplaceAll(tmpl.Media, "$Number$", strconv.FormatInt(n, 10))
		uri = strings.ReplaceAll(uri, "$RepresentationID$", repID)
		total += durationSec
		nodes = append(nodes, IndexNode{
			DurationSec:                durationSec,
			CompletionTimeFromStartSec: total,
			FragmentURI:                uri,
			DrmContextIndex:            NoDrmContext,
			InitSectionURI:             strings.ReplaceAll(tmpl.Initialization, "$RepresentationID$", repID),
		})
	}
	return nodes, total
}
