// Package playlist decodes HLS playlists into a short summary used for
// diagnostics and stream probing.
package playlist

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/grafov/m3u8"
)

// Type is the HLS playlist type.
type Type string

const (
	TypeMaster Type = "master"
	TypeMedia  Type = "media"
)

// Marker opens every M3U playlist.
const Marker = "#EXTM3U"

// SniffLen is how many leading bytes HasMarker needs to see.
const SniffLen = len(utf8BOM) + len(Marker)

const utf8BOM = "\xef\xbb\xbf"

// ErrNotPlaylist is returned when the body does not start with #EXTM3U.
var ErrNotPlaylist = errors.New("body is not an M3U playlist")

var mediaTypes = []contenttype.MediaType{
	contenttype.NewMediaType("application/vnd.apple.mpegurl"),
	contenttype.NewMediaType("application/x-mpegurl"),
	contenttype.NewMediaType("audio/mpegurl"),
	contenttype.NewMediaType("audio/x-mpegurl"),
}

// IsMediaType reports whether a Content-Type header names an M3U playlist.
func IsMediaType(header string) bool {
	mt := contenttype.NewMediaType(header)
	if mt.Type == "" {
		return false
	}
	for _, want := range mediaTypes {
		if strings.EqualFold(mt.Type, want.Type) && strings.EqualFold(mt.Subtype, want.Subtype) {
			return true
		}
	}
	return false
}

// TrimBOM drops a leading UTF-8 byte order mark so the marker line reads
// as a tag.
func TrimBOM(text string) string {
	return strings.TrimPrefix(text, utf8BOM)
}

// HasMarker reports whether head, the first bytes of a body, opens an M3U
// playlist. A UTF-8 byte order mark is skipped.
func HasMarker(head []byte) bool {
	head = bytes.TrimPrefix(head, []byte(utf8BOM))
	return bytes.HasPrefix(head, []byte(Marker))
}

// Summary describes a decoded playlist.
type Summary struct {
	Type           Type
	Variants       int
	Segments       int
	TargetDuration float64
	TotalDuration  float64
	Live           bool
	Encrypted      bool
	// VariantURIs are ordered by descending bandwidth.
	VariantURIs []string
	SegmentURIs []string
}

func (s *Summary) String() string {
	if s.Type == TypeMaster {
		return fmt.Sprintf("master playlist, %d variants", s.Variants)
	}
	state := "vod"
	if s.Live {
		state = "live"
	}
	return fmt.Sprintf("media playlist (%s), %d segments, target %.1fs", state, s.Segments, s.TargetDuration)
}

// Inspect decodes text leniently. A body that is not an M3U playlist
// returns ErrNotPlaylist; other decode errors are wrapped.
func Inspect(text string) (*Summary, error) {
	if !strings.HasPrefix(strings.TrimSpace(text), Marker) {
		return nil, ErrNotPlaylist
	}

	p, listType, err := m3u8.DecodeFrom(strings.NewReader(text), false)
	if err != nil {
		return nil, fmt.Errorf("decode playlist: %w", err)
	}

	switch listType {
	case m3u8.MASTER:
		return summarizeMaster(p.(*m3u8.MasterPlaylist)), nil
	case m3u8.MEDIA:
		return summarizeMedia(p.(*m3u8.MediaPlaylist)), nil
	}
	return nil, fmt.Errorf("decode playlist: unknown list type %d", listType)
}

func summarizeMaster(master *m3u8.MasterPlaylist) *Summary {
	variants := make([]*m3u8.Variant, 0, len(master.Variants))
	for _, v := range master.Variants {
		if v != nil && !v.Iframe {
			variants = append(variants, v)
		}
	}
	sort.SliceStable(variants, func(i, j int) bool {
		return variants[i].Bandwidth > variants[j].Bandwidth
	})

	s := &Summary{
		Type:     TypeMaster,
		Variants: len(variants),
	}
	for _, v := range variants {
		s.VariantURIs = append(s.VariantURIs, v.URI)
	}
	return s
}

func summarizeMedia(media *m3u8.MediaPlaylist) *Summary {
	s := &Summary{
		Type:           TypeMedia,
		TargetDuration: media.TargetDuration,
		Live:           !media.Closed,
		Encrypted:      media.Key != nil && media.Key.Method != "" && media.Key.Method != "NONE",
	}

	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		s.Segments++
		s.TotalDuration += seg.Duration
		s.SegmentURIs = append(s.SegmentURIs, seg.URI)
		if seg.Key != nil && seg.Key.Method != "" && seg.Key.Method != "NONE" {
			s.Encrypted = true
		}
	}
	return s
}
