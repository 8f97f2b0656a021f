// Package release decides how a finished download should be shared: a
// whole-season folder share or a package share of specific files.
package release

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/width"
)

// MediaType classifies a release by the host's identification.
type MediaType string

const (
	MediaMovie  MediaType = "movie"
	MediaSeries MediaType = "series"
)

// ShareMode selects between a folder-level share and a file-package share.
type ShareMode string

const (
	ShareWhole   ShareMode = "whole"
	SharePartial ShareMode = "partial"
)

// Meta carries the heuristic signals available when a download is added.
type Meta struct {
	MediaType   MediaType
	Episodes    string // raw episode-range text, e.g. "E01-E12" or "E01-E03、E10"
	TorrentName string
	Description string
	MessageText string // out-of-band completion message, if any
}

// Decision is the analyzer's verdict for a release.
type Decision struct {
	Mode          ShareMode
	ExpectedCount int
}

// A release counts as a full-season torrent when its combined free text
// carries a completion marker ("全N集", "全集", "完结").
var fullSeasonPattern = regexp.MustCompile(`全\d{1,3}集|全集|完结`)

var numberPattern = regexp.MustCompile(`\d+`)

var slotPattern = regexp.MustCompile(`(?i)S(\d{1,2})E(\d{1,3})`)

// EpisodeSlot extracts the season/episode slot from a filename, normalized
// to upper case with zero-padded numbers ("S01E05"). Two versions of the
// same episode carry the same slot.
func EpisodeSlot(name string) (string, bool) {
	m := slotPattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	season, _ := strconv.Atoi(m[1])
	episode, _ := strconv.Atoi(m[2])
	return fmt.Sprintf("S%02dE%02d", season, episode), true
}

// Analyze decides the share mode and expected file count for a release.
// The second return value is false when the input is undecidable; callers
// must not create a task in that case.
func Analyze(meta Meta) (Decision, bool) {
	switch meta.MediaType {
	case MediaMovie:
		return Decision{Mode: ShareWhole, ExpectedCount: 1}, true
	case MediaSeries:
		return analyzeSeries(meta), true
	default:
		return Decision{}, false
	}
}

func analyzeSeries(meta Meta) Decision {
	episodes := ParseEpisodeNumbers(meta.Episodes)

	expected := len(episodes)
	if expected == 0 {
		expected = 1
	}

	combined := meta.Description + " " + meta.TorrentName + " " + meta.MessageText

	fullSeason := fullSeasonPattern.MatchString(combined)
	multiEpisode := len(episodes) > 1
	startsAtOne := len(episodes) > 0 && episodes[0] == 1
	contiguous := false
	if len(episodes) > 0 {
		contiguous = episodes[len(episodes)-1]-episodes[0]+1 == len(episodes)
	}

	// A torrent can claim "complete" while the current batch is only a
	// subset. Whole requires all four signals.
	if fullSeason && multiEpisode && startsAtOne && contiguous {
		return Decision{Mode: ShareWhole, ExpectedCount: expected}
	}
	return Decision{Mode: SharePartial, ExpectedCount: expected}
}

// ParseEpisodeNumbers expands an episode-range string into a sorted list of
// distinct episode numbers. Supported forms include single episodes ("E05"),
// dash ranges ("E01-E12"), and comma- or fullwidth-delimited mixes
// ("E01-E03、E10-E11").
func ParseEpisodeNumbers(text string) []int {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	normalized := width.Narrow.String(text)
	normalized = strings.NewReplacer("、", ",", " ", ",").Replace(normalized)

	set := make(map[int]struct{})
	for _, segment := range strings.Split(normalized, ",") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		nums := numberPattern.FindAllString(segment, -1)
		if len(nums) == 0 {
			continue
		}
		if len(nums) == 1 {
			if n, err := strconv.Atoi(nums[0]); err == nil {
				set[n] = struct{}{}
			}
			continue
		}
		start, errA := strconv.Atoi(nums[0])
		end, errB := strconv.Atoi(nums[len(nums)-1])
		if errA != nil || errB != nil {
			continue
		}
		if start <= end && strings.ContainsAny(segment, "-–~") {
			for n := start; n <= end; n++ {
				set[n] = struct{}{}
			}
			continue
		}
		// Multiple numbers without an obvious range marker; take each.
		for _, raw := range nums {
			if n, err := strconv.Atoi(raw); err == nil {
				set[n] = struct{}{}
			}
		}
	}

	if len(set) == 0 {
		return nil
	}
	episodes := make([]int, 0, len(set))
	for n := range set {
		episodes = append(episodes, n)
	}
	sort.Ints(episodes)
	return episodes
}
