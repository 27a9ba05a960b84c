// Package convert drives C4: turning a heuristic's per-group key decisions
// into transcoder invocations, then placing and renaming their output under
// the final BIDS-relative target names.
package convert

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dcmpipe/dcmpipe/internal/dcm"
	"github.com/dcmpipe/dcmpipe/internal/heuristic"
)

// Item is one planned conversion unit: a Key's template expanded for one
// matched series (or item index), bound to the series_ids whose DICOMs feed
// the transcoder.
type Item struct {
	Key       heuristic.Key
	Target    string
	SeriesIDs []string
}

// itemPlaceholderRe matches both the bare {item} placeholder and the
// zero-padded-width form heudiconv templates commonly use, {item:03d},
// capturing the width digits (if any) in group 1.
var itemPlaceholderRe = regexp.MustCompile(`\{item(?::0(\d+)d)?\}`)

// expandItem renders a 1-based counter into template, honoring an
// optional {item:0Nd} zero-padding width.
func expandItem(template string, counter int) string {
	return itemPlaceholderRe.ReplaceAllStringFunc(template, func(match string) string {
		sub := itemPlaceholderRe.FindStringSubmatch(match)
		if sub[1] == "" {
			return strconv.Itoa(counter)
		}
		width, err := strconv.Atoi(sub[1])
		if err != nil {
			return strconv.Itoa(counter)
		}
		return fmt.Sprintf("%0*d", width, counter)
	})
}

// Plan expands every Decision's template against its Matches, resolving
// the {item} (or zero-padded {item:0Nd}) placeholder to a 1-based counter
// scoped to that Key, per spec.md §4.4.
func Plan(decisions []heuristic.Decision) ([]Item, error) {
	var items []Item
	for _, d := range decisions {
		if itemPlaceholderRe.MatchString(d.Key.Template) {
			for i, m := range d.Matches {
				target := expandItem(d.Key.Template, i+1)
				target, err := expandExtra(target, m.Extra)
				if err != nil {
					return nil, err
				}
				items = append(items, Item{Key: d.Key, Target: target, SeriesIDs: []string{m.SeriesID}})
			}
			continue
		}
		// No {item} placeholder: every match shares one target and all of
		// their series ids feed a single transcoder invocation (e.g. a
		// multi-echo acquisition split across series but sharing one key).
		target := d.Key.Template
		var seriesIDs []string
		for _, m := range d.Matches {
			expanded, err := expandExtra(target, m.Extra)
			if err != nil {
				return nil, err
			}
			target = expanded
			seriesIDs = append(seriesIDs, m.SeriesID)
		}
		items = append(items, Item{Key: d.Key, Target: target, SeriesIDs: seriesIDs})
	}
	return items, nil
}

func expandExtra(template string, extra map[string]string) (string, error) {
	out := template
	for k, v := range extra {
		placeholder := "{" + k + "}"
		out = strings.ReplaceAll(out, placeholder, v)
	}
	if idx := strings.IndexByte(out, '{'); idx >= 0 {
		if end := strings.IndexByte(out[idx:], '}'); end >= 0 {
			return "", fmt.Errorf("unresolved template placeholder in %q", template)
		}
	}
	return out, nil
}

// FilesForItem gathers an Item's source DICOM paths from the series store,
// sorted lexically by path across all of the item's series.
func FilesForItem(item Item, store *dcm.Store) ([]string, error) {
	var files []string
	for _, sid := range item.SeriesIDs {
		g, ok := store.BySeriesID(sid)
		if !ok {
			return nil, fmt.Errorf("conversion item %q references unknown series %q", item.Target, sid)
		}
		files = append(files, g.Files...)
	}
	sort.Strings(files)
	return files, nil
}
