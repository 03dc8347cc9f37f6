package service

import (
	"sort"

	"github.com/kotori-audio/kotori/internal/storage"
)

// ignorableValue reports whether a supplied tag value can neither create nor
// clear a tag. Blank values and the NaN the HTTP layer would otherwise
// stringify are dropped before diffing.
func ignorableValue(v string) bool {
	return v == "" || v == "NaN"
}

// diffTags compares user-supplied tag values with the stored state of one
// track and returns the revision rows to append:
//
//   - no stored value, name in the valid vocabulary: revision 1
//   - stored value differs: stored revision + 1, same tag type
//   - stored value identical: nothing (repeat writes stay no-ops)
//   - no stored value, name unknown: the whole batch is invalid
//
// stored may be nil for a freshly created track. Names are processed in
// sorted order so staging is deterministic.
func diffTags(trackID string, userID uint, tags map[string]string, stored map[string]storage.TagState, valid map[string]uint) ([]storage.Tag, error) {
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)

	var staged []storage.Tag
	for _, name := range names {
		value := tags[name]
		if ignorableValue(value) {
			continue
		}

		if state, ok := stored[name]; ok {
			if state.Value == value {
				continue
			}
			staged = append(staged, storage.Tag{
				TrackID:   trackID,
				TagTypeID: state.TagTypeID,
				UserID:    userID,
				Revision:  state.Revision + 1,
				Value:     []byte(value),
			})
			continue
		}

		typeID, ok := valid[name]
		if !ok {
			return nil, ErrValidation.New("unknown tag %q", name)
		}
		staged = append(staged, storage.Tag{
			TrackID:   trackID,
			TagTypeID: typeID,
			UserID:    userID,
			Revision:  1,
			Value:     []byte(value),
		})
	}
	return staged, nil
}
