package memory

import (
	"slices"
	"sort"
	"strings"
	"unicode/utf8"
)

// PatchVersion is the current ProfilePatch schema version.
const PatchVersion = 1

// ProfilePatch is a partial profile update. Nil scalar fields and empty
// collections leave the stored value untouched.
type ProfilePatch struct {
	Version     int               `json:"v"`
	Name        *string           `json:"name,omitempty"`
	Timezone    *string           `json:"timezone,omitempty"`
	Birthday    *string           `json:"birthday,omitempty"`
	Hobbies     []string          `json:"hobbies,omitempty"`
	Favorites   map[string]string `json:"favorites,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// IsEmpty reports whether applying the patch could change anything.
func (p ProfilePatch) IsEmpty() bool {
	return p.Name == nil && p.Timezone == nil && p.Birthday == nil &&
		len(p.Hobbies) == 0 && len(p.Favorites) == 0 && len(p.Preferences) == 0
}

// Limits caps profile collections.
type Limits struct {
	MaxHobbies     int `json:"max_hobbies"`
	MaxFavorites   int `json:"max_favorites"`
	MaxPreferences int `json:"max_preferences"`
	MaxValueLen    int `json:"max_value_len"`
}

// DefaultLimits returns the standard profile caps.
func DefaultLimits() Limits {
	return Limits{MaxHobbies: 20, MaxFavorites: 25, MaxPreferences: 25, MaxValueLen: 80}
}

// ApplyPatch merges patch into p and reports whether anything changed.
// Version is bumped only on change.
//
// Hobbies are deduplicated case-insensitively; a repeated hobby moves to the
// most-recent end keeping its stored casing, and the oldest are dropped past
// MaxHobbies. Favorites and preferences are last-write-wins per key; new
// keys past the cap are ignored. Applying the same patch twice yields the
// same profile as applying it once.
func ApplyPatch(p UserProfile, patch ProfilePatch, lim Limits) (UserProfile, bool) {
	if lim == (Limits{}) {
		lim = DefaultLimits()
	}
	out := p.Clone()

	setScalar(&out.Name, patch.Name, lim.MaxValueLen)
	setScalar(&out.Timezone, patch.Timezone, lim.MaxValueLen)
	setScalar(&out.Birthday, patch.Birthday, lim.MaxValueLen)

	out.Hobbies = mergeHobbies(out.Hobbies, patch.Hobbies, lim)
	out.Favorites = mergeKeyed(out.Favorites, patch.Favorites, lim.MaxFavorites, lim.MaxValueLen)
	out.Preferences = mergeKeyed(out.Preferences, patch.Preferences, lim.MaxPreferences, lim.MaxValueLen)

	changed := out.Name != p.Name || out.Timezone != p.Timezone || out.Birthday != p.Birthday ||
		!slices.Equal(out.Hobbies, p.Hobbies) ||
		!mapsEqual(out.Favorites, p.Favorites) || !mapsEqual(out.Preferences, p.Preferences)
	if changed {
		out.Version = p.Version + 1
	}
	return out, changed
}

func setScalar(dst *string, v *string, maxLen int) {
	if v == nil {
		return
	}
	if s := clip(strings.TrimSpace(*v), maxLen); s != "" {
		*dst = s
	}
}

func mergeHobbies(existing, incoming []string, lim Limits) []string {
	if len(incoming) == 0 {
		return existing
	}
	list := append([]string(nil), existing...)
	for _, h := range incoming {
		h = clip(strings.TrimSpace(h), lim.MaxValueLen)
		if h == "" {
			continue
		}
		key := strings.ToLower(h)
		if idx := slices.IndexFunc(list, func(s string) bool { return strings.ToLower(s) == key }); idx >= 0 {
			h = list[idx]
			list = slices.Delete(list, idx, idx+1)
		}
		list = append(list, h)
	}
	if lim.MaxHobbies > 0 && len(list) > lim.MaxHobbies {
		list = list[len(list)-lim.MaxHobbies:]
	}
	return list
}

func mergeKeyed(existing, incoming map[string]string, maxKeys, maxLen int) map[string]string {
	if len(incoming) == 0 {
		return existing
	}
	out := cloneMap(existing)
	if out == nil {
		out = map[string]string{}
	}

	keys := make([]string, 0, len(incoming))
	for k := range incoming {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		key := strings.ToLower(strings.TrimSpace(k))
		val := clip(strings.TrimSpace(incoming[k]), maxLen)
		if key == "" || val == "" {
			continue
		}
		if _, exists := out[key]; !exists && maxKeys > 0 && len(out) >= maxKeys {
			continue
		}
		out[key] = val
	}
	if len(out) == 0 {
		return existing
	}
	return out
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func clip(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen])
}

// StringPtr is a helper for building patches.
func StringPtr(s string) *string { return &s }
