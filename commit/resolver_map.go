package commit

import (
	"bytes"
	"sort"

	"github.com/emirpasic/gods/maps/treemap"

	"github.com/kelpiedb/kelpie/keyval"
)

func byteKeyComparator(a, b interface{}) int {
	return bytes.Compare([]byte(a.(string)), []byte(b.(string)))
}

// RangeTags is one slice of the key space with its destination teams.
type RangeTags struct {
	Range  keyval.KeyRange
	Tags   []keyval.Tag
	Cached bool
}

// TagRangeMap maps key ranges to the storage-team tags that own them (the
// keyInfo map). Boundary keys partition the whole key space; the value at a
// boundary covers keys up to the next boundary.
type TagRangeMap struct {
	tree *treemap.Map // string boundary key -> rangeInfo
}

type rangeInfo struct {
	tags   []keyval.Tag
	cached bool
}

func NewTagRangeMap(defaultTags []keyval.Tag) *TagRangeMap {
	m := &TagRangeMap{tree: treemap.NewWith(byteKeyComparator)}
	m.tree.Put("", rangeInfo{tags: defaultTags})
	return m
}

// SetRange assigns tags (and the cache flag) to [r.Begin, r.End).
func (m *TagRangeMap) SetRange(r keyval.KeyRange, tags []keyval.Tag, cached bool) {
	if r.Empty() && len(r.End) != 0 {
		return
	}
	endInfo := m.infoFor(r.End)
	var doomed []string
	m.tree.Each(func(k interface{}, _ interface{}) {
		kb := []byte(k.(string))
		if bytes.Compare(kb, r.Begin) >= 0 && (len(r.End) == 0 || bytes.Compare(kb, r.End) < 0) {
			doomed = append(doomed, k.(string))
		}
	})
	for _, k := range doomed {
		m.tree.Remove(k)
	}
	m.tree.Put(string(r.Begin), rangeInfo{tags: tags, cached: cached})
	if len(r.End) != 0 {
		m.tree.Put(string(r.End), endInfo)
	}
}

func (m *TagRangeMap) infoFor(key []byte) rangeInfo {
	_, v := m.tree.Floor(string(key))
	if v == nil {
		return rangeInfo{}
	}
	return v.(rangeInfo)
}

// TagsForKey returns the owning tags of a single key.
func (m *TagRangeMap) TagsForKey(key []byte) ([]keyval.Tag, bool) {
	info := m.infoFor(key)
	return info.tags, info.cached
}

// Intersecting returns the slices of [r.Begin, r.End) with their tags, in
// key order.
func (m *TagRangeMap) Intersecting(r keyval.KeyRange) []RangeTags {
	var bounds []string
	m.tree.Each(func(k interface{}, _ interface{}) {
		bounds = append(bounds, k.(string))
	})
	sort.Strings(bounds)

	var out []RangeTags
	for i, b := range bounds {
		begin := []byte(b)
		var end []byte
		if i+1 < len(bounds) {
			end = []byte(bounds[i+1])
		}
		// clip to r
		if len(end) != 0 && bytes.Compare(end, r.Begin) <= 0 {
			continue
		}
		if len(r.End) != 0 && bytes.Compare(begin, r.End) >= 0 {
			break
		}
		clipBegin := begin
		if bytes.Compare(r.Begin, clipBegin) > 0 {
			clipBegin = r.Begin
		}
		clipEnd := end
		if len(clipEnd) == 0 || (len(r.End) != 0 && bytes.Compare(r.End, clipEnd) < 0) {
			clipEnd = r.End
		}
		info := m.infoFor(clipBegin)
		out = append(out, RangeTags{
			Range:  keyval.KeyRange{Begin: clipBegin, End: clipEnd},
			Tags:   info.tags,
			Cached: info.cached,
		})
	}
	return out
}

// resolverEpoch records that a resolver took ownership of a slice at a
// version.
type resolverEpoch struct {
	version  keyval.Version
	resolver int
}

// ResolverMap is the time-indexed key -> resolver assignment (keyResolvers).
// Each boundary key carries the ownership history of its slice; read
// conflict ranges are mirrored to every resolver that owned any overlapping
// slice within the retained window, write ranges to the most recent owner.
type ResolverMap struct {
	tree *treemap.Map // string boundary key -> []resolverEpoch
}

func NewResolverMap(initial []ResolverRange) *ResolverMap {
	m := &ResolverMap{tree: treemap.NewWith(byteKeyComparator)}
	m.tree.Put("", []resolverEpoch{{version: 0, resolver: 0}})
	for _, rr := range initial {
		m.ApplyChange(0, rr.Range, rr.Resolver)
	}
	return m
}

// ApplyChange overlays a reassignment of [r.Begin, r.End) at version.
func (m *ResolverMap) ApplyChange(version keyval.Version, r keyval.KeyRange, resolver int) {
	m.ensureBoundary(r.Begin)
	if len(r.End) != 0 {
		m.ensureBoundary(r.End)
	}
	var covered []string
	m.tree.Each(func(k interface{}, _ interface{}) {
		kb := []byte(k.(string))
		if bytes.Compare(kb, r.Begin) < 0 {
			return
		}
		if len(r.End) != 0 && bytes.Compare(kb, r.End) >= 0 {
			return
		}
		covered = append(covered, k.(string))
	})
	for _, k := range covered {
		if v, found := m.tree.Get(k); found {
			m.tree.Put(k, append(v.([]resolverEpoch), resolverEpoch{version: version, resolver: resolver}))
		}
	}
}

func (m *ResolverMap) ensureBoundary(key []byte) {
	if _, ok := m.tree.Get(string(key)); ok {
		return
	}
	_, v := m.tree.Floor(string(key))
	var hist []resolverEpoch
	if v != nil {
		hist = append(hist, v.([]resolverEpoch)...)
	}
	m.tree.Put(string(key), hist)
}

func (m *ResolverMap) eachOverlapping(r keyval.KeyRange, fn func(hist []resolverEpoch)) {
	var bounds []string
	m.tree.Each(func(k interface{}, _ interface{}) {
		bounds = append(bounds, k.(string))
	})
	sort.Strings(bounds)
	for i, b := range bounds {
		begin := []byte(b)
		var end []byte
		if i+1 < len(bounds) {
			end = []byte(bounds[i+1])
		}
		if len(end) != 0 && bytes.Compare(end, r.Begin) <= 0 {
			continue
		}
		if len(r.End) != 0 && bytes.Compare(begin, r.End) >= 0 {
			break
		}
		if v, found := m.tree.Get(b); found {
			fn(v.([]resolverEpoch))
		}
	}
}

// ReadResolvers returns every resolver that owned any overlapping slice.
func (m *ResolverMap) ReadResolvers(r keyval.KeyRange) []int {
	seen := map[int]struct{}{}
	m.eachOverlapping(r, func(hist []resolverEpoch) {
		for _, e := range hist {
			seen[e.resolver] = struct{}{}
		}
	})
	return sortedResolverSet(seen)
}

// WriteResolvers returns the most recent owner of each overlapping slice.
func (m *ResolverMap) WriteResolvers(r keyval.KeyRange) []int {
	seen := map[int]struct{}{}
	m.eachOverlapping(r, func(hist []resolverEpoch) {
		if len(hist) > 0 {
			seen[hist[len(hist)-1].resolver] = struct{}{}
		}
	})
	return sortedResolverSet(seen)
}

func sortedResolverSet(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Ints(out)
	return out
}

// Coalesce drops ownership history older than minVersion, keeping the most
// recent pre-window epoch of each slice.
func (m *ResolverMap) Coalesce(minVersion keyval.Version) {
	type upd struct {
		key  string
		hist []resolverEpoch
	}
	var updates []upd
	m.tree.Each(func(k interface{}, v interface{}) {
		hist := v.([]resolverEpoch)
		cut := 0
		for i, e := range hist {
			if e.version < minVersion {
				cut = i
			}
		}
		if cut > 0 {
			updates = append(updates, upd{key: k.(string), hist: append([]resolverEpoch(nil), hist[cut:]...)})
		}
	})
	for _, u := range updates {
		m.tree.Put(u.key, u.hist)
	}
}
