package leaderboard

import "sort"

// ranksBefore is the leaderboard's total order: more gets first, then the earlier
// last get, then the lower user id so identical timestamps stay deterministic.
func ranksBefore(left, right Entry) bool {
	if left.TotalGets != right.TotalGets {
		return left.TotalGets > right.TotalGets
	}
	if left.LastGetMillis != right.LastGetMillis {
		return left.LastGetMillis < right.LastGetMillis
	}
	return left.UserID < right.UserID
}

// snapshot is an immutable ordered view. It is never mutated after publication.
type snapshot struct {
	entries []Entry
	index   map[int64]int
}

func emptySnapshot() *snapshot {
	return &snapshot{index: map[int64]int{}}
}

// buildSnapshot sorts entries from scratch and assigns ranks 1..n.
func buildSnapshot(entries []Entry) *snapshot {
	ordered := make([]Entry, len(entries))
	copy(ordered, entries)
	sort.Slice(ordered, func(i, j int) bool {
		return ranksBefore(ordered[i], ordered[j])
	})
	index := make(map[int64]int, len(ordered))
	for position := range ordered {
		ordered[position].Rank = position + 1
		index[ordered[position].UserID] = position
	}
	return &snapshot{entries: ordered, index: index}
}

func (s *snapshot) lookup(userID int64) (Entry, bool) {
	position, ok := s.index[userID]
	if !ok {
		return Entry{}, false
	}
	return s.entries[position], true
}

// withEntry returns a new snapshot where entry replaces (or joins) the order.
// Only the rows between the entry's old and new positions change rank; those
// rows, with their new ranks, are returned for persistence.
func (s *snapshot) withEntry(entry Entry) (*snapshot, []Entry) {
	entries := make([]Entry, len(s.entries), len(s.entries)+1)
	copy(entries, s.entries)

	start, exists := s.index[entry.UserID]
	if exists {
		entries[start] = entry
	} else {
		entries = append(entries, entry)
		start = len(entries) - 1
	}

	position := start
	for position > 0 && ranksBefore(entries[position], entries[position-1]) {
		entries[position], entries[position-1] = entries[position-1], entries[position]
		position--
	}
	if position == start {
		for position < len(entries)-1 && ranksBefore(entries[position+1], entries[position]) {
			entries[position], entries[position+1] = entries[position+1], entries[position]
			position++
		}
	}

	low, high := start, position
	if low > high {
		low, high = high, low
	}

	index := make(map[int64]int, len(entries))
	for key, value := range s.index {
		index[key] = value
	}
	changed := make([]Entry, 0, high-low+1)
	for current := low; current <= high; current++ {
		entries[current].Rank = current + 1
		index[entries[current].UserID] = current
		changed = append(changed, entries[current])
	}
	return &snapshot{entries: entries, index: index}, changed
}

func (s *snapshot) top(limit int) []Entry {
	if limit <= 0 {
		return []Entry{}
	}
	if limit > len(s.entries) {
		limit = len(s.entries)
	}
	result := make([]Entry, limit)
	copy(result, s.entries[:limit])
	return result
}
