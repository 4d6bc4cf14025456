package indexer

// Range is an inclusive block interval.
type Range struct {
	From uint64
	To   uint64
}

// Blocks returns the number of blocks covered by the range.
func (r Range) Blocks() uint64 {
	if r.To < r.From {
		return 0
	}
	return r.To - r.From + 1
}

// SafeHead returns height minus confirmations. ok is false when the chain is
// shorter than the confirmation depth.
func SafeHead(height, confirmations uint64) (head uint64, ok bool) {
	if confirmations > height {
		return 0, false
	}
	return height - confirmations, true
}

// Plan splits the unprocessed, sufficiently confirmed blocks after last into
// ascending ranges of at most maxRange blocks. It returns nil when there is
// nothing to do.
func Plan(last, height, confirmations, maxRange uint64) []Range {
	safe, ok := SafeHead(height, confirmations)
	if !ok || safe <= last || maxRange == 0 {
		return nil
	}

	var ranges []Range
	for from := last + 1; from <= safe; {
		to := from + maxRange - 1
		if to > safe || to < from {
			to = safe
		}
		ranges = append(ranges, Range{From: from, To: to})
		if to == safe {
			break
		}
		from = to + 1
	}
	return ranges
}
