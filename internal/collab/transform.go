package collab

import "unicode/utf16"

// transformAgainst rewrites the incoming operation's position and length so it
// applies cleanly after an already-applied change. The incoming value is
// copied, never mutated.
func transformAgainst(incoming Operation, applied AppliedChange) Operation {
	prior := applied.Operation
	switch prior.Kind {
	case OperationInsert:
		return transformAgainstInsert(incoming, prior)
	case OperationDelete:
		return transformAgainstDelete(incoming, prior)
	}
	// Retain and format ops never change length accounting for later transforms.
	return incoming
}

func transformAgainstInsert(incoming Operation, prior Operation) Operation {
	priorLength := utf16Length(prior.Content)
	if priorLength == 0 {
		return incoming
	}

	switch incoming.Kind {
	case OperationInsert:
		if prior.Position < incoming.Position {
			incoming.Position += priorLength
		} else if prior.Position == incoming.Position && insertedFirst(prior, incoming) {
			incoming.Position += priorLength
		}
	case OperationDelete:
		rangeEnd := incoming.Position + incoming.Length
		switch {
		case prior.Position <= incoming.Position:
			incoming.Position += priorLength
		case prior.Position < rangeEnd:
			// The delete range crosses a concurrent insert. Truncate at the
			// insert boundary so the inserted text survives; the tail of the
			// original range is reconciled on the client's next resync.
			incoming.Length = prior.Position - incoming.Position
		}
	case OperationRetain, OperationFormat:
		if prior.Position <= incoming.Position {
			incoming.Position += priorLength
		}
	}
	return incoming
}

func transformAgainstDelete(incoming Operation, prior Operation) Operation {
	if prior.Length == 0 {
		return incoming
	}
	deletedStart := prior.Position
	deletedEnd := prior.Position + prior.Length

	switch incoming.Kind {
	case OperationInsert, OperationRetain, OperationFormat:
		switch {
		case incoming.Position >= deletedEnd:
			incoming.Position -= prior.Length
		case incoming.Position > deletedStart:
			// An insert landing inside a concurrently deleted range moves to
			// the start of that range; the content is preserved, not dropped.
			incoming.Position = deletedStart
		}
	case OperationDelete:
		incomingEnd := incoming.Position + incoming.Length
		switch {
		case deletedEnd <= incoming.Position:
			incoming.Position -= prior.Length
		case deletedStart >= incomingEnd:
			// Disjoint, after the incoming range. Nothing shifts.
		default:
			// Overlapping delete ranges merge positionally. A range fully
			// contained in the prior delete degrades to a length-0 no-op.
			overlapStart := maxInt(incoming.Position, deletedStart)
			overlapEnd := minInt(incomingEnd, deletedEnd)
			incoming.Length -= overlapEnd - overlapStart
			if incoming.Position > deletedStart {
				incoming.Position = deletedStart
			}
		}
	}
	return incoming
}

// insertedFirst breaks the tie between two inserts at the same position using
// the lexicographic (timestamp, userId) key. The smaller key is treated as
// having happened first.
func insertedFirst(prior Operation, incoming Operation) bool {
	if prior.ClientTimeMillis != incoming.ClientTimeMillis {
		return prior.ClientTimeMillis < incoming.ClientTimeMillis
	}
	return prior.UserID.String() <= incoming.UserID.String()
}

// utf16Length returns the length of the string in UTF-16 code units, the
// offset convention shared with editor widgets.
func utf16Length(value string) int {
	return len(utf16.Encode([]rune(value)))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
