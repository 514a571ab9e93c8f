package model

import "fmt"

// ReduceOptions tunes the aggregate rule.
type ReduceOptions struct {
	// CollapsePartial reports a mix of published and failed entries as
	// PostCompleted instead of PostPartiallyFailed.
	CollapsePartial bool
}

// Reduce derives the aggregate status from the sub-status multiset.
//
// The second return value is false while any entry is still pending; the
// aggregate is then not decided by the entries alone and callers keep the
// stored scheduled/processing value. A post with no entries reduces to failed.
func Reduce(subs []SubStatus, opt ReduceOptions) (PostStatus, bool) {
	if len(subs) == 0 {
		return PostFailed, true
	}
	var published, failed int
	for _, s := range subs {
		switch s {
		case SubPublished:
			published++
		case SubFailed:
			failed++
		default:
			return PostProcessing, false
		}
	}
	switch {
	case published == len(subs):
		return PostCompleted, true
	case failed == len(subs):
		return PostFailed, true
	case opt.CollapsePartial:
		return PostCompleted, true
	default:
		return PostPartiallyFailed, true
	}
}

// IsTerminal reports whether an aggregate status is final.
func (s PostStatus) IsTerminal() bool {
	switch s {
	case PostCompleted, PostPartiallyFailed, PostFailed:
		return true
	}
	return false
}

func (s SubStatus) Valid() bool {
	switch s {
	case SubPending, SubPublished, SubFailed:
		return true
	}
	return false
}

// published is sticky. failed may still become published when a redelivered
// attempt succeeds after the queue had given up on the job.
var validSubTransitions = map[SubStatus]map[SubStatus]bool{
	SubPending: {
		SubPending:   true,
		SubPublished: true,
		SubFailed:    true,
	},
	SubFailed: {
		SubFailed:    true,
		SubPublished: true,
	},
	SubPublished: {},
}

// ValidateSubTransition returns an error if from -> to is not allowed.
func ValidateSubTransition(from, to SubStatus) error {
	if from == "" {
		from = SubPending
	}
	if !to.Valid() {
		return fmt.Errorf("unknown sub-status %q", to)
	}
	if !validSubTransitions[from][to] {
		return fmt.Errorf("invalid sub-status transition %s -> %s", from, to)
	}
	return nil
}
