package mirror

import (
	"context"
	"strconv"
	"time"
)

// Policy decides what happens to each divergence found by Reconcile.
// Returned errors are fatal and abort the reconciliation; per-entry
// problems are reported, not returned.
type Policy interface {
	// OnMissing is called for an entry that is in the snapshot but was not
	// found in the tree. path is relative to the walk root.
	OnMissing(ctx context.Context, kind Kind, path string) error
	// OnUnexpected is called for an entry found in the tree but absent
	// from the snapshot.
	OnUnexpected(ctx context.Context, kind Kind, path string) error
	// OnPresent is called for an entry found in both. It returns whether
	// the entry matched well enough for the walk to descend into it.
	OnPresent(ctx context.Context, path string, expected, actual EntryRecord) (bool, error)
}

// Compare lists the differences between the snapshot record and the live
// one. Kinds are compared first; on a type mismatch nothing else is
// compared. For files size, mtime (seconds) and digest are each compared.
func Compare(path string, expected, actual EntryRecord) []Event {
	if expected.Kind != actual.Kind {
		return []Event{{
			Type:     EventTypeMismatch,
			Path:     path,
			Kind:     actual.Kind,
			Expected: expected.Kind.String(),
			Actual:   actual.Kind.String(),
		}}
	}
	if expected.Kind != KindFile {
		return nil
	}

	var events []Event
	if expected.Size != actual.Size {
		events = append(events, Event{
			Type:     EventSizeMismatch,
			Path:     path,
			Kind:     KindFile,
			Expected: strconv.FormatUint(expected.Size, 10),
			Actual:   strconv.FormatUint(actual.Size, 10),
		})
	}
	if expected.ModifiedAt != actual.ModifiedAt {
		events = append(events, Event{
			Type:     EventMtimeMismatch,
			Path:     path,
			Kind:     KindFile,
			Expected: formatMtime(expected.ModifiedAt),
			Actual:   formatMtime(actual.ModifiedAt),
		})
	}
	if expected.Digest != actual.Digest {
		events = append(events, Event{
			Type:     EventDigestMismatch,
			Path:     path,
			Kind:     KindFile,
			Expected: expected.Digest.String(),
			Actual:   actual.Digest.String(),
		})
	}
	return events
}

func formatMtime(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

// Verify reports every divergence and never touches the tree.
type Verify struct {
	report *Report
}

// NewVerify creates a Verify policy publishing to report.
func NewVerify(report *Report) *Verify {
	return &Verify{report: report}
}

func (v *Verify) OnMissing(_ context.Context, kind Kind, path string) error {
	sub("verify").Error("not found in the file system", "path", path, "kind", kind)
	v.report.Publish(Event{Type: EventMissing, Path: path, Kind: kind})
	return nil
}

func (v *Verify) OnUnexpected(_ context.Context, kind Kind, path string) error {
	sub("verify").Error("new entry found in the file system", "path", path, "kind", kind)
	v.report.Publish(Event{Type: EventUnexpected, Path: path, Kind: kind})
	return nil
}

func (v *Verify) OnPresent(_ context.Context, path string, expected, actual EntryRecord) (bool, error) {
	events := Compare(path, expected, actual)
	l := sub("verify")
	for _, e := range events {
		l.Error("mismatch", "path", path, "type", e.Type, "db", e.Expected, "fs", e.Actual)
		v.report.Publish(e)
	}
	return len(events) == 0, nil
}
