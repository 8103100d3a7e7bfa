package eventlog

import (
	"errors"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// makeDiff produces a textual patch transforming before into after.
// A destroy transaction carries an empty diff.
func makeDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	return dmp.PatchToText(dmp.PatchMake(before, after))
}

// applyDiff applies a textual patch to a view. An empty diff is a
// no-op, which is how destroy transactions materialize.
func applyDiff(view, diff string) (string, error) {
	if diff == "" {
		return view, nil
	}
	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(diff)
	if err != nil {
		return "", err
	}
	out, applied := dmp.PatchApply(patches, view)
	for _, ok := range applied {
		if !ok {
			return "", errors.New("patch did not apply cleanly")
		}
	}
	return out, nil
}
