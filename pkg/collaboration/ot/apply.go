package ot

import (
	"sort"
	"strings"

	engerrors "github.com/meshsync/meshsync/pkg/errors"
	"github.com/meshsync/meshsync/pkg/models"
)

// Apply applies a single operation to content and returns the new content.
// Pure and deterministic. Positions outside the current content fail with
// an out-of-bounds error; clamping would silently lose data.
func Apply(content string, op *models.Operation) (string, error) {
	if err := validateForTransform(op); err != nil {
		return "", err
	}

	switch op.Type {
	case models.OpInsert:
		if op.Position > len(content) {
			return "", engerrors.NewOutOfBounds(op.Position, 0, len(content))
		}
		var b strings.Builder
		b.Grow(len(content) + len(op.Content))
		b.WriteString(content[:op.Position])
		b.WriteString(op.Content)
		b.WriteString(content[op.Position:])
		return b.String(), nil

	case models.OpDelete:
		if op.Length == 0 {
			// Narrowed away by a concurrent delete; nothing left to do.
			return content, nil
		}
		if op.Position+op.Length > len(content) {
			return "", engerrors.NewOutOfBounds(op.Position, op.Length, len(content))
		}
		return content[:op.Position] + content[op.Position+op.Length:], nil

	case models.OpReplace:
		if op.Position+op.Length > len(content) {
			return "", engerrors.NewOutOfBounds(op.Position, op.Length, len(content))
		}
		var b strings.Builder
		b.Grow(len(content) - op.Length + len(op.Content))
		b.WriteString(content[:op.Position])
		b.WriteString(op.Content)
		b.WriteString(content[op.Position+op.Length:])
		return b.String(), nil
	}
	return "", engerrors.NewValidation("unknown operation type: " + string(op.Type))
}

// ApplyAll applies operations in the deterministic causal order. A failing
// operation aborts with its error; prior operations are not reported as
// applied, so a batch failure never corrupts the caller's view.
func ApplyAll(content string, ops []models.Operation) (string, []models.Operation, error) {
	ordered := make([]models.Operation, len(ops))
	copy(ordered, ops)
	sortCausal(ordered)

	applied := make([]models.Operation, 0, len(ordered))
	current := content
	for i := range ordered {
		next, err := Apply(current, &ordered[i])
		if err != nil {
			return content, nil, err
		}
		current = next
		applied = append(applied, ordered[i])
	}
	return current, applied, nil
}

func sortCausal(ops []models.Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].Before(&ops[j])
	})
}
