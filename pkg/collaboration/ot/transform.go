// Package ot implements the operational-transform engine: rewriting
// fine-grained edit operations against concurrent operations so they can be
// replayed onto content that has already absorbed the other side's edits.
package ot

import (
	"sort"

	engerrors "github.com/meshsync/meshsync/pkg/errors"
	"github.com/meshsync/meshsync/pkg/models"
)

// Transform rewrites opA so that applying opB then the returned operation
// to the same base content yields the same result as applying opA then a
// correspondingly transformed opB. Inputs are never mutated.
func Transform(opA, opB *models.Operation) (*models.Operation, error) {
	if err := validateForTransform(opA); err != nil {
		return nil, err
	}
	if err := validateForTransform(opB); err != nil {
		return nil, err
	}

	// Replace is delete+insert for transform purposes, re-coalesced after.
	if opA.Type == models.OpReplace {
		return transformReplace(opA, opB)
	}
	if opB.Type == models.OpReplace {
		del, ins := decomposeReplace(opB)
		out, err := transformAgainst(opA, del)
		if err != nil {
			return nil, err
		}
		return transformAgainst(out, ins)
	}

	return transformAgainst(copyOp(opA), opB)
}

// TransformList folds Transform across every operation in against, in the
// deterministic causal (timestamp, user id) order. It returns exactly
// len(ops) operations; type, user and session are preserved.
func TransformList(ops, against []models.Operation) ([]models.Operation, error) {
	sorted := make([]models.Operation, len(against))
	copy(sorted, against)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Before(&sorted[j])
	})

	out := make([]models.Operation, 0, len(ops))
	for i := range ops {
		current := &ops[i]
		for j := range sorted {
			transformed, err := Transform(current, &sorted[j])
			if err != nil {
				return nil, err
			}
			current = transformed
		}
		out = append(out, *current)
	}
	return out, nil
}

func transformAgainst(opA, opB *models.Operation) (*models.Operation, error) {
	out := copyOp(opA)
	switch {
	case opA.Type == models.OpInsert && opB.Type == models.OpInsert:
		transformInsertInsert(out, opB)
	case opA.Type == models.OpInsert && opB.Type == models.OpDelete:
		transformInsertDelete(out, opB)
	case opA.Type == models.OpDelete && opB.Type == models.OpInsert:
		transformDeleteInsert(out, opB)
	case opA.Type == models.OpDelete && opB.Type == models.OpDelete:
		transformDeleteDelete(out, opB)
	}
	return out, nil
}

// transformInsertInsert shifts opA right when opB lands at or before it.
// Ties at the same position break by (timestamp, user id) so the transform
// order is total and reproducible.
func transformInsertInsert(opA, opB *models.Operation) {
	if opB.Position < opA.Position || (opB.Position == opA.Position && opB.Before(opA)) {
		opA.Position += len(opB.Content)
	}
}

// transformInsertDelete adjusts an insert against a concurrent delete. An
// insert that falls inside the deleted range clips to the deletion start.
func transformInsertDelete(opA, opB *models.Operation) {
	delStart := opB.Position
	delEnd := opB.Position + opB.Length
	switch {
	case delEnd <= opA.Position:
		opA.Position -= opB.Length
	case delStart < opA.Position:
		opA.Position = delStart
	}
}

// transformDeleteInsert adjusts a delete against a concurrent insert. An
// insert landing inside the deleted range clips the delete to the text
// before the insertion point, preserving the inserted content.
func transformDeleteInsert(opA, opB *models.Operation) {
	delStart := opA.Position
	delEnd := opA.Position + opA.Length
	switch {
	case opB.Position <= delStart:
		opA.Position += len(opB.Content)
	case opB.Position < delEnd:
		opA.Length = opB.Position - delStart
	}
}

// transformDeleteDelete narrows opA to the remainder not already deleted by
// opB. Deleting the same byte twice is a no-op, not an error, so the
// transformed length may reach zero.
func transformDeleteDelete(opA, opB *models.Operation) {
	aStart, aEnd := opA.Position, opA.Position+opA.Length
	bStart, bEnd := opB.Position, opB.Position+opB.Length

	overlapStart := maxInt(aStart, bStart)
	overlapEnd := minInt(aEnd, bEnd)
	if overlapEnd > overlapStart {
		opA.Length -= overlapEnd - overlapStart
	}

	// Shift left by the portion of opB strictly before opA.
	shift := minInt(aStart, bEnd) - bStart
	if shift > 0 {
		opA.Position -= shift
	}
}

func transformReplace(opA, opB *models.Operation) (*models.Operation, error) {
	del, ins := decomposeReplace(opA)

	delT, err := Transform(del, opB)
	if err != nil {
		return nil, err
	}
	insT, err := Transform(ins, opB)
	if err != nil {
		return nil, err
	}

	// Re-coalesce: the replace acts at the transformed delete position with
	// the transformed deletion width.
	out := copyOp(opA)
	out.Position = delT.Position
	out.Length = delT.Length
	out.Content = insT.Content
	return out, nil
}

func decomposeReplace(op *models.Operation) (del, ins *models.Operation) {
	del = copyOp(op)
	del.Type = models.OpDelete
	del.Content = ""

	ins = copyOp(op)
	ins.Type = models.OpInsert
	ins.Length = 0
	return del, ins
}

// validateForTransform is the relaxed check applied inside the transform
// fold. Earlier transforms can legitimately narrow a delete or replace to
// zero width, so width is only required to be non-negative here.
func validateForTransform(op *models.Operation) error {
	if (op.Type == models.OpDelete || op.Type == models.OpReplace) && op.Length >= 0 {
		if op.Position < 0 {
			return engerrors.NewValidation("operation position must be non-negative")
		}
		return nil
	}
	return op.Validate()
}

func copyOp(op *models.Operation) *models.Operation {
	clone := *op
	return &clone
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
