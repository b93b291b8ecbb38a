package ot

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engerrors "github.com/meshsync/meshsync/pkg/errors"
	"github.com/meshsync/meshsync/pkg/models"
)

var testSession = uuid.New()

func makeOp(opType models.OperationType, pos, length int, content, userID string, at time.Time) models.Operation {
	return models.Operation{
		ID:        uuid.New(),
		Type:      opType,
		Position:  pos,
		Length:    length,
		Content:   content,
		UserID:    userID,
		SessionID: testSession,
		Timestamp: at,
	}
}

func TestTransform(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Second)

	t.Run("insert before insert shifts position", func(t *testing.T) {
		opA := makeOp(models.OpInsert, 10, 0, "abc", "user2", t1)
		opB := makeOp(models.OpInsert, 4, 0, "xy", "user1", t0)

		out, err := Transform(&opA, &opB)
		require.NoError(t, err)
		assert.Equal(t, 12, out.Position)
		// opA itself is untouched
		assert.Equal(t, 10, opA.Position)
	})

	t.Run("insert after insert is unchanged", func(t *testing.T) {
		opA := makeOp(models.OpInsert, 2, 0, "abc", "user2", t1)
		opB := makeOp(models.OpInsert, 8, 0, "xy", "user1", t0)

		out, err := Transform(&opA, &opB)
		require.NoError(t, err)
		assert.Equal(t, 2, out.Position)
	})

	t.Run("insert tie breaks by timestamp then user id", func(t *testing.T) {
		opA := makeOp(models.OpInsert, 5, 0, "AAA", "user2", t0)
		opB := makeOp(models.OpInsert, 5, 0, "BB", "user1", t0)

		// user1 orders first at the same timestamp, so user2's insert shifts.
		outA, err := Transform(&opA, &opB)
		require.NoError(t, err)
		assert.Equal(t, 7, outA.Position)

		outB, err := Transform(&opB, &opA)
		require.NoError(t, err)
		assert.Equal(t, 5, outB.Position)
	})

	t.Run("insert inside deleted range clips to deletion start", func(t *testing.T) {
		opA := makeOp(models.OpInsert, 6, 0, "abc", "user2", t1)
		opB := makeOp(models.OpDelete, 4, 5, "", "user1", t0)

		out, err := Transform(&opA, &opB)
		require.NoError(t, err)
		assert.Equal(t, 4, out.Position)
	})

	t.Run("insert after deleted range shifts left", func(t *testing.T) {
		opA := makeOp(models.OpInsert, 10, 0, "abc", "user2", t1)
		opB := makeOp(models.OpDelete, 2, 3, "", "user1", t0)

		out, err := Transform(&opA, &opB)
		require.NoError(t, err)
		assert.Equal(t, 7, out.Position)
	})

	t.Run("delete shifts right past an earlier insert", func(t *testing.T) {
		opA := makeOp(models.OpDelete, 6, 4, "", "user2", t1)
		opB := makeOp(models.OpInsert, 2, 0, "xyz", "user1", t0)

		out, err := Transform(&opA, &opB)
		require.NoError(t, err)
		assert.Equal(t, 9, out.Position)
		assert.Equal(t, 4, out.Length)
	})

	t.Run("insert inside delete range clips the delete", func(t *testing.T) {
		opA := makeOp(models.OpDelete, 4, 6, "", "user2", t1)
		opB := makeOp(models.OpInsert, 7, 0, "xyz", "user1", t0)

		out, err := Transform(&opA, &opB)
		require.NoError(t, err)
		assert.Equal(t, 4, out.Position)
		assert.Equal(t, 3, out.Length)
	})

	t.Run("overlapping deletes narrow to the remainder", func(t *testing.T) {
		opA := makeOp(models.OpDelete, 4, 6, "", "user2", t1) // [4,10)
		opB := makeOp(models.OpDelete, 2, 4, "", "user1", t0) // [2,6)

		out, err := Transform(&opA, &opB)
		require.NoError(t, err)
		assert.Equal(t, 2, out.Position)
		assert.Equal(t, 4, out.Length) // [6,10) remains
	})

	t.Run("identical deletes become a no-op", func(t *testing.T) {
		opA := makeOp(models.OpDelete, 4, 3, "", "user2", t1)
		opB := makeOp(models.OpDelete, 4, 3, "", "user1", t0)

		out, err := Transform(&opA, &opB)
		require.NoError(t, err)
		assert.Equal(t, 0, out.Length)

		// Applying the narrowed delete leaves content untouched.
		content, err := Apply("0123456789", out)
		require.NoError(t, err)
		assert.Equal(t, "0123456789", content)
	})

	t.Run("replace transforms as delete plus insert", func(t *testing.T) {
		opA := makeOp(models.OpReplace, 8, 2, "NEW", "user2", t1)
		opB := makeOp(models.OpInsert, 3, 0, "xx", "user1", t0)

		out, err := Transform(&opA, &opB)
		require.NoError(t, err)
		assert.Equal(t, models.OpReplace, out.Type)
		assert.Equal(t, 10, out.Position)
		assert.Equal(t, 2, out.Length)
		assert.Equal(t, "NEW", out.Content)
	})

	t.Run("malformed operation is rejected", func(t *testing.T) {
		opA := makeOp(models.OpInsert, 5, 0, "", "user2", t1)
		opB := makeOp(models.OpInsert, 2, 0, "x", "user1", t0)

		_, err := Transform(&opA, &opB)
		assert.True(t, engerrors.IsValidation(err))
	})
}

// Transforming each side against the other must converge: B then A' equals
// A then B'.
func TestTransformConvergence(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	base := "the quick brown fox jumps over the lazy dog"

	cases := []struct {
		name string
		opA  models.Operation
		opB  models.Operation
	}{
		{
			name: "concurrent inserts",
			opA:  makeOp(models.OpInsert, 4, 0, "very ", "user1", t0),
			opB:  makeOp(models.OpInsert, 16, 0, "red ", "user2", t0),
		},
		{
			name: "insert and delete",
			opA:  makeOp(models.OpInsert, 4, 0, "very ", "user1", t0),
			opB:  makeOp(models.OpDelete, 10, 6, "", "user2", t0),
		},
		{
			name: "disjoint deletes",
			opA:  makeOp(models.OpDelete, 0, 4, "", "user1", t0),
			opB:  makeOp(models.OpDelete, 10, 6, "", "user2", t0),
		},
		{
			name: "overlapping deletes",
			opA:  makeOp(models.OpDelete, 4, 12, "", "user1", t0),
			opB:  makeOp(models.OpDelete, 10, 9, "", "user2", t0),
		},
		{
			name: "same position inserts",
			opA:  makeOp(models.OpInsert, 9, 0, "AAA", "user1", t0),
			opB:  makeOp(models.OpInsert, 9, 0, "BB", "user2", t0),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			aPrime, err := Transform(&tc.opA, &tc.opB)
			require.NoError(t, err)
			bPrime, err := Transform(&tc.opB, &tc.opA)
			require.NoError(t, err)

			viaB, err := Apply(base, &tc.opB)
			require.NoError(t, err)
			viaB, err = Apply(viaB, aPrime)
			require.NoError(t, err)

			viaA, err := Apply(base, &tc.opA)
			require.NoError(t, err)
			viaA, err = Apply(viaA, bPrime)
			require.NoError(t, err)

			assert.Equal(t, viaA, viaB)
		})
	}
}

func TestTransformList(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("returns one transformed operation per input", func(t *testing.T) {
		ops := []models.Operation{
			makeOp(models.OpInsert, 0, 0, "a", "user1", t0),
			makeOp(models.OpDelete, 5, 2, "", "user1", t0.Add(time.Second)),
			makeOp(models.OpReplace, 8, 1, "z", "user1", t0.Add(2*time.Second)),
		}
		against := []models.Operation{
			makeOp(models.OpInsert, 3, 0, "进", "user2", t0),
			makeOp(models.OpDelete, 1, 1, "", "user2", t0.Add(time.Second)),
		}

		out, err := TransformList(ops, against)
		require.NoError(t, err)
		require.Len(t, out, len(ops))

		for i := range out {
			assert.Equal(t, ops[i].Type, out[i].Type)
			assert.Equal(t, ops[i].UserID, out[i].UserID)
			assert.Equal(t, ops[i].SessionID, out[i].SessionID)
		}
	})

	t.Run("empty against list is identity", func(t *testing.T) {
		ops := []models.Operation{makeOp(models.OpInsert, 2, 0, "hi", "user1", t0)}

		out, err := TransformList(ops, nil)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, ops[0].Position, out[0].Position)
	})

	t.Run("against order is causal regardless of slice order", func(t *testing.T) {
		ops := []models.Operation{makeOp(models.OpInsert, 10, 0, "end", "user1", t0.Add(time.Hour))}

		first := makeOp(models.OpInsert, 0, 0, "aa", "user2", t0)
		second := makeOp(models.OpInsert, 0, 0, "bb", "user2", t0.Add(time.Second))

		outOrdered, err := TransformList(ops, []models.Operation{first, second})
		require.NoError(t, err)
		outReversed, err := TransformList(ops, []models.Operation{second, first})
		require.NoError(t, err)

		assert.Equal(t, outOrdered[0].Position, outReversed[0].Position)
	})
}
