package flowstatus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionflow/internal/domain"
	"actionflow/internal/flowstatus"
)

func TestMarkCompleteRequiringApprovalBecomesPending(t *testing.T) {
	in := task("a", false, true, domain.ApprovalNone)
	out := flowstatus.MarkComplete(in)
	assert.True(t, out.Completed)
	assert.Equal(t, domain.ApprovalPending, out.ApprovalStatus)
	assert.False(t, in.Completed, "input must not change")
}

func TestMarkCompleteWithoutApproval(t *testing.T) {
	out := flowstatus.MarkComplete(task("a", false, false, domain.ApprovalNone))
	assert.True(t, out.Completed)
	assert.Equal(t, domain.ApprovalNone, out.ApprovalStatus)
}

func TestMarkCompleteNeverJumpsToApproved(t *testing.T) {
	stale := task("a", false, true, domain.ApprovalApproved)
	out := flowstatus.MarkComplete(stale)
	assert.Equal(t, domain.ApprovalPending, out.ApprovalStatus)
}

func TestMarkCompleteKeepsExistingDecision(t *testing.T) {
	out := flowstatus.MarkComplete(task("a", true, true, domain.ApprovalApproved))
	assert.Equal(t, domain.ApprovalApproved, out.ApprovalStatus)
}

func TestMarkIncompleteResetsApproval(t *testing.T) {
	for _, status := range []domain.ApprovalStatus{domain.ApprovalPending, domain.ApprovalApproved, domain.ApprovalRefused} {
		out := flowstatus.SetCompleted(task("a", true, true, status), false)
		assert.False(t, out.Completed)
		assert.Equal(t, domain.ApprovalNone, out.ApprovalStatus)
	}
}

func TestApprovalLifecycle(t *testing.T) {
	tk := flowstatus.MarkComplete(task("a", false, true, domain.ApprovalNone))

	approved, err := flowstatus.Approve(tk)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, approved.ApprovalStatus)

	reset, err := flowstatus.ResetApproval(approved)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, reset.ApprovalStatus)
	assert.True(t, reset.Completed)

	refused, err := flowstatus.Refuse(reset)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRefused, refused.ApprovalStatus)

	reset, err = flowstatus.Apply(refused, flowstatus.ActionReset)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, reset.ApprovalStatus)
}

func TestApprovalRejectsInvalidStates(t *testing.T) {
	_, err := flowstatus.Approve(task("a", false, true, domain.ApprovalNone))
	assert.ErrorIs(t, err, flowstatus.ErrInvalidTransition)

	_, err = flowstatus.Refuse(task("a", true, false, domain.ApprovalNone))
	assert.ErrorIs(t, err, flowstatus.ErrInvalidTransition)

	_, err = flowstatus.Apply(task("a", true, true, domain.ApprovalPending), "escalate")
	assert.ErrorIs(t, err, flowstatus.ErrInvalidTransition)
}

func TestSetRequiresApproval(t *testing.T) {
	done := task("a", true, false, domain.ApprovalNone)
	gated := flowstatus.SetRequiresApproval(done, true)
	assert.Equal(t, domain.ApprovalPending, gated.ApprovalStatus)

	ungated := flowstatus.SetRequiresApproval(task("a", true, true, domain.ApprovalRefused), false)
	assert.Equal(t, domain.ApprovalNone, ungated.ApprovalStatus)
	assert.True(t, ungated.Completed)

	same := flowstatus.SetRequiresApproval(task("a", true, true, domain.ApprovalApproved), true)
	assert.Equal(t, domain.ApprovalApproved, same.ApprovalStatus)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, domain.ApprovalNone, flowstatus.Normalize(task("a", false, true, domain.ApprovalApproved)).ApprovalStatus)
	assert.Equal(t, domain.ApprovalNone, flowstatus.Normalize(task("a", true, false, domain.ApprovalPending)).ApprovalStatus)
	assert.Equal(t, domain.ApprovalPending, flowstatus.Normalize(task("a", true, true, "")).ApprovalStatus)
	assert.Equal(t, domain.ApprovalRefused, flowstatus.Normalize(task("a", true, true, domain.ApprovalRefused)).ApprovalStatus)
}
