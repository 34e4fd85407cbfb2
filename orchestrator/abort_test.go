package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveAbortContextCarriesReason(t *testing.T) {
	derived, abort := deriveAbortContext(context.Background(), 0)
	abort(&abortCause{reason: "operator request"})
	<-derived.Done()

	cause := causeOf(derived)
	assert.False(t, cause.timeout)
	assert.Equal(t, "operator request", cause.reason)
}

func TestDeriveAbortContextTimeout(t *testing.T) {
	derived, abort := deriveAbortContext(context.Background(), 10*time.Millisecond)
	defer abort(nil)

	select {
	case <-derived.Done():
	case <-time.After(time.Second):
		t.Fatal("deadline did not fire")
	}
	cause := causeOf(derived)
	assert.True(t, cause.timeout)
}

func TestDeriveAbortContextInheritsParent(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	derived, abort := deriveAbortContext(parent, 0)
	defer abort(nil)

	cancel()
	select {
	case <-derived.Done():
	case <-time.After(time.Second):
		t.Fatal("parent cancellation did not propagate")
	}
}

func TestCauseOfSynthesizesForPlainCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cause := causeOf(ctx)
	require.NotNil(t, cause)
	assert.False(t, cause.timeout)
	assert.Empty(t, cause.reason)
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))

	oerr := NewError(CodeNotFound, "run %s not found", "r1")
	assert.Same(t, oerr, AsError(oerr))

	wrapped := AsError(errors.New("boom"))
	assert.Equal(t, CodeInternal, wrapped.Code)
	assert.Equal(t, "boom", wrapped.Message)
}
