package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorString(t *testing.T) {
	e := NewError(KindConflict, "session already has a room")
	assert.Equal(t, "Conflict: session already has a room", e.Error())

	wrapped := Wrap(KindStoreUnavailable, "ping failed", errors.New("dial tcp: timeout"))
	assert.Equal(t, "StoreUnavailable: ping failed: dial tcp: timeout", wrapped.Error())
	assert.Equal(t, "dial tcp: timeout", errors.Unwrap(wrapped).Error())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindConflict, KindOf(ErrConflictingRoom))
	assert.Equal(t, KindAuthFailure, KindOf(ErrUnknownSession))
	assert.Equal(t, KindTransient, KindOf(errors.New("plain error")))
}
