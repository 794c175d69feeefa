package corerr

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestIsThroughPkgErrorsWrap(t *testing.T) {
	base := New(QuotaExceeded, errors.New("too many bytes"))
	wrapped := errors.Wrap(base, "closing peer")

	assert.True(t, Is(wrapped, QuotaExceeded))
	assert.False(t, Is(wrapped, Io))
	assert.Equal(t, QuotaExceeded, KindOf(wrapped))
}

func TestFatalKinds(t *testing.T) {
	assert.True(t, ConfigInvalid.Fatal())
	assert.True(t, ConfigLocked.Fatal())
	assert.True(t, LedgerIntegrityViolation.Fatal())
	assert.True(t, CafsHelperGone.Fatal())
	assert.False(t, QuotaExceeded.Fatal())
	assert.False(t, MessageTooOld.Fatal())
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
}
