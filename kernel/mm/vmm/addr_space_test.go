package vmm

import (
	"testing"

	"pagekernel/kernel/mm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEarlyReserveRegion(t *testing.T) {
	defer func(origLastUsed uintptr) {
		earlyReserveLastUsed = origLastUsed
	}(earlyReserveLastUsed)

	earlyReserveLastUsed = tempMappingAddr

	next, err := EarlyReserveRegion(42)
	require.Nil(t, err)
	assert.Equal(t, tempMappingAddr-mm.PageSize, next, "expected the size to be rounded up to a page")

	next, err = EarlyReserveRegion(3 * mm.PageSize)
	require.Nil(t, err)
	assert.Equal(t, tempMappingAddr-4*mm.PageSize, next)

	// Only a single page is left above the floor
	earlyReserveLastUsed = earlyReserveFloor + mm.PageSize
	_, err = EarlyReserveRegion(2 * mm.PageSize)
	assert.Equal(t, errEarlyReserveNoSpace, err)
	assert.Equal(t, earlyReserveFloor+mm.PageSize, earlyReserveLastUsed, "expected a failed reservation to leave the state intact")

	next, err = EarlyReserveRegion(mm.PageSize)
	require.Nil(t, err)
	assert.Equal(t, earlyReserveFloor, next)
	assert.True(t, mm.IsCanonical(next))
}
