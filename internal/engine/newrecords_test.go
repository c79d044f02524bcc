package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/usersync/internal/testutil"
)

func TestNewRecords_BlocksUntilCoolOffElapses(t *testing.T) {
	clk := testutil.NewFakeClock()
	nr := NewNewRecords(clk, 5*time.Second)

	nr.Add("os-1", false)
	assert.False(t, nr.CanAccess("os-1"))

	clk.Advance(4999 * time.Millisecond)
	assert.False(t, nr.CanAccess("os-1"))

	clk.Advance(time.Millisecond)
	assert.True(t, nr.CanAccess("os-1"))
}

func TestNewRecords_UnknownAndEmptyKeysPass(t *testing.T) {
	nr := NewNewRecords(testutil.NewFakeClock(), time.Minute)

	assert.True(t, nr.CanAccess("never-added"))
	assert.True(t, nr.CanAccess(""))

	nr.Add("", true)
	assert.True(t, nr.CanAccess(""))
}

func TestNewRecords_AddWithoutOverwriteKeepsTimestamp(t *testing.T) {
	clk := testutil.NewFakeClock()
	nr := NewNewRecords(clk, 5*time.Second)

	nr.Add("os-1", false)
	clk.Advance(3 * time.Second)
	nr.Add("os-1", false)
	clk.Advance(2 * time.Second)

	assert.True(t, nr.CanAccess("os-1"), "second add must not re-arm the window")
}

func TestNewRecords_AddAfterWindowClosedKeepsTimestamp(t *testing.T) {
	clk := testutil.NewFakeClock()
	nr := NewNewRecords(clk, 5*time.Second)

	nr.Add("os-1", false)
	clk.Advance(5 * time.Second)
	require.True(t, nr.CanAccess("os-1"))

	nr.Add("os-1", false)
	assert.True(t, nr.CanAccess("os-1"), "add without overwrite must not re-arm a closed window")
}

func TestNewRecords_AddWithOverwriteRearms(t *testing.T) {
	clk := testutil.NewFakeClock()
	nr := NewNewRecords(clk, 5*time.Second)

	nr.Add("os-1", false)
	clk.Advance(3 * time.Second)
	nr.Add("os-1", true)
	clk.Advance(2 * time.Second)

	assert.False(t, nr.CanAccess("os-1"))

	clk.Advance(3 * time.Second)
	assert.True(t, nr.CanAccess("os-1"))
}

func TestNewRecords_ZeroCoolOff(t *testing.T) {
	nr := NewNewRecords(testutil.NewFakeClock(), 0)
	nr.Add("os-1", false)
	assert.True(t, nr.CanAccess("os-1"))
}
