package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2025, 3, 3, 10, 0, 0, 123, time.UTC)
	c, err := Decode(Encode(ts, "rfd_1"))
	require.NoError(t, err)
	assert.True(t, ts.Equal(c.CreatedAt))
	assert.Equal(t, "rfd_1", c.ID)
}

func TestDecode_Invalid(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)

	for _, in := range []string{"!!!", "bm9waXBl", Encode(time.Now(), "")} {
		_, err := Decode(in)
		assert.ErrorIs(t, err, ErrInvalidCursor, in)
	}
}

func TestCursorAfter(t *testing.T) {
	ts := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "b"}

	assert.True(t, c.After(ts.Add(-time.Second), "z"))
	assert.False(t, c.After(ts.Add(time.Second), "a"))
	assert.True(t, c.After(ts, "a"))
	assert.False(t, c.After(ts, "b"))

	var none *Cursor
	assert.True(t, none.After(ts, "x"))
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ParseLimit(""))
	assert.Equal(t, DefaultLimit, ParseLimit("-3"))
	assert.Equal(t, 10, ParseLimit("10"))
	assert.Equal(t, MaxLimit, ParseLimit("5000"))
}

func TestComputePage(t *testing.T) {
	ts := time.Now()
	items := []string{"c", "b", "a"}
	key := func(s string) (time.Time, string) { return ts, s }

	page, next, more := ComputePage(items, 2, key)
	assert.Equal(t, []string{"c", "b"}, page)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)

	page, next, more = ComputePage(items, 5, key)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, more)
}
