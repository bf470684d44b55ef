package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 123456000, time.UTC)
	encoded := EncodeCursor("doc|with|pipes", ts)

	c, err := DecodeCursor(encoded)
	require.NoError(t, err)
	assert.Equal(t, "doc|with|pipes", c.LastID)
	assert.True(t, ts.Equal(c.Timestamp))
}

func TestDecodeCursor(t *testing.T) {
	c, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Nil(t, c)

	for _, bad := range []string{"!!!", "bm9waXBl", EncodeCursor("x", time.Now())[:4]} {
		_, err := DecodeCursor(bad)
		assert.ErrorIs(t, err, ErrInvalidCursor, bad)
	}
}

func TestCursorBefore(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{LastID: "m", Timestamp: ts}

	assert.True(t, c.Before("z", ts.Add(-time.Second)))
	assert.False(t, c.Before("a", ts.Add(time.Second)))
	assert.True(t, c.Before("a", ts))
	assert.False(t, c.Before("m", ts))
	assert.False(t, c.Before("z", ts))

	var none *Cursor
	assert.True(t, none.Before("anything", ts))
}

type item struct {
	id string
	at time.Time
}

func TestPage(t *testing.T) {
	now := time.Now().UTC()
	items := []item{{"c", now}, {"b", now.Add(-time.Minute)}, {"a", now.Add(-2 * time.Minute)}}
	id := func(i item) string { return i.id }
	at := func(i item) time.Time { return i.at }

	page := Page(items, 2, id, at)
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	c, err := DecodeCursor(page.Cursor)
	require.NoError(t, err)
	assert.Equal(t, "b", c.LastID)

	last := Page(items[2:], 2, id, at)
	assert.False(t, last.HasMore)
	assert.Empty(t, last.Cursor)

	empty := Page[item](nil, 2, id, at)
	assert.NotNil(t, empty.Items)
}
