package qkey_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qres/go-qres/qkey"
)

func TestNew(t *testing.T) {
	k, err := qkey.New("user", 5)
	require.NoError(t, err)
	require.Len(t, k, 2)

	k, err = qkey.New("posts", map[string]any{"status": "done", "page": 2})
	require.NoError(t, err)
	require.Len(t, k, 2)

	_, err = qkey.New("posts", func() {})
	require.ErrorIs(t, err, qkey.ErrInvalidSegment)

	_, err = qkey.New("posts", map[string]any{"fn": func() {}})
	require.ErrorIs(t, err, qkey.ErrInvalidSegment)

	_, err = qkey.New("posts", make(chan int))
	require.ErrorIs(t, err, qkey.ErrInvalidSegment)

	// Non-finite floats cannot be encoded canonically.
	_, err = qkey.New("metric", math.NaN())
	require.ErrorIs(t, err, qkey.ErrInvalidSegment)
	_, err = qkey.New("metric", math.Inf(1))
	require.ErrorIs(t, err, qkey.ErrInvalidSegment)
	_, err = qkey.New("metric", float32(math.Inf(-1)))
	require.ErrorIs(t, err, qkey.ErrInvalidSegment)
	_, err = qkey.New("metric", map[string]any{"v": math.NaN()})
	require.ErrorIs(t, err, qkey.ErrInvalidSegment)

	k, err = qkey.New("metric", 1.5)
	require.NoError(t, err)
	require.NotPanics(t, func() { k.ID() })
}

func TestEqual(t *testing.T) {
	a, err := qkey.New("user", 5)
	require.NoError(t, err)
	b, err := qkey.New("user", 5)
	require.NoError(t, err)
	require.True(t, a.Equal(b))
	require.Equal(t, a.ID(), b.ID())

	// Equality is structural, not numeric-type sensitive.
	c, err := qkey.New("user", float64(5))
	require.NoError(t, err)
	require.True(t, a.Equal(c))

	d, err := qkey.New("user", 6)
	require.NoError(t, err)
	require.False(t, a.Equal(d))

	// Attribute maps compare by value regardless of declaration order.
	m1, err := qkey.New("posts", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	m2, err := qkey.New("posts", map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	require.True(t, m1.Equal(m2))
}

func TestHasPrefix(t *testing.T) {
	posts, err := qkey.New("posts")
	require.NoError(t, err)
	post1, err := qkey.New("posts", 1)
	require.NoError(t, err)
	done, err := qkey.New("posts", map[string]any{"status": "done"})
	require.NoError(t, err)
	users, err := qkey.New("users")
	require.NoError(t, err)

	require.True(t, post1.HasPrefix(posts))
	require.True(t, done.HasPrefix(posts))
	require.True(t, posts.HasPrefix(posts))
	require.False(t, users.HasPrefix(posts))
	require.False(t, posts.HasPrefix(post1))

	// The empty key is a prefix of everything.
	require.True(t, posts.HasPrefix(qkey.Key{}))
}

func TestDecode(t *testing.T) {
	k, err := qkey.New("user", 5, map[string]any{"active": true})
	require.NoError(t, err)

	decoded, err := qkey.Decode(k.ID())
	require.NoError(t, err)
	require.True(t, k.Equal(decoded))
	require.Equal(t, k.ID(), decoded.ID())

	_, err = qkey.Decode("not json")
	require.ErrorContains(t, err, "cannot decode key")
}

func TestEmptyKeyID(t *testing.T) {
	require.Equal(t, "[]", qkey.Key{}.ID())
	var nilKey qkey.Key
	require.Equal(t, "[]", nilKey.ID())
}
