package pairs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPushKeepsOrder(t *testing.T) {
	p := New[string]()
	p.Push(3, "c")
	p.Push(0, "a")
	p.Push(2, "b")

	require.Equal(t, 3, p.Len())
	require.Equal(t, []string{"a", "b", "c"}, p.Values())

	var ids []uint8
	p.Iter(func(id uint8, _ string) { ids = append(ids, id) })
	require.Equal(t, []uint8{0, 2, 3}, ids)
}

func TestFindAndPop(t *testing.T) {
	p := WithCapacity[int](2)
	p.Push(1, 10)
	p.Push(4, 40)

	v, err := p.Find(4)
	require.NoError(t, err)
	require.Equal(t, 40, v)

	_, err = p.Find(2)
	require.Error(t, err)

	v, err = p.Pop(1)
	require.NoError(t, err)
	require.Equal(t, 10, v)
	require.Equal(t, 1, p.Len())

	_, err = p.Pop(1)
	require.Error(t, err)
}

func TestMustFindPanics(t *testing.T) {
	p := New[int]()
	require.Panics(t, func() { p.MustFind(7) })
}

func TestNoDups(t *testing.T) {
	eq := func(a, b int) bool { return a == b }

	p := New[int]()
	p.Push(0, 1)
	p.Push(1, 2)
	require.True(t, p.NoDups(eq))

	p.Push(2, 2)
	require.False(t, p.NoDups(eq))

	q := New[int]()
	q.Push(1, 1)
	q.Push(1, 2)
	require.False(t, q.NoDups(eq))
}
