package depcontext

import (
	"testing"

	"github.com/giantswarm/nucleus/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct{ name string }

type closingWidget struct {
	widget
	closeOrder *[]string
}

func (c *closingWidget) Close() error {
	*c.closeOrder = append(*c.closeOrder, c.name)
	return nil
}

func TestGetConstructsLazilyAndCaches(t *testing.T) {
	c := New()
	key := NewKey[*widget]("widget")
	var calls int
	require.NoError(t, Provide(c, key, func(*Context) (*widget, error) {
		calls++
		return &widget{name: "a"}, nil
	}))

	v1, err := Get(c, key)
	require.NoError(t, err)
	v2, err := Get(c, key)
	require.NoError(t, err)

	assert.Same(t, v1, v2)
	assert.Equal(t, 1, calls, "factory must run exactly once")
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	c := New()
	key := NewKey[*widget]("missing")
	_, err := Get(c, key)
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.NotFound, kind)
}

func TestPutAfterResolveFailsAlreadyBound(t *testing.T) {
	c := New()
	key := NewKey[*widget]("widget")
	require.NoError(t, Put(c, key, &widget{name: "a"}))

	_, err := Get(c, key)
	require.NoError(t, err)

	err = Put(c, key, &widget{name: "b"})
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.AlreadyBound, kind)
}

func TestProvideAfterResolveFailsAlreadyBound(t *testing.T) {
	c := New()
	key := NewKey[*widget]("widget")
	require.NoError(t, Provide(c, key, func(*Context) (*widget, error) {
		return &widget{name: "a"}, nil
	}))
	_, err := Get(c, key)
	require.NoError(t, err)

	err = Provide(c, key, func(*Context) (*widget, error) {
		return &widget{name: "b"}, nil
	})
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.AlreadyBound, kind)
}

func TestDirectSelfCycleReturnsDependencyCycle(t *testing.T) {
	c := New()
	key := NewKey[*widget]("self")
	require.NoError(t, Provide(c, key, func(ctx *Context) (*widget, error) {
		return Get(ctx, key)
	}))

	_, err := Get(c, key)
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.DependencyCycle, kind)
}

func TestMutualCycleReturnsDependencyCycle(t *testing.T) {
	c := New()
	a := NewKey[*widget]("a")
	b := NewKey[*widget]("b")
	require.NoError(t, Provide(c, a, func(ctx *Context) (*widget, error) {
		_, err := Get(ctx, b)
		return &widget{name: "a"}, err
	}))
	require.NoError(t, Provide(c, b, func(ctx *Context) (*widget, error) {
		_, err := Get(ctx, a)
		return &widget{name: "b"}, err
	}))

	_, err := Get(c, a)
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.DependencyCycle, kind)
}

func TestConstructorInjectionResolvesDependencyFirst(t *testing.T) {
	c := New()
	base := NewKey[*widget]("base")
	derived := NewKey[*widget]("derived")
	require.NoError(t, Provide(c, base, func(*Context) (*widget, error) {
		return &widget{name: "base"}, nil
	}))
	require.NoError(t, Provide(c, derived, func(ctx *Context) (*widget, error) {
		b, err := Get(ctx, base)
		if err != nil {
			return nil, err
		}
		return &widget{name: "derived-of-" + b.name}, nil
	}))

	d, err := Get(c, derived)
	require.NoError(t, err)
	assert.Equal(t, "derived-of-base", d.name)
}

func TestCloseTearsDownInReverseConstructionOrder(t *testing.T) {
	c := New()
	var constructOrder, closeOrder []string

	aKey := NewKey[*closingWidget]("a")
	bKey := NewKey[*closingWidget]("b")
	require.NoError(t, Provide(c, aKey, func(*Context) (*closingWidget, error) {
		constructOrder = append(constructOrder, "a")
		return &closingWidget{widget: widget{name: "a"}, closeOrder: &closeOrder}, nil
	}))
	require.NoError(t, Provide(c, bKey, func(ctx *Context) (*closingWidget, error) {
		_, _ = Get(ctx, aKey) // b depends on a: a constructs first
		constructOrder = append(constructOrder, "b")
		return &closingWidget{widget: widget{name: "b"}, closeOrder: &closeOrder}, nil
	}))

	_, err := Get(c, bKey)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, constructOrder)

	require.NoError(t, c.Close())
	assert.Equal(t, []string{"b", "a"}, closeOrder, "teardown must be reverse of construction order")
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New()
	key := NewKey[*widget]("widget")
	require.NoError(t, Put(c, key, &widget{name: "a"}))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
