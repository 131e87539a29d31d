// internal/driver/window_test.go
package driver

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
	"github.com/xkilldash9x/cdpdriver/internal/browser/engine/enginetest"
)

// echoFirstArgument answers scripts with the first DSL argument.
func echoFirstArgument(fn string, args []any) (any, error) {
	dslArgs, _ := args[0].([]any)
	if len(dslArgs) == 0 {
		return nil, nil
	}
	return dslArgs[0], nil
}

func TestWindow_Visit(t *testing.T) {
	t.Run("AbsoluteURL", func(t *testing.T) {
		f := newFixture(t, nil)
		ctx := context.Background()
		require.NoError(t, f.session.Visit(ctx, "https://example.test/a"))
		u, err := f.session.CurrentURL(ctx)
		require.NoError(t, err)
		assert.Equal(t, "https://example.test/a", u)
	})

	t.Run("RelativeToAppHost", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.SetDriverAppHost("http://app.test:3000")
		cfg.DriverCfg.DefaultHost = "http://default.test"
		f := newFixtureWithConfig(t, cfg, nil)
		ctx := context.Background()
		require.NoError(t, f.session.Visit(ctx, "/login?next=%2F"))
		u, err := f.session.CurrentURL(ctx)
		require.NoError(t, err)
		assert.Equal(t, "http://app.test:3000/login?next=%2F", u)
	})

	t.Run("RelativeToDefaultHost", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.DriverCfg.DefaultHost = "http://default.test/base/"
		f := newFixtureWithConfig(t, cfg, nil)
		ctx := context.Background()
		require.NoError(t, f.session.Visit(ctx, "page"))
		u, err := f.session.CurrentURL(ctx)
		require.NoError(t, err)
		assert.Equal(t, "http://default.test/base/page", u)
	})

	t.Run("TitleAndHistory", func(t *testing.T) {
		f := newFixture(t, func(b *enginetest.Browser) {
			b.Routes["https://example.test/one"] = enginetest.Route{Status: 200, Title: "One"}
			b.Routes["https://example.test/two"] = enginetest.Route{Status: 200, Title: "Two"}
		})
		ctx := context.Background()
		require.NoError(t, f.session.Visit(ctx, "https://example.test/one"))
		require.NoError(t, f.session.Visit(ctx, "https://example.test/two"))
		title, err := f.session.Title(ctx)
		require.NoError(t, err)
		assert.Equal(t, "Two", title)

		require.NoError(t, f.session.GoBack(ctx))
		u, err := f.session.CurrentURL(ctx)
		require.NoError(t, err)
		assert.Equal(t, "https://example.test/one", u)

		require.NoError(t, f.session.GoForward(ctx))
		u, err = f.session.CurrentURL(ctx)
		require.NoError(t, err)
		assert.Equal(t, "https://example.test/two", u)
	})
}

func TestWindow_RefreshBypassesCache(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.session.Refresh(context.Background()))
	assert.Equal(t, 1, f.currentPage(t).Reloads())
}

func TestWindow_HTML(t *testing.T) {
	f := newFixture(t, func(b *enginetest.Browser) {
		b.PageSetup = func(p *enginetest.Page) {
			p.EvaluateFunc = func(fn string, args []any) (any, error) {
				if fn == jsHTML {
					return "<!DOCTYPE html><html><body></body></html>", nil
				}
				return nil, nil
			}
		}
	})
	html, err := f.session.HTML(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "<!DOCTYPE html><html><body></body></html>", html)
}

func TestWindow_Finders(t *testing.T) {
	a := enginetest.NewElement("node-a")
	b := enginetest.NewElement("node-b")
	f := newFixture(t, func(br *enginetest.Browser) {
		br.PageSetup = func(p *enginetest.Page) {
			p.Selectors["li"] = []engine.ElementHandle{a, b}
			p.XPaths["//li[1]"] = []engine.ElementHandle{a}
		}
	})
	ctx := context.Background()

	nodes, err := f.session.FindCSS(ctx, "li")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "node-a", nodes[0].Element().NodeID())

	nodes, err = f.session.FindXPath(ctx, "//li[1]")
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	nodes, err = f.session.FindCSS(ctx, ".missing")
	require.NoError(t, err, "no match is not an error")
	assert.NotNil(t, nodes)
	assert.Empty(t, nodes)
}

func TestWindow_ScriptElementRoundTrip(t *testing.T) {
	el := enginetest.NewElement("node-1")
	f := newFixture(t, func(br *enginetest.Browser) {
		br.PageSetup = func(p *enginetest.Page) {
			p.Selectors["#target"] = []engine.ElementHandle{el}
			p.EvaluateFunc = echoFirstArgument
		}
	})
	ctx := context.Background()

	found, err := f.session.FindCSS(ctx, "#target")
	require.NoError(t, err)
	require.Len(t, found, 1)

	v, err := f.session.EvaluateScript(ctx, "arguments[0]", found[0])
	require.NoError(t, err)
	node, ok := v.(*Node)
	require.True(t, ok, "element results come back as nodes, got %T", v)
	assert.True(t, node.Equal(found[0]))
	assert.NotSame(t, found[0], node)

	// Nested containers keep their shape; elements inside them are wrapped.
	in := map[string]any{
		"count": 2.0,
		"items": []any{found[0], "text", true},
	}
	v, err = f.session.EvaluateScript(ctx, "arguments[0]", in)
	require.NoError(t, err)
	out, ok := v.(map[string]any)
	require.True(t, ok)
	nodeCmp := cmp.Comparer(func(x, y *Node) bool { return x.Equal(y) })
	assert.True(t, cmp.Equal(in, out, nodeCmp), cmp.Diff(in, out, nodeCmp))
}

func TestWindow_ScriptWrappers(t *testing.T) {
	var seen []string
	f := newFixture(t, func(br *enginetest.Browser) {
		br.PageSetup = func(p *enginetest.Page) {
			p.EvaluateFunc = func(fn string, args []any) (any, error) {
				seen = append(seen, fn)
				if strings.Contains(fn, "throw") {
					return nil, errors.New("Error: boom")
				}
				return 3.0, nil
			}
		}
	})
	ctx := context.Background()

	require.NoError(t, f.session.ExecuteScript(ctx, "document.title = arguments[0]", "x"))
	v, err := f.session.EvaluateScript(ctx, "1 + 2")
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)
	v, err = f.session.EvaluateAsyncScript(ctx, "arguments[0](1 + 2)")
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	require.Len(t, seen, 3)
	assert.Equal(t, "function (arguments) { document.title = arguments[0]\n}", seen[0])
	assert.Equal(t, "function (arguments) { return 1 + 2\n}", seen[1])
	assert.Contains(t, seen[2], "arguments.push(resolve)")

	_, err = f.session.EvaluateScript(ctx, "(() => { throw new Error('boom') })()")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestWindow_SaveScreenshot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.session.SaveScreenshot(ctx, "/shots/home.png"))

	data, err := afero.ReadFile(f.fs, "/shots/home.png")
	require.NoError(t, err)
	assert.Equal(t, f.currentPage(t).PNG, data)
}

func TestWindow_Geometry(t *testing.T) {
	f := newFixture(t, func(br *enginetest.Browser) {
		br.PageSetup = func(p *enginetest.Page) {
			p.EvaluateFunc = func(fn string, args []any) (any, error) {
				switch fn {
				case jsWindowSize:
					w, h := p.Viewport()
					return []any{float64(w), float64(h)}, nil
				case jsScreenSize:
					return map[string]any{"width": 1920.0, "height": 1080.0}, nil
				}
				return nil, nil
			}
		}
	})
	ctx := context.Background()
	handle, err := f.session.CurrentWindowHandle(ctx)
	require.NoError(t, err)

	require.NoError(t, f.session.ResizeWindowTo(ctx, handle, 800, 600))
	w, h, err := f.session.WindowSize(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, [2]int{800, 600}, [2]int{w, h})

	require.NoError(t, f.session.MaximizeWindow(ctx, handle))
	w, h, err = f.session.WindowSize(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, [2]int{1920, 1080}, [2]int{w, h})

	require.NoError(t, f.session.FullscreenWindow(ctx, handle))
	assert.Contains(t, f.currentPage(t).Evaluated(), jsFullscreen)

	err = f.session.ResizeWindowTo(ctx, handle, 0, 600)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, _, err = f.session.WindowSize(ctx, "missing")
	require.ErrorIs(t, err, ErrNoSuchWindow)
}

func TestWindow_WithPage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	err := f.session.WithPage(ctx, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)

	var got engine.Page
	require.NoError(t, f.session.WithPage(ctx, func(p engine.Page) error {
		got = p
		return nil
	}))
	assert.Equal(t, f.currentPage(t).ID(), got.ID())
}

func TestWindow_OperationsFailAfterClose(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	w, err := f.session.current(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Close(ctx))

	ops := map[string]func() error{
		"visit":      func() error { return w.Visit(ctx, "https://example.test/") },
		"title":      func() error { _, err := w.Title(ctx); return err },
		"html":       func() error { _, err := w.HTML(ctx); return err },
		"refresh":    func() error { return w.Refresh(ctx) },
		"find_css":   func() error { _, err := w.FindCSS(ctx, "a"); return err },
		"evaluate":   func() error { _, err := w.EvaluateScript(ctx, "1"); return err },
		"status":     func() error { _, err := w.StatusCode(); return err },
		"headers":    func() error { _, err := w.ResponseHeaders(); return err },
		"screenshot": func() error { return w.SaveScreenshot(ctx, "/x.png") },
		"close":      func() error { return w.Close(ctx) },
		"modal": func() error {
			_, err := w.AcceptModal(ctx, engine.DialogAlert, ModalOptions{}, nil)
			return err
		},
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, op(), ErrNoSuchWindow)
		})
	}
}

func TestWindow_DefaultOperationTimeout(t *testing.T) {
	cfg := newTestConfig()
	cfg.DriverCfg.DefaultTimeout = 20 * time.Millisecond
	f := newFixtureWithConfig(t, cfg, nil)
	w, err := f.session.current(context.Background())
	require.NoError(t, err)

	ctx, cancel := w.opContext(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(20*time.Millisecond), deadline, 20*time.Millisecond)

	// An explicit deadline wins over the default.
	parent, cancelParent := context.WithTimeout(context.Background(), time.Hour)
	defer cancelParent()
	ctx2, cancel2 := w.opContext(parent)
	defer cancel2()
	d2, _ := ctx2.Deadline()
	assert.WithinDuration(t, time.Now().Add(time.Hour), d2, time.Minute)
}
