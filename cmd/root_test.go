// cmd/root_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
	"github.com/xkilldash9x/cdpdriver/internal/browser/engine/enginetest"
	"github.com/xkilldash9x/cdpdriver/internal/config"
	"github.com/xkilldash9x/cdpdriver/internal/observability"
)

// setupCommand swaps in an in-memory browser and a quiet logger, and returns
// the launcher every command run will use.
func setupCommand(t *testing.T) *enginetest.Launcher {
	t.Helper()

	t.Setenv("CDPDRIVER_LOGGER_LEVEL", "fatal")
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)

	launcher := &enginetest.Launcher{
		Setup: func(b *enginetest.Browser) {
			b.Routes["https://shop.example/cart"] = enginetest.Route{
				Status:  201,
				Title:   "Cart",
				Headers: map[string]string{"Content-Type": "text/html", "X-Trace": "abc"},
			}
			b.PageSetup = func(p *enginetest.Page) { p.PNG = []byte("\x89PNG fake") }
		},
	}
	original := newLauncher
	newLauncher = func(config.BrowserConfig, *zap.Logger) engine.Launcher { return launcher }
	t.Cleanup(func() { newLauncher = original })
	return launcher
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cdpdriver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := runCommand(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestVersionCmd(t *testing.T) {
	out, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "cdpdriver "+Version+"\n", out)
}

func TestRootCmd_NoArgs(t *testing.T) {
	setupCommand(t)
	out, err := runCommand(t)
	require.NoError(t, err)
	assert.Contains(t, out, "Drives a Chrome browser over the DevTools Protocol.")
}

func TestProbeCmd(t *testing.T) {
	launcher := setupCommand(t)

	out, err := runCommand(t, "probe", "https://shop.example/cart")
	require.NoError(t, err)

	var res probeResult
	require.NoError(t, json.UnmarshalFromString(out, &res))
	assert.Equal(t, "https://shop.example/cart", res.URL)
	assert.Equal(t, 201, res.Status)
	assert.Equal(t, "Cart", res.Title)
	assert.Equal(t, "abc", res.Headers.Get("x-trace"))
	assert.Equal(t, 1, res.Windows)

	// The session is always shut down.
	require.NotNil(t, launcher.Last())
	assert.True(t, launcher.Last().Closed())
}

func TestProbeCmd_Trace(t *testing.T) {
	launcher := setupCommand(t)
	tracePath := filepath.Join(t.TempDir(), "traces", "cart.json")

	out, err := runCommand(t, "probe", "--compact", "--trace", tracePath, "https://shop.example/cart")
	require.NoError(t, err)
	assert.Contains(t, out, `"status":201`)

	data, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"traceEvents":[]}`, string(data))

	pages := launcher.Last().Pages()
	require.Len(t, pages, 1)
	assert.Contains(t, pages[0].TraceCategories(), "disabled-by-default-devtools.screenshot")
}

func TestProbeCmd_ConfigFileSetsAppHost(t *testing.T) {
	setupCommand(t)
	cfgPath := writeConfig(t, "driver:\n  app_host: https://shop.example/\n")

	out, err := runCommand(t, "--config", cfgPath, "probe", "--compact", "/cart")
	require.NoError(t, err)
	assert.Contains(t, out, `"url":"https://shop.example/cart"`)
	assert.Contains(t, out, `"status":201`)
}

func TestProbeCmd_FlagOverridesConfigFile(t *testing.T) {
	setupCommand(t)
	cfgPath := writeConfig(t, "driver:\n  app_host: https://elsewhere.example/\n")

	out, err := runCommand(t, "--config", cfgPath, "--app-host", "https://shop.example", "probe", "--compact", "/cart")
	require.NoError(t, err)
	assert.Contains(t, out, `"url":"https://shop.example/cart"`)
}

func TestProbeCmd_EnvironmentSetsAppHost(t *testing.T) {
	setupCommand(t)
	t.Setenv("CDPDRIVER_DRIVER_APP_HOST", "https://shop.example")

	out, err := runCommand(t, "probe", "--compact", "/cart")
	require.NoError(t, err)
	assert.Contains(t, out, `"url":"https://shop.example/cart"`)
}

func TestProbeCmd_RequiresOneArg(t *testing.T) {
	setupCommand(t)
	_, err := runCommand(t, "probe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s), received 0")
}

func TestProbeCmd_InvalidConfig(t *testing.T) {
	launcher := setupCommand(t)
	cfgPath := writeConfig(t, "driver:\n  app_host: not-absolute\n")

	_, err := runCommand(t, "--config", cfgPath, "probe", "/cart")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app_host must be an absolute URL")
	assert.Nil(t, launcher.Last(), "no browser is launched for an invalid configuration")
}

func TestProbeCmd_LaunchFailure(t *testing.T) {
	launcher := setupCommand(t)
	launcher.Err = errors.New("chrome not found")

	_, err := runCommand(t, "probe", "https://shop.example/cart")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chrome not found")
}

func TestScreenshotCmd(t *testing.T) {
	launcher := setupCommand(t)
	dir := t.TempDir()

	out, err := runCommand(t, "--save-path", dir, "screenshot", "--width", "800", "--height", "600",
		"https://shop.example/cart", "shots/cart.png")
	require.NoError(t, err)

	want := filepath.Join(dir, "shots", "cart.png")
	assert.Equal(t, want+"\n", out)
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG fake"), data)

	pages := launcher.Last().Pages()
	require.Len(t, pages, 1)
	w, h := pages[0].Viewport()
	assert.Equal(t, 800, w)
	assert.Equal(t, 600, h)
}

func TestScreenshotCmd_AbsolutePath(t *testing.T) {
	setupCommand(t)
	want := filepath.Join(t.TempDir(), "page.png")

	_, err := runCommand(t, "screenshot", "https://shop.example/cart", want)
	require.NoError(t, err)
	assert.FileExists(t, want)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 0, exitCode(context.Canceled))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}
