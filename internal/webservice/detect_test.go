package webservice

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectStreamlit(t *testing.T) {
	fw, ok := Detect("import streamlit as st\nst.title('hi')", nil)
	require.True(t, ok)
	assert.Equal(t, "streamlit", fw.Name)
	assert.Equal(t, 8501, fw.InternalPort)
}

func TestDetectFromImport(t *testing.T) {
	fw, ok := Detect("from fastapi import FastAPI\nimport uvicorn\napp = FastAPI()", nil)
	require.True(t, ok)
	assert.Equal(t, "fastapi", fw.Name)
	assert.Equal(t, 8000, fw.InternalPort)
}

func TestDetectOrderPrefersStreamlit(t *testing.T) {
	// A streamlit app that also talks to a flask backend is still streamlit.
	code := "import streamlit as st\nimport flask\n"
	fw, ok := Detect(code, nil)
	require.True(t, ok)
	assert.Equal(t, "streamlit", fw.Name)
}

func TestDetectIgnoresCommentsAndStrings(t *testing.T) {
	_, ok := Detect("# import flask someday\nprint('import dash')\n", nil)
	assert.False(t, ok)
}

func TestDetectPlainScript(t *testing.T) {
	_, ok := Detect("print('hello world')", nil)
	assert.False(t, ok)
}

func TestDetectAllFrameworkPorts(t *testing.T) {
	cases := []struct {
		code     string
		packages []string
		port     int
	}{
		{"import streamlit", nil, 8501},
		{"import gradio", nil, 7860},
		{"import fastapi", []string{"fastapi"}, 8000},
		{"import flask", nil, 8000},
		// A dash import alone is ambiguous; plotly in the package set settles it.
		{"import dash", []string{"plotly"}, 8050},
	}
	for _, tc := range cases {
		fw, ok := Detect(tc.code, tc.packages)
		require.True(t, ok, tc.code)
		assert.Equal(t, tc.port, fw.InternalPort, tc.code)
	}
}

func TestDetectFromPackages(t *testing.T) {
	fw, ok := Detect("print('plain script')", []string{"numpy", "gradio"})
	require.True(t, ok)
	assert.Equal(t, "gradio", fw.Name)

	// uvicorn alone in packages marks the code as a fastapi service.
	fw, ok = Detect("app = make_app()", []string{"uvicorn"})
	require.True(t, ok)
	assert.Equal(t, "fastapi", fw.Name)
}

func TestDetectDashWithPlotlyPackage(t *testing.T) {
	fw, ok := Detect("from dash import Dash", []string{"plotly"})
	require.True(t, ok)
	assert.Equal(t, "dash", fw.Name)
}

func TestLaunchCommandStreamlitUsesCLI(t *testing.T) {
	cmd := launchCommand(Streamlit)
	require.Len(t, cmd, 3)
	assert.Contains(t, cmd[2], "streamlit run /tmp/app.py")
	assert.Contains(t, cmd[2], "--server.port 8501")
	assert.Contains(t, cmd[2], "--server.address 0.0.0.0")
	assert.Contains(t, cmd[2], "> /tmp/service.log 2>&1")
}

func TestLaunchCommandOthersUseShim(t *testing.T) {
	for _, fw := range []Framework{Gradio, Dash, FastAPI, Flask} {
		cmd := launchCommand(fw)
		assert.Contains(t, cmd[2], "python3 /tmp/launch.py", fw.Name)
	}
}

func TestLaunchShimStreamlitNotNeeded(t *testing.T) {
	_, needed := launchShim(Streamlit, "/proxy/abc")
	assert.False(t, needed)
}

func TestLaunchShimDashEmbedsPrefix(t *testing.T) {
	shim, needed := launchShim(Dash, "/proxy/ab12cd34")
	require.True(t, needed)
	assert.Contains(t, shim, `"/proxy/ab12cd34/"`)
	assert.Contains(t, shim, "url_base_pathname")
	assert.Contains(t, shim, "port=8050")
}

func TestLaunchShimGradioBindsPort(t *testing.T) {
	shim, needed := launchShim(Gradio, "/proxy/abc")
	require.True(t, needed)
	assert.Contains(t, shim, `kwargs["server_name"] = "0.0.0.0"`)
	assert.Contains(t, shim, `kwargs["server_port"] = 7860`)
	// The proxy strips the prefix for gradio; it must not leak into the shim.
	assert.NotContains(t, shim, "/proxy/abc")
}

func TestLaunchShimFlaskFindsApp(t *testing.T) {
	shim, needed := launchShim(Flask, "/proxy/abc")
	require.True(t, needed)
	assert.Contains(t, shim, "isinstance(v, flask.Flask)")
	assert.Contains(t, shim, `host="0.0.0.0", port=8000`)
	// User-level __main__ guards must not fire inside the shim.
	assert.True(t, strings.Contains(shim, `"__name__": "engine_app"`))
}

func TestPortAllocatorReservesAndReleases(t *testing.T) {
	a := NewPortAllocator()

	port, err := a.Allocate()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, portRangeStart)
	assert.LessOrEqual(t, port, portRangeEnd)

	// Reserved ports are skipped until released.
	_, reserved := a.reserved[port]
	assert.True(t, reserved)

	a.Release(port)
	_, reserved = a.reserved[port]
	assert.False(t, reserved)
}
