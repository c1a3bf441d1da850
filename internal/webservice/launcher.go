package webservice

import (
	"fmt"
)

const (
	appFile    = "/tmp/app.py"
	launchFile = "/tmp/launch.py"

	// ServiceLogFile is where a launched service's combined output goes.
	ServiceLogFile = "/tmp/service.log"
)

// launchCommand returns the in-sandbox command that starts the framework,
// with output redirected to the service log.
func launchCommand(fw Framework) []string {
	var run string
	switch fw.Name {
	case Streamlit.Name:
		// Streamlit is driven by its own CLI; the proxy strips the path
		// prefix so no base-url flag is needed.
		run = fmt.Sprintf(
			"streamlit run %s --server.port %d --server.address 0.0.0.0 --server.headless true --server.enableCORS false --server.enableXsrfProtection false",
			appFile, fw.InternalPort,
		)
	default:
		run = "python3 " + launchFile
	}
	return []string{"sh", "-c", run + " > " + ServiceLogFile + " 2>&1"}
}

// launchShim returns the Python wrapper that runs the user's code with the
// framework bound to the sandbox's published port. Streamlit needs none.
// proxyPrefix is the external path the service is reachable under
// (e.g. /proxy/ab12cd34); only Dash embeds it, the proxy strips it for the
// other frameworks.
func launchShim(fw Framework, proxyPrefix string) (string, bool) {
	switch fw.Name {
	case Gradio.Name:
		return fmt.Sprintf(`import gradio as gr

_launch = gr.blocks.Blocks.launch

def _patched(self, *args, **kwargs):
    kwargs["server_name"] = "0.0.0.0"
    kwargs["server_port"] = %d
    kwargs["quiet"] = True
    return _launch(self, *args, **kwargs)

gr.blocks.Blocks.launch = _patched

with open(%q) as f:
    source = f.read()
exec(compile(source, %q, "exec"), {"__name__": "__main__"})
`, fw.InternalPort, appFile, appFile), true

	case Dash.Name:
		// Dash builds absolute asset URLs from url_base_pathname, so the
		// external prefix must be baked in rather than stripped.
		return fmt.Sprintf(`import dash

_init = dash.Dash.__init__

def _patched(self, *args, **kwargs):
    kwargs.setdefault("url_base_pathname", %q)
    _init(self, *args, **kwargs)

dash.Dash.__init__ = _patched

namespace = {"__name__": "engine_app"}
with open(%q) as f:
    source = f.read()
exec(compile(source, %q, "exec"), namespace)

app = next(v for v in namespace.values() if isinstance(v, dash.Dash))
app.run(host="0.0.0.0", port=%d)
`, proxyPrefix+"/", appFile, appFile, fw.InternalPort), true

	case FastAPI.Name:
		return fmt.Sprintf(`import fastapi
import uvicorn

namespace = {"__name__": "engine_app"}
with open(%q) as f:
    source = f.read()
exec(compile(source, %q, "exec"), namespace)

app = next(v for v in namespace.values() if isinstance(v, fastapi.FastAPI))
uvicorn.run(app, host="0.0.0.0", port=%d)
`, appFile, appFile, fw.InternalPort), true

	case Flask.Name:
		return fmt.Sprintf(`import flask

namespace = {"__name__": "engine_app"}
with open(%q) as f:
    source = f.read()
exec(compile(source, %q, "exec"), namespace)

app = next(v for v in namespace.values() if isinstance(v, flask.Flask))
app.run(host="0.0.0.0", port=%d)
`, appFile, appFile, fw.InternalPort), true
	}
	return "", false
}
