// Package webservice detects web frameworks in user code, launches them inside
// web sandboxes, and verifies they came up.
package webservice

import (
	"regexp"
	"strings"
)

// Framework identifies a supported web framework and how to run it.
type Framework struct {
	Name         string // streamlit, gradio, fastapi, flask, dash
	InternalPort int    // Port the framework listens on inside the sandbox
}

// Supported frameworks with their conventional ports.
var (
	Streamlit = Framework{Name: "streamlit", InternalPort: 8501}
	Gradio    = Framework{Name: "gradio", InternalPort: 7860}
	FastAPI   = Framework{Name: "fastapi", InternalPort: 8000}
	Flask     = Framework{Name: "flask", InternalPort: 8000}
	Dash      = Framework{Name: "dash", InternalPort: 8050}
)

var (
	streamlitCode = regexp.MustCompile(`(?m)^\s*(import\s+streamlit|from\s+streamlit\b)|\bst\.`)
	gradioCode    = regexp.MustCompile(`(?m)^\s*(import\s+gradio|from\s+gradio\b)`)
	flaskCode     = regexp.MustCompile(`(?m)^\s*(import\s+flask|from\s+flask\b)`)
	dashCode      = regexp.MustCompile(`(?m)^\s*(import\s+dash|from\s+dash\b)`)
)

type detectRule struct {
	framework Framework
	match     func(code string, pkgs map[string]struct{}) bool
}

func hasPkg(pkgs map[string]struct{}, name string) bool {
	_, ok := pkgs[name]
	return ok
}

// Detection order matters: dash imports flask under the hood, and streamlit
// apps often import other frameworks' client libraries. More specific
// frameworks are checked first.
var detectRules = []detectRule{
	{Streamlit, func(code string, pkgs map[string]struct{}) bool {
		return hasPkg(pkgs, "streamlit") || streamlitCode.MatchString(code)
	}},
	{Gradio, func(code string, pkgs map[string]struct{}) bool {
		return hasPkg(pkgs, "gradio") || gradioCode.MatchString(code)
	}},
	{FastAPI, func(code string, pkgs map[string]struct{}) bool {
		if hasPkg(pkgs, "fastapi") || hasPkg(pkgs, "uvicorn") {
			return true
		}
		return strings.Contains(code, "fastapi") && strings.Contains(code, "uvicorn")
	}},
	{Flask, func(code string, pkgs map[string]struct{}) bool {
		return hasPkg(pkgs, "flask") || flaskCode.MatchString(code)
	}},
	{Dash, func(code string, pkgs map[string]struct{}) bool {
		if hasPkg(pkgs, "dash") {
			return true
		}
		return dashCode.MatchString(code) && hasPkg(pkgs, "plotly")
	}},
}

// Detect inspects code and its declared packages for a web framework. Returns
// the framework and true on a match, or a zero Framework and false for plain
// scripts.
func Detect(code string, packages []string) (Framework, bool) {
	pkgs := make(map[string]struct{}, len(packages))
	for _, p := range packages {
		pkgs[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
	}
	for _, rule := range detectRules {
		if rule.match(code, pkgs) {
			return rule.framework, true
		}
	}
	return Framework{}, false
}
