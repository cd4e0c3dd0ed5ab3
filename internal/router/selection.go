package router

import (
	"regexp"
	"strings"

	"github.com/basket/lemongate/internal/engine"
)

// modelEnginePrefixes maps model-name prefixes onto the engine that serves
// them. First match wins.
var modelEnginePrefixes = []struct {
	prefix   string
	engineID string
}{
	{"claude", "claude"},
	{"gpt-", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"o4", "openai"},
	{"gemini", "google"},
	{"lemon", "lemon"},
}

// engineForModel returns the engine implied by a model name, or empty.
func engineForModel(model string) string {
	lower := strings.ToLower(model)
	for _, m := range modelEnginePrefixes {
		if strings.HasPrefix(lower, m.prefix) {
			return m.engineID
		}
	}
	return ""
}

// resolveModel applies model precedence: first non-empty wins.
// Order: request-explicit, meta, session-stored, profile-default,
// router-default.
func resolveModel(explicit, meta, session, profile, routerDefault string) string {
	for _, v := range []string{explicit, meta, session, profile, routerDefault} {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolveEngine applies engine precedence: resume token's engine,
// request-explicit, model-implied, session-stored, profile-default. The
// session-stored engine is what keeps a sticky "use codex" choice across
// submits. When an explicit engine conflicts with the model-implied one,
// explicit wins and a warning is returned for the job meta.
func resolveEngine(resumeEngine, explicit, model, sessionStored, profileDefault string) (engineID, warning string) {
	implied := engineForModel(model)
	if resumeEngine != "" {
		return resumeEngine, ""
	}
	if explicit != "" {
		if implied != "" && !engine.SameSession(explicit, implied) {
			warning = "explicit engine " + explicit + " overrides model-implied engine " + implied
		}
		return explicit, warning
	}
	if implied != "" {
		return implied, ""
	}
	if sessionStored != "" {
		return sessionStored, ""
	}
	return profileDefault, ""
}

// resumeLineRe matches a "<engine> resume <value>" line; the CLI-style
// "claude --resume <value>" spelling is a synonym.
var resumeLineRe = regexp.MustCompile(`(?m)^\s*([a-zA-Z][\w:.-]*)\s+(?:--)?resume\s+(\S+)\s*$`)

// extractResume scans the prompt for a resume line naming a known engine.
// The matched line is stripped from the returned prompt.
func extractResume(engines *engine.Registry, prompt string) (string, *engine.ResumeToken) {
	loc := resumeLineRe.FindStringSubmatchIndex(prompt)
	if loc == nil {
		return prompt, nil
	}
	engineID := prompt[loc[2]:loc[3]]
	value := prompt[loc[4]:loc[5]]
	if !engines.Known(engineID) {
		return prompt, nil
	}
	stripped := prompt[:loc[0]] + prompt[loc[1]:]
	stripped = strings.TrimSpace(stripped)
	return stripped, &engine.ResumeToken{EngineID: engineID, Value: value}
}

// stickyEngineRe matches the conversational engine-selection phrases.
var stickyEngineRe = regexp.MustCompile(`(?i)\b(?:use|switch to|with)\s+([a-zA-Z][\w-]*)`)

// extractStickyEngine scans the prompt for "use <engine>", "switch to
// <engine>" or "with <engine>". Phrases naming unknown engines are ignored;
// the prompt is left untouched.
func extractStickyEngine(engines *engine.Registry, prompt string) string {
	for _, match := range stickyEngineRe.FindAllStringSubmatch(prompt, -1) {
		candidate := strings.ToLower(match[1])
		if engines.Known(candidate) {
			return candidate
		}
	}
	return ""
}
