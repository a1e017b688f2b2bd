package assets

type Config struct {
	// Glob for page templates within the asset filesystem
	TemplateGlob string
	// Glob for browser scripts within the asset filesystem
	ScriptGlob string
	// URL prefix scripts are served under
	ScriptPrefix string
	// Whether to minify scripts
	Minify bool
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		TemplateGlob: "templates/*.html",
		ScriptGlob:   "scripts/*.js",
		ScriptPrefix: "/static/",
		Minify:       true,
	}
}
