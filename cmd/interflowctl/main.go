package main

import (
	"github.com/jessevdk/go-flags"
	mbp "go.gazette.dev/core/mainboilerplate"
)

const iniFilename = "interflow.ini"

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	_, _ = parser.AddCommand("serve", "Run the integration engine", `
Serve the integration engine with the provided configuration, until signaled
to exit (via SIGTERM). Channels are loaded from the catalog directory, built,
deployed, and started; the dashboard server runs alongside them.
`, &cmdServe{})

	_, _ = parser.AddCommand("check", "Validate a channel catalog", `
Load and validate every channel definition in the catalog directory: engine
and connector settings, port collisions, and script compilation.
`, &cmdCheck{})

	_, _ = parser.AddCommand("export", "Export channels as XML artifacts", `
Export every channel definition in the catalog directory as XML interchange
documents, the artifact form consumed by promotion.
`, &cmdExport{})

	_, _ = parser.AddCommand("import", "Import XML artifacts as channel definitions", `
Import XML interchange documents into a catalog directory of YAML channel
definitions.
`, &cmdImport{})

	_, _ = parser.AddCommand("promote", "Plan and apply a channel promotion", `
Build a dependency-ordered promotion plan from exported artifacts, render
per-channel diffs against the target, and optionally apply it.
`, &cmdPromote{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
