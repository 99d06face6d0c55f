// Command research runs the multi-phase deep-research agent: run_research
// against a scraper batch, resuming from wherever its session left off.
package main

import (
	"os"
	"runtime/debug"

	"github.com/joho/godotenv"

	"github.com/deepresearch-dev/agent/internal/commands"
)

// version is set via ldflags (-X main.version=v1.0.0) or detected
// automatically from Go module info embedded by go install.
var version = "dev"

func main() {
	_ = godotenv.Load()

	if version == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
	}
	os.Exit(commands.Execute(version))
}
