package runtests

import (
	"fmt"
	"os/exec"

	"github.com/rs/zerolog/log"
)

// DefaultBuildTool is the external package build tool resolved from PATH.
const DefaultBuildTool = "loom-build"

// Builder compiles a package directory into its loadable artifact. Compilation
// is external to this tool; the driver only sequences it.
type Builder interface {
	BuildPackage(path string) error
}

// CommandBuilder shells out to the package build tool.
type CommandBuilder struct {
	Tool string
}

func (b *CommandBuilder) BuildPackage(path string) error {
	tool := b.Tool
	if tool == "" {
		tool = DefaultBuildTool
	}
	log.Info().Str("package", path).Msg("building package")
	cmd := exec.Command(tool, path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("runtests: build %s: %w: %s", path, err, out)
	}
	return nil
}
