package preflight

import (
	"os/exec"

	"github.com/peterje/termhub/internal/models"
	"github.com/rs/zerolog/log"
)

// CheckAll looks up the assistant tool and the shell on PATH. ok is false
// when the tool is missing, since assistant sessions cannot start without it.
func CheckAll(toolPath, shellPath string) (clis []models.CLIStatus, ok bool) {
	tool := checkCLI(toolPath)
	clis = []models.CLIStatus{tool}
	if shellPath != "" {
		clis = append(clis, checkCLI(shellPath))
	}

	for _, cli := range clis {
		if !cli.Installed {
			log.Warn().Str("cli", cli.Name).Msg("not found on PATH")
		} else {
			log.Info().Str("cli", cli.Name).Str("path", cli.Path).Msg("found")
		}
	}
	return clis, tool.Installed
}

func checkCLI(name string) models.CLIStatus {
	path, err := exec.LookPath(name)
	if err != nil {
		return models.CLIStatus{Name: name, Installed: false}
	}
	// Auth is handled by the CLI itself inside the terminal session.
	return models.CLIStatus{Name: name, Installed: true, Path: path}
}
