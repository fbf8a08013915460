package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/types"
)

// pipNameMap resolves import-name to package-name mismatches.
var pipNameMap = map[string]string{
	"PIL":      "Pillow",
	"cv2":      "opencv-python",
	"bs4":      "beautifulsoup4",
	"yaml":     "pyyaml",
	"sklearn":  "scikit-learn",
	"dateutil": "python-dateutil",
	"dotenv":   "python-dotenv",
	"gi":       "PyGObject",
	"attr":     "attrs",
	"serial":   "pyserial",
	"usb":      "pyusb",
	"Bio":      "biopython",
}

var importErrorRe = regexp.MustCompile(`(?:ModuleNotFoundError|ImportError): No module named '(\w+)'`)

// ParseImportError extracts the pip package to install from an import
// failure, or empty string when the failure is something else.
func ParseImportError(errorText string) string {
	m := importErrorRe.FindStringSubmatch(errorText)
	if m == nil {
		return ""
	}
	if pkg, ok := pipNameMap[m[1]]; ok {
		return pkg
	}
	return m[1]
}

// RunCodeWithAutoInstall executes code and, on an import failure,
// installs the missing package and retries, up to maxInstalls times.
func (s *Sandbox) RunCodeWithAutoInstall(ctx context.Context, spec RunSpec, maxInstalls int) (*types.ExecResult, error) {
	var installed []string
	useDocker := s.cfg.DockerEnabled && s.dockerAvailable()

	var result *types.ExecResult
	var err error
	for attempt := 0; attempt <= maxInstalls; attempt++ {
		result, err = s.RunCode(ctx, spec)
		if err != nil {
			return nil, err
		}
		if result.Success() {
			if len(installed) > 0 {
				result.Stdout += fmt.Sprintf("\n[Auto-installed: %s]", strings.Join(installed, ", "))
			}
			return result, nil
		}

		missing := ParseImportError(result.Traceback + "\n" + result.Stderr)
		if missing == "" || attempt >= maxInstalls {
			return result, nil
		}

		log.WithComponent("sandbox").Info().
			Str("package", missing).
			Int("attempt", attempt+1).
			Msg("Auto-installing missing module")

		var installErr error
		if useDocker {
			installErr = s.dockerPipInstall(ctx, missing)
		} else {
			installErr = s.pipInstall(ctx, spec, missing)
		}
		if installErr != nil {
			log.WithComponent("sandbox").Warn().
				Err(installErr).
				Str("package", missing).
				Msg("Auto-install failed")
			return result, nil
		}
		installed = append(installed, missing)
	}
	return result, nil
}

func (s *Sandbox) pipInstall(ctx context.Context, spec RunSpec, pkg string) error {
	pipBin := "pip3"
	if spec.VenvPath != "" {
		pipBin = filepath.Join(spec.VenvPath, "bin", "pip")
	}
	installSpec := RunSpec{
		TaskID:     spec.TaskID,
		Command:    fmt.Sprintf("%s install %s", pipBin, pkg),
		WorkingDir: spec.WorkingDir,
		Timeout:    installTimeout,
	}
	result, err := s.RunShell(ctx, installSpec)
	if err != nil {
		return err
	}
	if !result.Success() {
		return fmt.Errorf("pip install %s failed: %s", pkg, truncate(result.Stderr, 200))
	}
	return nil
}
