// Package artifacts maps phases and iterations to deterministic paths in
// the working tree, so the engine and planner can locate outputs without
// a side index.
package artifacts

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver expands artifact templates and names per-iteration output
// files under the project's working directory.
type Resolver struct {
	// WorkDir is the root of the working tree artifacts live in.
	WorkDir string
}

// ArtifactPath expands a phase's artifact template. The only placeholder
// is {project}, replaced by the project id.
func (r *Resolver) ArtifactPath(template, projectID string) string {
	expanded := strings.ReplaceAll(template, "{project}", projectID)
	return filepath.Join(r.WorkDir, expanded)
}

// cycleKey disambiguates outer-phase cycles from plan sub-phase cycles.
func cycleKey(phaseID, planPhaseID string) string {
	if planPhaseID == "" {
		return phaseID
	}
	return phaseID + "-" + planPhaseID
}

func (r *Resolver) outDir(projectID string) string {
	return filepath.Join(r.WorkDir, projectID, ".phasedrive")
}

// BuildOutputPath names the captured builder output for one cycle.
func (r *Resolver) BuildOutputPath(projectID, phaseID, planPhaseID string, iteration int) string {
	return filepath.Join(r.outDir(projectID),
		fmt.Sprintf("build-%s-i%d.log", cycleKey(phaseID, planPhaseID), iteration))
}

// ReviewOutputPath names the captured output of one reviewer's pass.
func (r *Resolver) ReviewOutputPath(projectID, phaseID, planPhaseID string, iteration int, reviewer string) string {
	return filepath.Join(r.outDir(projectID),
		fmt.Sprintf("review-%s-i%d-%s.log", cycleKey(phaseID, planPhaseID), iteration, reviewer))
}

// RebuttalPath names the builder's optional response to review feedback,
// picked up when assembling the next iteration's context.
func (r *Resolver) RebuttalPath(projectID, phaseID, planPhaseID string, iteration int) string {
	return filepath.Join(r.outDir(projectID),
		fmt.Sprintf("rebuttal-%s-i%d.md", cycleKey(phaseID, planPhaseID), iteration))
}

// EnsureOutDir creates the output directory for captured logs.
func (r *Resolver) EnsureOutDir(projectID string) error {
	if err := os.MkdirAll(r.outDir(projectID), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return nil
}

// Exists reports whether the artifact is present and non-empty.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// approvalScanLimit bounds how far into an artifact HasApproval looks.
const approvalScanLimit = 40

// HasApproval reports whether the artifact carries approval metadata: an
// `approved: true` key in a leading YAML frontmatter block, or an
// `Approved-by:` line near the top of the document.
func HasApproval(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	inFrontmatter := false
	for i := 0; sc.Scan() && i < approvalScanLimit; i++ {
		line := strings.TrimSpace(sc.Text())
		if i == 0 && line == "---" {
			inFrontmatter = true
			continue
		}
		if inFrontmatter {
			if line == "---" {
				inFrontmatter = false
				continue
			}
			if key, val, ok := strings.Cut(line, ":"); ok &&
				strings.TrimSpace(key) == "approved" &&
				strings.TrimSpace(val) == "true" {
				return true
			}
			continue
		}
		if strings.HasPrefix(line, "Approved-by:") && strings.TrimSpace(strings.TrimPrefix(line, "Approved-by:")) != "" {
			return true
		}
	}
	return false
}
