package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/artemis/depupgrade/internal/workflow"
)

func readHostManifest(projectRoot, manifestPath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(projectRoot, manifestPath))
}

func readManifestSafely(projectRoot, manifestPath string) []byte {
	data, err := readHostManifest(projectRoot, manifestPath)
	if err != nil {
		return nil
	}
	return data
}

// MutateManifest applies plan.Dependencies to a package.json or
// requirements.txt byte-exactly (spec §4.4 stage 3).
func MutateManifest(pt workflow.ProjectType, manifest []byte, plan *workflow.MigrationPlan) ([]byte, error) {
	if pt == workflow.ProjectPython {
		return mutateRequirementsTxt(manifest, plan)
	}
	return mutatePackageJSON(manifest, plan)
}

func mutatePackageJSON(manifest []byte, plan *workflow.MigrationPlan) ([]byte, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(manifest, &doc); err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}

	deps, _ := doc["dependencies"].(map[string]interface{})
	if deps == nil {
		deps = map[string]interface{}{}
	}
	devDeps, _ := doc["devDependencies"].(map[string]interface{})
	if devDeps == nil {
		devDeps = map[string]interface{}{}
	}

	for name, change := range plan.Dependencies {
		switch change.Action {
		case workflow.ActionRemove:
			delete(deps, name)
			delete(devDeps, name)
		case workflow.ActionAdd, workflow.ActionUpgrade:
			target := change.TargetVersion
			if target == "" {
				target = change.CurrentVersion
			}
			if _, isDev := devDeps[name]; isDev {
				devDeps[name] = "^" + target
			} else {
				deps[name] = "^" + target
			}
		case workflow.ActionKeep:
			// no change
		}
	}

	doc["dependencies"] = deps
	if len(devDeps) > 0 {
		doc["devDependencies"] = devDeps
	}

	return json.MarshalIndent(doc, "", "  ")
}

var requirementLinePattern = regexp.MustCompile(`^([A-Za-z0-9_.\-\[\]]+)\s*(==|>=|<=|~=)?\s*([A-Za-z0-9_.\-]*)\s*$`)

func mutateRequirementsTxt(manifest []byte, plan *workflow.MigrationPlan) ([]byte, error) {
	lines := strings.Split(string(manifest), "\n")
	seen := make(map[string]bool, len(plan.Dependencies))

	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			out = append(out, line)
			continue
		}
		m := requirementLinePattern.FindStringSubmatch(trimmed)
		if m == nil {
			out = append(out, line)
			continue
		}
		name := m[1]
		change, ok := plan.Dependencies[name]
		if !ok {
			out = append(out, line)
			continue
		}
		seen[name] = true
		switch change.Action {
		case workflow.ActionRemove:
			continue
		case workflow.ActionAdd, workflow.ActionUpgrade:
			target := change.TargetVersion
			if target == "" {
				target = change.CurrentVersion
			}
			out = append(out, fmt.Sprintf("%s==%s", name, target))
		default:
			out = append(out, line)
		}
	}

	// ADD dependencies not previously present in the file.
	var names []string
	for name, change := range plan.Dependencies {
		if change.Action == workflow.ActionAdd && !seen[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		change := plan.Dependencies[name]
		target := change.TargetVersion
		if target == "" {
			target = change.CurrentVersion
		}
		out = append(out, fmt.Sprintf("%s==%s", name, target))
	}

	return []byte(strings.Join(out, "\n")), nil
}

// testCommandFor discovers whether tests are present and, if so, the
// argv to run them (spec §4.4 stage 7). For NODE, presence is decided by
// package.json's scripts.test; for PYTHON, by the presence of any
// test_*.py / *_test.py file or a tests/ directory in projectRoot.
func testCommandFor(pt workflow.ProjectType, projectRoot string, manifest []byte) (bool, []string) {
	if pt == workflow.ProjectPython {
		if !pythonTestsPresent(projectRoot) {
			return false, nil
		}
		return true, []string{"sh", "-c", "pytest -v || python -m unittest discover"}
	}

	if manifest == nil {
		return false, nil
	}
	var doc struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(manifest, &doc); err != nil {
		return false, nil
	}
	script, ok := doc.Scripts["test"]
	if !ok {
		return false, nil
	}
	if isNoopTestScript(script) {
		return false, nil
	}
	return true, []string{"npm", "test"}
}

// pythonTestsPresent implements the PYTHON test-discovery rule: presence of
// any file matching test_*.py or *_test.py, or a tests/ directory.
func pythonTestsPresent(projectRoot string) bool {
	if projectRoot == "" {
		return false
	}
	if info, err := os.Stat(filepath.Join(projectRoot, "tests")); err == nil && info.IsDir() {
		return true
	}

	found := false
	_ = filepath.Walk(projectRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil || found {
			return nil
		}
		if info.IsDir() {
			base := info.Name()
			if base != "." && (base == "node_modules" || base == "venv" || base == ".git" || base == "__pycache__") {
				return filepath.SkipDir
			}
			return nil
		}
		name := info.Name()
		if strings.HasPrefix(name, "test_") && strings.HasSuffix(name, ".py") {
			found = true
		}
		if strings.HasSuffix(name, "_test.py") {
			found = true
		}
		return nil
	})
	return found
}

func isNoopTestScript(script string) bool {
	s := strings.ToLower(strings.TrimSpace(script))
	if s == "" {
		return true
	}
	if strings.Contains(s, "no test") {
		return true
	}
	if s == `echo "error: no test specified" && exit 1` {
		return true
	}
	if strings.HasSuffix(s, "exit 0") && !strings.Contains(s, "&&") {
		return true
	}
	return false
}

var (
	testSummaryPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)tests:\s*(\d+)\s*passed,\s*(\d+)\s*total`),
		regexp.MustCompile(`(?i)(\d+)\s*passed`),
	}
)

// parseTestSummary extracts a short human-readable summary from test
// output, falling back to "unparsed" on parse failure (spec §4.4 stage 7).
func parseTestSummary(output string) string {
	if m := testSummaryPatterns[0].FindStringSubmatch(output); m != nil {
		return fmt.Sprintf("%s passed, %s total", m[1], m[2])
	}
	if m := testSummaryPatterns[1].FindStringSubmatch(output); m != nil {
		return fmt.Sprintf("%s passed", m[1])
	}
	if strings.TrimSpace(output) == "" {
		return ""
	}
	return "unparsed"
}

// VerifyVersions re-reads the manifest as seen inside the running
// container and confirms every UPGRADE/ADD/specific-target dependency
// matches the plan (spec §4.4 stage 8).
func VerifyVersions(pt workflow.ProjectType, manifest []byte, plan *workflow.MigrationPlan) (bool, []string) {
	var reported map[string]string
	var err error
	if pt == workflow.ProjectPython {
		reported, err = parseRequirementsVersions(manifest)
	} else {
		reported, err = parsePackageJSONVersions(manifest)
	}
	if err != nil {
		return false, []string{err.Error()}
	}

	var mismatches []string
	for name, change := range plan.Dependencies {
		if change.Action != workflow.ActionUpgrade && change.Action != workflow.ActionAdd {
			continue
		}
		if change.TargetVersion == "" {
			continue
		}
		got, ok := reported[name]
		if !ok || stripVersionPrefix(got) != stripVersionPrefix(change.TargetVersion) {
			mismatches = append(mismatches, fmt.Sprintf("%s: expected %s, got %s", name, change.TargetVersion, got))
		}
	}
	return len(mismatches) == 0, mismatches
}

// ParseCurrentVersions extracts the {name: version} map from a manifest,
// for the Planner worker's "parse current versions" step (spec §4.5).
func ParseCurrentVersions(pt workflow.ProjectType, manifest []byte) (map[string]string, error) {
	if pt == workflow.ProjectPython {
		return parseRequirementsVersions(manifest)
	}
	return parsePackageJSONVersions(manifest)
}

func stripVersionPrefix(v string) string {
	return strings.TrimLeft(v, "^~=>< ")
}

func parsePackageJSONVersions(manifest []byte) (map[string]string, error) {
	var doc struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(manifest, &doc); err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}
	out := map[string]string{}
	for k, v := range doc.Dependencies {
		out[k] = v
	}
	for k, v := range doc.DevDependencies {
		out[k] = v
	}
	return out, nil
}

func parseRequirementsVersions(manifest []byte) (map[string]string, error) {
	out := map[string]string{}
	scanner := bytes.Split(manifest, []byte("\n"))
	for _, line := range scanner {
		trimmed := strings.TrimSpace(string(line))
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		m := requirementLinePattern.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		out[m[1]] = m[3]
	}
	return out, nil
}
