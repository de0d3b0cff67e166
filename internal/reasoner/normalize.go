package reasoner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// DefaultNormalizers returns the canonical per-TaskKind normalizers. They
// collapse known provider-specific key variants into the schema keys
// defined in spec §3, per §9's rule that no worker code should branch on
// provider-specific shapes.
func DefaultNormalizers() map[TaskKind]Normalizer {
	return map[TaskKind]Normalizer{
		TaskPlan:          normalizePlan,
		TaskDiagnose:      normalizeDiagnose,
		TaskDeployMessage: normalizeDeployMessage,
	}
}

func decodeObject(raw string) (map[string]interface{}, error) {
	raw = extractJSONObject(raw)
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}
	return obj, nil
}

// extractJSONObject strips any leading/trailing prose a provider may wrap
// around the JSON object (some providers answer inside a markdown fence).
func extractJSONObject(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < 0 || end < start {
		return raw
	}
	return raw[start : end+1]
}

var phaseKeyPattern = regexp.MustCompile(`^phase(\d+)$`)

func firstString(obj map[string]interface{}, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func firstValue(obj map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			return v, true
		}
	}
	return nil, false
}

// normalizePlan maps a provider's plan JSON into the canonical
// {dependencies, phases, overall_risk} shape (MigrationPlan, spec §3).
func normalizePlan(raw string) (map[string]interface{}, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	depsRaw, ok := firstValue(obj, "dependencies", "deps", "packages")
	if !ok {
		return nil, fmt.Errorf("missing dependencies")
	}
	depsMap, ok := depsRaw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("dependencies is not an object")
	}

	deps := make(map[string]interface{}, len(depsMap))
	for name, v := range depsMap {
		entry, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("dependency %s is not an object", name)
		}
		current, _ := firstString(entry, "current_version", "current", "currentVersion")
		target, _ := firstString(entry, "target_version", "target", "targetVersion")
		action, _ := firstString(entry, "action")
		risk, _ := firstString(entry, "risk")
		if action == "" {
			action = "UPGRADE"
		}
		if risk == "" {
			risk = "LOW"
		}

		breaking := []interface{}{}
		if bc, ok := firstValue(entry, "breaking_changes", "breakingChanges"); ok {
			if list, ok := bc.([]interface{}); ok {
				breaking = list
			}
		}

		deps[name] = map[string]interface{}{
			"current_version":  current,
			"target_version":   target,
			"action":           strings.ToUpper(action),
			"risk":             strings.ToUpper(risk),
			"breaking_changes": breaking,
		}
	}

	phases := collectPhases(obj)
	overallRisk, _ := firstString(obj, "overall_risk", "overallRisk")
	if overallRisk == "" {
		overallRisk = maxRisk(deps)
	}

	return map[string]interface{}{
		"dependencies": deps,
		"phases":       phases,
		"overall_risk": strings.ToUpper(overallRisk),
	}, nil
}

// collectPhases handles both an already-ordered "phases" array and the
// phase1..phaseN flattened-key variant (spec §4.2).
func collectPhases(obj map[string]interface{}) []interface{} {
	if p, ok := firstValue(obj, "phases"); ok {
		if list, ok := p.([]interface{}); ok {
			return list
		}
	}

	type numbered struct {
		n int
		v interface{}
	}
	var collected []numbered
	for k, v := range obj {
		if m := phaseKeyPattern.FindStringSubmatch(k); m != nil {
			n, _ := strconv.Atoi(m[1])
			collected = append(collected, numbered{n: n, v: v})
		}
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].n < collected[j].n })

	phases := make([]interface{}, 0, len(collected))
	for _, c := range collected {
		phases = append(phases, c.v)
	}
	return phases
}

func maxRisk(deps map[string]interface{}) string {
	rank := map[string]int{"LOW": 0, "MEDIUM": 1, "HIGH": 2}
	best := "LOW"
	for _, v := range deps {
		entry, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		risk, _ := entry["risk"].(string)
		if rank[strings.ToUpper(risk)] > rank[best] {
			best = strings.ToUpper(risk)
		}
	}
	return best
}

// normalizeDiagnose maps a provider's diagnosis JSON into the canonical
// {root_cause, category, fixes} shape (ErrorDiagnosis, spec §3).
func normalizeDiagnose(raw string) (map[string]interface{}, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	rootCause, _ := firstString(obj, "root_cause", "rootCause", "cause")
	category, _ := firstString(obj, "category")
	if category == "" {
		category = "UNKNOWN"
	}

	fixesRaw, _ := firstValue(obj, "fixes", "suggestions", "remediations")
	fixList, _ := fixesRaw.([]interface{})

	fixes := make([]interface{}, 0, len(fixList))
	for _, f := range fixList {
		entry, ok := f.(map[string]interface{})
		if !ok {
			continue
		}
		desc, _ := firstString(entry, "description", "desc")
		confidence := 0.0
		if c, ok := firstValue(entry, "confidence", "score"); ok {
			switch v := c.(type) {
			case float64:
				confidence = v
			case string:
				confidence, _ = strconv.ParseFloat(v, 64)
			}
		}
		patchRaw, _ := firstValue(entry, "plan_patch", "planPatch", "patch")
		patch, _ := patchRaw.(map[string]interface{})

		fixes = append(fixes, map[string]interface{}{
			"description": desc,
			"confidence":  confidence,
			"plan_patch":  patch,
		})
	}

	sort.Slice(fixes, func(i, j int) bool {
		ci := fixes[i].(map[string]interface{})["confidence"].(float64)
		cj := fixes[j].(map[string]interface{})["confidence"].(float64)
		return ci > cj
	})

	return map[string]interface{}{
		"root_cause": rootCause,
		"category":   strings.ToUpper(category),
		"fixes":      fixes,
	}, nil
}

// normalizeDeployMessage maps a provider's PR-authoring response into the
// canonical {title, body} shape consumed by the Deployer worker.
func normalizeDeployMessage(raw string) (map[string]interface{}, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	title, _ := firstString(obj, "title", "commit_message", "subject")
	body, _ := firstString(obj, "body", "description", "pr_body")
	if title == "" {
		return nil, fmt.Errorf("missing title")
	}
	return map[string]interface{}{
		"title": title,
		"body":  body,
	}, nil
}
