package events

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	metricPrefix = "METRIC::"
	samplePrefix = "CHECKPOINT_SAMPLE::"
	errorMarker  = "[ERROR]"
)

// legacyMetricPattern matches the progress format emitted by older generated
// scripts: `Step X/Y | Loss: Z [| Reward: R] | LR: W`.
var legacyMetricPattern = regexp.MustCompile(
	`Step\s+(\d+)/(\d+)\s*\|\s*Loss:\s*([0-9.eE+-]+)(?:\s*\|\s*Reward:\s*([0-9.eE+-]+))?\s*\|\s*LR:\s*([0-9.eE+-]+)`,
)

// Parse converts a single raw output line into a typed event. It never fails;
// lines that match no recognised format come back as a Log event.
func Parse(line string) Event {
	if payload, ok := strings.CutPrefix(line, metricPrefix); ok {
		if m, err := parseMetric(payload); err == nil {
			return m
		}
	}

	if payload, ok := strings.CutPrefix(line, samplePrefix); ok {
		if cs, err := parseSample(payload); err == nil {
			return cs
		}
	}

	if msg, ok := strings.CutPrefix(line, errorMarker); ok {
		return ErrorLine{Message: strings.TrimSpace(msg)}
	}

	if m, ok := parseLegacyMetric(line); ok {
		return m
	}

	return Log{Level: inferLevel(line), Message: line}
}

func parseMetric(payload string) (Metric, error) {
	var raw struct {
		Step            int      `json:"step"`
		TotalSteps      int      `json:"total_steps"`
		Loss            float64  `json:"loss"`
		LR              float64  `json:"lr"`
		Tokens          int64    `json:"tokens"`
		TokensPerSecond float64  `json:"tokens_per_second"`
		WallClockTimeMs float64  `json:"wall_clock_time_ms"`
		ETASeconds      float64  `json:"eta_seconds"`
		Reward          *float64 `json:"reward"`
	}

	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return Metric{}, fmt.Errorf("unmarshal metric payload: %w", err)
	}

	m := Metric{
		Step:            raw.Step,
		TotalSteps:      raw.TotalSteps,
		Loss:            raw.Loss,
		LR:              raw.LR,
		Tokens:          raw.Tokens,
		TokensPerSecond: raw.TokensPerSecond,
		WallClockTimeMs: raw.WallClockTimeMs,
		ETASeconds:      raw.ETASeconds,
		Reward:          raw.Reward,
	}

	m.Message = summariseMetric(m)

	return m, nil
}

func parseSample(payload string) (CheckpointSample, error) {
	var raw struct {
		Step            int    `json:"step"`
		SamplerPath     string `json:"sampler_path"`
		CheckpointPath  string `json:"checkpoint_path"`
		CheckpointLabel string `json:"checkpoint_label"`
		Prompt          string `json:"prompt"`
		Response        string `json:"response"`
	}

	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return CheckpointSample{}, fmt.Errorf("unmarshal sample payload: %w", err)
	}

	path := raw.SamplerPath
	if path == "" {
		path = raw.CheckpointPath
	}

	return CheckpointSample{
		Step:            raw.Step,
		CheckpointPath:  path,
		CheckpointLabel: raw.CheckpointLabel,
		Prompt:          raw.Prompt,
		Response:        raw.Response,
	}, nil
}

func parseLegacyMetric(line string) (Metric, bool) {
	groups := legacyMetricPattern.FindStringSubmatch(line)
	if groups == nil {
		return Metric{}, false
	}

	step, err := strconv.Atoi(groups[1])
	if err != nil {
		return Metric{}, false
	}

	totalSteps, err := strconv.Atoi(groups[2])
	if err != nil {
		return Metric{}, false
	}

	loss, err := strconv.ParseFloat(groups[3], 64)
	if err != nil {
		return Metric{}, false
	}

	lr, err := strconv.ParseFloat(groups[5], 64)
	if err != nil {
		return Metric{}, false
	}

	m := Metric{
		Step:       step,
		TotalSteps: totalSteps,
		Loss:       loss,
		LR:         lr,
	}

	if groups[4] != "" {
		if reward, err := strconv.ParseFloat(groups[4], 64); err == nil {
			m.Reward = &reward
		}
	}

	m.Message = summariseMetric(m)

	return m, true
}

func summariseMetric(m Metric) string {
	return fmt.Sprintf(
		"Step %d/%d | Loss: %.4f | LR: %.2e | %.1f tok/s | ETA: %s",
		m.Step,
		m.TotalSteps,
		m.Loss,
		m.LR,
		m.TokensPerSecond,
		FormatETA(m.ETASeconds),
	)
}

// FormatETA renders a seconds estimate as a short human-readable duration.
// Non-positive and non-finite values render as "--".
func FormatETA(seconds float64) string {
	if seconds <= 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return "--"
	}

	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds", int(seconds))

	case seconds < 3600:
		return fmt.Sprintf(
			"%dm %ds",
			int(seconds/60),
			int(math.Round(math.Mod(seconds, 60))),
		)

	default:
		return fmt.Sprintf(
			"%dh %dm",
			int(seconds/3600),
			int(math.Mod(seconds, 3600)/60),
		)
	}
}

func inferLevel(line string) string {
	lower := strings.ToLower(line)

	switch {
	case strings.Contains(lower, "error"):
		return "error"

	case strings.Contains(lower, "warn"):
		return "warn"

	default:
		return "info"
	}
}
