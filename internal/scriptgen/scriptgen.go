// Package scriptgen renders a runnable worker program from a training
// configuration. It stands in for the richer template generator that the
// config UI ships; the server only depends on the Generator function shape,
// so that generator can be swapped in without touching the supervisor.
//
// The API credential is never rendered into program text. The generated
// script reads it from the TRAINER_API_KEY environment variable at runtime.
package scriptgen

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/nixpig/trainrunner/internal/trainconfig"
)

// Generator produces the worker program text for a validated config.
type Generator func(cfg trainconfig.Config) (string, error)

var scriptTemplate = template.Must(template.New("train").Parse(`import json
import os
import sys
import time

CONFIG = json.loads(r'''{{.ConfigJSON}}''')

API_KEY = os.environ.get("TRAINER_API_KEY")
if not API_KEY:
    print("[ERROR] TRAINER_API_KEY is not set", flush=True)
    sys.exit(1)


def emit_metric(step, total_steps, loss, lr, tokens, tps, wall_ms, eta_s, reward=None):
    payload = {
        "step": step,
        "total_steps": total_steps,
        "loss": loss,
        "lr": lr,
        "tokens": tokens,
        "tokens_per_second": tps,
        "wall_clock_time_ms": wall_ms,
        "eta_seconds": eta_s,
    }
    if reward is not None:
        payload["reward"] = reward
    print("METRIC::" + json.dumps(payload), flush=True)


def emit_sample(step, path, label, prompt, response):
    print("CHECKPOINT_SAMPLE::" + json.dumps({
        "step": step,
        "checkpoint_path": path,
        "checkpoint_label": label,
        "prompt": prompt,
        "response": response,
    }), flush=True)


def main():
    from trainer import TrainingClient  # provided by the runtime image

    client = TrainingClient(api_key=API_KEY)
    run = client.create_run(
        base_model=CONFIG["baseModel"],
        training_type=CONFIG["trainingType"],
        dataset=CONFIG["datasetPath"],
        lora_rank=CONFIG.get("loraRank") or None,
        learning_rate=CONFIG["learningRate"],
        batch_size=CONFIG["batchSize"],
        max_steps=CONFIG["maxSteps"],
        max_sequence_length=CONFIG.get("maxSequenceLength") or None,
    )

    started = time.monotonic()
    for update in run.updates():
        elapsed_ms = (time.monotonic() - started) * 1000.0
        emit_metric(
            update.step,
            CONFIG["maxSteps"],
            update.loss,
            update.lr,
            update.tokens,
            update.tokens_per_second,
            elapsed_ms,
            update.eta_seconds,
            reward=getattr(update, "reward", None),
        )

        save_every = CONFIG.get("saveEverySteps") or 0
        if save_every and update.step % save_every == 0:
            ckpt = run.save_checkpoint(label=f"step-{update.step}")
            sample_every = CONFIG.get("sampleEverySteps") or 0
            if sample_every and update.step % sample_every == 0:
                sample = run.sample(checkpoint=ckpt)
                emit_sample(update.step, ckpt.path, ckpt.label, sample.prompt, sample.response)

    run.save_checkpoint(label="final")
    print("training run complete", flush=True)


if __name__ == "__main__":
    try:
        main()
    except Exception as exc:  # noqa: BLE001
        print(f"[ERROR] {exc}", flush=True)
        sys.exit(1)
`))

// Generate renders the default worker program for cfg. The config is embedded
// as a JSON document rather than interpolated field-by-field, so no value can
// escape into python syntax.
func Generate(cfg trainconfig.Config) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}

	// A ''' sequence inside a value would terminate the python raw string.
	if strings.Contains(string(raw), "'''") {
		return "", fmt.Errorf("config contains unsupported quote sequence")
	}

	var sb strings.Builder
	if err := scriptTemplate.Execute(&sb, struct{ ConfigJSON string }{
		ConfigJSON: string(raw),
	}); err != nil {
		return "", fmt.Errorf("render script template: %w", err)
	}

	return sb.String(), nil
}
