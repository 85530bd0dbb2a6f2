package worker

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/franksops/trainworker/api"
)

// DefaultLauncher runs the training script under accelerate.
var DefaultLauncher = []string{"accelerate", "launch"}

// BuildCommand returns the argv for training job: the launcher, the job's
// training script, and one flag per training parameter. Directories come
// from ws.
func BuildCommand(launcher []string, job *api.Job, ws Workspace) []string {
	if len(launcher) == 0 {
		launcher = DefaultLauncher
	}
	p := job.TrainingParams

	args := append([]string(nil), launcher...)
	args = append(args,
		p.TrainingScript,
		"--pretrained_model_name_or_path="+p.ModelName,
		"--instance_data_dir="+ws.InstanceDir,
		"--pretrained_vae_model_name_or_path="+p.VAEModelName,
		"--output_dir="+ws.OutputDir,
		"--instance_prompt="+p.Prompt,
		"--mixed_precision="+p.MixedPrecision,
		"--resolution="+strconv.Itoa(p.Resolution),
		"--train_batch_size="+strconv.Itoa(p.TrainBatchSize),
		"--gradient_accumulation_steps="+strconv.Itoa(p.GradientAccumulationSteps),
		"--learning_rate="+formatFloat(p.LearningRate),
		"--lr_scheduler="+p.LRScheduler,
		"--lr_warmup_steps="+strconv.Itoa(p.LRWarmupSteps),
		"--max_train_steps="+strconv.Itoa(p.MaxTrainingSteps),
		"--checkpointing_steps="+strconv.Itoa(p.CheckpointingSteps),
		"--resume_from_checkpoint=latest",
		"--checkpoints_total_limit=1",
		"--report_to=wandb",
	)

	if p.Use8BitAdam {
		args = append(args, "--use_8bit_adam")
	}
	if p.TrainTextEncoder {
		args = append(args, "--train_text_encoder")
	}
	if p.GradientCheckpointing {
		args = append(args, "--gradient_checkpointing")
	}
	if p.WithPriorPreservation {
		args = append(args,
			"--with_prior_preservation",
			"--prior_loss_weight="+formatFloat(p.PriorLossWeight),
		)
		if len(job.ClassDataKeys) > 0 {
			args = append(args, "--class_data_dir="+ws.ClassDir)
		}
		if p.ClassPrompt != "" {
			args = append(args, "--class_prompt="+p.ClassPrompt)
		}
	}
	if p.ValidationEpochs > 0 && p.ValidationPrompt != nil {
		args = append(args,
			"--validation_prompt="+*p.ValidationPrompt,
			fmt.Sprintf("--validation_epochs=%d", p.ValidationEpochs),
		)
	}
	return args
}

// NewTrainingCmd builds the exec.Cmd for argv with the run name set to the
// job id. Output goes to out, or to the worker's stdout and stderr if out is
// nil.
func NewTrainingCmd(argv []string, jobID string, out io.Writer) *exec.Cmd {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		"WANDB_NAME="+jobID,
		"WANDB_RUN_ID="+jobID,
	)
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	if out != nil {
		cmd.Stdout, cmd.Stderr = out, out
	}
	return cmd
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
