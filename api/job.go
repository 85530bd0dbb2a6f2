package api

// Job is a unit of work claimed from the queue. It is never mutated by the
// worker.
type Job struct {
	ID         string  `json:"id"`
	ResumeFrom *string `json:"resume_from"`

	DataBucket       string   `json:"data_bucket"`
	InstanceDataKeys []string `json:"instance_data_keys"`
	ClassDataKeys    []string `json:"class_data_keys,omitempty"`

	CheckpointBucket string `json:"checkpoint_bucket"`
	CheckpointPrefix string `json:"checkpoint_prefix"`

	TrainingParams
}

// TrainingParams are passed through to the training process.
type TrainingParams struct {
	TrainingScript            string  `json:"training_script"`
	ModelName                 string  `json:"model_name"`
	VAEModelName              string  `json:"vae_model_name"`
	Prompt                    string  `json:"prompt"`
	ClassPrompt               string  `json:"class_prompt,omitempty"`
	MixedPrecision            string  `json:"mixed_precision"`
	Resolution                int     `json:"resolution"`
	TrainBatchSize            int     `json:"train_batch_size"`
	GradientAccumulationSteps int     `json:"gradient_accumulation_steps"`
	LearningRate              float64 `json:"learning_rate"`
	LRScheduler               string  `json:"lr_scheduler"`
	LRWarmupSteps             int     `json:"lr_warmup_steps"`
	MaxTrainingSteps          int     `json:"max_training_steps"`
	CheckpointingSteps        int     `json:"checkpointing_steps"`
	Use8BitAdam               bool    `json:"use_8bit_adam"`
	TrainTextEncoder          bool    `json:"train_text_encoder"`
	GradientCheckpointing     bool    `json:"gradient_checkpointing"`
	WithPriorPreservation     bool    `json:"with_prior_preservation"`
	PriorLossWeight           float64 `json:"prior_loss_weight"`
	ValidationEpochs          int     `json:"validation_epochs"`
	ValidationPrompt          *string `json:"validation_prompt"`
}

// ResumeKey returns the checkpoint key to resume from, or "".
func (j *Job) ResumeKey() string {
	if j.ResumeFrom == nil {
		return ""
	}
	return *j.ResumeFrom
}
