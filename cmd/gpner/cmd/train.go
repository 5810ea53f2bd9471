package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/gomlx/go-globalpointer/globalpointer"
	gpmodel "github.com/gomlx/go-globalpointer/models/globalpointer"
	"github.com/gomlx/go-globalpointer/trainer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the model, keeping the checkpoint with the best validation loss",
	RunE:  runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)

	flags := trainCmd.Flags()
	flags.Int("batch-size", 200, "training batch size")
	flags.Int("max-epochs", 20, "maximum number of epochs")
	flags.Int("inner-dim", gpmodel.DefaultInnerDim, "size of the query and key projections of the global pointer head")
	flags.Float64("learning-rate", 0.0003019951720402019, "Adam learning rate")
	flags.Float64("adam-epsilon", 1e-8, "Adam epsilon")
	flags.Float64("weight-decay", 0.1, "decoupled weight decay")
	flags.Float64("min-delta", 0.005, "minimum validation loss improvement that resets early stopping")
	flags.Int("patience", 5, "epochs without improvement before stopping")
	flags.Bool("lazy-load", true, "build training features on demand instead of upfront")
	bindFlags(flags, map[string]string{
		"batch_size":               "batch-size",
		"max_epochs":               "max-epochs",
		"inner_dim":                "inner-dim",
		"learning_rate":            "learning-rate",
		"adam_epsilon":             "adam-epsilon",
		"weight_decay":             "weight-decay",
		"early_stopping.min_delta": "min-delta",
		"early_stopping.patience":  "patience",
		"lazy_load":                "lazy-load",
	})
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := newSession()
	if err != nil {
		return err
	}
	mode := globalpointer.Eager
	if viper.GetBool("lazy_load") {
		mode = globalpointer.Lazy
	}
	trainDS, err := s.dataset(s.train, mode)
	if err != nil {
		return err
	}
	valDS, err := s.dataset(s.val, mode)
	if err != nil {
		return err
	}
	klog.Infof("train_dataset_size: %d", trainDS.Len())
	klog.Infof("val_dataset_size: %d", valDS.Len())

	backend, err := newBackend()
	if err != nil {
		return err
	}
	defer backend.Finalize()

	config := gpmodel.NewConfig(s.vocabSize, s.labels.Len())
	config.InnerDim = viper.GetInt("inner_dim")
	config.Seed = s.seed
	var model *gpmodel.Model
	if gpmodel.HasPretrainedWeights(s.repo) {
		model, err = gpmodel.NewFromPretrained(backend, config, s.repo)
	} else {
		klog.Warningf("%s has no safetensors weights, embeddings are randomly initialized", s.repo)
		model, err = gpmodel.New(backend, config)
	}
	if err != nil {
		return err
	}
	model.SetOptimizer(gpmodel.NewOptimizer(
		viper.GetFloat64("learning_rate"),
		viper.GetFloat64("adam_epsilon"),
		viper.GetFloat64("weight_decay")))

	metadata, err := checkpointMetadata(s.labels, s.repo.ID, s.maxLen)
	if err != nil {
		return err
	}
	trainConfig := trainer.Config{
		BatchSize: viper.GetInt("batch_size"),
		MaxEpochs: viper.GetInt("max_epochs"),
		EarlyStopping: trainer.EarlyStopping{
			MinDelta: viper.GetFloat64("early_stopping.min_delta"),
			Patience: viper.GetInt("early_stopping.patience"),
		},
		CheckpointDir: viper.GetString("ckpt_dir"),
		Metadata:      metadata,
		Rng:           s.rng,
	}
	t, err := trainer.New(model, trainDS, valDS, trainConfig)
	if err != nil {
		return err
	}
	result, err := t.Fit(ctx)
	if err != nil {
		return err
	}
	klog.Infof("run %s finished after %d epochs: best epoch %d, val_loss=%.4f, checkpoint %s",
		result.RunID, result.Epochs, result.BestEpoch, result.BestValLoss, result.BestCheckpoint)
	return nil
}
