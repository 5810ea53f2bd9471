package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gomlx/go-globalpointer/globalpointer"
	gpmodel "github.com/gomlx/go-globalpointer/models/globalpointer"
	"github.com/gomlx/go-globalpointer/ner"
	"github.com/gomlx/go-globalpointer/trainer"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Evaluate a checkpoint on the test split, and write the wrong predictions",
	RunE:  runTest,
}

func init() {
	rootCmd.AddCommand(testCmd)

	flags := testCmd.Flags()
	flags.String("checkpoint", "", "checkpoint to evaluate (default: the best one in --ckpt-dir)")
	flags.Int("test-batch-size", trainer.DefaultEvalBatchSize, "inference batch size")
	flags.String("pred-dir", defaultPredDir, "directory where diff.json is written")
	flags.Float32("threshold", 0, "score above which a span is an entity")
	bindFlags(flags, map[string]string{
		"checkpoint":      "checkpoint",
		"test_batch_size": "test-batch-size",
		"pred_dir":        "pred-dir",
		"threshold":       "threshold",
	})
}

func runTest(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := newSession()
	if err != nil {
		return err
	}
	checkpoint := viper.GetString("checkpoint")
	if checkpoint == "" {
		checkpoint, err = trainer.FindBestCheckpoint(viper.GetString("ckpt_dir"))
		if err != nil {
			return err
		}
	}

	backend, err := newBackend()
	if err != nil {
		return err
	}
	defer backend.Finalize()
	model, metadata, err := gpmodel.LoadCheckpoint(backend, checkpoint)
	if err != nil {
		return err
	}
	klog.Infof("evaluating checkpoint %s (run %s)", checkpoint, metadata["run_id"])
	if err := checkMetadata(metadata, s.labels, s.maxLen); err != nil {
		return errors.WithMessagef(err, "checkpoint %s", checkpoint)
	}
	if model.Config.VocabSize < s.vocabSize {
		return errors.Errorf("checkpoint vocabulary has %d tokens, the tokenizer produces up to %d", model.Config.VocabSize, s.vocabSize)
	}

	testDS, err := s.dataset(s.test, globalpointer.Eager)
	if err != nil {
		return err
	}
	decoder := globalpointer.NewDecoder(s.labels, globalpointer.WithThreshold(float32(viper.GetFloat64("threshold"))))
	result, err := trainer.Evaluate(ctx, model, testDS, decoder, viper.GetInt("test_batch_size"))
	if err != nil {
		return err
	}
	fmt.Println(result.Report.Render())

	diffPath := filepath.Join(viper.GetString("pred_dir"), "diff.json")
	if err := ner.WriteDiff(diffPath, result.Diff); err != nil {
		return err
	}
	klog.Infof("wrote %d differing examples to %s", len(result.Diff), diffPath)
	return nil
}
