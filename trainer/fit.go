package trainer

import (
	"context"
	"fmt"
	"maps"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/gomlx/go-globalpointer/globalpointer"
	gpmodel "github.com/gomlx/go-globalpointer/models/globalpointer"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Trainable is the model interface the training loop needs. It is implemented by *gpmodel.Model.
type Trainable interface {
	Forward(inputs gpmodel.Inputs, targets *gpmodel.Targets) (*gpmodel.Output, error)
	TrainStep(inputs gpmodel.Inputs, targets gpmodel.Targets) (float32, error)
	SaveCheckpoint(path string, metadata map[string]string) error
}

var _ Trainable = (*gpmodel.Model)(nil)

// EarlyStopping stops training when the validation loss hasn't improved by more than MinDelta
// for Patience epochs in a row.
type EarlyStopping struct {
	MinDelta float64
	Patience int
}

// Config of the training loop.
type Config struct {
	BatchSize int
	MaxEpochs int

	EarlyStopping EarlyStopping

	// CheckpointDir holds the best checkpoint. If empty, no checkpoint is saved.
	CheckpointDir string

	// Metadata is stored in the checkpoints, along with the model configuration and the run id.
	Metadata map[string]string

	// Rng shuffles the training examples at every epoch. If nil they are not shuffled.
	Rng *rand.Rand
}

// DefaultConfig returns the default training configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:     200,
		MaxEpochs:     20,
		EarlyStopping: EarlyStopping{MinDelta: 0.005, Patience: 5},
	}
}

// FitResult summarizes a training run.
type FitResult struct {
	RunID string

	// Epochs is the number of epochs run.
	Epochs int

	BestEpoch      int
	BestValLoss    float64
	BestCheckpoint string

	// StoppedEarly is true if training ended because of early stopping.
	StoppedEarly bool
}

// Trainer trains a model on a training set, validating at the end of every epoch.
type Trainer struct {
	model      Trainable
	train, val *globalpointer.Dataset
	config     Config
}

// New creates a Trainer.
func New(model Trainable, train, val *globalpointer.Dataset, config Config) (*Trainer, error) {
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", config.BatchSize)
	}
	if config.MaxEpochs <= 0 {
		return nil, errors.Errorf("invalid max epochs %d", config.MaxEpochs)
	}
	if train.Len() == 0 || val.Len() == 0 {
		return nil, errors.Errorf("training needs examples to train (got %d) and validate (got %d)", train.Len(), val.Len())
	}
	return &Trainer{model: model, train: train, val: val, config: config}, nil
}

// CheckpointName returns the file name of the checkpoint of an epoch.
func CheckpointName(epoch int, valLoss float64) string {
	return fmt.Sprintf("epoch=%d-val_loss=%.2f.safetensors", epoch, valLoss)
}

var checkpointNameRegexp = regexp.MustCompile(`^epoch=(\d+)-val_loss=([-+0-9.eE]+|NaN|[+-]?Inf)\.safetensors$`)

// ParseCheckpointName returns the epoch and validation loss encoded in a checkpoint file name.
func ParseCheckpointName(name string) (epoch int, valLoss float64, ok bool) {
	matches := checkpointNameRegexp.FindStringSubmatch(filepath.Base(name))
	if matches == nil {
		return 0, 0, false
	}
	epoch, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, 0, false
	}
	valLoss, err = strconv.ParseFloat(matches[2], 64)
	if err != nil {
		return 0, 0, false
	}
	return epoch, valLoss, true
}

// FindBestCheckpoint returns the checkpoint in dir with the lowest validation loss in its name,
// the latest epoch breaking ties.
func FindBestCheckpoint(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errors.Wrapf(err, "failed to list checkpoints in %q", dir)
	}
	best, bestEpoch, bestLoss := "", -1, math.Inf(1)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		epoch, loss, ok := ParseCheckpointName(entry.Name())
		if !ok {
			continue
		}
		if loss < bestLoss || (loss == bestLoss && epoch > bestEpoch) {
			best, bestEpoch, bestLoss = entry.Name(), epoch, loss
		}
	}
	if best == "" {
		return "", errors.Errorf("no checkpoint found in %q", dir)
	}
	return filepath.Join(dir, best), nil
}

// Fit runs the training loop until MaxEpochs or early stopping. Only the checkpoint with the lowest
// validation loss is kept in CheckpointDir.
//
// Cancelling ctx interrupts training between batches.
func (t *Trainer) Fit(ctx context.Context) (*FitResult, error) {
	result := &FitResult{RunID: uuid.NewString(), BestEpoch: -1, BestValLoss: math.Inf(1)}
	klog.Infof("run %s: training on %d examples, validating on %d", result.RunID, t.train.Len(), t.val.Len())

	esBest := math.Inf(1)
	wait := 0
	for epoch := range t.config.MaxEpochs {
		trainLoss, err := t.trainEpoch(ctx)
		if err != nil {
			return result, errors.WithMessagef(err, "epoch %d", epoch)
		}
		valLoss, err := ValidationLoss(ctx, t.model, t.val, t.config.BatchSize)
		if err != nil {
			return result, errors.WithMessagef(err, "epoch %d validation", epoch)
		}
		result.Epochs = epoch + 1
		klog.Infof("run %s: epoch %d train_loss=%.4f val_loss=%.4f", result.RunID, epoch, trainLoss, valLoss)

		if valLoss < result.BestValLoss {
			if err := t.saveBest(result, epoch, valLoss); err != nil {
				return result, err
			}
		}

		if valLoss < esBest-t.config.EarlyStopping.MinDelta {
			esBest = valLoss
			wait = 0
		} else {
			wait++
			if t.config.EarlyStopping.Patience > 0 && wait >= t.config.EarlyStopping.Patience {
				klog.Infof("run %s: early stopping after epoch %d, val_loss didn't improve for %d epochs", result.RunID, epoch, wait)
				result.StoppedEarly = true
				break
			}
		}
	}
	return result, nil
}

// saveBest records the new best epoch, replacing the previous best checkpoint.
func (t *Trainer) saveBest(result *FitResult, epoch int, valLoss float64) error {
	previous := result.BestCheckpoint
	result.BestEpoch, result.BestValLoss = epoch, valLoss
	if t.config.CheckpointDir == "" {
		return nil
	}
	path := filepath.Join(t.config.CheckpointDir, CheckpointName(epoch, valLoss))
	metadata := maps.Clone(t.config.Metadata)
	if metadata == nil {
		metadata = make(map[string]string)
	}
	metadata["run_id"] = result.RunID
	metadata["epoch"] = strconv.Itoa(epoch)
	metadata["val_loss"] = strconv.FormatFloat(valLoss, 'g', -1, 64)
	if err := t.model.SaveCheckpoint(path, metadata); err != nil {
		return errors.WithMessagef(err, "epoch %d", epoch)
	}
	result.BestCheckpoint = path
	klog.Infof("run %s: saved best checkpoint %s", result.RunID, path)
	if previous != "" && previous != path {
		if err := os.Remove(previous); err != nil && !os.IsNotExist(err) {
			klog.Warningf("failed to remove previous checkpoint %s: %v", previous, err)
		}
	}
	return nil
}

// trainEpoch runs one pass over the training set and returns the mean batch loss.
func (t *Trainer) trainEpoch(ctx context.Context) (float64, error) {
	var sum float64
	var count int
	for batch, err := range Batches(t.train, t.config.BatchSize, t.config.Rng) {
		if err != nil {
			return 0, err
		}
		if err := ctx.Err(); err != nil {
			return 0, errors.Wrap(err, "training interrupted")
		}
		loss, err := t.model.TrainStep(batch.Inputs, batch.Targets)
		if err != nil {
			return 0, err
		}
		sum += float64(loss) * float64(len(batch.Features))
		count += len(batch.Features)
	}
	return sum / float64(count), nil
}

// ValidationLoss returns the loss of the model over the dataset, averaged over the examples.
func ValidationLoss(ctx context.Context, model Trainable, ds *globalpointer.Dataset, batchSize int) (float64, error) {
	var sum float64
	var count int
	for batch, err := range Batches(ds, batchSize, nil) {
		if err != nil {
			return 0, err
		}
		if err := ctx.Err(); err != nil {
			return 0, errors.Wrap(err, "validation interrupted")
		}
		out, err := model.Forward(batch.Inputs, &batch.Targets)
		if err != nil {
			return 0, err
		}
		if out.Loss == nil {
			return 0, errors.New("model returned no loss for a batch with targets")
		}
		sum += float64(*out.Loss) * float64(len(batch.Features))
		count += len(batch.Features)
	}
	if count == 0 {
		return 0, errors.New("empty validation set")
	}
	return sum / float64(count), nil
}
