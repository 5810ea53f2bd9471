package trainer

import (
	"context"

	"github.com/gomlx/go-globalpointer/globalpointer"
	gpmodel "github.com/gomlx/go-globalpointer/models/globalpointer"
	"github.com/gomlx/go-globalpointer/ner"
	"github.com/gomlx/go-globalpointer/ner/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultEvalBatchSize is the batch size of Evaluate when none is given.
const DefaultEvalBatchSize = 8

// Predictor runs inference. It is implemented by *gpmodel.Model.
type Predictor interface {
	Forward(inputs gpmodel.Inputs, targets *gpmodel.Targets) (*gpmodel.Output, error)
}

// EvalResult holds the predictions over a dataset and how they compare to the gold entities.
type EvalResult struct {
	Gold, Preds []*ner.Example
	Report      *metrics.Report
	Diff        []ner.DiffEntry
}

// Predict runs the model over the dataset in batches and decodes the predicted entities, in dataset order.
func Predict(ctx context.Context, model Predictor, ds *globalpointer.Dataset, decoder *globalpointer.Decoder, batchSize int) ([]*ner.Example, error) {
	if batchSize <= 0 {
		batchSize = DefaultEvalBatchSize
	}
	preds := make([]*ner.Example, 0, ds.Len())
	for batch, err := range Batches(ds, batchSize, nil) {
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "prediction interrupted")
		}
		out, err := model.Forward(batch.Inputs, nil)
		if err != nil {
			return nil, err
		}
		batchPreds, err := decoder.DecodeTensor(batch.Features, out.Logits)
		if err != nil {
			return nil, err
		}
		start := len(preds)
		preds = append(preds, batchPreds...)
		klog.V(1).Infof("finish %d -> %d", start, len(preds))
	}
	return preds, nil
}

// Evaluate predicts the entities of the dataset, and compares them to its gold entities.
func Evaluate(ctx context.Context, model Predictor, ds *globalpointer.Dataset, decoder *globalpointer.Decoder, batchSize int) (*EvalResult, error) {
	preds, err := Predict(ctx, model, ds, decoder, batchSize)
	if err != nil {
		return nil, err
	}
	gold := ds.Examples()
	klog.Infof("gold examples: %d, predicted examples: %d", len(gold), len(preds))
	report, err := metrics.Calc(gold, preds)
	if err != nil {
		return nil, err
	}
	diff, err := ner.Diff(gold, preds)
	if err != nil {
		return nil, err
	}
	return &EvalResult{Gold: gold, Preds: preds, Report: report, Diff: diff}, nil
}
