// Package trainer drives training and evaluation of the global pointer model: splitting the corpus,
// batching features into tensors, the epoch loop with early stopping and checkpointing, and batched
// inference with metrics.
package trainer

import (
	"iter"
	"math/rand/v2"

	"github.com/gomlx/go-globalpointer/globalpointer"
	gpmodel "github.com/gomlx/go-globalpointer/models/globalpointer"
	"github.com/gomlx/go-globalpointer/ner"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// NewRand returns the random number generator used for splitting and shuffling, for the given seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed))
}

// Split shuffles the examples and splits them in train, validation and test sets of sizes
// int(n*trainFrac), int(n*valFrac) and the remainder.
func Split(examples []*ner.Example, trainFrac, valFrac float64, rng *rand.Rand) (train, val, test []*ner.Example, err error) {
	if trainFrac < 0 || valFrac < 0 || trainFrac+valFrac > 1 {
		return nil, nil, nil, errors.Errorf("invalid split fractions train=%g val=%g", trainFrac, valFrac)
	}
	n := len(examples)
	numTrain := int(float64(n) * trainFrac)
	numVal := int(float64(n) * valFrac)
	shuffled := make([]*ner.Example, n)
	for i, j := range rng.Perm(n) {
		shuffled[i] = examples[j]
	}
	return shuffled[:numTrain], shuffled[numTrain : numTrain+numVal], shuffled[numTrain+numVal:], nil
}

// Batch is a group of features collated into model tensors.
type Batch struct {
	Features []*globalpointer.Feature
	Inputs   gpmodel.Inputs
	Targets  gpmodel.Targets
}

// Collate stacks the features, which must all have the same shape, into the model tensors.
func Collate(features []*globalpointer.Feature) (*Batch, error) {
	if len(features) == 0 {
		return nil, errors.New("can't collate an empty batch")
	}
	batchSize, maxLen, numLabels := len(features), features[0].MaxLen, features[0].NumLabels
	ids := make([]int32, 0, batchSize*maxLen)
	mask := make([]int32, 0, batchSize*maxLen)
	types := make([]int32, 0, batchSize*maxLen)
	matrixSize := numLabels * maxLen * maxLen
	labels := make([]float32, batchSize*matrixSize)
	criterion := make([]float32, batchSize*matrixSize)
	for n, f := range features {
		if f.MaxLen != maxLen || f.NumLabels != numLabels {
			return nil, errors.Errorf("feature #%d is shaped [%d, %d, %d], feature #0 is [%d, %d, %d]",
				n, f.NumLabels, f.MaxLen, f.MaxLen, numLabels, maxLen, maxLen)
		}
		ids = append(ids, f.InputIDs...)
		mask = append(mask, f.AttentionMask...)
		types = append(types, f.TokenTypeIDs...)
		for i := range matrixSize {
			labels[n*matrixSize+i] = float32(f.Labels[i])
			criterion[n*matrixSize+i] = float32(f.CriterionMask[i])
		}
	}
	return &Batch{
		Features: features,
		Inputs: gpmodel.Inputs{
			InputIDs:      tensors.FromFlatDataAndDimensions(ids, batchSize, maxLen),
			AttentionMask: tensors.FromFlatDataAndDimensions(mask, batchSize, maxLen),
			TokenTypeIDs:  tensors.FromFlatDataAndDimensions(types, batchSize, maxLen),
		},
		Targets: gpmodel.Targets{
			Labels:        tensors.FromFlatDataAndDimensions(labels, batchSize, numLabels, maxLen, maxLen),
			CriterionMask: tensors.FromFlatDataAndDimensions(criterion, batchSize, numLabels, maxLen, maxLen),
		},
	}, nil
}

// Batches iterates over the dataset in batches of batchSize features (the last one may be smaller).
// If rng is not nil the examples are visited in a random order.
//
// Iteration stops after the first error.
func Batches(ds *globalpointer.Dataset, batchSize int, rng *rand.Rand) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		if batchSize <= 0 {
			yield(nil, errors.Errorf("invalid batch size %d", batchSize))
			return
		}
		order := make([]int, ds.Len())
		for i := range order {
			order[i] = i
		}
		if rng != nil {
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		for start := 0; start < len(order); start += batchSize {
			end := min(start+batchSize, len(order))
			features := make([]*globalpointer.Feature, 0, end-start)
			for _, idx := range order[start:end] {
				f, err := ds.Feature(idx)
				if err != nil {
					yield(nil, err)
					return
				}
				features = append(features, f)
			}
			batch, err := Collate(features)
			if !yield(batch, err) || err != nil {
				return
			}
		}
	}
}
