package globalpointer

import (
	"math"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/pkg/errors"
)

// maskValue is subtracted from the scores of cells that are not valid spans.
const maskValue = 1e12

// ModelScope is the context scope holding all the model variables.
const ModelScope = "globalpointer"

// Scopes of the model layers, relative to ModelScope.
const (
	wordEmbeddingsScope      = "embeddings/word"
	positionEmbeddingsScope  = "embeddings/position"
	tokenTypeEmbeddingsScope = "embeddings/token_type"
	layerNormScope           = "embeddings/layer_normalization"
)

// headProjections are the projections of the global pointer head, each a dense layer in its own scope.
var headProjections = []string{"query_even", "query_odd", "key_even", "key_odd"}

func projectionScope(projection string) string {
	return "head/" + projection + "/dense"
}

// scopedContext returns ctx in the model scope followed by the "/" separated scope.
func scopedContext(ctx *context.Context, scope string) *context.Context {
	ctx = ctx.In(ModelScope)
	for _, part := range strings.Split(scope, "/") {
		ctx = ctx.In(part)
	}
	return ctx
}

// LogitsGraph returns the span scores shaped [batch, numLabels, seqLen, seqLen] for the int32 inputs
// shaped [batch, seqLen].
//
// Cells with start > end, or with a padding start or end, are pushed to a large negative value.
// The model variables must already exist in ctx.
func LogitsGraph(ctx *context.Context, config Config, inputIDs, attentionMask, tokenTypeIDs *Node) *Node {
	ctx = ctx.Reuse()
	hidden := embeddingsGraph(ctx, config, inputIDs, tokenTypeIDs)
	return headGraph(ctx, config, hidden, attentionMask)
}

// embeddingsGraph sums the word, position and token type embeddings and normalizes them.
// The result is shaped [batch, seqLen, hiddenSize].
func embeddingsGraph(ctx *context.Context, config Config, inputIDs, tokenTypeIDs *Node) *Node {
	g := inputIDs.Graph()
	seqLen := inputIDs.Shape().Dimensions[1]
	if seqLen > config.MaxPositions {
		panic(errors.Errorf("sequence length %d exceeds the %d positions of the model", seqLen, config.MaxPositions))
	}

	dtype := dtypes.Float32
	words := layers.Embedding(scopedContext(ctx, wordEmbeddingsScope), inputIDs, dtype, config.VocabSize, config.HiddenSize)
	types := layers.Embedding(scopedContext(ctx, tokenTypeEmbeddingsScope), tokenTypeIDs, dtype, config.TypeVocabSize, config.HiddenSize)
	positionIDs := Iota(g, shapes.Make(dtypes.Int32, seqLen), 0)
	positions := layers.Embedding(scopedContext(ctx, positionEmbeddingsScope), positionIDs, dtype, config.MaxPositions, config.HiddenSize)
	embeddings := Add(Add(words, types), InsertAxes(positions, 0))

	// LayerNormalization adds its own "layer_normalization" scope.
	return layers.LayerNormalization(scopedContext(ctx, "embeddings"), embeddings, -1).
		Epsilon(config.LayerNormEpsilon).
		Done()
}

// headGraph projects hidden to the query and key of each label, rotates them by their position and
// scores every pair of positions.
//
// Rotary embedding pairs dimensions (2k, 2k+1): the projections are kept split in their even and odd
// halves, each shaped [batch, seqLen, numLabels, innerDim/2].
func headGraph(ctx *context.Context, config Config, hidden, attentionMask *Node) *Node {
	g := hidden.Graph()
	batchSize, seqLen := hidden.Shape().Dimensions[0], hidden.Shape().Dimensions[1]
	numLabels, half := config.NumLabels, config.InnerDim/2

	project := func(projection string) *Node {
		return layers.DenseWithBias(scopedContext(ctx, "head/"+projection), hidden, numLabels, half)
	}
	queryEven, queryOdd := project("query_even"), project("query_odd")
	keyEven, keyOdd := project("key_even"), project("key_odd")

	cos, sin := rotaryTables(g, hidden.DType(), seqLen, half)
	rotate := func(even, odd *Node) (*Node, *Node) {
		return Sub(Mul(even, cos), Mul(odd, sin)), Add(Mul(odd, cos), Mul(even, sin))
	}
	queryEven, queryOdd = rotate(queryEven, queryOdd)
	keyEven, keyOdd = rotate(keyEven, keyOdd)

	logits := Add(
		Einsum("blhk,bmhk->bhlm", queryEven, keyEven),
		Einsum("blhk,bmhk->bhlm", queryOdd, keyOdd))
	logits = Mul(logits, ConstAs(logits, 1/math.Sqrt(float64(config.InnerDim))))

	// Valid cells: both positions attended and start <= end.
	mask := ConvertDType(attentionMask, logits.DType())
	valid := Mul(Reshape(mask, batchSize, 1, seqLen, 1), Reshape(mask, batchSize, 1, 1, seqLen))
	rows := Iota(g, shapes.Make(dtypes.Int32, seqLen, seqLen), 0)
	cols := Iota(g, shapes.Make(dtypes.Int32, seqLen, seqLen), 1)
	upper := ConvertDType(LessOrEqual(rows, cols), logits.DType())
	valid = Mul(valid, Reshape(upper, 1, 1, seqLen, seqLen))
	return Sub(logits, Mul(OneMinus(valid), ConstAs(logits, maskValue)))
}

// rotaryTables returns the cosine and sine of the rotary angles, shaped [1, seqLen, 1, half] to
// broadcast over [batch, seqLen, numLabels, half].
// The angle of position p on pair k is p * 10000^(-2k/innerDim).
func rotaryTables(g *Graph, dtype dtypes.DType, seqLen, half int) (cos, sin *Node) {
	cosValues := make([]float64, seqLen*half)
	sinValues := make([]float64, seqLen*half)
	for pos := range seqLen {
		for k := range half {
			angle := float64(pos) * math.Pow(10000, -float64(2*k)/float64(2*half))
			cosValues[pos*half+k] = math.Cos(angle)
			sinValues[pos*half+k] = math.Sin(angle)
		}
	}
	cos = ConvertDType(Reshape(Const(g, cosValues), 1, seqLen, 1, half), dtype)
	sin = ConvertDType(Reshape(Const(g, sinValues), 1, seqLen, 1, half), dtype)
	return
}

// LossGraph returns the mean multi-label categorical cross-entropy of the logits, counting only the
// cells where criterionMask is 1. labels and criterionMask are 0/1 floats shaped like the logits:
// [batch, numLabels, seqLen, seqLen].
//
// For each (example, label) the loss is log(1 + sum(exp(s_neg))) + log(1 + sum(exp(-s_pos))), over the
// scores s of its negative and positive cells.
func LossGraph(logits, labels, criterionMask *Node) *Node {
	dims := logits.Shape().Dimensions
	rows, cells := dims[0]*dims[1], dims[2]*dims[3]
	yPred := Reshape(logits, rows, cells)
	yTrue := Reshape(ConvertDType(labels, logits.DType()), rows, cells)
	invalid := Mul(OneMinus(Reshape(ConvertDType(criterionMask, logits.DType()), rows, cells)), ConstAs(yPred, maskValue))

	// Negative cells keep their score, positive ones get it negated.
	yPred = Mul(OneMinus(Mul(yTrue, ConstAs(yTrue, 2))), yPred)
	yNeg := Sub(Sub(yPred, Mul(yTrue, ConstAs(yPred, maskValue))), invalid)
	yPos := Sub(Sub(yPred, Mul(OneMinus(yTrue), ConstAs(yPred, maskValue))), invalid)

	zeros := Zeros(logits.Graph(), shapes.Make(logits.DType(), rows, 1))
	negLoss := logSumExp(Concatenate([]*Node{yNeg, zeros}, -1))
	posLoss := logSumExp(Concatenate([]*Node{yPos, zeros}, -1))
	return ReduceAllMean(Add(negLoss, posLoss))
}

// logSumExp reduces the last axis of x.
func logSumExp(x *Node) *Node {
	maxX := StopGradient(ReduceMax(x, -1))
	sum := ReduceSum(Exp(Sub(x, InsertAxes(maxX, -1))), -1)
	return Add(Log(sum), maxX)
}
