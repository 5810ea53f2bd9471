package globalpointer

import (
	"math/rand/v2"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Inputs of the model: int32 tensors shaped [batch, seqLen].
type Inputs struct {
	InputIDs, AttentionMask, TokenTypeIDs *tensors.Tensor
}

// Targets of the model: 0/1 float32 tensors shaped [batch, numLabels, seqLen, seqLen].
type Targets struct {
	Labels, CriterionMask *tensors.Tensor
}

// Output of Model.Forward.
type Output struct {
	// Loss is only set when targets are given.
	Loss *float32

	// Logits are the span scores, float32 shaped [batch, numLabels, seqLen, seqLen].
	Logits *tensors.Tensor
}

// Model is a global pointer NER model, with its variables held in a GoMLX context.
//
// It is not safe for concurrent use.
type Model struct {
	Config Config

	backend    backends.Backend
	ctx        *context.Context
	logitsExec *context.Exec
	evalExec   *context.Exec
	trainer    *train.Trainer
}

// param describes one model variable.
type param struct {
	scope, name string
	dims        []int
	init        paramInit
}

type paramInit int

const (
	initNormal paramInit = iota
	initOnes
	initZeros
)

// checkpointName is the name of the variable in checkpoint files.
func (p param) checkpointName() string {
	return p.scope + "/" + p.name
}

// params lists the model variables, in the scopes where the gomlx layers of LogitsGraph look for them.
func (c Config) params() []param {
	d, h, k := c.HiddenSize, c.NumLabels, c.InnerDim/2
	params := []param{
		{wordEmbeddingsScope, "embeddings", []int{c.VocabSize, d}, initNormal},
		{positionEmbeddingsScope, "embeddings", []int{c.MaxPositions, d}, initNormal},
		{tokenTypeEmbeddingsScope, "embeddings", []int{c.TypeVocabSize, d}, initNormal},
		{layerNormScope, "gain", []int{d}, initOnes},
		{layerNormScope, "offset", []int{d}, initZeros},
	}
	for _, projection := range headProjections {
		params = append(params,
			param{projectionScope(projection), "weights", []int{d, h, k}, initNormal},
			param{projectionScope(projection), "biases", []int{h, k}, initZeros})
	}
	return params
}

// New creates a model with randomly initialized variables.
func New(backend backends.Backend, config Config) (*Model, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	m := &Model{
		Config:  config,
		backend: backend,
		ctx:     context.New(),
	}
	rng := rand.New(rand.NewPCG(config.Seed, config.Seed^0x9e3779b97f4a7c15))
	for _, p := range config.params() {
		size := 1
		for _, dim := range p.dims {
			size *= dim
		}
		values := make([]float32, size)
		switch p.init {
		case initNormal:
			for i := range values {
				values[i] = float32(rng.NormFloat64() * config.InitStdDev)
			}
		case initOnes:
			for i := range values {
				values[i] = 1
			}
		}
		scopedContext(m.ctx, p.scope).VariableWithValue(p.name, tensors.FromFlatDataAndDimensions(values, p.dims...))
	}

	var err error
	m.logitsExec, err = context.NewExec(backend, m.ctx, func(ctx *context.Context, inputIDs, attentionMask, tokenTypeIDs *Node) *Node {
		return LogitsGraph(ctx, m.Config, inputIDs, attentionMask, tokenTypeIDs)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create the logits executor")
	}
	m.evalExec, err = context.NewExec(backend, m.ctx, func(ctx *context.Context, inputIDs, attentionMask, tokenTypeIDs, labels, criterionMask *Node) (*Node, *Node) {
		logits := LogitsGraph(ctx, m.Config, inputIDs, attentionMask, tokenTypeIDs)
		return logits, LossGraph(logits, labels, criterionMask)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create the evaluation executor")
	}
	klog.V(1).Infof("created global pointer model: vocab=%d hidden=%d labels=%d inner_dim=%d",
		config.VocabSize, config.HiddenSize, config.NumLabels, config.InnerDim)
	return m, nil
}

// Context returns the GoMLX context holding the model variables.
func (m *Model) Context() *context.Context {
	return m.ctx
}

// variable returns the context variable of p.
func (m *Model) variable(p param) (*context.Variable, error) {
	scopedCtx := scopedContext(m.ctx, p.scope)
	v := scopedCtx.GetVariableByScopeAndName(scopedCtx.Scope(), p.name)
	if v == nil {
		return nil, errors.Errorf("model variable %s not found", p.checkpointName())
	}
	return v, nil
}

// Forward runs the model on a batch. If targets is not nil, the loss over the cells valid
// according to the criterion mask is also computed.
func (m *Model) Forward(inputs Inputs, targets *Targets) (*Output, error) {
	if err := m.checkInputs(inputs); err != nil {
		return nil, err
	}
	var results []*tensors.Tensor
	var err error
	if targets == nil {
		results, err = m.logitsExec.Exec(inputs.InputIDs, inputs.AttentionMask, inputs.TokenTypeIDs)
	} else {
		results, err = m.evalExec.Exec(inputs.InputIDs, inputs.AttentionMask, inputs.TokenTypeIDs,
			targets.Labels, targets.CriterionMask)
	}
	if err != nil {
		return nil, errors.WithMessage(err, "model forward pass failed")
	}
	out := &Output{Logits: results[0]}
	if targets != nil {
		loss, err := scalarValue(results[1])
		if err != nil {
			return nil, err
		}
		out.Loss = &loss
	}
	return out, nil
}

func (m *Model) checkInputs(inputs Inputs) error {
	if inputs.InputIDs == nil || inputs.AttentionMask == nil || inputs.TokenTypeIDs == nil {
		return errors.New("model inputs must all be set")
	}
	shape := inputs.InputIDs.Shape()
	if shape.Rank() != 2 {
		return errors.Errorf("model input ids must be shaped [batch, seqLen], got %s", shape)
	}
	if seqLen := shape.Dimensions[1]; seqLen > m.Config.MaxPositions {
		return errors.Errorf("sequence length %d exceeds the %d positions of the model", seqLen, m.Config.MaxPositions)
	}
	return nil
}

// NewOptimizer returns the Adam optimizer with decoupled weight decay used for training.
func NewOptimizer(learningRate, epsilon, weightDecay float64) optimizers.Interface {
	return optimizers.Adam().
		LearningRate(learningRate).
		Epsilon(epsilon).
		WeightDecay(weightDecay).
		Done()
}

// SetOptimizer sets the optimizer used by TrainStep. It must be called before the first TrainStep.
func (m *Model) SetOptimizer(optimizer optimizers.Interface) {
	m.trainer = train.NewTrainer(m.backend, m.ctx,
		func(ctx *context.Context, _ any, inputs []*Node) []*Node {
			return []*Node{LogitsGraph(ctx, m.Config, inputs[0], inputs[1], inputs[2])}
		},
		func(labels, predictions []*Node) *Node {
			return LossGraph(predictions[0], labels[0], labels[1])
		},
		optimizer, nil, nil)
}

// TrainStep updates the model variables with one optimizer step on the batch, and returns the
// batch loss before the update.
func (m *Model) TrainStep(inputs Inputs, targets Targets) (float32, error) {
	if m.trainer == nil {
		return 0, errors.New("SetOptimizer must be called before TrainStep")
	}
	if err := m.checkInputs(inputs); err != nil {
		return 0, err
	}
	metrics, err := m.trainer.TrainStep(nil,
		[]*tensors.Tensor{inputs.InputIDs, inputs.AttentionMask, inputs.TokenTypeIDs},
		[]*tensors.Tensor{targets.Labels, targets.CriterionMask})
	if err != nil {
		return 0, errors.WithMessage(err, "train step failed")
	}
	if len(metrics) == 0 {
		return 0, errors.New("train step returned no metrics")
	}
	return scalarValue(metrics[0])
}

// scalarValue converts a scalar tensor to float32.
func scalarValue(t *tensors.Tensor) (float32, error) {
	if t.Shape().DType != dtypes.Float32 || t.Shape().Rank() != 0 {
		return 0, errors.Errorf("expected a float32 scalar, got %s", t.Shape())
	}
	return t.Value().(float32), nil
}
