package metrics

import (
	"testing"

	"github.com/gomlx/go-globalpointer/ner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalc(t *testing.T) {
	beijing := ner.Entity{StartIdx: 0, EndIdx: 1, Entity: "北京", Type: "ns"}
	tiananmen := ner.Entity{StartIdx: 2, EndIdx: 4, Entity: "天安门", Type: "ns"}
	wrongType := ner.Entity{StartIdx: 0, EndIdx: 1, Entity: "北京", Type: "nt"}
	gold := []*ner.Example{
		ner.NewExample("北京天安门", []ner.Entity{beijing, tiananmen}),
		ner.NewExample("北京天安门", []ner.Entity{beijing}),
	}
	pred := []*ner.Example{
		ner.NewExample("北京天安门", []ner.Entity{beijing}),
		ner.NewExample("北京天安门", []ner.Entity{beijing, wrongType}),
	}
	report, err := Calc(gold, pred)
	require.NoError(t, err)
	assert.Equal(t, []string{"ns", "nt"}, report.TypeNames())
	assert.Equal(t, Score{TruePositives: 2, FalseNegatives: 1}, report.Types["ns"])
	assert.Equal(t, Score{FalsePositives: 1}, report.Types["nt"])
	assert.Equal(t, Score{TruePositives: 2, FalsePositives: 1, FalseNegatives: 1}, report.Micro)
	assert.InDelta(t, 2.0/3.0, report.Micro.Precision(), 1e-9)
	assert.InDelta(t, 2.0/3.0, report.Micro.Recall(), 1e-9)
	assert.InDelta(t, 2.0/3.0, report.Micro.F1(), 1e-9)
	assert.Equal(t, 3, report.Micro.Support())
	assert.Zero(t, report.Types["nt"].F1())

	_, err = Calc(gold, pred[:1])
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	e := ner.Entity{StartIdx: 0, EndIdx: 1, Entity: "北京", Type: "ns"}
	gold := []*ner.Example{ner.NewExample("北京", []ner.Entity{e})}
	report, err := Calc(gold, gold)
	require.NoError(t, err)
	out := report.Render()
	for _, want := range []string{"precision", "recall", "ns", "micro", "1.0000"} {
		assert.Contains(t, out, want)
	}
	assert.Contains(t, report.String(), "micro: precision=1.0000 recall=1.0000 f1=1.0000 support=1")
}
