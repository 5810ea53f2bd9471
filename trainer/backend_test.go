package trainer

import (
	"testing"

	gpmodel "github.com/gomlx/go-globalpointer/models/globalpointer"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
)

func testBackend(t *testing.T) backends.Backend {
	t.Helper()
	return graphtest.BuildTestBackend()
}

func smallModelConfig() gpmodel.Config {
	config := gpmodel.NewConfig(12, testLabels.Len())
	config.HiddenSize = 8
	config.MaxPositions = 16
	config.InnerDim = 4
	return config
}
