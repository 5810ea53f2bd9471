package cmd

import (
	"testing"

	"github.com/gomlx/go-globalpointer/ner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointMetadataRoundTrip(t *testing.T) {
	labels := ner.MustNewLabelSet("ns", "org,gov", "nr")
	metadata, err := checkpointMetadata(labels, "bert-base-chinese", 128)
	require.NoError(t, err)
	assert.Equal(t, `["ns","org,gov","nr"]`, metadata["labels"])
	assert.Equal(t, "128", metadata["max_seq_length"])
	assert.Equal(t, "bert-base-chinese", metadata["pretrained"])

	require.NoError(t, checkMetadata(metadata, labels, 128))

	// Splitting on commas would see 4 labels here.
	err = checkMetadata(metadata, ner.MustNewLabelSet("ns", "org", "gov", "nr"), 128)
	assert.ErrorContains(t, err, "labels")
}

func TestCheckMetadataMaxSeqLength(t *testing.T) {
	labels := ner.MustNewLabelSet("ns", "nt")
	metadata, err := checkpointMetadata(labels, "", 64)
	require.NoError(t, err)

	err = checkMetadata(metadata, labels, 128)
	assert.ErrorContains(t, err, "max_seq_length=64")

	metadata["max_seq_length"] = "sixty"
	assert.Error(t, checkMetadata(metadata, labels, 64))
}

func TestCheckMetadataLegacyAndMissing(t *testing.T) {
	labels := ner.MustNewLabelSet("ns", "nt")
	require.NoError(t, checkMetadata(map[string]string{"labels": "ns,nt"}, labels, 32))
	assert.Error(t, checkMetadata(map[string]string{"labels": "nt,ns"}, labels, 32))
	require.NoError(t, checkMetadata(nil, labels, 32))
	assert.Error(t, checkMetadata(map[string]string{"labels": "[\"ns\""}, labels, 32))
}
