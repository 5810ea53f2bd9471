package cmd

import (
	"encoding/json"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/go-globalpointer/ner"
	"github.com/pkg/errors"
)

// Checkpoint metadata keys written by train and checked by test.
const (
	metadataLabels       = "labels"
	metadataPretrained   = "pretrained"
	metadataMaxSeqLength = "max_seq_length"
)

// checkpointMetadata returns the metadata stored with each checkpoint.
// Labels are stored as a JSON list, since label names may contain commas.
func checkpointMetadata(labels *ner.LabelSet, pretrained string, maxLen int) (map[string]string, error) {
	encoded, err := json.Marshal(labels.Labels())
	if err != nil {
		return nil, errors.Wrap(err, "encoding labels metadata")
	}
	return map[string]string{
		metadataLabels:       string(encoded),
		metadataPretrained:   pretrained,
		metadataMaxSeqLength: strconv.Itoa(maxLen),
	}, nil
}

// checkMetadata verifies a checkpoint was trained with the configured labels and sequence length.
// Missing keys are not an error, for checkpoints written by other tools.
func checkMetadata(metadata map[string]string, labels *ner.LabelSet, maxLen int) error {
	if encoded, found := metadata[metadataLabels]; found {
		trained, err := parseLabelsMetadata(encoded)
		if err != nil {
			return err
		}
		if !slices.Equal(trained, labels.Labels()) {
			return errors.Errorf("checkpoint was trained with labels %q, configured labels are %q", trained, labels.Labels())
		}
	}
	if encoded, found := metadata[metadataMaxSeqLength]; found {
		trained, err := strconv.Atoi(encoded)
		if err != nil {
			return errors.Wrapf(err, "invalid %s metadata %q", metadataMaxSeqLength, encoded)
		}
		if trained != maxLen {
			return errors.Errorf("checkpoint was trained with max_seq_length=%d, configured max_seq_length=%d", trained, maxLen)
		}
	}
	return nil
}

// parseLabelsMetadata accepts a JSON list, or the older comma-separated form.
func parseLabelsMetadata(encoded string) ([]string, error) {
	if !strings.HasPrefix(strings.TrimSpace(encoded), "[") {
		return strings.Split(encoded, ","), nil
	}
	var labels []string
	if err := json.Unmarshal([]byte(encoded), &labels); err != nil {
		return nil, errors.Wrapf(err, "invalid %s metadata %q", metadataLabels, encoded)
	}
	return labels, nil
}
