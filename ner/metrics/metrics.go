// Package metrics computes precision, recall and F1 of predicted entities against gold ones.
package metrics

import (
	"fmt"
	"slices"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/go-globalpointer/ner"
	"github.com/pkg/errors"
)

// Score holds the counts and derived metrics of one entity type, or of all of them.
type Score struct {
	TruePositives, FalsePositives, FalseNegatives int
}

// Precision returns TP/(TP+FP), or 0 if nothing was predicted.
func (s Score) Precision() float64 {
	return ratio(s.TruePositives, s.TruePositives+s.FalsePositives)
}

// Recall returns TP/(TP+FN), or 0 if there is nothing to find.
func (s Score) Recall() float64 {
	return ratio(s.TruePositives, s.TruePositives+s.FalseNegatives)
}

// F1 returns the harmonic mean of precision and recall.
func (s Score) F1() float64 {
	p, r := s.Precision(), s.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// Support is the number of gold entities.
func (s Score) Support() int {
	return s.TruePositives + s.FalseNegatives
}

func (s *Score) add(other Score) {
	s.TruePositives += other.TruePositives
	s.FalsePositives += other.FalsePositives
	s.FalseNegatives += other.FalseNegatives
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

// Report holds the per type scores and their micro average.
type Report struct {
	Types map[string]Score
	Micro Score
}

// spanKey identifies an entity in its example; the entity text is implied by the offsets.
type spanKey struct {
	start, end int
	typ        string
}

// Calc compares gold and predicted entities, matched example by example.
// An entity is a true positive if a gold entity of its example has the same offsets and type.
func Calc(gold, pred []*ner.Example) (*Report, error) {
	if len(gold) != len(pred) {
		return nil, errors.Errorf("got %d gold examples but %d predictions", len(gold), len(pred))
	}
	report := &Report{Types: make(map[string]Score)}
	for i := range gold {
		goldSet := toSet(gold[i].Entities)
		predSet := toSet(pred[i].Entities)
		for key := range predSet {
			score := report.Types[key.typ]
			if _, found := goldSet[key]; found {
				score.TruePositives++
			} else {
				score.FalsePositives++
			}
			report.Types[key.typ] = score
		}
		for key := range goldSet {
			if _, found := predSet[key]; !found {
				score := report.Types[key.typ]
				score.FalseNegatives++
				report.Types[key.typ] = score
			}
		}
	}
	for _, score := range report.Types {
		report.Micro.add(score)
	}
	return report, nil
}

func toSet(entities []ner.Entity) map[spanKey]struct{} {
	set := make(map[spanKey]struct{}, len(entities))
	for _, e := range entities {
		set[spanKey{e.StartIdx, e.EndIdx, e.Type}] = struct{}{}
	}
	return set
}

// TypeNames returns the entity types of the report, sorted.
func (r *Report) TypeNames() []string {
	names := make([]string, 0, len(r.Types))
	for name := range r.Types {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	microStyle  = cellStyle.Bold(true)
)

// Render returns the report as a table for the terminal.
func (r *Report) Render() string {
	names := r.TypeNames()
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("type", "precision", "recall", "f1", "support").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row == len(names):
				return microStyle
			default:
				return cellStyle
			}
		})
	for _, name := range names {
		t.Row(scoreRow(name, r.Types[name])...)
	}
	t.Row(scoreRow("micro", r.Micro)...)
	return t.Render()
}

// String implements fmt.Stringer, with one line per type.
func (r *Report) String() string {
	var s string
	for _, name := range r.TypeNames() {
		s += fmt.Sprintf("%s: %s\n", name, formatScore(r.Types[name]))
	}
	return s + "micro: " + formatScore(r.Micro)
}

func formatScore(s Score) string {
	return fmt.Sprintf("precision=%.4f recall=%.4f f1=%.4f support=%d", s.Precision(), s.Recall(), s.F1(), s.Support())
}

func scoreRow(name string, s Score) []string {
	return []string{
		name,
		fmt.Sprintf("%.4f", s.Precision()),
		fmt.Sprintf("%.4f", s.Recall()),
		fmt.Sprintf("%.4f", s.F1()),
		fmt.Sprintf("%d", s.Support()),
	}
}
