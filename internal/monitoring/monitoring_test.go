package monitoring

import (
	"testing"

	"github.com/scionresearch/bioprocess-pipeline/internal/model"
)

func TestQualityScore(t *testing.T) {
	cases := []struct {
		name string
		r    model.QualityReport
		want float64
	}{
		{"clean", model.QualityReport{}, 100},
		{"some missing", model.QualityReport{MissingCount: 10}, 80},
		{"floor at zero", model.QualityReport{MissingCount: 100}, 0},
		{"mixed", model.QualityReport{MissingCount: 5, OutliersClipped: 5, InvalidCount: 2}, 100 - 10 - 5 - 10},
	}
	for _, c := range cases {
		got := QualityScore(c.r)
		if got != c.want {
			t.Errorf("%s: got %f, want %f", c.name, got, c.want)
		}
		if got < 0 || got > 100 {
			t.Errorf("%s: score %f out of [0, 100]", c.name, got)
		}
	}
}
