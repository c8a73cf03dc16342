package metrics

import (
	"testing"

	"github.com/alan-christopher/qlaib/qlaib/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSpec(t *testing.T) {
	tcs := []struct {
		name    string
		spec    Spec
		want    interface{}
		wantErr bool
	}{
		{"error rate", Spec{Name: "q", Kind: KindErrorRate, Match: []string{"HH"}, Mismatch: []string{"HV"}}, &ErrorRate{}, false},
		{"visibility", Spec{Name: "v", Kind: KindVisibility, Like: []string{"HH"}, Cross: []string{"HV"}}, &Visibility{}, false},
		{"delta", Spec{Name: "d", Kind: KindDeltaStats, Labels: []string{"HH"}, Window: 100}, &DeltaStats{}, false},
		{"singles", Spec{Name: "s", Kind: KindSinglesRate, Channel: 3}, &SinglesRate{}, false},
		{"mean visibility", Spec{Name: "v", Kind: KindMeanVisibility, Bases: []Basis{{Name: "HV", Like: []string{"HH"}, Cross: []string{"HV"}}}}, &BasisMean{}, false},
		{"mean error rate", Spec{Name: "q", Kind: KindMeanErrorRate, Bases: []Basis{{Name: "HV", Like: []string{"HH"}, Cross: []string{"HV"}}}}, &BasisMean{}, false},
		{"no bases", Spec{Name: "q", Kind: KindMeanErrorRate}, nil, true},
		{"unnamed basis", Spec{Name: "v", Kind: KindMeanVisibility, Bases: []Basis{{Like: []string{"HH"}, Cross: []string{"HV"}}}}, nil, true},
		{"no name", Spec{Kind: KindDeltaStats, Labels: []string{"HH"}}, nil, true},
		{"unknown kind", Spec{Name: "x", Kind: "chsh"}, nil, true},
		{"missing labels", Spec{Name: "q", Kind: KindErrorRate, Match: []string{"HH"}}, nil, true},
		{"negative window", Spec{Name: "d", Kind: KindDeltaStats, Labels: []string{"HH"}, Window: -1}, nil, true},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			m, err := FromSpec(tc.spec, 1e-12)
			if tc.wantErr {
				assert.ErrorIs(t, err, data.ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tc.want, m)
		})
	}
}

func TestDefaultSpecsMatchDefaultPairs(t *testing.T) {
	labels := map[string]bool{}
	for _, p := range data.DefaultPairs(100) {
		labels[p.Label] = true
	}
	names := map[string]bool{}
	for _, s := range DefaultSpecs() {
		require.NoError(t, s.Validate())
		names[s.Name] = true
		sets := [][]string{s.Match, s.Mismatch, s.Like, s.Cross}
		for _, b := range s.Bases {
			sets = append(sets, b.Like, b.Cross)
		}
		for _, set := range sets {
			for _, l := range set {
				assert.True(t, labels[l], "%s refers to unknown pair %s", s.Name, l)
			}
		}
		_, err := FromSpec(s, 1e-12)
		assert.NoError(t, err)
	}
	assert.Equal(t, map[string]bool{
		"qber_hv": true, "qber_da": true, "qber_total": true,
		"visibility_hv": true, "visibility_da": true, "visibility": true,
	}, names)
}
