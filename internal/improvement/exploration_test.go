package improvement

import (
	"testing"

	"github.com/hcfes/stimtune/pkg/models"
	"github.com/hcfes/stimtune/pkg/utils"
)

func TestInitialDesignsStayInUnitBox(t *testing.T) {
	space, _ := NewSearchSpace(scenarioStore(t), nil)
	for _, d := range []InitialDesign{RandomDesign{}, LatinHypercubeDesign{}, RampDesign{}} {
		pts := d.Points(space, 7, utils.NewRandSource(11))
		if len(pts) != 7 {
			t.Fatalf("%s: expected 7 points, got %d", d.Name(), len(pts))
		}
		for _, p := range pts {
			for _, x := range p {
				if x < 0 || x > 1 {
					t.Fatalf("%s: coordinate %v outside unit box", d.Name(), x)
				}
			}
		}
	}
}

func TestLatinHypercubeStrata(t *testing.T) {
	space, _ := NewSearchSpace(scenarioStore(t), nil)
	n := 8
	pts := LatinHypercubeDesign{}.Points(space, n, utils.NewRandSource(5))
	for j := 0; j < space.Dims(); j++ {
		seen := make(map[int]bool)
		for _, p := range pts {
			stratum := int(p[j] * float64(n))
			if seen[stratum] {
				t.Fatalf("Dim %d: stratum %d used twice", j, stratum)
			}
			seen[stratum] = true
		}
	}
}

func TestRampDesignRaisesIntensity(t *testing.T) {
	store := scenarioStore(t)
	_ = store.SetParamBound(models.ParamOnset, -30, 30)
	space, _ := NewSearchSpace(store, nil)

	pts := RampDesign{}.Points(space, 5, utils.NewRandSource(1))
	for i, p := range pts {
		want := float64(i) / 4
		for j := 0; j < space.Dims(); j++ {
			if space.Dimension(j).Param == models.ParamIntensity && p[j] != want {
				t.Errorf("Point %d dim %d: expected intensity level %v, got %v", i, j, want, p[j])
			}
		}
	}

	single := RampDesign{}.Points(space, 1, utils.NewRandSource(1))
	if single[0][0] != 0.5 {
		t.Errorf("Expected a single ramp point at mid-range, got %v", single[0][0])
	}
}

func TestNewInitialDesign(t *testing.T) {
	for _, name := range []string{"random", "lhs", "ramp"} {
		d, err := NewInitialDesign(name)
		if err != nil || d.Name() != name {
			t.Errorf("NewInitialDesign(%q) = %v, %v", name, d, err)
		}
	}
	if _, err := NewInitialDesign("sobol"); err == nil {
		t.Error("Expected error for unknown design")
	}
}
