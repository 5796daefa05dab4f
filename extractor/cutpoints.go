package extractor

import (
	"strings"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// cutPointRoles is the ranked table of graph-output roles accepted as the
// embedding cut point. Earlier entries win. Names are matched as lowercase
// substrings because exporters decorate layer names inconsistently.
var cutPointRoles = []string{
	"global_average_pool",
	"globalaveragepool",
	"global_average_pooling",
	"avg_pool",
	"avgpool",
	"pool",
	"flatten",
	"embedding",
	"feature",
}

// selectCutPoint picks the graph output to cut the pretrained network at:
// the first output whose name matches a role in the ranked table. When no
// role matches, the second-to-last output is the documented default, on the
// assumption that the final output is the original classification layer.
//
// Only declared graph outputs are candidates. A single-output model
// therefore cuts at that sole output regardless of the table; exports meant
// for embedding use should declare an intermediate output.
func selectCutPoint(outputs []ort.InputOutputInfo) (ort.InputOutputInfo, error) {
	if len(outputs) == 0 {
		return ort.InputOutputInfo{}, errors.New("model has no outputs")
	}
	for _, role := range cutPointRoles {
		for _, out := range outputs {
			if strings.Contains(strings.ToLower(out.Name), role) {
				return out, nil
			}
		}
	}
	if len(outputs) >= 2 {
		return outputs[len(outputs)-2], nil
	}
	return outputs[len(outputs)-1], nil
}
