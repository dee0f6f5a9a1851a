package governance

import (
	"sort"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/license-recon/internal/model"
)

// DefaultDestinations returns the built-in send policies.
func DefaultDestinations() map[string]model.Destination {
	return map[string]model.Destination{
		"ghl": {
			Name: "ghl", Channel: model.ChannelLowRisk, CostPerRecord: 0,
			Reversible: true, AutoApprove: true, MinConfidenceForAuto: 70, Active: true,
		},
		"instantly": {
			Name: "instantly", Channel: model.ChannelLowRisk, CostPerRecord: 0.01,
			Reversible: false, AutoApprove: true, MinConfidenceForAuto: 85,
			RateLimitPerDay: 500, Active: true,
		},
		"lob_postcard": {
			Name: "lob_postcard", Channel: model.ChannelHighRisk, CostPerRecord: 0.65,
			Reversible: true, AutoApprove: false, MinConfidenceForAuto: 95, DelayHours: 24, Active: true,
		},
		"lob_letter": {
			Name: "lob_letter", Channel: model.ChannelHighRisk, CostPerRecord: 1.50,
			Reversible: true, AutoApprove: false, MinConfidenceForAuto: 95, DelayHours: 48, Active: true,
		},
		"webhook": {
			Name: "webhook", Channel: model.ChannelLowRisk, CostPerRecord: 0,
			Reversible: false, AutoApprove: true, MinConfidenceForAuto: 70, Active: true,
		},
	}
}

// MergeDestinations decodes each configured destination on top of its
// default entry, so only the keys an operator sets change. Unknown
// destinations start from the zero policy. Name is always the map key and
// unknown keys are an error.
func MergeDestinations(overrides map[string]map[string]any) (map[string]model.Destination, error) {
	out := DefaultDestinations()
	for name, raw := range overrides {
		d := out[name]
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &d,
			WeaklyTypedInput: true,
			ErrorUnused:      true,
		})
		if err != nil {
			return nil, eris.Wrap(err, "governance: destination decoder")
		}
		if err := dec.Decode(raw); err != nil {
			return nil, eris.Wrapf(err, "governance: destination %s", name)
		}
		d.Name = name
		if d.Channel == "" {
			d.Channel = model.ChannelLowRisk
		}
		out[name] = d
	}
	return out, nil
}

func destinationNames(dests map[string]model.Destination) []string {
	names := make([]string, 0, len(dests))
	for n := range dests {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
