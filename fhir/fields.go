package fhir

import "github.com/warp/reward-engine/rewards"

// MapFields extracts the field map conditions are evaluated against.
// It returns false for resource types the engine does not read.
//
// Entries whose value is absent are left out of the map, so conditions
// on them are skipped rather than compared against null.
func MapFields(res Resource) (rewards.Fields, bool) {
	switch res.ResourceType {
	case TypeObservation:
		return observationFields(res.Component), true
	case TypeQuestionnaireResponse:
		return questionnaireFields(res.Item), true
	default:
		return nil, false
	}
}

func observationFields(components []Component) rewards.Fields {
	fields := rewards.Fields{}
	for _, c := range components {
		if c.ID == "" {
			continue
		}
		if v, ok := firstValue(c.ValueBoolean, nil, c.ValueInteger, c.ValueString); ok {
			fields[c.ID] = v
		}
	}
	return fields
}

func questionnaireFields(items []Item) rewards.Fields {
	fields := rewards.Fields{}
	for _, it := range items {
		key := it.ID
		if key == "" {
			key = it.LinkID
		}
		if key == "" || len(it.Answer) == 0 {
			continue
		}
		a := it.Answer[0]
		if v, ok := firstValue(a.ValueBoolean, a.ValueDate, a.ValueInteger, a.ValueString); ok {
			fields[key] = v
		}
	}
	return fields
}

// firstValue picks the first present value in FHIR precedence order:
// boolean, date, integer, string.
func firstValue(b *bool, date *string, i *int64, s *string) (rewards.Value, bool) {
	switch {
	case b != nil:
		return rewards.Bool(*b), true
	case date != nil:
		return rewards.String(*date), true
	case i != nil:
		return rewards.Int(*i), true
	case s != nil:
		return rewards.String(*s), true
	}
	return rewards.Value{}, false
}
