package coretypes

import "encoding/json"

// NormalizeWitness round-trips a witness through JSON so that comparisons
// between a freshly computed witness and one reloaded from a persisted
// state store (which necessarily went through an encoding) are not tripped
// up by incidental Go type differences (int64 vs float64, a named struct
// vs map[string]any). Dependency kinds that implement ModifiedSince
// themselves are free to ignore this and compare directly; the reference
// adapters in internal/capability use it.
func NormalizeWitness(w Witness) (Witness, error) {
	if w == nil {
		return nil, nil
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WitnessEqual reports whether two witnesses are equal after normalization.
func WitnessEqual(a, b Witness) bool {
	na, errA := NormalizeWitness(a)
	nb, errB := NormalizeWitness(b)
	if errA != nil || errB != nil {
		return false
	}
	return deepEqual(na, nb)
}

func deepEqual(a, b any) bool {
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if aok && bok {
		if len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !deepEqual(av, bv) {
				return false
			}
		}
		return true
	}
	al, alok := a.([]any)
	bl, blok := b.([]any)
	if alok && blok {
		if len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !deepEqual(al[i], bl[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}
