package configsync

import (
	"encoding/json"

	"github.com/OneOfOne/xxhash"
)

// Redacted is the sentinel the UI substitutes for masked secrets. A value
// equal to it never makes it into a patch: a round-tripped mask must not
// overwrite the real secret on the peer.
const Redacted = "__REDACTED__"

// BuildPatch computes the minimal structural diff that turns old into new.
// Nested plain objects are recursed into; arrays and primitives replace
// wholesale. A key present in old but absent from new becomes an explicit
// nil tombstone. BuildPatch(x, x) is always empty.
func BuildPatch(old, new map[string]interface{}) map[string]interface{} {
	patch := make(map[string]interface{})

	for key, newVal := range new {
		if isRedacted(newVal) {
			continue
		}
		oldVal, exists := old[key]
		if !exists {
			patch[key] = newVal
			continue
		}
		oldObj, oldIsObj := oldVal.(map[string]interface{})
		newObj, newIsObj := newVal.(map[string]interface{})
		if oldIsObj && newIsObj {
			if nested := BuildPatch(oldObj, newObj); len(nested) > 0 {
				patch[key] = nested
			}
			continue
		}
		if !sameSerialized(oldVal, newVal) {
			patch[key] = newVal
		}
	}

	for key := range old {
		if _, kept := new[key]; !kept {
			patch[key] = nil
		}
	}

	return patch
}

func isRedacted(v interface{}) bool {
	s, ok := v.(string)
	return ok && s == Redacted
}

// sameSerialized is the equality basis for non-object values. encoding/json
// sorts map keys, so equal trees always serialize identically. Anything that
// fails to serialize counts as changed and the new value wins.
func sameSerialized(old, new interface{}) bool {
	oldData, err := json.Marshal(old)
	if err != nil {
		return false
	}
	newData, err := json.Marshal(new)
	if err != nil {
		return false
	}
	return xxhash.Checksum64(oldData) == xxhash.Checksum64(newData)
}
