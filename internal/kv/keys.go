package kv

import "bytes"

// Key prefixes. Each prefix ends with '|' as a separator.
const (
	PrefixShape       = "sh|" // sh|{shape}
	PrefixMolecule    = "m|"  // m|{hash}
	PrefixCalculation = "c|"  // c|{hash}\x00{model}
	PrefixJob         = "j|"  // j|{hash}\x00{model}\x00{frag_key}\x00{use_cp:1B}
	PrefixPending     = "p|"  // p|{seq:8BE} => job key
	KeySequence       = "sq|" // sq| => last pending seq
)

const sep = '\x00'

// ShapeKey returns the Pebble key for a shape record: sh|{shape}
func ShapeKey(shape string) []byte {
	return append([]byte(PrefixShape), shape...)
}

// MoleculeKey returns the Pebble key for a molecule: m|{hash}
func MoleculeKey(hash string) []byte {
	return append([]byte(PrefixMolecule), hash...)
}

// CalculationKey returns the Pebble key for a calculation: c|{hash}\x00{model}
func CalculationKey(hash, model string) []byte {
	k := append([]byte(PrefixCalculation), hash...)
	k = append(k, sep)
	return append(k, model...)
}

// CalculationPrefix returns the scan prefix for every calculation: c|
func CalculationPrefix() []byte {
	return []byte(PrefixCalculation)
}

// SplitCalculationKey extracts hash and model from a calculation key.
func SplitCalculationKey(k []byte) (hash, model string, ok bool) {
	if !bytes.HasPrefix(k, []byte(PrefixCalculation)) {
		return "", "", false
	}
	rest := k[len(PrefixCalculation):]
	i := bytes.IndexByte(rest, sep)
	if i < 0 {
		return "", "", false
	}
	return string(rest[:i]), string(rest[i+1:]), true
}

// JobKey returns the Pebble key for a sub-calculation:
// j|{hash}\x00{model}\x00{frag_key}\x00{use_cp:1B}
func JobKey(hash, model, fragKey string, useCP bool) []byte {
	k := JobPrefix(hash, model)
	k = append(k, fragKey...)
	k = append(k, sep)
	var cp uint8
	if useCP {
		cp = 1
	}
	return PutUint8(k, cp)
}

// JobPrefix returns the scan prefix for the jobs of one calculation:
// j|{hash}\x00{model}\x00
func JobPrefix(hash, model string) []byte {
	k := append([]byte(PrefixJob), hash...)
	k = append(k, sep)
	k = append(k, model...)
	return append(k, sep)
}

// AllJobsPrefix returns the scan prefix for every job: j|
func AllJobsPrefix() []byte {
	return []byte(PrefixJob)
}

// PendingKey returns the pending-queue key for a job: p|{seq:8BE}.
// Sequence order is claim order.
func PendingKey(seq uint64) []byte {
	return PutUint64BE([]byte(PrefixPending), seq)
}

// PendingPrefix returns the scan prefix for the pending queue: p|
func PendingPrefix() []byte {
	return []byte(PrefixPending)
}

// SequenceKey returns the key holding the last pending sequence number.
func SequenceKey() []byte {
	return []byte(KeySequence)
}

// PrefixUpperBound returns the smallest key greater than every key with the
// given prefix, for use as an iterator upper bound.
func PrefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// SplitJobKey extracts the parts of a job key.
func SplitJobKey(k []byte) (hash, model, fragKey string, useCP, ok bool) {
	if !bytes.HasPrefix(k, []byte(PrefixJob)) || len(k) < len(PrefixJob)+2 {
		return "", "", "", false, false
	}
	rest := k[len(PrefixJob) : len(k)-2]
	if k[len(k)-2] != sep {
		return "", "", "", false, false
	}
	parts := bytes.Split(rest, []byte{sep})
	if len(parts) != 3 {
		return "", "", "", false, false
	}
	return string(parts[0]), string(parts[1]), string(parts[2]), k[len(k)-1] == 1, true
}
