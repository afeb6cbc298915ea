package core

// Bucket assigns a context to one of a rollout's weighted variations.
//
// The bucketing key is the context attribute named by rollout.BucketBy
// (defaulting to "key", and falling back to the context key when the named
// attribute is absent), joined to the flag key as "<flagKey>.<value>". That
// string is hashed with a 31-multiplier 32-bit rolling hash over its bytes
// (h = h*31 + b, unsigned 32-bit overflow) and folded into [0, 100000) by
// modulo. Any client-side evaluator must use the same hash for rollouts to
// cohere across server and client.
//
// Variations are walked in declaration order accumulating weights; the first
// entry whose cumulative weight exceeds the bucket wins. When the weights
// sum below 100000 (mid-edit configs) the last variation is served rather
// than none; this edge behavior is relied upon by editors and is kept
// deliberately. Identical inputs always produce the identical variation,
// which is what keeps rollouts sticky as percentages change.
func Bucket(flagKey string, rollout Rollout, ctx Context) string {
	if len(rollout.Variations) == 0 {
		return ""
	}

	bucket := bucketFor(flagKey, rollout.BucketBy, ctx)
	cumulative := 0
	for _, wv := range rollout.Variations {
		cumulative += wv.Weight
		if bucket < cumulative {
			return wv.VariationID
		}
	}
	return rollout.Variations[len(rollout.Variations)-1].VariationID
}

func bucketFor(flagKey, bucketBy string, ctx Context) int {
	if bucketBy == "" {
		bucketBy = "key"
	}

	value := ctx.Key
	if attr, ok := ctx.Attribute(bucketBy); ok {
		value = coerceString(attr)
	}

	return int(rollingHash(flagKey+"."+value) % MaxBucket)
}

func rollingHash(s string) uint32 {
	var h uint32
	for i := 0; i < len(s); i++ {
		h = h*31 + uint32(s[i])
	}
	return h
}
