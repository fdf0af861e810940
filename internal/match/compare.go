package match

import (
	"fmt"
	"strings"
	"time"
)

// CompareValues orders two scalar values scanned from database rows. NULL
// sorts before any value. Numeric types compare by value across int/float
// width differences; []byte compares as string. Values the engine returns in
// some other shape fall back to their string form so ordering stays total.
func CompareValues(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}

	// uint and uint64 don't round-trip through int64: values past MaxInt64
	// would wrap negative, so they compare in unsigned space.
	if au, aok := asUint64(a); aok {
		if bu, bok := asUint64(b); bok {
			return compareUint(au, bu)
		}
		if bi, bok := asInt64(b); bok {
			if bi < 0 {
				return 1
			}
			return compareUint(au, uint64(bi))
		}
		if bf, bok := asFloat64(b); bok {
			return compareFloat(float64(au), bf)
		}
	}
	if bu, bok := asUint64(b); bok {
		if ai, aok := asInt64(a); aok {
			if ai < 0 {
				return -1
			}
			return compareUint(uint64(ai), bu)
		}
		if af, aok := asFloat64(a); aok {
			return compareFloat(af, float64(bu))
		}
	}

	if ai, aok := asInt64(a); aok {
		if bi, bok := asInt64(b); bok {
			switch {
			case ai < bi:
				return -1
			case ai > bi:
				return 1
			}
			return 0
		}
		if bf, bok := asFloat64(b); bok {
			return compareFloat(float64(ai), bf)
		}
	}
	if af, aok := asFloat64(a); aok {
		if bf, bok := asFloat64(b); bok {
			return compareFloat(af, bf)
		}
		if bi, bok := asInt64(b); bok {
			return compareFloat(af, float64(bi))
		}
	}

	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			}
			return 0
		}
	}

	if as, aok := asString(a); aok {
		if bs, bok := asString(b); bok {
			return strings.Compare(as, bs)
		}
	}

	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			switch {
			case !ab && bb:
				return -1
			case ab && !bb:
				return 1
			}
			return 0
		}
	}

	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

// CompareKeys orders two primary-key tuples column by column.
func CompareKeys(a, b []interface{}) int {
	for i := range a {
		if i >= len(b) {
			return 1
		}
		if c := CompareValues(a[i], b[i]); c != 0 {
			return c
		}
	}
	if len(b) > len(a) {
		return -1
	}
	return 0
}

// ValuesEqual reports whether two column values are the same for conflict
// detection purposes.
func ValuesEqual(a, b interface{}) bool {
	return CompareValues(a, b) == 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

func asUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint:
		return uint64(n), true
	case uint64:
		return n, true
	}
	return 0, false
}

func compareUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func asFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}
