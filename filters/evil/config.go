package evil

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// parsePercentOrFloat accepts either a bare fraction ("1e-8") or a
// percentage ("50%"), mirroring nbdkit_parse_probability's grammar.
func parsePercentOrFloat(s string) (float64, error) {
	if strings.HasSuffix(s, "%") {
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return 0, err
		}
		return v / 100.0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Errorf("evil-seed: invalid value %q", s)
	}
	return uint32(n), nil
}
