package knx

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vapourismo/knx-go/knx/dpt"

	"github.com/ixs/knxcal/internal/config"
)

// encodeValue converts a configured string payload into wire bytes for the
// given datapoint type tag.
//
// Supported types: the 1.x boolean family, 5.001 (percentage), 9.001
// (temperature), 12.001 (unsigned counter) and 13.001 (signed counter).
func encodeValue(valueType, value string) ([]byte, error) {
	vt := strings.TrimSpace(valueType)
	value = strings.TrimSpace(value)

	if strings.HasPrefix(vt, "1.") {
		b, err := config.ParseBoolValue(value)
		if err != nil {
			return nil, fmt.Errorf("datapoint %s: %w", vt, err)
		}
		d := dpt.DPT_1001(b)
		return d.Pack(), nil
	}

	switch vt {
	case "5.001":
		f, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, fmt.Errorf("datapoint %s: not a number: %q", vt, value)
		}
		d := dpt.DPT_5001(f)
		return d.Pack(), nil

	case "9.001":
		f, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, fmt.Errorf("datapoint %s: not a number: %q", vt, value)
		}
		d := dpt.DPT_9001(f)
		return d.Pack(), nil

	case "12.001":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("datapoint %s: not an unsigned integer: %q", vt, value)
		}
		d := dpt.DPT_12001(n)
		return d.Pack(), nil

	case "13.001":
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("datapoint %s: not an integer: %q", vt, value)
		}
		d := dpt.DPT_13001(n)
		return d.Pack(), nil
	}

	return nil, fmt.Errorf("unsupported datapoint type %q", valueType)
}
