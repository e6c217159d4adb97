package scanning

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/anstrom/netsentry/internal/errors"
)

const (
	expectedPortRangeParts = 2
	maxPort                = 65535

	PortsCommon = "common"
	PortsAll    = "all"
)

// commonPorts covers the services the check catalogue knows about plus the
// usual suspects of internal networks.
var commonPorts = []int{
	20, 21, 22, 23, 25, 53, 69, 80, 81, 88, 110, 111, 123, 135, 137, 139, 143,
	161, 389, 443, 445, 465, 512, 513, 514, 587, 636, 873, 993, 995, 1080, 1433,
	1521, 1723, 2049, 2375, 2376, 3000, 3306, 3389, 5000, 5432, 5601, 5900,
	5985, 6379, 6443, 8000, 8080, 8081, 8443, 8888, 9000, 9090, 9200, 9300,
	11211, 27017,
}

// CommonPorts returns a copy of the built-in well-known port list.
func CommonPorts() []int {
	return append([]int(nil), commonPorts...)
}

// ParsePorts expands a port specification such as "22,80,1000-2000",
// "common" or "all" into a sorted list without duplicates. Ports listed in
// exclude, which uses the same syntax minus the keywords, are removed.
func ParsePorts(spec, exclude string) ([]int, error) {
	ports, err := expand(spec, true)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(exclude) == "" {
		return ports, nil
	}

	excluded, err := expand(exclude, false)
	if err != nil {
		return nil, err
	}
	drop := make(map[int]bool, len(excluded))
	for _, p := range excluded {
		drop[p] = true
	}
	out := ports[:0]
	for _, p := range ports {
		if !drop[p] {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, portError(spec, fmt.Errorf("every port is excluded"))
	}
	return out, nil
}

func expand(spec string, keywords bool) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, portError(spec, fmt.Errorf("no ports specified"))
	}

	switch {
	case keywords && strings.EqualFold(spec, PortsCommon):
		return CommonPorts(), nil
	case keywords && strings.EqualFold(spec, PortsAll):
		return portRange(1, maxPort), nil
	}

	seen := make(map[int]bool)
	var out []int
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var (
			ports []int
			err   error
		)
		if strings.Contains(part, "-") {
			ports, err = parsePortRange(part)
		} else {
			ports, err = parseSinglePort(part)
		}
		if err != nil {
			return nil, portError(spec, err)
		}
		for _, p := range ports {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	if len(out) == 0 {
		return nil, portError(spec, fmt.Errorf("no ports specified"))
	}
	sort.Ints(out)
	return out, nil
}

func parsePortRange(part string) ([]int, error) {
	rangeParts := strings.Split(part, "-")
	if len(rangeParts) != expectedPortRangeParts {
		return nil, fmt.Errorf("invalid port range format: %s", part)
	}

	start, err := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
	if err != nil {
		return nil, fmt.Errorf("invalid start port: %s", rangeParts[0])
	}
	end, err := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
	if err != nil {
		return nil, fmt.Errorf("invalid end port: %s", rangeParts[1])
	}
	if start < 1 || start > maxPort || end < 1 || end > maxPort {
		return nil, fmt.Errorf("invalid port range: %s (must be 1-65535)", part)
	}
	if start > end {
		return nil, fmt.Errorf("invalid port range: %s (start after end)", part)
	}
	return portRange(start, end), nil
}

func parseSinglePort(part string) ([]int, error) {
	port, err := strconv.Atoi(part)
	if err != nil {
		return nil, fmt.Errorf("invalid port: %s", part)
	}
	if port < 1 || port > maxPort {
		return nil, fmt.Errorf("invalid port: %d (must be 1-65535)", port)
	}
	return []int{port}, nil
}

func portRange(start, end int) []int {
	out := make([]int, 0, end-start+1)
	for p := start; p <= end; p++ {
		out = append(out, p)
	}
	return out
}

func portError(spec string, err error) error {
	return errors.NewConfigFieldError(errors.CodeValidation, err.Error(), "scanning.port_range", spec)
}
