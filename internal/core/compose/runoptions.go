package compose

import (
	"strings"

	"github.com/docker/go-units"
	"github.com/mattn/go-shellwords"
)

// RunOptions is the subset of `docker run` flags that maps onto compose.
type RunOptions struct {
	IPv4       string
	IPv6       string
	Hostname   string
	CapAdd     []string
	CapDrop    []string
	Privileged bool
	Init       bool
	ShmSize    int64

	// Ignored lists flags with no compose equivalent.
	Ignored []string
}

// HasStaticIP reports whether the options pin an address.
func (o RunOptions) HasStaticIP() bool {
	return o.IPv4 != "" || o.IPv6 != ""
}

// ParseRunOptions parses custom docker run options such as
// "--cap-add SYS_ADMIN --ip=10.0.0.5 --init".
func ParseRunOptions(raw string) (RunOptions, error) {
	var opts RunOptions
	if strings.TrimSpace(raw) == "" {
		return opts, nil
	}

	args, err := shellwords.Parse(raw)
	if err != nil {
		return opts, NewParseError("custom_docker_run_options", err.Error(), ErrInvalidRunOptions)
	}

	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(args[i], "=")
		if !strings.HasPrefix(name, "--") {
			opts.Ignored = append(opts.Ignored, args[i])
			continue
		}

		// value reads the flag argument from "--flag=value" or "--flag value".
		next := func() string {
			if hasValue {
				return value
			}
			if i+1 < len(args) {
				i++
				return args[i]
			}
			return ""
		}

		switch name {
		case "--ip":
			opts.IPv4 = next()
		case "--ip6":
			opts.IPv6 = next()
		case "--hostname":
			opts.Hostname = next()
		case "--cap-add":
			opts.CapAdd = append(opts.CapAdd, next())
		case "--cap-drop":
			opts.CapDrop = append(opts.CapDrop, next())
		case "--privileged":
			opts.Privileged = !hasValue || value == "true"
		case "--init":
			opts.Init = !hasValue || value == "true"
		case "--shm-size":
			v := next()
			size, err := units.RAMInBytes(v)
			if err != nil {
				return opts, NewParseError("custom_docker_run_options.shm-size", "invalid size "+v, ErrInvalidRunOptions)
			}
			opts.ShmSize = size
		default:
			opts.Ignored = append(opts.Ignored, args[i])
		}
	}
	return opts, nil
}
