package config

import (
	"fmt"
	"sort"
	"strconv"
)

type flagKind int

const (
	boolFlag flagKind = iota
	stringFlag
	numberFlag
)

type flagSpec struct {
	flag string
	kind flagKind
}

// LogFileOption is the ptdFlags entry naming the PTDaemon log file
const LogFileOption = "logfile"

// PortOption is the ptdFlags entry selecting the PTDaemon listening port
const PortOption = "port"

// FlagTable maps ptdFlags option names to PTDaemon command line flags. Built once and never modified.
type FlagTable struct {
	specs map[string]flagSpec
}

// NewFlagTable returns table of PTDaemon options understood in ptdFlags
func NewFlagTable() *FlagTable {
	return &FlagTable{specs: map[string]flagSpec{
		PortOption:                          {"-p", numberFlag},
		"quietMode":                         {"-q", boolFlag},
		"increaseGeneralDebugOutput":        {"-v", boolFlag},
		"increaseMeterSpecificDebugOutput":  {"-m", boolFlag},
		LogFileOption:                       {"-l", stringFlag},
		"extendedLogFileFormat":             {"-e", boolFlag},
		"debugOutputToFile":                 {"-d", stringFlag},
		"temperatureMode":                   {"-t", boolFlag},
		"voltageAutoRange":                  {"-V", stringFlag},
		"ampereAutoRange":                   {"-A", stringFlag},
		"baudRate":                          {"-B", numberFlag},
		"enableDcMeasurements":              {"-D", boolFlag},
		"channelNumber":                     {"-c", numberFlag},
		"GpibInterface":                     {"-g", boolFlag},
		"GpibBoardNumber":                   {"-b", numberFlag},
		"useYokogawaUsbOrEthernetInterface": {"-y", stringFlag},
	}}
}

// Args renders options as PTDaemon arguments in option name order
func (t *FlagTable) Args(options map[string]interface{}) ([]string, error) {
	names := make([]string, 0, len(options))
	for name := range options {
		names = append(names, name)
	}
	sort.Strings(names)

	var args []string
	for _, name := range names {
		spec, ok := t.specs[name]
		if !ok {
			return nil, fmt.Errorf("unknown ptdFlags option %q", name)
		}
		value := options[name]

		switch spec.kind {
		case boolFlag:
			on, ok := value.(bool)
			if !ok {
				return nil, fmt.Errorf("ptdFlags option %q must be true or false", name)
			}
			if on {
				args = append(args, spec.flag)
			}
		case stringFlag:
			text, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("ptdFlags option %q must be a string", name)
			}
			if text != "" {
				args = append(args, spec.flag, text)
			}
		case numberFlag:
			switch n := value.(type) {
			case int:
				args = append(args, spec.flag, strconv.Itoa(n))
			case float64:
				args = append(args, spec.flag, strconv.FormatFloat(n, 'f', -1, 64))
			case bool:
				// false disables a numeric option
				if n {
					return nil, fmt.Errorf("ptdFlags option %q must be a number", name)
				}
			default:
				return nil, fmt.Errorf("ptdFlags option %q must be a number", name)
			}
		}
	}
	return args, nil
}
