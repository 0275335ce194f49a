package flags

import (
	"strings"

	"github.com/gleandb/glean/config"
)

type Flag int

const (
	// RetrospectiveLocking enables the retrospective lock list: after a
	// race abort the retry pre-acquires the locks that conflicted.
	RetrospectiveLocking Flag = iota

	// EagerLogFlush runs the redo log flush daemon every millisecond
	// instead of on the configured flush interval.
	EagerLogFlush
)

type flagDefault struct {
	flag Flag
	def  bool
}

var (
	defaultFlags = map[string]flagDefault{
		"retrospective_locking": {RetrospectiveLocking, true},
		"eager_log_flush":       {EagerLogFlush, false},
	}
)

func LookupFlag(nam string) (Flag, bool) {
	fd, ok := defaultFlags[strings.ToLower(nam)]
	return fd.flag, ok
}

func ListFlags(fn func(nam string, f Flag)) {
	for nam, fd := range defaultFlags {
		fn(nam, fd.flag)
	}
}

type Flags []bool

func (flgs Flags) GetFlag(f Flag) bool {
	return flgs[f]
}

func Config(cfg *config.Config) Flags {
	flgs := make([]bool, len(defaultFlags))
	for nam, fd := range defaultFlags {
		flgs[fd.flag] = fd.def
		cfg.Var(&flgs[fd.flag], nam).Hide()
	}
	return flgs
}

func Default() Flags {
	flgs := make([]bool, len(defaultFlags))
	for _, fd := range defaultFlags {
		flgs[fd.flag] = fd.def
	}
	return flgs
}
