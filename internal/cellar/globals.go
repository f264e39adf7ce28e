package cellar

import (
	"embed"
	"runtime"
	"sync/atomic"

	"github.com/gookit/color"
)

// We use a value of 1 while an install is writing into the prefix and 0 otherwise.
var isCriticalAtomic atomic.Int32

var (
	Debug      bool
	ConfigFile = "/etc/cellar.conf"
	version    = "dev"     // overridden at build time
	buildDate  = "unknown" // overridden at build time
	arch       = runtime.GOARCH

	//go:embed formulas/*.hcl formulas/patches/*.diff
	embeddedFormulas embed.FS
)

// color helpers
var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)
