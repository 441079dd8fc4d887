package cage

import s "github.com/bnclabs/gosettings"

// Defaultpoolsize default size of each pool inside the cage, 4GB.
const Defaultpoolsize = int64(4 * 1024 * 1024 * 1024)

// Defaultsettings for the cage and its pools.
//
// "poolsize" (int64, default: 4GB)
//
//	Size of each pool carved inside the cage. Shall be a power of
//	two and a super-page multiple. Every pool is aligned to its own
//	size so that membership tests reduce to one mask-and-compare.
//
// "log.level" (string, default: "info")
//
//	Logging level, one of "ignore", "fatal", "error", "warn",
//	"info", "verbose", "debug", "trace". Carried in the settings
//	only, the cage does not apply it to the logger.
//
// "log.file" (string, default: "")
//
//	Log file, empty for console. Carried in the settings only, the
//	cage does not apply it to the logger.
func Defaultsettings() s.Settings {
	return s.Settings{
		"poolsize":  Defaultpoolsize,
		"log.level": "info",
		"log.file":  "",
	}
}
