package quarantine

import s "github.com/bnclabs/gosettings"

// Config for one quarantine branch.
type Config struct {
	// Capacityinbytes bound on the total usable bytes a branch holds.
	Capacityinbytes int64
	// Enablequarantine when false every request deallocates
	// immediately.
	Enablequarantine bool
	// Enablezapping overwrite quarantined objects with Freedbyte.
	Enablezapping bool
	// Leakondestruction skip the final purge when the branch is
	// released, quarantined slots leak.
	Leakondestruction bool
}

// Defaultsettings for a quarantine branch.
//
// "capacity" (int64, default: 256KB)
//
//	Capacity of the branch in bytes. A request larger than the
//	whole capacity bypasses the quarantine and counts as a miss.
//
// "enable" (bool, default: true)
//
//	Accept quarantine requests. When false, requests fall through
//	to the immediate free path.
//
// "zap" (bool, default: false)
//
//	Overwrite quarantined objects with a fixed byte pattern.
//
// "leakondestroy" (bool, default: false)
//
//	Do not purge on release.
func Defaultsettings() s.Settings {
	return s.Settings{
		"capacity":      int64(256 * 1024),
		"enable":        true,
		"zap":           false,
		"leakondestroy": false,
	}
}

// Newconfig materialize a Config from settings.
func Newconfig(setts s.Settings) Config {
	setts = make(s.Settings).Mixin(Defaultsettings(), setts)
	return Config{
		Capacityinbytes:   setts.Int64("capacity"),
		Enablequarantine:  setts.Bool("enable"),
		Enablezapping:     setts.Bool("zap"),
		Leakondestruction: setts.Bool("leakondestroy"),
	}
}
