package malloc

import s "github.com/bnclabs/gosettings"

import "github.com/bnclabs/gocage/quarantine"

// Defaultsettings for an allocator root.
//
// "minblock" (int64, default: 32)
//
//	Smallest slot size. Shall be a multiple of Sizeinterval and
//	large enough for a freelist entry.
//
// "maxblock" (int64, default: 256KB)
//
//	Largest bucketed slot size, anything bigger becomes a direct
//	mapping.
//
// "buckets.distribution" (string, default: "neutral")
//
//	Spacing of the slot-size table, "neutral" or "denser".
//
// "brp.enable" (bool, default: false)
//
//	Reserve an in-slot ref-count header at the end of every slot
//	and allocate out of the BRP pool.
//
// "tag.policy" (string, default: "disabled")
//
//	Memory tagging policy. Recorded and logged only, go targets
//	have no memory tagging.
//
// "checks.advanced" (bool, default: false)
//
//	Accepted but not read by the root. Frees are diverted through
//	the scheduler-loop quarantine when "quarantine.global.enable" or
//	"quarantine.advanced.enable" is set.
//
// "size.strict" (bool, default: false)
//
//	Free-with-size verifies that the size does not exceed the slot's
//	usable size. Only checked when "free.withsize" is also set.
//
// "free.withsize" (bool, default: true)
//
//	Let the sized free entry points consult the passed size, see
//	"size.strict". The entry points are in the dispatch table either
//	way; with this off they ignore the size.
//
// "zero.eventual" (bool, default: false)
//
//	Zero slot payloads when they return to the freelist.
//
// "stats.enable" (bool, default: false)
//
//	Arm the quarantine runtime-stats controller.
//
// "stats.pausedelay" (int64, default: 10ms in nanoseconds)
//
//	How long to pause the quarantine after an anomalously long zap.
//
// "stats.maxaboveavgzapdelta" (int64, default: 1ms in nanoseconds)
//
//	A zap exceeding the ring average by more than this triggers the
//	pause.
//
// Quarantine branches take their own settings under the prefixes
// "quarantine.global.", "quarantine.thread." and "quarantine.advanced.",
// see quarantine.Defaultsettings for the keys.
func Defaultsettings() s.Settings {
	setts := s.Settings{
		"minblock":                  int64(32),
		"maxblock":                  int64(256 * 1024),
		"buckets.distribution":      "neutral",
		"brp.enable":                false,
		"tag.policy":                "disabled",
		"checks.advanced":           false,
		"size.strict":               false,
		"free.withsize":             true,
		"zero.eventual":             false,
		"stats.enable":              false,
		"stats.pausedelay":          int64(10 * 1000 * 1000),
		"stats.maxaboveavgzapdelta": int64(1 * 1000 * 1000),
	}
	for _, prefix := range []string{
		"quarantine.global.", "quarantine.thread.", "quarantine.advanced."} {

		for key, value := range quarantinedefaults() {
			setts[prefix+key] = value
		}
	}
	// quarantining is opt-in, Configurepartitions turns it on.
	setts["quarantine.global.enable"] = false
	setts["quarantine.advanced.enable"] = false
	setts["quarantine.thread.enable"] = false
	return setts
}

func quarantinedefaults() s.Settings {
	return quarantine.Defaultsettings()
}
