package quarantine

import "sync"
import "sync/atomic"
import "time"

// Maxtimestotrack ring capacity of every per-bucket duration ring.
const Maxtimestotrack = 1024

// Bucketstats ring of recent durations for one size class, with a
// rolling sum and average. The average becomes meaningful only once
// the ring has been fully populated at least once.
type Bucketstats struct {
	paused      int
	cycled      int
	valid       bool
	idx         int
	reportedidx int
	sumns       int64
	averagens   int64
	times       [Maxtimestotrack]int64
}

func (bs *Bucketstats) reset() {
	bs.valid = false
	bs.idx = 0
	bs.sumns = 0
	bs.averagens = 0
	bs.paused, bs.cycled = 0, 0
	bs.reportedidx = Maxtimestotrack - 1
	for i := range bs.times {
		bs.times[i] = 0
	}
}

// reported snapshot point: zero the paused/cycled counters and pin the
// last written ring index as the new cycle reference, so the next full
// cycle completes Maxtimestotrack records later.
func (bs *Bucketstats) reported() {
	if bs.valid {
		bs.paused = 0
		bs.cycled = 0
		bs.reportedidx = (bs.idx + Maxtimestotrack - 1) % Maxtimestotrack
	}
}

// recordvalue push a duration into the ring, clamped to 1ns so that a
// recorded zero stays distinguishable from an empty cell, and keep
// sum == Σ ring.
func (bs *Bucketstats) recordvalue(valuens int64) {
	if valuens <= 0 {
		valuens = 1
	}
	if bs.valid {
		bs.sumns -= bs.times[bs.idx]
	}
	bs.sumns += valuens
	bs.times[bs.idx] = valuens
	if bs.idx == bs.reportedidx {
		bs.valid = true
		bs.cycled++
	}
	if bs.idx == Maxtimestotrack-1 {
		bs.idx = 0
	} else {
		bs.idx++
	}
	if bs.valid {
		// integer division loses precision but the ring size is a
		// power of two and divides cheaply.
		bs.averagens = bs.sumns / Maxtimestotrack
	}
}

// Valid whether the ring has cycled at least once.
func (bs *Bucketstats) Valid() bool { return bs.valid }

// Cycled full cycles since the last Reportedstats.
func (bs *Bucketstats) Cycled() int { return bs.cycled }

// Paused times this bucket triggered a quarantine pause since the last
// Reportedstats.
func (bs *Bucketstats) Paused() int { return bs.paused }

// Averagens rolling average, zero until Valid.
func (bs *Bucketstats) Averagens() int64 { return bs.averagens }

// Sumns rolling sum over the ring.
func (bs *Bucketstats) Sumns() int64 { return bs.sumns }

// Times the raw ring.
func (bs *Bucketstats) Times() *[Maxtimestotrack]int64 { return &bs.times }

// Runtimestats tracks, per size class, recent durations of the total
// quarantine residency of a free call, of its purge phase and of its
// zap phase. When a zap runs anomalously long the controller pauses the
// whole quarantine for a while, diverting frees to the immediate path.
type Runtimestats struct {
	pauseuntil int64 // atomic, unix nanos, 0 when no pause is active

	mu                  sync.Mutex
	initialized         bool
	nbuckets            int
	maxaboveavgzapdelta time.Duration
	longzappausedelta   time.Duration
	zapbuckets          []Bucketstats
	purgebuckets        []Bucketstats
	totalbuckets        []Bucketstats
}

// Newruntimestats controller for nbuckets size classes. Rings are
// allocated lazily by the first Initorresetstats, a controller that is
// never initialized holds no rings.
func Newruntimestats(nbuckets int) *Runtimestats {
	return &Runtimestats{nbuckets: nbuckets}
}

// Isinitialized whether Initorresetstats has run.
func (rs *Runtimestats) Isinitialized() bool {
	if rs == nil {
		return false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.initialized
}

// Initorresetstats allocate the rings on first use, reset them in
// place on subsequent calls, and install the pause thresholds.
func (rs *Runtimestats) Initorresetstats(
	pausedelay, maxaboveavgzapdelta time.Duration) {

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.initialized == false {
		rs.initialized = true
		rs.zapbuckets = make([]Bucketstats, rs.nbuckets)
		rs.purgebuckets = make([]Bucketstats, rs.nbuckets)
		rs.totalbuckets = make([]Bucketstats, rs.nbuckets)
		for i := 0; i < rs.nbuckets; i++ {
			rs.zapbuckets[i].reset()
			rs.purgebuckets[i].reset()
			rs.totalbuckets[i].reset()
		}
	} else {
		for i := range rs.zapbuckets {
			rs.zapbuckets[i].reset()
		}
		for i := range rs.purgebuckets {
			rs.purgebuckets[i].reset()
		}
		for i := range rs.totalbuckets {
			rs.totalbuckets[i].reset()
		}
	}
	rs.longzappausedelta = pausedelay
	rs.maxaboveavgzapdelta = maxaboveavgzapdelta
	atomic.StoreInt64(&rs.pauseuntil, 0)
}

// Addstats record one quarantined free. qstart and qend are always
// set, purgestart when a purge ran, zapstart only when zapping ran,
// zapping is gated separately.
func (rs *Runtimestats) Addstats(
	bucketindex int, qstart, purgestart, zapstart, qend time.Time) {

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.initialized == false {
		return
	} else if qstart.IsZero() || qend.IsZero() {
		panicerr("quarantine stats need both endpoints")
	}

	rs.totalbuckets[bucketindex].recordvalue(int64(qend.Sub(qstart)))

	// read the average before folding in the new sample, the pause
	// decision compares against history.
	averagens := rs.zapbuckets[bucketindex].averagens

	var zaptime time.Duration
	if zapstart.IsZero() == false {
		// a zap implies an active quarantine, so a purge phase too.
		zaptime = qend.Sub(zapstart)
		rs.purgebuckets[bucketindex].recordvalue(int64(zapstart.Sub(purgestart)))
		rs.zapbuckets[bucketindex].recordvalue(int64(zaptime))
	} else if purgestart.IsZero() == false {
		// without a zap the purge phase runs to the end.
		rs.purgebuckets[bucketindex].recordvalue(int64(qend.Sub(purgestart)))
	}

	if rs.maxaboveavgzapdelta == 0 || zaptime == 0 {
		return
	} else if rs.zapbuckets[bucketindex].valid == false {
		return
	}
	if zaptime-time.Duration(averagens) > rs.maxaboveavgzapdelta {
		atomic.StoreInt64(
			&rs.pauseuntil, qend.Add(rs.longzappausedelta).UnixNano())
		rs.zapbuckets[bucketindex].paused++
	}
}

// Shouldpause whether a free starting at `start` shall bypass the
// quarantine. A soft gate, not a cancellation token.
func (rs *Runtimestats) Shouldpause(start time.Time) bool {
	if rs == nil || start.IsZero() {
		return false
	}
	pauseuntil := atomic.LoadInt64(&rs.pauseuntil)
	if pauseuntil == 0 {
		return false
	}
	return start.UnixNano() < pauseuntil
}

// Reportedstats mark the stats as exported: paused and cycled counters
// reset and the current ring indexes become the new cycle reference.
func (rs *Runtimestats) Reportedstats() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.initialized == false {
		return
	}
	for i := range rs.zapbuckets {
		rs.zapbuckets[i].reported()
	}
	for i := range rs.purgebuckets {
		rs.purgebuckets[i].reported()
	}
	for i := range rs.totalbuckets {
		rs.totalbuckets[i].reported()
	}
}

// Zapbuckets per size-class zap rings.
func (rs *Runtimestats) Zapbuckets() []Bucketstats { return rs.zapbuckets }

// Purgebuckets per size-class purge rings.
func (rs *Runtimestats) Purgebuckets() []Bucketstats { return rs.purgebuckets }

// Totalbuckets per size-class total residency rings.
func (rs *Runtimestats) Totalbuckets() []Bucketstats { return rs.totalbuckets }

// Tracker accumulates the phase timestamps of a single quarantined
// free and reports them to the controller when done. The zero Tracker,
// and any Tracker over an uninitialized controller, is inert.
type Tracker struct {
	stats       *Runtimestats
	bucketindex int
	qstart      time.Time
	purgestart  time.Time
	zapstart    time.Time
}

// Track start a tracker for one free call on the size class.
func (rs *Runtimestats) Track(bucketindex int, start time.Time) Tracker {
	if rs == nil || rs.Isinitialized() == false {
		return Tracker{}
	}
	return Tracker{stats: rs, bucketindex: bucketindex, qstart: start}
}

// Purgestart record the beginning of the purge phase.
func (tr *Tracker) Purgestart() {
	if tr == nil || tr.stats == nil {
		return
	}
	tr.purgestart = time.Now()
}

// Zapstart record the beginning of the zap phase.
func (tr *Tracker) Zapstart() {
	if tr == nil || tr.stats == nil {
		return
	}
	tr.zapstart = time.Now()
}

// Done close the tracker and fold the sample into the controller.
func (tr *Tracker) Done() {
	if tr == nil || tr.stats == nil {
		return
	}
	tr.stats.Addstats(
		tr.bucketindex, tr.qstart, tr.purgestart, tr.zapstart, time.Now())
	tr.stats = nil
}
