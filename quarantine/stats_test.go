package quarantine

import "testing"
import "time"

func TestBucketstatsRing(t *testing.T) {
	rs := Newruntimestats(4)
	rs.Initorresetstats(10*time.Millisecond, time.Millisecond)

	base := time.Now()
	for i := 0; i < Maxtimestotrack-1; i++ {
		rs.Addstats(1, base, time.Time{}, time.Time{}, base.Add(100*time.Microsecond))
	}
	bs := &rs.Totalbuckets()[1]
	if bs.Valid() {
		t.Errorf("ring valid before a full cycle")
	}
	rs.Addstats(1, base, time.Time{}, time.Time{}, base.Add(100*time.Microsecond))
	if bs.Valid() == false {
		t.Errorf("ring not valid after a full cycle")
	}
	if x, y := bs.Sumns(), int64(Maxtimestotrack)*100000; x != y {
		t.Errorf("expected %v, got %v", y, x)
	}
	if x, y := bs.Averagens(), int64(100000); x != y {
		t.Errorf("expected %v, got %v", y, x)
	}

	// sum stays Σ ring as values rotate out.
	for i := 0; i < 100; i++ {
		rs.Addstats(1, base, time.Time{}, time.Time{}, base.Add(200*time.Microsecond))
	}
	sum := int64(0)
	for _, v := range bs.Times() {
		sum += v
	}
	if bs.Sumns() != sum {
		t.Errorf("expected %v, got %v", sum, bs.Sumns())
	}
	if x := bs.Averagens(); x != sum/Maxtimestotrack {
		t.Errorf("expected %v, got %v", sum/Maxtimestotrack, x)
	}
}

func TestRuntimestatsPause(t *testing.T) {
	rs := Newruntimestats(4)
	rs.Initorresetstats(10*time.Millisecond, time.Millisecond)

	base := time.Now()
	feedzap := func(d time.Duration) time.Time {
		qstart := base
		purgestart := base.Add(10 * time.Microsecond)
		zapstart := base.Add(20 * time.Microsecond)
		qend := zapstart.Add(d)
		rs.Addstats(2, qstart, purgestart, zapstart, qend)
		return qend
	}

	for i := 0; i < Maxtimestotrack; i++ {
		feedzap(100 * time.Microsecond)
	}
	zaps := rs.Zapbuckets()
	if zaps[2].Valid() == false {
		t.Fatalf("zap ring not valid after %v samples", Maxtimestotrack)
	}
	if x, y := zaps[2].Averagens(), int64(100000); x != y {
		t.Errorf("expected %v, got %v", y, x)
	}
	if rs.Shouldpause(base) {
		t.Errorf("unexpected pause on uniform zap times")
	}

	// one anomalously long zap pauses the quarantine.
	tend := feedzap(5 * time.Millisecond)
	if rs.Shouldpause(tend) == false {
		t.Errorf("expected pause right after the long zap")
	}
	if rs.Shouldpause(tend.Add(10*time.Millisecond-time.Nanosecond)) == false {
		t.Errorf("expected pause just before the deadline")
	}
	if rs.Shouldpause(tend.Add(10 * time.Millisecond)) {
		t.Errorf("unexpected pause at the deadline")
	}
	if x := zaps[2].Paused(); x != 1 {
		t.Errorf("expected %v, got %v", 1, x)
	}
}

func TestRuntimestatsPurgeRecording(t *testing.T) {
	rs := Newruntimestats(2)
	rs.Initorresetstats(10*time.Millisecond, time.Millisecond)

	base := time.Now()
	// no zap: purge runs to the end.
	rs.Addstats(0, base, base.Add(time.Microsecond), time.Time{}, base.Add(3*time.Microsecond))
	purge := rs.Purgebuckets()
	if x := purge[0].Times()[0]; x != int64(2*time.Microsecond) {
		t.Errorf("expected %v, got %v", 2*time.Microsecond, x)
	}
	// with a zap: purge is measured up to the zap start.
	rs.Addstats(0, base,
		base.Add(time.Microsecond), base.Add(4*time.Microsecond), base.Add(9*time.Microsecond))
	if x := purge[0].Times()[1]; x != int64(3*time.Microsecond) {
		t.Errorf("expected %v, got %v", 3*time.Microsecond, x)
	}
	zaps := rs.Zapbuckets()
	if x := zaps[0].Times()[0]; x != int64(5*time.Microsecond) {
		t.Errorf("expected %v, got %v", 5*time.Microsecond, x)
	}
}

func TestRuntimestatsReported(t *testing.T) {
	rs := Newruntimestats(2)
	rs.Initorresetstats(10*time.Millisecond, time.Millisecond)

	base := time.Now()
	for i := 0; i < Maxtimestotrack; i++ {
		rs.Addstats(0, base, time.Time{}, time.Time{}, base.Add(time.Microsecond))
	}
	total := rs.Totalbuckets()
	if x := total[0].Cycled(); x != 1 {
		t.Errorf("expected %v, got %v", 1, x)
	}
	rs.Reportedstats()
	if x := total[0].Cycled(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}
	if total[0].Valid() == false {
		t.Errorf("reporting shall not invalidate the ring")
	}
	// the next full cycle counts from the report point.
	for i := 0; i < Maxtimestotrack; i++ {
		rs.Addstats(0, base, time.Time{}, time.Time{}, base.Add(time.Microsecond))
	}
	if x := total[0].Cycled(); x != 1 {
		t.Errorf("expected %v, got %v", 1, x)
	}
}

func TestRuntimestatsUninitialized(t *testing.T) {
	rs := Newruntimestats(2)
	if rs.Shouldpause(time.Now()) {
		t.Errorf("unexpected pause on uninitialized stats")
	}
	// recording on an uninitialized controller is a no-op.
	rs.Addstats(0, time.Now(), time.Time{}, time.Time{}, time.Now())
	tr := rs.Track(0, time.Now())
	tr.Purgestart()
	tr.Done()

	// reset in place keeps thresholds working.
	rs.Initorresetstats(10*time.Millisecond, time.Millisecond)
	rs.Initorresetstats(20*time.Millisecond, 2*time.Millisecond)
	if rs.Isinitialized() == false {
		t.Errorf("expected initialized controller")
	}
}

func TestTracker(t *testing.T) {
	rs := Newruntimestats(2)
	rs.Initorresetstats(10*time.Millisecond, time.Millisecond)

	tr := rs.Track(1, time.Now())
	tr.Purgestart()
	tr.Zapstart()
	tr.Done()

	total, purge, zaps := rs.Totalbuckets(), rs.Purgebuckets(), rs.Zapbuckets()
	if total[1].Times()[0] == 0 {
		t.Errorf("expected a total sample")
	}
	if purge[1].Times()[0] == 0 {
		t.Errorf("expected a purge sample")
	}
	if zaps[1].Times()[0] == 0 {
		t.Errorf("expected a zap sample")
	}
	// a second Done is inert.
	tr.Done()
	if x := total[1].Times()[1]; x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}
}
