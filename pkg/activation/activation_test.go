package activation

import (
	"math"
	"testing"
	"time"
)

func entryWith(weight float64, ages ...time.Duration) *Entry {
	now := time.Now().UTC()
	e := &Entry{FactID: "fact_x", EmotionalWeight: weight}
	for _, a := range ages {
		e.AccessTimes = append(e.AccessTimes, now.Add(-a))
	}
	return e
}

func TestComputeNoAccesses(t *testing.T) {
	a := Compute(&Entry{FactID: "f"}, time.Now())
	if !math.IsInf(a, -1) {
		t.Fatalf("activation with no accesses = %v, want -Inf", a)
	}
	if !math.IsInf(Compute(nil, time.Now()), -1) {
		t.Fatal("nil entry must yield -Inf")
	}
}

func TestComputeDecaysMonotonically(t *testing.T) {
	now := time.Now().UTC()
	ages := []time.Duration{
		time.Hour,
		24 * time.Hour,
		7 * 24 * time.Hour,
		90 * 24 * time.Hour,
		2 * 365 * 24 * time.Hour,
	}
	prev := math.Inf(1)
	for _, age := range ages {
		a := Compute(entryWith(1.0, age), now)
		if a >= prev {
			t.Fatalf("activation at age %v = %v, not below %v", age, a, prev)
		}
		prev = a
	}
}

func TestComputeMoreAccessesRaiseActivation(t *testing.T) {
	now := time.Now().UTC()
	one := Compute(entryWith(1.0, 24*time.Hour), now)
	three := Compute(entryWith(1.0, 24*time.Hour, 48*time.Hour, 72*time.Hour), now)
	if three <= one {
		t.Fatalf("three accesses (%v) not above one access (%v)", three, one)
	}
}

func TestEmotionalWeightScales(t *testing.T) {
	// An old single access has negative log-sum; a larger weight makes it
	// more negative, but a recent burst has positive log-sum and the weight
	// amplifies it. Check the recent case.
	now := time.Now().UTC()
	plain := Compute(entryWith(1.0, time.Hour, 2*time.Hour), now)
	weighted := Compute(entryWith(1.5, time.Hour, 2*time.Hour), now)
	if plain <= 0 {
		t.Fatalf("recent burst activation = %v, expected positive", plain)
	}
	if weighted <= plain {
		t.Fatalf("weighted %v not above plain %v", weighted, plain)
	}
}

func TestShouldExpire(t *testing.T) {
	if !ShouldExpire(math.Inf(-1), DefaultExpireThreshold) {
		t.Fatal("-Inf must expire")
	}
	if !ShouldExpire(math.NaN(), DefaultExpireThreshold) {
		t.Fatal("NaN must expire")
	}
	if !ShouldExpire(-3.5, DefaultExpireThreshold) {
		t.Fatal("below threshold must expire")
	}
	if ShouldExpire(-1.0, DefaultExpireThreshold) {
		t.Fatal("above threshold must not expire")
	}
}

func TestFactorRangeAndMidpoint(t *testing.T) {
	if got := Factor(math.Inf(-1), DefaultExpireThreshold); got != 0 {
		t.Fatalf("factor of -Inf = %v, want 0", got)
	}
	mid := Factor(DefaultExpireThreshold, DefaultExpireThreshold)
	if math.Abs(mid-0.5) > 1e-9 {
		t.Fatalf("factor at threshold = %v, want 0.5", mid)
	}
	hi := Factor(3.0, DefaultExpireThreshold)
	lo := Factor(-5.0, DefaultExpireThreshold)
	if hi <= mid || lo >= mid {
		t.Fatalf("sigmoid not monotone: lo=%v mid=%v hi=%v", lo, mid, hi)
	}
	if hi > 1 || lo < 0 {
		t.Fatalf("factor out of [0,1]: lo=%v hi=%v", lo, hi)
	}
}

func TestLogRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLog(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	now := time.Now().UTC()
	l.RecordAccess("fact_a", now.Add(-time.Hour))
	l.RecordAccess("fact_a", now)
	l.SetWeight("fact_a", 1.5)
	if err := l.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	l2, err := OpenLog(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	e := l2.Get("fact_a")
	if e == nil {
		t.Fatal("entry lost across reload")
	}
	if len(e.AccessTimes) != 2 || e.EmotionalWeight != 1.5 {
		t.Fatalf("entry after reload = %+v", e)
	}
	if _, ok := l2.Scores()["fact_a"]; !ok {
		t.Fatal("cached score missing after reload")
	}
}

func TestSetWeightOnlyIncreases(t *testing.T) {
	l, err := OpenLog(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l.SetWeight("f", 1.5)
	l.SetWeight("f", 1.2)
	if got := l.Get("f").EmotionalWeight; got != 1.5 {
		t.Fatalf("weight = %v, want 1.5", got)
	}
}

func TestAccessHistoryBounded(t *testing.T) {
	l, err := OpenLog(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	now := time.Now().UTC()
	for i := 0; i < maxAccessHistory+20; i++ {
		l.RecordAccess("f", now.Add(time.Duration(i)*time.Second))
	}
	if got := len(l.Get("f").AccessTimes); got != maxAccessHistory {
		t.Fatalf("access history = %d, want %d", got, maxAccessHistory)
	}
}
