package motion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/PierreVH2/ACTSoftware-sub002/internal/hw/bus"
	"github.com/PierreVH2/ACTSoftware-sub002/internal/logic/geometry"
)

const (
	testTick   = 50 * time.Millisecond
	testHAMax  = 200000
	testDecMax = 150000
)

// fakeClock drives the simulated card one tick at a time.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

// openTable is a limit table whose rows never reach the altitude limit.
func openTable() geometry.LimitTable {
	return geometry.LimitTable{RowSteps: 1000, FirstRow: 1000}
}

// rigBandTable limits HA to 40000-160000 from Dec 50000 down to the end of
// Dec travel. Above that band both axes are free.
func rigBandTable() geometry.LimitTable {
	rows := testDecMax/1000 - 50 + 1
	t := geometry.LimitTable{RowSteps: 1000, FirstRow: 50, West: make([]int32, rows), East: make([]int32, rows)}
	for i := range t.West {
		t.West[i] = 40000
		t.East[i] = 160000
	}
	return t
}

func testSettings() Settings {
	return Settings{
		Band:              DefaultRateBand(),
		SiderealRate:      40000, // 1.25 steps per tick
		GuideRate:         20000,
		InitRate:          1000,
		HandsetFast:       800,
		HandsetSlow:       SlowestRate,
		SiderealPerTick:   1.25,
		ClockPerTick:      50000,
		HAMax:             testHAMax,
		DecMax:            testDecMax,
		AxisTolerance:     3,
		FlopThreshold:     30,
		SlowdownSteps:     100,
		CalibrationWindow: 2000,
		TrackingTolerance: 5,
		Table:             openTable(),
	}
}

type rig struct {
	t   *testing.T
	clk *fakeClock
	sim *bus.SimBus
	ctl *Controller
}

func newRig(t *testing.T, ha, dec int64, s Settings) *rig {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	sim := bus.NewSim(bus.SimConfig{
		StepClockHz: 1e6,
		HAMax:       testHAMax,
		DecMax:      testDecMax,
		StartHA:     ha,
		StartDec:    dec,
		Now:         clk.Now,
	})
	ctl, err := NewController(sim, s)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return &rig{t: t, clk: clk, sim: sim, ctl: ctl}
}

// newHomedRig starts on both zero switches and calibrates on the first tick.
func newHomedRig(t *testing.T, s Settings) *rig {
	t.Helper()
	r := newRig(t, 0, 0, s)
	r.tick(1)
	if st := r.ctl.Status(); !st.Initialized() {
		t.Fatalf("status after first tick = %v, want both axes initialized", st)
	}
	return r
}

func (r *rig) tick(n int) {
	for i := 0; i < n; i++ {
		r.clk.t = r.clk.t.Add(testTick)
		r.ctl.Tick()
	}
}

// runUntil ticks until cond holds, failing after max ticks.
func (r *rig) runUntil(max int, what string, cond func() bool) int {
	r.t.Helper()
	for i := 1; i <= max; i++ {
		r.tick(1)
		if cond() {
			return i
		}
	}
	r.t.Fatalf("%s not reached after %d ticks (status %v, pos %+v)", what, max, r.ctl.Status(), r.ctl.Position())
	return 0
}

func (r *rig) gotoAndWait(target Position) {
	r.t.Helper()
	if err := r.ctl.StartGoto(target, FastestRate); err != nil {
		r.t.Fatalf("StartGoto(%+v): %v", target, err)
	}
	r.runUntil(2000, "goto end", func() bool { return !r.ctl.Status().Moving() })
}

func (r *rig) control() uint8 {
	_, ctl := r.sim.Registers()
	return ctl
}

func (r *rig) rate() uint16 {
	rate, _ := r.sim.Registers()
	return rate
}

func (r *rig) mode() string {
	return r.ctl.Snapshot().Mode
}

// recordingObserver keeps every notification.
type recordingObserver struct {
	mu       sync.Mutex
	statuses []Status
	trips    []string
}

func (o *recordingObserver) StatusChanged(st Status) {
	o.mu.Lock()
	o.statuses = append(o.statuses, st)
	o.mu.Unlock()
}

func (o *recordingObserver) LimitTripped(kind string, dir Direction) {
	o.mu.Lock()
	o.trips = append(o.trips, kind+":"+dir.String())
	o.mu.Unlock()
}

// ---------- Commands before initialization ----------

func TestStartGoto_Uninitialized(t *testing.T) {
	r := newRig(t, 50000, 50000, testSettings())
	before := r.ctl.Snapshot()

	err := r.ctl.StartGoto(Position{HA: 100, Dec: 100}, 500)
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("StartGoto = %v, want ErrNotInitialized", err)
	}
	if after := r.ctl.Snapshot(); after != before {
		t.Errorf("state changed: %+v -> %+v", before, after)
	}
}

func TestCommands_RequireInitialization(t *testing.T) {
	r := newRig(t, 50000, 50000, testSettings())
	if err := r.ctl.StartCardinal(North, FastestRate); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("StartCardinal = %v, want ErrNotInitialized", err)
	}
	if err := r.ctl.ToggleTracking(true); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("ToggleTracking = %v, want ErrNotInitialized", err)
	}
}

// ---------- Homing ----------

func TestStartInit_HomesBothAxes(t *testing.T) {
	r := newRig(t, 3000, 2000, testSettings())
	if err := r.ctl.StartInit(); err != nil {
		t.Fatalf("StartInit: %v", err)
	}
	if got := Direction(r.control()) & AllDirs; got != West|North {
		t.Fatalf("homing direction = %v, want N|W", got)
	}
	if r.mode() != "init" {
		t.Errorf("mode = %q, want init", r.mode())
	}

	r.runUntil(200, "homing end", func() bool { return !r.ctl.Status().Moving() })

	st := r.ctl.Status()
	if !st.Initialized() {
		t.Fatalf("status = %v, want both axes initialized", st)
	}
	if st.Has(StatusLimitError) {
		t.Error("homing onto the zero switches must not raise a limit error")
	}
	if Direction(r.control())&AllDirs != 0 {
		t.Errorf("motors still running after homing: control %02x", r.control())
	}
}

func TestStartInit_AlreadyInitialized(t *testing.T) {
	r := newHomedRig(t, testSettings())
	if err := r.ctl.StartInit(); err != nil {
		t.Fatalf("StartInit: %v", err)
	}
	if r.ctl.Status().Moving() {
		t.Error("StartInit on a calibrated mount should not move")
	}
}

func TestCalibration_IgnoresBounceFarFromZero(t *testing.T) {
	r := newHomedRig(t, testSettings())
	r.gotoAndWait(Position{HA: 20000, Dec: 20000})
	before := r.ctl.Position()

	// A West switch glitch far from zero.
	_, dec := r.sim.Mechanical()
	r.sim.SetMechanical(0, dec)
	r.tick(1)
	if got := r.ctl.Position(); got != before {
		t.Errorf("position after bounce = %+v, want %+v (unchanged)", got, before)
	}
	if r.ctl.Limits().Hard&West == 0 {
		t.Error("West switch should still be reported")
	}
}

// ---------- Goto ----------

func TestGoto_ReachesTarget(t *testing.T) {
	r := newHomedRig(t, testSettings())
	target := Position{HA: 30000, Dec: 12000}
	r.gotoAndWait(target)

	pos := r.ctl.Position()
	if abs32(pos.HA-target.HA) > 3 || abs32(pos.Dec-target.Dec) > 3 {
		t.Errorf("final position %+v, want within 3 of %+v", pos, target)
	}
	ha, dec := r.sim.Mechanical()
	if int64(pos.HA) != ha || int64(pos.Dec) != dec {
		t.Errorf("tracked position %+v drifted from mechanical (%d,%d)", pos, ha, dec)
	}
	if st := r.ctl.Status(); st.Moving() || st.Has(StatusLimitError) {
		t.Errorf("status = %v, want idle", st)
	}
}

func TestGoto_RampsUpFromFloor(t *testing.T) {
	r := newHomedRig(t, testSettings())
	if err := r.ctl.StartGoto(Position{HA: 100000, Dec: 0}, FastestRate); err != nil {
		t.Fatalf("StartGoto: %v", err)
	}
	if r.rate() != SlowestRate {
		t.Fatalf("start rate = %d, want %d", r.rate(), SlowestRate)
	}
	r.tick(1)
	if r.rate() != 21213 {
		t.Errorf("rate after one tick = %d, want 21213", r.rate())
	}
	r.tick(30)
	if r.rate() != FastestRate {
		t.Errorf("rate after ramp = %d, want %d", r.rate(), FastestRate)
	}
}

func TestGoto_MaxRateClampedToBand(t *testing.T) {
	r := newHomedRig(t, testSettings())
	if err := r.ctl.StartGoto(Position{HA: 100000, Dec: 0}, 60000); err != nil {
		t.Fatalf("StartGoto: %v", err)
	}
	r.tick(10)
	if r.rate() != SlowestRate {
		t.Errorf("rate = %d, want floor %d", r.rate(), SlowestRate)
	}
}

func TestStartGoto_Rejections(t *testing.T) {
	r := newHomedRig(t, testSettings())
	cases := []struct {
		name   string
		target Position
		want   error
	}{
		{"west_of_travel", Position{HA: -1, Dec: 100}, ErrInvalidTarget},
		{"south_of_travel", Position{HA: 100, Dec: testDecMax + 1}, ErrInvalidTarget},
		{"already_there", Position{HA: 2, Dec: 1}, ErrAtTarget},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := r.ctl.Snapshot()
			if err := r.ctl.StartGoto(tc.target, FastestRate); !errors.Is(err, tc.want) {
				t.Errorf("StartGoto = %v, want %v", err, tc.want)
			}
			if after := r.ctl.Snapshot(); after != before {
				t.Errorf("state changed: %+v -> %+v", before, after)
			}
		})
	}
}

func TestStartGoto_BusyWhileMoving(t *testing.T) {
	r := newHomedRig(t, testSettings())
	if err := r.ctl.StartGoto(Position{HA: 50000, Dec: 0}, FastestRate); err != nil {
		t.Fatalf("StartGoto: %v", err)
	}
	if err := r.ctl.StartGoto(Position{HA: 10000, Dec: 0}, FastestRate); !errors.Is(err, ErrBusy) {
		t.Errorf("second StartGoto = %v, want ErrBusy", err)
	}
	if err := r.ctl.StartCardinal(South, FastestRate); !errors.Is(err, ErrBusy) {
		t.Errorf("StartCardinal during goto = %v, want ErrBusy", err)
	}
}

func TestStartGoto_FailsUnderAllStop(t *testing.T) {
	r := newHomedRig(t, testSettings())
	if err := r.ctl.ToggleAllStop(true); err != nil {
		t.Fatalf("ToggleAllStop: %v", err)
	}
	before := r.ctl.Snapshot()
	for _, target := range []Position{{HA: 1000, Dec: 1000}, {HA: 0, Dec: 0}, {HA: -5, Dec: 9}} {
		if err := r.ctl.StartGoto(target, FastestRate); !errors.Is(err, ErrAllStop) {
			t.Errorf("StartGoto(%+v) = %v, want ErrAllStop", target, err)
		}
	}
	if after := r.ctl.Snapshot(); after != before {
		t.Errorf("state changed: %+v -> %+v", before, after)
	}
}

func TestCancelGoto_StopsIdle(t *testing.T) {
	r := newHomedRig(t, testSettings())
	if err := r.ctl.StartGoto(Position{HA: 150000, Dec: 0}, FastestRate); err != nil {
		t.Fatalf("StartGoto: %v", err)
	}
	r.tick(40)
	r.ctl.CancelGoto()
	if !r.ctl.Status().Has(StatusGoto) {
		t.Fatal("cancel must not stop before the ramp down")
	}
	ticks := r.runUntil(100, "cancel", func() bool { return !r.ctl.Status().Moving() })
	if ticks < 10 {
		t.Errorf("stopped after %d ticks, expected a ramp down", ticks)
	}
	if r.mode() != "idle" {
		t.Errorf("mode = %q, want idle", r.mode())
	}
}

func TestCancelGoto_ResumesTracking(t *testing.T) {
	r := newHomedRig(t, testSettings())
	r.gotoAndWait(Position{HA: 20000, Dec: 20000})
	if err := r.ctl.ToggleTracking(true); err != nil {
		t.Fatalf("ToggleTracking: %v", err)
	}
	if err := r.ctl.StartGoto(Position{HA: 120000, Dec: 20000}, FastestRate); err != nil {
		t.Fatalf("StartGoto: %v", err)
	}
	if st := r.ctl.Status(); !st.Has(StatusTracking | StatusGoto) {
		t.Fatalf("status = %v, want tracking paused under goto", st)
	}
	r.tick(20)
	r.ctl.CancelGoto()
	r.runUntil(100, "cancel", func() bool { return !r.ctl.Status().Moving() })

	if r.mode() != "tracking" {
		t.Errorf("mode = %q, want tracking", r.mode())
	}
	if Direction(r.control())&AllDirs != West || r.rate() != 40000 {
		t.Errorf("registers = dir %v rate %d, want W at sidereal", Direction(r.control()), r.rate())
	}
}

func TestCancelGoto_NoopOutsideGoto(t *testing.T) {
	r := newHomedRig(t, testSettings())
	before := r.ctl.Snapshot()
	r.ctl.CancelGoto()
	if after := r.ctl.Snapshot(); after != before {
		t.Errorf("state changed: %+v -> %+v", before, after)
	}
}

func TestGoto_HardLimitAbortsWithoutRamp(t *testing.T) {
	r := newHomedRig(t, testSettings())
	obs := &recordingObserver{}
	r.ctl.AddObserver(obs)

	if err := r.ctl.StartGoto(Position{HA: 190000, Dec: 0}, FastestRate); err != nil {
		t.Fatalf("StartGoto: %v", err)
	}
	r.tick(30) // at full speed
	if Direction(r.control())&East == 0 {
		t.Fatal("goto should be driving East")
	}

	// The East switch closes mid-move.
	r.sim.SetMechanical(testHAMax, 0)
	r.tick(1)

	st := r.ctl.Status()
	if st.Has(StatusGoto) || !st.Has(StatusLimitError) {
		t.Errorf("status = %v, want goto cleared and limit error", st)
	}
	if Direction(r.control())&AllDirs != 0 {
		t.Errorf("motors still running: control %02x", r.control())
	}
	if r.ctl.Limits().Hard&East == 0 {
		t.Errorf("limits = %+v, want East hard limit", r.ctl.Limits())
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.trips) != 1 || obs.trips[0] != "hard:E" {
		t.Errorf("trips = %v, want [hard:E]", obs.trips)
	}
}

func TestGoto_OrderedLegs(t *testing.T) {
	cases := []struct {
		name  string
		from  Position
		to    Position
		order Ordering
		legs  []Direction
	}{
		// Driving South first would cross the West bound at HA 20000.
		{"ha_first", Position{HA: 20000, Dec: 20000}, Position{HA: 100000, Dec: 80000}, OrderHAFirst, []Direction{East, South}},
		// Driving West first would cross it at Dec 80000.
		{"dec_first", Position{HA: 100000, Dec: 80000}, Position{HA: 20000, Dec: 20000}, OrderDecFirst, []Direction{North, West}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := testSettings()
			s.Table = rigBandTable()
			r := newHomedRig(t, s)
			r.gotoAndWait(tc.from)

			if err := r.ctl.StartGoto(tc.to, FastestRate); err != nil {
				t.Fatalf("StartGoto: %v", err)
			}
			r.ctl.mu.RLock()
			m, _ := r.ctl.mode.(*gotoMove)
			r.ctl.mu.RUnlock()
			if m == nil || m.order != tc.order {
				t.Fatalf("goto mode = %+v, want order %v", m, tc.order)
			}

			var legs []Direction
			record := func() {
				d := Direction(r.control()) & AllDirs
				if d == 0 || (len(legs) > 0 && legs[len(legs)-1] == d) {
					return
				}
				if len(legs) == 1 {
					// The first axis has settled before the second starts.
					pos := r.ctl.Position()
					if tc.order == OrderHAFirst && abs32(pos.HA-tc.to.HA) > s.AxisTolerance {
						t.Errorf("Dec leg started at HA %d, want %d", pos.HA, tc.to.HA)
					}
					if tc.order == OrderDecFirst && abs32(pos.Dec-tc.to.Dec) > s.AxisTolerance {
						t.Errorf("HA leg started at Dec %d, want %d", pos.Dec, tc.to.Dec)
					}
				}
				legs = append(legs, d)
			}
			record()
			r.runUntil(3000, "goto end", func() bool {
				record()
				return !r.ctl.Status().Moving()
			})

			if len(legs) != len(tc.legs) {
				t.Fatalf("legs = %v, want %v", legs, tc.legs)
			}
			for i := range tc.legs {
				if legs[i] != tc.legs[i] {
					t.Errorf("leg %d = %v, want %v", i, legs[i], tc.legs[i])
				}
			}
			if st := r.ctl.Status(); st.Has(StatusLimitError) {
				t.Errorf("status = %v, goto should not trip a limit", st)
			}
			pos := r.ctl.Position()
			if abs32(pos.HA-tc.to.HA) > s.AxisTolerance || abs32(pos.Dec-tc.to.Dec) > s.AxisTolerance {
				t.Errorf("position = %+v, want %+v", pos, tc.to)
			}
		})
	}
}

func TestGoto_CorrectsForSiderealDrift(t *testing.T) {
	s := testSettings()
	r := newHomedRig(t, s)
	r.gotoAndWait(Position{HA: 50000, Dec: 50000})
	if err := r.ctl.ToggleTracking(true); err != nil {
		t.Fatalf("ToggleTracking: %v", err)
	}

	target := Position{HA: 100000, Dec: 50000}
	if err := r.ctl.StartGoto(target, FastestRate); err != nil {
		t.Fatalf("StartGoto: %v", err)
	}
	r.ctl.mu.RLock()
	start := r.ctl.ticks
	r.ctl.mu.RUnlock()

	r.runUntil(3000, "goto end", func() bool { return !r.ctl.Status().Moving() })

	r.ctl.mu.RLock()
	drift := r.ctl.siderealDrift(start)
	r.ctl.mu.RUnlock()
	if drift <= s.AxisTolerance {
		t.Fatalf("drift = %d, goto too short to tell", drift)
	}
	pos := r.ctl.Position()
	if want := target.HA - drift; abs32(pos.HA-want) > s.AxisTolerance {
		t.Errorf("HA = %d, want %d (target %d less drift %d)", pos.HA, want, target.HA, drift)
	}
	if abs32(pos.Dec-target.Dec) > s.AxisTolerance {
		t.Errorf("Dec = %d, want %d", pos.Dec, target.Dec)
	}

	if st := r.ctl.Status(); !st.Has(StatusTracking) || st.Has(StatusGoto) {
		t.Errorf("status = %v, want tracking only", st)
	}
	if r.mode() != "tracking" {
		t.Errorf("mode = %q, want tracking", r.mode())
	}
	if d := Direction(r.control()) & AllDirs; d != West || r.rate() != s.SiderealRate {
		t.Errorf("registers = %v at %d, want W at sidereal %d", d, r.rate(), s.SiderealRate)
	}
}

// ---------- Cardinal ----------

func TestAllStop_BlocksCardinal(t *testing.T) {
	r := newHomedRig(t, testSettings())
	r.gotoAndWait(Position{HA: 20000, Dec: 20000})

	if err := r.ctl.ToggleAllStop(true); err != nil {
		t.Fatalf("ToggleAllStop(true): %v", err)
	}
	if err := r.ctl.StartCardinal(North, FastestRate); !errors.Is(err, ErrAllStop) {
		t.Fatalf("StartCardinal under all-stop = %v, want ErrAllStop", err)
	}
	if err := r.ctl.ToggleAllStop(false); err != nil {
		t.Fatalf("ToggleAllStop(false): %v", err)
	}
	if err := r.ctl.StartCardinal(North, FastestRate); err != nil {
		t.Fatalf("StartCardinal after release: %v", err)
	}
	if !r.ctl.Status().Has(StatusCardinal) {
		t.Error("cardinal flag not set")
	}
}

func TestCardinal_BlockedByActiveLimit(t *testing.T) {
	r := newHomedRig(t, testSettings())
	// Sitting on the West and North switches.
	if err := r.ctl.StartCardinal(West, FastestRate); !errors.Is(err, ErrLimit) {
		t.Errorf("StartCardinal(West) = %v, want ErrLimit", err)
	}
	if err := r.ctl.StartCardinal(East|South, FastestRate); err != nil {
		t.Errorf("StartCardinal(E|S) = %v, want nil", err)
	}
}

func TestCardinal_InvalidDirection(t *testing.T) {
	r := newHomedRig(t, testSettings())
	for _, d := range []Direction{North | South, East | West, 0, 0x40} {
		if err := r.ctl.StartCardinal(d, FastestRate); !errors.Is(err, ErrInvalidTarget) {
			t.Errorf("StartCardinal(%v) = %v, want ErrInvalidTarget", d, err)
		}
	}
}

func TestCardinal_RedirectRampsThroughFloor(t *testing.T) {
	r := newHomedRig(t, testSettings())
	r.gotoAndWait(Position{HA: 50000, Dec: 50000})

	if err := r.ctl.StartCardinal(East, FastestRate); err != nil {
		t.Fatalf("StartCardinal: %v", err)
	}
	r.tick(30)
	if r.rate() != FastestRate {
		t.Fatalf("rate = %d, want full speed", r.rate())
	}
	if err := r.ctl.StartCardinal(South, FastestRate); err != nil {
		t.Fatalf("redirect: %v", err)
	}
	// The direction must not change until the rate is back at the floor.
	for i := 0; i < 40 && Direction(r.control())&AllDirs == East; i++ {
		r.tick(1)
		if d := Direction(r.control()) & AllDirs; d == South && r.rate() != SlowestRate {
			t.Fatalf("turned South at rate %d", r.rate())
		}
	}
	if d := Direction(r.control()) & AllDirs; d != South {
		t.Fatalf("direction = %v, want S", d)
	}
}

func TestEndCardinal_RampsDownAndStops(t *testing.T) {
	r := newHomedRig(t, testSettings())
	r.gotoAndWait(Position{HA: 50000, Dec: 50000})
	if err := r.ctl.StartCardinal(West, FastestRate); err != nil {
		t.Fatalf("StartCardinal: %v", err)
	}
	r.tick(30)
	r.ctl.EndCardinal()
	r.tick(1)
	if !r.ctl.Status().Has(StatusCardinal) {
		t.Fatal("cardinal must ramp down before stopping")
	}
	r.runUntil(40, "cardinal end", func() bool { return !r.ctl.Status().Moving() })
	if Direction(r.control())&AllDirs != 0 {
		t.Errorf("motors still running: control %02x", r.control())
	}
}

func TestCardinal_HandsetAndProgrammaticExclusive(t *testing.T) {
	r := newHomedRig(t, testSettings())
	r.gotoAndWait(Position{HA: 50000, Dec: 50000})

	r.ctl.HandsetHandler(0, ButtonSouth)
	if !r.ctl.Status().Has(StatusCardinal) {
		t.Fatal("handset press should start a cardinal move")
	}
	if err := r.ctl.StartCardinal(East, FastestRate); !errors.Is(err, ErrBusy) {
		t.Errorf("programmatic StartCardinal during handset move = %v, want ErrBusy", err)
	}
	r.ctl.EndCardinal() // ignored for handset moves
	r.tick(5)
	if d := Direction(r.control()) & AllDirs; d != South {
		t.Errorf("direction = %v, want S", d)
	}

	r.ctl.HandsetHandler(ButtonSouth, 0)
	r.runUntil(10, "handset release", func() bool { return !r.ctl.Status().Moving() })

	if err := r.ctl.StartCardinal(East, FastestRate); err != nil {
		t.Fatalf("StartCardinal: %v", err)
	}
	r.ctl.HandsetHandler(0, ButtonNorth)
	r.tick(3)
	if d := Direction(r.control()) & AllDirs; d != East {
		t.Errorf("handset press hijacked programmatic move: direction %v", d)
	}
}

func TestCardinal_CatchUpAfterDecOnlyMove(t *testing.T) {
	r := newHomedRig(t, testSettings())
	r.gotoAndWait(Position{HA: 50000, Dec: 50000})
	if err := r.ctl.ToggleTracking(true); err != nil {
		t.Fatalf("ToggleTracking: %v", err)
	}
	if err := r.ctl.StartCardinal(South, FastestRate); err != nil {
		t.Fatalf("StartCardinal: %v", err)
	}
	r.tick(40)
	r.ctl.EndCardinal()
	r.runUntil(40, "cardinal end", func() bool { return !r.ctl.Status().Moving() })

	r.ctl.mu.RLock()
	m, ok := r.ctl.mode.(*trackingMove)
	r.ctl.mu.RUnlock()
	if !ok {
		t.Fatalf("mode = %q, want tracking", r.mode())
	}
	if m.haAdjust >= -5 {
		t.Errorf("haAdjust = %d, want a westward catch-up", m.haAdjust)
	}
	if d := Direction(r.control()) & AllDirs; d != West || r.rate() != 20000 {
		t.Errorf("registers = %v at %d, want W at guide rate", d, r.rate())
	}
}

func TestCardinal_SoftLimitRaisesLimitError(t *testing.T) {
	s := testSettings()
	s.Table = rigBandTable()
	r := newHomedRig(t, s)
	r.gotoAndWait(Position{HA: 100000, Dec: 80000})
	obs := &recordingObserver{}
	r.ctl.AddObserver(obs)

	if err := r.ctl.StartCardinal(East, FastestRate); err != nil {
		t.Fatalf("StartCardinal: %v", err)
	}
	r.runUntil(1000, "cardinal stop", func() bool { return !r.ctl.Status().Moving() })

	st := r.ctl.Status()
	if !st.Has(StatusLimitError) || st.Has(StatusAllStop) || st.Has(StatusCardinal) {
		t.Errorf("status = %v, want limit error without all-stop", st)
	}
	if Direction(r.control())&AllDirs != 0 {
		t.Errorf("motors still running: control %02x", r.control())
	}
	if pos := r.ctl.Position(); pos.HA < 160000 || pos.HA >= testHAMax {
		t.Errorf("stopped at HA %d, want past the East bound 160000", pos.HA)
	}
	if r.ctl.Limits().Soft&East == 0 {
		t.Errorf("limits = %+v, want East soft limit", r.ctl.Limits())
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.trips) != 1 || obs.trips[0] != "soft:E" {
		t.Errorf("trips = %v, want [soft:E]", obs.trips)
	}
}

// ---------- Tracking ----------

func TestTracking_FollowsSky(t *testing.T) {
	r := newHomedRig(t, testSettings())
	r.gotoAndWait(Position{HA: 50000, Dec: 50000})
	if err := r.ctl.ToggleTracking(true); err != nil {
		t.Fatalf("ToggleTracking: %v", err)
	}
	if d := Direction(r.control()) & AllDirs; d != West || r.rate() != 40000 {
		t.Fatalf("registers = %v at %d, want W at sidereal", d, r.rate())
	}
	start := r.ctl.Position()
	r.tick(400)
	moved := start.HA - r.ctl.Position().HA
	if moved < 495 || moved > 505 {
		t.Errorf("tracked %d steps West in 400 ticks, want ~500", moved)
	}
	if err := r.ctl.ToggleTracking(false); err != nil {
		t.Fatalf("ToggleTracking(false): %v", err)
	}
	if Direction(r.control())&AllDirs != 0 || r.mode() != "idle" {
		t.Errorf("tracking off left mode %q control %02x", r.mode(), r.control())
	}
}

func TestTracking_SetRate(t *testing.T) {
	r := newHomedRig(t, testSettings())
	r.gotoAndWait(Position{HA: 50000, Dec: 50000})
	if err := r.ctl.SetTracking(39000); err != nil {
		t.Fatalf("SetTracking: %v", err)
	}
	if r.rate() != 39000 {
		t.Errorf("rate = %d, want 39000", r.rate())
	}
	if err := r.ctl.SetTracking(0); err != nil {
		t.Fatalf("SetTracking(0): %v", err)
	}
	if r.ctl.Status().Has(StatusTracking) {
		t.Error("SetTracking(0) should turn tracking off")
	}
}

func TestTracking_Adjust(t *testing.T) {
	r := newHomedRig(t, testSettings())
	r.gotoAndWait(Position{HA: 50000, Dec: 50000})

	if r.ctl.AdjustTracking(100, 0) {
		t.Error("adjust accepted while not tracking")
	}
	if err := r.ctl.ToggleTracking(true); err != nil {
		t.Fatalf("ToggleTracking: %v", err)
	}
	if r.ctl.AdjustTracking(3, -2) {
		t.Error("adjust within tolerance accepted")
	}
	if !r.ctl.AdjustTracking(100, 0) {
		t.Fatal("adjust rejected")
	}
	r.tick(1)
	if d := Direction(r.control()) & AllDirs; d != 0 {
		t.Fatalf("eastward offset should hold HA, direction %v", d)
	}
	r.runUntil(120, "offset worked off", func() bool {
		return Direction(r.control())&AllDirs == West && r.rate() == 40000
	})

	if !r.ctl.AdjustTracking(0, 60) {
		t.Fatal("dec adjust rejected")
	}
	r.tick(1)
	if d := Direction(r.control()) & AllDirs; d != West|South || r.rate() != 20000 {
		t.Errorf("registers = %v at %d, want W|S at guide", d, r.rate())
	}
}

func TestTracking_SoftLimitEngagesAllStop(t *testing.T) {
	s := testSettings()
	r := newHomedRig(t, s)
	r.gotoAndWait(Position{HA: 50000, Dec: 50000})

	// Altitude limit just West of the current pointing for every row.
	rows := testDecMax/1000 + 1
	tbl := geometry.LimitTable{RowSteps: 1000, FirstRow: 0, West: make([]int32, rows), East: make([]int32, rows)}
	for i := range tbl.West {
		tbl.West[i] = r.ctl.Position().HA - 10
		tbl.East[i] = testHAMax
	}
	r.ctl.limits.table = tbl

	if err := r.ctl.ToggleTracking(true); err != nil {
		t.Fatalf("ToggleTracking: %v", err)
	}
	r.runUntil(30, "all-stop", func() bool { return r.ctl.Status().Has(StatusAllStop) })
	st := r.ctl.Status()
	if st.Has(StatusTracking) {
		t.Errorf("status = %v, tracking should be cleared", st)
	}
	if Direction(r.control())&AllDirs != 0 {
		t.Errorf("motors still running: control %02x", r.control())
	}
}

// ---------- All-stop and status ----------

func TestAllStop_StopsEverything(t *testing.T) {
	r := newHomedRig(t, testSettings())
	if err := r.ctl.ToggleTracking(true); err != nil {
		t.Fatalf("ToggleTracking: %v", err)
	}
	if err := r.ctl.StartGoto(Position{HA: 100000, Dec: 1000}, FastestRate); err != nil {
		t.Fatalf("StartGoto: %v", err)
	}
	r.tick(20)
	if err := r.ctl.ToggleAllStop(true); err != nil {
		t.Fatalf("ToggleAllStop: %v", err)
	}
	st := r.ctl.Status()
	if st.Moving() || st.Has(StatusTracking) || !st.Has(StatusAllStop) {
		t.Errorf("status = %v, want only all-stop", st)
	}
	if Direction(r.control())&AllDirs != 0 {
		t.Errorf("motors still running: control %02x", r.control())
	}
	if err := r.ctl.ToggleTracking(true); !errors.Is(err, ErrAllStop) {
		t.Errorf("ToggleTracking under all-stop = %v, want ErrAllStop", err)
	}
}

func TestAllStopRelease_ClearsLimitError(t *testing.T) {
	r := newHomedRig(t, testSettings())
	if err := r.ctl.StartGoto(Position{HA: 190000, Dec: 0}, FastestRate); err != nil {
		t.Fatalf("StartGoto: %v", err)
	}
	r.tick(5)
	r.sim.SetMechanical(testHAMax, 0)
	r.tick(1)
	if !r.ctl.Status().Has(StatusLimitError) {
		t.Fatal("expected limit error")
	}
	_ = r.ctl.ToggleAllStop(true)
	_ = r.ctl.ToggleAllStop(false)
	if st := r.ctl.Status(); st.Has(StatusLimitError) || st.Has(StatusAllStop) {
		t.Errorf("status = %v, want limit error cleared", st)
	}
}

func TestWaitStatus_WaitsForNextChange(t *testing.T) {
	r := newHomedRig(t, testSettings())

	// Initialization is already past; nothing is pending.
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if _, err := r.ctl.WaitStatus(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitStatus = %v, want DeadlineExceeded", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got := make(chan Status, 1)
	go func() {
		st, err := r.ctl.WaitStatus(ctx)
		if err != nil {
			t.Errorf("WaitStatus: %v", err)
		}
		got <- st
	}()
	time.Sleep(20 * time.Millisecond)
	_ = r.ctl.ToggleAllStop(true)
	if st := <-got; !st.Has(StatusAllStop) {
		t.Errorf("status = %v, want all-stop", st)
	}
}

func TestWaitStatus_WakesEveryWaiter(t *testing.T) {
	r := newHomedRig(t, testSettings())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	const waiters = 3
	got := make(chan Status, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			st, err := r.ctl.WaitStatus(ctx)
			if err != nil {
				t.Errorf("WaitStatus: %v", err)
			}
			got <- st
		}()
	}
	time.Sleep(20 * time.Millisecond)
	_ = r.ctl.ToggleAllStop(true)

	for i := 0; i < waiters; i++ {
		if st := <-got; !st.Has(StatusAllStop) {
			t.Errorf("waiter %d: status = %v, want all-stop", i, st)
		}
	}
}

func TestObserver_StatusChanges(t *testing.T) {
	r := newRig(t, 0, 0, testSettings())
	obs := &recordingObserver{}
	r.ctl.AddObserver(obs)
	r.tick(1)
	_ = r.ctl.ToggleAllStop(true)
	_ = r.ctl.ToggleAllStop(true) // no change, no notification

	obs.mu.Lock()
	defer obs.mu.Unlock()
	want := []Status{statusInitialized, statusInitialized | StatusAllStop}
	if len(obs.statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", obs.statuses, want)
	}
	for i := range want {
		if obs.statuses[i] != want[i] {
			t.Errorf("statuses[%d] = %v, want %v", i, obs.statuses[i], want[i])
		}
	}
}

// ---------- Handset chords ----------

func TestHandset_Chords(t *testing.T) {
	r := newHomedRig(t, testSettings())
	r.gotoAndWait(Position{HA: 50000, Dec: 50000})

	r.ctl.HandsetHandler(0, ButtonNorth)
	r.ctl.HandsetHandler(ButtonNorth, ChordAllStop)
	if !r.ctl.Status().Has(StatusAllStop) {
		t.Fatal("N+S chord should engage all-stop")
	}
	// Releasing one button of the chord must not start a move.
	r.ctl.HandsetHandler(ChordAllStop, ButtonSouth)
	r.ctl.HandsetHandler(ButtonSouth, 0)
	r.ctl.HandsetHandler(0, ChordAllStop)
	if r.ctl.Status().Has(StatusAllStop) {
		t.Fatal("second N+S chord should release all-stop")
	}
	r.ctl.HandsetHandler(ChordAllStop, 0)

	r.ctl.HandsetHandler(0, ChordTracking)
	if !r.ctl.Status().Has(StatusTracking) {
		t.Fatal("E+W chord should start tracking")
	}
	r.ctl.HandsetHandler(ChordTracking, ButtonEast)
	if r.ctl.Status().Has(StatusCardinal) {
		t.Error("partial chord release started a move")
	}
}

func TestHandset_FastButton(t *testing.T) {
	r := newHomedRig(t, testSettings())
	r.gotoAndWait(Position{HA: 50000, Dec: 50000})

	r.ctl.HandsetHandler(0, ButtonEast)
	r.tick(40)
	if r.rate() != SlowestRate {
		t.Errorf("slow handset rate = %d, want %d", r.rate(), SlowestRate)
	}
	r.ctl.HandsetHandler(ButtonEast, ButtonEast|ButtonFast)
	r.tick(40)
	if r.rate() != 800 {
		t.Errorf("fast handset rate = %d, want 800", r.rate())
	}
}
