package blackbox

import "math"

// Names of the generated series, in rule order.
const (
	GenRollSetpoint     = "GEN_ROLL_SETPOINT"
	GenPitchSetpoint    = "GEN_PITCH_SETPOINT"
	GenThrottleSetpoint = "GEN_THROTTLE_SETPOINT"
	GenYawSetpoint      = "GEN_YAW_SETPOINT"
	GenMotorOutputs     = "GEN_MOTOR_OUTPUTS"
	GenVVelSetpoint     = "GEN_VVEL_SETPOINT"
)

var genPIDNames = [3][5]string{
	{"GEN_ROLL_PID_P", "GEN_ROLL_PID_I", "GEN_ROLL_PID_D", "GEN_ROLL_PID_FF", "GEN_ROLL_PID_S"},
	{"GEN_PITCH_PID_P", "GEN_PITCH_PID_I", "GEN_PITCH_PID_D", "GEN_PITCH_PID_FF", "GEN_PITCH_PID_S"},
	{"GEN_YAW_PID_P", "GEN_YAW_PID_I", "GEN_YAW_PID_D", "GEN_YAW_PID_FF", "GEN_YAW_PID_S"},
}

var genSetpointNames = [3]string{GenRollSetpoint, GenPitchSetpoint, GenYawSetpoint}

const (
	termP = iota
	termI
	termD
	termFF
	termS
)

const (
	// DefaultIFalloff is the per-sample I-term decay while not flying.
	DefaultIFalloff   = 0.998
	feedforwardCutoff = 12
	stickCenter       = 1500
	stickHalfRange    = 512
	takeoffThrottle   = 1020
	takeoffSamples    = 1000
	motorMin          = 50
	motorMax          = 2000
	vvelDeadband      = 100
	vvelScale         = 180
)

// DeriveOptions tunes the replay of the flight controller pipeline.
type DeriveOptions struct {
	IFalloff float64
}

// DefaultDeriveOptions returns the firmware defaults.
func DefaultDeriveOptions() DeriveOptions {
	return DeriveOptions{IFalloff: DefaultIFalloff}
}

// genRule synthesizes replaces from its requirements. Each requirement is a
// set of alternatives, any one of which must be present.
type genRule struct {
	name     string
	replaces string
	requires [][]string
	exact    bool
	gen      func(d *deriver)
}

// genRules is ordered so every rule follows the rules it may depend on.
var genRules = buildGenRules()

func buildGenRules() []genRule {
	var rules []genRule
	for axis, name := range genSetpointNames {
		axis := axis
		rules = append(rules, genRule{
			name: name, replaces: setpointChannel[axis],
			requires: [][]string{{LogELRSRaw}},
			gen:      func(d *deriver) { d.setpoint(axis) },
		})
		if axis == 1 {
			rules = append(rules, genRule{
				name: GenThrottleSetpoint, replaces: LogThrottleSetpoint,
				requires: [][]string{{LogELRSRaw}},
				gen:      (*deriver).throttleSetpoint,
			})
		}
	}
	for axis := 0; axis < 3; axis++ {
		axis := axis
		sp := []string{setpointChannel[axis], genSetpointNames[axis]}
		gyro := []string{gyroChannel[axis]}
		rules = append(rules,
			genRule{name: genPIDNames[axis][termP], replaces: pidChannels[axis][termP],
				requires: [][]string{sp, gyro}, exact: true,
				gen: func(d *deriver) { d.pidP(axis) }},
			genRule{name: genPIDNames[axis][termI], replaces: pidChannels[axis][termI],
				requires: [][]string{sp, gyro},
				gen:      func(d *deriver) { d.pidI(axis) }},
			genRule{name: genPIDNames[axis][termD], replaces: pidChannels[axis][termD],
				requires: [][]string{gyro},
				gen:      func(d *deriver) { d.pidD(axis) }},
			genRule{name: genPIDNames[axis][termFF], replaces: pidChannels[axis][termFF],
				requires: [][]string{sp},
				gen:      func(d *deriver) { d.pidFF(axis) }},
			genRule{name: genPIDNames[axis][termS], replaces: pidChannels[axis][termS],
				requires: [][]string{sp}, exact: true,
				gen: func(d *deriver) { d.pidS(axis) }},
		)
	}
	motorReq := [][]string{{GenThrottleSetpoint, LogThrottleSetpoint}}
	for axis := 0; axis < 3; axis++ {
		for term := 0; term < 5; term++ {
			motorReq = append(motorReq, []string{pidChannels[axis][term], genPIDNames[axis][term]})
		}
	}
	rules = append(rules,
		genRule{name: GenMotorOutputs, replaces: LogMotorOutputs, requires: motorReq, exact: true,
			gen: (*deriver).motors},
		genRule{name: GenVVelSetpoint, replaces: LogVVelSetpoint, requires: [][]string{{LogELRSRaw}},
			gen: (*deriver).vvelSetpoint},
	)
	return rules
}

// GenRuleNames lists the generated series names in evaluation order.
func GenRuleNames() []string {
	out := make([]string, len(genRules))
	for i, r := range genRules {
		out[i] = r.name
	}
	return out
}

// Derive fills in channels the firmware did not log by replaying a simplified
// rate, PID and mixer pipeline. Rules run once in declared order; a rule is
// skipped when its target was logged or a requirement is missing. It returns
// the names of the generated series and never fails.
func (l *Log) Derive(opts DeriveOptions) []string {
	if opts.IFalloff == 0 {
		opts.IFalloff = DefaultIFalloff
	}
	d := &deriver{log: l, opts: opts}
	var generated []string
	for _, r := range genRules {
		if l.HasFlag(r.replaces) || l.HasFlag(r.name) || !d.satisfied(r.requires) {
			continue
		}
		r.gen(d)
		l.Flags = append(l.Flags, r.name)
		if !r.exact {
			l.Inexact = true
		}
		generated = append(generated, r.name)
	}
	return generated
}

type deriver struct {
	log  *Log
	opts DeriveOptions
}

func (d *deriver) satisfied(reqs [][]string) bool {
	for _, alts := range reqs {
		ok := false
		for _, a := range alts {
			if d.log.HasFlag(a) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// col returns a series, or zeros when it was never decoded.
func (d *deriver) col(name string) []float64 {
	if c, ok := d.log.Data[name]; ok && len(c) == d.log.FrameCount {
		return c
	}
	return make([]float64, d.log.FrameCount)
}

func (d *deriver) out(name string) []float64 {
	c := make([]float64, d.log.FrameCount)
	d.log.Data[name] = c
	return c
}

func (d *deriver) divider() float64 {
	if d.log.Header.FreqDiv <= 0 {
		return 1
	}
	return float64(d.log.Header.FreqDiv)
}

func (d *deriver) gain(axis, term int) float64 { return d.log.Header.PIDGains[axis][term] }

func (d *deriver) setpoint(axis int) {
	elrs := d.col(elrsAxisSeries[axis])
	out := d.out(setpointSeries[axis])
	rates := d.log.Header.Rates[axis]
	for i, v := range elrs {
		out[i] = SetpointActual((v-stickCenter)/stickHalfRange, rates)
	}
}

func (d *deriver) throttleSetpoint() {
	copy(d.out(SeriesSetpointThrottle), d.col(SeriesELRSThrottle))
}

func (d *deriver) pidP(axis int) {
	sp, gyro := d.col(setpointSeries[axis]), d.col(gyroSeries[axis])
	out, k := d.out(pidSeries[axis][termP]), d.gain(axis, termP)
	for i := range out {
		out[i] = (sp[i] - gyro[i]) * k
	}
}

func (d *deriver) pidI(axis int) {
	sp, gyro := d.col(setpointSeries[axis]), d.col(gyroSeries[axis])
	thr := d.col(SeriesSetpointThrottle)
	out, k := d.out(pidSeries[axis][termI]), d.gain(axis, termI)
	div := d.divider()
	decay := math.Pow(d.opts.IFalloff, div)
	var integ, takeoff float64
	for i := range out {
		integ += sp[i] - gyro[i]
		if thr[i] > takeoffThrottle {
			takeoff += div
		} else if takeoff < takeoffSamples {
			takeoff = 0
		}
		if takeoff < takeoffSamples {
			integ *= decay
		}
		out[i] = integ * k
	}
}

func (d *deriver) pidD(axis int) {
	gyro := d.col(gyroSeries[axis])
	out, k := d.out(pidSeries[axis][termD]), d.gain(axis, termD)
	div := d.divider()
	for i := 1; i < len(out); i++ {
		out[i] = (gyro[i-1] - gyro[i]) * k / div
	}
}

func (d *deriver) pidFF(axis int) {
	sp := d.col(setpointSeries[axis])
	out, k := d.out(pidSeries[axis][termFF]), d.gain(axis, termFF)
	fps := d.log.FramesPerSecond()
	filter := NewPT1(feedforwardCutoff, fps)
	for i := 1; i < len(out); i++ {
		out[i] = filter.Update((sp[i] - sp[i-1]) / 16 * fps * k)
	}
}

func (d *deriver) pidS(axis int) {
	sp := d.col(setpointSeries[axis])
	out, k := d.out(pidSeries[axis][termS]), d.gain(axis, termS)
	for i := range out {
		out[i] = sp[i] * k
	}
}

func (d *deriver) motors() {
	thr := d.col(SeriesSetpointThrottle)
	var terms [3][5][]float64
	for axis := 0; axis < 3; axis++ {
		for term := 0; term < 5; term++ {
			terms[axis][term] = d.col(pidSeries[axis][term])
		}
	}
	var outs [motorCount][]float64
	for m := range outs {
		outs[m] = d.out(motorSeries[m])
	}
	for i := 0; i < d.log.FrameCount; i++ {
		var sum [3]float64
		for axis := 0; axis < 3; axis++ {
			for term := 0; term < 5; term++ {
				sum[axis] += terms[axis][term][i]
			}
		}
		m := MixQuadX(thr[i], sum[0], sum[1], sum[2])
		for j := range outs {
			outs[j][i] = m[j]
		}
	}
}

func (d *deriver) vvelSetpoint() {
	thr := d.col(SeriesELRSThrottle)
	mode, hasMode := d.log.Data[SeriesFlightMode]
	out := d.out(SeriesSetpointVVel)
	for i, v := range thr {
		t := (v - stickCenter) * 2
		switch {
		case t > 0:
			t = math.Max(t-vvelDeadband, 0)
		case t < 0:
			t = math.Min(t+vvelDeadband, 0)
		}
		out[i] = t / vvelScale
		if hasMode && i < len(mode) && mode[i] < 2 {
			out[i] = 0
		}
	}
}

// SetpointActual evaluates the actual-rates curve for a stick deflection in
// [-1, 1] and returns the commanded rotation rate in deg/s.
func SetpointActual(stick float64, r Rates) float64 {
	stick = math.Max(-1, math.Min(1, stick))
	abs := math.Abs(stick)
	sign := 1.0
	if stick < 0 {
		sign = -1
	}
	expo := math.Pow(abs, 6)*r.Expo + abs*abs*(1-r.Expo)
	return stick*r.Center + expo*sign*(r.Max-r.Center)
}

// MixQuadX mixes throttle (1000..2000) and the per-axis PID sums into the
// four motor outputs ordered rear right, front right, rear left, front left.
// Outputs are mapped to [50, 2000]; a motor over the ceiling pushes the
// others down by its excess and a motor under the floor lifts the others,
// one motor at a time in output order.
func MixQuadX(throttle, roll, pitch, yaw float64) [motorCount]float64 {
	base := (throttle - 1000) * 2
	m := [motorCount]float64{
		base - roll + pitch + yaw,
		base - roll - pitch - yaw,
		base + roll + pitch - yaw,
		base + roll - pitch + yaw,
	}
	for i := range m {
		m[i] = mapRange(m[i], 0, 2000, motorMin, motorMax)
	}
	for i := range m {
		if m[i] > motorMax {
			excess := m[i] - motorMax
			m[i] = motorMax
			shiftOthers(&m, i, -excess)
		}
	}
	for i := range m {
		if m[i] < motorMin {
			lack := motorMin - m[i]
			m[i] = motorMin
			shiftOthers(&m, i, lack)
		}
	}
	for i := range m {
		m[i] = math.Min(m[i], motorMax)
	}
	return m
}

func shiftOthers(m *[motorCount]float64, skip int, delta float64) {
	for j := range m {
		if j != skip {
			m[j] += delta
		}
	}
}

func mapRange(v, inMin, inMax, outMin, outMax float64) float64 {
	return (v-inMin)*(outMax-outMin)/(inMax-inMin) + outMin
}

// PT1 is a first-order low-pass filter.
type PT1 struct {
	alpha float64
	state float64
}

// NewPT1 builds a filter for cutoff and sample frequencies in Hz. A
// non-positive frequency disables filtering.
func NewPT1(cutoff, sample float64) *PT1 {
	if cutoff <= 0 || sample <= 0 {
		return &PT1{alpha: 1}
	}
	omega := 2 * math.Pi * cutoff / sample
	return &PT1{alpha: omega / (omega + 1)}
}

// Update feeds one sample and returns the filtered value.
func (f *PT1) Update(v float64) float64 {
	f.state += f.alpha * (v - f.state)
	return f.state
}
