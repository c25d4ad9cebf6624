package blackbox

// Loaded category bits stored per frame in Log.FrameLoaded.
const (
	LoadedRegular uint8 = 1 << iota
	LoadedELRS
	LoadedGPS
	LoadedBattery
	LoadedLink
)

// Channel is one entry of the flight controller's channel table. Bit is the
// position in the 64-bit enable bitmap, Width the number of bytes it occupies
// in a regular frame (0 for channels carried by their own record type).
type Channel struct {
	Name   string
	Bit    int
	Width  int
	Series []string
	Loaded uint8
}

// Channel names as they appear in the enable bitmap.
const (
	LogELRSRaw          = "LOG_ELRS_RAW"
	LogRollSetpoint     = "LOG_ROLL_SETPOINT"
	LogPitchSetpoint    = "LOG_PITCH_SETPOINT"
	LogThrottleSetpoint = "LOG_THROTTLE_SETPOINT"
	LogYawSetpoint      = "LOG_YAW_SETPOINT"
	LogRollGyroRaw      = "LOG_ROLL_GYRO_RAW"
	LogPitchGyroRaw     = "LOG_PITCH_GYRO_RAW"
	LogYawGyroRaw       = "LOG_YAW_GYRO_RAW"
	LogRollPIDP         = "LOG_ROLL_PID_P"
	LogRollPIDI         = "LOG_ROLL_PID_I"
	LogRollPIDD         = "LOG_ROLL_PID_D"
	LogRollPIDFF        = "LOG_ROLL_PID_FF"
	LogRollPIDS         = "LOG_ROLL_PID_S"
	LogPitchPIDP        = "LOG_PITCH_PID_P"
	LogPitchPIDI        = "LOG_PITCH_PID_I"
	LogPitchPIDD        = "LOG_PITCH_PID_D"
	LogPitchPIDFF       = "LOG_PITCH_PID_FF"
	LogPitchPIDS        = "LOG_PITCH_PID_S"
	LogYawPIDP          = "LOG_YAW_PID_P"
	LogYawPIDI          = "LOG_YAW_PID_I"
	LogYawPIDD          = "LOG_YAW_PID_D"
	LogYawPIDFF         = "LOG_YAW_PID_FF"
	LogYawPIDS          = "LOG_YAW_PID_S"
	LogMotorOutputs     = "LOG_MOTOR_OUTPUTS"
	LogFrametime        = "LOG_FRAMETIME"
	LogAltitude         = "LOG_ALTITUDE"
	LogVVel             = "LOG_VVEL"
	LogGPS              = "LOG_GPS"
	LogAttRoll          = "LOG_ATT_ROLL"
	LogAttPitch         = "LOG_ATT_PITCH"
	LogAttYaw           = "LOG_ATT_YAW"
	LogMotorRPM         = "LOG_MOTOR_RPM"
	LogAccelRaw         = "LOG_ACCEL_RAW"
	LogAccelFiltered    = "LOG_ACCEL_FILTERED"
	LogVerticalAccel    = "LOG_VERTICAL_ACCEL"
	LogVVelSetpoint     = "LOG_VVEL_SETPOINT"
	LogMagHeading       = "LOG_MAG_HEADING"
	LogCombinedHeading  = "LOG_COMBINED_HEADING"
	LogHVel             = "LOG_HVEL"
	LogBaro             = "LOG_BARO"
	LogDebug1           = "LOG_DEBUG_1"
	LogDebug2           = "LOG_DEBUG_2"
	LogDebug3           = "LOG_DEBUG_3"
	LogDebug4           = "LOG_DEBUG_4"
	LogPIDSum           = "LOG_PID_SUM"
	LogVBat             = "LOG_VBAT"
	LogLinkStats        = "LOG_LINK_STATS"
	LogFlightMode       = "LOG_FLIGHT_MODE"
)

const (
	defaultChannelWidth = 2
	motorCount          = 4
	rpmNoSignal         = 0xFFF
	rpmMantissaMask     = 0x1FF
	twelveBitMask       = 0xFFF
)

// Series names of the decoded columns.
const (
	SeriesELRSRoll         = "elrsRoll"
	SeriesELRSPitch        = "elrsPitch"
	SeriesELRSThrottle     = "elrsThrottle"
	SeriesELRSYaw          = "elrsYaw"
	SeriesSetpointRoll     = "setpointRoll"
	SeriesSetpointPitch    = "setpointPitch"
	SeriesSetpointThrottle = "setpointThrottle"
	SeriesSetpointYaw      = "setpointYaw"
	SeriesGyroRoll         = "gyroRawRoll"
	SeriesGyroPitch        = "gyroRawPitch"
	SeriesGyroYaw          = "gyroRawYaw"
	SeriesMotorRR          = "motorOutRR"
	SeriesMotorFR          = "motorOutFR"
	SeriesMotorRL          = "motorOutRL"
	SeriesMotorFL          = "motorOutFL"
	SeriesFrametime        = "frametime"
	SeriesTimestamp        = "timestamp"
	SeriesAltitude         = "altitude"
	SeriesVVel             = "vvel"
	SeriesRollAngle        = "rollAngle"
	SeriesPitchAngle       = "pitchAngle"
	SeriesYawAngle         = "yawAngle"
	SeriesAccelVertical    = "accelVertical"
	SeriesSetpointVVel     = "setpointVvel"
	SeriesMagHeading       = "magHeading"
	SeriesCombinedHeading  = "combinedHeading"
	SeriesHVelN            = "hvelN"
	SeriesHVelE            = "hvelE"
	SeriesBaroRaw          = "baroRaw"
	SeriesBaroHpa          = "baroHpa"
	SeriesBaroAlt          = "baroAlt"
	SeriesDebug1           = "debug1"
	SeriesDebug2           = "debug2"
	SeriesDebug3           = "debug3"
	SeriesDebug4           = "debug4"
	SeriesPIDSumRoll       = "pidSumRoll"
	SeriesPIDSumPitch      = "pidSumPitch"
	SeriesPIDSumYaw        = "pidSumYaw"
	SeriesVBat             = "vbat"
	SeriesFlightMode       = "flightMode"
	SeriesLinkRssiA        = "linkRssiA"
	SeriesLinkRssiB        = "linkRssiB"
	SeriesLinkLqi          = "linkLqi"
	SeriesLinkSnr          = "linkSnr"
	SeriesLinkAntenna      = "linkAntenna"
	SeriesLinkTargetHz     = "linkTargetHz"
	SeriesLinkActualHz     = "linkActualHz"
	SeriesLinkTxPower      = "linkTxPower"
	SeriesGPSYear          = "gpsYear"
	SeriesGPSMonth         = "gpsMonth"
	SeriesGPSDay           = "gpsDay"
	SeriesGPSHour          = "gpsHour"
	SeriesGPSMinute        = "gpsMinute"
	SeriesGPSSecond        = "gpsSecond"
	SeriesGPSTimeValidity  = "gpsTimeValidityFlags"
	SeriesGPSTAcc          = "gpsTAcc"
	SeriesGPSNs            = "gpsNs"
	SeriesGPSFixType       = "gpsFixType"
	SeriesGPSFlags         = "gpsFlags"
	SeriesGPSFlags2        = "gpsFlags2"
	SeriesGPSSatCount      = "gpsSatCount"
	SeriesGPSLon           = "gpsLon"
	SeriesGPSLat           = "gpsLat"
	SeriesGPSAlt           = "gpsAlt"
	SeriesGPSHAcc          = "gpsHAcc"
	SeriesGPSVAcc          = "gpsVAcc"
	SeriesGPSVelN          = "gpsVelN"
	SeriesGPSVelE          = "gpsVelE"
	SeriesGPSVelD          = "gpsVelD"
	SeriesGPSGSpeed        = "gpsGSpeed"
	SeriesGPSHeadMot       = "gpsHeadMot"
	SeriesGPSSAcc          = "gpsSAcc"
	SeriesGPSHeadAcc       = "gpsHeadAcc"
	SeriesGPSPDop          = "gpsPDop"
	SeriesGPSFlags3        = "gpsFlags3"
)

// pidSeries[axis][term] names the PID term columns, terms ordered P, I, D, FF, S.
var pidSeries = [3][5]string{
	{"pidRollP", "pidRollI", "pidRollD", "pidRollFF", "pidRollS"},
	{"pidPitchP", "pidPitchI", "pidPitchD", "pidPitchFF", "pidPitchS"},
	{"pidYawP", "pidYawI", "pidYawD", "pidYawFF", "pidYawS"},
}

var pidChannels = [3][5]string{
	{LogRollPIDP, LogRollPIDI, LogRollPIDD, LogRollPIDFF, LogRollPIDS},
	{LogPitchPIDP, LogPitchPIDI, LogPitchPIDD, LogPitchPIDFF, LogPitchPIDS},
	{LogYawPIDP, LogYawPIDI, LogYawPIDD, LogYawPIDFF, LogYawPIDS},
}

var (
	setpointSeries  = [3]string{SeriesSetpointRoll, SeriesSetpointPitch, SeriesSetpointYaw}
	setpointChannel = [3]string{LogRollSetpoint, LogPitchSetpoint, LogYawSetpoint}
	gyroSeries      = [3]string{SeriesGyroRoll, SeriesGyroPitch, SeriesGyroYaw}
	gyroChannel     = [3]string{LogRollGyroRaw, LogPitchGyroRaw, LogYawGyroRaw}
	elrsAxisSeries  = [3]string{SeriesELRSRoll, SeriesELRSPitch, SeriesELRSYaw}
	motorSeries     = [motorCount]string{SeriesMotorRR, SeriesMotorFR, SeriesMotorRL, SeriesMotorFL}
	rpmSeries       = [motorCount]string{"rpmRR", "rpmFR", "rpmRL", "rpmFL"}
	accelRawSeries  = []string{"accelRawX", "accelRawY", "accelRawZ"}
	accelFiltSeries = []string{"accelFilteredX", "accelFilteredY", "accelFilteredZ"}
	gpsSeries       = []string{
		SeriesGPSYear, SeriesGPSMonth, SeriesGPSDay, SeriesGPSHour, SeriesGPSMinute,
		SeriesGPSSecond, SeriesGPSTimeValidity, SeriesGPSTAcc, SeriesGPSNs,
		SeriesGPSFixType, SeriesGPSFlags, SeriesGPSFlags2, SeriesGPSSatCount,
		SeriesGPSLon, SeriesGPSLat, SeriesGPSAlt, SeriesGPSHAcc, SeriesGPSVAcc,
		SeriesGPSVelN, SeriesGPSVelE, SeriesGPSVelD, SeriesGPSGSpeed,
		SeriesGPSHeadMot, SeriesGPSSAcc, SeriesGPSHeadAcc, SeriesGPSPDop,
		SeriesGPSFlags3,
	}
	linkSeries = []string{
		SeriesLinkRssiA, SeriesLinkRssiB, SeriesLinkLqi, SeriesLinkSnr,
		SeriesLinkAntenna, SeriesLinkTargetHz, SeriesLinkActualHz, SeriesLinkTxPower,
	}
)

// Channels is the channel table in bitmap order.
var Channels = buildChannels()

var channelIndex = func() map[string]int {
	m := make(map[string]int, len(Channels))
	for i, c := range Channels {
		m[c.Name] = i
	}
	return m
}()

func buildChannels() []Channel {
	ch := []Channel{
		{Name: LogELRSRaw, Width: 0, Loaded: LoadedELRS,
			Series: []string{SeriesELRSRoll, SeriesELRSPitch, SeriesELRSThrottle, SeriesELRSYaw}},
		{Name: LogRollSetpoint, Series: []string{SeriesSetpointRoll}},
		{Name: LogPitchSetpoint, Series: []string{SeriesSetpointPitch}},
		{Name: LogThrottleSetpoint, Series: []string{SeriesSetpointThrottle}},
		{Name: LogYawSetpoint, Series: []string{SeriesSetpointYaw}},
		{Name: LogRollGyroRaw, Series: []string{SeriesGyroRoll}},
		{Name: LogPitchGyroRaw, Series: []string{SeriesGyroPitch}},
		{Name: LogYawGyroRaw, Series: []string{SeriesGyroYaw}},
	}
	for axis := 0; axis < 3; axis++ {
		for term := 0; term < 5; term++ {
			ch = append(ch, Channel{Name: pidChannels[axis][term], Series: []string{pidSeries[axis][term]}})
		}
	}
	ch = append(ch,
		Channel{Name: LogMotorOutputs, Width: 6, Series: motorSeries[:]},
		Channel{Name: LogFrametime, Series: []string{SeriesFrametime, SeriesTimestamp}},
		Channel{Name: LogAltitude, Series: []string{SeriesAltitude}},
		Channel{Name: LogVVel, Series: []string{SeriesVVel}},
		Channel{Name: LogGPS, Width: 0, Loaded: LoadedGPS, Series: gpsSeries},
		Channel{Name: LogAttRoll, Series: []string{SeriesRollAngle}},
		Channel{Name: LogAttPitch, Series: []string{SeriesPitchAngle}},
		Channel{Name: LogAttYaw, Series: []string{SeriesYawAngle}},
		Channel{Name: LogMotorRPM, Width: 6, Series: rpmSeries[:]},
		Channel{Name: LogAccelRaw, Width: 6, Series: accelRawSeries},
		Channel{Name: LogAccelFiltered, Width: 6, Series: accelFiltSeries},
		Channel{Name: LogVerticalAccel, Series: []string{SeriesAccelVertical}},
		Channel{Name: LogVVelSetpoint, Series: []string{SeriesSetpointVVel}},
		Channel{Name: LogMagHeading, Series: []string{SeriesMagHeading}},
		Channel{Name: LogCombinedHeading, Series: []string{SeriesCombinedHeading}},
		Channel{Name: LogHVel, Width: 4, Series: []string{SeriesHVelN, SeriesHVelE}},
		Channel{Name: LogBaro, Width: 3, Series: []string{SeriesBaroRaw, SeriesBaroHpa, SeriesBaroAlt}},
		Channel{Name: LogDebug1, Width: 4, Series: []string{SeriesDebug1}},
		Channel{Name: LogDebug2, Width: 4, Series: []string{SeriesDebug2}},
		Channel{Name: LogDebug3, Series: []string{SeriesDebug3}},
		Channel{Name: LogDebug4, Series: []string{SeriesDebug4}},
		Channel{Name: LogPIDSum, Width: 6, Series: []string{SeriesPIDSumRoll, SeriesPIDSumPitch, SeriesPIDSumYaw}},
		Channel{Name: LogVBat, Width: 0, Loaded: LoadedBattery, Series: []string{SeriesVBat}},
		Channel{Name: LogLinkStats, Width: 0, Loaded: LoadedLink, Series: linkSeries},
		Channel{Name: LogFlightMode, Width: 0, Series: []string{SeriesFlightMode}},
	)
	for i := range ch {
		ch[i].Bit = i
		if ch[i].Width == 0 && ch[i].Loaded == 0 && ch[i].Name != LogFlightMode {
			ch[i].Width = defaultChannelWidth
		}
		if ch[i].Loaded == 0 && ch[i].Width > 0 {
			ch[i].Loaded = LoadedRegular
		}
	}
	return ch
}

// ChannelByName looks up a table entry.
func ChannelByName(name string) (Channel, bool) {
	i, ok := channelIndex[name]
	if !ok {
		return Channel{}, false
	}
	return Channels[i], true
}

// Layout is the per-frame arrangement of the enabled in-band channels.
type Layout struct {
	Names   []string
	Offsets map[string]int
	Stride  int
}

// LayoutFor expands an enable bitmap into channel names, byte offsets and the
// computed frame stride. Bits beyond the table are ignored.
func LayoutFor(bitmap uint64) Layout {
	l := Layout{Offsets: make(map[string]int)}
	for _, c := range Channels {
		if bitmap&(1<<uint(c.Bit)) == 0 {
			continue
		}
		l.Names = append(l.Names, c.Name)
		l.Offsets[c.Name] = l.Stride
		l.Stride += c.Width
	}
	return l
}

// BitmapFor is the inverse of LayoutFor. Unknown and generated names are skipped.
func BitmapFor(names []string) uint64 {
	var bm uint64
	for _, n := range names {
		if c, ok := ChannelByName(n); ok {
			bm |= 1 << uint(c.Bit)
		}
	}
	return bm
}

func hasFlag(flags []string, name string) bool {
	for _, f := range flags {
		if f == name {
			return true
		}
	}
	return false
}
